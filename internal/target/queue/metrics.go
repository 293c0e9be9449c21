/*
Robin Mail Transfer Agent - SMTP server, scriptable client and delivery queue.
Copyright © 2021-2024 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import "github.com/prometheus/client_golang/prometheus"

var queuedMsgs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "robin",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Amount of queued messages",
	},
	[]string{"location"},
)

var deliveryResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "queue",
		Name:      "delivery_results",
		Help:      "Per-recipient delivery attempt outcomes",
	},
	[]string{"location", "result"},
)

func init() {
	prometheus.MustRegister(queuedMsgs)
	prometheus.MustRegister(deliveryResults)
}
