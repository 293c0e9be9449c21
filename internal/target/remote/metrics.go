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

package remote

import "github.com/prometheus/client_golang/prometheus"

var policyLevelConns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "remote",
		Name:      "conns_policy_level",
		Help:      "Outbound connections established under a specific security policy level",
	},
	[]string{"level"},
)

var tlsLevelConns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "robin",
		Subsystem: "remote",
		Name:      "conns_tls_level",
		Help:      "Outbound connections established with a specific TLS security level",
	},
	[]string{"level"},
)

func init() {
	prometheus.MustRegister(policyLevelConns)
	prometheus.MustRegister(tlsLevelConns)
}
