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

package smtp

import "github.com/prometheus/client_golang/prometheus"

var (
	startedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "started_sessions",
			Help:      "Amount of SMTP sessions started",
		},
	)
	completedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "completed_sessions",
			Help:      "Amount of SMTP sessions terminated by QUIT",
		},
	)
	abortedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "aborted_sessions",
			Help:      "Amount of SMTP sessions dropped before QUIT (I/O errors, timeouts, policy)",
		},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "active_connections",
			Help:      "Amount of currently served SMTP connections",
		},
	)
	failedLogins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "failed_logins",
			Help:      "AUTH command failures",
		},
	)
	failedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "failed_commands",
			Help:      "Commands rejected with a 4xx or 5xx reply",
		},
		[]string{"command", "smtp_code"},
	)
)

func init() {
	prometheus.MustRegister(startedSessions)
	prometheus.MustRegister(completedSessions)
	prometheus.MustRegister(abortedSessions)
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(failedCmds)
}
