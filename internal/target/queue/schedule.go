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

import "math"

// MaxAttempts is the number of delivery attempts a message gets before the
// remaining recipients are failed permanently and bounced.
const MaxAttempts = 30

// retryCurve interpolates the ladder between the one-minute first delay and
// the NextRetry(MaxAttempts) endpoint: 14220 = 60 + retryCurve * (30-1)^2.
const retryCurve = 14160.0 / 841.0

// NextRetry returns the delay in seconds before the attempt following
// attempt number n, counted from 1.
//
// The ladder grows quadratically from 60 seconds after the first attempt to
// 14220 seconds (3h57m) after the thirtieth. The closed form keeps the
// schedule stateless: the startup disk scan recomputes the next fire time
// from the stored attempt count alone.
//
// Past MaxAttempts, -1 is returned: no more retries, the message is
// bounced. Attempt numbers below 1 are clamped to the first-attempt delay.
func NextRetry(attempt int) int64 {
	if attempt <= 0 {
		return 60
	}
	if attempt > MaxAttempts {
		return -1
	}
	n := float64(attempt - 1)
	return int64(math.Round(60 + retryCurve*n*n))
}
