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

package testutils

import (
	"os"
	"testing"
)

// Dir creates a scratch directory for the test to use. The caller is
// responsible for removing it.
func Dir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "robin-tests-")
	if err != nil {
		t.Fatalf("failed to create temporary directory: %v", err)
	}
	return dir
}
