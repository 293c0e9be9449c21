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

package auth

import "strings"

// Magic substitutes {{variable}} placeholders in credential strings and
// client.json fields with values from an explicit bindings map, typically
// loaded from properties.json5.
//
// An unknown placeholder is left verbatim so a literal "{{" in a password
// does not silently turn into an empty string.
type Magic struct {
	Bindings map[string]string
}

func (m Magic) Replace(in string) string {
	var out strings.Builder
	for {
		start := strings.Index(in, "{{")
		if start < 0 {
			out.WriteString(in)
			break
		}
		end := strings.Index(in[start+2:], "}}")
		if end < 0 {
			out.WriteString(in)
			break
		}

		key := strings.TrimSpace(in[start+2 : start+2+end])
		out.WriteString(in[:start])
		if val, ok := m.Bindings[key]; ok {
			out.WriteString(val)
		} else {
			out.WriteString(in[start : start+2+end+2])
		}
		in = in[start+2+end+2:]
	}
	return out.String()
}
