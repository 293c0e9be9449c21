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

package config

// RuntimeDirectory is the directory relative unix:// listener paths are
// resolved against. It should be preferred over os.TempDir, which is
// global and world-readable on most systems, while RuntimeDirectory can
// be dedicated for robin.
//
// Value of this variable must not change after initialization in
// cmd/robin/main.go.
var RuntimeDirectory string
