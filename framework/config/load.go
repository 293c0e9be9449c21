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

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Cfg is the set of documents loaded from a configuration directory.
//
// Client and Webhooks are nil if the corresponding file is absent.
// Properties is never nil.
type Cfg struct {
	Client     *Client
	Server     *Server
	Webhooks   *Webhooks
	Properties Properties
}

// LoadDir reads the configuration documents from dir.
//
// server.json is required, the rest are optional. File name variants with
// the .json5 suffix are accepted for every document.
func LoadDir(dir string) (*Cfg, error) {
	cfg := &Cfg{Properties: Properties{}}

	srv := &Server{}
	found, err := readDocument(dir, "server", srv)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("config: %s: server.json not found", dir)
	}
	if err := srv.Validate(); err != nil {
		return nil, err
	}
	cfg.Server = srv

	cl := &Client{}
	found, err = readDocument(dir, "client", cl)
	if err != nil {
		return nil, err
	}
	if found {
		if err := cl.Validate(); err != nil {
			return nil, err
		}
		cfg.Client = cl
	}

	wh := &Webhooks{}
	found, err = readDocument(dir, "webhooks", wh)
	if err != nil {
		return nil, err
	}
	if found {
		if err := wh.Validate(); err != nil {
			return nil, err
		}
		cfg.Webhooks = wh
	}

	if _, err := readDocument(dir, "properties", &cfg.Properties); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadClientDir reads client.json and properties.json from dir, ignoring
// the server documents. Used by the client mode, which does not need a
// server.json to be present.
func LoadClientDir(dir string) (*Client, Properties, error) {
	cl := &Client{}
	found, err := readDocument(dir, "client", cl)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("config: %s: client.json not found", dir)
	}
	if err := cl.Validate(); err != nil {
		return nil, nil, err
	}

	props := Properties{}
	if _, err := readDocument(dir, "properties", &props); err != nil {
		return nil, nil, err
	}
	return cl, props, nil
}

// LoadClient reads a standalone client.json document.
func LoadClient(path string) (*Client, error) {
	cl := &Client{}
	if err := ReadJSON(path, cl); err != nil {
		return nil, err
	}
	if err := cl.Validate(); err != nil {
		return nil, err
	}
	return cl, nil
}

func readDocument(dir, name string, v interface{}) (bool, error) {
	for _, fname := range []string{name + ".json", name + ".json5"} {
		path := filepath.Join(dir, fname)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, fmt.Errorf("config: %w", err)
		}
		return true, ReadJSON(path, v)
	}
	return false, nil
}

// ReadJSON decodes the file into v after the tolerant pre-pass.
func ReadJSON(path string, v interface{}) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := json.Unmarshal(stripJSON5(blob), v); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// stripJSON5 removes // and /* */ comments and trailing commas so that
// documents written in the JSON-compatible subset of JSON5 decode with
// encoding/json. String contents are left untouched.
//
// Comments are removed first so that a comment between a trailing comma and
// the closing bracket does not hide the comma from the second pass.
func stripJSON5(in []byte) []byte {
	return stripTrailingCommas(stripComments(in))
}

func stripComments(in []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(in))

	inStr := false
	for i := 0; i < len(in); i++ {
		c := in[i]
		if inStr {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(in) {
				i++
				out.WriteByte(in[i])
				continue
			}
			if c == '"' {
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
			out.WriteByte(c)
		case c == '/' && i+1 < len(in) && in[i+1] == '/':
			for i < len(in) && in[i] != '\n' {
				i++
			}
			if i < len(in) {
				out.WriteByte('\n')
			}
		case c == '/' && i+1 < len(in) && in[i+1] == '*':
			i += 2
			for i+1 < len(in) && !(in[i] == '*' && in[i+1] == '/') {
				i++
			}
			i++
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}

func stripTrailingCommas(in []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(in))

	inStr := false
	for i := 0; i < len(in); i++ {
		c := in[i]
		if inStr {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(in) {
				i++
				out.WriteByte(in[i])
				continue
			}
			if c == '"' {
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
			out.WriteByte(c)
		case c == ',':
			j := i + 1
			for j < len(in) && (in[j] == ' ' || in[j] == '\t' || in[j] == '\r' || in[j] == '\n') {
				j++
			}
			if j < len(in) && (in[j] == '}' || in[j] == ']') {
				continue
			}
			out.WriteByte(c)
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}
