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
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestStripJSON5(t *testing.T) {
	check := func(in, expected string) {
		t.Helper()
		actual := string(stripJSON5([]byte(in)))
		if actual != expected {
			t.Errorf("in %q: got %q, want %q", in, actual, expected)
		}
	}

	check(`{"a": 1}`, `{"a": 1}`)
	check("{\"a\": 1} // trailing\n", "{\"a\": 1} \n")
	check("{// comment\n\"a\": 1}", "{\n\"a\": 1}")
	check(`{"a": /* inline */ 1}`, `{"a":  1}`)
	check(`{"a": 1,}`, `{"a": 1}`)
	check("{\"a\": [1, 2,\n]}", "{\"a\": [1, 2\n]}")
	check("{\"a\": 1, // c\n}", "{\"a\": 1 \n}")
	check(`{"a": "// not a comment"}`, `{"a": "// not a comment"}`)
	check(`{"a": "quote \" and, }"}`, `{"a": "quote \" and, }"}`)
	check(`{"url": "https://example.org"}`, `{"url": "https://example.org"}`)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	server := `{
		// Robin test config.
		"hostname": "mx.example.org",
		"listen": ["tcp://127.0.0.1:10025",],
		"domains": ["example.org"],
	}`
	client := `{
		"mx": ["mx.example.com"],
		"mail": "from@example.org",
		"rcpt": ["to@example.com"],
	}`
	webhooks := `{
		"url": "http://127.0.0.1:8080/hook",
		"verbs": ["MAIL", "RCPT"],
	}`
	props := `{"smtp_user": "rvolosatovs", /* secret */ "smtp_password": "hunter2"}`

	for name, blob := range map[string]string{
		"server.json":      server,
		"client.json":      client,
		"webhooks.json5":   webhooks,
		"properties.json5": props,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(blob), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Hostname != "mx.example.org" {
		t.Errorf("wrong hostname: %v", cfg.Server.Hostname)
	}
	if !cfg.Server.IsLocalDomain("example.org") {
		t.Errorf("example.org should be local")
	}
	if cfg.Server.IsLocalDomain("example.com") {
		t.Errorf("example.com should not be local")
	}
	if cfg.Server.MaxRecipients != 20000 {
		t.Errorf("default max_recipients not applied: %v", cfg.Server.MaxRecipients)
	}
	if cfg.Server.MaxMessageSize != 32*1024*1024 {
		t.Errorf("default max_message_size not applied: %v", cfg.Server.MaxMessageSize)
	}

	if cfg.Client == nil {
		t.Fatal("client.json not loaded")
	}
	if cfg.Client.Port != 25 {
		t.Errorf("default client port not applied: %v", cfg.Client.Port)
	}
	if !reflect.DeepEqual(cfg.Client.MX, []string{"mx.example.com"}) {
		t.Errorf("wrong client mx: %v", cfg.Client.MX)
	}

	if cfg.Webhooks == nil {
		t.Fatal("webhooks.json5 not loaded")
	}
	if cfg.Webhooks.Timeout != 5 {
		t.Errorf("default webhook timeout not applied: %v", cfg.Webhooks.Timeout)
	}

	if cfg.Properties["smtp_password"] != "hunter2" {
		t.Errorf("wrong properties: %v", cfg.Properties)
	}
}

func TestLoadDir_NoServer(t *testing.T) {
	if _, err := LoadDir(t.TempDir()); err == nil {
		t.Error("expected an error, got none")
	}
}

func TestServerValidate(t *testing.T) {
	test := func(name string, srv Server, wantErr bool) {
		t.Helper()
		err := srv.Validate()
		if (err != nil) != wantErr {
			t.Errorf("%s: err = %v, want error = %v", name, err, wantErr)
		}
	}

	test("empty", Server{}, true)
	test("minimal", Server{Hostname: "mx.example.org"}, false)
	test("bad listen", Server{Hostname: "mx.example.org", Listen: []string{"sctp://0.0.0.0:25"}}, true)
	test("cert without key", Server{Hostname: "mx.example.org", TLSCert: "/etc/robin/fullchain.pem"}, true)
	test("bad xclient net", Server{Hostname: "mx.example.org", XClientTrust: []string{"10.0.0.0/240"}}, true)
	test("xclient net", Server{Hostname: "mx.example.org", XClientTrust: []string{"10.0.0.0/8", "192.168.1.1"}}, false)
}

func TestClientValidate(t *testing.T) {
	test := func(name string, cl Client, wantErr bool) {
		t.Helper()
		err := cl.Validate()
		if (err != nil) != wantErr {
			t.Errorf("%s: err = %v, want error = %v", name, err, wantErr)
		}
	}

	test("empty", Client{}, true)
	test("mx only", Client{MX: []string{"mx.example.com"}}, false)
	test("route without mx", Client{Routes: []Route{{Name: "a"}}}, true)
	test("route auth", Client{Routes: []Route{{Name: "a", MX: "mx.example.com", Auth: "cram-md5"}}}, false)
	test("route bad auth", Client{Routes: []Route{{Name: "a", MX: "mx.example.com", Auth: "ntlm"}}}, true)
	test("bad protocol", Client{MX: []string{"mx.example.com"}, Protocols: []string{"ssl3.0"}}, true)
	test("bad cipher", Client{MX: []string{"mx.example.com"}, Ciphers: []string{"NULL-MD5"}}, true)
}

func TestClientTLSConfig(t *testing.T) {
	cl := Client{
		MX:        []string{"mx.example.com"},
		Protocols: []string{"tls1.2", "tls1.3"},
		Ciphers:   []string{"ECDHE-RSA-WITH-AES256-GCM-SHA384"},
	}
	if err := cl.Validate(); err != nil {
		t.Fatal(err)
	}

	cfg, err := cl.TLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != 0x0303 /* TLS 1.2 */ {
		t.Errorf("wrong MinVersion: %x", cfg.MinVersion)
	}
	if cfg.MaxVersion != 0x0304 /* TLS 1.3 */ {
		t.Errorf("wrong MaxVersion: %x", cfg.MaxVersion)
	}
	if len(cfg.CipherSuites) != 1 {
		t.Errorf("wrong CipherSuites: %v", cfg.CipherSuites)
	}
}
