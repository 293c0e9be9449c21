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

import (
	"errors"
	"net"
	"reflect"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/robinmta/robin/internal/testutils"
)

type mapSecrets map[string]string

func (m mapSecrets) LookupSecret(username string) (string, bool, error) {
	secret, ok := m[username]
	return secret, ok, nil
}

type mapPlain map[string]string

func (m mapPlain) AuthPlain(username, password string) error {
	if m[username] != password {
		return ErrInvalidCredentials
	}
	return nil
}

// saslRoundTrip drives the client and server through a complete exchange
// the way the SMTP AUTH loop would, returning the server-side result.
func saslRoundTrip(t *testing.T, srv sasl.Server, cl sasl.Client) error {
	t.Helper()

	_, resp, err := cl.Start()
	if err != nil {
		t.Fatalf("client start: %v", err)
	}
	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		resp, err = cl.Next(challenge)
		if err != nil {
			t.Fatalf("client next: %v", err)
		}
	}
}

func testAuth(t *testing.T) *SASLAuth {
	creds := map[string]string{"rvolosatovs": "password123"}
	return &SASLAuth{
		Log:      testutils.Logger(t, "saslauth"),
		Hostname: "mx.example.org",
		Plain:    mapPlain(creds),
		Secrets:  mapSecrets(creds),
	}
}

func TestSASLRoundTrip(t *testing.T) {
	remoteAddr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 55555}

	check := func(mech string) {
		t.Helper()

		a := testAuth(t)
		authorized := ""
		srv := a.CreateSASL(mech, remoteAddr, func(username string) error {
			authorized = username
			return nil
		})
		cl, err := SASLClient(mech, "rvolosatovs", "password123", "mx.example.org")
		if err != nil {
			t.Fatalf("SASLClient: %v", err)
		}

		if err := saslRoundTrip(t, srv, cl); err != nil {
			t.Fatalf("%s exchange failed: %v", mech, err)
		}
		if authorized != "rvolosatovs" {
			t.Fatalf("%s: wrong authorized username: %q", mech, authorized)
		}
	}

	check(sasl.Plain)
	check(sasl.Login)
	check(CramMD5)
	check(DigestMD5)
}

func TestSASLRoundTrip_WrongPassword(t *testing.T) {
	remoteAddr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 55555}

	check := func(mech string) {
		t.Helper()

		a := testAuth(t)
		srv := a.CreateSASL(mech, remoteAddr, func(string) error {
			t.Fatalf("%s: authorization callback called for wrong password", mech)
			return nil
		})
		cl, err := SASLClient(mech, "rvolosatovs", "letmein", "mx.example.org")
		if err != nil {
			t.Fatalf("SASLClient: %v", err)
		}

		if err := saslRoundTrip(t, srv, cl); err == nil {
			t.Fatalf("%s: expected an error, got nil", mech)
		}
	}

	check(sasl.Plain)
	check(sasl.Login)
	check(CramMD5)
	check(DigestMD5)
}

func TestSASLRoundTrip_UnknownUser(t *testing.T) {
	remoteAddr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 55555}

	for _, mech := range []string{sasl.Plain, CramMD5, DigestMD5} {
		a := testAuth(t)
		srv := a.CreateSASL(mech, remoteAddr, func(string) error {
			t.Fatalf("%s: authorization callback called for unknown user", mech)
			return nil
		})
		cl, err := SASLClient(mech, "nonexistent", "password123", "mx.example.org")
		if err != nil {
			t.Fatalf("SASLClient: %v", err)
		}

		if err := saslRoundTrip(t, srv, cl); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("%s: expected ErrInvalidCredentials, got %v", mech, err)
		}
	}
}

func TestSASLMechanisms(t *testing.T) {
	check := func(plain PlainAuth, secrets SecretSource, want []string) {
		t.Helper()

		a := SASLAuth{Plain: plain, Secrets: secrets}
		got := a.SASLMechanisms()
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}

	creds := map[string]string{}
	check(mapPlain(creds), mapSecrets(creds), []string{DigestMD5, CramMD5, sasl.Plain, sasl.Login})
	check(mapPlain(creds), nil, []string{sasl.Plain, sasl.Login})
	check(nil, mapSecrets(creds), []string{DigestMD5, CramMD5})
	check(nil, nil, nil)
}

func TestCreateSASL_Unsupported(t *testing.T) {
	a := testAuth(t)
	srv := a.CreateSASL("SCRAM-SHA-1", &net.TCPAddr{}, func(string) error { return nil })
	_, done, err := srv.Next(nil)
	if !done {
		t.Error("expected done=true from failing server")
	}
	if !errors.Is(err, ErrUnsupportedMech) {
		t.Errorf("expected ErrUnsupportedMech, got %v", err)
	}

	if _, err := SASLClient("SCRAM-SHA-1", "u", "p", "host"); err == nil {
		t.Error("SASLClient: expected an error for unsupported mechanism")
	}
}

// Worked example from RFC 2831, section 4.
func TestDigestMD5_RFCExample(t *testing.T) {
	const (
		nonce  = "OA6MG9tEQGm2hh"
		cnonce = "OA6MHXh6VqTrRk"
		uri    = "imap/elwood.innosoft.com"
	)

	hexHA1 := digestHA1("chris", "elwood.innosoft.com", "secret", nonce, cnonce)

	response := digestResponse(hexHA1, nonce, "00000001", cnonce, "AUTHENTICATE:"+uri)
	if response != "d388dad90d4bbd760a152321f2143af7" {
		t.Errorf("wrong response digest: %s", response)
	}

	rspauth := digestResponse(hexHA1, nonce, "00000001", cnonce, ":"+uri)
	if rspauth != "ea40f60335c427b5527b84dbabcdfffd" {
		t.Errorf("wrong rspauth digest: %s", rspauth)
	}
}

func TestDigestMD5_RspauthMismatch(t *testing.T) {
	cl := NewDigestMD5Client("chris", "secret", "elwood.innosoft.com")
	if _, _, err := cl.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.Next([]byte(`realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",qop="auth",algorithm=md5-sess`)); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.Next([]byte("rspauth=00000000000000000000000000000000")); err == nil {
		t.Error("expected an error for forged rspauth")
	}
}

func TestParseDigestDirectives(t *testing.T) {
	check := func(in string, want map[string]string) {
		t.Helper()

		got, err := parseDigestDirectives(in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", in, err)
			return
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%q:\n got  %v\n want %v", in, got, want)
		}
	}
	checkErr := func(in string) {
		t.Helper()

		if _, err := parseDigestDirectives(in); err == nil {
			t.Errorf("%q: expected an error", in)
		}
	}

	check(`nonce="abc",qop="auth"`, map[string]string{"nonce": "abc", "qop": "auth"})
	check(`algorithm=md5-sess`, map[string]string{"algorithm": "md5-sess"})
	check(`realm="with,comma",nc=00000001`, map[string]string{"realm": "with,comma", "nc": "00000001"})
	check(`username="quo\"te"`, map[string]string{"username": `quo"te`})
	check(`username="back\\slash",qop=auth`, map[string]string{"username": `back\slash`, "qop": "auth"})
	check(`NONCE="abc"`, map[string]string{"nonce": "abc"})
	check(` nonce = "abc" , qop = auth `, map[string]string{"nonce": "abc", "qop": "auth"})

	checkErr(`nonce="unterminated`)
	checkErr(`nonce="trailing\`)
	checkErr(`novalue`)
	checkErr(`="abc"`)
}

func TestMagicReplace(t *testing.T) {
	m := Magic{Bindings: map[string]string{
		"user":     "rvolosatovs",
		"password": "hunter2",
		"empty":    "",
	}}

	check := func(in, want string) {
		t.Helper()

		if got := m.Replace(in); got != want {
			t.Errorf("Replace(%q) = %q, want %q", in, got, want)
		}
	}

	check("{{user}}", "rvolosatovs")
	check("{{ user }}", "rvolosatovs")
	check("{{user}}@example.org", "rvolosatovs@example.org")
	check("pass: {{password}}!", "pass: hunter2!")
	check("{{user}}:{{password}}", "rvolosatovs:hunter2")
	check("{{empty}}", "")
	check("{{unknown}}", "{{unknown}}")
	check("a {{unknown}} b {{user}}", "a {{unknown}} b rvolosatovs")
	check("no placeholders", "no placeholders")
	check("{{unterminated", "{{unterminated")
	check("", "")
}
