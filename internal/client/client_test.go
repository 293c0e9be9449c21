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

package client

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/internal/auth"
	"github.com/robinmta/robin/internal/testutils"
)

var testPort string

func TestMain(m *testing.M) {
	remoteSmtpPort := flag.String("test.smtpport", "random", "(robin) SMTP port to use for connections in tests")
	flag.Parse()

	if *remoteSmtpPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*remoteSmtpPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	testPort = *remoteSmtpPort
	os.Exit(m.Run())
}

func testClientCfg(t *testing.T) config.Client {
	t.Helper()
	port, err := strconv.Atoi(testPort)
	if err != nil {
		t.Fatal(err)
	}
	return config.Client{
		MX:   []string{"127.0.0.1"},
		Port: port,
		EHLO: "client.example.org",
		Mail: "from@example.org",
		Rcpt: []string{"to@example.com"},
	}
}

func TestRunProbeDelivery(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	defer srv.Close()

	cfg := testClientCfg(t)
	transcript, err := Run(context.Background(), cfg, auth.Magic{}, testutils.Logger(t, "client"))
	if err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "from@example.org", []string{"to@example.com"})
	data := string(be.Messages[0].Data)
	if !strings.Contains(data, "Subject: Robin SMTP probe") {
		t.Errorf("Probe subject missing:\n%v", data)
	}
	if !strings.Contains(data, "Message-ID: <") || !strings.Contains(data, "@client.example.org>") {
		t.Errorf("Probe Message-ID missing:\n%v", data)
	}

	if len(transcript.Envelopes) != 1 {
		t.Fatalf("Envelope count: %v", len(transcript.Envelopes))
	}
	from, ok := transcript.Mail()
	if !ok || from.Address != "from@example.org" {
		t.Errorf("Transcript MAIL: %+v, %v", from, ok)
	}
	if rcpts := transcript.Recipients(); len(rcpts) != 1 || rcpts[0] != "to@example.com" {
		t.Errorf("Transcript recipients: %v", rcpts)
	}
	if len(transcript.Data()) != 1 {
		t.Errorf("Transcript DATA count: %v", len(transcript.Data()))
	}
}

func TestRunRouteAuth(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	defer srv.Close()

	port, _ := strconv.Atoi(testPort)
	cfg := testClientCfg(t)
	cfg.MX = nil
	cfg.Routes = []config.Route{{
		Name: "submission",
		MX:   "127.0.0.1",
		Port: port,
		Auth: "plain",
		User: "{{smtp_user}}",
		Pass: "{{smtp_pass}}",
	}}
	magic := auth.Magic{Bindings: map[string]string{
		"smtp_user": "robin@example.org",
		"smtp_pass": "hunter2",
	}}

	if _, err := Run(context.Background(), cfg, magic, testutils.Logger(t, "client")); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "from@example.org", []string{"to@example.com"})
	if be.Messages[0].AuthUser != "robin@example.org" || be.Messages[0].AuthPass != "hunter2" {
		t.Errorf("Wrong credentials: %v / %v", be.Messages[0].AuthUser, be.Messages[0].AuthPass)
	}
}

func TestRunTLSRequiredNotOffered(t *testing.T) {
	_, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	defer srv.Close()

	cfg := testClientCfg(t)
	cfg.TLS = true

	_, err := Run(context.Background(), cfg, auth.Magic{}, testutils.Logger(t, "client"))
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	testutils.CheckSMTPErr(t, err, 523, exterrors.EnhancedCode{5, 7, 10}, "TLS is required but not advertised by the server")
}

func TestRunSTARTTLSDowngrade(t *testing.T) {
	// The server offers STARTTLS with a certificate the client does not
	// trust. TLS is not required, the run falls back to plaintext on a
	// fresh connection.
	_, be, srv := testutils.SMTPServerSTARTTLS(t, "127.0.0.1:"+testPort)
	defer srv.Close()

	cfg := testClientCfg(t)
	if _, err := Run(context.Background(), cfg, auth.Magic{}, testutils.Logger(t, "client")); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "from@example.org", []string{"to@example.com"})
	if be.Messages[0].Conn != nil {
		if tlsState, ok := be.Messages[0].Conn.TLSConnectionState(); ok && tlsState.HandshakeComplete {
			t.Error("Message delivered over TLS, expected plaintext fallback")
		}
	}
}

func TestRunDestinationFailureContinues(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	defer srv.Close()

	cfg := testClientCfg(t)
	// First destination has nothing listening, second works.
	cfg.MX = []string{"0.255.255.255", "127.0.0.1"}

	transcript, err := Run(context.Background(), cfg, auth.Magic{}, testutils.Logger(t, "client"))
	if err == nil {
		t.Fatal("Expected an error for the dead destination")
	}

	be.CheckMsg(t, 0, "from@example.org", []string{"to@example.com"})
	if len(transcript.Envelopes) != 2 {
		t.Errorf("Envelope count: %v", len(transcript.Envelopes))
	}
}
