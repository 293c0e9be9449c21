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

import (
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/internal/auth"
	"github.com/robinmta/robin/internal/hook"
	"github.com/robinmta/robin/internal/testutils"
)

func testEndpoint(t *testing.T, cfg config.Server, opts Opts) (*Endpoint, *testutils.Target) {
	t.Helper()

	if cfg.Hostname == "" {
		cfg.Hostname = "mx.example.org"
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1 * 1024 * 1024
	}
	if cfg.MaxRecipients == 0 {
		cfg.MaxRecipients = 20000
	}

	tgt := &testutils.Target{}
	if opts.Relay == nil {
		opts.Relay = tgt
	}
	opts.Log = testutils.Logger(t, "smtp")

	endp, err := New(cfg, opts)
	if err != nil {
		t.Fatal(err)
	}
	endp.resolver = &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}
	return endp, tgt
}

// addrConn overrides the peer address of a net.Pipe end so trust checks
// (XCLIENT, DNSBL) see a routable-looking client.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

type scriptedConn struct {
	t    *testing.T
	c    *textproto.Conn
	sess *Session
	done chan struct{}
}

func startSession(t *testing.T, endp *Endpoint, remote net.Addr) *scriptedConn {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	if remote == nil {
		remote = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 52525}
	}

	sess := endp.newSession(addrConn{Conn: serverSide, remote: remote})
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.serve()
	}()

	sc := &scriptedConn{t: t, c: textproto.NewConn(clientSide), sess: sess, done: done}
	t.Cleanup(func() {
		clientSide.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not terminate")
		}
	})
	return sc
}

func (sc *scriptedConn) send(line string) {
	sc.t.Helper()
	if err := sc.c.PrintfLine("%s", line); err != nil {
		sc.t.Fatalf("send %q: %v", line, err)
	}
}

func (sc *scriptedConn) expect(wantCode int) string {
	sc.t.Helper()
	code, msg, err := sc.c.ReadResponse(0)
	if err != nil {
		sc.t.Fatalf("read reply: %v", err)
	}
	if code != wantCode {
		sc.t.Fatalf("reply %d %q, want %d", code, msg, wantCode)
	}
	return msg
}

func (sc *scriptedConn) cmd(line string, wantCode int) string {
	sc.t.Helper()
	sc.send(line)
	return sc.expect(wantCode)
}

func (sc *scriptedConn) expectEOF() {
	sc.t.Helper()
	if _, err := sc.c.ReadLine(); err == nil {
		sc.t.Fatal("connection still open, expected close")
	}
}

func (sc *scriptedConn) handshake() {
	sc.t.Helper()
	sc.expect(220)
	sc.cmd("EHLO client.example.org", 250)
}

func TestGreetingAndCapabilities(t *testing.T) {
	endp, _ := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)

	if msg := sc.expect(220); !strings.HasPrefix(msg, "mx.example.org ") {
		t.Errorf("Wrong greeting: %q", msg)
	}

	caps := sc.cmd("EHLO client.example.org", 250)
	for _, want := range []string{"PIPELINING", "8BITMIME", "SIZE 1048576", "ENHANCEDSTATUSCODES", "SMTPUTF8", "CHUNKING"} {
		if !strings.Contains(caps, want) {
			t.Errorf("Capability %v not advertised:\n%v", want, caps)
		}
	}
	for _, dontWant := range []string{"STARTTLS", "AUTH"} {
		if strings.Contains(caps, dontWant) {
			t.Errorf("Capability %v advertised without being available:\n%v", dontWant, caps)
		}
	}

	sc.cmd("QUIT", 221)
	sc.expectEOF()
}

func TestCommandSequence(t *testing.T) {
	endp, _ := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)
	sc.expect(220)

	sc.cmd("MAIL FROM:<test@example.org>", 503)
	sc.cmd("RCPT TO:<to@example.com>", 503)
	sc.cmd("DATA", 503)

	sc.cmd("EHLO client.example.org", 250)
	sc.cmd("RCPT TO:<to@example.com>", 503)
	sc.cmd("MAIL FROM:<test@example.org>", 250)
	sc.cmd("MAIL FROM:<test@example.org>", 503)
	sc.cmd("DATA", 503) // no recipients yet
}

func TestUnknownCommandAndErrorBudget(t *testing.T) {
	endp, _ := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)
	sc.expect(220)

	sc.cmd("XNOOP", 500)
	sc.cmd("FOO BAR", 500)
	sc.send("BAZ")
	sc.expect(500)
	sc.expect(421)
	sc.expectEOF()
}

func TestErrorBudgetReset(t *testing.T) {
	endp, _ := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)
	sc.expect(220)

	sc.cmd("XNOOP", 500)
	sc.cmd("FOO", 500)
	sc.cmd("NOOP", 250)
	sc.cmd("XNOOP", 500)
	sc.cmd("NOOP", 250)
}

func TestDataDelivery(t *testing.T) {
	endp, tgt := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<sender@example.org>", 250)
	sc.cmd("RCPT TO:<to1@example.com>", 250)
	sc.cmd("RCPT TO:<to2@Example.Com>", 250)
	sc.cmd("DATA", 354)

	dw := sc.c.DotWriter()
	if _, err := dw.Write([]byte("From: sender@example.org\r\nSubject: test\r\n\r\nHello!\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := dw.Close(); err != nil {
		t.Fatal(err)
	}
	reply := sc.expect(250)
	if !strings.Contains(reply, "queued as ") {
		t.Errorf("Missing queue ID in reply: %q", reply)
	}
	sc.cmd("QUIT", 221)
	sc.expectEOF()
	<-sc.done

	if len(tgt.Messages) != 1 {
		t.Fatalf("Message count: %v", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	if msg.MailFrom != "sender@example.org" {
		t.Errorf("Wrong MAIL FROM: %v", msg.MailFrom)
	}
	if len(msg.RcptTo) != 2 || msg.RcptTo[0] != "to1@example.com" || msg.RcptTo[1] != "to2@example.com" {
		t.Errorf("Wrong recipients: %v", msg.RcptTo)
	}
	if msg.Header.Get("Received") == "" {
		t.Error("No Received header stamped")
	}
	if string(msg.Body) != "Hello!\r\n" {
		t.Errorf("Wrong body: %q", msg.Body)
	}
	if msg.MsgMeta.ID == "" {
		t.Error("Empty message ID")
	}

	from, ok := sc.sess.transcript.Mail()
	if !ok || from.Address != "sender@example.org" {
		t.Errorf("Transcript MAIL: %+v, %v", from, ok)
	}
	if rcpts := sc.sess.transcript.Recipients(); len(rcpts) != 2 {
		t.Errorf("Transcript recipients: %v", rcpts)
	}
}

func TestDataSizeLimit(t *testing.T) {
	endp, tgt := testEndpoint(t, config.Server{MaxMessageSize: 1024}, Opts{})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<sender@example.org> SIZE=100000", 552)

	sc.cmd("MAIL FROM:<sender@example.org>", 250)
	sc.cmd("RCPT TO:<to@example.com>", 250)
	sc.cmd("DATA", 354)

	dw := sc.c.DotWriter()
	dw.Write([]byte("Subject: big\r\n\r\n"))
	dw.Write([]byte(strings.Repeat("A", 4096)))
	if err := dw.Close(); err != nil {
		t.Fatal(err)
	}
	sc.expect(552)

	// The session survives the oversized message.
	sc.cmd("NOOP", 250)
	sc.cmd("QUIT", 221)
	<-sc.done

	if len(tgt.Messages) != 0 {
		t.Errorf("Oversized message was delivered: %v", len(tgt.Messages))
	}
}

func TestMailParams(t *testing.T) {
	endp, _ := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org> BODY=8BITMIME SMTPUTF8", 250)
	sc.cmd("RSET", 250)
	sc.cmd("MAIL FROM:<test@example.org> BODY=BINARYMIME", 555)
	sc.cmd("MAIL FROM:<test@example.org> XNONSENSE=1", 555)
	sc.cmd("MAIL FROM:<test@example.org> SIZE=oops", 501)
	sc.cmd("MAIL FM:<test@example.org>", 501)
	sc.cmd("MAIL FROM:<>", 250) // null reverse-path is fine
}

func TestRcptLimits(t *testing.T) {
	endp, _ := testEndpoint(t, config.Server{MaxRecipients: 2}, Opts{})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org>", 250)
	sc.cmd("RCPT TO:<>", 501)
	sc.cmd("RCPT TO:<nodomain>", 501)
	sc.cmd("RCPT TO:<to1@example.com>", 250)
	sc.cmd("RCPT TO:<to2@example.com>", 250)
	sc.cmd("RCPT TO:<to3@example.com>", 452)
}

func TestRset(t *testing.T) {
	endp, tgt := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org>", 250)
	sc.cmd("RCPT TO:<to@example.com>", 250)
	sc.cmd("RSET", 250)
	sc.cmd("DATA", 503)

	sc.cmd("MAIL FROM:<other@example.org>", 250)
	sc.cmd("RCPT TO:<to@example.com>", 250)
	sc.cmd("DATA", 354)
	dw := sc.c.DotWriter()
	dw.Write([]byte("Subject: x\r\n\r\nbody\r\n"))
	if err := dw.Close(); err != nil {
		t.Fatal(err)
	}
	sc.expect(250)
	sc.cmd("QUIT", 221)
	<-sc.done

	if len(tgt.Messages) != 1 {
		t.Fatalf("Message count: %v", len(tgt.Messages))
	}
	if tgt.Messages[0].MailFrom != "other@example.org" {
		t.Errorf("Wrong MAIL FROM: %v", tgt.Messages[0].MailFrom)
	}
	if envs := len(sc.sess.transcript.Envelopes); envs != 2 {
		t.Errorf("Envelope count: %v", envs)
	}
}

func TestBdat(t *testing.T) {
	endp, tgt := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org>", 250)
	sc.cmd("RCPT TO:<to@example.com>", 250)

	content := "Subject: chunked\r\n\r\nfirst part second part\r\n"
	half := len(content) / 2

	sc.send("BDAT " + strconv.Itoa(half))
	mustWrite(t, sc.c.W, content[:half])
	sc.expect(250)

	// DATA cannot be mixed into an ongoing BDAT transfer.
	sc.cmd("DATA", 503)

	sc.send("BDAT " + strconv.Itoa(len(content)-half) + " LAST")
	mustWrite(t, sc.c.W, content[half:])
	sc.expect(250)

	sc.cmd("QUIT", 221)
	<-sc.done

	if len(tgt.Messages) != 1 {
		t.Fatalf("Message count: %v", len(tgt.Messages))
	}
	if string(tgt.Messages[0].Body) != "first part second part\r\n" {
		t.Errorf("Wrong body: %q", tgt.Messages[0].Body)
	}
}

func TestBdatZeroLast(t *testing.T) {
	endp, tgt := testEndpoint(t, config.Server{}, Opts{})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org>", 250)
	sc.cmd("RCPT TO:<to@example.com>", 250)

	content := "Subject: x\r\n\r\nbody\r\n"
	sc.send("BDAT " + strconv.Itoa(len(content)))
	mustWrite(t, sc.c.W, content)
	sc.expect(250)
	sc.cmd("BDAT 0 LAST", 250)

	sc.cmd("QUIT", 221)
	<-sc.done
	if len(tgt.Messages) != 1 {
		t.Fatalf("Message count: %v", len(tgt.Messages))
	}
}

func TestAuthPlain(t *testing.T) {
	saslAuth := &auth.SASLAuth{
		Log:      testutils.Logger(t, "sasl"),
		Hostname: "mx.example.org",
		Plain:    plainCreds{"user@example.org": "hunter2"},
	}
	endp, tgt := testEndpoint(t, config.Server{AuthRequired: true, InsecureAuth: true}, Opts{Auth: saslAuth})
	sc := startSession(t, endp, nil)
	sc.expect(220)

	caps := sc.cmd("EHLO client.example.org", 250)
	if !strings.Contains(caps, "AUTH ") || !strings.Contains(caps, "PLAIN") {
		t.Errorf("AUTH PLAIN not advertised:\n%v", caps)
	}

	sc.cmd("MAIL FROM:<user@example.org>", 530)

	wrong := base64.StdEncoding.EncodeToString([]byte("\x00user@example.org\x00badpass"))
	sc.cmd("AUTH PLAIN "+wrong, 535)

	resp := base64.StdEncoding.EncodeToString([]byte("\x00user@example.org\x00hunter2"))
	sc.cmd("AUTH PLAIN "+resp, 235)
	sc.cmd("AUTH PLAIN "+resp, 503) // already authenticated

	sc.cmd("MAIL FROM:<user@example.org>", 250)
	sc.cmd("RCPT TO:<to@example.com>", 250)
	sc.cmd("DATA", 354)
	dw := sc.c.DotWriter()
	dw.Write([]byte("Subject: x\r\n\r\nbody\r\n"))
	if err := dw.Close(); err != nil {
		t.Fatal(err)
	}
	sc.expect(250)
	sc.cmd("QUIT", 221)
	<-sc.done

	if len(tgt.Messages) != 1 {
		t.Fatalf("Message count: %v", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	if msg.MsgMeta.Conn.AuthUser != "user@example.org" {
		t.Errorf("Wrong AuthUser: %v", msg.MsgMeta.Conn.AuthUser)
	}
	// Authenticated submission gets the missing envelope headers added.
	if msg.Header.Get("Message-ID") == "" || msg.Header.Get("Date") == "" {
		t.Error("Submission fix-up did not add Message-ID/Date")
	}

	// Credentials must not land in the transcript.
	for _, tx := range sc.sess.transcript.Transactions("AUTH") {
		if strings.Contains(tx.Payload, resp) || strings.Contains(tx.Payload, wrong) {
			t.Errorf("Credentials recorded in transcript: %q", tx.Payload)
		}
	}
}

func TestAuthLoginChallenge(t *testing.T) {
	saslAuth := &auth.SASLAuth{
		Log:      testutils.Logger(t, "sasl"),
		Hostname: "mx.example.org",
		Plain:    plainCreds{"user@example.org": "hunter2"},
	}
	endp, _ := testEndpoint(t, config.Server{InsecureAuth: true}, Opts{Auth: saslAuth})
	sc := startSession(t, endp, nil)
	sc.expect(220)
	sc.cmd("EHLO client.example.org", 250)

	sc.send("AUTH LOGIN")
	sc.expect(334)
	sc.send(base64.StdEncoding.EncodeToString([]byte("user@example.org")))
	sc.expect(334)
	sc.send(base64.StdEncoding.EncodeToString([]byte("hunter2")))
	sc.expect(235)

	// Cancel mid-exchange on a fresh session.
	sc2 := startSession(t, endp, nil)
	sc2.expect(220)
	sc2.cmd("EHLO client.example.org", 250)
	sc2.send("AUTH LOGIN")
	sc2.expect(334)
	sc2.send("*")
	sc2.expect(501)
	sc2.cmd("NOOP", 250)
}

func TestAuthPlaintextRequiresTLS(t *testing.T) {
	saslAuth := &auth.SASLAuth{
		Log:      testutils.Logger(t, "sasl"),
		Hostname: "mx.example.org",
		Plain:    plainCreds{"user@example.org": "hunter2"},
	}
	endp, _ := testEndpoint(t, config.Server{}, Opts{Auth: saslAuth})
	sc := startSession(t, endp, nil)
	sc.expect(220)

	caps := sc.cmd("EHLO client.example.org", 250)
	if strings.Contains(caps, "PLAIN") || strings.Contains(caps, "LOGIN") {
		t.Errorf("Plaintext mechanisms advertised without TLS:\n%v", caps)
	}

	resp := base64.StdEncoding.EncodeToString([]byte("\x00user@example.org\x00hunter2"))
	sc.cmd("AUTH PLAIN "+resp, 504)
}

func TestXClient(t *testing.T) {
	endp, tgt := testEndpoint(t, config.Server{XClientTrust: []string{"127.0.0.0/8"}}, Opts{})

	// Untrusted peer.
	sc := startSession(t, endp, &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4444})
	sc.expect(220)
	sc.cmd("EHLO proxy.example.org", 250)
	sc.cmd("XCLIENT ADDR=192.0.2.55", 550)

	// Trusted peer.
	sc = startSession(t, endp, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4444})
	sc.expect(220)
	sc.cmd("EHLO proxy.example.org", 250)

	greeting := sc.cmd("XCLIENT ADDR=192.0.2.55 NAME=client.example.org PROTO=ESMTP", 220)
	if !strings.HasPrefix(greeting, "mx.example.org ") {
		t.Errorf("XCLIENT reply is not a greeting: %q", greeting)
	}

	// State is reset, EHLO is required again.
	sc.cmd("MAIL FROM:<test@example.org>", 503)
	sc.cmd("EHLO client.example.org", 250)
	sc.cmd("MAIL FROM:<test@example.org>", 250)
	sc.cmd("RCPT TO:<to@example.com>", 250)
	sc.cmd("DATA", 354)
	dw := sc.c.DotWriter()
	dw.Write([]byte("Subject: x\r\n\r\nbody\r\n"))
	if err := dw.Close(); err != nil {
		t.Fatal(err)
	}
	sc.expect(250)
	sc.cmd("QUIT", 221)
	<-sc.done

	if len(tgt.Messages) != 1 {
		t.Fatalf("Message count: %v", len(tgt.Messages))
	}
	conn := tgt.Messages[0].MsgMeta.Conn
	tcpAddr, ok := conn.RemoteAddr.(*net.TCPAddr)
	if !ok || !tcpAddr.IP.Equal(net.IPv4(192, 0, 2, 55)) {
		t.Errorf("Wrong remote address: %v", conn.RemoteAddr)
	}
	name, err := conn.RDNSName.Get()
	if err != nil || name != "client.example.org" {
		t.Errorf("Wrong rDNS name: %v, %v", name, err)
	}
}

func TestXClientMalformed(t *testing.T) {
	endp, _ := testEndpoint(t, config.Server{XClientTrust: []string{"127.0.0.0/8"}}, Opts{})
	sc := startSession(t, endp, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4444})
	sc.expect(220)
	sc.cmd("EHLO proxy.example.org", 250)

	sc.cmd("XCLIENT", 501)
	sc.cmd("XCLIENT ADDR=not-an-ip", 501)
	sc.cmd("XCLIENT FOO=bar", 501)
	sc.cmd("XCLIENT ADDR=[UNAVAILABLE] NAME=[TEMPUNAVAIL]", 220)
}

func TestWebhookOverride(t *testing.T) {
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": 550, "message": "5.7.1 Recipient blocked by policy"}`))
	}))
	t.Cleanup(hookSrv.Close)

	dispatcher := hook.NewDispatcher(config.Webhooks{
		URL:     hookSrv.URL,
		Timeout: 5,
		Verbs:   []string{"rcpt"},
	}, testutils.Logger(t, "hook"))

	endp, _ := testEndpoint(t, config.Server{}, Opts{Hooks: dispatcher})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org>", 250)
	if msg := sc.cmd("RCPT TO:<to@example.com>", 550); !strings.Contains(msg, "blocked by policy") {
		t.Errorf("Override message not used: %q", msg)
	}

	// The rejected recipient must not survive in the envelope.
	sc.cmd("DATA", 503)
}

func TestWebhookMailReject(t *testing.T) {
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": 550, "message": "5.7.1 Sender blocked by policy"}`))
	}))
	t.Cleanup(hookSrv.Close)

	dispatcher := hook.NewDispatcher(config.Webhooks{
		URL:     hookSrv.URL,
		Timeout: 5,
		Verbs:   []string{"mail"},
	}, testutils.Logger(t, "hook"))

	endp, _ := testEndpoint(t, config.Server{}, Opts{Hooks: dispatcher})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org>", 550)
	// The rolled back envelope is gone, RCPT needs a new MAIL.
	sc.cmd("RCPT TO:<to@example.com>", 503)
	sc.cmd("QUIT", 221)
	<-sc.done

	// The sub-log opened on MAIL acceptance must not survive the rollback.
	if envs := len(sc.sess.transcript.Envelopes); envs != 0 {
		t.Errorf("Transcript has %d envelopes, want 0", envs)
	}
	mail := sc.sess.transcript.Transactions("MAIL")
	if len(mail) != 1 || mail[0].Code() != 550 {
		t.Errorf("Rejected MAIL not recorded in the session log: %v", mail)
	}
}

func TestWebhookDataReject(t *testing.T) {
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": 554, "message": "5.7.1 Content not welcome"}`))
	}))
	t.Cleanup(hookSrv.Close)

	dispatcher := hook.NewDispatcher(config.Webhooks{
		URL:     hookSrv.URL,
		Timeout: 5,
		Verbs:   []string{"data"},
	}, testutils.Logger(t, "hook"))

	endp, tgt := testEndpoint(t, config.Server{}, Opts{Hooks: dispatcher})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org>", 250)
	sc.cmd("RCPT TO:<to@example.com>", 250)
	// Rejected before 354, no body is transferred.
	sc.cmd("DATA", 554)
	sc.cmd("QUIT", 221)
	<-sc.done

	if len(tgt.Messages) != 0 {
		t.Errorf("Message delivered despite rejection: %v", len(tgt.Messages))
	}
}

func TestLocalRelaySplit(t *testing.T) {
	local := &testutils.Target{}
	endp, relay := testEndpoint(t, config.Server{Domains: []string{"example.org"}}, Opts{Local: local})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<sender@remote.example>", 250)
	sc.cmd("RCPT TO:<box@example.org>", 250)
	sc.cmd("RCPT TO:<out@elsewhere.example>", 250)
	sc.cmd("DATA", 354)
	dw := sc.c.DotWriter()
	dw.Write([]byte("Subject: x\r\n\r\nbody\r\n"))
	if err := dw.Close(); err != nil {
		t.Fatal(err)
	}
	sc.expect(250)
	sc.cmd("QUIT", 221)
	<-sc.done

	if len(local.Messages) != 1 || len(local.Messages[0].RcptTo) != 1 || local.Messages[0].RcptTo[0] != "box@example.org" {
		t.Errorf("Wrong local delivery: %+v", local.Messages)
	}
	if len(relay.Messages) != 1 || len(relay.Messages[0].RcptTo) != 1 || relay.Messages[0].RcptTo[0] != "out@elsewhere.example" {
		t.Errorf("Wrong relayed delivery: %+v", relay.Messages)
	}
}

func TestDeliveryFailureReply(t *testing.T) {
	tgt := &testutils.Target{
		RcptErr: map[string]error{
			"denied@example.com": errors.New("I don't like this recipient"),
		},
	}
	endp, _ := testEndpoint(t, config.Server{}, Opts{Relay: tgt})
	sc := startSession(t, endp, nil)
	sc.handshake()

	sc.cmd("MAIL FROM:<test@example.org>", 250)
	sc.cmd("RCPT TO:<denied@example.com>", 250)
	sc.cmd("DATA", 354)
	dw := sc.c.DotWriter()
	dw.Write([]byte("Subject: x\r\n\r\nbody\r\n"))
	if err := dw.Close(); err != nil {
		t.Fatal(err)
	}
	// Plain errors are not trusted to be permanent.
	sc.expect(451)
	sc.cmd("NOOP", 250)
}

// plainCreds implements auth.PlainAuth from a map.
type plainCreds map[string]string

func (c plainCreds) AuthPlain(username, password string) error {
	if c[username] != password {
		return errors.New("invalid credentials")
	}
	return nil
}

func mustWrite(t *testing.T, w interface{ WriteString(string) (int, error) }, s string) {
	t.Helper()
	if _, err := w.WriteString(s); err != nil {
		t.Fatal(err)
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			t.Fatal(err)
		}
	}
}
