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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/trace"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/robinmta/robin/framework/dns"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/dnsbl"
	"github.com/robinmta/robin/internal/future"
	"github.com/robinmta/robin/internal/hook"
	"github.com/robinmta/robin/internal/target"
	"github.com/robinmta/robin/internal/txlog"
)

const (
	// Per-read deadline for command exchanges. An expired deadline gets a
	// 421 and the connection is dropped.
	commandTimeout = 30 * time.Second

	// Deadline for the message content transfer (DATA body, BDAT chunks).
	dataTimeout = 5 * time.Minute

	// Consecutive syntax/sequence errors before the session is dropped
	// (RFC 5321 Section 4.3.2).
	maxErrorBudget = 3
)

type sessionState int

const (
	// Banner sent, EHLO/HELO pending.
	stateGreeted sessionState = iota

	// EHLO/HELO accepted, no open envelope.
	stateReady

	// MAIL accepted.
	stateEnvelope
)

type Session struct {
	endp *Endpoint
	conn net.Conn

	reader *bufio.Reader
	writer *bufio.Writer

	sessionID  string
	transcript *txlog.Session

	state    sessionState
	heloName string
	esmtp    bool
	tlsState *tls.ConnectionState
	authUser string

	remoteAddr net.Addr
	localAddr  net.Addr
	rdnsName   *future.Future
	cancelRDNS context.CancelFunc

	// Envelope, valid in stateEnvelope.
	msgMeta  *target.MsgMetadata
	mailFrom string
	mailOpts smtp.MailOptions
	rcpts    []string
	envLog   *txlog.Log
	usedBdat bool
	bdatBuf  []byte
	bdatErr  *verbResult

	errCount int

	sessionCtx context.Context
	cancelCtx  context.CancelFunc

	log log.Logger
}

// verbResult is the outcome of a verb handler: the reply to send and
// whether the connection is closed afterwards. code 0 means the handler
// already wrote everything itself (STARTTLS success).
type verbResult struct {
	code int
	msg  string
	drop bool

	// Payload recorded in the transcript instead of the raw command line.
	// Used by AUTH to keep credentials out of the record.
	payload string

	// Close the envelope sub-log after the reply is recorded.
	closeEnvelope bool
}

type verbHandler func(s *Session, params string) verbResult

var verbs = map[string]verbHandler{
	"HELO":     (*Session).helo,
	"EHLO":     (*Session).ehlo,
	"STARTTLS": (*Session).starttls,
	"AUTH":     (*Session).auth,
	"MAIL":     (*Session).mail,
	"RCPT":     (*Session).rcpt,
	"DATA":     (*Session).data,
	"BDAT":     (*Session).bdat,
	"RSET":     (*Session).rset,
	"NOOP":     (*Session).noop,
	"VRFY":     (*Session).vrfy,
	"QUIT":     (*Session).quit,
	"XCLIENT":  (*Session).xclient,
}

func (endp *Endpoint) newSession(conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		endp:       endp,
		conn:       conn,
		sessionID:  uuid.New().String(),
		transcript: txlog.NewSession(),
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		sessionCtx: ctx,
		cancelCtx:  cancel,
		log:        endp.Log,
	}

	fields := make(map[string]interface{}, len(endp.Log.Fields)+2)
	for k, v := range endp.Log.Fields {
		fields[k] = v
	}
	fields["session_id"] = s.sessionID
	fields["src_ip"] = s.remoteAddr.String()
	s.log.Fields = fields

	s.startRDNS()
	return s
}

func (s *Session) startRDNS() {
	if s.cancelRDNS != nil {
		s.cancelRDNS()
	}
	rdnsCtx, cancel := context.WithCancel(s.sessionCtx)
	s.cancelRDNS = cancel
	s.rdnsName = future.New()
	go s.fetchRDNSName(rdnsCtx)
}

func (s *Session) fetchRDNSName(ctx context.Context) {
	defer trace.StartRegion(ctx, "rDNS fetch").End()

	tcpAddr, ok := s.remoteAddr.(*net.TCPAddr)
	if !ok {
		s.rdnsName.Set(nil, nil)
		return
	}

	name, err := dns.LookupAddr(ctx, s.endp.resolver, tcpAddr.IP)
	if err != nil {
		dnsErr, ok := err.(*net.DNSError)
		if ok && dnsErr.IsNotFound {
			s.rdnsName.Set(nil, nil)
			return
		}

		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["reason"] = reason
		if !strings.HasSuffix(reason, "canceled") {
			// Often occurs when the session completes before the rDNS
			// lookup finishes and the name was not actually needed.
			s.log.Error("rDNS error", exterrors.WithFields(err, misc))
		}
		s.rdnsName.Set(nil, err)
		return
	}

	s.rdnsName.Set(name, nil)
}

func (s *Session) serve() {
	defer s.cleanup()

	activeConnections.Inc()
	defer activeConnections.Dec()
	startedSessions.Inc()

	// Implicit-TLS listeners hand over a tls.Conn before the handshake.
	if tc, ok := s.conn.(*tls.Conn); ok {
		s.conn.SetDeadline(time.Now().Add(commandTimeout))
		if err := tc.Handshake(); err != nil {
			s.log.Error("TLS handshake failed", err)
			abortedSessions.Inc()
			return
		}
		cstate := tc.ConnectionState()
		s.tlsState = &cstate
	}

	s.reader = bufio.NewReader(s.conn)
	s.writer = bufio.NewWriter(s.conn)

	if !s.checkDNSBL() {
		abortedSessions.Inc()
		return
	}

	s.conn.SetWriteDeadline(time.Now().Add(commandTimeout))
	resp, err := s.writeReply(220, s.endp.hostname+" ESMTP robin")
	if err != nil {
		abortedSessions.Inc()
		return
	}
	s.transcript.Log.Record("CONNECT", "", resp)

	if s.loop() {
		completedSessions.Inc()
	} else {
		abortedSessions.Inc()
	}
}

func (s *Session) cleanup() {
	s.abortEnvelope()
	s.cancelCtx()
	s.conn.Close()
}

// loop is the main protocol loop. It returns true for a clean QUIT.
func (s *Session) loop() bool {
	for {
		s.conn.SetDeadline(time.Now().Add(commandTimeout))

		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				resp, werr := s.writeReply(500, "5.5.2 Line too long")
				if werr != nil {
					return false
				}
				s.transcript.Log.Record("UNKNOWN", "", resp)
				if !s.countError(500) {
					return false
				}
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				s.writeReply(421, "4.4.2 Idle timeout, closing transmission channel")
			}
			return false
		}

		verb, params, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		var res verbResult
		handler, known := verbs[verb]
		if !known {
			// Keep the first bytes for troubleshooting, the rest is noise.
			s.log.DebugMsg("unknown command", "cmd", fmt.Sprintf("%.12q", verb))
			res = verbResult{code: 500, msg: "5.5.1 Unknown command"}
		} else {
			res = handler(s, params)
		}

		// DATA and BDAT consult the dispatcher themselves, before the body
		// transfer starts. STARTTLS has no reply left to override.
		if known && verb != "DATA" && verb != "BDAT" && verb != "STARTTLS" {
			res = s.fireHook(verb, line, res)
		}

		if res.code != 0 {
			payload := line
			if res.payload != "" {
				payload = res.payload
			}

			resp, err := s.writeReply(res.code, res.msg)
			if err != nil {
				return false
			}
			s.record(verb, payload, resp)
			if res.closeEnvelope {
				s.envLog = nil
			}

			if res.code >= 400 {
				failedCmds.WithLabelValues(verb, strconv.Itoa(res.code)).Inc()
			}
			if !s.countError(res.code) {
				return false
			}
		} else if res.closeEnvelope {
			s.envLog = nil
		}

		if res.drop {
			return verb == "QUIT"
		}
	}
}

// countError maintains the consecutive-error budget. It returns false when
// the session must be dropped.
func (s *Session) countError(code int) bool {
	switch {
	case code >= 500 && code <= 503:
		s.errCount++
		if s.errCount >= maxErrorBudget {
			s.writeReply(421, "4.5.0 Too many errors, closing transmission channel")
			return false
		}
	case code < 400:
		s.errCount = 0
	}
	return true
}

// fireHook posts the verb event to the webhook dispatcher and applies the
// reply override, if any. Overrides that turn an accepted MAIL or RCPT
// into a rejection also roll the envelope state back.
func (s *Session) fireHook(verb, payload string, res verbResult) verbResult {
	if !s.endp.hooks.Wants(verb) {
		return res
	}

	ov := s.endp.hooks.Fire(s.sessionCtx, hook.Event{
		Verb:      verb,
		SessionID: s.sessionID,
		RemoteIP:  s.remoteAddr.String(),
		Payload:   payload,
		TLS:       s.tlsState != nil,
		Auth:      s.authUser,
	})
	if ov == nil {
		return res
	}

	out := res
	if ov.Code != 0 {
		out.code = ov.Code
	}
	if ov.Message != "" {
		out.msg = ov.Message
	}
	if ov.Drop {
		out.drop = true
	}

	if res.code != 0 && res.code < 400 && out.code >= 400 {
		switch verb {
		case "MAIL":
			env := s.envLog
			s.abortEnvelope()
			s.transcript.DropEnvelope(env)
		case "RCPT":
			if len(s.rcpts) != 0 {
				s.rcpts = s.rcpts[:len(s.rcpts)-1]
			}
		case "AUTH":
			s.authUser = ""
		}
	}
	return out
}

func (s *Session) checkDNSBL() bool {
	if s.endp.dnsbl == nil {
		return true
	}
	tcpAddr, ok := s.remoteAddr.(*net.TCPAddr)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(s.sessionCtx, 10*time.Second)
	defer cancel()
	err := s.endp.dnsbl.CheckIP(ctx, tcpAddr.IP)
	if err == nil {
		return true
	}

	s.log.Error("connection rejected", err)
	s.conn.SetWriteDeadline(time.Now().Add(commandTimeout))
	code, msg := replyFromErr(err)
	var listed dnsbl.ListedErr
	if errors.As(err, &listed) {
		code, msg = 554, "5.7.0 Client identity is listed in the used DNSBL"
	}
	resp, werr := s.writeReply(code, msg)
	if werr == nil {
		s.transcript.Log.Record("CONNECT", "", resp)
	}
	return false
}

var errLineTooLong = errors.New("smtp: line too long")

func (s *Session) readLine() (string, error) {
	l, more, err := s.reader.ReadLine()
	if err != nil {
		return "", err
	}

	// As per RFC 5321 Section 4.5.3.1.6, the maximum length of a text line
	// is 1000 octets. Drain oversized lines to keep the protocol in sync.
	if len(l) > 1000 || more {
		for more && err == nil {
			_, more, err = s.reader.ReadLine()
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}

	return string(l), nil
}

// writeReply sends a possibly multi-line reply (lines of msg separated by
// \n) and returns the text the transcript records for it.
func (s *Session) writeReply(code int, msg string) (string, error) {
	lines := strings.Split(msg, "\n")

	var wire, rec strings.Builder
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&wire, "%d%s%s\r\n", code, sep, l)
		if i != 0 {
			rec.WriteByte('\n')
		}
		fmt.Fprintf(&rec, "%d%s%s", code, sep, l)
	}

	if _, err := s.writer.WriteString(wire.String()); err != nil {
		return "", err
	}
	if err := s.writer.Flush(); err != nil {
		return "", err
	}
	return rec.String(), nil
}

// record appends the completed exchange to the session transcript.
// Envelope verbs go to the per-envelope sub-log once MAIL is accepted.
func (s *Session) record(verb, payload, response string) {
	l := s.transcript.Log
	switch verb {
	case "MAIL", "RCPT", "DATA", "BDAT", "RSET":
		if s.envLog != nil {
			l = s.envLog
		}
	}
	l.Record(verb, payload, response)
}

// endEnvelope discards the mail transaction but keeps the sub-log in place
// so the final reply (250, 552, RSET's 250) still lands in it. The caller
// returns closeEnvelope to detach the sub-log afterwards.
func (s *Session) endEnvelope() {
	env := s.envLog
	s.abortEnvelope()
	s.envLog = env
}

// abortEnvelope discards the open mail transaction, if any.
func (s *Session) abortEnvelope() {
	s.msgMeta = nil
	s.mailFrom = ""
	s.mailOpts = smtp.MailOptions{}
	s.rcpts = nil
	s.envLog = nil
	s.usedBdat = false
	s.bdatBuf = nil
	s.bdatErr = nil
	if s.state == stateEnvelope {
		s.state = stateReady
	}
}

// connState describes the session for trace headers and delivery targets.
func (s *Session) connState() *target.ConnState {
	proto := "SMTP"
	if s.esmtp {
		proto = "ESMTP"
	}
	if s.tlsState != nil {
		proto += "S"
	}
	if s.authUser != "" {
		proto += "A"
	}

	state := &target.ConnState{
		Hostname:   s.heloName,
		Proto:      proto,
		RemoteAddr: s.remoteAddr,
		LocalAddr:  s.localAddr,
		RDNSName:   s.rdnsName,
		AuthUser:   s.authUser,
	}
	if s.tlsState != nil {
		state.TLS = *s.tlsState
	}
	return state
}

// replyFromErr maps a delivery or policy error onto the SMTP reply sent to
// the peer.
func replyFromErr(err error) (code int, msg string) {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		text := smtpErr.Message
		if text == "" {
			text = "Internal server error"
		}
		enchCode := smtpErr.EnhancedCode
		if enchCode == exterrors.EnhancedCodeNotSet {
			enchCode = exterrors.EnhancedCode{smtpErr.Code / 100, 0, 0}
		}
		return smtpErr.Code, enchCode.String() + " " + text
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		return 451, "4.0.0 Internal server error"
	}
	return 554, "5.0.0 Internal server error"
}
