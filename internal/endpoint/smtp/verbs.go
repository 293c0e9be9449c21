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
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/robinmta/robin/framework/address"
	"github.com/robinmta/robin/internal/future"
	"github.com/robinmta/robin/internal/target"
)

func (s *Session) helo(params string) verbResult {
	name := strings.TrimSpace(params)
	if name == "" {
		return verbResult{code: 501, msg: "5.5.4 HELO requires a domain or address literal"}
	}

	s.heloName = strings.Fields(name)[0]
	s.esmtp = false
	s.abortEnvelope()
	s.state = stateReady

	return verbResult{code: 250, msg: s.endp.hostname + " Hello " + s.heloName}
}

func (s *Session) ehlo(params string) verbResult {
	name := strings.TrimSpace(params)
	if name == "" {
		return verbResult{code: 501, msg: "5.5.4 EHLO requires a domain or address literal"}
	}

	s.heloName = strings.Fields(name)[0]
	s.esmtp = true
	// EHLO resets the transaction (RFC 5321 Section 4.1.4).
	s.abortEnvelope()
	s.state = stateReady

	caps := []string{
		s.endp.hostname + " Hello " + s.heloName,
		"PIPELINING",
		"8BITMIME",
		"SIZE " + strconv.FormatInt(s.endp.cfg.MaxMessageSize, 10),
		"ENHANCEDSTATUSCODES",
		"SMTPUTF8",
		"CHUNKING",
	}
	if s.endp.tlsConfig != nil && s.tlsState == nil {
		caps = append(caps, "STARTTLS")
	}
	if mechs := s.authMechs(); len(mechs) != 0 {
		caps = append(caps, "AUTH "+strings.Join(mechs, " "))
	}

	return verbResult{code: 250, msg: strings.Join(caps, "\n")}
}

// authMechs returns the mechanisms to advertise. Plaintext mechanisms are
// withheld until the connection is encrypted unless insecure_auth is set.
func (s *Session) authMechs() []string {
	if s.endp.saslAuth == nil || s.authUser != "" {
		return nil
	}

	var out []string
	for _, m := range s.endp.saslAuth.SASLMechanisms() {
		if (m == sasl.Plain || m == sasl.Login) && s.tlsState == nil && !s.endp.cfg.InsecureAuth {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Session) starttls(params string) verbResult {
	if s.endp.tlsConfig == nil {
		return verbResult{code: 502, msg: "5.5.1 STARTTLS is not supported"}
	}
	if s.tlsState != nil {
		return verbResult{code: 503, msg: "5.5.1 TLS is already active"}
	}
	if s.state == stateGreeted {
		return verbResult{code: 503, msg: "5.5.1 Send EHLO first"}
	}
	if s.authUser != "" {
		return verbResult{code: 503, msg: "5.5.1 STARTTLS is not allowed after AUTH"}
	}
	if s.state == stateEnvelope {
		return verbResult{code: 503, msg: "5.5.1 STARTTLS is not allowed during a mail transaction"}
	}

	resp, err := s.writeReply(220, "2.0.0 Ready to start TLS")
	if err != nil {
		return verbResult{drop: true}
	}
	s.transcript.Log.Record("STARTTLS", "STARTTLS", resp)

	tlsConn := tls.Server(s.conn, s.endp.tlsConfig)
	s.conn.SetDeadline(time.Now().Add(commandTimeout))
	if err := tlsConn.HandshakeContext(s.sessionCtx); err != nil {
		s.log.Error("TLS handshake failed", err)
		return verbResult{drop: true}
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	cstate := tlsConn.ConnectionState()
	s.tlsState = &cstate

	// Full reset: capabilities may differ on the encrypted channel
	// (RFC 3207 Section 4.2).
	s.abortEnvelope()
	s.heloName = ""
	s.esmtp = false
	s.state = stateGreeted

	return verbResult{}
}

func (s *Session) auth(params string) verbResult {
	recorded := "AUTH"

	if s.endp.saslAuth == nil {
		return verbResult{code: 502, msg: "5.5.1 AUTH is not supported", payload: recorded}
	}
	if s.state == stateGreeted {
		return verbResult{code: 503, msg: "5.5.1 Send EHLO first", payload: recorded}
	}
	if s.state == stateEnvelope {
		return verbResult{code: 503, msg: "5.5.1 AUTH is not allowed during a mail transaction", payload: recorded}
	}
	if s.authUser != "" {
		return verbResult{code: 503, msg: "5.5.1 Already authenticated", payload: recorded}
	}

	mech, initResp, _ := strings.Cut(strings.TrimSpace(params), " ")
	mech = strings.ToUpper(mech)
	if mech == "" {
		return verbResult{code: 501, msg: "5.5.4 Missing mechanism", payload: recorded}
	}
	recorded = "AUTH " + mech

	if (mech == sasl.Plain || mech == sasl.Login) && s.tlsState == nil && !s.endp.cfg.InsecureAuth {
		return verbResult{code: 504, msg: "5.5.4 Mechanism is only available on TLS connections", payload: recorded}
	}
	supported := false
	for _, m := range s.endp.saslAuth.SASLMechanisms() {
		if m == mech {
			supported = true
		}
	}
	if !supported {
		return verbResult{code: 504, msg: "5.5.4 Unsupported mechanism", payload: recorded}
	}

	var resp []byte
	switch initResp {
	case "":
	case "=":
		resp = []byte{}
	default:
		var err error
		resp, err = base64.StdEncoding.DecodeString(initResp)
		if err != nil {
			return verbResult{code: 501, msg: "5.5.2 Invalid base64 encoding", payload: recorded}
		}
	}

	srv := s.endp.saslAuth.CreateSASL(mech, s.remoteAddr, func(username string) error {
		s.authUser = username
		return nil
	})

	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			failedLogins.Inc()
			s.log.Error("authentication failed", err, "mechanism", mech)
			return verbResult{code: 535, msg: "5.7.8 Authentication failed", payload: recorded}
		}
		if done {
			break
		}

		s.conn.SetDeadline(time.Now().Add(commandTimeout))
		if _, err := s.writeReply(334, base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return verbResult{drop: true, payload: recorded}
		}
		line, err := s.readLine()
		if err != nil {
			return verbResult{drop: true, payload: recorded}
		}
		if line == "*" {
			return verbResult{code: 501, msg: "5.7.0 Authentication cancelled", payload: recorded}
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return verbResult{code: 501, msg: "5.5.2 Invalid base64 encoding", payload: recorded}
		}
	}

	s.log.Msg("authenticated", "username", s.authUser, "mechanism", mech)
	return verbResult{code: 235, msg: "2.7.0 Authentication successful", payload: recorded}
}

func (s *Session) mail(params string) verbResult {
	if s.state == stateGreeted {
		return verbResult{code: 503, msg: "5.5.1 Send EHLO/HELO first"}
	}
	if s.state == stateEnvelope {
		return verbResult{code: 503, msg: "5.5.1 A mail transaction is already open"}
	}
	if !strings.HasPrefix(strings.ToUpper(params), "FROM:") {
		return verbResult{code: 501, msg: "5.5.2 Syntax: MAIL FROM:<address>"}
	}
	if s.endp.cfg.AuthRequired && s.authUser == "" {
		return verbResult{code: 530, msg: "5.7.0 Authentication required"}
	}

	path, args, err := cutPath(strings.TrimSpace(params[len("FROM:"):]))
	if err != nil {
		return verbResult{code: 501, msg: "5.1.7 Sender address malformed"}
	}

	var opts smtp.MailOptions
	for _, f := range strings.Fields(args) {
		key, value, _ := strings.Cut(f, "=")
		switch strings.ToUpper(key) {
		case "SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return verbResult{code: 501, msg: "5.5.4 Malformed SIZE parameter"}
			}
			opts.Size = size
		case "BODY":
			switch strings.ToUpper(value) {
			case "7BIT":
				opts.Body = smtp.Body7Bit
			case "8BITMIME":
				opts.Body = smtp.Body8BitMIME
			default:
				return verbResult{code: 555, msg: "5.5.4 Unsupported BODY value"}
			}
		case "SMTPUTF8":
			opts.UTF8 = true
		case "RET", "ENVID":
			// DSN parameters are accepted and ignored.
		default:
			return verbResult{code: 555, msg: "5.5.4 Unsupported parameter: " + key}
		}
	}

	if opts.Size != 0 && opts.Size > s.endp.cfg.MaxMessageSize {
		return verbResult{code: 552, msg: "5.3.4 Message size exceeds the administrative limit"}
	}

	// The null reverse-path is used by bounces (RFC 5321 Section 4.5.5).
	mailFrom := path
	if mailFrom != "" {
		mailFrom, err = address.CleanDomain(path)
		if err != nil {
			return verbResult{code: 501, msg: "5.1.7 Sender address malformed"}
		}
	}

	s.state = stateEnvelope
	s.mailFrom = mailFrom
	s.mailOpts = opts
	s.msgMeta = &target.MsgMetadata{
		ID:              uuid.New().String(),
		Conn:            s.connState(),
		SMTPOpts:        opts,
		OriginalFrom:    mailFrom,
		DontTraceSender: s.authUser != "",
	}
	s.envLog = s.transcript.BeginEnvelope()

	return verbResult{code: 250, msg: "2.1.0 Originator ok"}
}

func (s *Session) rcpt(params string) verbResult {
	if s.state != stateEnvelope {
		return verbResult{code: 503, msg: "5.5.1 Send MAIL first"}
	}
	if !strings.HasPrefix(strings.ToUpper(params), "TO:") {
		return verbResult{code: 501, msg: "5.5.2 Syntax: RCPT TO:<address>"}
	}
	if len(s.rcpts) >= s.endp.cfg.MaxRecipients {
		return verbResult{code: 452, msg: "4.5.3 Too many recipients"}
	}

	path, args, err := cutPath(strings.TrimSpace(params[len("TO:"):]))
	if err != nil || path == "" {
		return verbResult{code: 501, msg: "5.1.3 Recipient address malformed"}
	}
	for _, f := range strings.Fields(args) {
		key, _, _ := strings.Cut(f, "=")
		switch strings.ToUpper(key) {
		case "NOTIFY", "ORCPT":
			// DSN parameters are accepted and ignored.
		default:
			return verbResult{code: 555, msg: "5.5.4 Unsupported parameter: " + key}
		}
	}
	if !strings.Contains(path, "@") {
		return verbResult{code: 501, msg: "5.1.3 Recipient address must contain a domain"}
	}
	// RFC 5321 Section 4.5.3.1.3.
	if len(path) > 256 {
		return verbResult{code: 501, msg: "5.1.3 Recipient address too long"}
	}

	rcptTo, err := address.CleanDomain(path)
	if err != nil {
		return verbResult{code: 501, msg: "5.1.3 Recipient address malformed"}
	}

	s.rcpts = append(s.rcpts, rcptTo)
	return verbResult{code: 250, msg: "2.1.5 Recipient ok"}
}

func (s *Session) rset(params string) verbResult {
	s.endEnvelope()
	return verbResult{code: 250, msg: "2.0.0 Reset ok", closeEnvelope: true}
}

func (s *Session) noop(params string) verbResult {
	return verbResult{code: 250, msg: "2.0.0 OK"}
}

func (s *Session) vrfy(params string) verbResult {
	// RFC 5321 Section 7.3 recommends not disclosing mailbox existence.
	return verbResult{code: 252, msg: "2.0.0 Cannot VRFY user, but will accept message and attempt delivery"}
}

func (s *Session) quit(params string) verbResult {
	return verbResult{code: 221, msg: "2.0.0 Bye", drop: true}
}

// xclient lets a trusted front-end proxy replace the session identity with
// the one of the real client. The trust decision is always made on the
// socket peer address, not an earlier override.
func (s *Session) xclient(params string) verbResult {
	if !s.endp.xclientTrusted(s.conn.RemoteAddr()) {
		return verbResult{code: 550, msg: "5.7.0 XCLIENT is not allowed"}
	}
	if s.state == stateEnvelope {
		return verbResult{code: 503, msg: "5.5.1 XCLIENT is not allowed during a mail transaction"}
	}
	if strings.TrimSpace(params) == "" {
		return verbResult{code: 501, msg: "5.5.4 At least one attribute is required"}
	}

	var (
		ip    net.IP
		port  int
		name  string
		helo  string
		login string
		proto string
	)
	for _, f := range strings.Fields(params) {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return verbResult{code: 501, msg: "5.5.4 Malformed attribute: " + f}
		}
		switch strings.ToUpper(key) {
		case "ADDR":
			if xclientUnavailable(value) {
				continue
			}
			v := value
			if len(v) > 5 && strings.EqualFold(v[:5], "IPV6:") {
				v = v[5:]
			}
			ip = net.ParseIP(v)
			if ip == nil {
				return verbResult{code: 501, msg: "5.5.4 Malformed ADDR attribute"}
			}
		case "PORT":
			p, err := strconv.Atoi(value)
			if err != nil || p < 0 || p > 65535 {
				return verbResult{code: 501, msg: "5.5.4 Malformed PORT attribute"}
			}
			port = p
		case "NAME":
			if !xclientUnavailable(value) {
				name = value
			}
		case "HELO":
			helo = value
		case "LOGIN":
			if !xclientUnavailable(value) {
				login = value
			}
		case "PROTO":
			switch strings.ToUpper(value) {
			case "SMTP", "ESMTP":
				proto = strings.ToUpper(value)
			default:
				return verbResult{code: 501, msg: "5.5.4 Malformed PROTO attribute"}
			}
		case "DESTADDR", "DESTPORT":
			// Accepted for Postfix compatibility, not used.
		default:
			return verbResult{code: 501, msg: "5.5.4 Unsupported attribute: " + key}
		}
	}

	if ip != nil {
		if port == 0 {
			if tcpAddr, ok := s.remoteAddr.(*net.TCPAddr); ok {
				port = tcpAddr.Port
			}
		}
		s.remoteAddr = &net.TCPAddr{IP: ip, Port: port}
		s.log.Fields["src_ip"] = s.remoteAddr.String()
		if name == "" {
			s.startRDNS()
		}
	}
	if name != "" {
		if s.cancelRDNS != nil {
			s.cancelRDNS()
		}
		s.rdnsName = future.New()
		s.rdnsName.Set(name, nil)
	}
	if login != "" {
		s.authUser = login
	}
	if proto != "" {
		s.esmtp = proto == "ESMTP"
	}
	s.heloName = helo

	s.abortEnvelope()
	s.state = stateGreeted

	s.log.Msg("XCLIENT identity override", "src_ip", s.remoteAddr.String(), "helo", helo, "login", login)
	return verbResult{code: 220, msg: s.endp.hostname + " ESMTP robin"}
}

func xclientUnavailable(v string) bool {
	return strings.EqualFold(v, "[UNAVAILABLE]") || strings.EqualFold(v, "[TEMPUNAVAIL]")
}

func (endp *Endpoint) xclientTrusted(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	for _, ipNet := range endp.xclientNets {
		if ipNet.Contains(tcpAddr.IP) {
			return true
		}
	}
	return false
}

// cutPath extracts the angle-bracketed path that starts the MAIL/RCPT
// argument. Bare addresses are tolerated for sloppy clients.
func cutPath(arg string) (path, rest string, err error) {
	if !strings.HasPrefix(arg, "<") {
		path, rest, _ = strings.Cut(arg, " ")
		return path, strings.TrimSpace(rest), nil
	}
	end := strings.IndexByte(arg, '>')
	if end == -1 {
		return "", "", errors.New("unterminated path")
	}
	return arg[1:end], strings.TrimSpace(arg[end+1:]), nil
}
