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

// Package smtpconn implements the client side of the SMTP state machine,
// shared between the delivery coordinator and the scriptable client.
//
// It is a thin wrapper over net/textproto with the following added:
// - Recording of every verb exchange into a transcript (internal/txlog).
// - Wrapping of returned errors using the exterrors package.
// - SMTPUTF8/IDNA support.
// - STARTTLS with upgrade errors kept apart from I/O errors, so the caller
//   can decide whether a downgrade is allowed.
package smtpconn

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"runtime/trace"
	"strconv"
	"strings"
	"time"

	msgtextproto "github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/robinmta/robin/framework/address"
	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/txlog"
)

// Chunk size used by Bdat when the caller does not pick one.
const defaultChunkSize = 64 * 1024

// The C object represents one client SMTP session. It cannot be reused
// after Close.
//
// The zero value is not usable, construct via New.
type C struct {
	// Dialer to use to establish new network connections. Set to net.Dialer
	// DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for the initial TCP connection establishment and the
	// greeting. Set to 30 seconds by New.
	ConnectTimeout time.Duration

	// Timeout for most session commands (EHLO, STARTTLS, AUTH, MAIL, RCPT,
	// BDAT chunks). Set to 5 mins by New.
	CommandTimeout time.Duration

	// Timeout for the whole DATA exchange, from the initial command to the
	// reply for the final dot. Set to 12 mins by New.
	SubmissionTimeout time.Duration

	// Hostname to send in the EHLO/HELO command. Set to
	// 'localhost.localdomain' by New. Expected to be encoded in ACE form.
	Hostname string

	// tls.Config used by StartTLS when the caller passes nil. Can be nil if
	// no special changes are required.
	TLSConfig *tls.Config

	// Logger to use for debug log and certain errors.
	Log log.Logger

	// Include the remote server address in SMTP status messages in the form
	// "ADDRESS said: ...".
	AddrInSMTPMsg bool

	// Transcript receives one Transaction per verb exchange, appended right
	// after the reply is read. nil disables recording.
	Transcript *txlog.Log

	serverName string
	conn       net.Conn
	text       *textproto.Conn
	caps       map[string]string
	tlsState   *tls.ConnectionState
	rcpts      []string
}

// New creates the new instance of the C object, populating the required
// fields with reasonable default values.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    30 * time.Second,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		TLSConfig:         &tls.Config{},
		Hostname:          "localhost.localdomain",
	}
}

// TLSError is returned by StartTLS to indicate a failure of the upgrade
// itself, either a non-220 reply or a handshake error.
//
// If the endpoint uses Implicit TLS, TLS errors surface from Connect as
// ordinary connection errors and are not wrapped in TLSError.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// Connect establishes the network connection and consumes the server
// greeting. For TLS endpoints the handshake happens implicitly on the
// greeting read.
func (c *C) Connect(ctx context.Context, endp config.Endpoint) error {
	defer trace.StartRegion(ctx, "smtpconn/connect").End()

	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err := c.Dialer(dialCtx, endp.Network(), endp.Address())
	cancel()
	if err != nil {
		return c.wrapClientErr(err, endp.Host)
	}

	if endp.IsTLS() {
		cfg := c.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg.ServerName = endp.Host
		conn = tls.Client(conn, cfg)
	}

	c.serverName = endp.Host
	c.conn = conn
	c.text = textproto.NewConn(conn)

	conn.SetDeadline(c.ioDeadline(ctx, c.ConnectTimeout))
	rep, err := c.readReply()
	conn.SetDeadline(time.Time{})
	if err != nil {
		c.Close()
		return c.wrapClientErr(err, endp.Host)
	}
	c.record("CONNECT", endp.Address(), rep)
	if rep.code != 220 {
		err := c.replyErr(rep)
		c.Quit(ctx)
		return err
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		st := tlsConn.ConnectionState()
		c.tlsState = &st
	}
	return nil
}

// Hello sends EHLO and parses the advertised capability list, falling back
// to HELO if the server does not recognize EHLO.
func (c *C) Hello(ctx context.Context) error {
	rep, err := c.cmd(ctx, "EHLO", "EHLO "+c.Hostname)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if rep.code == 250 {
		c.caps = parseCaps(rep)
		return nil
	}
	if rep.code/100 != 5 {
		return c.replyErr(rep)
	}

	// Pre-ESMTP server. No extensions then.
	rep, err = c.cmd(ctx, "HELO", "HELO "+c.Hostname)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if rep.code != 250 {
		return c.replyErr(rep)
	}
	c.caps = map[string]string{}
	return nil
}

// StartTLS upgrades the connection and re-issues EHLO, the capability set
// advertised before the upgrade is discarded (RFC 3207, Section 4.2).
//
// A nil cfg uses c.TLSConfig. ServerName defaults to the endpoint host.
func (c *C) StartTLS(ctx context.Context, cfg *tls.Config) error {
	rep, err := c.cmd(ctx, "STARTTLS", "STARTTLS")
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if rep.code != 220 {
		return TLSError{c.replyErr(rep)}
	}

	if cfg == nil {
		cfg = c.TLSConfig
	}
	cfg = cfg.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.serverName
	}

	tlsConn := tls.Client(c.conn, cfg)
	c.conn.SetDeadline(c.ioDeadline(ctx, c.CommandTimeout))
	err = tlsConn.HandshakeContext(ctx)
	c.conn.SetDeadline(time.Time{})
	if err != nil {
		// The connection is beyond repair after a failed handshake.
		c.Close()
		return TLSError{err}
	}

	c.conn = tlsConn
	c.text = textproto.NewConn(tlsConn)
	st := tlsConn.ConnectionState()
	c.tlsState = &st
	c.caps = nil

	return c.Hello(ctx)
}

// Auth runs the challenge-response loop for the mechanism (RFC 4954).
func (c *C) Auth(ctx context.Context, mech sasl.Client) error {
	mechName, ir, err := mech.Start()
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
		})
	}

	line := "AUTH " + mechName
	if ir != nil {
		if len(ir) == 0 {
			line += " ="
		} else {
			line += " " + base64.StdEncoding.EncodeToString(ir)
		}
	}

	rep, err := c.cmd(ctx, "AUTH", line)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	for rep.code == 334 {
		challenge, err := base64.StdEncoding.DecodeString(rep.msg())
		if err != nil {
			c.cmd(ctx, "AUTH", "*")
			return c.wrapClientErr(fmt.Errorf("smtpconn: malformed challenge: %w", err), c.serverName)
		}

		resp, err := mech.Next(challenge)
		if err != nil {
			// Abort the exchange so the session stays usable.
			c.cmd(ctx, "AUTH", "*")
			return exterrors.WithFields(err, map[string]interface{}{
				"remote_server": c.serverName,
			})
		}

		rep, err = c.cmd(ctx, "AUTH", base64.StdEncoding.EncodeToString(resp))
		if err != nil {
			return c.wrapClientErr(err, c.serverName)
		}
	}
	if rep.code != 235 {
		return c.replyErr(rep)
	}
	return nil
}

// Mail sends the MAIL FROM command.
//
// SIZE and REQUIRETLS options are forwarded if the remote server supports
// them. SMTPUTF8 is forwarded if supported, otherwise an attempt is made to
// convert the address to the ASCII form.
func (c *C) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	if opts.UTF8 && !c.Supports("SMTPUTF8") {
		var err error
		from, err = address.ToASCII(from)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
				Misc: map[string]interface{}{
					"remote_server": c.serverName,
				},
				Err: err,
			}
		}
		opts.UTF8 = false
	}

	var sb strings.Builder
	sb.WriteString("MAIL FROM:<")
	sb.WriteString(from)
	sb.WriteString(">")
	if opts.Size != 0 && c.Supports("SIZE") {
		sb.WriteString(" SIZE=")
		sb.WriteString(strconv.FormatInt(opts.Size, 10))
	}
	if opts.UTF8 {
		sb.WriteString(" SMTPUTF8")
	}
	if opts.RequireTLS && c.Supports("REQUIRETLS") {
		sb.WriteString(" REQUIRETLS")
	}

	rep, err := c.cmd(ctx, "MAIL", sb.String())
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if rep.code/100 != 2 {
		return c.replyErr(rep)
	}
	return nil
}

// Rcpt sends the RCPT TO command.
//
// If the address is non-ASCII and cannot be converted to ASCII and the
// remote server does not support SMTPUTF8, error will be returned.
func (c *C) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	if !address.IsASCII(to) && !c.Supports("SMTPUTF8") {
		var err error
		to, err = address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
				Misc: map[string]interface{}{
					"remote_server": c.serverName,
				},
				Err: err,
			}
		}
	}

	rep, err := c.cmd(ctx, "RCPT", "RCPT TO:<"+to+">")
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if rep.code/100 != 2 {
		return c.replyErr(rep)
	}

	c.rcpts = append(c.rcpts, to)
	return nil
}

// Data sends the DATA command followed by the message.
//
// The recorded DATA transaction carries the reply for the final dot (or the
// rejection of the command itself), not the intermediate 354.
//
// If the exchange fails mid-stream the connection may be in an unclean
// state. It is not safe to continue using it.
func (c *C) Data(ctx context.Context, hdr msgtextproto.Header, body io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	if c.text == nil {
		return errNotConnected
	}

	c.conn.SetDeadline(c.ioDeadline(ctx, c.SubmissionTimeout))
	defer func() {
		if c.conn != nil {
			c.conn.SetDeadline(time.Time{})
		}
	}()

	if err := c.text.PrintfLine("DATA"); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	rep, err := c.readReply()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if rep.code != 354 {
		c.record("DATA", "DATA", rep)
		return c.replyErr(rep)
	}

	wc := c.text.DotWriter()
	if err := msgtextproto.WriteHeader(wc, hdr); err != nil {
		wc.Close()
		return c.wrapClientErr(err, c.serverName)
	}
	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return c.wrapClientErr(err, c.serverName)
	}
	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	rep, err = c.readReply()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	c.record("DATA", "DATA", rep)
	if rep.code/100 != 2 {
		return c.replyErr(rep)
	}
	return nil
}

// Bdat sends the message in BDAT chunks (RFC 3030). The remote server must
// advertise CHUNKING. chunkSize <= 0 picks the default.
//
// Each chunk is its own transaction in the transcript.
func (c *C) Bdat(ctx context.Context, hdr msgtextproto.Header, body io.Reader, chunkSize int) error {
	defer trace.StartRegion(ctx, "smtpconn/BDAT").End()

	if c.text == nil {
		return errNotConnected
	}
	if !c.Supports("CHUNKING") {
		return &exterrors.SMTPError{
			Code:         502,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "Remote server does not support CHUNKING",
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
			},
		}
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	var hdrBuf bytes.Buffer
	if err := msgtextproto.WriteHeader(&hdrBuf, hdr); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	msg := bufio.NewReader(io.MultiReader(&hdrBuf, body))

	chunk := make([]byte, chunkSize)
	last := false
	for !last {
		n, err := io.ReadFull(msg, chunk)
		switch err {
		case nil:
			// Look ahead so the final full chunk gets the LAST marker
			// instead of a trailing BDAT 0 LAST.
			if _, err := msg.Peek(1); err == io.EOF {
				last = true
			}
		case io.ErrUnexpectedEOF, io.EOF:
			last = true
		default:
			return c.wrapClientErr(err, c.serverName)
		}

		line := "BDAT " + strconv.Itoa(n)
		if last {
			line += " LAST"
		}

		c.conn.SetDeadline(c.ioDeadline(ctx, c.CommandTimeout))
		err = c.sendChunk(line, chunk[:n])
		var rep reply
		if err == nil {
			rep, err = c.readReply()
		}
		c.conn.SetDeadline(time.Time{})
		if err != nil {
			return c.wrapClientErr(err, c.serverName)
		}
		c.record("BDAT", line, rep)
		if rep.code/100 != 2 {
			return c.replyErr(rep)
		}
	}
	return nil
}

func (c *C) sendChunk(line string, chunk []byte) error {
	if err := c.text.PrintfLine("%s", line); err != nil {
		return err
	}
	if _, err := c.text.W.Write(chunk); err != nil {
		return err
	}
	return c.text.W.Flush()
}

// Rset aborts the current envelope, if any.
func (c *C) Rset(ctx context.Context) error {
	rep, err := c.cmd(ctx, "RSET", "RSET")
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if rep.code/100 != 2 {
		return c.replyErr(rep)
	}
	c.rcpts = nil
	return nil
}

func (c *C) Noop(ctx context.Context) error {
	rep, err := c.cmd(ctx, "NOOP", "NOOP")
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if rep.code/100 != 2 {
		return c.replyErr(rep)
	}
	return nil
}

// Quit sends the QUIT command and closes the connection. If QUIT fails the
// connection is closed directly.
func (c *C) Quit(ctx context.Context) error {
	if c.text == nil {
		return nil
	}
	rep, err := c.cmd(ctx, "QUIT", "QUIT")
	if err != nil {
		c.Log.DebugMsg("QUIT error", "err", err, "remote_server", c.serverName)
	} else if rep.code != 221 {
		c.Log.DebugMsg("QUIT rejected", "code", rep.code, "remote_server", c.serverName)
	}
	return c.Close()
}

// Close closes the underlying connection without sending the QUIT command.
func (c *C) Close() error {
	if c.text == nil {
		return nil
	}
	err := c.text.Close()
	c.text = nil
	c.conn = nil
	return err
}

// Rcpts returns the list of recipients that were accepted by the remote
// server.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

// TLSState reports the negotiated TLS state, ok is false for plaintext
// connections.
func (c *C) TLSState() (tls.ConnectionState, bool) {
	if c.tlsState == nil {
		return tls.ConnectionState{}, false
	}
	return *c.tlsState, true
}

// Supports reports whether the EHLO reply advertised the extension.
func (c *C) Supports(ext string) bool {
	_, ok := c.caps[strings.ToUpper(ext)]
	return ok
}

// SupportsAuth reports whether the mechanism was listed in the AUTH
// capability.
func (c *C) SupportsAuth(mech string) bool {
	for _, m := range strings.Fields(c.caps["AUTH"]) {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// MaxSize returns the advertised SIZE limit, 0 if there is none.
func (c *C) MaxSize() int64 {
	arg := c.caps["SIZE"]
	if arg == "" {
		return 0
	}
	size, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0
	}
	return size
}

var errNotConnected = errors.New("smtpconn: not connected")

// reply is one parsed SMTP reply, possibly multi-line.
type reply struct {
	code  int
	lines []string
}

// text returns the reply as it crossed the wire, lines joined by \n.
func (r reply) text() string {
	return strings.Join(r.lines, "\n")
}

// msg returns the reply text without the code/continuation prefixes.
func (r reply) msg() string {
	stripped := make([]string, 0, len(r.lines))
	for _, l := range r.lines {
		if len(l) > 4 {
			stripped = append(stripped, l[4:])
		} else {
			stripped = append(stripped, "")
		}
	}
	return strings.Join(stripped, "\n")
}

func (c *C) cmd(ctx context.Context, verb, line string) (reply, error) {
	if c.text == nil {
		return reply{}, errNotConnected
	}

	c.conn.SetDeadline(c.ioDeadline(ctx, c.CommandTimeout))
	defer func() {
		if c.conn != nil {
			c.conn.SetDeadline(time.Time{})
		}
	}()

	if err := c.text.PrintfLine("%s", line); err != nil {
		return reply{}, err
	}
	rep, err := c.readReply()
	if err != nil {
		return reply{}, err
	}
	c.record(verb, line, rep)
	return rep, nil
}

func (c *C) readReply() (reply, error) {
	var rep reply
	for {
		line, err := c.text.ReadLine()
		if err != nil {
			return rep, err
		}
		if len(line) < 3 {
			return rep, fmt.Errorf("smtpconn: malformed reply line: %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return rep, fmt.Errorf("smtpconn: malformed reply code: %q", line)
		}
		if rep.code != 0 && code != rep.code {
			return rep, fmt.Errorf("smtpconn: inconsistent codes in multi-line reply: %q", line)
		}
		rep.code = code
		rep.lines = append(rep.lines, line)

		if len(line) == 3 || line[3] == ' ' {
			return rep, nil
		}
		if line[3] != '-' {
			return rep, fmt.Errorf("smtpconn: malformed reply separator: %q", line)
		}
	}
}

func (c *C) record(verb, payload string, rep reply) {
	if c.Transcript == nil {
		return
	}
	c.Transcript.Record(verb, payload, rep.text())
}

// replyErr converts an SMTP error reply into an exterrors.SMTPError.
//
// 552 is rewritten to a temporary 452 per RFC 5321 Section 4.5.3.1.10 so
// over-quota mailboxes are retried instead of bounced.
func (c *C) replyErr(rep reply) error {
	code := rep.code
	msg := rep.msg()

	ench, rest, ok := parseEnhancedCode(msg)
	if ok {
		msg = rest
	} else {
		ench = exterrors.EnhancedCode{code / 100, 0, 0}
	}

	if c.AddrInSMTPMsg {
		msg = c.serverName + " said: " + msg
	}

	if code == 552 {
		code = 452
		ench[0] = 4
		c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
	}

	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: ench,
		Message:      msg,
		Misc: map[string]interface{}{
			"remote_server": c.serverName,
		},
	}
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	switch err := err.(type) {
	case TLSError:
		return err
	case *exterrors.SMTPError:
		return err
	case *net.OpError:
		if _, ok := err.Err.(*net.DNSError); ok {
			reason, misc := exterrors.UnwrapDNSErr(err)
			misc["remote_server"] = err.Addr
			misc["io_op"] = err.Op
			return &exterrors.SMTPError{
				Code:         exterrors.SMTPCode(err, 450, 550),
				EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{4, 4, 4}, exterrors.EnhancedCode{5, 4, 4}),
				Message:      "DNS error",
				Err:          err,
				Reason:       reason,
				Misc:         misc,
			}
		}
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": err.Addr,
				"io_op":       err.Op,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

func (c *C) ioDeadline(ctx context.Context, fallback time.Duration) time.Time {
	deadline := time.Now().Add(fallback)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

func parseCaps(rep reply) map[string]string {
	caps := make(map[string]string, len(rep.lines))
	for i, l := range rep.lines {
		if i == 0 {
			// The first line is the server identification.
			continue
		}
		if len(l) <= 4 {
			continue
		}
		keyword, params, _ := strings.Cut(l[4:], " ")
		caps[strings.ToUpper(keyword)] = params
	}
	return caps
}

// parseEnhancedCode splits a leading RFC 2034 enhanced code off the reply
// text.
func parseEnhancedCode(msg string) (exterrors.EnhancedCode, string, bool) {
	code, rest, found := strings.Cut(msg, " ")
	if !found {
		rest = ""
	}
	parts := strings.Split(code, ".")
	if len(parts) != 3 {
		return exterrors.EnhancedCode{}, msg, false
	}

	var ench exterrors.EnhancedCode
	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil {
			return exterrors.EnhancedCode{}, msg, false
		}
		ench[i] = num
	}
	switch ench[0] {
	case 2, 4, 5:
	default:
		return exterrors.EnhancedCode{}, msg, false
	}
	return ench, rest, true
}
