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

// Package client implements the scriptable SMTP client driven by
// client.json. It exercises a full transaction (EHLO, optional STARTTLS and
// AUTH, MAIL, RCPT, DATA with a generated probe message, QUIT) against every
// configured destination and returns the complete wire transcript.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"golang.org/x/net/idna"

	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/auth"
	"github.com/robinmta/robin/internal/smtpconn"
	"github.com/robinmta/robin/internal/txlog"
)

// destination is one resolved target: either a bare MX from the mx list or a
// named route with credentials.
type destination struct {
	name string
	mx   string
	port int

	authMech string
	user     string
	pass     string
}

func destinations(cfg config.Client) []destination {
	var out []destination
	for _, mx := range cfg.MX {
		out = append(out, destination{name: mx, mx: mx, port: cfg.Port})
	}
	for _, r := range cfg.Routes {
		name := r.Name
		if name == "" {
			name = r.MX
		}
		out = append(out, destination{
			name:     name,
			mx:       r.MX,
			port:     r.Port,
			authMech: r.Auth,
			user:     r.User,
			pass:     r.Pass,
		})
	}
	return out
}

// Run executes the scripted transaction against every destination in cfg.
// Each destination gets its own envelope in the returned transcript, in
// configuration order. The transcript is returned even on failure, holding
// everything exchanged up to the error.
func Run(ctx context.Context, cfg config.Client, magic auth.Magic, l log.Logger) (*txlog.Session, error) {
	transcript := txlog.NewSession()

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return transcript, err
	}
	ehlo, err := idna.ToASCII(magic.Replace(cfg.EHLO))
	if err != nil {
		return transcript, fmt.Errorf("client: cannot represent EHLO name as an A-label: %w", err)
	}

	var firstErr error
	for _, d := range destinations(cfg) {
		l.Msg("running destination", "destination", d.name, "mx", d.mx)
		err := runDestination(ctx, cfg, d, ehlo, tlsCfg.Clone(), magic, transcript.BeginEnvelope(), l)
		if err != nil {
			l.Error("destination failed", err, "destination", d.name)
			if firstErr == nil {
				firstErr = exterrors.WithFields(err, map[string]interface{}{"destination": d.name})
			}
			continue
		}
		l.Msg("destination ok", "destination", d.name)
	}
	return transcript, firstErr
}

func runDestination(ctx context.Context, cfg config.Client, d destination, ehlo string,
	tlsCfg *tls.Config, magic auth.Magic, envLog *txlog.Log, l log.Logger) error {

	conn, err := connect(ctx, cfg, d, ehlo, tlsCfg, envLog, l)
	if err != nil {
		return err
	}
	defer conn.Close()

	if d.authMech != "" {
		cl, err := auth.SASLClient(d.authMech, magic.Replace(d.user), magic.Replace(d.pass), d.mx)
		if err != nil {
			return err
		}
		if err := conn.Auth(ctx, cl); err != nil {
			return err
		}
	}

	if err := conn.Mail(ctx, magic.Replace(cfg.Mail), smtp.MailOptions{}); err != nil {
		return err
	}
	for _, rcpt := range cfg.Rcpt {
		if err := conn.Rcpt(ctx, magic.Replace(rcpt)); err != nil {
			return err
		}
	}

	hdr, body := probeMessage(magic.Replace(cfg.Mail), cfg.Rcpt, ehlo)
	if err := conn.Data(ctx, hdr, bytes.NewReader(body)); err != nil {
		return err
	}

	return conn.Quit(ctx)
}

// connect dials the destination and negotiates the session up to the point
// where commands can be sent. A failed STARTTLS on a destination that does
// not require TLS is retried on a fresh plaintext connection, the handshake
// attempt leaves the old one unusable.
func connect(ctx context.Context, cfg config.Client, d destination, ehlo string,
	tlsCfg *tls.Config, envLog *txlog.Log, l log.Logger) (*smtpconn.C, error) {

	dial := func(withTLS bool) (*smtpconn.C, error) {
		conn := smtpconn.New()
		conn.Hostname = ehlo
		conn.Log = l
		conn.TLSConfig = tlsCfg
		conn.AddrInSMTPMsg = true
		conn.Transcript = envLog

		endp := config.Endpoint{Scheme: "tcp", Host: d.mx, Port: strconv.Itoa(d.port)}
		if err := conn.Connect(ctx, endp); err != nil {
			return nil, err
		}
		if err := conn.Hello(ctx); err != nil {
			conn.Close()
			return nil, err
		}

		if !withTLS {
			return conn, nil
		}
		if !conn.Supports("STARTTLS") {
			if cfg.TLS {
				conn.Close()
				return nil, &exterrors.SMTPError{
					Code:         523,
					EnhancedCode: exterrors.EnhancedCode{5, 7, 10},
					Message:      "TLS is required but not advertised by the server",
					TargetName:   "client",
				}
			}
			return conn, nil
		}
		if err := conn.StartTLS(ctx, nil); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}

	conn, err := dial(true)
	if err == nil {
		return conn, nil
	}
	var tlsErr smtpconn.TLSError
	if !cfg.TLS && errors.As(err, &tlsErr) {
		l.Error("TLS not usable, falling back to plaintext", err, "destination", d.name)
		return dial(false)
	}
	return nil, err
}

// probeMessage builds the test message sent to every destination.
func probeMessage(from string, rcpts []string, ehlo string) (textproto.Header, []byte) {
	var hdr textproto.Header
	hdr.Add("Content-Type", "text/plain; charset=utf-8")
	hdr.Add("MIME-Version", "1.0")
	hdr.Add("Subject", "Robin SMTP probe")
	hdr.Add("To", strings.Join(rcpts, ", "))
	hdr.Add("From", from)
	hdr.Add("Message-ID", "<"+uuid.New().String()+"@"+ehlo+">")
	hdr.Add("Date", time.Now().UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"))

	body := "This is a test message generated by the robin SMTP client.\r\n" +
		"It was submitted at " + time.Now().UTC().Format(time.RFC3339) + ".\r\n"
	return hdr, []byte(body)
}
