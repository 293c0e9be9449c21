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
	"bytes"
	"context"
	"errors"
	"io"
	nettextproto "net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/robinmta/robin/framework/buffer"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/internal/hook"
	"github.com/robinmta/robin/internal/target"
)

// Messages that went through more relays than this are considered to be
// looping and are rejected.
const maxReceivedHeaders = 50

func (s *Session) data(params string) verbResult {
	if res, ok := s.envelopeReady(); !ok {
		return res
	}
	if s.usedBdat {
		return verbResult{code: 503, msg: "5.5.1 BDAT transfer is already in progress"}
	}
	if strings.TrimSpace(params) != "" {
		return verbResult{code: 501, msg: "5.5.4 DATA takes no arguments"}
	}
	if rej := s.hookReject("DATA", "DATA"); rej != nil {
		return *rej
	}

	if _, err := s.writeReply(354, "Start mail input, end with <CRLF>.<CRLF>"); err != nil {
		return verbResult{drop: true}
	}

	s.conn.SetDeadline(time.Now().Add(dataTimeout))

	// The dot-reader is layered over a limited reader so an oversized
	// message surfaces as io.ErrUnexpectedEOF instead of filling memory.
	r := nettextproto.NewReader(bufio.NewReader(io.LimitReader(s.reader, s.endp.cfg.MaxMessageSize))).DotReader()
	data, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// The client is still sending; eat the rest of the message so
			// the error reply is not mistaken for a reply to mid-message
			// garbage.
			if s.readUntilDot() {
				s.endEnvelope()
				return verbResult{code: 552, msg: "5.3.4 Message size exceeds the administrative limit", closeEnvelope: true}
			}
		}
		return verbResult{drop: true}
	}

	return s.submitMessage(data)
}

func (s *Session) bdat(params string) verbResult {
	if res, ok := s.envelopeReady(); !ok {
		return res
	}

	fields := strings.Fields(params)
	if len(fields) == 0 || len(fields) > 2 {
		return verbResult{code: 501, msg: "5.5.4 Syntax: BDAT <octets> [LAST]"}
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return verbResult{code: 501, msg: "5.5.4 Malformed chunk size"}
	}
	last := false
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			return verbResult{code: 501, msg: "5.5.4 Syntax: BDAT <octets> [LAST]"}
		}
		last = true
	}

	if !s.usedBdat {
		if rej := s.hookReject("BDAT", "BDAT"); rej != nil {
			// The chunk is already in flight, it has to be consumed to
			// keep the protocol in sync.
			if !s.discardChunk(size) {
				rej.drop = true
			}
			return *rej
		}
	}
	s.usedBdat = true

	s.conn.SetDeadline(time.Now().Add(dataTimeout))
	chunk := make([]byte, size)
	if _, err := io.ReadFull(s.reader, chunk); err != nil {
		// The stream is out of sync, nothing sensible can be replied.
		return verbResult{drop: true}
	}

	if s.bdatErr == nil && int64(len(s.bdatBuf))+size > s.endp.cfg.MaxMessageSize {
		s.bdatBuf = nil
		s.bdatErr = &verbResult{code: 552, msg: "5.3.4 Message size exceeds the administrative limit"}
	}
	if s.bdatErr == nil {
		s.bdatBuf = append(s.bdatBuf, chunk...)
	}

	if !last {
		if s.bdatErr != nil {
			return *s.bdatErr
		}
		return verbResult{code: 250, msg: "2.0.0 " + strconv.FormatInt(size, 10) + " octets received"}
	}

	if s.bdatErr != nil {
		res := *s.bdatErr
		res.closeEnvelope = true
		s.endEnvelope()
		return res
	}
	return s.submitMessage(s.bdatBuf)
}

func (s *Session) envelopeReady() (verbResult, bool) {
	if s.state != stateEnvelope {
		return verbResult{code: 503, msg: "5.5.1 Send MAIL first"}, false
	}
	if len(s.rcpts) == 0 {
		return verbResult{code: 503, msg: "5.5.1 RCPT is required first"}, false
	}
	return verbResult{}, true
}

// hookReject consults the webhook dispatcher before the body transfer and
// returns the rejection to reply with, if any. Non-rejecting overrides are
// ignored here: the success reply depends on the delivery outcome.
func (s *Session) hookReject(verb, payload string) *verbResult {
	if !s.endp.hooks.Wants(verb) {
		return nil
	}
	ov := s.endp.hooks.Fire(s.sessionCtx, hook.Event{
		Verb:      verb,
		SessionID: s.sessionID,
		RemoteIP:  s.remoteAddr.String(),
		Payload:   payload,
		TLS:       s.tlsState != nil,
		Auth:      s.authUser,
	})
	if ov == nil || (ov.Code < 400 && !ov.Drop) {
		return nil
	}

	code := ov.Code
	if code == 0 {
		code = 550
	}
	msg := ov.Message
	if msg == "" {
		msg = "5.7.0 Rejected by policy"
	}
	return &verbResult{code: code, msg: msg, drop: ov.Drop}
}

// discardChunk eats an unwanted BDAT chunk. Returns false when the read
// failed and the connection is beyond recovery.
func (s *Session) discardChunk(size int64) bool {
	s.conn.SetDeadline(time.Now().Add(dataTimeout))
	_, err := io.CopyN(io.Discard, s.reader, size)
	return err == nil
}

// readUntilDot consumes the remainder of a DATA body up to the final
// ".\r\n". Returns false when the connection died first.
func (s *Session) readUntilDot() bool {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return false
		}
		if strings.TrimRight(line, "\r\n") == "." {
			return true
		}
	}
}

// submitMessage parses the received content, stamps trace headers and hands
// the message to the delivery targets. It always closes the envelope.
func (s *Session) submitMessage(data []byte) verbResult {
	defer s.endEnvelope()

	ctx, cancel := context.WithTimeout(s.sessionCtx, dataTimeout)
	defer cancel()

	bufr := bufio.NewReader(bytes.NewReader(data))
	header, err := textproto.ReadHeader(bufr)
	if err != nil {
		return verbResult{code: 554, msg: "5.6.0 Malformed message header", closeEnvelope: true}
	}
	body, err := io.ReadAll(bufr)
	if err != nil {
		return verbResult{code: 451, msg: "4.0.0 Internal server error", closeEnvelope: true}
	}

	received := 0
	for f := header.FieldsByKey("Received"); f.Next(); {
		received++
	}
	if received > maxReceivedHeaders {
		return verbResult{code: 554, msg: "5.4.6 Likely message loop detected", closeEnvelope: true}
	}

	meta := s.msgMeta
	meta.BodyLength = int64(len(body))

	// Authenticated submission gets the missing pieces fixed up instead of
	// bounced (RFC 6409 Section 8).
	if s.authUser != "" {
		if res := s.prepareSubmitted(&header); res != nil {
			return *res
		}
	}

	rcvd, err := target.GenerateReceived(ctx, meta, s.endp.hostname, s.mailFrom)
	if err != nil {
		return verbResult{code: 451, msg: "4.0.0 Internal server error", closeEnvelope: true}
	}
	header.Add("Received", rcvd)

	if err := s.endp.deliver(ctx, meta, s.mailFrom, s.rcpts, header, buffer.MemoryBuffer{Slice: body}); err != nil {
		s.log.Error("delivery failed", err, "msg_id", meta.ID)
		code, msg := replyFromErr(err)
		return verbResult{code: code, msg: msg, closeEnvelope: true}
	}

	s.log.Msg("accepted message",
		"msg_id", meta.ID,
		"sender", s.mailFrom,
		"rcpt_count", len(s.rcpts),
		"body_size", meta.BodyLength)
	return verbResult{code: 250, msg: "2.0.0 OK: queued as " + meta.ID, closeEnvelope: true}
}

// prepareSubmitted validates and completes headers of a message submitted by
// an authenticated client.
func (s *Session) prepareSubmitted(header *textproto.Header) *verbResult {
	if dateHdr := header.Get("Date"); dateHdr != "" {
		if _, err := parseMessageDateTime(dateHdr); err != nil {
			return &verbResult{code: 554, msg: "5.6.0 Malformed Date header", closeEnvelope: true}
		}
	} else {
		s.log.Msg("adding missing Date header", "msg_id", s.msgMeta.ID)
		header.Set("Date", time.Now().UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}

	if header.Get("Message-ID") == "" {
		s.log.Msg("adding missing Message-ID", "msg_id", s.msgMeta.ID)
		header.Set("Message-ID", "<"+uuid.New().String()+"@"+s.endp.hostname+">")
	}
	return nil
}

// deliver fans the message out to the local and relayed targets, splitting
// the recipient list by domain. All deliveries are aborted if any of them
// fails before commit.
func (endp *Endpoint) deliver(ctx context.Context, msgMeta *target.MsgMetadata, mailFrom string, rcpts []string, header textproto.Header, body buffer.Buffer) error {
	var localRcpts, relayRcpts []string
	for _, rcpt := range rcpts {
		if endp.local != nil && endp.rcptTarget(rcpt) == endp.local {
			localRcpts = append(localRcpts, rcpt)
		} else {
			relayRcpts = append(relayRcpts, rcpt)
		}
	}

	var deliveries []target.Delivery
	abortAll := func() {
		for _, d := range deliveries {
			if err := d.Abort(ctx); err != nil {
				endp.Log.Error("delivery abort failed", err, "msg_id", msgMeta.ID)
			}
		}
	}

	for _, grp := range []struct {
		tgt   target.DeliveryTarget
		rcpts []string
	}{
		{endp.local, localRcpts},
		{endp.relay, relayRcpts},
	} {
		if len(grp.rcpts) == 0 {
			continue
		}
		delivery, err := grp.tgt.Start(ctx, msgMeta, mailFrom)
		if err != nil {
			abortAll()
			return err
		}
		deliveries = append(deliveries, delivery)
		for _, rcpt := range grp.rcpts {
			if err := delivery.AddRcpt(ctx, rcpt); err != nil {
				abortAll()
				return exterrors.WithFields(err, map[string]interface{}{"rcpt": rcpt})
			}
		}
	}

	for _, d := range deliveries {
		if err := d.Body(ctx, header, body); err != nil {
			abortAll()
			return err
		}
	}
	for i, d := range deliveries {
		if err := d.Commit(ctx); err != nil {
			// Targets committed before this one cannot be rolled back
			// anymore. Report the failure, the client will retry for all
			// recipients and the duplicate is the lesser evil.
			for _, rest := range deliveries[i+1:] {
				if aerr := rest.Abort(ctx); aerr != nil {
					endp.Log.Error("delivery abort failed", aerr, "msg_id", msgMeta.ID)
				}
			}
			return err
		}
	}
	return nil
}
