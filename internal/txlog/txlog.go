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

// Package txlog implements the per-session SMTP transcript.
//
// Every verb exchange is recorded as a Transaction right after the reply
// crosses the wire, in wire order. The session owns its transcript
// exclusively, there is no cross-session interleaving to worry about.
package txlog

import (
	"strconv"
	"strings"
)

// Transaction is a single SMTP verb exchange together with its reply.
//
// Transactions are immutable once appended to a Log. The Err flag is
// derived from the reply code and is true if and only if the code is 400 or
// higher.
type Transaction struct {
	// Canonical (uppercase) command name, e.g. "MAIL", "RCPT", "BDAT".
	Command string

	// Full request line as it was sent or received, without the trailing
	// CRLF. For DATA/BDAT body submissions Payload holds the command line,
	// not the message content.
	Payload string

	// Complete reply text with multi-line replies preserved
	// ("250-..." continuation lines joined by \n).
	Response string

	// Forward/reverse-path for MAIL and RCPT transactions, empty otherwise.
	Address string

	// True iff the reply code is >= 400.
	Err bool
}

// Code returns the numeric SMTP reply code of the transaction, or 0 if the
// response is malformed.
func (t Transaction) Code() int {
	return ReplyCode(t.Response)
}

// ReplyCode extracts the status code from a (possibly multi-line) reply.
func ReplyCode(response string) int {
	if len(response) < 3 {
		return 0
	}
	code, err := strconv.Atoi(response[:3])
	if err != nil {
		return 0
	}
	return code
}

// AddressFromPayload extracts the angle-bracketed path from a MAIL or RCPT
// command line. The empty reverse-path <> yields an empty string.
func AddressFromPayload(payload string) string {
	open := strings.IndexByte(payload, '<')
	if open == -1 {
		return ""
	}
	close_ := strings.IndexByte(payload[open:], '>')
	if close_ == -1 {
		return ""
	}
	return payload[open+1 : open+close_]
}

// Make builds a Transaction from the wire data, deriving the Err flag and,
// for MAIL/RCPT, the Address field.
func Make(command, payload, response string) Transaction {
	command = strings.ToUpper(command)
	t := Transaction{
		Command:  command,
		Payload:  payload,
		Response: response,
		Err:      ReplyCode(response) >= 400,
	}
	if command == "MAIL" || command == "RCPT" {
		t.Address = AddressFromPayload(payload)
	}
	return t
}

// Log is an append-only ordered sequence of Transactions.
type Log struct {
	txs []Transaction
}

func New() *Log {
	return &Log{}
}

func (l *Log) Append(t Transaction) {
	l.txs = append(l.txs, t)
}

// Record is a shorthand for Append(Make(...)).
func (l *Log) Record(command, payload, response string) Transaction {
	t := Make(command, payload, response)
	l.Append(t)
	return t
}

func (l *Log) Len() int {
	return len(l.txs)
}

// All returns the recorded transactions in insertion order. The returned
// slice aliases the log, callers must not modify it.
func (l *Log) All() []Transaction {
	return l.txs
}

// Transactions returns all transactions with the given command name,
// compared case-insensitively, in insertion order.
func (l *Log) Transactions(command string) []Transaction {
	var out []Transaction
	for _, t := range l.txs {
		if strings.EqualFold(t.Command, command) {
			out = append(out, t)
		}
	}
	return out
}

// Clone returns an independent copy of the log. Transactions are plain
// values so a slice copy is a deep copy.
func (l *Log) Clone() *Log {
	cpy := make([]Transaction, len(l.txs))
	copy(cpy, l.txs)
	return &Log{txs: cpy}
}

// Session is the transcript of one SMTP session: the session-level log
// (connection banner, EHLO, STARTTLS, AUTH, QUIT...) plus an ordered list of
// per-envelope logs (MAIL, RCPT, DATA/BDAT, RSET).
type Session struct {
	Log       *Log
	Envelopes []*Log
}

func NewSession() *Session {
	return &Session{Log: New()}
}

// BeginEnvelope opens a new envelope sub-log and returns it. Called when
// MAIL is accepted.
func (s *Session) BeginEnvelope() *Log {
	l := New()
	s.Envelopes = append(s.Envelopes, l)
	return l
}

// DropEnvelope removes the most recent envelope sub-log if it is l.
// Called when an accepted MAIL is rolled back before anything was
// recorded into the sub-log, so transcripts do not carry empty envelopes.
func (s *Session) DropEnvelope(l *Log) {
	n := len(s.Envelopes)
	if n != 0 && s.Envelopes[n-1] == l {
		s.Envelopes = s.Envelopes[:n-1]
	}
}

// all iterates the session log followed by envelope logs in order.
func (s *Session) all(fn func(Transaction) bool) {
	for _, t := range s.Log.txs {
		if !fn(t) {
			return
		}
	}
	for _, env := range s.Envelopes {
		for _, t := range env.txs {
			if !fn(t) {
				return
			}
		}
	}
}

// Transactions returns every transaction with the given command name across
// the session log and all envelope logs, in wire order.
func (s *Session) Transactions(command string) []Transaction {
	var out []Transaction
	s.all(func(t Transaction) bool {
		if strings.EqualFold(t.Command, command) {
			out = append(out, t)
		}
		return true
	})
	return out
}

// Mail returns the first MAIL transaction of the session.
func (s *Session) Mail() (Transaction, bool) {
	var (
		res   Transaction
		found bool
	)
	s.all(func(t Transaction) bool {
		if strings.EqualFold(t.Command, "MAIL") {
			res = t
			found = true
			return false
		}
		return true
	})
	return res, found
}

// Rcpt returns all RCPT transactions in wire order.
func (s *Session) Rcpt() []Transaction {
	return s.Transactions("RCPT")
}

// Recipients returns the addresses of all successful RCPT transactions.
func (s *Session) Recipients() []string {
	var out []string
	for _, t := range s.Rcpt() {
		if !t.Err {
			out = append(out, t.Address)
		}
	}
	return out
}

// FailedRecipients returns the addresses of all rejected RCPT transactions,
// the complement of Recipients over the full RCPT set.
func (s *Session) FailedRecipients() []string {
	var out []string
	for _, t := range s.Rcpt() {
		if t.Err {
			out = append(out, t.Address)
		}
	}
	return out
}

// Data returns all DATA transactions.
func (s *Session) Data() []Transaction {
	return s.Transactions("DATA")
}

// Bdat returns all BDAT transactions.
func (s *Session) Bdat() []Transaction {
	return s.Transactions("BDAT")
}

// Clone returns an independent deep copy of the whole transcript.
func (s *Session) Clone() *Session {
	cpy := &Session{Log: s.Log.Clone()}
	cpy.Envelopes = make([]*Log, 0, len(s.Envelopes))
	for _, env := range s.Envelopes {
		cpy.Envelopes = append(cpy.Envelopes, env.Clone())
	}
	return cpy
}
