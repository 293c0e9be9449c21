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

// Package lda implements local delivery through an external agent binary
// (Dovecot's dovecot-lda, maildrop, procmail and the like).
//
// The agent is invoked once per recipient as '<path> -d <recipient>' with
// the serialized message on the standard input. Exit code 0 is a successful
// delivery, EX_NOUSER (67) rejects the recipient, EX_TEMPFAIL (75) and
// everything else defer it.
package lda

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime/trace"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-message/textproto"
	"github.com/robinmta/robin/framework/buffer"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/target"
)

// sysexits.h values the agents use by convention.
const (
	exNoUser   = 67
	exTempFail = 75
)

// How much of the agent's output is kept for the error report.
const outputTailLen = 256

// Runner executes the agent once and reports its exit code together with
// the tail of its combined output. A non-zero exit code is not an error on
// this level, run errors mean the agent could not be executed at all.
type Runner interface {
	Run(ctx context.Context, recipient string, msg io.Reader) (exitCode int, outputTail string, err error)
}

// ExecRunner runs the agent binary through os/exec.
type ExecRunner struct {
	// Path to the agent binary.
	ExecPath string

	// Extra arguments inserted before '-d <recipient>'.
	Args []string
}

func (r ExecRunner) Run(ctx context.Context, recipient string, msg io.Reader) (int, string, error) {
	args := make([]string, 0, len(r.Args)+2)
	args = append(args, r.Args...)
	args = append(args, "-d", recipient)

	cmd := exec.CommandContext(ctx, r.ExecPath, args...)
	cmd.Stdin = msg

	output, err := cmd.CombinedOutput()
	tail := string(output)
	if len(tail) > outputTailLen {
		tail = tail[len(tail)-outputTailLen:]
	}
	if ctx.Err() != nil {
		return -1, tail, ctx.Err()
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), tail, nil
		}
		return -1, tail, err
	}
	return 0, tail, nil
}

// Target delivers messages by handing them to the external agent.
//
// Implements target.DeliveryTarget, deliveries implement
// target.PartialDelivery: one broken mailbox does not abort the envelope.
type Target struct {
	// Runner to invoke the agent with. Defaults to ExecRunner{ExecPath}
	// when nil.
	Runner Runner

	// Timeout for one agent invocation.
	Timeout time.Duration

	Log log.Logger
}

// New returns a Target invoking the binary at execPath.
func New(execPath string) *Target {
	return &Target{
		Runner:  ExecRunner{ExecPath: execPath},
		Timeout: 5 * time.Minute,
		Log:     log.Logger{Name: "lda"},
	}
}

type delivery struct {
	t       *Target
	msgMeta *target.MsgMetadata
	log     log.Logger

	mailFrom string
	rcpts    []string
}

func (t *Target) Start(ctx context.Context, msgMeta *target.MsgMetadata, mailFrom string) (target.Delivery, error) {
	return &delivery{
		t:        t,
		msgMeta:  msgMeta,
		log:      target.DeliveryLogger(t.Log, msgMeta),
		mailFrom: mailFrom,
	}, nil
}

func (d *delivery) AddRcpt(ctx context.Context, rcptTo string) error {
	if cleaned := sanitizeForAgent(rcptTo); cleaned != rcptTo {
		return &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Recipient address contains unsafe characters",
			TargetName:   "lda",
		}
	}
	d.rcpts = append(d.rcpts, rcptTo)
	return nil
}

func (d *delivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	merr := multipleErrs{errs: map[string]error{}}
	d.BodyNonAtomic(ctx, &merr, header, body)
	for _, err := range merr.errs {
		if err != nil {
			return &merr
		}
	}
	return nil
}

func (d *delivery) BodyNonAtomic(ctx context.Context, c target.StatusCollector, header textproto.Header, body buffer.Buffer) {
	defer trace.StartRegion(ctx, "lda/BodyNonAtomic").End()

	// Invocations are sequential: the agents lock mailboxes themselves but
	// there is no reason to fork one process per recipient at once.
	for _, rcpt := range d.rcpts {
		c.SetStatus(rcpt, d.deliverOne(ctx, rcpt, header, body))
	}
}

func (d *delivery) deliverOne(ctx context.Context, rcpt string, header textproto.Header, body buffer.Buffer) error {
	bodyR, err := body.Open()
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"target": "lda"})
	}
	defer bodyR.Close()

	var hdrBlob bytes.Buffer
	if err := textproto.WriteHeader(&hdrBlob, header); err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"target": "lda"})
	}

	runCtx, cancel := context.WithTimeout(ctx, d.t.Timeout)
	defer cancel()

	runner := d.t.Runner
	code, outTail, err := runner.Run(runCtx, rcpt, io.MultiReader(&hdrBlob, bodyR))
	if err != nil {
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Local delivery agent failed to run",
			TargetName:   "lda",
			Err:          err,
			Misc: map[string]interface{}{
				"rcpt": rcpt,
			},
		}
	}

	switch code {
	case 0:
		d.log.DebugMsg("delivered", "rcpt", rcpt)
		return nil
	case exNoUser:
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "No such mailbox here",
			TargetName:   "lda",
			Misc: map[string]interface{}{
				"rcpt":      rcpt,
				"exit_code": code,
			},
		}
	case exTempFail:
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Local delivery temporarily failed",
			TargetName:   "lda",
			Misc: map[string]interface{}{
				"rcpt":      rcpt,
				"exit_code": code,
			},
		}
	default:
		// Unknown codes are treated as transient so the queue retries
		// instead of bouncing on a misconfigured agent.
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      fmt.Sprintf("Local delivery agent exited with code %d", code),
			TargetName:   "lda",
			Misc: map[string]interface{}{
				"rcpt":         rcpt,
				"exit_code":    code,
				"agent_output": outTail,
			},
		}
	}
}

func (d *delivery) Abort(ctx context.Context) error {
	return nil
}

func (d *delivery) Commit(ctx context.Context) error {
	return nil
}

type multipleErrs struct {
	errs map[string]error
}

func (m *multipleErrs) SetStatus(rcptTo string, err error) {
	m.errs[rcptTo] = err
}

func (m *multipleErrs) Error() string {
	return fmt.Sprintf("lda: delivery failed for some recipients: %v", m.errs)
}

func (m *multipleErrs) Fields() map[string]interface{} {
	code := 550
	enchCode := exterrors.EnhancedCode{5, 0, 0}
	for _, err := range m.errs {
		if exterrors.IsTemporary(err) {
			code = 451
			enchCode = exterrors.EnhancedCode{4, 0, 0}
		}
	}
	return map[string]interface{}{
		"smtp_code":     code,
		"smtp_enchcode": enchCode,
		"smtp_msg":      "Partial delivery failure, additional attempts may result in duplicates",
		"target":        "lda",
		"errs":          m.errs,
	}
}

// sanitizeForAgent drops the characters that are never legitimate in a
// locally-deliverable address and could confuse the agent's command line.
func sanitizeForAgent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r), unicode.IsControl(r),
			strings.ContainsRune("/;\"'\\|*&$%()[]{}`!", r):
			return -1
		default:
			return r
		}
	}, s)
}
