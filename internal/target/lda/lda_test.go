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

package lda

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/robinmta/robin/framework/buffer"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/internal/target"
	"github.com/robinmta/robin/internal/testutils"
)

type fakeRunner struct {
	codes map[string]int

	invoked []string
	inputs  []string
}

func (r *fakeRunner) Run(_ context.Context, recipient string, msg io.Reader) (int, string, error) {
	blob, err := io.ReadAll(msg)
	if err != nil {
		return -1, "", err
	}
	r.invoked = append(r.invoked, recipient)
	r.inputs = append(r.inputs, string(blob))
	return r.codes[recipient], "", nil
}

func testTarget(t *testing.T, runner Runner) *Target {
	return &Target{
		Runner:  runner,
		Timeout: time.Minute,
		Log:     testutils.Logger(t, "lda"),
	}
}

func doDelivery(t *testing.T, tgt *Target, rcpts []string) map[string]error {
	t.Helper()

	delivery, err := tgt.Start(context.Background(), &target.MsgMetadata{ID: "test-msg"}, "sender@example.org")
	if err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range rcpts {
		if err := delivery.AddRcpt(context.Background(), rcpt); err != nil {
			t.Fatal(err)
		}
	}

	hdr := textproto.Header{}
	hdr.Add("Subject", "test message")
	body := buffer.MemoryBuffer{Slice: []byte("hello\r\n")}

	statuses := map[string]error{}
	delivery.(target.PartialDelivery).BodyNonAtomic(context.Background(), statusMap(statuses), hdr, body)
	if err := delivery.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
	return statuses
}

type statusMap map[string]error

func (m statusMap) SetStatus(rcptTo string, err error) { m[rcptTo] = err }

func TestLDA_Success(t *testing.T) {
	runner := &fakeRunner{codes: map[string]int{}}
	statuses := doDelivery(t, testTarget(t, runner), []string{"user@example.org"})

	if len(runner.invoked) != 1 || runner.invoked[0] != "user@example.org" {
		t.Fatalf("wrong invocations: %v", runner.invoked)
	}
	if err := statuses["user@example.org"]; err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if !strings.Contains(runner.inputs[0], "Subject: test message") {
		t.Errorf("header not passed to the agent: %q", runner.inputs[0])
	}
	if !strings.Contains(runner.inputs[0], "hello\r\n") {
		t.Errorf("body not passed to the agent: %q", runner.inputs[0])
	}
}

func TestLDA_TempFail(t *testing.T) {
	runner := &fakeRunner{codes: map[string]int{"user@example.org": exTempFail}}
	statuses := doDelivery(t, testTarget(t, runner), []string{"user@example.org"})

	err := statuses["user@example.org"]
	if err == nil {
		t.Fatal("expected an error")
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("exit code 75 should be a temporary failure, got %v", err)
	}
	fields := exterrors.Fields(err)
	if fields["exit_code"] != exTempFail {
		t.Errorf("exit_code field = %v", fields["exit_code"])
	}
}

func TestLDA_NoUser(t *testing.T) {
	runner := &fakeRunner{codes: map[string]int{"ghost@example.org": exNoUser}}
	statuses := doDelivery(t, testTarget(t, runner), []string{"ghost@example.org"})

	err := statuses["ghost@example.org"]
	if err == nil {
		t.Fatal("expected an error")
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("exit code 67 should be a permanent failure, got %v", err)
	}
}

func TestLDA_PartialFailure(t *testing.T) {
	runner := &fakeRunner{codes: map[string]int{"broken@example.org": exTempFail}}
	statuses := doDelivery(t, testTarget(t, runner), []string{"ok@example.org", "broken@example.org"})

	if err := statuses["ok@example.org"]; err != nil {
		t.Errorf("ok recipient failed: %v", err)
	}
	if err := statuses["broken@example.org"]; err == nil {
		t.Error("broken recipient did not fail")
	}
	if len(runner.invoked) != 2 {
		t.Errorf("failure aborted the envelope, invocations: %v", runner.invoked)
	}
}

func TestLDA_UnsafeRcpt(t *testing.T) {
	tgt := testTarget(t, &fakeRunner{codes: map[string]int{}})
	delivery, err := tgt.Start(context.Background(), &target.MsgMetadata{ID: "test-msg"}, "sender@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if err := delivery.AddRcpt(context.Background(), "user;rm -rf@example.org"); err == nil {
		t.Error("unsafe recipient accepted")
	}
	if err := delivery.Abort(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	dir := testutils.Dir(t)
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "lda.sh")
	outFile := filepath.Join(dir, "delivered")
	err := os.WriteFile(script, []byte(
		"#!/bin/sh\n"+
			"[ \"$1\" = \"-d\" ] || exit 64\n"+
			"cat > "+outFile+"\n"+
			"[ \"$2\" = \"fail@example.org\" ] && exit 75\n"+
			"exit 0\n"), 0o755)
	if err != nil {
		t.Fatal(err)
	}

	runner := ExecRunner{ExecPath: script}

	code, _, err := runner.Run(context.Background(), "user@example.org", strings.NewReader("message blob"))
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	blob, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != "message blob" {
		t.Errorf("message not passed via stdin: %q", blob)
	}

	code, _, err = runner.Run(context.Background(), "fail@example.org", strings.NewReader("message blob"))
	if err != nil {
		t.Fatal(err)
	}
	if code != exTempFail {
		t.Fatalf("exit code %d, want %d", code, exTempFail)
	}
}
