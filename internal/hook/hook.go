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

// Package hook posts SMTP session events to a configured HTTP endpoint and
// lets the endpoint override the reply the session is about to send.
//
// Calls are synchronous from the session's viewpoint, the reply is not
// written until the endpoint answers or the timeout expires. A failing
// endpoint never affects the session outcome beyond the added latency.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/log"
)

// Endpoints answering with a larger body are assumed broken.
const maxOverrideLen = 4096

// Event is the JSON document POSTed for each hooked verb.
type Event struct {
	Verb      string `json:"verb"`
	SessionID string `json:"session_id"`
	RemoteIP  string `json:"remote_ip"`

	// Raw command line as received, without the trailing CRLF.
	Payload string `json:"payload"`

	TLS bool `json:"tls"`

	// Authenticated username, empty if the session is unauthenticated.
	Auth string `json:"auth,omitempty"`
}

// Override is the endpoint's replacement for the default reply.
type Override struct {
	// SMTP reply code, 0 keeps the default code.
	Code int `json:"code"`

	Message string `json:"message"`

	// Close the connection after the reply is written.
	Drop bool `json:"drop"`
}

// Caller performs one POST of the serialized event and returns the
// response body on a 2xx status.
type Caller func(ctx context.Context, url string, body []byte) ([]byte, error)

// Dispatcher fires webhooks for the configured verb set.
//
// Both methods are safe to call on a nil *Dispatcher, for sessions with no
// webhooks configured.
type Dispatcher struct {
	url   string
	verbs map[string]struct{}
	call  Caller

	Log log.Logger
}

func NewDispatcher(cfg config.Webhooks, l log.Logger) *Dispatcher {
	verbs := make(map[string]struct{}, len(cfg.Verbs))
	for _, v := range cfg.Verbs {
		verbs[strings.ToUpper(v)] = struct{}{}
	}
	return &Dispatcher{
		url:   cfg.URL,
		verbs: verbs,
		call:  httpCaller(cfg.Secret, cfg.TimeoutDuration()),
		Log:   l,
	}
}

// Wants reports whether the verb is hooked. Sessions use it to skip event
// construction on the hot path.
func (d *Dispatcher) Wants(verb string) bool {
	if d == nil || d.url == "" {
		return false
	}
	_, ok := d.verbs[strings.ToUpper(verb)]
	return ok
}

// Fire posts the event and returns the reply override, if any.
//
// nil means the default reply stands: the verb is not hooked, the endpoint
// answered non-2xx or an empty body, timed out, or sent a malformed
// document. These outcomes are logged and never surfaced to the peer.
func (d *Dispatcher) Fire(ctx context.Context, ev Event) *Override {
	if !d.Wants(ev.Verb) {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.Log.Error("webhook event marshal failed", err, "verb", ev.Verb)
		return nil
	}

	respBody, err := d.call(ctx, d.url, body)
	if err != nil {
		d.Log.Error("webhook call failed", err,
			"verb", ev.Verb, "session_id", ev.SessionID, "url", d.url)
		return nil
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		// Acknowledged without an override.
		return nil
	}

	o := Override{}
	if err := json.Unmarshal(respBody, &o); err != nil {
		d.Log.Error("webhook override unreadable", err,
			"verb", ev.Verb, "session_id", ev.SessionID)
		return nil
	}
	if o.Code == 0 && o.Message == "" && !o.Drop {
		return nil
	}
	if o.Code != 0 && (o.Code < 200 || o.Code > 599) {
		d.Log.Msg("webhook override code out of range, ignored",
			"code", o.Code, "verb", ev.Verb, "session_id", ev.SessionID)
		return nil
	}
	return &o
}

func httpCaller(secret string, timeout time.Duration) Caller {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, url string, body []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "robin")
		if secret != "" {
			req.Header.Set("X-Robin-Secret", secret)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxOverrideLen))
	}
}
