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

// Package target defines the delivery pipeline contract shared by the
// queue, the outbound (remote) coordinator and the local delivery adapter.
//
// A message moves through a DeliveryTarget as one Start/AddRcpt*/Body/
// Commit-or-Abort cycle. Failures are reported per call and, for targets
// implementing PartialDelivery, per recipient.
package target

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/robinmta/robin/framework/buffer"
	"github.com/robinmta/robin/internal/future"
)

// ConnState describes the connection the message was received over.
type ConnState struct {
	// Name the peer sent in its EHLO or HELO command.
	Hostname string

	// IANA protocol name, e.g. SMTP, ESMTP, ESMTPS.
	Proto string

	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// Result of the verified reverse DNS lookup for RemoteAddr, resolved
	// asynchronously while the session runs. The value is a string.
	// nil if the lookup was not started.
	RDNSName *future.Future `json:"-"`

	// TLS state of the connection, zero value if TLS is not used.
	TLS tls.ConnectionState `json:"-"`

	// Authenticated username, empty for anonymous sessions.
	AuthUser string
}

// MsgMetadata is created by the message source (SMTP endpoint, bounce
// generator, scriptable client) and accompanies the message through every
// delivery target.
type MsgMetadata struct {
	// Unique identifier for the message. Used in logs, queue file names and
	// the reply to the DATA command.
	ID string

	// nil for locally generated messages (bounces).
	Conn *ConnState

	// MAIL FROM options as negotiated with the message source.
	SMTPOpts smtp.MailOptions

	// Original envelope sender, before any rewriting. Used as the bounce
	// destination.
	OriginalFrom string

	// Maps the effective recipient address to the one the peer specified,
	// for addresses changed by aliasing. DSNs report the original spelling.
	OriginalRcpts map[string]string

	// Do not include the peer identity in trace headers. Set for
	// authenticated submissions to avoid leaking the client address.
	DontTraceSender bool

	// Size of the message body, 0 if unknown.
	BodyLength int64
}

// DeepCopy returns a copy of the metadata with the contained maps copied.
//
// Conn is copied by reference, the session owns it and outlives any
// delivery using the metadata.
func (msgMeta *MsgMetadata) DeepCopy() *MsgMetadata {
	cpy := *msgMeta
	cpy.OriginalRcpts = make(map[string]string, len(msgMeta.OriginalRcpts))
	for k, v := range msgMeta.OriginalRcpts {
		cpy.OriginalRcpts[k] = v
	}
	return &cpy
}

// DeliveryTarget is a final destination for messages.
type DeliveryTarget interface {
	// Start starts the delivery of a new message.
	//
	// The domain part of the MAIL FROM address is assumed to be U-labels
	// with NFC normalization and case-folding applied. The message source
	// should ensure that by calling address.CleanDomain if necessary.
	Start(ctx context.Context, msgMeta *MsgMetadata, mailFrom string) (Delivery, error)
}

type Delivery interface {
	// AddRcpt adds the target address for the message.
	//
	// The domain part of the address is assumed to be U-labels with NFC
	// normalization and case-folding applied.
	//
	// The implementation should reject recipients it already knows it
	// cannot serve here rather than from Body.
	AddRcpt(ctx context.Context, rcptTo string) error

	// Body sets the body and header contents for the message. If it fails,
	// the message is assumed undeliverable to all recipients.
	//
	// The implementation should avoid persistent side effects until Commit
	// is called. If that is not possible, Abort should roll them back.
	Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error

	// Abort cancels the delivery.
	Abort(ctx context.Context) error

	// Commit completes the delivery. It generally should not fail: failures
	// here jeopardize atomicity when multiple targets are involved.
	Commit(ctx context.Context) error
}

// StatusCollector receives the per-recipient delivery outcomes from
// PartialDelivery.BodyNonAtomic.
type StatusCollector interface {
	// SetStatus sets the error associated with the recipient. nil means
	// the recipient was delivered successfully.
	//
	// SetStatus is safe to call concurrently and must not be called after
	// BodyNonAtomic returns. Each recipient is set at most once.
	SetStatus(rcptTo string, err error)
}

// PartialDelivery is implemented by deliveries that can fail for a subset
// of recipients without affecting the rest.
type PartialDelivery interface {
	// BodyNonAtomic is like Body, but reports failures through the
	// collector instead of a single return value.
	BodyNonAtomic(ctx context.Context, c StatusCollector, header textproto.Header, body buffer.Buffer)
}
