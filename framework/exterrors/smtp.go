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

package exterrors

import (
	"fmt"
)

// EnhancedCode is a enhanced status code triplet as defined in RFC 3463.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// EnhancedCodeNotSet is a nil value of EnhancedCode field in SMTPError,
// used to indicate that backend/caller should substitute the value based on
// the basic SMTP code.
var EnhancedCodeNotSet = EnhancedCode{0, 0, 0}

// SMTPError is the error that is reported to the peer as a SMTP status
// code + message and also can carry additional information for logging.
type SMTPError struct {
	// SMTP status code. Most of the time it matches the code sent on the
	// wire, the notable exception being 552 rewritten to 452 for outbound
	// connections (RFC 5321 Section 4.5.3.1.10).
	Code int

	// Enhanced SMTP status code (RFC 3463).
	EnhancedCode EnhancedCode

	// Message that is sent to the peer.
	Message string

	// Name of the component that generated this error, included in logs as
	// the 'target' field.
	TargetName string

	// The underlying error that caused this one, if any. It is not included
	// in the message sent on the wire.
	Err error

	// Human-readable description of the error cause, more detailed than
	// Message. Logged as the 'reason' field.
	Reason string

	// Arbitrary fields to include in the structured log output.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	return ctx
}

// Temporary reports whether the error is transient per its basic status
// code. 4xx replies ask the sender to retry later.
func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

func (se *SMTPError) FormatLog() string {
	return fmt.Sprintf("%d %s: %v", se.Code, se.EnhancedCode, se.Error())
}

// SMTPCode returns temporaryCode if the passed error is temporary
// (see IsTemporary) and permanentCode otherwise.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is SMTPCode for enhanced status codes.
func SMTPEnchCode(err error, temporaryCode, permanentCode EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}
