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

// Package auth implements the SASL mechanisms spoken by both the server
// endpoint and the outbound client: PLAIN, LOGIN, CRAM-MD5 and DIGEST-MD5.
//
// PLAIN and LOGIN are backed by emersion/go-sasl. CRAM-MD5 and DIGEST-MD5
// are implemented here as sasl.Client/sasl.Server since go-sasl does not
// ship them.
package auth

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/robinmta/robin/framework/log"
)

var (
	ErrUnsupportedMech    = errors.New("auth: unsupported SASL mechanism")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

const (
	CramMD5   = "CRAM-MD5"
	DigestMD5 = "DIGEST-MD5"
)

// PlainAuth verifies a username/password pair. Implemented by CredDB using
// bcrypt comparison.
type PlainAuth interface {
	AuthPlain(username, password string) error
}

// SecretSource returns the shared secret for the username. Challenge-response
// mechanisms (CRAM-MD5, DIGEST-MD5) cannot work with one-way hashes and need
// it in clear.
type SecretSource interface {
	LookupSecret(username string) (secret string, ok bool, err error)
}

// SASLAuth creates sasl.Server instances for the mechanisms the credential
// backend can serve.
type SASLAuth struct {
	Log      log.Logger
	Hostname string

	Plain   PlainAuth
	Secrets SecretSource
}

// SASLMechanisms returns the mechanism names to advertise in the EHLO AUTH
// capability, strongest first.
func (s *SASLAuth) SASLMechanisms() []string {
	var mechs []string
	if s.Secrets != nil {
		mechs = append(mechs, DigestMD5, CramMD5)
	}
	if s.Plain != nil {
		mechs = append(mechs, sasl.Plain, sasl.Login)
	}
	return mechs
}

// CreateSASL creates the sasl.Server instance for the corresponding
// mechanism.
//
// successCb is called with the authenticated username. If it fails,
// authentication fails too.
func (s *SASLAuth) CreateSASL(mech string, remoteAddr net.Addr, successCb func(username string) error) sasl.Server {
	switch strings.ToUpper(mech) {
	case sasl.Plain:
		if s.Plain == nil {
			break
		}
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return ErrInvalidCredentials
			}
			if err := s.Plain.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
				return ErrInvalidCredentials
			}
			return successCb(username)
		})
	case sasl.Login:
		if s.Plain == nil {
			break
		}
		return sasl.NewLoginServer(func(username, password string) error {
			if err := s.Plain.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
				return ErrInvalidCredentials
			}
			return successCb(username)
		})
	case CramMD5:
		if s.Secrets == nil {
			break
		}
		return NewCramMD5Server(s.Hostname, s.Secrets, func(username string) error {
			return successCb(username)
		})
	case DigestMD5:
		if s.Secrets == nil {
			break
		}
		return NewDigestMD5Server(s.Hostname, s.Secrets, func(username string) error {
			return successCb(username)
		})
	}
	return FailingSASLServ{Err: ErrUnsupportedMech}
}

// SASLClient returns the client side of the mechanism for use on outbound
// connections. mech is matched case-insensitively, with "plain" and
// "cram-md5" spellings from client.json accepted.
func SASLClient(mech, username, password, hostname string) (sasl.Client, error) {
	switch strings.ToUpper(mech) {
	case sasl.Plain:
		return sasl.NewPlainClient("", username, password), nil
	case sasl.Login:
		return sasl.NewLoginClient(username, password), nil
	case CramMD5:
		return NewCramMD5Client(username, password), nil
	case DigestMD5:
		return NewDigestMD5Client(username, password, hostname), nil
	default:
		return nil, fmt.Errorf("auth: unsupported SASL mechanism: %s", mech)
	}
}

type FailingSASLServ struct{ Err error }

func (s FailingSASLServ) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.Err
}
