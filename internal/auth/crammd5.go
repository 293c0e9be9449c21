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

package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

// CRAM-MD5 (RFC 2195). The server challenge is a msg-id style string, the
// response is "username HEX(HMAC-MD5(secret, challenge))".

type cramMD5Client struct {
	username string
	secret   string
}

// NewCramMD5Client returns a sasl.Client for the CRAM-MD5 mechanism.
func NewCramMD5Client(username, secret string) sasl.Client {
	return &cramMD5Client{username: username, secret: secret}
}

func (c *cramMD5Client) Start() (string, []byte, error) {
	// No initial response, the mechanism starts with the server challenge.
	return CramMD5, nil, nil
}

func (c *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	digest := cramMD5Digest(c.secret, challenge)
	return []byte(c.username + " " + digest), nil
}

func cramMD5Digest(secret string, challenge []byte) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}

type cramMD5Server struct {
	challenge []byte
	secrets   SecretSource
	authorize func(username string) error

	sent bool
}

// NewCramMD5Server returns a sasl.Server for the CRAM-MD5 mechanism.
// authorize is called with the username after the digest is verified.
func NewCramMD5Server(hostname string, secrets SecretSource, authorize func(username string) error) sasl.Server {
	if hostname == "" {
		hostname = "localhost"
	}
	challenge := fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), os.Getpid(), hostname)
	return &cramMD5Server{
		challenge: []byte(challenge),
		secrets:   secrets,
		authorize: authorize,
	}
}

func (s *cramMD5Server) Next(response []byte) ([]byte, bool, error) {
	if !s.sent {
		if len(response) != 0 {
			return nil, true, errors.New("auth: unexpected CRAM-MD5 initial response")
		}
		s.sent = true
		return s.challenge, false, nil
	}

	spaceIdx := strings.LastIndexByte(string(response), ' ')
	if spaceIdx < 0 {
		return nil, true, errors.New("auth: malformed CRAM-MD5 response")
	}
	username := string(response[:spaceIdx])
	digest := string(response[spaceIdx+1:])

	secret, ok, err := s.secrets.LookupSecret(username)
	if err != nil {
		return nil, true, err
	}
	if !ok {
		return nil, true, ErrInvalidCredentials
	}

	expected := cramMD5Digest(secret, s.challenge)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) != 1 {
		return nil, true, ErrInvalidCredentials
	}

	return nil, true, s.authorize(username)
}
