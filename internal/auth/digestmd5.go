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
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// DIGEST-MD5 (RFC 2831), md5-sess with qop=auth only. The mechanism is
// deprecated (RFC 6331) but still widely deployed on legacy submission
// endpoints, which is exactly what the scriptable client exists to poke at.

type digestMD5Client struct {
	username string
	secret   string
	// Server hostname used for the digest-uri value.
	hostname string

	responded bool
	rspauth   string
}

// NewDigestMD5Client returns a sasl.Client for the DIGEST-MD5 mechanism.
// hostname is the name of the server we are authenticating against.
func NewDigestMD5Client(username, secret, hostname string) sasl.Client {
	return &digestMD5Client{username: username, secret: secret, hostname: hostname}
}

func (c *digestMD5Client) Start() (string, []byte, error) {
	return DigestMD5, nil, nil
}

func (c *digestMD5Client) Next(challenge []byte) ([]byte, error) {
	if c.responded {
		// Server authentication step.
		dirs, err := parseDigestDirectives(string(challenge))
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(dirs["rspauth"]), []byte(c.rspauth)) != 1 {
			return nil, errors.New("auth: DIGEST-MD5 rspauth mismatch, server does not know the secret")
		}
		return []byte{}, nil
	}

	dirs, err := parseDigestDirectives(string(challenge))
	if err != nil {
		return nil, err
	}
	nonce, ok := dirs["nonce"]
	if !ok {
		return nil, errors.New("auth: DIGEST-MD5 challenge without nonce")
	}
	if algo := dirs["algorithm"]; algo != "" && algo != "md5-sess" {
		return nil, fmt.Errorf("auth: unsupported DIGEST-MD5 algorithm: %s", algo)
	}
	if qop := dirs["qop"]; qop != "" && !qopHasAuth(qop) {
		return nil, fmt.Errorf("auth: unsupported DIGEST-MD5 qop: %s", qop)
	}
	realm := dirs["realm"]

	cnonceRaw := make([]byte, 16)
	if _, err := rand.Read(cnonceRaw); err != nil {
		return nil, err
	}
	cnonce := hex.EncodeToString(cnonceRaw)

	const nc = "00000001"
	uri := "smtp/" + c.hostname

	hexHA1 := digestHA1(c.username, realm, c.secret, nonce, cnonce)
	response := digestResponse(hexHA1, nonce, nc, cnonce, "AUTHENTICATE:"+uri)
	c.rspauth = digestResponse(hexHA1, nonce, nc, cnonce, ":"+uri)
	c.responded = true

	out := strings.Join([]string{
		"charset=utf-8",
		`username="` + digestQuote(c.username) + `"`,
		`realm="` + digestQuote(realm) + `"`,
		`nonce="` + digestQuote(nonce) + `"`,
		"nc=" + nc,
		`cnonce="` + cnonce + `"`,
		`digest-uri="` + digestQuote(uri) + `"`,
		"response=" + response,
		"qop=auth",
	}, ",")
	return []byte(out), nil
}

type digestMD5Server struct {
	hostname  string
	secrets   SecretSource
	authorize func(username string) error

	nonce    string
	username string

	sentChallenge bool
	sentRspauth   bool
}

// NewDigestMD5Server returns a sasl.Server for the DIGEST-MD5 mechanism.
// authorize is called with the username after the response digest is
// verified.
func NewDigestMD5Server(hostname string, secrets SecretSource, authorize func(username string) error) sasl.Server {
	if hostname == "" {
		hostname = "localhost"
	}
	return &digestMD5Server{hostname: hostname, secrets: secrets, authorize: authorize}
}

func (s *digestMD5Server) Next(response []byte) ([]byte, bool, error) {
	switch {
	case !s.sentChallenge:
		if len(response) != 0 {
			return nil, true, errors.New("auth: unexpected DIGEST-MD5 initial response")
		}
		nonceRaw := make([]byte, 16)
		if _, err := rand.Read(nonceRaw); err != nil {
			return nil, true, err
		}
		s.nonce = hex.EncodeToString(nonceRaw)
		s.sentChallenge = true

		challenge := strings.Join([]string{
			`realm="` + digestQuote(s.hostname) + `"`,
			`nonce="` + s.nonce + `"`,
			`qop="auth"`,
			"charset=utf-8",
			"algorithm=md5-sess",
		}, ",")
		return []byte(challenge), false, nil
	case !s.sentRspauth:
		dirs, err := parseDigestDirectives(string(response))
		if err != nil {
			return nil, true, err
		}

		username := dirs["username"]
		if username == "" {
			return nil, true, errors.New("auth: DIGEST-MD5 response without username")
		}
		if dirs["nonce"] != s.nonce {
			return nil, true, errors.New("auth: DIGEST-MD5 nonce mismatch")
		}
		if dirs["nc"] != "00000001" {
			return nil, true, errors.New("auth: DIGEST-MD5 reauthentication is not supported")
		}
		if qop := dirs["qop"]; qop != "" && qop != "auth" {
			return nil, true, fmt.Errorf("auth: unsupported DIGEST-MD5 qop: %s", qop)
		}
		cnonce := dirs["cnonce"]
		if cnonce == "" {
			return nil, true, errors.New("auth: DIGEST-MD5 response without cnonce")
		}
		uri := dirs["digest-uri"]
		if uri == "" {
			uri = "smtp/" + s.hostname
		}

		secret, ok, err := s.secrets.LookupSecret(username)
		if err != nil {
			return nil, true, err
		}
		if !ok {
			return nil, true, ErrInvalidCredentials
		}

		hexHA1 := digestHA1(username, dirs["realm"], secret, s.nonce, cnonce)
		expected := digestResponse(hexHA1, s.nonce, dirs["nc"], cnonce, "AUTHENTICATE:"+uri)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(dirs["response"])) != 1 {
			return nil, true, ErrInvalidCredentials
		}

		s.username = username
		s.sentRspauth = true
		rspauth := digestResponse(hexHA1, s.nonce, dirs["nc"], cnonce, ":"+uri)
		return []byte("rspauth=" + rspauth), false, nil
	default:
		// Client acknowledges rspauth with an empty response.
		if len(response) != 0 {
			return nil, true, errors.New("auth: unexpected final DIGEST-MD5 response")
		}
		return nil, true, s.authorize(s.username)
	}
}

// digestHA1 computes HEX(H(A1)) for md5-sess.
func digestHA1(username, realm, password, nonce, cnonce string) string {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	a1 := append(sum[:], []byte(":"+nonce+":"+cnonce)...)
	h := md5.Sum(a1)
	return hex.EncodeToString(h[:])
}

// digestResponse computes HEX(KD(HEX(H(A1)), nonce:nc:cnonce:qop:HEX(H(A2)))).
func digestResponse(hexHA1, nonce, nc, cnonce, a2 string) string {
	ha2 := md5.Sum([]byte(a2))
	kd := md5.Sum([]byte(hexHA1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + hex.EncodeToString(ha2[:])))
	return hex.EncodeToString(kd[:])
}

func qopHasAuth(qop string) bool {
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			return true
		}
	}
	return false
}

func digestQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// parseDigestDirectives splits a DIGEST-MD5 challenge or response into its
// key=value directives. Values may be quoted strings with backslash escapes.
func parseDigestDirectives(s string) (map[string]string, error) {
	dirs := make(map[string]string)
	for i := 0; i < len(s); {
		// Key.
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, errors.New("auth: malformed digest directive list")
		}
		key := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1

		// Value.
		var value strings.Builder
		if i < len(s) && s[i] == '"' {
			i++
			closed := false
		scan:
			for i < len(s) {
				switch s[i] {
				case '\\':
					if i+1 >= len(s) {
						return nil, errors.New("auth: unterminated escape in digest directive")
					}
					value.WriteByte(s[i+1])
					i += 2
				case '"':
					i++
					closed = true
					break scan
				default:
					value.WriteByte(s[i])
					i++
				}
			}
			if !closed {
				return nil, errors.New("auth: unterminated quoted string in digest directive")
			}
			// Skip the comma after the closing quote.
			if i < len(s) && s[i] == ',' {
				i++
			}
		} else {
			end := strings.IndexByte(s[i:], ',')
			if end < 0 {
				end = len(s) - i
			}
			value.WriteString(strings.TrimSpace(s[i : i+end]))
			i += end
			if i < len(s) {
				i++ // comma
			}
		}

		if key == "" {
			return nil, errors.New("auth: empty key in digest directive list")
		}
		dirs[key] = value.String()
	}
	return dirs, nil
}
