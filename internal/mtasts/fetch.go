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

package mtasts

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"
)

// HTTP 3xx redirects MUST NOT be followed and the policy is valid only
// if the response code is 200 (RFC 8461, Section 3.3).
var httpClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return errors.New("mtasts: HTTP redirects are forbidden")
	},
	Timeout: 10 * time.Second,
}

// Policies are small; the limit prevents reading a huge body sent by a
// misconfigured or hostile policy host.
const maxPolicySize = 10 * 1024

func downloadPolicy(domain string) (*Policy, error) {
	resp, err := httpClient.Get("https://mta-sts." + domain + "/.well-known/mta-sts.txt")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("mtasts: HTTP " + resp.Status)
	}

	// The media type must be text/plain to guard against web servers that
	// let untrusted users host arbitrary content at user-defined paths.
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	if contentType != "text/plain" {
		return nil, errors.New("mtasts: unexpected content type")
	}

	return readPolicy(io.LimitReader(resp.Body, maxPolicySize))
}

// DownloadPolicy fetches and parses the policy file for the domain without
// consulting or updating any cache.
func DownloadPolicy(domain string) (*Policy, error) {
	return downloadPolicy(domain)
}
