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

package dkim

import (
	"crypto"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"golang.org/x/net/idna"

	"github.com/robinmta/robin/framework/address"
	"github.com/robinmta/robin/framework/buffer"
	"github.com/robinmta/robin/framework/dns"
	"github.com/robinmta/robin/framework/log"
)

const day = 86400 * time.Second

var (
	oversignDefault = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",

		// Provide additional security benefit for OpenPGP.
		"Autocrypt",
		"Openpgp",
	}
	signDefault = []string{
		// Mailing list information. Not oversigned to prevent signature
		// breakage by aliasing MLMs.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// Not oversigned since it can be prepended by intermediate relays.
		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}
)

// Signer produces DKIM-Signature fields for outbound messages using the
// active key of the sender domain.
type Signer struct {
	store *KeyStore

	// FallbackDomain is used for the null return path (<>) and bare
	// postmaster, bounces are signed with its key. Empty means such messages
	// go out unsigned.
	FallbackDomain string

	OversignFields []string
	SignFields     []string
	HeaderCanon    dkim.Canonicalization
	BodyCanon      dkim.Canonicalization
	SigExpiry      time.Duration

	Log log.Logger
}

func NewSigner(store *KeyStore) *Signer {
	return &Signer{
		store:          store,
		OversignFields: oversignDefault,
		SignFields:     signDefault,
		HeaderCanon:    dkim.CanonicalizationRelaxed,
		BodyCanon:      dkim.CanonicalizationRelaxed,
		SigExpiry:      5 * day,
		Log:            log.Logger{Name: "dkim"},
	}
}

func (s *Signer) fieldsToSign(h *textproto.Header) []string {
	// Filter out duplicated fields so they will not cause panic() in
	// go-msgauth internals.
	seen := make(map[string]struct{})

	res := make([]string, 0, len(s.OversignFields)+len(s.SignFields))
	for _, key := range s.OversignFields {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		// Add to signing list once per each key use.
		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		// And once more to "oversign" it.
		res = append(res, key)
	}
	for _, key := range s.SignFields {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		// Add to signing list once per each key use.
		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}

// Sign prepends a DKIM-Signature field to h, signing with the active key of
// the mailFrom domain. It is a no-op if the store has no key for the domain.
//
// utf8 tells whether the message is going over an UTF8=YES transaction. For
// non-EAI messages U-label domains and selectors are converted to A-labels,
// messages for which the conversion fails are passed through unsigned.
func (s *Signer) Sign(utf8 bool, mailFrom string, h *textproto.Header, body buffer.Buffer) error {
	var domain string
	if mailFrom != "" {
		var err error
		_, domain, err = address.Split(mailFrom)
		if err != nil {
			return fmt.Errorf("dkim: sign: %w", err)
		}
	}
	// Null return path (<>) and postmaster carry no domain.
	if domain == "" {
		domain = s.FallbackDomain
	}
	if domain == "" {
		s.Log.DebugMsg("no domain to sign for", "mail_from", mailFrom)
		return nil
	}

	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		s.Log.Error("unable to normalize domain from envelope sender", err, "domain", domain)
		return nil
	}
	selector, keySigner, err := s.store.ActiveKey(normDomain)
	if err != nil {
		return err
	}
	if keySigner == nil {
		s.Log.DebugMsg("no key for domain", "domain", normDomain)
		return nil
	}

	// If the message is non-EAI, we are not allowed to use domains in
	// U-labels, attempt to convert.
	if !utf8 {
		var err error
		domain, err = idna.ToASCII(domain)
		if err != nil {
			return nil
		}

		selector, err = idna.ToASCII(selector)
		if err != nil {
			return nil
		}
	}

	opts := dkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Identifier:             "@" + domain,
		Signer:                 keySigner,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: s.HeaderCanon,
		BodyCanonicalization:   s.BodyCanon,
		HeaderKeys:             s.fieldsToSign(h),
	}
	if s.SigExpiry != 0 {
		opts.Expiration = time.Now().Add(s.SigExpiry)
	}
	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return fmt.Errorf("dkim: sign: %w", err)
	}
	if err := textproto.WriteHeader(signer, *h); err != nil {
		signer.Close()
		return fmt.Errorf("dkim: sign: %w", err)
	}
	r, err := body.Open()
	if err != nil {
		signer.Close()
		return fmt.Errorf("dkim: sign: %w", err)
	}
	defer r.Close()
	if _, err := io.Copy(signer, r); err != nil {
		signer.Close()
		return fmt.Errorf("dkim: sign: %w", err)
	}

	if err := signer.Close(); err != nil {
		return fmt.Errorf("dkim: sign: %w", err)
	}

	h.AddRaw([]byte(signer.Signature()))

	s.Log.DebugMsg("signed", "domain", domain, "selector", selector)

	return nil
}
