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
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"golang.org/x/net/idna"
	_ "modernc.org/sqlite"

	"github.com/robinmta/robin/framework/dns"
)

// KeyStore is the SQLite-backed DKIM key store.
//
// Each domain can have multiple keypairs distinguished by selector; at most
// one of them should be active (retired IS NULL) at a time. Rotate retires
// the current key and generates a replacement under a fresh selector,
// recording the transition in dkim_rotation_events so operators can tell
// which DNS records are still needed by in-flight signatures.
//
// Private keys are kept as PKCS #8 PEM. The detected_selectors table tracks
// selectors seen in DKIM-Signature fields of inbound mail for the domains we
// host, fed by the SMTP endpoint.
type KeyStore struct {
	db *sql.DB

	lookupActive *sql.Stmt
	lookupKey    *sql.Stmt

	// NewKeyAlgo is the algorithm Rotate uses for the replacement keypair.
	// One of "rsa2048", "rsa4096", "ed25519".
	NewKeyAlgo string
}

func OpenKeyStore(path string) (*KeyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dkim: failed to open db: %w", err)
	}

	// modernc.org/sqlite handles at most one writer.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS dkim_keys (
			domain TEXT NOT NULL,
			selector TEXT NOT NULL,
			private_key TEXT NOT NULL,
			created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			retired TIMESTAMP,
			PRIMARY KEY (domain, selector)
		)`,
		`CREATE TABLE IF NOT EXISTS dkim_rotation_events (
			domain TEXT NOT NULL,
			old_selector TEXT,
			new_selector TEXT NOT NULL,
			at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dkim_detected_selectors (
			domain TEXT NOT NULL,
			selector TEXT NOT NULL,
			seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (domain, selector)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("dkim: failed to initialize schema: %w", err)
		}
	}

	s := &KeyStore{db: db, NewKeyAlgo: "rsa2048"}
	if s.lookupActive, err = db.Prepare(
		`SELECT selector, private_key FROM dkim_keys
		 WHERE domain = ? AND retired IS NULL
		 ORDER BY created DESC, selector DESC LIMIT 1`); err != nil {
		db.Close()
		return nil, fmt.Errorf("dkim: failed to prepare active key query: %w", err)
	}
	if s.lookupKey, err = db.Prepare(
		`SELECT private_key FROM dkim_keys WHERE domain = ? AND selector = ?`); err != nil {
		db.Close()
		return nil, fmt.Errorf("dkim: failed to prepare key query: %w", err)
	}
	return s, nil
}

func (s *KeyStore) Close() error {
	s.lookupActive.Close()
	s.lookupKey.Close()
	return s.db.Close()
}

// GenerateKey creates a keypair for the domain under the given selector and
// stores it as active. algo is one of "rsa2048", "rsa4096", "ed25519".
func (s *KeyStore) GenerateKey(domain, selector, algo string) (crypto.Signer, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return nil, fmt.Errorf("dkim: unable to normalize domain %s: %w", domain, err)
	}

	pkey, err := generateKey(algo)
	if err != nil {
		return nil, err
	}

	keyPEM, err := marshalKey(pkey)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(
		`INSERT INTO dkim_keys (domain, selector, private_key) VALUES (?, ?, ?)`,
		normDomain, selector, keyPEM); err != nil {
		return nil, fmt.Errorf("dkim: failed to store key %s/%s: %w", normDomain, selector, err)
	}
	return pkey, nil
}

// ActiveKey returns the newest non-retired key for the domain. A domain
// without keys is not an error, the selector is empty and the key is nil.
func (s *KeyStore) ActiveKey(domain string) (selector string, key crypto.Signer, err error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return "", nil, fmt.Errorf("dkim: unable to normalize domain %s: %w", domain, err)
	}

	var keyPEM string
	if err := s.lookupActive.QueryRow(normDomain).Scan(&selector, &keyPEM); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("dkim: lookup %s: %w", normDomain, err)
	}

	key, err = parseKey(keyPEM)
	if err != nil {
		return "", nil, fmt.Errorf("dkim: key %s/%s: %w", normDomain, selector, err)
	}
	return selector, key, nil
}

// Rotate retires the active key of the domain (if any), generates a
// replacement under a time-based selector and records the rotation event.
// The new selector is returned; the corresponding TXT record should be
// published before signed mail leaves the queue.
func (s *KeyStore) Rotate(domain string) (string, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return "", fmt.Errorf("dkim: unable to normalize domain %s: %w", domain, err)
	}

	oldSelector, _, err := s.ActiveKey(normDomain)
	if err != nil {
		return "", err
	}

	newSelector, err := s.freshSelector(normDomain)
	if err != nil {
		return "", err
	}

	if _, err := s.GenerateKey(normDomain, newSelector, s.NewKeyAlgo); err != nil {
		return "", err
	}

	if oldSelector != "" {
		if _, err := s.db.Exec(
			`UPDATE dkim_keys SET retired = CURRENT_TIMESTAMP
			 WHERE domain = ? AND selector = ?`,
			normDomain, oldSelector); err != nil {
			return "", fmt.Errorf("dkim: failed to retire key %s/%s: %w", normDomain, oldSelector, err)
		}
	}

	old := sql.NullString{}
	if oldSelector != "" {
		old = sql.NullString{String: oldSelector, Valid: true}
	}
	if _, err := s.db.Exec(
		`INSERT INTO dkim_rotation_events (domain, old_selector, new_selector) VALUES (?, ?, ?)`,
		normDomain, old, newSelector); err != nil {
		return "", fmt.Errorf("dkim: failed to record rotation for %s: %w", normDomain, err)
	}
	return newSelector, nil
}

// freshSelector picks a selector based on the current UTC time that is not
// already used for the domain.
func (s *KeyStore) freshSelector(normDomain string) (string, error) {
	base := time.Now().UTC().Format("20060102t150405")
	selector := base
	for i := 2; ; i++ {
		var one int
		err := s.lookupKey.QueryRow(normDomain, selector).Scan(&one)
		if err == sql.ErrNoRows {
			return selector, nil
		}
		if err != nil {
			return "", fmt.Errorf("dkim: selector check %s/%s: %w", normDomain, selector, err)
		}
		selector = fmt.Sprintf("%s-%d", base, i)
	}
}

// TXTRecord renders the DNS record publishing the public key of the
// selector. The returned name is in A-label form without a trailing dot.
// Retired keys can be rendered too, their records must stay published until
// signatures made with them expire.
func (s *KeyStore) TXTRecord(selector, domain string) (name, value string, err error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return "", "", fmt.Errorf("dkim: unable to normalize domain %s: %w", domain, err)
	}
	aDomain, err := idna.ToASCII(normDomain)
	if err != nil {
		return "", "", fmt.Errorf("dkim: unable to convert domain %s to A-labels: %w", normDomain, err)
	}

	var keyPEM string
	if err := s.lookupKey.QueryRow(normDomain, selector).Scan(&keyPEM); err != nil {
		if err == sql.ErrNoRows {
			return "", "", fmt.Errorf("dkim: no key %s/%s", normDomain, selector)
		}
		return "", "", fmt.Errorf("dkim: lookup %s/%s: %w", normDomain, selector, err)
	}

	key, err := parseKey(keyPEM)
	if err != nil {
		return "", "", fmt.Errorf("dkim: key %s/%s: %w", normDomain, selector, err)
	}

	var (
		algoName string
		keyBlob  []byte
	)
	switch pubkey := key.Public().(type) {
	case *rsa.PublicKey:
		algoName = "rsa"
		keyBlob = x509.MarshalPKCS1PublicKey(pubkey)
	case ed25519.PublicKey:
		algoName = "ed25519"
		keyBlob = pubkey
	default:
		return "", "", fmt.Errorf("dkim: key %s/%s: unknown key algorithm", normDomain, selector)
	}

	name = selector + "._domainkey." + aDomain
	value = fmt.Sprintf("v=DKIM1; k=%s; p=%s", algoName, base64.StdEncoding.EncodeToString(keyBlob))
	return name, value, nil
}

// RecordSeenSelector notes that inbound mail for one of our domains carried
// a DKIM-Signature referencing the selector. Repeated sightings bump the
// seen timestamp.
func (s *KeyStore) RecordSeenSelector(domain, selector string) error {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return fmt.Errorf("dkim: unable to normalize domain %s: %w", domain, err)
	}

	if _, err := s.db.Exec(
		`INSERT INTO dkim_detected_selectors (domain, selector) VALUES (?, ?)
		 ON CONFLICT(domain, selector) DO UPDATE SET seen = CURRENT_TIMESTAMP`,
		normDomain, selector); err != nil {
		return fmt.Errorf("dkim: failed to record selector %s/%s: %w", normDomain, selector, err)
	}
	return nil
}

// SeenSelectors lists selectors recorded by RecordSeenSelector for the
// domain, most recently seen first.
func (s *KeyStore) SeenSelectors(domain string) ([]string, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return nil, fmt.Errorf("dkim: unable to normalize domain %s: %w", domain, err)
	}

	rows, err := s.db.Query(
		`SELECT selector FROM dkim_detected_selectors
		 WHERE domain = ? ORDER BY seen DESC, selector`, normDomain)
	if err != nil {
		return nil, fmt.Errorf("dkim: list selectors: %w", err)
	}
	defer rows.Close()

	var selectors []string
	for rows.Next() {
		var sel string
		if err := rows.Scan(&sel); err != nil {
			return nil, fmt.Errorf("dkim: list selectors: %w", err)
		}
		selectors = append(selectors, sel)
	}
	return selectors, rows.Err()
}

func generateKey(algo string) (crypto.Signer, error) {
	var (
		pkey crypto.Signer
		err  error
	)
	switch algo {
	case "rsa4096":
		pkey, err = rsa.GenerateKey(rand.Reader, 4096)
	case "rsa2048":
		pkey, err = rsa.GenerateKey(rand.Reader, 2048)
	case "ed25519":
		_, pkey, err = ed25519.GenerateKey(rand.Reader)
	default:
		err = fmt.Errorf("unknown key algorithm: %s", algo)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: generate: %w", err)
	}
	return pkey, nil
}

func marshalKey(pkey crypto.Signer) (string, error) {
	keyBlob, err := x509.MarshalPKCS8PrivateKey(pkey)
	if err != nil {
		return "", fmt.Errorf("dkim: marshal key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBlob,
	})), nil
}

func parseKey(pemBlob string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemBlob))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM block")
	}

	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "PRIVATE KEY": // RFC 5208 aka PKCS #8
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // RFC 3447 aka PKCS #1
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("not a private key or unsupported format")
	}
	if err != nil {
		return nil, err
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, err
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return nil, fmt.Errorf("ECDSA keys are not supported")
	default:
		return nil, fmt.Errorf("unknown key type: %T", key)
	}
}
