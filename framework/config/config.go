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

// Package config implements loading and validation of the JSON configuration
// documents used by robin: client.json, server.json, webhooks.json5 and
// properties.json5.
//
// Documents are plain JSON. As a concession to hand-edited files, a tolerant
// pre-pass strips // and /* */ comments and trailing commas before
// decoding, so the common JSON5 idioms do not break loading. Unquoted keys
// are not accepted.
package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"
)

// Client is the client.json document. It drives the scriptable SMTP client.
type Client struct {
	// MX hosts to connect to, in order. If empty, Routes must be set.
	MX   []string `json:"mx"`
	Port int      `json:"port"`

	// TLS requires a successful STARTTLS negotiation when true. When false,
	// STARTTLS is still attempted if offered, but failure downgrades to
	// plaintext.
	TLS       bool     `json:"tls"`
	Protocols []string `json:"protocols"`
	Ciphers   []string `json:"ciphers"`

	EHLO string   `json:"ehlo"`
	Mail string   `json:"mail"`
	Rcpt []string `json:"rcpt"`

	Routes []Route `json:"routes"`
}

// Route is a single named destination in client.json, optionally carrying
// authentication credentials. User and Pass values are subject to {{...}}
// property substitution before use.
type Route struct {
	Name string `json:"name"`
	MX   string `json:"mx"`
	Port int    `json:"port"`
	Auth string `json:"auth"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

func (c *Client) Validate() error {
	if c.Port == 0 {
		c.Port = 25
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: client: port out of range: %d", c.Port)
	}
	if c.EHLO == "" {
		name, err := os.Hostname()
		if err != nil {
			name = "localhost.localdomain"
		}
		c.EHLO = name
	}
	if len(c.MX) == 0 && len(c.Routes) == 0 {
		return fmt.Errorf("config: client: at least one mx or route is required")
	}
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.MX == "" {
			return fmt.Errorf("config: client: route %q: mx is required", r.Name)
		}
		if r.Port == 0 {
			r.Port = c.Port
		}
		switch r.Auth {
		case "", "plain", "login", "cram-md5", "digest-md5":
		default:
			return fmt.Errorf("config: client: route %q: unknown auth mechanism: %s", r.Name, r.Auth)
		}
	}
	if _, err := c.TLSConfig(); err != nil {
		return err
	}
	return nil
}

// TLSConfig builds the tls.Config for outbound connections from the
// protocols and ciphers lists. ServerName is left for the connection code to
// fill in.
func (c *Client) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{}
	for _, proto := range c.Protocols {
		ver, ok := strVersionsMap[proto]
		if !ok {
			return nil, fmt.Errorf("config: client: invalid TLS version value: %s", proto)
		}
		if cfg.MinVersion == 0 || ver < cfg.MinVersion {
			cfg.MinVersion = ver
		}
		if ver > cfg.MaxVersion {
			cfg.MaxVersion = ver
		}
	}
	for _, name := range c.Ciphers {
		id, ok := strCiphersMap[name]
		if !ok {
			return nil, fmt.Errorf("config: client: unknown cipher: %s", name)
		}
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}
	return cfg, nil
}

// Server is the server.json document.
type Server struct {
	Hostname string `json:"hostname"`

	// Endpoint URLs to listen on, e.g. "tcp://0.0.0.0:25" or
	// "tls://0.0.0.0:465".
	Listen []string `json:"listen"`

	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	MaxMessageSize int64 `json:"max_message_size"`
	MaxRecipients  int   `json:"max_recipients"`

	// Domains handled by local delivery. Anything else is relayed through
	// the queue.
	Domains []string `json:"domains"`

	LDAPath  string `json:"lda_path"`
	QueueDir string `json:"queue_dir"`

	DNSBLZones []string `json:"dnsbl_zones"`

	// Networks (CIDR) allowed to use XCLIENT.
	XClientTrust []string `json:"xclient_trust"`

	// Accept the PROXY protocol header from these networks on all listeners.
	ProxyProtocol bool     `json:"proxy_protocol"`
	ProxyTrust    []string `json:"proxy_trust"`

	AuthRequired bool   `json:"auth_required"`
	InsecureAuth bool   `json:"insecure_auth"`
	UsersDB      string `json:"users_db"`

	// DKIM key store database. Empty disables outbound signing.
	DKIMDB string `json:"dkim_db"`

	Debug            bool   `json:"debug"`
	MetricsNamespace string `json:"metrics_namespace"`
}

func (s *Server) Validate() error {
	if s.Hostname == "" {
		return fmt.Errorf("config: server: hostname is required")
	}
	if len(s.Listen) == 0 {
		s.Listen = []string{"tcp://0.0.0.0:25"}
	}
	for _, l := range s.Listen {
		if _, err := ParseEndpoint(l); err != nil {
			return fmt.Errorf("config: server: invalid listen endpoint %q: %w", l, err)
		}
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return fmt.Errorf("config: server: tls_cert and tls_key must be specified together")
	}
	if s.MaxMessageSize == 0 {
		s.MaxMessageSize = 32 * 1024 * 1024
	}
	if s.MaxRecipients == 0 {
		s.MaxRecipients = 20000
	}
	if s.QueueDir == "" {
		s.QueueDir = "queue"
	}
	if _, err := s.XClientNets(); err != nil {
		return err
	}
	if _, err := s.ProxyNets(); err != nil {
		return err
	}
	return nil
}

// TLSConfig loads the server certificate pair, nil config if TLS is not
// configured.
func (s *Server) TLSConfig() (*tls.Config, error) {
	if s.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.TLSCert, s.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("config: server: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (s *Server) XClientNets() ([]net.IPNet, error) {
	return parseNets("xclient_trust", s.XClientTrust)
}

func (s *Server) ProxyNets() ([]net.IPNet, error) {
	return parseNets("proxy_trust", s.ProxyTrust)
}

func parseNets(directive string, cidrs []string) ([]net.IPNet, error) {
	nets := make([]net.IPNet, 0, len(cidrs))
	for _, s := range cidrs {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			// Allow bare addresses too.
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("config: server: %s: invalid network: %s", directive, s)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		nets = append(nets, *ipNet)
	}
	return nets, nil
}

// IsLocalDomain reports whether the domain is handled by local delivery.
// The comparison is case-insensitive, domains are expected to be in
// normalized (U-label, casefolded) form already.
func (s *Server) IsLocalDomain(domain string) bool {
	for _, d := range s.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// Webhooks is the webhooks.json5 document.
type Webhooks struct {
	URL string `json:"url"`

	// Timeout for the webhook POST, in seconds. Default is 5.
	Timeout int `json:"timeout"`

	// SMTP verbs the webhook is fired for.
	Verbs []string `json:"verbs"`

	// Shared secret sent in the X-Robin-Secret header.
	Secret string `json:"secret"`
}

func (w *Webhooks) Validate() error {
	if w.URL == "" && len(w.Verbs) != 0 {
		return fmt.Errorf("config: webhooks: url is required")
	}
	if w.Timeout == 0 {
		w.Timeout = 5
	}
	if w.Timeout < 0 {
		return fmt.Errorf("config: webhooks: negative timeout")
	}
	return nil
}

func (w *Webhooks) TimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}

// Properties is the properties.json5 document: a flat string-to-string
// binding set for {{...}} substitution in credentials and client.json
// fields.
type Properties map[string]string

var strVersionsMap = map[string]uint16{
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

var strCiphersMap = map[string]uint16{
	// TLS 1.0 - 1.2 cipher suites.
	"RSA-WITH-RC4128-SHA":                tls.TLS_RSA_WITH_RC4_128_SHA,
	"RSA-WITH-3DES-EDE-CBC-SHA":          tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
	"RSA-WITH-AES128-CBC-SHA":            tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"RSA-WITH-AES256-CBC-SHA":            tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	"RSA-WITH-AES128-CBC-SHA256":         tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
	"RSA-WITH-AES128-GCM-SHA256":         tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"RSA-WITH-AES256-GCM-SHA384":         tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-WITH-RC4128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_RC4_128_SHA,
	"ECDHE-ECDSA-WITH-AES128-CBC-SHA":    tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-WITH-AES256-CBC-SHA":    tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-WITH-RC4128-SHA":          tls.TLS_ECDHE_RSA_WITH_RC4_128_SHA,
	"ECDHE-RSA-WITH-3DES-EDE-CBC-SHA":    tls.TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA,
	"ECDHE-RSA-WITH-AES128-CBC-SHA":      tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-WITH-AES256-CBC-SHA":      tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"ECDHE-ECDSA-WITH-AES128-CBC-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	"ECDHE-RSA-WITH-AES128-CBC-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
	"ECDHE-RSA-WITH-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-WITH-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-WITH-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-WITH-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-WITH-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	"ECDHE-ECDSA-WITH-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}
