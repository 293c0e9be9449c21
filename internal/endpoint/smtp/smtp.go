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

// Package smtp implements the inbound SMTP endpoint: listeners, per-session
// protocol handling and the hand-off of accepted messages to delivery
// targets.
//
// The protocol engine is written against the wire directly (bufio +
// net/textproto primitives) instead of a server library: the session needs
// per-verb transcript recording, XCLIENT identity rewriting and webhook
// reply overrides, none of which survive a callback-style server API.
package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/robinmta/robin/framework/address"
	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/dns"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/auth"
	"github.com/robinmta/robin/internal/dnsbl"
	"github.com/robinmta/robin/internal/hook"
	"github.com/robinmta/robin/internal/proxy_protocol"
	"github.com/robinmta/robin/internal/target"
	"golang.org/x/net/idna"
)

// Opts are the collaborators the endpoint hands accepted messages and
// session events to. Relay is required; Local may be nil when the server
// handles no local domains.
type Opts struct {
	// Target for recipients in one of the configured local domains.
	Local target.DeliveryTarget

	// Target for everything else, normally the disk queue.
	Relay target.DeliveryTarget

	// Webhook dispatcher, nil disables webhooks.
	Hooks *hook.Dispatcher

	// SASL backend, nil disables AUTH.
	Auth *auth.SASLAuth

	Log log.Logger
}

type Endpoint struct {
	hostname string
	cfg      config.Server

	tlsConfig   *tls.Config
	xclientNets []net.IPNet

	local    target.DeliveryTarget
	relay    target.DeliveryTarget
	hooks    *hook.Dispatcher
	saslAuth *auth.SASLAuth
	dnsbl    *dnsbl.DNSBL
	resolver dns.Resolver

	listeners   []net.Listener
	listenersWg sync.WaitGroup

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup

	Log log.Logger
}

func New(cfg config.Server, opts Opts) (*Endpoint, error) {
	if opts.Relay == nil {
		return nil, fmt.Errorf("smtp: relay target is required")
	}
	if len(cfg.Domains) != 0 && opts.Local == nil {
		return nil, fmt.Errorf("smtp: local domains configured but no local target")
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	hostname, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("smtp: cannot represent the hostname as an A-label name: %w", err)
	}

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	xclientNets, err := cfg.XClientNets()
	if err != nil {
		return nil, err
	}

	endp := &Endpoint{
		hostname:    hostname,
		cfg:         cfg,
		tlsConfig:   tlsCfg,
		xclientNets: xclientNets,
		local:       opts.Local,
		relay:       opts.Relay,
		hooks:       opts.Hooks,
		saslAuth:    opts.Auth,
		resolver:    dns.DefaultResolver(),
		conns:       map[net.Conn]struct{}{},
		Log:         opts.Log,
	}
	if len(cfg.DNSBLZones) != 0 {
		endp.dnsbl = dnsbl.New(cfg.DNSBLZones, log.Logger{Name: "smtp/dnsbl", Debug: endp.Log.Debug})
	}
	if cfg.InsecureAuth {
		endp.Log.Println("authentication over unencrypted connections is allowed, this is insecure configuration and should be used only for testing!")
	}
	return endp, nil
}

// Start binds all configured listeners and begins serving them.
func (endp *Endpoint) Start() error {
	proxyNets, err := endp.cfg.ProxyNets()
	if err != nil {
		return err
	}

	for _, addr := range endp.cfg.Listen {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("smtp: invalid address: %s", addr)
		}

		l, err := net.Listen(saddr.Network(), saddr.Address())
		if err != nil {
			endp.closeListeners()
			return fmt.Errorf("smtp: %w", err)
		}

		if saddr.IsTLS() {
			if endp.tlsConfig == nil {
				l.Close()
				endp.closeListeners()
				return fmt.Errorf("smtp: can't bind on SMTPS endpoint without TLS configuration")
			}
			l = tls.NewListener(l, endp.tlsConfig)
		}
		if endp.cfg.ProxyProtocol {
			l = proxy_protocol.NewListener(l, &proxy_protocol.ProxyProtocol{Trust: proxyNets}, endp.Log)
		}

		endp.Log.Printf("listening on %v", saddr)
		endp.listeners = append(endp.listeners, l)

		endp.listenersWg.Add(1)
		go func() {
			defer endp.listenersWg.Done()
			if err := endp.Serve(l); err != nil {
				endp.Log.Error("listener failed", err)
			}
		}()
	}

	if endp.dnsbl != nil {
		go endp.dnsbl.TestLists()
	}
	return nil
}

// Serve accepts connections from the listener until it is closed.
func (endp *Endpoint) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			endp.connsLock.Lock()
			closed := endp.closed
			endp.connsLock.Unlock()
			if closed {
				return nil
			}
			return err
		}

		endp.connsLock.Lock()
		if endp.closed {
			endp.connsLock.Unlock()
			conn.Close()
			return nil
		}
		endp.conns[conn] = struct{}{}
		endp.connsLock.Unlock()

		endp.wg.Add(1)
		go func() {
			defer endp.wg.Done()
			defer func() {
				endp.connsLock.Lock()
				delete(endp.conns, conn)
				endp.connsLock.Unlock()
			}()
			endp.newSession(conn).serve()
		}()
	}
}

// Close stops the listeners, tears down the active connections and waits
// for the session goroutines to finish.
func (endp *Endpoint) Close() error {
	endp.connsLock.Lock()
	endp.closed = true
	conns := make([]net.Conn, 0, len(endp.conns))
	for conn := range endp.conns {
		conns = append(conns, conn)
	}
	endp.connsLock.Unlock()

	endp.closeListeners()
	endp.listenersWg.Wait()
	for _, conn := range conns {
		conn.Close()
	}
	endp.wg.Wait()
	return nil
}

func (endp *Endpoint) closeListeners() {
	for _, l := range endp.listeners {
		l.Close()
	}
	endp.listeners = nil
}

// rcptTarget picks the delivery target for the recipient based on the
// local domains list. The domain is expected in the normalized form RCPT
// validation produces.
func (endp *Endpoint) rcptTarget(rcptTo string) target.DeliveryTarget {
	_, domain, err := address.Split(rcptTo)
	if err != nil {
		return endp.relay
	}
	if endp.local != nil && endp.cfg.IsLocalDomain(strings.ToLower(domain)) {
		return endp.local
	}
	return endp.relay
}
