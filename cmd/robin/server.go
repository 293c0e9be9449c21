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

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robinmta/robin/framework/buffer"
	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/dns"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/auth"
	"github.com/robinmta/robin/internal/dkim"
	"github.com/robinmta/robin/internal/endpoint/smtp"
	"github.com/robinmta/robin/internal/hook"
	"github.com/robinmta/robin/internal/mtasts"
	"github.com/robinmta/robin/internal/mxpolicy"
	"github.com/robinmta/robin/internal/target"
	"github.com/robinmta/robin/internal/target/lda"
	"github.com/robinmta/robin/internal/target/queue"
	"github.com/robinmta/robin/internal/target/remote"

	"github.com/emersion/go-message/textproto"
)

func runServer(cfgDir string) error {
	cfg, err := config.LoadDir(cfgDir)
	if err != nil {
		return err
	}

	l := log.DefaultLogger
	if cfg.Server.Debug {
		l.Debug = true
	}

	l.Msg("starting robin", "version", buildInfo(), "hostname", cfg.Server.Hostname)

	// MTA-STS cache lives next to the queue directory, not inside it: the
	// queue's startup scan removes unknown files from its own directory.
	stsDir := strings.TrimRight(cfg.Server.QueueDir, "/") + "-mtasts"
	if err := os.MkdirAll(stsDir, 0700); err != nil {
		return err
	}
	stsCache := &mtasts.Cache{
		Location: stsDir,
		Resolver: dns.DefaultResolver(),
		Logger:   named(l, "mtasts"),
	}

	extResolver, err := dns.NewExtResolver()
	if err != nil {
		l.Error("DNSSEC-capable resolver unavailable, DANE disabled", err)
		extResolver = nil
	}
	policy := &mxpolicy.Resolver{
		Resolver:    dns.DefaultResolver(),
		ExtResolver: extResolver,
		STSCache:    stsCache,
		Log:         named(l, "mxpolicy"),
	}

	var signer *dkim.Signer
	if cfg.Server.DKIMDB != "" {
		keyStore, err := dkim.OpenKeyStore(cfg.Server.DKIMDB)
		if err != nil {
			return err
		}
		defer keyStore.Close()
		signer = dkim.NewSigner(keyStore)
	}

	remoteTgt, err := remote.New(remote.Opts{
		Hostname:  cfg.Server.Hostname,
		Policy:    policy,
		TLSConfig: &tls.Config{},
		Signer:    signer,
		STSCache:  stsCache,
		Log:       named(l, "remote"),
	})
	if err != nil {
		return err
	}
	if err := remoteTgt.Init(); err != nil {
		return err
	}
	defer remoteTgt.Close()

	var localTgt target.DeliveryTarget
	if len(cfg.Server.Domains) != 0 {
		if cfg.Server.LDAPath == "" {
			return errors.New("local domains configured but lda_path is not set")
		}
		localTgt = lda.New(cfg.Server.LDAPath)
	}

	q, err := queue.New(queue.Opts{
		Location:         cfg.Server.QueueDir,
		Hostname:         cfg.Server.Hostname,
		AutogenMsgDomain: cfg.Server.Hostname,
		Target:           remoteTgt,
		Bounce: &bounceRouter{
			cfg:   *cfg.Server,
			local: localTgt,
			relay: remoteTgt,
		},
		Log: named(l, "queue"),
	})
	if err != nil {
		return err
	}
	if err := q.Init(); err != nil {
		return err
	}
	defer q.Close()

	var saslAuth *auth.SASLAuth
	if cfg.Server.UsersDB != "" {
		credDB, err := auth.OpenCredDB(cfg.Server.UsersDB)
		if err != nil {
			return err
		}
		defer credDB.Close()
		saslAuth = &auth.SASLAuth{
			Log:      named(l, "auth"),
			Hostname: cfg.Server.Hostname,
			Plain:    credDB,
			Secrets:  credDB,
		}
	}

	var hooks *hook.Dispatcher
	if cfg.Webhooks != nil {
		hooks = hook.NewDispatcher(*cfg.Webhooks, named(l, "hook"))
	}

	endp, err := smtp.New(*cfg.Server, smtp.Opts{
		Local: localTgt,
		Relay: q,
		Hooks: hooks,
		Auth:  saslAuth,
		Log:   named(l, "smtp"),
	})
	if err != nil {
		return err
	}
	if err := endp.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	l.Msg("signal received, shutting down", "signal", s.String())

	endp.Close()
	return nil
}

func named(l log.Logger, name string) log.Logger {
	l.Name = name
	return l
}

// bounceRouter sends generated DSNs to the local agent for hosted domains
// and back out through the relay for everything else. The SMTP endpoint does
// the same split for live submissions.
type bounceRouter struct {
	cfg   config.Server
	local target.DeliveryTarget
	relay target.DeliveryTarget
}

var _ target.DeliveryTarget = &bounceRouter{}

func (br *bounceRouter) Start(ctx context.Context, msgMeta *target.MsgMetadata, mailFrom string) (target.Delivery, error) {
	return &bounceDelivery{router: br, msgMeta: msgMeta, mailFrom: mailFrom}, nil
}

type bounceDelivery struct {
	router   *bounceRouter
	msgMeta  *target.MsgMetadata
	mailFrom string

	deliveries map[target.DeliveryTarget]target.Delivery
	order      []target.Delivery
}

func (bd *bounceDelivery) AddRcpt(ctx context.Context, rcptTo string) error {
	tgt := bd.router.relay
	if bd.router.local != nil {
		if at := strings.LastIndex(rcptTo, "@"); at >= 0 && bd.router.cfg.IsLocalDomain(rcptTo[at+1:]) {
			tgt = bd.router.local
		}
	}

	if bd.deliveries == nil {
		bd.deliveries = map[target.DeliveryTarget]target.Delivery{}
	}
	delivery, ok := bd.deliveries[tgt]
	if !ok {
		var err error
		delivery, err = tgt.Start(ctx, bd.msgMeta, bd.mailFrom)
		if err != nil {
			return err
		}
		bd.deliveries[tgt] = delivery
		bd.order = append(bd.order, delivery)
	}
	return delivery.AddRcpt(ctx, rcptTo)
}

func (bd *bounceDelivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	for _, d := range bd.order {
		if err := d.Body(ctx, header, body); err != nil {
			return err
		}
	}
	return nil
}

func (bd *bounceDelivery) Abort(ctx context.Context) error {
	var last error
	for _, d := range bd.order {
		if err := d.Abort(ctx); err != nil {
			last = err
		}
	}
	return last
}

func (bd *bounceDelivery) Commit(ctx context.Context) error {
	for _, d := range bd.order {
		if err := d.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}
