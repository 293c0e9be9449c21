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

// Package remote implements outgoing message delivery to servers discovered
// via DNS MX records.
//
// The TLS discipline for each MX comes from the mxpolicy candidate list:
// a DANE TLSA binding or an enforced MTA-STS policy makes authenticated TLS
// mandatory for the connection, anything below that degrades one step at a
// time down to plaintext.
package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"runtime/trace"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/robinmta/robin/framework/address"
	"github.com/robinmta/robin/framework/buffer"
	"github.com/robinmta/robin/framework/config"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/dane"
	"github.com/robinmta/robin/internal/dkim"
	"github.com/robinmta/robin/internal/mtasts"
	"github.com/robinmta/robin/internal/mxpolicy"
	"github.com/robinmta/robin/internal/smtpconn"
	"github.com/robinmta/robin/internal/target"
	"golang.org/x/net/idna"
)

// TLSLevel is the security state a single established connection ended up
// with.
type TLSLevel int

const (
	TLSNone TLSLevel = iota
	TLSEncrypted
	TLSAuthenticated
)

func (l TLSLevel) String() string {
	switch l {
	case TLSNone:
		return "none"
	case TLSEncrypted:
		return "encrypted"
	case TLSAuthenticated:
		return "authenticated"
	}
	return "???"
}

// PolicyResolver produces the MX candidate list for a recipient domain.
// Implemented by mxpolicy.Resolver, replaced with a stub in tests.
type PolicyResolver interface {
	Resolve(ctx context.Context, domain string) ([]mxpolicy.Candidate, error)
}

func moduleError(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

// Opts is everything needed to construct a Target.
type Opts struct {
	// Our hostname used in EHLO. Stored in ACE form (RFC 6531,
	// Section 3.7.1).
	Hostname string

	// Policy produces per-domain candidate lists. Required.
	Policy PolicyResolver

	// TLS configuration template for outbound STARTTLS.
	TLSConfig *tls.Config

	// Optional DKIM signer applied once per message before it goes on the
	// wire.
	Signer *dkim.Signer

	// MTA-STS cache to refresh in the background. nil disables the
	// refresher goroutine. Policy lookups themselves go through Policy.
	STSCache *mtasts.Cache

	Log log.Logger
}

type Target struct {
	hostname  string
	tlsConfig *tls.Config
	policy    PolicyResolver
	signer    *dkim.Signer

	dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	stsCache           *mtasts.Cache
	stsCacheUpdateTick *time.Ticker
	stsCacheUpdateDone chan struct{}

	Log log.Logger
}

var _ target.DeliveryTarget = &Target{}

func New(opts Opts) (*Target, error) {
	if opts.Policy == nil {
		return nil, errors.New("remote: policy resolver is required")
	}

	hostname, err := idna.ToASCII(opts.Hostname)
	if err != nil {
		return nil, fmt.Errorf("remote: cannot represent the hostname as an A-label name: %w", err)
	}

	return &Target{
		hostname:  hostname,
		tlsConfig: opts.TLSConfig,
		policy:    opts.Policy,
		signer:    opts.Signer,
		dialer:    (&net.Dialer{}).DialContext,
		stsCache:  opts.STSCache,
		Log:       opts.Log,
	}, nil
}

// Init starts the background MTA-STS cache refresher if a cache was
// provided.
func (rt *Target) Init() error {
	if rt.stsCache == nil {
		return nil
	}

	// MTA-STS policies typically have max_age around one day, so updating
	// them twice a day keeps them up-to-date most of the time.
	rt.stsCacheUpdateTick = time.NewTicker(12 * time.Hour)
	rt.stsCacheUpdateDone = make(chan struct{})
	go rt.stsCacheUpdater()

	return nil
}

func (rt *Target) Close() error {
	if rt.stsCacheUpdateDone != nil {
		rt.stsCacheUpdateDone <- struct{}{}
		<-rt.stsCacheUpdateDone
		rt.stsCacheUpdateDone = nil
		rt.stsCacheUpdateTick.Stop()
	}
	return nil
}

func (rt *Target) stsCacheUpdater() {
	// Always update the cache on start-up since we may have been down for
	// some time.
	rt.Log.Debugln("updating MTA-STS cache...")
	if err := rt.stsCache.Refresh(); err != nil {
		rt.Log.Error("MTA-STS cache update error", err)
	}
	rt.Log.Debugln("updating MTA-STS cache... done!")

	for {
		select {
		case <-rt.stsCacheUpdateTick.C:
			rt.Log.Debugln("updating MTA-STS cache...")
			if err := rt.stsCache.Refresh(); err != nil {
				rt.Log.Error("MTA-STS cache update error", err)
			}
			rt.Log.Debugln("updating MTA-STS cache... done!")
		case <-rt.stsCacheUpdateDone:
			rt.stsCacheUpdateDone <- struct{}{}
			return
		}
	}
}

type remoteDelivery struct {
	rt       *Target
	mailFrom string
	msgMeta  *target.MsgMetadata
	Log      log.Logger

	recipients  []string
	connections map[string]*mxConn
}

type mxConn struct {
	*smtpconn.C

	// Domain this MX belongs to.
	domain string

	// Policy level the connection was established under.
	level mxpolicy.Level
}

func (rt *Target) Start(ctx context.Context, msgMeta *target.MsgMetadata, mailFrom string) (target.Delivery, error) {
	return &remoteDelivery{
		rt:          rt,
		mailFrom:    mailFrom,
		msgMeta:     msgMeta,
		Log:         target.DeliveryLogger(rt.Log, msgMeta),
		connections: map[string]*mxConn{},
	}, nil
}

func (rd *remoteDelivery) AddRcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "remote/AddRcpt").End()

	_, domain, err := address.Split(to)
	if err != nil {
		return err
	}

	// Special-case for the <postmaster> address. If it was not expanded to
	// a real mailbox by this point there is nothing we can do with it.
	if domain == "" {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "<postmaster> address is not supported",
			TargetName:   "remote",
		}
	}

	if strings.HasPrefix(domain, "[") {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "IP address literals are not supported",
			TargetName:   "remote",
		}
	}

	conn, err := rd.connectionForDomain(ctx, domain)
	if err != nil {
		return err
	}

	if err := conn.Rcpt(ctx, to); err != nil {
		return moduleError(err)
	}

	rd.recipients = append(rd.recipients, to)
	return nil
}

type multipleErrs struct {
	errs      map[string]error
	statusLck sync.Mutex
}

func (m *multipleErrs) Error() string {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	return fmt.Sprintf("Partial delivery failure, per-rcpt info: %+v", m.errs)
}

func (m *multipleErrs) Fields() map[string]interface{} {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()

	// If there are any temporary errors - the sender should retry to make
	// sure all recipients will get the message. However, since we can't
	// tell it which recipients got the message, this will generate
	// duplicates for them.
	//
	// We favor delivery with duplicates over incomplete delivery here.

	var (
		code     = 550
		enchCode = exterrors.EnhancedCode{5, 0, 0}
	)
	for _, err := range m.errs {
		if exterrors.IsTemporary(err) {
			code = 451
			enchCode = exterrors.EnhancedCode{4, 0, 0}
		}
	}

	return map[string]interface{}{
		"smtp_code":     code,
		"smtp_enchcode": enchCode,
		"smtp_msg":      "Partial delivery failure, additional attempts may result in duplicates",
		"target":        "remote",
		"errs":          m.errs,
	}
}

func (m *multipleErrs) SetStatus(rcptTo string, err error) {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	m.errs[rcptTo] = err
}

func (rd *remoteDelivery) Body(ctx context.Context, header textproto.Header, buffer buffer.Buffer) error {
	defer trace.StartRegion(ctx, "remote/Body").End()

	merr := multipleErrs{
		errs: make(map[string]error),
	}
	rd.BodyNonAtomic(ctx, &merr, header, buffer)

	for _, v := range merr.errs {
		if v != nil {
			if len(merr.errs) == 1 {
				return v
			}
			return &merr
		}
	}
	return nil
}

func (rd *remoteDelivery) BodyNonAtomic(ctx context.Context, c target.StatusCollector, header textproto.Header, b buffer.Buffer) {
	defer trace.StartRegion(ctx, "remote/BodyNonAtomic").End()

	// Sign once per message on a copy of the header so a requeued message
	// does not accumulate a signature per attempt.
	if rd.rt.signer != nil {
		header = header.Copy()
		if err := rd.rt.signer.Sign(rd.msgMeta.SMTPOpts.UTF8, rd.mailFrom, &header, b); err != nil {
			for _, rcpt := range rd.recipients {
				c.SetStatus(rcpt, moduleError(err))
			}
			return
		}
	}

	var wg sync.WaitGroup

	for _, conn := range rd.connections {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()

			bodyR, err := b.Open()
			if err != nil {
				for _, rcpt := range conn.Rcpts() {
					c.SetStatus(rcpt, err)
				}
				return
			}
			defer bodyR.Close()

			err = conn.Data(ctx, header, bodyR)
			for _, rcpt := range conn.Rcpts() {
				c.SetStatus(rcpt, err)
			}
		}()
	}

	wg.Wait()
}

func (rd *remoteDelivery) Abort(ctx context.Context) error {
	return rd.Close()
}

func (rd *remoteDelivery) Commit(ctx context.Context) error {
	// It is not possible to implement it atomically, so users of
	// remoteDelivery have to take care of partial failures.
	return rd.Close()
}

func (rd *remoteDelivery) Close() error {
	for _, conn := range rd.connections {
		rd.Log.Debugf("disconnected from %s", conn.ServerName())
		conn.Quit(context.Background())
	}
	return nil
}

func (rd *remoteDelivery) connectionForDomain(ctx context.Context, domain string) (*mxConn, error) {
	domain = strings.ToLower(domain)

	if c, ok := rd.connections[domain]; ok {
		return c, nil
	}

	region := trace.StartRegion(ctx, "remote/ResolvePolicy")
	candidates, err := rd.rt.policy.Resolve(ctx, domain)
	region.End()
	if err != nil {
		return nil, moduleError(err)
	}

	var (
		conn    *mxConn
		lastErr error
	)
	region = trace.StartRegion(ctx, "remote/Connect+TLS")
	for _, cand := range candidates {
		c, err := rd.attemptCandidate(ctx, cand)
		if err != nil {
			rd.Log.Error("cannot use MX", err,
				"remote_server", cand.Hostname, "domain", domain, "policy_level", cand.Policy)
			lastErr = err
			continue
		}
		conn = &mxConn{C: c, domain: domain, level: cand.Policy}
		break
	}
	region.End()

	// Still not connected? Bail out.
	if conn == nil {
		if lastErr == nil {
			lastErr = errors.New("no MX candidates")
		}
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(lastErr, 451, 550),
			EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{4, 4, 0}, exterrors.EnhancedCode{5, 4, 0}),
			Message:      "No usable MXs, last err: " + lastErr.Error(),
			TargetName:   "remote",
			Err:          lastErr,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	if err := conn.Mail(ctx, rd.mailFrom, rd.msgMeta.SMTPOpts); err != nil {
		conn.Quit(ctx)
		return nil, moduleError(err)
	}

	rd.connections[domain] = conn
	return conn, nil
}

// candidateError attaches the policy level to the error so the queue can
// record it next to the recipient status.
func candidateError(cand mxpolicy.Candidate, err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"policy_level":  cand.Policy,
		"remote_server": cand.Hostname,
	})
}

func (rd *remoteDelivery) attemptCandidate(ctx context.Context, cand mxpolicy.Candidate) (*smtpconn.C, error) {
	// An empty RRset under the dane level means this particular MX
	// publishes no usable TLSA records, it is handled like opportunistic
	// TLS (RFC 7672, Section 2.2.1).
	daneBound := cand.Policy == mxpolicy.DANEMandatory && len(cand.TLSA) != 0
	requireTLS := cand.Policy == mxpolicy.MTASTSEnforce || daneBound

	conn, tlsLevel, tlsErr, err := rd.connect(ctx, cand, requireTLS)
	if err != nil {
		return nil, candidateError(cand, err)
	}

	if daneBound {
		tlsState, ok := conn.TLSState()
		if !ok {
			conn.Close()
			return nil, candidateError(cand, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required by the DANE TLSA records but was not established",
				TargetName:   "remote",
				Err:          tlsErr,
			})
		}
		overridePKIX, err := dane.VerifyConn(cand.TLSA, tlsState)
		if err != nil {
			conn.Close()
			// Marked as temporary so the local admin has a chance to
			// troubleshoot without losing messages.
			return nil, candidateError(cand, exterrors.WithTemporary(err, true))
		}
		if overridePKIX {
			rd.Log.DebugMsg("TLS authenticated via DANE", "remote_server", cand.Hostname)
			tlsLevel = TLSAuthenticated
		}
	}

	if requireTLS && tlsLevel != TLSAuthenticated {
		conn.Close()
		return nil, candidateError(cand, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "Remote server TLS certificate is not trusted but authentication is required",
			TargetName:   "remote",
			Err:          tlsErr,
			Misc: map[string]interface{}{
				"tls_level": tlsLevel,
			},
		})
	}

	rd.Log.DebugMsg("levels", "mx", cand.Policy, "tls", tlsLevel)
	policyLevelConns.WithLabelValues(cand.Policy.String()).Inc()
	tlsLevelConns.WithLabelValues(tlsLevel.String()).Inc()

	return conn, nil
}

func (rd *remoteDelivery) newConn() *smtpconn.C {
	conn := smtpconn.New()
	conn.Dialer = rd.rt.dialer
	conn.Log = rd.Log
	conn.Hostname = rd.rt.hostname
	conn.AddrInSMTPMsg = true
	return conn
}

func isVerifyError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		constraint       x509.ConstraintViolationError
		invalid          x509.CertificateInvalidError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &constraint) ||
		errors.As(err, &invalid)
}

// connect establishes a session to the MX, first trying STARTTLS with X.509
// verification but stepping down as far as the candidate policy permits.
// Each attempt uses a fresh connection since a failed handshake leaves the
// old one beyond repair.
//
// Return values:
// - tlsLevel  TLS security level that was established.
// - tlsErr    Error that prevented TLS from working if tlsLevel != TLSAuthenticated.
func (rd *remoteDelivery) connect(ctx context.Context, cand mxpolicy.Candidate, requireTLS bool) (conn *smtpconn.C, tlsLevel TLSLevel, tlsErr, err error) {
	tlsLevel = TLSAuthenticated

	var tlsCfg *tls.Config
	if rd.rt.tlsConfig != nil {
		tlsCfg = rd.rt.tlsConfig.Clone()
	} else {
		tlsCfg = &tls.Config{}
	}
	tlsCfg.ServerName = cand.Hostname

	rd.Log.DebugMsg("trying", "remote_server", cand.Hostname)

retry:
	conn = rd.newConn()
	if err := conn.Connect(ctx, config.Endpoint{
		Scheme: "tcp",
		Host:   cand.Hostname,
		Port:   cand.Port,
	}); err != nil {
		return nil, TLSNone, tlsErr, err
	}
	if err := conn.Hello(ctx); err != nil {
		conn.Close()
		return nil, TLSNone, tlsErr, err
	}

	if tlsCfg == nil || !conn.Supports("STARTTLS") {
		if requireTLS {
			conn.Close()
			return nil, TLSNone, tlsErr, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required but the remote server does not support it",
				TargetName:   "remote",
				Err:          tlsErr,
			}
		}
		return conn, TLSNone, tlsErr, nil
	}

	if err := conn.StartTLS(ctx, tlsCfg); err != nil {
		tlsErr = err
		conn.Close()

		// Attempt TLS without authentication. It is still better than
		// plaintext and the server might still be authenticated by
		// DANE-EE/DANE-TA later. An enforced MTA-STS policy forbids this
		// step. Checking tlsLevel avoids looping forever when the same
		// verify error repeats with InsecureSkipVerify.
		if isVerifyError(err) && tlsLevel == TLSAuthenticated && cand.Policy != mxpolicy.MTASTSEnforce {
			rd.Log.Error("TLS verify error, trying without authentication", err,
				"remote_server", cand.Hostname)
			tlsCfg.InsecureSkipVerify = true
			tlsLevel = TLSEncrypted
			goto retry
		}

		if requireTLS {
			return nil, TLSNone, tlsErr, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required but could not be established",
				TargetName:   "remote",
				Err:          tlsErr,
			}
		}

		rd.Log.Error("TLS error, trying plaintext", err, "remote_server", cand.Hostname)
		tlsCfg = nil
		tlsLevel = TLSNone
		goto retry
	}

	return conn, tlsLevel, tlsErr, nil
}
