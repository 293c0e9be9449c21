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

// Package mxpolicy resolves the MX candidate list for a recipient domain
// together with the TLS policy each candidate must be held to.
//
// The policy ladder, strongest first: DANE (RFC 7672) when an MX publishes a
// usable DNSSEC-authenticated TLSA RRset, then MTA-STS (RFC 8461) in enforce
// or testing mode, then pre-DANE opportunistic TLS.
package mxpolicy

import (
	"context"
	"net"
	"sort"
	"strings"

	"github.com/robinmta/robin/framework/dns"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/framework/log"
	"github.com/robinmta/robin/internal/future"
	"github.com/robinmta/robin/internal/mtasts"
	"golang.org/x/sync/errgroup"
)

// Level is the TLS discipline a connection to the candidate must satisfy.
type Level int

const (
	Opportunistic Level = iota
	MTASTSTesting
	MTASTSEnforce
	DANEMandatory
)

func (l Level) String() string {
	switch l {
	case Opportunistic:
		return "opportunistic"
	case MTASTSTesting:
		return "mtasts-testing"
	case MTASTSEnforce:
		return "mtasts-enforce"
	case DANEMandatory:
		return "dane"
	}
	return "???"
}

// Candidate is a single connectable MX host in preference order.
type Candidate struct {
	Hostname   string
	Port       string
	Preference uint16

	Policy Level

	// DNSSEC-authenticated TLSA RRset for _<port>._tcp.<hostname>.
	// Empty unless Policy is DANEMandatory for an MX that publishes one.
	TLSA []dns.TLSA

	// Policy document the candidate was matched against, set for the
	// MTA-STS levels.
	STSPolicy *mtasts.Policy

	// The MX RRset itself was DNSSEC-signed and verified by the resolver.
	DNSSECAuthed bool
}

// Resolver computes candidate lists. All fields except Log are read-only
// after construction and the value is safe for concurrent use.
type Resolver struct {
	// Basic resolver, used for the MX lookup when ExtResolver is nil.
	Resolver dns.Resolver

	// DNSSEC-capable resolver. nil disables both DANE and the DNSSECAuthed
	// candidate flag.
	ExtResolver *dns.ExtResolver

	// Shared MTA-STS policy cache. nil disables MTA-STS.
	STSCache *mtasts.Cache

	// Destination port, "25" if empty. Used in the TLSA query name.
	Port string

	Log log.Logger

	// This is the callback set to mock the MTA-STS cache in tests.
	stsGet func(context.Context, string) (*mtasts.Policy, error)
}

// Resolve returns the candidate list for the domain, most preferred first.
//
// A temporary error is returned if the TLSA discovery step fails in a way
// that cannot be distinguished from an attack (RFC 7672 Section 2.2), so the
// caller defers the delivery instead of downgrading it.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]Candidate, error) {
	// MTA-STS discovery runs in parallel with the MX and TLSA lookups, the
	// result is only waited for if no MX has DANE.
	stsGet := r.stsGet
	if stsGet == nil && r.STSCache != nil {
		stsGet = r.STSCache.Get
	}
	var stsFut *future.Future
	if stsGet != nil {
		stsFut = future.New()
		go func() {
			stsFut.Set(stsGet(ctx, domain))
		}()
	}

	dnssecOk, records, err := r.lookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	if len(records) == 1 && records[0].Host == "." {
		return nil, &exterrors.SMTPError{
			Code:         556,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
			Message:      "Domain does not accept email (null MX)",
			TargetName:   "mxpolicy",
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	port := r.Port
	if port == "" {
		port = "25"
	}

	candidates := make([]Candidate, 0, len(records))
	for _, rec := range records {
		if rec.Host == "." {
			continue
		}
		candidates = append(candidates, Candidate{
			Hostname:     strings.TrimSuffix(rec.Host, "."),
			Port:         port,
			Preference:   rec.Pref,
			Policy:       Opportunistic,
			DNSSECAuthed: dnssecOk,
		})
	}

	anyDANE := false
	if r.ExtResolver != nil {
		eg, egCtx := errgroup.WithContext(ctx)
		for i := range candidates {
			i := i
			eg.Go(func() error {
				recs, err := r.lookupTLSA(egCtx, port, candidates[i].Hostname)
				if err != nil {
					return err
				}
				candidates[i].TLSA = recs
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		for i := range candidates {
			if usableTLSA(candidates[i].TLSA) {
				anyDANE = true
				break
			}
		}
	}

	if anyDANE {
		// The whole candidate set is held to the DANE discipline, each MX
		// verified against its own RRset. A connection to any of them must
		// not be silently downgraded below this level.
		for i := range candidates {
			candidates[i].Policy = DANEMandatory
		}
		return candidates, nil
	}

	if stsFut != nil {
		if policy := r.stsPolicy(ctx, stsFut, domain); policy != nil && policy.Mode != mtasts.ModeNone {
			return r.applySTS(domain, policy, candidates)
		}
	}

	return candidates, nil
}

func (r *Resolver) applySTS(domain string, policy *mtasts.Policy, candidates []Candidate) ([]Candidate, error) {
	level := MTASTSTesting
	if policy.Mode == mtasts.ModeEnforce {
		level = MTASTSEnforce
	}

	matched := candidates[:0]
	for _, c := range candidates {
		if !policy.Match(c.Hostname) {
			if policy.Mode == mtasts.ModeEnforce {
				r.Log.Msg("dropping MX not matching the enforced MTA-STS policy",
					"mx", c.Hostname, "domain", domain)
				continue
			}
			r.Log.Msg("MX does not match published non-enforced MTA-STS policy",
				"mx", c.Hostname, "domain", domain)
		}
		c.Policy = level
		c.STSPolicy = policy
		matched = append(matched, c)
	}

	if len(matched) == 0 {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Failed to establish the MX record authenticity (MTA-STS)",
			TargetName:   "mxpolicy",
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}
	return matched, nil
}

func (r *Resolver) stsPolicy(ctx context.Context, stsFut *future.Future, domain string) *mtasts.Policy {
	policyI, err := stsFut.GetContext(ctx)
	if err != nil {
		// Unusable policies are ignored per RFC 8461 Section 5.1, delivery
		// continues on the lower ladder rungs.
		if err != mtasts.ErrIgnorePolicy {
			r.Log.DebugMsg("MTA-STS error, ignoring", "domain", domain, "err", err)
		}
		return nil
	}
	return policyI.(*mtasts.Policy)
}

func (r *Resolver) lookupMX(ctx context.Context, domain string) (dnssecOk bool, records []*net.MX, err error) {
	if r.ExtResolver != nil {
		dnssecOk, records, err = r.ExtResolver.AuthLookupMX(ctx, domain)
	} else {
		records, err = r.Resolver.LookupMX(ctx, domain)
	}
	if err != nil {
		if !dns.IsNotFound(err) {
			reason, misc := exterrors.UnwrapDNSErr(err)
			return false, nil, &exterrors.SMTPError{
				Code:         exterrors.SMTPCode(err, 451, 554),
				EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{4, 4, 4}, exterrors.EnhancedCode{5, 4, 4}),
				Message:      "MX lookup error",
				TargetName:   "mxpolicy",
				Reason:       reason,
				Err:          err,
				Misc:         misc,
			}
		}
		// NODATA or NXDOMAIN, use the implicit MX. A domain that does not
		// resolve at all will fail at connect time instead.
		dnssecOk = false
		records = nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// Fallback to A/AAAA RR when no MX records are present as
	// required by RFC 5321 Section 5.1.
	if len(records) == 0 {
		records = append(records, &net.MX{
			Host: domain,
			Pref: 0,
		})
	}

	return dnssecOk, records, nil
}

func (r *Resolver) lookupTLSA(ctx context.Context, port, mx string) ([]dns.TLSA, error) {
	ad, recs, err := r.ExtResolver.AuthLookupTLSA(ctx, port, "tcp", mx)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}

		// Lookup error here indicates a resolution failure or may also
		// indicate a bogus DNSSEC signature.
		// There is a big problem with differentiating these two.
		//
		// We assume DANE failure in both cases as a safety measure.
		// However, there is a possibility of a temporary error condition,
		// so we mark it as such.
		return nil, exterrors.WithTemporary(err, true)
	}
	if !ad {
		// Per https://tools.ietf.org/html/rfc7672#section-2.2 we interpret
		// a non-authenticated RRset just like an empty RRset. Side note:
		// "bogus" signatures are expected to be caught by the upstream
		// resolver.
		return nil, nil
	}

	// recs can be empty indicating absence of records.
	return recs, nil
}

func usableTLSA(recs []dns.TLSA) bool {
	for _, rec := range recs {
		switch rec.Usage {
		case 2, 3:
		default:
			continue
		}
		switch rec.Selector {
		case 0, 1:
		default:
			continue
		}
		switch rec.MatchingType {
		case 0, 1, 2:
		default:
			continue
		}
		return true
	}
	return false
}
