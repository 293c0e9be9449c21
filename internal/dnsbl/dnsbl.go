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

// Package dnsbl implements DNS-based blackhole list queries (RFC 5782)
// used by the inbound endpoint to screen connecting clients.
package dnsbl

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/robinmta/robin/framework/dns"
	"github.com/robinmta/robin/framework/exterrors"
	"github.com/robinmta/robin/framework/log"
	"golang.org/x/sync/errgroup"
)

type ListedErr struct {
	Identity string
	List     string
	Reason   string
}

func (le ListedErr) Fields() map[string]interface{} {
	return map[string]interface{}{
		"check":           "dnsbl",
		"list":            le.List,
		"listed_identity": le.Identity,
		"reason":          le.Reason,
		"smtp_code":       554,
		"smtp_enchcode":   exterrors.EnhancedCode{5, 7, 0},
		"smtp_msg":        "Client identity listed in the used DNSBL",
	}
}

func (le ListedErr) Error() string {
	return le.Identity + " is listed in the used DNSBL"
}

// ReverseIP returns the octet-reversed (IPv4) or nibble-reversed (IPv6)
// form of the address used to build DNSBL query names.
func ReverseIP(ip net.IP) (string, error) {
	ipv6 := true
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
		ipv6 = false
	} else if ip = ip.To16(); ip == nil {
		return "", fmt.Errorf("dnsbl: malformed IP address")
	}

	res := strings.Builder{}
	if ipv6 {
		res.Grow(63) // 0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0
	} else {
		res.Grow(15) // 000.000.000.000
	}

	for i := len(ip) - 1; i >= 0; i-- {
		octet := ip[i]

		if ipv6 {
			// X.X
			res.WriteString(strconv.FormatInt(int64(octet&0xf), 16))
			res.WriteRune('.')
			res.WriteString(strconv.FormatInt(int64((octet&0xf0)>>4), 16))
		} else {
			// X
			res.WriteString(strconv.Itoa(int(octet)))
		}

		if i != 0 {
			res.WriteRune('.')
		}
	}
	return res.String(), nil
}

// Listed is the outcome of a single list query.
type Listed struct {
	Listed    bool
	Responses []string
	Reason    string
}

// Lookup queries <reversed ip>.<zone>. An NXDOMAIN answer means the address
// is not listed. For a listed address the A response set is recorded and the
// TXT explanation string is fetched if the list publishes one.
func Lookup(ctx context.Context, resolver dns.Resolver, zone string, ip net.IP) (Listed, error) {
	rev, err := ReverseIP(ip)
	if err != nil {
		return Listed{}, err
	}
	query := rev + "." + zone

	addrs, err := resolver.LookupHost(ctx, query)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return Listed{}, nil
		}

		return Listed{}, err
	}

	if len(addrs) == 0 {
		return Listed{}, nil
	}

	res := Listed{Listed: true, Responses: addrs}

	// Attempt to extract explanation string.
	txts, err := resolver.LookupTXT(ctx, query)
	if err != nil || len(txts) == 0 {
		// Not significant, include addresses as reason. Usually they are
		// mapped to some predefined 'reasons' by BL.
		res.Reason = strings.Join(addrs, "; ")
		return res, nil
	}

	// Some BLs provide multiple reasons (meta-BLs such as Spamhaus Zen) so
	// don't mangle them by joining with "", instead join with "; ".
	res.Reason = strings.Join(txts, "; ")
	return res, nil
}

// DNSBL queries the configured list zones for connecting client addresses.
type DNSBL struct {
	Zones    []string
	Resolver dns.Resolver
	Log      log.Logger
}

func New(zones []string, l log.Logger) *DNSBL {
	return &DNSBL{
		Zones:    zones,
		Resolver: dns.DefaultResolver(),
		Log:      l,
	}
}

// CheckIP queries all zones in parallel and reports ListedErr if the address
// is listed on any of them. A lookup failure fails the check, with the SMTP
// code picked by the error's temporary status.
func (bl *DNSBL) CheckIP(ctx context.Context, ip net.IP) error {
	var (
		eg = errgroup.Group{}

		// Protects variables below.
		lck      sync.Mutex
		listedOn []string
		reasons  []string
	)

	for _, zone := range bl.Zones {
		zone := zone
		eg.Go(func() error {
			listed, err := Lookup(ctx, bl.Resolver, zone, ip)
			if err != nil {
				return err
			}
			if !listed.Listed {
				return nil
			}

			lck.Lock()
			defer lck.Unlock()
			listedOn = append(listedOn, zone)
			reasons = append(reasons, listed.Reason)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{4, 7, 0}, exterrors.EnhancedCode{5, 7, 0}),
			Message:      "DNS error during policy check",
			Err:          err,
		}
	}

	if len(listedOn) == 0 {
		return nil
	}

	sort.Strings(listedOn)
	return ListedErr{
		Identity: ip.String(),
		List:     strings.Join(listedOn, ", "),
		Reason:   strings.Join(reasons, "; "),
	}
}

// TestLists checks the RFC 5782 Section 5 test entries for each zone and
// logs deviations. DNS is slow, so the endpoint runs this in the background
// to not hold up server start-up.
func (bl *DNSBL) TestLists() {
	for _, zone := range bl.Zones {
		bl.testList(zone)
	}
}

func (bl *DNSBL) testList(zone string) {
	bl.Log.DebugMsg("testing list for RFC 5782 requirements...", "list", zone)

	// 1. IPv4-based DNSxLs MUST contain an entry for 127.0.0.2 for testing purposes.
	listed, err := Lookup(context.Background(), bl.Resolver, zone, net.IPv4(127, 0, 0, 2))
	if err != nil {
		bl.Log.Error("lookup error, bailing out", err, "list", zone)
		return
	}
	if !listed.Listed {
		bl.Log.Msg("list does not contain a test record for 127.0.0.2", "list", zone)
	}

	// 2. IPv4-based DNSxLs MUST NOT contain an entry for 127.0.0.1.
	listed, err = Lookup(context.Background(), bl.Resolver, zone, net.IPv4(127, 0, 0, 1))
	if err != nil {
		bl.Log.Error("lookup error, bailing out", err, "list", zone)
		return
	}
	if listed.Listed {
		bl.Log.Msg("list contains a record for 127.0.0.1", "list", zone)
	}
}
