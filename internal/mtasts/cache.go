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
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/robinmta/robin/framework/dns"
	"github.com/robinmta/robin/framework/log"
)

// Cache implements transparent MTA-STS policy caching using a filesystem
// directory.
//
// Downloads are deduplicated: at most one policy fetch per domain is in
// flight at any time and concurrent sessions asking for the same domain
// share its result. Reads of an already cached policy never wait for an
// in-flight refresh.
type Cache struct {
	Location string
	Resolver dns.Resolver
	Logger   log.Logger

	fetchGroup singleflight.Group

	// Replaced in tests to avoid network I/O.
	downloadPolicy func(string) (*Policy, error)
}

// ErrIgnorePolicy is returned by Get when the sender should continue as
// though the domain does not implement MTA-STS at all (RFC 8461,
// Section 5.1).
var ErrIgnorePolicy = errors.New("mtasts: policy ignored due to errors")

// Get returns the cached policy for the domain, fetching it if the cached
// copy is expired or the record ID published in DNS changed.
func (c *Cache) Get(ctx context.Context, domain string) (*Policy, error) {
	_, p, err := c.fetch(ctx, false, time.Now(), domain)
	return p, err
}

func (c *Cache) store(domain, id string, fetchTime time.Time, p *Policy) error {
	path := filepath.Join(c.Location, domain)

	// Concurrent deliveries load cache entries without locking, so the
	// entry must never be observable half-written.
	f, err := os.Create(path + ".new")
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(map[string]interface{}{
		"ID":        id,
		"FetchTime": fetchTime,
		"Policy":    p,
	}); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(path+".new", path)
}

func (c *Cache) load(domain string) (id string, fetchTime time.Time, p *Policy, err error) {
	f, err := os.Open(filepath.Join(c.Location, domain))
	if err != nil {
		return "", time.Time{}, nil, err
	}
	defer f.Close()

	data := struct {
		ID        string
		FetchTime time.Time
		Policy    *Policy
	}{}
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return "", time.Time{}, nil, err
	}
	return data.ID, data.FetchTime, data.Policy, nil
}

// Refresh walks the cache directory and updates the stored policies that
// are expired or close to expiry.
//
// It is expected to be called once in a while (see RFC 8461, Section 10.2)
// so that the cache does not go stale for domains that are not contacted
// often.
func (c *Cache) Refresh() error {
	dir, err := os.ReadDir(c.Location)
	if err != nil {
		return err
	}

	for _, ent := range dir {
		if ent.IsDir() {
			continue
		}
		// Interrupted store, the rename never happened.
		if strings.HasSuffix(ent.Name(), ".new") {
			continue
		}
		// If the policy is going to expire in the next 6 hours (half of
		// the refresh period) - update it now, otherwise it will be
		// expired and unusable until the next refresh cycle.
		_, _, err := c.fetch(context.Background(), true, time.Now().Add(6*time.Hour), ent.Name())
		if err != nil && err != ErrIgnorePolicy {
			c.Logger.Error("policy update error", err, "domain", ent.Name())
		}
	}

	return nil
}

func (c *Cache) fetch(ctx context.Context, ignoreDNS bool, now time.Time, domain string) (cacheHit bool, p *Policy, err error) {
	validCache := true
	cachedID, fetchTime, cachedPolicy, err := c.load(domain)
	if err != nil {
		if !os.IsNotExist(err) {
			// Something is wrong with the FS directory used for caching,
			// this is bad.
			return false, nil, err
		}

		validCache = false
	} else if fetchTime.Add(time.Duration(cachedPolicy.MaxAge) * time.Second).Before(now) {
		validCache = false
	}

	var dnsID string
	if !ignoreDNS {
		records, err := c.Resolver.LookupTXT(ctx, "_mta-sts."+domain)
		if err != nil {
			// RFC 8461, Section 5.1:
			//   Conversely, if no "live" policy can be discovered via DNS
			//   or fetched via HTTPS, but a valid (non-expired) policy
			//   exists in the sender's cache, the sender MUST apply that
			//   cached policy.
			if validCache {
				return true, cachedPolicy, nil
			}

			if dnsErr, ok := err.(*net.DNSError); ok && !dnsErr.IsTemporary {
				return false, nil, ErrIgnorePolicy
			}
			return false, nil, err
		}

		// Note that the absence of a usable TXT record is not by itself
		// sufficient to remove the previously cached policy (RFC 8461,
		// Section 5.1).
		record := ReadTXT(records)
		if record.State != RecordValid {
			if validCache {
				return true, cachedPolicy, nil
			}
			return false, nil, ErrIgnorePolicy
		}
		dnsID = record.ID
	}

	if !validCache || dnsID != cachedID {
		policy, err := c.download(domain, dnsID, cachedID)
		if err != nil {
			if validCache {
				return true, cachedPolicy, nil
			}
			return false, nil, ErrIgnorePolicy
		}
		return false, policy, nil
	}

	return true, cachedPolicy, nil
}

func (c *Cache) download(domain, dnsID, cachedID string) (*Policy, error) {
	download := c.downloadPolicy
	if download == nil {
		download = downloadPolicy
	}

	p, err, _ := c.fetchGroup.Do(domain, func() (interface{}, error) {
		policy, err := download(domain)
		if err != nil {
			return nil, err
		}

		// Refresh skips the DNS lookup, keep the ID the policy was
		// originally fetched with.
		id := dnsID
		if id == "" {
			id = cachedID
		}
		if err := c.store(domain, id, time.Now(), policy); err != nil {
			c.Logger.Error("failed to store the policy", err, "domain", domain)
			// We still got the up-to-date policy, the cache is not
			// critical.
		}
		return policy, nil
	})
	if err != nil {
		return nil, err
	}
	return p.(*Policy), nil
}
