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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/robinmta/robin/framework/dns"
	"github.com/robinmta/robin/internal/mtasts"
)

type mtastsReport struct {
	Domain  string         `json:"domain"`
	Record  mtasts.Record  `json:"record"`
	Policy  *mtasts.Policy `json:"policy,omitempty"`
	MX      string         `json:"mx,omitempty"`
	MXMatch *bool          `json:"mx_match,omitempty"`
}

func runMTASTS(ctx *cli.Context) error {
	domain := ctx.String("domain")
	if domain == "" {
		return cli.Exit("--domain is required with --mtasts", 1)
	}

	report := mtastsReport{Domain: domain}

	txts, err := dns.DefaultResolver().LookupTXT(ctx.Context, "_mta-sts."+domain)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			return fmt.Errorf("mtasts: TXT lookup: %w", err)
		}
		report.Record = mtasts.Record{State: mtasts.RecordAbsent}
	} else {
		report.Record = mtasts.ReadTXT(txts)
	}

	if path := ctx.String("file"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		report.Policy, err = mtasts.ReadPolicy(f)
		f.Close()
		if err != nil {
			return err
		}
	} else if report.Record.State == mtasts.RecordValid {
		report.Policy, err = mtasts.DownloadPolicy(domain)
		if err != nil {
			return err
		}
	}

	if mx := ctx.String("mx"); mx != "" && report.Policy != nil {
		match := report.Policy.Match(mx)
		report.MX = mx
		report.MXMatch = &match
	}

	if ctx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Println("record:", report.Record.State)
		if report.Record.ID != "" {
			fmt.Println("id:", report.Record.ID)
		}
		if report.Policy != nil {
			fmt.Println("mode:", report.Policy.Mode)
			fmt.Println("max_age:", report.Policy.MaxAge)
			for _, mx := range report.Policy.MX {
				fmt.Println("mx:", mx)
			}
		}
		if report.MXMatch != nil {
			fmt.Printf("%s matches the policy: %v\n", report.MX, *report.MXMatch)
		}
	}

	return nil
}

type daneReport struct {
	MX         string     `json:"mx"`
	DNSSEC     bool       `json:"dnssec"`
	TLSA       []tlsaJSON `json:"tlsa"`
	LookupFail string     `json:"lookup_error,omitempty"`
}

type tlsaJSON struct {
	Usage        uint8  `json:"usage"`
	Selector     uint8  `json:"selector"`
	MatchingType uint8  `json:"matching_type"`
	Certificate  string `json:"certificate"`
}

func runDANE(ctx *cli.Context) error {
	mx := ctx.String("mx")
	domain := ctx.String("domain")
	if mx == "" && domain == "" {
		return cli.Exit("--mx or --domain is required with --dane", 1)
	}

	extR, err := dns.NewExtResolver()
	if err != nil {
		return fmt.Errorf("dane: DNSSEC-capable resolver unavailable: %w", err)
	}

	var hosts []string
	if mx != "" {
		hosts = []string{mx}
	} else {
		ad, mxs, err := extR.AuthLookupMX(ctx.Context, domain)
		if err != nil {
			return fmt.Errorf("dane: MX lookup: %w", err)
		}
		if !ad && !ctx.Bool("json") {
			fmt.Println("warning: MX records are not DNSSEC-signed, DANE does not apply")
		}
		for _, m := range mxs {
			hosts = append(hosts, strings.TrimSuffix(m.Host, "."))
		}
	}

	reports := make([]daneReport, 0, len(hosts))
	for _, host := range hosts {
		rep := daneReport{MX: host}
		ad, recs, err := extR.AuthLookupTLSA(ctx.Context, "25", "tcp", host)
		if err != nil {
			rep.LookupFail = err.Error()
		} else {
			rep.DNSSEC = ad
			for _, rec := range recs {
				rep.TLSA = append(rep.TLSA, tlsaJSON{
					Usage:        rec.Usage,
					Selector:     rec.Selector,
					MatchingType: rec.MatchingType,
					Certificate:  rec.Certificate,
				})
			}
		}
		reports = append(reports, rep)
	}

	if ctx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else {
		for _, rep := range reports {
			fmt.Println(rep.MX + ":")
			if rep.LookupFail != "" {
				fmt.Println("  lookup error:", rep.LookupFail)
				continue
			}
			if !rep.DNSSEC {
				fmt.Println("  records are not authenticated, DANE does not apply")
			}
			if len(rep.TLSA) == 0 {
				fmt.Println("  no TLSA records")
			}
			for _, rec := range rep.TLSA {
				fmt.Printf("  TLSA %d %d %d %s\n", rec.Usage, rec.Selector, rec.MatchingType, rec.Certificate)
			}
		}
	}

	return nil
}
