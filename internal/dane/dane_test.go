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

package dane

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// Test PKI, generated fresh for each run:
//
//	Root A -> Intermediate A -> Leaf A
//	Root B -> Leaf B

type testCert struct {
	cert *x509.Certificate
	priv ed25519.PrivateKey
}

var testSerial int64 = 1

func makeCert(t *testing.T, cn string, isCA bool, parent *testCert) testCert {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	testSerial++
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(testSerial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		DNSNames:              []string{"robin.test"},
	}
	if isCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	} else {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}

	signerCert, signerKey := tmpl, priv
	if parent != nil {
		signerCert, signerKey = parent.cert, parent.priv
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, pub, signerKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return testCert{cert: cert, priv: priv}
}

func singleTLSARecord(usage, matchType, selector uint8, cert string) dns.TLSA {
	return dns.TLSA{
		Hdr: dns.RR_Header{
			Name:   "robin.test.",
			Class:  dns.ClassINET,
			Rrtype: dns.TypeTLSA,
			Ttl:    9999,
		},
		Usage:        usage,
		MatchingType: matchType,
		Selector:     selector,
		Certificate:  cert,
	}
}

func keySHA256(c testCert) string {
	hash := sha256.Sum256(c.cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}

func TestVerifyConn(t *testing.T) {
	rootA := makeCert(t, "Test Root A", true, nil)
	intermediateA := makeCert(t, "Test Intermediate A", true, &rootA)
	leafA := makeCert(t, "Test Leaf A", false, &intermediateA)
	rootB := makeCert(t, "Test Root B", true, nil)
	leafB := makeCert(t, "Test Leaf B", false, &rootB)

	test := func(name string, recs []dns.TLSA, connState tls.ConnectionState, expectErr bool) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			t.Helper()
			_, err := VerifyConn(recs, connState)
			if (err != nil) != expectErr {
				t.Error("err:", err, "expectErr:", expectErr)
			}
		})
	}

	// RFC 7672, Section 2.2:
	// An "insecure" TLSA RRset or DNSSEC-authenticated denial of existence
	// of the TLSA records:
	//    A connection to the MTA SHOULD be made using (pre-DANE)
	// opportunistic TLS;
	//
	// "Insecure" TLSA RRset results in VerifyConn not being called at all,
	// but for the latter (authenticated denial of existence) it is still
	// called and should be tested for.
	test("no TLSA, TLS", []dns.TLSA{}, tls.ConnectionState{
		HandshakeComplete: true,
	}, false)
	test("no TLSA, no TLS", []dns.TLSA{}, tls.ConnectionState{
		HandshakeComplete: false,
	}, false)

	// RFC 7672, Section 2.2:
	// A "secure" non-empty TLSA RRset where all the records are unusable:
	//  Any connection to the MTA MUST be made via TLS, but authentication
	//  is not required.
	test("unusable TLSA, TLS", []dns.TLSA{
		singleTLSARecord(4, 1, 2, "whatever"),
		singleTLSARecord(4, 5, 2, "whatever"),
		singleTLSARecord(4, 1, 1, "whatever"),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leafA.cert},
	}, false)
	test("unusable TLSA, no TLS", []dns.TLSA{
		singleTLSARecord(4, 1, 2, "whatever"),
	}, tls.ConnectionState{
		HandshakeComplete: false,
	}, true)

	// RFC 7672, Section 2.2:
	// A "secure" TLSA RRset with at least one usable record:  Any
	//  connection to the MTA MUST employ TLS encryption and MUST
	//  authenticate the SMTP server using the techniques discussed in the
	//  rest of this document.
	test("DANE-EE, non-self-signed", []dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leafA.cert},
	}, false)
	test("DANE-EE, multiple records", []dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafB)),
		singleTLSARecord(3, 1, 1, keySHA256(leafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leafA.cert},
	}, false)
	test("DANE-EE, self-signed", []dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(rootA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{rootA.cert},
	}, false)
	test("DANE-EE, mismatch", []dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leafB)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leafA.cert},
	}, true)
	test("DANE-TA, intermediate TA", []dns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		ServerName:        "robin.test",
		PeerCertificates: []*x509.Certificate{
			leafA.cert,
			intermediateA.cert,
			rootA.cert,
		},
	}, false)
	test("DANE-TA, intermediate TA, mismatch", []dns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		ServerName:        "robin.test",
		PeerCertificates: []*x509.Certificate{
			leafB.cert,
			rootB.cert,
		},
	}, true)
	test("DANE-TA, intermediate TA, multiple records", []dns.TLSA{
		singleTLSARecord(2, 1, 1, keySHA256(rootB)),
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
		// Add multiple times to make sure that multiple records matching the
		// same cert do not break anything.
		singleTLSARecord(2, 1, 1, keySHA256(intermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		ServerName:        "robin.test",
		PeerCertificates: []*x509.Certificate{
			leafA.cert,
			intermediateA.cert,
			rootA.cert,
		},
	}, false)
}

func TestVerifyConn_OverridePKIX(t *testing.T) {
	leaf := makeCert(t, "Test Leaf", false, nil)

	overridePKIX, err := VerifyConn([]dns.TLSA{
		singleTLSARecord(3, 1, 1, keySHA256(leaf)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{leaf.cert},
	})
	if err != nil {
		t.Fatal(err)
	}
	// DANE-EE match makes the certificate trusted regardless of PKIX
	// verification outcome.
	if !overridePKIX {
		t.Error("expected overridePKIX=true for a matched DANE-EE record")
	}
}
