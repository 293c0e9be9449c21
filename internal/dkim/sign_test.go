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
	"bytes"
	"net"
	"reflect"
	"sort"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/go-mockdns"

	"github.com/robinmta/robin/framework/buffer"
	"github.com/robinmta/robin/internal/testutils"
)

func testSigner(t *testing.T) (*Signer, *KeyStore) {
	t.Helper()

	store := testKeyStore(t)
	s := NewSigner(store)
	s.Log = testutils.Logger(t, "dkim")
	return s, store
}

func signTestMsg(t *testing.T, s *Signer, mailFrom string) (textproto.Header, []byte) {
	t.Helper()

	testHdr := textproto.Header{}
	testHdr.Add("From", "<hello@hello>")
	testHdr.Add("Subject", "heya")
	testHdr.Add("To", "<heya@heya>")
	body := []byte("hello there\r\n")

	if err := s.Sign(false, mailFrom, &testHdr, buffer.MemoryBuffer{Slice: body}); err != nil {
		t.Fatal(err)
	}

	return testHdr, body
}

func verifyTestMsg(t *testing.T, store *KeyStore, selector, domain string, hdr textproto.Header, body []byte) *dkim.Verification {
	t.Helper()

	name, value, err := store.TXTRecord(selector, domain)
	if err != nil {
		t.Fatal(err)
	}

	zones := map[string]mockdns.Zone{
		name + ".": {
			TXT: []string{value},
		},
	}
	// dkim.Verify does not allow to override its lookup routine, so we have
	// to hijack the global resolver object.
	srv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.PatchNet(net.DefaultResolver)
	defer mockdns.UnpatchNet(net.DefaultResolver)

	var fullBody bytes.Buffer
	if err := textproto.WriteHeader(&fullBody, hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := fullBody.Write(body); err != nil {
		t.Fatal(err)
	}

	v, err := dkim.Verify(bytes.NewReader(fullBody.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 {
		t.Fatal("Expected exactly one verification")
	}
	if v[0].Err != nil {
		t.Fatal("Verification error:", v[0].Err)
	}
	return v[0]
}

func TestSignVerify(t *testing.T) {
	test := func(keyAlgo string) {
		t.Helper()

		s, store := testSigner(t)
		if _, err := store.GenerateKey("robin.test", "default", keyAlgo); err != nil {
			t.Fatal(err)
		}

		testHdr, body := signTestMsg(t, s, "foo@robin.test")
		if !testHdr.Has("DKIM-Signature") {
			t.Fatal("no DKIM-Signature field added")
		}
		v := verifyTestMsg(t, store, "default", "robin.test", testHdr, body)
		if v.Domain != "robin.test" {
			t.Errorf("signed for wrong domain: %q", v.Domain)
		}
	}

	for _, algo := range [2]string{"rsa2048", "ed25519"} {
		test(algo)
	}
}

func TestSignVerify_AfterRotation(t *testing.T) {
	s, store := testSigner(t)
	store.NewKeyAlgo = "ed25519"
	if _, err := store.GenerateKey("robin.test", "legacy", "ed25519"); err != nil {
		t.Fatal(err)
	}
	newSel, err := store.Rotate("robin.test")
	if err != nil {
		t.Fatal(err)
	}

	testHdr, body := signTestMsg(t, s, "foo@robin.test")
	v := verifyTestMsg(t, store, newSel, "robin.test", testHdr, body)
	if v.Identifier != "@robin.test" {
		t.Errorf("wrong identifier: %q", v.Identifier)
	}
}

func TestSign_NoKey(t *testing.T) {
	s, _ := testSigner(t)

	testHdr, _ := signTestMsg(t, s, "foo@keyless.test")
	if testHdr.Has("DKIM-Signature") {
		t.Error("message signed without a key")
	}
}

func TestSign_NullReturnPath(t *testing.T) {
	s, store := testSigner(t)
	if _, err := store.GenerateKey("robin.test", "default", "ed25519"); err != nil {
		t.Fatal(err)
	}

	// No fallback configured, bounces go out unsigned.
	testHdr, _ := signTestMsg(t, s, "")
	if testHdr.Has("DKIM-Signature") {
		t.Error("message signed without a sender domain")
	}

	s.FallbackDomain = "robin.test"
	testHdr, body := signTestMsg(t, s, "")
	if !testHdr.Has("DKIM-Signature") {
		t.Fatal("bounce not signed with the fallback domain key")
	}
	v := verifyTestMsg(t, store, "default", "robin.test", testHdr, body)
	if v.Domain != "robin.test" {
		t.Errorf("signed for wrong domain: %q", v.Domain)
	}
}

func TestFieldsToSign(t *testing.T) {
	h := textproto.Header{}
	h.Add("A", "1")
	h.Add("c", "2")
	h.Add("C", "3")
	h.Add("a", "4")
	h.Add("b", "5")
	h.Add("unrelated", "6")

	s := Signer{
		OversignFields: []string{"A", "B"},
		SignFields:     []string{"C"},
	}
	fields := s.fieldsToSign(&h)
	sort.Strings(fields)
	expected := []string{"A", "A", "A", "B", "B", "C", "C"}

	if !reflect.DeepEqual(fields, expected) {
		t.Errorf("incorrect set of fields to sign\nwant: %v\ngot:  %v", expected, fields)
	}
}
