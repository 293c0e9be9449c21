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
	"reflect"
	"strings"
	"testing"
)

func TestReadTXT(t *testing.T) {
	cases := []struct {
		name    string
		records []string
		state   RecordState
		id      string
	}{
		{
			name:    "valid",
			records: []string{"v=STSv1; id=19840507T234501;"},
			state:   RecordValid,
			id:      "19840507T234501",
		},
		{
			name:    "empty id",
			records: []string{"v=STSv1; id=;"},
			state:   RecordInvalid,
		},
		{
			name:    "no version prefix",
			records: []string{"id=19840507T234501;"},
			state:   RecordAbsent,
		},
		{
			name:    "no records",
			records: nil,
			state:   RecordAbsent,
		},
		{
			name:    "unrelated records only",
			records: []string{"google-site-verification=whatever"},
			state:   RecordAbsent,
		},
		{
			name: "unrelated records skipped",
			records: []string{
				"google-site-verification=whatever",
				"v=STSv1; id=1234",
			},
			state: RecordValid,
			id:    "1234",
		},
		{
			name: "multiple STS records",
			records: []string{
				"v=STSv1; id=1234",
				"v=STSv1; id=5678",
			},
			state: RecordAbsent,
		},
		{
			name:    "malformed pair",
			records: []string{"v=STSv1; id=1234; key value"},
			state:   RecordInvalid,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := ReadTXT(c.records)
			if rec.State != c.state {
				t.Errorf("expected state %v, got %v", c.state, rec.State)
			}
			if rec.ID != c.id {
				t.Errorf("expected id %q, got %q", c.id, rec.ID)
			}
		})
	}
}

func TestReadDNSRecord(t *testing.T) {
	cases := []struct {
		value string
		id    string
		fail  bool
	}{
		{
			value: "",
			fail:  true,
		},
		{
			value: "v=STSv1",
			fail:  true,
		},
		{
			value: "id=foo",
			fail:  true,
		},
		{
			value: "unrelated=foo",
			fail:  true,
		},
		{
			value: "syntax error",
			fail:  true,
		},
		{
			value: "v=STSv2;id=foo;include=foo.com",
			fail:  true,
		},
		{
			value: "v=STSv1;    id=foo include=foo.com",
			fail:  true,
		},
		{
			value: "v=STSv1;    id=foo include",
			fail:  true,
		},
		{
			value: "v=STSv1  ;    id=foo",
			id:    "foo",
		},
		{
			value: "v=STSv1  ;    id=foo; unrelated=1",
			id:    "foo",
		},
	}

	for _, c := range cases {
		t.Run(c.value, func(t *testing.T) {
			id, err := readDNSRecord(c.value)
			if c.fail {
				if err == nil {
					t.Errorf("expected failure for %v, but got with id=%v", c.value, id)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected failure for %v: %v", c.value, err)
					return
				}

				if id != c.id {
					t.Errorf("expected id %v, got %v", c.id, id)
				}
			}
		})
	}
}

func TestReadPolicy(t *testing.T) {
	cases := []struct {
		value  string
		policy *Policy
		fail   bool
	}{
		{
			value: `version: STSv2`,
			fail:  true,
		},
		{
			value: `version: STSv1`,
			fail:  true,
		},
		{
			value: `max_age: 8600`,
			fail:  true,
		},
		{
			value: `version: STSv1
max_age: 8600`,
			fail: true,
		},
		{
			value: `version: STSv1
max_age:`,
			fail: true,
		},
		{
			value: `version: STSv1
: 8600`,
			fail: true,
		},
		{
			value: `version: STSv1
mode: invalid_value`,
			fail: true,
		},
		{
			value: `version: STSv1
mode none`,
			fail: true,
		},
		{
			value: `version: STSv1
mode: none`,
			fail: true,
		},
		{
			value: `version: STSv1
max_age: 8600
mode:none`,
			policy: &Policy{
				Mode:   ModeNone,
				MaxAge: 8600,
			},
		},
		{
			value: `version: STSv1
max_age: 8600
mode: enforce`,
			fail: true,
		},
		{
			value: `version: STSv1
max_age: 8600
mode: enforce
mx: mx0.example.org
mx: *.example.org`,
			policy: &Policy{
				Mode:   ModeEnforce,
				MaxAge: 8600,
				MX:     []string{"mx0.example.org", "*.example.org"},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.value, func(t *testing.T) {
			p, err := readPolicy(strings.NewReader(c.value))
			if c.fail {
				if err == nil {
					t.Errorf("expected failure, but got %+v", p)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected failure: %v", err)
					return
				}

				if !reflect.DeepEqual(c.policy, p) {
					t.Log("unexpected read result")
					t.Log("policy:")
					t.Log(c.value)
					t.Logf("expected result: %+v", c.policy)
					t.Logf("actual result: %+v", p)
					t.Fail()
				}
			}
		})
	}
}

func TestPolicyMatch(t *testing.T) {
	cases := []struct {
		patterns []string
		mx       string
		match    bool
	}{
		{[]string{"mx0.example.org"}, "mx0.example.org", true},
		{[]string{"mx0.example.org"}, "MX0.EXAMPLE.ORG", true},
		{[]string{"mx0.example.org"}, "mx1.example.org", false},
		{[]string{"*.example.org"}, "mx1.example.org", true},
		{[]string{"*.example.org"}, "example.org", false},
		{[]string{"*.example.org"}, "mx1.sub.example.org", false},
		{[]string{"*.example.org"}, "mx0.example.com", false},
		{[]string{"mx0.example.org", "*.example.com"}, "smtp.example.com", true},
	}

	for _, c := range cases {
		t.Run(c.mx, func(t *testing.T) {
			p := Policy{Mode: ModeEnforce, MX: c.patterns}
			if match := p.Match(c.mx); match != c.match {
				t.Errorf("Match(%q) against %v: expected %v, got %v", c.mx, c.patterns, c.match, match)
			}
		})
	}
}
