package group

import (
	"strings"
	"testing"
)

func TestViewFormat(t *testing.T) {
	v := View{{NodeID: 1, Pid: 100}, {NodeID: 2, Pid: 200}}
	if got := v.Format(); got != "1/100, 2/200" {
		t.Fatalf("format = %q", got)
	}
	if got := (View{}).Format(); got != "" {
		t.Fatalf("empty view format = %q", got)
	}
}

func TestViewContains(t *testing.T) {
	v := View{{NodeID: 1, Pid: 100}}
	if !v.Contains(MemberAddress{NodeID: 1, Pid: 100}) {
		t.Fatalf("member not found")
	}
	if v.Contains(MemberAddress{NodeID: 1, Pid: 101}) {
		t.Fatalf("pid must participate in the identity")
	}
}

func TestValidateName(t *testing.T) {
	if err := ValidateName("pgsql_group"); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	if err := ValidateName(""); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := ValidateName(strings.Repeat("g", MaxNameLength+1)); err == nil {
		t.Fatalf("overlong name accepted")
	}
	if err := ValidateName(strings.Repeat("g", MaxNameLength)); err != nil {
		t.Fatalf("name at the limit rejected: %v", err)
	}
}

func TestMemberAddressString(t *testing.T) {
	a := MemberAddress{NodeID: 42, Pid: 31337}
	if got := a.String(); got != "42/31337" {
		t.Fatalf("address string = %q", got)
	}
}
