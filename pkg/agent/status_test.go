package agent

import (
	"strings"
	"testing"
)

func TestStatusLine(t *testing.T) {
	cases := []struct {
		members    int
		inRecovery bool
		want       string
	}{
		{0, true, "[0] Hello!"},
		{1, true, "[1] Hello!"},
		{3, true, "[3] Hello!"},
		{1, false, "[1] I'm the primary!"},
		{7, false, "[7] I'm the primary!"},
	}
	for _, tc := range cases {
		if got := statusLine(tc.members, tc.inRecovery); got != tc.want {
			t.Fatalf("statusLine(%d, %v) = %q, want %q", tc.members, tc.inRecovery, got, tc.want)
		}
	}
}

func TestStatusLineDeterministic(t *testing.T) {
	a := statusLine(2, true)
	b := statusLine(2, true)
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
}

func TestStatusLineBounded(t *testing.T) {
	// The projector never exceeds the title budget, whatever the count.
	for _, n := range []int{0, 1, 1 << 30} {
		for _, rec := range []bool{true, false} {
			if got := statusLine(n, rec); len(got) > maxStatusBytes {
				t.Fatalf("statusLine(%d, %v) is %d bytes", n, rec, len(got))
			}
		}
	}
}

func TestSnapshotViewIsCopied(t *testing.T) {
	var s statusSnapshot
	s.init("g")
	s.update("t", 1, nil, true)
	st := s.get()
	st.View = append(st.View, "tampered")
	if got := s.get(); len(got.View) != 0 || strings.Contains(strings.Join(got.View, ","), "tampered") {
		t.Fatalf("snapshot view aliased caller memory: %v", got.View)
	}
}
