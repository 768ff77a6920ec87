package pgrole

import (
	"context"
	"testing"
)

func TestQuoteLiteral(t *testing.T) {
	cases := []struct{ in, want string }{
		{"host=db1 port=5432", "'host=db1 port=5432'"},
		{"", "''"},
		{"pass='x'", "'pass=''x'''"},
		{"it''s", "'it''''s'"},
	}
	for _, tc := range cases {
		if got := quoteLiteral(tc.in); got != tc.want {
			t.Fatalf("quoteLiteral(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestConnectRejectsGarbageConninfo(t *testing.T) {
	if _, err := Connect(context.Background(), "this is not conninfo ==="); err == nil {
		t.Fatalf("garbage conninfo accepted")
	}
}
