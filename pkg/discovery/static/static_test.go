package static

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a:1", []string{"a:1"}},
		{"a:1,b:2", []string{"a:1", "b:2"}},
		{" a:1 , ,b:2 ", []string{"a:1", "b:2"}},
	}
	for _, tc := range cases {
		if got := Parse(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSeedsAreCopied(t *testing.T) {
	d := New("a:1", "b:2")
	s := d.Seeds()
	s[0] = "mutated"
	if got := d.Seeds()[0]; got != "a:1" {
		t.Fatalf("caller mutation leaked: %q", got)
	}
}
