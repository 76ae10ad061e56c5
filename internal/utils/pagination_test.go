package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		{"x", 5, 5},
		{" 42", 7, 7}, // no trimming
		{"999999999999999999999999", -1, -1},
	}
	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d, want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestPageParams(t *testing.T) {
	cases := []struct {
		page, perPage string
		wantPage      int
		wantPerPage   int
	}{
		{"", "", 1, 20},
		{"3", "50", 3, 50},
		{"0", "50", 1, 50},    // page floors at 1
		{"-2", "50", 1, 50},   // negative page floors at 1
		{"2", "0", 2, 20},     // per_page below range resets
		{"2", "101", 2, 20},   // per_page above max resets
		{"abc", "xyz", 1, 20}, // garbage falls back entirely
	}
	for _, tc := range cases {
		page, perPage := PageParams(tc.page, tc.perPage, 20, 100)
		if page != tc.wantPage || perPage != tc.wantPerPage {
			t.Fatalf("PageParams(%q, %q) = (%d, %d), want (%d, %d)",
				tc.page, tc.perPage, page, perPage, tc.wantPage, tc.wantPerPage)
		}
	}
}
