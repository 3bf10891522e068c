package vsocktransport

import "testing"

func TestParseHint(t *testing.T) {
	cases := []struct {
		in      string
		wantCID uint32
		wantPrt uint32
		wantErr bool
	}{
		{"3:5005", 3, 5005, false},
		{"2:1", 2, 1, false},
		{"not-a-hint", 0, 0, true},
		{"3:abc", 0, 0, true},
		{"abc:5005", 0, 0, true},
	}
	for _, c := range cases {
		cid, port, err := parseHint(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("parseHint(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err == nil && (cid != c.wantCID || port != c.wantPrt) {
			t.Errorf("parseHint(%q) = (%d, %d), want (%d, %d)", c.in, cid, port, c.wantCID, c.wantPrt)
		}
	}
}
