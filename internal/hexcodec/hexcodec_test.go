package hexcodec

import "testing"

func TestRoundTripZeroPadded(t *testing.T) {
	in := []byte{0xde, 0xad, 0xbe, 0xef}
	hex := ToHex(in)
	if hex != "deadbeef" {
		t.Fatalf("ToHex = %s, want deadbeef", hex)
	}

	got := FromHex(hex)
	var want [32]byte
	copy(want[:], in)
	if got != want {
		t.Fatalf("FromHex round trip mismatch: got %x, want %x", got, want)
	}
}

func TestFromHexOddDigitsTreatedAsLeadingNibble(t *testing.T) {
	got := FromHex("abc")
	want := FromHex("0abc")
	if got != want {
		t.Fatalf("odd-length decode mismatch: %x vs %x", got, want)
	}
}

func TestFromHexAlwaysThirtyTwoBytes(t *testing.T) {
	got := FromHex("ff")
	if len(got) != 32 {
		t.Fatalf("len = %d, want 32", len(got))
	}
	if got[0] != 0xff {
		t.Errorf("got[0] = %x, want ff", got[0])
	}
	for i := 1; i < 32; i++ {
		if got[i] != 0 {
			t.Fatalf("expected zero padding at index %d, got %x", i, got[i])
		}
	}
}

func TestFromHexTruncatesLongInput(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "ab"
	}
	got := FromHex(long)
	if len(got) != 32 {
		t.Fatalf("len = %d, want 32", len(got))
	}
}
