package refs

import "testing"

func TestAllocatorMonotonic(t *testing.T) {
	a := NewAllocator(0, 0)
	seen := make(map[KRef]bool)
	for i := 0; i < 100; i++ {
		k := a.NextObject()
		if seen[k] {
			t.Fatalf("ref %s reused", k)
		}
		seen[k] = true
		if !k.IsObject() {
			t.Fatalf("expected object ref, got %s", k)
		}
	}
}

func TestAllocatorResumesFromHighWaterMark(t *testing.T) {
	a := NewAllocator(41, 9)
	if got := a.NextObject(); got != "ko42" {
		t.Fatalf("got %s, want ko42", got)
	}
	if got := a.NextPromise(); got != "kp10" {
		t.Fatalf("got %s, want kp10", got)
	}
}

func TestERefSign(t *testing.T) {
	cases := map[ERef]Sign{
		"o+5": Export,
		"p-3": Import,
	}
	for ref, want := range cases {
		got, err := ref.Sign()
		if err != nil {
			t.Fatalf("Sign(%s): %v", ref, err)
		}
		if got != want {
			t.Errorf("Sign(%s) = %v, want %v", ref, got, want)
		}
	}
}

func TestSystemVatDetection(t *testing.T) {
	if !IsSystemVat("sv1") {
		t.Error("sv1 should be a system vat")
	}
	if IsSystemVat("v1") {
		t.Error("v1 should not be a system vat")
	}
}

func TestMakeERef(t *testing.T) {
	if got := MakeERef("o", Export, 5); got != "o+5" {
		t.Errorf("got %s, want o+5", got)
	}
	if got := MakeERef("p", Import, 3); got != "p-3" {
		t.Errorf("got %s, want p-3", got)
	}
}
