package tristate

import "testing"

func TestFromBool(t *testing.T) {
	if FromBool(true) != KnownTrue {
		t.Fatalf("FromBool(true) = %v, want KnownTrue", FromBool(true))
	}
	if FromBool(false) != KnownFalse {
		t.Fatalf("FromBool(false) = %v, want KnownFalse", FromBool(false))
	}
}

func TestZeroValueIsUnknown(t *testing.T) {
	var s State
	if s != Unknown {
		t.Fatalf("zero value = %v, want Unknown", s)
	}
	if s.IsKnown() {
		t.Fatalf("zero value reported IsKnown")
	}
	if _, ok := s.Bool(); ok {
		t.Fatalf("Bool() on Unknown reported ok")
	}
}

func TestBool(t *testing.T) {
	cases := []struct {
		s     State
		value bool
		ok    bool
	}{
		{Unknown, false, false},
		{KnownFalse, false, true},
		{KnownTrue, true, true},
	}
	for _, c := range cases {
		v, ok := c.s.Bool()
		if v != c.value || ok != c.ok {
			t.Errorf("%v.Bool() = (%v,%v), want (%v,%v)", c.s, v, ok, c.value, c.ok)
		}
	}
}

func TestString(t *testing.T) {
	if Unknown.String() != "Unknown" || KnownFalse.String() != "KnownFalse" || KnownTrue.String() != "KnownTrue" {
		t.Fatal("unexpected String() output")
	}
	if State(99).String() != "Invalid" {
		t.Fatal("out-of-range state should stringify to Invalid")
	}
}
