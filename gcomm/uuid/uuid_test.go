package uuid

import "testing"

func TestCompareLexicographic(t *testing.T) {
	a := UUID{0, 0, 0, 1}
	b := UUID{0, 0, 0, 2}
	if !a.Less(b) {
		t.Fatalf("expected %v < %v", a, b)
	}
	if b.Less(a) {
		t.Fatalf("expected %v !< %v", b, a)
	}
	if !a.Equal(a) {
		t.Fatalf("expected equal to self")
	}
}

func TestNilIsZero(t *testing.T) {
	var u UUID
	if !u.IsNil() {
		t.Fatalf("zero value should be nil")
	}
	if !Nil.IsNil() {
		t.Fatalf("Nil constant should be nil")
	}
}

func TestIncrementIncarnation(t *testing.T) {
	u := New()
	u2 := u.IncrementIncarnation()
	if u == u2 {
		t.Fatalf("incarnation bump should change the uuid")
	}
	u3 := u2.IncrementIncarnation()
	// only bytes 8-9 change
	for i := 0; i < Size; i++ {
		if i == 8 || i == 9 {
			continue
		}
		if u2[i] != u3[i] {
			t.Fatalf("byte %d should be unaffected by incarnation bump", i)
		}
	}
}

func TestShortAndString(t *testing.T) {
	u := UUID{0xde, 0xad, 0xbe, 0xef}
	if got := u.Short(); got != "deadbeef" {
		t.Fatalf("Short() = %q, want deadbeef", got)
	}
	if len(u.String()) != 32 {
		t.Fatalf("String() len = %d, want 32", len(u.String()))
	}
}

func TestFromBytesRoundTrip(t *testing.T) {
	u := New()
	u2, err := FromBytes(u.Bytes())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if u != u2 {
		t.Fatalf("round trip mismatch")
	}
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short input")
	}
}

func TestMarshalTextRoundTrip(t *testing.T) {
	u := New()
	text, err := u.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var u2 UUID
	if err := u2.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if u != u2 {
		t.Fatalf("round trip mismatch")
	}
	if err := u2.UnmarshalText([]byte("short")); err == nil {
		t.Fatalf("expected error for malformed text")
	}
}
