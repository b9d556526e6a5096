package chunkstate

import "testing"

func TestSetIsSetCount(t *testing.T) {
	b := New(10)
	if b.Count() != 0 {
		t.Fatal("new bitset should start empty")
	}
	b.Set(0)
	b.Set(9)
	if !b.IsSet(0) || !b.IsSet(9) {
		t.Fatal("expected bits 0 and 9 set")
	}
	if b.IsSet(5) {
		t.Fatal("bit 5 should be clear")
	}
	if b.Count() != 2 {
		t.Fatalf("expected count 2, got %d", b.Count())
	}
}

func TestIsCompleteRequiresAllChunks(t *testing.T) {
	b := New(3)
	b.SetRange(0, 3)
	if !b.IsComplete() {
		t.Fatal("expected complete after setting all chunks")
	}
	b.Clear(1)
	if b.IsComplete() {
		t.Fatal("expected incomplete after clearing a bit")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	b := New(130) // spans multiple 64-bit words
	b.Set(0)
	b.Set(64)
	b.Set(129)

	restored := FromBytes(130, b.Bytes())
	for _, i := range []int{0, 64, 129} {
		if !restored.IsSet(i) {
			t.Fatalf("expected bit %d set after round trip", i)
		}
	}
	if restored.Count() != 3 {
		t.Fatalf("expected count 3 after round trip, got %d", restored.Count())
	}
}

func TestResizeExtensionThenSetRangeMarksTailPresent(t *testing.T) {
	b := New(2)
	b.SetRange(0, 2)
	b.Resize(5)
	if b.Len() != 5 {
		t.Fatalf("expected length 5, got %d", b.Len())
	}
	if !b.IsSet(0) || !b.IsSet(1) {
		t.Fatal("resize must preserve existing bits")
	}
	if b.IsSet(2) || b.IsSet(3) || b.IsSet(4) {
		t.Fatal("new chunks must start clear until caller marks them present")
	}
	b.SetRange(2, 5)
	if !b.IsComplete() {
		t.Fatal("expected complete after caller marks extension range present")
	}
}

func TestResizeTruncationClearsOutOfRangeBits(t *testing.T) {
	b := New(5)
	b.SetRange(0, 5)
	b.Resize(2)
	if b.Count() != 2 {
		t.Fatalf("expected count 2 after truncation, got %d", b.Count())
	}
	// Growing back must not resurrect truncated bits.
	b.Resize(5)
	if b.IsSet(2) || b.IsSet(3) || b.IsSet(4) {
		t.Fatal("truncated-then-regrown bits must stay clear")
	}
}
