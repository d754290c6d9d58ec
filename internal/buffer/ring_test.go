package buffer

import "testing"

func TestRingKeepsInsertionOrder(t *testing.T) {
	ring := NewRing[int](3)
	ring.Add(1)
	ring.Add(2)

	got := ring.List()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestRingReplacesOldest(t *testing.T) {
	ring := NewRing[string](3)
	for _, item := range []string{"a", "b", "c", "d", "e"} {
		ring.Add(item)
	}

	got := ring.List()
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if ring.Len() != 3 {
		t.Fatalf("expected len 3, got %d", ring.Len())
	}
}

func TestRingListIsACopy(t *testing.T) {
	ring := NewRing[int](2)
	ring.Add(1)
	got := ring.List()
	got[0] = 99
	if ring.List()[0] != 1 {
		t.Fatal("expected List to return a copy")
	}
}

func TestRingNonPositiveLimit(t *testing.T) {
	ring := NewRing[int](0)
	if ring.Cap() != 1 {
		t.Fatalf("expected capacity 1, got %d", ring.Cap())
	}
	ring.Add(1)
	ring.Add(2)
	if got := ring.List(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected [2], got %v", got)
	}
	var nilRing *Ring[int]
	if nilRing.Len() != 0 || nilRing.List() != nil {
		t.Fatal("expected nil ring to be empty")
	}
}
