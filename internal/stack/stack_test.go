package stack

import (
	"bytes"
	"testing"
)

func TestPushTakeOrderIsLIFO(t *testing.T) {
	var s Stack
	s.Push([]byte("first"))
	s.Push([]byte("second"))
	s.Push([]byte("third"))

	got := s.Take(3)
	want := [][]byte{[]byte("third"), []byte("second"), []byte("first")}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("item %d mismatch: got=%q want=%q", i, got[i], want[i])
		}
	}
}

func TestTakeMoreThanAvailable(t *testing.T) {
	var s Stack
	s.Push([]byte("only"))
	got := s.Take(5)
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
}

func TestResetEmptiesStack(t *testing.T) {
	var s Stack
	s.Push([]byte("a"))
	s.Push([]byte("b"))
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("expected empty stack after reset, got len=%d", s.Len())
	}
}

func TestPushOfZeroLengthItem(t *testing.T) {
	var s Stack
	s.Push([]byte{})
	if s.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", s.Len())
	}
	got := s.Take(1)
	if len(got[0]) != 0 {
		t.Fatalf("expected empty item, got %d bytes", len(got[0]))
	}
}
