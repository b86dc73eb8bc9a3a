package fragment

import (
	"bytes"
	"testing"
)

func sequentialBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestScenario1FragmentAndReverseReassemble(t *testing.T) {
	data := sequentialBytes(100)
	frags := Fragment(data, 1, 20)
	if len(frags) != 7 {
		t.Fatalf("expected 7 fragments, got %d", len(frags))
	}
	sizes := []int{15, 15, 15, 15, 15, 15, 10}
	for i, f := range frags {
		p, ok := Parse(f)
		if !ok {
			t.Fatalf("fragment %d failed to parse", i)
		}
		if len(p.Payload) != sizes[i] {
			t.Fatalf("fragment %d size = %d, want %d", i, len(p.Payload), sizes[i])
		}
		if int(p.FragNum) != i || int(p.Total) != 7 || p.PacketID != 1 {
			t.Fatalf("fragment %d header wrong: %+v", i, p)
		}
	}

	buf := NewBuffer()
	var result []byte
	for i := len(frags) - 1; i >= 0; i-- {
		result = buf.Receive(frags[i])
	}
	if !bytes.Equal(result, data) {
		t.Fatalf("reassembled mismatch")
	}
}

func TestScenario2SingleFragment(t *testing.T) {
	frags := Fragment([]byte("hello"), 42, 100)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	p, ok := Parse(frags[0])
	if !ok {
		t.Fatalf("parse failed")
	}
	if p.PacketID != 42 || p.FragNum != 0 || p.Total != 1 || !bytes.Equal(p.Payload, []byte("hello")) {
		t.Fatalf("unexpected parsed fragment: %+v", p)
	}
}

func TestFragmentRoundTripInOrder(t *testing.T) {
	data := sequentialBytes(100)
	frags := Fragment(data, 1, 20)
	buf := NewBuffer()
	var result []byte
	for i, f := range frags {
		r := buf.Receive(f)
		if i < len(frags)-1 {
			if r != nil {
				t.Fatalf("expected nil before last fragment")
			}
		} else {
			result = r
		}
	}
	if !bytes.Equal(result, data) {
		t.Fatalf("mismatch")
	}
}

func TestMultiplePacketsInterleaved(t *testing.T) {
	data1 := sequentialBytes(50)
	data2Raw := make([]byte, 50)
	for i := range data2Raw {
		data2Raw[i] = byte(100 + i)
	}
	frags1 := Fragment(data1, 1, 20)
	frags2 := Fragment(data2Raw, 2, 20)

	buf := NewBuffer()
	if r := buf.Receive(frags1[0]); r != nil {
		t.Fatalf("expected nil")
	}
	if r := buf.Receive(frags2[0]); r != nil {
		t.Fatalf("expected nil")
	}
	for _, f := range frags1[1:] {
		buf.Receive(f)
	}
	for _, f := range frags2[1:] {
		buf.Receive(f)
	}
	if buf.PendingCount() != 0 {
		t.Fatalf("expected no pending reassemblies, got %d", buf.PendingCount())
	}
}

func TestMagicInvariant(t *testing.T) {
	short := []byte{0x53, 0x00}
	if IsFragmented(short) {
		t.Fatalf("short data must not be fragmented")
	}
	notMagic := []byte{0x01, 0x00, 0x00, 0x00, 0x00}
	if IsFragmented(notMagic) {
		t.Fatalf("wrong magic must not be fragmented")
	}
	frags := Fragment([]byte("x"), 1, 100)
	if !IsFragmented(frags[0]) {
		t.Fatalf("fragment envelope must be detected")
	}
}

func TestMismatchedTotalDropsFragmentNotState(t *testing.T) {
	data := sequentialBytes(60)
	frags := Fragment(data, 5, 20)
	buf := NewBuffer()
	buf.Receive(frags[0])
	if buf.PendingCount() != 1 {
		t.Fatalf("expected one pending entry")
	}

	// Build a fragment with the same packet id but a different total.
	bogus := make([]byte, HeaderSize+1)
	bogus[0] = Magic
	bogus[1] = 0
	bogus[2] = 5
	bogus[3] = 0
	bogus[4] = 99 // different total
	if r := buf.Receive(bogus); r != nil {
		t.Fatalf("expected nil for mismatched total")
	}
	if buf.PendingCount() != 1 {
		t.Fatalf("accumulated state for packet id must survive a mismatched-total fragment")
	}

	for _, f := range frags[1:] {
		buf.Receive(f)
	}
	if buf.PendingCount() != 0 {
		t.Fatalf("original reassembly should still complete")
	}
}

func TestRejectsInvalidFragNumOrZeroTotal(t *testing.T) {
	buf := NewBuffer()
	bad := []byte{Magic, 0, 1, 5, 0} // frag_num=5 >= total=0
	if r := buf.Receive(bad); r != nil {
		t.Fatalf("expected rejection")
	}
	if buf.PendingCount() != 0 {
		t.Fatalf("invalid fragment must not create an entry")
	}
}

func TestCleanupStale(t *testing.T) {
	buf := NewBufferWithTimeout(0)
	frags := Fragment(sequentialBytes(60), 9, 20)
	buf.Receive(frags[0])
	if buf.PendingCount() != 1 {
		t.Fatalf("expected pending entry")
	}
	buf.CleanupStale()
	if buf.PendingCount() != 0 {
		t.Fatalf("expected stale entry discarded")
	}
}

func TestMaxPayloadTooSmallProducesNoFragments(t *testing.T) {
	if f := Fragment([]byte("x"), 1, HeaderSize); f != nil {
		t.Fatalf("expected no fragments when maxPayload <= header size")
	}
}
