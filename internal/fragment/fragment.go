// Package fragment implements application-layer fragmentation of QUIC
// packets so they fit inside DNS-carried payloads, and reassembly of
// fragments back into the original packet.
package fragment

import (
	"encoding/binary"
	"sync"
	"time"
)

// Magic is the byte that marks a carrier payload as a fragment envelope
// rather than a raw QUIC datagram. No well-formed QUIC long- or
// short-header packet begins with this byte.
const Magic = 0x53

// HeaderSize is magic(1) + packet_id(2) + frag_num(1) + total(1).
const HeaderSize = 5

// DefaultTimeout is how long an incomplete reassembly is kept before it is
// discarded by a cleanup sweep.
const DefaultTimeout = 5 * time.Second

// Fragment splits packet into envelopes of at most maxPayload bytes each
// (header included). If maxPayload leaves no room for any data, it returns
// nil. If packet needs more than 255 fragments at this maxPayload, the
// caller must raise maxPayload; Fragment caps at 255 and does not report
// the excess as an error (matching the original's behavior), since in
// practice the caller chooses maxPayload large enough for its domain.
func Fragment(packet []byte, packetID uint16, maxPayload int) [][]byte {
	if maxPayload <= HeaderSize {
		return nil
	}
	chunkSize := maxPayload - HeaderSize
	if chunkSize == 0 {
		return nil
	}

	if len(packet) <= chunkSize {
		frag := make([]byte, 0, HeaderSize+len(packet))
		frag = append(frag, Magic)
		frag = appendUint16(frag, packetID)
		frag = append(frag, 0, 1)
		frag = append(frag, packet...)
		return [][]byte{frag}
	}

	numChunks := (len(packet) + chunkSize - 1) / chunkSize
	total := numChunks
	if total > 255 {
		total = 255
	}

	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(packet) {
			end = len(packet)
		}
		frag := make([]byte, 0, HeaderSize+(end-start))
		frag = append(frag, Magic)
		frag = appendUint16(frag, packetID)
		frag = append(frag, byte(i), byte(total))
		frag = append(frag, packet[start:end]...)
		out = append(out, frag)
	}
	return out
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[0], tmp[1])
}

// Parsed is a decoded fragment header plus its payload slice (not copied).
type Parsed struct {
	PacketID uint16
	FragNum  uint8
	Total    uint8
	Payload  []byte
}

// Parse decodes a fragment envelope, returning ok=false if data is too
// short or lacks the magic byte.
func Parse(data []byte) (Parsed, bool) {
	if len(data) < HeaderSize || data[0] != Magic {
		return Parsed{}, false
	}
	return Parsed{
		PacketID: binary.BigEndian.Uint16(data[1:3]),
		FragNum:  data[3],
		Total:    data[4],
		Payload:  data[HeaderSize:],
	}, true
}

// IsFragmented reports whether data looks like a fragment envelope.
func IsFragmented(data []byte) bool {
	return len(data) >= HeaderSize && data[0] == Magic
}

// Buffer reassembles fragments into complete packets, keyed by packet id.
type Buffer struct {
	mu      sync.Mutex
	entries map[uint16]*entry
	timeout time.Duration
}

type entry struct {
	parts    [][]byte
	total    uint8
	received uint8
	created  time.Time
}

// NewBuffer creates a reassembly buffer with the default 5s timeout.
func NewBuffer() *Buffer {
	return NewBufferWithTimeout(DefaultTimeout)
}

// NewBufferWithTimeout creates a reassembly buffer with a custom timeout.
func NewBufferWithTimeout(timeout time.Duration) *Buffer {
	return &Buffer{entries: make(map[uint16]*entry), timeout: timeout}
}

// Receive ingests one fragment envelope. It returns the reassembled packet
// once every fragment for its packet_id has arrived, or nil otherwise.
//
// A frag_num >= total, or total == 0, is rejected. A fragment whose total
// disagrees with an already-in-progress packet_id is dropped — only that
// fragment, not the accumulated state for the packet_id.
func (b *Buffer) Receive(data []byte) []byte {
	p, ok := Parse(data)
	if !ok {
		return nil
	}
	if p.Total == 0 || p.FragNum >= p.Total {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[p.PacketID]
	if !exists {
		e = &entry{parts: make([][]byte, p.Total), total: p.Total, created: time.Now()}
		b.entries[p.PacketID] = e
	}
	if e.total != p.Total {
		return nil
	}

	if e.parts[p.FragNum] == nil {
		buf := make([]byte, len(p.Payload))
		copy(buf, p.Payload)
		e.parts[p.FragNum] = buf
		e.received++
	}

	if e.received != e.total {
		return nil
	}

	delete(b.entries, p.PacketID)
	var full []byte
	for _, part := range e.parts {
		full = append(full, part...)
	}
	return full
}

// CleanupStale discards incomplete reassemblies older than the buffer's
// timeout. Intended to be called periodically; discard timing is eventual,
// not exact.
func (b *Buffer) CleanupStale() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for id, e := range b.entries {
		if now.Sub(e.created) >= b.timeout {
			delete(b.entries, id)
		}
	}
}

// PendingCount returns the number of incomplete reassemblies in progress.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
