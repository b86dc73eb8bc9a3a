// Package forward holds the per-stream TCP<->QUIC bridging primitives: a
// chunked TCP reader that reports into a command channel, and a coalescing
// TCP writer fed by a channel of bytes arriving off the QUIC side. The event
// loop (internal/clientrt, internal/serverrt) owns the QUIC-facing half of
// each bridge (and, in internal/clientrt, the stream map); this package
// only owns the TCP-facing
// half, matching the cyclic-ownership split described for the original
// runtime: the loop owns the map, the reader/writer tasks own their half of
// the TCP socket, and all cross-task notification happens by channel, never
// shared mutable state.
package forward

import (
	"errors"
	"io"
	"sync/atomic"
)

// ReadChunkBytes is the buffer size used by SpawnReader, matching the
// runtime's own TCP read chunk size.
const ReadChunkBytes = 4096

// DefaultCoalesceMaxBytes is the byte count at which SpawnWriter stops
// merging adjacent write messages into a single underlying Write.
const DefaultCoalesceMaxBytes = 256 * 1024

// CommandKind enumerates the messages a stream's tasks report back to the
// event loop that owns it.
type CommandKind int

const (
	CmdStreamData CommandKind = iota
	CmdStreamClosed
	CmdStreamReadError
	CmdStreamWriteError
	CmdStreamWriteDrained
)

// Command is one report from a stream's reader or writer task.
type Command struct {
	Kind     CommandKind
	StreamID uint64
	Data     []byte // set for CmdStreamData
	Bytes    int    // set for CmdStreamWriteDrained
}

type writeKind int

const (
	writeData writeKind = iota
	writeFin
)

// WriteMessage is one entry on a stream's write channel: either a chunk of
// bytes arriving from the QUIC side, or a FIN signaling the peer closed its
// write half.
type WriteMessage struct {
	kind writeKind
	data []byte
}

// Data builds a WriteMessage carrying a chunk of outbound bytes.
func Data(b []byte) WriteMessage { return WriteMessage{kind: writeData, data: b} }

// Fin builds a WriteMessage signaling end-of-stream; the writer shuts down
// its half of the connection after draining it.
func Fin() WriteMessage { return WriteMessage{kind: writeFin} }

// SpawnReader reads r in ReadChunkBytes chunks, forwarding each non-empty
// read as a CmdStreamData command. It reports CmdStreamClosed on a clean EOF
// and CmdStreamReadError on any other failure, then returns either way.
func SpawnReader(streamID uint64, r io.Reader, commands chan<- Command) {
	go func() {
		buf := make([]byte, ReadChunkBytes)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				commands <- Command{Kind: CmdStreamData, StreamID: streamID, Data: data}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					commands <- Command{Kind: CmdStreamClosed, StreamID: streamID}
				} else {
					commands <- Command{Kind: CmdStreamReadError, StreamID: streamID}
				}
				return
			}
		}
	}()
}

// halfCloser is implemented by net.TCPConn and quic.Stream-like types that
// support shutting down only the write half.
type halfCloser interface {
	CloseWrite() error
}

func shutdownWriter(w io.Writer) {
	if hc, ok := w.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	if c, ok := w.(io.Closer); ok {
		c.Close()
	}
}

// SpawnWriter drains writeRx into w, greedily coalescing adjacent Data
// messages already queued into a single Write call to cut down on syscalls,
// stopping once the buffer holds coalesceMaxBytes or more (so the last
// merged message may take a flush past that limit), and reports
// CmdStreamWriteDrained after each
// flush. On a Fin message, or when writeRx closes, it shuts down w's write
// half and returns. On any Write failure it reports CmdStreamWriteError and
// returns without attempting to drain further.
func SpawnWriter(streamID uint64, w io.Writer, writeRx <-chan WriteMessage, commands chan<- Command, coalesceMaxBytes int) {
	if coalesceMaxBytes < 1 {
		coalesceMaxBytes = 1
	}
	go func() {
		for msg := range writeRx {
			if msg.kind == writeFin {
				shutdownWriter(w)
				return
			}

			buf := msg.data
			sawFin := false
		drain:
			for len(buf) < coalesceMaxBytes {
				select {
				case more, ok := <-writeRx:
					if !ok {
						break drain
					}
					if more.kind == writeFin {
						sawFin = true
						break drain
					}
					buf = append(buf, more.data...)
				default:
					break drain
				}
			}

			n := len(buf)
			if _, err := w.Write(buf); err != nil {
				commands <- Command{Kind: CmdStreamWriteError, StreamID: streamID}
				return
			}
			commands <- Command{Kind: CmdStreamWriteDrained, StreamID: streamID, Bytes: n}

			if sawFin {
				shutdownWriter(w)
				return
			}
		}
		shutdownWriter(w)
	}()
}

// PumpToStreamState reads r — the QUIC-facing side of a bridge — until EOF
// or error, enqueuing each chunk onto state for its TCP-facing writer task
// to drain, and queuing a FIN once the source is exhausted. It closes done
// when it returns, so a caller's event loop can stop selecting on it.
// Callers run it on its own goroutine beside their select loop; unlike
// SpawnReader, it reports nothing on the command channel and instead hands
// each chunk straight to the TCP writer's channel, blocking when that
// channel is full.
func PumpToStreamState(r io.Reader, state *StreamState, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, ReadChunkBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			state.AddRxBytes(n)
			if !state.Enqueue(data) {
				atomic.AddInt64(&state.queuedBytes, int64(n))
				state.WriteCh <- Data(data)
			}
		}
		if err != nil {
			state.EnqueueFin()
			return
		}
	}
}

// StreamState is one bridged stream's bookkeeping: the channel its writer
// task drains, and the running byte counters the event loop exposes to
// callers wanting to know about backpressure. The client registers each one
// in a map keyed by stream id; the server keeps each one only inside the
// goroutine bridging that stream and has no map of them.
type StreamState struct {
	WriteCh     chan WriteMessage
	queuedBytes int64
	rxBytes     int64
	txBytes     int64
}

// NewStreamState allocates a StreamState with the given write-channel
// capacity (how many pending chunks the loop may queue before Enqueue starts
// reporting backpressure).
func NewStreamState(writeChCap int) *StreamState {
	return &StreamState{WriteCh: make(chan WriteMessage, writeChCap)}
}

// Enqueue queues data for the writer task without blocking, returning false
// if the channel is full (the caller should treat this as backpressure and
// retry, rather than block the whole event loop on one slow stream).
func (s *StreamState) Enqueue(data []byte) bool {
	select {
	case s.WriteCh <- Data(data):
		atomic.AddInt64(&s.queuedBytes, int64(len(data)))
		return true
	default:
		return false
	}
}

// EnqueueFin queues a FIN, blocking only as long as the writer has room
// (FIN is always small enough to be worth a short block rather than a drop).
func (s *StreamState) EnqueueFin() {
	s.WriteCh <- Fin()
}

// DrainedBytes records that n bytes reported via CmdStreamWriteDrained have
// left the queue, for the loop to call upon receiving that command.
func (s *StreamState) DrainedBytes(n int) {
	atomic.AddInt64(&s.queuedBytes, -int64(n))
}

func (s *StreamState) AddRxBytes(n int) { atomic.AddInt64(&s.rxBytes, int64(n)) }
func (s *StreamState) AddTxBytes(n int) { atomic.AddInt64(&s.txBytes, int64(n)) }

func (s *StreamState) QueuedBytes() int64 { return atomic.LoadInt64(&s.queuedBytes) }
func (s *StreamState) RxBytes() int64     { return atomic.LoadInt64(&s.rxBytes) }
func (s *StreamState) TxBytes() int64     { return atomic.LoadInt64(&s.txBytes) }
