package forward

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestSpawnReaderReportsDataThenClosed(t *testing.T) {
	r := bytes.NewReader([]byte("hello world"))
	commands := make(chan Command, 10)
	SpawnReader(7, r, commands)

	data := <-commands
	if data.Kind != CmdStreamData || string(data.Data) != "hello world" {
		t.Fatalf("unexpected first command: %+v", data)
	}
	closed := <-commands
	if closed.Kind != CmdStreamClosed || closed.StreamID != 7 {
		t.Fatalf("unexpected second command: %+v", closed)
	}
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestSpawnReaderReportsReadError(t *testing.T) {
	commands := make(chan Command, 10)
	SpawnReader(1, errReader{err: errors.New("boom")}, commands)

	cmd := <-commands
	if cmd.Kind != CmdStreamReadError {
		t.Fatalf("expected CmdStreamReadError, got %+v", cmd)
	}
}

func TestSpawnWriterWritesSingleMessage(t *testing.T) {
	var buf bytes.Buffer
	writeRx := make(chan WriteMessage, 10)
	commands := make(chan Command, 10)

	SpawnWriter(3, &buf, writeRx, commands, DefaultCoalesceMaxBytes)
	writeRx <- Data([]byte("payload"))

	cmd := <-commands
	if cmd.Kind != CmdStreamWriteDrained || cmd.Bytes != len("payload") {
		t.Fatalf("unexpected drained command: %+v", cmd)
	}
	if buf.String() != "payload" {
		t.Fatalf("buf = %q, want %q", buf.String(), "payload")
	}
	close(writeRx)
}

func TestSpawnWriterCoalescesQueuedMessages(t *testing.T) {
	var buf bytes.Buffer
	writeRx := make(chan WriteMessage, 10)
	commands := make(chan Command, 10)

	// Queue three chunks before the writer goroutine gets a chance to run,
	// so it greedily coalesces them into one Write.
	writeRx <- Data([]byte("aaa"))
	writeRx <- Data([]byte("bbb"))
	writeRx <- Data([]byte("ccc"))

	SpawnWriter(4, &buf, writeRx, commands, DefaultCoalesceMaxBytes)

	cmd := <-commands
	if cmd.Kind != CmdStreamWriteDrained {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.Bytes != 9 {
		t.Fatalf("expected a single coalesced write of 9 bytes, got %d", cmd.Bytes)
	}
	if buf.String() != "aaabbbccc" {
		t.Fatalf("buf = %q, want %q", buf.String(), "aaabbbccc")
	}
	close(writeRx)
}

func TestSpawnWriterRespectsCoalesceLimit(t *testing.T) {
	var buf bytes.Buffer
	writeRx := make(chan WriteMessage, 10)
	commands := make(chan Command, 10)

	writeRx <- Data([]byte("aaaa"))
	writeRx <- Data([]byte("bbbb"))
	writeRx <- Data([]byte("cccc"))

	SpawnWriter(5, &buf, writeRx, commands, 5)

	first := <-commands
	if first.Bytes != 8 {
		t.Fatalf("expected first flush capped near the limit (8 bytes), got %d", first.Bytes)
	}
	second := <-commands
	if second.Bytes != 4 {
		t.Fatalf("expected leftover chunk flushed separately, got %d", second.Bytes)
	}
	close(writeRx)
}

func TestSpawnWriterFinShutsDownWriteHalf(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	writeRx := make(chan WriteMessage, 10)
	commands := make(chan Command, 10)
	SpawnWriter(6, server, writeRx, commands, DefaultCoalesceMaxBytes)

	done := make(chan struct{})
	go func() {
		buf, _ := io.ReadAll(client)
		if string(buf) != "x" {
			t.Errorf("got %q, want %q", buf, "x")
		}
		close(done)
	}()

	writeRx <- Data([]byte("x"))
	<-commands // drained
	writeRx <- Fin()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer to observe shutdown")
	}
}

func TestStreamStateEnqueueAndDrain(t *testing.T) {
	s := NewStreamState(1)
	if !s.Enqueue([]byte("abc")) {
		t.Fatal("expected enqueue to succeed with free capacity")
	}
	if s.QueuedBytes() != 3 {
		t.Fatalf("queued bytes = %d, want 3", s.QueuedBytes())
	}
	// Channel capacity 1 already holds a message; a second enqueue without
	// draining should report backpressure.
	if s.Enqueue([]byte("def")) {
		t.Fatal("expected enqueue to report backpressure when channel is full")
	}

	<-s.WriteCh
	s.DrainedBytes(3)
	if s.QueuedBytes() != 0 {
		t.Fatalf("queued bytes = %d, want 0 after drain", s.QueuedBytes())
	}

	s.AddRxBytes(10)
	s.AddTxBytes(20)
	if s.RxBytes() != 10 || s.TxBytes() != 20 {
		t.Fatalf("rx/tx = %d/%d, want 10/20", s.RxBytes(), s.TxBytes())
	}
}
