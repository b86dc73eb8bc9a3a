package quicengine

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"dnsqtun/internal/pathmgr"
)

// startTestServer runs a real UDP dns.Server backed by a ServerEngine and
// returns its listening address.
func startTestServer(t *testing.T, domain string) (*ServerEngine, string) {
	t.Helper()
	se := NewServerEngine([]string{domain}, 10, time.Minute, zerolog.Nop(), nil)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &dns.Server{PacketConn: pc, Handler: se}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return se, pc.LocalAddr().String()
}

func TestClientServerRoundTripOverLoopbackUDP(t *testing.T) {
	const domain = "tun.example.com"
	se, addr := startTestServer(t, domain)

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	states, err := pathmgr.Resolve([]pathmgr.Spec{{Host: host, Port: port, Mode: pathmgr.Recursive}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	ce, err := NewClientEngine(states, domain, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("new client engine: %v", err)
	}
	defer ce.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ce.Start(ctx)

	payload := bytes.Repeat([]byte{0xAB}, 40)
	if _, err := ce.WriteTo(payload, clientPeerAddr); err != nil {
		t.Fatalf("client write: %v", err)
	}

	// Server side: receive the reassembled upstream packet.
	buf := make([]byte, 4096)
	serverDeadlineCtx, serverCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer serverCancel()

	var peerAddr net.Addr
	readDone := make(chan error, 1)
	go func() {
		n, from, err := se.ReadFrom(buf)
		if err != nil {
			readDone <- err
			return
		}
		buf = buf[:n]
		peerAddr = from
		readDone <- nil
	}()

	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
	case <-serverDeadlineCtx.Done():
		t.Fatalf("timed out waiting for server to receive upstream packet")
	}

	if !bytes.Equal(buf, payload) {
		t.Fatalf("server received %v, want %v", buf, payload)
	}

	// Server side: queue a downstream reply; the client's next poll should
	// carry it back.
	downstream := bytes.Repeat([]byte{0xCD}, 30)
	if _, err := se.WriteTo(downstream, peerAddr); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case got := <-ce.incoming:
		if !bytes.Equal(got, downstream) {
			t.Fatalf("client received %v, want %v", got, downstream)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for client to receive downstream packet")
	}
}
