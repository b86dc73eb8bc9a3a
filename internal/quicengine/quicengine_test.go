package quicengine

import (
	"net"
	"testing"
)

func TestCwndEstimatorGrowsAndShrinks(t *testing.T) {
	c := newCwndEstimator(1200)
	start := c.Bytes()
	c.OnPollSuccess()
	if c.Bytes() <= start {
		t.Fatalf("expected cwnd to grow after success, got %d -> %d", start, c.Bytes())
	}
	grown := c.Bytes()
	c.OnPollTimeout()
	if c.Bytes() >= grown {
		t.Fatalf("expected cwnd to shrink after timeout, got %d -> %d", grown, c.Bytes())
	}
}

func TestCwndEstimatorFloorsAtOneMTU(t *testing.T) {
	c := newCwndEstimator(1200)
	for i := 0; i < 20; i++ {
		c.OnPollTimeout()
	}
	if c.Bytes() < 1200 {
		t.Fatalf("cwnd must not shrink below one MTU, got %d", c.Bytes())
	}
}

func TestNextPacketIDIncrements(t *testing.T) {
	var counter uint32
	a := nextPacketID(&counter)
	b := nextPacketID(&counter)
	if a == b {
		t.Fatalf("expected distinct packet ids, got %d twice", a)
	}
}

func TestPeerAddrNetworkAndString(t *testing.T) {
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:53")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	a := &PeerAddr{Addr: udpAddr}
	if a.Network() != "udp" {
		t.Fatalf("expected udp network")
	}
	if a.String() == "" {
		t.Fatalf("expected non-empty string")
	}
}
