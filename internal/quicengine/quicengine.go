// Package quicengine bridges QUIC to DNS. It implements net.PacketConn so
// quic-go believes it is talking to one ordinary UDP socket; underneath,
// a ClientEngine spreads that traffic across several resolver paths (some
// recursive, some authoritative) and a ServerEngine demultiplexes incoming
// queries by the UDP peer address they physically arrived from.
//
// quic-go's public API exposes neither per-path nor per-connection
// congestion-window or bytes-in-flight figures, and has no notion of
// multiple network paths for one connection. Both are therefore
// synthesized at this layer: path lifecycle (Fresh/Probing/Installed/
// Suspended) is tracked in internal/pathmgr from events this package
// raises, and each path's view of its own congestion window is a small
// AIMD estimator this package maintains itself, fed by poll round-trips
// and poll timeouts rather than by anything quic-go reports. This is an
// approximation of the real QUIC congestion state, not a read of it.
package quicengine

import (
	"net"
	"sync/atomic"
	"time"
)

// tunnelAddr is the single synthetic net.Addr the client side presents to
// quic-go for every packet, in and out. Which physical resolver actually
// carried a given datagram is a decision this package makes internally;
// quic-go never needs to know there is more than one path.
type tunnelAddr struct{}

func (tunnelAddr) Network() string { return "udp" }
func (tunnelAddr) String() string  { return "tunnel" }

var clientPeerAddr net.Addr = tunnelAddr{}

// PeerAddr identifies one DNS-tunnel client on the server side, by its
// normalized on-wire UDP address. The server's QUIC listener sees one of
// these per distinct client; it is the moral equivalent of the teacher's
// session-id address, except derived from the packet's real origin
// instead of a label embedded in the qname.
type PeerAddr struct {
	Addr *net.UDPAddr
}

func (p *PeerAddr) Network() string { return "udp" }
func (p *PeerAddr) String() string  { return p.Addr.String() }

// cwndEstimator is a minimal additive-increase/multiplicative-decrease
// congestion-window approximation, scoped to one resolver path. It exists
// solely because quic-go's public API has no getter for the real cwnd or
// bytes-in-flight; this gives internal/pacing something plausible to
// budget poll emission against.
type cwndEstimator struct {
	bytes int64
	mtu   int64
}

func newCwndEstimator(mtu int) *cwndEstimator {
	return &cwndEstimator{bytes: int64(mtu) * 4, mtu: int64(mtu)}
}

// OnPollSuccess grows the window by one MTU, floored nowhere (grows
// unboundedly the way slow-start does, until a timeout shrinks it).
func (c *cwndEstimator) OnPollSuccess() {
	atomic.AddInt64(&c.bytes, c.mtu)
}

// OnPollTimeout halves the window, floored at one MTU.
func (c *cwndEstimator) OnPollTimeout() {
	for {
		old := atomic.LoadInt64(&c.bytes)
		next := old / 2
		if next < c.mtu {
			next = c.mtu
		}
		if atomic.CompareAndSwapInt64(&c.bytes, old, next) {
			return
		}
	}
}

func (c *cwndEstimator) Bytes() int {
	return int(atomic.LoadInt64(&c.bytes))
}

// DefaultMTU is the assumed carrier MTU fed to internal/pacing and to each
// path's cwnd estimate; fragment sizes come from
// dnscodec.MaxPayloadLenForDomain instead. It is deliberately below the
// 1232-byte EDNS0 buffer size the DNS codec advertises, leaving headroom for
// resolvers that clamp UDP responses smaller than the advertised bufsize.
const DefaultMTU = 1200

// PollInterval is how often each path's poll loop wakes up to reconsider
// its budget and possibly emit new polls.
const PollInterval = 25 * time.Millisecond

// PollTimeout is how long an in-flight poll is given before it is treated
// as lost (and its path's window shrinks).
const PollTimeout = 5 * time.Second

// maxPollBurst caps how many tokens a path's poll limiter can accumulate,
// bounding the largest instantaneous poll burst regardless of how large a
// computed budget briefly spikes to (e.g. right after a long window grows
// the cwnd estimate).
const maxPollBurst = 64

func nextPacketID(counter *uint32) uint16 {
	return uint16(atomic.AddUint32(counter, 1))
}

// Application-level QUIC error codes the tunnel protocol defines, used when
// tearing down a connection or stream abnormally.
const (
	// ErrorCodeInternal closes a connection or cancels a stream on an
	// unrecoverable local failure.
	ErrorCodeInternal = 0x101
	// ErrorCodeFileCancel cancels a stream whose forwarded transfer was
	// deliberately aborted rather than having failed.
	ErrorCodeFileCancel = 0x105
)

// TunnelAddr is the address callers should pass to quic.Dial when dialing
// over a ClientEngine: the engine ignores it (it always talks to whichever
// resolver path it selects internally) but quic-go requires some net.Addr
// to address its handshake state against.
var TunnelAddr net.Addr = tunnelAddr{}
