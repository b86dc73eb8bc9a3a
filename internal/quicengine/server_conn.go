package quicengine

import (
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"dnsqtun/internal/dnscodec"
	"dnsqtun/internal/fragment"
	"dnsqtun/internal/metrics"
	"dnsqtun/internal/pathmgr"
)

// peerSlot is one client's reassembly state and outbound fragment queue,
// keyed by its normalized on-wire address (see
// dnsqtun/internal/pathmgr.NormalizeAddr). Packet ids are chosen by each
// client independently, so reassembly must not be shared across peers.
type peerSlot struct {
	mu       sync.Mutex
	addr     *net.UDPAddr
	reasm    *fragment.Buffer
	outbound [][]byte
}

func newPeerSlot(addr *net.UDPAddr) *peerSlot {
	return &peerSlot{addr: addr, reasm: fragment.NewBuffer()}
}

func (s *peerSlot) enqueue(frag []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, frag)
}

func (s *peerSlot) popUpTo(n int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbound) == 0 {
		return nil
	}
	if n > len(s.outbound) {
		n = len(s.outbound)
	}
	out := s.outbound[:n]
	s.outbound = s.outbound[n:]
	return out
}

// serverPacket is one fully reassembled QUIC datagram from a peer.
type serverPacket struct {
	data []byte
	addr *PeerAddr
}

// ServerEngine is the server side of the bridge: a net.PacketConn quic-go
// listens through, fed by a dns.Handler that demultiplexes incoming
// queries by the UDP address they physically arrived from (not by any
// label embedded in the qname).
type ServerEngine struct {
	domains  []string
	maxFrags int
	log      zerolog.Logger

	peers    *cache.Cache
	peersMu  sync.Mutex
	incoming chan serverPacket
	packetID uint32

	closeOnce sync.Once
	closed    chan struct{}

	metrics *metrics.Registry
}

// NewServerEngine builds an engine accepting queries for the given
// domains. peerIdleTimeout controls how long an idle peer's reassembly
// and outbound-fragment state is retained. m may be nil, in which case
// metrics are simply not recorded.
func NewServerEngine(domains []string, maxFragsPerResponse int, peerIdleTimeout time.Duration, log zerolog.Logger, m *metrics.Registry) *ServerEngine {
	if maxFragsPerResponse <= 0 {
		maxFragsPerResponse = 10
	}
	return &ServerEngine{
		domains:  domains,
		maxFrags: maxFragsPerResponse,
		log:      log,
		peers:    cache.New(peerIdleTimeout, peerIdleTimeout*2),
		incoming: make(chan serverPacket, 1000),
		closed:   make(chan struct{}),
		metrics:  m,
	}
}

func (e *ServerEngine) slotFor(addr *net.UDPAddr) *peerSlot {
	norm := pathmgr.NormalizeAddr(addr)
	key := norm.String()

	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	if val, found := e.peers.Get(key); found {
		slot := val.(*peerSlot)
		e.peers.Set(key, slot, cache.DefaultExpiration)
		return slot
	}
	slot := newPeerSlot(norm)
	e.peers.Set(key, slot, cache.DefaultExpiration)
	return slot
}

// ServeDNS implements github.com/miekg/dns.Handler. It demultiplexes by
// the query's UDP remote address, ingests any carried fragment, and
// opportunistically piggybacks up to maxFrags queued outbound fragments on
// the reply.
func (e *ServerEngine) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		return
	}
	raw, err := r.Pack()
	if err != nil {
		return
	}

	result := dnscodec.DecodeQueryWithDomains(raw, e.domains)
	switch result.Action {
	case dnscodec.ActionDrop:
		if e.metrics != nil {
			e.metrics.FragmentsDropped.WithLabelValues("protocol_drop").Inc()
		}
		return
	case dnscodec.ActionReply:
		reply := new(dns.Msg)
		reply.SetRcode(r, result.Rcode)
		w.WriteMsg(reply)
		return
	}

	udpAddr, ok := w.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return
	}
	slot := e.slotFor(udpAddr)

	if len(result.Payload) > 0 {
		if e.metrics != nil {
			e.metrics.FragmentsReceived.Inc()
		}
		if full := slot.reasm.Receive(result.Payload); full != nil {
			select {
			case e.incoming <- serverPacket{data: full, addr: &PeerAddr{Addr: slot.addr}}:
			default:
				e.log.Warn().Str("peer", slot.addr.String()).Msg("quicengine: incoming channel full, dropping reassembled packet")
				if e.metrics != nil {
					e.metrics.FragmentsDropped.WithLabelValues("incoming_channel_full").Inc()
				}
			}
		}
	}

	e.reply(w, r, slot)
}

// reply packs up to maxFrags queued fragments into the TXT answers of a
// single response message: a query gets exactly one reply, so every
// fragment due this round must ride in the same message, one TXT RR each
// (mirroring the teacher's own multi-fragment-per-response packing).
func (e *ServerEngine) reply(w dns.ResponseWriter, r *dns.Msg, slot *peerSlot) {
	frags := slot.popUpTo(e.maxFrags)

	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Compress = true
	msg.Authoritative = true
	msg.Rcode = dns.RcodeSuccess

	question := r.Question[0]
	for _, frag := range frags {
		encoded := base64.StdEncoding.EncodeToString(frag)
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
			Txt: splitTXTStrings(encoded, 255),
		})
	}

	w.WriteMsg(msg)
}

// splitTXTStrings breaks a base64 string into the <=255-octet character
// strings a single TXT RR is made of.
func splitTXTStrings(s string, maxLen int) []string {
	if len(s) == 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(s); i += maxLen {
		end := i + maxLen
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}

// WriteTo queues p, fragmented, on the peer identified by addr (which must
// be a *PeerAddr obtained from a prior ReadFrom). The fragments are not
// sent immediately: DNS is request/response, so they wait in the peer's
// outbound queue until that peer's next query arrives to carry them.
func (e *ServerEngine) WriteTo(p []byte, addr net.Addr) (int, error) {
	peerAddr, ok := addr.(*PeerAddr)
	if !ok {
		return 0, fmt.Errorf("quicengine: invalid address type %T", addr)
	}
	slot := e.slotFor(peerAddr.Addr)

	domain := ""
	if len(e.domains) > 0 {
		domain = e.domains[0]
	}
	maxPayload, err := dnscodec.MaxPayloadLenForDomain(domain)
	if err != nil || maxPayload <= fragment.HeaderSize {
		maxPayload = fragment.HeaderSize + 1
	}

	id := nextPacketID(&e.packetID)
	for _, frag := range fragment.Fragment(p, id, maxPayload) {
		slot.enqueue(frag)
		if e.metrics != nil {
			e.metrics.FragmentsSent.Inc()
		}
	}
	return len(p), nil
}

// ReadFrom blocks until a peer's fully reassembled packet is available.
func (e *ServerEngine) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt, ok := <-e.incoming:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(p, pkt.data)
		return n, pkt.addr, nil
	case <-e.closed:
		return 0, nil, net.ErrClosed
	}
}

func (e *ServerEngine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// LocalAddr implements net.PacketConn with a synthetic address: the
// engine does not own a single physical socket, the dns.Server in front of
// it does.
func (e *ServerEngine) LocalAddr() net.Addr { return &PeerAddr{Addr: &net.UDPAddr{}} }

func (e *ServerEngine) SetDeadline(time.Time) error      { return nil }
func (e *ServerEngine) SetReadDeadline(time.Time) error  { return nil }
func (e *ServerEngine) SetWriteDeadline(time.Time) error { return nil }
