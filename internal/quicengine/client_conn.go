package quicengine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"dnsqtun/internal/dnscodec"
	"dnsqtun/internal/fragment"
	"dnsqtun/internal/metrics"
	"dnsqtun/internal/pacing"
	"dnsqtun/internal/pathmgr"
)

// clientPath is one resolver's live UDP socket plus its congestion-window
// estimate. One exists per entry returned by pathmgr.Resolve.
type clientPath struct {
	state   *pathmgr.ResolverState
	udp     *net.UDPConn
	cwnd    *cwndEstimator
	limiter *pacing.PollLimiter
	log     zerolog.Logger
}

// ClientEngine is the client side of the bridge: a net.PacketConn quic-go
// dials through, backed by one or more DNS resolver paths.
type ClientEngine struct {
	domain    string
	log       zerolog.Logger
	maxFrags  int
	reasm     *fragment.Buffer
	incoming  chan []byte
	packetID  uint32
	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	paths     []*clientPath
	byPathID  map[uint64]*clientPath
	nextID    uint64
	rrCounter uint64
	events    chan pathmgr.Event

	metrics *metrics.Registry
}

// NewClientEngine dials a UDP socket for each resolver state and returns an
// engine ready to Start. states[0] must already be Installed (pathmgr.
// Resolve guarantees this for the primary path). m may be nil, in which
// case metrics are simply not recorded.
func NewClientEngine(states []*pathmgr.ResolverState, domain string, log zerolog.Logger, m *metrics.Registry) (*ClientEngine, error) {
	e := &ClientEngine{
		domain:   domain,
		log:      log,
		reasm:    fragment.NewBuffer(),
		incoming: make(chan []byte, 1000),
		closed:   make(chan struct{}),
		byPathID: make(map[uint64]*clientPath),
		events:   make(chan pathmgr.Event, 64),
		metrics:  m,
	}

	for _, st := range states {
		udp, err := net.DialUDP("udp", nil, st.Addr)
		if err != nil {
			e.closeAllPaths()
			return nil, fmt.Errorf("quicengine: dial resolver %s: %w", st.Addr, err)
		}
		cp := &clientPath{
			state:   st,
			udp:     udp,
			cwnd:    newCwndEstimator(DefaultMTU),
			limiter: pacing.NewPollLimiter(PollInterval, maxPollBurst),
			log:     log.With().Str("resolver", st.Addr.String()).Logger(),
		}
		e.paths = append(e.paths, cp)
		if st.PathID != nil {
			e.byPathID[*st.PathID] = cp
			if *st.PathID >= e.nextID {
				e.nextID = *st.PathID + 1
			}
		}
	}
	return e, nil
}

func (e *ClientEngine) closeAllPaths() {
	for _, p := range e.paths {
		p.udp.Close()
	}
}

// Start launches the per-path receive and poll loops. Returns when ctx is
// canceled or Close is called.
func (e *ClientEngine) Start(ctx context.Context) {
	for _, p := range e.paths {
		go e.rxLoop(ctx, p)
		go e.pollLoop(ctx, p)
	}
}

func (e *ClientEngine) maxPayload() int {
	n, err := dnscodec.MaxPayloadLenForDomain(e.domain)
	if err != nil || n <= fragment.HeaderSize {
		return fragment.HeaderSize + 1
	}
	return n
}

// pickPath chooses a destination path for outbound data, round-robining
// across Installed paths only.
func (e *ClientEngine) pickPath() *clientPath {
	e.mu.Lock()
	defer e.mu.Unlock()

	var installed []*clientPath
	for _, p := range e.paths {
		if p.state.CurrentState() == pathmgr.Installed {
			installed = append(installed, p)
		}
	}
	if len(installed) == 0 {
		return e.paths[0]
	}
	e.rrCounter++
	return installed[e.rrCounter%uint64(len(installed))]
}

// WriteTo fragments p and sends it as one or more DNS queries over a
// chosen path. addr is ignored: quic-go is told there is exactly one peer.
func (e *ClientEngine) WriteTo(p []byte, _ net.Addr) (int, error) {
	path := e.pickPath()
	id := nextPacketID(&e.packetID)
	frags := fragment.Fragment(p, id, e.maxPayload())
	for _, f := range frags {
		msg, err := dnscodec.EncodeQuery(dnscodec.QueryParams{
			ID:      dns.Id(),
			Payload: f,
			Domain:  e.domain,
			RD:      path.state.Mode == pathmgr.Recursive,
		})
		if err != nil {
			return 0, fmt.Errorf("quicengine: encode query: %w", err)
		}
		if _, err := path.udp.Write(msg); err != nil {
			return 0, fmt.Errorf("quicengine: write to %s: %w", path.state.Addr, err)
		}
		if e.metrics != nil {
			e.metrics.FragmentsSent.Inc()
		}
	}
	return len(p), nil
}

// ReadFrom blocks until a fully reassembled tunnel packet is available.
func (e *ClientEngine) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case data, ok := <-e.incoming:
		if !ok {
			return 0, clientPeerAddr, net.ErrClosed
		}
		n := copy(p, data)
		return n, clientPeerAddr, nil
	case <-e.closed:
		return 0, clientPeerAddr, net.ErrClosed
	}
}

func (e *ClientEngine) rxLoop(ctx context.Context, p *clientPath) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		default:
		}
		p.udp.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := p.udp.Read(buf)
		if err != nil {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])

		payload, ok := dnscodec.DecodeResponse(raw)
		if !ok {
			if e.metrics != nil {
				e.metrics.FragmentsDropped.WithLabelValues("decode_failed").Inc()
			}
			continue
		}
		p.cwnd.OnPollSuccess()
		if payload == nil {
			continue
		}
		if e.metrics != nil {
			e.metrics.FragmentsReceived.Inc()
		}
		if full := e.reasm.Receive(payload); full != nil {
			select {
			case e.incoming <- full:
			default:
				p.log.Warn().Msg("quicengine: incoming channel full, dropping reassembled packet")
				if e.metrics != nil {
					e.metrics.FragmentsDropped.WithLabelValues("incoming_channel_full").Inc()
				}
			}
		}
	}
}

func (e *ClientEngine) pollLoop(ctx context.Context, p *clientPath) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		case <-ticker.C:
			e.tickPolls(p)
		}
	}
}

func (e *ClientEngine) tickPolls(p *clientPath) {
	now := time.Now()
	before := p.state.InflightPollCount()
	p.state.ExpireInflightPolls(now, PollTimeout)
	if after := p.state.InflightPollCount(); after < before {
		p.cwnd.OnPollTimeout()
	}

	if e.metrics != nil {
		e.metrics.PollsInFlight.WithLabelValues(p.state.Label()).Set(float64(p.state.InflightPollCount()))
	}

	if p.state.CurrentState() != pathmgr.Installed {
		return
	}

	budget := pacing.Snapshot(p.cwnd.Bytes(), p.state.InflightPollCount()*DefaultMTU, DefaultMTU)
	permitted := budget.Permitted * pathmgr.LoopMultiplier(p.state.Mode)
	granted := p.limiter.TakeBudget(permitted)
	for i := 0; i < granted; i++ {
		e.sendPoll(p)
	}
	if e.metrics != nil {
		e.metrics.PollsInFlight.WithLabelValues(p.state.Label()).Set(float64(p.state.InflightPollCount()))
	}
}

func (e *ClientEngine) sendPoll(p *clientPath) {
	id := dns.Id()
	msg, err := dnscodec.EncodeQuery(dnscodec.QueryParams{
		ID:     id,
		Domain: e.domain,
		RD:     p.state.Mode == pathmgr.Recursive,
	})
	if err != nil {
		p.log.Debug().Err(err).Msg("quicengine: encode poll")
		return
	}
	if _, err := p.udp.Write(msg); err != nil {
		p.log.Debug().Err(err).Msg("quicengine: send poll")
		return
	}
	p.state.TrackPoll(id, time.Now())
}

// ProbePath implements pathmgr.Prober: dials a UDP socket for a new path
// and assigns it the next synthetic path id.
func (e *ClientEngine) ProbePath(addr *net.UDPAddr) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.paths {
		if p.state.Addr.String() == addr.String() {
			id := e.nextID
			e.nextID++
			e.byPathID[id] = p
			e.events <- pathmgr.Event{Kind: pathmgr.EventAvailable, PathID: id}
			return id, nil
		}
	}
	return 0, fmt.Errorf("quicengine: unknown resolver %s", addr)
}

// SetPathMode implements pathmgr.Prober. It is a protocol hook reserved for
// future per-path scheduling; quic-go has no concept of path mode to push
// this into, so today it only records the call.
func (e *ClientEngine) SetPathMode(pathID uint64, mode int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byPathID[pathID]; !ok {
		return fmt.Errorf("quicengine: unknown path id %d", pathID)
	}
	return nil
}

// DrainPathEvents implements pathmgr.EventDrainer.
func (e *ClientEngine) DrainPathEvents() []pathmgr.Event {
	var out []pathmgr.Event
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// PathQuality implements pathmgr.QualitySource using this path's AIMD
// estimate rather than a real QUIC congestion-controller reading.
func (e *ClientEngine) PathQuality(pathID uint64) (pathmgr.Quality, bool) {
	e.mu.Lock()
	p, ok := e.byPathID[pathID]
	e.mu.Unlock()
	if !ok {
		return pathmgr.Quality{}, false
	}
	return pathmgr.Quality{
		CwndBytes:     p.cwnd.Bytes(),
		BytesInFlight: p.state.InflightPollCount() * DefaultMTU,
	}, true
}

// Close implements net.PacketConn.
func (e *ClientEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.closeAllPaths()
	})
	return nil
}

// LocalAddr implements net.PacketConn with a synthetic address, since
// quic-go must believe it owns one ordinary local socket.
func (e *ClientEngine) LocalAddr() net.Addr { return clientPeerAddr }

func (e *ClientEngine) SetDeadline(time.Time) error      { return nil }
func (e *ClientEngine) SetReadDeadline(time.Time) error  { return nil }
func (e *ClientEngine) SetWriteDeadline(time.Time) error { return nil }
