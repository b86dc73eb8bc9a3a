// Package serverrt is the server-side event loop: it runs the DNS listener
// that feeds a quicengine.ServerEngine, runs the QUIC listener on top of
// that engine, and bridges each accepted QUIC stream to a TCP connection
// against the fixed upstream target.
package serverrt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dnsqtun/internal/forward"
	"dnsqtun/internal/metrics"
	"dnsqtun/internal/proxy"
	"dnsqtun/internal/quicengine"
)

// sampleInterval is how often the process resource sampler refreshes
// ProcessRSSBytes/ProcessCPUPercent.
const sampleInterval = 10 * time.Second

// Config configures one server runtime instance.
type Config struct {
	DNSListenAddr       string
	Domains             []string
	MaxFragsPerResponse int
	PeerIdleTimeout     time.Duration
	TargetAddress       string
	Dialer              proxy.Dialer
	TLSConfig           *tls.Config
	QUICConfig          *quic.Config
	MaxConnections      int
	CoalesceMaxBytes    int
	Metrics             *metrics.Registry
	Log                 zerolog.Logger
}

// Runtime is one running server instance.
type Runtime struct {
	cfg Config
	sem chan struct{}
}

// New builds a Runtime; call Run to start it. It validates the configured
// domain set up front and logs (but does not reject) any overlap, mirroring
// the original's own startup warning rather than a hard configuration error.
func New(cfg Config) *Runtime {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 256
	}
	if cfg.MaxFragsPerResponse <= 0 {
		cfg.MaxFragsPerResponse = 10
	}
	if cfg.PeerIdleTimeout <= 0 {
		cfg.PeerIdleTimeout = 5 * time.Minute
	}
	if cfg.CoalesceMaxBytes <= 0 {
		cfg.CoalesceMaxBytes = forward.DefaultCoalesceMaxBytes
	}
	warnOverlappingDomains(cfg.Domains, cfg.Log)
	return &Runtime{cfg: cfg, sem: make(chan struct{}, cfg.MaxConnections)}
}

// Run starts the DNS listener, the QUIC listener riding on top of it, and
// the accept loop, and blocks until ctx is canceled or a component fails.
func (r *Runtime) Run(ctx context.Context) error {
	engine := quicengine.NewServerEngine(r.cfg.Domains, r.cfg.MaxFragsPerResponse, r.cfg.PeerIdleTimeout, r.cfg.Log, r.cfg.Metrics)

	dnsServer := &dns.Server{Addr: r.cfg.DNSListenAddr, Net: "udp", Handler: engine}

	transport := &quic.Transport{
		Conn: engine,
		// Forces a Retry packet on every connection attempt: without this,
		// the 3x amplification limit can deadlock the handshake once the
		// certificate chain plus ACKs exceed it inside the tunnel's small
		// carrier MTU.
		VerifySourceAddress: func(net.Addr) bool { return true },
	}
	listener, err := transport.Listen(r.cfg.TLSConfig, r.cfg.QUICConfig)
	if err != nil {
		return fmt.Errorf("serverrt: quic listen: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.cfg.Log.Info().Str("addr", r.cfg.DNSListenAddr).Int("domains", len(r.cfg.Domains)).Msg("serverrt: starting dns listener")
		if err := dnsServer.ListenAndServe(); err != nil {
			return fmt.Errorf("serverrt: dns server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return r.acceptLoop(ctx, listener) })
	g.Go(func() error {
		<-ctx.Done()
		listener.Close()
		dnsServer.Shutdown()
		return nil
	})
	if r.cfg.Metrics != nil {
		sampler, err := metrics.NewSampler(r.cfg.Metrics, sampleInterval)
		if err != nil {
			r.cfg.Log.Warn().Err(err).Msg("serverrt: process sampler unavailable")
		} else {
			g.Go(func() error { sampler.Run(ctx); return nil })
		}
	}

	return g.Wait()
}

func (r *Runtime) acceptLoop(ctx context.Context, listener *quic.Listener) error {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serverrt: accept: %w", err)
		}

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			conn.CloseWithError(quic.ApplicationErrorCode(quicengine.ErrorCodeInternal), "")
			return nil
		}
		go func() {
			defer func() { <-r.sem }()
			r.handleConnection(ctx, conn)
		}()
	}
}

func (r *Runtime) handleConnection(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(quic.ApplicationErrorCode(quicengine.ErrorCodeInternal), "")
	r.cfg.Log.Info().Str("remote", conn.RemoteAddr().String()).Msg("serverrt: new connection")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil && !strings.Contains(err.Error(), "timeout") && !strings.Contains(err.Error(), "closed") {
				r.cfg.Log.Error().Err(err).Msg("serverrt: accept stream")
			}
			return
		}
		go r.bridgeStream(ctx, stream)
	}
}

// bridgeStream dials the fixed upstream target and pumps bytes between it
// and stream until either side closes or fails, mirroring bridgeConnection
// in internal/clientrt with the TCP and QUIC roles reversed: here the TCP
// side is the outbound target connection this function dials, rather than
// an inbound connection a listener accepted.
func (r *Runtime) bridgeStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	targetConn, err := r.cfg.Dialer.Dial("tcp", r.cfg.TargetAddress)
	if err != nil {
		r.cfg.Log.Error().Err(err).Str("target", r.cfg.TargetAddress).Msg("serverrt: dial target")
		stream.CancelWrite(quic.StreamErrorCode(quicengine.ErrorCodeInternal))
		return
	}
	defer targetConn.Close()

	streamID := uint64(stream.StreamID())
	state := forward.NewStreamState(64)

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.StreamsActive.Inc()
		defer r.cfg.Metrics.StreamsActive.Dec()
	}

	commands := make(chan forward.Command, 64)
	forward.SpawnReader(streamID, targetConn, commands)
	forward.SpawnWriter(streamID, targetConn, state.WriteCh, commands, r.cfg.CoalesceMaxBytes)

	quicDone := make(chan struct{})
	go forward.PumpToStreamState(stream, state, quicDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-quicDone:
			quicDone = nil
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			switch cmd.Kind {
			case forward.CmdStreamData:
				if r.cfg.Metrics != nil {
					r.cfg.Metrics.StreamBytesForward.WithLabelValues("tcp_to_quic").Add(float64(len(cmd.Data)))
				}
				if _, err := stream.Write(cmd.Data); err != nil {
					return
				}
			case forward.CmdStreamClosed:
				stream.Close()
			case forward.CmdStreamReadError:
				stream.CancelWrite(quic.StreamErrorCode(quicengine.ErrorCodeInternal))
				return
			case forward.CmdStreamWriteDrained:
				state.DrainedBytes(cmd.Bytes)
			case forward.CmdStreamWriteError:
				stream.CancelRead(quic.StreamErrorCode(quicengine.ErrorCodeInternal))
				return
			}
		}
	}
}

// warnOverlappingDomains reproduces the original's startup check: exact
// duplicates and label-suffix pairs are both legal (DecodeQueryWithDomains
// picks the longest-suffix match deterministically) but almost certainly a
// configuration mistake, so they are logged, not rejected.
func warnOverlappingDomains(domains []string, log zerolog.Logger) {
	normalized := make([]string, len(domains))
	for i, d := range domains {
		normalized[i] = strings.ToLower(strings.TrimSuffix(d, "."))
	}
	for i := 0; i < len(normalized); i++ {
		for j := i + 1; j < len(normalized); j++ {
			a, b := normalized[i], normalized[j]
			if a == b {
				log.Warn().Str("domain", a).Msg("duplicate domain configured")
				continue
			}
			if isLabelSuffix(a, b) || isLabelSuffix(b, a) {
				log.Warn().Str("a", a).Str("b", b).Msg("configured domains overlap; longest suffix wins")
			}
		}
	}
}

// isLabelSuffix reports whether shorter is a whole-label suffix of longer
// (e.g. "example.com" is a label suffix of "tun.example.com", but
// "mple.com" is not, even though it is a byte-suffix).
func isLabelSuffix(shorter, longer string) bool {
	shortLabels := dns.SplitDomainName(dns.Fqdn(shorter))
	longLabels := dns.SplitDomainName(dns.Fqdn(longer))
	if len(shortLabels) == 0 || len(shortLabels) >= len(longLabels) {
		return false
	}
	tail := longLabels[len(longLabels)-len(shortLabels):]
	for i := range shortLabels {
		if !strings.EqualFold(shortLabels[i], tail[i]) {
			return false
		}
	}
	return true
}
