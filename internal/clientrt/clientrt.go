// Package clientrt is the client-side event loop: it accepts local TCP
// connections, opens one QUIC stream per connection, and bridges each
// stream to its TCP peer, while a supervisor goroutine drives additional
// resolver paths through pathmgr's probe/install lifecycle. The QUIC
// connection itself rides over a quicengine.ClientEngine, which is what
// actually spreads traffic across the configured resolver paths.
package clientrt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dnsqtun/internal/forward"
	"dnsqtun/internal/metrics"
	"dnsqtun/internal/pathmgr"
	"dnsqtun/internal/quicengine"
)

// sampleInterval is how often the process resource sampler refreshes
// ProcessRSSBytes/ProcessCPUPercent.
const sampleInterval = 10 * time.Second

// Config configures one client runtime instance. TLSConfig and QUICConfig
// are built by the caller (cmd/client) from its own flags; this package only
// wires them into the dial.
type Config struct {
	TCPListenAddr    string
	Domain           string
	Resolvers        []pathmgr.Spec
	TLSConfig        *tls.Config
	QUICConfig       *quic.Config
	CoalesceMaxBytes int
	PathRefresh      time.Duration
	Metrics          *metrics.Registry
	Log              zerolog.Logger
}

// Runtime is one running client instance.
type Runtime struct {
	cfg    Config
	engine *quicengine.ClientEngine
	states []*pathmgr.ResolverState
	conn   *quic.Conn

	mu      sync.Mutex
	streams map[uint64]*forward.StreamState
}

// New builds a Runtime; call Run to start it.
func New(cfg Config) *Runtime {
	if cfg.CoalesceMaxBytes <= 0 {
		cfg.CoalesceMaxBytes = forward.DefaultCoalesceMaxBytes
	}
	if cfg.PathRefresh <= 0 {
		cfg.PathRefresh = 500 * time.Millisecond
	}
	return &Runtime{cfg: cfg, streams: make(map[uint64]*forward.StreamState)}
}

// Run dials the tunnel, accepts local TCP connections, and bridges each to
// a QUIC stream until ctx is canceled (SIGTERM maps to cancellation one
// layer up, in cmd/client).
func (r *Runtime) Run(ctx context.Context) error {
	states, err := pathmgr.Resolve(r.cfg.Resolvers)
	if err != nil {
		return err
	}
	r.states = states

	engine, err := quicengine.NewClientEngine(states, r.cfg.Domain, r.cfg.Log, r.cfg.Metrics)
	if err != nil {
		return fmt.Errorf("clientrt: build engine: %w", err)
	}
	r.engine = engine
	engine.Start(ctx)
	defer engine.Close()

	conn, err := quic.Dial(ctx, engine, quicengine.TunnelAddr, r.cfg.TLSConfig, r.cfg.QUICConfig)
	if err != nil {
		return fmt.Errorf("clientrt: dial: %w", err)
	}
	r.conn = conn
	defer conn.CloseWithError(0, "")

	listener, err := net.Listen("tcp", r.cfg.TCPListenAddr)
	if err != nil {
		return fmt.Errorf("clientrt: listen %s: %w", r.cfg.TCPListenAddr, err)
	}
	defer listener.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.acceptLoop(ctx, listener) })
	g.Go(func() error { r.pathSupervisor(ctx); return nil })
	g.Go(func() error {
		<-ctx.Done()
		listener.Close()
		return nil
	})
	if r.cfg.Metrics != nil {
		sampler, err := metrics.NewSampler(r.cfg.Metrics, sampleInterval)
		if err != nil {
			r.cfg.Log.Warn().Err(err).Msg("clientrt: process sampler unavailable")
		} else {
			g.Go(func() error { sampler.Run(ctx); return nil })
		}
	}

	return g.Wait()
}

func (r *Runtime) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("clientrt: accept: %w", err)
		}
		go r.bridgeConnection(ctx, conn)
	}
}

func (r *Runtime) registerStream(id uint64, s *forward.StreamState) {
	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()
}

func (r *Runtime) unregisterStream(id uint64) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

// bridgeConnection opens one QUIC stream for tcpConn and pumps bytes in
// both directions until either side closes or fails. TCP reads flow through
// forward.SpawnReader into the command channel and are written to the
// stream inline here; stream reads are pumped into the TCP writer's channel
// by a forward.PumpToStreamState goroutine, beside the two spawned tasks
// (reader, writer) the runtime's stream-forwarding model calls for.
func (r *Runtime) bridgeConnection(ctx context.Context, tcpConn net.Conn) {
	defer tcpConn.Close()

	stream, err := r.conn.OpenStreamSync(ctx)
	if err != nil {
		r.cfg.Log.Error().Err(err).Msg("clientrt: open stream")
		return
	}
	defer stream.Close()

	streamID := uint64(stream.StreamID())
	state := forward.NewStreamState(64)
	r.registerStream(streamID, state)
	defer r.unregisterStream(streamID)

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.StreamsActive.Inc()
		defer r.cfg.Metrics.StreamsActive.Dec()
	}

	commands := make(chan forward.Command, 64)
	forward.SpawnReader(streamID, tcpConn, commands)
	forward.SpawnWriter(streamID, tcpConn, state.WriteCh, commands, r.cfg.CoalesceMaxBytes)

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
				state.AddTxBytes(len(cmd.Data))
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

// pathSupervisor periodically drains path-lifecycle events from the engine,
// probes any still-Fresh resolver, and mirrors path state into metrics.
func (r *Runtime) pathSupervisor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PathRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pathmgr.DrainPathEvents(r.engine, r.states)
			for _, st := range r.states {
				if st.CurrentState() == pathmgr.Fresh {
					if err := pathmgr.RefreshPath(r.engine, st); err != nil {
						r.cfg.Log.Debug().Err(err).Str("path", st.Label()).Msg("clientrt: path probe failed")
					}
				}
				if r.cfg.Metrics != nil {
					r.cfg.Metrics.PathState.WithLabelValues(st.Label()).Set(float64(st.CurrentState()))
				}
			}
		}
	}
}
