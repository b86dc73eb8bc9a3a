// Package metrics exposes an in-process Prometheus registry for the
// tunnel's debug surface (--debug-poll / --debug-streams / --debug-commands)
// and a periodic process-resource sampler feeding it gauges.
package metrics

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

const namespace = "dq_tunnel"

// Registry holds every counter and gauge the tunnel updates, registered
// against a private prometheus.Registry rather than the global default one
// so tests and multiple in-process instances don't collide.
type Registry struct {
	reg *prometheus.Registry

	FragmentsSent      prometheus.Counter
	FragmentsReceived  prometheus.Counter
	FragmentsDropped   *prometheus.CounterVec
	PollsInFlight      *prometheus.GaugeVec
	PathState          *prometheus.GaugeVec
	StreamBytesForward *prometheus.CounterVec
	StreamsActive      prometheus.Gauge
	ProcessRSSBytes    prometheus.Gauge
	ProcessCPUPercent  prometheus.Gauge
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		FragmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "sent_total",
			Help:      "Fragment envelopes sent.",
		}),
		FragmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "received_total",
			Help:      "Fragment envelopes received.",
		}),
		FragmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fragment",
			Name:      "dropped_total",
			Help:      "Fragment envelopes dropped, by reason.",
		}, []string{"reason"}),
		PollsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "in_flight",
			Help:      "Outstanding polls per resolver path.",
		}, []string{"path"}),
		PathState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "state",
			Help:      "Path lifecycle state (0=Fresh,1=Probing,2=Installed,3=Suspended) per resolver path.",
		}, []string{"path"}),
		StreamBytesForward: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_forwarded_total",
			Help:      "Bytes forwarded between TCP and QUIC, by direction.",
		}, []string{"direction"}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Currently open forwarded streams.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "rss_bytes",
			Help:      "Resident set size sampled from the OS.",
		}),
		ProcessCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Process CPU utilization percent, sampled over the last interval.",
		}),
	}

	reg.MustRegister(
		m.FragmentsSent,
		m.FragmentsReceived,
		m.FragmentsDropped,
		m.PollsInFlight,
		m.PathState,
		m.StreamBytesForward,
		m.StreamsActive,
		m.ProcessRSSBytes,
		m.ProcessCPUPercent,
	)
	return m
}

// Registerer exposes the underlying registry, e.g. for an optional
// /metrics HTTP handler wired up by main.
func (m *Registry) Registerer() *prometheus.Registry { return m.reg }

// Sampler periodically reads process RSS and CPU usage into the registry.
// It is a thin wrapper so clientrt/serverrt can start and stop it alongside
// their own lifecycle without importing gopsutil directly.
type Sampler struct {
	metrics  *Registry
	proc     *process.Process
	interval time.Duration
}

// NewSampler creates a sampler for the current process.
func NewSampler(m *Registry, interval time.Duration) (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{metrics: m, proc: proc, interval: interval}, nil
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	if memInfo, err := s.proc.MemoryInfo(); err == nil && memInfo != nil {
		s.metrics.ProcessRSSBytes.Set(float64(memInfo.RSS))
	}
	if pct, err := s.proc.CPUPercent(); err == nil {
		s.metrics.ProcessCPUPercent.Set(pct)
	} else if overall, err := cpu.Percent(0, false); err == nil && len(overall) > 0 {
		s.metrics.ProcessCPUPercent.Set(overall[0])
	}
}
