// Package pathmgr tracks one ResolverState per configured DNS path:
// address, mode, QUIC path id, pacing budget, and in-flight poll ids, and
// implements the Fresh/Probing/Installed/Suspended path lifecycle.
package pathmgr

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"dnsqtun/internal/pacing"
)

// Mode is whether a resolver is a plain recursive forwarder or an
// authoritative server the tunnel server owns.
type Mode int

const (
	Recursive Mode = iota + 1
	Authoritative
)

func (m Mode) String() string {
	switch m {
	case Recursive:
		return "Recursive"
	case Authoritative:
		return "Authoritative"
	default:
		return "Unknown"
	}
}

// Spec is a configured resolver, as parsed from the CLI.
type Spec struct {
	Host string
	Port int
	Mode Mode
}

// State is where a path sits in its lifecycle.
type State int

const (
	Fresh State = iota
	Probing
	Installed
	Suspended
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case Probing:
		return "Probing"
	case Installed:
		return "Installed"
	case Suspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// EventKind is the kind of a path event drained from the QUIC engine.
type EventKind int

const (
	EventAvailable EventKind = iota
	EventSuspended
	EventDeleted
	EventQualityChanged
)

// Event is one path-lifecycle notification from the QUIC engine.
type Event struct {
	Kind   EventKind
	PathID uint64
}

// Quality is a snapshot of a path's congestion state.
type Quality struct {
	RTTMicros     int64
	CwndBytes     int
	BytesInFlight int
	PacingRate    int64
}

// ResolverState is the runtime bookkeeping for one path.
type ResolverState struct {
	mu sync.Mutex

	Addr   *net.UDPAddr // normalized, dual-stack-mapped
	Mode   Mode
	PathID *uint64
	State  State

	PendingPolls    int
	InflightPollIDs map[uint16]time.Time
	Budget          pacing.Budget

	ProbeAttempts int
	NextProbeAt   time.Time
}

// Label is a short human-readable identifier for logging.
func (s *ResolverState) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s/%s", s.Addr, s.Mode)
}

// NormalizeAddr maps a v4 address to its v4-mapped-v6 form. v6 addresses
// pass through unchanged. This is idempotent: applying it twice yields the
// same bytes, since net.IP.To4 recognizes the mapped form too.
//
// Caveat (spec.md Open Question #2): some operating systems refuse to send
// to v4-mapped v6 addresses when IPV6_V6ONLY is set on the socket. This
// repo assumes a dual-stack socket, matching the original implementation;
// it does not add OS-specific fallback branching.
func NormalizeAddr(addr *net.UDPAddr) *net.UDPAddr {
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4.To16()
	}
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}

// Resolve parses specs into ResolverStates in CLI textual order. The first
// entry is the primary path (Installed immediately, path id 0); the rest
// start Fresh. Duplicate addresses (post-normalization) are rejected.
func Resolve(specs []Spec) ([]*ResolverState, error) {
	seen := make(map[string]Mode, len(specs))
	states := make([]*ResolverState, 0, len(specs))

	for i, spec := range specs {
		udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port)))
		if err != nil {
			return nil, fmt.Errorf("pathmgr: resolve %s:%d: %w", spec.Host, spec.Port, err)
		}
		norm := NormalizeAddr(udpAddr)
		key := norm.String()
		if existing, dup := seen[key]; dup {
			return nil, fmt.Errorf("pathmgr: Duplicate resolver address %s (modes: %s and %s)", key, existing, spec.Mode)
		}
		seen[key] = spec.Mode

		st := &ResolverState{
			Addr:            norm,
			Mode:            spec.Mode,
			InflightPollIDs: make(map[uint16]time.Time),
		}
		if i == 0 {
			id := uint64(0)
			st.PathID = &id
			st.State = Installed
		} else {
			st.State = Fresh
		}
		states = append(states, st)
	}
	return states, nil
}

// BeginProbe transitions a Fresh path to Probing, incrementing its attempt
// counter. Called once the QUIC connection becomes ready, for every
// non-primary path.
func (s *ResolverState) BeginProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = Probing
	s.ProbeAttempts++
}

// ApplyEvent advances a path's state machine in response to a drained
// PathEvent whose PathID matches this state's PathID.
func (s *ResolverState) ApplyEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case EventAvailable:
		id := ev.PathID
		s.PathID = &id
		s.State = Installed
	case EventDeleted:
		s.PathID = nil
		s.State = Fresh
		s.NextProbeAt = time.Now().Add(probeBackoff(s.ProbeAttempts))
	case EventSuspended:
		s.State = Suspended
	case EventQualityChanged:
		// quality is refreshed separately via FetchQuality; no transition.
	}
}

// Reset clears a path back to its initial Fresh state, as on a hard
// reconnect.
func (s *ResolverState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = Fresh
	s.PathID = nil
	s.PendingPolls = 0
	s.InflightPollIDs = make(map[uint16]time.Time)
	s.ProbeAttempts = 0
	s.NextProbeAt = time.Time{}
}

// probeBackoff doubles from 1s to a 30s cap, matching the reconnect
// backoff shape the teacher uses for the tunnel connection itself.
func probeBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// ExpireInflightPolls drops in-flight poll ids older than timeout, matching
// the original's short-circuit-if-empty, subtract-then-compare shape.
func (s *ResolverState) ExpireInflightPolls(now time.Time, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.InflightPollIDs) == 0 {
		return
	}
	cutoff := now.Add(-timeout)
	for id, sentAt := range s.InflightPollIDs {
		if !sentAt.After(cutoff) {
			delete(s.InflightPollIDs, id)
		}
	}
}

// TrackPoll records a newly sent poll's DNS id as in flight.
func (s *ResolverState) TrackPoll(dnsID uint16, sentAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InflightPollIDs[dnsID] = sentAt
}

// UntrackPoll removes a poll id once its response is processed.
func (s *ResolverState) UntrackPoll(dnsID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.InflightPollIDs, dnsID)
}

// InflightPollCount returns the number of outstanding poll ids.
func (s *ResolverState) InflightPollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.InflightPollIDs)
}

// SetBudget updates the path's pacing budget snapshot (authoritative paths
// only; recursive paths have no congestion-window visibility).
func (s *ResolverState) SetBudget(b pacing.Budget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Budget = b
}

// CurrentState returns the path's lifecycle state.
func (s *ResolverState) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// LoopMultiplier returns the burst multiplier for a path's mode.
// Authoritative paths get 4x the base: each authoritative query both
// carries client->server bytes and may carry a server->client packet.
func LoopMultiplier(mode Mode) int {
	if mode == Authoritative {
		return pacing.AuthoritativeLoopMultiplier
	}
	return pacing.RecursiveLoopMultiplier
}

// LoopBurstTotal sums base*multiplier across all Installed or Suspended
// paths (Suspended paths still count toward receive-side draining budget,
// they simply get no new sends). If no path qualifies, base is returned as
// a floor so the loop still makes progress on the primary.
func LoopBurstTotal(states []*ResolverState, base int) int {
	total := 0
	for _, s := range states {
		st := s.CurrentState()
		if st != Installed && st != Suspended {
			continue
		}
		total += base * LoopMultiplier(s.Mode)
	}
	if total == 0 {
		total = base
	}
	return total
}

// QualitySource is the subset of the QUIC engine's capability set this
// package needs to read path-level congestion statistics without importing
// the engine package (which in turn depends on pathmgr for its types).
type QualitySource interface {
	PathQuality(pathID uint64) (Quality, bool)
}

// FetchQuality reads the current congestion snapshot for an installed
// path, if one is available.
func FetchQuality(qs QualitySource, s *ResolverState) (Quality, bool) {
	s.mu.Lock()
	pathID := s.PathID
	s.mu.Unlock()
	if pathID == nil {
		return Quality{}, false
	}
	return qs.PathQuality(*pathID)
}

// Prober is the subset of the QUIC engine's capability set needed to drive
// path probing and mode changes.
type Prober interface {
	ProbePath(addr *net.UDPAddr) (uint64, error)
	SetPathMode(pathID uint64, mode int) error
}

// RefreshPath probes a Fresh path, moving it to Probing on success. It is a
// no-op for paths not currently Fresh (already probing, installed, or
// suspended), and for a Fresh path whose NextProbeAt backoff has not yet
// passed.
func RefreshPath(p Prober, s *ResolverState) error {
	if s.CurrentState() != Fresh {
		return nil
	}
	s.mu.Lock()
	waiting := time.Now().Before(s.NextProbeAt)
	s.mu.Unlock()
	if waiting {
		return nil
	}
	if _, err := p.ProbePath(s.Addr); err != nil {
		s.mu.Lock()
		s.ProbeAttempts++
		s.NextProbeAt = time.Now().Add(probeBackoff(s.ProbeAttempts))
		s.mu.Unlock()
		return err
	}
	s.BeginProbe()
	return nil
}

// ApplyPathMode is a protocol hook for future per-path scheduling; today it
// leaves every installed path in its default mode.
func ApplyPathMode(p Prober, s *ResolverState) error {
	if s.CurrentState() != Installed {
		return nil
	}
	s.mu.Lock()
	pathID := s.PathID
	s.mu.Unlock()
	if pathID == nil {
		return nil
	}
	const modeNormal = 0
	return p.SetPathMode(*pathID, modeNormal)
}

// EventDrainer is the subset of the QUIC engine's capability set needed to
// collect pending path events.
type EventDrainer interface {
	DrainPathEvents() []Event
}

// DrainPathEvents applies every pending event from the engine to whichever
// ResolverState owns the matching path id.
func DrainPathEvents(d EventDrainer, states []*ResolverState) {
	for _, ev := range d.DrainPathEvents() {
		for _, s := range states {
			s.mu.Lock()
			match := s.PathID != nil && *s.PathID == ev.PathID
			s.mu.Unlock()
			if match {
				s.ApplyEvent(ev)
			}
		}
	}
}
