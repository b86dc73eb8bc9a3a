// Package pacing translates a QUIC congestion window into a budget of
// in-flight polls an authoritative path should keep outstanding, so the
// server can opportunistically return a roughly-cwnd-filled response train
// without starving the connection.
package pacing

import (
	"time"

	"golang.org/x/time/rate"
)

// CwndTargetPolls returns the number of in-flight polls a path should aim
// to keep outstanding given a congestion-window size and the tunnel's MTU.
// Always at least 1.
func CwndTargetPolls(cwndBytes, mtu int) int {
	if mtu <= 0 {
		return 1
	}
	target := (cwndBytes + mtu - 1) / mtu // ceil(cwnd/mtu)
	if target < 1 {
		target = 1
	}
	return target
}

// InflightPacketEstimate returns how many packets are likely already in
// flight given a byte count and the tunnel's MTU.
func InflightPacketEstimate(bytesInFlight, mtu int) int {
	if mtu <= 0 || bytesInFlight <= 0 {
		return 0
	}
	return bytesInFlight / mtu
}

// Budget is a snapshot of how many more polls a path is permitted to hold
// in flight right now.
type Budget struct {
	Permitted int
	Inflight  int
}

// Snapshot computes a path's poll budget from a congestion-window and
// bytes-in-flight reading. Pending is clamped to >=0.
func Snapshot(cwndBytes, bytesInFlight, mtu int) Budget {
	target := CwndTargetPolls(cwndBytes, mtu)
	inflight := InflightPacketEstimate(bytesInFlight, mtu)
	pending := target - inflight
	if pending < 0 {
		pending = 0
	}
	return Budget{Permitted: pending, Inflight: inflight}
}

// AuthoritativeLoopMultiplier reflects that each authoritative query can
// both deliver client->server bytes and receive a server->client packet,
// doubling back-and-forth cadence relative to a recursive path.
const AuthoritativeLoopMultiplier = 4

// RecursiveLoopMultiplier is the base multiplier for recursive paths.
const RecursiveLoopMultiplier = 1

// PollLimiter smooths a per-tick poll budget into an actual emission rate
// with a real token bucket, rather than writing a tick's whole budget to
// the wire as one instantaneous burst.
type PollLimiter struct {
	rl *rate.Limiter
}

// NewPollLimiter builds a limiter that refills one token per pollInterval,
// capped at maxBurst tokens outstanding.
func NewPollLimiter(pollInterval time.Duration, maxBurst int) *PollLimiter {
	if maxBurst < 1 {
		maxBurst = 1
	}
	return &PollLimiter{rl: rate.NewLimiter(rate.Every(pollInterval), maxBurst)}
}

// TakeBudget consumes up to permitted tokens, never more than are
// currently available, and returns how many were actually granted.
func (p *PollLimiter) TakeBudget(permitted int) int {
	granted := 0
	for granted < permitted && p.rl.Allow() {
		granted++
	}
	return granted
}
