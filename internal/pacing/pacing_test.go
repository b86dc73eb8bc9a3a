package pacing

import (
	"testing"
	"time"
)

func TestCwndTargetPollsAlwaysAtLeastOne(t *testing.T) {
	cases := []int{0, 1, -5}
	for _, cwnd := range cases {
		if got := CwndTargetPolls(cwnd, 1200); got < 1 {
			t.Fatalf("CwndTargetPolls(%d, 1200) = %d, want >= 1", cwnd, got)
		}
	}
}

func TestCwndTargetPollsExactMultiple(t *testing.T) {
	mtu := 1200
	for k := 1; k <= 10; k++ {
		got := CwndTargetPolls(k*mtu, mtu)
		if got != k {
			t.Fatalf("CwndTargetPolls(%d*mtu, mtu) = %d, want %d", k, got, k)
		}
	}
}

func TestScenario6Literal(t *testing.T) {
	target := CwndTargetPolls(9000, 1200)
	if target != 8 {
		t.Fatalf("cwnd_target_polls(9000, 1200) = %d, want 8", target)
	}
	inflight := InflightPacketEstimate(3600, 1200)
	if inflight != 3 {
		t.Fatalf("inflight_packet_estimate(3600, 1200) = %d, want 3", inflight)
	}
	budget := Snapshot(9000, 3600, 1200)
	if budget.Permitted != 5 {
		t.Fatalf("pending poll target = %d, want 5", budget.Permitted)
	}
}

func TestSnapshotClampsAtZero(t *testing.T) {
	budget := Snapshot(1200, 100000, 1200)
	if budget.Permitted != 0 {
		t.Fatalf("expected permitted clamped to 0, got %d", budget.Permitted)
	}
}

func TestPollLimiterCapsBurstAtMax(t *testing.T) {
	lim := NewPollLimiter(time.Hour, 5)
	granted := lim.TakeBudget(100)
	if granted != 5 {
		t.Fatalf("granted = %d, want 5 (capped at maxBurst)", granted)
	}
}

func TestPollLimiterGrantsNoMoreThanRequested(t *testing.T) {
	lim := NewPollLimiter(time.Hour, 50)
	granted := lim.TakeBudget(3)
	if granted != 3 {
		t.Fatalf("granted = %d, want 3", granted)
	}
}

func TestPollLimiterDepletesThenRefillsOverTime(t *testing.T) {
	lim := NewPollLimiter(5*time.Millisecond, 2)
	if granted := lim.TakeBudget(10); granted != 2 {
		t.Fatalf("first grant = %d, want 2", granted)
	}
	if granted := lim.TakeBudget(10); granted != 0 {
		t.Fatalf("immediate second grant = %d, want 0 (bucket empty)", granted)
	}
	time.Sleep(20 * time.Millisecond)
	if granted := lim.TakeBudget(10); granted == 0 {
		t.Fatalf("expected tokens to have refilled after waiting")
	}
}
