package tgward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the limiter without wall-clock delays: sleeps advance the
// clock instantly and are recorded.
type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	return ctx.Err()
}

func testLimiter(t *testing.T, cfg LimiterConfig, clock *fakeClock) *Limiter {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	opts := []LimiterOption{}
	if clock != nil {
		opts = append(opts, WithClock(clock.now, clock.sleep))
	}
	return NewLimiter(cfg, opts...)
}

func TestTokenBucketRejectsOverCapacity(t *testing.T) {
	b := NewTokenBucket(4, 4.0)
	ok, err := b.Acquire(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("acquire above capacity must return false")
	}
}

func TestTokenBucketWaitsForRefill(t *testing.T) {
	// Capacity 2 at 100 tokens/s: four acquires need at least (4-2)/100 s.
	b := NewTokenBucket(2, 100.0)
	start := time.Now()
	for i := 0; i < 4; i++ {
		ok, err := b.Acquire(context.Background(), 1)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("acquire %d failed", i)
		}
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("four acquires finished in %v, want >= 20ms", elapsed)
	}
}

func TestTokenBucketCancelledWhileWaiting(t *testing.T) {
	b := NewTokenBucket(1, 0.1)
	if ok, _ := b.Acquire(context.Background(), 1); !ok {
		t.Fatal("first acquire failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Acquire(ctx, 1)
	if err == nil {
		t.Error("expected context error while waiting for tokens")
	}
}

func TestDailyCountersPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	l := testLimiter(t, LimiterConfig{DataDir: dir}, nil)
	for i := 0; i < 3; i++ {
		if err := l.IncrementOp(OpJoin); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.IncrementAPI(); err != nil {
		t.Fatal(err)
	}

	// A second limiter over the same data dir sees the persisted values.
	l2 := testLimiter(t, LimiterConfig{DataDir: dir}, nil)
	c, err := l2.CountersSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if c.JoinCount != 3 {
		t.Errorf("join_count = %d, want 3", c.JoinCount)
	}
	if c.APICalls != 1 {
		t.Errorf("api_calls = %d, want 1", c.APICalls)
	}
}

func TestDailyCountersResetOnDateRollover(t *testing.T) {
	clock := newFakeClock()
	l := testLimiter(t, LimiterConfig{}, clock)
	if err := l.IncrementOp(OpDM); err != nil {
		t.Fatal(err)
	}

	clock.advance(25 * time.Hour)
	c, err := l.CountersSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if c.DMCount != 0 {
		t.Errorf("dm_count after rollover = %d, want 0", c.DMCount)
	}
	if c.Date != clock.now().Format("2006-01-02") {
		t.Errorf("date = %q, want today", c.Date)
	}
}

func TestCounterConcurrentIncrementsNoLostUpdates(t *testing.T) {
	l := testLimiter(t, LimiterConfig{}, nil)

	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := l.IncrementOp(OpGroupMsg); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	c, err := l.CountersSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if c.GroupMsgCount != workers*perWorker {
		t.Errorf("group_msg_count = %d, want %d", c.GroupMsgCount, workers*perWorker)
	}
}

func TestCheckQuota(t *testing.T) {
	l := testLimiter(t, LimiterConfig{MaxDMPerDay: 2}, nil)

	if err := l.CheckQuota(OpDM); err != nil {
		t.Fatalf("fresh quota should pass: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := l.IncrementOp(OpDM); err != nil {
			t.Fatal(err)
		}
	}

	err := l.CheckQuota(OpDM)
	var quota *ErrQuotaExceeded
	if !errors.As(err, &quota) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if quota.Used != 2 || quota.Limit != 2 {
		t.Errorf("quota = %d/%d, want 2/2", quota.Used, quota.Limit)
	}
}

func TestQuotaErrorMessages(t *testing.T) {
	err := &ErrQuotaExceeded{Op: OpJoin, Used: 20, Limit: 20}
	if got, want := err.Error(), "join quota exceeded: 20/20 per day"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCircuitTripAndAutoClose(t *testing.T) {
	clock := newFakeClock()
	l := testLimiter(t, LimiterConfig{FloodThresholdSec: 300, FloodCooldownSec: 900}, clock)

	// Below threshold: nothing opens.
	if err := l.TripCircuit(299); err != nil {
		t.Fatal(err)
	}
	if err := l.CheckCircuit(); err != nil {
		t.Fatalf("circuit must stay closed below threshold: %v", err)
	}

	// At threshold: opens for the cooldown.
	if err := l.TripCircuit(300); err != nil {
		t.Fatal(err)
	}
	err := l.CheckCircuit()
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if open.SecondsRemaining < 890 || open.SecondsRemaining > 900 {
		t.Errorf("remaining = %d, want ~900", open.SecondsRemaining)
	}

	// A later trip pushes the open window out to a full cooldown again.
	clock.advance(100 * time.Second)
	if err := l.TripCircuit(300); err != nil {
		t.Fatal(err)
	}
	if err := l.CheckCircuit(); !errors.As(err, &open) {
		t.Fatalf("expected circuit still open, got %v", err)
	}
	if open.SecondsRemaining < 890 {
		t.Errorf("trip extended window expected, remaining = %d", open.SecondsRemaining)
	}

	// Auto-closes after the cooldown.
	clock.advance(901 * time.Second)
	if err := l.CheckCircuit(); err != nil {
		t.Errorf("circuit should auto-close, got %v", err)
	}
}

func TestSharedBucketStatePersisted(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	l := testLimiter(t, LimiterConfig{RPS: 2, DataDir: dir, GlobalMode: "shared"}, clock)

	ok, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("acquire failed")
	}

	if _, err := os.Stat(filepath.Join(dir, "global_rps_state.json")); err != nil {
		t.Errorf("shared bucket state file missing: %v", err)
	}
}

func TestGlobalModeOffSkipsSharedBucket(t *testing.T) {
	dir := t.TempDir()
	l := testLimiter(t, LimiterConfig{RPS: 2, DataDir: dir, GlobalMode: "off"}, nil)

	if ok, err := l.Acquire(context.Background(), 1); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "global_rps_state.json")); err == nil {
		t.Error("shared bucket state file should not exist in off mode")
	}
}

func TestStatsShape(t *testing.T) {
	l := testLimiter(t, LimiterConfig{}, nil)
	stats := l.Stats()

	for _, key := range []string{"date", "dm_usage", "join_usage", "group_msg_usage", "api_calls", "flood_waits", "current_rps", "global_rps_mode", "circuit_breaker"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing key %q", key)
		}
	}
	if got := stats["dm_usage"]; got != "0/20" {
		t.Errorf("dm_usage = %v, want 0/20", got)
	}
}

func TestSmartPause(t *testing.T) {
	clock := newFakeClock()
	l := testLimiter(t, LimiterConfig{}, clock)

	if err := l.SmartPause(context.Background(), "participants", 4999); err != nil {
		t.Fatal(err)
	}
	if len(clock.slept) != 0 {
		t.Error("no pause expected below the checkpoint")
	}
	if err := l.SmartPause(context.Background(), "participants", 5000); err != nil {
		t.Fatal(err)
	}
	if len(clock.slept) != 1 {
		t.Fatalf("expected one pause, got %d", len(clock.slept))
	}
	if err := l.SmartPause(context.Background(), "messages", 1000); err != nil {
		t.Fatal(err)
	}
	if len(clock.slept) != 2 {
		t.Fatalf("expected a message pause, got %d sleeps", len(clock.slept))
	}
}

func TestLimiterConfigDefaults(t *testing.T) {
	l := testLimiter(t, LimiterConfig{GlobalMode: "bogus"}, nil)
	cfg := l.Config()
	if cfg.GlobalMode != "shared" {
		t.Errorf("GlobalMode = %q, want shared", cfg.GlobalMode)
	}
	if cfg.RPS != 4.0 {
		t.Errorf("RPS = %v, want 4.0", cfg.RPS)
	}
	if fmt.Sprintf("%d/%d/%d", cfg.MaxDMPerDay, cfg.MaxJoinsPerDay, cfg.MaxGroupMsgsPerDay) != "20/20/30" {
		t.Errorf("unexpected quota defaults: %+v", cfg)
	}
}
