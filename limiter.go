package tgward

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tgward/tgward/metrics"
	"github.com/tgward/tgward/store"
)

// OpType names the quota bucket a guarded call draws from.
type OpType string

const (
	// OpAPI is a plain read; it only counts toward the api_calls counter.
	OpAPI OpType = "api"
	// OpDM is a direct message send.
	OpDM OpType = "dm"
	// OpJoin is a join/leave-shaped membership change.
	OpJoin OpType = "join"
	// OpGroupMsg is a message or file sent into a group or channel.
	OpGroupMsg OpType = "group_msg"
)

// Counters is the per-day operation counter set, persisted as key=value lines.
type Counters struct {
	Date          string
	DMCount       int
	JoinCount     int
	GroupMsgCount int
	APICalls      int
	FloodWaits    int
}

// LimiterConfig tunes the rate-limit kernel.
type LimiterConfig struct {
	RPS                float64
	MaxDMPerDay        int
	MaxJoinsPerDay     int
	MaxGroupMsgsPerDay int
	DataDir            string
	GlobalMode         string // "shared", "local" or "off"
	FloodThresholdSec  int
	FloodCooldownSec   int
}

func (c *LimiterConfig) applyDefaults() {
	if c.RPS < 0.1 {
		c.RPS = 4.0
	}
	if c.MaxDMPerDay <= 0 {
		c.MaxDMPerDay = 20
	}
	if c.MaxJoinsPerDay <= 0 {
		c.MaxJoinsPerDay = 20
	}
	if c.MaxGroupMsgsPerDay <= 0 {
		c.MaxGroupMsgsPerDay = 30
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join("data", "anti_spam")
	}
	switch c.GlobalMode {
	case "shared", "local", "off":
	default:
		c.GlobalMode = "shared"
	}
}

// sleepFunc waits for d or until ctx is cancelled.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TokenBucket is the in-process token bucket. A single mutex protects the
// token count and refill timestamp, so acquisitions within one process are
// served in lock order.
type TokenBucket struct {
	mu         chanMutex
	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time

	now        func() time.Time
	sleep      sleepFunc
	onThrottle func(wait time.Duration)
}

// chanMutex is a context-aware mutex: the token-bucket sleep happens while
// holding it, and later acquirers must be able to give up on cancellation.
type chanMutex chan struct{}

func newChanMutex() chanMutex { return make(chanMutex, 1) }

func (m chanMutex) lock(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chanMutex) unlock() { <-m }

// NewTokenBucket creates a bucket with the given capacity and refill rate in
// tokens per second.
func NewTokenBucket(capacity int, rate float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if rate < 0.1 {
		rate = 0.1
	}
	return &TokenBucket{
		mu:         newChanMutex(),
		capacity:   float64(capacity),
		rate:       rate,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Acquire takes n tokens, sleeping once for the shortfall if needed. It
// returns false when n exceeds capacity or when tokens are still short after
// the wait.
func (b *TokenBucket) Acquire(ctx context.Context, n int) (bool, error) {
	if float64(n) > b.capacity {
		return false, nil
	}

	if err := b.mu.lock(ctx); err != nil {
		return false, err
	}
	defer b.mu.unlock()

	now := b.now()
	b.tokens = math.Min(b.capacity, b.tokens+now.Sub(b.lastRefill).Seconds()*b.rate)
	b.lastRefill = now

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true, nil
	}

	wait := time.Duration((float64(n) - b.tokens) / b.rate * float64(time.Second))
	if b.onThrottle != nil {
		b.onThrottle(wait)
	}
	if err := b.sleep(ctx, wait); err != nil {
		return false, err
	}

	now = b.now()
	b.tokens = math.Min(b.capacity, b.tokens+now.Sub(b.lastRefill).Seconds()*b.rate)
	b.lastRefill = now
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true, nil
	}
	return false, nil
}

// Limiter combines the local token bucket, the optional cross-process shared
// bucket, the per-operation daily quotas, and the FLOOD_WAIT circuit breaker.
type Limiter struct {
	cfg    LimiterConfig
	bucket *TokenBucket
	log    *zap.Logger
	met    *metrics.Instruments

	now   func() time.Time
	sleep sleepFunc

	counterFile string
	globalFile  string
	circuitFile string
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLogger sets the limiter's logger.
func WithLogger(log *zap.Logger) LimiterOption {
	return func(l *Limiter) { l.log = log }
}

// WithMetrics wires the limiter's throttle/flood instruments.
func WithMetrics(met *metrics.Instruments) LimiterOption {
	return func(l *Limiter) { l.met = met }
}

// WithClock overrides the limiter's time source and sleeper. Tests use this
// to run wait-heavy paths without wall-clock delays.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) LimiterOption {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
		l.bucket.now = now
		l.bucket.sleep = sleep
	}
}

// NewLimiter creates a Limiter rooted at cfg.DataDir.
func NewLimiter(cfg LimiterConfig, opts ...LimiterOption) *Limiter {
	cfg.applyDefaults()

	l := &Limiter{
		cfg:         cfg,
		bucket:      NewTokenBucket(int(math.Ceil(cfg.RPS*2)), cfg.RPS),
		log:         zap.NewNop(),
		now:         time.Now,
		sleep:       sleepCtx,
		counterFile: filepath.Join(cfg.DataDir, "daily_counters.txt"),
		globalFile:  filepath.Join(cfg.DataDir, "global_rps_state.json"),
		circuitFile: filepath.Join(cfg.DataDir, "flood_circuit_state.json"),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.bucket.onThrottle = func(wait time.Duration) {
		l.met.IncThrottled(context.Background())
		l.log.Info("rate limit (local): waiting for tokens", zap.Duration("wait", wait))
	}

	l.log.Info("rate limiter initialized",
		zap.Float64("rps", l.cfg.RPS),
		zap.Int("dm_per_day", l.cfg.MaxDMPerDay),
		zap.Int("joins_per_day", l.cfg.MaxJoinsPerDay),
		zap.Int("group_msgs_per_day", l.cfg.MaxGroupMsgsPerDay),
		zap.String("global_mode", l.cfg.GlobalMode),
		zap.Int("circuit_threshold_sec", l.cfg.FloodThresholdSec),
		zap.Int("circuit_cooldown_sec", l.cfg.FloodCooldownSec),
	)
	return l
}

// Config returns the limiter configuration after defaulting.
func (l *Limiter) Config() LimiterConfig { return l.cfg }

// Acquire takes n tokens from the local bucket, then the shared one.
func (l *Limiter) Acquire(ctx context.Context, n int) (bool, error) {
	ok, err := l.bucket.Acquire(ctx, n)
	if err != nil || !ok {
		return ok, err
	}
	return l.globalAcquire(ctx, n)
}

// globalAcquire drains the file-backed shared bucket. The read-modify-write
// happens under the exclusive lock; the sleep happens outside it so other
// processes can refill meanwhile.
func (l *Limiter) globalAcquire(ctx context.Context, n int) (bool, error) {
	if l.cfg.GlobalMode == "off" || l.cfg.GlobalMode == "local" {
		return true, nil
	}

	capacity := math.Max(1, math.Ceil(l.cfg.RPS*2))
	for {
		wait, err := store.Update(l.globalFile, func(state map[string]any) (time.Duration, error) {
			now := l.now()
			tokens := capacity
			lastRefill := float64(now.UnixNano()) / float64(time.Second)
			if v, ok := state["tokens"].(float64); ok {
				tokens = v
			}
			if v, ok := state["last_refill"].(float64); ok {
				lastRefill = v
			}

			elapsed := math.Max(0, float64(now.UnixNano())/float64(time.Second)-lastRefill)
			tokens = math.Min(capacity, tokens+elapsed*l.cfg.RPS)

			var wait time.Duration
			if tokens >= float64(n) {
				tokens -= float64(n)
			} else {
				wait = time.Duration((float64(n) - tokens) / l.cfg.RPS * float64(time.Second))
			}

			state["tokens"] = tokens
			state["last_refill"] = float64(now.UnixNano()) / float64(time.Second)
			return wait, nil
		})
		if err != nil {
			return false, err
		}
		if wait <= 0 {
			return true, nil
		}

		l.met.IncThrottled(ctx)
		l.log.Info("rate limit (shared): waiting for tokens", zap.Duration("wait", wait))
		if err := l.sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// --- daily counters ---

const counterDateLayout = "2006-01-02"

func (l *Limiter) today() string { return l.now().Format(counterDateLayout) }

func (l *Limiter) defaultCounters() Counters { return Counters{Date: l.today()} }

func (l *Limiter) readCountersFile() Counters {
	c := l.defaultCounters()
	data, err := os.ReadFile(l.counterFile)
	if err != nil {
		return c
	}

	parsed := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			parsed[key] = value
		}
	}
	if parsed["date"] != c.Date {
		return l.defaultCounters()
	}

	atoi := func(s string) int {
		v, _ := strconv.Atoi(s)
		return v
	}
	c.DMCount = atoi(parsed["dm_count"])
	c.JoinCount = atoi(parsed["join_count"])
	c.GroupMsgCount = atoi(parsed["group_msg_count"])
	c.APICalls = atoi(parsed["api_calls"])
	c.FloodWaits = atoi(parsed["flood_waits"])
	return c
}

func (l *Limiter) writeCountersFile(c Counters) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "date=%s\n", c.Date)
	fmt.Fprintf(&sb, "dm_count=%d\n", c.DMCount)
	fmt.Fprintf(&sb, "join_count=%d\n", c.JoinCount)
	fmt.Fprintf(&sb, "group_msg_count=%d\n", c.GroupMsgCount)
	fmt.Fprintf(&sb, "api_calls=%d\n", c.APICalls)
	fmt.Fprintf(&sb, "flood_waits=%d\n", c.FloodWaits)
	return store.WriteAtomic(l.counterFile, []byte(sb.String()))
}

// withCounters runs fn on the current counter set under the counter lock,
// persisting the result when persist is true.
func (l *Limiter) withCounters(fn func(c *Counters), persist bool) (Counters, error) {
	var out Counters
	err := store.WithLock(l.counterFile, false, func() error {
		c := l.readCountersFile()
		fn(&c)
		out = c
		if persist {
			return l.writeCountersFile(c)
		}
		return nil
	})
	return out, err
}

// CheckQuota reports whether op still has daily budget. OpAPI is unmetered.
func (l *Limiter) CheckQuota(op OpType) error {
	c, err := l.withCounters(func(*Counters) {}, false)
	if err != nil {
		return err
	}
	switch op {
	case OpDM:
		if c.DMCount >= l.cfg.MaxDMPerDay {
			return &ErrQuotaExceeded{Op: OpDM, Used: c.DMCount, Limit: l.cfg.MaxDMPerDay}
		}
	case OpJoin:
		if c.JoinCount >= l.cfg.MaxJoinsPerDay {
			return &ErrQuotaExceeded{Op: OpJoin, Used: c.JoinCount, Limit: l.cfg.MaxJoinsPerDay}
		}
	case OpGroupMsg:
		if c.GroupMsgCount >= l.cfg.MaxGroupMsgsPerDay {
			return &ErrQuotaExceeded{Op: OpGroupMsg, Used: c.GroupMsgCount, Limit: l.cfg.MaxGroupMsgsPerDay}
		}
	}
	return nil
}

// IncrementOp counts one successful operation of the given type.
func (l *Limiter) IncrementOp(op OpType) error {
	c, err := l.withCounters(func(c *Counters) {
		switch op {
		case OpDM:
			c.DMCount++
		case OpJoin:
			c.JoinCount++
		case OpGroupMsg:
			c.GroupMsgCount++
		}
	}, true)
	if err != nil {
		return err
	}
	switch op {
	case OpDM:
		l.log.Info("dm counter", zap.Int("used", c.DMCount), zap.Int("limit", l.cfg.MaxDMPerDay))
	case OpJoin:
		l.log.Info("join counter", zap.Int("used", c.JoinCount), zap.Int("limit", l.cfg.MaxJoinsPerDay))
	case OpGroupMsg:
		l.log.Info("group message counter", zap.Int("used", c.GroupMsgCount), zap.Int("limit", l.cfg.MaxGroupMsgsPerDay))
	}
	return nil
}

// IncrementAPI counts one attempted Telegram call.
func (l *Limiter) IncrementAPI() error {
	c, err := l.withCounters(func(c *Counters) { c.APICalls++ }, true)
	if err != nil {
		return err
	}
	if c.APICalls%100 == 0 {
		l.log.Info("api calls today", zap.Int("count", c.APICalls))
	}
	return nil
}

// IncrementFlood counts a FLOOD_WAIT and trips the circuit breaker if the
// wait crosses the threshold.
func (l *Limiter) IncrementFlood(waitSec int) error {
	c, err := l.withCounters(func(c *Counters) { c.FloodWaits++ }, true)
	if err != nil {
		return err
	}
	l.log.Warn("FLOOD_WAIT observed", zap.Int("wait_sec", waitSec), zap.Int("today", c.FloodWaits))
	if waitSec > 600 {
		l.log.Error("critical FLOOD_WAIT, possible account risk", zap.Int("wait_sec", waitSec))
	}
	return l.TripCircuit(waitSec)
}

// CountersSnapshot returns the current counter set.
func (l *Limiter) CountersSnapshot() (Counters, error) {
	var out Counters
	err := store.WithLock(l.counterFile, true, func() error {
		out = l.readCountersFile()
		return nil
	})
	return out, err
}

// --- circuit breaker ---

// CheckCircuit returns ErrCircuitOpen while the breaker is open, closing
// stale state on the way.
func (l *Limiter) CheckCircuit() error {
	remaining, err := store.Update(l.circuitFile, func(state map[string]any) (int, error) {
		openUntil, _ := state["open_until"].(float64)
		if openUntil <= 0 {
			return 0, nil
		}
		now := float64(l.now().UnixNano()) / float64(time.Second)
		if now >= openUntil {
			state["open_until"] = 0.0
			l.log.Info("circuit breaker closed after cooldown")
			return 0, nil
		}
		return int(math.Ceil(openUntil - now)), nil
	})
	if err != nil {
		return err
	}
	if remaining > 0 {
		return &ErrCircuitOpen{SecondsRemaining: remaining}
	}
	return nil
}

// TripCircuit opens the breaker for the cooldown when waitSec crosses the
// threshold. An open window is never shortened.
func (l *Limiter) TripCircuit(waitSec int) error {
	if l.cfg.FloodThresholdSec <= 0 || waitSec < l.cfg.FloodThresholdSec {
		return nil
	}

	tripped, err := store.Update(l.circuitFile, func(state map[string]any) (bool, error) {
		current, _ := state["open_until"].(float64)
		openUntil := float64(l.now().UnixNano())/float64(time.Second) + float64(l.cfg.FloodCooldownSec)
		if openUntil > current {
			state["open_until"] = openUntil
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if tripped {
		l.log.Error("circuit breaker OPEN",
			zap.Int("cooldown_sec", l.cfg.FloodCooldownSec),
			zap.Int("flood_wait_sec", waitSec))
	}
	return nil
}

// CircuitState reports the breaker for the stats surface.
func (l *Limiter) CircuitState() map[string]any {
	remaining, _ := store.Update(l.circuitFile, func(state map[string]any) (int, error) {
		openUntil, _ := state["open_until"].(float64)
		now := float64(l.now().UnixNano()) / float64(time.Second)
		if openUntil > 0 && now >= openUntil {
			state["open_until"] = 0.0
			return 0, nil
		}
		if openUntil > now {
			return int(math.Ceil(openUntil - now)), nil
		}
		return 0, nil
	})

	return map[string]any{
		"enabled":          l.cfg.FloodThresholdSec > 0 && l.cfg.FloodCooldownSec > 0,
		"open":             remaining > 0,
		"remaining_sec":    remaining,
		"threshold_sec":    l.cfg.FloodThresholdSec,
		"cooldown_sec":     l.cfg.FloodCooldownSec,
	}
}

// Stats returns the quota usage summary for the stats tool.
func (l *Limiter) Stats() map[string]any {
	c, _ := l.CountersSnapshot()
	return map[string]any{
		"date":            c.Date,
		"dm_usage":        fmt.Sprintf("%d/%d", c.DMCount, l.cfg.MaxDMPerDay),
		"join_usage":      fmt.Sprintf("%d/%d", c.JoinCount, l.cfg.MaxJoinsPerDay),
		"group_msg_usage": fmt.Sprintf("%d/%d", c.GroupMsgCount, l.cfg.MaxGroupMsgsPerDay),
		"api_calls":       c.APICalls,
		"flood_waits":     c.FloodWaits,
		"current_rps":     l.cfg.RPS,
		"global_rps_mode": l.cfg.GlobalMode,
		"circuit_breaker": l.CircuitState(),
	}
}

// SmartPause sleeps at cooperative checkpoints inside large enumerations:
// every 5000 participants or every 1000 messages.
func (l *Limiter) SmartPause(ctx context.Context, op string, count int) error {
	switch op {
	case "participants":
		if count > 0 && count%5000 == 0 {
			l.log.Info("smart pause", zap.String("op", op), zap.Int("count", count))
			return l.sleep(ctx, time.Second)
		}
	case "messages":
		if count > 0 && count%1000 == 0 {
			l.log.Info("smart pause", zap.String("op", op), zap.Int("count", count))
			return l.sleep(ctx, time.Second)
		}
	}
	return nil
}
