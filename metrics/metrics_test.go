package metrics

import (
	"context"
	"testing"
)

func TestSnapshotCountsMirrorIncrements(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	m.IncRequests(ctx)
	m.IncRequests(ctx)
	m.IncThrottled(ctx)
	m.IncFloodWaits(ctx)

	snap := m.Snapshot()
	if snap["rate_limit_requests_total"] != int64(2) {
		t.Errorf("requests = %v", snap["rate_limit_requests_total"])
	}
	if snap["rate_limit_throttled_total"] != int64(1) {
		t.Errorf("throttled = %v", snap["rate_limit_throttled_total"])
	}
	if snap["flood_wait_events_total"] != int64(1) {
		t.Errorf("flood_waits = %v", snap["flood_wait_events_total"])
	}
}

func TestLatencyHistogramBuckets(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	m.ObserveLatency(ctx, 0.01) // -> 0.05 bucket
	m.ObserveLatency(ctx, 0.3)  // -> 0.5 bucket
	m.ObserveLatency(ctx, 9.0)  // -> +Inf

	snap := m.Snapshot()
	hist := snap["tele_call_latency_seconds"].(map[string]int64)
	if hist["0.05"] != 1 {
		t.Errorf("0.05 bucket = %d", hist["0.05"])
	}
	if hist["0.5"] != 1 {
		t.Errorf("0.5 bucket = %d", hist["0.5"])
	}
	if hist["+Inf"] != 1 {
		t.Errorf("+Inf bucket = %d", hist["+Inf"])
	}
}

func TestNilInstrumentsAreSafe(t *testing.T) {
	var m *Instruments
	ctx := context.Background()
	m.IncRequests(ctx)
	m.IncThrottled(ctx)
	m.IncFloodWaits(ctx)
	m.ObserveLatency(ctx, 1.0)
	if got := m.Snapshot(); len(got) != 0 {
		t.Errorf("nil snapshot = %v", got)
	}
}
