package usage

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestCostEstimate(t *testing.T) {
	price := Cost{Input: 3.0, Output: 15.0}
	got := price.Estimate(1_000_000, 200_000)
	want := 3.0 + 3.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Estimate = %v, want %v", got, want)
	}
}

func TestRecordFillsCostAndTimestamp(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	ledger := NewLedger(dir,
		WithNow(func() time.Time { return now }),
		WithPrices(map[string]Cost{"claude-sonnet-4": {Input: 3.0, Output: 15.0}}))
	defer ledger.Close()

	err := ledger.Record(context.Background(), Entry{
		UserID:       "primary",
		Model:        "claude-sonnet-4",
		InputTokens:  1000,
		OutputTokens: 500,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := ledger.ReadDay(now)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ReadDay returned %d entries, want 1", len(entries))
	}
	e := entries[0]
	if !e.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, now)
	}
	wantCost := (1000*3.0 + 500*15.0) / 1_000_000
	if math.Abs(e.CostUSD-wantCost) > 1e-9 {
		t.Errorf("CostUSD = %v, want %v", e.CostUSD, wantCost)
	}
}

func TestRecordUnknownModelCostsZero(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	ledger := NewLedger(dir, WithNow(func() time.Time { return now }))
	defer ledger.Close()

	err := ledger.Record(context.Background(), Entry{
		Model:        "unpriced-model",
		InputTokens:  1000,
		OutputTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := ledger.ReadDay(now)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(entries) != 1 || entries[0].CostUSD != 0 {
		t.Fatalf("entries = %+v, want one zero-cost entry", entries)
	}
}

func TestLedgerRotatesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC)
	ledger := NewLedger(dir, WithNow(func() time.Time { return clock }))
	defer ledger.Close()

	ctx := context.Background()
	if err := ledger.Record(ctx, Entry{Model: "m", InputTokens: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := ledger.Record(ctx, Entry{Model: "m", InputTokens: 2}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	day1, err := ledger.ReadDay(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadDay day1: %v", err)
	}
	day2, err := ledger.ReadDay(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadDay day2: %v", err)
	}
	if len(day1) != 1 || len(day2) != 1 {
		t.Fatalf("day1=%d day2=%d entries, want 1 each", len(day1), len(day2))
	}
	if day1[0].InputTokens != 1 || day2[0].InputTokens != 2 {
		t.Errorf("entries landed in the wrong day files")
	}
}
