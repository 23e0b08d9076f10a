package projection

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-dev/vigil/internal/datetime"
	"github.com/vigil-dev/vigil/pkg/models"
)

func openTestStore(t *testing.T, now *time.Time) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "projections.db"),
		WithNow(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAddAndGet(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	id, err := store.Add(ctx, &models.Projection{
		Summary:      "dentist appointment",
		RawWhen:      "next Tuesday at 3pm",
		ResolvedWhen: "2026-03-17 15:00",
		Resolution:   models.ResolutionExact,
		Context:      "mentioned while planning the week",
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if id == "" {
		t.Fatal("Add() returned empty id")
	}

	p, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Summary != "dentist appointment" {
		t.Errorf("Summary = %q, want %q", p.Summary, "dentist appointment")
	}
	if p.Status != models.ProjectionPending {
		t.Errorf("Status = %q, want pending", p.Status)
	}
	if p.ResolvedWhen != "2026-03-17 15:00" {
		t.Errorf("ResolvedWhen = %q", p.ResolvedWhen)
	}
	if !p.ResolvedAt.IsZero() {
		t.Errorf("ResolvedAt = %v, want zero", p.ResolvedAt)
	}
}

func TestAddDefaultsToSomeday(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	id, err := store.Add(context.Background(), &models.Projection{Summary: "learn sailing"}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	p, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Resolution != models.ResolutionSomeday {
		t.Errorf("Resolution = %q, want someday", p.Resolution)
	}
}

func TestAddRejectsBadWhen(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	_, err := store.Add(context.Background(), &models.Projection{
		Summary:      "broken",
		ResolvedWhen: "tomorrowish",
		Resolution:   models.ResolutionExact,
	}, nil)
	if err == nil {
		t.Fatal("Add() accepted unparseable resolved_when")
	}
}

func TestGetUpcoming(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	add := func(summary, when string, resolution models.Resolution) string {
		t.Helper()
		id, err := store.Add(ctx, &models.Projection{
			Summary:      summary,
			ResolvedWhen: when,
			Resolution:   resolution,
		}, nil)
		if err != nil {
			t.Fatalf("Add(%s) error = %v", summary, err)
		}
		return id
	}

	soonID := add("due soon", "2026-03-16 10:00", models.ResolutionExact)
	farID := add("due far", "2026-06-01 10:00", models.ResolutionExact)
	somedayID := add("someday", "", models.ResolutionSomeday)
	unanchoredID := add("no time yet", "", models.ResolutionWeek)
	doneID := add("already done", "2026-03-15 10:00", models.ResolutionExact)
	if ok, err := store.Resolve(ctx, doneID, models.ProjectionDone); err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v", ok, err)
	}

	upcoming, err := store.GetUpcoming(ctx, 7)
	if err != nil {
		t.Fatalf("GetUpcoming() error = %v", err)
	}

	got := make(map[string]bool)
	for _, p := range upcoming {
		got[p.ID] = true
	}
	for _, want := range []string{soonID, somedayID, unanchoredID} {
		if !got[want] {
			t.Errorf("GetUpcoming() missing %s", want)
		}
	}
	for _, wantAbsent := range []string{farID, doneID} {
		if got[wantAbsent] {
			t.Errorf("GetUpcoming() includes %s", wantAbsent)
		}
	}
}

func TestGetExactDue(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	inWindow, err := store.Add(ctx, &models.Projection{
		Summary: "call back", ResolvedWhen: "2026-03-14 09:10", Resolution: models.ResolutionExact,
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := store.Add(ctx, &models.Projection{
		Summary: "later today", ResolvedWhen: "2026-03-14 11:00", Resolution: models.ResolutionExact,
	}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := store.Add(ctx, &models.Projection{
		Summary: "already past", ResolvedWhen: "2026-03-14 08:00", Resolution: models.ResolutionExact,
	}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := store.Add(ctx, &models.Projection{
		Summary: "day precision soon", ResolvedWhen: "2026-03-14 09:05", Resolution: models.ResolutionDay,
	}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	due, err := store.GetExactDue(ctx, 15)
	if err != nil {
		t.Fatalf("GetExactDue() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != inWindow {
		t.Fatalf("GetExactDue() = %d results, want just %s", len(due), inWindow)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	id, err := store.Add(ctx, &models.Projection{
		Summary: "send report", ResolvedWhen: "2026-03-14 17:00", Resolution: models.ResolutionExact,
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ok, err := store.Resolve(ctx, id, models.ProjectionDone)
	if err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v; want true", ok, err)
	}

	// A second resolution must not clobber the first outcome.
	ok, err = store.Resolve(ctx, id, models.ProjectionCancelled)
	if err != nil {
		t.Fatalf("Resolve() second call error = %v", err)
	}
	if ok {
		t.Error("Resolve() on terminal projection returned true")
	}

	p, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Status != models.ProjectionDone {
		t.Errorf("Status = %q, want done", p.Status)
	}
	if p.ResolvedAt.IsZero() {
		t.Error("ResolvedAt not set")
	}
}

func TestResolveRejectsNonTerminal(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	id, err := store.Add(context.Background(), &models.Projection{Summary: "x"}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := store.Resolve(context.Background(), id, models.ProjectionPending); err == nil {
		t.Error("Resolve(pending) succeeded, want error")
	}
}

func TestRearm(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	recurring, err := store.Add(ctx, &models.Projection{
		Summary: "weekly review", ResolvedWhen: "2026-03-14 10:00",
		Resolution: models.ResolutionExact, Recurrence: "0 10 * * 6",
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	oneShot, err := store.Add(ctx, &models.Projection{
		Summary: "one shot", ResolvedWhen: "2026-03-14 10:00", Resolution: models.ResolutionExact,
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	for _, id := range []string{recurring, oneShot} {
		if ok, err := store.Resolve(ctx, id, models.ProjectionDone); err != nil || !ok {
			t.Fatalf("Resolve(%s) = %v, %v", id, ok, err)
		}
	}

	ok, err := store.Rearm(ctx, recurring, "2026-03-21 10:00")
	if err != nil {
		t.Fatalf("Rearm() error = %v", err)
	}
	if !ok {
		t.Fatal("Rearm() on recurring projection returned false")
	}
	p, err := store.Get(ctx, recurring)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Status != models.ProjectionPending || p.ResolvedWhen != "2026-03-21 10:00" {
		t.Errorf("after rearm: status=%q when=%q", p.Status, p.ResolvedWhen)
	}
	if !p.ResolvedAt.IsZero() {
		t.Errorf("ResolvedAt = %v after rearm, want cleared", p.ResolvedAt)
	}

	ok, err = store.Rearm(ctx, oneShot, "2026-03-21 10:00")
	if err != nil {
		t.Fatalf("Rearm() error = %v", err)
	}
	if ok {
		t.Error("Rearm() without recurrence returned true")
	}
}

func TestAutoExpire(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	stale, err := store.Add(ctx, &models.Projection{
		Summary: "stale", ResolvedWhen: "2026-03-12 09:00", Resolution: models.ResolutionExact,
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	inGrace, err := store.Add(ctx, &models.Projection{
		Summary: "within grace", ResolvedWhen: "2026-03-13 20:00", Resolution: models.ResolutionDay,
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	someday, err := store.Add(ctx, &models.Projection{
		Summary: "someday", Resolution: models.ResolutionSomeday,
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	expired, err := store.AutoExpire(ctx, 24)
	if err != nil {
		t.Fatalf("AutoExpire() error = %v", err)
	}
	if expired != 1 {
		t.Fatalf("AutoExpire() = %d, want 1", expired)
	}

	wantStatus := map[string]models.ProjectionStatus{
		stale:   models.ProjectionPassed,
		inGrace: models.ProjectionPending,
		someday: models.ProjectionPending,
	}
	for id, want := range wantStatus {
		p, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if p.Status != want {
			t.Errorf("%s status = %q, want %q", p.Summary, p.Status, want)
		}
	}
}

func TestLinkDependencyRejectsCycles(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		id, err := store.Add(ctx, &models.Projection{Summary: fmt.Sprintf("p%d", i)}, nil)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		ids[i] = id
	}

	if err := store.LinkDependency(ctx, ids[0], ids[1], models.CondDone); err != nil {
		t.Fatalf("LinkDependency(0→1) error = %v", err)
	}
	if err := store.LinkDependency(ctx, ids[1], ids[2], models.CondAnyTerminal); err != nil {
		t.Fatalf("LinkDependency(1→2) error = %v", err)
	}

	if err := store.LinkDependency(ctx, ids[0], ids[0], models.CondDone); !errors.Is(err, ErrDependencyCycle) {
		t.Errorf("self link error = %v, want ErrDependencyCycle", err)
	}
	if err := store.LinkDependency(ctx, ids[2], ids[0], models.CondDone); !errors.Is(err, ErrDependencyCycle) {
		t.Errorf("closing link error = %v, want ErrDependencyCycle", err)
	}
}

func TestLinkDependencyDepthLimit(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	ids := make([]string, 7)
	for i := range ids {
		id, err := store.Add(ctx, &models.Projection{Summary: fmt.Sprintf("chain %d", i)}, nil)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		ids[i] = id
	}

	// Five edges are allowed; the sixth pushes the chain past the limit.
	for i := 0; i < 5; i++ {
		if err := store.LinkDependency(ctx, ids[i], ids[i+1], models.CondDone); err != nil {
			t.Fatalf("LinkDependency(%d→%d) error = %v", i, i+1, err)
		}
	}
	if err := store.LinkDependency(ctx, ids[5], ids[6], models.CondDone); !errors.Is(err, ErrDependencyDepth) {
		t.Errorf("sixth link error = %v, want ErrDependencyDepth", err)
	}
}

func TestLinkDependencyUnknownProjection(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)

	id, err := store.Add(context.Background(), &models.Projection{Summary: "real"}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.LinkDependency(context.Background(), id, "nope", models.CondDone); err == nil {
		t.Error("LinkDependency with missing subject succeeded")
	}
}

func TestDependencyActivation(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	subject, err := store.Add(ctx, &models.Projection{
		Summary: "book flights", ResolvedWhen: "2026-03-20 12:00", Resolution: models.ResolutionExact,
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	observer, err := store.Add(ctx, &models.Projection{Summary: "pack bags"},
		[]models.ProjectionDependency{{SubjectID: subject, Condition: models.CondDone}})
	if err != nil {
		t.Fatalf("Add() with dep error = %v", err)
	}

	// Subject still pending: nothing to activate.
	if n, err := store.EvaluateDependencies(ctx); err != nil || n != 0 {
		t.Fatalf("EvaluateDependencies() = %d, %v; want 0", n, err)
	}

	if ok, err := store.Resolve(ctx, subject, models.ProjectionDone); err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v", ok, err)
	}

	p, err := store.Get(ctx, observer)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Status != models.ProjectionPending {
		t.Errorf("observer status = %q, want pending", p.Status)
	}
	if p.Resolution != models.ResolutionExact || p.ResolvedWhen != datetime.FormatUTC(now) {
		t.Errorf("observer not activated: resolution=%q when=%q", p.Resolution, p.ResolvedWhen)
	}

	// The consumed edge must not re-activate anything later.
	if n, err := store.EvaluateDependencies(ctx); err != nil || n != 0 {
		t.Errorf("EvaluateDependencies() after activation = %d, %v; want 0", n, err)
	}
}

func TestDependencyConditionCancelled(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	subject, err := store.Add(ctx, &models.Projection{Summary: "trip"}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	observer, err := store.Add(ctx, &models.Projection{Summary: "refund deposit"},
		[]models.ProjectionDependency{{SubjectID: subject, Condition: models.CondCancelled}})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if ok, err := store.Resolve(ctx, subject, models.ProjectionCancelled); err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v", ok, err)
	}
	p, err := store.Get(ctx, observer)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Resolution != models.ResolutionExact {
		t.Errorf("observer resolution = %q, want exact", p.Resolution)
	}
}

func TestCheckTriggersKeyword(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	id, err := store.Add(ctx, &models.Projection{
		Summary:       "celebrate the offer",
		TriggerOnFact: "job offer",
		Resolution:    models.ResolutionWeek,
	}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Partial token coverage must not fire.
	activated, err := store.CheckTriggers(ctx, "Thinking about a new job", nil, DefaultTriggerThreshold)
	if err != nil {
		t.Fatalf("CheckTriggers() error = %v", err)
	}
	if len(activated) != 0 {
		t.Fatalf("CheckTriggers() fired on partial match: %d", len(activated))
	}

	activated, err = store.CheckTriggers(ctx, "Got the JOB OFFER from Acme today!", nil, DefaultTriggerThreshold)
	if err != nil {
		t.Fatalf("CheckTriggers() error = %v", err)
	}
	if len(activated) != 1 || activated[0].ID != id {
		t.Fatalf("CheckTriggers() = %d activations, want 1", len(activated))
	}
	if activated[0].TriggerOnFact != "" {
		t.Error("activated projection still carries trigger")
	}

	// The cleared trigger cannot fire a second time.
	activated, err = store.CheckTriggers(ctx, "Got the job offer from Acme today!", nil, DefaultTriggerThreshold)
	if err != nil {
		t.Fatalf("CheckTriggers() error = %v", err)
	}
	if len(activated) != 0 {
		t.Errorf("CheckTriggers() re-fired a cleared trigger")
	}

	p, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Resolution != models.ResolutionExact || p.ResolvedWhen != datetime.FormatUTC(now) {
		t.Errorf("trigger activation: resolution=%q when=%q", p.Resolution, p.ResolvedWhen)
	}
}

func TestCheckTriggersVector(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	if _, err := store.Add(ctx, &models.Projection{
		Summary:       "ask about the vehicle",
		TriggerOnFact: "vehicle purchase",
		Resolution:    models.ResolutionWeek,
	}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0}, nil
	}

	activated, err := store.CheckTriggers(ctx, "Finally bought a car", embed, DefaultTriggerThreshold)
	if err != nil {
		t.Fatalf("CheckTriggers() error = %v", err)
	}
	if len(activated) != 1 {
		t.Fatalf("CheckTriggers() with embeddings = %d activations, want 1", len(activated))
	}
}

func TestCheckTriggersEmbedFailure(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := openTestStore(t, &now)
	ctx := context.Background()

	if _, err := store.Add(ctx, &models.Projection{
		Summary:       "semantic only",
		TriggerOnFact: "vehicle purchase",
		Resolution:    models.ResolutionWeek,
	}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("provider down")
	}

	activated, err := store.CheckTriggers(ctx, "Finally bought a car", embed, DefaultTriggerThreshold)
	if err != nil {
		t.Fatalf("CheckTriggers() error = %v", err)
	}
	if len(activated) != 0 {
		t.Errorf("CheckTriggers() activated despite embed failure")
	}
}

func TestNextOccurrence(t *testing.T) {
	after := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expr    string
		want    string
		wantErr bool
	}{
		{name: "daily at nine thirty", expr: "30 9 * * *", want: "2026-03-14 09:30"},
		{name: "weekly saturday", expr: "0 10 * * 6", want: "2026-03-14 10:00"},
		{name: "descriptor", expr: "@daily", want: "2026-03-15 00:00"},
		{name: "malformed", expr: "not cron", wantErr: true},
		{name: "six fields rejected", expr: "0 0 10 * * 6", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := NextOccurrence(tt.expr, after)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NextOccurrence(%q) succeeded, want error", tt.expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NextOccurrence(%q) error = %v", tt.expr, err)
			}
			if got := datetime.FormatUTC(next); got != tt.want {
				t.Errorf("NextOccurrence(%q) = %s, want %s", tt.expr, got, tt.want)
			}
		})
	}
}
