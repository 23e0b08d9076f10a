package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-dev/vigil/pkg/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAddDeduplicatesByContent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.Add(ctx, "User prefers morning meetings", models.SourceConversation, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	for i := 0; i < 3; i++ {
		again, err := store.Add(ctx, "User prefers morning meetings", models.SourceArchival, []float32{0.1, 0.2})
		if err != nil {
			t.Fatalf("Add repeat %d: %v", i, err)
		}
		if again != first {
			t.Errorf("repeat add returned %s, want %s", again, first)
		}
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestAddRecoversFromDuplicateInsertRace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// A competing writer lands the same content between the dedup check
	// and the insert, forcing the UNIQUE recovery path.
	var winner string
	var raceErr error
	store.beforeInsert = func() {
		store.beforeInsert = nil
		winner, raceErr = store.Add(ctx, "Sam's lease renews in October", models.SourceConversation, nil)
	}

	done := make(chan struct{})
	var got string
	var err error
	go func() {
		defer close(done)
		got, err = store.Add(ctx, "Sam's lease renews in October", models.SourceConversation, nil)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Add never returned after losing the insert race")
	}
	if raceErr != nil {
		t.Fatalf("competing Add: %v", raceErr)
	}
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got != winner {
		t.Errorf("losing add returned %s, want winner %s", got, winner)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestContentHashFormat(t *testing.T) {
	hash := ContentHash("hello")
	if len(hash) != 16 {
		t.Errorf("hash length = %d, want 16", len(hash))
	}
	if hash != ContentHash("hello") {
		t.Error("hash not deterministic")
	}
	if hash == ContentHash("hello ") {
		t.Error("distinct content should hash differently")
	}
}

func TestSearchKeyword(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	facts := []string{
		"Marta moved to Lisbon in March",
		"The quarterly report is due Friday",
		"Lisbon has excellent seafood restaurants",
	}
	for _, f := range facts {
		if _, err := store.Add(ctx, f, models.SourceArchival, nil); err != nil {
			t.Fatalf("Add(%q): %v", f, err)
		}
	}

	results, err := store.SearchKeyword(ctx, "lisbon", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.MatchedBy != models.MatchKeyword {
			t.Errorf("matchedBy = %s, want keyword", r.MatchedBy)
		}
		if r.Score < 0 {
			t.Errorf("negative score %f", r.Score)
		}
	}
}

func TestSearchKeywordEmptyQuery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, "something", models.SourceArchival, nil); err != nil {
		t.Fatal(err)
	}

	for _, q := range []string{"", "   ", `"'()*:^`} {
		results, err := store.SearchKeyword(ctx, q, 10)
		if err != nil {
			t.Errorf("SearchKeyword(%q): %v", q, err)
		}
		if len(results) != 0 {
			t.Errorf("SearchKeyword(%q) = %d results, want 0", q, len(results))
		}
	}
}

func TestSearchKeywordInjection(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, "flight to Berlin on Monday", models.SourceArchival, nil); err != nil {
		t.Fatal(err)
	}

	// Operator characters must not break the query.
	queries := []string{`berlin OR "`, `berlin AND (`, `-berlin*`, `berlin:NEAR`}
	for _, q := range queries {
		results, err := store.SearchKeyword(ctx, q, 10)
		if err != nil {
			t.Errorf("SearchKeyword(%q): %v", q, err)
			continue
		}
		found := false
		for _, r := range results {
			if r.Fact.Content == "flight to Berlin on Monday" {
				found = true
			}
		}
		if !found && q != `-berlin*` {
			// "OR"/"AND" become plain terms; every query containing
			// berlin as a term should still hit.
			t.Errorf("SearchKeyword(%q) missed the fact", q)
		}
	}
}

func TestSearchVector(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, "close match", models.SourceArchival, []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add(ctx, "far match", models.SourceArchival, []float32{0, 1, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add(ctx, "no embedding", models.SourceArchival, nil); err != nil {
		t.Fatal(err)
	}

	results, err := store.SearchVector(ctx, []float32{0.9, 0.1, 0}, 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Fact.Content != "close match" {
		t.Errorf("top result = %q, want close match", results[0].Fact.Content)
	}
	if results[0].Score <= results[1].Score {
		t.Error("results not sorted by score")
	}
}

func TestSearchVectorEmptyEmbedding(t *testing.T) {
	store := openTestStore(t)
	results, err := store.SearchVector(context.Background(), nil, 10)
	if err != nil || results != nil {
		t.Errorf("SearchVector(nil) = %v, %v; want nil, nil", results, err)
	}
}

func TestHybridSearchCombinesScores(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// "picnic plan" matches both keyword and vector paths.
	if _, err := store.Add(ctx, "picnic plan for Saturday", models.SourceArchival, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	// Keyword-only hit.
	if _, err := store.Add(ctx, "picnic blanket shopping", models.SourceArchival, nil); err != nil {
		t.Fatal(err)
	}
	// Vector-only hit.
	if _, err := store.Add(ctx, "outdoor lunch idea", models.SourceArchival, []float32{0.95, 0.05}); err != nil {
		t.Fatal(err)
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0}, nil
	}

	results, err := store.HybridSearch(ctx, "picnic", 10, embed)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	byContent := map[string]*models.FactMatch{}
	for _, r := range results {
		byContent[r.Fact.Content] = r
	}
	if m := byContent["picnic plan for Saturday"]; m == nil || m.MatchedBy != models.MatchHybrid {
		t.Errorf("dual hit matchedBy = %v, want hybrid", m)
	}
	if m := byContent["picnic blanket shopping"]; m == nil || m.MatchedBy != models.MatchKeyword {
		t.Errorf("keyword hit matchedBy = %v, want keyword", m)
	}
	if m := byContent["outdoor lunch idea"]; m == nil || m.MatchedBy != models.MatchVector {
		t.Errorf("vector hit matchedBy = %v, want vector", m)
	}
	if results[0].Fact.Content != "picnic plan for Saturday" {
		t.Errorf("dual-path hit should rank first, got %q", results[0].Fact.Content)
	}
}

func TestHybridSearchDegradesWithoutEmbedder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, "dentist appointment note", models.SourceArchival, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}

	failing := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("model not loaded")
	}

	results, err := store.HybridSearch(ctx, "dentist", 10, failing)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(results) != 1 || results[0].MatchedBy != models.MatchKeyword {
		t.Errorf("expected keyword-only degradation, got %+v", results)
	}
}

func TestRemove(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, "temporary fact", models.SourceArchival, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	results, err := store.SearchKeyword(ctx, "temporary", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Error("removed fact still searchable")
	}

	count, _ := store.Count(ctx)
	if count != 0 {
		t.Errorf("count = %d after remove", count)
	}
}

func TestRecentOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		current = current.Add(time.Second)
		return current
	}

	for i := 0; i < 5; i++ {
		if _, err := store.Add(ctx, fmt.Sprintf("fact number %d", i), models.SourceArchival, nil); err != nil {
			t.Fatal(err)
		}
	}

	facts, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(facts) != 3 {
		t.Fatalf("got %d facts, want 3", len(facts))
	}
	if facts[0].Content != "fact number 4" {
		t.Errorf("newest first expected, got %q", facts[0].Content)
	}
}
