package projection

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/vigil-dev/vigil/internal/datetime"
	"github.com/vigil-dev/vigil/pkg/models"
)

// DefaultTriggerThreshold is the cosine similarity a fact must reach
// against a trigger description to activate it semantically.
const DefaultTriggerThreshold = 0.5

// CheckTriggers tests factContent against every pending trigger-armed
// projection. A projection activates when every whitespace token of its
// trigger appears in the fact, or, failing that, when the embeddings of
// trigger and fact are close enough. Activated projections get an exact
// due time of now and their trigger is cleared so it cannot fire again.
func (s *SQLiteStore) CheckTriggers(ctx context.Context, factContent string, embed EmbedFunc, threshold float32) ([]*models.Projection, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM projections
		WHERE status = 'pending' AND trigger_on_fact IS NOT NULL AND trigger_on_fact != ''`)
	if err != nil {
		return nil, fmt.Errorf("load trigger projections: %w", err)
	}
	armed, err := scanProjections(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(armed) == 0 {
		return nil, nil
	}

	factLower := strings.ToLower(factContent)
	var factVec []float32

	var activated []*models.Projection
	for _, p := range armed {
		matched := keywordMatch(p.TriggerOnFact, factLower)

		if !matched && embed != nil {
			if factVec == nil {
				factVec, err = embed(ctx, factContent)
				if err != nil {
					s.logger.Warn("trigger embedding failed, keyword matching only", "error", err)
					embed = nil
				}
			}
			if factVec != nil {
				trigVec, err := embed(ctx, p.TriggerOnFact)
				if err != nil {
					s.logger.Warn("trigger embedding failed", "projection", p.ID, "error", err)
					continue
				}
				matched = cosine(factVec, trigVec) >= threshold
			}
		}

		if !matched {
			continue
		}

		now := datetime.FormatUTC(s.now())
		result, err := s.db.ExecContext(ctx, `
			UPDATE projections
			SET trigger_on_fact = NULL, resolution = 'exact', resolved_when = ?
			WHERE id = ? AND status = 'pending'`, now, p.ID)
		if err != nil {
			return activated, fmt.Errorf("activate trigger %s: %w", p.ID, err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			p.TriggerOnFact = ""
			p.Resolution = models.ResolutionExact
			p.ResolvedWhen = now
			activated = append(activated, p)
			s.logger.Info("trigger activated", "projection", p.ID, "summary", p.Summary)
		}
	}
	return activated, nil
}

// keywordMatch reports whether every whitespace-separated token of
// trigger occurs somewhere in the lowercased fact.
func keywordMatch(trigger, factLower string) bool {
	tokens := strings.Fields(strings.ToLower(trigger))
	if len(tokens) == 0 {
		return false
	}
	for _, token := range tokens {
		if !strings.Contains(factLower, token) {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
