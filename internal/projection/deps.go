package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vigil-dev/vigil/internal/datetime"
	"github.com/vigil-dev/vigil/pkg/models"
)

// maxChainDepth bounds how far dependency chains may reach in either
// direction from a new edge.
const maxChainDepth = 5

var (
	// ErrDependencyCycle is returned when a new edge would close a loop.
	ErrDependencyCycle = errors.New("dependency would create a cycle")

	// ErrDependencyDepth is returned when a new edge would exceed the
	// maximum chain depth.
	ErrDependencyDepth = errors.New("dependency chain too deep")
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LinkDependency records that observer should activate when subject
// reaches the given condition. Self-links, cycles, and chains deeper
// than maxChainDepth are rejected.
func (s *SQLiteStore) LinkDependency(ctx context.Context, observerID, subjectID string, condition models.DependencyCondition) error {
	if condition == "" {
		condition = models.CondAnyTerminal
	}
	switch condition {
	case models.CondDone, models.CondCancelled, models.CondPassed, models.CondAnyTerminal:
	default:
		return fmt.Errorf("unknown dependency condition %q", condition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if err := s.validateDependency(ctx, tx, observerID, subjectID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projection_deps (observer_id, subject_id, condition) VALUES (?, ?, ?)
		ON CONFLICT (observer_id, subject_id) DO UPDATE SET condition = excluded.condition`,
		observerID, subjectID, string(condition))
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return tx.Commit()
}

// validateDependency checks both endpoints exist and that the new edge
// keeps the graph acyclic and within depth bounds.
func (s *SQLiteStore) validateDependency(ctx context.Context, q querier, observerID, subjectID string) error {
	if observerID == subjectID {
		return ErrDependencyCycle
	}
	for _, id := range []string{observerID, subjectID} {
		var exists int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM projections WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("projection %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("look up projection: %w", err)
		}
	}

	edges, err := loadEdges(ctx, q)
	if err != nil {
		return err
	}

	// The new edge runs observer → subject. A path from subject back to
	// observer through existing edges closes a loop.
	if reaches(edges, subjectID, observerID) {
		return ErrDependencyCycle
	}

	down := chainLength(edges, subjectID)
	up := chainLength(reverse(edges), observerID)
	if down+up+1 > maxChainDepth {
		return ErrDependencyDepth
	}
	return nil
}

func loadEdges(ctx context.Context, q querier) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT observer_id, subject_id FROM projection_deps`)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var observer, subject string
		if err := rows.Scan(&observer, &subject); err != nil {
			return nil, err
		}
		edges[observer] = append(edges[observer], subject)
	}
	return edges, rows.Err()
}

func reverse(edges map[string][]string) map[string][]string {
	out := make(map[string][]string, len(edges))
	for from, tos := range edges {
		for _, to := range tos {
			out[to] = append(out[to], from)
		}
	}
	return out
}

// reaches reports whether target is reachable from start.
func reaches(edges map[string][]string, start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range edges[node] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// chainLength returns the longest edge count reachable from start.
func chainLength(edges map[string][]string, start string) int {
	longest := 0
	var walk func(node string, depth int)
	walk = func(node string, depth int) {
		if depth > longest {
			longest = depth
		}
		if depth >= maxChainDepth {
			return
		}
		for _, next := range edges[node] {
			walk(next, depth+1)
		}
	}
	walk(start, 0)
	return longest
}

// EvaluateDependencies scans every dependency edge and activates
// observers whose subject has satisfied the condition. Activation sets
// an exact due time of now and removes the edge. Returns the number of
// activations.
func (s *SQLiteStore) EvaluateDependencies(ctx context.Context) (int, error) {
	return s.evaluateDependenciesOf(ctx, "")
}

// evaluateDependenciesOf restricts evaluation to edges whose subject is
// the given id; empty id means all edges.
func (s *SQLiteStore) evaluateDependenciesOf(ctx context.Context, subjectID string) (int, error) {
	query := `
		SELECT d.observer_id, d.subject_id, d.condition, p.status
		FROM projection_deps d
		JOIN projections p ON p.id = d.subject_id`
	args := []any{}
	if subjectID != "" {
		query += ` WHERE d.subject_id = ?`
		args = append(args, subjectID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("scan dependencies: %w", err)
	}

	type activation struct {
		observer string
		subject  string
	}
	var ready []activation
	for rows.Next() {
		var observer, subject, condition, status string
		if err := rows.Scan(&observer, &subject, &condition, &status); err != nil {
			rows.Close()
			return 0, err
		}
		if models.DependencyCondition(condition).Matches(models.ProjectionStatus(status)) {
			ready = append(ready, activation{observer: observer, subject: subject})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	activated := 0
	now := datetime.FormatUTC(s.now())
	for _, a := range ready {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return activated, fmt.Errorf("begin transaction: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE projections SET resolution = 'exact', resolved_when = ?
			WHERE id = ? AND status = 'pending'`, now, a.observer)
		if err == nil {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM projection_deps WHERE observer_id = ? AND subject_id = ?`,
				a.observer, a.subject)
		}
		if err != nil {
			tx.Rollback()
			return activated, fmt.Errorf("activate observer %s: %w", a.observer, err)
		}
		if err := tx.Commit(); err != nil {
			return activated, fmt.Errorf("commit activation: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			activated++
			s.logger.Info("dependency activated", "observer", a.observer, "subject", a.subject)
		}
	}
	return activated, nil
}
