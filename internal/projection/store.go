// Package projection implements the forward-looking commitment store:
// durable records of what the agent intends to surface, watch for, or do,
// with time-, trigger-, and dependency-based activation.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vigil-dev/vigil/internal/datetime"
	"github.com/vigil-dev/vigil/pkg/models"
)

// EmbedFunc mirrors memory.EmbedFunc; kept separate so the packages stay
// independent.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Store is the projection surface consumed by tools, the scheduler, and
// the reflection pass.
type Store interface {
	Add(ctx context.Context, p *models.Projection, deps []models.ProjectionDependency) (string, error)
	Get(ctx context.Context, id string) (*models.Projection, error)
	List(ctx context.Context, includeTerminal bool) ([]*models.Projection, error)
	GetUpcoming(ctx context.Context, horizonDays int) ([]*models.Projection, error)
	GetExactDue(ctx context.Context, windowMinutes int) ([]*models.Projection, error)
	Resolve(ctx context.Context, id string, outcome models.ProjectionStatus) (bool, error)
	Rearm(ctx context.Context, id, newResolvedWhen string) (bool, error)
	AutoExpire(ctx context.Context, graceHours int) (int, error)
	LinkDependency(ctx context.Context, observerID, subjectID string, condition models.DependencyCondition) error
	EvaluateDependencies(ctx context.Context) (int, error)
	CheckTriggers(ctx context.Context, factContent string, embed EmbedFunc, threshold float32) ([]*models.Projection, error)
	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger.With("component", "projection")
		}
	}
}

// WithNow overrides the clock, mainly for tests.
func WithNow(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if necessary) the projection store at path.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: slog.Default().With("component", "projection"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projections (
			id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			raw_when TEXT,
			resolved_when TEXT,
			resolution TEXT NOT NULL,
			recurrence TEXT,
			trigger_on_fact TEXT,
			context TEXT,
			linked_ids TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projections_status ON projections(status)`,
		`CREATE INDEX IF NOT EXISTS idx_projections_when ON projections(resolved_when)`,
		`CREATE TABLE IF NOT EXISTS projection_deps (
			observer_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			condition TEXT NOT NULL,
			PRIMARY KEY (observer_id, subject_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Add stores a projection, creating dependency rows in the same
// transaction. Shape violations (no time, no trigger, not someday) are
// accepted but logged.
func (s *SQLiteStore) Add(ctx context.Context, p *models.Projection, deps []models.ProjectionDependency) (string, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.ProjectionPending
	}
	if p.Resolution == "" {
		p.Resolution = models.ResolutionSomeday
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	if p.ResolvedWhen != "" {
		if _, err := datetime.ParseUTC(p.ResolvedWhen); err != nil {
			return "", fmt.Errorf("resolved_when: %w", err)
		}
	}
	if p.Recurrence != "" {
		if _, err := nextOccurrence(p.Recurrence, s.now()); err != nil {
			return "", fmt.Errorf("recurrence: %w", err)
		}
	}

	anchors := 0
	if p.ResolvedWhen != "" {
		anchors++
	}
	if p.TriggerOnFact != "" {
		anchors++
	}
	if p.Resolution == models.ResolutionSomeday {
		anchors++
	}
	if anchors != 1 {
		s.logger.Warn("projection anchor shape unusual",
			"id", p.ID, "resolved_when", p.ResolvedWhen != "",
			"trigger", p.TriggerOnFact != "", "resolution", p.Resolution)
	}

	linked, err := json.Marshal(p.LinkedIDs)
	if err != nil {
		return "", fmt.Errorf("marshal linked ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections
			(id, summary, raw_when, resolved_when, resolution, recurrence,
			 trigger_on_fact, context, linked_ids, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		p.ID, p.Summary, nullString(p.RawWhen), nullString(p.ResolvedWhen),
		string(p.Resolution), nullString(p.Recurrence), nullString(p.TriggerOnFact),
		nullString(p.Context), string(linked), string(p.Status),
		datetime.FormatUTC(p.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert projection: %w", err)
	}

	for _, dep := range deps {
		subject := dep.SubjectID
		condition := dep.Condition
		if condition == "" {
			condition = models.CondAnyTerminal
		}
		if err := s.validateDependency(ctx, tx, p.ID, subject); err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projection_deps (observer_id, subject_id, condition) VALUES (?, ?, ?)`,
			p.ID, subject, string(condition)); err != nil {
			return "", fmt.Errorf("insert dependency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit projection: %w", err)
	}
	return p.ID, nil
}

// Get returns one projection by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Projection, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM projections WHERE id = ?`, id)
	p, err := scanProjection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("projection %s not found", id)
	}
	return p, err
}

// List returns projections, pending-only unless includeTerminal is set.
func (s *SQLiteStore) List(ctx context.Context, includeTerminal bool) ([]*models.Projection, error) {
	query := selectColumns + ` FROM projections`
	if !includeTerminal {
		query += ` WHERE status = 'pending'`
	}
	query += ` ORDER BY (resolved_when IS NULL), resolved_when, created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projections: %w", err)
	}
	defer rows.Close()
	return scanProjections(rows)
}

// GetUpcoming returns pending projections due inside the horizon, plus
// someday and unanchored ones.
func (s *SQLiteStore) GetUpcoming(ctx context.Context, horizonDays int) ([]*models.Projection, error) {
	bound := datetime.FormatUTC(s.now().Add(time.Duration(horizonDays) * 24 * time.Hour))
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM projections
		WHERE status = 'pending'
		  AND (resolved_when IS NULL OR resolved_when <= ? OR resolution = 'someday')
		ORDER BY (resolved_when IS NULL), resolved_when, created_at`, bound)
	if err != nil {
		return nil, fmt.Errorf("get upcoming: %w", err)
	}
	defer rows.Close()
	return scanProjections(rows)
}

// GetExactDue returns pending exact projections due within the window
// starting now.
func (s *SQLiteStore) GetExactDue(ctx context.Context, windowMinutes int) ([]*models.Projection, error) {
	now := s.now()
	lower := datetime.FormatUTC(now)
	upper := datetime.FormatUTC(now.Add(time.Duration(windowMinutes) * time.Minute))

	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM projections
		WHERE status = 'pending'
		  AND resolution = 'exact'
		  AND resolved_when IS NOT NULL
		  AND resolved_when >= ? AND resolved_when <= ?
		ORDER BY resolved_when`, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("get exact due: %w", err)
	}
	defer rows.Close()
	return scanProjections(rows)
}

// Resolve transitions pending → outcome. Returns false without touching
// the row when the projection is already terminal. Dependencies observing
// this projection are evaluated afterwards.
func (s *SQLiteStore) Resolve(ctx context.Context, id string, outcome models.ProjectionStatus) (bool, error) {
	if !outcome.IsTerminal() {
		return false, fmt.Errorf("outcome %q is not terminal", outcome)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE projections SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(outcome), datetime.FormatUTC(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("resolve projection: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := s.evaluateDependenciesOf(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

// Rearm returns a terminal recurring projection to pending with a new
// due time. Projections without recurrence never rearm.
func (s *SQLiteStore) Rearm(ctx context.Context, id, newResolvedWhen string) (bool, error) {
	if _, err := datetime.ParseUTC(newResolvedWhen); err != nil {
		return false, fmt.Errorf("new resolved_when: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projections SET status = 'pending', resolved_when = ?, resolved_at = NULL
		WHERE id = ? AND recurrence IS NOT NULL AND status IN ('done', 'cancelled', 'passed')`,
		newResolvedWhen, id)
	if err != nil {
		return false, fmt.Errorf("rearm projection: %w", err)
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

// AutoExpire marks pending projections whose due time fell out of the
// grace window as passed. Someday projections never expire.
func (s *SQLiteStore) AutoExpire(ctx context.Context, graceHours int) (int, error) {
	now := s.now()
	cutoff := datetime.FormatUTC(now.Add(-time.Duration(graceHours) * time.Hour))

	result, err := s.db.ExecContext(ctx, `
		UPDATE projections SET status = 'passed', resolved_at = ?
		WHERE status = 'pending'
		  AND resolution != 'someday'
		  AND resolved_when IS NOT NULL
		  AND resolved_when < ?`,
		datetime.FormatUTC(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("auto expire: %w", err)
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, summary, raw_when, resolved_when, resolution, recurrence,
	trigger_on_fact, context, linked_ids, status, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProjection(row rowScanner) (*models.Projection, error) {
	p := &models.Projection{}
	var rawWhen, resolvedWhen, recurrence, trigger, contextText, resolvedAt sql.NullString
	var linked, createdAt string

	err := row.Scan(&p.ID, &p.Summary, &rawWhen, &resolvedWhen, (*string)(&p.Resolution),
		&recurrence, &trigger, &contextText, &linked, (*string)(&p.Status), &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	p.RawWhen = rawWhen.String
	p.ResolvedWhen = resolvedWhen.String
	p.Recurrence = recurrence.String
	p.TriggerOnFact = trigger.String
	p.Context = contextText.String

	if linked != "" && linked != "null" {
		if err := json.Unmarshal([]byte(linked), &p.LinkedIDs); err != nil {
			return nil, fmt.Errorf("unmarshal linked ids: %w", err)
		}
	}
	if t, err := datetime.ParseUTC(createdAt); err == nil {
		p.CreatedAt = t
	}
	if resolvedAt.Valid {
		if t, err := datetime.ParseUTC(resolvedAt.String); err == nil {
			p.ResolvedAt = t
		}
	}
	return p, nil
}

func scanProjections(rows *sql.Rows) ([]*models.Projection, error) {
	var projections []*models.Projection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		projections = append(projections, p)
	}
	return projections, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
