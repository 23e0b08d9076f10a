// Package memory implements the archival fact store: a per-user SQLite
// database indexed by content hash for dedup, FTS5 for keyword search,
// and embedding vectors for similarity search.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vigil-dev/vigil/pkg/models"
)

// EmbedFunc produces an embedding for a text, or an error when the
// embedder is unavailable.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Store is the archival memory surface consumed by tools, reflection,
// and the worker completion bridge.
type Store interface {
	Add(ctx context.Context, content string, source models.FactSource, embedding []float32) (string, error)
	SearchKeyword(ctx context.Context, query string, limit int) ([]*models.FactMatch, error)
	SearchVector(ctx context.Context, queryEmbedding []float32, limit int) ([]*models.FactMatch, error)
	HybridSearch(ctx context.Context, query string, limit int, embed EmbedFunc) ([]*models.FactMatch, error)
	Remove(ctx context.Context, id string) error
	Recent(ctx context.Context, limit int) ([]*models.Fact, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	// beforeInsert, when set, runs between the dedup check and the
	// insert. Tests use it to interleave a competing writer.
	beforeInsert func()

	embedWarn sync.Once
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger.With("component", "memory")
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

// Open opens (creating if necessary) the fact store at path. Use
// ":memory:" for an ephemeral store.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer keeps SQLite happy under the queue's concurrency.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: slog.Default().With("component", "memory"),
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
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			embedding BLOB,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_created ON facts(created_at_ms)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(fact_id UNINDEXED, content)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// ContentHash is the first 16 hex characters of SHA-256 over the exact
// content bytes. It is the dedup key for facts.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// Add inserts a fact, returning the id. Adding content that already
// exists returns the existing id without touching the row.
func (s *SQLiteStore) Add(ctx context.Context, content string, source models.FactSource, embedding []float32) (string, error) {
	hash := ContentHash(content)

	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM facts WHERE content_hash = ?`, hash).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check existing fact: %w", err)
	}

	if s.beforeInsert != nil {
		s.beforeInsert()
	}

	id := uuid.New().String()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO facts (id, content, source, content_hash, embedding, created_at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		id, content, string(source), hash, encodeEmbedding(embedding), s.now().UnixMilli(),
	)
	if err != nil {
		// Lost a race with a concurrent insert of the same content. The
		// pool holds a single connection, so the transaction must be
		// rolled back before the re-query can run.
		if strings.Contains(err.Error(), "UNIQUE") {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				return "", fmt.Errorf("insert fact: %w", err)
			}
			var winner string
			if selErr := s.db.QueryRowContext(ctx, `SELECT id FROM facts WHERE content_hash = ?`, hash).Scan(&winner); selErr == nil {
				return winner, nil
			}
		}
		return "", fmt.Errorf("insert fact: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO facts_fts (fact_id, content) VALUES (?, ?)`, id, content); err != nil {
		return "", fmt.Errorf("index fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit fact: %w", err)
	}
	return id, nil
}

// SearchKeyword runs a BM25 query over fact content. The query is
// reduced to bare terms before reaching FTS5 so user punctuation cannot
// inject match syntax. Queries FTS5 still rejects fall back to a plain
// substring scan.
func (s *SQLiteStore) SearchKeyword(ctx context.Context, query string, limit int) ([]*models.FactMatch, error) {
	if limit <= 0 {
		limit = 10
	}
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.content, f.source, f.content_hash, f.created_at_ms, fts.rank
		FROM facts_fts fts
		JOIN facts f ON f.id = fts.fact_id
		WHERE facts_fts MATCH ?
		ORDER BY fts.rank
		LIMIT ?`, ftsQuery, limit)
	if err != nil {
		s.logger.Debug("fts query rejected, falling back to substring", "query", query, "error", err)
		return s.searchSubstring(ctx, query, limit)
	}
	defer rows.Close()

	var results []*models.FactMatch
	for rows.Next() {
		fact := &models.Fact{}
		var createdMs int64
		var rank float64
		if err := rows.Scan(&fact.ID, &fact.Content, &fact.Source, &fact.ContentHash, &createdMs, &rank); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		fact.CreatedAt = time.UnixMilli(createdMs).UTC()
		// FTS5 rank is negative; closer to zero means better.
		score := -rank
		if score < 0 {
			score = 0
		}
		results = append(results, &models.FactMatch{Fact: fact, Score: score, MatchedBy: models.MatchKeyword})
	}
	return results, rows.Err()
}

// searchSubstring is the fallback used when a query cannot be expressed
// in FTS5 syntax.
func (s *SQLiteStore) searchSubstring(ctx context.Context, query string, limit int) ([]*models.FactMatch, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source, content_hash, created_at_ms
		FROM facts
		WHERE content LIKE ?
		ORDER BY created_at_ms DESC
		LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close()

	var results []*models.FactMatch
	for rows.Next() {
		fact := &models.Fact{}
		var createdMs int64
		if err := rows.Scan(&fact.ID, &fact.Content, &fact.Source, &fact.ContentHash, &createdMs); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		fact.CreatedAt = time.UnixMilli(createdMs).UTC()
		results = append(results, &models.FactMatch{Fact: fact, Score: 1, MatchedBy: models.MatchKeyword})
	}
	return results, rows.Err()
}

// SearchVector ranks facts by cosine similarity against queryEmbedding.
// Facts stored without embeddings are skipped.
func (s *SQLiteStore) SearchVector(ctx context.Context, queryEmbedding []float32, limit int) ([]*models.FactMatch, error) {
	if len(queryEmbedding) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source, content_hash, created_at_ms, embedding
		FROM facts
		WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var results []*models.FactMatch
	for rows.Next() {
		fact := &models.Fact{}
		var createdMs int64
		var blob []byte
		if err := rows.Scan(&fact.ID, &fact.Content, &fact.Source, &fact.ContentHash, &createdMs, &blob); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		fact.CreatedAt = time.UnixMilli(createdMs).UTC()
		score := CosineSimilarity(queryEmbedding, decodeEmbedding(blob))
		if score <= 0 {
			continue
		}
		results = append(results, &models.FactMatch{Fact: fact, Score: float64(score), MatchedBy: models.MatchVector})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// HybridSearch combines keyword and vector retrieval. When both paths
// return, each fact scores max-normalised keyword × 0.5 plus cosine ×
// 0.5; otherwise whichever path ran stands alone. The embedder failing
// degrades silently to keyword-only.
func (s *SQLiteStore) HybridSearch(ctx context.Context, query string, limit int, embed EmbedFunc) ([]*models.FactMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	keyword, err := s.SearchKeyword(ctx, query, limit*2)
	if err != nil {
		return nil, err
	}

	var vector []*models.FactMatch
	if embed != nil {
		queryEmbedding, embedErr := embed(ctx, query)
		if embedErr != nil {
			s.embedWarn.Do(func() {
				s.logger.Warn("embedder unavailable, searching keyword-only", "error", embedErr)
			})
		} else if len(queryEmbedding) > 0 {
			vector, err = s.SearchVector(ctx, queryEmbedding, limit*2)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(vector) == 0 {
		if len(keyword) > limit {
			keyword = keyword[:limit]
		}
		return keyword, nil
	}
	if len(keyword) == 0 {
		if len(vector) > limit {
			vector = vector[:limit]
		}
		return vector, nil
	}

	var maxKeyword float64
	for _, m := range keyword {
		if m.Score > maxKeyword {
			maxKeyword = m.Score
		}
	}

	merged := make(map[string]*models.FactMatch, len(keyword)+len(vector))
	for _, m := range keyword {
		normalized := 0.0
		if maxKeyword > 0 {
			normalized = m.Score / maxKeyword
		}
		merged[m.Fact.ID] = &models.FactMatch{Fact: m.Fact, Score: normalized * 0.5, MatchedBy: models.MatchKeyword}
	}
	for _, m := range vector {
		if existing, ok := merged[m.Fact.ID]; ok {
			existing.Score += m.Score * 0.5
			existing.MatchedBy = models.MatchHybrid
			continue
		}
		merged[m.Fact.ID] = &models.FactMatch{Fact: m.Fact, Score: m.Score * 0.5, MatchedBy: models.MatchVector}
	}

	results := make([]*models.FactMatch, 0, len(merged))
	for _, m := range merged {
		results = append(results, m)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Fact.ID < results[j].Fact.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Remove deletes a fact from the table and the FTS index.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM facts_fts WHERE fact_id = ?`, id); err != nil {
		return fmt.Errorf("deindex fact: %w", err)
	}
	return tx.Commit()
}

// Recent returns the newest facts, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*models.Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source, content_hash, created_at_ms
		FROM facts
		ORDER BY created_at_ms DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []*models.Fact
	for rows.Next() {
		fact := &models.Fact{}
		var createdMs int64
		if err := rows.Scan(&fact.ID, &fact.Content, &fact.Source, &fact.ContentHash, &createdMs); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		fact.CreatedAt = time.UnixMilli(createdMs).UTC()
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// Count returns the number of stored facts.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&count)
	return count, err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// buildFTSQuery reduces free text to quoted bare terms joined by implicit
// AND. Returns "" when no searchable terms remain.
func buildFTSQuery(query string) string {
	terms := strings.FieldsFunc(query, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r > 127)
	})
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " ")
}
