package models

import "time"

// FactSource records how a fact entered archival memory.
type FactSource string

const (
	SourceArchival     FactSource = "archival"
	SourceConversation FactSource = "conversation"
	SourceWorker       FactSource = "worker"
	SourceImport       FactSource = "import"
	SourceCLI          FactSource = "cli"
)

// Fact is an immutable archival memory entry. Facts are deduplicated by
// ContentHash; they are never updated in place.
type Fact struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Source      FactSource `json:"source"`
	ContentHash string     `json:"content_hash"`
	Embedding   []float32  `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MatchSource records which retrieval path produced a search hit.
type MatchSource string

const (
	MatchKeyword MatchSource = "keyword"
	MatchVector  MatchSource = "vector"
	MatchHybrid  MatchSource = "hybrid"
)

// FactMatch is a single archival search result.
type FactMatch struct {
	Fact      *Fact       `json:"fact"`
	Score     float64     `json:"score"`
	MatchedBy MatchSource `json:"matched_by"`
}
