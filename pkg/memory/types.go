package memory

import (
	"errors"
	"time"

	"github.com/okets/my-agent-sub003/pkg/embedding"
)

var (
	// ErrPathOutsideRoot is returned when a path would resolve outside the notebook root.
	ErrPathOutsideRoot = errors.New("path resolves outside the notebook root")
	// ErrNotMarkdown is returned for paths that are not .md files.
	ErrNotMarkdown = errors.New("not a markdown file")
)

// Meta keys stored in the meta table.
const (
	MetaProvider     = "embedding_provider"
	MetaModel        = "embedding_model"
	MetaDimensions   = "vector_dimensions"
	MetaChunkMaxSize = "chunk_max_size"
	MetaChunkOverlap = "chunk_overlap"
	MetaLastFullSync = "last_full_sync"
)

// DailyPrefix marks time-stamped log files in recall output.
const DailyPrefix = "daily/"

// FileRecord is one indexed source file.
type FileRecord struct {
	Path                  string    `json:"path"`
	ContentHash           string    `json:"content_hash"`
	ModifiedAt            time.Time `json:"modified_at"`
	Size                  int64     `json:"size"`
	IndexedAt             time.Time `json:"indexed_at"`
	IndexedWithEmbeddings bool      `json:"indexed_with_embeddings"`
}

// Chunk is a contiguous span of one file. ID and FilePath are zero until
// the chunk is stored.
type Chunk struct {
	ID          int64  `json:"id,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Heading     string `json:"heading,omitempty"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
}

// LineRange is an inclusive 1-indexed line range.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SearchResult is one recalled chunk.
type SearchResult struct {
	FilePath string    `json:"file_path"`
	Heading  string    `json:"heading,omitempty"`
	Snippet  string    `json:"snippet"`
	Score    float64   `json:"score"`
	Lines    LineRange `json:"lines"`
	ChunkID  int64     `json:"chunk_id"`
}

// RecallOptions tunes a recall query. Zero values take the configured defaults.
type RecallOptions struct {
	MaxResults int
	MinScore   *float64
}

// RecallResult groups results into notebook material and daily logs.
type RecallResult struct {
	Notebook []SearchResult           `json:"notebook"`
	Daily    []SearchResult           `json:"daily"`
	Mode     string                   `json:"mode"`
	Degraded *embedding.DegradedState `json:"degraded,omitempty"`
}

// Retrieval modes reported in RecallResult.Mode.
const (
	ModeHybrid  = "hybrid"
	ModeLexical = "lexical"
)

// SyncResult summarizes a full sync.
type SyncResult struct {
	Added             int      `json:"added"`
	Updated           int      `json:"updated"`
	Removed           int      `json:"removed"`
	Unchanged         int      `json:"unchanged"`
	Backfilled        int      `json:"backfilled"`
	Errors            []string `json:"errors,omitempty"`
	DurationMs        int64    `json:"duration_ms"`
	AlreadyInProgress bool     `json:"already_in_progress,omitempty"`
}

// SyncOutcome is the result of syncing a single file.
type SyncOutcome string

const (
	OutcomeAdded      SyncOutcome = "added"
	OutcomeUpdated    SyncOutcome = "updated"
	OutcomeUnchanged  SyncOutcome = "unchanged"
	OutcomeBackfilled SyncOutcome = "backfilled"
	OutcomeRemoved    SyncOutcome = "removed"
)

// ReadOptions selects a line window for NotebookRead. StartLine is 1-indexed;
// Lines of 0 reads to the end of the file.
type ReadOptions struct {
	StartLine int
	Lines     int
}

// ReadResult is the content returned by NotebookRead.
type ReadResult struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	TotalLines int    `json:"total_lines"`
}
