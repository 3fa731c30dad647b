// Package trace hands redacted request/response copies to a pluggable store
// for offline analysis. Records carry already-assembled objects; credential
// material is stripped before a record is built, so no store ever sees it.
package trace

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one completed exchange through the gateway.
type Record struct {
	ID           string    `json:"id" db:"id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	Model        string    `json:"model" db:"model"`
	Streaming    bool      `json:"streaming" db:"streaming"`
	CacheHit     bool      `json:"cache_hit" db:"cache_hit"`
	StopReason   string    `json:"stop_reason" db:"stop_reason"`
	ToolCalls    int       `json:"tool_calls" db:"tool_calls"`
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	Error        string    `json:"error,omitempty" db:"error"`
	Request      string    `json:"request" db:"request"`
	Response     string    `json:"response" db:"response"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Store persists records. Implementations must tolerate concurrent writers.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	List(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}

// Recorder builds records and forwards them to its store. A nil Recorder or
// one with a nil store records nothing; tracing is never on the request's
// critical error path.
type Recorder struct {
	store Store
}

// NewRecorder wraps a store. store may be nil to disable recording.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Save fills in the record's identity fields and persists it. Errors are
// returned for logging but must not fail the request.
func (r *Recorder) Save(ctx context.Context, rec *Record) error {
	if r == nil || r.store == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return r.store.Save(ctx, rec)
}
