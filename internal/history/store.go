// Package history retains execution contexts so they can be queried by task
// after they finish.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/msageha/testgate/internal/model"
)

// ErrNotFound is returned when no record has the requested run ID.
var ErrNotFound = errors.New("history record not found")

// Verdict values recorded for completed runs.
const (
	VerdictApproved = "approved"
	VerdictBlocked  = "blocked"
)

// Record is one execution context as stored. Payload carries the full context
// as JSON; the other fields are indexed copies.
type Record struct {
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id"`
	Status    model.Status    `json:"status"`
	Verdict   string          `json:"verdict,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Store persists records. Save upserts by RunID. List results are newest
// first.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, runID string) (Record, error)
	ListByTask(ctx context.Context, taskID string) ([]Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open returns the store named by driver: "memory" (or empty) or "sqlite".
func Open(ctx context.Context, cfg model.HistoryConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.Limit), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	default:
		return nil, errors.New("unknown history driver: " + cfg.Driver)
	}
}
