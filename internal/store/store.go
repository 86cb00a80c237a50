package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverSupabase = "supabase"
)

var ErrInvalidRecord = errors.New("invalid call end record")

// CallEnd is one persisted end of a call.
type CallEnd struct {
	OperationID string    `json:"operation_id"`
	RoomID      string    `json:"room_id"`
	Reason      string    `json:"reason"`
	EndedAt     time.Time `json:"ended_at"`
}

// CallEndStore records why calls ended. RecordCallEnd matches
// calls.EndRecorder.
type CallEndStore interface {
	RecordCallEnd(ctx context.Context, roomID, reason string) (string, error)
	CallEnds(ctx context.Context, roomID string) ([]CallEnd, error)
	Close() error
}

// KnowledgeStore holds the reference snippets offered to the model during a
// call. SearchKnowledge matches orchestration.KnowledgeBase.
type KnowledgeStore interface {
	ReplaceKnowledge(ctx context.Context, snippets []string) error
	SearchKnowledge(ctx context.Context, query string, limit int) ([]string, error)
}

type Config struct {
	// Driver is one of sqlite, postgres or supabase.
	Driver string
	DSN    string

	SupabaseURL   string
	SupabaseKey   string
	SupabaseTable string
}

func Open(config Config) (CallEndStore, error) {
	switch config.Driver {
	case DriverSupabase:
		return NewSupabaseRecorder(config.SupabaseURL, config.SupabaseKey, config.SupabaseTable)
	case "", DriverSQLite, DriverPostgres:
		return NewGormStore(config.Driver, config.DSN)
	default:
		return nil, fmt.Errorf("unsupported call store %q", config.Driver)
	}
}

func validateCallEnd(roomID, reason string) error {
	if roomID == "" {
		return fmt.Errorf("%w: room id is required", ErrInvalidRecord)
	}
	if reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidRecord)
	}
	return nil
}
