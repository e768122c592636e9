// Package journal records one entry per agent session lifecycle. It never stores
// conversation content.
package journal

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("journal record not found")

type Record struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Room          string     `json:"room"`
	AgentIdentity string     `json:"agent_identity"`
	Providers     string     `json:"providers"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Trigger       string     `json:"trigger,omitempty"`
	ShutdownError string     `json:"shutdown_error,omitempty"`
	GreetingError string     `json:"greeting_error,omitempty"`
}

// Ending closes a record.
type Ending struct {
	EndedAt       time.Time
	Trigger       string
	ShutdownError string
	GreetingError string
}

// Store persists lifecycle records.
type Store interface {
	Begin(ctx context.Context, record Record) (Record, error)
	Finish(ctx context.Context, id string, end Ending) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
