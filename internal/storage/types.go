package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("session not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot of sessions plus jsonl outcome log
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via DSN (lib/pq)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Status string

const (
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusReady, StatusRunning, StatusFinished:
		return st, nil
	default:
		return "", fmt.Errorf("unknown session status %q", s)
	}
}

// NewSession describes an import window to be picked up by the importer.
type NewSession struct {
	Name   string
	Source string
	From   time.Time
	To     time.Time
}

type Session struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Source  string    `json:"source"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Status  Status    `json:"status"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// OutcomeRecord is one terminal reimport outcome.
type OutcomeRecord struct {
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	State    string    `json:"state"`
	Session  string    `json:"session,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended"`
}

// Store is the persistence API used by the app.
type Store interface {
	CreateSession(ctx context.Context, s NewSession) (Session, error)
	SessionStatus(ctx context.Context, id string) (Status, error)
	SetSessionStatus(ctx context.Context, id string, st Status) error
	ListSessions(ctx context.Context, limit int) ([]Session, error)
	AppendOutcome(ctx context.Context, o OutcomeRecord) error

	// Dedup keys let the alert notifier suppress repeats across restarts.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
