package reimport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPoolSize          = 2
	DefaultPollInterval      = 5 * time.Minute
	DefaultJobTimeLimit      = 3 * time.Hour
	DefaultMaxAttemptsPerJob = 3
	DefaultMaxAttemptsPerDay = 3
	DefaultStatusTimeout     = 30 * time.Second
)

// QueueOrder decides which pending job starts next.
type QueueOrder int

const (
	// FIFO starts jobs in enqueue order.
	FIFO QueueOrder = iota
	// LIFO starts the most recently enqueued job first.
	LIFO
)

func (o QueueOrder) String() string {
	if o == LIFO {
		return "lifo"
	}
	return "fifo"
}

// ParseQueueOrder accepts "fifo" (or empty) and "lifo".
func ParseQueueOrder(s string) (QueueOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fifo":
		return FIFO, nil
	case "lifo":
		return LIFO, nil
	default:
		return FIFO, fmt.Errorf("unknown queue order %q (use fifo or lifo)", s)
	}
}

// Config controls the scheduler, its pool and every job it creates.
// Zero values are replaced by the package defaults.
type Config struct {
	PoolSize     int
	PollInterval time.Duration
	JobTimeLimit time.Duration

	// MaxAttemptsPerJob bounds launches of one job caused by deadline timeouts
	// (the initial launch counts as the first attempt).
	MaxAttemptsPerJob int

	// MaxAttemptsPerDay bounds admissions of the same day into the scheduler.
	MaxAttemptsPerDay int

	Order QueueOrder

	// StatusTimeout bounds every call into the JobStore.
	StatusTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JobTimeLimit <= 0 {
		c.JobTimeLimit = DefaultJobTimeLimit
	}
	if c.MaxAttemptsPerJob <= 0 {
		c.MaxAttemptsPerJob = DefaultMaxAttemptsPerJob
	}
	if c.MaxAttemptsPerDay <= 0 {
		c.MaxAttemptsPerDay = DefaultMaxAttemptsPerDay
	}
	if c.Order != FIFO && c.Order != LIFO {
		c.Order = FIFO
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	return c
}

// Handle identifies a launched external job.
type Handle string

// RemoteStatus is the status reported by the external job store.
type RemoteStatus string

const (
	RemoteReady    RemoteStatus = "ready"
	RemoteRunning  RemoteStatus = "running"
	RemoteFinished RemoteStatus = "finished"
)

// JobStore launches external import jobs and reports their status.
//
// CreateJob is called again on every relaunch; returning a new handle for the
// same range is fine, the previous handle is abandoned.
type JobStore interface {
	CreateJob(ctx context.Context, r DateRange) (Handle, error)
	Status(ctx context.Context, h Handle) (RemoteStatus, error)
}

// State is the local lifecycle state of a Job.
type State int

const (
	StateCreated State = iota
	StateReady
	StateRunning
	// StateRelaunching is held while a timed-out job is being launched again.
	StateRelaunching
	StateFinished
	StateMaxAttemptsExceeded
	StateLaunchFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateRelaunching:
		return "relaunching"
	case StateFinished:
		return "finished"
	case StateMaxAttemptsExceeded:
		return "max_attempts_exceeded"
	case StateLaunchFailed:
		return "launch_failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateMaxAttemptsExceeded || s == StateLaunchFailed || s == StateCancelled
}

// Outcome describes how a job ended.
type Outcome struct {
	JobID    string
	Range    DateRange
	State    State
	Handle   Handle
	Attempts int
	Err      error
	Started  time.Time
	Ended    time.Time
}

// JobEvent is published on the event bus for job and admission lifecycle events.
type JobEvent struct {
	JobID    string    `json:"job_id,omitempty"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Handle   string    `json:"handle,omitempty"`
	State    string    `json:"state,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Started  time.Time `json:"started,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Event types published by this package.
const (
	EventEnqueued   = "reimport.enqueued"
	EventDenied     = "reimport.denied"
	EventStarted    = "job.started"
	EventRelaunched = "job.relaunched"
	EventFinished   = "job.finished"
	EventExhausted  = "job.exhausted"
	EventFailed     = "job.failed"
)
