package reimport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reimportd/pkg/logx"
)

// Job drives one external import for a DateRange.
//
// Lifecycle:
//
//	created -> ready -> running <-> relaunching -> finished | max_attempts_exceeded
//
// plus launch_failed (CreateJob error) and cancelled (Cancel). Progress is made
// only by timer callbacks. Every callback carries the generation it was armed
// with and is ignored when the job is no longer live or was relaunched since.
type Job struct {
	id    string
	rng   DateRange
	cfg   Config
	store JobStore
	clock Clock
	log   logx.Logger

	// set by the pool before the job is started
	onTerminal func(*Job, Outcome)
	onRelaunch func(*Job, Outcome)
	onRelease  func(*Job)

	mu       sync.Mutex
	base     context.Context
	state    State
	handle   Handle
	attempts int
	live     bool
	gen      uint64
	poll     Timer
	deadline Timer
	started  time.Time
	ended    time.Time
	err      error
}

// NewJob returns a job in state created. Nothing runs until Start.
func NewJob(r DateRange, cfg Config, store JobStore, clock Clock, log logx.Logger) *Job {
	if clock == nil {
		clock = SystemClock{}
	}
	id := uuid.NewString()
	return &Job{
		id:    id,
		rng:   r,
		cfg:   cfg.withDefaults(),
		store: store,
		clock: clock,
		log:   log.With(logx.String("job", id), logx.String("range", r.String())),
		state: StateCreated,
	}
}

func (j *Job) ID() string       { return j.id }
func (j *Job) Range() DateRange { return j.rng }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

func (j *Job) Handle() Handle {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.handle
}

// Start launches the external job and arms the poll and deadline timers.
// ctx is also the parent of every later call into the JobStore.
func (j *Job) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	j.mu.Lock()
	if j.state != StateCreated {
		st := j.state
		j.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrJobState, st)
	}
	j.state = StateReady
	j.base = ctx
	j.mu.Unlock()

	h, err := j.create(ctx)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateReady {
		// cancelled while launching; the remote job is abandoned
		return nil
	}
	now := j.clock.Now()
	j.started = now
	if err != nil {
		j.state = StateLaunchFailed
		j.ended = now
		j.err = fmt.Errorf("%w: %s: %v", ErrLaunchFailed, j.rng, err)
		j.log.Error("job launch failed", logx.Err(err))
		return j.err
	}
	j.handle = h
	j.attempts = 1
	j.state = StateRunning
	j.live = true
	j.gen++
	j.armLocked(j.gen)
	j.log.Info("job started", logx.String("handle", string(h)))
	return nil
}

// Cancel stops the job's timers and hands its pool slot back. It never fires
// the terminal hook and is safe to call any number of times in any state.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.live = false
	j.gen++
	j.stopTimersLocked()
	j.state = StateCancelled
	j.ended = j.clock.Now()
	release := j.onRelease
	j.mu.Unlock()

	if release != nil {
		release(j)
	}
}

// Outcome returns the job's current outcome view.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcomeLocked()
}

func (j *Job) outcomeLocked() Outcome {
	return Outcome{
		JobID:    j.id,
		Range:    j.rng,
		State:    j.state,
		Handle:   j.handle,
		Attempts: j.attempts,
		Err:      j.err,
		Started:  j.started,
		Ended:    j.ended,
	}
}

func (j *Job) armLocked(gen uint64) {
	j.armPollLocked(gen)
	j.deadline = j.clock.AfterFunc(j.cfg.JobTimeLimit, func() { j.onDeadline(gen) })
}

func (j *Job) armPollLocked(gen uint64) {
	j.poll = j.clock.AfterFunc(j.cfg.PollInterval, func() { j.onPoll(gen) })
}

func (j *Job) stopTimersLocked() {
	if j.poll != nil {
		j.poll.Stop()
		j.poll = nil
	}
	if j.deadline != nil {
		j.deadline.Stop()
		j.deadline = nil
	}
}

// currentLocked reports whether a callback armed with gen may still act.
func (j *Job) currentLocked(gen uint64) bool {
	return j.live && j.gen == gen
}

// snapshotFor returns the handle and base context if gen is still current.
func (j *Job) snapshotFor(gen uint64) (Handle, context.Context, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.currentLocked(gen) || j.state != StateRunning {
		return "", nil, false
	}
	return j.handle, j.base, true
}

func (j *Job) onPoll(gen uint64) {
	h, base, ok := j.snapshotFor(gen)
	if !ok {
		j.log.Debug("stale poll callback ignored")
		return
	}
	finished := j.finishedRemotely(base, h)

	j.mu.Lock()
	if !j.currentLocked(gen) {
		j.mu.Unlock()
		j.log.Debug("stale poll callback ignored")
		return
	}
	if finished {
		o := j.terminateLocked(StateFinished, nil)
		j.mu.Unlock()
		j.terminal(o)
		return
	}
	j.armPollLocked(gen)
	j.mu.Unlock()
}

func (j *Job) onDeadline(gen uint64) {
	h, base, ok := j.snapshotFor(gen)
	if !ok {
		j.log.Debug("stale deadline callback ignored")
		return
	}
	finished := j.finishedRemotely(base, h)

	j.mu.Lock()
	if !j.currentLocked(gen) {
		j.mu.Unlock()
		j.log.Debug("stale deadline callback ignored")
		return
	}
	if finished {
		o := j.terminateLocked(StateFinished, nil)
		j.mu.Unlock()
		j.terminal(o)
		return
	}
	if j.attempts >= j.cfg.MaxAttemptsPerJob {
		o := j.terminateLocked(StateMaxAttemptsExceeded, nil)
		j.mu.Unlock()
		j.log.Warn("job deadline reached, attempts exhausted", logx.Int("attempts", o.Attempts))
		j.terminal(o)
		return
	}

	// relaunch: invalidate every timer of the previous launch first
	j.state = StateRelaunching
	j.stopTimersLocked()
	j.gen++
	next := j.gen
	prev := j.handle
	j.mu.Unlock()

	j.log.Warn("job deadline reached, relaunching",
		logx.String("handle", string(prev)),
		logx.Int("attempt", j.Attempts()+1),
		logx.Duration("limit", j.cfg.JobTimeLimit),
	)
	nh, err := j.create(base)

	j.mu.Lock()
	if !j.currentLocked(next) {
		j.mu.Unlock()
		return
	}
	if err != nil {
		j.log.Error("job relaunch failed", logx.Err(err))
		o := j.terminateLocked(StateLaunchFailed, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, j.rng, err))
		j.mu.Unlock()
		j.terminal(o)
		return
	}
	j.handle = nh
	j.attempts++
	j.state = StateRunning
	j.armLocked(next)
	o := j.outcomeLocked()
	hook := j.onRelaunch
	j.mu.Unlock()

	if hook != nil {
		hook(j, o)
	}
}

// terminateLocked performs the single terminal transition.
// Callers must have checked currentLocked under the same lock.
func (j *Job) terminateLocked(s State, err error) Outcome {
	j.live = false
	j.gen++
	j.stopTimersLocked()
	j.state = s
	j.err = err
	j.ended = j.clock.Now()
	return j.outcomeLocked()
}

func (j *Job) terminal(o Outcome) {
	j.log.Info("job terminal",
		logx.String("state", o.State.String()),
		logx.Int("attempts", o.Attempts),
		logx.Duration("took", o.Ended.Sub(o.Started)),
	)
	if j.onTerminal != nil {
		j.onTerminal(j, o)
	}
}

func (j *Job) create(parent context.Context) (Handle, error) {
	ctx, cancel := context.WithTimeout(parent, j.cfg.StatusTimeout)
	defer cancel()
	h, err := j.store.CreateJob(ctx, j.rng)
	if err == nil && h == "" {
		err = fmt.Errorf("job store returned an empty handle")
	}
	return h, err
}

// finishedRemotely queries the store. Errors count as "not finished".
func (j *Job) finishedRemotely(parent context.Context, h Handle) bool {
	ctx, cancel := context.WithTimeout(parent, j.cfg.StatusTimeout)
	defer cancel()
	st, err := j.store.Status(ctx, h)
	if err != nil {
		j.log.Warn("job status query failed", logx.String("handle", string(h)), logx.Err(err))
		return false
	}
	j.log.Debug("job status", logx.String("handle", string(h)), logx.String("status", string(st)))
	return st == RemoteFinished
}

// JobView is a read-only snapshot of a job.
type JobView struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	State    string    `json:"state"`
	Handle   string    `json:"handle,omitempty"`
	Attempts int       `json:"attempts"`
	Started  time.Time `json:"started,omitempty"`
}

func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobView{
		ID:       j.id,
		From:     j.rng.From.String(),
		To:       j.rng.To.String(),
		State:    j.state.String(),
		Handle:   string(j.handle),
		Attempts: j.attempts,
		Started:  j.started,
	}
}
