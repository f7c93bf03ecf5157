package reimport

import "errors"

var (
	// ErrAdmissionDenied is returned by Scheduler.Enqueue when the day already
	// used all its attempts. The day is dropped; it is not an operational failure.
	ErrAdmissionDenied = errors.New("reimport: max attempts per day reached")

	// ErrLaunchFailed wraps failures of JobStore.CreateJob.
	ErrLaunchFailed = errors.New("reimport: job launch failed")

	ErrClosed   = errors.New("reimport: scheduler closed")
	ErrSealed   = errors.New("reimport: callbacks must be registered before the first enqueue")
	ErrJobState = errors.New("reimport: invalid job state")
)
