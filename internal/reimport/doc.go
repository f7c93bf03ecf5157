// Package reimport schedules and supervises re-import jobs for calendar days.
//
// The package is built around four pieces:
//   - Ledger caps how many times a day may be admitted.
//   - Job wraps one external import job: it launches it, polls its status on a
//     single-shot timer and relaunches it when its deadline passes.
//   - Pool bounds how many jobs run at once and starts queued jobs as slots free up.
//   - Scheduler is the public entry point combining Ledger and Pool.
//
// All progress is driven by timer callbacks. Nothing here blocks waiting for a
// job; callers that need to wait for the pool to drain poll HasPendingWork.
package reimport
