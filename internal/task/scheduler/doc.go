// Package scheduler turns cron and interval schedules into engine tasks.
//
// It only triggers work: every fire enqueues an engine.Task, and execution,
// retries and overlap gating happen in the engine.
package scheduler
