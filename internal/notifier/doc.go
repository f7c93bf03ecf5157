// Package notifier sends operator alerts when a reimport gives up.
//
// Exhausted and failed jobs are read from the event bus, formatted, and
// delivered through a Sender (Telegram in production). Delivery is async:
// a bounded queue, a small worker pool, a token-bucket rate limit and
// jittered retries.
//
// # Dedup
//
// An alert for the same day and kind is suppressed for DedupWindow. The
// suppress-until time is also written to the job-status store so repeats
// stay quiet across restarts.
package notifier
