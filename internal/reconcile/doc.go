// Package reconcile compares per-day record counts between the authoritative
// database and the downstream search store, and asks the reimport scheduler
// to reimport days where the downstream store is short.
package reconcile
