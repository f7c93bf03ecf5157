// Package storage keeps the import sessions that reimport jobs launch and
// poll, plus an append-only log of terminal job outcomes.
//
// Drivers: "file" (JSON snapshot and JSON Lines), "sqlite" and "postgres".
// A session is the record an external importer picks up: it is created in
// status ready, moved to running and finally to finished by the importer.
package storage
