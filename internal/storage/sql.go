package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reimportd/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

// sqlStore backs both the sqlite and the postgres driver. Queries are written
// with '?' placeholders and rebound for postgres.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	dollar bool

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(ctx context.Context, db *sql.DB, log logx.Logger, migration string, dollar bool) (*sqlStore, error) {
	st := &sqlStore{db: db, log: log, dollar: dollar, pruneEvery: 500}
	b, err := migrationsFS.ReadFile(migration)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return nil, err
	}
	return st, nil
}

// rebind turns '?' placeholders into $1..$n when the driver needs it.
func rebind(q string, dollar bool) string {
	if !dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) q(query string) string { return rebind(query, s.dollar) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) CreateSession(ctx context.Context, ns NewSession) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:      uuid.NewString(),
		Name:    ns.Name,
		Source:  ns.Source,
		From:    ns.From.UTC(),
		To:      ns.To.UTC(),
		Status:  StatusReady,
		Created: now,
		Updated: now,
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO sessions(id, name, source, from_ms, to_ms, status, created_ms, updated_ms)
		 VALUES(?,?,?,?,?,?,?,?)`),
		sess.ID, sess.Name, sess.Source, sess.From.UnixMilli(), sess.To.UnixMilli(),
		string(sess.Status), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Session{}, err
	}
	// Sessions round-trip at millisecond precision.
	sess.From = time.UnixMilli(sess.From.UnixMilli()).UTC()
	sess.To = time.UnixMilli(sess.To.UnixMilli()).UTC()
	sess.Created = time.UnixMilli(now.UnixMilli()).UTC()
	sess.Updated = sess.Created
	return sess, nil
}

func (s *sqlStore) SessionStatus(ctx context.Context, id string) (Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT status FROM sessions WHERE id = ?`), id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(st), nil
}

func (s *sqlStore) SetSessionStatus(ctx context.Context, id string, st Status) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET status = ?, updated_ms = ? WHERE id = ?`),
		string(st), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, name, source, from_ms, to_ms, status, created_ms, updated_ms
		 FROM sessions ORDER BY created_ms DESC, id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess                             Session
			st                               string
			fromMS, toMS, createdMS, updated int64
		)
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Source, &fromMS, &toMS, &st, &createdMS, &updated); err != nil {
			return nil, err
		}
		sess.Status = Status(st)
		sess.From = time.UnixMilli(fromMS).UTC()
		sess.To = time.UnixMilli(toMS).UTC()
		sess.Created = time.UnixMilli(createdMS).UTC()
		sess.Updated = time.UnixMilli(updated).UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendOutcome(ctx context.Context, o OutcomeRecord) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO outcomes(at_ms, job_id, day_from, day_to, state, session_id, attempts, err, started_ms, ended_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`),
		o.At.UnixMilli(), o.JobID, o.From, o.To, o.State, nullStr(o.Session), o.Attempts,
		nullStr(o.Error), o.Started.UnixMilli(), o.Ended.UnixMilli(),
	)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO dedup(key, until_ms) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until_ms = excluded.until_ms`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until_ms FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until_ms < ?`), time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
