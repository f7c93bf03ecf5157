package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"reimportd/internal/reimport"
)

// SQLCounter counts rows in the authoritative database with a query taking
// the day's first and last second as bind parameters.
type SQLCounter struct {
	db          *sql.DB
	query       string
	paramLayout string
	timeout     time.Duration
	owned       bool
}

type SQLOptions struct {
	Query       string
	ParamLayout string
	Timeout     time.Duration
}

// NewSQLCounter wraps an open database. Close does not close db.
func NewSQLCounter(db *sql.DB, opt SQLOptions) (*SQLCounter, error) {
	if db == nil {
		return nil, errors.New("sql counter: db is nil")
	}
	if strings.TrimSpace(opt.Query) == "" {
		return nil, errors.New("sql counter: query is required")
	}
	return &SQLCounter{db: db, query: opt.Query, paramLayout: opt.ParamLayout, timeout: opt.Timeout}, nil
}

// OpenSQLCounter opens driver ("postgres" or "sqlite") and owns the pool.
func OpenSQLCounter(driver, dsn string, opt SQLOptions) (*SQLCounter, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql":
		driver = "postgres"
	case "sqlite", "sqlite3":
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("sql counter: unknown driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	c, err := NewSQLCounter(db, opt)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.owned = true
	return c, nil
}

func (c *SQLCounter) Count(ctx context.Context, day reimport.Day) (int64, error) {
	start, end := dayBounds(day)
	var from, to any = start, end
	if c.paramLayout != "" {
		from, to = start.Format(c.paramLayout), end.Format(c.paramLayout)
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	var n sql.NullInt64
	if err := c.db.QueryRowContext(ctx, c.query, from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("authoritative count %s: %w", day, err)
	}
	return n.Int64, nil
}

func (c *SQLCounter) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}
