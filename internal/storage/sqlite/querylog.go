package sqlite

import (
	"context"
	"database/sql"
	"log"
	"time"
)

const slowQueryThreshold = 100 * time.Millisecond

// dbHandle is satisfied by both *sql.DB and *queryLogger. Store code uses
// this instead of *sql.DB directly so the logger can be layered in.
type dbHandle interface {
	Exec(query string, args ...any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Begin() (*sql.Tx, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// queryLogger wraps a *sql.DB and logs statements that exceed the slow
// query threshold.
type queryLogger struct {
	inner *sql.DB
}

func (q *queryLogger) logSlow(start time.Time, query string) {
	if d := time.Since(start); d >= slowQueryThreshold {
		log.Printf("SLOW QUERY (%s): %s", d.Round(time.Millisecond), truncateQuery(query))
	}
}

func (q *queryLogger) Exec(query string, args ...any) (sql.Result, error) {
	defer q.logSlow(time.Now(), query)
	return q.inner.Exec(query, args...)
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer q.logSlow(time.Now(), query)
	return q.inner.ExecContext(ctx, query, args...)
}

func (q *queryLogger) Query(query string, args ...any) (*sql.Rows, error) {
	defer q.logSlow(time.Now(), query)
	return q.inner.Query(query, args...)
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer q.logSlow(time.Now(), query)
	return q.inner.QueryContext(ctx, query, args...)
}

func (q *queryLogger) QueryRow(query string, args ...any) *sql.Row {
	defer q.logSlow(time.Now(), query)
	return q.inner.QueryRow(query, args...)
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer q.logSlow(time.Now(), query)
	return q.inner.QueryRowContext(ctx, query, args...)
}

func (q *queryLogger) Begin() (*sql.Tx, error) {
	return q.inner.Begin()
}

func (q *queryLogger) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return q.inner.BeginTx(ctx, opts)
}

func (q *queryLogger) Close() error {
	return q.inner.Close()
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
