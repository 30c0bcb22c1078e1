// Package pgstore implements proxylab.Store on PostgreSQL using sqlx.
//
// The tables mirror the SQLite layout so the dashboard behaves the same on
// either backend:
//
//	blocked_sites (id, url_pattern UNIQUE, created_at)
//	access_logs   (id, client_ip, url, method, status_code, blocked, timestamp)
//	cache         (url PRIMARY KEY, content, content_type, expires, created_at)
package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	proxylab "github.com/mehedi-monir/http-proxy-lab"
)

//go:embed schema.sql
var schemaSQL string

// Store is a proxylab.Store backed by PostgreSQL.
type Store struct {
	DB *sqlx.DB
}

var _ proxylab.Store = (*Store)(nil)

// eventRow is an access_logs row.
type eventRow struct {
	ClientIP   string    `db:"client_ip"`
	URL        string    `db:"url"`
	Method     string    `db:"method"`
	StatusCode int       `db:"status_code"`
	Blocked    bool      `db:"blocked"`
	Timestamp  time.Time `db:"timestamp"`
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. Call Migrate before use on a fresh
// database.
func New(db *sqlx.DB) *Store {
	return &Store{DB: db}
}

// Migrate creates missing tables, columns and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// InsertPattern adds p and reports whether a row was created.
func (s *Store) InsertPattern(ctx context.Context, p string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO blocked_sites (url_pattern) VALUES ($1) ON CONFLICT (url_pattern) DO NOTHING`, p)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeletePattern removes p and reports whether it existed.
func (s *Store) DeletePattern(ctx context.Context, p string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM blocked_sites WHERE url_pattern = $1`, p)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPatterns returns every stored pattern in insertion order.
func (s *Store) ListPatterns(ctx context.Context) ([]string, error) {
	var patterns []string
	err := s.DB.SelectContext(ctx, &patterns,
		`SELECT url_pattern FROM blocked_sites WHERE url_pattern IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing patterns: %w", err)
	}
	return patterns, nil
}

// AppendEvent inserts one access_logs row.
func (s *Store) AppendEvent(ctx context.Context, e proxylab.AccessEvent) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.DB.NamedExecContext(ctx,
		`INSERT INTO access_logs (client_ip, url, method, status_code, blocked, timestamp)
		VALUES (:client_ip, :url, :method, :status_code, :blocked, :timestamp)`,
		eventRow{
			ClientIP:   e.ClientIP,
			URL:        e.URL,
			Method:     e.Method,
			StatusCode: e.StatusCode,
			Blocked:    e.Blocked,
			Timestamp:  ts.UTC(),
		})
	return err
}

// CountEvents returns the number of access events and how many of them
// were blocked.
func (s *Store) CountEvents(ctx context.Context) (total, blocked int64, err error) {
	row := s.DB.QueryRowxContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE blocked) FROM access_logs`)
	if err := row.Scan(&total, &blocked); err != nil {
		return 0, 0, fmt.Errorf("counting events: %w", err)
	}
	return total, blocked, nil
}

// CountCachedItems counts cache rows that have not expired.
func (s *Store) CountCachedItems(ctx context.Context) (int64, error) {
	var n int64
	if err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM cache WHERE expires > now()`); err != nil {
		return 0, fmt.Errorf("counting cache: %w", err)
	}
	return n, nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]proxylab.AccessEvent, error) {
	var rows []eventRow
	err := s.DB.SelectContext(ctx, &rows,
		`SELECT COALESCE(client_ip, '') AS client_ip, COALESCE(url, '') AS url,
			COALESCE(method, '') AS method, COALESCE(status_code, 0) AS status_code,
			blocked, timestamp
		FROM access_logs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	events := make([]proxylab.AccessEvent, len(rows))
	for i, r := range rows {
		events[i] = proxylab.AccessEvent{
			ClientIP:   r.ClientIP,
			URL:        r.URL,
			Method:     r.Method,
			StatusCode: r.StatusCode,
			Blocked:    r.Blocked,
			Timestamp:  r.Timestamp.UTC(),
		}
	}
	return events, nil
}

// ClearEvents deletes every access event.
func (s *Store) ClearEvents(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM access_logs`); err != nil {
		return fmt.Errorf("clearing access_logs: %w", err)
	}
	return nil
}

// ClearCache deletes every cache row.
func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM cache`); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
