// Package sqlitestore implements proxylab.Store on a SQLite file.
package sqlitestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	proxylab "github.com/mehedi-monir/http-proxy-lab"
)

// TimeFormat is how timestamps are stored, matching SQLite's
// CURRENT_TIMESTAMP and datetime('now').
const TimeFormat = "2006-01-02 15:04:05"

// DefaultPoolSize is used when Open is given a non-positive pool size.
const DefaultPoolSize = 4

// Store is a proxylab.Store backed by a pool of SQLite connections.
type Store struct {
	pool *sqlitex.Pool

	// SQLite allows one writer at a time; writers queue here instead of
	// spinning on SQLITE_BUSY.
	writeMu sync.Mutex
}

var _ proxylab.Store = (*Store)(nil)

// Open opens or creates the database at path and brings its schema up to
// date.
func Open(path string, poolSize int) (*Store, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{PoolSize: poolSize})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}

	s := &Store{pool: pool}
	if err := s.withConn(context.Background(), migrate); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return s, nil
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("taking connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *Store) write(ctx context.Context, fn func(*sqlite.Conn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withConn(ctx, fn)
}

// InsertPattern adds p and reports whether a row was created.
func (s *Store) InsertPattern(ctx context.Context, p string) (bool, error) {
	var inserted bool
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO blocked_sites (url_pattern, created_at) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{p, now()}})
		if err != nil {
			return err
		}
		inserted = conn.Changes() > 0
		return nil
	})
	return inserted, err
}

// DeletePattern removes p and reports whether it existed.
func (s *Store) DeletePattern(ctx context.Context, p string) (bool, error) {
	var deleted bool
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM blocked_sites WHERE url_pattern = ?`,
			&sqlitex.ExecOptions{Args: []any{p}})
		if err != nil {
			return err
		}
		deleted = conn.Changes() > 0
		return nil
	})
	return deleted, err
}

// ListPatterns returns every stored pattern in insertion order.
func (s *Store) ListPatterns(ctx context.Context) ([]string, error) {
	var patterns []string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT url_pattern FROM blocked_sites WHERE url_pattern IS NOT NULL ORDER BY id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					patterns = append(patterns, stmt.ColumnText(0))
					return nil
				},
			})
	})
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
	return s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO access_logs (client_ip, url, method, status_code, blocked, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				e.ClientIP, e.URL, e.Method, e.StatusCode, boolInt(e.Blocked), ts.UTC().Format(TimeFormat),
			}})
	})
}

// CountEvents returns the number of access events and how many of them
// were blocked.
func (s *Store) CountEvents(ctx context.Context) (total, blocked int64, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT COUNT(*), COALESCE(SUM(blocked = 1), 0) FROM access_logs`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					total = stmt.ColumnInt64(0)
					blocked = stmt.ColumnInt64(1)
					return nil
				},
			})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("counting events: %w", err)
	}
	return total, blocked, nil
}

// CountCachedItems counts cache rows that have not expired.
func (s *Store) CountCachedItems(ctx context.Context) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT COUNT(*) FROM cache WHERE expires > datetime('now')`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					n = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("counting cache: %w", err)
	}
	return n, nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]proxylab.AccessEvent, error) {
	var events []proxylab.AccessEvent
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT client_ip, url, method, status_code, blocked, timestamp
			FROM access_logs ORDER BY id DESC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					events = append(events, proxylab.AccessEvent{
						ClientIP:   stmt.GetText("client_ip"),
						URL:        stmt.GetText("url"),
						Method:     stmt.GetText("method"),
						StatusCode: int(stmt.GetInt64("status_code")),
						Blocked:    stmt.GetInt64("blocked") != 0,
						Timestamp:  parseTime(stmt.GetText("timestamp")),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return events, nil
}

// ClearEvents deletes every access event.
func (s *Store) ClearEvents(ctx context.Context) error {
	return s.clear(ctx, "access_logs")
}

// ClearCache deletes every cache row.
func (s *Store) ClearCache(ctx context.Context) error {
	return s.clear(ctx, "cache")
}

func (s *Store) clear(ctx context.Context, table string) error {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "DELETE FROM "+table, nil)
	})
	if err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	return nil
}

// Ping checks that a connection can run a query.
func (s *Store) Ping(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
	})
}

func now() string {
	return time.Now().UTC().Format(TimeFormat)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime accepts the stored layout and RFC 3339, which older rows
// written by other tools may use. Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	for _, layout := range []string{TimeFormat, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
