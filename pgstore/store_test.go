package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	proxylab "github.com/mehedi-monir/http-proxy-lab"
)

// newTestStore connects to PROXYLAB_TEST_POSTGRES_DSN and empties the
// tables. Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PROXYLAB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PROXYLAB_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.DB.ExecContext(ctx, `TRUNCATE blocked_sites, access_logs, cache RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestPatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, err := s.InsertPattern(ctx, "example.com"); err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	if ok, err := s.InsertPattern(ctx, "example.com"); err != nil || ok {
		t.Fatalf("duplicate insert = %v, %v", ok, err)
	}
	if ok, err := s.InsertPattern(ctx, "youtube.com"); err != nil || !ok {
		t.Fatalf("second insert = %v, %v", ok, err)
	}

	patterns, err := s.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("ListPatterns: %v", err)
	}
	if len(patterns) != 2 || patterns[0] != "example.com" {
		t.Errorf("ListPatterns = %v", patterns)
	}

	if ok, err := s.DeletePattern(ctx, "example.com"); err != nil || !ok {
		t.Errorf("delete = %v, %v", ok, err)
	}
	if ok, err := s.DeletePattern(ctx, "example.com"); err != nil || ok {
		t.Errorf("second delete = %v, %v", ok, err)
	}
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, e := range []proxylab.AccessEvent{
		{ClientIP: "127.0.0.1", URL: "https://example.com", Method: "CONNECT", StatusCode: 200},
		{ClientIP: "127.0.0.1", URL: "https://youtube.com", Method: "CONNECT", StatusCode: 403, Blocked: true},
	} {
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	total, blocked, err := s.CountEvents(ctx)
	if err != nil || total != 2 || blocked != 1 {
		t.Errorf("CountEvents = %d, %d, %v; want 2, 1", total, blocked, err)
	}

	recent, err := s.RecentEvents(ctx, 1)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(recent) != 1 || !recent[0].Blocked || !recent[0].Timestamp.Equal(base.Add(time.Second)) {
		t.Errorf("RecentEvents = %+v", recent)
	}

	if err := s.ClearEvents(ctx); err != nil {
		t.Fatalf("ClearEvents: %v", err)
	}
	if total, _, _ := s.CountEvents(ctx); total != 0 {
		t.Errorf("after clear total = %d", total)
	}
}

func TestCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO cache (url, content, content_type, expires) VALUES
		('http://a.example/', 'a', 'text/plain', now() + interval '1 hour'),
		('http://b.example/', 'b', 'text/plain', now() - interval '1 hour')`)
	if err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if n, err := s.CountCachedItems(ctx); err != nil || n != 1 {
		t.Errorf("CountCachedItems = %d, %v; want 1", n, err)
	}
	if err := s.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if n, _ := s.CountCachedItems(ctx); n != 0 {
		t.Errorf("after clear = %d", n)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
