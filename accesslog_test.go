package proxylab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestAccessRecorder_Record(t *testing.T) {
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		entry AccessEntry
		check func(t *testing.T, m map[string]any)
	}{
		{
			name: "allowed tunnel",
			entry: AccessEntry{
				AccessEvent: AccessEvent{
					ClientIP:   "192.168.1.1",
					URL:        "https://example.com",
					Method:     "CONNECT",
					StatusCode: 200,
					Timestamp:  ts,
				},
				Host:     "example.com",
				Duration: 150 * time.Millisecond,
				Bytes:    4096,
			},
			check: func(t *testing.T, m map[string]any) {
				if m["method"] != "CONNECT" {
					t.Errorf("method = %v, want CONNECT", m["method"])
				}
				if m["url"] != "https://example.com" {
					t.Errorf("url = %v, want https://example.com", m["url"])
				}
				if m["status"] != float64(200) {
					t.Errorf("status = %v, want 200", m["status"])
				}
				if m["bytes"] != float64(4096) {
					t.Errorf("bytes = %v, want 4096", m["bytes"])
				}
				if m["blocked"] != false {
					t.Errorf("blocked = %v, want false", m["blocked"])
				}
				if _, ok := m["pattern"]; ok {
					t.Error("pattern should not be present for allowed request")
				}
			},
		},
		{
			name: "blocked request",
			entry: AccessEntry{
				AccessEvent: AccessEvent{
					ClientIP:   "10.0.0.1",
					URL:        "http://blocked.com/",
					Method:     "GET",
					StatusCode: 403,
					Blocked:    true,
					Timestamp:  ts,
				},
				Pattern:  "blocked.com",
				Strategy: StrategyExact,
			},
			check: func(t *testing.T, m map[string]any) {
				if m["blocked"] != true {
					t.Errorf("blocked = %v, want true", m["blocked"])
				}
				if m["pattern"] != "blocked.com" {
					t.Errorf("pattern = %v, want blocked.com", m["pattern"])
				}
				if m["strategy"] != "exact" {
					t.Errorf("strategy = %v, want exact", m["strategy"])
				}
				if _, ok := m["bytes"]; ok {
					t.Error("bytes should not be present for blocked request")
				}
			},
		},
		{
			name: "connect failure",
			entry: AccessEntry{
				AccessEvent: AccessEvent{
					ClientIP:   "10.0.0.2",
					URL:        "https://timeout.com",
					Method:     "CONNECT",
					StatusCode: 502,
					Timestamp:  ts,
				},
				Error: "dial tcp: i/o timeout",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["error"] != "dial tcp: i/o timeout" {
					t.Errorf("error = %v, want dial error", m["error"])
				}
				if m["status"] != float64(502) {
					t.Errorf("status = %v, want 502", m["status"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
			store := newMemStore()
			rec := NewAccessRecorder(store, logger)

			if err := rec.Record(context.Background(), tt.entry); err != nil {
				t.Fatalf("Record: %v", err)
			}

			events := store.eventList()
			if len(events) != 1 {
				t.Fatalf("stored %d events, want 1", len(events))
			}
			if events[0] != tt.entry.AccessEvent {
				t.Errorf("stored %+v, want %+v", events[0], tt.entry.AccessEvent)
			}

			var m map[string]any
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
			}
			if m["msg"] != "access" {
				t.Errorf("msg = %v, want access", m["msg"])
			}
			tt.check(t, m)
		})
	}
}

func TestAccessRecorder_DefaultTimestamp(t *testing.T) {
	store := newMemStore()
	rec := NewAccessRecorder(store, nil)

	before := time.Now().UTC()
	if err := rec.Record(context.Background(), AccessEntry{AccessEvent: AccessEvent{Method: "GET"}}); err != nil {
		t.Fatal(err)
	}

	got := store.eventList()[0].Timestamp
	if got.Before(before.Add(-time.Second)) {
		t.Errorf("timestamp %v not filled in", got)
	}
}

func TestAccessRecorder_StoreError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	store := newMemStore()
	store.appendErr = errStoreDown
	rec := NewAccessRecorder(store, logger)

	err := rec.Record(context.Background(), AccessEntry{AccessEvent: AccessEvent{Method: "GET", StatusCode: 200}})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("err = %v, want errStoreDown", err)
	}

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("log line not written: %v", err)
	}
	if m["store_error"] == nil {
		t.Error("store_error missing from log line")
	}
}

func BenchmarkAccessRecorder_Record(b *testing.B) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	rec := NewAccessRecorder(discardStore{}, logger)

	entry := AccessEntry{
		AccessEvent: AccessEvent{
			ClientIP:   "192.168.1.1",
			URL:        "http://example.com/index.html",
			Method:     "GET",
			StatusCode: 200,
			Timestamp:  time.Now(),
		},
		Host:     "example.com",
		Duration: 150 * time.Millisecond,
		Bytes:    4096,
	}

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		buf.Reset()
		_ = rec.Record(context.Background(), entry)
	}
}

type discardStore struct{}

func (discardStore) AppendEvent(context.Context, AccessEvent) error { return nil }
