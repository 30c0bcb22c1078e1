package proxylab

import (
	"context"
	"time"
)

// AccessEvent is one handled connection as persisted in the access log.
type AccessEvent struct {
	ClientIP   string    `json:"client_ip"`
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	Blocked    bool      `json:"blocked"`
	Timestamp  time.Time `json:"timestamp"`
}

// PatternStore is the durable home of the block-pattern table.
// Patterns handed to it are already normalized.
type PatternStore interface {
	// InsertPattern adds p and reports false if it was already present.
	InsertPattern(ctx context.Context, p string) (bool, error)

	// DeletePattern removes p and reports false if it was absent.
	DeletePattern(ctx context.Context, p string) (bool, error)

	// ListPatterns returns every stored pattern.
	ListPatterns(ctx context.Context) ([]string, error)
}

// EventStore appends access events. Implementations must serialize
// concurrent appends.
type EventStore interface {
	AppendEvent(ctx context.Context, e AccessEvent) error
}

// StatsStore answers the aggregate queries behind get-stats.
type StatsStore interface {
	// CountEvents returns the number of logged events and how many were blocked.
	CountEvents(ctx context.Context) (total, blocked int64, err error)

	// CountCachedItems returns the number of unexpired rows in the cache table.
	CountCachedItems(ctx context.Context) (int64, error)
}

// AdminStore holds the bulk operations only the dashboard performs.
type AdminStore interface {
	RecentEvents(ctx context.Context, limit int) ([]AccessEvent, error)
	ClearEvents(ctx context.Context) error
	ClearCache(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Store is a complete storage backend.
type Store interface {
	PatternStore
	EventStore
	StatsStore
	AdminStore
	Close() error
}
