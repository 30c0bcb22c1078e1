package proxylab

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AccessRecorder appends one AccessEvent per handled connection to durable
// storage and mirrors it as a structured log line.
type AccessRecorder struct {
	store  EventStore
	logger *slog.Logger
}

// AccessEntry is an AccessEvent plus details that only go to the log line.
type AccessEntry struct {
	AccessEvent

	// Host is the normalized target host.
	Host string

	// Duration is the time spent handling the connection.
	Duration time.Duration

	// Bytes is the number of bytes relayed back to the client.
	Bytes int64

	// Pattern and Strategy identify the rule behind a block.
	Pattern  string
	Strategy Strategy

	// Error describes a connect or forward failure.
	Error string
}

// NewAccessRecorder returns a recorder writing to store. A nil logger
// disables the log mirror.
func NewAccessRecorder(store EventStore, logger *slog.Logger) *AccessRecorder {
	return &AccessRecorder{store: store, logger: logger}
}

// Record persists the event. The log line is written even when the store
// rejects the append, with the store error attached.
func (r *AccessRecorder) Record(ctx context.Context, e AccessEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	err := r.store.AppendEvent(ctx, e.AccessEvent)
	if err != nil {
		err = fmt.Errorf("appending access event: %w", err)
	}
	if r.logger != nil {
		r.log(ctx, e, err)
	}
	return err
}

// log writes the entry using slog.LogAttrs to keep the hot path cheap.
func (r *AccessRecorder) log(ctx context.Context, e AccessEntry, storeErr error) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("client", e.ClientIP),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
		slog.Int("status", e.StatusCode),
		slog.Bool("blocked", e.Blocked),
	)

	if e.Host != "" {
		attrs = append(attrs, slog.String("host", e.Host))
	}
	if e.Blocked {
		attrs = append(attrs,
			slog.String("pattern", e.Pattern),
			slog.String("strategy", e.Strategy.String()),
		)
	} else {
		attrs = append(attrs, slog.Int64("bytes", e.Bytes))
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if storeErr != nil {
		attrs = append(attrs, slog.String("store_error", storeErr.Error()))
	}

	r.logger.LogAttrs(ctx, slog.LevelInfo, "access", attrs...)
}
