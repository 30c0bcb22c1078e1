package proxylab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// BlockList is the authoritative set of block patterns. The PatternStore
// holds the durable copy; an in-memory Snapshot mirrors it for lookups.
// Mutations are serialized and published with a single pointer swap, so a
// concurrent Match sees either the old set or the new one.
type BlockList struct {
	// Logger receives pattern changes. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics, if set, tracks the pattern count and change operations.
	Metrics *Metrics

	store PatternStore
	mu    sync.Mutex
	snap  atomic.Pointer[Snapshot]
}

// NewBlockList returns an empty BlockList backed by store. Call Load to
// populate it from existing rows.
func NewBlockList(store PatternStore) *BlockList {
	b := &BlockList{store: store}
	b.snap.Store(NewSnapshot(nil))
	return b
}

func (b *BlockList) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Load replaces the in-memory mirror with the store's contents. Stored rows
// that are not in normalized form (legacy databases, external edits) are
// rewritten first, so every mirrored pattern can be removed again.
func (b *BlockList) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.store.ListPatterns(ctx)
	if err != nil {
		return fmt.Errorf("loading block patterns: %w", err)
	}

	patterns := make([]string, 0, len(rows))
	for _, raw := range rows {
		p := NormalizePattern(raw)
		if p != raw {
			if err := b.rewrite(ctx, raw, p); err != nil {
				return err
			}
		}
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	snap := NewSnapshot(patterns)
	b.snap.Store(snap)

	if b.Metrics != nil {
		b.Metrics.RecordPatternChange("reload")
		b.Metrics.SetPatternCount(snap.Len())
	}
	b.logger().Info("block list loaded", "patterns", snap.Len())
	return nil
}

// rewrite replaces the stored row raw with its normalized form p. An empty
// p only deletes the row. The insert runs first so a failure never loses
// the pattern.
func (b *BlockList) rewrite(ctx context.Context, raw, p string) error {
	if p != "" {
		if _, err := b.store.InsertPattern(ctx, p); err != nil {
			return fmt.Errorf("normalizing stored pattern %q: %w", raw, err)
		}
	}
	if _, err := b.store.DeletePattern(ctx, raw); err != nil {
		return fmt.Errorf("normalizing stored pattern %q: %w", raw, err)
	}
	if b.Metrics != nil {
		b.Metrics.RecordPatternChange("normalize")
	}
	b.logger().Info("stored block pattern normalized", "stored", raw, "pattern", p)
	return nil
}

// Add normalizes raw and inserts it. It reports false, with a nil error,
// when the pattern was already present.
func (b *BlockList) Add(ctx context.Context, raw string) (bool, error) {
	p := NormalizePattern(raw)
	if p == "" {
		return false, ErrEmptyPattern
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	inserted, err := b.store.InsertPattern(ctx, p)
	if err != nil {
		return false, fmt.Errorf("inserting pattern %q: %w", p, err)
	}
	if !inserted {
		return false, nil
	}

	snap := b.snap.Load().with(p)
	b.snap.Store(snap)

	if b.Metrics != nil {
		b.Metrics.RecordPatternChange("add")
		b.Metrics.SetPatternCount(snap.Len())
	}
	b.logger().Info("block pattern added", "pattern", p)
	return true, nil
}

// Remove normalizes raw and deletes it, reporting whether a row was removed.
func (b *BlockList) Remove(ctx context.Context, raw string) (bool, error) {
	p := NormalizePattern(raw)
	if p == "" {
		return false, ErrEmptyPattern
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	deleted, err := b.store.DeletePattern(ctx, p)
	if err != nil {
		return false, fmt.Errorf("deleting pattern %q: %w", p, err)
	}
	if !deleted {
		return false, nil
	}

	snap := b.snap.Load().without(p)
	b.snap.Store(snap)

	if b.Metrics != nil {
		b.Metrics.RecordPatternChange("remove")
		b.Metrics.SetPatternCount(snap.Len())
	}
	b.logger().Info("block pattern removed", "pattern", p)
	return true, nil
}

// List returns every pattern in sorted order.
func (b *BlockList) List() []string {
	return b.snap.Load().Patterns()
}

// Count returns the number of patterns.
func (b *BlockList) Count() int {
	return b.snap.Load().Len()
}

// Snapshot returns the current immutable view.
func (b *BlockList) Snapshot() *Snapshot {
	return b.snap.Load()
}

// Match checks host against the current snapshot.
func (b *BlockList) Match(host string) Decision {
	return b.snap.Load().Match(host)
}
