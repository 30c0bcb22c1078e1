package proxylab

import (
	"sync"
	"time"

	"github.com/keilerkonzept/topk/sliding"
)

// HostCount is one entry of the most-requested-hosts ranking.
type HostCount struct {
	Host  string `json:"host"`
	Count uint32 `json:"count"`
}

// HostTracker estimates the most requested hosts over a sliding time window
// using a top-k sketch. Memory stays fixed regardless of how many distinct
// hosts are seen.
type HostTracker struct {
	mu     sync.Mutex
	sketch *sliding.Sketch
	done   chan struct{}
	once   sync.Once
}

// NewHostTracker tracks the top k hosts over windowTicks ticks of length
// tick. A background goroutine advances the window until Close.
func NewHostTracker(k, windowTicks int, tick time.Duration) *HostTracker {
	if k <= 0 {
		k = 10
	}
	if windowTicks <= 0 {
		windowTicks = 60
	}
	t := &HostTracker{
		sketch: sliding.New(k, windowTicks, sliding.WithWidth(1024), sliding.WithDepth(3)),
		done:   make(chan struct{}),
	}
	if tick > 0 {
		go t.run(tick)
	}
	return t
}

// Observe counts one request for host. Empty hosts are ignored.
func (t *HostTracker) Observe(host string) {
	if host == "" {
		return
	}
	t.mu.Lock()
	t.sketch.Incr(host)
	t.mu.Unlock()
}

// Top returns the tracked hosts, most requested first.
func (t *HostTracker) Top() []HostCount {
	t.mu.Lock()
	items := t.sketch.SortedSlice()
	t.mu.Unlock()

	out := make([]HostCount, 0, len(items))
	for _, it := range items {
		if it.Count == 0 {
			continue
		}
		out = append(out, HostCount{Host: it.Item, Count: it.Count})
	}
	return out
}

// Tick advances the window by one step.
func (t *HostTracker) Tick() {
	t.mu.Lock()
	t.sketch.Tick()
	t.mu.Unlock()
}

// SizeBytes reports the sketch's memory footprint.
func (t *HostTracker) SizeBytes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sketch.SizeBytes()
}

// Close stops the background ticker.
func (t *HostTracker) Close() {
	t.once.Do(func() { close(t.done) })
}

func (t *HostTracker) run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}
