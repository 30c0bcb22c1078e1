package proxylab

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	patterns  map[string]struct{}
	events    []AccessEvent
	cached    int64
	appendErr error
	listErr   error
	pingErr   error
}

var _ Store = (*memStore)(nil)

func newMemStore(patterns ...string) *memStore {
	s := &memStore{patterns: make(map[string]struct{})}
	for _, p := range patterns {
		s.patterns[p] = struct{}{}
	}
	return s
}

func (s *memStore) InsertPattern(_ context.Context, p string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[p]; ok {
		return false, nil
	}
	s.patterns[p] = struct{}{}
	return true, nil
}

func (s *memStore) DeletePattern(_ context.Context, p string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[p]; !ok {
		return false, nil
	}
	delete(s.patterns, p)
	return true, nil
}

func (s *memStore) ListPatterns(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]string, 0, len(s.patterns))
	for p := range s.patterns {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) AppendEvent(_ context.Context, e AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) CountEvents(context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var blocked int64
	for _, e := range s.events {
		if e.Blocked {
			blocked++
		}
	}
	return int64(len(s.events)), blocked, nil
}

func (s *memStore) CountCachedItems(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached, nil
}

func (s *memStore) RecentEvents(_ context.Context, limit int) ([]AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccessEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *memStore) ClearEvents(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	return nil
}

func (s *memStore) ClearCache(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = 0
	return nil
}

func (s *memStore) Ping(context.Context) error {
	return s.pingErr
}

func (s *memStore) Close() error { return nil }

func (s *memStore) eventList() []AccessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AccessEvent(nil), s.events...)
}

var errStoreDown = errors.New("store down")
