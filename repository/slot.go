package repository

import (
	"context"
	"sync"
	"time"
)

type fetchFunc func(ctx context.Context) (any, error)

// mergeFunc decides what a slot holds when newer data arrives. It may keep
// parts of old; old is nil on the first load.
type mergeFunc func(old, fresh any) any

// flight is one issued fetch of a slot.
type flight struct {
	gen    uint64
	done   chan struct{}
	cancel context.CancelFunc
}

// slot is one cached query. Every fetch takes a generation number when it is
// issued, and its result is applied only if no later-issued fetch has
// applied already, so completion order never decides what the slot holds.
type slot struct {
	fetch fetchFunc
	merge mergeFunc

	mu        sync.Mutex
	issued    uint64
	applied   uint64
	data      any
	valid     bool
	fetchedAt time.Time
	lastUsed  time.Time
	lastErr   error
	latest    *flight
}

func newSlot(fetch fetchFunc, merge mergeFunc) *slot {
	return &slot{fetch: fetch, merge: merge}
}

// load returns cached data younger than ttl, or fetches. force skips the
// cache and cancels any fetch still in flight.
func (s *slot) load(ctx context.Context, now time.Time, ttl time.Duration, force bool) (any, error) {
	s.mu.Lock()
	if !force {
		s.lastUsed = now
	}
	if !force && s.valid && now.Sub(s.fetchedAt) < ttl {
		data := s.data
		s.mu.Unlock()
		return data, nil
	}
	s.issued++
	fctx, cancel := context.WithCancel(ctx)
	f := &flight{gen: s.issued, done: make(chan struct{}), cancel: cancel}
	prev := s.latest
	s.latest = f
	s.mu.Unlock()

	if force && prev != nil {
		prev.cancel()
	}

	v, err := s.fetch(fctx)
	cancel()

	s.mu.Lock()
	if err == nil && f.gen > s.applied {
		if s.merge != nil {
			v = s.merge(s.data, v)
		}
		s.data = v
		s.applied = f.gen
		s.valid = true
		s.fetchedAt = now
	}
	if s.latest == f {
		s.lastErr = err
	}
	superseded := s.latest != f
	s.mu.Unlock()
	close(f.done)

	if !superseded {
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return s.awaitLatest(ctx, err)
}

// awaitLatest waits for the newest issued fetch and reports what the slot
// holds afterwards. fallback is returned if nothing was ever loaded.
func (s *slot) awaitLatest(ctx context.Context, fallback error) (any, error) {
	for {
		s.mu.Lock()
		l := s.latest
		s.mu.Unlock()

		select {
		case <-l.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		s.mu.Lock()
		if s.latest != l {
			s.mu.Unlock()
			continue
		}
		data, valid, lastErr := s.data, s.valid, s.lastErr
		s.mu.Unlock()
		switch {
		case lastErr != nil:
			return nil, lastErr
		case valid:
			return data, nil
		case fallback != nil:
			return nil, fallback
		default:
			return nil, context.Canceled
		}
	}
}

func (s *slot) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

func (s *slot) usedSince(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastUsed.Before(t)
}
