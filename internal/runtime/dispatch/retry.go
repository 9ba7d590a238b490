package dispatch

import (
	"sync"
	"time"
)

// RetryInfo is what the engine remembers about a message between deliveries.
type RetryInfo struct {
	// Attempts is the number of failed attempts seen so far.
	Attempts int
	// EligibleAt is the earliest time the next attempt may start.
	EligibleAt time.Time
	// Completed lists the strategies that already produced their result.
	Completed map[string]bool
}

type retryEntry struct {
	RetryInfo
	lastSeen time.Time
}

// RetryState tracks attempts per message id across redeliveries. It covers
// transports that redeliver the same message without an attempt header.
type RetryState struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*retryEntry
}

func NewRetryState(clock func() time.Time) *RetryState {
	if clock == nil {
		clock = time.Now
	}
	return &RetryState{now: clock, entries: make(map[string]*retryEntry)}
}

// Observe returns the state of id and marks it as seen.
func (s *RetryState) Observe(id string) RetryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return RetryInfo{}
	}
	e.lastSeen = s.now()
	return e.copy()
}

// RecordFailure stores a failed attempt of id. The next attempt becomes
// eligible after delay; completed strategies are remembered.
func (s *RetryState) RecordFailure(id string, attempt int, delay time.Duration, completed ...string) RetryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[id]
	if !ok {
		e = &retryEntry{RetryInfo: RetryInfo{Completed: map[string]bool{}}}
		s.entries[id] = e
	}
	if attempt > e.Attempts {
		e.Attempts = attempt
	}
	e.EligibleAt = now.Add(delay)
	e.lastSeen = now
	for _, name := range completed {
		e.Completed[name] = true
	}
	return e.copy()
}

// Clear forgets id.
func (s *RetryState) Clear(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Prune drops entries not seen within olderThan and reports how many.
func (s *RetryState) Prune(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	pruned := 0
	for id, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, id)
			pruned++
		}
	}
	return pruned
}

func (s *RetryState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (e *retryEntry) copy() RetryInfo {
	info := e.RetryInfo
	info.Completed = make(map[string]bool, len(e.Completed))
	for k, v := range e.Completed {
		info.Completed[k] = v
	}
	return info
}
