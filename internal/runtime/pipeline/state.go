package pipeline

import (
	"slices"
	"sync"
	"time"
)

// SkippedBank notes a bank left out of a search before the worker was called.
type SkippedBank struct {
	Bank   string `json:"bank"`
	Reason string `json:"reason"`
}

// State is the per-search record shared by the goroutines that search
// individual banks. Recording methods are safe for concurrent use.
type State struct {
	CorrelationID string        `json:"correlationId,omitempty"`
	Request       SearchRequest `json:"request"`
	CacheKey      string        `json:"cacheKey"`
	FromCache     bool          `json:"fromCache"`
	StartedAt     time.Time     `json:"startedAt"`
	Candidates    []string      `json:"candidates"`

	mu       sync.Mutex
	results  map[string][]SearchResult
	skipped  []SkippedBank
	failures []BankFailure
}

// NewState starts tracking a search.
func NewState(req SearchRequest, cacheKey, correlationID string) *State {
	return &State{
		CorrelationID: correlationID,
		Request:       req,
		CacheKey:      cacheKey,
		StartedAt:     time.Now(),
		results:       make(map[string][]SearchResult),
	}
}

// RecordResults stores a bank's filtered results and marks it searched.
func (s *State) RecordResults(bank string, results []SearchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[bank] = append(s.results[bank], results...)
}

// RecordSkip notes a bank that was not searched.
func (s *State) RecordSkip(bank, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = append(s.skipped, SkippedBank{Bank: bank, Reason: reason})
}

// RecordFailure notes a bank whose search failed.
func (s *State) RecordFailure(bank, kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, BankFailure{Bank: bank, Kind: kind, Message: message})
}

// Results concatenates the recorded results in candidate order so ties keep a
// stable order regardless of which bank finished first.
func (s *State) Results() []SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SearchResult
	for _, bank := range s.Candidates {
		out = append(out, s.results[bank]...)
	}
	return out
}

// Searched lists searched banks in candidate order.
func (s *State) Searched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.results))
	for _, bank := range s.Candidates {
		if _, ok := s.results[bank]; ok {
			out = append(out, bank)
		}
	}
	return out
}

// Skipped returns a copy of the skipped banks.
func (s *State) Skipped() []SkippedBank {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.skipped)
}

// Failures returns a copy of the per-bank failures.
func (s *State) Failures() []BankFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.failures)
}

// Elapsed reports time since the search started.
func (s *State) Elapsed() time.Duration { return time.Since(s.StartedAt) }
