// Package runstore keeps a history of accepted runs and their outcomes.
package runstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	StatusAccepted = "ACCEPTED"
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
)

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Record is one accepted run.
type Record struct {
	ID        string    `json:"run_id"`
	LogID     int64     `json:"log_id"`
	Task      string    `json:"task"`
	Status    string    `json:"status"`
	OutputLog string    `json:"output_log,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists run records.
type Store interface {
	Accept(ctx context.Context, rec Record) error
	Finish(ctx context.Context, id, status, output string) error
	Get(ctx context.Context, id string) (Record, error)
}

// DefaultHistory is the Memory capacity used when none is given.
const DefaultHistory = 1000

// Memory is an in-process Store holding at most limit records. When full,
// the oldest finished record is evicted first, then the oldest accepted one.
type Memory struct {
	m sync.Mutex
	// run_id -> record
	records map[string]Record
	// run ids, oldest first
	order []string
	limit int
	now   func() time.Time
}

// NewMemory returns a Memory capped at limit records. A limit of zero or
// less uses DefaultHistory.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Memory{records: make(map[string]Record), limit: limit, now: time.Now}
}

func (s *Memory) Accept(_ context.Context, rec Record) error {
	s.m.Lock()
	defer s.m.Unlock()
	now := s.now().UTC()
	rec.Status = StatusAccepted
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec
	for len(s.order) > s.limit {
		s.evict()
	}
	return nil
}

// evict drops one record. Caller holds s.m.
func (s *Memory) evict() {
	victim := 0
	for i, id := range s.order {
		if s.records[id].Status != StatusAccepted {
			victim = i
			break
		}
	}
	delete(s.records, s.order[victim])
	s.order = append(s.order[:victim], s.order[victim+1:]...)
}

func (s *Memory) Finish(_ context.Context, id, status, output string) error {
	s.m.Lock()
	defer s.m.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.OutputLog = output
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (Record, error) {
	s.m.Lock()
	defer s.m.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}
