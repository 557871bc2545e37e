package shipper

import (
	"sync"
	"sync/atomic"
)

// Stats tracks pipeline counters. Counter fields are safe for concurrent
// use; per-source entries are registered before Start and read-only
// afterwards.
type Stats struct {
	RecordsIn       atomic.Int64
	BytesIn         atomic.Int64
	ParseFailures   atomic.Int64
	RecordsFiltered atomic.Int64
	RecordsShipped  atomic.Int64
	BatchesShipped  atomic.Int64
	BatchesFailed   atomic.Int64
	RecordsLost     atomic.Int64

	mu        sync.Mutex
	lastError error
	perSource map[string]*SourceStats
}

// SourceStats tracks per-source input counters.
type SourceStats struct {
	Records atomic.Int64
	Bytes   atomic.Int64
}

func newStats() *Stats {
	return &Stats{perSource: make(map[string]*SourceStats)}
}

func (s *Stats) register(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perSource[name]; !ok {
		s.perSource[name] = &SourceStats{}
	}
}

func (s *Stats) source(name string) *SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perSource[name]
}

func (s *Stats) noteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RecordsIn       int64
	BytesIn         int64
	ParseFailures   int64
	RecordsFiltered int64
	RecordsShipped  int64
	BatchesShipped  int64
	BatchesFailed   int64
	RecordsLost     int64
	LastError       string
	Sources         map[string]SourceSnapshot
}

// SourceSnapshot is a point-in-time copy of one source's counters.
type SourceSnapshot struct {
	Records int64
	Bytes   int64
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		RecordsIn:       s.RecordsIn.Load(),
		BytesIn:         s.BytesIn.Load(),
		ParseFailures:   s.ParseFailures.Load(),
		RecordsFiltered: s.RecordsFiltered.Load(),
		RecordsShipped:  s.RecordsShipped.Load(),
		BatchesShipped:  s.BatchesShipped.Load(),
		BatchesFailed:   s.BatchesFailed.Load(),
		RecordsLost:     s.RecordsLost.Load(),
		Sources:         make(map[string]SourceSnapshot),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastError != nil {
		snap.LastError = s.lastError.Error()
	}
	for name, ss := range s.perSource {
		snap.Sources[name] = SourceSnapshot{
			Records: ss.Records.Load(),
			Bytes:   ss.Bytes.Load(),
		}
	}
	return snap
}
