package marketdata

import "sync"

// APICallStats aggregates provider call counts. Safe for concurrent use.
type APICallStats struct {
	mu        sync.Mutex
	byTool    map[string]int64
	successes int64
	failures  int64
	cacheHits int64
}

// NewAPICallStats creates an empty stats counter.
func NewAPICallStats() *APICallStats {
	return &APICallStats{byTool: make(map[string]int64)}
}

// RecordCall counts one completed call.
func (s *APICallStats) RecordCall(tool string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTool[tool]++
	if ok {
		s.successes++
	} else {
		s.failures++
	}
}

// RecordCacheHit counts one cache hit.
func (s *APICallStats) RecordCacheHit() {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	ByTool    map[string]int64 `json:"by_tool"`
	Successes int64            `json:"successes"`
	Failures  int64            `json:"failures"`
	CacheHits int64            `json:"cache_hits"`
	Total     int64            `json:"total"`
}

// Snapshot returns a copy of the current counters.
func (s *APICallStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool := make(map[string]int64, len(s.byTool))
	for k, v := range s.byTool {
		byTool[k] = v
	}
	return StatsSnapshot{
		ByTool:    byTool,
		Successes: s.successes,
		Failures:  s.failures,
		CacheHits: s.cacheHits,
		Total:     s.successes + s.failures,
	}
}
