package offline

import "time"

// SyncResult aggregates mutation outcomes for one entity type or one pass.
type SyncResult struct {
	Total     int `json:"total" yaml:"total"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	Conflicts int `json:"conflicts" yaml:"conflicts"`
	// Deferred mutations were left untouched: backoff window still open or a
	// referenced record has no server id yet.
	Deferred int `json:"deferred" yaml:"deferred"`
}

// Add accumulates other into r.
func (r *SyncResult) Add(other SyncResult) {
	r.Total += other.Total
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Conflicts += other.Conflicts
	r.Deferred += other.Deferred
}

// SyncSession is the summary of one sync pass.
type SyncSession struct {
	ID              string                    `json:"id" yaml:"id"`
	StartedAt       time.Time                 `json:"startedAt" yaml:"startedAt"`
	DurationMs      int64                     `json:"durationMs" yaml:"durationMs"`
	PerEntityResult map[EntityType]SyncResult `json:"perEntityResult" yaml:"perEntityResult"`
	Success         bool                      `json:"success" yaml:"success"`
	Error           string                    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Totals sums the per-entity results.
func (s *SyncSession) Totals() SyncResult {
	var total SyncResult
	for _, r := range s.PerEntityResult {
		total.Add(r)
	}
	return total
}
