package runner

import (
	"sync"
	"time"

	"github.com/openladle/openladle/pkg/recipe"
)

// DefaultHistoryLimit bounds the in-memory execution log when the runner
// config does not set one.
const DefaultHistoryLimit = 100

// Statistics aggregates the runner's retained execution history.
type Statistics struct {
	// TotalRuns is the number of retained runs.
	TotalRuns int `json:"total_runs"`

	// SucceededRuns is the number of retained runs with overall success.
	SucceededRuns int `json:"succeeded_runs"`

	// FailedRuns is the number of retained runs that failed.
	FailedRuns int `json:"failed_runs"`

	// CancelledRuns is the number of retained runs that were cancelled.
	CancelledRuns int `json:"cancelled_runs"`

	// TotalSteps is the number of step results across retained runs.
	TotalSteps int `json:"total_steps"`

	// SucceededSteps is the number of succeeded steps.
	SucceededSteps int `json:"succeeded_steps"`

	// FailedSteps is the number of failed or timed-out steps.
	FailedSteps int `json:"failed_steps"`

	// SkippedSteps is the number of skipped steps.
	SkippedSteps int `json:"skipped_steps"`

	// TotalExecutionTime is the summed wall time of retained runs.
	TotalExecutionTime time.Duration `json:"total_execution_time"`

	// LastRunAt is the start time of the most recent retained run.
	LastRunAt time.Time `json:"last_run_at,omitzero"`
}

// historyLog is a bounded, FIFO-evicted in-memory log of past execution
// results. It is shared across runs on the same Runner and guarded by
// its own lock.
type historyLog struct {
	mu      sync.Mutex
	limit   int
	entries []*RecipeExecutionResult
}

func newHistoryLog(limit int) *historyLog {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &historyLog{limit: limit}
}

// append records a finished run, evicting the oldest entry when full.
func (h *historyLog) append(result *RecipeExecutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, result)
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

// recent returns up to limit results, most recent first. A non-positive
// limit returns everything retained.
func (h *historyLog) recent(limit int) []*RecipeExecutionResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*RecipeExecutionResult, 0, n)
	for i := len(h.entries) - 1; i >= len(h.entries)-n; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

// stats aggregates the retained entries.
func (h *historyLog) stats() Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	var s Statistics
	s.TotalRuns = len(h.entries)
	for _, r := range h.entries {
		switch {
		case r.Status() == recipe.RunStatusCancelled:
			s.CancelledRuns++
		case r.OverallSuccess():
			s.SucceededRuns++
		default:
			s.FailedRuns++
		}
		sum := r.Summary()
		s.TotalSteps += sum.Total
		s.SucceededSteps += sum.Succeeded
		s.FailedSteps += sum.Failed
		s.SkippedSteps += sum.Skipped
		s.TotalExecutionTime += r.ExecutionTime()
		if r.StartTime.After(s.LastRunAt) {
			s.LastRunAt = r.StartTime
		}
	}
	return s
}
