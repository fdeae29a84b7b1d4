// ABOUTME: Eviction reporter surfacing mutations the queue gave up on
// ABOUTME: Logs at error level and feeds the eviction counter

package engine

import (
	"log/slog"

	"github.com/solterra/branchsync/internal/metrics"
	"github.com/solterra/branchsync/internal/queue"
)

// EvictionLog reports evicted mutations where an operator will see them: an
// error-level log line plus the eviction counter. A nil Metrics is valid.
type EvictionLog struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// MutationEvicted implements queue.EvictionReporter.
func (e *EvictionLog) MutationEvicted(m *queue.Mutation, reason string) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("mutation evicted, local change will not reach the authority",
		"mutation_id", m.ID,
		"entity_type", m.EntityType,
		"entity_id", m.EntityID,
		"op", m.Op,
		"retry_count", m.RetryCount,
		"reason", reason,
	)
	e.Metrics.Eviction()
}

var _ queue.EvictionReporter = (*EvictionLog)(nil)
