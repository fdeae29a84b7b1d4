// ABOUTME: Durable ordered log of pending outbound mutations with retry accounting
// ABOUTME: Provides enqueue, single-flight drain, and poison-item eviction

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/solterra/branchsync/internal/retry"
)

// Mutation operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ErrPermanent marks an apply failure that must not be retried: the mutation
// is evicted immediately instead of burning retry budget. Wrap it with
// fmt.Errorf and %w.
var ErrPermanent = errors.New("permanent failure")

// ErrAbort marks an apply failure that invalidates the whole drain pass
// (e.g. an expired credential). The failing mutation stays queued untouched
// and the pass stops.
var ErrAbort = errors.New("drain aborted")

// Mutation is one pending outbound change. Owned exclusively by the queue:
// created on local write, destroyed on successful remote apply or eviction.
type Mutation struct {
	ID         string
	EntityType string
	EntityID   string
	Op         string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	RetryCount int
}

// EvictionReporter receives mutations dropped from the queue. Losses are
// surfaced, never silent; a no-op implementation stands in when the caller
// has nowhere to report to.
type EvictionReporter interface {
	MutationEvicted(m *Mutation, reason string)
}

// NopReporter discards eviction reports.
type NopReporter struct{}

// MutationEvicted implements EvictionReporter.
func (NopReporter) MutationEvicted(*Mutation, string) {}

// DrainResult summarizes one drain pass. The counters are disjoint: a
// mutation counts as Failed only when it stays queued for retry, and as
// Evicted when it was dropped.
type DrainResult struct {
	Succeeded int
	Failed    int
	Evicted   int
}

// Queue is the durable mutation log. It shares the terminal's SQLite handle
// with the local store so queue entries and records live in one file.
type Queue struct {
	db       *sql.DB
	policy   retry.Policy
	reporter EvictionReporter
	logger   *slog.Logger
	draining atomic.Bool
}

// New creates the queue over an open database handle, creating its table if
// needed. Pass a nil reporter to discard eviction reports.
func New(db *sql.DB, policy retry.Policy, reporter EvictionReporter) (*Queue, error) {
	if reporter == nil {
		reporter = NopReporter{}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS mutation_queue (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('create', 'update', 'delete')),
			payload     TEXT NOT NULL,
			enqueued_at TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating mutation_queue table: %w", err)
	}

	return &Queue{
		db:       db,
		policy:   policy,
		reporter: reporter,
		logger:   slog.Default().With("component", "queue"),
	}, nil
}

// Enqueue appends a pending mutation and returns its id.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID, op string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding mutation payload: %w", err)
	}

	id := uuid.New().String()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO mutation_queue (id, entity_type, entity_id, op, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, entityType, entityID, op, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("inserting mutation: %w", err)
	}

	q.logger.Debug("enqueued mutation", "id", id, "entity_type", entityType, "entity_id", entityID, "op", op)
	return id, nil
}

// Size returns the number of pending mutations.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting mutations: %w", err)
	}
	return n, nil
}

// Drain applies every pending mutation in enqueue order. Only one drain runs
// at a time; concurrent calls return an empty result immediately. A failing
// mutation does not block the rest of the pass: its retry count is bumped and
// the drain moves on. Mutations whose retry count reaches the policy ceiling,
// and mutations failing with ErrPermanent, are evicted and reported. An
// ErrAbort failure stops the pass, leaving the remaining mutations queued.
func (q *Queue) Drain(ctx context.Context, apply func(context.Context, *Mutation) error) (DrainResult, error) {
	var res DrainResult

	if !q.draining.CompareAndSwap(false, true) {
		return res, nil
	}
	defer q.draining.Store(false)

	pending, err := q.list(ctx)
	if err != nil {
		return res, err
	}

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		err := apply(ctx, m)
		switch {
		case err == nil:
			if err := q.remove(ctx, m.ID); err != nil {
				return res, err
			}
			res.Succeeded++

		case errors.Is(err, ErrAbort):
			q.logger.Warn("drain aborted", "mutation_id", m.ID, "error", err)
			res.Failed++
			return res, err

		case errors.Is(err, ErrPermanent):
			if err := q.evict(ctx, m, err.Error()); err != nil {
				return res, err
			}
			res.Evicted++

		default:
			m.RetryCount++
			if q.policy.Exhausted(m.RetryCount) {
				if err := q.evict(ctx, m, fmt.Sprintf("retry ceiling reached: %v", err)); err != nil {
					return res, err
				}
				res.Evicted++
			} else {
				if err := q.bumpRetry(ctx, m); err != nil {
					return res, err
				}
				res.Failed++
				q.logger.Debug("mutation apply failed, will retry",
					"mutation_id", m.ID, "retry_count", m.RetryCount, "error", err)
			}
		}
	}

	return res, nil
}

func (q *Queue) list(ctx context.Context) ([]*Mutation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, op, payload, enqueued_at, retry_count
		FROM mutation_queue
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing mutations: %w", err)
	}
	defer rows.Close()

	var out []*Mutation
	for rows.Next() {
		var m Mutation
		var payload, enqueuedAt string
		if err := rows.Scan(&m.ID, &m.EntityType, &m.EntityID, &m.Op, &payload, &enqueuedAt, &m.RetryCount); err != nil {
			return nil, fmt.Errorf("scanning mutation row: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		m.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing enqueued_at: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (q *Queue) remove(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing mutation: %w", err)
	}
	return nil
}

func (q *Queue) bumpRetry(ctx context.Context, m *Mutation) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE mutation_queue SET retry_count = ? WHERE id = ?`, m.RetryCount, m.ID,
	); err != nil {
		return fmt.Errorf("persisting retry count: %w", err)
	}
	return nil
}

func (q *Queue) evict(ctx context.Context, m *Mutation, reason string) error {
	if err := q.remove(ctx, m.ID); err != nil {
		return err
	}
	q.logger.Warn("evicted mutation",
		"mutation_id", m.ID,
		"entity_type", m.EntityType,
		"entity_id", m.EntityID,
		"op", m.Op,
		"reason", reason,
	)
	q.reporter.MutationEvicted(m, reason)
	return nil
}
