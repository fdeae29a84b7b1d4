// ABOUTME: Terminal-side orchestrator: local save, queueing, sync triggers, push apply
// ABOUTME: Every write lands locally first; reconciliation happens in the background

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/solterra/branchsync/internal/localstore"
	"github.com/solterra/branchsync/internal/metrics"
	"github.com/solterra/branchsync/internal/queue"
	"github.com/solterra/branchsync/internal/realtime"
	"github.com/solterra/branchsync/internal/reconcile"
	"github.com/solterra/branchsync/internal/resolver"
)

// Options configures an Engine.
type Options struct {
	// SyncInterval is how often the background loop checks for queued
	// mutations. Defaults to one minute.
	SyncInterval time.Duration
	// SyncDebounce coalesces sync triggers after local saves. Defaults to
	// two seconds.
	SyncDebounce time.Duration
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Engine is the terminal's write path. Saves land in the local store and the
// mutation queue synchronously, then a background sync replays the queue
// against the authority. Pushes from other terminals come in through
// ApplyRemote and bypass the queue entirely.
type Engine struct {
	store      localstore.Store
	queue      *queue.Queue
	resolver   *resolver.Resolver
	reconciler *reconcile.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger

	interval time.Duration
	debounce time.Duration
	syncCh   chan struct{}
}

// New creates an engine.
func New(store localstore.Store, q *queue.Queue, res *resolver.Resolver, rec *reconcile.Client, opts Options) *Engine {
	if opts.SyncInterval == 0 {
		opts.SyncInterval = time.Minute
	}
	if opts.SyncDebounce == 0 {
		opts.SyncDebounce = 2 * time.Second
	}
	return &Engine{
		store:      store,
		queue:      q,
		resolver:   res,
		reconciler: rec,
		metrics:    opts.Metrics,
		logger:     slog.Default().With("component", "engine"),
		interval:   opts.SyncInterval,
		debounce:   opts.SyncDebounce,
		syncCh:     make(chan struct{}, 1),
	}
}

// Save writes an entity locally and queues it for reconciliation. The save
// succeeds whether or not the authority is reachable. When the entity type
// has a natural key and an existing record matches, the save merges into it
// instead of creating a duplicate.
func (e *Engine) Save(ctx context.Context, entityType string, rec localstore.Record) (localstore.Record, error) {
	op := queue.OpCreate

	if id := rec.ID(); id != "" {
		existing, err := e.store.Get(ctx, entityType, id)
		if err != nil {
			return nil, fmt.Errorf("reading existing record: %w", err)
		}
		if existing != nil {
			op = queue.OpUpdate
		}
	}

	if op == queue.OpCreate {
		// Natural-key matching includes the branch tag, which the store only
		// applies on write; tag the candidate up front so resolution sees
		// the same tuple the stored duplicates carry
		if _, hasKey := e.resolver.Policy(entityType); hasKey && rec.BranchID() == "" {
			if primary := e.store.Identity().Primary(); primary != "" {
				rec = rec.Clone()
				rec[localstore.FieldBranchID] = primary
			}
		}

		existing, err := e.resolver.Resolve(ctx, entityType, rec)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			rec = e.resolver.Merge(entityType, existing, rec)
			op = queue.OpUpdate
		}
	}
	e.resolver.Derive(entityType, rec)

	saved, err := e.store.Put(ctx, entityType, rec, localstore.PutOptions{})
	if err != nil {
		return nil, err
	}

	if _, err := e.queue.Enqueue(ctx, entityType, saved.ID(), op, saved); err != nil {
		return nil, err
	}
	e.updateQueueDepth(ctx)
	e.RequestSync()

	return saved, nil
}

// Delete removes an entity locally and queues the deletion.
func (e *Engine) Delete(ctx context.Context, entityType, id string) error {
	if err := e.store.Delete(ctx, entityType, id); err != nil {
		return err
	}
	if _, err := e.queue.Enqueue(ctx, entityType, id, queue.OpDelete, nil); err != nil {
		return err
	}
	e.updateQueueDepth(ctx)
	e.RequestSync()
	return nil
}

// ApplyRemote writes a change pushed by the authority into the local store.
// The payload is canonical, so timestamps are preserved and nothing is
// queued: re-enqueueing a push would bounce it between terminals forever.
func (e *Engine) ApplyRemote(ctx context.Context, change *realtime.EntityChange) error {
	if change.Action == realtime.ActionDeleted {
		return e.store.Delete(ctx, change.EntityType, change.EntityID)
	}

	var rec localstore.Record
	if err := json.Unmarshal(change.Payload, &rec); err != nil {
		return fmt.Errorf("decoding pushed record: %w", err)
	}
	_, err := e.store.Put(ctx, change.EntityType, rec, localstore.PutOptions{KeepTimestamps: true})
	return err
}

// SyncNow drains the mutation queue immediately.
func (e *Engine) SyncNow(ctx context.Context) (queue.DrainResult, error) {
	return e.reconciler.SyncPending(ctx)
}

// OnConnected is the realtime client's reconnect hook: changes made while
// offline go out as soon as the channel is back.
func (e *Engine) OnConnected(ctx context.Context) {
	if _, err := e.SyncNow(ctx); err != nil {
		e.logger.Warn("post-reconnect sync failed", "error", err)
	}
}

// RequestSync asks the background loop for a debounced sync pass. Never
// blocks; a pending request absorbs further ones.
func (e *Engine) RequestSync() {
	select {
	case e.syncCh <- struct{}{}:
	default:
	}
}

// Run is the background sync loop: an immediate startup pass, then periodic
// passes while the queue is non-empty, plus debounced passes after saves.
// Blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.SyncNow(ctx); err != nil {
		e.logger.Warn("startup sync failed", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-e.syncCh:
			// Coalesce the burst of saves behind one pass
			timer := time.NewTimer(e.debounce)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			if _, err := e.SyncNow(ctx); err != nil {
				e.logger.Warn("sync failed", "error", err)
			}

		case <-ticker.C:
			size, err := e.queue.Size(ctx)
			if err != nil {
				e.logger.Error("reading queue size", "error", err)
				continue
			}
			if size == 0 {
				continue
			}
			if _, err := e.SyncNow(ctx); err != nil {
				e.logger.Warn("periodic sync failed", "error", err)
			}
		}
	}
}

func (e *Engine) updateQueueDepth(ctx context.Context) {
	if size, err := e.queue.Size(ctx); err == nil {
		e.metrics.SetQueueDepth(size)
	}
}
