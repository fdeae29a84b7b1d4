// ABOUTME: In-memory fan-out of entity changes to room subscribers
// ABOUTME: Each connected socket subscribes its rooms and receives pushes as they commit

package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for entity changes, keyed by room.
// Terminals subscribe their branch rooms (and master subscribers the master
// room) and receive changes as the authority commits them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *EntityChange // room -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *EntityChange),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for changes in the given room. Returns a
// channel that receives changes and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, room string) (<-chan *EntityChange, string) {
	subID := uuid.New().String()
	ch := make(chan *EntityChange, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[room]; !ok {
		b.subscribers[room] = make(map[string]chan *EntityChange)
	}
	b.subscribers[room][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "room", room, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(room, subID)
	}()

	return ch, subID
}

// Publish sends a change to all subscribers of the given room. If
// excludeSubID is non-empty, that subscriber is skipped (used to avoid
// echoing a change back to the socket that caused it).
// Non-blocking: changes are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(room string, change *EntityChange, excludeSubID string) int {
	b.mu.RLock()
	subs, ok := b.subscribers[room]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return 0
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan *EntityChange, 0, len(subs))
	for id, ch := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, ch := range targets {
		select {
		case ch <- change:
			delivered++
		default:
			// Subscriber channel full — drop change for this subscriber;
			// it will catch up via its next queue sync
			b.logger.Debug("dropped change for slow subscriber",
				"room", room,
				"entity_type", change.EntityType,
				"entity_id", change.EntityID)
		}
	}
	return delivered
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(room, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[room]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty room entries
	if len(subs) == 0 {
		delete(b.subscribers, room)
	}

	b.logger.Debug("subscriber removed", "room", room, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for room, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, room)
	}

	b.logger.Debug("broadcaster closed")
}
