// ABOUTME: Terminal-side realtime channel: dials the hub, applies pushes, reconnects
// ABOUTME: Connection state drives the UI's offline indicator and the post-reconnect sync

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/solterra/branchsync/internal/dedupe"
	"github.com/solterra/branchsync/internal/metrics"
	"github.com/solterra/branchsync/internal/retry"
)

// seenTTL bounds how long applied change versions are remembered.
const seenTTL = 5 * time.Minute

// ErrAuthRejected means the hub refused our credential. The client gives up
// immediately: retrying with the same token only burns the backoff budget.
var ErrAuthRejected = errors.New("realtime credential rejected")

// State is the connection lifecycle phase, surfaced to the terminal UI.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	// StateJoined is the moment the hub acks the hello; the client moves to
	// active once its rooms are recorded and the push pump starts.
	StateJoined       State = "joined"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
)

// pingInterval keeps idle connections alive through proxies.
const pingInterval = 30 * time.Second

// Applier writes a pushed change into local state. Implementations must
// treat the payload as canonical: write it to the store directly, never
// through the mutation queue, or terminals would echo each other's changes
// forever.
type Applier interface {
	ApplyRemote(ctx context.Context, change *EntityChange) error
}

// ClientOptions configures a realtime client.
type ClientOptions struct {
	// URL is the hub's websocket endpoint, e.g. "wss://host/ws".
	URL string
	// Token is the credential sent in the hello frame.
	Token string
	// Applier receives pushed entity changes. Required.
	Applier Applier
	// OnConnected runs once each time the channel (re)establishes, after the
	// joined ack. Used to drain the mutation queue for changes made while
	// offline.
	OnConnected func(ctx context.Context)
	// OnState observes state transitions. Optional.
	OnState func(State)
	// Policy bounds reconnection. Zero value means retry.Default.
	Policy retry.Policy
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Client maintains the terminal's push channel to the authority.
type Client struct {
	opts   ClientOptions
	logger *slog.Logger
	seen   *dedupe.Cache

	mu    sync.RWMutex
	state State
	rooms []string
}

// NewClient creates a realtime client. Run starts it.
func NewClient(opts ClientOptions) *Client {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Default
	}
	return &Client{
		opts:   opts,
		state:  StateDisconnected,
		seen:   dedupe.New(seenTTL, 4096),
		logger: slog.Default().With("component", "realtime-client"),
	}
}

// Close releases the client's dedupe cache. Run must have returned.
func (c *Client) Close() {
	c.seen.Close()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Rooms returns the rooms the hub placed us in, empty until joined.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.rooms...)
}

// SetToken replaces the credential used on the next (re)connect.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.opts.Token = token
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Run dials the hub and processes pushes until ctx ends, the credential is
// rejected, or the reconnect budget is exhausted. Each successful join
// resets the budget.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	attempt := 0
	for {
		if attempt == 0 {
			c.setState(StateConnecting)
		}

		joined, err := c.runOnce(ctx)
		if joined {
			attempt = 0
		}
		if errors.Is(err, ErrAuthRejected) {
			c.logger.Warn("credential rejected, not retrying")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		c.opts.Metrics.Reconnect()
		if c.opts.Policy.Exhausted(attempt) {
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}

		c.setState(StateReconnecting)
		c.logger.Info("connection lost, reconnecting",
			"attempt", attempt, "delay", c.opts.Policy.Delay(attempt), "error", err)
		if err := c.opts.Policy.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}

// runOnce performs one connection lifecycle: dial, hello, joined, pump.
// Returns joined=true if the session reached the active state.
func (c *Client) runOnce(ctx context.Context) (joined bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing hub: %w", err)
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	c.setState(StateAuthenticating)
	c.mu.RLock()
	token := c.opts.Token
	c.mu.RUnlock()

	if err := wsjson.Write(ctx, conn, &Envelope{Type: TypeHello, Hello: &Hello{Token: token}}); err != nil {
		return false, fmt.Errorf("sending hello: %w", err)
	}

	var env Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		return false, fmt.Errorf("reading join ack: %w", err)
	}
	switch {
	case env.Type == TypeError && env.Error != nil && env.Error.Code == CodeAuthFailed:
		return false, ErrAuthRejected
	case env.Type != TypeJoined || env.Joined == nil:
		return false, fmt.Errorf("unexpected frame %q before join", env.Type)
	}

	c.setState(StateJoined)
	c.mu.Lock()
	c.rooms = env.Joined.Rooms
	c.mu.Unlock()
	c.setState(StateActive)
	c.logger.Info("joined realtime channel", "socket_id", env.Joined.SocketID, "rooms", env.Joined.Rooms)

	// Shutting down is a sign-off, not a transport failure: tell the hub
	// so it drops the connection record immediately
	defer func() {
		if ctx.Err() != nil {
			leaveCtx, cancelLeave := context.WithTimeout(context.Background(), time.Second)
			defer cancelLeave()
			wsjson.Write(leaveCtx, conn, &Envelope{Type: TypeLeave})
			conn.Close(websocket.StatusNormalClosure, "leaving")
		}
	}()

	// Changes made while offline go out now, exactly once per (re)connect
	if c.opts.OnConnected != nil {
		c.opts.OnConnected(ctx)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pumpCtx, conn)

	for {
		var env Envelope
		if err := wsjson.Read(pumpCtx, conn, &env); err != nil {
			return true, fmt.Errorf("reading push: %w", err)
		}
		switch env.Type {
		case TypeEntityUpdated:
			if env.Change == nil {
				continue
			}
			// A reconnect can replay a change the last session already
			// applied; the same record version is applied once
			key := dedupe.ChangeKey(env.Change.EntityType, env.Change.EntityID,
				env.Change.Timestamp.UTC().Format(time.RFC3339Nano))
			if c.seen.Seen(key) {
				continue
			}
			if err := c.opts.Applier.ApplyRemote(pumpCtx, env.Change); err != nil {
				// A bad push must not kill the channel; the record converges
				// on the next full sync
				c.logger.Error("applying pushed change failed",
					"entity_type", env.Change.EntityType,
					"entity_id", env.Change.EntityID,
					"error", err)
			}
		case TypePong:
			// Keepalive answered
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, &Envelope{Type: TypePing}); err != nil {
				return
			}
		}
	}
}
