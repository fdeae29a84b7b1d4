// ABOUTME: Authority-side websocket hub: authenticates sockets and routes pushes by room
// ABOUTME: Members of a branch room and the master room both receive each branch change

package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/solterra/branchsync/internal/auth"
	"github.com/solterra/branchsync/internal/branch"
	"github.com/solterra/branchsync/internal/metrics"
)

// helloTimeout bounds how long a fresh socket may sit unauthenticated.
const helloTimeout = 10 * time.Second

// socket is one authenticated connection and its room subscriptions.
type socket struct {
	id       string
	identity branch.Identity
	rooms    []string
	subIDs   []string
}

// Hub accepts websocket connections, authenticates them, and places each in
// the rooms its identity grants. Committed entity changes fan out through
// the broadcaster to every room member.
type Hub struct {
	verifier    auth.TokenVerifier
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.RWMutex
	sockets map[string]*socket
}

// NewHub creates a hub. Metrics may be nil.
func NewHub(verifier auth.TokenVerifier, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		verifier:    verifier,
		broadcaster: NewBroadcaster(logger),
		metrics:     m,
		logger:      logger.With("component", "realtime-hub"),
		sockets:     make(map[string]*socket),
	}
}

// ConnectedSockets returns the number of authenticated connections.
func (h *Hub) ConnectedSockets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// EmitEntityChange fans a committed change out to its rooms. Branch-tagged
// changes go to the branch's room and to the master room; untagged (global)
// changes go to every room so all terminals converge.
func (h *Hub) EmitEntityChange(change *EntityChange) {
	rooms := []string{branch.MasterRoom}
	if change.BranchID != "" {
		rooms = append(rooms, branch.Room(change.BranchID))
	} else {
		h.mu.RLock()
		seen := map[string]bool{branch.MasterRoom: true}
		for _, s := range h.sockets {
			for _, room := range s.rooms {
				if !seen[room] {
					seen[room] = true
					rooms = append(rooms, room)
				}
			}
		}
		h.mu.RUnlock()
	}

	for _, room := range rooms {
		if n := h.broadcaster.Publish(room, change, ""); n > 0 {
			h.metrics.Push(room)
		}
	}
}

// Close tears down all subscriptions.
func (h *Hub) Close() {
	h.broadcaster.Close()
}

// ServeHTTP upgrades the request to a websocket and runs the connection
// until the client leaves or the request context ends. The first client
// frame must be a hello carrying a valid credential.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "connection closed")

	ctx := r.Context()

	identity, ok := h.authenticate(ctx, c)
	if !ok {
		return
	}

	s := &socket{
		id:       uuid.New().String(),
		identity: identity,
		rooms:    branch.Rooms(identity),
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Merge all room channels into one outbound stream
	out := make(chan *EntityChange, subscriberBufferSize)
	var wg sync.WaitGroup
	for _, room := range s.rooms {
		ch, subID := h.broadcaster.Subscribe(connCtx, room)
		s.subIDs = append(s.subIDs, subID)
		wg.Add(1)
		go func(ch <-chan *EntityChange) {
			defer wg.Done()
			for change := range ch {
				select {
				case out <- change:
				case <-connCtx.Done():
					return
				}
			}
		}(ch)
	}

	h.register(s)
	defer h.unregister(s)

	if err := wsjson.Write(ctx, c, &Envelope{
		Type:   TypeJoined,
		Joined: &Joined{SocketID: s.id, Rooms: s.rooms},
	}); err != nil {
		return
	}

	h.logger.Info("terminal joined",
		"socket_id", s.id, "user_id", identity.UserID, "rooms", s.rooms)

	// Writer: forward merged room traffic to the socket
	go func() {
		for {
			select {
			case change := <-out:
				if err := wsjson.Write(connCtx, c, &Envelope{Type: TypeEntityUpdated, Change: change}); err != nil {
					cancel()
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()

	h.readLoop(connCtx, c)
	cancel()
	wg.Wait()

	c.Close(websocket.StatusNormalClosure, "bye")
	h.logger.Info("terminal left", "socket_id", s.id, "user_id", identity.UserID)
}

// authenticate reads the hello frame and verifies its token. On failure the
// client receives a typed error before the socket closes, so it knows not
// to retry with the same credential.
func (h *Hub) authenticate(ctx context.Context, c *websocket.Conn) (branch.Identity, bool) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var env Envelope
	if err := wsjson.Read(helloCtx, c, &env); err != nil {
		c.Close(websocket.StatusPolicyViolation, "hello required")
		return branch.Identity{}, false
	}
	if env.Type != TypeHello || env.Hello == nil {
		wsjson.Write(helloCtx, c, &Envelope{
			Type:  TypeError,
			Error: &ErrorInfo{Code: CodeBadMessage, Message: "first frame must be hello"},
		})
		c.Close(websocket.StatusPolicyViolation, "hello required")
		return branch.Identity{}, false
	}

	identity, err := h.verifier.Verify(env.Hello.Token)
	if err != nil {
		h.logger.Warn("socket auth failed", "error", err)
		wsjson.Write(helloCtx, c, &Envelope{
			Type:  TypeError,
			Error: &ErrorInfo{Code: CodeAuthFailed, Message: "credential rejected"},
		})
		c.Close(websocket.StatusPolicyViolation, "auth failed")
		return branch.Identity{}, false
	}
	return identity, true
}

// readLoop consumes client frames until the connection drops or the client
// sends an explicit leave. Terminals only send pings and leave after the
// hello; anything unparseable ends the connection.
func (h *Hub) readLoop(ctx context.Context, c *websocket.Conn) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, c, &env); err != nil {
			return
		}
		switch env.Type {
		case TypePing:
			if err := wsjson.Write(ctx, c, &Envelope{Type: TypePong}); err != nil {
				return
			}
		case TypeLeave:
			return
		}
	}
}

func (h *Hub) register(s *socket) {
	h.mu.Lock()
	h.sockets[s.id] = s
	h.mu.Unlock()
	h.metrics.SocketConnected(1)
}

func (h *Hub) unregister(s *socket) {
	h.mu.Lock()
	delete(h.sockets, s.id)
	h.mu.Unlock()
	h.metrics.SocketConnected(-1)
}
