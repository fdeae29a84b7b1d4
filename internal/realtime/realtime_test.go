// ABOUTME: Tests for the realtime hub and client over live websockets
// ABOUTME: Covers room routing, master fan-out, auth rejection, and reconnects

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solterra/branchsync/internal/auth"
	"github.com/solterra/branchsync/internal/branch"
	"github.com/solterra/branchsync/internal/retry"
)

var testPolicy = retry.Policy{MaxAttempts: 4, BaseDelay: 20 * time.Millisecond, Multiplier: 1, MaxDelay: 50 * time.Millisecond}

type recordingApplier struct {
	mu      sync.Mutex
	changes []*EntityChange
}

func (a *recordingApplier) ApplyRemote(_ context.Context, change *EntityChange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changes = append(a.changes, change)
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.changes)
}

func (a *recordingApplier) last() *EntityChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.changes) == 0 {
		return nil
	}
	return a.changes[len(a.changes)-1]
}

type harness struct {
	hub      *Hub
	verifier *auth.JWTVerifier
	url      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	verifier, err := auth.NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	hub := NewHub(verifier, nil, nil)
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	return &harness{
		hub:      hub,
		verifier: verifier,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) token(t *testing.T, identity branch.Identity) string {
	t.Helper()
	token, err := h.verifier.Generate(identity, time.Hour)
	require.NoError(t, err)
	return token
}

// startClient runs a client until the test ends, waiting for it to join.
func (h *harness) startClient(t *testing.T, identity branch.Identity, applier Applier) *Client {
	t.Helper()
	client := NewClient(ClientOptions{
		URL:     h.url,
		Token:   h.token(t, identity),
		Applier: applier,
		Policy:  testPolicy,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return client.State() == StateActive
	}, 2*time.Second, 10*time.Millisecond, "client never joined")
	return client
}

func branchChange(branchID string) *EntityChange {
	payload, _ := json.Marshal(map[string]any{"id": "a-1", "branch_id": branchID})
	return &EntityChange{
		EntityType: "arrival",
		Action:     ActionUpdated,
		EntityID:   "a-1",
		BranchID:   branchID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

func TestHub_JoinAndPush(t *testing.T) {
	h := newHarness(t)
	applier := &recordingApplier{}
	client := h.startClient(t, branch.Identity{UserID: "t1", BranchIDs: []string{"north"}}, applier)

	assert.Contains(t, client.Rooms(), "branch:north")

	h.hub.EmitEntityChange(branchChange("north"))

	require.Eventually(t, func() bool { return applier.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	got := applier.last()
	assert.Equal(t, "arrival", got.EntityType)
	assert.Equal(t, "north", got.BranchID)
}

func TestHub_BranchIsolation(t *testing.T) {
	h := newHarness(t)
	north := &recordingApplier{}
	south := &recordingApplier{}
	h.startClient(t, branch.Identity{UserID: "tn", BranchIDs: []string{"north"}}, north)
	h.startClient(t, branch.Identity{UserID: "ts", BranchIDs: []string{"south"}}, south)

	h.hub.EmitEntityChange(branchChange("north"))

	require.Eventually(t, func() bool { return north.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, south.count(), "south terminal must not see north's change")
}

func TestHub_MasterSeesEveryBranchChange(t *testing.T) {
	h := newHarness(t)
	master := &recordingApplier{}
	north := &recordingApplier{}
	mc := h.startClient(t, branch.Identity{UserID: "hq", IsMaster: true}, master)
	h.startClient(t, branch.Identity{UserID: "tn", BranchIDs: []string{"north"}}, north)

	assert.Equal(t, []string{branch.MasterRoom}, mc.Rooms())

	h.hub.EmitEntityChange(branchChange("north"))
	h.hub.EmitEntityChange(branchChange("south"))

	require.Eventually(t, func() bool { return master.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return north.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_GlobalChangeReachesAllBranches(t *testing.T) {
	h := newHarness(t)
	north := &recordingApplier{}
	south := &recordingApplier{}
	h.startClient(t, branch.Identity{UserID: "tn", BranchIDs: []string{"north"}}, north)
	h.startClient(t, branch.Identity{UserID: "ts", BranchIDs: []string{"south"}}, south)

	change := branchChange("")
	change.EntityType = "exchange_rate"
	h.hub.EmitEntityChange(change)

	require.Eventually(t, func() bool {
		return north.count() == 1 && south.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsInvalidToken(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, h.url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, &Envelope{Type: TypeHello, Hello: &Hello{Token: "garbage"}}))

	var env Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	assert.Equal(t, TypeError, env.Type)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeAuthFailed, env.Error.Code)
}

func TestHub_RejectsNonHelloFirstFrame(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, h.url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, &Envelope{Type: TypePing}))

	var env Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	assert.Equal(t, TypeError, env.Type)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeBadMessage, env.Error.Code)
}

func TestClient_AuthRejectedIsNotRetried(t *testing.T) {
	h := newHarness(t)

	var dials atomic.Int32
	counting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		h.hub.ServeHTTP(w, r)
	}))
	t.Cleanup(counting.Close)

	client := NewClient(ClientOptions{
		URL:     "ws" + strings.TrimPrefix(counting.URL, "http"),
		Token:   "expired-or-forged",
		Applier: &recordingApplier{},
		Policy:  testPolicy,
	})

	err := client.Run(context.Background())
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, int32(1), dials.Load(), "rejected credential must not be retried")
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClient_SyncRunsOncePerConnect(t *testing.T) {
	h := newHarness(t)

	// The first connection is dropped right after the join ack, forcing one
	// reconnect cycle.
	var conns atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) == 1 {
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			ctx := r.Context()
			var env Envelope
			if err := wsjson.Read(ctx, c, &env); err != nil {
				return
			}
			wsjson.Write(ctx, c, &Envelope{Type: TypeJoined, Joined: &Joined{SocketID: "s1", Rooms: []string{"branch:north"}}})
			c.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		h.hub.ServeHTTP(w, r)
	}))
	t.Cleanup(flaky.Close)

	var syncs atomic.Int32
	client := NewClient(ClientOptions{
		URL:         "ws" + strings.TrimPrefix(flaky.URL, "http"),
		Token:       h.token(t, branch.Identity{UserID: "t1", BranchIDs: []string{"north"}}),
		Applier:     &recordingApplier{},
		OnConnected: func(context.Context) { syncs.Add(1) },
		Policy:      testPolicy,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return client.State() == StateActive && conns.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), syncs.Load(), "one sync per successful connect")
}

func TestClient_ReconnectBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close() // nothing listening

	var states []State
	var mu sync.Mutex
	client := NewClient(ClientOptions{
		URL:     url,
		Token:   "unused",
		Applier: &recordingApplier{},
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
		Policy: retry.Policy{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond},
	})

	err := client.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}

func TestClient_StateTransitionsOnConnect(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var states []State
	client := NewClient(ClientOptions{
		URL:     h.url,
		Token:   h.token(t, branch.Identity{UserID: "u1", BranchIDs: []string{"north"}}),
		Applier: &recordingApplier{},
		Policy:  testPolicy,
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	t.Cleanup(client.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return client.State() == StateActive
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateAuthenticating, StateJoined, StateActive}, states)
}
