// ABOUTME: Tests for the reconciliation client against a fake authority
// ABOUTME: Covers idempotent create conversion, error taxonomy, and merge-back

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solterra/branchsync/internal/branch"
	"github.com/solterra/branchsync/internal/entities"
	"github.com/solterra/branchsync/internal/localstore"
	"github.com/solterra/branchsync/internal/queue"
	"github.com/solterra/branchsync/internal/resolver"
	"github.com/solterra/branchsync/internal/retry"
)

// fakeAuthority is an in-memory stand-in for the central server. Handlers
// can be overridden per test; by default it stores records keyed by id.
type fakeAuthority struct {
	mu       sync.Mutex
	records  map[string]localstore.Record // id → record
	requests []string                     // "METHOD path" in order
	fail     func(r *http.Request) int    // non-zero status forces a failure
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{records: map[string]localstore.Record{}}
}

func (f *fakeAuthority) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/entities/{type}/lookup", f.lookup)
	mux.HandleFunc("GET /api/entities/{type}/{id}", f.get)
	mux.HandleFunc("POST /api/entities/{type}", f.create)
	mux.HandleFunc("PUT /api/entities/{type}/{id}", f.update)
	mux.HandleFunc("DELETE /api/entities/{type}/{id}", f.delete)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		fail := f.fail
		f.mu.Unlock()
		if fail != nil {
			if status := fail(r); status != 0 {
				http.Error(w, `{"error":"forced failure"}`, status)
				return
			}
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeAuthority) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	rec, ok := f.records[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	json.NewEncoder(w).Encode(rec)
}

func (f *fakeAuthority) lookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		match := true
		for field := range q {
			if rec.Str(field) != q.Get(field) {
				match = false
				break
			}
		}
		if match {
			json.NewEncoder(w).Encode(rec)
			return
		}
	}
	http.NotFound(w, r)
}

func (f *fakeAuthority) create(w http.ResponseWriter, r *http.Request) {
	var rec localstore.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// The authority assigns its own id and timestamps
	rec["id"] = "srv-" + rec.ID()
	rec["updated_at"] = "2026-03-01T12:00:00Z"
	f.mu.Lock()
	f.records[rec.ID()] = rec
	f.mu.Unlock()
	json.NewEncoder(w).Encode(rec)
}

func (f *fakeAuthority) update(w http.ResponseWriter, r *http.Request) {
	var rec localstore.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	rec["id"] = id
	rec["updated_at"] = "2026-03-01T12:30:00Z"
	f.mu.Lock()
	f.records[id] = rec
	f.mu.Unlock()
	json.NewEncoder(w).Encode(rec)
}

func (f *fakeAuthority) delete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.records[id]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(f.records, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAuthority) sawRequest(method, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req == method+" "+path {
			return true
		}
	}
	return false
}

type recordingReporter struct {
	mu      sync.Mutex
	evicted []string
	reasons []string
}

func (r *recordingReporter) MutationEvicted(m *queue.Mutation, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, m.EntityID)
	r.reasons = append(r.reasons, reason)
}

type fixture struct {
	store    *localstore.SQLiteStore
	queue    *queue.Queue
	client   *Client
	fake     *fakeAuthority
	reporter *recordingReporter
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()

	identity := branch.Identity{UserID: "terminal-1", BranchIDs: []string{"north"}}
	store, err := localstore.NewSQLiteStore(
		filepath.Join(t.TempDir(), "terminal.db"), identity, entities.Collections())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reporter := &recordingReporter{}
	q, err := queue.New(store.DB(), retry.Default, reporter)
	require.NoError(t, err)

	fake := newFakeAuthority()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	opts.BaseURL = srv.URL
	if opts.Token == "" {
		opts.Token = "test-token"
	}
	res := resolver.New(store, entities.Policies(5))
	client := New(store, q, res, opts)

	return &fixture{store: store, queue: q, client: client, fake: fake, reporter: reporter}
}

// saveAndEnqueue mimics a local save: write to the store, then queue the
// outbound mutation.
func saveAndEnqueue(t *testing.T, f *fixture, entityType, op string, rec localstore.Record) localstore.Record {
	t.Helper()
	ctx := context.Background()
	saved, err := f.store.Put(ctx, entityType, rec, localstore.PutOptions{})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, entityType, saved.ID(), op, saved)
	require.NoError(t, err)
	return saved
}

func TestSyncPending_CreateNewRecord(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	local := saveAndEnqueue(t, f, entities.TypeArrival, queue.OpCreate, localstore.Record{
		"date": "2026-03-01", "agency_id": "sunways", "unit_type": "bus", "passengers": float64(40),
	})

	res, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	// The authority assigned a new id; the provisional record is replaced
	gone, err := f.store.Get(ctx, entities.TypeArrival, local.ID())
	require.NoError(t, err)
	assert.Nil(t, gone)

	canonical, err := f.store.Get(ctx, entities.TypeArrival, "srv-"+local.ID())
	require.NoError(t, err)
	require.NotNil(t, canonical)
	assert.Equal(t, "2026-03-01T12:00:00Z", canonical.Str("updated_at"))

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestSyncPending_CreateConvertedToUpdate(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	// The authority already holds this arrival under its natural key,
	// created by a sibling terminal.
	f.fake.records["remote-77"] = localstore.Record{
		"id": "remote-77", "date": "2026-03-01", "branch_id": "north",
		"agency_id": "sunways", "unit_type": "bus", "passengers": float64(38),
		"updated_at": "2026-03-01T08:00:00Z",
	}

	local := saveAndEnqueue(t, f, entities.TypeArrival, queue.OpCreate, localstore.Record{
		"date": "2026-03-01", "agency_id": "sunways", "unit_type": "bus", "passengers": float64(40),
	})

	res, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	// No POST was issued: the create became a PUT against the remote copy
	assert.False(t, f.fake.sawRequest("POST", "/api/entities/arrival"))
	assert.True(t, f.fake.sawRequest("PUT", "/api/entities/arrival/remote-77"))

	// Local provisional id replaced by the authority's
	canonical, err := f.store.Get(ctx, entities.TypeArrival, "remote-77")
	require.NoError(t, err)
	require.NotNil(t, canonical)
	assert.Equal(t, float64(40), canonical["passengers"])

	gone, err := f.store.Get(ctx, entities.TypeArrival, local.ID())
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSyncPending_RetryAfterCreateSucceededRemotely(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	local := saveAndEnqueue(t, f, entities.TypeArrival, queue.OpCreate, localstore.Record{
		"date": "2026-03-01", "agency_id": "sunways", "unit_type": "bus", "passengers": float64(40),
	})

	// First attempt reached the authority but the response was lost: the
	// record exists remotely under the same id.
	f.fake.records[local.ID()] = local.Clone()

	res, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	assert.False(t, f.fake.sawRequest("POST", "/api/entities/arrival"))
	assert.True(t, f.fake.sawRequest("PUT", "/api/entities/arrival/"+local.ID()))
}

func TestSyncPending_SendsCurrentState(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	local := saveAndEnqueue(t, f, entities.TypeArrival, queue.OpCreate, localstore.Record{
		"date": "2026-03-01", "agency_id": "sunways", "unit_type": "bus", "passengers": float64(40),
	})

	// A later offline edit changes the passenger count before sync runs
	local["passengers"] = float64(43)
	_, err := f.store.Put(ctx, entities.TypeArrival, local, localstore.PutOptions{})
	require.NoError(t, err)

	_, err = f.client.SyncPending(ctx)
	require.NoError(t, err)

	var sent localstore.Record
	for _, rec := range f.fake.records {
		sent = rec
	}
	require.NotNil(t, sent)
	assert.Equal(t, float64(43), sent["passengers"])
}

func TestSyncPending_ValidationFailureEvicts(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	f.fake.fail = func(r *http.Request) int {
		if r.Method == http.MethodPost {
			return http.StatusUnprocessableEntity
		}
		return 0
	}

	local := saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{
		"amount": float64(-5),
	})

	res, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evicted)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	require.Len(t, f.reporter.evicted, 1)
	assert.Equal(t, local.ID(), f.reporter.evicted[0])
	assert.Contains(t, f.reporter.reasons[0], "422")
}

func TestSyncPending_AuthExpiredStopsPass(t *testing.T) {
	authExpired := false
	f := setup(t, Options{OnAuthExpired: func() { authExpired = true }})
	ctx := context.Background()

	f.fake.fail = func(*http.Request) int { return http.StatusUnauthorized }

	saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{"amount": float64(10)})
	saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{"amount": float64(20)})

	_, err := f.client.SyncPending(ctx)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.True(t, authExpired)

	// Nothing was evicted: both mutations wait for a renewed session
	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestSyncPending_TransientFailureKeptQueued(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	f.fake.fail = func(*http.Request) int { return http.StatusInternalServerError }

	saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{"amount": float64(10)})

	res, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Evicted)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestSyncPending_FailureDoesNotBlockOthers(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{"amount": float64(1)})
	saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{"amount": float64(2)})
	saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{"amount": float64(3)})

	// Mutations drain in enqueue order, so the second POST is the second sale
	var posts int
	f.fake.fail = func(r *http.Request) int {
		if r.Method == http.MethodPost {
			posts++
			if posts == 2 {
				return http.StatusInternalServerError
			}
		}
		return 0
	}

	res, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestSyncPending_DeleteAlreadyGone(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, entities.TypeSale, "sale-9", queue.OpDelete, nil)
	require.NoError(t, err)

	res, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestSyncPending_LocallyDeletedRecordSkipped(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	local := saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{"amount": float64(10)})
	require.NoError(t, f.store.Delete(ctx, entities.TypeSale, local.ID()))

	res, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.False(t, f.fake.sawRequest("POST", "/api/entities/sale"))
}

func TestSyncPending_BearerTokenSent(t *testing.T) {
	var gotAuth string
	f := setup(t, Options{Token: "secret-credential"})
	f.fake.fail = func(r *http.Request) int {
		gotAuth = r.Header.Get("Authorization")
		return 0
	}
	ctx := context.Background()

	saveAndEnqueue(t, f, entities.TypeSale, queue.OpCreate, localstore.Record{"amount": float64(10)})
	_, err := f.client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-credential", gotAuth)
}

// flakyStore wraps the real store and fails a set number of Puts, standing in
// for a local write that loses a race with a concurrent writer.
type flakyStore struct {
	localstore.Store
	mu       sync.Mutex
	failPuts int
}

func (s *flakyStore) Put(ctx context.Context, entityType string, rec localstore.Record, opts localstore.PutOptions) (localstore.Record, error) {
	s.mu.Lock()
	if s.failPuts > 0 {
		s.failPuts--
		s.mu.Unlock()
		return nil, errors.New("database is locked")
	}
	s.mu.Unlock()
	return s.Store.Put(ctx, entityType, rec, opts)
}

func TestSyncPending_MergeBackFailureStaysQueued(t *testing.T) {
	ctx := context.Background()
	identity := branch.Identity{UserID: "terminal-1", BranchIDs: []string{"north"}}
	real, err := localstore.NewSQLiteStore(
		filepath.Join(t.TempDir(), "terminal.db"), identity, entities.Collections())
	require.NoError(t, err)
	t.Cleanup(func() { real.Close() })
	store := &flakyStore{Store: real}

	q, err := queue.New(real.DB(), retry.Default, nil)
	require.NoError(t, err)

	fake := newFakeAuthority()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	res := resolver.New(store, entities.Policies(5))
	client := New(store, q, res, Options{BaseURL: srv.URL, Token: "test-token"})

	local, err := store.Put(ctx, entities.TypeArrival, localstore.Record{
		"date": "2026-03-01", "agency_id": "sunways", "unit_type": "bus", "passengers": float64(40),
	}, localstore.PutOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, entities.TypeArrival, local.ID(), queue.OpCreate, local)
	require.NoError(t, err)

	// The remote apply succeeds but the canonical merge-back cannot be
	// written; the mutation must stay queued, not be evicted
	store.mu.Lock()
	store.failPuts = 1
	store.mu.Unlock()

	drained, err := client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Failed)
	assert.Equal(t, 0, drained.Evicted)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size, "mutation kept for retry")

	// The retry finds the remote copy under its natural key, converts the
	// create into an update, and completes the merge-back
	drained, err = client.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Succeeded)
	assert.True(t, fake.sawRequest("PUT", "/api/entities/arrival/srv-"+local.ID()))

	merged, err := store.Get(ctx, entities.TypeArrival, "srv-"+local.ID())
	require.NoError(t, err)
	require.NotNil(t, merged)

	gone, err := store.Get(ctx, entities.TypeArrival, local.ID())
	require.NoError(t, err)
	assert.Nil(t, gone, "provisional record replaced")
}
