// ABOUTME: Tests for the SQLite-backed local entity store
// ABOUTME: Covers CRUD, branch scoping, secondary indexes, and timestamp handling

package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solterra/branchsync/internal/branch"
)

var testCollections = []Collection{
	{
		Name: "arrival",
		Indexes: []Index{
			{Name: "by_date", Fields: []string{"date"}},
			{Name: "by_natural_key", Fields: []string{"date", "branch_id", "agency_id", "unit_type"}},
		},
	},
	{Name: "sale"},
	{Name: "exchange_rate", Global: true},
}

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T, identity branch.Identity) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "terminal.db")

	store, err := NewSQLiteStore(dbPath, identity, testCollections)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func clerk() branch.Identity {
	return branch.Identity{UserID: "u1", BranchIDs: []string{"b1"}}
}

func TestStore_PutAndGet(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	rec, err := store.Put(ctx, "arrival", Record{
		"date":       "2024-05-01",
		"agency_id":  "a1",
		"passengers": float64(40),
	}, PutOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID(), "id assigned when absent")
	assert.Equal(t, "b1", rec.BranchID(), "writes are branch-tagged")
	assert.False(t, rec.CreatedAt().IsZero())
	assert.False(t, rec.UpdatedAt().IsZero())

	got, err := store.Get(ctx, "arrival", rec.ID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, float64(40), got["passengers"])
}

func TestStore_Get_NoMatchReturnsNil(t *testing.T) {
	store := setupTestStore(t, clerk())

	got, err := store.Get(context.Background(), "arrival", "nope")
	require.NoError(t, err, "no match is not an error")
	assert.Nil(t, got)
}

func TestStore_UnknownCollection(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	_, err := store.Get(ctx, "bogus", "x")
	assert.ErrorIs(t, err, ErrUnknownCollection)

	_, err = store.Put(ctx, "bogus", Record{}, PutOptions{})
	assert.ErrorIs(t, err, ErrUnknownCollection)

	err = store.Delete(ctx, "bogus", "x")
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestStore_Put_MergePreservesCreatedAt(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	first, err := store.Put(ctx, "arrival", Record{"date": "2024-05-01", "passengers": float64(10)}, PutOptions{})
	require.NoError(t, err)

	second, err := store.Put(ctx, "arrival", Record{
		FieldID:      first.ID(),
		"passengers": float64(25),
	}, PutOptions{})
	require.NoError(t, err)

	assert.Equal(t, first[FieldCreatedAt], second[FieldCreatedAt], "created_at preserved on merge")
	assert.Equal(t, "2024-05-01", second["date"], "untouched fields survive the merge")
	assert.Equal(t, float64(25), second["passengers"], "new values overwrite old")
	assert.True(t, second.UpdatedAt().After(first.UpdatedAt()), "updated_at is monotonic per record")
}

func TestStore_Put_KeepTimestamps(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	canonical := Record{
		FieldID:        "srv-1",
		"date":         "2024-05-01",
		FieldCreatedAt: "2024-05-01T08:00:00Z",
		FieldUpdatedAt: "2024-05-01T09:30:00Z",
	}
	rec, err := store.Put(ctx, "arrival", canonical, PutOptions{KeepTimestamps: true})
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01T09:30:00Z", rec[FieldUpdatedAt], "authority timestamps kept as-is")
}

func TestStore_Query_BranchScoped(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	_, err := store.Put(ctx, "sale", Record{"total": float64(100)}, PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, "sale", Record{FieldBranchID: "b2", "total": float64(999)}, PutOptions{})
	require.NoError(t, err)

	mine, err := store.Query(ctx, "sale", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, mine, 1, "query never returns records from other branches")
	assert.Equal(t, "b1", mine[0].BranchID())

	all, err := store.Query(ctx, "sale", QueryOptions{AllBranches: true})
	require.NoError(t, err)
	assert.Len(t, all, 2, "explicit cross-branch scope sees everything")
}

func TestStore_Query_MasterSeesAllBranches(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "terminal.db")
	master, err := NewSQLiteStore(dbPath, branch.Identity{UserID: "boss", IsMaster: true}, testCollections)
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })
	ctx := context.Background()

	_, err = master.Put(ctx, "sale", Record{FieldBranchID: "b1", "total": float64(1)}, PutOptions{})
	require.NoError(t, err)
	_, err = master.Put(ctx, "sale", Record{FieldBranchID: "b2", "total": float64(2)}, PutOptions{})
	require.NoError(t, err)

	all, err := master.Query(ctx, "sale", QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_GlobalCollectionVisibleToAll(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	rate, err := store.Put(ctx, "exchange_rate", Record{"currency": "USD", "rate": float64(17.2)}, PutOptions{})
	require.NoError(t, err)
	assert.Empty(t, rate.BranchID(), "global entities carry no branch tag")

	got, err := store.Query(ctx, "exchange_rate", QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_GetByIndex(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	_, err := store.Put(ctx, "arrival", Record{"date": "2024-05-01", "agency_id": "a1"}, PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, "arrival", Record{"date": "2024-05-02", "agency_id": "a1"}, PutOptions{})
	require.NoError(t, err)

	rec, err := store.GetByIndex(ctx, "arrival", "by_date", "2024-05-01")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "2024-05-01", rec["date"])

	none, err := store.GetByIndex(ctx, "arrival", "by_date", "2024-06-01")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_QueryByIndex_UnknownIndex(t *testing.T) {
	store := setupTestStore(t, clerk())

	_, err := store.QueryByIndex(context.Background(), "arrival", "by_bogus", "x", QueryOptions{})
	assert.Error(t, err)
}

func TestStore_IndexUpdatedOnPut(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	rec, err := store.Put(ctx, "arrival", Record{"date": "2024-05-01"}, PutOptions{})
	require.NoError(t, err)

	// Moving the record to a new date must reindex it.
	_, err = store.Put(ctx, "arrival", Record{FieldID: rec.ID(), "date": "2024-05-03"}, PutOptions{})
	require.NoError(t, err)

	old, err := store.QueryByIndex(ctx, "arrival", "by_date", "2024-05-01", QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, old)

	moved, err := store.QueryByIndex(ctx, "arrival", "by_date", "2024-05-03", QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, moved, 1)
}

func TestStore_Delete(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	rec, err := store.Put(ctx, "arrival", Record{"date": "2024-05-01"}, PutOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "arrival", rec.ID()))

	got, err := store.Get(ctx, "arrival", rec.ID())
	require.NoError(t, err)
	assert.Nil(t, got)

	byDate, err := store.QueryByIndex(ctx, "arrival", "by_date", "2024-05-01", QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, byDate, "index entries removed with the record")
}

func TestIndex_Value(t *testing.T) {
	ix := Index{Name: "by_natural_key", Fields: []string{"date", "branch_id", "agency_id", "unit_type"}}

	rec := Record{"date": "2024-05-01", "branch_id": "b1", "agency_id": "a1"}
	assert.Equal(t, IndexValue("2024-05-01", "b1", "a1", ""), ix.Value(rec),
		"missing fields contribute empty components")
}

func TestStore_ConcurrentPuts(t *testing.T) {
	store := setupTestStore(t, clerk())
	ctx := context.Background()

	// A realtime push can land while a drain is writing merged records back;
	// every writer must serialize instead of failing with a busy database.
	const writers = 4
	const putsPerWriter = 50

	var wg sync.WaitGroup
	errs := make(chan error, writers*putsPerWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < putsPerWriter; i++ {
				_, err := store.Put(ctx, "sale", Record{
					"item":   fmt.Sprintf("item-%d-%d", w, i),
					"amount": float64(i),
				}, PutOptions{})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent put failed: %v", err)
	}

	sales, err := store.Query(ctx, "sale", QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, sales, writers*putsPerWriter)
}
