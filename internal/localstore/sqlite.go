// ABOUTME: SQLite implementation of the local collection store using modernc.org/sqlite
// ABOUTME: One records table plus a secondary-index table, schema created at open

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/solterra/branchsync/internal/branch"
)

// SQLiteStore implements the Store interface using SQLite. The pool is
// capped at one connection: SQLite allows one writer at a time, and puts
// arrive concurrently (inbound realtime pushes landing mid-drain, parallel
// HTTP commits on the authority), so writes serialize on the pool instead of
// surfacing SQLITE_BUSY.
type SQLiteStore struct {
	db          *sql.DB
	identity    branch.Identity
	collections map[string]Collection
	logger      *slog.Logger
}

// NewSQLiteStore opens (or creates) the terminal database at the given path
// and registers the collections. Parent directories are created if needed.
func NewSQLiteStore(path string, identity branch.Identity, collections []Collection) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "localstore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:          db,
		identity:    identity,
		collections: make(map[string]Collection, len(collections)),
		logger:      logger,
	}
	for _, c := range collections {
		s.collections[c.Name] = c
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("local store initialized", "path", path, "collections", len(collections), "branch", identity.Primary())
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			entity_type TEXT NOT NULL,
			id          TEXT NOT NULL,
			branch_id   TEXT,
			data        TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (entity_type, id)
		);

		CREATE INDEX IF NOT EXISTS idx_records_branch
			ON records(entity_type, branch_id);

		CREATE INDEX IF NOT EXISTS idx_records_updated
			ON records(entity_type, updated_at);

		CREATE TABLE IF NOT EXISTS record_index (
			entity_type TEXT NOT NULL,
			index_name  TEXT NOT NULL,
			index_value TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			PRIMARY KEY (entity_type, index_name, record_id)
		);

		CREATE INDEX IF NOT EXISTS idx_record_index_lookup
			ON record_index(entity_type, index_name, index_value);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle so sibling components (the mutation
// queue) can share the same database file and transaction domain.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Identity returns the identity this store scopes its reads to.
func (s *SQLiteStore) Identity() branch.Identity {
	return s.identity
}

// Collection returns the registered collection descriptor.
func (s *SQLiteStore) Collection(entityType string) (Collection, bool) {
	c, ok := s.collections[entityType]
	return c, ok
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing local store")
	return s.db.Close()
}

// Get retrieves a record by id. Returns (nil, nil) when no record matches;
// only an unregistered collection is an error.
func (s *SQLiteStore) Get(ctx context.Context, entityType, id string) (Record, error) {
	if _, ok := s.collections[entityType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, entityType)
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE entity_type = ? AND id = ?`,
		entityType, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}

	return decodeRecord(data)
}

// GetByIndex returns the most recently updated record matching the index
// value, branch-scoped for the store's identity. Returns (nil, nil) when
// nothing matches.
func (s *SQLiteStore) GetByIndex(ctx context.Context, entityType, indexName, value string) (Record, error) {
	recs, err := s.QueryByIndex(ctx, entityType, indexName, value, QueryOptions{})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// QueryByIndex returns all records matching the index value, most recently
// updated first.
func (s *SQLiteStore) QueryByIndex(ctx context.Context, entityType, indexName, value string, opts QueryOptions) ([]Record, error) {
	col, ok := s.collections[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, entityType)
	}
	if !s.hasIndex(col, indexName) {
		return nil, fmt.Errorf("collection %s has no index %q", entityType, indexName)
	}

	query := `
		SELECT r.data
		FROM record_index ix
		JOIN records r ON r.entity_type = ix.entity_type AND r.id = ix.record_id
		WHERE ix.entity_type = ? AND ix.index_name = ? AND ix.index_value = ?
	`
	args := []any{entityType, indexName, value}
	query, args = s.appendBranchScope(query, args, col, opts, "r")
	query += ` ORDER BY r.updated_at DESC`

	return s.queryRecords(ctx, query, args, opts.Where)
}

// Query returns all records of a collection, branch-scoped by default.
func (s *SQLiteStore) Query(ctx context.Context, entityType string, opts QueryOptions) ([]Record, error) {
	col, ok := s.collections[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, entityType)
	}

	query := `SELECT data FROM records WHERE entity_type = ?`
	args := []any{entityType}
	query, args = s.appendBranchScope(query, args, col, opts, "records")
	query += ` ORDER BY updated_at DESC`

	return s.queryRecords(ctx, query, args, opts.Where)
}

// appendBranchScope adds the branch partitioning predicate unless the caller
// asked for cross-branch scope, the identity is master, or the collection is
// global. Records with an empty branch tag stay visible to everyone.
func (s *SQLiteStore) appendBranchScope(query string, args []any, col Collection, opts QueryOptions, alias string) (string, []any) {
	if opts.AllBranches || s.identity.IsMaster || col.Global {
		return query, args
	}

	placeholders := make([]string, 0, len(s.identity.BranchIDs))
	for _, id := range s.identity.BranchIDs {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	if len(placeholders) == 0 {
		// Identity with no branches sees only global (untagged) records.
		return query + fmt.Sprintf(" AND (%s.branch_id IS NULL OR %s.branch_id = '')", alias, alias), args
	}
	query += fmt.Sprintf(" AND (%s.branch_id IN (%s) OR %s.branch_id IS NULL OR %s.branch_id = '')",
		alias, strings.Join(placeholders, ","), alias, alias)
	return query, args
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args []any, where func(Record) bool) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		if where != nil && !where(rec) {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record rows: %w", err)
	}
	return out, nil
}

// Put upserts a record. When a record with the same id exists, its fields are
// merged (new values overwrite old), created_at is preserved from the
// original, and updated_at is refreshed monotonically. New records without a
// branch tag are tagged with the identity's primary branch unless the
// collection is global. Secondary index entries are maintained in the same
// transaction. The merged record is returned.
func (s *SQLiteStore) Put(ctx context.Context, entityType string, rec Record, opts PutOptions) (Record, error) {
	col, ok := s.collections[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, entityType)
	}

	merged := rec.Clone()
	if merged.ID() == "" {
		merged[FieldID] = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning put transaction: %w", err)
	}
	defer tx.Rollback()

	var existingData string
	var existing Record
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM records WHERE entity_type = ? AND id = ?`,
		entityType, merged.ID(),
	).Scan(&existingData)
	switch {
	case err == sql.ErrNoRows:
		// fresh insert
	case err != nil:
		return nil, fmt.Errorf("reading existing record: %w", err)
	default:
		existing, err = decodeRecord(existingData)
		if err != nil {
			return nil, err
		}
	}

	if existing != nil {
		base := existing.Clone()
		for k, v := range merged {
			base[k] = v
		}
		base[FieldCreatedAt] = existing[FieldCreatedAt]
		merged = base
	}

	now := time.Now().UTC()
	if merged.str(FieldCreatedAt) == "" {
		merged[FieldCreatedAt] = now.Format(time.RFC3339Nano)
	}
	if !opts.KeepTimestamps || merged.str(FieldUpdatedAt) == "" {
		updated := now
		if existing != nil && !existing.UpdatedAt().Before(updated) {
			// keep updated_at monotonic per record
			updated = existing.UpdatedAt().Add(time.Microsecond)
		}
		merged[FieldUpdatedAt] = updated.Format(time.RFC3339Nano)
	}

	if !col.Global && merged.BranchID() == "" {
		merged[FieldBranchID] = s.identity.Primary()
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, branch_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			branch_id = excluded.branch_id,
			data = excluded.data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, entityType, merged.ID(), merged.BranchID(), string(data),
		merged.str(FieldCreatedAt), merged.str(FieldUpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("upserting record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE entity_type = ? AND record_id = ?`,
		entityType, merged.ID(),
	); err != nil {
		return nil, fmt.Errorf("clearing index entries: %w", err)
	}
	for _, ix := range col.Indexes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record_index (entity_type, index_name, index_value, record_id)
			VALUES (?, ?, ?, ?)
		`, entityType, ix.Name, ix.Value(merged), merged.ID()); err != nil {
			return nil, fmt.Errorf("writing index entry %s: %w", ix.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing put: %w", err)
	}

	s.logger.Debug("put record", "entity_type", entityType, "id", merged.ID(), "branch", merged.BranchID())
	return merged, nil
}

// Delete removes a record and its index entries. Deleting a record that does
// not exist is a no-op; domain deletes are explicit, so callers that care
// check existence first.
func (s *SQLiteStore) Delete(ctx context.Context, entityType, id string) error {
	if _, ok := s.collections[entityType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, entityType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id,
	); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE entity_type = ? AND record_id = ?`, entityType, id,
	); err != nil {
		return fmt.Errorf("deleting index entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted record", "entity_type", entityType, "id", id)
	return nil
}

func (s *SQLiteStore) hasIndex(col Collection, name string) bool {
	for _, ix := range col.Indexes {
		if ix.Name == name {
			return true
		}
	}
	return false
}

func decodeRecord(data string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
