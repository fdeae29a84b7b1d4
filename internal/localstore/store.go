// ABOUTME: Store contract and record types for the terminal's durable local state
// ABOUTME: Defines Record, Collection/Index registration, and the Store interface

package localstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/solterra/branchsync/internal/branch"
)

// ErrUnknownCollection is returned when an operation names a collection that
// was never registered. Lookups that simply find no matching record return
// nil instead of an error.
var ErrUnknownCollection = errors.New("unknown collection")

// Well-known record fields. Every record carries these four; entity-specific
// natural-key fields come on top.
const (
	FieldID        = "id"
	FieldBranchID  = "branch_id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Record is a single entity instance: a mapping from field names to values,
// JSON-serializable. Timestamps are RFC3339 strings.
type Record map[string]any

// ID returns the record's id field, empty if unset.
func (r Record) ID() string { return r.str(FieldID) }

// BranchID returns the record's branch tag, empty for global entities.
func (r Record) BranchID() string { return r.str(FieldBranchID) }

// CreatedAt returns the parsed created_at timestamp, zero if absent or invalid.
func (r Record) CreatedAt() time.Time { return r.ts(FieldCreatedAt) }

// UpdatedAt returns the parsed updated_at timestamp, zero if absent or invalid.
func (r Record) UpdatedAt() time.Time { return r.ts(FieldUpdatedAt) }

// Str returns a field as a string; non-string and absent fields yield "".
func (r Record) Str(field string) string {
	v, _ := r[field].(string)
	return v
}

func (r Record) str(field string) string { return r.Str(field) }

func (r Record) ts(field string) time.Time {
	s := r.str(field)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Index declares a secondary index over one or more record fields. Composite
// values are the field values joined in declaration order.
type Index struct {
	Name   string
	Fields []string
}

// Value computes the index value for a record. Missing fields contribute an
// empty component so partially-keyed records still index deterministically.
func (ix Index) Value(r Record) string {
	parts := make([]string, len(ix.Fields))
	for i, f := range ix.Fields {
		parts[i] = r.str(f)
	}
	return strings.Join(parts, "\x1f")
}

// IndexValue joins raw component values the same way Index.Value does, for
// callers that look up by literal components.
func IndexValue(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// Collection registers a named entity type with its secondary indexes.
// Global collections hold master-scope entities whose records carry no
// branch tag and are visible to every identity.
type Collection struct {
	Name    string
	Indexes []Index
	Global  bool
}

// QueryOptions controls read scoping. The zero value applies branch
// partitioning for the store's identity; AllBranches disables it for
// administrative cross-branch aggregation paths.
type QueryOptions struct {
	AllBranches bool
	Where       func(Record) bool
}

// PutOptions controls upsert behavior. KeepTimestamps preserves the
// timestamps already present on the incoming record instead of refreshing
// updated_at; it is used when writing back authority-canonical state.
type PutOptions struct {
	KeepTimestamps bool
}

// Store is the durable, per-terminal collection store. Every read applies
// branch partitioning for the store's identity unless explicitly disabled.
type Store interface {
	Identity() branch.Identity
	Get(ctx context.Context, entityType, id string) (Record, error)
	GetByIndex(ctx context.Context, entityType, indexName, value string) (Record, error)
	QueryByIndex(ctx context.Context, entityType, indexName, value string, opts QueryOptions) ([]Record, error)
	Query(ctx context.Context, entityType string, opts QueryOptions) ([]Record, error)
	Put(ctx context.Context, entityType string, rec Record, opts PutOptions) (Record, error)
	Delete(ctx context.Context, entityType, id string) error
	Close() error
}
