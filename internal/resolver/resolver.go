// ABOUTME: Natural-key find-or-merge policies for entities created concurrently offline
// ABOUTME: Resolves a candidate record to an existing one instead of inserting duplicates

package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/solterra/branchsync/internal/localstore"
)

// KeyField is one component of a natural key. Optional fields participate in
// exact matching but may be treated as wildcards in the relaxed fallback,
// which keeps records created before the field existed mergeable.
type KeyField struct {
	Name     string
	Optional bool
}

// DeriveFunc recomputes derived fields (fees, totals) as a pure function of
// the record's inputs. It runs on every save so rule changes retroactively
// correct records that have not synced yet.
type DeriveFunc func(localstore.Record)

// Policy defines the natural key for one entity type. CoarseIndex names a
// localstore secondary index used to narrow candidates (e.g. same date)
// before the exact tuple filter runs in memory.
type Policy struct {
	EntityType   string
	CoarseIndex  string
	CoarseFields []string
	KeyFields    []KeyField
	Derive       DeriveFunc
}

func (p Policy) coarseValue(rec localstore.Record) string {
	parts := make([]string, len(p.CoarseFields))
	for i, f := range p.CoarseFields {
		parts[i] = rec.Str(f)
	}
	return localstore.IndexValue(parts...)
}

// Resolver holds the per-entity-type policies and answers "does this
// candidate already exist under its natural key".
type Resolver struct {
	store    localstore.Store
	policies map[string]Policy
	logger   *slog.Logger
}

// New creates a resolver over the given store.
func New(store localstore.Store, policies []Policy) *Resolver {
	r := &Resolver{
		store:    store,
		policies: make(map[string]Policy, len(policies)),
		logger:   slog.Default().With("component", "resolver"),
	}
	for _, p := range policies {
		r.policies[p.EntityType] = p
	}
	return r
}

// Policy returns the natural-key policy for an entity type, if one exists.
func (r *Resolver) Policy(entityType string) (Policy, bool) {
	p, ok := r.policies[entityType]
	return p, ok
}

// NaturalKey returns the candidate's natural-key tuple as field → value, or
// false when the entity type has no natural-key policy. Used by the
// reconciliation client to probe the authority for an existing record.
func (r *Resolver) NaturalKey(entityType string, rec localstore.Record) (map[string]string, bool) {
	p, ok := r.policies[entityType]
	if !ok {
		return nil, false
	}
	key := make(map[string]string, len(p.KeyFields))
	for _, f := range p.KeyFields {
		key[f.Name] = rec.Str(f.Name)
	}
	return key, true
}

// Resolve finds the existing record the candidate should merge into, or nil
// when the candidate is genuinely new (or the type has no natural-key
// policy). Exact tuple matches are preferred; when none exists, a relaxed
// match treats empty optional key fields as wildcards. Among multiple
// matches the latest updated_at wins, tie-broken by highest id; losers are
// flagged as stale duplicates but never deleted here, since deletion of
// financial records must stay explicit.
func (r *Resolver) Resolve(ctx context.Context, entityType string, candidate localstore.Record) (localstore.Record, error) {
	p, ok := r.policies[entityType]
	if !ok {
		return nil, nil
	}

	candidates, err := r.store.QueryByIndex(ctx, entityType, p.CoarseIndex, p.coarseValue(candidate), localstore.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("querying natural-key candidates: %w", err)
	}

	var exact, relaxed []localstore.Record
	for _, existing := range candidates {
		if existing.ID() == candidate.ID() && candidate.ID() != "" {
			continue
		}
		switch matchKind(p.KeyFields, candidate, existing) {
		case matchExact:
			exact = append(exact, existing)
		case matchRelaxed:
			relaxed = append(relaxed, existing)
		}
	}

	matches := exact
	if len(matches) == 0 {
		matches = relaxed
		if len(matches) > 0 {
			r.logger.Warn("relaxed natural-key match",
				"entity_type", entityType,
				"matched_id", newestFirst(matches)[0].ID(),
			)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ordered := newestFirst(matches)
	if len(ordered) > 1 {
		stale := make([]string, 0, len(ordered)-1)
		for _, rec := range ordered[1:] {
			stale = append(stale, rec.ID())
		}
		r.logger.Warn("multiple natural-key matches, latest update wins",
			"entity_type", entityType,
			"winner_id", ordered[0].ID(),
			"stale_ids", stale,
		)
	}
	return ordered[0], nil
}

// Merge folds the candidate's fields into the existing record, keeping the
// existing id and creation time, and recomputes derived fields. The previous
// derived values are never reused.
func (r *Resolver) Merge(entityType string, existing, candidate localstore.Record) localstore.Record {
	merged := existing.Clone()
	for k, v := range candidate {
		if k == localstore.FieldID || k == localstore.FieldCreatedAt {
			continue
		}
		merged[k] = v
	}
	r.Derive(entityType, merged)
	return merged
}

// Derive runs the entity type's derivation function on the record, if any.
func (r *Resolver) Derive(entityType string, rec localstore.Record) {
	if p, ok := r.policies[entityType]; ok && p.Derive != nil {
		p.Derive(rec)
	}
}

type match int

const (
	matchNone match = iota
	matchRelaxed
	matchExact
)

// matchKind compares the key tuple of candidate and existing. Exact requires
// every key field equal (empty equals empty). Relaxed allows an optional
// field to differ when one side left it unset.
func matchKind(fields []KeyField, candidate, existing localstore.Record) match {
	kind := matchExact
	for _, f := range fields {
		cv, ev := candidate.Str(f.Name), existing.Str(f.Name)
		if cv == ev {
			continue
		}
		if f.Optional && (cv == "" || ev == "") {
			kind = matchRelaxed
			continue
		}
		return matchNone
	}
	return kind
}

// newestFirst orders records by updated_at descending, tie-broken by id
// descending so the outcome is deterministic across terminals.
func newestFirst(recs []localstore.Record) []localstore.Record {
	out := make([]localstore.Record, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].UpdatedAt(), out[j].UpdatedAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID() > out[j].ID()
	})
	return out
}
