// ABOUTME: Authority REST API: canonical entity storage behind branch-scoped auth
// ABOUTME: Commits fan out to the realtime hub so terminals converge without polling

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/solterra/branchsync/internal/auth"
	"github.com/solterra/branchsync/internal/branch"
	"github.com/solterra/branchsync/internal/localstore"
	"github.com/solterra/branchsync/internal/metrics"
	"github.com/solterra/branchsync/internal/realtime"
	"github.com/solterra/branchsync/internal/resolver"
)

// Server is the central authority: it owns canonical entity state, applies
// the same natural-key resolution the terminals use, and pushes every commit
// to the realtime hub.
type Server struct {
	store    localstore.Store
	resolver *resolver.Resolver
	hub      *realtime.Hub
	verifier auth.TokenVerifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a server. The store must be opened with a master identity so
// every branch's records are reachable.
func New(store localstore.Store, res *resolver.Resolver, hub *realtime.Hub, verifier auth.TokenVerifier, m *metrics.Metrics) *Server {
	return &Server{
		store:    store,
		resolver: res,
		hub:      hub,
		verifier: verifier,
		metrics:  m,
		logger:   slog.Default().With("component", "server"),
	}
}

// Handler returns the full HTTP surface: entity API, websocket endpoint,
// health check, and metrics.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/entities/{type}/lookup", s.handleLookup)
	api.HandleFunc("GET /api/entities/{type}/{id}", s.handleGet)
	api.HandleFunc("GET /api/entities/{type}", s.handleList)
	api.HandleFunc("POST /api/entities/{type}", s.handleCreate)
	api.HandleFunc("PUT /api/entities/{type}/{id}", s.handleUpdate)
	api.HandleFunc("DELETE /api/entities/{type}/{id}", s.handleDelete)

	authed := auth.HTTPAuthMiddleware(s.verifier)(api)

	mux := http.NewServeMux()
	mux.Handle("/api/", authed)
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	entityType := r.PathValue("type")

	rec, err := s.store.Get(r.Context(), entityType, r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rec == nil || !branch.Visible(identity, rec.BranchID()) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleLookup probes for a record by its natural-key tuple, passed as query
// parameters. Terminals call this before retrying a create.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	entityType := r.PathValue("type")

	probe := recordFromQuery(r.URL.Query())
	match, err := s.findByNaturalKey(r, entityType, probe)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if match == nil || !branch.Visible(identity, match.BranchID()) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// handleList returns every record of the type visible to the caller. Master
// identities see all branches; everyone else only their own.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	entityType := r.PathValue("type")

	recs, err := s.store.Query(r.Context(), entityType, localstore.QueryOptions{
		AllBranches: true,
		Where: func(rec localstore.Record) bool {
			return branch.Visible(identity, rec.BranchID())
		},
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []localstore.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleCreate commits a new record. The same natural-key resolution the
// terminals run locally runs here too, so duplicate creates from terminals
// that never saw each other's records collapse into one.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	entityType := r.PathValue("type")

	rec, ok := s.decodeRecord(w, r, identity)
	if !ok {
		return
	}

	existing, err := s.resolver.Resolve(r.Context(), entityType, rec)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	action := realtime.ActionCreated
	if existing != nil {
		rec = s.resolver.Merge(entityType, existing, rec)
		action = realtime.ActionUpdated
	} else {
		if rec.ID() == "" {
			rec[localstore.FieldID] = uuid.New().String()
		}
		s.resolver.Derive(entityType, rec)
	}

	s.commit(w, r, entityType, rec, action)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	entityType := r.PathValue("type")
	id := r.PathValue("id")

	rec, ok := s.decodeRecord(w, r, identity)
	if !ok {
		return
	}
	rec[localstore.FieldID] = id

	existing, err := s.store.Get(r.Context(), entityType, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if existing != nil {
		if !branch.Visible(identity, existing.BranchID()) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		// Last write wins: a stale update never rolls a record back
		if in, cur := rec.UpdatedAt(), existing.UpdatedAt(); !in.IsZero() && in.Before(cur) {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		rec = s.resolver.Merge(entityType, existing, rec)
	} else {
		s.resolver.Derive(entityType, rec)
	}

	s.commit(w, r, entityType, rec, realtime.ActionUpdated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	entityType := r.PathValue("type")
	id := r.PathValue("id")

	rec, err := s.store.Get(r.Context(), entityType, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rec == nil || !branch.Visible(identity, rec.BranchID()) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := s.store.Delete(r.Context(), entityType, id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.emit(&realtime.EntityChange{
		EntityType: entityType,
		Action:     realtime.ActionDeleted,
		EntityID:   id,
		BranchID:   rec.BranchID(),
		Timestamp:  time.Now().UTC(),
	})
	w.WriteHeader(http.StatusNoContent)
}

// commit writes the record, answers with the canonical copy, and pushes the
// change to the record's rooms.
func (s *Server) commit(w http.ResponseWriter, r *http.Request, entityType string, rec localstore.Record, action string) {
	canonical, err := s.store.Put(r.Context(), entityType, rec, localstore.PutOptions{})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	payload, err := json.Marshal(canonical)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding record")
		return
	}
	s.emit(&realtime.EntityChange{
		EntityType: entityType,
		Action:     action,
		EntityID:   canonical.ID(),
		BranchID:   canonical.BranchID(),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})

	status := http.StatusOK
	if action == realtime.ActionCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, canonical)
}

func (s *Server) emit(change *realtime.EntityChange) {
	if s.hub != nil {
		s.hub.EmitEntityChange(change)
	}
	s.logger.Debug("committed change",
		"entity_type", change.EntityType,
		"entity_id", change.EntityID,
		"action", change.Action,
		"branch_id", change.BranchID)
}

// findByNaturalKey reuses the resolver's matching over a probe record built
// from the lookup's query parameters.
func (s *Server) findByNaturalKey(r *http.Request, entityType string, probe localstore.Record) (localstore.Record, error) {
	if _, ok := s.resolver.Policy(entityType); !ok {
		return nil, nil
	}
	return s.resolver.Resolve(r.Context(), entityType, probe)
}

// decodeRecord parses the request body and enforces branch scoping: a
// terminal may only write records tagged with a branch it belongs to.
func (s *Server) decodeRecord(w http.ResponseWriter, r *http.Request, identity branch.Identity) (localstore.Record, bool) {
	var rec localstore.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding record: %v", err))
		return nil, false
	}

	if branchID := rec.BranchID(); branchID != "" && !branch.Visible(identity, branchID) {
		writeError(w, http.StatusForbidden, "record belongs to another branch")
		return nil, false
	}
	// Untagged records from a single-branch terminal get its branch
	if rec.BranchID() == "" && !identity.IsMaster {
		if primary := identity.Primary(); primary != "" {
			rec[localstore.FieldBranchID] = primary
		}
	}
	return rec, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, localstore.ErrUnknownCollection) {
		writeError(w, http.StatusNotFound, "unknown entity type")
		return
	}
	s.logger.Error("store operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func recordFromQuery(q url.Values) localstore.Record {
	rec := localstore.Record{}
	for field := range q {
		rec[field] = q.Get(field)
	}
	return rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
