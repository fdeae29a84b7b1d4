// ABOUTME: HTTP client that replays queued mutations against the central authority
// ABOUTME: Probes for existing records before create so retried syncs stay idempotent

package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solterra/branchsync/internal/localstore"
	"github.com/solterra/branchsync/internal/metrics"
	"github.com/solterra/branchsync/internal/queue"
	"github.com/solterra/branchsync/internal/resolver"
)

// ErrAuthExpired is returned when the authority rejects our credential. The
// sync pass stops; queued mutations stay put until the session is renewed.
var ErrAuthExpired = errors.New("authority session expired")

// Options configures a Client.
type Options struct {
	// BaseURL is the authority's API root, e.g. "https://authority.example.com".
	BaseURL string
	// Token is the bearer credential presented on every request.
	Token string
	// Timeout bounds each HTTP request. Defaults to 30 seconds.
	Timeout time.Duration
	// OnAuthExpired is invoked once per sync pass when the authority returns
	// 401. Used to tear down the session and surface a login prompt.
	OnAuthExpired func()
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Client replays the mutation queue against the authority's REST API and
// writes canonical state back into the local store.
type Client struct {
	baseURL       string
	token         string
	httpClient    *http.Client
	store         localstore.Store
	queue         *queue.Queue
	resolver      *resolver.Resolver
	metrics       *metrics.Metrics
	onAuthExpired func()
	logger        *slog.Logger
}

// New creates a reconciliation client.
func New(store localstore.Store, q *queue.Queue, res *resolver.Resolver, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		httpClient:    &http.Client{Timeout: timeout},
		store:         store,
		queue:         q,
		resolver:      res,
		metrics:       opts.Metrics,
		onAuthExpired: opts.OnAuthExpired,
		logger:        slog.Default().With("component", "reconcile"),
	}
}

// SetToken replaces the bearer credential, e.g. after a re-login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SyncPending drains the mutation queue against the authority. Safe to call
// from multiple triggers (timer, reconnect, local save); overlapping calls
// collapse into one pass. Returns ErrAuthExpired when the credential was
// rejected.
func (c *Client) SyncPending(ctx context.Context) (queue.DrainResult, error) {
	res, err := c.queue.Drain(ctx, c.applyMutation)

	c.metrics.DrainOutcome("succeeded", res.Succeeded)
	c.metrics.DrainOutcome("failed", res.Failed)
	c.metrics.DrainOutcome("evicted", res.Evicted)
	if size, sizeErr := c.queue.Size(ctx); sizeErr == nil {
		c.metrics.SetQueueDepth(size)
	}

	if err != nil && errors.Is(err, queue.ErrAbort) {
		return res, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	if res.Succeeded > 0 || res.Failed > 0 || res.Evicted > 0 {
		c.logger.Info("sync pass finished",
			"succeeded", res.Succeeded, "failed", res.Failed, "evicted", res.Evicted)
	}
	return res, err
}

// applyMutation sends one queued mutation to the authority. The payload sent
// is the record's current local state, not the state at enqueue time, so a
// burst of offline edits collapses into the final value.
func (c *Client) applyMutation(ctx context.Context, m *queue.Mutation) error {
	if m.Op == queue.OpDelete {
		return c.remoteDelete(ctx, m.EntityType, m.EntityID)
	}

	current, err := c.store.Get(ctx, m.EntityType, m.EntityID)
	if err != nil {
		return fmt.Errorf("%w: reading local record: %v", queue.ErrPermanent, err)
	}
	if current == nil {
		// The record was deleted locally after this mutation was queued; a
		// later delete mutation carries the intent.
		c.logger.Debug("skipping mutation for locally deleted record",
			"entity_type", m.EntityType, "entity_id", m.EntityID)
		return nil
	}

	op := m.Op
	targetID := m.EntityID

	if op == queue.OpCreate {
		remote, err := c.probeExisting(ctx, m.EntityType, current)
		if err != nil {
			return err
		}
		if remote != nil {
			// Already created by an earlier attempt or a sibling terminal:
			// retry as an update against the authority's copy.
			op = queue.OpUpdate
			targetID = remote.ID()
			c.logger.Info("create converted to update",
				"entity_type", m.EntityType, "local_id", m.EntityID, "remote_id", targetID)
		}
	}

	var canonical localstore.Record
	switch op {
	case queue.OpCreate:
		canonical, err = c.send(ctx, http.MethodPost, c.entityURL(m.EntityType, ""), current)
	case queue.OpUpdate:
		canonical, err = c.send(ctx, http.MethodPut, c.entityURL(m.EntityType, targetID), current)
	default:
		return fmt.Errorf("%w: unknown op %q", queue.ErrPermanent, op)
	}
	if err != nil {
		return err
	}

	return c.mergeCanonical(ctx, m.EntityType, m.EntityID, canonical)
}

// probeExisting asks the authority whether the record already exists, first
// by id, then by natural key. Returns nil when it is genuinely new.
func (c *Client) probeExisting(ctx context.Context, entityType string, rec localstore.Record) (localstore.Record, error) {
	if id := rec.ID(); id != "" {
		remote, err := c.fetch(ctx, c.entityURL(entityType, id))
		if err != nil {
			return nil, err
		}
		if remote != nil {
			return remote, nil
		}
	}

	key, ok := c.resolver.NaturalKey(entityType, rec)
	if !ok {
		return nil, nil
	}
	q := url.Values{}
	for field, value := range key {
		q.Set(field, value)
	}
	return c.fetch(ctx, c.entityURL(entityType, "lookup")+"?"+q.Encode())
}

// mergeCanonical writes the authority's response back into the local store,
// preserving the authority's timestamps. When the authority assigned a
// different id (natural-key collision resolved remotely), the provisional
// local record is replaced.
func (c *Client) mergeCanonical(ctx context.Context, entityType, localID string, canonical localstore.Record) error {
	if canonical == nil {
		return nil
	}
	// Local write failures stay retryable: the remote apply already
	// succeeded, and a retried create converts to an update, so evicting
	// here would lose the canonical merge for no reason. The canonical
	// record lands before the provisional one is removed so a failure
	// between the two never leaves the terminal without the record.
	if _, err := c.store.Put(ctx, entityType, canonical, localstore.PutOptions{KeepTimestamps: true}); err != nil {
		return fmt.Errorf("writing canonical record: %w", err)
	}
	if canonical.ID() != "" && localID != "" && canonical.ID() != localID {
		if err := c.store.Delete(ctx, entityType, localID); err != nil {
			return fmt.Errorf("replacing provisional record: %w", err)
		}
	}
	return nil
}

func (c *Client) remoteDelete(ctx context.Context, entityType, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.entityURL(entityType, id), nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", queue.ErrPermanent, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Already gone counts as done
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.classify(resp)
}

// fetch GETs a record, returning nil (not an error) on 404.
func (c *Client) fetch(ctx context.Context, u string) (localstore.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", queue.ErrPermanent, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := c.classify(resp); err != nil {
		return nil, err
	}
	return decodeRecord(resp.Body)
}

// send POSTs or PUTs a record and decodes the canonical copy in the response.
func (c *Client) send(ctx context.Context, method, u string, rec localstore.Record) (localstore.Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding record: %v", queue.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", queue.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.classify(resp); err != nil {
		return nil, err
	}
	return decodeRecord(resp.Body)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and timeouts are transient: the mutation stays
		// queued for the next pass.
		return nil, fmt.Errorf("authority unreachable: %w", err)
	}
	return resp, nil
}

// classify maps an authority response to the queue's error taxonomy:
// 2xx nil, 401 abort, other 4xx permanent, 5xx transient.
func (c *Client) classify(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusUnauthorized:
		if c.onAuthExpired != nil {
			c.onAuthExpired()
		}
		return fmt.Errorf("%w: authority returned 401", queue.ErrAbort)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail := readErrorDetail(resp.Body)
		return fmt.Errorf("%w: authority rejected request (%d): %s",
			queue.ErrPermanent, resp.StatusCode, detail)

	default:
		return fmt.Errorf("authority error (%d)", resp.StatusCode)
	}
}

func (c *Client) entityURL(entityType, suffix string) string {
	u := c.baseURL + "/api/entities/" + url.PathEscape(entityType)
	if suffix != "" {
		u += "/" + url.PathEscape(suffix)
	}
	return u
}

func decodeRecord(r io.Reader) (localstore.Record, error) {
	var rec localstore.Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding authority response: %w", err)
	}
	return rec, nil
}

func readErrorDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "no detail"
	}
	return strings.TrimSpace(string(data))
}
