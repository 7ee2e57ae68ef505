// Package client is the Go client of the parkwatch incident API. Reads go
// through a keyed query cache; every successful mutation drops the keys it
// makes stale so the next read refetches them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"parkwatch/core/cache"
	"parkwatch/core/lifecycle"
)

const (
	maxResponseBytes = 4 << 20
	listPageSize     = 200
	totalCountHeader = "X-Total-Count"
)

type Client struct {
	baseURL string
	http    *http.Client
	cache   cache.Store

	mu     sync.RWMutex
	token  string
	userID int64

	pendingMu sync.Mutex
	pending   map[pendingKey]struct{}

	// stale holds keys a failed invalidation left in the cache; reads skip
	// them until a fresh value is stored.
	staleMu sync.Mutex
	stale   map[string]struct{}
}

type pendingKey struct {
	id       int64
	mutation mutation
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCache shares a query cache, for example a Redis-backed one, between clients.
func WithCache(store cache.Store) Option {
	return func(c *Client) {
		if store != nil {
			c.cache = store
		}
	}
}

func WithToken(token string, userID int64) Option {
	return func(c *Client) {
		c.token = token
		c.userID = userID
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("client: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		cache:   cache.NewMemory(0),
		pending: map[pendingKey]struct{}{},
		stale:   map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Login exchanges credentials for a bearer token used by every later call.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if err := lifecycle.Required("username", username); err != nil {
		return nil, err
	}
	if err := lifecycle.Required("password", password); err != nil {
		return nil, err
	}
	raw, err := c.send(ctx, http.MethodPost, "/api/auth/login", map[string]string{"username": username, "password": password}, false)
	if err != nil {
		return nil, err
	}
	res, err := decode(raw, (*LoginResult).check)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = res.Token
	c.userID = res.UserID
	c.mu.Unlock()
	return res, nil
}

func (c *Client) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Incidents returns the full incident list, from cache when present. The
// server pages its list, so a miss walks every page before caching.
func (c *Client) Incidents(ctx context.Context) ([]Incident, error) {
	items, err := cachedQuery(ctx, c, listKey, func(v *[]Incident) error { return checkIncidents(*v) }, c.fetchAllIncidents)
	if err != nil {
		return nil, err
	}
	return *items, nil
}

func (c *Client) fetchAllIncidents(ctx context.Context) ([]byte, error) {
	all := []Incident{}
	seen := map[int64]struct{}{}
	offset := 0
	for {
		path := fmt.Sprintf("%s?limit=%d&offset=%d", listKey, listPageSize, offset)
		raw, header, err := c.exchange(ctx, http.MethodGet, path, nil, true)
		if err != nil {
			return nil, err
		}
		page, err := decode(raw, func(v *[]Incident) error { return checkIncidents(*v) })
		if err != nil {
			return nil, err
		}
		added := 0
		for _, inc := range *page {
			if _, dup := seen[inc.ID]; dup {
				continue
			}
			seen[inc.ID] = struct{}{}
			all = append(all, inc)
			added++
		}
		total, hasTotal := parseTotal(header)
		if len(*page) == 0 || added == 0 {
			break
		}
		if hasTotal && len(all) >= total {
			break
		}
		if !hasTotal && len(*page) < listPageSize {
			break
		}
		offset += len(*page)
	}
	return json.Marshal(all)
}

func parseTotal(header http.Header) (int, bool) {
	raw := strings.TrimSpace(header.Get(totalCountHeader))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// List applies q to the cached incident list and returns one page plus the
// number of matching incidents.
func (c *Client) List(ctx context.Context, q ListQuery) ([]Incident, int, error) {
	items, err := c.Incidents(ctx)
	if err != nil {
		return nil, 0, err
	}
	page, total := q.Apply(items)
	return page, total, nil
}

func (c *Client) Incident(ctx context.Context, id int64) (*Incident, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	return query(ctx, c, incidentKey(id), (*Incident).check)
}

func (c *Client) Comments(ctx context.Context, id int64) ([]Comment, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	items, err := query(ctx, c, commentsKey(id), func(v *[]Comment) error { return checkComments(*v) })
	if err != nil {
		return nil, err
	}
	return *items, nil
}

func (c *Client) History(ctx context.Context, id int64) ([]HistoryEntry, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	items, err := query(ctx, c, historyKey(id), func(v *[]HistoryEntry) error { return checkHistory(*v) })
	if err != nil {
		return nil, err
	}
	return *items, nil
}

// AvailableActions asks the server which actions the incident currently offers.
// It is never cached.
func (c *Client) AvailableActions(ctx context.Context, id int64) (lifecycle.Status, []lifecycle.Action, error) {
	if err := requireID(id); err != nil {
		return "", nil, err
	}
	raw, err := c.send(ctx, http.MethodGet, incidentKey(id)+"/actions", nil, true)
	if err != nil {
		return "", nil, err
	}
	res, err := decode(raw, (*actionsResponse).check)
	if err != nil {
		return "", nil, err
	}
	return res.Status, res.Actions, nil
}

func (c *Client) ReportIncident(ctx context.Context, in ReportInput) (*Incident, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if err := lifecycle.Required("title", in.Title); err != nil {
		return nil, err
	}
	if err := lifecycle.Required("description", in.Description); err != nil {
		return nil, err
	}
	if in.ParkID <= 0 {
		return nil, &lifecycle.ValidationError{Field: "parkId", Message: "required"}
	}
	if in.Severity != "" && !in.Severity.Valid() {
		return nil, &lifecycle.ValidationError{Field: "severity", Message: "unknown severity " + string(in.Severity)}
	}
	if in.Category != "" && !in.Category.Valid() {
		return nil, &lifecycle.ValidationError{Field: "category", Message: "unknown category " + string(in.Category)}
	}
	return mutate(ctx, c, 0, mutationReport, http.MethodPost, listKey, in, (*Incident).check)
}

// ChangeStatus moves an incident to in_progress or rejected. Resolving needs
// notes and goes through Resolve.
func (c *Client) ChangeStatus(ctx context.Context, id int64, status lifecycle.Status) (*Incident, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	next, ok := lifecycle.ParseStatus(string(status))
	if !ok {
		return nil, &lifecycle.ValidationError{Field: "status", Message: "unknown status " + string(status)}
	}
	if next == lifecycle.StatusResolved {
		return nil, &lifecycle.ValidationError{Field: "resolutionNotes", Message: "resolution notes are required to resolve an incident"}
	}
	return mutate(ctx, c, id, mutationStatus, http.MethodPut, incidentKey(id)+"/status", map[string]string{"status": string(next)}, (*Incident).check)
}

func (c *Client) Assign(ctx context.Context, id, userID int64) (*Incident, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	if userID <= 0 {
		return nil, &lifecycle.ValidationError{Field: "userId", Message: "select a user to assign"}
	}
	return mutate(ctx, c, id, mutationAssign, http.MethodPost, incidentKey(id)+"/assign", map[string]int64{"userId": userID}, (*Incident).check)
}

func (c *Client) Resolve(ctx context.Context, id int64, notes string) (*Incident, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	notes = strings.TrimSpace(notes)
	if err := lifecycle.Required("resolutionNotes", notes); err != nil {
		return nil, err
	}
	return mutate(ctx, c, id, mutationResolve, http.MethodPost, incidentKey(id)+"/resolve", map[string]string{"resolutionNotes": notes}, (*Incident).check)
}

func (c *Client) AddComment(ctx context.Context, id int64, content string) (*Comment, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if err := lifecycle.Required("content", content); err != nil {
		return nil, err
	}
	body := map[string]any{"content": content, "userId": c.UserID()}
	return mutate(ctx, c, id, mutationComment, http.MethodPost, commentsKey(id), body, (*Comment).check)
}

func requireID(id int64) error {
	if id <= 0 {
		return &lifecycle.ValidationError{Field: "id", Message: "invalid incident id"}
	}
	return nil
}

func query[T any](ctx context.Context, c *Client, key string, check func(*T) error) (*T, error) {
	return cachedQuery(ctx, c, key, check, func(ctx context.Context) ([]byte, error) {
		return c.send(ctx, http.MethodGet, key, nil, true)
	})
}

func cachedQuery[T any](ctx context.Context, c *Client, key string, check func(*T) error, fetch func(context.Context) ([]byte, error)) (*T, error) {
	if !c.isStale(key) {
		if raw, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			if out, err := decode(raw, check); err == nil {
				return out, nil
			}
			if err := c.cache.Delete(ctx, key); err != nil {
				c.markStale([]string{key})
			}
		}
	}
	raw, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	out, err := decode(raw, check)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, raw); err == nil {
		c.clearStale(key)
	}
	return out, nil
}

func mutate[T any](ctx context.Context, c *Client, id int64, m mutation, method, path string, body any, check func(*T) error) (*T, error) {
	release, err := c.begin(id, m)
	if err != nil {
		return nil, err
	}
	defer release()
	raw, err := c.send(ctx, method, path, body, true)
	if err != nil {
		return nil, err
	}
	invalidateErr := c.invalidate(ctx, m, id)
	out, err := decode(raw, check)
	if err != nil {
		return nil, err
	}
	if invalidateErr != nil {
		return out, invalidateErr
	}
	return out, nil
}

func (c *Client) begin(id int64, m mutation) (func(), error) {
	key := pendingKey{id: id, mutation: m}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, busy := c.pending[key]; busy {
		return nil, ErrMutationPending
	}
	c.pending[key] = struct{}{}
	return func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}, nil
}

func (c *Client) invalidate(ctx context.Context, m mutation, id int64) error {
	keys := invalidationKeys(m, id)
	if len(keys) == 0 {
		return nil
	}
	if err := c.cache.Delete(ctx, keys...); err != nil {
		c.markStale(keys)
		return &CacheError{Keys: keys, Err: err}
	}
	return nil
}

func (c *Client) markStale(keys []string) {
	c.staleMu.Lock()
	for _, k := range keys {
		c.stale[k] = struct{}{}
	}
	c.staleMu.Unlock()
}

func (c *Client) clearStale(key string) {
	c.staleMu.Lock()
	delete(c.stale, key)
	c.staleMu.Unlock()
}

func (c *Client) isStale(key string) bool {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	_, ok := c.stale[key]
	return ok
}

func decode[T any](raw []byte, check func(*T) error) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, malformed("%v", err)
	}
	if check != nil {
		if err := check(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, method, path string, body any, authed bool) ([]byte, error) {
	raw, _, err := c.exchange(ctx, method, path, body, authed)
	return raw, err
}

func (c *Client) exchange(ctx context.Context, method, path string, body any, authed bool) ([]byte, http.Header, error) {
	op := method + " " + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		c.mu.RLock()
		token, userID := c.token, c.userID
		c.mu.RUnlock()
		if token == "" {
			return nil, nil, ErrNotAuthenticated
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-User-Id", strconv.FormatInt(userID, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, responseError(resp.StatusCode, raw)
	}
	return raw, resp.Header, nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
		From    string `json:"from"`
		Action  string `json:"action"`
		To      string `json:"to"`
	} `json:"error"`
}

// responseError maps the server error body back onto the domain error types.
func responseError(status int, raw []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Message == "" {
		env.Error.Message = http.StatusText(status)
	}
	e := env.Error
	switch {
	case status == http.StatusBadRequest:
		return &lifecycle.ValidationError{Field: e.Field, Message: e.Message}
	case status == http.StatusConflict && e.Code == lifecycle.CodeInvalidTransition:
		return &lifecycle.InvalidTransitionError{
			From:   lifecycle.Status(e.From),
			Action: lifecycle.Action(e.Action),
			To:     lifecycle.Status(e.To),
		}
	default:
		return &RequestError{Status: status, Code: e.Code, Message: e.Message}
	}
}

// IsStatus reports whether err is a RequestError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Status == status
}
