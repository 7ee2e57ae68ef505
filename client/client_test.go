package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parkwatch/core/cache"
	"parkwatch/core/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const incidentJSON = `{"id":5,"title":"Broken swing","description":"Swing chain snapped","category":"damage","severity":"high","status":"pending","parkId":3,"assetId":null,"reporterName":"Ana","reporterEmail":null,"assignedToId":null,"resolutionNotes":null,"resolutionDate":null,"createdAt":"2026-05-01T08:00:00Z","updatedAt":"2026-05-01T08:00:00Z"}`

type fakeServer struct {
	mu    sync.Mutex
	hits  map[string]int
	route func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.Method+" "+r.URL.Path]++
	f.mu.Unlock()
	f.route(w, r)
}

func (f *fakeServer) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func newFakeClient(t *testing.T, route func(w http.ResponseWriter, r *http.Request)) (*Client, *fakeServer, cache.Store) {
	t.Helper()
	fs := &fakeServer{hits: map[string]int{}, route: route}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	store := cache.NewMemory(0)
	c, err := New(srv.URL, WithCache(store), WithToken("token", 42), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c, fs, store
}

func reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New("ftp://example.org")
	require.Error(t, err)
	_, err = New("://bad")
	require.Error(t, err)
}

func TestRequestsCarryAuthHeaders(t *testing.T) {
	c, _, _ := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "42", r.Header.Get("X-User-Id"))
		reply(w, http.StatusOK, incidentJSON)
	})
	inc, err := c.Incident(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPending, inc.Status)
}

func TestCallsWithoutTokenFail(t *testing.T) {
	c, err := New("http://127.0.0.1:1")
	require.NoError(t, err)
	_, err = c.Incident(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestQueriesAreCachedUntilInvalidated(t *testing.T) {
	c, fs, _ := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/incidents/5":
			reply(w, http.StatusOK, incidentJSON)
		case "/api/incidents":
			reply(w, http.StatusOK, "["+incidentJSON+"]")
		case "/api/incidents/5/status":
			reply(w, http.StatusOK, `{"id":5,"title":"Broken swing","description":"x","category":"damage","severity":"high","status":"in_progress","parkId":3,"createdAt":"2026-05-01T08:00:00Z","updatedAt":"2026-05-01T09:00:00Z"}`)
		default:
			reply(w, http.StatusNotFound, `{"error":{"code":"common.not_found","message":"not found"}}`)
		}
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Incident(ctx, 5)
		require.NoError(t, err)
		_, err = c.Incidents(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fs.count("GET /api/incidents/5"))
	assert.Equal(t, 1, fs.count("GET /api/incidents"))

	_, err := c.ChangeStatus(ctx, 5, lifecycle.StatusInProgress)
	require.NoError(t, err)
	_, err = c.Incident(ctx, 5)
	require.NoError(t, err)
	_, err = c.Incidents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.count("GET /api/incidents/5"))
	assert.Equal(t, 2, fs.count("GET /api/incidents"))
}

func TestFailedMutationLeavesCacheUntouched(t *testing.T) {
	c, _, store := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			reply(w, http.StatusOK, incidentJSON)
			return
		}
		reply(w, http.StatusConflict, `{"error":{"code":"incidents.invalid_transition","message":"invalid transition","field":"status","from":"rejected","action":"assign","to":"rejected"}}`)
	})
	ctx := context.Background()
	_, err := c.Incident(ctx, 5)
	require.NoError(t, err)

	_, err = c.Assign(ctx, 5, 7)
	var te *lifecycle.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, lifecycle.StatusRejected, te.From)
	assert.Equal(t, lifecycle.ActionAssign, te.Action)

	_, ok, err := store.Get(ctx, "/api/incidents/5")
	require.NoError(t, err)
	assert.True(t, ok, "cached detail must survive a failed mutation")
}

func TestLocalGuardsSkipTheNetwork(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		reply(w, http.StatusOK, incidentJSON)
	})
	ctx := context.Background()
	cases := []struct {
		name  string
		field string
		call  func() error
	}{
		{"resolve empty notes", "resolutionNotes", func() error { _, err := c.Resolve(ctx, 5, "   "); return err }},
		{"assign without user", "userId", func() error { _, err := c.Assign(ctx, 5, 0); return err }},
		{"empty comment", "content", func() error { _, err := c.AddComment(ctx, 5, ""); return err }},
		{"unknown status", "status", func() error { _, err := c.ChangeStatus(ctx, 5, "closed"); return err }},
		{"resolve through status", "resolutionNotes", func() error { _, err := c.ChangeStatus(ctx, 5, lifecycle.StatusResolved); return err }},
		{"bad id", "id", func() error { _, err := c.Incident(ctx, 0); return err }},
		{"report without title", "title", func() error { _, err := c.ReportIncident(ctx, ReportInput{Description: "d", ParkID: 1}); return err }},
		{"report without park", "parkId", func() error { _, err := c.ReportIncident(ctx, ReportInput{Title: "t", Description: "d"}); return err }},
		{"report bad severity", "severity", func() error {
			_, err := c.ReportIncident(ctx, ReportInput{Title: "t", Description: "d", ParkID: 1, Severity: "urgent"})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			var ve *lifecycle.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestErrorTaxonomy(t *testing.T) {
	ctx := context.Background()
	serve := func(status int, body string) *Client {
		c, _, _ := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
			reply(w, status, body)
		})
		return c
	}

	c := serve(http.StatusBadRequest, `{"error":{"code":"incidents.validation","message":"unknown user","field":"userId"}}`)
	_, err := c.Assign(ctx, 5, 99)
	var ve *lifecycle.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "userId", ve.Field)
	assert.Equal(t, "unknown user", ve.Message)

	c = serve(http.StatusForbidden, `{"error":{"code":"auth.forbidden","message":"forbidden"}}`)
	_, err = c.Assign(ctx, 5, 99)
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusForbidden, re.Status)
	assert.Equal(t, "auth.forbidden", re.Code)
	assert.True(t, IsStatus(err, http.StatusForbidden))

	c = serve(http.StatusConflict, `{"error":{"code":"common.conflict","message":"conflict"}}`)
	_, err = c.Assign(ctx, 5, 99)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusConflict, re.Status)
	assert.False(t, lifecycle.IsInvalidTransition(err))

	c = serve(http.StatusBadGateway, `<html>bad gateway</html>`)
	_, err = c.Incident(ctx, 5)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadGateway, re.Status)
	assert.Equal(t, "Bad Gateway", re.Message)
}

func TestNetworkErrorUnwraps(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := New("http://"+addr, WithToken("token", 1))
	require.NoError(t, err)
	_, err = c.Incident(context.Background(), 1)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "GET /api/incidents/1", ne.Op)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestCanceledContextIsNetworkError(t *testing.T) {
	c, _, _ := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, incidentJSON)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Incident(ctx, 5)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMalformedResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"unknown status", `{"id":5,"title":"x","description":"y","category":"damage","severity":"high","status":"closed","parkId":3,"createdAt":"2026-05-01T08:00:00Z"}`},
		{"unknown severity", `{"id":5,"title":"x","description":"y","category":"damage","severity":"urgent","status":"pending","parkId":3,"createdAt":"2026-05-01T08:00:00Z"}`},
		{"missing park", `{"id":5,"title":"x","description":"y","category":"damage","severity":"high","status":"pending","createdAt":"2026-05-01T08:00:00Z"}`},
		{"resolved without notes", `{"id":5,"title":"x","description":"y","category":"damage","severity":"high","status":"resolved","parkId":3,"createdAt":"2026-05-01T08:00:00Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, store := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
				reply(w, http.StatusOK, tc.body)
			})
			_, err := c.Incident(context.Background(), 5)
			require.ErrorIs(t, err, ErrMalformedResponse)
			_, ok, _ := store.Get(context.Background(), "/api/incidents/5")
			assert.False(t, ok, "malformed bodies are not cached")
		})
	}
}

func TestInFlightMutationIsNotDuplicated(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c, fs, _ := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		reply(w, http.StatusOK, `{"id":5,"title":"Broken swing","description":"x","category":"damage","severity":"high","status":"rejected","parkId":3,"createdAt":"2026-05-01T08:00:00Z","updatedAt":"2026-05-01T09:00:00Z"}`)
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.ChangeStatus(ctx, 5, lifecycle.StatusRejected)
		done <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the server")
	}

	_, err := c.ChangeStatus(ctx, 5, lifecycle.StatusRejected)
	assert.ErrorIs(t, err, ErrMutationPending)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, fs.count("PUT /api/incidents/5/status"))

	// The guard is released once the first call returns.
	_, err = c.ChangeStatus(ctx, 5, lifecycle.StatusRejected)
	assert.NoError(t, err)
}

func TestLoginStoresToken(t *testing.T) {
	fs := &fakeServer{hits: map[string]int{}, route: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			assert.Empty(t, r.Header.Get("Authorization"))
			reply(w, http.StatusOK, `{"token":"abc","userId":3,"username":"wes","roles":["staff"],"expiresAt":"2026-05-01T16:00:00Z"}`)
			return
		}
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.Header.Get("X-User-Id"))
		reply(w, http.StatusOK, incidentJSON)
	}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	res, err := c.Login(context.Background(), "wes", "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.UserID)
	assert.Equal(t, int64(3), c.UserID())
	_, err = c.Incident(context.Background(), 5)
	require.NoError(t, err)
}

type failingDeleteStore struct {
	*cache.Memory
}

func (failingDeleteStore) Delete(context.Context, ...string) error {
	return errors.New("cache unavailable")
}

func TestFailedInvalidationBypassesStaleEntries(t *testing.T) {
	var rejected atomic.Bool
	fs := &fakeServer{hits: map[string]int{}, route: func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut || rejected.Load() {
			rejected.Store(true)
			reply(w, http.StatusOK, `{"id":5,"title":"Broken swing","description":"x","category":"damage","severity":"high","status":"rejected","parkId":3,"createdAt":"2026-05-01T08:00:00Z","updatedAt":"2026-05-01T09:00:00Z"}`)
			return
		}
		reply(w, http.StatusOK, incidentJSON)
	}}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithCache(failingDeleteStore{cache.NewMemory(0)}), WithToken("token", 42), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	ctx := context.Background()

	inc, err := c.Incident(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusPending, inc.Status)

	changed, err := c.ChangeStatus(ctx, 5, lifecycle.StatusRejected)
	require.ErrorIs(t, err, ErrCacheInvalidation)
	var ce *CacheError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Keys, "/api/incidents/5")
	require.NotNil(t, changed, "the applied mutation is still returned")
	assert.Equal(t, lifecycle.StatusRejected, changed.Status)

	inc, err = c.Incident(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRejected, inc.Status)
	assert.Equal(t, 2, fs.count("GET /api/incidents/5"))

	// The fresh value replaced the stale entry, so the cache serves again.
	_, err = c.Incident(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.count("GET /api/incidents/5"))
}

func TestIncidentsFollowsTotalCount(t *testing.T) {
	const total = 5
	c, fs, _ := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		items := make([]string, 0, 2)
		// Newest first, two per page regardless of the requested limit.
		for id := total - offset; id > 0 && len(items) < 2; id-- {
			items = append(items, fmt.Sprintf(`{"id":%d,"title":"t%d","description":"d","category":"other","severity":"low","status":"pending","parkId":3,"createdAt":"2026-05-01T08:00:00Z"}`, id, id))
		}
		w.Header().Set("X-Total-Count", strconv.Itoa(total))
		reply(w, http.StatusOK, "["+strings.Join(items, ",")+"]")
	})
	ctx := context.Background()
	items, err := c.Incidents(ctx)
	require.NoError(t, err)
	require.Len(t, items, total)
	assert.Equal(t, int64(5), items[0].ID)
	assert.Equal(t, int64(1), items[total-1].ID)
	assert.Equal(t, 3, fs.count("GET /api/incidents"))

	_, n, err := c.List(ctx, ListQuery{Search: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, fs.count("GET /api/incidents"))
}

func TestConcurrentReportsShareOneGuard(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c, fs, _ := newFakeClient(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		reply(w, http.StatusCreated, incidentJSON)
	})
	ctx := context.Background()
	in := ReportInput{Title: "Broken swing", Description: "Swing chain snapped", ParkID: 3}

	done := make(chan error, 1)
	go func() {
		_, err := c.ReportIncident(ctx, in)
		done <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first report never reached the server")
	}

	other := in
	other.Title = "Litter by the pond"
	_, err := c.ReportIncident(ctx, other)
	assert.ErrorIs(t, err, ErrMutationPending)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, fs.count("POST /api/incidents"))
}
