package client_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"parkwatch/client"
	"parkwatch/config"
	"parkwatch/core/appbootstrap"
	"parkwatch/core/auth"
	"parkwatch/core/lifecycle"
	"parkwatch/core/store"
	"parkwatch/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct-horse-1"

type countingTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(r)
}

type liveEnv struct {
	url      string
	parkIDs  []int64
	users    map[string]*store.User
	incStore store.IncidentsStore
}

func startLiveServer(t *testing.T, tweaks ...func(*config.AppConfig)) *liveEnv {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: store.DriverSQLite,
		DBURL:    "file:" + filepath.Join(t.TempDir(), "e2e.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		AppEnv:   "test",
	}
	cfg.Auth.JWTSecret = "e2e-secret"
	cfg.Auth.JWTIssuer = "parkwatch"
	cfg.Auth.BcryptCost = 4
	cfg.Auth.AdminUsername = "admin"
	cfg.Auth.AdminPassword = testPassword
	cfg.Security.LoginAttemptsPerMinute = 1000
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	ctx := context.Background()
	app, err := appbootstrap.Build(ctx, cfg, utils.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	srv := httptest.NewServer(app.Server.Handler())
	t.Cleanup(srv.Close)

	env := &liveEnv{url: srv.URL, users: map[string]*store.User{}, incStore: store.NewIncidentsStore(app.DB)}
	parks := store.NewParksStore(app.DB)
	for _, name := range []string{"Riverside", "Oak Hill", "Central"} {
		p := &store.Park{Name: name, District: "North"}
		_, err := parks.CreatePark(ctx, p)
		require.NoError(t, err)
		env.parkIDs = append(env.parkIDs, p.ID)
	}

	hash, err := auth.HashPassword(testPassword, cfg.Auth.BcryptCost)
	require.NoError(t, err)
	users := store.NewUsersStore(app.DB)
	// The admin is user 1; staff fill ids 2..7 so that "wes" ends up as 7.
	accounts := []struct{ name, full, role string }{
		{"sam", "Sam Staff", "staff"},
		{"sue", "Sue Staff", "staff"},
		{"sid", "Sid Staff", "staff"},
		{"sal", "Sal Staff", "staff"},
		{"sky", "Sky Staff", "staff"},
		{"wes", "Wes Worker", "staff"},
		{"cora", "Cora Coordinator", "coordinator"},
		{"vic", "Vic Viewer", "viewer"},
	}
	for _, a := range accounts {
		u := &store.User{Username: a.name, FullName: a.full, PasswordHash: hash, Roles: []string{a.role}, Active: true}
		_, err := users.CreateUser(ctx, u)
		require.NoError(t, err)
		env.users[a.name] = u
	}
	require.Equal(t, int64(7), env.users["wes"].ID)
	return env
}

func (e *liveEnv) login(t *testing.T, username string, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(e.url, opts...)
	require.NoError(t, err)
	_, err = c.Login(context.Background(), username, testPassword)
	require.NoError(t, err)
	return c
}

func (e *liveEnv) report(t *testing.T, c *client.Client) *client.Incident {
	t.Helper()
	inc, err := c.ReportIncident(context.Background(), client.ReportInput{
		Title:       "Broken swing",
		Description: "Swing chain snapped",
		Severity:    lifecycle.SeverityHigh,
		ParkID:      e.parkIDs[2],
	})
	require.NoError(t, err)
	return inc
}

func TestLiveReportAssignResolve(t *testing.T) {
	env := startLiveServer(t)
	ctx := context.Background()
	cora := env.login(t, "cora")

	inc := env.report(t, cora)
	assert.Equal(t, lifecycle.StatusPending, inc.Status)
	assert.Nil(t, inc.AssignedToID)
	assert.Equal(t, lifecycle.CategoryOther, inc.Category)
	assert.Equal(t, "Cora Coordinator", inc.ReporterName)
	assert.Equal(t, env.parkIDs[2], inc.ParkID)

	// Warm the cache so the mutations below have something to invalidate.
	_, err := cora.Incident(ctx, inc.ID)
	require.NoError(t, err)
	_, err = cora.History(ctx, inc.ID)
	require.NoError(t, err)

	assigned, err := cora.Assign(ctx, inc.ID, 7)
	require.NoError(t, err)
	require.NotNil(t, assigned.AssignedToID)
	assert.Equal(t, int64(7), *assigned.AssignedToID)
	assert.Equal(t, lifecycle.StatusPending, assigned.Status)

	started, err := cora.ChangeStatus(ctx, inc.ID, lifecycle.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusInProgress, started.Status)

	detail, err := cora.Incident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusInProgress, detail.Status)

	resolved, err := cora.Resolve(ctx, inc.ID, "Replaced chain")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolutionNotes)
	assert.Equal(t, "Replaced chain", *resolved.ResolutionNotes)
	assert.NotNil(t, resolved.ResolutionDate)
	require.NotNil(t, resolved.AssignedToID)
	assert.Equal(t, int64(7), *resolved.AssignedToID)
	assert.Empty(t, resolved.Actions())

	detail, err = cora.Incident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusResolved, detail.Status)
	page, total, err := cora.List(ctx, client.ListQuery{Status: []lifecycle.Status{lifecycle.StatusResolved}})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, inc.ID, page[0].ID)

	history, err := cora.History(ctx, inc.ID)
	require.NoError(t, err)
	var actions []string
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []string{
		lifecycle.HistoryCreated,
		lifecycle.HistoryAssigned,
		lifecycle.HistoryStatusChanged,
		lifecycle.HistoryResolved,
	}, actions)
}

func TestLiveRejectEndsTheWorkflow(t *testing.T) {
	env := startLiveServer(t)
	ctx := context.Background()
	cora := env.login(t, "cora")
	inc := env.report(t, cora)

	rejected, err := cora.ChangeStatus(ctx, inc.ID, lifecycle.StatusRejected)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRejected, rejected.Status)

	status, actions, err := cora.AvailableActions(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRejected, status)
	assert.Empty(t, actions)

	_, err = cora.AddComment(ctx, inc.ID, "too late")
	var te *lifecycle.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, lifecycle.StatusRejected, te.From)
	assert.Equal(t, lifecycle.ActionComment, te.Action)

	_, err = cora.Assign(ctx, inc.ID, 7)
	assert.True(t, lifecycle.IsInvalidTransition(err))

	_, err = cora.ChangeStatus(ctx, inc.ID, lifecycle.StatusInProgress)
	assert.True(t, lifecycle.IsInvalidTransition(err))

	comments, err := cora.Comments(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, comments)
}

func TestLiveResolveWithoutNotesStaysLocal(t *testing.T) {
	env := startLiveServer(t)
	ctx := context.Background()
	transport := &countingTransport{next: http.DefaultTransport}
	cora := env.login(t, "cora", client.WithHTTPClient(&http.Client{Transport: transport}))
	inc := env.report(t, cora)
	_, err := cora.ChangeStatus(ctx, inc.ID, lifecycle.StatusInProgress)
	require.NoError(t, err)

	before := transport.calls.Load()
	_, err = cora.Resolve(ctx, inc.ID, "")
	require.True(t, lifecycle.IsValidation(err))
	assert.Equal(t, before, transport.calls.Load())

	stored, err := env.incStore.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusInProgress, stored.Status)
	assert.Nil(t, stored.ResolutionNotes)
}

func TestLiveComments(t *testing.T) {
	env := startLiveServer(t)
	ctx := context.Background()
	wes := env.login(t, "wes")
	inc := env.report(t, wes)

	empty, err := wes.Comments(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, text := range []string{"On site", "Chain ordered"} {
		_, err := wes.AddComment(ctx, inc.ID, text)
		require.NoError(t, err)
	}
	comments, err := wes.Comments(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "On site", comments[0].Content)
	assert.Equal(t, "Chain ordered", comments[1].Content)
	assert.Equal(t, int64(7), comments[0].UserID)

	detail, err := wes.Incident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPending, detail.Status)
}

func TestLiveServerValidation(t *testing.T) {
	env := startLiveServer(t)
	ctx := context.Background()
	cora := env.login(t, "cora")
	inc := env.report(t, cora)

	_, err := cora.Assign(ctx, inc.ID, 999)
	var ve *lifecycle.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "userId", ve.Field)

	_, err = cora.ReportIncident(ctx, client.ReportInput{Title: "Lost park", Description: "No such park", ParkID: 999})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "parkId", ve.Field)

	_, err = cora.Incident(ctx, 424242)
	assert.True(t, client.IsStatus(err, http.StatusNotFound))

	items, err := cora.Incidents(ctx)
	require.NoError(t, err)
	for _, it := range items {
		assert.True(t, it.Status.Valid())
	}
}

func TestLivePermissions(t *testing.T) {
	env := startLiveServer(t)
	ctx := context.Background()
	cora := env.login(t, "cora")
	inc := env.report(t, cora)

	vic := env.login(t, "vic")
	_, err := vic.Incident(ctx, inc.ID)
	require.NoError(t, err)
	_, err = vic.Assign(ctx, inc.ID, 7)
	assert.True(t, client.IsStatus(err, http.StatusForbidden))
	_, err = vic.ChangeStatus(ctx, inc.ID, lifecycle.StatusRejected)
	assert.True(t, client.IsStatus(err, http.StatusForbidden))

	wes := env.login(t, "wes")
	_, err = wes.Assign(ctx, inc.ID, 7)
	assert.True(t, client.IsStatus(err, http.StatusForbidden))

	res, err := client.New(env.url)
	require.NoError(t, err)
	_, err = res.Login(ctx, "cora", "wrong-password")
	assert.True(t, client.IsStatus(err, http.StatusUnauthorized))
}

func TestLiveHeaderMustMatchToken(t *testing.T) {
	env := startLiveServer(t)
	ctx := context.Background()
	c, err := client.New(env.url)
	require.NoError(t, err)
	login, err := c.Login(ctx, "cora", testPassword)
	require.NoError(t, err)

	forged, err := client.New(env.url, client.WithToken(login.Token, env.users["wes"].ID))
	require.NoError(t, err)
	_, err = forged.Incidents(ctx)
	assert.True(t, client.IsStatus(err, http.StatusUnauthorized))
}

func TestLiveListCoversMoreThanOneServerPage(t *testing.T) {
	env := startLiveServer(t, func(cfg *config.AppConfig) { cfg.Incidents.ListLimit = 3 })
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := env.incStore.CreateIncident(ctx, &store.Incident{
			Title:        fmt.Sprintf("Lamp %02d", i),
			Description:  "Light out",
			Severity:     lifecycle.SeverityLow,
			ParkID:       env.parkIDs[0],
			ReporterName: "Ana",
		})
		require.NoError(t, err)
	}
	transport := &countingTransport{next: http.DefaultTransport}
	cora := env.login(t, "cora", client.WithHTTPClient(&http.Client{Transport: transport}))

	all, total, err := cora.List(ctx, client.ListQuery{PageSize: 100})
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	assert.Len(t, all, 8)

	_, total, err = cora.List(ctx, client.ListQuery{Search: "lamp 00"})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "the oldest incident must not fall off the list")

	_, total, err = cora.List(ctx, client.ListQuery{Search: "_"})
	require.NoError(t, err)
	assert.Zero(t, total)

	// Login plus three pages; the later queries are served from cache.
	assert.Equal(t, int32(4), transport.calls.Load())
}
