package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parkwatch/config"
	"parkwatch/core/auth"
	"parkwatch/core/rbac"
	"parkwatch/core/store"
)

func permissionHandler(s *Server, perm rbac.Permission, sess *auth.Session) *httptest.ResponseRecorder {
	handler := s.requirePermission(perm)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodPost, "/api/incidents/1/assign", nil)
	if sess != nil {
		req = req.WithContext(context.WithValue(req.Context(), auth.SessionContextKey, sess))
	}
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestRequirePermissionDeniesMissingPermission(t *testing.T) {
	s := &Server{policy: rbac.NewPolicy(rbac.DefaultRoles())}
	rr := permissionHandler(s, rbac.PermIncidentsAssign, &auth.Session{Username: "wes", Roles: []string{"staff"}})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"auth.forbidden"`) {
		t.Fatalf("expected auth.forbidden body, got %s", rr.Body.String())
	}
}

func TestRequirePermissionAllowsInheritedPermission(t *testing.T) {
	s := &Server{policy: rbac.NewPolicy(rbac.DefaultRoles())}
	rr := permissionHandler(s, rbac.PermIncidentsWork, &auth.Session{Username: "cora", Roles: []string{"coordinator"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected coordinator to inherit incidents.work, got %d", rr.Code)
	}
}

func TestRequirePermissionWithoutSession(t *testing.T) {
	s := &Server{policy: rbac.NewPolicy(rbac.DefaultRoles())}
	rr := permissionHandler(s, rbac.PermIncidentsView, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", rr.Code)
	}
}

func TestIsHTTPSRequestWithTLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.TLS = &tls.ConnectionState{}
	if !isHTTPSRequest(req, &config.AppConfig{}) {
		t.Fatalf("expected https request when TLS state is present")
	}
}

func TestIsHTTPSRequestWithTrustedProxyForwardedProto(t *testing.T) {
	cfg := &config.AppConfig{
		Security: config.SecurityConfig{
			TrustedProxies: []string{"10.0.0.10"},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "10.0.0.10:12345"
	req.Header.Set("X-Forwarded-Proto", "https")
	if !isHTTPSRequest(req, cfg) {
		t.Fatalf("expected https request behind trusted proxy with x-forwarded-proto=https")
	}
}

func TestIsHTTPSRequestIgnoresUntrustedProxyHeader(t *testing.T) {
	cfg := &config.AppConfig{
		Security: config.SecurityConfig{
			TrustedProxies: []string{"10.0.0.10"},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "192.168.1.20:12345"
	req.Header.Set("X-Forwarded-Proto", "https")
	if isHTTPSRequest(req, cfg) {
		t.Fatalf("expected non-https for untrusted proxy source")
	}
}

func TestClientIPUsesNearestUntrustedXFFHop(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10", "10.0.0.11"},
			},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.10:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.11")
	got := s.clientIP(req)
	if got != "203.0.113.9" {
		t.Fatalf("expected client ip 203.0.113.9, got %s", got)
	}
}

func TestClientIPIgnoresXFFForUntrustedRemote(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10"},
			},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "192.168.1.20:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.10")
	got := s.clientIP(req)
	if got != "192.168.1.20" {
		t.Fatalf("expected remote addr ip for untrusted source, got %s", got)
	}
}

func TestClientIPInvalidXFFFallsBackToRealIP(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10"},
			},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.10:54321"
	req.Header.Set("X-Forwarded-For", "garbage,not-an-ip")
	req.Header.Set("X-Real-IP", "198.51.100.8")
	got := s.clientIP(req)
	if got != "198.51.100.8" {
		t.Fatalf("expected fallback to valid X-Real-IP, got %s", got)
	}
}

func TestSecurityHeadersSetHSTSForTrustedProxyHTTPS(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10"},
			},
		},
	}
	h := s.securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "10.0.0.10:12345"
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Strict-Transport-Security") == "" {
		t.Fatalf("expected HSTS header for trusted proxy https request")
	}
}

func TestSecurityHeadersSkipHSTSForUntrustedProxy(t *testing.T) {
	s := &Server{
		cfg: &config.AppConfig{
			Security: config.SecurityConfig{
				TrustedProxies: []string{"10.0.0.10"},
			},
		},
	}
	h := s.securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "192.168.1.20:12345"
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("expected no HSTS header for untrusted proxy source")
	}
}

func TestWithSessionRejectsMissingBearer(t *testing.T) {
	s := &Server{}
	h := s.withSession(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/incidents", nil)
	req.Header.Set("Authorization", "Basic abc")
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized status, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"auth.unauthorized"`) {
		t.Fatalf("expected auth.unauthorized body, got %s", rr.Body.String())
	}
}

func TestWithSessionRejectsUserIDHeaderMismatch(t *testing.T) {
	cfg := &config.AppConfig{Auth: config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour}}
	sm := auth.NewSessionManager(cfg, nil)
	token, _, err := sm.Create(&store.User{ID: 5, Username: "wes", Roles: []string{"staff"}, Active: true})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	s := &Server{cfg: cfg, sessionManager: sm}
	h := s.withSession(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	for _, header := range []string{"", "6", "five"} {
		req := httptest.NewRequest(http.MethodGet, "/api/incidents", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		if header != "" {
			req.Header.Set(userIDHeader, header)
		}
		rr := httptest.NewRecorder()
		h(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected unauthorized, got %d", header, rr.Code)
		}
	}
}

func TestLoginLimiterRefillsAfterWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l := newLimiter(2, time.Minute)
	l.now = func() time.Time { return now }
	if !l.allow("ip|1.2.3.4") || !l.allow("ip|1.2.3.4") {
		t.Fatalf("expected first two attempts to pass")
	}
	if l.allow("ip|1.2.3.4") {
		t.Fatalf("expected third attempt to be throttled")
	}
	if !l.allow("ip|5.6.7.8") {
		t.Fatalf("expected separate bucket per key")
	}
	now = now.Add(time.Minute)
	if !l.allow("ip|1.2.3.4") {
		t.Fatalf("expected bucket to refill after the window")
	}
}

func TestLoginLimiterEvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l := newLimiter(5, time.Minute)
	l.now = func() time.Time { return now }
	l.allow("ip|1.2.3.4")
	now = now.Add(loginLimiterTTL + 2*time.Minute)
	l.allow("ip|5.6.7.8")
	if _, ok := l.buckets["ip|1.2.3.4"]; ok {
		t.Fatalf("expected idle bucket to be evicted")
	}
}
