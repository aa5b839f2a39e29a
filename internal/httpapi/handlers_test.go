package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"monsterhunt/arengine/internal/auth"
	"monsterhunt/arengine/internal/bridge"
	"monsterhunt/arengine/internal/catalog"
	"monsterhunt/arengine/internal/geo"
	"monsterhunt/arengine/internal/logging"
	"monsterhunt/arengine/internal/replay"
	"monsterhunt/arengine/internal/sensors"
)

type stubReadiness struct {
	uptime time.Duration
	err    error
}

func (s *stubReadiness) StartupError() error   { return s.err }
func (s *stubReadiness) Uptime() time.Duration { return s.uptime }

type stubSessions []string

func (s stubSessions) Active() []string { return s }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow(string) bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

func serve(h http.HandlerFunc, method, target string, header http.Header) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	h.ServeHTTP(rr, req)
	return rr
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := serve(handlers.LivenessHandler(), http.MethodGet, "/livez", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: readiness,
		Sessions:  stubSessions{"a", "b"},
	})
	rr := serve(handlers.ReadinessHandler(), http.MethodGet, "/readyz", nil)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Sessions      int     `json:"sessions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Sessions != 2 {
		t.Fatalf("unexpected session count: %+v", payload)
	}
	if payload.UptimeSeconds != readiness.uptime.Seconds() {
		t.Fatalf("unexpected uptime: got %f want %f", payload.UptimeSeconds, readiness.uptime.Seconds())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	drops := func() bridge.DropStats {
		return bridge.DropStats{
			Fixes:       geo.DropCounters{Stale: 4, Inaccurate: 1},
			Orientation: sensors.GateCounters{Sequence: 7},
		}
	}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Readiness:   &stubReadiness{uptime: 90 * time.Second},
		Sessions:    stubSessions{"ghost-1"},
		TraceStats:  func() replay.StorageStats { return replay.StorageStats{Sessions: 3, Bytes: 2048} },
		SensorDrops: drops,
	})
	rr := serve(handlers.MetricsHandler(), http.MethodGet, "/metrics", nil)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"arengine_uptime_seconds 90",
		"arengine_sessions 1",
		"arengine_map_markers 0",
		"arengine_trace_sessions 3",
		"arengine_trace_bytes 2048",
		`arengine_fix_drops_total{reason="stale"} 4`,
		`arengine_fix_drops_total{reason="inaccurate"} 1`,
		`arengine_orientation_drops_total{reason="sequence"} 7`,
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestCatalogHandlers(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})

	rr := serve(handlers.MonstersHandler(), http.MethodGet, "/catalog/monsters", nil)
	var monsters []catalog.Monster
	if err := json.NewDecoder(rr.Body).Decode(&monsters); err != nil {
		t.Fatalf("decode monsters: %v", err)
	}
	if len(monsters) != len(catalog.Monsters()) || monsters[0].ID != catalog.Monsters()[0].ID {
		t.Fatalf("unexpected monsters %+v", monsters)
	}

	rr = serve(handlers.ItemsHandler(), http.MethodGet, "/catalog/items", nil)
	var items []catalog.Item
	if err := json.NewDecoder(rr.Body).Decode(&items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items) != 4 || items[0].ID != "salt" || items[3].ID != "journal" {
		t.Fatalf("unexpected items %+v", items)
	}

	if rr := serve(handlers.ItemsHandler(), http.MethodPost, "/catalog/items", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rr.Code)
	}
}

func TestAnonymousSignInIssuesVerifiableTokenAndRateLimits(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Issuer:      issuer,
		RateLimiter: &stubLimiter{remaining: 1},
	})

	if rr := serve(handlers.AnonymousSignInHandler(), http.MethodGet, "/auth/anonymous", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rr.Code)
	}

	rr := serve(handlers.AnonymousSignInHandler(), http.MethodPost, "/auth/anonymous", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Token   string `json:"token"`
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(payload.Subject, auth.AnonymousPrefix) {
		t.Fatalf("expected anonymous subject, got %q", payload.Subject)
	}
	claims, err := issuer.Verify(payload.Token)
	if err != nil || claims.Subject != payload.Subject {
		t.Fatalf("expected token to verify for %q, got %+v %v", payload.Subject, claims, err)
	}

	if rr := serve(handlers.AnonymousSignInHandler(), http.MethodPost, "/auth/anonymous", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", rr.Code)
	}
}

func TestSpawnHandlerScattersMarkersOnce(t *testing.T) {
	spawner := catalog.NewSpawner(catalog.WithRand(rand.New(rand.NewPCG(1, 2))))
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Spawner: spawner})

	rr := serve(handlers.SpawnHandler(), http.MethodGet, "/map/spawn?lat=38.9717&lng=-95.2353&count=3", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var first []catalog.POI
	if err := json.NewDecoder(rr.Body).Decode(&first); err != nil {
		t.Fatalf("decode pois: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 markers, got %d", len(first))
	}
	for _, poi := range first {
		if poi.Latitude < 38.9717-catalog.SpawnSpreadDegrees || poi.Latitude > 38.9717+catalog.SpawnSpreadDegrees {
			t.Fatalf("marker outside spread: %+v", poi)
		}
	}

	//1.- A later position from the same client returns the markers already on the map.
	rr = serve(handlers.SpawnHandler(), http.MethodGet, "/map/spawn?lat=10&lng=10", nil)
	var second []catalog.POI
	if err := json.NewDecoder(rr.Body).Decode(&second); err != nil {
		t.Fatalf("decode pois: %v", err)
	}
	if len(second) != 3 || second[0].Latitude != first[0].Latitude {
		t.Fatalf("expected markers to be reused, got %+v", second)
	}
}

func TestSpawnHandlerRejectsBadCoordinates(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	for _, target := range []string{
		"/map/spawn",
		"/map/spawn?lat=abc&lng=1",
		"/map/spawn?lat=91&lng=0",
		"/map/spawn?lat=0&lng=0&count=-1",
		"/map/spawn?lat=0&lng=0&count=1000000000",
	} {
		if rr := serve(handlers.SpawnHandler(), http.MethodGet, target, nil); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", target, rr.Code)
		}
	}
}

type headerPlayers struct{}

func (headerPlayers) Authenticate(r *http.Request) (string, error) {
	if player := r.Header.Get("X-Auth-Token"); player != "" {
		return player, nil
	}
	return "", errors.New("missing token")
}

func TestSpawnHandlerKeepsMarkersPerPlayer(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:  logging.NewTestLogger(),
		Players: headerPlayers{},
		Spawner: catalog.NewSpawner(catalog.WithRand(rand.New(rand.NewPCG(5, 6)))),
	})
	spawnFor := func(player, target string) []catalog.POI {
		t.Helper()
		rr := serve(handlers.SpawnHandler(), http.MethodGet, target, http.Header{"X-Auth-Token": {player}})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d: %s", player, rr.Code, rr.Body.String())
		}
		var pois []catalog.POI
		if err := json.NewDecoder(rr.Body).Decode(&pois); err != nil {
			t.Fatalf("decode pois: %v", err)
		}
		return pois
	}

	spawnFor("anon-kansas", "/map/spawn?lat=38.97&lng=-95.23")
	for _, poi := range spawnFor("anon-sp", "/map/spawn?lat=-23.55&lng=-46.63") {
		if poi.Latitude > -23.55+catalog.SpawnSpreadDegrees || poi.Latitude < -23.55-catalog.SpawnSpreadDegrees {
			t.Fatalf("second player got a marker near the first: %+v", poi)
		}
	}
	if rr := serve(handlers.SpawnHandler(), http.MethodGet, "/map/spawn?lat=1&lng=1", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a player token, got %d", rr.Code)
	}
	rr := serve(handlers.MetricsHandler(), http.MethodGet, "/metrics", nil)
	if want := fmt.Sprintf("arengine_map_markers %d", 2*catalog.DefaultSpawnCount); !strings.Contains(rr.Body.String(), want) {
		t.Fatalf("metrics missing %q:\n%s", want, rr.Body.String())
	}
}

func TestSessionsHandlerRequiresAdminToken(t *testing.T) {
	disabled := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Sessions: stubSessions{"ghost-1"}})
	if rr := serve(disabled.SessionsHandler(), http.MethodGet, "/sessions", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin token configured, got %d", rr.Code)
	}

	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		Sessions:   stubSessions{"ghost-1"},
		AdminToken: "topsecret",
	})
	if rr := serve(handlers.SessionsHandler(), http.MethodGet, "/sessions", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", rr.Code)
	}
	rr := serve(handlers.SessionsHandler(), http.MethodGet, "/sessions", http.Header{"X-Admin-Token": {"topsecret"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for authorised request, got %d", rr.Code)
	}
	var payload struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0] != "ghost-1" {
		t.Fatalf("unexpected sessions %+v", payload.Sessions)
	}
}
