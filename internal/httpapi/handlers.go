package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"monsterhunt/arengine/internal/auth"
	"monsterhunt/arengine/internal/bridge"
	"monsterhunt/arengine/internal/catalog"
	"monsterhunt/arengine/internal/geo"
	"monsterhunt/arengine/internal/logging"
	"monsterhunt/arengine/internal/replay"
)

// ReadinessProvider exposes engine state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// SessionLister reports the encounter sessions currently attached to the bridge.
type SessionLister interface {
	Active() []string
}

// TokenIssuer mints anonymous hunter tokens.
type TokenIssuer interface {
	SignInAnonymous() (string, auth.TokenClaims, error)
}

// PlayerAuthenticator resolves the hunter behind a request.
type PlayerAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// RateLimiter gates how frequently a caller may invoke sensitive operations.
type RateLimiter interface {
	Allow(key string) bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Sessions    SessionLister
	Issuer      TokenIssuer
	Players     PlayerAuthenticator
	Spawner     *catalog.Spawner
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	TraceStats  func() replay.StorageStats
	SensorDrops func() bridge.DropStats
}

// HandlerSet bundles the engine's HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	sessions    SessionLister
	issuer      TokenIssuer
	players     PlayerAuthenticator
	spawner     *catalog.Spawner
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	traceStats  func() replay.StorageStats
	sensorDrops func() bridge.DropStats
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	spawner := opts.Spawner
	if spawner == nil {
		spawner = catalog.NewSpawner()
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		sessions:    opts.Sessions,
		issuer:      opts.Issuer,
		players:     opts.Players,
		spawner:     spawner,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		traceStats:  opts.TraceStats,
		sensorDrops: opts.SensorDrops,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/catalog/monsters", h.MonstersHandler())
	mux.HandleFunc("/catalog/items", h.ItemsHandler())
	mux.HandleFunc("/auth/anonymous", h.AnonymousSignInHandler())
	mux.HandleFunc("/map/spawn", h.SpawnHandler())
	mux.HandleFunc("/sessions", h.SessionsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including active sessions and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Sessions      int     `json:"sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", Sessions: h.activeCount()}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := 0.0
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP arengine_uptime_seconds Engine uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE arengine_uptime_seconds gauge\n")
		fmt.Fprintf(w, "arengine_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP arengine_sessions Encounter sessions attached over WebSocket.\n")
		fmt.Fprintf(w, "# TYPE arengine_sessions gauge\n")
		fmt.Fprintf(w, "arengine_sessions %d\n", h.activeCount())

		fmt.Fprintf(w, "# HELP arengine_map_markers Monster markers spawned on the map.\n")
		fmt.Fprintf(w, "# TYPE arengine_map_markers gauge\n")
		fmt.Fprintf(w, "arengine_map_markers %d\n", h.spawner.Markers())

		if h.traceStats != nil {
			stats := h.traceStats()
			fmt.Fprintf(w, "# HELP arengine_trace_sessions Encounter traces retained on disk.\n")
			fmt.Fprintf(w, "# TYPE arengine_trace_sessions gauge\n")
			fmt.Fprintf(w, "arengine_trace_sessions %d\n", stats.Sessions)
			fmt.Fprintf(w, "# HELP arengine_trace_bytes Disk usage of retained traces in bytes.\n")
			fmt.Fprintf(w, "# TYPE arengine_trace_bytes gauge\n")
			fmt.Fprintf(w, "arengine_trace_bytes %d\n", stats.Bytes)
		}

		if h.sensorDrops != nil {
			drops := h.sensorDrops()
			fmt.Fprintf(w, "# HELP arengine_fix_drops_total Geolocation fixes discarded by reason.\n")
			fmt.Fprintf(w, "# TYPE arengine_fix_drops_total counter\n")
			fmt.Fprintf(w, "arengine_fix_drops_total{reason=\"stale\"} %d\n", drops.Fixes.Stale)
			fmt.Fprintf(w, "arengine_fix_drops_total{reason=\"invalid\"} %d\n", drops.Fixes.Invalid)
			fmt.Fprintf(w, "arengine_fix_drops_total{reason=\"inaccurate\"} %d\n", drops.Fixes.Inaccurate)
			fmt.Fprintf(w, "# HELP arengine_orientation_drops_total Orientation samples discarded by reason.\n")
			fmt.Fprintf(w, "# TYPE arengine_orientation_drops_total counter\n")
			fmt.Fprintf(w, "arengine_orientation_drops_total{reason=\"sequence\"} %d\n", drops.Orientation.Sequence)
			fmt.Fprintf(w, "arengine_orientation_drops_total{reason=\"rate_limited\"} %d\n", drops.Orientation.RateLimited)
		}
	}
}

// MonstersHandler lists the monster catalog.
func (h *HandlerSet) MonstersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, catalog.Monsters())
	}
}

// ItemsHandler lists the item catalog in loadout order.
func (h *HandlerSet) ItemsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, catalog.Items())
	}
}

// AnonymousSignInHandler issues a fresh anonymous identity token.
func (h *HandlerSet) AnonymousSignInHandler() http.HandlerFunc {
	type response struct {
		Token     string `json:"token"`
		Subject   string `json:"subject"`
		ExpiresAt string `json:"expires_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "auth_anonymous"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow(clientKey(r)) {
			reqLogger.Warn("anonymous sign-in denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.issuer == nil {
			http.Error(w, "sign-in is unavailable", http.StatusServiceUnavailable)
			return
		}
		token, claims, err := h.issuer.SignInAnonymous()
		if err != nil {
			reqLogger.Error("anonymous sign-in failed", logging.Error(err))
			http.Error(w, "failed to sign in", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("anonymous hunter signed in", logging.Subject(claims.Subject))
		writeJSON(w, http.StatusOK, response{
			Token:     token,
			Subject:   claims.Subject,
			ExpiresAt: claims.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

// SpawnHandler scatters monster markers around ?lat=&lng= and returns them.
// Each player keeps their own markers.
func (h *HandlerSet) SpawnHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		player, err := h.player(r)
		if err != nil {
			h.logger.Warn("spawn denied: unauthenticated", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		query := r.URL.Query()
		lat, latErr := strconv.ParseFloat(strings.TrimSpace(query.Get("lat")), 64)
		lng, lngErr := strconv.ParseFloat(strings.TrimSpace(query.Get("lng")), 64)
		if latErr != nil || lngErr != nil {
			http.Error(w, "lat and lng must be numbers", http.StatusBadRequest)
			return
		}
		count := 0
		if raw := strings.TrimSpace(query.Get("count")); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 || value > catalog.MaxSpawnCount {
				http.Error(w, fmt.Sprintf("count must be between 1 and %d", catalog.MaxSpawnCount), http.StatusBadRequest)
				return
			}
			count = value
		}
		pois, err := h.spawner.Spawn(player, geo.Fix{Latitude: lat, Longitude: lng}, count)
		if err != nil {
			if errors.Is(err, geo.ErrInvalidFix) || errors.Is(err, catalog.ErrSpawnCount) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			h.logger.Error("spawn failed", logging.Error(err))
			http.Error(w, "failed to spawn monsters", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, pois)
	}
}

// SessionsHandler lists attached encounter sessions for operators.
func (h *HandlerSet) SessionsHandler() http.HandlerFunc {
	type response struct {
		Sessions []string `json:"sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		if h.adminToken == "" {
			h.logger.Warn("session listing denied: admin auth disabled", logging.String("remote_addr", r.RemoteAddr))
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			h.logger.Warn("session listing denied: unauthorized request", logging.String("remote_addr", r.RemoteAddr))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sessions := []string{}
		if h.sessions != nil {
			sessions = append(sessions, h.sessions.Active()...)
		}
		writeJSON(w, http.StatusOK, response{Sessions: sessions})
	}
}

func (h *HandlerSet) activeCount() int {
	if h.sessions == nil {
		return 0
	}
	return len(h.sessions.Active())
}

// player keys spawn state by token subject, or by client address when no
// authenticator is configured.
func (h *HandlerSet) player(r *http.Request) (string, error) {
	if h.players == nil {
		return clientKey(r), nil
	}
	return h.players.Authenticate(r)
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
