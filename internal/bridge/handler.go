package bridge

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"monsterhunt/arengine/internal/catalog"
	"monsterhunt/arengine/internal/config"
	"monsterhunt/arengine/internal/events"
	"monsterhunt/arengine/internal/geo"
	"monsterhunt/arengine/internal/logging"
	"monsterhunt/arengine/internal/sensors"
)

// Authenticator resolves the caller identity before the upgrade.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Handler upgrades requests into encounter sessions.
type Handler struct {
	cfg      *config.Config
	upgrader websocket.Upgrader
	auth     Authenticator
	stream   *events.Stream
	log      *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*conn
	retired  DropStats
	wg       sync.WaitGroup
}

// DropStats totals the sensor samples discarded across sessions.
type DropStats struct {
	Fixes       geo.DropCounters     `json:"fixes"`
	Orientation sensors.GateCounters `json:"orientation"`
}

func (d *DropStats) add(other DropStats) {
	d.Fixes.Stale += other.Fixes.Stale
	d.Fixes.Invalid += other.Fixes.Invalid
	d.Fixes.Inaccurate += other.Fixes.Inaccurate
	d.Orientation.Sequence += other.Orientation.Sequence
	d.Orientation.RateLimited += other.Orientation.RateLimited
}

// Option customises a Handler.
type Option func(*Handler)

// WithAuthenticator requires a valid identity before upgrading.
func WithAuthenticator(auth Authenticator) Option {
	return func(h *Handler) { h.auth = auth }
}

// WithStream publishes session events for observers.
func WithStream(stream *events.Stream) Option {
	return func(h *Handler) { h.stream = stream }
}

// WithLogger overrides the handler logger.
func WithLogger(logger *logging.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.log = logger
		}
	}
}

// NewHandler builds the WebSocket entry point.
func NewHandler(cfg *config.Config, opts ...Option) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("bridge config required")
	}
	h := &Handler{cfg: cfg, log: logging.L(), now: time.Now, sessions: make(map[string]*conn)}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}
	return h, nil
}

// ServeHTTP authenticates, resolves the encounter and hands the socket to a session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.log.With(logging.String("remote_addr", r.RemoteAddr))

	subject := ""
	if h.auth != nil {
		var err error
		subject, err = h.auth.Authenticate(r)
		if err != nil {
			logger.Warn("websocket authentication failed", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	//1.- Resolve the encounter before upgrading so bad requests get a plain HTTP error.
	monster, loadout, err := resolveEncounter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	c, err := newConn(h, ws, subject, monster, loadout, logger)
	if err != nil {
		logger.Error("session setup failed", logging.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	h.register(c)
	h.wg.Add(1)
	defer h.wg.Done()
	defer h.unregister(c)
	//2.- Serve the session on the request goroutine until the socket is done.
	c.run(r.Context())
}

// Active lists the ids of sessions currently attached to a socket.
func (h *Handler) Active() []string {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drops sums the discard counters of finished sessions and live ones.
func (h *Handler) Drops() DropStats {
	if h == nil {
		return DropStats{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	total := h.retired
	for _, c := range h.sessions {
		if !c.retired {
			total.add(c.drops())
		}
	}
	return total
}

// Shutdown closes every live socket and waits for their sessions to tear down.
func (h *Handler) Shutdown() {
	if h == nil {
		return
	}
	h.mu.Lock()
	live := make([]*conn, 0, len(h.sessions))
	for _, c := range h.sessions {
		live = append(live, c)
	}
	h.mu.Unlock()
	for _, c := range live {
		c.closeSocket(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

func (h *Handler) register(c *conn) {
	h.mu.Lock()
	h.sessions[c.session.ID()] = c
	h.mu.Unlock()
}

// retire folds the counters of a session into the running totals before
// teardown resets them.
func (h *Handler) retire(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.retired {
		return
	}
	c.retired = true
	h.retired.add(c.drops())
}

// forgetLater drops the cached snapshot of a closed session once the
// retention window has passed.
func (h *Handler) forgetLater(sessionID string) {
	if h.stream == nil {
		return
	}
	if h.cfg.SnapshotTTL <= 0 {
		h.stream.Forget(sessionID)
		return
	}
	time.AfterFunc(h.cfg.SnapshotTTL, func() { h.stream.Forget(sessionID) })
}

func (h *Handler) unregister(c *conn) {
	h.mu.Lock()
	delete(h.sessions, c.session.ID())
	h.mu.Unlock()
}

// resolveEncounter reads ?monster= and ?loadout=a,b,c. Defaults are the first
// catalog monster and the first MaxLoadout items.
func resolveEncounter(query url.Values) (catalog.Monster, []catalog.Item, error) {
	var monster catalog.Monster
	if id := strings.TrimSpace(query.Get("monster")); id != "" {
		found, err := catalog.MonsterByID(id)
		if err != nil {
			return catalog.Monster{}, nil, err
		}
		monster = found
	} else {
		monster = catalog.Monsters()[0]
	}

	raw := strings.TrimSpace(query.Get("loadout"))
	if raw == "" {
		items := catalog.Items()
		if len(items) > catalog.MaxLoadout {
			items = items[:catalog.MaxLoadout]
		}
		return monster, items, nil
	}
	ids := strings.Split(raw, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}
	loadout, err := catalog.NewLoadout(ids...)
	if err != nil {
		return catalog.Monster{}, nil, err
	}
	return monster, loadout.Items(), nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
