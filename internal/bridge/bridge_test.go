package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"monsterhunt/arengine/internal/auth"
	"monsterhunt/arengine/internal/config"
	"monsterhunt/arengine/internal/encounter"
	"monsterhunt/arengine/internal/events"
	"monsterhunt/arengine/internal/geo"
	"monsterhunt/arengine/internal/logging"
	"monsterhunt/arengine/internal/replay"
	"monsterhunt/arengine/internal/sensors"
	"monsterhunt/arengine/internal/websockettest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWith(func(string) string { return "" })
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.FrameHz = 0
	cfg.OrientationGap = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) (*Handler, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewTestLogger())}, opts...)
	handler, err := NewHandler(cfg, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.Shutdown()
		server.Close()
	})
	return handler, server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websockettest.Dial(server.URL, query, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func send(t *testing.T, ws *websocket.Conn, kind string, payload any) {
	t.Helper()
	msg := map[string]any{"type": kind}
	if payload != nil {
		msg["payload"] = payload
	}
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", kind, err)
	}
}

// next reads until a message of kind arrives.
func next(t *testing.T, ws *websocket.Conn, kind string) received {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg received
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if msg.Type == kind {
			return msg
		}
	}
}

func nextOutcome(t *testing.T, ws *websocket.Conn) OutcomePayload {
	t.Helper()
	var outcome OutcomePayload
	if err := json.Unmarshal(next(t, ws, MessageOutcome).Payload, &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return outcome
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHuntOverWebSocket(t *testing.T) {
	cfg := testConfig(t)
	stream := events.NewStream(events.Config{})
	defer stream.Close()
	handler, server := startServer(t, cfg, WithStream(stream))
	ws := dial(t, server, "monster=ghost&loadout=salt")

	var initial encounter.Snapshot
	if err := json.Unmarshal(next(t, ws, MessageSnapshot).Payload, &initial); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if initial.State != encounter.StateAwaitingSensorPermission || initial.HP != 50 || initial.Weapon != "salt" {
		t.Fatalf("unexpected initial snapshot %+v", initial)
	}

	//1.- Firing before permission is rejected without damage.
	send(t, ws, CommandFire, nil)
	if outcome := nextOutcome(t, ws); outcome.Kind != encounter.OutcomeRejected || outcome.RemainingHP != 50 {
		t.Fatalf("expected rejection before permission, got %+v", outcome)
	}

	//2.- Grant sensors, aim down at the monster and fire until it falls.
	send(t, ws, CommandPermission, map[string]any{"state": "granted"})
	send(t, ws, CommandOrientation, map[string]any{"seq": 1, "alpha": 0, "beta": 72, "gamma": 0, "screen": 0})
	wantHP := []int{30, 10, 0}
	for i, hp := range wantHP {
		send(t, ws, CommandFire, nil)
		outcome := nextOutcome(t, ws)
		if outcome.Kind != encounter.OutcomeHit || outcome.RemainingHP != hp {
			t.Fatalf("shot %d: expected hit leaving %d, got %+v", i+1, hp, outcome)
		}
		if outcome.Message != encounter.HitMessage(20) {
			t.Fatalf("unexpected hit message %q", outcome.Message)
		}
	}
	if len(handler.Active()) != 1 {
		t.Fatalf("expected one active session, got %v", handler.Active())
	}

	//3.- Leaving releases every granted sensor before the socket closes.
	send(t, ws, CommandLeave, nil)
	released := map[string]bool{}
	for len(released) < 3 {
		var payload ReleasePayload
		if err := json.Unmarshal(next(t, ws, MessageRelease).Payload, &payload); err != nil {
			t.Fatalf("decode release: %v", err)
		}
		released[payload.Sensor] = true
	}
	waitFor(t, func() bool { return len(handler.Active()) == 0 }, "session teardown")

	latest, ok := stream.Latest(initial.SessionID)
	if !ok {
		t.Fatal("expected a published snapshot")
	}
	if !latest.Payload.GetFields()["closed"].GetBoolValue() || latest.Payload.GetFields()["state"].GetStringValue() != string(encounter.StateResolved) {
		t.Fatalf("expected closed resolved snapshot, got %v", latest.Payload)
	}
}

func TestInvalidCommandsProduceNotices(t *testing.T) {
	_, server := startServer(t, testConfig(t))
	ws := dial(t, server, "")
	next(t, ws, MessageSnapshot)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var notice Notice
	if err := json.Unmarshal(next(t, ws, MessageNotice).Payload, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice.Code != NoticeBadRequest {
		t.Fatalf("expected bad_request, got %+v", notice)
	}

	send(t, ws, CommandSelectWeapon, map[string]any{"item": "journal"})
	if err := json.Unmarshal(next(t, ws, MessageNotice).Payload, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice.Code != NoticeRejected || notice.Command != CommandSelectWeapon {
		t.Fatalf("expected rejected select_weapon, got %+v", notice)
	}

	send(t, ws, CommandFix, map[string]any{"lat": 38.95, "lng": -95.23})
	if err := json.Unmarshal(next(t, ws, MessageNotice).Payload, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice.Command != CommandFix || !strings.Contains(notice.Message, encounter.ErrAwaitingPermission.Error()) {
		t.Fatalf("expected fix rejection before permission, got %+v", notice)
	}
}

func TestLeaveRunsQueuedCommands(t *testing.T) {
	cfg := testConfig(t)
	stream := events.NewStream(events.Config{})
	defer stream.Close()
	sub, err := stream.Subscribe(context.Background(), "bridge-test", 128)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	handler, server := startServer(t, cfg, WithStream(stream))
	ws := dial(t, server, "monster=ghost&loadout=salt")
	next(t, ws, MessageSnapshot)

	//1.- Queue a burst of shots and leave without waiting for any reply.
	const shots = 5
	send(t, ws, CommandPermission, map[string]any{"state": "granted"})
	send(t, ws, CommandOrientation, map[string]any{"seq": 1, "beta": 72})
	for i := 0; i < shots; i++ {
		send(t, ws, CommandFire, nil)
	}
	send(t, ws, CommandLeave, nil)

	//2.- Every shot queued ahead of leave reaches the client before the close frame.
	outcomes := 0
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg received
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == MessageOutcome {
			outcomes++
		}
	}
	if outcomes != shots {
		t.Fatalf("expected %d outcomes on the socket, got %d", shots, outcomes)
	}
	waitFor(t, func() bool { return len(handler.Active()) == 0 }, "session teardown")

	published := 0
drain:
	for {
		select {
		case env := <-sub.Events():
			if env.Kind == events.KindOutcome {
				published++
			}
		default:
			break drain
		}
	}
	if published != shots {
		t.Fatalf("expected %d published outcomes, got %d", shots, published)
	}
}

func TestRejectedSamplesAreReportedAndCounted(t *testing.T) {
	handler, server := startServer(t, testConfig(t))
	ws := dial(t, server, "monster=ghost")
	next(t, ws, MessageSnapshot)

	send(t, ws, CommandPermission, map[string]any{"state": "granted"})
	send(t, ws, CommandOrientation, map[string]any{"seq": 5, "beta": 72})
	send(t, ws, CommandOrientation, map[string]any{"seq": 3, "beta": 10})
	send(t, ws, CommandFix, map[string]any{"lat": 200, "lng": 0, "timestamp": 1})
	send(t, ws, CommandFix, map[string]any{"lat": 38.97, "lng": -95.23, "timestamp": 1000})
	send(t, ws, CommandFix, map[string]any{"lat": 38.98, "lng": -95.23, "timestamp": 500})

	//1.- Every discarded fix comes back as a rejection naming the cause.
	for _, want := range []error{geo.ErrInvalidFix, geo.ErrStaleFix} {
		var notice Notice
		if err := json.Unmarshal(next(t, ws, MessageNotice).Payload, &notice); err != nil {
			t.Fatalf("decode notice: %v", err)
		}
		if notice.Code != NoticeRejected || notice.Command != CommandFix || !strings.Contains(notice.Message, want.Error()) {
			t.Fatalf("expected %v rejection, got %+v", want, notice)
		}
	}
	want := DropStats{
		Fixes:       geo.DropCounters{Stale: 1, Invalid: 1},
		Orientation: sensors.GateCounters{Sequence: 1},
	}
	if got := handler.Drops(); got != want {
		t.Fatalf("expected live drops %+v, got %+v", want, got)
	}

	//2.- Totals outlive the session.
	send(t, ws, CommandLeave, nil)
	waitFor(t, func() bool { return len(handler.Active()) == 0 }, "session teardown")
	if got := handler.Drops(); got != want {
		t.Fatalf("expected retired drops %+v, got %+v", want, got)
	}
}

func TestClosedSessionSnapshotIsForgotten(t *testing.T) {
	cfg := testConfig(t)
	cfg.SnapshotTTL = 0
	stream := events.NewStream(events.Config{})
	defer stream.Close()
	handler, server := startServer(t, cfg, WithStream(stream))
	ws := dial(t, server, "")
	var initial encounter.Snapshot
	if err := json.Unmarshal(next(t, ws, MessageSnapshot).Payload, &initial); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := stream.Latest(initial.SessionID)
		return ok
	}, "published snapshot")

	send(t, ws, CommandLeave, nil)
	waitFor(t, func() bool { return len(handler.Active()) == 0 }, "session teardown")
	if _, ok := stream.Latest(initial.SessionID); ok {
		t.Fatal("expected the closed session to be forgotten")
	}
}

func TestDeniedPermissionKeepsPromptOpen(t *testing.T) {
	_, server := startServer(t, testConfig(t))
	ws := dial(t, server, "monster=demon")
	next(t, ws, MessageSnapshot)

	send(t, ws, CommandPermission, map[string]any{"state": "denied"})
	var snapshot encounter.Snapshot
	for snapshot.Message == "" {
		if err := json.Unmarshal(next(t, ws, MessageSnapshot).Payload, &snapshot); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
	}
	if snapshot.Message != encounter.MessageSensorsDenied || snapshot.State != encounter.StateAwaitingSensorPermission {
		t.Fatalf("unexpected snapshot after denial %+v", snapshot)
	}
}

type rejectAll struct{}

func (rejectAll) Authenticate(*http.Request) (string, error) { return "", errors.New("no") }

func TestUpgradeRejections(t *testing.T) {
	_, server := startServer(t, testConfig(t), WithAuthenticator(rejectAll{}))
	if _, resp, err := websockettest.Dial(server.URL, "", ""); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}

	_, open := startServer(t, testConfig(t))
	if _, resp, err := websockettest.Dial(open.URL, "monster=dragon", ""); err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown monster, got resp=%v err=%v", resp, err)
	}
}

func TestIssuedTokenOpensSession(t *testing.T) {
	issuer, err := auth.NewIssuer("bridge-secret")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	token, claims, err := issuer.SignInAnonymous()
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	handler, server := startServer(t, testConfig(t), WithAuthenticator(issuer))
	ws, _, err := websockettest.Dial(server.URL, "monster=ghost", token)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer ws.Close()
	next(t, ws, MessageSnapshot)
	if active := handler.Active(); len(active) != 1 {
		t.Fatalf("expected one session for %s, got %v", claims.Subject, active)
	}
}

func TestDisconnectTearsDownAndWritesTrace(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trace.Dir = t.TempDir()
	handler, server := startServer(t, cfg)
	ws := dial(t, server, "monster=ghost&loadout=salt")
	next(t, ws, MessageSnapshot)

	send(t, ws, CommandPermission, map[string]any{"state": "granted"})
	send(t, ws, CommandOrientation, map[string]any{"seq": 1, "beta": 72})
	send(t, ws, CommandFire, nil)
	nextOutcome(t, ws)

	//1.- Dropping the socket without leave still tears the session down.
	ws.Close()
	waitFor(t, func() bool { return len(handler.Active()) == 0 }, "session teardown")

	entries, err := os.ReadDir(cfg.Trace.Dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one trace bundle, got %v (%v)", entries, err)
	}
	trace, err := replay.Load(filepath.Join(cfg.Trace.Dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("load trace: %v", err)
	}
	if trace.Manifest.ClosedAt == "" || len(trace.Frames) != 3 {
		t.Fatalf("unexpected trace manifest=%+v frames=%d", trace.Manifest, len(trace.Frames))
	}
	if trace.Frames[2].Kind != replay.FrameFire {
		t.Fatalf("expected fire as the last frame, got %s", trace.Frames[2].Kind)
	}
}

func TestUnresponsivePeerIsDropped(t *testing.T) {
	cfg := testConfig(t)
	cfg.PingInterval = 50 * time.Millisecond
	handler, server := startServer(t, cfg)
	ws, _, err := websockettest.DialIgnoringPongs(server.URL, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	waitFor(t, func() bool { return len(handler.Active()) == 1 }, "session start")

	//1.- Keep reading so pings arrive, but never answer them.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitFor(t, func() bool { return len(handler.Active()) == 0 }, "ping timeout")
}

func TestIdleFramesStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.FrameHz = 100
	_, server := startServer(t, cfg)
	ws := dial(t, server, "")
	var frame FramePayload
	if err := json.Unmarshal(next(t, ws, MessageFrame).Payload, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Frame == 0 || frame.Monster.Position.Z != encounter.DefaultAnchor.Z {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestOfferSnapshotKeepsNewest(t *testing.T) {
	c := &conn{snapshots: make(chan encounter.Snapshot, 1), send: make(chan Envelope, 1)}
	c.offerSnapshot(encounter.Snapshot{Version: 1})
	c.offerSnapshot(encounter.Snapshot{Version: 2})
	if got := <-c.snapshots; got.Version != 2 {
		t.Fatalf("expected newest snapshot, got version %d", got.Version)
	}
	if !c.enqueue(Envelope{Type: MessageFrame}) || c.enqueue(Envelope{Type: MessageFrame}) {
		t.Fatal("expected second enqueue to drop on a full buffer")
	}
	c.closeSend()
	c.closeSend()
	if c.enqueue(Envelope{Type: MessageFrame}) {
		t.Fatal("expected enqueue after close to fail")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://hunt.example/"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if !check(req) {
		t.Fatal("requests without Origin are allowed")
	}
	req.Header.Set("Origin", "https://HUNT.example")
	if !check(req) {
		t.Fatal("expected configured origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Fatal("expected foreign origin to be rejected")
	}
}
