package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/types/known/structpb"

	"monsterhunt/arengine/internal/catalog"
	"monsterhunt/arengine/internal/encounter"
	"monsterhunt/arengine/internal/events"
	"monsterhunt/arengine/internal/geo"
	"monsterhunt/arengine/internal/logging"
	"monsterhunt/arengine/internal/physics"
	"monsterhunt/arengine/internal/replay"
	"monsterhunt/arengine/internal/sensors"
	"monsterhunt/arengine/internal/simulation"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var errPayloadRequired = errors.New("payload required")

// conn binds one socket to one encounter session. Commands are consumed by a
// single goroutine; the reader and writer pumps only move bytes.
type conn struct {
	h       *Handler
	ws      *websocket.Conn
	subject string
	monster catalog.Monster
	log     *logging.Logger

	session *encounter.Session
	tracker *geo.Tracker
	gate    *sensors.Gate
	trace   *replay.Writer
	loop    *simulation.Loop
	monitor *simulation.TickMonitor

	commands   chan inboundMessage
	snapshots  chan encounter.Snapshot
	readerDone chan struct{}
	stopped    chan struct{}

	sendMu     sync.Mutex
	send       chan Envelope
	sendClosed bool

	acquired bool
	// retired is guarded by the handler mutex.
	retired bool
}

func newConn(h *Handler, ws *websocket.Conn, subject string, monster catalog.Monster, loadout []catalog.Item, logger *logging.Logger) (*conn, error) {
	cfg := h.cfg
	buffer := cfg.CommandBuffer
	if buffer <= 0 {
		buffer = 1
	}
	c := &conn{
		h:          h,
		ws:         ws,
		subject:    subject,
		monster:    monster,
		tracker:    geo.NewTracker(geo.WithMaxAccuracy(cfg.Combat.FixMaxAccuracy)),
		gate:       sensors.NewGate(sensors.GateConfig{MinInterval: cfg.OrientationGap}),
		monitor:    simulation.NewTickMonitor(),
		commands:   make(chan inboundMessage, buffer),
		snapshots:  make(chan encounter.Snapshot, 1),
		readerDone: make(chan struct{}),
		stopped:    make(chan struct{}),
		send:       make(chan Envelope, sendBuffer),
	}

	session, err := encounter.NewSession(monster, loadout,
		encounter.WithDamage(cfg.Combat.Damage),
		encounter.WithMessageTTL(cfg.Combat.MessageTTL),
		encounter.WithEyeHeight(cfg.Combat.EyeHeight),
		encounter.WithTracker(c.tracker),
		encounter.WithClock(h.now),
		encounter.WithLogger(logger.With(logging.Subject(subject))),
		encounter.WithObserver(c.offerSnapshot),
	)
	if err != nil {
		return nil, err
	}
	c.session = session
	c.log = logger.With(logging.SessionID(session.ID()))

	if cfg.Trace.Dir != "" {
		ids := make([]string, len(loadout))
		for i, item := range loadout {
			ids[i] = item.ID
		}
		writer, _, err := replay.NewWriter(cfg.Trace.Dir, replay.Metadata{
			SessionID: session.ID(),
			MonsterID: monster.ID,
			Loadout:   ids,
		}, h.now)
		if err != nil {
			//1.- A broken trace sink never blocks the hunt.
			c.log.Warn("trace disabled for session", logging.Error(err))
		} else {
			c.trace = writer
		}
	}
	if cfg.FrameHz > 0 {
		c.loop = simulation.NewLoop(cfg.FrameHz, c.renderFrame, simulation.WithMonitor(c.monitor))
	}
	return c, nil
}

func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go c.writePump(writerDone)
	go c.readPump()

	c.publishLifecycle(events.PhaseOpened)
	c.offerSnapshot(c.session.Snapshot())
	c.loop.Start(ctx)

	c.consume(ctx)
	close(c.stopped)

	//1.- Tear down synchronously so nothing outlives the socket.
	c.loop.Stop()
	c.h.retire(c)
	if err := c.session.Teardown(); err != nil {
		c.log.Warn("teardown reported errors", logging.Error(err))
	}
	c.drainSnapshots()
	c.publishLifecycle(events.PhaseClosed)
	c.h.forgetLater(c.session.ID())
	if c.trace != nil {
		if err := c.trace.Close(); err != nil {
			c.log.Warn("trace close failed", logging.Error(err))
		}
	}
	stats := c.monitor.Snapshot()
	c.log.Info("session closed",
		logging.Int("frames", stats.Samples),
		logging.Duration("frame_max", stats.Max),
	)

	c.closeSend()
	<-writerDone
	_ = c.ws.Close()
	<-c.readerDone
}

func (c *conn) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.readerDone:
			c.drainCommands()
			return
		case snapshot := <-c.snapshots:
			c.deliverSnapshot(snapshot)
		case msg := <-c.commands:
			if !c.handle(msg) {
				return
			}
		}
	}
}

// drainCommands runs whatever the reader queued before it stopped, up to leave.
func (c *conn) drainCommands() {
	for {
		select {
		case msg := <-c.commands:
			if !c.handle(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) readPump() {
	defer close(c.readerDone)
	cfg := c.h.cfg
	if cfg.MaxPayloadBytes > 0 {
		c.ws.SetReadLimit(cfg.MaxPayloadBytes)
	}
	if cfg.PingInterval > 0 {
		pongWait := 2 * cfg.PingInterval
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read ended", logging.Error(err))
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.notice(NoticeBadRequest, "", "malformed command")
			continue
		}
		//1.- Leave must not be dropped; everything queued before it still runs.
		if msg.Type == CommandLeave {
			select {
			case c.commands <- msg:
			case <-c.stopped:
			}
			return
		}
		select {
		case c.commands <- msg:
		default:
			c.notice(NoticeBusy, msg.Type, "command dropped")
		}
	}
}

func (c *conn) writePump(done chan<- struct{}) {
	defer close(done)
	var ping <-chan time.Time
	if c.h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.h.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case env, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				c.log.Debug("websocket write failed", logging.Error(err))
				_ = c.ws.Close()
				c.closeSend()
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				c.closeSend()
				return
			}
		}
	}
}

// handle applies one command and reports whether the session continues.
func (c *conn) handle(msg inboundMessage) bool {
	switch msg.Type {
	case CommandPermission:
		var payload permissionPayload
		if err := decode(msg, &payload); err != nil {
			c.notice(NoticeBadRequest, msg.Type, err.Error())
			return true
		}
		permission, err := sensors.ParsePermission(payload.State)
		if err != nil {
			c.notice(NoticeBadRequest, msg.Type, err.Error())
			return true
		}
		c.record(replay.Frame{Kind: replay.FramePermission, Detail: string(permission)})
		c.applyPermission(permission)
	case CommandFix:
		var sample sensors.GeoSample
		if err := decode(msg, &sample); err != nil {
			c.notice(NoticeBadRequest, msg.Type, err.Error())
			return true
		}
		if sample.Timestamp == 0 {
			sample.Timestamp = c.h.now().UnixMilli()
		}
		c.record(replay.Frame{Kind: replay.FrameFix, Fix: &sample})
		if _, err := c.session.ObserveFix(sample.Fix()); err != nil {
			//1.- Stale, invalid and inaccurate fixes keep the previous offset but are still reported.
			c.notice(NoticeRejected, msg.Type, err.Error())
		}
	case CommandFixLost:
		c.record(replay.Frame{Kind: replay.FrameFixLost})
		c.session.SignalLost()
	case CommandOrientation:
		var sample sensors.OrientationSample
		if err := decode(msg, &sample); err != nil {
			c.notice(NoticeBadRequest, msg.Type, err.Error())
			return true
		}
		if reason := c.gate.Admit(sensors.Orientation, sample.Sequence); reason != sensors.DropReasonNone {
			return true
		}
		q, err := sample.Quaternion()
		if err != nil {
			c.notice(NoticeBadRequest, msg.Type, err.Error())
			return true
		}
		c.record(replay.Frame{Kind: replay.FrameOrientation, Orientation: &sample})
		c.session.ObserveOrientation(q)
	case CommandSelectWeapon:
		var payload weaponPayload
		if err := decode(msg, &payload); err != nil {
			c.notice(NoticeBadRequest, msg.Type, err.Error())
			return true
		}
		c.record(replay.Frame{Kind: replay.FrameWeapon, Detail: payload.Item})
		if err := c.session.SelectWeapon(payload.Item); err != nil {
			c.notice(NoticeRejected, msg.Type, err.Error())
		}
	case CommandFire:
		c.record(replay.Frame{Kind: replay.FrameFire})
		c.deliverOutcome(c.session.Trigger())
	case CommandLeave:
		return false
	default:
		c.notice(NoticeBadRequest, msg.Type, fmt.Sprintf("unknown command %q", msg.Type))
	}
	return true
}

func (c *conn) applyPermission(permission sensors.Permission) {
	switch permission {
	case sensors.PermissionGranted:
		if err := c.session.GrantSensors(); err != nil {
			c.notice(NoticeRejected, CommandPermission, err.Error())
			return
		}
		if c.acquired {
			return
		}
		c.acquired = true
		//1.- Every granted sensor is handed back to the client on teardown.
		for _, name := range []string{sensors.Geolocation, sensors.Orientation, sensors.Camera} {
			sensor := name
			if err := c.session.Acquire(sensor, func() error {
				if sensor == sensors.Orientation {
					c.gate.Forget(sensor)
				}
				c.enqueue(Envelope{Type: MessageRelease, Payload: ReleasePayload{Sensor: sensor}})
				return nil
			}); err != nil {
				c.log.Warn("sensor acquire failed", logging.String("sensor", sensor), logging.Error(err))
			}
		}
		c.publishLifecycle(events.PhaseActive)
	case sensors.PermissionDenied:
		if err := c.session.DenySensors(); err != nil {
			c.notice(NoticeRejected, CommandPermission, err.Error())
		}
	}
}

func (c *conn) deliverOutcome(outcome encounter.Outcome) {
	c.enqueue(Envelope{Type: MessageOutcome, Payload: OutcomePayload{Outcome: outcome, Rejection: outcome.Rejection()}})
	payload, err := events.OutcomeStruct(c.session.ID(), outcome)
	c.publish(events.KindOutcome, payload, err)
	if outcome.Resolved {
		c.publishLifecycle(events.PhaseResolved)
	}
}

func (c *conn) deliverSnapshot(snapshot encounter.Snapshot) {
	c.enqueue(Envelope{Type: MessageSnapshot, Payload: snapshot})
	payload, err := events.SnapshotStruct(snapshot)
	c.publish(events.KindSnapshot, payload, err)
}

func (c *conn) publishLifecycle(phase string) {
	payload, err := events.LifecycleStruct(c.session.ID(), phase, c.monster.ID)
	c.publish(events.KindLifecycle, payload, err)
}

// offerSnapshot keeps only the newest pending snapshot. It runs under the
// session lock, so offers never race each other.
func (c *conn) offerSnapshot(snapshot encounter.Snapshot) {
	for {
		select {
		case c.snapshots <- snapshot:
			return
		default:
		}
		select {
		case <-c.snapshots:
		default:
		}
	}
}

func (c *conn) drainSnapshots() {
	select {
	case snapshot := <-c.snapshots:
		c.deliverSnapshot(snapshot)
	default:
	}
}

func (c *conn) renderFrame(frame uint64, step time.Duration) {
	elapsed := float64(frame) * step.Seconds()
	pose := physics.IdleTransform(encounter.DefaultAnchor, elapsed, frame)
	c.enqueue(Envelope{Type: MessageFrame, Payload: FramePayload{Frame: frame, Monster: pose}})
}

func (c *conn) publish(kind events.Kind, payload *structpb.Struct, err error) {
	if err != nil {
		c.log.Warn("event encode failed", logging.String("kind", string(kind)), logging.Error(err))
		return
	}
	var sequence uint64
	if c.h.stream != nil {
		sequence, err = c.h.stream.Publish(kind, c.session.ID(), payload)
		if err != nil && !errors.Is(err, events.ErrStreamClosed) {
			c.log.Warn("event publish failed", logging.String("kind", string(kind)), logging.Error(err))
		}
	}
	if c.trace != nil {
		envelope := &events.Envelope{Sequence: sequence, Kind: kind, SessionID: c.session.ID(), Payload: payload}
		if err := c.trace.AppendEvent(envelope); err != nil {
			c.log.Debug("trace event dropped", logging.Error(err))
		}
	}
}

func (c *conn) record(frame replay.Frame) {
	if c.trace == nil {
		return
	}
	if err := c.trace.AppendFrame(frame); err != nil {
		c.log.Debug("trace frame dropped", logging.Error(err))
	}
}

func (c *conn) drops() DropStats {
	return DropStats{
		Fixes:       c.tracker.Drops(),
		Orientation: c.gate.Counters()[sensors.Orientation],
	}
}

func (c *conn) notice(code, command, message string) {
	c.enqueue(Envelope{Type: MessageNotice, Payload: Notice{Code: code, Command: command, Message: message}})
}

// enqueue never blocks; a saturated client loses messages rather than stalling the session.
func (c *conn) enqueue(env Envelope) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *conn) closeSocket(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func decode(msg inboundMessage, into any) error {
	if len(msg.Payload) == 0 {
		return errPayloadRequired
	}
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}
