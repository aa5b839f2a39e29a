package encounter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"monsterhunt/arengine/internal/catalog"
	"monsterhunt/arengine/internal/geo"
	"monsterhunt/arengine/internal/logging"
	"monsterhunt/arengine/internal/physics"
	"monsterhunt/arengine/internal/sensors"
)

const (
	// DefaultMessageTTL is how long a transient message stays visible.
	DefaultMessageTTL = 2 * time.Second
	// DefaultEyeHeight places the camera above the ground plane, in meters.
	DefaultEyeHeight = 1.6
	// DefaultHalfExtent sizes the monster's bounding cube (1 m edge).
	DefaultHalfExtent = 0.5
)

// DefaultAnchor is where the monster stands in scene space, in front of the starting camera.
var DefaultAnchor = physics.Vec3{Z: -5}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules fn after d.
type TimerFunc func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// Observer receives a snapshot after every change. It runs while the session
// is locked and must not call back into the session.
type Observer func(Snapshot)

// Snapshot is the presentation view of an encounter.
type Snapshot struct {
	SessionID       string     `json:"session_id"`
	Version         uint64     `json:"version"`
	MonsterID       string     `json:"monster_id"`
	MonsterName     string     `json:"monster_name"`
	HP              int        `json:"hp"`
	MaxHP           int        `json:"max_hp"`
	State           State      `json:"state"`
	Weapon          string     `json:"weapon,omitempty"`
	Loadout         []string   `json:"loadout"`
	Message         string     `json:"message,omitempty"`
	Offset          geo.Offset `json:"offset"`
	OffsetAvailable bool       `json:"offset_available"`
	PositionStale   bool       `json:"position_stale"`
	Closed          bool       `json:"closed"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Option customises a session.
type Option func(*Session)

// WithSessionID overrides the generated identifier.
func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithClock overrides the wall clock used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimerFunc overrides how message expiry timers are scheduled.
func WithTimerFunc(fn TimerFunc) Option {
	return func(s *Session) {
		if fn != nil {
			s.after = fn
		}
	}
}

// WithDamage sets the fixed damage per hit.
func WithDamage(damage int) Option {
	return func(s *Session) {
		if damage > 0 {
			s.damage = damage
		}
	}
}

// WithMessageTTL sets how long transient messages stay visible.
func WithMessageTTL(ttl time.Duration) Option {
	return func(s *Session) {
		if ttl > 0 {
			s.messageTTL = ttl
		}
	}
}

// WithEyeHeight sets the camera height above the ground.
func WithEyeHeight(meters float64) Option {
	return func(s *Session) {
		if meters > 0 {
			s.eyeHeight = meters
		}
	}
}

// WithAnchor places the monster at anchor with a cube of the given half extent.
func WithAnchor(anchor physics.Vec3, halfExtent float64) Option {
	return func(s *Session) {
		s.anchor = anchor
		if halfExtent > 0 {
			s.halfExtent = halfExtent
		}
	}
}

// WithCollider replaces the monster collider entirely.
func WithCollider(collider physics.Collider) Option {
	return func(s *Session) {
		s.collider = collider
	}
}

// WithTracker supplies the projector used for camera placement.
func WithTracker(tracker *geo.Tracker) Option {
	return func(s *Session) {
		if tracker != nil {
			s.tracker = tracker
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithObserver registers the snapshot observer.
func WithObserver(observer Observer) Option {
	return func(s *Session) {
		s.observer = observer
	}
}

// Session owns one monster encounter.
type Session struct {
	mu sync.Mutex

	id         string
	monster    catalog.Monster
	loadout    []catalog.Item
	hp         int
	state      State
	weapon     string
	closed     bool
	orient     physics.Quaternion
	stale      bool
	version    uint64
	damage     int
	eyeHeight  float64
	anchor     physics.Vec3
	halfExtent float64
	collider   physics.Collider

	message      string
	messageGen   uint64
	messageTimer Timer
	messageTTL   time.Duration

	tracker  *geo.Tracker
	scope    *sensors.Scope
	now      func() time.Time
	after    TimerFunc
	logger   *logging.Logger
	observer Observer
}

// NewSession opens an encounter against monster with the given loadout. The
// first loadout item starts equipped.
func NewSession(monster catalog.Monster, loadout []catalog.Item, opts ...Option) (*Session, error) {
	if monster.ID == "" {
		return nil, catalog.ErrUnknownMonster
	}
	if monster.MaxHP <= 0 {
		return nil, fmt.Errorf("monster %s: max hp must be positive", monster.ID)
	}
	if len(loadout) > catalog.MaxLoadout {
		return nil, catalog.ErrLoadoutFull
	}
	session := &Session{
		id:         uuid.NewString(),
		monster:    monster,
		loadout:    append([]catalog.Item(nil), loadout...),
		hp:         monster.MaxHP,
		state:      StateAwaitingSensorPermission,
		orient:     physics.Identity(),
		damage:     DefaultDamage,
		eyeHeight:  DefaultEyeHeight,
		anchor:     DefaultAnchor,
		halfExtent: DefaultHalfExtent,
		messageTTL: DefaultMessageTTL,
		scope:      sensors.NewScope(),
		now:        time.Now,
		after:      afterFunc,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(session)
		}
	}
	//1.- Hold a direct handle to the monster collider rather than tagging scene nodes.
	if session.collider == nil {
		session.collider = physics.NewCube(session.anchor, session.halfExtent*2)
	}
	if session.tracker == nil {
		session.tracker = geo.NewTracker()
	}
	if len(session.loadout) > 0 {
		session.weapon = session.loadout[0].ID
	}
	session.logger = session.logger.With(
		logging.SessionID(session.id),
		logging.MonsterID(monster.ID),
	)
	session.logger.Info("encounter opened", logging.Int("max_hp", monster.MaxHP))
	return session, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Collider exposes the monster collider used by hit tests.
func (s *Session) Collider() physics.Collider {
	if s == nil {
		return nil
	}
	return s.collider
}

// Acquire registers a sensor subscription owned by this session. It is released on teardown.
func (s *Session) Acquire(name string, release sensors.ReleaseFunc) error {
	if s == nil {
		return ErrSessionClosed
	}
	return s.scope.Acquire(name, release)
}

// GrantSensors moves the encounter into combat once device access is granted.
func (s *Session) GrantSensors() error {
	if s == nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateAwaitingSensorPermission {
		return nil
	}
	s.state = StateActive
	s.logger.Info("sensors granted")
	s.notifyLocked()
	return nil
}

// DenySensors records a refused permission prompt. The encounter stays blocked.
func (s *Session) DenySensors() error {
	if s == nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateAwaitingSensorPermission {
		return nil
	}
	s.logger.Warn("sensors denied")
	s.setMessageLocked(MessageSensorsDenied)
	s.notifyLocked()
	return ErrSensorPermissionDenied
}

// SelectWeapon equips an item from the loadout. An empty id holsters the current weapon.
func (s *Session) SelectWeapon(itemID string) error {
	if s == nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state == StateResolved {
		return ErrResolved
	}
	if itemID != "" && !s.inLoadoutLocked(itemID) {
		return fmt.Errorf("%w: %q", ErrUnknownWeapon, itemID)
	}
	if s.weapon == itemID {
		return nil
	}
	s.weapon = itemID
	s.notifyLocked()
	return nil
}

// ObserveFix feeds a geolocation fix to the projector and returns the camera offset.
func (s *Session) ObserveFix(fix geo.Fix) (geo.Offset, error) {
	if s == nil {
		return geo.Offset{}, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return geo.Offset{}, ErrSessionClosed
	}
	if s.state == StateAwaitingSensorPermission {
		return geo.Offset{}, ErrAwaitingPermission
	}
	offset, err := s.tracker.Observe(fix)
	if err != nil {
		//1.- Dropped fixes are routine noise, the previous offset stays in effect.
		s.logger.Debug("fix dropped", logging.Error(err), logging.Int64("timestamp_ms", fix.TimestampMs))
		return offset, err
	}
	s.stale = false
	s.notifyLocked()
	return offset, nil
}

// SignalLost marks the position as stale. Combat continues with the last offset.
func (s *Session) SignalLost() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stale {
		return
	}
	s.stale = true
	s.logger.Debug("geolocation signal lost")
	s.notifyLocked()
}

// ObserveOrientation updates the camera rotation.
func (s *Session) ObserveOrientation(q physics.Quaternion) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.orient = q.Normalize()
}

// CameraPose returns the current camera pose. Geographic east maps to +X and
// north to -Z, the direction an upright device faces at alpha zero.
func (s *Session) CameraPose() physics.Pose {
	if s == nil {
		return physics.Pose{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraPoseLocked()
}

// Trigger fires along the current camera pose.
func (s *Session) Trigger() Outcome {
	if s == nil {
		return Outcome{Kind: OutcomeRejected, Reason: ErrSessionClosed}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(s.cameraPoseLocked())
}

// Fire runs one fire action from pose.
func (s *Session) Fire(pose physics.Pose) Outcome {
	if s == nil {
		return Outcome{Kind: OutcomeRejected, Reason: ErrSessionClosed}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(pose)
}

func (s *Session) fireLocked(pose physics.Pose) Outcome {
	//1.- Only an active, open session accepts fire actions.
	switch {
	case s.closed:
		return Outcome{Kind: OutcomeRejected, RemainingHP: s.hp, Reason: ErrSessionClosed}
	case s.state == StateResolved:
		return Outcome{Kind: OutcomeRejected, RemainingHP: s.hp, Reason: ErrResolved}
	case s.state != StateActive:
		return Outcome{Kind: OutcomeRejected, RemainingHP: s.hp, Reason: ErrAwaitingPermission}
	}

	result := Resolve(s.weapon, pose, s.collider)
	outcome := Outcome{Kind: result.Kind, Weapon: s.weapon, RemainingHP: s.hp}
	switch result.Kind {
	case OutcomeNoWeapon:
		outcome.Message = MessageNoWeapon
	case OutcomeMiss:
		outcome.Message = MessageMiss
	case OutcomeHit:
		//2.- Apply the fixed damage and resolve the instant hp reaches zero.
		s.hp = ApplyDamage(s.hp, s.damage)
		outcome.Damage = s.damage
		outcome.RemainingHP = s.hp
		outcome.Distance = result.Hit.Distance
		outcome.Message = HitMessage(s.damage)
		if s.hp == 0 {
			s.state = StateResolved
			outcome.Resolved = true
			s.logger.Info("monster defeated", logging.String("weapon", s.weapon))
		}
	}
	//3.- Every outcome overwrites the visible message.
	s.setMessageLocked(outcome.Message)
	s.notifyLocked()
	return outcome
}

// Teardown discards the session. Pending timers become no-ops, every sensor
// subscription is released and the projector origin is forgotten. It is safe
// to call more than once.
func (s *Session) Teardown() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.messageTimer != nil {
		s.messageTimer.Stop()
		s.messageTimer = nil
	}
	s.messageGen++
	s.message = ""
	s.tracker.Reset()
	s.notifyLocked()
	s.observer = nil
	s.mu.Unlock()

	//1.- Release outside the lock so slow adapters cannot stall late callers.
	err := s.scope.Release()
	if err != nil {
		s.logger.Warn("sensor release failed", logging.Error(err))
	}
	s.logger.Info("encounter torn down")
	return err
}

// Closed reports whether Teardown ran.
func (s *Session) Closed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot returns the presentation view.
func (s *Session) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{Closed: true}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	loadout := make([]string, len(s.loadout))
	for i, item := range s.loadout {
		loadout[i] = item.ID
	}
	offset, err := s.tracker.Offset()
	return Snapshot{
		SessionID:       s.id,
		Version:         s.version,
		MonsterID:       s.monster.ID,
		MonsterName:     s.monster.DisplayName,
		HP:              s.hp,
		MaxHP:           s.monster.MaxHP,
		State:           s.state,
		Weapon:          s.weapon,
		Loadout:         loadout,
		Message:         s.message,
		Offset:          offset,
		OffsetAvailable: err == nil && !s.closed,
		PositionStale:   s.stale,
		Closed:          s.closed,
		UpdatedAt:       s.now(),
	}
}

func (s *Session) cameraPoseLocked() physics.Pose {
	offset, err := s.tracker.Offset()
	if errors.Is(err, geo.ErrNotInitialized) {
		offset = geo.Offset{}
	}
	return physics.Pose{
		Position:    physics.Vec3{X: offset.X, Y: s.eyeHeight, Z: -offset.Z},
		Orientation: s.orient,
	}
}

func (s *Session) setMessageLocked(message string) {
	if s.messageTimer != nil {
		s.messageTimer.Stop()
		s.messageTimer = nil
	}
	s.messageGen++
	s.message = message
	if message == "" {
		return
	}
	//1.- The timer only clears the message it was armed for.
	gen := s.messageGen
	s.messageTimer = s.after(s.messageTTL, func() { s.expireMessage(gen) })
}

func (s *Session) expireMessage(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.messageGen != gen {
		return
	}
	s.message = ""
	s.messageTimer = nil
	s.notifyLocked()
}

func (s *Session) inLoadoutLocked(itemID string) bool {
	for _, item := range s.loadout {
		if item.ID == itemID {
			return true
		}
	}
	return false
}

func (s *Session) notifyLocked() {
	s.version++
	if s.observer != nil {
		s.observer(s.snapshotLocked())
	}
}
