package geo

import (
	"errors"
	"sync"
)

var (
	// ErrNotInitialized signals that no origin has been captured yet; callers treat it as "no offset available".
	ErrNotInitialized = errors.New("origin not initialised")
	// ErrOriginAlreadySet is returned when the origin is assigned a second time.
	ErrOriginAlreadySet = errors.New("origin already set")
	// ErrStaleFix rejects fixes that are not newer than the latest accepted one.
	ErrStaleFix = errors.New("fix is not newer than the latest accepted fix")
	// ErrInaccurateFix rejects fixes whose accuracy radius exceeds the configured bound.
	ErrInaccurateFix = errors.New("fix accuracy below threshold")
)

// DropReason enumerates why the tracker discarded a fix.
type DropReason string

const (
	DropReasonStale      DropReason = "stale"
	DropReasonInvalid    DropReason = "invalid"
	DropReasonInaccurate DropReason = "inaccurate"
)

// DropCounters aggregates discarded fixes per reason.
type DropCounters struct {
	Stale      uint64 `json:"stale"`
	Invalid    uint64 `json:"invalid"`
	Inaccurate uint64 `json:"inaccurate"`
}

// TrackerOption customises tracker construction.
type TrackerOption func(*Tracker)

// WithMaxAccuracy discards fixes reporting an accuracy radius above meters. Zero disables the filter.
func WithMaxAccuracy(meters float64) TrackerOption {
	return func(t *Tracker) {
		if meters > 0 {
			t.maxAccuracy = meters
		}
	}
}

// Tracker anchors an origin once and projects the most recent fix against it.
//
// The origin is assigned during the initialisation phase, either explicitly
// through SetOrigin or implicitly by the first accepted fix, and never
// changes afterwards. Only the latest fix is retained so the reported offset
// is always Project(origin, latest).
type Tracker struct {
	mu          sync.Mutex
	origin      *Fix
	latest      *Fix
	maxAccuracy float64
	drops       DropCounters
}

// NewTracker constructs an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	tracker := &Tracker{}
	for _, opt := range opts {
		if opt != nil {
			opt(tracker)
		}
	}
	return tracker
}

// SetOrigin captures the origin. Later calls leave the origin untouched and return ErrOriginAlreadySet.
func (t *Tracker) SetOrigin(fix Fix) error {
	if t == nil {
		return ErrNotInitialized
	}
	if err := fix.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.origin != nil {
		return ErrOriginAlreadySet
	}
	t.assignOriginLocked(fix)
	return nil
}

// Observe accepts a new fix and returns the refreshed offset.
func (t *Tracker) Observe(fix Fix) (Offset, error) {
	if t == nil {
		return Offset{}, ErrNotInitialized
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	//1.- Drop garbage before it can become the origin.
	if err := fix.Validate(); err != nil {
		t.drops.Invalid++
		return Offset{}, err
	}
	if t.maxAccuracy > 0 && fix.AccuracyMeters > t.maxAccuracy {
		t.drops.Inaccurate++
		return Offset{}, ErrInaccurateFix
	}
	//2.- The first accepted fix closes the initialisation phase.
	if t.origin == nil {
		t.assignOriginLocked(fix)
		return Offset{}, nil
	}
	//3.- Enforce monotonic timestamps so delayed network fixes cannot rewind the camera.
	if t.latest != nil && fix.TimestampMs <= t.latest.TimestampMs {
		t.drops.Stale++
		return Project(*t.origin, *t.latest), ErrStaleFix
	}
	latest := fix
	t.latest = &latest
	return Project(*t.origin, latest), nil
}

// Offset reports the projection of the latest fix, or ErrNotInitialized before the origin exists.
func (t *Tracker) Offset() (Offset, error) {
	if t == nil {
		return Offset{}, ErrNotInitialized
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.origin == nil || t.latest == nil {
		return Offset{}, ErrNotInitialized
	}
	return Project(*t.origin, *t.latest), nil
}

// Origin returns the captured origin, if any.
func (t *Tracker) Origin() (Fix, bool) {
	if t == nil {
		return Fix{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.origin == nil {
		return Fix{}, false
	}
	return *t.origin, true
}

// Drops returns the per-reason discard counters.
func (t *Tracker) Drops() DropCounters {
	if t == nil {
		return DropCounters{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drops
}

// Reset forgets the origin so a fresh session can start. Only session teardown calls it.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.origin = nil
	t.latest = nil
	t.drops = DropCounters{}
	t.mu.Unlock()
}

func (t *Tracker) assignOriginLocked(fix Fix) {
	origin := fix
	latest := fix
	t.origin = &origin
	t.latest = &latest
}
