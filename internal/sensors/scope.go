// Package sensors models the device-side subscriptions an encounter owns and
// the samples they deliver: geolocation fixes, orientation angles and the
// permission signal.
package sensors

import (
	"errors"
	"fmt"
	"sync"
)

// Subscription names used by encounter sessions.
const (
	Geolocation = "geolocation"
	Orientation = "orientation"
	Camera      = "camera"
)

// ReleaseFunc stops one subscription.
type ReleaseFunc func() error

type acquired struct {
	name    string
	release ReleaseFunc
}

// Scope owns a set of subscriptions and releases all of them exactly once.
type Scope struct {
	mu       sync.Mutex
	held     []acquired
	released bool
}

// NewScope returns an empty scope.
func NewScope() *Scope { return &Scope{} }

// Acquire registers a subscription. Acquiring on a released scope releases the resource immediately.
func (s *Scope) Acquire(name string, release ReleaseFunc) error {
	if release == nil {
		return nil
	}
	if s == nil {
		return release()
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		//1.- The owner is gone, so nothing else will ever release it.
		if err := release(); err != nil {
			return fmt.Errorf("release %s: %w", name, err)
		}
		return nil
	}
	s.held = append(s.held, acquired{name: name, release: release})
	s.mu.Unlock()
	return nil
}

// Held lists the names of subscriptions still owned, in acquisition order.
func (s *Scope) Held() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.held))
	for i, entry := range s.held {
		names[i] = entry.name
	}
	return names
}

// Released reports whether Release has run.
func (s *Scope) Released() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release stops every subscription in reverse acquisition order. Failures do
// not stop the remaining releases; they are joined into the returned error.
// Later calls return nil.
func (s *Scope) Release() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	held := s.held
	s.held = nil
	s.mu.Unlock()

	var errs []error
	for i := len(held) - 1; i >= 0; i-- {
		if err := safeRelease(held[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeRelease(entry acquired) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("release %s: panic: %v", entry.name, recovered)
		}
	}()
	if releaseErr := entry.release(); releaseErr != nil {
		return fmt.Errorf("release %s: %w", entry.name, releaseErr)
	}
	return nil
}
