package catalog

import (
	"errors"
	"fmt"
	"sync"
)

// MaxLoadout caps how many items a player can carry into an encounter.
const MaxLoadout = 3

// ErrLoadoutFull is returned when equipping beyond MaxLoadout.
var ErrLoadoutFull = errors.New("loadout full")

// Loadout is the ordered subset of owned items selected for combat.
type Loadout struct {
	mu    sync.Mutex
	items []Item
}

// NewLoadout equips ids in order, stopping at the first failure.
func NewLoadout(ids ...string) (*Loadout, error) {
	loadout := &Loadout{}
	for _, id := range ids {
		if err := loadout.Equip(id); err != nil {
			return nil, err
		}
	}
	return loadout, nil
}

// Equip adds an owned item. Equipping an item twice is a no-op.
func (l *Loadout) Equip(id string) error {
	if l == nil {
		return ErrLoadoutFull
	}
	item, err := ItemByID(id)
	if err != nil {
		return fmt.Errorf("equip %q: %w", id, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.items {
		if existing.ID == id {
			return nil
		}
	}
	if len(l.items) >= MaxLoadout {
		return ErrLoadoutFull
	}
	l.items = append(l.items, item)
	return nil
}

// Unequip removes an item if present.
func (l *Loadout) Unequip(id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.items[:0]
	for _, item := range l.items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	l.items = kept
}

// Contains reports whether id is equipped.
func (l *Loadout) Contains(id string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range l.items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// Items returns a copy of the equipped items in equip order.
func (l *Loadout) Items() []Item {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}
