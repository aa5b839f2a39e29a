package catalog

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"monsterhunt/arengine/internal/geo"
)

const (
	// DefaultSpawnCount is how many monsters appear around a player.
	DefaultSpawnCount = 5
	// MaxSpawnCount caps the markers a single player may request.
	MaxSpawnCount = 20
	// SpawnSpreadDegrees bounds the random lat/lng offset on each side of the player.
	SpawnSpreadDegrees = 0.0025
	// DefaultSpawnTTL is how long a player's markers survive without a new request.
	DefaultSpawnTTL = time.Hour
	// DefaultSpawnCapacity bounds how many players keep markers at once.
	DefaultSpawnCapacity = 1024
)

var (
	// ErrSpawnCount rejects marker counts above MaxSpawnCount.
	ErrSpawnCount = fmt.Errorf("spawn count must be at most %d", MaxSpawnCount)
	// ErrPlayerRequired is returned when Spawn is called without a player key.
	ErrPlayerRequired = errors.New("player key required")
)

// POI is a map marker for a spawned monster.
type POI struct {
	ID        string  `json:"id"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Type      string  `json:"type"`
	Monster   Monster `json:"data"`
}

// SpawnerOption customises a Spawner.
type SpawnerOption func(*Spawner)

// WithRand seeds marker placement, mostly for tests.
func WithRand(rng *rand.Rand) SpawnerOption {
	return func(s *Spawner) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// WithSpawnClock overrides the clock used for marker expiry.
func WithSpawnClock(now func() time.Time) SpawnerOption {
	return func(s *Spawner) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSpawnTTL sets how long idle markers are kept.
func WithSpawnTTL(ttl time.Duration) SpawnerOption {
	return func(s *Spawner) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSpawnCapacity bounds how many players keep markers.
func WithSpawnCapacity(players int) SpawnerOption {
	return func(s *Spawner) {
		if players > 0 {
			s.capacity = players
		}
	}
}

type spawnedMap struct {
	pois     []POI
	lastSeen time.Time
}

// Spawner places monsters around the first position each player reports.
type Spawner struct {
	mu       sync.Mutex
	rng      *rand.Rand
	now      func() time.Time
	ttl      time.Duration
	capacity int
	maps     map[string]*spawnedMap
}

// NewSpawner creates a spawner. Without WithRand it uses a randomly seeded source.
func NewSpawner(opts ...SpawnerOption) *Spawner {
	s := &Spawner{
		now:      time.Now,
		ttl:      DefaultSpawnTTL,
		capacity: DefaultSpawnCapacity,
		maps:     make(map[string]*spawnedMap),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Spawn scatters count monsters around center for player. Once a player has
// markers later calls return them unchanged until they expire.
func (s *Spawner) Spawn(player string, center geo.Fix, count int) ([]POI, error) {
	if s == nil {
		return nil, nil
	}
	if player == "" {
		return nil, ErrPlayerRequired
	}
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if count > MaxSpawnCount {
		return nil, ErrSpawnCount
	}
	if count <= 0 {
		count = DefaultSpawnCount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.expireLocked(now)
	//1.- Markers are spawned only once per player map.
	entry, ok := s.maps[player]
	if !ok {
		if len(s.maps) >= s.capacity {
			s.evictOldestLocked()
		}
		entry = &spawnedMap{pois: s.scatterLocked(center, count)}
		s.maps[player] = entry
	}
	entry.lastSeen = now
	return clonePOIs(entry.pois), nil
}

// POIs returns the markers spawned for player, if any.
func (s *Spawner) POIs(player string) []POI {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.maps[player]
	if !ok || s.expired(entry, s.now()) {
		return nil
	}
	return clonePOIs(entry.pois)
}

// Markers counts the live markers across every player.
func (s *Spawner) Markers() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	total := 0
	for _, entry := range s.maps {
		total += len(entry.pois)
	}
	return total
}

func (s *Spawner) scatterLocked(center geo.Fix, count int) []POI {
	all := Monsters()
	pois := make([]POI, 0, count)
	for i := 0; i < count; i++ {
		latOffset := (s.rng.Float64() - 0.5) * 2 * SpawnSpreadDegrees
		lngOffset := (s.rng.Float64() - 0.5) * 2 * SpawnSpreadDegrees
		pois = append(pois, POI{
			ID:        fmt.Sprintf("poi-%d", i),
			Latitude:  center.Latitude + latOffset,
			Longitude: center.Longitude + lngOffset,
			Type:      "monster",
			Monster:   all[s.rng.IntN(len(all))],
		})
	}
	return pois
}

func (s *Spawner) expired(entry *spawnedMap, now time.Time) bool {
	return now.Sub(entry.lastSeen) >= s.ttl
}

func (s *Spawner) expireLocked(now time.Time) {
	for player, entry := range s.maps {
		if s.expired(entry, now) {
			delete(s.maps, player)
		}
	}
}

func (s *Spawner) evictOldestLocked() {
	oldest := ""
	var seen time.Time
	for player, entry := range s.maps {
		if oldest == "" || entry.lastSeen.Before(seen) {
			oldest, seen = player, entry.lastSeen
		}
	}
	delete(s.maps, oldest)
}

func clonePOIs(pois []POI) []POI {
	out := make([]POI, len(pois))
	for i, poi := range pois {
		poi.Monster = cloneMonster(poi.Monster)
		out[i] = poi
	}
	return out
}
