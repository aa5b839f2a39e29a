package sensors

import (
	"sync"
	"time"
)

// Clock exposes the current time for gate decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// GateConfig controls ordering and throughput of one sensor channel.
type GateConfig struct {
	// MinInterval drops samples arriving faster than this. Zero disables throttling.
	MinInterval time.Duration
}

// DropReason enumerates why a sample was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonRateLimited DropReason = "rate_limit"
)

// GateCounters aggregates per-reason drop counts for one channel.
type GateCounters struct {
	Sequence    uint64 `json:"sequence"`
	RateLimited uint64 `json:"rate_limited"`
}

type channelState struct {
	lastSequence uint64
	lastAccepted time.Time
	drops        GateCounters
}

// Gate keeps push streams in arrival order per channel and throttles floods.
// Samples without a sequence number bypass the ordering check.
type Gate struct {
	mu       sync.Mutex
	cfg      GateConfig
	clock    Clock
	channels map[string]*channelState
}

// GateOption customises gate construction.
type GateOption func(*Gate)

// WithClock overrides the clock used for throttling.
func WithClock(clock Clock) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate.
func NewGate(cfg GateConfig, opts ...GateOption) *Gate {
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	gate := &Gate{cfg: cfg, clock: systemClock{}, channels: make(map[string]*channelState)}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Admit reports whether a sample on channel may reach the session.
func (g *Gate) Admit(channel string, sequence uint64) DropReason {
	if g == nil {
		return DropReasonNone
	}
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.channels[channel]
	if state == nil {
		//1.- First sample on a channel always passes.
		state = &channelState{}
		g.channels[channel] = state
		state.lastSequence = sequence
		state.lastAccepted = now
		return DropReasonNone
	}
	if sequence != 0 && sequence <= state.lastSequence {
		state.drops.Sequence++
		return DropReasonSequence
	}
	if g.cfg.MinInterval > 0 && now.Sub(state.lastAccepted) < g.cfg.MinInterval {
		state.drops.RateLimited++
		return DropReasonRateLimited
	}
	//2.- Promote the sample as the latest accepted one.
	if sequence != 0 {
		state.lastSequence = sequence
	}
	state.lastAccepted = now
	return DropReasonNone
}

// Counters returns the drop counters of every channel seen so far.
func (g *Gate) Counters() map[string]GateCounters {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]GateCounters, len(g.channels))
	for name, state := range g.channels {
		out[name] = state.drops
	}
	return out
}

// Forget drops the state of a channel so a new session starts fresh.
func (g *Gate) Forget(channel string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.channels, channel)
	g.mu.Unlock()
}
