package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind enumerates the encounter payloads carried by the stream.
type Kind string

const (
	KindSnapshot  Kind = "snapshot"
	KindOutcome   Kind = "outcome"
	KindLifecycle Kind = "lifecycle"
)

// Envelope carries one payload together with sequencing metadata.
type Envelope struct {
	Sequence  uint64
	Kind      Kind
	SessionID string
	Payload   *structpb.Struct
}

// Clone duplicates the payload so receivers can mutate their copy safely.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		if msg, ok := proto.Clone(e.Payload).(*structpb.Struct); ok {
			clone.Payload = msg
		}
	}
	return &clone
}

// Config controls the retention policy for the stream log.
type Config struct {
	Retain int
}

const defaultRetention = 512

var (
	// ErrOutOfOrderAck signals that a subscriber attempted to acknowledge future sequences.
	ErrOutOfOrderAck = errors.New("ack sequence must match the next pending event")
	// ErrStreamClosed is returned once Close ran.
	ErrStreamClosed = errors.New("stream closed")
)

// Stream coordinates ordered delivery with at-least-once semantics per subscriber.
// Slow subscribers miss live deliveries rather than blocking publishers; the
// missed envelopes are replayed when they resubscribe.
type Stream struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	logOrder    []uint64
	logPayloads map[uint64]*Envelope
	latest      map[string]*Envelope
	subscribers map[string]*subscriberState
	closed      bool
	closeOnce   sync.Once
}

type subscriberState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan *Envelope
	done    chan struct{}
	active  bool
}

// Subscription exposes the event channel and acknowledgement helpers for a subscriber.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan *Envelope
	done   <-chan struct{}
	once   sync.Once
}

// NewStream constructs a stream.
func NewStream(cfg Config) *Stream {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Stream{
		retention:   retention,
		logPayloads: make(map[uint64]*Envelope),
		latest:      make(map[string]*Envelope),
		subscribers: make(map[string]*subscriberState),
	}
}

// Subscribe attaches a logical subscriber and replays every retained event it has not acknowledged.
func (s *Stream) Subscribe(ctx context.Context, subscriberID string, buffer int) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("nil stream")
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	state := s.ensureSubscriberLocked(subscriberID)
	if state.active {
		s.stopSubscriberLocked(state)
	}
	replay := s.collectReplayLocked(state)
	ch := make(chan *Envelope, buffer)
	done := make(chan struct{})
	state.ch = ch
	state.done = done
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := s.prepareDeliveriesLocked(replay)
	s.mu.Unlock()

	go func() {
		//1.- Replay outstanding events before live traffic catches up.
		for _, env := range deliveries {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ch <- env:
			}
		}
	}()

	return &Subscription{id: subscriberID, stream: s, events: ch, done: done}, nil
}

// Events exposes the ordered delivery channel. It is never closed; watch Done.
func (s *Subscription) Events() <-chan *Envelope {
	if s == nil {
		return nil
	}
	return s.events
}

// Done is closed when the subscription or the stream closes.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Ack informs the stream that the subscriber processed the given sequence.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close marks the subscription as inactive while preserving acknowledgement state.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.deactivateSubscriber(s.id, s.done)
	})
}

// Drop ends the subscription and forgets its acknowledgement state. Use it
// for subscribers that never resume.
func (s *Subscription) Drop() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.removeSubscriber(s.id, s.done)
	})
}

// Subscribers counts the subscriber states the stream still tracks.
func (s *Stream) Subscribers() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Publish appends a payload for a session and fans it out to active subscribers.
func (s *Stream) Publish(kind Kind, sessionID string, payload *structpb.Struct) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	switch kind {
	case KindSnapshot, KindOutcome, KindLifecycle:
	default:
		return 0, fmt.Errorf("unsupported event kind %q", kind)
	}
	if payload == nil {
		return 0, errors.New("payload required")
	}
	clone, ok := proto.Clone(payload).(*structpb.Struct)
	if !ok {
		return 0, errors.New("payload clone failed")
	}
	return s.publishEnvelope(&Envelope{Kind: kind, SessionID: sessionID, Payload: clone})
}

// Latest returns the most recent snapshot published for sessionID.
func (s *Stream) Latest(sessionID string) (*Envelope, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.latest[sessionID]
	if !ok {
		return nil, false
	}
	return env.Clone(), true
}

// Forget drops the cached latest snapshot of a finished session.
func (s *Stream) Forget(sessionID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.latest, sessionID)
	s.mu.Unlock()
}

// Close detaches every subscriber. Further publishes fail with ErrStreamClosed.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, state := range s.subscribers {
			s.stopSubscriberLocked(state)
		}
		s.mu.Unlock()
	})
}

func (s *Stream) ensureSubscriberLocked(subscriberID string) *subscriberState {
	state, ok := s.subscribers[subscriberID]
	if !ok {
		state = &subscriberState{id: subscriberID}
		s.subscribers[subscriberID] = state
	}
	return state
}

func (s *Stream) collectReplayLocked(state *subscriberState) []uint64 {
	//1.- A reconnecting subscriber receives every retained sequence greater than lastAck.
	replay := make([]uint64, 0, len(s.logOrder))
	for _, seq := range s.logOrder {
		if seq > state.lastAck {
			replay = append(replay, seq)
		}
	}
	return replay
}

func (s *Stream) prepareDeliveriesLocked(sequences []uint64) []*Envelope {
	deliveries := make([]*Envelope, 0, len(sequences))
	for _, seq := range sequences {
		if payload, ok := s.logPayloads[seq]; ok {
			deliveries = append(deliveries, payload.Clone())
		}
	}
	return deliveries
}

type delivery struct {
	ch      chan<- *Envelope
	done    <-chan struct{}
	payload *Envelope
}

func (s *Stream) publishEnvelope(envelope *Envelope) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStreamClosed
	}
	s.nextSeq++
	seq := s.nextSeq
	envelope.Sequence = seq
	s.logPayloads[seq] = envelope
	s.logOrder = append(s.logOrder, seq)
	if envelope.Kind == KindSnapshot && envelope.SessionID != "" {
		s.latest[envelope.SessionID] = envelope
	}

	deliveries := make([]delivery, 0, len(s.subscribers))
	for _, state := range s.subscribers {
		state.pending = append(state.pending, seq)
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, done: state.done, payload: envelope.Clone()})
		}
	}
	s.enforceRetentionLocked()
	s.mu.Unlock()

	for _, item := range deliveries {
		//1.- Never block the publisher on a slow subscriber.
		select {
		case <-item.done:
		case item.ch <- item.payload:
		default:
		}
	}
	return seq, nil
}

func (s *Stream) enforceRetentionLocked() {
	if len(s.logOrder) <= s.retention {
		return
	}
	//1.- Keep only the retention window; older envelopes count as acknowledged.
	pruneBefore := s.logOrder[len(s.logOrder)-s.retention-1]
	idx := sort.Search(len(s.logOrder), func(i int) bool { return s.logOrder[i] > pruneBefore })
	for _, seq := range s.logOrder[:idx] {
		delete(s.logPayloads, seq)
	}
	s.logOrder = append([]uint64(nil), s.logOrder[idx:]...)
	//2.- Pending lists cannot point at pruned envelopes.
	for _, state := range s.subscribers {
		kept := state.pending[:0]
		for _, seq := range state.pending {
			if seq > pruneBefore {
				kept = append(kept, seq)
			}
		}
		state.pending = kept
		if state.lastAck < pruneBefore {
			state.lastAck = pruneBefore
		}
	}
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", subscriberID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	if sequence != state.pending[0] {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	return nil
}

func (s *Stream) deactivateSubscriber(subscriberID string, done <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok || state.done != done {
		return
	}
	s.stopSubscriberLocked(state)
}

func (s *Stream) removeSubscriber(subscriberID string, done <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return
	}
	//1.- A newer subscription under the same id keeps its state.
	if state.done != nil && state.done != done {
		return
	}
	s.stopSubscriberLocked(state)
	delete(s.subscribers, subscriberID)
}

func (s *Stream) stopSubscriberLocked(state *subscriberState) {
	if !state.active {
		return
	}
	state.active = false
	state.ch = nil
	if state.done != nil {
		close(state.done)
		state.done = nil
	}
}
