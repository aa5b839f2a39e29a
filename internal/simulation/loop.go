package simulation

import (
	"context"
	"sync"
	"time"
)

// FrameFunc renders one fixed step. frame counts steps since Start, starting at 1.
type FrameFunc func(frame uint64, step time.Duration)

// Loop drives presentation frames at a fixed rate.
type Loop struct {
	step    time.Duration
	render  FrameFunc
	monitor *TickMonitor

	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	frame uint64
}

// LoopOption customises a loop.
type LoopOption func(*Loop)

// WithMonitor records how long each frame callback takes.
func WithMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) { l.monitor = monitor }
}

// NewLoop configures a loop targeting targetHz frames per second.
func NewLoop(targetHz float64, render FrameFunc, opts ...LoopOption) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if render == nil {
		render = func(uint64, time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	loop := &Loop{step: interval, render: render}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	return loop
}

// Start ticks until ctx is cancelled or Stop is called. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop = stop
	l.done = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.step)
		defer ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				for accumulator >= l.step {
					l.frame++
					started := time.Now()
					l.render(l.frame, l.step)
					//2.- Feed the monitor with the callback cost, not the tick interval.
					l.monitor.Observe(time.Since(started))
					accumulator -= l.step
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
