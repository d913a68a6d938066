package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// EventKind tags an Event delivered by a Subscription.
type EventKind uint8

const (
	// EventHistorical frames existed when the read started.
	EventHistorical EventKind = iota
	// EventThreshold marks the end of replay; its frame carries the
	// boundary id under TopicThreshold.
	EventThreshold
	// EventLive frames were appended after the read started.
	EventLive
	// EventHeartbeat is synthetic and never persisted.
	EventHeartbeat
)

func (k EventKind) String() string {
	switch k {
	case EventHistorical:
		return "historical"
	case EventThreshold:
		return "threshold"
	case EventLive:
		return "live"
	case EventHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Event is one item of a followed read.
type Event struct {
	Kind  EventKind
	Frame Frame
}

// Subscription streams the result of a Read. Events is closed when the read
// ends; Err then reports why.
type Subscription struct {
	log      *Log
	key      uint64
	opts     ReadOptions
	after    *id.ID
	boundary id.ID

	events chan Event
	cancel context.CancelFunc

	// mailbox of live frames, filled by publishLocked.
	mu      sync.Mutex
	pending []Frame
	signal  chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// Read starts a read. Frames with ids up to the log's last id at call time
// are replayed as historical events, followed by one threshold event; with
// Follow enabled, frames appended afterwards are delivered as live events.
// Registration and boundary capture happen under the writer lock, so every
// frame lands on exactly one side of the threshold.
func (l *Log) Read(ctx context.Context, opts ReadOptions) (*Subscription, error) {
	if opts.Limit < 0 {
		opts.Limit = 0
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		log:    l,
		opts:   opts,
		after:  opts.After,
		events: make(chan Event),
		cancel: cancel,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	s.boundary = l.last
	if opts.Follow.Enabled {
		l.nextSub++
		s.key = l.nextSub
		l.subs[s.key] = s
		l.metrics.Subscriptions.Inc()
	}
	l.mu.Unlock()

	if opts.Tail {
		b := s.boundary
		s.after = &b
	}
	go s.run(runCtx)
	return s, nil
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan Event { return s.events }

// Boundary is the last id replayed as historical.
func (s *Subscription) Boundary() id.ID { return s.boundary }

// Err reports why the stream ended: nil for a normal end or Close, the
// context error on cancellation, ErrLagged when the follower fell behind.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the read and deregisters it from the log.
func (s *Subscription) Close() {
	s.log.unsubscribe(s)
	s.terminate(nil)
	s.cancel()
}

func (s *Subscription) terminate(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (l *Log) unsubscribe(s *Subscription) {
	if s.key == 0 {
		return
	}
	l.mu.Lock()
	if _, ok := l.subs[s.key]; ok {
		delete(l.subs, s.key)
		l.metrics.Subscriptions.Dec()
	}
	l.mu.Unlock()
}

// publishLocked queues f for every live follower. Followers whose mailbox
// exceeds MaxPending are dropped with ErrLagged.
func (l *Log) publishLocked(f Frame) {
	for key, s := range l.subs {
		s.mu.Lock()
		if len(s.pending) >= l.opts.MaxPending {
			s.mu.Unlock()
			delete(l.subs, key)
			l.metrics.Subscriptions.Dec()
			l.metrics.LaggedSubs.Inc()
			l.logger.Warn("follower lagged", logpkg.F("subscription", key))
			s.terminate(ErrLagged)
			continue
		}
		s.pending = append(s.pending, f)
		s.mu.Unlock()
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

func (s *Subscription) drain() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *Subscription) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		s.terminate(ctx.Err())
		return false
	case <-s.done:
		return false
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.events)
	defer s.log.unsubscribe(s)
	defer s.cancel()

	delivered := 0
	limitReached := func() bool {
		return s.opts.Limit > 0 && delivered >= s.opts.Limit
	}

	stopped := false
	err := s.log.scan(ctx, s.after, s.boundary, s.opts, func(f Frame) bool {
		if !s.send(ctx, Event{Kind: EventHistorical, Frame: f}) {
			stopped = true
			return false
		}
		delivered++
		if limitReached() {
			stopped = true
			return false
		}
		return true
	})
	if err != nil {
		s.terminate(err)
		return
	}
	if stopped {
		s.terminate(nil)
		return
	}
	if !s.send(ctx, Event{Kind: EventThreshold, Frame: Frame{ID: s.boundary, Topic: TopicThreshold}}) {
		return
	}
	if !s.opts.Follow.Enabled {
		s.terminate(nil)
		return
	}

	var (
		beat  <-chan time.Time
		timer *time.Timer
	)
	interval := s.opts.Follow.Heartbeat
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
		beat = timer.C
	}
	resetBeat := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}

	for {
		now := id.NowMs()
		for _, f := range s.drain() {
			if f.ID.Compare(s.boundary) <= 0 || f.Expired(now) || !s.opts.matches(f) {
				continue
			}
			if !s.send(ctx, Event{Kind: EventLive, Frame: f}) {
				return
			}
			resetBeat()
			delivered++
			if limitReached() {
				s.terminate(nil)
				return
			}
		}
		select {
		case <-s.signal:
		case <-beat:
			pulse := Frame{ID: id.FromMs(uint64(id.NowMs())), Topic: TopicPulse}
			if !s.send(ctx, Event{Kind: EventHeartbeat, Frame: pulse}) {
				return
			}
			timer.Reset(interval)
		case <-ctx.Done():
			s.terminate(ctx.Err())
			return
		case <-s.done:
			return
		}
	}
}
