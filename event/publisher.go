package event

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Log is the durable half of the publisher, implemented by the sqlite
// store. AppendEvent assigns the per-run monotonic event id.
type Log interface {
	AppendEvent(ctx context.Context, runID string, typ Type, payload map[string]any) (Event, error)
	ListEventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]Event, error)
}

// Publisher appends events durably and fans them out to live
// subscribers. Subscriber absence is not an error; a subscriber that
// cannot keep up is resynced from the log rather than blocking the
// append path.
type Publisher struct {
	log  Log
	sink Sink

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*subscriber
}

type subscriber struct {
	ch     chan Event
	mu     sync.Mutex
	lagged bool
}

func (s *subscriber) markLagged() {
	s.mu.Lock()
	s.lagged = true
	s.mu.Unlock()
}

func (s *subscriber) takeLagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lagged := s.lagged
	s.lagged = false
	return lagged
}

func NewPublisher(eventLog Log, sink Sink) *Publisher {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Publisher{
		log:  eventLog,
		sink: sink,
		subs: map[string]map[int]*subscriber{},
	}
}

// Append writes the event to the log first, then pushes it to live
// subscribers and the sink. Sink failures are logged, never returned:
// by the time they can happen the event is already committed.
func (p *Publisher) Append(ctx context.Context, runID string, typ Type, payload map[string]any) (Event, error) {
	if p == nil || p.log == nil {
		return Event{}, fmt.Errorf("publisher log is not configured")
	}
	ev, err := p.log.AppendEvent(ctx, runID, typ, payload)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	p.mu.Lock()
	for _, sub := range p.subs[runID] {
		select {
		case sub.ch <- ev:
		default:
			sub.markLagged()
		}
	}
	p.mu.Unlock()

	if err := p.sink.Emit(ctx, ev); err != nil {
		log.Printf("event sink emit failed for run %s event %d: %v", runID, ev.ID, err)
	}
	return ev, nil
}

// Subscribe registers a live channel before reading the backlog, so the
// replay/live boundary has no gap; duplicates across the boundary are
// filtered by the per-subscription watermark.
func (p *Publisher) Subscribe(ctx context.Context, runID string, afterID int64, buffer int) (*Subscription, error) {
	if p == nil || p.log == nil {
		return nil, fmt.Errorf("publisher log is not configured")
	}
	if buffer <= 0 {
		buffer = 128
	}
	src := &subscriber{ch: make(chan Event, buffer)}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	if p.subs[runID] == nil {
		p.subs[runID] = map[int]*subscriber{}
	}
	p.subs[runID][id] = src
	p.mu.Unlock()

	backlog, err := p.log.ListEventsAfter(ctx, runID, afterID, 0)
	if err != nil {
		p.unsubscribe(runID, id)
		return nil, fmt.Errorf("list backlog: %w", err)
	}

	sub := &Subscription{
		pub:   p,
		runID: runID,
		id:    id,
		src:   src,
		out:   make(chan Event, buffer),
		last:  afterID,
		done:  make(chan struct{}),
	}
	go sub.pump(backlog)
	return sub, nil
}

func (p *Publisher) unsubscribe(runID string, id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subs, ok := p.subs[runID]; ok {
		if src, ok := subs[id]; ok {
			delete(subs, id)
			close(src.ch)
		}
		if len(subs) == 0 {
			delete(p.subs, runID)
		}
	}
}

// Subscription delivers one run's events in order with no gaps and no
// duplicates. Events dropped under pressure are recovered from the log.
type Subscription struct {
	pub   *Publisher
	runID string
	id    int
	src   *subscriber
	out   chan Event
	last  int64
	done  chan struct{}
	once  sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.out
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.pub.unsubscribe(s.runID, s.id)
	})
}

func (s *Subscription) pump(backlog []Event) {
	defer close(s.out)
	for _, ev := range backlog {
		if ev.ID <= s.last {
			continue
		}
		if !s.deliver(ev) {
			return
		}
	}

	resync := time.NewTicker(500 * time.Millisecond)
	defer resync.Stop()

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.src.ch:
			if !ok {
				return
			}
			if ev.ID <= s.last {
				continue
			}
			if ev.ID > s.last+1 {
				// Missed events were dropped under pressure; refill
				// from the log, which includes this one.
				if !s.refill() {
					return
				}
				continue
			}
			if !s.deliver(ev) {
				return
			}
		case <-resync.C:
			if s.src.takeLagged() {
				if !s.refill() {
					return
				}
			}
		}
	}
}

func (s *Subscription) refill() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	missed, err := s.pub.log.ListEventsAfter(ctx, s.runID, s.last, 0)
	if err != nil {
		log.Printf("subscription refill failed for run %s: %v", s.runID, err)
		return true
	}
	for _, ev := range missed {
		if ev.ID <= s.last {
			continue
		}
		if !s.deliver(ev) {
			return false
		}
	}
	return true
}

func (s *Subscription) deliver(ev Event) bool {
	select {
	case s.out <- ev:
		s.last = ev.ID
		return true
	case <-s.done:
		return false
	}
}
