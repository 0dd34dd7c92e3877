package bus

import (
	"context"
	"sync"
)

// sink is the delivery end of one Subscribe call.
type sink struct {
	ctx    context.Context
	ch     chan Message
	topics map[string]struct{}

	mu     sync.Mutex
	closed bool
}

func (s *sink) deliver(done <-chan struct{}, m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	case <-s.ctx.Done():
	case <-done:
	}
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// router fans messages from one backend connection out to local subscribers.
type router struct {
	mu    sync.RWMutex
	sinks map[*sink]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newRouter() *router {
	return &router{
		sinks: make(map[*sink]struct{}),
		done:  make(chan struct{}),
	}
}

func (r *router) add(ctx context.Context, topics []string) (*sink, error) {
	s := &sink{
		ctx:    ctx,
		ch:     make(chan Message, subscriptionCapacity),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}

	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	r.sinks[s] = struct{}{}
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.remove(s)
	}()
	return s, nil
}

func (r *router) remove(s *sink) {
	r.mu.Lock()
	delete(r.sinks, s)
	r.mu.Unlock()
	s.close()
}

// route delivers m to every sink subscribed to its topic, in call order.
func (r *router) route(m Message) {
	r.mu.RLock()
	targets := make([]*sink, 0, len(r.sinks))
	for s := range r.sinks {
		if _, ok := s.topics[m.Topic]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.deliver(r.done, m)
	}
}

func (r *router) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *router) close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		sinks := r.sinks
		r.sinks = make(map[*sink]struct{})
		r.mu.Unlock()
		for s := range sinks {
			s.close()
		}
	})
}
