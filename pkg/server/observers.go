package server

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// observerConn is the slice of mux.Conn the observer machinery needs, kept
// narrow so tests can fake a subscriber without a real transport.
type observerConn interface {
	Context() context.Context
	RemoteAddr() net.Addr
	AcquireMessage(ctx context.Context) *pool.Message
	ReleaseMessage(m *pool.Message)
	WriteMessage(m *pool.Message) error
}

type observer struct {
	cc    observerConn
	token message.Token
	done  chan struct{}
}

// observerSet tracks the active observe registrations of one resource and
// fans notifications out to them. Registrations die three ways: an explicit
// deregister, a failed notification write, or the connection's context
// ending; all of them funnel through remove. onChange runs under the set
// lock so it sees every subscriber-count transition exactly once, in order;
// it must not call back into the set.
type observerSet struct {
	log      *slog.Logger
	resource string
	onChange func(count int)

	mu  sync.Mutex
	seq uint32
	obs map[string]*observer
}

func newObserverSet(log *slog.Logger, resource string, onChange func(count int)) *observerSet {
	if onChange == nil {
		onChange = func(int) {}
	}
	return &observerSet{
		log:      log,
		resource: resource,
		onChange: onChange,
		seq:      1,
		obs:      make(map[string]*observer),
	}
}

func observerKey(cc observerConn, token message.Token) string {
	return cc.RemoteAddr().String() + "/" + token.String()
}

func (s *observerSet) add(cc observerConn, token message.Token) *observer {
	o := &observer{cc: cc, token: token, done: make(chan struct{})}
	key := observerKey(cc, token)

	s.mu.Lock()
	if old, ok := s.obs[key]; ok {
		close(old.done)
	}
	s.obs[key] = o
	count := len(s.obs)
	s.onChange(count)
	s.mu.Unlock()

	s.log.Info("coap: observer registered", "resource", s.resource, "peer", cc.RemoteAddr().String(), "observers", count)

	// Reap the registration when the client connection goes away without a
	// deregister, which is the common case for sleepy battery devices.
	go func() {
		select {
		case <-cc.Context().Done():
			s.remove(cc, token)
		case <-o.done:
		}
	}()
	return o
}

func (s *observerSet) remove(cc observerConn, token message.Token) {
	key := observerKey(cc, token)

	s.mu.Lock()
	o, ok := s.obs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.obs, key)
	close(o.done)
	count := len(s.obs)
	s.onChange(count)
	s.mu.Unlock()

	s.log.Info("coap: observer deregistered", "resource", s.resource, "peer", cc.RemoteAddr().String(), "observers", count)
}

func (s *observerSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.obs)
}

// publish sends a fresh representation to every current observer. Observers
// whose write fails are dropped.
func (s *observerSet) publish(format message.MediaType, payload []byte) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	targets := make([]*observer, 0, len(s.obs))
	for _, o := range s.obs {
		targets = append(targets, o)
	}
	s.mu.Unlock()

	for _, o := range targets {
		if err := s.send(o, seq, format, payload); err != nil {
			s.log.Warn("coap: dropping observer, notify failed", "resource", s.resource, "peer", o.cc.RemoteAddr().String(), "error", err)
			s.remove(o.cc, o.token)
		}
	}
}

// notify sends the current representation to a single, usually
// just-registered, observer.
func (s *observerSet) notify(o *observer, format message.MediaType, payload []byte) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if err := s.send(o, seq, format, payload); err != nil {
		s.log.Warn("coap: dropping observer, notify failed", "resource", s.resource, "peer", o.cc.RemoteAddr().String(), "error", err)
		s.remove(o.cc, o.token)
	}
}

func (s *observerSet) send(o *observer, seq uint32, format message.MediaType, payload []byte) error {
	m := o.cc.AcquireMessage(o.cc.Context())
	defer o.cc.ReleaseMessage(m)
	m.SetCode(codes.Content)
	m.SetToken(o.token)
	m.SetContentFormat(format)
	m.SetObserve(seq)
	m.SetBody(bytes.NewReader(payload))
	return o.cc.WriteMessage(m)
}
