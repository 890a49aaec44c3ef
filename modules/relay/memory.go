package relay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultDedupWindow matches the JetStream stream's duplicate window.
	DefaultDedupWindow = 2 * time.Minute
	// DefaultMemoryMaxDeliver bounds redeliveries of a nak'ed event.
	DefaultMemoryMaxDeliver = 10
)

type memorySub struct {
	topic string
	ch    chan *Delivery
	ctx   context.Context
}

type seenID struct {
	id string
	at time.Time
}

// MemoryStream is an in-process Stream for a single hub instance and for
// tests. Like JetStream it drops publishes whose msgID was seen within the
// dedup window and redelivers nak'ed events up to a delivery limit. It keeps
// no published payloads.
type MemoryStream struct {
	mu       sync.Mutex
	subs     []*memorySub
	seen     map[string]time.Time
	order    []seenID
	failWith error

	dedupWindow time.Duration
	maxDeliver  int
	now         func() time.Time
	onPublish   func(subject, msgID string, payload []byte)

	acked  atomic.Int64
	naked  atomic.Int64
	termed atomic.Int64
}

var _ Stream = (*MemoryStream)(nil)

// NewMemoryStream creates an empty MemoryStream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		seen:        make(map[string]time.Time),
		dedupWindow: DefaultDedupWindow,
		maxDeliver:  DefaultMemoryMaxDeliver,
		now:         time.Now,
	}
}

// SetFailure makes Publish return err until cleared with nil.
func (s *MemoryStream) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Publish delivers payload to every subscriber whose topic covers subject,
// unless msgID was already published within the dedup window.
func (s *MemoryStream) Publish(ctx context.Context, subject, msgID string, payload []byte) error {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return err
	}
	now := s.now()
	s.expire(now)
	if msgID != "" {
		if _, dup := s.seen[msgID]; dup {
			s.mu.Unlock()
			return nil
		}
		s.seen[msgID] = now
		s.order = append(s.order, seenID{id: msgID, at: now})
	}
	if s.onPublish != nil {
		s.onPublish(subject, msgID, payload)
	}
	targets := s.matching(subject)
	s.mu.Unlock()

	for _, sub := range targets {
		s.deliver(sub, subject, payload, 1)
	}
	return nil
}

// expire forgets msgIDs older than the dedup window. The caller holds s.mu.
func (s *MemoryStream) expire(now time.Time) {
	cutoff := now.Add(-s.dedupWindow)
	n := 0
	for n < len(s.order) && !s.order[n].at.After(cutoff) {
		delete(s.seen, s.order[n].id)
		n++
	}
	if n > 0 {
		s.order = append(s.order[:0:0], s.order[n:]...)
	}
}

func (s *MemoryStream) matching(subject string) []*memorySub {
	var out []*memorySub
	for _, sub := range s.subs {
		if strings.HasPrefix(subject, sub.topic+".") {
			out = append(out, sub)
		}
	}
	return out
}

func (s *MemoryStream) deliver(sub *memorySub, subject string, payload []byte, attempt int) {
	d := &Delivery{
		Subject: subject,
		Data:    payload,
		Attempt: attempt,
		ack: func() error {
			s.acked.Add(1)
			return nil
		},
		nak: func(delay time.Duration) error {
			s.naked.Add(1)
			if attempt >= s.maxDeliver {
				return nil
			}
			go func() {
				select {
				case <-time.After(delay):
					s.deliver(sub, subject, payload, attempt+1)
				case <-sub.ctx.Done():
				}
			}()
			return nil
		},
		term: func() error {
			s.termed.Add(1)
			return nil
		},
	}

	select {
	case sub.ch <- d:
	case <-sub.ctx.Done():
	}
}

// Subscribe delivers every event published under topic until ctx is done.
func (s *MemoryStream) Subscribe(ctx context.Context, topic string) (<-chan *Delivery, error) {
	sub := &memorySub{topic: topic, ch: make(chan *Delivery, 256), ctx: ctx}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer s.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-sub.ch:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStream) unsubscribe(sub *memorySub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.subs {
		if cur == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}
