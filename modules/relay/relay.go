package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/metrics"
)

// Store is the part of the message store the relay feeds. Persist must
// finish the durable write before returning so a failure can be redelivered.
type Store interface {
	Persist(ctx context.Context, roomID string, msg *domain.Message) (string, error)
	MarkRead(ctx context.Context, messageID, userID string) (domain.Message, bool, error)
}

// Options tunes the publish workers and the consume loops.
type Options struct {
	// Workers is the number of ordered publish queues; a room always maps to the same one.
	Workers        int
	QueueSize      int
	PublishTimeout time.Duration
	// RetryDelay is the redelivery delay requested when the store is unavailable.
	RetryDelay time.Duration
	// ResubscribeDelay is the pause before a failed consume loop starts again.
	ResubscribeDelay time.Duration
}

// DefaultOptions returns the default relay options.
func DefaultOptions() Options {
	return Options{
		Workers:          4,
		QueueSize:        1024,
		PublishTimeout:   5 * time.Second,
		RetryDelay:       2 * time.Second,
		ResubscribeDelay: 3 * time.Second,
	}
}

type outbound struct {
	topic   string
	subject string
	msgID   string
	payload []byte
}

// Relay writes accepted events to the Stream and applies consumed events to
// the Store. Publishing never blocks the caller and never fails it; consumed
// events never reach live sessions.
type Relay struct {
	stream  Stream
	store   Store
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	queues []chan outbound

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New creates a Relay. Publish queues accept events immediately; they are
// drained once Start runs.
func New(stream Stream, store Store, opts Options, log *slog.Logger, m *metrics.Metrics) *Relay {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = def.PublishTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = def.ResubscribeDelay
	}

	queues := make([]chan outbound, opts.Workers)
	for i := range queues {
		queues[i] = make(chan outbound, opts.QueueSize)
	}
	return &Relay{
		stream:  stream,
		store:   store,
		opts:    opts,
		log:     log,
		metrics: m,
		queues:  queues,
	}
}

// Publish relays an accepted message. Failures are logged and counted only.
func (r *Relay) Publish(_ context.Context, msg domain.Message) {
	r.enqueue(TopicMessages, msg.RoomID, msg.ID, msg)
}

// PublishReceipt relays a read receipt so other instances update their read state.
func (r *Relay) PublishReceipt(_ context.Context, receipt domain.Message) {
	r.enqueue(TopicReceipts, receipt.RoomID, "receipt:"+receipt.ID+":"+receipt.Sender, receipt)
}

func (r *Relay) enqueue(topic, roomID, msgID string, msg domain.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("Failed to encode relay event", "topic", topic, "error", err)
		return
	}

	out := outbound{topic: topic, subject: Subject(topic, roomID), msgID: msgID, payload: payload}
	select {
	case r.queues[r.shard(roomID)] <- out:
	default:
		r.metrics.RelayFailed(topic)
		r.log.Warn("Relay queue full, event not relayed",
			"topic", topic, "room", roomID, "msg_id", msgID, "error", domain.ErrRelayUnavailable)
	}
}

func (r *Relay) shard(roomID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return int(h.Sum32() % uint32(len(r.queues)))
}

// Start launches the publish workers and one consume loop per topic.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	for i, q := range r.queues {
		r.running.Add(1)
		go r.publishWorker(ctx, i, q)
	}
	for _, topic := range []string{TopicMessages, TopicReceipts} {
		r.running.Add(1)
		go r.consumeLoop(ctx, topic)
	}
	r.log.Info("Relay started", "workers", len(r.queues))
}

// Stop cancels the workers and waits for them, or for ctx.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("Relay stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay stop: %w", ctx.Err())
	}
}

func (r *Relay) publishWorker(ctx context.Context, id int, queue <-chan outbound) {
	defer r.running.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-queue:
			pubCtx, cancel := context.WithTimeout(ctx, r.opts.PublishTimeout)
			err := r.stream.Publish(pubCtx, out.subject, out.msgID, out.payload)
			cancel()
			if err != nil {
				r.metrics.RelayFailed(out.topic)
				r.log.Warn("Failed to relay event",
					"worker", id, "subject", out.subject, "msg_id", out.msgID, "error", err)
				continue
			}
			r.metrics.RelayPublished(out.topic)
		}
	}
}

// consumeLoop keeps a subscription to topic alive until ctx is done.
func (r *Relay) consumeLoop(ctx context.Context, topic string) {
	defer r.running.Done()
	for {
		err := r.Consume(ctx, topic)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("Relay consumer stopped, resubscribing", "topic", topic, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.ResubscribeDelay):
		}
	}
}

// Consume applies events from topic to the store until ctx is done or the
// subscription ends.
func (r *Relay) Consume(ctx context.Context, topic string) error {
	deliveries, err := r.stream.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	for d := range deliveries {
		result := r.handle(ctx, topic, d)
		r.metrics.RelayConsumed(topic, result)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("subscription closed")
}

func (r *Relay) handle(ctx context.Context, topic string, d *Delivery) string {
	var msg domain.Message
	if err := json.Unmarshal(d.Data, &msg); err != nil {
		r.log.Error("Dropping undecodable relay event", "subject", d.Subject, "error", err)
		r.settle(d.Term, d.Subject)
		return "term"
	}

	switch topic {
	case TopicReceipts:
		return r.applyReceipt(ctx, d, msg)
	default:
		return r.applyMessage(ctx, d, msg)
	}
}

func (r *Relay) applyMessage(ctx context.Context, d *Delivery, msg domain.Message) string {
	if !msg.Type.Persisted() || msg.ID == "" {
		r.log.Error("Dropping relay event that is not a stored message",
			"subject", d.Subject, "type", msg.Type, "message", msg.ID)
		r.settle(d.Term, d.Subject)
		return "term"
	}
	if _, err := r.store.Persist(ctx, msg.RoomID, &msg); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			r.log.Warn("Store unavailable, requesting redelivery",
				"message", msg.ID, "attempt", d.Attempt, "error", err)
			r.settle(func() error { return d.Nak(r.opts.RetryDelay) }, d.Subject)
			return "nak"
		}
		r.log.Error("Dropping relay message", "message", msg.ID, "error", err)
		r.settle(d.Term, d.Subject)
		return "term"
	}
	r.settle(d.Ack, d.Subject)
	return "ack"
}

func (r *Relay) applyReceipt(ctx context.Context, d *Delivery, receipt domain.Message) string {
	_, added, err := r.store.MarkRead(ctx, receipt.ID, receipt.Sender)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.log.Debug("Receipt for unknown message ignored", "message", receipt.ID)
	case err != nil:
		r.log.Warn("Receipt applied locally only", "message", receipt.ID, "error", err)
	case added:
		r.log.Debug("Applied relayed receipt", "message", receipt.ID, "reader", receipt.Sender)
	}
	r.settle(d.Ack, d.Subject)
	return "ack"
}

func (r *Relay) settle(fn func() error, subject string) {
	if err := fn(); err != nil {
		r.log.Warn("Failed to settle relay delivery", "subject", subject, "error", err)
	}
}
