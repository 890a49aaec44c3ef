package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the JetStream stream for chat events.
	StreamName = "CHAT"
	// SubjectAll is the subject filter covering every chat topic.
	SubjectAll = "chat.>"
)

// JetStreamConfig holds NATS JetStream settings.
type JetStreamConfig struct {
	URL string
	// Durable is the consumer name prefix; each hub instance needs its own so
	// that every instance sees every event.
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
}

// DefaultJetStreamConfig returns the default JetStream configuration.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:        "nats://localhost:4222",
		Durable:    "chat-hub",
		MaxDeliver: 10,
		AckWait:    30 * time.Second,
		MaxAge:     24 * time.Hour,
	}
}

// JetStream implements Stream on a NATS JetStream stream.
type JetStream struct {
	cfg JetStreamConfig
	log *slog.Logger

	mu     sync.RWMutex
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

var _ Stream = (*JetStream)(nil)

// NewJetStream creates an unconnected JetStream stream.
func NewJetStream(cfg JetStreamConfig, log *slog.Logger) *JetStream {
	return &JetStream{cfg: cfg, log: log}
}

// Connect establishes the NATS connection and creates or updates the stream.
func (j *JetStream) Connect(ctx context.Context) error {
	nc, err := nats.Connect(j.cfg.URL,
		nats.Name(j.cfg.Durable),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				j.log.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			j.log.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Chat messages and read receipts relayed between hub instances",
		Subjects:    []string{SubjectAll},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      j.cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}

	j.mu.Lock()
	j.nc, j.js, j.stream = nc, js, stream
	j.mu.Unlock()

	j.log.Info("Connected to NATS", "url", j.cfg.URL, "stream", StreamName)
	return nil
}

func (j *JetStream) client() (jetstream.JetStream, jetstream.Stream) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.js, j.stream
}

// Publish writes payload with msgID as the JetStream deduplication id.
func (j *JetStream) Publish(ctx context.Context, subject, msgID string, payload []byte) error {
	js, _ := j.client()
	if js == nil {
		return domain.ErrRelayUnavailable
	}

	ack, err := js.Publish(ctx, subject, payload, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}
	if ack.Duplicate {
		j.log.Debug("Stream dropped duplicate publish", "subject", subject, "msg_id", msgID)
	}
	return nil
}

// Subscribe creates or resumes the durable consumer for topic.
func (j *JetStream) Subscribe(ctx context.Context, topic string) (<-chan *Delivery, error) {
	_, stream := j.client()
	if stream == nil {
		return nil, domain.ErrRelayUnavailable
	}

	name := consumerName(j.cfg.Durable, topic)
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       j.cfg.AckWait,
		MaxDeliver:    j.cfg.MaxDeliver,
		FilterSubject: topic + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", name, err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to create message iterator: %w", err)
	}

	out := make(chan *Delivery, 100)
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	go func() {
		defer close(out)
		for {
			msg, err := iter.Next()
			if err != nil {
				if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
					return
				}
				j.log.Warn("Error fetching message", "consumer", name, "error", err)
				continue
			}

			attempt := 1
			if md, err := msg.Metadata(); err == nil && md != nil {
				attempt = int(md.NumDelivered)
			}

			d := &Delivery{
				Subject: msg.Subject(),
				Data:    msg.Data(),
				Attempt: attempt,
				ack:     msg.Ack,
				nak:     msg.NakWithDelay,
				term:    msg.Term,
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	j.log.Info("Consumer ready", "consumer", name, "filter", topic+".>")
	return out, nil
}

// IsConnected reports whether the NATS connection is up.
func (j *JetStream) IsConnected() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.nc != nil && j.nc.IsConnected()
}

// Close drains and closes the NATS connection.
func (j *JetStream) Close() error {
	j.mu.Lock()
	nc := j.nc
	j.nc, j.js, j.stream = nil, nil, nil
	j.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

func consumerName(prefix, topic string) string {
	r := strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-")
	return r.Replace(prefix + "-" + topic)
}
