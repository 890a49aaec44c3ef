package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/metrics"
)

// Receipts records who has read which message.
type Receipts struct {
	store   MessageStore
	relay   Publisher
	router  Broadcaster
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewReceipts creates a read-receipt tracker.
func NewReceipts(store MessageStore, relay Publisher, router Broadcaster, log *slog.Logger, m *metrics.Metrics) *Receipts {
	return &Receipts{store: store, relay: relay, router: router, log: log, metrics: m}
}

// MarkRead adds userID to the readers of messageID. The first read by a user
// broadcasts one READ_RECEIPT to the message's room; repeats are silent.
// Unknown messages are ignored.
func (r *Receipts) MarkRead(ctx context.Context, messageID, userID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: read receipt without messageId", domain.ErrProtocolViolation)
	}

	msg, added, err := r.store.MarkRead(ctx, messageID, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.log.Debug("Read receipt for unknown message", "message", messageID, "user", userID)
		return nil
	case errors.Is(err, domain.ErrStoreUnavailable):
		r.log.Warn("Read state not persisted", "message", messageID, "user", userID, "error", err)
	case err != nil:
		return err
	}
	if !added {
		return nil
	}

	receipt := domain.NewReadReceipt(msg.RoomID, userID, msg.ID)
	r.router.Broadcast(msg.RoomID, receipt)
	r.relay.PublishReceipt(ctx, receipt)
	r.metrics.ReceiptEmitted()
	return nil
}
