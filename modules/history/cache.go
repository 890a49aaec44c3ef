// Package history stores the recent message log of each room and the read
// state of individual messages.
package history

import (
	"context"
	"errors"
)

// ErrCacheMiss is returned by Cache.Get when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the durable key/value and list store behind the message history.
type Cache interface {
	// ListAppend pushes value to the tail of the list and trims it to the newest maxLen entries.
	ListAppend(ctx context.Context, key string, value []byte, maxLen int) error
	// ListRange returns entries between start and stop inclusive; negative indexes count from the tail.
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMany returns one value per key, nil where the key is absent.
	GetMany(ctx context.Context, keys ...string) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

func roomKey(roomID string) string {
	return "chat:" + roomID
}

func messageKey(messageID string) string {
	return "message:" + messageID
}
