package common

import (
	"context"
	"errors"

	"github.com/divir94/bitcoin/internal/orderbook"
)

// ErrHeartbeatTimeout is returned by Stream.Read when nothing arrived within the
// heartbeat tolerance.
var ErrHeartbeatTimeout = errors.New("no feed traffic within heartbeat tolerance")

// SnapshotFetcher loads an authoritative book dump over REST. level is 2 (aggregated) or
// 3 (per order).
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, level int) (orderbook.Snapshot, error)
}

// Stream is one subscribed feed connection. Read blocks for the next frame.
type Stream interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// FeedDialer opens and subscribes a Stream.
type FeedDialer interface {
	Dial(ctx context.Context) (Stream, error)
}
