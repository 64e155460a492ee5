package stream

import (
	"context"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
)

// Transport opens authenticated sessions against a feed.
type Transport interface {
	// Open dials and authenticates. Credential rejection must wrap ErrAuthentication.
	Open(ctx context.Context) (Session, error)
}

// Session is one physical connection. Next is called from a single goroutine;
// Subscribe and Unsubscribe may be called concurrently with it. Close unblocks Next.
type Session interface {
	Subscribe(ctx context.Context, subs []marketdata.Subscription) error
	Unsubscribe(ctx context.Context, subs []marketdata.Subscription) error
	// Next blocks for the next frame and returns its decoded events. A frame with
	// only control messages yields no events but still counts as activity.
	Next() ([]marketdata.Event, error)
	Close() error
}
