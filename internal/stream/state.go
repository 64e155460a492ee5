// Package stream maintains the long-lived market-data connection: authentication,
// subscription replay, silent-stall detection and reconnect backoff.
package stream

import (
	"errors"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
)

// State is the connection lifecycle state. Events are delivered only in Connected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Stale
	Reconnecting
	Closing
	Closed
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "stale", "reconnecting", "closing", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	// ErrAuthentication is fatal: the connection moves to Closed and is not retried.
	ErrAuthentication = errors.New("stream: authentication failed")
	// ErrSilentStall reports a session torn down after silentTimeout without messages.
	ErrSilentStall = errors.New("stream: no messages within silent timeout")
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("stream: connection closed")
)

func publishState(s State) {
	for i, name := range stateNames {
		v := 0.0
		if State(i) == s {
			v = 1
		}
		metrics.ConnectionState.WithLabelValues(name).Set(v)
	}
}
