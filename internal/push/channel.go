package push

import "context"

// Channel is the write-capable handle backing a session. Implementations
// must be safe for concurrent Send calls and must fail fast once the
// underlying transport is gone; Send honors ctx for bounded-timeout writes.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}
