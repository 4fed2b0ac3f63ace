package httpapi

import (
	"context"
	"sync"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *recordingChannel) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *recordingChannel) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([][]byte, len(c.sent))
	copy(frames, c.sent)
	return frames
}
