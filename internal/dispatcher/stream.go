package dispatcher

import (
	"io"
	"sync"
)

// committedStream wraps a committed streaming upstream body so that
// whoever drains it also settles its recorded outcome exactly once:
// success on a clean EOF, failure on any other read error or on being
// closed before EOF (a client disconnect). This is the resource-
// ownership handoff: once committedStream is returned to the caller,
// it alone is responsible for closing the upstream body.
type committedStream struct {
	upstream io.ReadCloser
	once     sync.Once
	onDone   func(success bool)
}

func (c *committedStream) Read(p []byte) (int, error) {
	n, err := c.upstream.Read(p)
	switch err {
	case nil:
	case io.EOF:
		c.finish(true)
	default:
		c.finish(false)
	}
	return n, err
}

func (c *committedStream) Close() error {
	c.finish(false)
	return c.upstream.Close()
}

func (c *committedStream) finish(success bool) {
	c.once.Do(func() {
		c.onDone(success)
	})
}
