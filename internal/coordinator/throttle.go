package coordinator

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Throttler enforces a per-client bandwidth cap. One Throttler is shared
// across all sessions of a client so concurrent file and image transfers
// split the same budget (spec §5 "a limiter object is shared across all
// sessions of one client").
type Throttler struct {
	limiter *rate.Limiter
}

// NewThrottler caps throughput at bps bytes/second; bps <= 0 disables
// throttling.
func NewThrottler(bps int64) *Throttler {
	if bps <= 0 {
		return &Throttler{}
	}
	burst := int(bps / 10)
	if burst < 64*1024 {
		burst = 64 * 1024
	}
	return &Throttler{limiter: rate.NewLimiter(rate.Limit(bps), burst)}
}

// Attach wraps rwc so reads and writes consume limiter tokens; an
// unthrottled Throttler returns rwc unchanged (the limiter attaches to
// the pipe, not to the session).
func (t *Throttler) Attach(ctx context.Context, rwc io.ReadWriteCloser) io.ReadWriteCloser {
	if t == nil || t.limiter == nil {
		return rwc
	}
	return &throttledConn{ctx: ctx, inner: rwc, limiter: t.limiter}
}

type throttledConn struct {
	ctx     context.Context
	inner   io.ReadWriteCloser
	limiter *rate.Limiter
}

func (c *throttledConn) wait(n int) error {
	for n > 0 {
		chunk := n
		if burst := c.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := c.limiter.WaitN(c.ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (c *throttledConn) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	if n > 0 {
		if werr := c.wait(n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

func (c *throttledConn) Write(p []byte) (int, error) {
	if err := c.wait(len(p)); err != nil {
		return 0, err
	}
	return c.inner.Write(p)
}

func (c *throttledConn) Close() error { return c.inner.Close() }
