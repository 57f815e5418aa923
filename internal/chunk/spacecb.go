package chunk

import (
	stderrors "errors"
	"syscall"

	"github.com/pkg/errors"
)

// SpaceCallback is invoked once when a sink write fails with ENOSPC,
// mirroring internal/store's retry policy: the caller's urgent-cleanup
// hook runs, then the write is retried exactly once (spec §7 "NoSpace ...
// invokes urgent cleanup callback; one retry then fail").
type SpaceCallback func() error

// spaceRetryingSink wraps a BlockSink so every write that fails with
// ENOSPC gets one retry through onNoSpace, without the wrapped sink
// needing to know about the policy at all.
type spaceRetryingSink struct {
	inner     BlockSink
	onNoSpace SpaceCallback
}

// WithSpaceCallback wraps sink so ENOSPC failures trigger cb and retry
// once. A nil cb makes this a no-op passthrough.
func WithSpaceCallback(sink BlockSink, cb SpaceCallback) BlockSink {
	if cb == nil {
		return sink
	}
	return &spaceRetryingSink{inner: sink, onNoSpace: cb}
}

func (s *spaceRetryingSink) retry(fn func() error) error {
	err := fn()
	if err == nil || !stderrors.Is(err, syscall.ENOSPC) {
		return err
	}
	if cbErr := s.onNoSpace(); cbErr != nil {
		return errors.Wrap(err, "chunk: no space, cleanup callback also failed")
	}
	return fn()
}

func (s *spaceRetryingSink) WriteWholeBlock(blockOffset int64, data []byte) error {
	return s.retry(func() error { return s.inner.WriteWholeBlock(blockOffset, data) })
}

func (s *spaceRetryingSink) CopyFromBase(offset, length int64) error {
	return s.retry(func() error { return s.inner.CopyFromBase(offset, length) })
}

func (s *spaceRetryingSink) WriteChunk(offset int64, data []byte) error {
	return s.retry(func() error { return s.inner.WriteChunk(offset, data) })
}
