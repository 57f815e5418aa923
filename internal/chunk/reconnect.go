package chunk

import (
	"io"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/wire"
)

// Default reconnect policy (spec §7 "NetworkFailure ... 50 reconnect
// tries over a 5 minute window, then fail").
const (
	DefaultMaxReconnectTries = 50
	DefaultReconnectTimeout  = 5 * time.Minute
)

// Dialer opens a fresh transport to the peer for a (re)connect attempt.
// The caller is expected to have already done any handshake/auth the
// transport needs; Run only ever sends GET_FILE_BLOCKDIFF and onward.
type Dialer func() (io.ReadWriteCloser, error)

// protocolFailure marks an error as a peer-reported, non-retryable
// outcome (BLOCK_ERROR, COULDNT_OPEN, a hash mismatch) as opposed to a
// transport-level failure that reconnecting might fix.
type protocolFailure struct{ err error }

func (p *protocolFailure) Error() string { return p.err.Error() }
func (p *protocolFailure) Unwrap() error { return p.err }

func asProtocolFailure(err error) error { return &protocolFailure{err: err} }

func isProtocolFailure(err error) bool {
	var pf *protocolFailure
	return errors.As(err, &pf)
}

// Run drives a pull to completion, reconnecting through dial on any
// transport error (everything that isn't a protocolFailure) up to
// MaxReconnectTries times or until ReconnectTimeout has elapsed overall
// (spec §4.A "Reconnection").
//
// On each reconnect: the in-flight request queue is discarded, nextBlock
// rewinds to the lowest still-unconfirmed block, and GET_FILE_BLOCKDIFF is
// resent with Resume=true at that block's offset. Nothing is tombstoned:
// a block's sidecar record — and any sink write it implies — is only
// committed once its BLOCK_HASH has verified, so no partial block is ever
// visible to the sink in the first place.
func (s *Session) Run(dial Dialer) (*Sidecar, error) {
	maxTries := s.MaxReconnectTries
	if maxTries <= 0 {
		maxTries = DefaultMaxReconnectTries
	}
	timeout := s.ReconnectTimeout
	if timeout <= 0 {
		timeout = DefaultReconnectTimeout
	}

	s.dial = dial
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
	start := time.Now()
	resume := false
	var resumeOffset int64

	for tries := 0; ; tries++ {
		rwc, err := dial()
		if err != nil {
			if tries >= maxTries || time.Since(start) > timeout {
				return nil, errors.Wrap(err, "chunk: giving up dialing peer")
			}
			time.Sleep(b.Duration())
			continue
		}

		conn := wire.NewConn(rwc)
		sidecar, err := s.pullOnce(conn, resume, resumeOffset)
		closeErr := rwc.Close()
		if err == nil {
			return sidecar, nil
		}
		if isProtocolFailure(err) {
			return nil, err
		}
		if closeErr != nil {
			log.WithError(closeErr).Debug("chunk: error closing connection after failed pull")
		}
		if tries >= maxTries || time.Since(start) > timeout {
			return nil, errors.Wrap(err, "chunk: exhausted reconnect attempts")
		}

		s.resetQueue()
		resume = true
		resumeOffset = int64(s.nextBlock) * BlockSize
		time.Sleep(b.Duration())
	}
}
