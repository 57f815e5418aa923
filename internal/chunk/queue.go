package chunk

import (
	"time"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/errs"
	"github.com/urbackup-go/backupcore/internal/extent"
	"github.com/urbackup-go/backupcore/internal/logging"
	"github.com/urbackup-go/backupcore/internal/wire"
)

var log = logging.For("chunk")

// Default sliding-window watermarks. topUp refills the window whenever
// fewer than HighWatermark requests are outstanding; LowWatermark is kept
// on the Session but no refill decision reads it.
const (
	DefaultHighWatermark = 64
	DefaultLowWatermark  = 8
)

// QueueCallback is notified after the outstanding-request count changes.
// It is a notification only: the session keeps driving its own read loop.
type QueueCallback func(outstanding int)

// Session drives one file pull to completion, including reconnects. It
// holds the state a reconnect must rewind: the next block to request and
// the lowest block index still unconfirmed.
type Session struct {
	Req  PullRequest
	Sink BlockSink

	HighWatermark int
	LowWatermark  int

	// MaxReconnectTries and ReconnectTimeout bound Run's reconnect loop;
	// zero means "use the package default" (spec §7 "50 tries / 5 min").
	MaxReconnectTries int
	ReconnectTimeout  time.Duration

	// OnQueueChange, if set, is invoked with the current outstanding
	// request count every time it changes.
	OnQueueChange QueueCallback

	// OnNoSpace, if set, is invoked once when a sink write fails with
	// ENOSPC; the write is retried exactly once after it returns (spec
	// §7 "NoSpace ... one retry then fail"). See spacecb.go.
	OnNoSpace SpaceCallback

	numBlocks    int
	newSidecar   *Sidecar
	nextBlock    int   // next block index not yet requested
	outstanding  []int // block indices requested, awaiting a response, in order
	spaceWrapped bool  // whether Sink has already been wrapped by OnNoSpace

	// dial, when set by Run, enables the out-of-band whole-block re-fetch
	// after a strong-hash mismatch; a bare PullFile has no way to open a
	// second connection and fails the block directly instead.
	dial Dialer
}

func NewSession(req PullRequest, sink BlockSink) *Session {
	s := &Session{
		Req:           req,
		Sink:          sink,
		HighWatermark: DefaultHighWatermark,
		LowWatermark:  DefaultLowWatermark,
	}
	if s.HighWatermark <= 0 {
		s.HighWatermark = DefaultHighWatermark
	}
	if s.LowWatermark <= 0 {
		s.LowWatermark = DefaultLowWatermark
	}
	return s
}

func (s *Session) setOutstanding(blocks []int) {
	s.outstanding = blocks
	if s.OnQueueChange != nil {
		s.OnQueueChange(len(s.outstanding))
	}
}

// resetQueue drops every in-flight request (used when a reconnect tears
// the session down) and rewinds nextBlock to the earliest one of them, so
// it gets re-requested against the fresh connection.
func (s *Session) resetQueue() {
	min := s.nextBlock
	for _, b := range s.outstanding {
		if b < min {
			min = b
		}
	}
	s.nextBlock = min
	s.setOutstanding(nil)
}

// pullOnce drives the protocol over a single live connection, from
// resumeOffset (0 and resume=false for a fresh pull). It mutates s's
// sidecar-in-progress as blocks confirm, so a subsequent call after a
// reconnect picks up where the last one left off rather than restarting.
func (s *Session) pullOnce(conn *wire.Conn, resume bool, resumeOffset int64) (*Sidecar, error) {
	if !s.spaceWrapped {
		if s.OnNoSpace != nil {
			s.Sink = WithSpaceCallback(s.Sink, s.OnNoSpace)
		}
		s.spaceWrapped = true
	}
	if err := sendBlockDiffRequest(conn, s.Req, resume, resumeOffset); err != nil {
		return nil, err
	}
	size, sparse, err := readFileHeader(conn)
	if err != nil {
		return nil, err
	}
	if s.Req.SparseIter != nil {
		sparse = s.Req.SparseIter
	}

	if s.newSidecar == nil {
		s.newSidecar = NewSidecar(size)
		s.numBlocks = NumBlocks(size)
		s.nextBlock = int(resumeOffset / BlockSize)
	}

	for s.nextBlock < s.numBlocks || len(s.outstanding) > 0 {
		if err := s.topUp(conn, sparse); err != nil {
			return nil, err
		}
		if len(s.outstanding) == 0 {
			break
		}
		if err := s.recvOne(conn); err != nil {
			return nil, err
		}
	}
	// Release the remote-side handle; best-effort, the transfer is done.
	if err := conn.WriteControlFrame(wire.MsgFreeServerFile, nil); err != nil {
		log.WithError(err).Debug("chunk: FREE_SERVER_FILE failed")
	}
	return s.newSidecar, nil
}

// topUp issues new BLOCK_REQUESTs (or resolves sparse blocks locally)
// until the outstanding window is full or there is nothing left to
// request.
func (s *Session) topUp(conn *wire.Conn, sparse extent.Iter) error {
	for len(s.outstanding) < s.HighWatermark && s.nextBlock < s.numBlocks {
		idx := s.nextBlock
		blockOffset := int64(idx) * BlockSize
		blockLen := blockLenAt(idx, s.newSidecar.LogicalSize)

		if sparse != nil && extent.Covers(sparse, blockOffset, blockLen) {
			s.newSidecar.Blocks[idx] = BlockRecord{Strong: SparseExtentHash}
			s.nextBlock++
			continue
		}

		wantWhole := s.Req.BaseSidecar == nil || idx >= len(s.Req.BaseSidecar.Blocks)
		req := wire.BlockRequest{BlockOffset: blockOffset, WantWholeBlock: wantWhole}
		payload, err := req.Encode()
		if err != nil {
			return err
		}
		if err := conn.WriteControlFrame(wire.MsgBlockRequest, payload); err != nil {
			return err
		}
		s.setOutstanding(append(s.outstanding, idx))
		s.nextBlock++
	}
	return nil
}

// recvOne resolves the oldest outstanding request; responses are assumed
// to arrive in request order, since both sides speak over one ordered
// connection.
func (s *Session) recvOne(conn *wire.Conn) error {
	idx := s.outstanding[0]
	blockOffset := int64(idx) * BlockSize
	blockLen := blockLenAt(idx, s.newSidecar.LogicalSize)

	rec, err := recvBlock(conn, s.Req, idx, blockOffset, blockLen, s.Sink)
	if err != nil {
		var mismatch *blockHashMismatch
		if errors.As(err, &mismatch) && s.dial != nil {
			log.WithField("block", idx).Warn("chunk: strong hash mismatch, re-fetching block out of band")
			rec, err = fetchBlockOOB(s.dial, s.Req, blockOffset, blockLen, mismatch.want, s.Sink)
		}
		if err != nil {
			if errors.As(err, &mismatch) {
				err = asProtocolFailure(errs.ErrHashMismatch)
			}
			return err
		}
	}
	s.newSidecar.Blocks[idx] = rec
	s.setOutstanding(s.outstanding[1:])
	return nil
}

// PullFile pulls req into sink over a single already-connected conn, with
// no reconnect handling — used directly by tests and by Session.Run's
// first attempt. Most callers should use Run (reconnect.go) instead.
func PullFile(conn *wire.Conn, req PullRequest, sink BlockSink) (*Sidecar, error) {
	s := NewSession(req, sink)
	return s.pullOnce(conn, false, 0)
}
