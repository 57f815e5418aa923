package chunk

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/errs"
	"github.com/urbackup-go/backupcore/internal/extent"
	"github.com/urbackup-go/backupcore/internal/wire"
)

// BlockSink receives the reconstructed bytes of one file during a pull,
// in block order. Two implementations exist: InlineSink writes directly
// into a materialized copy, PatchSink appends records to a patch stream
// for component D to apply later (spec §4.A "two write modes").
type BlockSink interface {
	// WriteWholeBlock writes a full raw block (no base to diff against).
	WriteWholeBlock(blockOffset int64, data []byte) error
	// CopyFromBase carries [offset, offset+length) of the base file
	// forward unchanged. A nil Base sidecar never produces this call.
	CopyFromBase(offset, length int64) error
	// WriteChunk writes literal replacement bytes at an absolute offset
	// inside a block (an UPDATE_CHUNK span).
	WriteChunk(offset int64, data []byte) error
}

// PullRequest describes one file pull (spec §4.A "given (remote file
// name, base file, base sidecar, writable target, writable new sidecar,
// expected size)").
type PullRequest struct {
	Name     string
	Identity string

	// Base is the previous backup's file content, consulted for
	// NO_CHANGE and UPDATE_CHUNK gaps. Nil for a file with no base (a
	// fresh full backup).
	Base io.ReaderAt
	// BaseSidecar is the previous backup's per-block hash file. Nil has
	// the same meaning as Base == nil: every block is requested whole.
	BaseSidecar *Sidecar

	// SparseIter, if set, is consulted before requesting each block: a
	// block fully covered by it is never sent over the wire at all
	// (spec §4.A "sparse skip").
	SparseIter extent.Iter
}

// protoErrorf builds an error for a peer-reported or stream-desync
// failure, marked as a protocolFailure so reconnect.go's Run treats it as
// non-retryable — distinct from a transport error, which means "the
// connection died", not "the peer said no".
func protoErrorf(format string, args ...interface{}) error {
	return asProtocolFailure(errors.Errorf(format, args...))
}

// sendBlockDiffRequest writes GET_FILE_BLOCKDIFF followed, when a base
// sidecar exists, by the sidecar itself (MsgBaseSidecar) so the peer can
// do its own rolling-hash search against our checksums — the rsync role
// reversal: the initiator holds the old checksums, the peer holds the new
// bytes and decides NO_CHANGE/UPDATE_CHUNK/WHOLE_BLOCK per block.
func sendBlockDiffRequest(conn *wire.Conn, req PullRequest, resume bool, resumeOffset int64) error {
	msg := wire.GetFileBlockDiff{
		Name:     req.Name,
		Identity: req.Identity,
		Offset:   resumeOffset,
		Resume:   resume,
	}
	if req.BaseSidecar != nil {
		msg.HashFileSize = req.BaseSidecar.LogicalSize
	}
	payload, err := msg.Encode()
	if err != nil {
		return errors.Wrap(err, "chunk: encoding GET_FILE_BLOCKDIFF")
	}
	if err := conn.WriteControlFrame(wire.MsgGetFileBlockDiff, payload); err != nil {
		return err
	}
	if req.BaseSidecar == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := WriteSidecar(&buf, req.BaseSidecar); err != nil {
		return errors.Wrap(err, "chunk: encoding base sidecar")
	}
	return conn.WriteControlFrame(wire.MsgBaseSidecar, buf.Bytes())
}

// readFileHeader reads the peer's FILESIZE / FILESIZE_AND_EXTENTS /
// error reply that follows a GET_FILE_BLOCKDIFF request.
func readFileHeader(conn *wire.Conn) (size int64, sparse extent.Iter, err error) {
	id, err := conn.ReadMsgID()
	if err != nil {
		return 0, nil, errors.Wrap(err, "chunk: reading file header id")
	}
	switch id {
	case wire.MsgFileSize:
		payload, err := conn.ReadControlFrame()
		if err != nil {
			return 0, nil, err
		}
		m, err := wire.DecodeFileSize(payload)
		if err != nil {
			return 0, nil, err
		}
		return m.Size, nil, nil
	case wire.MsgFileSizeAndExtents:
		payload, err := conn.ReadControlFrame()
		if err != nil {
			return 0, nil, err
		}
		m, err := wire.DecodeFileSizeAndExtents(payload)
		if err != nil {
			return 0, nil, err
		}
		table, err := extent.ReadTrailer(conn.R)
		if err != nil {
			return 0, nil, errors.Wrap(err, "chunk: reading sparse-extent trailer")
		}
		return m.Size, extent.NewPersistedIter(table), nil
	case wire.MsgCouldntOpen:
		return 0, nil, protoErrorf("chunk: peer could not open file")
	case wire.MsgBaseDirLost:
		return 0, nil, protoErrorf("chunk: peer's base directory is gone")
	case wire.MsgReadError:
		return 0, nil, protoErrorf("chunk: peer read error opening file")
	default:
		return 0, nil, protoErrorf("chunk: unexpected message %s where a file header was expected", id)
	}
}

// blockSpan is one UPDATE_CHUNK's literal bytes, relative to nothing in
// particular — Offset is already absolute, as carried on the wire.
type blockSpan struct {
	offset int64
	data   []byte
}

// recvBlock reads exactly one block's response from conn and resolves it
// into sink writes plus a recomputed BlockRecord for the new sidecar.
// blockIdx/blockOffset/blockLen describe the block that was requested.
// Any response kind is accepted whatever the request's WantWholeBlock
// flag was; NO_CHANGE fails when req has no base block at blockIdx.
func recvBlock(conn *wire.Conn, req PullRequest, blockIdx int, blockOffset, blockLen int64, sink BlockSink) (BlockRecord, error) {
	id, err := conn.ReadMsgID()
	if err != nil {
		return BlockRecord{}, errors.Wrap(err, "chunk: reading block response id")
	}
	switch id {
	case wire.MsgWholeBlock:
		off, length, err := conn.ReadDataHeader()
		if err != nil {
			return BlockRecord{}, err
		}
		body := make([]byte, length)
		if err := conn.ReadData(body); err != nil {
			return BlockRecord{}, err
		}
		if off != blockOffset {
			return BlockRecord{}, protoErrorf("chunk: WHOLE_BLOCK offset %d, wanted %d", off, blockOffset)
		}
		if err := sink.WriteWholeBlock(blockOffset, body); err != nil {
			return BlockRecord{}, err
		}
		return HashBlock(body), nil

	case wire.MsgNoChange:
		payload, err := conn.ReadControlFrame()
		if err != nil {
			return BlockRecord{}, err
		}
		nc, err := wire.DecodeNoChange(payload)
		if err != nil {
			return BlockRecord{}, err
		}
		if nc.BlockOffset != blockOffset {
			return BlockRecord{}, protoErrorf("chunk: NO_CHANGE offset %d, wanted %d", nc.BlockOffset, blockOffset)
		}
		if req.BaseSidecar == nil || blockIdx >= len(req.BaseSidecar.Blocks) {
			return BlockRecord{}, protoErrorf("chunk: peer reported NO_CHANGE with no base block %d", blockIdx)
		}
		if err := sink.CopyFromBase(blockOffset, blockLen); err != nil {
			return BlockRecord{}, err
		}
		return req.BaseSidecar.Blocks[blockIdx], nil

	case wire.MsgUpdateChunk:
		return recvUpdateChunks(conn, req, blockOffset, blockLen, sink, id)

	case wire.MsgBlockError:
		payload, err := conn.ReadControlFrame()
		if err != nil {
			return BlockRecord{}, err
		}
		be, err := wire.DecodeBlockError(payload)
		if err != nil {
			return BlockRecord{}, err
		}
		return BlockRecord{}, protoErrorf("chunk: peer BLOCK_ERROR(%d,%d) for block %d", be.Code1, be.Code2, blockIdx)

	default:
		return BlockRecord{}, protoErrorf("chunk: unexpected message %s for block %d", id, blockIdx)
	}
}

// recvUpdateChunks reads a run of one or more UPDATE_CHUNK spans
// terminated by a BLOCK_HASH, reconstructs the block in memory, verifies
// its strong hash, and only then commits the spans to the sink — an
// interrupted or mismatching block therefore never reaches the sink.
// firstID is the already-consumed id of the first UPDATE_CHUNK.
func recvUpdateChunks(conn *wire.Conn, req PullRequest, blockOffset, blockLen int64, sink BlockSink, firstID wire.MsgID) (BlockRecord, error) {
	var spans []blockSpan
	id := firstID
	for {
		if id == wire.MsgUpdateChunk {
			off, length, err := conn.ReadDataHeader()
			if err != nil {
				return BlockRecord{}, err
			}
			body := make([]byte, length)
			if err := conn.ReadData(body); err != nil {
				return BlockRecord{}, err
			}
			spans = append(spans, blockSpan{offset: off, data: body})
			next, err := conn.ReadMsgID()
			if err != nil {
				return BlockRecord{}, err
			}
			id = next
			continue
		}
		break
	}
	if id != wire.MsgBlockHash {
		return BlockRecord{}, protoErrorf("chunk: expected BLOCK_HASH after UPDATE_CHUNK run, got %s", id)
	}
	payload, err := conn.ReadControlFrame()
	if err != nil {
		return BlockRecord{}, err
	}
	bh, err := wire.DecodeBlockHash(payload)
	if err != nil {
		return BlockRecord{}, err
	}
	if bh.BlockOffset != blockOffset {
		return BlockRecord{}, protoErrorf("chunk: BLOCK_HASH offset %d, wanted %d", bh.BlockOffset, blockOffset)
	}

	buf := make([]byte, blockLen)
	if req.Base != nil {
		n, rerr := req.Base.ReadAt(buf, blockOffset)
		if rerr != nil && rerr != io.EOF {
			return BlockRecord{}, errors.Wrap(rerr, "chunk: reading base for block reconstruction")
		}
		buf = buf[:n]
		if int64(len(buf)) < blockLen {
			padded := make([]byte, blockLen)
			copy(padded, buf)
			buf = padded
		}
	}
	for _, sp := range spans {
		relStart := int(sp.offset - blockOffset)
		copy(buf[relStart:relStart+len(sp.data)], sp.data)
	}

	rec := HashBlock(buf)
	if rec.Strong != bh.MD5 {
		return BlockRecord{}, &blockHashMismatch{block: blockOffset / BlockSize, want: bh.MD5}
	}

	// Verified: commit the spans, filling gaps from base.
	pos := blockOffset
	for _, sp := range spans {
		if sp.offset > pos {
			if err := sink.CopyFromBase(pos, sp.offset-pos); err != nil {
				return BlockRecord{}, err
			}
		}
		if err := sink.WriteChunk(sp.offset, sp.data); err != nil {
			return BlockRecord{}, err
		}
		pos = sp.offset + int64(len(sp.data))
	}
	if tail := blockOffset + blockLen - pos; tail > 0 {
		if err := sink.CopyFromBase(pos, tail); err != nil {
			return BlockRecord{}, err
		}
	}
	return rec, nil
}

// blockHashMismatch is the local-reconstruction-disagrees-with-peer
// outcome that triggers the out-of-band whole-block fallback.
type blockHashMismatch struct {
	block int64
	want  [16]byte
}

func (e *blockHashMismatch) Error() string {
	return fmt.Sprintf("chunk: block %d strong hash mismatch after reconstruction", e.block)
}

// fetchBlockOOB re-requests one block whole over a parallel out-of-band
// connection after a strong-hash mismatch (spec §4.A BLOCK_HASH "on
// mismatch, falls back by opening a parallel out-of-band connection").
// want is the hash the peer reported for the block; if the re-fetched
// data still disagrees, the file fails with the Integrity error.
func fetchBlockOOB(dial Dialer, req PullRequest, blockOffset, blockLen int64, want [16]byte, sink BlockSink) (BlockRecord, error) {
	rwc, err := dial()
	if err != nil {
		return BlockRecord{}, errors.Wrap(err, "chunk: dialing out-of-band connection")
	}
	defer rwc.Close()
	conn := wire.NewConn(rwc)

	// No base sidecar on the out-of-band request: the peer must answer
	// with raw data.
	oob := PullRequest{Name: req.Name, Identity: req.Identity}
	if err := sendBlockDiffRequest(conn, oob, false, 0); err != nil {
		return BlockRecord{}, err
	}
	if _, _, err := readFileHeader(conn); err != nil {
		return BlockRecord{}, err
	}
	br := wire.BlockRequest{BlockOffset: blockOffset, WantWholeBlock: true}
	payload, err := br.Encode()
	if err != nil {
		return BlockRecord{}, err
	}
	if err := conn.WriteControlFrame(wire.MsgBlockRequest, payload); err != nil {
		return BlockRecord{}, err
	}
	id, err := conn.ReadMsgID()
	if err != nil {
		return BlockRecord{}, err
	}
	if id != wire.MsgWholeBlock {
		return BlockRecord{}, protoErrorf("chunk: expected WHOLE_BLOCK on out-of-band fetch, got %s", id)
	}
	off, length, err := conn.ReadDataHeader()
	if err != nil {
		return BlockRecord{}, err
	}
	if off != blockOffset || int64(length) != blockLen {
		return BlockRecord{}, protoErrorf("chunk: out-of-band WHOLE_BLOCK at %d/%d, wanted %d/%d", off, length, blockOffset, blockLen)
	}
	body := make([]byte, length)
	if err := conn.ReadData(body); err != nil {
		return BlockRecord{}, err
	}
	rec := HashBlock(body)
	if rec.Strong != want {
		return BlockRecord{}, asProtocolFailure(errs.ErrHashMismatch)
	}
	if err := sink.WriteWholeBlock(blockOffset, body); err != nil {
		return BlockRecord{}, err
	}
	return rec, nil
}

// blockLenAt returns the number of real bytes in block blockIdx of a file
// of size totalSize (the tail block may be short).
func blockLenAt(blockIdx int, totalSize int64) int64 {
	start := int64(blockIdx) * BlockSize
	remaining := totalSize - start
	if remaining > BlockSize {
		return BlockSize
	}
	return remaining
}
