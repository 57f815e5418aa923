package chunk

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	"github.com/urbackup-go/backupcore/internal/extent"
	"github.com/urbackup-go/backupcore/internal/wire"
)

// testPeer serves the peer side of the chunk protocol from an in-memory
// target file, the way backend/raid3's tests fake remotes instead of
// dialing real ones.
type testPeer struct {
	target []byte
	// sparse, if set, is announced via FILESIZE_AND_EXTENTS.
	sparse *extent.Table
	// failAfter closes the connection after that many block responses
	// (0 = never), simulating a transport drop mid-transfer.
	failAfter int
	// corruptHashOnce, while 1, makes the next BLOCK_HASH lie about its
	// digest, then resets; shared across connections so the out-of-band
	// retry sees an honest peer.
	corruptHashOnce *int32

	mu       sync.Mutex
	requests []wire.GetFileBlockDiff
	blockReq int
	whole    int
	noChange int
	updates  int
}

func (p *testPeer) stats() (blockReq, whole, noChange, updates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockReq, p.whole, p.noChange, p.updates
}

func (p *testPeer) seenRequests() []wire.GetFileBlockDiff {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.GetFileBlockDiff, len(p.requests))
	copy(out, p.requests)
	return out
}

// serve handles one connection until it is torn down. Run it in a
// goroutine per dial.
func (p *testPeer) serve(rwc io.ReadWriteCloser) {
	defer rwc.Close()
	conn := wire.NewConn(rwc)
	var baseSidecar *Sidecar
	responses := 0

	for {
		id, err := conn.ReadMsgID()
		if err != nil {
			return
		}
		switch id {
		case wire.MsgGetFileBlockDiff:
			payload, err := conn.ReadControlFrame()
			if err != nil {
				return
			}
			m, err := wire.DecodeGetFileBlockDiff(payload)
			if err != nil {
				return
			}
			p.mu.Lock()
			p.requests = append(p.requests, m)
			p.mu.Unlock()
			if p.sparse != nil {
				hdr := wire.FileSizeAndExtents{Size: int64(len(p.target)), NExtents: int64(len(p.sparse.Extents))}
				payload, _ := hdr.Encode()
				if err := conn.WriteControlFrame(wire.MsgFileSizeAndExtents, payload); err != nil {
					return
				}
				if err := extent.WriteTrailer(conn.W, *p.sparse); err != nil {
					return
				}
				if err := conn.Flush(); err != nil {
					return
				}
			} else {
				payload, _ := wire.FileSize{Size: int64(len(p.target))}.Encode()
				if err := conn.WriteControlFrame(wire.MsgFileSize, payload); err != nil {
					return
				}
			}

		case wire.MsgBaseSidecar:
			payload, err := conn.ReadControlFrame()
			if err != nil {
				return
			}
			sc, err := ReadSidecar(bytes.NewReader(payload))
			if err != nil {
				return
			}
			baseSidecar = sc

		case wire.MsgBlockRequest:
			payload, err := conn.ReadControlFrame()
			if err != nil {
				return
			}
			req, err := wire.DecodeBlockRequest(payload)
			if err != nil {
				return
			}
			p.mu.Lock()
			p.blockReq++
			p.mu.Unlock()
			if err := p.serveBlock(conn, req, baseSidecar); err != nil {
				return
			}
			responses++
			if p.failAfter > 0 && responses >= p.failAfter {
				return
			}

		case wire.MsgFreeServerFile, wire.MsgFlushSocket:
			if _, err := conn.ReadControlFrame(); err != nil {
				return
			}

		default:
			return
		}
	}
}

func (p *testPeer) serveBlock(conn *wire.Conn, req wire.BlockRequest, baseSidecar *Sidecar) error {
	off := req.BlockOffset
	end := off + BlockSize
	if end > int64(len(p.target)) {
		end = int64(len(p.target))
	}
	block := p.target[off:end]
	idx := int(off / BlockSize)

	if req.WantWholeBlock || baseSidecar == nil || idx >= len(baseSidecar.Blocks) {
		p.mu.Lock()
		p.whole++
		p.mu.Unlock()
		if err := conn.WriteDataHeader(wire.MsgWholeBlock, off, uint32(len(block))); err != nil {
			return err
		}
		return conn.WriteData(block)
	}

	baseRec := baseSidecar.Blocks[idx]
	cur := HashBlock(block)
	if cur.Strong == baseRec.Strong {
		p.mu.Lock()
		p.noChange++
		p.mu.Unlock()
		payload, _ := wire.NoChange{BlockOffset: off}.Encode()
		return conn.WriteControlFrame(wire.MsgNoChange, payload)
	}

	// Send just the chunks whose rolling hash moved, then the block hash.
	for i := 0; i*ChunkSize < len(block); i++ {
		start := i * ChunkSize
		stop := start + ChunkSize
		if stop > len(block) {
			stop = len(block)
		}
		if ChunkAdler32(block[start:stop]) == baseRec.Rolling[i] {
			continue
		}
		p.mu.Lock()
		p.updates++
		p.mu.Unlock()
		if err := conn.WriteDataHeader(wire.MsgUpdateChunk, off+int64(start), uint32(stop-start)); err != nil {
			return err
		}
		if err := conn.WriteData(block[start:stop]); err != nil {
			return err
		}
	}
	digest := cur.Strong
	if p.corruptHashOnce != nil && atomic.CompareAndSwapInt32(p.corruptHashOnce, 1, 0) {
		digest[0] ^= 0xFF
	}
	payload, _ := wire.BlockHash{BlockOffset: off, MD5: digest}.Encode()
	return conn.WriteControlFrame(wire.MsgBlockHash, payload)
}

// sidecarFor computes the full sidecar of data, the reference every
// consistency assertion compares against.
func sidecarFor(data []byte) *Sidecar {
	s := NewSidecar(int64(len(data)))
	for i := range s.Blocks {
		start := i * BlockSize
		end := start + BlockSize
		if end > len(data) {
			end = len(data)
		}
		s.Blocks[i] = HashBlock(data[start:end])
	}
	return s
}
