package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/chunk"
	"github.com/urbackup-go/backupcore/internal/db"
	"github.com/urbackup-go/backupcore/internal/vhd"
)

// runImageBackup pulls one volume per configured letter into a dynamic
// VHD with its hash sidecar and MBR blob, then records the change-block
// tracking file and moves its ownership to this backup (spec §3 "The CBT
// file is owned by the client's latest completed image backup").
func (r *BackupRunner) runImageBackup(ctx context.Context, rc RunContext, peer Peer, dial chunk.Dialer) error {
	cfg := rc.Core.Cfg
	dir := filepath.Join(cfg.BackupFolder, rc.Client.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "coordinator: creating image directory")
	}

	var total int64
	for _, letter := range r.ImageLetters {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		used, err := r.pullOneImage(ctx, rc, peer, dial, dir, letter)
		if err != nil {
			return errors.Wrapf(err, "coordinator: imaging volume %s", letter)
		}
		total += used
	}
	rc.Backup.SizeBytes = total
	return nil
}

func (r *BackupRunner) pullOneImage(ctx context.Context, rc RunContext, peer Peer, dial chunk.Dialer, dir, letter string) (int64, error) {
	cfg := rc.Core.Cfg
	volSize, mbr, err := peer.ImageMeta(ctx, letter)
	if err != nil {
		return 0, errors.Wrap(err, "coordinator: fetching image metadata")
	}

	stamp := rc.Backup.StartTime.Format("060102-150405")
	path := filepath.Join(dir, fmt.Sprintf("Image_%s_%s.vhd", letter, stamp))
	rc.Backup.RootPath = path
	if err := rc.Core.DB.PutBackup(*rc.Backup); err != nil {
		return 0, err
	}

	// The writer owns the free-space policy for image backups (spec §4.B):
	// it pauses and calls urgent cleanup itself, backpressuring the chunk
	// engine through its bounded queue while it waits.
	w, err := vhd.Create(path, volSize, vhd.Options{
		MinFreeBytes: cfg.MinFreeSpaceBytes,
		StallTimeout: cfg.FreeSpaceStallTimeout.D(),
		OnNoSpace: func() error {
			rc.Progress("paused: reclaiming space")
			return rc.Core.Retention.UrgentCleanup(cfg.MinFreeSpaceBytes)
		},
	})
	if err != nil {
		return 0, err
	}
	if err := w.WriteMBRHeader(path+".mbr", mbr); err != nil {
		w.Close()
		return 0, err
	}

	// The previous image backup's VHD and sidecar act as the diff base
	// for an incremental pull.
	req := chunk.PullRequest{Name: "IMAGE:" + letter, Identity: rc.Client.Name}
	var closeBase func() error
	if rc.Backup.Kind == db.KindImageIncr {
		if meta, ok, err := rc.Core.DB.GetCBTMeta(rc.Client.ID, letter); err == nil && ok {
			if parent, err := rc.Core.DB.GetBackup(rc.Client.ID, meta.BackupID); err == nil {
				if hf, err := os.Open(parent.RootPath + ".hash"); err == nil {
					sc, scErr := chunk.ReadSidecar(hf)
					hf.Close()
					if scErr == nil {
						if baseR, closer, err := vhd.OpenReader(parent.RootPath); err == nil {
							req.Base = baseR
							req.BaseSidecar = sc
							closeBase = closer
						}
					}
				}
			}
		}
	}
	if closeBase != nil {
		defer closeBase()
	}

	sink := &vhdSink{w: w, base: req.Base}
	sess := chunk.NewSession(req, sink)
	sess.MaxReconnectTries = cfg.ReconnectTries
	sess.ReconnectTimeout = cfg.ReconnectTimeout.D()
	sess.OnNoSpace = func() error {
		rc.Progress("paused: reclaiming space")
		return rc.Core.Retention.UrgentCleanup(cfg.MinFreeSpaceBytes)
	}
	sidecar, err := sess.Run(dial)
	if err != nil {
		w.Close()
		return 0, err
	}
	if err := sink.flush(); err != nil {
		w.Close()
		return 0, err
	}
	// Sparse blocks were resolved locally without a sink write; trim them
	// in the VHD so the image stays hole-backed on disk.
	for i, rec := range sidecar.Blocks {
		if rec.IsSparse() {
			start := int64(i) * vhd.BlockSize
			if err := w.EmptyVHDBlock(start, start+vhd.BlockSize); err != nil {
				w.Close()
				return 0, err
			}
		}
	}
	// Close drains the writer's queue, so late write errors and the final
	// allocation count are only visible after it returns.
	if err := w.Close(); err != nil {
		return 0, err
	}
	if hasErr, werr := w.HasError(); hasErr {
		return 0, werr
	}
	used := w.UsedSize()

	hf, err := os.Create(path + ".hash")
	if err != nil {
		return 0, errors.Wrap(err, "coordinator: creating image sidecar")
	}
	if err := chunk.WriteSidecar(hf, sidecar); err != nil {
		hf.Close()
		return 0, err
	}
	if err := hf.Close(); err != nil {
		return 0, err
	}

	// Build the CBT file from the finished sidecar and hand ownership of
	// change tracking for this volume to the backup we just completed.
	cbt := vhd.NewCBTFile(volSize)
	for i, rec := range sidecar.Blocks {
		if rec.IsSparse() {
			cbt.Records[i] = vhd.SparseCBTRecord(uint64(i))
			continue
		}
		cbt.Records[i] = vhd.CBTRecordFor(uint64(i), rec.Strong)
	}
	cbtPath := path + ".cbt"
	cf, err := os.Create(cbtPath)
	if err != nil {
		return 0, errors.Wrap(err, "coordinator: creating cbt file")
	}
	if err := vhd.WriteCBTFile(cf, cbt); err != nil {
		cf.Close()
		return 0, err
	}
	if err := cf.Close(); err != nil {
		return 0, err
	}
	err = rc.Core.DB.PutCBTMeta(db.CBTMeta{
		ClientID:   rc.Client.ID,
		Letter:     letter,
		BackupID:   rc.Backup.ID,
		VolumeSize: volSize,
		Path:       cbtPath,
	})
	if err != nil {
		return 0, err
	}
	return used, nil
}

// vhdSink adapts the chunk engine's BlockSink to the VHD writer: whole
// blocks go straight to the writer, UPDATE_CHUNK spans and base
// carry-forwards are assembled into a block-sized staging buffer that
// flushes whenever the write stream crosses a block boundary (block
// responses arrive strictly block-by-block, so at most one partial block
// is in flight).
type vhdSink struct {
	w    *vhd.Writer
	base io.ReaderAt

	curBlock int64 // -1 when no partial block is staged
	buf      []byte
	dirty    bool
}

func (s *vhdSink) WriteWholeBlock(blockOffset int64, data []byte) error {
	if err := s.flushIfOther(blockOffset / vhd.BlockSize); err != nil {
		return err
	}
	return s.w.WriteBlock(uint32(blockOffset/vhd.BlockSize), data)
}

func (s *vhdSink) WriteChunk(offset int64, data []byte) error {
	return s.stage(offset, func(dst []byte) { copy(dst, data) }, int64(len(data)))
}

func (s *vhdSink) CopyFromBase(offset, length int64) error {
	// NO_CHANGE for a whole block lands here too; split per block so the
	// staging buffer never spans two blocks.
	for length > 0 {
		span := vhd.BlockSize - offset%vhd.BlockSize
		if span > length {
			span = length
		}
		off := offset
		err := s.stage(off, func(dst []byte) {
			if s.base == nil {
				return // no base: region is implicitly zero
			}
			if _, rerr := s.base.ReadAt(dst, off); rerr != nil && rerr != io.EOF {
				panic(rerr) // surfaced by stage's recover below
			}
		}, span)
		if err != nil {
			return err
		}
		offset += span
		length -= span
	}
	return nil
}

func (s *vhdSink) stage(offset int64, fill func([]byte), length int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "coordinator: reading image base")
				return
			}
			panic(r)
		}
	}()
	blockIdx := offset / vhd.BlockSize
	if err := s.flushIfOther(blockIdx); err != nil {
		return err
	}
	if s.curBlock < 0 || s.buf == nil {
		s.curBlock = blockIdx
		s.buf = make([]byte, vhd.BlockSize)
		s.dirty = false
	}
	rel := offset % vhd.BlockSize
	fill(s.buf[rel : rel+length])
	s.dirty = true
	return nil
}

func (s *vhdSink) flushIfOther(blockIdx int64) error {
	if s.dirty && s.curBlock >= 0 && s.curBlock != blockIdx {
		return s.flush()
	}
	return nil
}

// flush writes any staged partial block; called between blocks and once
// at end of session.
func (s *vhdSink) flush() error {
	if !s.dirty || s.curBlock < 0 {
		return nil
	}
	err := s.w.WriteBlock(uint32(s.curBlock), s.buf)
	s.curBlock = -1
	s.buf = nil
	s.dirty = false
	return err
}
