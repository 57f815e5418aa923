package vhd

import (
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/bufpool"
	"github.com/urbackup-go/backupcore/internal/chunk"
	"github.com/urbackup-go/backupcore/internal/logging"
	"github.com/urbackup-go/backupcore/internal/patch"
)

var log = logging.For("vhd")

// writeRetries and writeBackoff implement the spec's WriteError policy:
// three attempts at a 100ms backoff before a block write is considered
// fatal to the session.
const (
	writeRetries = 3
	writeBackoff = 100 * time.Millisecond
)

// spoolRotateSize is the temp-file size at which file-buffered mode starts
// a fresh spool file (spec §4.B "each temp file is rotated at ~1 GB").
const spoolRotateSize = 1 << 30

// spaceRecheckInterval paces the paused front writer's free-space polls
// while it waits for the retention engine to reclaim room.
const spaceRecheckInterval = time.Second

// freeBytes is swappable so tests can script the destination's free
// space without filling a real filesystem.
var freeBytes = statfsFreeBytes

// writeItem is one pool-backed block write accepted from the chunk engine.
type writeItem struct {
	blockIdx uint32
	buf      []byte
}

// Writer accepts out-of-order (offset, buffer) writes during an image
// backup, serializing them into a dynamic VHD while maintaining a
// per-block strong-hash sidecar. It is the component B writer described in
// spec §4.B, architecturally grounded on the front/back worker split
// described there and modeled in Go the way backend/cache's
// storage_persistent.go serializes its own bbolt writes through one
// goroutine reading off a channel.
type Writer struct {
	f          *os.File
	size       int64
	maxEntries uint32

	mu        sync.Mutex // the VHD mutex: BAT + sidecar update together
	allocated []bool
	sidecar   chunk.Sidecar

	pool   *bufpool.Pool
	items  chan writeItem
	wg     sync.WaitGroup
	closed chan struct{}

	fileBuffered bool
	spoolDir     string
	spoolMu      sync.Mutex
	curSpool     *os.File
	curSpoolW    *patch.Writer
	curSpoolSize int64
	spoolFiles   chan string

	dir          string
	onNoSpace    func() error
	minFree      int64
	stallTimeout time.Duration

	hasError  int32 // atomic bool; set once WriteError retries are exhausted
	firstErr  error
	errOnce   sync.Once
	trimmedBy int64 // atomic
}

// Options configures a new Writer.
type Options struct {
	// FileBuffered enables the temp-file spooling path for slow storage
	// (spec §4.B "File-buffered mode").
	FileBuffered bool
	// SpoolDir holds temp files when FileBuffered is set.
	SpoolDir string
	// QueueDepth bounds the front writer's work queue (backpressure on the
	// chunk engine once full).
	QueueDepth int

	// OnNoSpace is invoked by the front writer when the destination runs
	// out of room, either proactively (free space below MinFreeBytes) or
	// on a real ENOSPC; writes pause while it runs and resume if it
	// reclaims space (spec §4.B "Free-space handling").
	OnNoSpace func() error
	// MinFreeBytes pauses writing when the destination volume's free
	// space falls below it. Zero disables the proactive check.
	MinFreeBytes int64
	// StallTimeout bounds how long the writer stays paused waiting for
	// space before failing the session.
	StallTimeout time.Duration
}

// Create allocates a new dynamic VHD of the given logical size at path,
// writing its footer/header/BAT, and starts the front/back writer tasks.
func Create(path string, size int64, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "vhd: creating image file")
	}
	footer := BuildFooter(size)
	header := BuildHeader(size)
	footerBytes, err := EncodeFooter(footer)
	if err != nil {
		f.Close()
		return nil, err
	}
	headerBytes, err := EncodeHeader(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(footerBytes, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "vhd: writing footer")
	}
	if _, err := f.WriteAt(headerBytes, footerSize); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "vhd: writing header")
	}
	maxEntries := header.MaxTableEntries
	bat := make([]byte, batSize(maxEntries))
	for i := range bat {
		bat[i] = 0xFF // unallocated sentinel, matches the VHD spec's BAT convention
	}
	if _, err := f.WriteAt(bat, batOffset()); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "vhd: writing bat")
	}
	// Pre-size the file so untouched blocks are filesystem holes rather
	// than materialized zero bytes (blockOffset is a fixed mapping, see
	// format.go), giving the OS's own sparse-file support the compaction
	// work a historical VHD BAT would otherwise have to do.
	total := blockOffset(maxEntries, maxEntries)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "vhd: preallocating sparse extent")
	}

	stall := opts.StallTimeout
	if stall <= 0 {
		stall = 10 * time.Minute
	}
	w := &Writer{
		f:            f,
		size:         size,
		maxEntries:   maxEntries,
		allocated:    make([]bool, maxEntries),
		sidecar:      *chunk.NewSidecar(size),
		pool:         bufpool.New(0, BlockSize, 64, false),
		items:        make(chan writeItem, maxInt(opts.QueueDepth, 32)),
		closed:       make(chan struct{}),
		dir:          filepath.Dir(path),
		onNoSpace:    opts.OnNoSpace,
		minFree:      opts.MinFreeBytes,
		stallTimeout: stall,
	}
	if opts.FileBuffered {
		w.fileBuffered = true
		w.spoolDir = opts.SpoolDir
		w.spoolFiles = make(chan string, 8)
		w.wg.Add(1)
		go w.backWriter()
	}
	w.wg.Add(1)
	go w.frontWriter()
	return w, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// WriteBlock submits a full BlockSize-sized write at the given block index.
// Partial-block accumulation across multiple chunk writes is the caller's
// responsibility (component A already operates at block granularity); this
// layer only ever sees complete blocks, matching the ordering note in spec
// §4.B ("the running MD5 lives in the session context ... that owns the
// block").
func (w *Writer) WriteBlock(blockIdx uint32, data []byte) error {
	if atomic.LoadInt32(&w.hasError) != 0 {
		// The first failure surfaces to the session synchronously; the
		// drop itself is silent in that no new failure is recorded.
		return w.firstErr
	}
	if int64(blockIdx) >= int64(w.maxEntries) {
		return errors.Errorf("vhd: block index %d out of range", blockIdx)
	}
	if len(data) > BlockSize {
		return errors.Errorf("vhd: block %d write exceeds block size (%d > %d)", blockIdx, len(data), BlockSize)
	}
	buf := w.pool.Get()
	n := copy(buf, data)
	for i := n; i < len(buf); i++ {
		buf[i] = 0 // recycled pool buffers carry stale bytes; a short tail block must pad with zeros
	}
	select {
	case w.items <- writeItem{blockIdx: blockIdx, buf: buf}:
		return nil
	case <-w.closed:
		w.pool.Put(buf)
		return errors.New("vhd: writer closed")
	}
}

func (w *Writer) frontWriter() {
	defer w.wg.Done()
	for {
		select {
		case it, ok := <-w.items:
			if !ok {
				return
			}
			if w.fileBuffered {
				w.spoolItem(it)
			} else {
				w.commit(it)
			}
			w.pool.Put(it.buf)
		case <-w.closed:
			// Drain remaining queued items before exiting so a Close
			// doesn't lose already-accepted writes.
			for {
				select {
				case it := <-w.items:
					if w.fileBuffered {
						w.spoolItem(it)
					} else {
						w.commit(it)
					}
					w.pool.Put(it.buf)
				default:
					return
				}
			}
		}
	}
}

// spoolItem appends {offset, length, data} to the current spool file,
// rotating at spoolRotateSize, reusing the patch-stream record encoding
// (internal/patch) since the shapes are identical.
func (w *Writer) spoolItem(it writeItem) {
	w.spoolMu.Lock()
	defer w.spoolMu.Unlock()
	if w.curSpool == nil || w.curSpoolSize >= spoolRotateSize {
		w.rotateSpoolLocked()
	}
	if w.curSpoolW == nil {
		w.commit(it) // spooling unavailable, fall back to direct write
		return
	}
	rec := patch.Record{Offset: int64(it.blockIdx) * BlockSize, Data: it.buf}
	if err := w.curSpoolW.WriteRecord(rec); err != nil {
		w.fail(errors.Wrap(err, "vhd: spooling block"))
		return
	}
	w.curSpoolSize += int64(len(it.buf)) + 12
}

func (w *Writer) rotateSpoolLocked() {
	if w.curSpool != nil {
		name := w.curSpool.Name()
		w.curSpool.Close()
		w.spoolFiles <- name
	}
	f, err := os.CreateTemp(w.spoolDir, "vhd-spool-*.bin")
	if err != nil {
		log.WithError(err).Warn("vhd: spool file creation failed, writing direct")
		w.curSpool = nil
		w.curSpoolW = nil
		return
	}
	w.curSpool = f
	w.curSpoolW = patch.NewWriter(f)
	if err := w.curSpoolW.WriteHeader(w.size); err != nil {
		log.WithError(err).Warn("vhd: spool header write failed")
	}
	w.curSpoolSize = 0
}

// backWriter consumes rotated spool files in order, replaying their
// records against the VHD.
func (w *Writer) backWriter() {
	defer w.wg.Done()
	for {
		select {
		case name, ok := <-w.spoolFiles:
			if !ok {
				return
			}
			w.replaySpool(name)
		case <-w.closed:
			// Flush whatever rotated files are already queued, then stop;
			// the in-flight (unrotated) spool is handled by Close.
			for {
				select {
				case name := <-w.spoolFiles:
					w.replaySpool(name)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) replaySpool(name string) {
	f, err := os.Open(name)
	if err != nil {
		w.fail(errors.Wrap(err, "vhd: opening spool file"))
		return
	}
	defer func() {
		f.Close()
		os.Remove(name)
	}()
	_, records, err := patch.ReadAll(f)
	if err != nil {
		w.fail(errors.Wrap(err, "vhd: reading spool file"))
		return
	}
	for _, rec := range records {
		w.commit(writeItem{blockIdx: uint32(rec.Offset / BlockSize), buf: rec.Data})
	}
}

// commit writes one block to the VHD and updates the BAT/sidecar together
// under the VHD mutex, retrying transient failures per the WriteError
// policy. It runs on the front (or back) writer goroutine: while it is
// paused waiting for space, the items channel fills and WriteBlock
// blocks, backpressuring the chunk engine.
func (w *Writer) commit(it writeItem) {
	if atomic.LoadInt32(&w.hasError) != 0 {
		return
	}
	if err := w.ensureSpace(); err != nil {
		w.fail(err)
		return
	}
	off := blockOffset(it.blockIdx, w.maxEntries)
	var err error
	spaceRetried := false
	for attempt := 0; attempt < writeRetries; attempt++ {
		if _, err = w.f.WriteAt(it.buf, off); err == nil {
			break
		}
		if stderrors.Is(err, syscall.ENOSPC) && w.onNoSpace != nil && !spaceRetried {
			// One reclamation attempt per block, then the write either
			// goes through or the session fails (spec §7 "NoSpace ...
			// one retry then fail").
			spaceRetried = true
			if cbErr := w.onNoSpace(); cbErr != nil {
				err = errors.Wrap(err, "vhd: no space and cleanup failed")
				break
			}
			continue
		}
		time.Sleep(writeBackoff)
	}
	if err != nil {
		w.fail(errors.Wrapf(err, "vhd: writing block %d", it.blockIdx))
		return
	}
	rec := chunk.HashBlock(it.buf)
	w.mu.Lock()
	w.allocated[it.blockIdx] = true
	if int(it.blockIdx) < len(w.sidecar.Blocks) {
		w.sidecar.Blocks[it.blockIdx] = rec
	}
	w.mu.Unlock()
}

// ensureSpace pauses the writer while the destination volume is below
// the free-space threshold, invoking the space callback and rechecking
// until space clears or the stall timeout elapses (spec §4.B "the writer
// pauses and invokes the retention engine"; spec §5 "free-space stall
// detection").
func (w *Writer) ensureSpace() error {
	if w.minFree <= 0 {
		return nil
	}
	avail, err := freeBytes(w.dir)
	if err != nil || avail >= w.minFree {
		return nil
	}
	deadline := time.Now().Add(w.stallTimeout)
	for {
		if w.onNoSpace != nil {
			if cbErr := w.onNoSpace(); cbErr == nil {
				if avail, err := freeBytes(w.dir); err != nil || avail >= w.minFree {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return errors.Errorf("vhd: destination stayed below %d free bytes for %s", w.minFree, w.stallTimeout)
		}
		select {
		case <-w.closed:
			return errors.New("vhd: writer closed while waiting for space")
		case <-time.After(spaceRecheckInterval):
		}
	}
}

func (w *Writer) fail(err error) {
	w.errOnce.Do(func() {
		w.firstErr = err
		atomic.StoreInt32(&w.hasError, 1)
		log.WithError(err).Error("vhd: write failed, session marked has_error")
	})
}

// HasError reports whether a fatal write error occurred; a session in this
// state must not be marked complete (spec §4.B "Fails").
func (w *Writer) HasError() (bool, error) {
	if atomic.LoadInt32(&w.hasError) != 0 {
		return true, w.firstErr
	}
	return false, nil
}

// HasSector reports whether blockIdx has been written (is BAT-allocated),
// distinguishing that from the block's content being the real payload vs.
// the designated sparse hash (SPEC_FULL §11 item 4).
func (w *Writer) HasSector(blockIdx uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if int(blockIdx) >= len(w.allocated) {
		return false
	}
	return w.allocated[blockIdx]
}

// UsedSize returns the number of bytes actually materialized (allocated
// blocks, not counting trimmed/sparse ones). The image backup stores it
// as the backup's SizeBytes, which feeds the client's bytes_used_images.
func (w *Writer) UsedSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, a := range w.allocated {
		if a {
			n += BlockSize
		}
	}
	return n
}

// TrimmedBytes returns the cumulative number of bytes reclaimed by
// EmptyVHDBlock calls.
func (w *Writer) TrimmedBytes() int64 {
	return atomic.LoadInt64(&w.trimmedBy)
}

// EmptyVHDBlock marks the VHD blocks spanning [start, end) as unused,
// punches the corresponding filesystem hole, and writes the designated
// sparse-extent hash into their sidecar positions (spec §4.B "Trim /
// sparse").
func (w *Writer) EmptyVHDBlock(start, end int64) error {
	firstBlock := start / BlockSize
	lastBlock := (end - 1) / BlockSize
	w.mu.Lock()
	defer w.mu.Unlock()
	for b := firstBlock; b <= lastBlock; b++ {
		if b < 0 || b >= int64(w.maxEntries) {
			continue
		}
		off := blockOffset(uint32(b), w.maxEntries)
		if err := punchHole(w.f, off, BlockSize); err != nil {
			return errors.Wrapf(err, "vhd: punching hole at block %d", b)
		}
		if w.allocated[b] {
			atomic.AddInt64(&w.trimmedBy, BlockSize)
		}
		w.allocated[b] = false
		if int(b) < len(w.sidecar.Blocks) {
			w.sidecar.Blocks[b] = chunk.BlockRecord{Strong: chunk.SparseExtentHash}
		}
	}
	return nil
}

// IsHole implements extent.SparseProber for a Writer, so a restore path
// can reuse internal/extent's scanner directly against a live image.
func (w *Writer) IsHole(offset, length int64) (bool, error) {
	firstBlock := offset / BlockSize
	lastBlock := (offset + length - 1) / BlockSize
	w.mu.Lock()
	defer w.mu.Unlock()
	for b := firstBlock; b <= lastBlock; b++ {
		if b >= 0 && b < int64(len(w.allocated)) && w.allocated[b] {
			return false, nil
		}
	}
	return true, nil
}

// Sidecar returns a snapshot of the per-block strong-hash sidecar
// accumulated so far.
func (w *Writer) Sidecar() chunk.Sidecar {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.sidecar.Clone()
}

// Close flushes any in-flight spool data, stops the worker tasks, and
// closes the underlying file. Flushing on cancellation matches spec §5's
// requirement that a cancelled session leaves consistent partial state for
// the cleaner to reap.
func (w *Writer) Close() error {
	close(w.closed)
	// Drain the front queue synchronously so nothing accepted before Close
	// is lost, then flush any not-yet-rotated spool file.
	w.wg.Wait()
	w.spoolMu.Lock()
	if w.curSpool != nil {
		name := w.curSpool.Name()
		w.curSpool.Close()
		w.replaySpool(name)
		w.curSpool = nil
	}
	w.spoolMu.Unlock()
	if w.spoolFiles != nil {
		close(w.spoolFiles)
	}
	return w.f.Close()
}

// WriteMBRHeader writes the partition-table blob at VHD offset 0 and to
// sidecarPath (spec §4.B "MBR/GPT").
func (w *Writer) WriteMBRHeader(sidecarPath string, blob []byte) error {
	return WriteMBR(w.f, dataOffset(w.maxEntries), sidecarPath, blob)
}

// OpenReader opens an existing VHD for random-access reading, e.g. by the
// mount-vhd CLI surface or the patcher's base-file reads against a
// previous image backup.
func OpenReader(path string) (io.ReaderAt, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "vhd: opening image for read")
	}
	headerBytes := make([]byte, headerSize)
	if _, err := f.ReadAt(headerBytes, footerSize); err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, "vhd: reading header")
	}
	var h Header
	if err := binary.Read(bytes.NewReader(headerBytes), binary.BigEndian, &h); err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, "vhd: decoding header")
	}
	return &reader{f: f, dataOff: dataOffset(h.MaxTableEntries)}, f.Close, nil
}

// reader adapts a raw VHD file into a logical-offset io.ReaderAt, skipping
// over the footer/header/BAT region transparently.
type reader struct {
	f       *os.File
	dataOff int64
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	// The fixed block mapping means logical offset o lives at
	// dataOff + o exactly (blockOffset(i) == dataOffset + i*BlockSize),
	// so no BAT lookup is needed to translate a read.
	return r.f.ReadAt(p, r.dataOff+off)
}

var _ io.ReaderAt = (*reader)(nil)
