// Package store implements the content-addressed file store (component
// C): deduplicating file bodies by (sha512, size) as a forest of
// hardlinks, with a batched staging table and free-space-aware retries.
//
// Grounded on backend/local's hardlink-aware copy path (linkinfo_unix.go,
// this package's own linkinfo_unix.go) for identifying when a source is
// already the same inode as a content-store target, and on
// backend/cache/storage_persistent.go's batched-write pattern
// (AddBatchDir) for the files_tmp staging table, now backed by
// internal/db instead of a second bbolt file.
package store

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/db"
	"github.com/urbackup-go/backupcore/internal/logging"
)

var log = logging.For("store")

const (
	// stagingFlushRows and stagingFlushInterval implement spec §4.C's
	// "files_tmp staging table batching ... ≥100 rows or 120s flush".
	stagingFlushRows     = 100
	stagingFlushInterval = 120 * time.Second
)

// SpaceCallback is invoked when a write fails with ENOSPC, to trigger an
// urgent cleanup pass; the store retries the write exactly once after it
// returns (spec §7 "NoSpace ... invokes urgent cleanup callback; one
// retry then fail").
type SpaceCallback func() error

// Store is the content-addressed file store rooted at a backup folder's
// content directory.
type Store struct {
	root string
	db   *db.DB
	onNoSpace SpaceCallback

	deleteMu sync.Mutex // process-wide, serializes content-file deletion

	stagingMu      sync.Mutex
	staging        []db.StagingRow
	stagingClosed  chan struct{}
	stagingFlushWG sync.WaitGroup
}

// Options configures a new Store.
type Options struct {
	Root          string
	DB            *db.DB
	OnNoSpace     SpaceCallback
}

// New opens a content store rooted at opts.Root, starting the staging
// table's background flusher.
func New(opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, errors.Wrap(err, "store: creating content root")
	}
	s := &Store{
		root:          opts.Root,
		db:            opts.DB,
		onNoSpace:     opts.OnNoSpace,
		stagingClosed: make(chan struct{}),
	}
	s.stagingFlushWG.Add(1)
	go s.flushLoop()
	return s, nil
}

// Close flushes any pending staging rows and stops the background
// flusher.
func (s *Store) Close() error {
	close(s.stagingClosed)
	s.stagingFlushWG.Wait()
	return s.flushStaging()
}

// Flush commits any pending staging rows immediately, bypassing the
// row-count/interval triggers; used at shutdown and by callers that need
// the content index current before a lookup (e.g. the CLI surface).
func (s *Store) Flush() error {
	return s.flushStaging()
}

func (s *Store) flushLoop() {
	defer s.stagingFlushWG.Done()
	t := time.NewTicker(stagingFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.flushStaging(); err != nil {
				log.WithError(err).Warn("store: periodic staging flush failed")
			}
		case <-s.stagingClosed:
			return
		}
	}
}

func (s *Store) flushStaging() error {
	s.stagingMu.Lock()
	rows := s.staging
	s.staging = nil
	s.stagingMu.Unlock()
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.PutStagingRows(rows); err != nil {
		return err
	}
	for _, r := range rows {
		entry, ok, err := s.db.GetContentEntry(r.SHA512, r.Size)
		if err != nil {
			return err
		}
		if !ok {
			entry = db.ContentEntry{SHA512: r.SHA512, Size: r.Size, Path: r.Path}
		}
		entry.RefCount++
		if err := s.db.PutContentEntry(entry); err != nil {
			return err
		}
	}
	return s.db.DeleteStagingRows(rows)
}

// alreadyLinked reports whether a and b are already the same inode, so a
// resumed operation (or a caller that happened to pass the content path
// itself as srcPath) doesn't attempt a redundant link-then-remove that
// would delete the only copy of the data.
func (s *Store) alreadyLinked(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	aLink, ok1 := getHLinkInfo(ai)
	bLink, ok2 := getHLinkInfo(bi)
	return ok1 && ok2 && sameFile(aLink, bLink)
}

func (s *Store) contentPath(sha512 [64]byte, size int64) string {
	hexKey := hexEncode(sha512[:])
	return filepath.Join(s.root, hexKey[:2], hexKey[2:4], hexKey+"_"+itoaSize(size))
}

// Put ingests a file already materialized at srcPath (typically a
// just-received chunk-protocol output) into the content store under
// (sha512, size): if a content file for that key already exists, srcPath
// is discarded and a reference is recorded instead; otherwise srcPath is
// hardlinked (falling back to reflink, then copy, across filesystems)
// into place.
// targetPath is then linked to the resulting content file, becoming the
// backup tree's visible name for it; a file-index row is registered for
// (clientID, backupID, relPath), carrying reference_size = size for the
// first holder of this content and 0 for every later one.
func (s *Store) Put(srcPath string, sha512 [64]byte, size int64, targetPath string, clientID, backupID int64, relPath string) error {
	cpath := s.contentPath(sha512, size)
	if err := os.MkdirAll(filepath.Dir(cpath), 0o755); err != nil {
		return errors.Wrap(err, "store: creating content shard directory")
	}

	entry, ok, err := s.db.GetContentEntry(sha512, size)
	if err != nil {
		return err
	}
	if ok {
		if _, statErr := os.Stat(entry.Path); statErr != nil {
			// The existing entry is the problem (source gone): delete the
			// stale row and fall through to adopting srcPath as the new
			// canonical content file.
			log.WithField("path", entry.Path).Warn("store: content file vanished, dropping stale index row")
			if err := s.db.DeleteContentEntry(sha512, size); err != nil {
				return err
			}
			ok = false
		}
	}

	refSize := int64(0)
	if ok {
		// Already deduplicated: drop the freshly written source, link the
		// target to the existing content file, bump refcount via staging.
		if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("store: removing redundant source after dedup hit")
		}
		if err := s.linkTarget(entry.Path, targetPath); err != nil {
			return err
		}
		s.enqueueStaging(db.StagingRow{SHA512: sha512, Size: size, Path: entry.Path})
	} else {
		if err := s.adoptIntoContent(srcPath, cpath); err != nil {
			return err
		}
		if err := s.linkTarget(cpath, targetPath); err != nil {
			return err
		}
		s.enqueueStaging(db.StagingRow{SHA512: sha512, Size: size, Path: cpath})
		refSize = size
	}

	// The staging-table lag means the content entry can trail the file
	// index; the class's own rows are authoritative for who bears the
	// reference size.
	if members, merr := s.db.ListFilesByContent(sha512, size); merr == nil {
		for _, m := range members {
			if m.ReferenceSize > 0 {
				refSize = 0
				break
			}
		}
		if len(members) == 0 && refSize == 0 {
			refSize = size
		}
	}

	return s.db.PutFileEntry(db.FileEntry{
		ClientID:      clientID,
		BackupID:      backupID,
		RelPath:       relPath,
		SHA512:        sha512,
		Size:          size,
		CreatedAt:     time.Now(),
		ReferenceSize: refSize,
	})
}

// Link registers one more backup-tree name for content that is already
// in the store, without any incoming source file: the target is
// hardlinked from the canonical content file and a zero-reference-size
// index row is recorded. Used for files an incremental backup carries
// forward unchanged from its parent.
func (s *Store) Link(sha512 [64]byte, size int64, targetPath string, clientID, backupID int64, relPath string) error {
	entry, ok, err := s.db.GetContentEntry(sha512, size)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("store: no content entry for link of %q", relPath)
	}
	if err := s.linkTarget(entry.Path, targetPath); err != nil {
		return err
	}
	s.enqueueStaging(db.StagingRow{SHA512: sha512, Size: size, Path: entry.Path})
	return s.db.PutFileEntry(db.FileEntry{
		ClientID:  clientID,
		BackupID:  backupID,
		RelPath:   relPath,
		SHA512:    sha512,
		Size:      size,
		CreatedAt: time.Now(),
	})
}

// adoptIntoContent moves srcPath into the content store at cpath,
// preferring a hardlink (same filesystem, no data copy), then a reflink
// clone, then a byte copy when src and the content root live on
// different devices or hit EMLINK (spec §4.C "fall back to reflink if
// supported; otherwise copy").
func (s *Store) adoptIntoContent(srcPath, cpath string) error {
	if s.alreadyLinked(srcPath, cpath) {
		return nil
	}
	err := os.Link(srcPath, cpath)
	if err == nil {
		return os.Remove(srcPath)
	}
	if errors.Is(err, os.ErrExist) {
		// A content file already sits at cpath (e.g. left over from a
		// crash before its db row was committed): treat it as canonical.
		return os.Remove(srcPath)
	}
	// EXDEV (cross-device) or EMLINK: reflink clone, then plain copy
	// (retried once through the space callback on ENOSPC).
	if copyErr := s.cloneOrCopy(srcPath, cpath); copyErr != nil {
		return copyErr
	}
	return os.Remove(srcPath)
}

// cloneOrCopy materializes dst from src without linking: a reflink clone
// where the filesystem supports it, a byte copy otherwise.
func (s *Store) cloneOrCopy(src, dst string) error {
	if err := reflink(src, dst); err == nil {
		return nil
	}
	return s.copyWithRetry(src, dst)
}

func (s *Store) linkTarget(cpath, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return errors.Wrap(err, "store: creating target directory")
	}
	err := os.Link(cpath, targetPath)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	return s.cloneOrCopy(cpath, targetPath)
}

func (s *Store) copyWithRetry(src, dst string) error {
	err := copyFile(src, dst)
	if err == nil {
		return nil
	}
	if !stderrors.Is(err, syscall.ENOSPC) {
		return err
	}
	if s.onNoSpace == nil {
		return err
	}
	if cbErr := s.onNoSpace(); cbErr != nil {
		return errors.Wrap(err, "store: no space, cleanup callback also failed")
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "store: opening copy source")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "store: creating copy destination")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "store: copying file body")
	}
	return out.Close()
}

func (s *Store) enqueueStaging(r db.StagingRow) {
	s.stagingMu.Lock()
	s.staging = append(s.staging, r)
	shouldFlush := len(s.staging) >= stagingFlushRows
	s.stagingMu.Unlock()
	if shouldFlush {
		if err := s.flushStaging(); err != nil {
			log.WithError(err).Warn("store: row-count staging flush failed")
		}
	}
}

// Release drops the file-index row for (backupID, relPath) and one
// reference to its (sha512, size) content. If the released row was the
// reference_size-bearing one, the reference_size moves to the oldest
// surviving member of the same content class; when the last reference
// goes, the content file itself is unlinked. The whole sequence runs
// under the process-wide delete mutex so two sessions never race to
// delete the same victim (spec §4.C "Concurrency").
func (s *Store) Release(sha512 [64]byte, size int64, relPath string, backupID int64) error {
	s.deleteMu.Lock()
	defer s.deleteMu.Unlock()

	members, err := s.db.ListFilesByContent(sha512, size)
	if err != nil {
		return err
	}
	var released *db.FileEntry
	var survivors []db.FileEntry
	for i := range members {
		if members[i].BackupID == backupID && members[i].RelPath == relPath {
			released = &members[i]
		} else {
			survivors = append(survivors, members[i])
		}
	}
	if released != nil {
		if err := s.db.DeleteFileEntry(*released); err != nil {
			return err
		}
		if released.ReferenceSize > 0 && len(survivors) > 0 {
			heir := survivors[0]
			for _, m := range survivors[1:] {
				if m.CreatedAt.Before(heir.CreatedAt) {
					heir = m
				}
			}
			heir.ReferenceSize = released.ReferenceSize
			if err := s.db.PutFileEntry(heir); err != nil {
				return err
			}
		}
	}

	entry, ok, err := s.db.GetContentEntry(sha512, size)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	entry.RefCount--
	if entry.RefCount > 0 {
		return s.db.PutContentEntry(entry)
	}
	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "store: removing de-referenced content file")
	}
	return s.db.DeleteContentEntry(sha512, size)
}

// ReferenceSize reports the size of the content file for (sha512, size)
// while the content index still holds an entry for it; ok is false
// otherwise. A client's bytes_used_files accounting does not use it: the
// retention engine sums file-index row sizes instead.
func (s *Store) ReferenceSize(sha512 [64]byte, size int64) (int64, bool, error) {
	entry, ok, err := s.db.GetContentEntry(sha512, size)
	if err != nil || !ok {
		return 0, ok, err
	}
	return entry.Size, true, nil
}
