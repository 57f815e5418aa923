package coordinator

import (
	"context"
	"crypto/sha512"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/urbackup-go/backupcore/internal/chunk"
	"github.com/urbackup-go/backupcore/internal/corecontext"
	"github.com/urbackup-go/backupcore/internal/db"
)

// RunContext is everything a Runner needs for one backup: the shared
// core, the client, the backup row to fill in (RootPath, SizeBytes,
// TreeHash), the client's last-announced address, and a progress sink fed
// into the keepalive pings.
type RunContext struct {
	Core     *corecontext.Core
	Client   db.Client
	Backup   *db.Backup
	Address  string
	Progress func(string)
}

// Runner performs the transfer phase of one backup. Production wiring
// uses NewBackupRunner; tests substitute fakes to drive the state machine
// without a network.
type Runner interface {
	Run(ctx context.Context, rc RunContext) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, rc RunContext) error

func (f RunnerFunc) Run(ctx context.Context, rc RunContext) error { return f(ctx, rc) }

// Peer is the remote client daemon as seen by a backup run: a filelist
// source, image-volume metadata, and a dialer for chunk-protocol
// connections. TCP is the production implementation; tests use in-memory
// fakes, the way backend/raid3's tests fake remotes.
type Peer interface {
	// FileList fetches the client's current filelist.
	FileList(ctx context.Context) ([]FileListEntry, error)
	// ImageMeta reports the volume size and partition-table blob for one
	// volume letter.
	ImageMeta(ctx context.Context, letter string) (size int64, mbr []byte, err error)
	// Dial opens a fresh chunk-protocol connection; the engine redials
	// through this on reconnect.
	Dial() (io.ReadWriteCloser, error)
}

// PeerFactory builds a Peer for a client at its last-announced address.
type PeerFactory func(client db.Client, address string) (Peer, error)

// BackupRunner is the production Runner: it drives the chunk engine, the
// content store and the VHD writer against a real Peer.
type BackupRunner struct {
	Peers PeerFactory
	// ImageLetters are the volume letters imaged per image backup.
	ImageLetters []string
	// throttlers are per-client, shared across that client's sessions.
	throttlers map[int64]*Throttler
}

// NewBackupRunner wires a production runner over peers.
func NewBackupRunner(peers PeerFactory, imageLetters []string) *BackupRunner {
	if len(imageLetters) == 0 {
		imageLetters = []string{"C"}
	}
	return &BackupRunner{Peers: peers, ImageLetters: imageLetters, throttlers: make(map[int64]*Throttler)}
}

func (r *BackupRunner) throttlerFor(client db.Client, bps int64) *Throttler {
	t, ok := r.throttlers[client.ID]
	if !ok {
		t = NewThrottler(bps)
		r.throttlers[client.ID] = t
	}
	return t
}

// Run dispatches on the backup kind.
func (r *BackupRunner) Run(ctx context.Context, rc RunContext) error {
	peer, err := r.Peers(rc.Client, rc.Address)
	if err != nil {
		return errors.Wrap(err, "coordinator: reaching peer")
	}
	throttle := r.throttlerFor(rc.Client, rc.Core.Cfg.MaxBandwidthBps)
	dial := func() (io.ReadWriteCloser, error) {
		rwc, err := peer.Dial()
		if err != nil {
			return nil, err
		}
		return throttle.Attach(ctx, rwc), nil
	}
	switch rc.Backup.Kind {
	case db.KindFileFull, db.KindFileIncr:
		return r.runFileBackup(ctx, rc, peer, dial)
	case db.KindImageFull, db.KindImageIncr:
		return r.runImageBackup(ctx, rc, peer, dial)
	default:
		return errors.Errorf("coordinator: unknown backup kind %q", rc.Backup.Kind)
	}
}

// runFileBackup implements the §2 dataflow: fetch the filelist, diff it
// against the parent backup's list, pull each changed file through the
// chunk engine, link unchanged files forward, and index everything.
func (r *BackupRunner) runFileBackup(ctx context.Context, rc RunContext, peer Peer, dial chunk.Dialer) error {
	cfg := rc.Core.Cfg
	root := filepath.Join(cfg.BackupFolder, rc.Client.Name, rc.Backup.StartTime.Format("060102-1504"))
	if err := os.MkdirAll(filepath.Join(root, ".hashes"), 0o755); err != nil {
		return errors.Wrap(err, "coordinator: creating backup root")
	}
	rc.Backup.RootPath = root
	if err := rc.Core.DB.PutBackup(*rc.Backup); err != nil {
		return err
	}

	cur, err := peer.FileList(ctx)
	if err != nil {
		return errors.Wrap(err, "coordinator: fetching filelist")
	}

	var prev []FileListEntry
	var prevRoot string
	var prevFiles map[string]db.FileEntry
	if rc.Backup.ParentBackupID != 0 {
		parent, err := rc.Core.DB.GetBackup(rc.Client.ID, rc.Backup.ParentBackupID)
		if err == nil {
			prevRoot = parent.RootPath
			if f, err := os.Open(filepath.Join(prevRoot, ".filelist")); err == nil {
				prev, _ = ParseFileList(f)
				f.Close()
			}
			entries, err := rc.Core.DB.ListFilesForBackup(parent.ID)
			if err == nil {
				prevFiles = make(map[string]db.FileEntry, len(entries))
				for _, e := range entries {
					prevFiles[e.RelPath] = e
				}
			}
		}
	}

	changed, _ := DiffFileLists(prev, cur)
	changedSet := make(map[string]bool, len(changed))
	for _, e := range changed {
		changedSet[e.Path] = true
	}

	var total int64
	for i, e := range changed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc.Progress(fmt.Sprintf("file %d/%d %s", i+1, len(changed), e.Path))
		if err := r.pullOneFile(rc, dial, root, prevRoot, e); err != nil {
			return errors.Wrapf(err, "coordinator: transferring %q", e.Path)
		}
	}
	for _, e := range cur {
		total += e.Size
		if changedSet[e.Path] {
			continue
		}
		pf, ok := prevFiles[e.Path]
		if !ok {
			continue // parent predates indexing of this path; treat as changed next round
		}
		target := filepath.Join(root, e.Path)
		if err := rc.Core.Store.Link(pf.SHA512, pf.Size, target, rc.Client.ID, rc.Backup.ID, e.Path); err != nil {
			return errors.Wrapf(err, "coordinator: carrying %q forward", e.Path)
		}
		if err := linkOrCopy(
			filepath.Join(prevRoot, ".hashes", e.Path),
			filepath.Join(root, ".hashes", e.Path),
		); err != nil {
			return errors.Wrapf(err, "coordinator: carrying sidecar of %q forward", e.Path)
		}
	}

	lf, err := os.Create(filepath.Join(root, ".filelist"))
	if err != nil {
		return errors.Wrap(err, "coordinator: persisting filelist")
	}
	if err := WriteFileList(lf, cur); err != nil {
		lf.Close()
		return err
	}
	if err := lf.Close(); err != nil {
		return err
	}

	digest, err := treeDigest(filepath.Join(root, ".hashes"))
	if err != nil {
		return err
	}
	rc.Backup.TreeHash = digest
	rc.Backup.SizeBytes = total
	return nil
}

// pullOneFile runs one chunk session for a changed file: pull into a temp
// file against the previous version (if any), verify, write the new
// sidecar, hand the result to the content store.
func (r *BackupRunner) pullOneFile(rc RunContext, dial chunk.Dialer, root, prevRoot string, e FileListEntry) error {
	req := chunk.PullRequest{Name: e.Path, Identity: rc.Client.Name}

	if prevRoot != "" {
		if f, err := os.Open(filepath.Join(prevRoot, e.Path)); err == nil {
			defer f.Close()
			if hf, err := os.Open(filepath.Join(prevRoot, ".hashes", e.Path)); err == nil {
				sc, err := chunk.ReadSidecar(hf)
				hf.Close()
				if err == nil && sc.LogicalSize != chunk.MetadataOnlySize {
					req.Base = f
					req.BaseSidecar = sc
				}
			}
		}
	}

	tmp, err := os.CreateTemp(root, ".inflight-*")
	if err != nil {
		return errors.Wrap(err, "coordinator: creating transfer temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	sess := chunk.NewSession(req, &chunk.InlineSink{Base: req.Base, Target: tmp})
	sess.MaxReconnectTries = rc.Core.Cfg.ReconnectTries
	sess.ReconnectTimeout = rc.Core.Cfg.ReconnectTimeout.D()
	sess.OnNoSpace = func() error {
		return rc.Core.Retention.UrgentCleanup(rc.Core.Cfg.MinFreeSpaceBytes)
	}
	sidecar, err := sess.Run(dial)
	if err != nil {
		tmp.Close()
		return err
	}
	// Sparse blocks are never written by the sink; size the file so they
	// materialize as holes.
	if err := tmp.Truncate(sidecar.LogicalSize); err != nil {
		tmp.Close()
		return errors.Wrap(err, "coordinator: sizing transferred file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "coordinator: syncing transferred file")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return err
	}
	h := sha512.New()
	if _, err := io.Copy(h, tmp); err != nil {
		tmp.Close()
		return errors.Wrap(err, "coordinator: hashing transferred file")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	var sum [64]byte
	copy(sum[:], h.Sum(nil))

	hashPath := filepath.Join(root, ".hashes", e.Path)
	if err := os.MkdirAll(filepath.Dir(hashPath), 0o755); err != nil {
		return err
	}
	hf, err := os.Create(hashPath)
	if err != nil {
		return errors.Wrap(err, "coordinator: creating sidecar file")
	}
	if err := chunk.WriteSidecar(hf, sidecar); err != nil {
		hf.Close()
		return err
	}
	if err := hf.Close(); err != nil {
		return err
	}

	target := filepath.Join(root, e.Path)
	return rc.Core.Store.Put(tmpName, sum, sidecar.LogicalSize, target, rc.Client.ID, rc.Backup.ID, e.Path)
}

// treeDigest rolls every sidecar under hashRoot into one TreeHash digest,
// walking in sorted path order so the rollup is reproducible.
func treeDigest(hashRoot string) ([16]byte, error) {
	var paths []string
	err := filepath.Walk(hashRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "coordinator: walking sidecars")
	}
	sort.Strings(paths)
	th := chunk.NewTreeHash()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return [16]byte{}, err
		}
		sc, err := chunk.ReadSidecar(f)
		f.Close()
		if err != nil {
			return [16]byte{}, err
		}
		th.AddSidecar(sc)
	}
	digest, _ := th.Sum()
	return digest, nil
}

func linkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Link(src, dst); err == nil || errors.Is(err, os.ErrExist) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
