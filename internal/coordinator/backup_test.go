package coordinator

import (
	"bytes"
	"context"
	"crypto/sha512"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbackup-go/backupcore/internal/chunk"
	"github.com/urbackup-go/backupcore/internal/db"
	"github.com/urbackup-go/backupcore/internal/vhd"
	"github.com/urbackup-go/backupcore/internal/wire"
)

// unboundedPipe is one direction of an in-memory connection that never
// blocks writers, so the engine's pipelined request bursts can't deadlock
// against the synchronous fake peer below.
type unboundedPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newUnboundedPipe() *unboundedPipe {
	p := &unboundedPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *unboundedPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := p.buf.Write(b)
	p.cond.Broadcast()
	return n, err
}

func (p *unboundedPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *unboundedPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

type pipeEnd struct {
	in, out *unboundedPipe
}

func (e *pipeEnd) Read(b []byte) (int, error)  { return e.in.Read(b) }
func (e *pipeEnd) Write(b []byte) (int, error) { return e.out.Write(b) }
func (e *pipeEnd) Close() error {
	e.in.Close()
	return e.out.Close()
}

// fakePeer serves the chunk protocol and metadata requests from an
// in-memory file set, standing in for a real client daemon.
type fakePeer struct {
	files      map[string][]byte
	mtimes     map[string]int64
	imageSize  int64
	imageBytes []byte
	mbr        []byte
}

func (p *fakePeer) FileList(ctx context.Context) ([]FileListEntry, error) {
	var out []FileListEntry
	for path, body := range p.files {
		mtime := int64(1)
		if m, ok := p.mtimes[path]; ok {
			mtime = m
		}
		out = append(out, FileListEntry{Path: path, Size: int64(len(body)), MTime: mtime})
	}
	return out, nil
}

func (p *fakePeer) ImageMeta(ctx context.Context, letter string) (int64, []byte, error) {
	return p.imageSize, p.mbr, nil
}

func (p *fakePeer) Dial() (io.ReadWriteCloser, error) {
	a := newUnboundedPipe()
	b := newUnboundedPipe()
	go p.serve(&pipeEnd{in: a, out: b})
	return &pipeEnd{in: b, out: a}, nil
}

func (p *fakePeer) lookup(name string) []byte {
	if body, ok := p.files[name]; ok {
		return body
	}
	return p.imageBytes
}

func (p *fakePeer) serve(rwc io.ReadWriteCloser) {
	defer rwc.Close()
	conn := wire.NewConn(rwc)
	var body []byte
	var baseSidecar *chunk.Sidecar
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
			body = p.lookup(m.Name)
			reply, _ := wire.FileSize{Size: int64(len(body))}.Encode()
			if err := conn.WriteControlFrame(wire.MsgFileSize, reply); err != nil {
				return
			}
		case wire.MsgBaseSidecar:
			payload, err := conn.ReadControlFrame()
			if err != nil {
				return
			}
			sc, err := chunk.ReadSidecar(bytes.NewReader(payload))
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
			off := req.BlockOffset
			end := off + chunk.BlockSize
			if end > int64(len(body)) {
				end = int64(len(body))
			}
			block := body[off:end]
			idx := int(off / chunk.BlockSize)
			if !req.WantWholeBlock && baseSidecar != nil && idx < len(baseSidecar.Blocks) &&
				chunk.HashBlock(block).Strong == baseSidecar.Blocks[idx].Strong {
				reply, _ := wire.NoChange{BlockOffset: off}.Encode()
				if err := conn.WriteControlFrame(wire.MsgNoChange, reply); err != nil {
					return
				}
				continue
			}
			if err := conn.WriteDataHeader(wire.MsgWholeBlock, off, uint32(len(block))); err != nil {
				return
			}
			if err := conn.WriteData(block); err != nil {
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

func runnerFor(peer Peer) *BackupRunner {
	return NewBackupRunner(func(client db.Client, address string) (Peer, error) {
		return peer, nil
	}, []string{"C"})
}

func TestFileBackupEndToEnd(t *testing.T) {
	core := newTestCore(t)
	bodyA := bytes.Repeat([]byte{0xA1}, 700*1024) // spans two blocks
	bodyB := []byte("small configuration file")
	peer := &fakePeer{files: map[string][]byte{
		"data/a.bin": bodyA,
		"etc/b.conf": bodyB,
	}}

	client := db.Client{ID: 1, Name: "host1"}
	require.NoError(t, core.DB.PutClient(client))
	backup := &db.Backup{ID: 1, ClientID: 1, Kind: db.KindFileFull, StartTime: time.Now()}
	require.NoError(t, core.DB.PutBackup(*backup))

	runner := runnerFor(peer)
	err := runner.Run(context.Background(), RunContext{
		Core: core, Client: client, Backup: backup, Progress: func(string) {},
	})
	require.NoError(t, err)

	// The tree holds byte-equal copies of the peer's files.
	gotA, err := os.ReadFile(filepath.Join(backup.RootPath, "data/a.bin"))
	require.NoError(t, err)
	assert.Equal(t, bodyA, gotA)
	gotB, err := os.ReadFile(filepath.Join(backup.RootPath, "etc/b.conf"))
	require.NoError(t, err)
	assert.Equal(t, bodyB, gotB)

	// Sidecars verify against the transferred content.
	hf, err := os.Open(filepath.Join(backup.RootPath, ".hashes", "data/a.bin"))
	require.NoError(t, err)
	sc, err := chunk.ReadSidecar(hf)
	hf.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(len(bodyA)), sc.LogicalSize)
	assert.Equal(t, chunk.HashBlock(bodyA[:chunk.BlockSize]), sc.Blocks[0])

	// The index knows both files, with reference_size borne once per class.
	require.NoError(t, core.Store.Flush())
	sumA := sha512.Sum512(bodyA)
	rows, err := core.DB.ListFilesByContent(sumA, int64(len(bodyA)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(len(bodyA)), rows[0].ReferenceSize)

	assert.Equal(t, int64(len(bodyA)+len(bodyB)), backup.SizeBytes)
	assert.NotEqual(t, [16]byte{}, backup.TreeHash)
}

func TestIncrementalCarriesUnchangedFilesForward(t *testing.T) {
	core := newTestCore(t)
	bodyA := bytes.Repeat([]byte{0xA2}, 600*1024)
	bodyB := []byte("stable file")
	peer := &fakePeer{files: map[string][]byte{
		"a.bin":  bodyA,
		"b.conf": bodyB,
	}}
	client := db.Client{ID: 1, Name: "host1"}
	require.NoError(t, core.DB.PutClient(client))
	runner := runnerFor(peer)

	full := &db.Backup{ID: 1, ClientID: 1, Kind: db.KindFileFull, StartTime: time.Now().Add(-time.Hour)}
	require.NoError(t, core.DB.PutBackup(*full))
	require.NoError(t, runner.Run(context.Background(), RunContext{
		Core: core, Client: client, Backup: full, Progress: func(string) {},
	}))
	full.Complete = true
	require.NoError(t, core.DB.PutBackup(*full))
	require.NoError(t, core.Store.Flush())

	// Change one file, keep the other byte-identical.
	bodyA2 := append([]byte(nil), bodyA...)
	bodyA2[0] ^= 0xFF
	peer.files["a.bin"] = bodyA2
	peer.mtimes = map[string]int64{"a.bin": 2}

	incr := &db.Backup{ID: 2, ClientID: 1, Kind: db.KindFileIncr, StartTime: time.Now(), ParentBackupID: full.ID}
	require.NoError(t, core.DB.PutBackup(*incr))
	require.NoError(t, runner.Run(context.Background(), RunContext{
		Core: core, Client: client, Backup: incr, Progress: func(string) {},
	}))
	require.NoError(t, core.Store.Flush())

	got, err := os.ReadFile(filepath.Join(incr.RootPath, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, bodyA2, got)

	// The unchanged file is hardlinked from the content store, not
	// re-transferred: same inode across both trees.
	fiFull, err := os.Stat(filepath.Join(full.RootPath, "b.conf"))
	require.NoError(t, err)
	fiIncr, err := os.Stat(filepath.Join(incr.RootPath, "b.conf"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(fiFull, fiIncr))

	sumB := sha512.Sum512(bodyB)
	rows, err := core.DB.ListFilesByContent(sumB, int64(len(bodyB)))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestImageBackupEndToEnd(t *testing.T) {
	core := newTestCore(t)
	volume := bytes.Repeat([]byte{0xC7}, 2*vhd.BlockSize)
	mbr := bytes.Repeat([]byte{0x55}, 512)
	peer := &fakePeer{imageSize: int64(len(volume)), imageBytes: volume, mbr: mbr}
	client := db.Client{ID: 1, Name: "host1"}
	require.NoError(t, core.DB.PutClient(client))

	backup := &db.Backup{ID: 1, ClientID: 1, Kind: db.KindImageFull, StartTime: time.Now()}
	require.NoError(t, core.DB.PutBackup(*backup))
	runner := runnerFor(peer)
	require.NoError(t, runner.Run(context.Background(), RunContext{
		Core: core, Client: client, Backup: backup, Progress: func(string) {},
	}))

	// VHD content round-trips through the reader.
	r, closer, err := vhd.OpenReader(backup.RootPath)
	require.NoError(t, err)
	defer closer()
	got := make([]byte, len(volume))
	_, err = r.ReadAt(got[:vhd.BlockSize], int64(vhd.MBRSize)) // past the MBR header region
	require.NoError(t, err)
	assert.Equal(t, volume[vhd.MBRSize:vhd.MBRSize+vhd.BlockSize], got[:vhd.BlockSize])

	// Sidecar, MBR and CBT artifacts exist and parse.
	hf, err := os.Open(backup.RootPath + ".hash")
	require.NoError(t, err)
	sc, err := chunk.ReadSidecar(hf)
	hf.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(len(volume)), sc.LogicalSize)

	gotMBR, err := vhd.ReadMBR(backup.RootPath + ".mbr")
	require.NoError(t, err)
	assert.Equal(t, mbr, gotMBR[:512])

	cf, err := os.Open(backup.RootPath + ".cbt")
	require.NoError(t, err)
	cbt, err := vhd.ReadCBTFile(cf)
	cf.Close()
	require.NoError(t, err)
	assert.Len(t, cbt.Records, 2)

	meta, ok, err := core.DB.GetCBTMeta(1, "C")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, backup.ID, meta.BackupID)
	assert.Greater(t, backup.SizeBytes, int64(0))
}
