package chunk

import "crypto/md5"

// TreeHash rolls up a whole backup's per-file sidecar strong hashes into a
// single digest (SPEC_FULL §11 item 3, grounded on the original's
// urbackupcommon/TreeHash.h). File backups store the digest on their
// backup row; neither the scheduler nor the retention engine compares
// digests, so no backup is skipped on a matching rollup.
type TreeHash struct {
	h   [16]byte
	any bool
}

// NewTreeHash starts an empty rollup.
func NewTreeHash() *TreeHash {
	return &TreeHash{}
}

// AddSidecar folds one file's sidecar into the rollup by hashing the
// concatenation of the running digest with every block's strong hash, in
// the order supplied. Order matters: callers must iterate files and their
// blocks in a stable order for the rollup to be reproducible.
func (t *TreeHash) AddSidecar(s *Sidecar) {
	for _, rec := range s.Blocks {
		buf := make([]byte, 0, 32)
		buf = append(buf, t.h[:]...)
		buf = append(buf, rec.Strong[:]...)
		t.h = md5.Sum(buf)
		t.any = true
	}
}

// Sum returns the rolled-up digest. An empty rollup (no sidecars added)
// returns the zero value with ok=false so callers don't mistake "nothing
// hashed yet" for a real tree matching an all-zero backup.
func (t *TreeHash) Sum() (digest [16]byte, ok bool) {
	return t.h, t.any
}
