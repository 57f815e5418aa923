package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/urbackup-go/backupcore/internal/chunk"
	"github.com/urbackup-go/backupcore/internal/vhd"
)

// buildTestVHD creates a two-block image with only the first block
// written, plus the .hash sidecar mount-vhd needs.
func buildTestVHD(t *testing.T, path string) {
	t.Helper()
	w, err := vhd.Create(path, 2*vhd.BlockSize, vhd.Options{})
	require.NoError(t, err)
	require.NoError(t, w.WriteBlock(0, bytes.Repeat([]byte{0xE1}, vhd.BlockSize)))
	require.NoError(t, w.Close())

	sc := w.Sidecar()
	sc.Blocks[1] = chunk.BlockRecord{Strong: chunk.SparseExtentHash}
	f, err := os.Create(path + ".hash")
	require.NoError(t, err)
	require.NoError(t, chunk.WriteSidecar(f, &sc))
	require.NoError(t, f.Close())
}
