package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/urbackup-go/backupcore/internal/chunk"
	"github.com/urbackup-go/backupcore/internal/errs"
	"github.com/urbackup-go/backupcore/internal/vhd"
)

var mountOffset int64

var mountVHDCmd = &cobra.Command{
	Use:   "mount-vhd <path> <mountpoint>",
	Short: "materialize a VHD's raw volume contents at a mountpoint path",
	Long: `Extracts the logical volume stored in a dynamic VHD to a raw image file
at <mountpoint>, preserving sparseness, so it can be loop-mounted or
inspected with standard tools. --offset skips into the volume (e.g. past
the partition table to the filesystem start).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if mountOffset < 0 {
			return badArgsf("--offset must be non-negative")
		}
		return mountVHD(args[0], args[1], mountOffset)
	},
}

func init() {
	mountVHDCmd.Flags().Int64Var(&mountOffset, "offset", 0, "byte offset into the volume to start at")
	root.AddCommand(mountVHDCmd)
}

func mountVHD(path, mountpoint string, offset int64) error {
	r, closer, err := vhd.OpenReader(path)
	if err != nil {
		return errs.New(errs.KindIO, err, "mount-vhd")
	}
	defer closer()

	// The .hash sidecar tells us the volume size and which blocks are
	// sparse, so the extraction can skip holes instead of reading them.
	hf, err := os.Open(path + ".hash")
	if err != nil {
		return errs.New(errs.KindIO, err, "mount-vhd: opening sidecar")
	}
	sc, err := chunk.ReadSidecar(hf)
	hf.Close()
	if err != nil {
		return errs.New(errs.KindCorruption, err, "mount-vhd: parsing sidecar")
	}

	out, err := os.OpenFile(mountpoint, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.KindIO, err, "mount-vhd: creating output")
	}
	defer out.Close()
	outSize := sc.LogicalSize - offset
	if outSize < 0 {
		return badArgsf("--offset %d past end of volume (%d bytes)", offset, sc.LogicalSize)
	}
	if err := out.Truncate(outSize); err != nil {
		return errs.New(errs.KindIO, err, "mount-vhd: sizing output")
	}

	buf := make([]byte, chunk.BlockSize)
	for i, rec := range sc.Blocks {
		blockStart := int64(i) * chunk.BlockSize
		blockEnd := blockStart + chunk.BlockSize
		if blockEnd > sc.LogicalSize {
			blockEnd = sc.LogicalSize
		}
		if blockEnd <= offset || rec.IsSparse() {
			continue // before the requested offset, or a hole
		}
		readStart := blockStart
		if readStart < offset {
			readStart = offset
		}
		span := buf[:blockEnd-readStart]
		if _, err := r.ReadAt(span, readStart); err != nil && err != io.EOF {
			return errs.New(errs.KindIO, err, "mount-vhd: reading image block")
		}
		if _, err := out.WriteAt(span, readStart-offset); err != nil {
			return errs.New(errs.KindIO, err, "mount-vhd: writing output block")
		}
	}
	return nil
}
