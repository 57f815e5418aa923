package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/urbackup-go/backupcore/internal/chunk"
	"github.com/urbackup-go/backupcore/internal/errs"
)

var verifySidecarCmd = &cobra.Command{
	Use:   "verify-sidecar <file> <hash>",
	Short: "recompute a file's block hashes and compare against its sidecar",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return verifySidecar(cmd.OutOrStdout(), args[0], args[1])
	},
}

func init() {
	root.AddCommand(verifySidecarCmd)
}

func verifySidecar(out io.Writer, filePath, hashPath string) error {
	hf, err := os.Open(hashPath)
	if err != nil {
		return errs.New(errs.KindIO, err, "verify-sidecar: opening sidecar")
	}
	want, err := chunk.ReadSidecar(hf)
	hf.Close()
	if err != nil {
		return errs.New(errs.KindCorruption, err, "verify-sidecar: parsing sidecar")
	}

	f, err := os.Open(filePath)
	if err != nil {
		return errs.New(errs.KindIO, err, "verify-sidecar: opening file")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errs.New(errs.KindIO, err, "verify-sidecar: statting file")
	}

	if want.LogicalSize != fi.Size() {
		return errs.Newf(errs.KindIntegrity, errors.New("size mismatch"),
			"verify-sidecar: sidecar says %d bytes, file has %d", want.LogicalSize, fi.Size())
	}

	buf := make([]byte, chunk.BlockSize)
	for i := range want.Blocks {
		n, err := f.ReadAt(buf, int64(i)*chunk.BlockSize)
		if err != nil && err != io.EOF {
			return errs.New(errs.KindIO, err, "verify-sidecar: reading block")
		}
		got := chunk.HashBlock(buf[:n])
		if got.Strong != want.Blocks[i].Strong {
			return errs.Newf(errs.KindIntegrity, errors.New("strong hash mismatch"),
				"verify-sidecar: block %d", i)
		}
	}
	fmt.Fprintf(out, "%s: %d blocks verified\n", filePath, len(want.Blocks))
	return nil
}
