package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/urbackup-go/backupcore/internal/errs"
	"github.com/urbackup-go/backupcore/internal/extent"
	"github.com/urbackup-go/backupcore/internal/patch"
)

var (
	patchSparseExtents string
	patchOutput        string
)

var patchApplyCmd = &cobra.Command{
	Use:   "patch-apply <base> <patch>",
	Short: "apply a patch stream against a base file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if patchOutput == "" {
			return badArgsf("--output is required")
		}
		return patchApply(args[0], args[1], patchSparseExtents, patchOutput)
	},
}

func init() {
	patchApplyCmd.Flags().StringVar(&patchSparseExtents, "sparse-extents", "", "sparse-extent trailer file for the base")
	patchApplyCmd.Flags().StringVarP(&patchOutput, "output", "o", "", "path for the reconstructed file")
	root.AddCommand(patchApplyCmd)
}

func patchApply(basePath, patchPath, extentsPath, outPath string) error {
	base, err := os.Open(basePath)
	if err != nil {
		return errs.New(errs.KindIO, err, "patch-apply: opening base")
	}
	defer base.Close()
	pf, err := os.Open(patchPath)
	if err != nil {
		return errs.New(errs.KindIO, err, "patch-apply: opening patch")
	}
	defer pf.Close()

	opts := patch.Options{DetectSparseOutput: true}
	if extentsPath != "" {
		ef, err := os.Open(extentsPath)
		if err != nil {
			return errs.New(errs.KindIO, err, "patch-apply: opening sparse extents")
		}
		table, terr := extent.ReadTrailer(ef)
		ef.Close()
		if terr != nil {
			return errs.New(errs.KindCorruption, terr, "patch-apply: parsing sparse extents")
		}
		opts.SparseIter = extent.NewPersistedIter(table)
	}

	out, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.KindIO, err, "patch-apply: creating output")
	}
	defer out.Close()

	cb := &patch.WriterAtCallback{W: out}
	if err := patch.Reconstruct(base, pf, cb, opts); err != nil {
		return errs.New(errs.KindCorruption, err, "patch-apply")
	}
	return nil
}
