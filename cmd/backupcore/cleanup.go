package main

import (
	"github.com/spf13/cobra"

	"github.com/urbackup-go/backupcore/internal/config"
	"github.com/urbackup-go/backupcore/internal/corecontext"
	"github.com/urbackup-go/backupcore/internal/errs"
)

var urgentBytes int64

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "run a retention pass; --urgent frees the given byte count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if urgentBytes < 0 {
			return badArgsf("--urgent must be non-negative")
		}
		return runCleanup(urgentBytes)
	},
}

func init() {
	cleanupCmd.Flags().Int64Var(&urgentBytes, "urgent", 0, "bytes of space to reclaim immediately (0 = scheduled pass)")
	root.AddCommand(cleanupCmd)
}

func runCleanup(urgent int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errs.New(errs.KindIO, err, "cleanup")
	}
	core, err := corecontext.Open(cfg)
	if err != nil {
		return errs.New(errs.KindIO, err, "cleanup")
	}
	defer core.Close()

	if urgent > 0 {
		return core.Retention.UrgentCleanup(urgent)
	}
	return core.Retention.RunScheduled()
}
