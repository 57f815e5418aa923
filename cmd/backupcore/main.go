// Command backupcore is the CLI surface of the backup core (spec §6):
// image mounting/extraction, patch application, sidecar verification and
// manual cleanup, plus the server loop itself.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/urbackup-go/backupcore/internal/errs"
)

// Exit codes per spec §6: 0 success, 1 generic failure, 2 bad arguments,
// 3 IO error, 4 hash mismatch.
const (
	exitOK      = 0
	exitGeneric = 1
	exitBadArgs = 2
	exitIO      = 3
	exitHash    = 4
)

var root = &cobra.Command{
	Use:           "backupcore",
	Short:         "chunked differential backup core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/backupcore/config.yaml", "server configuration file")
	// Accept snake_case spellings of flags, matching the config file keys.
	root.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the spec's exit-code taxonomy.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case isUsageError(err):
		return exitBadArgs
	case errs.Is(err, errs.KindIntegrity):
		return exitHash
	case errs.Is(err, errs.KindIO), errs.Is(err, errs.KindCorruption):
		return exitIO
	default:
		return exitGeneric
	}
}

// usageError tags argument-validation failures so they exit 2; cobra's
// own parse failures (unknown command/flag, wrong arg count) are
// recognized by message since cobra doesn't type them.
type usageError struct{ error }

func isUsageError(err error) bool {
	if _, ok := err.(usageError); ok {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "accepts ")
}

func badArgsf(format string, args ...interface{}) error {
	return usageError{fmt.Errorf(format, args...)}
}
