// Command verso is the CLI front end over the core versioning engine:
// create and inspect changesets, resolve plans, and apply them.
//
// Exit status: 0 success, 1 the plan produced conflicts, 2 the apply
// failed and was rolled back, 3 partial success (manifests applied,
// archive pending), 4 any other failure.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/verso-tools/verso/internal/apply"
)

const (
	exitOK             = 0
	exitConflicts      = 1
	exitRolledBack     = 2
	exitPartialSuccess = 3
	exitFailure        = 4
)

// exitCodeError carries an explicit exit status through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	return e.err.Error()
}

var rootCmd = &cobra.Command{
	Use:   "verso",
	Short: "Monorepo version management",
	Long: `verso manages versions across a monorepo workspace: it captures
release intent as changesets, resolves a consistent set of version
bumps across the dependency graph, and applies them atomically to the
package manifests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(unifyCmd())
	rootCmd.AddCommand(purgeBackupsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

func exitCodeFor(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	var partial *apply.PartialSuccessError
	if errors.As(err, &partial) {
		return exitPartialSuccess
	}
	if errors.Is(err, apply.ErrBlockingConflicts) {
		return exitConflicts
	}
	return exitFailure
}
