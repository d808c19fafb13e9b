// Command acpx is the headless CLI dispatcher for the Agent Client
// Protocol session core in internal/acpx. It owns nothing of the core's
// semantics itself (spec §1: "no business logic in the CLI") — every
// subcommand below is a thin argument-parsing and formatting shell
// around internal/acpx/orchestrator.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	var homeDir string

	cmd := &cobra.Command{
		Use:           "acpx",
		Short:         "headless CLI client for the Agent Client Protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&homeDir, "home", "", "override $HOME/.acpx")

	app := &appContext{homeDirFlag: &homeDir}

	cmd.AddCommand(
		newSendCmd(app),
		newCancelCmd(app),
		newSetModeCmd(app),
		newSetConfigCmd(app),
		newEnsureCmd(app),
		newCloseCmd(app),
		newStatusCmd(app),
		newListCmd(app),
	)
	return cmd
}

// exitCodeFor maps a returned error onto spec §7's process exit codes,
// falling back to 1 (RUNTIME) for anything not already a typed acpxerr.Error.
func exitCodeFor(err error) int {
	var acpxErr *acpxerr.Error
	if !errors.As(err, &acpxErr) {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Fprintln(os.Stderr, "error:", acpxErr.Error())
	return acpxErr.Code.ExitCode()
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
