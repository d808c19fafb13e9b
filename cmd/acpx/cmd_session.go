package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd(a *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session>",
		Short: "request cancellation of a session's active prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := a.build()
			if err != nil {
				return err
			}
			cancelled, err := app.orch.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled=%t\n", cancelled)
			return nil
		},
	}
}

func newSetModeCmd(a *appContext) *cobra.Command {
	var timeoutMs int
	cmd := &cobra.Command{
		Use:   "set-mode <session> <modeId>",
		Short: "set a session's current mode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := a.build()
			if err != nil {
				return err
			}
			var timeout *int
			if timeoutMs > 0 {
				timeout = &timeoutMs
			}
			modeID, err := app.orch.SetMode(cmd.Context(), args[0], args[1], timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), modeID)
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "deadline for the call, in milliseconds")
	return cmd
}

func newSetConfigCmd(a *appContext) *cobra.Command {
	var timeoutMs int
	cmd := &cobra.Command{
		Use:   "set-config <session> <configId> <value>",
		Short: "set a session config option",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := a.build()
			if err != nil {
				return err
			}
			var timeout *int
			if timeoutMs > 0 {
				timeout = &timeoutMs
			}
			resp, err := app.orch.SetConfigOption(cmd.Context(), args[0], args[1], parseConfigValue(args[2]), timeout)
			if err != nil {
				return err
			}
			b, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "deadline for the call, in milliseconds")
	return cmd
}

// parseConfigValue accepts a JSON literal (number/bool/string/object) and
// falls back to the raw string when it doesn't parse as JSON, so a bare
// word like `high` on the command line still works without quoting.
func parseConfigValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func newEnsureCmd(a *appContext) *cobra.Command {
	var (
		cwd  string
		name string
	)
	cmd := &cobra.Command{
		Use:   "ensure <agentCommand...>",
		Short: "find or create the session for a working directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := a.build()
			if err != nil {
				return err
			}
			agentCommand := joinArgs(args)
			resolvedCwd := cwd
			if resolvedCwd == "" {
				resolvedCwd = "."
			}
			var namePtr *string
			if name != "" {
				namePtr = &name
			}
			rec, created, err := app.orch.Ensure(cmd.Context(), agentCommand, resolvedCwd, namePtr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recordId=%s created=%t\n", rec.RecordID, created)
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory (defaults to .)")
	cmd.Flags().StringVar(&name, "name", "", "optional session name, distinguishing multiple sessions in one cwd")
	return cmd
}

func newCloseCmd(a *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "close <session>",
		Short: "terminate a session's owner and agent process, marking it closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := a.build()
			if err != nil {
				return err
			}
			rec, err := app.orch.CloseSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed recordId=%s\n", rec.RecordID)
			return nil
		},
	}
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
