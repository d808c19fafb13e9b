package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sebastianm/acpx/internal/acpx/ipc"
	"github.com/sebastianm/acpx/internal/acpx/orchestrator"
)

func newSendCmd(a *appContext) *cobra.Command {
	var (
		permissionMode string
		timeoutMs      int
		noWait         bool
		jsonOutput     bool
	)

	cmd := &cobra.Command{
		Use:   "send <session> [message...]",
		Short: "submit a prompt to a session, via its queue owner",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := a.build()
			if err != nil {
				return err
			}

			opts := orchestrator.SendOptions{
				SessionID:         args[0],
				Message:           strings.Join(args[1:], " "),
				PermissionMode:    permissionMode,
				WaitForCompletion: !noWait,
			}
			if timeoutMs > 0 {
				opts.TimeoutMs = &timeoutMs
			}

			formatter := newStreamFormatter(cmd.OutOrStdout(), jsonOutput || !isTTY())
			opts.Formatter = formatter.onMessage

			outcome, err := app.orch.Send(cmd.Context(), opts)
			if err != nil {
				return err
			}
			switch {
			case outcome.Enqueued != nil:
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued requestId=%s\n", outcome.Enqueued.RequestID)
			case outcome.Result != nil:
				fmt.Fprintf(cmd.OutOrStdout(), "\nstopReason=%s\n", outcome.Result.StopReason)
			}
			if outcome.OwnerDone != nil {
				// This invocation became the queue owner. The owner loop runs
				// inside this process, so the command stays up serving other
				// processes' sends until the owner idles out.
				return <-outcome.OwnerDone
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&permissionMode, "permission-mode", "", "ask|allow_once|allow_always|reject_once")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "deadline for the turn, in milliseconds")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "enqueue and return immediately instead of streaming the result")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit raw NDJSON messages instead of formatted text")
	return cmd
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// streamFormatter implements the text/JSON split of the CLI's formatter
// layer (spec §6 "Formatter interface"): acpx's core treats formatting
// as out of scope, but the CLI dispatcher still needs a default.
type streamFormatter struct {
	wOut func(string)
	json bool
}

func newStreamFormatter(out io.Writer, jsonMode bool) *streamFormatter {
	return &streamFormatter{
		wOut: func(s string) { fmt.Fprint(out, s) },
		json: jsonMode,
	}
}

func (f *streamFormatter) onMessage(msg ipc.Message) {
	if f.json {
		b, err := json.Marshal(msg)
		if err != nil {
			return
		}
		f.wOut(string(b) + "\n")
		return
	}

	switch msg.Type {
	case ipc.MessageSessionUpdate:
		if text, ok := agentTextFromNotification(msg.Notification); ok {
			f.wOut(text)
		}
	case ipc.MessageError:
		f.wOut(fmt.Sprintf("\n[error] %s: %s\n", msg.Code, msg.Message))
	}
}

// agentTextFromNotification extracts agent_message_chunk text from the
// JSON-decoded `any` notification payload that arrives over the wire
// (the owner's model.Notification has already been marshalled to JSON
// by the time it reaches this process).
func agentTextFromNotification(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	chunk, ok := m["AgentMessageChunk"].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := chunk["Text"].(string)
	return text, ok
}
