package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/sebastianm/acpx/internal/acpx/lease"
)

func newStatusCmd(a *appContext) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status <session>",
		Short: "report a session's record, owner health, and event log size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := a.build()
			if err != nil {
				return err
			}
			rec, err := app.store.Resolve(args[0])
			if err != nil {
				return err
			}
			printStatus(cmd, app, rec.RecordID)
			if !watch {
				return nil
			}
			return watchStatus(cmd, app, rec.RecordID)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep reporting as the active event segment or lease changes")
	return cmd
}

func printStatus(cmd *cobra.Command, app *app, recordID string) {
	rec, err := app.store.Resolve(recordID)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", recordID, err)
		return
	}

	probe := lease.ProbeHealth(app.cfg.QueuesDir(), recordID)
	ownerState := "no owner"
	if probe.Healthy {
		ownerState = "owner live"
	} else if probe.HasLease {
		ownerState = "owner lease present, unhealthy"
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s\n", rec.RecordID)
	fmt.Fprintf(cmd.OutOrStdout(), "  agent:   %s\n", rec.AgentCommand)
	fmt.Fprintf(cmd.OutOrStdout(), "  cwd:     %s\n", rec.Cwd)
	fmt.Fprintf(cmd.OutOrStdout(), "  closed:  %t\n", rec.Closed)
	fmt.Fprintf(cmd.OutOrStdout(), "  owner:   %s\n", ownerState)
	fmt.Fprintf(cmd.OutOrStdout(), "  used:    %s\n", humanize.Time(rec.LastUsedAt))
	if rec.EventLog.ActivePath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  events:  %s (%d segment(s))\n", rec.EventLog.ActivePath, rec.EventLog.SegmentCount)
	}
}

// watchStatus re-prints the status report whenever the active event
// segment or the lease file changes, grounded on the only NDJSON-over-a-
// filesystem-watch pattern in the pack
// (56d09762_ElleNajt-acp-multiplex__main.go.go's proxy tails a log the
// same way) — a status --watch loop without fsnotify would have to poll.
func watchStatus(cmd *cobra.Command, app *app, recordID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	sessionDir := app.cfg.SessionDir(recordID)
	if err := watcher.Add(sessionDir); err != nil {
		return err
	}
	// The segments live in the events subdirectory, which does not exist
	// until the first event is written.
	_ = watcher.Add(filepath.Join(sessionDir, "events"))
	if err := watcher.Add(app.cfg.QueuesDir()); err != nil {
		return err
	}

	debounce := time.NewTimer(24 * time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			printStatus(cmd, app, recordID)
		}
	}
}

func newListCmd(a *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list known sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := a.build()
			if err != nil {
				return err
			}
			recs, err := app.store.List()
			if err != nil {
				return err
			}
			for _, rec := range recs {
				state := "open"
				if rec.Closed {
					state = "closed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s %-40s %s\n", rec.RecordID, state, rec.AgentCommand, rec.Cwd)
			}
			return nil
		},
	}
}
