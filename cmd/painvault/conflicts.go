package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/painvault/pkg/conflict"
	"github.com/forest6511/painvault/pkg/engine"
	"github.com/forest6511/painvault/pkg/storage"
)

var (
	conflictsJSON    bool
	deadLettersJSON  bool
	deadLettersForce bool
)

func init() {
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(deadLettersCmd)

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRequeueCmd)
	deadLettersCmd.AddCommand(deadLettersDiscardCmd)

	conflictsListCmd.Flags().BoolVar(&conflictsJSON, "json", false, "Print as JSON")
	deadLettersListCmd.Flags().BoolVar(&deadLettersJSON, "json", false, "Print as JSON")
	deadLettersDiscardCmd.Flags().BoolVarP(&deadLettersForce, "force", "f", false, "Skip confirmation prompt")
}

// conflictsCmd is the parent command for conflict operations
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Sync conflict operations",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists open conflicts",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		list, err := e.Conflicts(ctx)
		if err != nil {
			return err
		}
		if conflictsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			success("No open conflicts")
			return nil
		}
		for _, c := range list {
			fmt.Printf("%s  %s/%s  fields: %s  %s\n",
				bold("%s", c.ID), c.Table, c.EntityID, strings.Join(c.Fields, ", "),
				dim("detected %s", c.DetectedAt.Local().Format(time.DateTime)))
		}
		return nil
	}),
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Shows both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			d, err := e.Conflict(ctx, args[0])
			if err != nil {
				return err
			}
			printKeyValue("Entity", d.Record.Entity())
			printKeyValue("Remote version", d.Record.RemoteVersion)
			printKeyValue("Status", d.Record.Resolution)
			fmt.Println()
			fmt.Printf("%-16s %-20s %-20s %-20s\n", bold("field"), bold("base"), bold("local"), bold("remote"))
			for _, f := range d.Record.Fields {
				fmt.Printf("%-16s %-20s %-20s %-20s\n", f,
					show(d.Snapshot.Base, f), show(d.Snapshot.Local, f), show(d.Snapshot.Remote, f))
			}
			return nil
		})(cmd, args)
	},
}

func show(rec storage.Record, field string) string {
	if rec == nil {
		return dim("(deleted)")
	}
	v, ok := rec[field]
	if !ok {
		return dim("(unset)")
	}
	b, _ := json.Marshal(v)
	return string(b)
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <client-wins|server-wins|merge>",
	Short: "Resolves a conflict",
	Long: `Resolves a conflict with one of three strategies:

  client-wins   keep this device's version and send it to the server
  server-wins   take the server's version and drop queued local edits
  merge         combine field by field using merge-policy.yaml`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, err := conflict.ParseStrategy(args[1])
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			out, err := e.Resolve(ctx, args[0], strategy, cliActor())
			if out == nil && err != nil {
				return err
			}
			success("Resolved %s as %s", out.Conflict.Entity(), strategy)
			if out.ItemID != 0 {
				fmt.Println(dim("queued as operation %d", out.ItemID))
			}
			return err
		})(cmd, args)
	},
}

// deadLettersCmd is the parent command for dead letter operations
var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dead"},
	Short:   "Failed sync operation handling",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists operations that failed permanently",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		dead, err := e.DeadLetters(ctx)
		if err != nil {
			return err
		}
		if deadLettersJSON {
			return printJSON(dead)
		}
		if len(dead) == 0 {
			success("No failed operations")
			return nil
		}
		for _, d := range dead {
			fmt.Printf("%s  %s %s  %s\n    %s\n",
				bold("%d", d.ID), d.Op.Method, d.Op.Entity(),
				dim("%s", d.DeadAt.Local().Format(time.DateTime)), d.Reason)
		}
		return nil
	}),
}

func parseItemID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid operation id %q", s)
	}
	return id, nil
}

var deadLettersRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Retries a failed operation with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseItemID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			if err := e.Requeue(ctx, id, cliActor()); err != nil {
				return err
			}
			success("Requeued operation %d", id)
			return nil
		})(cmd, args)
	},
}

var deadLettersDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drops a failed operation; the change stays local only",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseItemID(args[0])
		if err != nil {
			return err
		}
		if !deadLettersForce && !promptConfirm(fmt.Sprintf("Discard operation %d? The server will not receive it.", id)) {
			fmt.Println("Cancelled")
			return nil
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			if err := e.Discard(ctx, id, cliActor()); err != nil {
				return err
			}
			success("Discarded operation %d", id)
			return nil
		})(cmd, args)
	},
}
