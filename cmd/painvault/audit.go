package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/painvault/internal/cli"
	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/engine"
)

var (
	auditLimit int
	auditSince string
	auditOp    string
	auditJSON  bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h, 7d)")
	auditListCmd.Flags().StringVar(&auditOp, "op", "", "Only events of this operation (e.g., vault.unlock)")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "Print events as JSON")
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		// 1. Parse since duration
		var since time.Time
		if auditSince != "" {
			d, err := cli.ParseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-d)
		}

		// 2. Get audit events; reading needs no key
		events, err := e.Audit().ListEvents(audit.ListOptions{Operation: auditOp, Since: since, Limit: auditLimit})
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		if auditJSON {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		// 3. Display events
		for _, ev := range events {
			// Format: TIMESTAMP OPERATION RESULT SOURCE [SUBJECT] [ERROR]
			line := fmt.Sprintf("%s %s %s %s", ev.Timestamp, ev.Operation, ev.Result, ev.Actor.Source)
			if ev.Subject != "" {
				subject := ev.Subject
				if len(subject) > 16 {
					subject = subject[:16] + "..."
				}
				line += " subject:" + subject
			}
			if ev.Error != nil {
				line += " error:" + ev.Error.Code
			}
			fmt.Println(line)
		}

		fmt.Printf("\nTotal: %d events\n", len(events))
		return nil
	}),
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		// 1. Unlock vault to load the HMAC key
		if err := ensureUnlocked(ctx, e); err != nil {
			return err
		}
		defer e.Lock()

		fmt.Println("Verifying audit log integrity...")

		// 2. Run verification
		result, err := e.Audit().Verify()
		if errors.Is(err, audit.ErrKeyNotSet) {
			return errors.New("audit key unavailable: unlock failed")
		}
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		// 3. Display result
		if result.Valid {
			success("Audit log verified: %d records, chain intact", result.RecordsTotal)
			return nil
		}
		failure("Audit log verification FAILED")
		fmt.Printf("  Records total: %d\n", result.RecordsTotal)
		fmt.Println("  Errors:")
		for _, msg := range result.Errors {
			fmt.Printf("    - %s\n", msg)
		}
		return errors.New("audit log integrity check failed")
	}),
}
