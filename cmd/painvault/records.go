package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/painvault/internal/cli"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/engine"
	"github.com/forest6511/painvault/pkg/security"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/syncq"
	"github.com/forest6511/painvault/pkg/vault"
)

var (
	putFields   []string
	putJSON     bool
	putPriority string

	deletePriority string

	getJSON bool

	scanMatch []string
	scanJSON  bool
	scanLimit int
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(tablesCmd)

	putCmd.Flags().StringArrayVar(&putFields, "field", nil, "Set field value (name=value, can be repeated)")
	putCmd.Flags().BoolVar(&putJSON, "json", false, "Read the record as a JSON object from standard input")
	putCmd.Flags().StringVar(&putPriority, "priority", "medium", "Sync priority: high, medium, low")

	deleteCmd.Flags().StringVar(&deletePriority, "priority", "medium", "Sync priority: high, medium, low")

	getCmd.Flags().BoolVar(&getJSON, "json", false, "Print the record as JSON")

	scanCmd.Flags().StringArrayVar(&scanMatch, "match", nil, "Only records whose id matches the glob (can be repeated)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print one JSON object per line")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "Stop after this many records (0 = all)")
}

// initCmd initializes a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new vault",
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		ok, err := e.Exists(ctx)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("vault already initialized at %s", cfg.Dir)
		}

		fmt.Println("Initializing new vault...")

		// 1. Prompt for the passphrase twice
		pw1, err := readPassword("Enter passphrase: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw1)
		pw2, err := readPassword("Confirm passphrase: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw2)

		if string(pw1) != string(pw2) {
			return errors.New("passphrases do not match")
		}

		// 2. Check strength; warnings are advisory
		a := security.EvaluatePassphrase(string(pw1))
		if !a.Valid {
			return fmt.Errorf("passphrase rejected: %s", a.Warnings[0])
		}
		fmt.Printf("Passphrase strength: %s\n", a.Strength)
		for _, w := range a.Warnings {
			warning("%s", w)
		}

		// 3. Create the vault
		if err := e.Init(ctx, string(pw1)); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}

		success("Vault initialized at %s", cfg.Dir)
		return nil
	}),
}

// putCmd writes a record
var putCmd = &cobra.Command{
	Use:   "put <table> <id>",
	Short: "Writes a record",
	Long: `Writes a record, replacing any existing record with the same id.

Fields are given with --field, or as a JSON object on standard input:

  painvault put entries 2026-03-14 --field pain=6 --field note="after walk"
  echo '{"pain": 6, "mood": 4}' | painvault put entries 2026-03-14 --json

Writes to synced tables are queued for the remote server.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := syncq.ParsePriority(putPriority)
		if err != nil {
			return err
		}
		rec, err := readRecord()
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			if err := e.PutPriority(ctx, args[0], args[1], rec, p); err != nil {
				return writeError("failed to write record", err)
			}
			success("Stored %s/%s", args[0], args[1])
			return nil
		})(cmd, args)
	},
}

// writeError wraps a failed write, telling the user how to make room when
// storage is full.
func writeError(msg string, err error) error {
	if errors.Is(err, storage.ErrQuotaExceeded) {
		return fmt.Errorf("%s: %w (free space on the disk, or run 'painvault export -o <file>' "+
			"and remove old records with 'painvault delete <table> <id>')", msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func readRecord() (storage.Record, error) {
	switch {
	case putJSON && len(putFields) > 0:
		return nil, errors.New("--json and --field cannot be combined")
	case putJSON:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %w", err)
		}
		var rec storage.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("standard input is not a JSON object: %w", err)
		}
		return rec, nil
	case len(putFields) > 0:
		fields, err := cli.ParseFields(putFields)
		if err != nil {
			return nil, err
		}
		return storage.Record(fields), nil
	default:
		return nil, errors.New("no fields given: use --field name=value or --json")
	}
}

// getCmd prints one record
var getCmd = &cobra.Command{
	Use:   "get <table> <id>",
	Short: "Prints a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			rec, err := e.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if getJSON {
				return printJSON(rec)
			}
			printRecord(args[1], rec)
			return nil
		})(cmd, args)
	},
}

func printRecord(id string, rec storage.Record) {
	fmt.Println(bold("%s", id))
	for _, name := range cli.MapKeys(rec) {
		v, _ := json.Marshal(rec[name])
		fmt.Printf("  %s: %s\n", name, v)
	}
}

// deleteCmd deletes a record
var deleteCmd = &cobra.Command{
	Use:   "delete <table> <id>",
	Short: "Deletes a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := syncq.ParsePriority(deletePriority)
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			if err := e.DeletePriority(ctx, args[0], args[1], p); err != nil {
				return writeError("failed to delete record", err)
			}
			success("Deleted %s/%s", args[0], args[1])
			return nil
		})(cmd, args)
	},
}

// scanCmd lists the records of a table
var scanCmd = &cobra.Command{
	Use:   "scan <table>",
	Short: "Lists the records of a table",
	Long: `Lists the records of a table in id order. Records that fail integrity
checks are reported and skipped; see 'painvault status'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := cli.NewMatcher(scanMatch)
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			n, skipped := 0, 0
			enc := json.NewEncoder(os.Stdout)
			for item, err := range e.Scan(ctx, args[0]) {
				if err != nil {
					// per-record failures carry the id; anything else ends the scan
					if item.ID != "" && !errors.Is(err, vault.ErrLocked) {
						logger.DebugContext(ctx, "skipping unreadable record", "id", item.ID, "error", err)
						skipped++
						continue
					}
					return err
				}
				if !m.Match(item.ID) {
					continue
				}
				if scanJSON {
					if err := enc.Encode(map[string]any{"id": item.ID, "record": item.Record}); err != nil {
						return err
					}
				} else {
					printRecord(item.ID, item.Record)
				}
				n++
				if scanLimit > 0 && n >= scanLimit {
					break
				}
			}
			if !scanJSON {
				fmt.Println(dim("%d records", n))
			}
			if skipped > 0 {
				warning("%d unreadable records skipped", skipped)
			}
			return nil
		})(cmd, args)
	},
}

// tablesCmd lists tables and record counts
var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Lists tables and their record counts",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		for _, t := range e.Tables() {
			n, err := e.Count(ctx, t)
			if err != nil {
				return err
			}
			synced := ""
			if e.Synced(t) {
				synced = dim(" (synced)")
			}
			fmt.Printf("%-20s %6d%s\n", t, n, synced)
		}
		return nil
	}),
}
