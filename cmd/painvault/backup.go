package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/painvault/pkg/backup"
	"github.com/forest6511/painvault/pkg/engine"
)

var (
	exportOutput    string
	exportStdout    bool
	exportTables    []string
	exportDecrypted bool
	exportForce     bool

	importOnConflict string
	importDryRun     bool
)

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(verifyCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file path")
	exportCmd.Flags().BoolVar(&exportStdout, "stdout", false, "Write to stdout (for piping)")
	exportCmd.Flags().StringSliceVar(&exportTables, "tables", nil, "Tables to export (default: all)")
	exportCmd.Flags().BoolVar(&exportDecrypted, "decrypted", false, "Write readable plaintext instead of sealed records")
	exportCmd.Flags().BoolVarP(&exportForce, "force", "f", false, "Overwrite existing file and skip confirmation")

	importCmd.Flags().StringVar(&importOnConflict, "on-conflict", "fail", "How to handle existing records: fail, skip, overwrite")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would be imported without writing")
}

// exportCmd writes an export file
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Exports records to a file",
	Long: `Exports records as they are stored, still encrypted. The file can only be
imported into a vault that holds the same keys, so keep your passphrase.

With --decrypted the records are written as readable JSON. Treat that file
like the data itself.

Examples:
  painvault export -o backup.pvx
  painvault export --tables entries,medications -o entries.pvx
  painvault export --decrypted --stdout | jq .`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateExportFlags(); err != nil {
			return err
		}
		if exportDecrypted && !exportForce {
			warning("The export will contain your health data in plain text")
			if !promptConfirm("Continue?") {
				fmt.Println("Cancelled")
				return nil
			}
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			export := e.Export
			if exportDecrypted {
				if err := ensureUnlocked(ctx, e); err != nil {
					return err
				}
				defer e.Lock()
				export = e.ExportDecrypted
			}

			if exportStdout {
				_, err := export(ctx, os.Stdout, exportTables)
				return err
			}

			var res *backup.ExportResult
			err := backup.WriteFile(exportOutput, func(w io.Writer) error {
				var err error
				res, err = export(ctx, w, exportTables)
				return err
			})
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			success("Exported %d records from %s to %s", res.Count, strings.Join(res.Tables, ", "), exportOutput)
			if res.Failed > 0 {
				warning("%d records could not be decrypted and were left out", res.Failed)
			}
			return nil
		})(cmd, args)
	},
}

func validateExportFlags() error {
	if !exportStdout && exportOutput == "" {
		return errors.New("either --output or --stdout is required")
	}
	if exportStdout && exportOutput != "" {
		return errors.New("--output and --stdout are mutually exclusive")
	}
	if exportOutput != "" && !exportForce {
		if _, err := os.Stat(exportOutput); err == nil {
			return fmt.Errorf("output file already exists: %s (use --force to overwrite)", exportOutput)
		}
	}
	return nil
}

// importCmd restores an export file
var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Imports records from an export file",
	Long: `Imports records from a file written by 'painvault export'. The file is
checked completely before anything is written. Imported records are not
sent to the remote server.

Conflict handling (--on-conflict):
  fail       abort if any record already exists (default)
  skip       keep existing records
  overwrite  replace existing records`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := backup.ParseConflictMode(importOnConflict)
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open import file: %w", err)
			}
			defer f.Close()

			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			res, err := e.Import(ctx, f, backup.ImportOptions{OnConflict: mode, DryRun: importDryRun})
			if errors.Is(err, backup.ErrConflict) {
				return fmt.Errorf("%w (use --on-conflict=skip or --on-conflict=overwrite)", err)
			}
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			if res.DryRun {
				fmt.Println(bold("Dry run, nothing written"))
			}
			printKeyValue("Created", res.Header.CreatedAt.Local().Format(time.DateTime))
			printKeyValue("Restored", res.Restored)
			printKeyValue("Overwritten", res.Overwritten)
			printKeyValue("Skipped", res.Skipped)
			printKeyValue("Unchanged", res.Unchanged)
			if res.KeyUnavailable > 0 {
				warning("%d records are sealed under keys this vault does not hold", res.KeyUnavailable)
			}
			return nil
		})(cmd, args)
	},
}

// verifyCmd checks an export file without a vault
var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Checks an export file for corruption",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close()

		res, err := backup.Verify(f)
		if err != nil {
			return err
		}
		if res.Header != nil {
			printKeyValue("Created", res.Header.CreatedAt.Local().Format(time.DateTime))
			printKeyValue("Tables", strings.Join(res.Header.Tables, ", "))
			printKeyValue("Records", res.Header.Count)
		}
		if !res.Valid {
			failure("Export file is invalid: %s", res.Error)
			return errors.New("verification failed")
		}
		success("Export file is valid")
		return nil
	},
}
