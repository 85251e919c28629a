package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/forest6511/painvault/internal/diag"
	"github.com/forest6511/painvault/pkg/engine"
)

var (
	statusJSON bool

	serveAddr   string
	serveNoDiag bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Diagnostics listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveNoDiag, "no-diag", false, "Do not start the diagnostics server")
}

// statusCmd shows vault and sync status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows vault and sync status",
	Long: `Shows whether the vault is initialized, the sync queue, and anything that
needs your attention. Does not need the passphrase.`,
	Args: cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		st, err := e.Status(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(st)
		}

		if !st.Initialized {
			warning("Vault not initialized: run 'painvault init'")
			return nil
		}
		printKeyValue("Data directory", cfg.Dir)
		printKeyValue("Tables", strings.Join(st.Tables, ", "))
		if st.SyncEnabled {
			printKeyValue("Remote", cfg.Sync.RemoteURL)
		} else {
			printKeyValue("Remote", dim("not configured"))
		}
		printKeyValue("Last sync", ago(st.LastSync))
		printKeyValue("Queued", st.QueueDepth)

		if !st.NeedsAttention() {
			success("Nothing needs attention")
			return nil
		}
		if st.Conflicts > 0 {
			warning("%d conflicts to resolve: painvault conflicts list", st.Conflicts)
		}
		if st.DeadLetters > 0 {
			warning("%d failed sync operations: painvault deadletters list", st.DeadLetters)
		}
		if st.Flagged > 0 {
			warning("%d records failed integrity checks", st.Flagged)
		}
		return nil
	}),
}

// syncCmd runs one sync pass
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Delivers queued changes to the remote server now",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := ensureUnlocked(ctx, e); err != nil {
			return err
		}
		defer e.Lock()

		report, err := e.Sync(ctx)
		if errors.Is(err, engine.ErrSyncDisabled) {
			return errors.New("no remote configured: set sync.remote_url in config.yaml or PAINVAULT_SYNC_REMOTE_URL")
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		success("Delivered %d of %d operations in %s", report.Delivered, report.Attempted, report.Duration.Round(1e6))
		if report.Retrying > 0 {
			warning("%d will be retried", report.Retrying)
		}
		if report.Conflicts > 0 {
			warning("%d new conflicts: painvault conflicts list", report.Conflicts)
		}
		if report.Held > 0 {
			warning("%d held behind open conflicts", report.Held)
		}
		if report.DeadLettered > 0 {
			failure("%d failed permanently: painvault deadletters list", report.DeadLettered)
		}
		return nil
	}),
}

// serveCmd runs the background sync loop and diagnostics server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs sync and insight processing in the foreground",
	Long: `Unlocks the vault and keeps it syncing: queued changes are delivered as
they are written and on the configured interval, insights are recomputed
when data changes, and a read-only diagnostics server listens on the
loopback interface. Stops on Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := ensureUnlocked(ctx, e); err != nil {
				return err
			}
			defer e.Lock()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return e.Run(ctx) })
			if !serveNoDiag {
				addr := serveAddr
				if addr == "" {
					addr = cfg.Diag.Addr
				}
				g.Go(func() error { return diag.Serve(ctx, addr, diag.NewRouter(e, logger), logger) })
			}
			e.Connectivity()

			logger.InfoContext(ctx, "painvault running", "dir", cfg.Dir, "sync", cfg.SyncEnabled())
			return g.Wait()
		})(cmd, args)
	},
}
