// Package main provides the painvault CLI application.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/painvault/internal/config"
	"github.com/forest6511/painvault/internal/logging"
	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/engine"
)

// passwordEnv lets scripts unlock without a prompt.
const passwordEnv = "PAINVAULT_PASSWORD"

var (
	dataDir  string
	logLevel string
	offline  bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "painvault",
	Short: "painvault is a local-first encrypted store for health tracking data",
	Long: `painvault keeps pain and health entries encrypted on this device and
syncs them with a remote server when one is configured. Everything works
offline; edits queue up and are delivered when the network is back.`,
	SilenceUsage: true,
	// PersistentPreRunE loads configuration and sets up logging for every
	// subcommand. The data directory is opened per command.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(dataDir)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", "", "Data directory (default: $PAINVAULT_DIR or ~/.painvault)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Do not contact the remote server")
}

// cliActor is who CLI operations are attributed to in the audit log.
func cliActor() audit.Actor {
	name := os.Getenv("USER")
	if name == "" {
		name = os.Getenv("USERNAME")
	}
	return audit.Actor{Name: name, Source: audit.SourceCLI}
}

// openEngine opens the data directory for one command.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	var r engine.Remote
	if !offline {
		var err error
		if r, err = engine.NewRemote(cfg, logger); err != nil {
			return nil, err
		}
	}
	e, err := engine.Open(ctx, cfg, r, engine.WithLogger(logger), engine.WithActor(cliActor()))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Dir, err)
	}
	return e, nil
}

// withEngine runs fn against an open engine and closes it afterwards.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := logging.WithContext(cmd.Context(), logger)
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(ctx, e)
	}
}

// readPassword prompts on the terminal, or reads PAINVAULT_PASSWORD when set.
func readPassword(prompt string) ([]byte, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return []byte(pw), nil
	}
	return promptPassword(prompt)
}

// promptPassword always reads from the terminal.
func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}

// ensureUnlocked unlocks the engine, prompting for the passphrase.
func ensureUnlocked(ctx context.Context, e *engine.Engine) error {
	if !e.IsLocked() {
		return nil
	}
	ok, err := e.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("vault not initialized: run 'painvault init' first")
	}

	pw, err := readPassword("Enter passphrase: ")
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(pw)

	if err := e.Unlock(ctx, string(pw)); err != nil {
		return fmt.Errorf("failed to unlock vault: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
