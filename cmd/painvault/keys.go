package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/painvault/internal/cli"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/engine"
	"github.com/forest6511/painvault/pkg/security"
)

var rotateReencrypt bool

func init() {
	rootCmd.AddCommand(rotateCmd)
	rotateCmd.Flags().BoolVar(&rotateReencrypt, "reencrypt", false, "Rewrite every record under the new key now")
}

// rotateCmd rotates the data key and passphrase.
var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotates the encryption key and passphrase",
	Long: `Creates a new data key sealed under a new passphrase.

This operation:
  1. Unlocks with the current passphrase
  2. Generates a new key version; older versions stay readable
  3. New writes use the new key; existing records move over as they are
     rewritten, or all at once with --reencrypt

Older key versions are kept up to vault.key_history versions back.`,
	Args: cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := ensureUnlocked(ctx, e); err != nil {
			return err
		}
		defer e.Lock()

		fmt.Println("Rotating key...")
		fmt.Println()

		// 1. Prompt for the new passphrase twice
		pw1, err := promptPassword("Enter new passphrase: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw1)
		pw2, err := promptPassword("Confirm new passphrase: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw2)

		if string(pw1) != string(pw2) {
			return errors.New("new passphrases do not match")
		}

		// 2. Validate strength
		a := security.EvaluatePassphrase(string(pw1))
		if !a.Valid {
			return fmt.Errorf("passphrase rejected: %s", a.Warnings[0])
		}
		fmt.Printf("New passphrase strength: %s\n", a.Strength)
		for _, w := range a.Warnings {
			warning("%s", w)
		}

		// 3. Rotate
		version, err := e.RotateKey(ctx, string(pw1))
		if err != nil {
			return fmt.Errorf("failed to rotate key: %w", err)
		}
		success("Key rotated to version %d", version)

		if !rotateReencrypt {
			return nil
		}

		// 4. Optionally move existing records to the new key
		reports, err := e.Reencrypt(ctx)
		for _, t := range cli.MapKeys(reports) {
			r := reports[t]
			fmt.Printf("  %-20s scanned %d, rewritten %d, quarantined %d, failed %d\n", t, r.Scanned, r.Rewritten, r.Quarantined, r.Failed)
		}
		if err != nil {
			return fmt.Errorf("re-encryption stopped: %w", err)
		}
		success("All records re-encrypted")
		return nil
	}),
}
