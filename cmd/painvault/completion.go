package main

import (
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/painvault/internal/config"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(painvault completion bash)

  # To load for each session (Linux):
  $ painvault completion bash > ~/.local/share/bash-completion/completions/painvault

  # To load for each session (macOS with Homebrew):
  $ painvault completion bash > $(brew --prefix)/etc/bash_completion.d/painvault

Zsh:
  # Ensure completion is enabled:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # Generate completion:
  $ painvault completion zsh > ~/.zsh/completions/_painvault

Fish:
  $ painvault completion fish > ~/.config/fish/completions/painvault.fish

PowerShell:
  PS> painvault completion powershell >> $PROFILE

Table names are completed from the configuration; the vault is never
opened or unlocked during completion.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	// completion needs neither config nor logging
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	// Register dynamic completion functions for commands
	for _, c := range []*cobra.Command{putCmd, getCmd, deleteCmd, scanCmd} {
		c.ValidArgsFunction = completeTables
	}
	_ = exportCmd.RegisterFlagCompletionFunc("tables", completeTableFlag)
}

// completeTables completes the table argument of record commands.
func completeTables(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return tableNames(toComplete), cobra.ShellCompDirectiveNoFileComp
}

func completeTableFlag(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return tableNames(toComplete), cobra.ShellCompDirectiveNoFileComp
}

// tableNames lists configured tables matching prefix. Shell completion
// skips PersistentPreRunE, so configuration is loaded here.
func tableNames(prefix string) []string {
	c, err := config.Load(dataDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, t := range slices.Concat(c.Sync.Tables, c.Insight.Tables) {
		if strings.HasPrefix(t, prefix) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
