package cmd

import (
	"github.com/spf13/cobra"
)

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:

  $ source <(syncctl completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ syncctl completion bash > /etc/bash_completion.d/syncctl
  # macOS:
  $ syncctl completion bash > $(brew --prefix)/etc/bash_completion.d/syncctl

Zsh:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc
  $ syncctl completion zsh > "${fpath[1]}/_syncctl"

fish:

  $ syncctl completion fish | source

PowerShell:

  PS> syncctl completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
