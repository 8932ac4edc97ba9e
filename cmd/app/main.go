// File: cmd/app/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

type rootFlags struct {
	configPath string
	dev        bool
	mode       string
}

func main() {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "companion",
		Short:         "Chat with your companion from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.yaml", "path to YAML config file")
	root.PersistentFlags().BoolVar(&flags.dev, "dev", false, "enable developer mode (console logs, unredacted previews)")
	root.PersistentFlags().StringVar(&flags.mode, "mode", "", "reply mode: streaming or sync (overrides chat.mode)")

	root.AddCommand(
		newChatCmd(&flags),
		newSendCmd(&flags),
		newBalanceCmd(&flags),
		newTransactionsCmd(&flags),
		newHistoryCmd(&flags),
		newClearCmd(&flags),
		newRefillCmd(&flags),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "companion %s (%s)\n", version, commit)
		},
	}
}
