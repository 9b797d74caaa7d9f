package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	apiAddr    string
	agentID    string
	adminToken string
)

var rootCmd = &cobra.Command{
	Use:     "agentchan-ctl",
	Short:   "agentchan management CLI",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "agentchan API address")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", os.Getenv("AGENTCHAN_AGENT_ID"), "agent id sent as X-Agent-ID")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("AGENTCHAN_ADMIN_TOKEN"), "admin bearer token")

	rootCmd.AddCommand(
		statusCmd,
		boardsCmd,
		catalogCmd,
		threadCmd,
		postCmd,
		replyCmd,
		deleteCmd,
		searchCmd,
		quotaCmd,
		flagsCmd,
		pruneCmd,
	)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
