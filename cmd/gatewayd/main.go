package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinwifi/gateway/cmd/gatewayd/commands"
	"github.com/coinwifi/gateway/logger"
)

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "Coin-operated WiFi gateway: captive portal, session engine and admin API",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Initialize(false)
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.AdminCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
