// Discreet: presence, messaging and metered call billing gateway.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "discreet",
	Short: "Discreet: real-time presence, messaging and metered call billing gateway.",
	Long: `Discreet serves WebSocket clients with presence, chat delivery and
WebRTC call signaling, and bills calls per minute against user wallets.
An operator HTTP API exposes presence, calls and wallets.`,
	RunE:          runGateway, // Default to gateway mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.AddCommand(gatewayCmd, migrateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
