package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/signalhouse/agentpay/pkg/agentapi"
	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	backendURL string
	network    string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "agentpay",
	Short: "Pay-per-use client for SignalHouse prediction market agents",
	Long: `agentpay runs paid agent queries against the SignalHouse backend using the
x402 payment handshake: the backend quotes a price over HTTP 402, the wallet
signs a gasless USDC transfer authorization for it, and the agent runs once
the signed payment is accepted.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", agentapi.DefaultBaseURL, "backend base URL")
	rootCmd.PersistentFlags().StringVar(&network, "network", constants.NetworkBase, "payment network")

	rootCmd.AddCommand(runCmd, balanceCmd, networksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
