package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/evm"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/signalhouse/agentpay/pkg/payment"
	"github.com/signalhouse/agentpay/pkg/wallet"
	"github.com/spf13/cobra"
)

var balanceAddress string

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the USDC balance an agent run would spend from",
	Long: `Balance reads the USDC balance of an address on the selected network.
With no --address it derives the address from the wallet key, so the output
matches what a run on the same network would spend from.`,
	RunE: showBalance,
}

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List supported payment networks",
	Long: `Networks lists every chain this client can pay on. With --facilitator it
also queries the facilitator's supported endpoint and marks which of those
networks the facilitator can settle.`,
	RunE: listNetworks,
}

func init() {
	balanceCmd.Flags().StringVar(&balanceAddress, "address", "", "address to query (defaults to the wallet key's address)")
	balanceCmd.Flags().StringVar(&privateKey, "key", "", "wallet private key hex (defaults to AGENTPAY_PRIVATE_KEY)")
	networksCmd.Flags().StringArrayVar(&facilitatorURLs, "facilitator", nil, "facilitator URL to cross-check settlement support against (repeatable)")
}

func showBalance(cmd *cobra.Command, args []string) error {
	cfg, err := networks.Default().Get(network)
	if err != nil {
		return err
	}

	addr := balanceAddress
	if addr == "" {
		key := privateKey
		if key == "" {
			key = os.Getenv("AGENTPAY_PRIVATE_KEY")
		}
		if key == "" {
			return errors.New("pass --address, or provide a wallet key to derive it from")
		}
		w, err := wallet.NewLocalWallet(key, cfg.ChainID)
		if err != nil {
			return fmt.Errorf("invalid wallet key: %w", err)
		}
		addr = w.Address()
	}

	balance, err := evm.NewRPCClient(cfg).BalanceOf(cmd.Context(), cfg.USDCAddress, addr)
	if err != nil {
		return fmt.Errorf("balance lookup on %s failed: %w", cfg.Network, err)
	}

	human := decimal.NewFromBigInt(balance, -int32(constants.USDCDecimals))
	fmt.Printf("%s USDC (%s atomic units) held by %s on %s\n", human, balance, addr, cfg.Network)
	return nil
}

func listNetworks(cmd *cobra.Command, args []string) error {
	registry := networks.Default()
	names := registry.Networks()
	sort.Strings(names)

	var settleable map[string]bool
	if len(facilitatorURLs) > 0 {
		settler, err := payment.NewFacilitatorSettler(facilitatorURLs, payment.WithSettlerLogger(logger))
		if err != nil {
			return err
		}
		supported, err := settler.Supported(cmd.Context())
		if err != nil {
			return err
		}
		settleable = make(map[string]bool)
		for _, kind := range supported.Kinds {
			if kind.Scheme == constants.SchemeExact {
				settleable[kind.Network] = true
			}
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if settleable != nil {
		fmt.Fprintln(tw, "NETWORK\tCHAIN ID\tUSDC\tTESTNET\tFACILITATOR")
	} else {
		fmt.Fprintln(tw, "NETWORK\tCHAIN ID\tUSDC\tTESTNET")
	}
	for _, name := range names {
		cfg, err := registry.Get(name)
		if err != nil {
			continue
		}
		if settleable != nil {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%v\t%v\n", cfg.Network, cfg.ChainID, cfg.USDCAddress, cfg.Testnet, settleable[cfg.Network])
		} else {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%v\n", cfg.Network, cfg.ChainID, cfg.USDCAddress, cfg.Testnet)
		}
	}
	return tw.Flush()
}
