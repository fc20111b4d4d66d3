package constants

import "time"

const (
	DelayBetweenRPCCalls      = 200              // delay in milliseconds between RPC calls
	TransactionReceiptTimeout = 2 * time.Second  // timeout for transaction receipt
	CallContractTimeout       = 10 * time.Second // timeout for contract call
	BackendTimeout            = 30 * time.Second // timeout for backend API requests
	FacilitatorTimeout        = 30 * time.Second // timeout for facilitator
	SettlementWaitTimeout     = 90 * time.Second // timeout waiting for settlement confirmation
	TLSHandshakeTimeout       = 10 * time.Second // timeout for TLS handshake
	ResponseHeaderTimeout     = 20 * time.Second // timeout for response header
	ExpectContinueTimeout     = 1 * time.Second  // timeout for expect continue
	MaxResponseBodySize       = 10 * 1024 * 1024 // maximum response body size in bytes (10MB)
)

const (
	// ChainSwitchSettleDelay is how long the wallet is given to settle after a
	// chain switch before the chain id is re-read through a rebuilt session.
	ChainSwitchSettleDelay = 500 * time.Millisecond

	// ChainSwitchMaxAddRetries bounds how often a failed switch may be retried
	// after registering the chain with the wallet.
	ChainSwitchMaxAddRetries = 1
)

const (
	USDCDecimals = 6

	// MinimumRunPrice is the floor used for the cheap pre-flight balance gate,
	// in the smallest token unit (0.20 USDC at 6 decimals). The orchestrator
	// always re-derives the real amount from the payment requirement.
	MinimumRunPrice = 200000

	// DefaultValidityPeriod is the fallback authorization validity window in
	// seconds when a requirement does not carry its own.
	DefaultValidityPeriod = 3600
)

const (
	X402Version = 1
	SchemeExact = "exact"
)

// Network Types
const (
	NetworkBase        = "base"
	NetworkBaseSepolia = "base-sepolia"
	NetworkEthereum    = "ethereum"
	NetworkSepolia     = "sepolia"
	NetworkPolygon     = "polygon"
	NetworkPolygonAmoy = "polygon-amoy"
	NetworkAvalanche   = "avalanche"
	NetworkArbitrum    = "arbitrum"
)

const (
	USDCAddressBase        = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	USDCAddressBaseSepolia = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	USDCAddressEthereum    = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	USDCAddressSepolia     = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	USDCAddressPolygon     = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	USDCAddressPolygonAmoy = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
	USDCAddressAvalanche   = "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"
	USDCAddressArbitrum    = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
)

var NetworkToUSDCAddress = map[string]string{
	NetworkBase:        USDCAddressBase,
	NetworkBaseSepolia: USDCAddressBaseSepolia,
	NetworkEthereum:    USDCAddressEthereum,
	NetworkSepolia:     USDCAddressSepolia,
	NetworkPolygon:     USDCAddressPolygon,
	NetworkPolygonAmoy: USDCAddressPolygonAmoy,
	NetworkAvalanche:   USDCAddressAvalanche,
	NetworkArbitrum:    USDCAddressArbitrum,
}

// mapping from network name to numeric chain ID
var NetworkToChainID = map[string]int64{
	NetworkBase:        8453,
	NetworkBaseSepolia: 84532,
	NetworkEthereum:    1,
	NetworkSepolia:     11155111,
	NetworkPolygon:     137,
	NetworkPolygonAmoy: 80002,
	NetworkAvalanche:   43114,
	NetworkArbitrum:    42161,
}

// USDCName maps networks to the token name used in the EIP-712 domain.
// Circle deploys some networks under "USD Coin" and some under "USDC".
var USDCName = map[string]string{
	NetworkBase:        "USD Coin",
	NetworkBaseSepolia: "USDC",
	NetworkEthereum:    "USD Coin",
	NetworkSepolia:     "USDC",
	NetworkPolygon:     "USD Coin",
	NetworkPolygonAmoy: "USDC",
	NetworkAvalanche:   "USD Coin",
	NetworkArbitrum:    "USD Coin",
}

// USDCVersion is the EIP-712 domain version for every supported deployment.
const USDCVersion = "2"

var OfficialRPCEndpoints = map[string][]string{
	NetworkBase:        {"https://mainnet.base.org"},
	NetworkBaseSepolia: {"https://sepolia.base.org"},
	NetworkEthereum:    {"https://ethereum-rpc.publicnode.com", "https://cloudflare-eth.com"},
	NetworkSepolia:     {"https://ethereum-sepolia-rpc.publicnode.com"},
	NetworkPolygon:     {"https://polygon-rpc.com"},
	NetworkPolygonAmoy: {"https://rpc-amoy.polygon.technology"},
	NetworkAvalanche:   {"https://api.avax.network/ext/bc/C/rpc"},
	NetworkArbitrum:    {"https://arb1.arbitrum.io/rpc"},
}

var ExplorerURLs = map[string]string{
	NetworkBase:        "https://basescan.org",
	NetworkBaseSepolia: "https://sepolia.basescan.org",
	NetworkEthereum:    "https://etherscan.io",
	NetworkSepolia:     "https://sepolia.etherscan.io",
	NetworkPolygon:     "https://polygonscan.com",
	NetworkPolygonAmoy: "https://amoy.polygonscan.com",
	NetworkAvalanche:   "https://snowtrace.io",
	NetworkArbitrum:    "https://arbiscan.io",
}
