package networks

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/signalhouse/agentpay/pkg/constants"
)

// NativeCurrency is the gas token metadata a wallet needs when registering a
// chain
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// NetworkConfig describes one supported chain. Configs are immutable after
// registry construction.
type NetworkConfig struct {
	Network        string
	ChainID        int64
	RPCURLs        []string
	USDCAddress    string
	ExplorerURL    string
	AssetName      string // EIP-712 domain name of the USDC deployment
	AssetVersion   string // EIP-712 domain version
	NativeCurrency NativeCurrency
	Testnet        bool
}

// UnsupportedNetworkError indicates a network with no registry entry
type UnsupportedNetworkError struct {
	Network string
}

func (e *UnsupportedNetworkError) Error() string {
	return fmt.Sprintf("unsupported network: %s", e.Network)
}

// Registry holds the supported network table
type Registry struct {
	configs map[string]NetworkConfig
	mu      sync.RWMutex
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the shared registry built from the built-in network table
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry builds a registry from the built-in network table. RPC URLs may
// be overridden per network through AGENTPAY_RPC_<NETWORK> (comma-separated);
// overrides are read once here and never re-read.
func NewRegistry() *Registry {
	r := &Registry{
		configs: make(map[string]NetworkConfig),
	}

	for network, chainID := range constants.NetworkToChainID {
		cfg := NetworkConfig{
			Network:        network,
			ChainID:        chainID,
			RPCURLs:        rpcURLsFor(network),
			USDCAddress:    constants.NetworkToUSDCAddress[network],
			ExplorerURL:    constants.ExplorerURLs[network],
			AssetName:      constants.USDCName[network],
			AssetVersion:   constants.USDCVersion,
			NativeCurrency: nativeCurrencyFor(network),
			Testnet:        isTestnet(network),
		}
		r.configs[network] = cfg
	}

	return r
}

// rpcURLsFor resolves the RPC endpoints for a network, preferring the
// AGENTPAY_RPC_<NETWORK> environment override
func rpcURLsFor(network string) []string {
	envKey := "AGENTPAY_RPC_" + strings.ToUpper(strings.ReplaceAll(network, "-", "_"))
	if override := os.Getenv(envKey); override != "" {
		parts := strings.Split(override, ",")
		urls := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				urls = append(urls, trimmed)
			}
		}
		if len(urls) > 0 {
			return urls
		}
	}

	official := constants.OfficialRPCEndpoints[network]
	urls := make([]string, len(official))
	copy(urls, official)
	return urls
}

func nativeCurrencyFor(network string) NativeCurrency {
	switch network {
	case constants.NetworkPolygon, constants.NetworkPolygonAmoy:
		return NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18}
	case constants.NetworkAvalanche:
		return NativeCurrency{Name: "Avalanche", Symbol: "AVAX", Decimals: 18}
	default:
		return NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}
	}
}

func isTestnet(network string) bool {
	switch network {
	case constants.NetworkBaseSepolia, constants.NetworkSepolia, constants.NetworkPolygonAmoy:
		return true
	}
	return false
}

// Get retrieves a network config by network name
func (r *Registry) Get(network string) (NetworkConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, exists := r.configs[network]
	if !exists {
		return NetworkConfig{}, &UnsupportedNetworkError{Network: network}
	}

	return cfg, nil
}

// MustGet retrieves a network config and panics if the network is unknown.
// For initialization paths only.
func (r *Registry) MustGet(network string) NetworkConfig {
	cfg, err := r.Get(network)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetByChainID retrieves a network config by numeric chain id
func (r *Registry) GetByChainID(chainID int64) (NetworkConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cfg := range r.configs {
		if cfg.ChainID == chainID {
			return cfg, nil
		}
	}
	return NetworkConfig{}, &UnsupportedNetworkError{Network: fmt.Sprintf("chain-id:%d", chainID)}
}

// Networks returns all registered network names
func (r *Registry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	networks := make([]string, 0, len(r.configs))
	for network := range r.configs {
		networks = append(networks, network)
	}
	return networks
}

// IsSupported checks if a network is registered
func (r *Registry) IsSupported(network string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.configs[network]
	return exists
}

// Register adds or replaces a network config (idempotent). Intended for tests
// and for wiring private deployments.
func (r *Registry) Register(cfg NetworkConfig) error {
	if cfg.Network == "" {
		return fmt.Errorf("network name is required")
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain id is required for network %s", cfg.Network)
	}
	if cfg.USDCAddress == "" {
		return fmt.Errorf("stablecoin address is required for network %s", cfg.Network)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Network] = cfg
	return nil
}
