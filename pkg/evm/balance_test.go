package evm

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, cfg networks.NetworkConfig) *networks.Registry {
	t.Helper()
	registry := networks.NewRegistry()
	require.NoError(t, registry.Register(cfg))
	return registry
}

func TestCheckBalance(t *testing.T) {
	tests := []struct {
		name           string
		balance        *big.Int
		needed         *big.Int
		wantSufficient bool
	}{
		{
			name:           "balance covers requirement",
			balance:        big.NewInt(500000),
			needed:         big.NewInt(200000),
			wantSufficient: true,
		},
		{
			name:           "balance exactly at requirement",
			balance:        big.NewInt(200000),
			needed:         big.NewInt(200000),
			wantSufficient: true,
		},
		{
			name:           "balance below requirement",
			balance:        big.NewInt(50000),
			needed:         big.NewInt(200000),
			wantSufficient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRPCServer(t, func(method string, params []json.RawMessage) (interface{}, error) {
				return uint256Hex(tt.balance), nil
			})

			verifier := NewBalanceVerifier(testRegistry(t, testNetworkConfig(srv.URL)))
			check := verifier.CheckBalance(context.Background(), testUserAddress, "devnet", tt.needed)

			assert.True(t, check.Verified)
			assert.Equal(t, tt.wantSufficient, check.Sufficient)
			require.NotNil(t, check.Balance)
			assert.Equal(t, 0, check.Balance.Cmp(tt.balance))
			assert.Equal(t, 0, check.Needed.Cmp(tt.needed))
		})
	}
}

func TestCheckBalanceUnverifiedOnRPCFailure(t *testing.T) {
	srv := newRPCServer(t, func(string, []json.RawMessage) (interface{}, error) {
		return nil, errors.New("overloaded")
	})

	verifier := NewBalanceVerifier(testRegistry(t, testNetworkConfig(srv.URL)))
	check := verifier.CheckBalance(context.Background(), testUserAddress, "devnet", big.NewInt(200000))

	assert.False(t, check.Verified)
	assert.False(t, check.Sufficient)
	assert.Nil(t, check.Balance)
}

func TestCheckBalanceUnknownNetwork(t *testing.T) {
	verifier := NewBalanceVerifier(networks.NewRegistry())
	check := verifier.CheckBalance(context.Background(), testUserAddress, "moonnet", big.NewInt(200000))

	assert.False(t, check.Verified)
	assert.False(t, check.Sufficient)
	assert.Nil(t, check.Balance)
	assert.Equal(t, int64(200000), check.Needed.Int64())
}

func TestCheckBalanceDefaultsToMinimumRunPrice(t *testing.T) {
	srv := newRPCServer(t, func(string, []json.RawMessage) (interface{}, error) {
		return uint256Hex(big.NewInt(constants.MinimumRunPrice)), nil
	})

	verifier := NewBalanceVerifier(testRegistry(t, testNetworkConfig(srv.URL)))
	check := verifier.CheckBalance(context.Background(), testUserAddress, "devnet", nil)

	assert.Equal(t, int64(constants.MinimumRunPrice), check.Needed.Int64())
	assert.True(t, check.Verified)
	assert.True(t, check.Sufficient)
}
