package x402

import (
	"errors"
	"testing"
)

func TestChainsRegistry(t *testing.T) {
	cfg := Config{
		BaseRPCURL:             "https://mainnet.base.org",
		EthereumRPCURL:         "https://eth.llamarpc.com",
		SolanaRPCURL:           "https://api.mainnet-beta.solana.com",
		BasePaymentAddress:     "0x1111111111111111111111111111111111111111",
		EthereumPaymentAddress: "0x2222222222222222222222222222222222222222",
		SolanaPaymentAddress:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		BaseConfirmations:      6,
		EthereumConfirmations:  12,
		SolanaConfirmations:    32,
	}
	chains := cfg.Chains()

	tests := []struct {
		name          string
		family        ChainFamily
		chainID       int64
		usdc          string
		confirmations uint64
	}{
		{ChainBase, FamilyEVM, 8453, BaseUSDCAddress, 6},
		{ChainEthereum, FamilyEVM, 1, EthereumUSDCAddress, 12},
		{ChainSolana, FamilySVM, 0, SolanaUSDCMint, 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, ok := chains[tt.name]
			if !ok {
				t.Fatalf("chain %s missing from registry", tt.name)
			}
			if chain.Family != tt.family {
				t.Errorf("Family = %d; want %d", chain.Family, tt.family)
			}
			if chain.ChainID != tt.chainID {
				t.Errorf("ChainID = %d; want %d", chain.ChainID, tt.chainID)
			}
			if chain.USDCAddress != tt.usdc {
				t.Errorf("USDCAddress = %s; want %s", chain.USDCAddress, tt.usdc)
			}
			if chain.RequiredConfirmations != tt.confirmations {
				t.Errorf("RequiredConfirmations = %d; want %d", chain.RequiredConfirmations, tt.confirmations)
			}
			if chain.Decimals != USDCDecimals {
				t.Errorf("Decimals = %d; want %d", chain.Decimals, USDCDecimals)
			}
			if chain.ReceivingAddress == "" {
				t.Error("ReceivingAddress should not be empty")
			}
		})
	}
}

func TestGetChainUnknown(t *testing.T) {
	chains := Config{}.Chains()

	if _, err := GetChain(chains, "base"); err != nil {
		t.Errorf("GetChain(base) error = %v", err)
	}

	_, err := GetChain(chains, "dogecoin")
	if !errors.Is(err, ErrUnsupportedChain) {
		t.Errorf("GetChain(dogecoin) error = %v; want ErrUnsupportedChain", err)
	}
}
