package chain

import (
	"fmt"
	"strings"

	"SwapGateway/internal/apperr"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

type Family string

const (
	FamilyEVM    Family = "evm"
	FamilyCosmos Family = "cosmos"
)

var ErrUnknownFamily = fmt.Errorf("%w: unknown chain family", apperr.ErrConfig)

// FamilyInfo is the single source for everything that differs per family.
type FamilyInfo struct {
	Family   Family
	CoinType uint32 // BIP-44 coin type
	// Payout reports whether the family has a transfer sender.
	Payout       bool
	Tokens       bool
	ValidAddress func(addr string) bool
}

var families = map[Family]FamilyInfo{
	FamilyEVM: {
		Family:       FamilyEVM,
		CoinType:     60,
		Payout:       true,
		Tokens:       true,
		ValidAddress: common.IsHexAddress,
	},
	FamilyCosmos: {
		Family:       FamilyCosmos,
		CoinType:     118,
		ValidAddress: validBech32,
	},
}

var familyAliases = map[string]Family{
	"evm":        FamilyEVM,
	"eth":        FamilyEVM,
	"ethereum":   FamilyEVM,
	"bsc":        FamilyEVM,
	"polygon":    FamilyEVM,
	"arbitrum":   FamilyEVM,
	"base":       FamilyEVM,
	"cosmos":     FamilyCosmos,
	"tendermint": FamilyCosmos,
	"cometbft":   FamilyCosmos,
}

// ParseFamily maps the chain family string stored on a network to a Family.
func ParseFamily(s string) (Family, error) {
	f, ok := familyAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownFamily, s)
	}
	return f, nil
}

func Info(f Family) (FamilyInfo, error) {
	info, ok := families[f]
	if !ok {
		return FamilyInfo{}, fmt.Errorf("%w %q", ErrUnknownFamily, string(f))
	}
	return info, nil
}

// NormalizeAddress returns the comparison form used for address matching.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func validBech32(addr string) bool {
	_, data, err := bech32.Decode(addr)
	return err == nil && len(data) > 0
}
