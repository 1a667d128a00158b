package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"SwapGateway/internal/apperr"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

var ErrSeedNotConfigured = fmt.Errorf("%w: derivation seed is not configured", apperr.ErrConfig)

// Deriver derives deposit addresses from a BIP-32 seed along
// m/44'/coin'/0'/0/index, coin being the family's BIP-44 coin type.
type Deriver struct {
	seed         []byte
	bech32Prefix string

	mu       sync.Mutex
	branches map[Family]*hdkeychain.ExtendedKey
}

func NewDeriver(seedHex, bech32Prefix string) (*Deriver, error) {
	d := &Deriver{bech32Prefix: bech32Prefix, branches: map[Family]*hdkeychain.ExtendedKey{}}
	seedHex = strings.TrimPrefix(strings.TrimSpace(seedHex), "0x")
	if seedHex == "" {
		return d, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: seed is not hex: %v", apperr.ErrConfig, err)
	}
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return nil, fmt.Errorf("%w: seed must be %d..%d bytes", apperr.ErrConfig, hdkeychain.MinSeedBytes, hdkeychain.MaxSeedBytes)
	}
	d.seed = seed
	if d.bech32Prefix == "" {
		d.bech32Prefix = "cosmos"
	}
	return d, nil
}

func (d *Deriver) Configured() bool {
	return d != nil && len(d.seed) > 0
}

// Derive is deterministic: the same family and index always give the same address.
func (d *Deriver) Derive(family Family, index int64) (string, error) {
	if !d.Configured() {
		return "", ErrSeedNotConfigured
	}
	if index < 0 || index >= int64(hdkeychain.HardenedKeyStart) {
		return "", fmt.Errorf("derivation index %d out of range", index)
	}
	branch, err := d.branch(family)
	if err != nil {
		return "", err
	}
	child, err := branch.Derive(uint32(index))
	if err != nil {
		return "", err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	switch family {
	case FamilyEVM:
		return crypto.PubkeyToAddress(*pubKey.ToECDSA()).Hex(), nil
	case FamilyCosmos:
		hash := sha256.Sum256(pubKey.SerializeCompressed())
		rip := ripemd160.New()
		_, _ = rip.Write(hash[:])
		converted, err := bech32.ConvertBits(rip.Sum(nil), 8, 5, true)
		if err != nil {
			return "", err
		}
		return bech32.Encode(d.bech32Prefix, converted)
	}
	return "", fmt.Errorf("%w %q", ErrUnknownFamily, string(family))
}

func (d *Deriver) branch(family Family) (*hdkeychain.ExtendedKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key, ok := d.branches[family]; ok {
		return key, nil
	}
	info, err := Info(family)
	if err != nil {
		return nil, err
	}
	key, err := hdkeychain.NewMaster(d.seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + info.CoinType,
		hdkeychain.HardenedKeyStart,
		0,
	}
	for _, i := range path {
		key, err = key.Derive(i)
		if err != nil {
			return nil, err
		}
	}
	d.branches[family] = key
	return key, nil
}
