package chain

import (
	"strings"
	"testing"

	"SwapGateway/internal/apperr"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BIP-39 seed of "abandon abandon ... about" with an empty passphrase.
const testSeed = "5eb00bbddcf069084889a8ab9155568165f5c453ccb85e70811aaed6f6da5fc19a5ac40b389cd370d086206dec8aa6c43daea6690f20ad3d8d48b2d2ce9e38e4"

func TestDeriveEVMKnownVector(t *testing.T) {
	d, err := NewDeriver(testSeed, "")
	require.NoError(t, err)

	addr, err := d.Derive(FamilyEVM, 0)
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", addr)
}

func TestDeriveIsDeterministicAndDistinct(t *testing.T) {
	d, err := NewDeriver(testSeed, "")
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := int64(0); i < 5; i++ {
		a1, err := d.Derive(FamilyEVM, i)
		require.NoError(t, err)
		a2, err := d.Derive(FamilyEVM, i)
		require.NoError(t, err)
		assert.Equal(t, a1, a2)
		assert.False(t, seen[a1], "duplicate address at index %d", i)
		seen[a1] = true
	}
}

func TestDeriveCosmosUsesPrefix(t *testing.T) {
	d, err := NewDeriver(testSeed, "osmo")
	require.NoError(t, err)

	addr, err := d.Derive(FamilyCosmos, 3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "osmo1"), addr)
	hrp, _, err := bech32.Decode(addr)
	require.NoError(t, err)
	assert.Equal(t, "osmo", hrp)
}

func TestDeriveWithoutSeed(t *testing.T) {
	d, err := NewDeriver("", "")
	require.NoError(t, err)
	assert.False(t, d.Configured())

	_, err = d.Derive(FamilyEVM, 0)
	assert.ErrorIs(t, err, ErrSeedNotConfigured)
	assert.ErrorIs(t, err, apperr.ErrConfig)
}

func TestNewDeriverRejectsBadSeed(t *testing.T) {
	_, err := NewDeriver("zz", "")
	assert.ErrorIs(t, err, apperr.ErrConfig)
	_, err = NewDeriver("abcd", "")
	assert.ErrorIs(t, err, apperr.ErrConfig)
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily(" Ethereum ")
	require.NoError(t, err)
	assert.Equal(t, FamilyEVM, f)

	f, err = ParseFamily("cosmos")
	require.NoError(t, err)
	assert.Equal(t, FamilyCosmos, f)

	_, err = ParseFamily("solana")
	assert.ErrorIs(t, err, ErrUnknownFamily)

	info, err := Info(FamilyEVM)
	require.NoError(t, err)
	assert.True(t, info.Payout)
	assert.True(t, info.ValidAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94"))
	assert.False(t, info.ValidAddress("not-an-address"))
}

func TestScanFrom(t *testing.T) {
	ep := &Endpoint{StartBlock: 100, LookbackBlocks: 50}
	assert.Equal(t, uint64(100), ep.ScanFrom(120))
	assert.Equal(t, uint64(951), ep.ScanFrom(1000))
	assert.Equal(t, uint64(0), (&Endpoint{}).ScanFrom(1000))
}
