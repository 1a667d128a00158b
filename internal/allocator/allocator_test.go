package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/models"
	"SwapGateway/internal/retry"
	"SwapGateway/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeriver struct {
	configured bool
	// collide maps indices to a fixed address to force unique violations.
	collide map[int64]string
}

func (f fakeDeriver) Configured() bool { return f.configured }

func (f fakeDeriver) Derive(family chain.Family, index int64) (string, error) {
	if addr, ok := f.collide[index]; ok {
		return addr, nil
	}
	return fmt.Sprintf("%s-addr-%d", family, index), nil
}

func newStore() *memory.Store {
	s := memory.New()
	s.AddNetwork(models.Network{ID: "net-eth", Code: "ethereum", ChainFamily: "evm", RequiredConfirmations: 3, IsActive: true})
	s.AddNetwork(models.Network{ID: "net-bad", Code: "bad", ChainFamily: "solana", IsActive: true})
	return s
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond}
}

func TestAllocateDerivesWhenPoolEmpty(t *testing.T) {
	s := newStore()
	a := New(s, fakeDeriver{configured: true}, nil)

	e, err := a.Allocate(context.Background(), "net-eth", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "evm-addr-0", e.Address)
	assert.True(t, e.IsUsed)
	require.NotNil(t, e.AssignedOrder)
	assert.Equal(t, "order-1", *e.AssignedOrder)

	e, err = a.Allocate(context.Background(), "net-eth", "order-2")
	require.NoError(t, err)
	assert.Equal(t, "evm-addr-1", e.Address)
}

func TestAllocatePrefersPooledAddress(t *testing.T) {
	s := newStore()
	a := New(s, fakeDeriver{configured: true}, nil)
	pre, err := a.DeriveBatch(context.Background(), chain.FamilyEVM, 2)
	require.NoError(t, err)
	require.Len(t, pre, 2)

	e, err := a.Allocate(context.Background(), "net-eth", "order-1")
	require.NoError(t, err)
	assert.Equal(t, pre[0].Address, e.Address)

	c, err := s.GetCursor(context.Background(), "evm")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.NextIndex, "claim from pool does not advance the cursor")
}

func TestAllocateSkipsExcludedAddresses(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	a := New(s, fakeDeriver{configured: true}, nil)
	pre, err := a.DeriveBatch(ctx, chain.FamilyEVM, 1)
	require.NoError(t, err)

	e, err := a.Allocate(ctx, "net-eth", "order-1", pre[0].Address)
	require.NoError(t, err)
	assert.Equal(t, "evm-addr-1", e.Address, "excluded pool entry forces a derivation")

	e, err = a.Allocate(ctx, "net-eth", "order-2")
	require.NoError(t, err)
	assert.Equal(t, pre[0].Address, e.Address)
}

func TestStatsReportsFreeAndCursor(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	a := New(s, fakeDeriver{configured: true}, nil)

	st, err := a.Stats(ctx, chain.FamilyEVM)
	require.NoError(t, err)
	assert.Equal(t, Stats{Family: chain.FamilyEVM}, st)

	_, err = a.DeriveBatch(ctx, chain.FamilyEVM, 3)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "net-eth", "order-1")
	require.NoError(t, err)

	st, err = a.Stats(ctx, chain.FamilyEVM)
	require.NoError(t, err)
	assert.Equal(t, Stats{Family: chain.FamilyEVM, Free: 2, NextIndex: 3}, st)
}

func TestAllocateConcurrentAddressesAreUnique(t *testing.T) {
	s := newStore()
	a := New(s, fakeDeriver{configured: true}, nil)
	_, err := a.DeriveBatch(context.Background(), chain.FamilyEVM, 5)
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := a.Allocate(context.Background(), "net-eth", fmt.Sprintf("order-%d", i))
			require.NoError(t, err)
			addrs[i] = e.Address
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, addr := range addrs {
		assert.False(t, seen[addr], "address %s handed out twice", addr)
		seen[addr] = true
	}
}

func TestAllocateRetriesOnCollision(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	require.NoError(t, s.InsertPoolEntry(ctx, &models.WalletPoolEntry{Family: "evm", DerivationIndex: 99, Address: "taken", IsUsed: true}))

	a := New(s, fakeDeriver{configured: true, collide: map[int64]string{0: "taken"}}, nil)
	a.Retry = fastPolicy()

	e, err := a.Allocate(ctx, "net-eth", "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.DerivationIndex)
}

func TestAllocateGivesUpAfterPolicyAttempts(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	require.NoError(t, s.InsertPoolEntry(ctx, &models.WalletPoolEntry{Family: "evm", DerivationIndex: 99, Address: "taken", IsUsed: true}))

	a := New(s, fakeDeriver{configured: true, collide: map[int64]string{0: "taken", 1: "taken", 2: "taken"}}, nil)
	a.Retry = fastPolicy()

	_, err := a.Allocate(ctx, "net-eth", "order-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestAllocateRequiresSeed(t *testing.T) {
	a := New(newStore(), fakeDeriver{}, nil)
	_, err := a.Allocate(context.Background(), "net-eth", "order-1")
	assert.True(t, errors.Is(err, chain.ErrSeedNotConfigured))
	assert.True(t, errors.Is(err, apperr.ErrConfig))
}

func TestAllocateUnknownFamily(t *testing.T) {
	a := New(newStore(), fakeDeriver{configured: true}, nil)
	_, err := a.Allocate(context.Background(), "net-bad", "order-1")
	assert.True(t, errors.Is(err, chain.ErrUnknownFamily))

	_, err = a.Allocate(context.Background(), "missing", "order-1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestReleaseAndAssign(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	a := New(s, fakeDeriver{configured: true}, nil)

	e, err := a.Allocate(ctx, "net-eth", "order-1")
	require.NoError(t, err)
	assert.ErrorIs(t, a.Assign(ctx, e.ID, "order-2"), ErrAddressInUse)

	n, err := a.Release(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, a.Assign(ctx, e.ID, "order-2"))
	require.NoError(t, a.ReleaseAddress(ctx, chain.FamilyEVM, e.Address, "order-1"))
	free, err := s.CountFreeAddresses(ctx, "evm")
	require.NoError(t, err)
	assert.Equal(t, int64(0), free, "address now belongs to order-2")

	require.NoError(t, a.ReleaseAddress(ctx, chain.FamilyEVM, e.Address, "order-2"))
	free, err = s.CountFreeAddresses(ctx, "evm")
	require.NoError(t, err)
	assert.Equal(t, int64(1), free)
}

func TestDeriveBatchWithRealDeriver(t *testing.T) {
	d, err := chain.NewDeriver("5eb00bbddcf069084889a8ab9155568165f5c453ccb85e70811aaed6f6da5fc19a5ac40b389cd370d086206dec8aa6c43daea6690f20ad3d8d48b2d2ce9e38e4", "cosmos")
	require.NoError(t, err)
	s := newStore()
	a := New(s, d, nil)

	entries, err := a.DeriveBatch(context.Background(), chain.FamilyEVM, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", entries[0].Address)
	assert.False(t, entries[0].IsUsed)

	_, err = a.DeriveBatch(context.Background(), chain.FamilyEVM, 0)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
