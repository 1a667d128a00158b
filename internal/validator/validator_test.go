package validator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"SwapGateway/internal/allocator"
	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/locks"
	"SwapGateway/internal/models"
	"SwapGateway/internal/orders"
	"SwapGateway/internal/payout"
	"SwapGateway/internal/rates"
	"SwapGateway/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdtContract = "0xdac17f958d2ee523a2206206994597c13d831ec7"

type fakeReader struct {
	mu       sync.Mutex
	latest   uint64
	balances map[string]*big.Int
	settled  map[string]*big.Int
	logs     []chain.TransferLog
	reads    int
	queried  []string
	err      error
}

func newFakeReader() *fakeReader {
	return &fakeReader{balances: map[string]*big.Int{}, settled: map[string]*big.Int{}}
}

func (f *fakeReader) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.err
}

func (f *fakeReader) NativeBalance(_ context.Context, addr string, block *uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	if block != nil {
		if b, ok := f.settled[addr]; ok {
			return new(big.Int).Set(b), nil
		}
	}
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeReader) TransferLogs(_ context.Context, contract, to string, fromBlock uint64) ([]chain.TransferLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.queried = append(f.queried, contract)
	if f.err != nil {
		return nil, f.err
	}
	var out []chain.TransferLog
	for _, l := range f.logs {
		if l.BlockNumber >= fromBlock {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeReader) set(fn func(*fakeReader)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakePayouts struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *fakePayouts) Payout(_ context.Context, orderID string) (payout.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, orderID)
	if p.err != nil {
		return payout.Result{}, p.err
	}
	return payout.Result{TxHash: "0xpaid-" + orderID}, nil
}

func (p *fakePayouts) called() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fixture struct {
	t       *testing.T
	store   *memory.Store
	reader  *fakeReader
	payouts *fakePayouts
	chains  *chain.Registry
	v       *Validator
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	s.AddNetwork(models.Network{ID: "ethereum", Code: "ethereum", ChainFamily: "evm", RequiredConfirmations: 3, IsActive: true})
	s.AddCoinNetwork(models.CoinNetwork{CoinID: "eth", NetworkID: "ethereum", AssetType: models.AssetNative, Decimals: 18, IsActive: true})
	s.AddCoinNetwork(models.CoinNetwork{CoinID: "usdt", NetworkID: "ethereum", AssetType: models.AssetToken, ContractAddress: usdtContract, Decimals: 6, IsActive: true})

	reader := newFakeReader()
	reg := chain.NewRegistry(&chain.Endpoint{Code: "ethereum", Family: chain.FamilyEVM, Reader: reader, LookbackBlocks: 1000})
	payouts := &fakePayouts{}
	f := &fixture{
		t:       t,
		store:   s,
		reader:  reader,
		payouts: payouts,
		chains:  reg,
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.v = New(s, reg, locks.NewLocal(), payouts, nil)
	f.v.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) order(id, payCoin, payAmount string, status models.OrderStatus) *models.Order {
	o := &models.Order{
		ID:                    id,
		BuyCoinID:             "atom",
		BuyNetworkID:          "cosmoshub",
		PayCoinID:             payCoin,
		PayNetworkID:          "ethereum",
		Amount:                decimal.RequireFromString("10"),
		PayAmount:             decimal.RequireFromString(payAmount),
		PaymentAddr:           "0xDeposit" + id,
		ReceivingAddr:         "cosmos1receiver",
		Status:                status,
		RequiredConfirmations: 3,
		ExpiresAt:             f.now.Add(15 * time.Minute),
	}
	f.store.SetOrder(o)
	meta, err := f.store.GetCoinNetwork(context.Background(), payCoin, "ethereum")
	require.NoError(f.t, err)
	f.store.SetPayment(&models.PaymentRecord{
		OrderID:         id,
		ExpectedAmount:  o.PayAmount,
		AssetType:       meta.AssetType,
		ContractAddress: meta.ContractAddress,
		Decimals:        meta.Decimals,
	})
	return o
}

func (f *fixture) baseline(id string, b models.Baseline) {
	p, err := f.store.GetPayment(context.Background(), id)
	require.NoError(f.t, err)
	p.Baseline = b
	f.store.SetPayment(p)
}

func wei(eth string) *big.Int {
	return decimal.RequireFromString(eth).Shift(18).BigInt()
}

func units(usdt string) *big.Int {
	return decimal.RequireFromString(usdt).Shift(6).BigInt()
}

func TestNativeDepositLifecycle(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", "eth", "0.5", models.OrderWaitingPayment)
	ctx := context.Background()

	out, err := f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultNone, out.Result)
	assert.False(t, out.Changed)
	assert.Equal(t, models.OrderWaitingPayment, out.Status)

	f.reader.set(func(r *fakeReader) { r.balances[o.PaymentAddr] = wei("0.2") })
	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultUnderpaid, out.Result)
	assert.True(t, out.Changed)

	stored, err := f.store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderUnderpaid, stored.Status)
	assert.True(t, decimal.RequireFromString("0.2").Equal(stored.ReceivedAmount))
	assert.Equal(t, f.now.Add(DefaultUnderpaidGrace), stored.ExpiresAt)

	f.reader.set(func(r *fakeReader) { r.balances[o.PaymentAddr] = wei("0.5") })
	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultConfirmed, out.Result)
	assert.Equal(t, models.OrderConfirmed, out.Status)
	assert.Equal(t, 3, out.Confirmations)
	f.v.Wait()
	assert.Equal(t, []string{"o1"}, f.payouts.called())

	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultFinal, out.Result)
	f.v.Wait()
	assert.Len(t, f.payouts.called(), 1, "payout fires once per confirmation")
}

func TestUnderpaidExpiryOnlyExtendsOnNewFunds(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", "eth", "1", models.OrderWaitingPayment)
	ctx := context.Background()
	f.reader.set(func(r *fakeReader) { r.balances[o.PaymentAddr] = wei("0.3") })

	_, err := f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	first := f.now.Add(DefaultUnderpaidGrace)

	f.now = f.now.Add(time.Hour)
	out, err := f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, out.Changed)
	stored, _ := f.store.GetOrder(ctx, "o1")
	assert.Equal(t, first, stored.ExpiresAt)

	f.reader.set(func(r *fakeReader) { r.balances[o.PaymentAddr] = wei("0.6") })
	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, out.Changed)
	stored, _ = f.store.GetOrder(ctx, "o1")
	assert.Equal(t, f.now.Add(DefaultUnderpaidGrace), stored.ExpiresAt)
	assert.True(t, decimal.RequireFromString("0.6").Equal(stored.ReceivedAmount))
}

func TestNativeConfirmationPolicy(t *testing.T) {
	f := newFixture(t)
	f.v.NativeRequiresConfirmations = true
	o := f.order("o1", "eth", "0.5", models.OrderWaitingPayment)
	ctx := context.Background()
	f.reader.set(func(r *fakeReader) {
		r.latest = 100
		r.balances[o.PaymentAddr] = wei("0.5")
		r.settled[o.PaymentAddr] = wei("0")
	})

	out, err := f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultWaitingConfirmation, out.Result)
	assert.Equal(t, models.OrderWaitingConfirmation, out.Status)
	assert.Empty(t, f.payouts.called())

	f.reader.set(func(r *fakeReader) { r.settled[o.PaymentAddr] = wei("0.5") })
	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderConfirmed, out.Status)
	f.v.Wait()
	assert.Equal(t, []string{"o1"}, f.payouts.called())
}

func TestTokenDepositLifecycle(t *testing.T) {
	f := newFixture(t)
	f.order("o1", "usdt", "100", models.OrderWaitingPayment)
	ctx := context.Background()
	f.reader.set(func(r *fakeReader) {
		r.latest = 500
		r.logs = []chain.TransferLog{
			{TxHash: "0xa", BlockNumber: 490, Amount: units("40")},
			{TxHash: "0xr", BlockNumber: 491, Amount: units("60"), Removed: true},
		}
	})

	out, err := f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultUnderpaid, out.Result)
	assert.True(t, decimal.RequireFromString("40").Equal(out.Received))
	require.NotNil(t, out.TxHash)
	assert.Equal(t, "0xa", *out.TxHash)

	f.reader.set(func(r *fakeReader) {
		r.logs = append(r.logs, chain.TransferLog{TxHash: "0xb", BlockNumber: 499, Amount: units("60")})
	})
	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultWaitingConfirmation, out.Result)
	assert.Equal(t, 2, out.Confirmations)
	assert.Equal(t, "0xb", *out.TxHash)
	assert.Empty(t, f.payouts.called())

	f.reader.set(func(r *fakeReader) { r.latest = 501 })
	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultConfirmed, out.Result)
	assert.Equal(t, 3, out.Confirmations)
	f.v.Wait()
	assert.Equal(t, []string{"o1"}, f.payouts.called())

	stored, err := f.store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderConfirmed, stored.Status)
	assert.True(t, decimal.RequireFromString("100").Equal(stored.ReceivedAmount))
}

func TestNoBackwardMoveAfterReorg(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", "usdt", "100", models.OrderWaitingConfirmation)
	o.ReceivedAmount = decimal.RequireFromString("100")
	o.Confirmations = 1
	f.store.SetOrder(o)
	ctx := context.Background()
	f.reader.set(func(r *fakeReader) {
		r.latest = 500
		r.logs = []chain.TransferLog{{TxHash: "0xa", BlockNumber: 500, Amount: units("30")}}
	})

	out, err := f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultUnderpaid, out.Result)
	assert.False(t, out.Changed)

	stored, err := f.store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderWaitingConfirmation, stored.Status)
	assert.True(t, decimal.RequireFromString("100").Equal(stored.ReceivedAmount))
}

func TestFinalizedOrdersAreNotRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, st := range []models.OrderStatus{models.OrderConfirmed, models.OrderCompleted, models.OrderExpired, models.OrderCanceled} {
		id := string(rune('a' + i))
		f.order(id, "eth", "1", st)
		out, err := f.v.Validate(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ResultFinal, out.Result, st)
		assert.Equal(t, st, out.Status)
	}
	assert.Zero(t, f.reader.reads)
}

func TestConcurrentRunIsBusy(t *testing.T) {
	f := newFixture(t)
	f.order("o1", "eth", "1", models.OrderWaitingPayment)
	release, ok, err := f.v.Locks.Acquire(context.Background(), "validate:o1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.v.Validate(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultBusy, out.Result)

	release()
	out, err = f.v.Validate(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultNone, out.Result)
}

func TestChainErrorsAreTransient(t *testing.T) {
	f := newFixture(t)
	f.order("o1", "eth", "1", models.OrderWaitingPayment)
	f.reader.set(func(r *fakeReader) { r.err = errors.New("dial tcp 10.0.0.7:8545: i/o timeout") })

	_, err := f.v.Validate(context.Background(), "o1")
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, "chain unavailable for ethereum", apperr.Reason(err))

	_, err = f.v.Validate(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestValidateAddressesMatchesCaseInsensitively(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", "eth", "0.5", models.OrderWaitingPayment)
	f.order("o2", "eth", "0.5", models.OrderWaitingPayment)
	f.reader.set(func(r *fakeReader) { r.balances[o.PaymentAddr] = wei("0.5") })

	outs, err := f.v.ValidateAddresses(context.Background(), []string{strings.ToUpper(o.PaymentAddr), "0xunknown"})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "o1", outs[0].OrderID)
	assert.Equal(t, models.OrderConfirmed, outs[0].Status)
	f.v.Wait()
}

func TestValidateOpenAndRetryPayouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paid := f.order("o1", "eth", "0.5", models.OrderWaitingPayment)
	f.order("o2", "eth", "0.5", models.OrderWaitingPayment)
	f.order("o3", "eth", "0.5", models.OrderCompleted)
	f.reader.set(func(r *fakeReader) { r.balances[paid.PaymentAddr] = wei("0.5") })
	f.payouts.err = errors.New("hot wallet empty")

	summary, err := f.v.ValidateOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2, Changed: 1}, summary)
	f.v.Wait()

	f.payouts.err = nil
	n, err := f.v.RetryPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"o1", "o1"}, f.payouts.called())
}

func TestNativeBalanceBelowBaselineIsNotCredited(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", "eth", "0.5", models.OrderWaitingPayment)
	f.baseline("o1", models.Baseline{Block: 90, Balance: decimal.NewFromBigInt(wei("0.3"), 0)})
	ctx := context.Background()

	f.reader.set(func(r *fakeReader) { r.balances[o.PaymentAddr] = wei("0.3") })
	out, err := f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultNone, out.Result)
	assert.Equal(t, models.OrderWaitingPayment, out.Status)

	f.reader.set(func(r *fakeReader) { r.balances[o.PaymentAddr] = wei("0.6") })
	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ResultUnderpaid, out.Result)
	assert.True(t, decimal.RequireFromString("0.3").Equal(out.Received))

	f.reader.set(func(r *fakeReader) { r.balances[o.PaymentAddr] = wei("0.8") })
	out, err = f.v.Validate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderConfirmed, out.Status)
	assert.True(t, decimal.RequireFromString("0.5").Equal(out.Received))
	f.v.Wait()
}

func TestValidateUsesTermsTheOrderWasIssuedWith(t *testing.T) {
	f := newFixture(t)
	f.order("o1", "usdt", "100", models.OrderWaitingPayment)
	// a later catalog edit must not change what o1 expects
	f.store.AddCoinNetwork(models.CoinNetwork{CoinID: "usdt", NetworkID: "ethereum", AssetType: models.AssetToken, ContractAddress: "0xnewcontract", Decimals: 18, IsActive: true})
	f.reader.set(func(r *fakeReader) {
		r.latest = 500
		r.logs = []chain.TransferLog{{TxHash: "0xa", BlockNumber: 490, Amount: units("100")}}
	})

	out, err := f.v.Validate(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderConfirmed, out.Status)
	assert.True(t, decimal.RequireFromString("100").Equal(out.Received))
	assert.Equal(t, []string{usdtContract}, f.reader.queried)
	f.v.Wait()
}

type seqDeriver struct{}

func (seqDeriver) Configured() bool { return true }

func (seqDeriver) Derive(_ chain.Family, index int64) (string, error) {
	return fmt.Sprintf("0x%040x", index+1), nil
}

func TestReusedAddressIgnoresEarlierOrdersFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddCoin(models.Coin{ID: "eth", Symbol: "ETH", IsActive: true})
	f.store.AddCoin(models.Coin{ID: "usdt", Symbol: "USDT", IsActive: true})
	f.store.AddPaymentOption(models.PaymentOption{ID: "opt-usdt", CoinID: "usdt", NetworkID: "ethereum", IsActive: true})
	pair := models.Pair{BuyCoinID: "eth", BuyNetworkID: "ethereum", PayCoinID: "usdt", PayNetworkID: "ethereum"}
	require.NoError(t, f.store.UpsertRate(ctx, &models.ExchangeRate{Pair: pair, Rate: decimal.NewFromInt(3500)}))

	svc := orders.NewService(f.store, allocator.New(f.store, seqDeriver{}, nil), rates.Lookup{Store: f.store}, f.chains, nil, nil)
	create := func(amount string) *models.Order {
		o, err := svc.Create(ctx, orders.CreateInput{
			Pair:          orders.PairByID{Pair: pair},
			Amount:        decimal.RequireFromString(amount),
			ReceivingAddr: "0x9858EfFD232B4033E47d90003D41EC34EcaEda94",
		})
		require.NoError(t, err)
		return o
	}

	f.reader.set(func(r *fakeReader) { r.latest = 100 })
	first := create("1")
	require.True(t, decimal.NewFromInt(3500).Equal(first.PayAmount))

	f.reader.set(func(r *fakeReader) {
		r.latest = 105
		r.logs = []chain.TransferLog{{TxHash: "0xpartial", BlockNumber: 101, Amount: units("1000")}}
	})
	out, err := f.v.Validate(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderUnderpaid, out.Status)
	_, err = svc.Cancel(ctx, first.ID)
	require.NoError(t, err)

	f.reader.set(func(r *fakeReader) { r.latest = 110 })
	second := create("0.2")
	require.Equal(t, first.PaymentAddr, second.PaymentAddr, "released address is reused")
	require.True(t, decimal.NewFromInt(700).Equal(second.PayAmount))

	out, err = f.v.Validate(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultNone, out.Result)
	assert.Equal(t, models.OrderWaitingPayment, out.Status)
	assert.True(t, out.Received.IsZero())
	assert.Empty(t, f.payouts.called())

	f.reader.set(func(r *fakeReader) {
		r.latest = 113
		r.logs = append(r.logs, chain.TransferLog{TxHash: "0xfresh", BlockNumber: 111, Amount: units("700")})
	})
	out, err = f.v.Validate(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderConfirmed, out.Status)
	assert.True(t, decimal.NewFromInt(700).Equal(out.Received))
	require.NotNil(t, out.TxHash)
	assert.Equal(t, "0xfresh", *out.TxHash)
	f.v.Wait()
	assert.Equal(t, []string{second.ID}, f.payouts.called())
}
