// Package orders owns the order lifecycle: creation against a rate snapshot
// and a fresh deposit address, reads with lazy expiry, cancellation, admin
// failure and regeneration of dead invoices.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/metrics"
	"SwapGateway/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultTTL         = 15 * time.Minute
	DefaultExpiryGrace = 30 * time.Second
)

type Repository interface {
	CatalogRepository
	GetNetwork(ctx context.Context, id string) (*models.Network, error)
	GetCoinNetwork(ctx context.Context, coinID, networkID string) (*models.CoinNetwork, error)
	GetPaymentOptionFor(ctx context.Context, coinID, networkID string) (*models.PaymentOption, error)

	CreateOrder(ctx context.Context, o *models.Order, p *models.PaymentRecord) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	TerminateOrder(ctx context.Context, id string, to models.OrderStatus) (bool, error)
	ExpireOrder(ctx context.Context, id string, cutoff time.Time) (bool, error)
	ReissueOrder(ctx context.Context, id, address string, memo *string, expiresAt time.Time, baseline models.Baseline) (bool, error)
}

type Allocator interface {
	FamilyOf(ctx context.Context, networkID string) (chain.Family, error)
	Allocate(ctx context.Context, networkID, orderID string, exclude ...string) (*models.WalletPoolEntry, error)
	Release(ctx context.Context, orderIDs ...string) (int64, error)
	ReleaseAddress(ctx context.Context, family chain.Family, address, orderID string) error
}

type Chains interface {
	Get(code string) (*chain.Endpoint, error)
}

type RateLookup interface {
	Rate(ctx context.Context, pair models.Pair) (decimal.Decimal, error)
}

// Watcher is told about addresses entering and leaving the open set.
type Watcher interface {
	Watch(ctx context.Context, networkID string, addresses []string) error
	Unwatch(ctx context.Context, networkID string, addresses []string) error
}

type Service struct {
	Store     Repository
	Allocator Allocator
	Rates     RateLookup
	Chains    Chains
	Resolver  Resolver
	Watcher   Watcher

	TTL         time.Duration
	ExpiryGrace time.Duration
	Now         func() time.Time
	Log         *zap.Logger
}

func NewService(store Repository, alloc Allocator, rates RateLookup, chains Chains, watcher Watcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store:       store,
		Allocator:   alloc,
		Rates:       rates,
		Chains:      chains,
		Resolver:    Resolver{Store: store},
		Watcher:     watcher,
		TTL:         DefaultTTL,
		ExpiryGrace: DefaultExpiryGrace,
		Now:         func() time.Time { return time.Now().UTC() },
		Log:         log,
	}
}

type CreateInput struct {
	Pair          PairInput
	Amount        decimal.Decimal
	ReceivingAddr string
	ReceivingMemo *string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Order, error) {
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	receiving := strings.TrimSpace(in.ReceivingAddr)
	if receiving == "" {
		return nil, ErrInvalidAddress
	}

	pair, err := s.Resolver.Resolve(ctx, in.Pair)
	if err != nil {
		return nil, err
	}

	opt, err := s.Store.GetPaymentOptionFor(ctx, pair.PayCoinID, pair.PayNetworkID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, ErrUnsupportedPayment
		}
		return nil, err
	}
	if !opt.IsActive {
		return nil, ErrUnsupportedPayment
	}

	buyMeta, err := s.activeCoinNetwork(ctx, pair.BuyCoinID, pair.BuyNetworkID)
	if err != nil {
		return nil, err
	}
	payMeta, err := s.activeCoinNetwork(ctx, pair.PayCoinID, pair.PayNetworkID)
	if err != nil {
		return nil, err
	}
	if !in.Amount.Equal(in.Amount.Truncate(int32(buyMeta.Decimals))) {
		return nil, ErrInvalidAmount
	}

	buyFamily, err := s.Allocator.FamilyOf(ctx, pair.BuyNetworkID)
	if err != nil {
		return nil, insufficient(err, "buy network")
	}
	buyInfo, err := chain.Info(buyFamily)
	if err != nil {
		return nil, insufficient(err, "buy network")
	}
	if !buyInfo.Payout {
		return nil, fmt.Errorf("%w: payout not supported on %s", ErrInsufficientData, buyFamily)
	}
	if !buyInfo.ValidAddress(receiving) {
		return nil, ErrInvalidAddress
	}

	payNetwork, err := s.Store.GetNetwork(ctx, pair.PayNetworkID)
	if err != nil {
		return nil, insufficient(err, "pay network")
	}
	if !payNetwork.IsActive {
		return nil, ErrUnsupportedPayment
	}

	rate, err := s.Rates.Rate(ctx, pair)
	if err != nil {
		return nil, err
	}
	payAmount := in.Amount.Mul(rate).RoundCeil(int32(payMeta.Decimals))
	if !payAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	memo, err := newMemo(payMeta.MemoKind)
	if err != nil {
		return nil, err
	}

	required := payNetwork.RequiredConfirmations
	if required < 1 {
		required = 1
	}

	id := uuid.NewString()
	entry, err := s.Allocator.Allocate(ctx, pair.PayNetworkID, id)
	if err != nil {
		return nil, err
	}
	baseline, err := s.baseline(ctx, payNetwork.Code, entry.Address)
	if err != nil {
		if _, rerr := s.Allocator.Release(ctx, id); rerr != nil {
			s.Log.Error("failed to release address after baseline error", zap.String("order_id", id), zap.Error(rerr))
		}
		return nil, err
	}

	now := s.Now()
	order := &models.Order{
		ID:                    id,
		BuyCoinID:             pair.BuyCoinID,
		BuyNetworkID:          pair.BuyNetworkID,
		PayCoinID:             pair.PayCoinID,
		PayNetworkID:          pair.PayNetworkID,
		Amount:                in.Amount,
		PriceRate:             rate,
		PayAmount:             payAmount,
		PaymentAddr:           entry.Address,
		PaymentMemo:           memo,
		ReceivingAddr:         receiving,
		ReceivingMemo:         in.ReceivingMemo,
		Status:                models.OrderWaitingPayment,
		RequiredConfirmations: required,
		ReceivedAmount:        decimal.Zero,
		ExpiresAt:             now.Add(s.TTL),
	}
	assetType := payMeta.AssetType
	if payMeta.IsToken() {
		assetType = models.AssetToken
	}
	record := &models.PaymentRecord{
		OrderID:         id,
		ExpectedAmount:  payAmount,
		AssetType:       assetType,
		ContractAddress: payMeta.ContractAddress,
		Decimals:        payMeta.Decimals,
		Baseline:        baseline,
	}

	if err := s.Store.CreateOrder(ctx, order, record); err != nil {
		if _, rerr := s.Allocator.Release(ctx, id); rerr != nil {
			s.Log.Error("failed to release address after create error", zap.String("order_id", id), zap.Error(rerr))
		}
		return nil, err
	}

	metrics.OrdersCreated.WithLabelValues(payNetwork.Code).Inc()
	s.Log.Info("order created",
		zap.String("order_id", id),
		zap.String("network", payNetwork.Code),
		zap.String("address", order.PaymentAddr),
		zap.String("pay_amount", payAmount.String()),
	)
	s.watch(ctx, order.PayNetworkID, order.PaymentAddr)
	return order, nil
}

// Get returns the order, expiring it first when its deadline and grace have
// passed.
func (s *Service) Get(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.StatusIn(order.Status, models.ExpirableStatuses) {
		return order, nil
	}
	cutoff := s.Now().Add(-s.ExpiryGrace)
	if !order.ExpiresAt.Before(cutoff) {
		return order, nil
	}
	ok, err := s.Store.ExpireOrder(ctx, id, cutoff)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.OrderTransitions.WithLabelValues(string(models.OrderExpired)).Inc()
		s.Log.Info("order expired on read", zap.String("order_id", id))
		s.releaseAndUnwatch(ctx, order)
	}
	return s.Store.GetOrder(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, id string) (*models.Order, error) {
	return s.terminate(ctx, id, models.OrderCanceled, "canceled")
}

// Fail marks an order FAILED from any non-terminal status.
func (s *Service) Fail(ctx context.Context, id, reason string) (*models.Order, error) {
	return s.terminate(ctx, id, models.OrderFailed, reason)
}

func (s *Service) terminate(ctx context.Context, id string, to models.OrderStatus, reason string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status == to {
		return order, nil
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
	}

	ok, err := s.Store.TerminateOrder(ctx, id, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := s.Store.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case current.Status == to:
			return current, nil
		case current.PayoutLockedAt != nil || current.PayoutHash != nil || current.PayoutSignedHash != nil:
			return nil, ErrPayoutInProgress
		default:
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}
	}

	metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
	s.Log.Info("order terminated",
		zap.String("order_id", id),
		zap.String("status", string(to)),
		zap.String("reason", reason),
	)
	s.releaseAndUnwatch(ctx, order)
	return s.Store.GetOrder(ctx, id)
}

// Regenerate reopens a FAILED, CANCELED or EXPIRED order on a new address
// with a fresh deadline. Trade terms are kept.
func (s *Service) Regenerate(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.StatusIn(order.Status, models.FailureStatuses) {
		return nil, fmt.Errorf("%w: cannot regenerate %s order", ErrInvalidTransition, order.Status)
	}
	family, err := s.Allocator.FamilyOf(ctx, order.PayNetworkID)
	if err != nil {
		return nil, err
	}
	payMeta, err := s.Store.GetCoinNetwork(ctx, order.PayCoinID, order.PayNetworkID)
	if err != nil {
		return nil, err
	}
	memo, err := newMemo(payMeta.MemoKind)
	if err != nil {
		return nil, err
	}
	network, err := s.Store.GetNetwork(ctx, order.PayNetworkID)
	if err != nil {
		return nil, err
	}

	// the previous address is usually back in the pool by now
	entry, err := s.Allocator.Allocate(ctx, order.PayNetworkID, id, order.PaymentAddr)
	if err != nil {
		return nil, err
	}
	if err := s.Allocator.ReleaseAddress(ctx, family, order.PaymentAddr, id); err != nil {
		s.Log.Warn("failed to release previous address", zap.String("order_id", id), zap.Error(err))
	}

	baseline, err := s.baseline(ctx, network.Code, entry.Address)
	var ok bool
	if err == nil {
		ok, err = s.Store.ReissueOrder(ctx, id, entry.Address, memo, s.Now().Add(s.TTL), baseline)
	}
	if err == nil && !ok {
		err = fmt.Errorf("%w: order changed during regenerate", ErrInvalidTransition)
	}
	if err != nil {
		if rerr := s.Allocator.ReleaseAddress(ctx, family, entry.Address, id); rerr != nil {
			s.Log.Error("failed to release address after regenerate error", zap.String("order_id", id), zap.Error(rerr))
		}
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(models.OrderWaitingPayment)).Inc()
	s.Log.Info("order regenerated",
		zap.String("order_id", id),
		zap.String("address", entry.Address),
		zap.String("previous_address", order.PaymentAddr),
	)
	s.watch(ctx, order.PayNetworkID, entry.Address)
	return s.Store.GetOrder(ctx, id)
}

// baseline snapshots the deposit address so that funds already on it, such
// as a partial payment to an earlier order, are not credited to this one.
func (s *Service) baseline(ctx context.Context, networkCode, address string) (models.Baseline, error) {
	if s.Chains == nil {
		return models.Baseline{Balance: decimal.Zero}, nil
	}
	ep, err := s.Chains.Get(networkCode)
	if err != nil {
		return models.Baseline{}, err
	}
	latest, err := ep.Reader.LatestBlock(ctx)
	if err != nil {
		s.Log.Warn("baseline read failed", zap.String("network", networkCode), zap.Error(err))
		return models.Baseline{}, fmt.Errorf("%w: chain unavailable for %s", apperr.ErrTransient, networkCode)
	}
	balance, err := ep.Reader.NativeBalance(ctx, address, &latest)
	if err != nil {
		s.Log.Warn("baseline read failed", zap.String("network", networkCode), zap.String("address", address), zap.Error(err))
		return models.Baseline{}, fmt.Errorf("%w: chain unavailable for %s", apperr.ErrTransient, networkCode)
	}
	return models.Baseline{Block: latest, Balance: decimal.NewFromBigInt(balance, 0)}, nil
}

func (s *Service) activeCoinNetwork(ctx context.Context, coinID, networkID string) (*models.CoinNetwork, error) {
	cn, err := s.Store.GetCoinNetwork(ctx, coinID, networkID)
	if err != nil {
		return nil, insufficient(err, coinID+"@"+networkID)
	}
	if !cn.IsActive {
		return nil, fmt.Errorf("%w: %s@%s inactive", ErrInsufficientData, coinID, networkID)
	}
	return cn, nil
}

func (s *Service) releaseAndUnwatch(ctx context.Context, order *models.Order) {
	if _, err := s.Allocator.Release(ctx, order.ID); err != nil {
		s.Log.Error("failed to release address", zap.String("order_id", order.ID), zap.Error(err))
	}
	if s.Watcher == nil {
		return
	}
	if err := s.Watcher.Unwatch(ctx, order.PayNetworkID, []string{order.PaymentAddr}); err != nil {
		s.Log.Warn("failed to unwatch address", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) watch(ctx context.Context, networkID, address string) {
	if s.Watcher == nil {
		return
	}
	if err := s.Watcher.Watch(ctx, networkID, []string{address}); err != nil {
		s.Log.Warn("failed to watch address", zap.String("address", address), zap.Error(err))
	}
}

func insufficient(err error, what string) error {
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, chain.ErrUnknownFamily) {
		return fmt.Errorf("%w: %s", ErrInsufficientData, what)
	}
	return err
}
