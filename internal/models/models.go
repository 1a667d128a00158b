package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending             OrderStatus = "PENDING"
	OrderWaitingPayment      OrderStatus = "WAITING_PAYMENT"
	OrderUnderpaid           OrderStatus = "UNDERPAID"
	OrderWaitingConfirmation OrderStatus = "WAITING_CONFIRMATION"
	OrderConfirmed           OrderStatus = "CONFIRMED"
	OrderCompleted           OrderStatus = "COMPLETED"
	OrderExpired             OrderStatus = "EXPIRED"
	OrderFailed              OrderStatus = "FAILED"
	OrderCanceled            OrderStatus = "CANCELED"
)

type AssetType string

const (
	AssetNative AssetType = "NATIVE"
	AssetToken  AssetType = "TOKEN"
	AssetOther  AssetType = "OTHER"
)

type MemoKind string

const (
	MemoNone MemoKind = "NONE"
	MemoTag  MemoKind = "TAG"
	MemoText MemoKind = "TEXT"
)

type Order struct {
	ID                    string
	BuyCoinID             string
	BuyNetworkID          string
	PayCoinID             string
	PayNetworkID          string
	Amount                decimal.Decimal
	PriceRate             decimal.Decimal
	PayAmount             decimal.Decimal
	PaymentAddr           string
	PaymentMemo           *string
	ReceivingAddr         string
	ReceivingMemo         *string
	Status                OrderStatus
	TxHash                *string
	Confirmations         int
	RequiredConfirmations int
	ReceivedAmount        decimal.Decimal
	PayoutHash            *string
	PayoutAt              *time.Time
	PayoutLockedAt        *time.Time
	// PayoutSignedHash and PayoutSignedTx hold the payout transaction once it
	// is signed, so a retry can look it up or resend it instead of paying
	// twice.
	PayoutSignedHash *string
	PayoutSignedTx   []byte
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (o *Order) Pair() Pair {
	return Pair{
		BuyCoinID:    o.BuyCoinID,
		BuyNetworkID: o.BuyNetworkID,
		PayCoinID:    o.PayCoinID,
		PayNetworkID: o.PayNetworkID,
	}
}

// PaymentRecord tracks the inbound leg of an order. It is written together
// with the order and touched by every validation run.
type PaymentRecord struct {
	OrderID         string
	ExpectedAmount  decimal.Decimal
	AssetType       AssetType
	ContractAddress string
	Decimals        int
	Baseline        Baseline
	LastCheckedAt   *time.Time
	Checks          int
}

// Baseline is the state of a deposit address when it was handed to an order.
// Pooled addresses are reused, so only funds arriving after it count.
type Baseline struct {
	Block uint64
	// Balance is the native balance at Block, in base units.
	Balance decimal.Decimal
}

type WalletPoolEntry struct {
	ID              int64
	Family          string
	DerivationIndex int64
	Address         string
	IsUsed          bool
	AssignedOrder   *string
	CreatedAt       time.Time
}

type HDCursor struct {
	Family     string
	NextIndex  int64
	LastUsedAt time.Time
}

type Coin struct {
	ID       string
	Symbol   string
	Name     string
	IsActive bool
}

type Network struct {
	ID                    string
	Code                  string
	Name                  string
	ChainFamily           string
	RequiredConfirmations int
	IsActive              bool
}

type CoinNetwork struct {
	CoinID          string
	NetworkID       string
	AssetType       AssetType
	ContractAddress string
	Decimals        int
	MemoKind        MemoKind
	IsActive        bool
}

// IsToken reports whether transfers of this asset are observed through
// contract logs rather than the native balance.
func (cn *CoinNetwork) IsToken() bool {
	return cn.ContractAddress != "" && cn.Decimals > 0
}

type PaymentOption struct {
	ID        string
	CoinID    string
	NetworkID string
	IsActive  bool
}

type Pair struct {
	BuyCoinID    string
	BuyNetworkID string
	PayCoinID    string
	PayNetworkID string
}

type ExchangeRate struct {
	Pair
	Rate      decimal.Decimal
	UpdatedAt time.Time
}

// WatchedAddress is one entry of the per-network notification watch list.
type WatchedAddress struct {
	NetworkID string
	Address   string
}

// PaymentUpdate is one validation result applied to an order. Nil fields
// leave the stored value untouched.
type PaymentUpdate struct {
	Status         OrderStatus
	ReceivedAmount decimal.Decimal
	TxHash         *string
	Confirmations  int
	// ExpiresAt only ever pushes the deadline later.
	ExpiresAt *time.Time
}
