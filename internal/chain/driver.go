package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"SwapGateway/internal/apperr"
)

var (
	ErrUnsupported         = errors.New("operation not supported by chain family")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBroadcast marks failures after the transaction was handed to the
	// node; the transfer may or may not be on chain.
	ErrBroadcast  = errors.New("broadcast failed")
	ErrNoEndpoint = fmt.Errorf("%w: no rpc endpoint configured for network", apperr.ErrConfig)
)

type TransferLog struct {
	TxHash      string
	BlockNumber uint64
	Amount      *big.Int
	Removed     bool
}

// Reader is the read side of a network: balances and inbound transfers.
type Reader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	// NativeBalance returns the balance at block, or at the head when block is nil.
	NativeBalance(ctx context.Context, address string, block *uint64) (*big.Int, error)
	TransferLogs(ctx context.Context, contract, to string, fromBlock uint64) ([]TransferLog, error)
}

// SignedTx is a payout transaction ready for broadcast.
type SignedTx struct {
	Hash string
	Raw  []byte
}

// RecordFunc persists a signed transaction. Send broadcasts only after it
// returns nil.
type RecordFunc func(ctx context.Context, tx SignedTx) error

type TxState int

const (
	// TxUnknown means the node has no receipt: the tx is pending or dropped.
	TxUnknown TxState = iota
	TxSucceeded
	TxReverted
)

// Sender pays out from the network's hot wallet.
type Sender interface {
	SendNative(ctx context.Context, to string, amount *big.Int, record RecordFunc) (string, error)
	SendToken(ctx context.Context, contract, to string, amount *big.Int, record RecordFunc) (string, error)
	// Rebroadcast resends a transaction signed earlier. A node that already
	// knows it is not an error.
	Rebroadcast(ctx context.Context, raw []byte) error
	TxState(ctx context.Context, hash string) (TxState, error)
}

type Endpoint struct {
	Code           string
	Family         Family
	Reader         Reader
	Sender         Sender
	StartBlock     uint64
	LookbackBlocks uint64
}

// ScanFrom returns the first block a token log scan should cover.
func (e *Endpoint) ScanFrom(latest uint64) uint64 {
	from := e.StartBlock
	if e.LookbackBlocks > 0 && latest > e.LookbackBlocks {
		if lb := latest - e.LookbackBlocks + 1; lb > from {
			from = lb
		}
	}
	return from
}

// Registry resolves network codes to their endpoints.
type Registry struct {
	endpoints map[string]*Endpoint
}

func NewRegistry(endpoints ...*Endpoint) *Registry {
	r := &Registry{endpoints: map[string]*Endpoint{}}
	for _, ep := range endpoints {
		r.endpoints[ep.Code] = ep
	}
	return r
}

func (r *Registry) Get(code string) (*Endpoint, error) {
	ep, ok := r.endpoints[code]
	if !ok || ep.Reader == nil {
		return nil, fmt.Errorf("%w %q", ErrNoEndpoint, code)
	}
	return ep, nil
}

func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.endpoints))
	for code := range r.endpoints {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
