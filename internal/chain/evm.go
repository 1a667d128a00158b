package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"SwapGateway/internal/apperr"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	transferTopic    = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceSelector  = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

const nativeTransferGas = 21000

// EVMClient reads balances and ERC-20 Transfer logs and, when a private key
// is configured, sends payouts from the corresponding account.
type EVMClient struct {
	client *ethclient.Client
	key    *ecdsa.PrivateKey
	from   common.Address
	// MaxLogRange bounds each eth_getLogs window.
	MaxLogRange uint64

	sendMu  sync.Mutex
	chainID *big.Int
}

func DialEVM(ctx context.Context, endpoint, privateKeyHex string) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c := &EVMClient{client: client, MaxLogRange: 5000}
	if privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"); privateKeyHex != "" {
		key, err := crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: invalid payout private key: %v", apperr.ErrConfig, err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

func (c *EVMClient) Close() {
	c.client.Close()
}

// CanSend reports whether a payout key is loaded.
func (c *EVMClient) CanSend() bool {
	return c.key != nil
}

func (c *EVMClient) LatestBlock(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func (c *EVMClient) NativeBalance(ctx context.Context, address string, block *uint64) (*big.Int, error) {
	var at *big.Int
	if block != nil {
		at = new(big.Int).SetUint64(*block)
	}
	return c.client.BalanceAt(ctx, common.HexToAddress(address), at)
}

func (c *EVMClient) TransferLogs(ctx context.Context, contract, to string, fromBlock uint64) ([]TransferLog, error) {
	latest, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	toTopic := common.BytesToHash(common.HexToAddress(to).Bytes())
	step := c.MaxLogRange
	if step == 0 {
		step = latest + 1
	}

	var out []TransferLog
	for start := fromBlock; start <= latest; start += step {
		end := start + step - 1
		if end > latest {
			end = latest
		}
		logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{common.HexToAddress(contract)},
			Topics:    [][]common.Hash{{transferTopic}, nil, {toTopic}},
		})
		if err != nil {
			return nil, err
		}
		for _, lg := range logs {
			out = append(out, TransferLog{
				TxHash:      lg.TxHash.Hex(),
				BlockNumber: lg.BlockNumber,
				Amount:      new(big.Int).SetBytes(lg.Data),
				Removed:     lg.Removed,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (c *EVMClient) SendNative(ctx context.Context, to string, amount *big.Int, record RecordFunc) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("%w: payout key not configured", apperr.ErrConfig)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}
	balance, err := c.client.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return "", err
	}
	fee := new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas))
	if balance.Cmp(new(big.Int).Add(amount, fee)) < 0 {
		return "", fmt.Errorf("%w: have %s need %s plus fee", ErrInsufficientBalance, balance, amount)
	}
	recipient := common.HexToAddress(to)
	return c.signAndSend(ctx, &recipient, amount, nativeTransferGas, gasPrice, nil, record)
}

func (c *EVMClient) SendToken(ctx context.Context, contract, to string, amount *big.Int, record RecordFunc) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("%w: payout key not configured", apperr.ErrConfig)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	token := common.HexToAddress(contract)
	held, err := c.tokenBalance(ctx, token)
	if err != nil {
		return "", err
	}
	if held.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: token balance %s below %s", ErrInsufficientBalance, held, amount)
	}

	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &token, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}
	return c.signAndSend(ctx, &token, big.NewInt(0), gas, gasPrice, data, record)
}

func (c *EVMClient) tokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	data := append(append([]byte{}, balanceSelector...), common.LeftPadBytes(c.from.Bytes(), 32)...)
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// signAndSend signs under sendMu, hands the result to record and only then
// broadcasts, so the nonce is never reused for an unrecorded transfer.
func (c *EVMClient) signAndSend(ctx context.Context, to *common.Address, value *big.Int, gas uint64, gasPrice *big.Int, data []byte, record RecordFunc) (string, error) {
	if c.chainID == nil {
		id, err := c.client.ChainID(ctx)
		if err != nil {
			return "", err
		}
		c.chainID = id
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", err
	}
	hash := signed.Hash().Hex()
	if record != nil {
		if err := record(ctx, SignedTx{Hash: hash, Raw: raw}); err != nil {
			return "", err
		}
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	return hash, nil
}

func (c *EVMClient) Rebroadcast(ctx context.Context, raw []byte) error {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decode signed tx: %w", err)
	}
	err := c.client.SendTransaction(ctx, &tx)
	if err == nil || isKnownTx(err) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBroadcast, err)
}

// isKnownTx matches the geth and erigon answers for a tx already in the pool.
func isKnownTx(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func (c *EVMClient) TxState(ctx context.Context, hash string) (TxState, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return TxUnknown, nil
	}
	if err != nil {
		return TxUnknown, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxSucceeded, nil
	}
	return TxReverted, nil
}
