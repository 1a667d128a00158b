package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

type tendermintRPC interface {
	LatestHeight(ctx context.Context) (int64, error)
	TxSearch(ctx context.Context, query string, page, perPage int) (*TxSearchResult, error)
}

// CosmosClient reads native bank transfers through Tendermint tx_search.
// The balance it reports is the total ever received by the address, which
// is what a fresh single-use deposit address holds.
type CosmosClient struct {
	rpc     tendermintRPC
	denom   string
	PerPage int
}

func NewCosmosClient(rpc tendermintRPC, denom string) *CosmosClient {
	return &CosmosClient{rpc: rpc, denom: denom, PerPage: 50}
}

func (c *CosmosClient) LatestBlock(ctx context.Context) (uint64, error) {
	h, err := c.rpc.LatestHeight(ctx)
	if err != nil {
		return 0, err
	}
	if h < 0 {
		return 0, fmt.Errorf("negative height %d", h)
	}
	return uint64(h), nil
}

func (c *CosmosClient) NativeBalance(ctx context.Context, address string, block *uint64) (*big.Int, error) {
	total := new(big.Int)
	seen := map[string]struct{}{}
	query := "transfer.recipient='" + address + "'"
	perPage := c.PerPage
	if perPage <= 0 {
		perPage = 50
	}

	for page := 1; ; page++ {
		res, err := c.rpc.TxSearch(ctx, query, page, perPage)
		if err != nil {
			return nil, err
		}
		for _, tx := range res.Txs {
			if tx.Code != 0 {
				continue
			}
			if block != nil && tx.Height > int64(*block) {
				continue
			}
			if _, dup := seen[tx.Hash]; dup {
				continue
			}
			seen[tx.Hash] = struct{}{}
			for _, t := range ExtractTransfers(tx.Events, c.denom) {
				if t.Kind != "transfer" || t.Recipient != address {
					continue
				}
				amt, ok := new(big.Int).SetString(t.Amount, 10)
				if ok {
					total.Add(total, amt)
				}
			}
		}
		if int64(page*perPage) >= res.TotalCount || len(res.Txs) == 0 {
			break
		}
	}
	return total, nil
}

func (c *CosmosClient) TransferLogs(ctx context.Context, contract, to string, fromBlock uint64) ([]TransferLog, error) {
	return nil, fmt.Errorf("%w: cosmos token logs", ErrUnsupported)
}

type Transfer struct {
	Kind      string
	Recipient string
	Amount    string
	Sender    string
}

// ExtractTransfers pulls bank transfers of denom out of tx events. A bank
// send emits both a "transfer" and a "coin_received" event; callers summing
// amounts should use one kind only.
func ExtractTransfers(events []Event, denom string) []Transfer {
	var out []Transfer
	for _, ev := range events {
		var amt, rec, snd string
		switch ev.Type {
		case "transfer":
			for _, attr := range ev.Attributes {
				switch attr.Key {
				case "amount":
					amt = attr.Value
				case "recipient":
					rec = attr.Value
				case "sender":
					snd = attr.Value
				}
			}
		case "coin_received":
			for _, attr := range ev.Attributes {
				switch attr.Key {
				case "amount":
					amt = attr.Value
				case "receiver":
					rec = attr.Value
				}
			}
		default:
			continue
		}
		if rec == "" {
			continue
		}
		if parsed, ok := parseAmountForDenom(amt, denom); ok {
			out = append(out, Transfer{Kind: ev.Type, Recipient: rec, Amount: parsed, Sender: snd})
		}
	}
	return out
}

func parseAmountForDenom(amount string, denom string) (string, bool) {
	for _, coin := range strings.Split(amount, ",") {
		coin = strings.TrimSpace(coin)
		if coin == "" {
			continue
		}
		idx := firstNonDigit(coin)
		if idx <= 0 {
			continue
		}
		if coin[idx:] == denom {
			return coin[:idx], true
		}
	}
	return "", false
}

func firstNonDigit(s string) int {
	for i, r := range s {
		if r < '0' || r > '9' {
			return i
		}
	}
	return -1
}
