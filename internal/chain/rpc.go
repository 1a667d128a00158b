package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"SwapGateway/internal/apperr"
)

// RPCClient talks to one Tendermint/CometBFT RPC endpoint over its URI
// (GET) interface.
type RPCClient struct {
	baseURL string
	http    *http.Client
}

func NewRPCClient(baseURL string) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCClient) BaseURL() string {
	return c.baseURL
}

// StatusError is a non-2xx HTTP answer from the node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rpc http status %d", e.Code)
	}
	return fmt.Sprintf("rpc http status %d: %s", e.Code, e.Body)
}

// rpcError is the JSON-RPC error object. It is a node-side answer, not a
// transport failure, so it is never transient.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	return strings.TrimSpace(fmt.Sprintf("rpc error %d: %s %s", e.Code, e.Message, e.Data))
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) LatestHeight(ctx context.Context) (int64, error) {
	var res struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
		} `json:"sync_info"`
	}
	if err := c.call(ctx, "status", nil, &res); err != nil {
		return 0, err
	}
	return parseHeight(res.SyncInfo.LatestBlockHeight)
}

// TxSearch runs a tx_search in ascending height order. query is an event
// query such as transfer.recipient='cosmos1...'.
func (c *RPCClient) TxSearch(ctx context.Context, query string, page, perPage int) (*TxSearchResult, error) {
	params := url.Values{
		"query":    {strconv.Quote(query)},
		"prove":    {"false"},
		"page":     {strconv.Itoa(max(page, 1))},
		"per_page": {strconv.Itoa(max(perPage, 1))},
		"order_by": {`"asc"`},
	}
	var res struct {
		TotalCount string  `json:"total_count"`
		Txs        []rpcTx `json:"txs"`
	}
	if err := c.call(ctx, "tx_search", params, &res); err != nil {
		return nil, err
	}

	total, err := parseHeight(res.TotalCount)
	if err != nil {
		return nil, fmt.Errorf("total_count: %w", err)
	}
	out := &TxSearchResult{TotalCount: total, Txs: make([]Tx, 0, len(res.Txs))}
	for _, raw := range res.Txs {
		tx, err := raw.toTx()
		if err != nil {
			return nil, err
		}
		out.Txs = append(out.Txs, tx)
	}
	return out, nil
}

// call performs one RPC and decodes its result into out. Transport failures,
// 429 and 5xx answers wrap apperr.ErrTransient.
func (c *RPCClient) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := c.baseURL + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", apperr.ErrTransient, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if se.Code == http.StatusTooManyRequests || se.Code >= 500 {
			return fmt.Errorf("%w: %w", apperr.ErrTransient, se)
		}
		return se
	}

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	if env.Error != nil {
		return env.Error
	}
	return json.Unmarshal(env.Result, out)
}

func parseHeight(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("empty integer")
	}
	return strconv.ParseInt(v, 10, 64)
}

type rpcTx struct {
	Hash      string        `json:"hash"`
	Height    string        `json:"height"`
	Timestamp string        `json:"timestamp"`
	Result    rpcExecResult `json:"tx_result"`
}

func (r rpcTx) toTx() (Tx, error) {
	height, err := parseHeight(r.Height)
	if err != nil {
		return Tx{}, fmt.Errorf("tx %s height: %w", r.Hash, err)
	}
	ts, _ := time.Parse(time.RFC3339, r.Timestamp)
	return Tx{
		Hash:      strings.ToUpper(r.Hash),
		Height:    height,
		Code:      r.Result.Code,
		Events:    r.Result.events(),
		Timestamp: ts,
	}, nil
}

// rpcExecResult is the execution result shared by tx_search rows and
// websocket Tx events.
type rpcExecResult struct {
	Code   int `json:"code"`
	Events []struct {
		Type       string `json:"type"`
		Attributes []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"attributes"`
	} `json:"events"`
}

func (r rpcExecResult) events() []Event {
	out := make([]Event, 0, len(r.Events))
	for _, ev := range r.Events {
		e := Event{Type: ev.Type, Attributes: make([]Attribute, 0, len(ev.Attributes))}
		for _, a := range ev.Attributes {
			e.Attributes = append(e.Attributes, Attribute{Key: attrText(a.Key), Value: attrText(a.Value)})
		}
		out = append(out, e)
	}
	return out
}

// attrText undoes the base64 encoding older Tendermint versions apply to
// event attributes. Values that do not decode to printable text are kept.
func attrText(v string) string {
	if v == "" || len(v)%4 != 0 {
		return v
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(b) == 0 || !utf8.Valid(b) {
		return v
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) {
			return v
		}
	}
	return string(b)
}

type TxSearchResult struct {
	TotalCount int64
	Txs        []Tx
}

type Tx struct {
	Hash      string
	Height    int64
	Code      int
	Events    []Event
	Timestamp time.Time
}

type Event struct {
	Type       string
	Attributes []Attribute
}

type Attribute struct {
	Key   string
	Value string
}
