package chain

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var errNotConnected = errors.New("ws not connected")

// WSClient subscribes to Tendermint events over the RPC websocket.
type WSClient struct {
	Endpoint string
	// ReadTimeout bounds a single Read; zero waits forever.
	ReadTimeout time.Duration

	conn   *websocket.Conn
	nextID atomic.Int64
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Close may be called more than once and concurrently with Read.
func (c *WSClient) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		Query string `json:"query"`
	} `json:"params"`
}

func (c *WSClient) Subscribe(ctx context.Context, query string) error {
	if c.conn == nil {
		return errNotConnected
	}
	req := subscribeRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: "subscribe"}
	req.Params.Query = query
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	return c.conn.WriteJSON(req)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

// Recipients lists the distinct recipients of denom transfers in tx.
func Recipients(tx *Tx, denom string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range ExtractTransfers(tx.Events, denom) {
		if _, ok := seen[t.Recipient]; ok {
			continue
		}
		seen[t.Recipient] = struct{}{}
		out = append(out, t.Recipient)
	}
	return out
}

type wsTxEvent struct {
	Type  string `json:"type"`
	Value struct {
		TxResult struct {
			Height string        `json:"height"`
			Hash   string        `json:"hash"`
			Tx     string        `json:"tx"`
			Result rpcExecResult `json:"result"`
		} `json:"TxResult"`
	} `json:"value"`
}

// ParseWSTx decodes a subscription message. ok is false for messages that
// carry no Tx event, such as the subscribe acknowledgement.
func ParseWSTx(msg []byte) (tx *Tx, ok bool, err error) {
	var env struct {
		Result struct {
			Data json.RawMessage `json:"data"`
		} `json:"result"`
		Error *rpcError `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, env.Error
	}
	if len(env.Result.Data) == 0 {
		return nil, false, nil
	}

	var ev wsTxEvent
	if err := json.Unmarshal(env.Result.Data, &ev); err != nil {
		return nil, false, err
	}
	if !strings.HasSuffix(ev.Type, "/Tx") {
		return nil, false, nil
	}
	res := ev.Value.TxResult
	height, err := parseHeight(res.Height)
	if err != nil {
		return nil, false, err
	}

	hash := strings.TrimSpace(res.Hash)
	if hash == "" {
		hash = hashOfTx(res.Tx)
	}
	return &Tx{
		Hash:      strings.ToUpper(hash),
		Height:    height,
		Code:      res.Result.Code,
		Events:    res.Result.events(),
		Timestamp: time.Now().UTC(),
	}, true, nil
}

// hashOfTx is the Tendermint tx hash: sha256 of the raw tx bytes.
func hashOfTx(txBase64 string) string {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil || len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
