package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpcResult(w http.ResponseWriter, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": -1, "result": result})
}

func transferTx(hash, height, recipient, amount string, code int) map[string]any {
	return map[string]any{
		"hash":   hash,
		"height": height,
		"tx_result": map[string]any{
			"code": code,
			"events": []map[string]any{
				{"type": "transfer", "attributes": []map[string]string{
					{"key": "recipient", "value": recipient},
					{"key": "sender", "value": "sender1"},
					{"key": "amount", "value": amount},
				}},
				{"type": "coin_received", "attributes": []map[string]string{
					{"key": "receiver", "value": recipient},
					{"key": "amount", "value": amount},
				}},
			},
		},
	}
}

func newTendermintServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			rpcResult(w, map[string]any{"sync_info": map[string]string{"latest_block_height": "120"}})
		case "/tx_search":
			assert.Contains(t, r.URL.Query().Get("query"), "transfer.recipient='deposit1'")
			rpcResult(w, map[string]any{
				"total_count": "4",
				"txs": []any{
					transferTx("AA", "100", "deposit1", "700uatom", 0),
					transferTx("AA", "100", "deposit1", "700uatom", 0),
					transferTx("BB", "110", "deposit1", "300uatom,5uosmo", 0),
					transferTx("CC", "111", "deposit1", "999uatom", 5),
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestCosmosNativeBalanceSumsTransfers(t *testing.T) {
	srv := newTendermintServer(t)
	defer srv.Close()

	c := NewCosmosClient(NewRPCClient(srv.URL), "uatom")
	bal, err := c.NativeBalance(context.Background(), "deposit1", nil)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.String())

	at := uint64(105)
	bal, err = c.NativeBalance(context.Background(), "deposit1", &at)
	require.NoError(t, err)
	assert.Equal(t, "700", bal.String())

	latest, err := c.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(120), latest)

	_, err = c.TransferLogs(context.Background(), "", "deposit1", 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMultiRPCFailsOver(t *testing.T) {
	var downHits int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&downHits, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := newTendermintServer(t)
	defer up.Close()

	m, err := NewMultiRPCClient([]string{down.URL, up.URL + "/", down.URL}, 1)
	require.NoError(t, err)
	assert.Equal(t, down.URL, m.BaseURL())

	h, err := m.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), h)
	assert.Equal(t, up.URL, m.BaseURL())

	_, err = m.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&downHits))
}

func TestRPCErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": -32603, "message": "Internal error", "data": "height too high"}})
	}))
	defer srv.Close()

	_, err := NewRPCClient(srv.URL).LatestHeight(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "height too high"))
}

func TestParseWSTxAndRecipients(t *testing.T) {
	msg := `{"jsonrpc":"2.0","id":1,"result":{"query":"tm.event='Tx'","data":{"type":"tendermint/event/Tx","value":{"TxResult":{"height":"42","hash":"ab12","result":{"code":0,"events":[
		{"type":"transfer","attributes":[{"key":"recipient","value":"deposit1"},{"key":"amount","value":"10uatom"}]},
		{"type":"coin_received","attributes":[{"key":"receiver","value":"deposit1"},{"key":"amount","value":"10uatom"}]},
		{"type":"transfer","attributes":[{"key":"recipient","value":"other1"},{"key":"amount","value":"10uosmo"}]}
	]}}}}}}`
	tx, ok, err := ParseWSTx([]byte(msg))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), tx.Height)
	assert.Equal(t, "AB12", tx.Hash)
	assert.Equal(t, []string{"deposit1"}, Recipients(tx, "uatom"))

	_, ok, err = ParseWSTx([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMultiRPCKeepsEndpointOnNodeErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": -32603, "message": "Internal error"}})
	}))
	defer srv.Close()
	other := newTendermintServer(t)
	defer other.Close()

	m, err := NewMultiRPCClient([]string{srv.URL, other.URL}, 1)
	require.NoError(t, err)
	_, err = m.LatestHeight(context.Background())
	require.Error(t, err)
	assert.Equal(t, srv.URL, m.BaseURL())
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDefaultWSEndpoint(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://rpc.example", "wss://rpc.example/websocket"},
		{"http://node:26657/", "ws://node:26657/websocket"},
		{"https://rpc.cosmos.directory/cosmoshub", "wss://rpc.cosmos.directory/cosmoshub/websocket"},
		{"wss://node/websocket", "wss://node/websocket"},
		{"tcp://node:26657", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DefaultWSEndpoint(c.in), c.in)
	}
}

func TestAttrTextDecodesLegacyBase64(t *testing.T) {
	assert.Equal(t, "recipient", attrText("cmVjaXBpZW50"))
	assert.Equal(t, "700uatom", attrText("700uatom"))
	assert.Equal(t, "deposit1", attrText("deposit1"))
}
