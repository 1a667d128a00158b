package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"SwapGateway/internal/apperr"
	"SwapGateway/internal/chain"
	"SwapGateway/internal/expiry"
	"SwapGateway/internal/models"
	"SwapGateway/internal/orders"
	"SwapGateway/internal/payout"
	paymentvalidator "SwapGateway/internal/validator"
	"SwapGateway/internal/webhooks"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "internal-secret"

type fakeOrders struct {
	created orders.CreateInput
	err     error
	failed  string
}

func (f *fakeOrders) order(id string) *models.Order {
	return &models.Order{
		ID:            id,
		BuyCoinID:     "eth",
		BuyNetworkID:  "ethereum",
		PayCoinID:     "usdt",
		PayNetworkID:  "ethereum",
		Amount:        decimal.RequireFromString("0.5"),
		PriceRate:     decimal.RequireFromString("3500"),
		PayAmount:     decimal.RequireFromString("1750"),
		PaymentAddr:   "0xdeposit",
		ReceivingAddr: "0xreceiver",
		Status:        models.OrderWaitingPayment,
		ExpiresAt:     time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC),
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeOrders) Create(_ context.Context, in orders.CreateInput) (*models.Order, error) {
	f.created = in
	if f.err != nil {
		return nil, f.err
	}
	return f.order("o1"), nil
}

func (f *fakeOrders) Get(_ context.Context, id string) (*models.Order, error) {
	if id != "o1" {
		return nil, fmt.Errorf("%w: order %s", apperr.ErrNotFound, id)
	}
	return f.order(id), nil
}

func (f *fakeOrders) Cancel(_ context.Context, id string) (*models.Order, error) {
	o := f.order(id)
	o.Status = models.OrderCanceled
	return o, f.err
}

func (f *fakeOrders) Fail(_ context.Context, id, reason string) (*models.Order, error) {
	f.failed = reason
	o := f.order(id)
	o.Status = models.OrderFailed
	return o, nil
}

func (f *fakeOrders) Regenerate(_ context.Context, id string) (*models.Order, error) {
	return nil, fmt.Errorf("%w: order is not in a failure state", apperr.ErrConflict)
}

type fakeValidator struct {
	addresses []string
}

func (f *fakeValidator) Validate(_ context.Context, id string) (paymentvalidator.Outcome, error) {
	return paymentvalidator.Outcome{OrderID: id, Result: paymentvalidator.ResultNone, Status: models.OrderWaitingPayment}, nil
}

func (f *fakeValidator) ValidateAddresses(_ context.Context, addrs []string) ([]paymentvalidator.Outcome, error) {
	f.addresses = addrs
	return []paymentvalidator.Outcome{{OrderID: "o1"}}, nil
}

func (f *fakeValidator) ValidateOpen(context.Context) (paymentvalidator.Summary, error) {
	return paymentvalidator.Summary{Checked: 3, Changed: 1}, nil
}

func (f *fakeValidator) RetryPayouts(context.Context) (int, error) { return 2, nil }

type fakePayouts struct{}

func (fakePayouts) Payout(_ context.Context, id string) (payout.Result, error) {
	if id == "busy" {
		return payout.Result{}, payout.ErrPayoutInProgress
	}
	return payout.Result{TxHash: "0xpaid"}, nil
}

type fakeSweeper struct{}

func (fakeSweeper) Sweep(context.Context) (expiry.Result, error) {
	return expiry.Result{Expired: 1, Released: 1}, nil
}

type fakeReconciler struct{}

func (fakeReconciler) Reconcile(context.Context) (webhooks.ReconcileResult, error) {
	return webhooks.ReconcileResult{"ethereum": 4}, nil
}

type fakePool struct{}

func (fakePool) DeriveBatch(_ context.Context, family chain.Family, count int) ([]*models.WalletPoolEntry, error) {
	out := make([]*models.WalletPoolEntry, count)
	for i := range out {
		out[i] = &models.WalletPoolEntry{Family: string(family), Address: fmt.Sprintf("addr%d", i)}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeOrders, *fakeValidator) {
	t.Helper()
	ord := &fakeOrders{}
	val := &fakeValidator{}
	h := NewHandler(ord, nil)
	h.Validator = val
	h.Payouts = fakePayouts{}
	h.Sweeper = fakeSweeper{}
	h.Webhooks = fakeReconciler{}
	h.Pool = fakePool{}
	h.SigningKey = "whsec"
	srv := httptest.NewServer(NewServer(h, token).Router)
	t.Cleanup(srv.Close)
	return srv, ord, val
}

func do(t *testing.T, method, url string, body any, header map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestCreateOrderPairForms(t *testing.T) {
	srv, ord, _ := newTestServer(t)

	status, body := do(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"buyCoin": "ETH", "buyNetwork": "ethereum", "payCoin": "USDT", "payNetwork": "ethereum",
		"amount": "0.5", "receivingAddress": "0xreceiver",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "o1", body["orderId"])
	assert.Equal(t, "1750", body["payAmount"])
	assert.Equal(t, "WAITING_PAYMENT", body["status"])
	assert.Equal(t, orders.PairBySymbol{BuyCoin: "ETH", BuyNetwork: "ethereum", PayCoin: "USDT", PayNetwork: "ethereum"}, ord.created.Pair)
	assert.True(t, decimal.RequireFromString("0.5").Equal(ord.created.Amount))

	status, _ = do(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"buyOptionId": "po-eth", "payOptionId": "po-usdt", "amount": "1", "receivingAddress": "0xr",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, orders.PairByOption{BuyOptionID: "po-eth", PayOptionID: "po-usdt"}, ord.created.Pair)

	status, _ = do(t, http.MethodPost, srv.URL+"/orders", map[string]any{
		"buyCoinId": "eth", "buyNetworkId": "ethereum", "payCoinId": "usdt", "payNetworkId": "ethereum",
		"amount": "1", "receivingAddress": "0xr",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.IsType(t, orders.PairByID{}, ord.created.Pair)
}

func TestCreateOrderRejectsBadRequests(t *testing.T) {
	srv, ord, _ := newTestServer(t)

	status, _ := do(t, http.MethodPost, srv.URL+"/orders", []byte("{"), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, http.MethodPost, srv.URL+"/orders", map[string]any{"amount": "abc", "receivingAddress": "0xr"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "Amount")

	status, body = do(t, http.MethodPost, srv.URL+"/orders", map[string]any{"buyOptionId": "po-eth", "amount": "1", "receivingAddress": "0xr"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "PayOptionID")

	ord.err = orders.ErrInsufficientData
	status, body = do(t, http.MethodPost, srv.URL+"/orders", map[string]any{"amount": "1", "receivingAddress": "0xr"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "insufficient data", body["error"])
}

func TestOrderRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	status, body := do(t, http.MethodGet, srv.URL+"/orders/o1", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0xdeposit", body["paymentAddress"])

	status, _ = do(t, http.MethodGet, srv.URL+"/orders/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, http.MethodPost, srv.URL+"/orders/o1/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "CANCELED", body["status"])

	status, body = do(t, http.MethodPost, srv.URL+"/orders/o1/regenerate", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "order is not in a failure state", body["error"])
}

func TestInternalRoutesRequireBearer(t *testing.T) {
	srv, ord, _ := newTestServer(t)

	status, _ := do(t, http.MethodPost, srv.URL+"/internal/orders/validate-open", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = do(t, http.MethodPost, srv.URL+"/internal/orders/validate-open", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := do(t, http.MethodPost, srv.URL+"/internal/orders/validate-open", nil, bearer())
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["checked"])

	status, body = do(t, http.MethodPost, srv.URL+"/internal/orders/o1/validate", nil, bearer())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "NONE", body["result"])

	status, body = do(t, http.MethodPost, srv.URL+"/internal/orders/o1/payout", nil, bearer())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0xpaid", body["txHash"])

	status, _ = do(t, http.MethodPost, srv.URL+"/internal/orders/busy/payout", nil, bearer())
	assert.Equal(t, http.StatusConflict, status)

	status, body = do(t, http.MethodPost, srv.URL+"/internal/orders/o1/fail", map[string]string{"reason": "fraud"}, bearer())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "fraud", ord.failed)

	status, body = do(t, http.MethodPost, srv.URL+"/internal/orders/expire", nil, bearer())
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["expired"])

	status, body = do(t, http.MethodPost, srv.URL+"/internal/webhooks/sync", nil, bearer())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"ethereum": float64(4)}, body["synced"])

	status, _ = do(t, http.MethodPost, srv.URL+"/internal/webhooks/sync?mode=diff", nil, bearer())
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, http.MethodPost, srv.URL+"/internal/pool/derive", map[string]any{"family": "ethereum", "count": 2}, bearer())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "evm", body["family"])
	assert.Len(t, body["derived"], 2)

	status, _ = do(t, http.MethodPost, srv.URL+"/internal/pool/derive", map[string]any{"family": "evm", "count": 0}, bearer())
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, http.MethodPost, srv.URL+"/internal/payouts/retry", nil, bearer())
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["paid"])
}

func TestAddressActivityChecksSignature(t *testing.T) {
	srv, _, val := newTestServer(t)
	payload := []byte(`{"webhookId":"wh_eth","event":{"network":"ETH_MAINNET","activity":[{"toAddress":"0xAbC"},{"toAddress":"0xabc"}]}}`)

	status, _ := do(t, http.MethodPost, srv.URL+"/webhooks/address-activity", payload, map[string]string{webhooks.SignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Nil(t, val.addresses)

	status, body := do(t, http.MethodPost, srv.URL+"/webhooks/address-activity", payload, map[string]string{webhooks.SignatureHeader: webhooks.Sign(payload, "whsec")})
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["addresses"])
	assert.Len(t, val.addresses, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	status, body := do(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{orders.ErrInvalidAmount, http.StatusBadRequest},
		{apperr.ErrNotFound, http.StatusNotFound},
		{payout.ErrPayoutInProgress, http.StatusConflict},
		{chain.ErrSeedNotConfigured, http.StatusPreconditionFailed},
		{fmt.Errorf("wrapped: %w", chain.ErrNoEndpoint), http.StatusPreconditionFailed},
		{apperr.ErrTransient, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
