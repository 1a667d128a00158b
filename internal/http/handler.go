package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"SwapGateway/internal/chain"
	"SwapGateway/internal/expiry"
	"SwapGateway/internal/models"
	"SwapGateway/internal/orders"
	"SwapGateway/internal/payout"
	paymentvalidator "SwapGateway/internal/validator"
	"SwapGateway/internal/webhooks"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type OrderService interface {
	Create(ctx context.Context, in orders.CreateInput) (*models.Order, error)
	Get(ctx context.Context, id string) (*models.Order, error)
	Cancel(ctx context.Context, id string) (*models.Order, error)
	Fail(ctx context.Context, id, reason string) (*models.Order, error)
	Regenerate(ctx context.Context, id string) (*models.Order, error)
}

type PaymentValidator interface {
	Validate(ctx context.Context, orderID string) (paymentvalidator.Outcome, error)
	ValidateAddresses(ctx context.Context, addresses []string) ([]paymentvalidator.Outcome, error)
	ValidateOpen(ctx context.Context) (paymentvalidator.Summary, error)
	RetryPayouts(ctx context.Context) (int, error)
}

type PayoutDispatcher interface {
	Payout(ctx context.Context, orderID string) (payout.Result, error)
}

type ExpirySweeper interface {
	Sweep(ctx context.Context) (expiry.Result, error)
}

type AddressReconciler interface {
	Reconcile(ctx context.Context) (webhooks.ReconcileResult, error)
}

type PoolDeriver interface {
	DeriveBatch(ctx context.Context, family chain.Family, count int) ([]*models.WalletPoolEntry, error)
}

type Handler struct {
	Orders     OrderService
	Validator  PaymentValidator
	Payouts    PayoutDispatcher
	Sweeper    ExpirySweeper
	Webhooks   AddressReconciler
	Pool       PoolDeriver
	SigningKey string
	Log        *zap.Logger

	validate *validator.Validate
}

func NewHandler(orderSvc OrderService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Orders: orderSvc, Log: log, validate: validator.New()}
}

// createOrderRequest accepts the pair in one of three forms: catalog ids,
// symbol and network code, or payment option ids.
type createOrderRequest struct {
	BuyCoinID    string `json:"buyCoinId"`
	BuyNetworkID string `json:"buyNetworkId"`
	PayCoinID    string `json:"payCoinId"`
	PayNetworkID string `json:"payNetworkId"`

	BuyCoin    string `json:"buyCoin"`
	BuyNetwork string `json:"buyNetwork"`
	PayCoin    string `json:"payCoin"`
	PayNetwork string `json:"payNetwork"`

	BuyOptionID string `json:"buyOptionId" validate:"required_with=PayOptionID"`
	PayOptionID string `json:"payOptionId" validate:"required_with=BuyOptionID"`

	Amount           string  `json:"amount" validate:"required,numeric"`
	ReceivingAddress string  `json:"receivingAddress" validate:"required,max=128"`
	ReceivingMemo    *string `json:"receivingMemo" validate:"omitempty,max=64"`
}

func (req *createOrderRequest) pair() orders.PairInput {
	switch {
	case req.BuyOptionID != "":
		return orders.PairByOption{BuyOptionID: req.BuyOptionID, PayOptionID: req.PayOptionID}
	case req.BuyCoinID != "" || req.PayCoinID != "":
		return orders.PairByID{Pair: models.Pair{
			BuyCoinID:    req.BuyCoinID,
			BuyNetworkID: req.BuyNetworkID,
			PayCoinID:    req.PayCoinID,
			PayNetworkID: req.PayNetworkID,
		}}
	}
	return orders.PairBySymbol{
		BuyCoin:    req.BuyCoin,
		BuyNetwork: req.BuyNetwork,
		PayCoin:    req.PayCoin,
		PayNetwork: req.PayNetwork,
	}
}

type orderResponse struct {
	OrderID               string  `json:"orderId"`
	Status                string  `json:"status"`
	BuyCoinID             string  `json:"buyCoinId"`
	BuyNetworkID          string  `json:"buyNetworkId"`
	PayCoinID             string  `json:"payCoinId"`
	PayNetworkID          string  `json:"payNetworkId"`
	Amount                string  `json:"amount"`
	PriceRate             string  `json:"priceRate"`
	PayAmount             string  `json:"payAmount"`
	PaymentAddress        string  `json:"paymentAddress"`
	PaymentMemo           *string `json:"paymentMemo,omitempty"`
	ReceivingAddress      string  `json:"receivingAddress"`
	ReceivingMemo         *string `json:"receivingMemo,omitempty"`
	ReceivedAmount        string  `json:"receivedAmount"`
	TxHash                *string `json:"txHash,omitempty"`
	Confirmations         int     `json:"confirmations"`
	RequiredConfirmations int     `json:"requiredConfirmations"`
	PayoutHash            *string `json:"payoutHash,omitempty"`
	PayoutAt              string  `json:"payoutAt,omitempty"`
	ExpiresAt             string  `json:"expiresAt"`
	CreatedAt             string  `json:"createdAt"`
}

func toResponse(o *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:               o.ID,
		Status:                string(o.Status),
		BuyCoinID:             o.BuyCoinID,
		BuyNetworkID:          o.BuyNetworkID,
		PayCoinID:             o.PayCoinID,
		PayNetworkID:          o.PayNetworkID,
		Amount:                o.Amount.String(),
		PriceRate:             o.PriceRate.String(),
		PayAmount:             o.PayAmount.String(),
		PaymentAddress:        o.PaymentAddr,
		PaymentMemo:           o.PaymentMemo,
		ReceivingAddress:      o.ReceivingAddr,
		ReceivingMemo:         o.ReceivingMemo,
		ReceivedAmount:        o.ReceivedAmount.String(),
		TxHash:                o.TxHash,
		Confirmations:         o.Confirmations,
		RequiredConfirmations: o.RequiredConfirmations,
		PayoutHash:            o.PayoutHash,
		ExpiresAt:             o.ExpiresAt.Format(time.RFC3339),
		CreatedAt:             o.CreatedAt.Format(time.RFC3339),
	}
	if o.PayoutAt != nil {
		resp.PayoutAt = o.PayoutAt.Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal number")
		return
	}

	order, err := h.Orders.Create(r.Context(), orders.CreateInput{
		Pair:          req.pair(),
		Amount:        amount,
		ReceivingAddr: req.ReceivingAddress,
		ReceivingMemo: req.ReceivingMemo,
	})
	if err != nil {
		h.logFailure("create order failed", "", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(order))
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

// orderAction adapts a service call on one order id to a handler.
func (h *Handler) orderAction(op string, fn func(ctx context.Context, id string) (*models.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := chi.URLParam(r, "orderId")
		if orderID == "" {
			writeError(w, http.StatusBadRequest, "missing order id")
			return
		}
		order, err := fn(r.Context(), orderID)
		if err != nil {
			h.logFailure(op+" failed", orderID, err)
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(order))
	}
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction("get order", h.Orders.Get)(w, r)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction("cancel order", h.Orders.Cancel)(w, r)
}

func (h *Handler) RegenerateOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction("regenerate order", h.Orders.Regenerate)(w, r)
}

func (h *Handler) FailOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	h.orderAction("fail order", func(ctx context.Context, id string) (*models.Order, error) {
		return h.Orders.Fail(ctx, id, body.Reason)
	})(w, r)
}

// AddressActivity receives signed push notifications and validates every
// open order paying to one of the reported addresses.
func (h *Handler) AddressActivity(w http.ResponseWriter, r *http.Request) {
	if h.SigningKey == "" {
		writeError(w, http.StatusPreconditionFailed, "webhook signing key not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !webhooks.VerifySignature(body, r.Header.Get(webhooks.SignatureHeader), h.SigningKey) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	activity, err := webhooks.ParseActivity(body)
	if err != nil {
		writeErr(w, err)
		return
	}

	outcomes, err := h.Validator.ValidateAddresses(r.Context(), activity.Addresses)
	if err != nil {
		// answered with 200 anyway; the periodic pass retries these orders
		h.Log.Warn("activity validation incomplete", zap.String("network", activity.Network), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"addresses": len(activity.Addresses),
		"validated": len(outcomes),
	})
}

func (h *Handler) ValidateOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	out, err := h.Validator.Validate(r.Context(), orderID)
	if err != nil {
		h.logFailure("validate order failed", orderID, err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ValidateOpen(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Validator.ValidateOpen(r.Context())
	if err != nil {
		h.logFailure("validate open orders failed", "", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) TriggerPayout(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	res, err := h.Payouts.Payout(r.Context(), orderID)
	if err != nil {
		h.logFailure("payout failed", orderID, err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":     orderID,
		"txHash":      res.TxHash,
		"alreadyPaid": res.AlreadyPaid,
	})
}

func (h *Handler) RetryPayouts(w http.ResponseWriter, r *http.Request) {
	n, err := h.Validator.RetryPayouts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"paid": n})
}

func (h *Handler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.logFailure("expiry sweep failed", "", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SyncWebhooks(w http.ResponseWriter, r *http.Request) {
	if mode := r.URL.Query().Get("mode"); mode != "" && mode != "replace" {
		writeError(w, http.StatusBadRequest, "unsupported mode "+mode)
		return
	}
	res, err := h.Webhooks.Reconcile(r.Context())
	if err != nil {
		h.logFailure("webhook sync failed", "", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "synced": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": res})
}

type deriveRequest struct {
	Family string `json:"family" validate:"required"`
	Count  int    `json:"count" validate:"required,min=1,max=1000"`
}

func (h *Handler) DerivePool(w http.ResponseWriter, r *http.Request) {
	var req deriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err))
		return
	}
	family, err := chain.ParseFamily(req.Family)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown chain family")
		return
	}
	entries, err := h.Pool.DeriveBatch(r.Context(), family, req.Count)
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		addrs = append(addrs, e.Address)
	}
	if err != nil {
		h.logFailure("derive pool failed", "", err)
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "derived": addrs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"family": family, "derived": addrs})
}

func (h *Handler) logFailure(msg, orderID string, err error) {
	fields := []zap.Field{zap.Error(err)}
	if orderID != "" {
		fields = append(fields, zap.String("order_id", orderID))
	}
	if statusFor(err) >= http.StatusInternalServerError {
		h.Log.Error(msg, fields...)
		return
	}
	h.Log.Info(msg, fields...)
}
