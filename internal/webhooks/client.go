package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"SwapGateway/internal/metrics"
	"SwapGateway/internal/retry"

	"go.uber.org/zap"
)

const updatePath = "/api/update-webhook-addresses"

// StatusError is a non-2xx answer of the notification API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notify api status %d: %s", e.Code, e.Body)
}

// Retryable reports whether a call failing with err is worth repeating:
// rate limiting, server errors and transport failures.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// Client talks to an address-activity notification API that keeps one
// address list per webhook id.
type Client struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
	Retry     retry.Policy
	Log       *zap.Logger
}

func NewClient(baseURL, authToken string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AuthToken: authToken,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
		Retry:     retry.Policy{Attempts: 4, Initial: 500 * time.Millisecond, Max: 8 * time.Second},
		Log:       log,
	}
}

type patchRequest struct {
	WebhookID         string   `json:"webhook_id"`
	AddressesToAdd    []string `json:"addresses_to_add"`
	AddressesToRemove []string `json:"addresses_to_remove"`
}

type replaceRequest struct {
	WebhookID string   `json:"webhook_id"`
	Addresses []string `json:"addresses"`
}

func (c *Client) Add(ctx context.Context, webhookID string, addresses []string) error {
	return c.send(ctx, http.MethodPatch, "add", patchRequest{
		WebhookID:         webhookID,
		AddressesToAdd:    addresses,
		AddressesToRemove: []string{},
	})
}

func (c *Client) Remove(ctx context.Context, webhookID string, addresses []string) error {
	return c.send(ctx, http.MethodPatch, "remove", patchRequest{
		WebhookID:         webhookID,
		AddressesToAdd:    []string{},
		AddressesToRemove: addresses,
	})
}

// Replace overwrites the whole address list of webhookID.
func (c *Client) Replace(ctx context.Context, webhookID string, addresses []string) error {
	if addresses == nil {
		addresses = []string{}
	}
	return c.send(ctx, http.MethodPut, "replace", replaceRequest{WebhookID: webhookID, Addresses: addresses})
}

func (c *Client) send(ctx context.Context, method, op string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	policy := c.Retry
	policy.Retryable = Retryable
	return retry.Do(ctx, policy, func(attempt int) error {
		err := c.do(ctx, method, body)
		status := "ok"
		if err != nil {
			status = "error"
			var se *StatusError
			if errors.As(err, &se) {
				status = strconv.Itoa(se.Code)
			}
			c.Log.Warn("notify api call failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		metrics.WebhookCalls.WithLabelValues(op, status).Inc()
		return err
	})
}

func (c *Client) do(ctx context.Context, method string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+updatePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alchemy-Token", c.AuthToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
