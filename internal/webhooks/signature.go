package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"SwapGateway/internal/apperr"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Alchemy-Signature"

func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the body in constant time. An
// empty key never verifies.
func VerifySignature(body []byte, signature, key string) bool {
	if key == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type activityItem struct {
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Hash        string `json:"hash"`
	Asset       string `json:"asset"`
}

type activityPayload struct {
	WebhookID string `json:"webhookId"`
	Event     *struct {
		Network  string         `json:"network"`
		Activity []activityItem `json:"activity"`
	} `json:"event"`
	Activity []activityItem `json:"activity"`
}

// Activity is what an inbound notification tells us: the recipient
// addresses that saw a transfer. Network is informational only.
type Activity struct {
	WebhookID string
	Network   string
	Addresses []string
}

// ParseActivity extracts recipient addresses from either the nested
// event.activity list or a top-level activity list.
func ParseActivity(body []byte) (*Activity, error) {
	var p activityPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed activity payload", apperr.ErrValidation)
	}
	items := p.Activity
	out := &Activity{WebhookID: p.WebhookID}
	if p.Event != nil {
		out.Network = p.Event.Network
		items = append(items, p.Event.Activity...)
	}
	seen := map[string]struct{}{}
	for _, it := range items {
		addr := strings.TrimSpace(it.ToAddress)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Addresses = append(out.Addresses, addr)
	}
	return out, nil
}
