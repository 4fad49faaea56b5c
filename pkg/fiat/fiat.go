// Package fiat provides the FiatGateway collaborator of spec.md §4.7 and a
// Revolut Merchant API driver.
package fiat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wisbric/lnvpsd/pkg/opretry"
)

// Order is the result of creating a payment order with the upstream
// processor, spec.md §4.7's `create_order(description, amount) ->
// {external_id, raw_data}`.
type Order struct {
	ExternalID string
	RawData    string // processor's response, stored verbatim for audit/debug
	CheckoutURL string
}

// FiatGateway is the contract one concrete fiat processor implements.
type FiatGateway interface {
	// CreateOrder opens a payable order for amountMinor units of currency
	// (e.g. cents), spec.md §4.4.4.
	CreateOrder(ctx context.Context, description string, amountMinor uint64, currency string) (Order, error)
	// VerifyWebhook checks a webhook body against its signature header,
	// spec.md §5 "the handler MUST verify before acting".
	VerifyWebhook(body []byte, signatureHeader string) bool
}

// RevolutGateway drives the Revolut Merchant API, grounded on
// original_source's fiat/revolut.rs.
type RevolutGateway struct {
	baseURL       string
	apiKey        string
	apiVersion    string
	webhookSecret string
	client        *http.Client
}

// NewRevolutGateway builds a driver against Revolut's merchant API.
func NewRevolutGateway(baseURL, apiKey, webhookSecret string) *RevolutGateway {
	if baseURL == "" {
		baseURL = "https://merchant.revolut.com"
	}
	return &RevolutGateway{
		baseURL:       baseURL,
		apiKey:        apiKey,
		apiVersion:    "2024-09-01",
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

type createOrderRequest struct {
	Amount      uint64 `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

type createOrderResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

func (g *RevolutGateway) CreateOrder(ctx context.Context, description string, amountMinor uint64, currency string) (Order, error) {
	reqBody, err := json.Marshal(createOrderRequest{Amount: amountMinor, Currency: currency, Description: description})
	if err != nil {
		return Order{}, opretry.WrapFatal(fmt.Errorf("encoding revolut order: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/orders", bytes.NewReader(reqBody))
	if err != nil {
		return Order{}, opretry.WrapFatal(fmt.Errorf("building revolut request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Revolut-Api-Version", g.apiVersion)

	resp, err := g.client.Do(req)
	if err != nil {
		return Order{}, opretry.Wrap(fmt.Errorf("calling revolut: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Order{}, opretry.Wrap(fmt.Errorf("reading revolut response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return Order{}, opretry.Wrap(fmt.Errorf("revolut create_order: %d %s", resp.StatusCode, respBody))
	case resp.StatusCode >= 400:
		return Order{}, opretry.Fatalf("revolut create_order: %d %s", resp.StatusCode, respBody)
	}

	var parsed createOrderResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Order{}, opretry.WrapFatal(fmt.Errorf("decoding revolut response: %w", err))
	}

	return Order{ExternalID: parsed.ID, RawData: string(respBody), CheckoutURL: parsed.CheckoutURL}, nil
}

// VerifyWebhook checks signatureHeader as hex(HMAC-SHA256(body, secret)),
// spec.md §5's generic webhook signature format.
func (g *RevolutGateway) VerifyWebhook(body []byte, signatureHeader string) bool {
	if g.webhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

var _ FiatGateway = (*RevolutGateway)(nil)
