package external

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creditgate/internal/types"
)

// Purchase types the ledger books a notification under.
const (
	ledgerPurchaseSubscription = "subscription"
	ledgerPurchaseCreditPack   = "credit_pack"
)

// LedgerConfig configures the backend ledger client.
type LedgerConfig struct {
	BaseURL      string
	ServiceToken types.SecretString
	Retry        RetryPolicy
	Timeout      time.Duration
}

// LedgerClient talks to the backend that owns credit balances.
type LedgerClient struct {
	*BaseClient
	baseURL string
	token   types.SecretString
}

// NewLedgerClient creates a LedgerClient.
func NewLedgerClient(cfg LedgerConfig, opts ...BaseClientOption) *LedgerClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LedgerClient{
		BaseClient: NewBaseClient(
			&http.Client{Timeout: timeout},
			"credit-ledger",
			cfg.Retry,
			"CreditGate/1.0",
			types.ErrCodeUpstreamLedgerUnavailable,
			opts...,
		),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.ServiceToken,
	}
}

type creditsResponse struct {
	Credits int `json:"credits"`
}

type useCreditRequest struct {
	UserID        string `json:"user_id"`
	Mode          string `json:"mode"`
	TransactionID string `json:"transaction_id"`
}

type useCreditResponse struct {
	Success          bool   `json:"success"`
	RemainingCredits int    `json:"remaining_credits"`
	Message          string `json:"message"`
}

type purchaseNotificationRequest struct {
	UserID         string         `json:"user_id"`
	ProductID      string         `json:"product_id"`
	TransactionID  string         `json:"transaction_id"`
	PurchaseType   string         `json:"purchase_type"`
	RevenueCatData map[string]any `json:"revenue_cat_data"`
}

type creditCostsResponse struct {
	ServiceCosts map[string]int `json:"service_costs"`
}

// FetchCreditBalance returns the user's authoritative credit balance.
func (c *LedgerClient) FetchCreditBalance(ctx context.Context, userID string) (int, error) {
	r, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/subscriptions/credits/"+url.PathEscape(userID), c.authHeader(), nil)
	if err != nil {
		return 0, err
	}
	if !r.ok() {
		return 0, c.unexpectedStatus(r)
	}

	var payload creditsResponse
	if err := c.decodeJSON(r, &payload); err != nil {
		return 0, err
	}
	return payload.Credits, nil
}

// SpendCredits debits the feature's cost. The ledger prices the feature
// itself; a 402 means the balance would go negative.
func (c *LedgerClient) SpendCredits(ctx context.Context, userID string, req types.SpendRequest) (int, error) {
	r, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/subscriptions/use-credit", c.authHeader(), useCreditRequest{
		UserID:        userID,
		Mode:          string(req.Feature),
		TransactionID: req.TransactionID,
	})
	if err != nil {
		return 0, err
	}
	if r.StatusCode == http.StatusPaymentRequired {
		return 0, types.ErrInsufficientCredits
	}
	if !r.ok() {
		return 0, c.unexpectedStatus(r)
	}

	var payload useCreditResponse
	if err := c.decodeJSON(r, &payload); err != nil {
		return 0, err
	}
	if !payload.Success {
		return 0, types.ErrInsufficientCredits
	}
	return payload.RemainingCredits, nil
}

// NotifyPurchase books a completed platform purchase.
func (c *LedgerClient) NotifyPurchase(ctx context.Context, n types.PurchaseNotification) error {
	purchaseType := ledgerPurchaseSubscription
	if n.Kind == types.KindCreditPack {
		purchaseType = ledgerPurchaseCreditPack
	}
	data := n.PlatformMetadata
	if data == nil {
		data = map[string]any{}
	}

	r, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/subscriptions/purchase-notification", c.authHeader(), purchaseNotificationRequest{
		UserID:         n.UserID,
		ProductID:      n.ProductID,
		TransactionID:  n.TransactionID,
		PurchaseType:   purchaseType,
		RevenueCatData: data,
	})
	if err != nil {
		return err
	}
	if !r.ok() {
		return c.unexpectedStatus(r)
	}
	return nil
}

// FetchCreditCosts returns the ledger's per-feature price list.
func (c *LedgerClient) FetchCreditCosts(ctx context.Context) (map[types.Feature]int, error) {
	r, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/subscriptions/credit-costs", c.authHeader(), nil)
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		return nil, c.unexpectedStatus(r)
	}

	var payload creditCostsResponse
	if err := c.decodeJSON(r, &payload); err != nil {
		return nil, err
	}
	out := make(map[types.Feature]int, len(payload.ServiceCosts))
	for k, v := range payload.ServiceCosts {
		out[types.ParseFeature(k)] = v
	}
	return out, nil
}

func (c *LedgerClient) authHeader() http.Header {
	h := http.Header{}
	if tok := c.token.Unmask(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}
