package external

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"creditgate/internal/types"
)

// Platform error codes the client maps explicitly.
const (
	platformCodeUserCancelled = "user_cancelled"
)

// PlatformConfig configures the purchase platform client.
type PlatformConfig struct {
	BaseURL string
	APIKey  types.SecretString
	Retry   RetryPolicy
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
}

// PlatformClient talks to the purchase platform's REST API: catalog
// offerings, subscriber status, purchases and restores.
type PlatformClient struct {
	*BaseClient
	baseURL string
	apiKey  types.SecretString
}

// NewPlatformClient creates a PlatformClient.
func NewPlatformClient(cfg PlatformConfig, opts ...BaseClientOption) *PlatformClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PlatformClient{
		BaseClient: NewBaseClient(
			&http.Client{Timeout: timeout},
			"purchase-platform",
			cfg.Retry,
			"CreditGate/1.0",
			types.ErrCodeUpstreamPlatformUnavailable,
			opts...,
		),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

type offeringsResponse struct {
	CurrentOfferingID string `json:"current_offering_id"`
	Offerings         []struct {
		Identifier string `json:"identifier"`
		Packages   []struct {
			Identifier                string `json:"identifier"`
			PlatformProductIdentifier string `json:"platform_product_identifier"`
			PriceString               string `json:"price_string"`
			Credits                   int    `json:"credits"`
		} `json:"packages"`
	} `json:"offerings"`
}

type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]struct {
			ExpiresDate       *time.Time `json:"expires_date"`
			ProductIdentifier string     `json:"product_identifier"`
		} `json:"entitlements"`
	} `json:"subscriber"`
}

type purchaseRequest struct {
	ProductID string `json:"product_id"`
	PackageID string `json:"package_id,omitempty"`
}

type purchaseResponse struct {
	TransactionID string         `json:"transaction_id"`
	ProductID     string         `json:"product_id"`
	Metadata      map[string]any `json:"metadata"`
}

type platformError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FetchOfferings returns every offering the platform knows, with package
// kinds classified.
func (c *PlatformClient) FetchOfferings(ctx context.Context) (*types.Offerings, error) {
	r, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v1/offerings", c.authHeader(), nil)
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		return nil, c.unexpectedStatus(r)
	}

	var payload offeringsResponse
	if err := c.decodeJSON(r, &payload); err != nil {
		return nil, err
	}

	out := &types.Offerings{Current: payload.CurrentOfferingID}
	for _, o := range payload.Offerings {
		offering := types.Offering{Identifier: o.Identifier}
		for _, p := range o.Packages {
			kind, credits := ClassifyPackage(p.Identifier, p.PlatformProductIdentifier)
			if p.Credits > 0 && kind == types.KindCreditPack {
				credits = p.Credits
			}
			offering.Entries = append(offering.Entries, types.CatalogEntry{
				Identifier:        p.Identifier,
				ProductIdentifier: p.PlatformProductIdentifier,
				PriceString:       p.PriceString,
				Kind:              kind,
				Credits:           credits,
			})
		}
		out.All = append(out.All, offering)
	}
	return out, nil
}

// FetchCustomerStatus returns the subscriber's entitlements. An unknown
// subscriber has none.
func (c *PlatformClient) FetchCustomerStatus(ctx context.Context, userID string) (*types.CustomerStatus, error) {
	r, err := c.doJSON(ctx, http.MethodGet, c.subscriberURL(userID, ""), c.authHeader(), nil)
	if err != nil {
		return nil, err
	}
	if r.StatusCode == http.StatusNotFound {
		return &types.CustomerStatus{}, nil
	}
	if !r.ok() {
		return nil, c.unexpectedStatus(r)
	}
	return c.decodeStatus(r)
}

// RestorePurchases asks the platform to re-associate prior store purchases
// with userID and returns the resulting status.
func (c *PlatformClient) RestorePurchases(ctx context.Context, userID string) (*types.CustomerStatus, error) {
	r, err := c.doJSON(ctx, http.MethodPost, c.subscriberURL(userID, "/restore"), c.authHeader(), struct{}{})
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		return nil, c.unexpectedStatus(r)
	}
	return c.decodeStatus(r)
}

// Purchase buys entry for userID. A user cancellation matches
// types.ErrPurchaseCancelled; other refusals carry the platform's message.
func (c *PlatformClient) Purchase(ctx context.Context, userID string, entry types.CatalogEntry) (*types.PurchaseReceipt, error) {
	r, err := c.doJSON(ctx, http.MethodPost, c.subscriberURL(userID, "/purchases"), c.authHeader(), purchaseRequest{
		ProductID: entry.ProductIdentifier,
		PackageID: entry.Identifier,
	})
	if err != nil {
		return nil, err
	}

	if !r.ok() {
		var perr platformError
		_ = c.decodeJSON(r, &perr)
		if perr.Code == platformCodeUserCancelled {
			return nil, types.NewAppError(types.ErrCodePurchaseCancelled, "purchase cancelled by user", types.ErrPurchaseCancelled)
		}
		if r.StatusCode >= 400 && r.StatusCode < 500 {
			msg := perr.Message
			if msg == "" {
				msg = "purchase rejected by platform"
			}
			return nil, types.NewAppErrorWithDetails(types.ErrCodePurchaseFailed, msg, errors.New(perr.Code), map[string]any{
				"platform_code": perr.Code,
				"status":        r.StatusCode,
			})
		}
		return nil, c.unexpectedStatus(r)
	}

	var payload purchaseResponse
	if err := c.decodeJSON(r, &payload); err != nil {
		return nil, err
	}
	return &types.PurchaseReceipt{
		TransactionID: payload.TransactionID,
		ProductID:     payload.ProductID,
		Metadata:      payload.Metadata,
	}, nil
}

func (c *PlatformClient) decodeStatus(r response) (*types.CustomerStatus, error) {
	var payload subscriberResponse
	if err := c.decodeJSON(r, &payload); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(payload.Subscriber.Entitlements))
	for id := range payload.Subscriber.Entitlements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	status := &types.CustomerStatus{}
	for _, id := range ids {
		e := payload.Subscriber.Entitlements[id]
		status.Entitlements = append(status.Entitlements, types.ActiveEntitlement{
			ID:        id,
			ProductID: e.ProductIdentifier,
			ExpiresAt: e.ExpiresDate,
		})
	}
	return status, nil
}

func (c *PlatformClient) subscriberURL(userID, suffix string) string {
	return c.baseURL + "/v1/subscribers/" + url.PathEscape(userID) + suffix
}

func (c *PlatformClient) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.apiKey.Unmask())
	return h
}

var creditPackPattern = regexp.MustCompile(`credits?_(\d+)`)

// ClassifyPackage derives the product kind from the platform's package and
// product identifiers. Unrecognized packages get an empty kind and are not
// sellable.
func ClassifyPackage(packageID, productID string) (types.ProductKind, int) {
	switch packageID {
	case "$rc_monthly":
		return types.KindSubscriptionMonthly, 0
	case "$rc_annual":
		return types.KindSubscriptionYearly, 0
	}

	id := strings.ToLower(productID)
	if m := creditPackPattern.FindStringSubmatch(id); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return types.KindCreditPack, n
		}
	}
	switch {
	case strings.Contains(id, "yearly"), strings.Contains(id, "annual"):
		return types.KindSubscriptionYearly, 0
	case strings.Contains(id, "monthly"):
		return types.KindSubscriptionMonthly, 0
	}
	return "", 0
}
