package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"creditgate/internal/types"
)

// StubSignupCredits is the balance a user starts with in the stub ledger.
const StubSignupCredits = 3

// StubPlatform is an in-memory purchase platform for local runs. Purchases
// always succeed; subscriptions grant a month or a year of entitlement.
type StubPlatform struct {
	logger *slog.Logger
	clock  types.Clock

	mu     sync.Mutex
	status map[string]*types.CustomerStatus
}

// NewStubPlatform creates a StubPlatform.
func NewStubPlatform(logger *slog.Logger) *StubPlatform {
	return &StubPlatform{
		logger: logger,
		clock:  types.RealClock{},
		status: make(map[string]*types.CustomerStatus),
	}
}

func (s *StubPlatform) FetchOfferings(ctx context.Context) (*types.Offerings, error) {
	s.logger.DebugContext(ctx, "stub: FetchOfferings called")
	entries := []types.CatalogEntry{
		{Identifier: "$rc_monthly", ProductIdentifier: "premium_monthly", PriceString: "£4.99", Kind: types.KindSubscriptionMonthly},
		{Identifier: "$rc_annual", ProductIdentifier: "premium_yearly", PriceString: "£39.99", Kind: types.KindSubscriptionYearly},
	}
	for _, n := range []int{5, 10, 25, 50} {
		entries = append(entries, types.CatalogEntry{
			Identifier:        fmt.Sprintf("credits_%d", n),
			ProductIdentifier: fmt.Sprintf("credits_%d", n),
			PriceString:       fmt.Sprintf("£%d.99", n/5),
			Kind:              types.KindCreditPack,
			Credits:           n,
		})
	}
	return &types.Offerings{
		Current: "default",
		All:     []types.Offering{{Identifier: "default", Entries: entries}},
	}, nil
}

func (s *StubPlatform) FetchCustomerStatus(ctx context.Context, userID string) (*types.CustomerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyStatus(userID), nil
}

func (s *StubPlatform) Purchase(ctx context.Context, userID string, entry types.CatalogEntry) (*types.PurchaseReceipt, error) {
	s.logger.InfoContext(ctx, "stub: Purchase called",
		"user_id", userID,
		"product_id", entry.ProductIdentifier,
	)

	var length time.Duration
	switch entry.Kind {
	case types.KindSubscriptionMonthly:
		length = 30 * 24 * time.Hour
	case types.KindSubscriptionYearly:
		length = 365 * 24 * time.Hour
	}
	if length > 0 {
		expires := s.clock.Now().Add(length)
		s.mu.Lock()
		st := s.status[userID]
		if st == nil {
			st = &types.CustomerStatus{}
			s.status[userID] = st
		}
		st.Entitlements = append(st.Entitlements, types.ActiveEntitlement{
			ID:        entry.ProductIdentifier,
			ProductID: entry.ProductIdentifier,
			ExpiresAt: &expires,
		})
		s.mu.Unlock()
	}

	return &types.PurchaseReceipt{
		TransactionID: "stub_txn_" + uuid.NewString(),
		ProductID:     entry.ProductIdentifier,
		Metadata:      map[string]any{"store": "stub", "package": entry.Identifier},
	}, nil
}

func (s *StubPlatform) RestorePurchases(ctx context.Context, userID string) (*types.CustomerStatus, error) {
	s.logger.InfoContext(ctx, "stub: RestorePurchases called", "user_id", userID)
	return s.FetchCustomerStatus(ctx, userID)
}

func (s *StubPlatform) copyStatus(userID string) *types.CustomerStatus {
	st := s.status[userID]
	if st == nil {
		return &types.CustomerStatus{}
	}
	out := &types.CustomerStatus{Entitlements: make([]types.ActiveEntitlement, len(st.Entitlements))}
	copy(out.Entitlements, st.Entitlements)
	return out
}

// StubLedger is an in-memory credit ledger. Credit pack notifications top up
// the balance so local purchase flows behave end to end.
type StubLedger struct {
	logger *slog.Logger

	mu       sync.Mutex
	balances map[string]int
	booked   map[string]bool
}

// NewStubLedger creates a StubLedger.
func NewStubLedger(logger *slog.Logger) *StubLedger {
	return &StubLedger{
		logger:   logger,
		balances: make(map[string]int),
		booked:   make(map[string]bool),
	}
}

func (s *StubLedger) balance(userID string) int {
	b, ok := s.balances[userID]
	if !ok {
		b = StubSignupCredits
		s.balances[userID] = b
	}
	return b
}

func (s *StubLedger) FetchCreditBalance(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(userID), nil
}

func (s *StubLedger) SpendCredits(ctx context.Context, userID string, req types.SpendRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cost := req.Feature.CreditCost()
	b := s.balance(userID)
	if b < cost {
		return 0, types.ErrInsufficientCredits
	}
	s.balances[userID] = b - cost
	s.logger.InfoContext(ctx, "stub: SpendCredits called",
		"user_id", userID,
		"feature", req.Feature,
		"remaining", b-cost,
	)
	return b - cost, nil
}

func (s *StubLedger) NotifyPurchase(ctx context.Context, n types.PurchaseNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.booked[n.TransactionID] {
		return nil
	}
	s.booked[n.TransactionID] = true
	if n.Kind == types.KindCreditPack {
		s.balances[n.UserID] = s.balance(n.UserID) + n.Credits
	}
	s.logger.InfoContext(ctx, "stub: NotifyPurchase called",
		"user_id", n.UserID,
		"product_id", n.ProductID,
		"transaction_id", n.TransactionID,
	)
	return nil
}

func (s *StubLedger) FetchCreditCosts(context.Context) (map[types.Feature]int, error) {
	return types.CreditCosts(), nil
}

// StubWebhookVerifier accepts every payload.
type StubWebhookVerifier struct {
	logger *slog.Logger
}

// NewStubWebhookVerifier creates a StubWebhookVerifier.
func NewStubWebhookVerifier(logger *slog.Logger) *StubWebhookVerifier {
	return &StubWebhookVerifier{logger: logger}
}

func (s *StubWebhookVerifier) Verify(payload []byte, header string) error {
	s.logger.Debug("stub: webhook signature accepted", "bytes", len(payload))
	return nil
}
