// Package catalog resolves the purchasable-item catalog the purchase flow
// sells from.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"creditgate/internal/types"
)

// OfferingsFetcher is the catalog slice of the purchase platform client.
type OfferingsFetcher interface {
	FetchOfferings(ctx context.Context) (*types.Offerings, error)
}

// RetryPolicy configures request retries. Waits grow linearly:
// BaseWait after the first failure, 2*BaseWait after the second, and so on.
type RetryPolicy struct {
	MaxAttempts int
	BaseWait    time.Duration
}

// DefaultRetryPolicy is three attempts with 1s, 2s waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseWait:    time.Second,
	}
}

// Config configures a Loader.
type Config struct {
	// OfferingID is the catalog this app is tagged with. Empty skips the
	// explicit match.
	OfferingID string
	Retry      RetryPolicy
	Logger     *slog.Logger
}

// Loader fetches a fresh catalog on every call. Nothing is cached.
type Loader struct {
	platform   OfferingsFetcher
	offeringID string
	retry      RetryPolicy
	logger     *slog.Logger
	sleepFn    func(ctx context.Context, d time.Duration) error
}

// Option is a functional option for configuring a Loader.
type Option func(*Loader)

// WithSleepFunc overrides the wait between attempts. Intended for tests.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loader) {
		l.sleepFn = fn
	}
}

// NewLoader creates a Loader.
func NewLoader(platform OfferingsFetcher, cfg Config, opts ...Option) *Loader {
	retry := cfg.Retry
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		platform:   platform,
		offeringID: cfg.OfferingID,
		retry:      retry,
		logger:     logger.With("component", "catalog_loader"),
		sleepFn:    sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FetchCatalog returns the sellable entries of the selected catalog. It fails
// with catalog_unavailable when every attempt errors, or at once when the
// platform answers without a usable catalog.
func (l *Loader) FetchCatalog(ctx context.Context) ([]types.CatalogEntry, error) {
	var lastErr error

	for attempt := 1; attempt <= l.retry.MaxAttempts; attempt++ {
		offerings, err := l.platform.FetchOfferings(ctx)
		if err == nil {
			return l.selectEntries(offerings)
		}
		lastErr = err

		l.logger.WarnContext(ctx, "catalog request failed",
			"attempt", attempt,
			"max_attempts", l.retry.MaxAttempts,
			"error", err,
		)

		if attempt == l.retry.MaxAttempts {
			break
		}
		if err := l.sleepFn(ctx, l.retry.BaseWait*time.Duration(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	return nil, types.NewAppError(
		types.ErrCodeCatalogUnavailable,
		fmt.Sprintf("catalog unavailable after %d attempts", l.retry.MaxAttempts),
		lastErr,
	)
}

func (l *Loader) selectEntries(offerings *types.Offerings) ([]types.CatalogEntry, error) {
	offering, how := Select(offerings, l.offeringID)
	if offering == nil {
		return nil, types.NewAppError(types.ErrCodeCatalogUnavailable, "platform returned no catalog", errNoOffering)
	}

	entries := make([]types.CatalogEntry, 0, len(offering.Entries))
	for _, e := range offering.Entries {
		if e.Sellable() {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeCatalogUnavailable,
			"selected catalog has no sellable items",
			errNoSellable,
			map[string]any{"offering": offering.Identifier},
		)
	}

	l.logger.Debug("catalog selected",
		"offering", offering.Identifier,
		"selected_by", how,
		"entries", len(entries),
	)
	return entries, nil
}

var (
	errNoOffering = errors.New("no offering to select")
	errNoSellable = errors.New("no sellable entries")
)

// Selection strategies, in precedence order.
const (
	SelectedByID      = "offering_id"
	SelectedByCurrent = "current"
	SelectedByFirst   = "first"
)

// Select picks the catalog to sell from: the one tagged offeringID, then the
// platform's current one, then the first returned. It returns nil when there
// is nothing to pick.
func Select(offerings *types.Offerings, offeringID string) (*types.Offering, string) {
	if offerings == nil || len(offerings.All) == 0 {
		return nil, ""
	}
	if offeringID != "" {
		if o := find(offerings.All, offeringID); o != nil {
			return o, SelectedByID
		}
	}
	if offerings.Current != "" {
		if o := find(offerings.All, offerings.Current); o != nil {
			return o, SelectedByCurrent
		}
	}
	return &offerings.All[0], SelectedByFirst
}

func find(all []types.Offering, id string) *types.Offering {
	for i := range all {
		if all[i].Identifier == id {
			return &all[i]
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
