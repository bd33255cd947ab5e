package external

import (
	"log/slog"

	"creditgate/internal/config"
)

// ClientRegistry holds the upstream clients the gateway and the worker use.
type ClientRegistry struct {
	Platform Platform
	Ledger   Ledger
	Verifier WebhookVerifier
}

// NewClientRegistry builds the clients for cfg. Local and test-mode configs
// get in-memory stubs that need no credentials.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger, opts ...BaseClientOption) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.UsesStubs() {
		logger.Info("initializing external clients in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		stubLogger := logger.With("mode", "stub")
		return &ClientRegistry{
			Platform: NewStubPlatform(stubLogger),
			Ledger:   NewStubLedger(stubLogger),
			Verifier: NewStubWebhookVerifier(stubLogger),
		}
	}

	logger.Info("initializing external clients in PRODUCTION mode",
		"environment", cfg.Environment,
	)

	return &ClientRegistry{
		Platform: NewPlatformClient(PlatformConfig{
			BaseURL: cfg.Platform.BaseURL,
			APIKey:  cfg.Platform.APIKey,
			Timeout: cfg.Platform.Timeout,
			Retry:   retryPolicy(cfg.Platform.MaxRetries),
		}, opts...),
		Ledger: NewLedgerClient(LedgerConfig{
			BaseURL:      cfg.Ledger.BaseURL,
			ServiceToken: cfg.Ledger.ServiceToken,
			Timeout:      cfg.Ledger.Timeout,
			Retry:        retryPolicy(cfg.Ledger.MaxRetries),
		}, opts...),
		Verifier: NewSignatureVerifier(cfg.Platform.WebhookSecret, cfg.Platform.WebhookTolerance),
	}
}

func retryPolicy(maxRetries int) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = maxRetries
	return p
}
