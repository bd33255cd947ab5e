package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/core"
	"creditgate/internal/external"
	"creditgate/internal/types"
)

// maxWebhookBodySize caps platform push payloads.
const maxWebhookBodySize = 64 * 1024

// StatusDispatcher routes a status-changed push to a loaded engine.
type StatusDispatcher interface {
	Dispatch(userID string) bool
}

// PlatformEvent is the body of a platform push.
type PlatformEvent struct {
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id" validate:"required,user_id"`
	Event  string `json:"event" validate:"required"`
}

// PlatformWebhookHandler receives the platform's signed status-changed
// pushes. It is mounted outside the API-key group; the signature is the
// only credential.
type PlatformWebhookHandler struct {
	verifier   external.WebhookVerifier
	dispatcher StatusDispatcher
	validator  *core.Validator
	logger     *slog.Logger
}

// NewPlatformWebhookHandler creates a PlatformWebhookHandler.
func NewPlatformWebhookHandler(
	verifier external.WebhookVerifier,
	dispatcher StatusDispatcher,
	v *core.Validator,
	logger *slog.Logger,
) *PlatformWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(logger)
	}
	return &PlatformWebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		validator:  v,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *PlatformWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/platform", h.Handle)
}

// Handle verifies the signature, decodes the event and nudges the user's
// engine to refresh. Users without a loaded engine are acknowledged too:
// their next request fetches fresh status anyway.
func (h *PlatformWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
		return
	}

	sig := r.Header.Get(external.SignatureHeader)
	if sig == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing "+external.SignatureHeader+" header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sig); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature rejected", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "invalid webhook signature", nil))
		return
	}

	var evt PlatformEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed webhook payload", err))
		return
	}
	if err := h.validator.ValidateStruct(evt); err != nil {
		core.Error(w, r, err)
		return
	}

	logger := h.logger.With("user_id", evt.UserID, "event", evt.Event, "event_id", evt.ID)
	if !isStatusEvent(evt.Event) {
		logger.InfoContext(r.Context(), "ignoring webhook event")
		w.WriteHeader(http.StatusOK)
		return
	}

	dispatched := h.dispatcher.Dispatch(evt.UserID)
	logger.InfoContext(r.Context(), "webhook processed", "dispatched", dispatched)
	w.WriteHeader(http.StatusOK)
}

func isStatusEvent(event string) bool {
	switch event {
	case external.EventCustomerInfoUpdated,
		external.EventRenewal,
		external.EventExpiration,
		external.EventCancellation,
		external.EventInitialPurchase,
		external.EventNonRenewingPurchase:
		return true
	}
	return false
}
