// Package handlers contains the HTTP handlers of the creditgate gateway.
//
// Every /v1 route addresses one user by path. The handler resolves that
// user's engine, runs one facade operation and writes the outcome in the
// standard envelope. Denied access and cancelled purchases are outcomes,
// not errors, and are answered with 200.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/core"
	"creditgate/internal/engine"
	"creditgate/internal/types"
)

// --- Service Interfaces ---

// UserEngine is the per-user facade the handlers drive.
type UserEngine interface {
	CheckAccess(ctx context.Context, feature types.Feature) (types.Decision, error)
	Consume(ctx context.Context, feature types.Feature) (types.Decision, error)
	Purchase(ctx context.Context, kind types.PurchaseKind) types.PurchaseResult
	RestorePurchases(ctx context.Context) (bool, error)
	ResetQuota(ctx context.Context) (types.EntitlementSnapshot, error)
	Refresh(ctx context.Context) types.EntitlementSnapshot
}

// EngineProvider resolves the engine for a user, creating it on first use.
type EngineProvider interface {
	Engine(ctx context.Context, userID string) (UserEngine, error)
}

// EngineProviderFunc adapts a function to EngineProvider.
type EngineProviderFunc func(ctx context.Context, userID string) (UserEngine, error)

// Engine implements EngineProvider.
func (f EngineProviderFunc) Engine(ctx context.Context, userID string) (UserEngine, error) {
	return f(ctx, userID)
}

// RegistryEngines serves engines from reg.
func RegistryEngines(reg *engine.Registry) EngineProviderFunc {
	return func(ctx context.Context, userID string) (UserEngine, error) {
		e, err := reg.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// CreditCostSource serves the live feature price table.
type CreditCostSource interface {
	FetchCreditCosts(ctx context.Context) (map[types.Feature]int, error)
}

// --- Request/Response Models ---

// AccessRequest is the body of the access check and consume endpoints.
type AccessRequest struct {
	Feature string `json:"feature" validate:"required,feature"`
}

// RestoreResponse reports whether a restore left the user on a premium tier.
type RestoreResponse struct {
	Restored bool `json:"restored"`
}

// CreditCostsResponse is the feature price table.
type CreditCostsResponse struct {
	Costs  map[types.Feature]int `json:"costs"`
	Source string                `json:"source"`
}

// --- Handler ---

// EntitlementHandler serves snapshots, access decisions, purchases and the
// credit cost table.
type EntitlementHandler struct {
	engines   EngineProvider
	costs     CreditCostSource
	validator *core.Validator
	logger    *slog.Logger
}

// NewEntitlementHandler creates an EntitlementHandler. costs may be nil, in
// which case the built-in price table is served.
func NewEntitlementHandler(engines EngineProvider, costs CreditCostSource, v *core.Validator, l *slog.Logger) *EntitlementHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(l)
	}
	return &EntitlementHandler{
		engines:   engines,
		costs:     costs,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the entitlement routes on an authenticated router.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Get("/credit-costs", h.CreditCosts)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/entitlements", h.Snapshot)
		r.Post("/access/check", h.CheckAccess)
		r.Post("/access/consume", h.Consume)
		r.Post("/purchases", h.Purchase)
		r.Post("/purchases/restore", h.Restore)
		r.Post("/quota/reset", h.ResetQuota)
	})
}

// resolve validates the path user ID and returns its engine. On failure the
// error response has already been written.
func (h *EntitlementHandler) resolve(w http.ResponseWriter, r *http.Request) (UserEngine, context.Context, bool) {
	userID := chi.URLParam(r, "userID")
	if err := h.validator.ValidateUserID(userID); err != nil {
		core.Error(w, r, err)
		return nil, nil, false
	}
	ctx := types.WithUserID(r.Context(), userID)

	eng, err := h.engines.Engine(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load engine", "user_id", userID, "error", err)
		core.Error(w, r, err)
		return nil, nil, false
	}
	return eng, ctx, true
}

// Snapshot handles GET /v1/users/{userID}/entitlements. It reconciles with
// the platform and the ledger before answering; upstream failures degrade to
// the last known state.
func (h *EntitlementHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	eng, ctx, ok := h.resolve(w, r)
	if !ok {
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: eng.Refresh(ctx)})
}

// CheckAccess handles POST /v1/users/{userID}/access/check.
func (h *EntitlementHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, UserEngine.CheckAccess)
}

// Consume handles POST /v1/users/{userID}/access/consume.
func (h *EntitlementHandler) Consume(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, UserEngine.Consume)
}

func (h *EntitlementHandler) decide(
	w http.ResponseWriter,
	r *http.Request,
	op func(UserEngine, context.Context, types.Feature) (types.Decision, error),
) {
	var req AccessRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	eng, ctx, ok := h.resolve(w, r)
	if !ok {
		return
	}

	decision, err := op(eng, ctx, types.ParseFeature(req.Feature))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}

// Purchase handles POST /v1/users/{userID}/purchases.
func (h *EntitlementHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req types.PurchaseKind
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	eng, ctx, ok := h.resolve(w, r)
	if !ok {
		return
	}

	result := eng.Purchase(ctx, req)
	h.logger.InfoContext(ctx, "purchase finished",
		"user_id", types.GetUserID(ctx),
		"kind", req.String(),
		"outcome", result.Outcome,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// Restore handles POST /v1/users/{userID}/purchases/restore.
func (h *EntitlementHandler) Restore(w http.ResponseWriter, r *http.Request) {
	eng, ctx, ok := h.resolve(w, r)
	if !ok {
		return
	}

	restored, err := eng.RestorePurchases(ctx)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: RestoreResponse{Restored: restored}})
}

// ResetQuota handles POST /v1/users/{userID}/quota/reset.
func (h *EntitlementHandler) ResetQuota(w http.ResponseWriter, r *http.Request) {
	eng, ctx, ok := h.resolve(w, r)
	if !ok {
		return
	}

	snap, err := eng.ResetQuota(ctx)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(ctx, "daily quota reset", "user_id", types.GetUserID(ctx))
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: snap})
}

// CreditCosts handles GET /v1/credit-costs. When the ledger cannot be
// reached the built-in table is served and Source says so.
func (h *EntitlementHandler) CreditCosts(w http.ResponseWriter, r *http.Request) {
	if h.costs != nil {
		costs, err := h.costs.FetchCreditCosts(r.Context())
		if err == nil && len(costs) > 0 {
			core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CreditCostsResponse{Costs: costs, Source: "ledger"}})
			return
		}
		if err != nil {
			h.logger.WarnContext(r.Context(), "credit costs unavailable, serving defaults", "error", err)
		}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CreditCostsResponse{Costs: types.CreditCosts(), Source: "default"}})
}
