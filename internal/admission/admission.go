// Package admission implements the paywall + rate + state admission
// filter applied to protected HTTP requests (push sockets run their own
// admission in internal/killswitch): bearer
// verification, device-state and revocation checks, paywall gating, and
// plan-tier rate limiting. Grounded on app/api/v1/security.py's request
// path and generalized from the teacher's
// internal/middleware/rate_limiter.go in-process limiter to a
// coordination-store-backed one so limits are shared across instances.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/coord"
	"github.com/ocx/backend/internal/paywall"
	"github.com/ocx/backend/internal/tokens"
)

// PlanTier mirrors the subscription plan_tier enum.
type PlanTier string

const (
	PlanTrial                PlanTier = "trial"
	PlanPaidBasic            PlanTier = "paid_basic"
	PlanPaid                 PlanTier = "paid"
	PlanAndroidAccessibility PlanTier = "android_accessibility"
)

// RateLimits holds the per-plan-tier request budget.
type RateLimits struct {
	Window               time.Duration
	TrialMax             int64
	PaidBasicMax         int64
	PaidMax              int64
	AndroidAccessibility int64
}

func (r RateLimits) maxFor(tier PlanTier) int64 {
	switch tier {
	case PlanPaidBasic:
		return r.PaidBasicMax
	case PlanPaid:
		return r.PaidMax
	case PlanAndroidAccessibility:
		return r.AndroidAccessibility
	default:
		return r.TrialMax
	}
}

// Decision is the outcome of a successful admission check.
type Decision struct {
	UserID   string
	DeviceID string
	PlanTier PlanTier
	Claims   *tokens.Claims
}

// Filter is the admission implementation.
type Filter struct {
	tokens     *tokens.Service
	coord      *coord.Client
	paywall    *paywall.Service
	rateLimits RateLimits
	cacheTTL   time.Duration
}

func New(t *tokens.Service, c *coord.Client, pw *paywall.Service, limits RateLimits, cacheTTL time.Duration) *Filter {
	return &Filter{tokens: t, coord: c, paywall: pw, rateLimits: limits, cacheTTL: cacheTTL}
}

// Request carries the bits of an inbound request admission needs,
// decoupled from net/http.
type Request struct {
	Bearer                  string
	HeaderDeviceID          string
	Attestation             *paywall.Attestation
	Platform                string
	AccessibilityTelemetry  string
}

// Admit runs the full admission sequence and returns the resulting
// Decision, or a typed *apierr.Error.
func (f *Filter) Admit(ctx context.Context, req Request) (*Decision, error) {
	if req.Bearer == "" {
		return nil, apierr.Auth("missing bearer token")
	}

	claims, err := f.tokens.Verify(ctx, req.Bearer, tokens.TypAccess, req.HeaderDeviceID)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	blocked, err := f.isBlocked(ctx, claims.DeviceID)
	if err != nil {
		return nil, apierr.Internal("failed to read device state")
	}
	if blocked {
		return nil, apierr.Blocked("device is blocked")
	}

	state, planTier, err := f.paywallState(ctx, claims.Sub, claims.DeviceID, req.Attestation)
	if err != nil {
		return nil, err
	}

	if paywall.IsAndroidAccessibilityTelemetry(req.Platform, req.AccessibilityTelemetry) {
		planTier = PlanAndroidAccessibility
	}

	if state.TrialExpired && !state.IsPremium {
		return nil, apierr.PaymentRequired("trial expired, subscription required")
	}

	if err := f.applyRateLimit(ctx, claims.DeviceID, planTier); err != nil {
		return nil, err
	}

	return &Decision{UserID: claims.Sub, DeviceID: claims.DeviceID, PlanTier: planTier, Claims: claims}, nil
}

func (f *Filter) isBlocked(ctx context.Context, deviceID string) (bool, error) {
	val, ok, err := f.coord.Get(ctx, "device:"+deviceID+":state")
	if err != nil {
		return false, err
	}
	return ok && val == "blocked", nil
}

// paywallState reads the subscription cache hash, falling through to a
// durable-store recompute on cache miss, per spec.md §4.4 steps 4-5.
func (f *Filter) paywallState(ctx context.Context, userID, deviceID string, att *paywall.Attestation) (paywall.State, PlanTier, error) {
	cacheKey := fmt.Sprintf("sub:%s:%s", userID, deviceID)
	cached, err := f.coord.HGetAll(ctx, cacheKey)
	if err != nil {
		return paywall.State{}, "", apierr.Internal("failed to read subscription cache")
	}

	if len(cached) > 0 {
		status := cached["status"]
		if status != "trial" && status != "active" {
			return paywall.State{}, "", apierr.PaymentRequired("subscription not active")
		}
		expiresAt, hasExpiry := cached["expires_at"]
		if hasExpiry && expiresAt != "" {
			t, err := time.Parse(time.RFC3339, expiresAt)
			if err == nil && t.Before(time.Now()) {
				return paywall.State{}, "", apierr.PaymentRequired("subscription expired")
			}
		}
		state := paywall.State{
			PlanTier:     cached["plan_tier"],
			Status:       status,
			IsPremium:    cached["is_premium"] == "true",
			TrialExpired: cached["trial_expired"] == "true",
		}
		return state, PlanTier(state.PlanTier), nil
	}

	state, err := f.paywall.Compute(ctx, userID, deviceID, time.Now(), att)
	if err != nil {
		return paywall.State{}, "", err
	}

	fields := map[string]string{
		"plan_tier":     state.PlanTier,
		"status":        state.Status,
		"is_premium":    boolStr(state.IsPremium),
		"trial_expired": boolStr(state.TrialExpired),
	}
	if state.ExpiresAt != nil {
		fields["expires_at"] = state.ExpiresAt.Format(time.RFC3339)
	}
	_ = f.coord.HSet(ctx, cacheKey, fields, f.cacheTTL)

	return state, PlanTier(state.PlanTier), nil
}

func (f *Filter) applyRateLimit(ctx context.Context, deviceID string, tier PlanTier) error {
	key := fmt.Sprintf("ratelimit:%s:%s", tier, deviceID)
	n, err := f.coord.Incr(ctx, key, f.rateLimits.Window)
	if err != nil {
		return apierr.Internal("rate limit check failed")
	}
	if n > f.rateLimits.maxFor(tier) {
		return apierr.RateLimited("rate limit exceeded")
	}
	return nil
}

// classifyTokenError maps the sentinel errors internal/tokens.Verify
// returns onto the shared error taxonomy. Uses errors.Is rather than a
// raw equality switch since internal/tokens wraps these sentinels (e.g.
// the JWKS-fetch-failure path wraps ErrUnavailable via fmt.Errorf("%w: ...")),
// mirroring internal/api.classifyRefreshError's dispatch.
func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, tokens.ErrRevoked):
		return apierr.Access("device revoked")
	case errors.Is(err, tokens.ErrWrongType), errors.Is(err, tokens.ErrExpired), errors.Is(err, tokens.ErrInvalidToken):
		return apierr.Auth(err.Error())
	case errors.Is(err, tokens.ErrUnavailable):
		return apierr.Unavailable(err.Error())
	default:
		return apierr.Auth("invalid token")
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// WritePlanTierHeader attaches the resolved plan tier to the response,
// per spec.md §4.4 step 8.
func WritePlanTierHeader(w http.ResponseWriter, tier PlanTier) {
	w.Header().Set("X-Plan-Tier", string(tier))
}
