package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/tokens"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Fingerprint  string `json:"fingerprint"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// handleAuthRefresh implements POST /v1/auth/refresh: single-use refresh
// redemption, rate-gated and fingerprint-bound, per internal/tokens.
func (d *Deps) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.Auth("invalid request body"))
		return
	}

	pair, err := d.Tokens.Refresh(r.Context(), req.RefreshToken, req.Fingerprint)
	if err != nil {
		apiErr := classifyRefreshError(err)
		if d.Metrics != nil {
			d.Metrics.RefreshOutcomes.WithLabelValues(apiErr.Kind).Inc()
		}
		apierr.Write(w, apiErr)
		return
	}
	if d.Metrics != nil {
		d.Metrics.RefreshOutcomes.WithLabelValues("success").Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(refreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// classifyRefreshError maps the sentinel errors internal/tokens.Refresh
// returns onto the shared error taxonomy, mirroring
// internal/admission.classifyTokenError for the refresh path's own
// additional outcomes (rate limit, replay).
func classifyRefreshError(err error) *apierr.Error {
	switch {
	case errors.Is(err, tokens.ErrRateLimited):
		return apierr.RateLimited("refresh rate limit exceeded")
	case errors.Is(err, tokens.ErrReplay):
		return apierr.Access("refresh token already redeemed")
	case errors.Is(err, tokens.ErrRevoked):
		return apierr.Access("device revoked")
	case errors.Is(err, tokens.ErrWrongType), errors.Is(err, tokens.ErrExpired), errors.Is(err, tokens.ErrInvalidToken):
		return apierr.Auth(err.Error())
	case errors.Is(err, tokens.ErrUnavailable):
		return apierr.Unavailable(err.Error())
	default:
		return apierr.Internal("failed to refresh token")
	}
}

type logoutRequest struct {
	DeviceID string `json:"device_id"`
	Block    bool   `json:"block"`
}

// handleAuthLogout implements POST /v1/auth/logout: revokes the device's
// refresh chain and, when requested, publishes a kill-switch block.
func (d *Deps) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.Auth("invalid request body"))
		return
	}

	claims, err := d.Tokens.Verify(r.Context(), bearerFromHeader(r), tokens.TypAccess, req.DeviceID)
	if err != nil {
		apierr.Write(w, apierr.Auth("invalid or expired access token"))
		return
	}

	if err := d.Tokens.RevokeAndBlock(r.Context(), claims.Sub, claims.DeviceID, req.Block); err != nil {
		apierr.Write(w, apierr.Internal("failed to revoke device"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "revoked"})
}
