package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/paywall"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/tokens"
)

type billingWebhookPayload struct {
	Provider  string     `json:"provider"`
	EventID   string     `json:"event_id"`
	UserID    string     `json:"user_id"`
	DeviceID  string     `json:"device_id"`
	PlanCode  string     `json:"plan_code"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
	AutoRenew bool       `json:"auto_renew"`
}

// handleBillingWebhook implements POST /v1/billing/webhook: HMAC-SHA256
// signature verification against X-Signature, an idempotent event insert
// keyed by (provider, event_id), and a subscription upsert on first sight
// of the event. Grounded on the teacher's internal/webhooks/registry.go
// SignPayload convention.
func (d *Deps) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.Write(w, apierr.Auth("failed to read request body"))
		return
	}

	if !verifyWebhookSignature(body, r.Header.Get("X-Signature"), d.WebhookSecret) {
		apierr.Write(w, apierr.Integrity("invalid webhook signature"))
		return
	}

	var payload billingWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		apierr.Write(w, apierr.Auth("invalid webhook payload"))
		return
	}

	inserted, err := d.Store.InsertBillingEventIfAbsent(r.Context(), store.BillingEvent{
		Provider:  payload.Provider,
		EventID:   payload.EventID,
		Payload:   body,
		CreatedAt: time.Now(),
	})
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to persist billing event"))
		return
	}

	if inserted {
		planTier, _ := d.Store.PlanTier(payload.PlanCode)
		expiresAt := sql.NullTime{}
		if payload.ExpiresAt != nil {
			expiresAt = sql.NullTime{Time: *payload.ExpiresAt, Valid: true}
		}
		if err := d.Store.UpsertSubscription(r.Context(), store.Subscription{
			UserID: payload.UserID, DeviceID: payload.DeviceID,
			PlanCode: payload.PlanCode, PlanTier: planTier,
			Status: payload.Status, ExpiresAt: expiresAt, AutoRenew: payload.AutoRenew,
		}); err != nil {
			apierr.Write(w, apierr.Internal("failed to update subscription"))
			return
		}
		_ = d.Coord.Del(r.Context(), "sub:"+payload.UserID+":"+payload.DeviceID)
	}

	// The webhook is idempotent: a duplicate event_id must return the
	// current subscription state rather than an error or a bare ack, so
	// the caller looks up the row regardless of whether this POST was the
	// one that wrote it.
	sub, err := d.Store.GetSubscription(r.Context(), payload.UserID, payload.DeviceID)
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to read subscription"))
		return
	}

	resp := billingWebhookResponse{Processed: inserted}
	resp.Subscription = subscriptionResponseFromRow(sub, time.Now())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type billingWebhookResponse struct {
	Processed    bool                       `json:"processed"`
	Subscription subscriptionStatusResponse `json:"subscription"`
}

// subscriptionResponseFromRow derives the same (plan_tier, status,
// is_premium, trial_expired, expires_at) shape paywallStatus returns, from
// a raw subscription row. Mirrors internal/paywall.Service.Compute's
// is_premium rule; trial_expired depends on the device registration,
// which this conversion does not read, so it is always false here.
func subscriptionResponseFromRow(sub *store.Subscription, now time.Time) subscriptionStatusResponse {
	if sub == nil {
		return subscriptionStatusResponse{PlanTier: "trial", Status: "trial"}
	}
	resp := subscriptionStatusResponse{
		PlanTier:  sub.PlanTier,
		Status:    sub.Status,
		IsPremium: sub.Status == "active" && (!sub.ExpiresAt.Valid || sub.ExpiresAt.Time.After(now)),
	}
	if sub.ExpiresAt.Valid {
		s := sub.ExpiresAt.Time.Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	return resp
}

func verifyWebhookSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type subscriptionStatusResponse struct {
	PlanTier     string  `json:"plan_tier"`
	Status       string  `json:"status"`
	IsPremium    bool    `json:"is_premium"`
	TrialExpired bool    `json:"trial_expired"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
}

// handleBillingSubscription implements GET /v1/billing/subscription.
func (d *Deps) handleBillingSubscription(w http.ResponseWriter, r *http.Request) {
	d.paywallStatus(w, r, nil)
}

type billingStatusRequest struct {
	Attestation *struct {
		Type       string `json:"type"`
		Nonce      string `json:"nonce"`
		PubkeyHash string `json:"pubkey_hash"`
	} `json:"attestation"`
}

// handleBillingStatus implements POST /v1/billing/status: identical to
// handleBillingSubscription but accepts an optional attestation payload,
// used on first contact for a device.
func (d *Deps) handleBillingStatus(w http.ResponseWriter, r *http.Request) {
	var req billingStatusRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	var att *paywall.Attestation
	if req.Attestation != nil {
		att = &paywall.Attestation{
			Type:       req.Attestation.Type,
			Nonce:      req.Attestation.Nonce,
			PubkeyHash: req.Attestation.PubkeyHash,
		}
	}
	d.paywallStatus(w, r, att)
}

// paywallStatus is shared by the billing endpoints, which spec.md §4.4
// exempts from the admission filter's blanket gate: these handlers ARE
// the thing that computes and returns paywall state, so they verify the
// bearer token directly and apply the 402 gate themselves rather than
// going through admission.Filter.
func (d *Deps) paywallStatus(w http.ResponseWriter, r *http.Request, att *paywall.Attestation) {
	deviceID := r.URL.Query().Get("device_id")

	claims, err := d.Tokens.Verify(r.Context(), bearerFromHeader(r), tokens.TypAccess, deviceID)
	if err != nil {
		apierr.Write(w, apierr.Auth("invalid or expired access token"))
		return
	}

	state, err := d.Paywall.Compute(r.Context(), claims.Sub, claims.DeviceID, time.Now(), att)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if state.TrialExpired && !state.IsPremium {
		apierr.Write(w, apierr.PaymentRequired("trial expired; upgrade required"))
		return
	}

	resp := subscriptionStatusResponse{
		PlanTier: state.PlanTier, Status: state.Status,
		IsPremium: state.IsPremium, TrialExpired: state.TrialExpired,
	}
	if state.ExpiresAt != nil {
		s := state.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &s
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
