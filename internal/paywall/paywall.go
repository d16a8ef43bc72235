// Package paywall computes (is_premium, trial_expired) from subscription
// and device-registration records, and owns the one-shot late-attestation
// fill-in. Grounded on app/services/access.py.
package paywall

import (
	"context"
	"database/sql"
	"time"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/store"
)

const trialPeriod = 7 * 24 * time.Hour

// Attestation is the decision contract returned by an external platform
// attestation verifier (App-Attest / Play-Integrity) — only the contract
// is in scope, not the verifier's transport.
type Attestation struct {
	Type       string
	Nonce      string
	PubkeyHash string
}

// State is the computed paywall state for one device.
type State struct {
	PlanTier     string
	IsPremium    bool
	TrialExpired bool
	Status       string
	ExpiresAt    *time.Time
}

// Service computes paywall state against the durable store.
type Service struct {
	store *store.Store
}

func New(s *store.Store) *Service {
	return &Service{store: s}
}

// Compute ensures a registration exists (requiring attestation on first
// contact), applies the one-shot late-attestation fill, and derives the
// paywall state from the current subscription.
func (s *Service) Compute(ctx context.Context, userID, deviceID string, now time.Time, att *Attestation) (State, error) {
	reg, err := s.store.GetRegistration(ctx, userID, deviceID)
	if err != nil {
		return State{}, apierr.Internal("failed to read device registration")
	}

	if reg == nil {
		if att == nil {
			return State{}, apierr.Access("Attestation required for new device")
		}
		newReg := store.DeviceRegistration{
			UserID:                userID,
			DeviceID:              deviceID,
			CreatedAt:             now,
			AttestationType:       sql.NullString{String: att.Type, Valid: att.Type != ""},
			AttestationNonce:      sql.NullString{String: att.Nonce, Valid: att.Nonce != ""},
			AttestationPubkeyHash: sql.NullString{String: att.PubkeyHash, Valid: att.PubkeyHash != ""},
			VerifiedAt:            sql.NullTime{Time: now, Valid: true},
		}
		if err := s.store.CreateRegistration(ctx, newReg); err != nil {
			return State{}, apierr.Internal("failed to create device registration")
		}
		reg = &newReg
	} else if !reg.VerifiedAt.Valid && att != nil {
		if _, err := s.store.FillLateAttestation(ctx, userID, deviceID, att.Type, att.Nonce, att.PubkeyHash, now); err != nil {
			return State{}, apierr.Internal("failed to record late attestation")
		}
	}

	sub, err := s.store.GetSubscription(ctx, userID, deviceID)
	if err != nil {
		return State{}, apierr.Internal("failed to read subscription")
	}

	state := State{PlanTier: "trial", Status: "trial"}
	if sub != nil {
		state.PlanTier = sub.PlanTier
		state.Status = sub.Status
		if sub.ExpiresAt.Valid {
			t := sub.ExpiresAt.Time
			state.ExpiresAt = &t
		}
		state.IsPremium = sub.Status == "active" && (!sub.ExpiresAt.Valid || sub.ExpiresAt.Time.After(now))
	}

	state.TrialExpired = now.Sub(reg.CreatedAt) > trialPeriod
	return state, nil
}

// IsAndroidAccessibilityTelemetry reports whether the request headers
// indicate Android accessibility-service telemetry, per the source's
// X-Platform/X-Accessibility-Telemetry header inference. This upgrades
// the rate-limit tier but — per the documented precedence decision —
// never bypasses the paywall: callers must still apply TrialExpired &&
// !IsPremium after this upgrade.
func IsAndroidAccessibilityTelemetry(platform, accessibilityTelemetry string) bool {
	return platform == "android" && accessibilityTelemetry == "true"
}
