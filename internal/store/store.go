// Package store is the relational persistence gateway: durable writes for
// heartbeats, the audit log, subscriptions, billing events, and device
// registration. Schema migrations are explicitly out of scope (an
// external collaborator); this package only issues plain SQL against
// tables assumed to already exist, via database/sql and the lib/pq
// driver — the teacher's own choice of relational client library,
// generalized here from its Supabase REST gateway to a direct SQL
// gateway since the spec treats the schema as an external collaborator
// with a plain SQL interface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DeviceRegistration is one per (user_id, device_id). Created on first
// attested contact; immutable thereafter except for a one-shot late
// attestation fill-in.
type DeviceRegistration struct {
	UserID                string
	DeviceID              string
	CreatedAt             time.Time
	AttestationType       sql.NullString
	AttestationNonce      sql.NullString
	AttestationPubkeyHash sql.NullString
	VerifiedAt            sql.NullTime
	RiskReason            sql.NullString
}

// Subscription is one per (user_id, device_id), mutated only by the
// billing-webhook path.
type Subscription struct {
	UserID    string
	DeviceID  string
	PlanCode  string
	PlanTier  string
	Status    string
	ExpiresAt sql.NullTime
	AutoRenew bool
}

// BillingEvent is an append-only (provider, event_id) unique record; the
// event_id is the idempotency key.
type BillingEvent struct {
	Provider  string
	EventID   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Signal is one append-only heartbeat row.
type Signal struct {
	UserID    string
	DeviceID  string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// AuditLog is an append-only record keyed by (user_id, device_id, created_at).
type AuditLog struct {
	UserID      string
	DeviceID    string
	CreatedAt   time.Time
	ThreatLevel string
	Reason      string
}

// Store wraps a *sql.DB connection pool plus the in-process plan catalog.
type Store struct {
	db    *sql.DB
	plans map[string]string // plan_code -> plan_tier
}

// Config configures the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db, plans: defaultPlanCatalog()}, nil
}

// defaultPlanCatalog seeds the plan_code -> plan_tier lookup. Plan catalog
// management itself is a migrations/schema concern out of scope, but the
// billing webhook needs the lookup at request time to resolve plan_tier
// from plan_code, so a small in-process table stands in for the seeded
// Plan rows.
func defaultPlanCatalog() map[string]string {
	return map[string]string{
		"trial":               "trial",
		"basic_monthly":       "paid_basic",
		"basic_annual":        "paid_basic",
		"pro_monthly":         "paid",
		"pro_annual":          "paid",
		"android_accessibility_addon": "android_accessibility",
	}
}

// PlanTier resolves a plan_code to its plan_tier, per the supplemented
// plan-catalog lookup.
func (s *Store) PlanTier(planCode string) (string, bool) {
	tier, ok := s.plans[planCode]
	return tier, ok
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSignal persists one heartbeat row.
func (s *Store) InsertSignal(ctx context.Context, sig Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (user_id, device_id, payload, created_at)
		VALUES ($1, $2, $3, $4)`,
		sig.UserID, sig.DeviceID, sig.Payload, sig.CreatedAt)
	return err
}

// InsertAudit persists one audit-log row.
func (s *Store) InsertAudit(ctx context.Context, a AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, device_id, created_at, threat_level, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		a.UserID, a.DeviceID, a.CreatedAt, a.ThreatLevel, a.Reason)
	return err
}

// ListAuditLogs returns up to limit audit rows for a device, newest first.
func (s *Store) ListAuditLogs(ctx context.Context, userID, deviceID string, limit int) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, device_id, created_at, threat_level, reason
		FROM audit_log
		WHERE user_id = $1 AND device_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, userID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditLog
	for rows.Next() {
		var a AuditLog
		if err := rows.Scan(&a.UserID, &a.DeviceID, &a.CreatedAt, &a.ThreatLevel, &a.Reason); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetRegistration returns the registration for (userID, deviceID), or
// nil, nil if none exists.
func (s *Store) GetRegistration(ctx context.Context, userID, deviceID string) (*DeviceRegistration, error) {
	var r DeviceRegistration
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, created_at, attestation_type, attestation_nonce,
		       attestation_pubkey_hash, verified_at, risk_reason
		FROM device_registrations
		WHERE user_id = $1 AND device_id = $2`, userID, deviceID).
		Scan(&r.UserID, &r.DeviceID, &r.CreatedAt, &r.AttestationType, &r.AttestationNonce,
			&r.AttestationPubkeyHash, &r.VerifiedAt, &r.RiskReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRegistration inserts a new registration row on first attested
// contact; createdAt becomes the trial start.
func (s *Store) CreateRegistration(ctx context.Context, r DeviceRegistration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_registrations
		    (user_id, device_id, created_at, attestation_type, attestation_nonce,
		     attestation_pubkey_hash, verified_at, risk_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.UserID, r.DeviceID, r.CreatedAt, r.AttestationType, r.AttestationNonce,
		r.AttestationPubkeyHash, r.VerifiedAt, r.RiskReason)
	return err
}

// FillLateAttestation records attestation exactly once, only when
// verified_at is currently null — the one-shot late-attestation path.
func (s *Store) FillLateAttestation(ctx context.Context, userID, deviceID, attType, nonce, pubkeyHash string, verifiedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_registrations
		SET attestation_type = $3, attestation_nonce = $4,
		    attestation_pubkey_hash = $5, verified_at = $6
		WHERE user_id = $1 AND device_id = $2 AND verified_at IS NULL`,
		userID, deviceID, attType, nonce, pubkeyHash, verifiedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSubscription returns the subscription for (userID, deviceID), or
// nil, nil if none exists.
func (s *Store) GetSubscription(ctx context.Context, userID, deviceID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, plan_code, plan_tier, status, expires_at, auto_renew
		FROM subscriptions
		WHERE user_id = $1 AND device_id = $2`, userID, deviceID).
		Scan(&sub.UserID, &sub.DeviceID, &sub.PlanCode, &sub.PlanTier, &sub.Status, &sub.ExpiresAt, &sub.AutoRenew)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription inserts or updates the subscription row for
// (userID, deviceID) — the only mutation path for subscriptions, driven
// by the billing-webhook handler.
func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, device_id, plan_code, plan_tier, status, expires_at, auto_renew)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
		    plan_code = EXCLUDED.plan_code,
		    plan_tier = EXCLUDED.plan_tier,
		    status = EXCLUDED.status,
		    expires_at = EXCLUDED.expires_at,
		    auto_renew = EXCLUDED.auto_renew`,
		sub.UserID, sub.DeviceID, sub.PlanCode, sub.PlanTier, sub.Status, sub.ExpiresAt, sub.AutoRenew)
	return err
}

// InsertBillingEventIfAbsent inserts a billing event keyed by
// (provider, event_id) and reports whether it was newly inserted —
// false means this event_id was already processed (the webhook's
// idempotency gate).
func (s *Store) InsertBillingEventIfAbsent(ctx context.Context, ev BillingEvent) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_events (provider, event_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		ev.Provider, ev.EventID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
