// Package api wires the HTTP surface from spec.md §6 onto the control
// plane's services: heartbeat ingestion, trust-score and audit reads,
// billing webhook + paywall status, auth refresh/logout, EDR reporting,
// and JWKS publication. Grounded on the teacher's cmd/api/main.go
// router-assembly style — gorilla/mux, one handler per route, deps
// passed explicitly rather than through package globals.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/admission"
	"github.com/ocx/backend/internal/analyzer"
	"github.com/ocx/backend/internal/coord"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/paywall"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/tokens"
)

// Deps bundles every service the HTTP handlers depend on.
type Deps struct {
	Tokens        *tokens.Service
	Coord         *coord.Client
	Store         *store.Store
	Paywall       *paywall.Service
	Admission     *admission.Filter
	Analyzer      *analyzer.Pool
	Metrics       *metrics.Metrics
	WebhookSecret string
}

// NewRouter assembles the full HTTP surface. Push-socket endpoints
// (/v1/security/kill-switch, /v1/security/priority) are registered
// separately by the caller against internal/killswitch.Handler, since
// they upgrade to a websocket rather than returning JSON.
func NewRouter(d *Deps) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/signals/heartbeat", d.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/v1/security/trust-score", d.handleTrustScore).Methods(http.MethodGet)
	r.HandleFunc("/v1/audit/logs", d.handleAuditLogs).Methods(http.MethodGet)
	r.HandleFunc("/v1/billing/webhook", d.handleBillingWebhook).Methods(http.MethodPost)
	r.HandleFunc("/v1/billing/subscription", d.handleBillingSubscription).Methods(http.MethodGet)
	r.HandleFunc("/v1/billing/status", d.handleBillingStatus).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/refresh", d.handleAuthRefresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/logout", d.handleAuthLogout).Methods(http.MethodPost)
	r.HandleFunc("/v1/edr/report", d.handleEDRReport).Methods(http.MethodPost)
	r.HandleFunc("/internal/jwks", d.handleJWKS).Methods(http.MethodGet)

	return r
}

// bearerFromHeader extracts a bearer token from a plain Authorization
// header, used by every HTTP handler (push-socket admission has its own
// extractor that also understands the subprotocol form).
func bearerFromHeader(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
