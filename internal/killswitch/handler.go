// Socket admission for the kill-switch and priority push endpoints:
// origin allowlisting, bearer extraction from either the
// "bearer,<jwt>" subprotocol pair or an Authorization header, token
// verification, device-state and paywall gating, and a per-IP+device
// connection rate limit. Grounded on app/api/v1/security.py's socket
// admission sequence and structurally on the teacher's
// internal/fabric/websocket.go upgrade/CheckOrigin shape.
package killswitch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/backend/internal/coord"
	"github.com/ocx/backend/internal/paywall"
	"github.com/ocx/backend/internal/tokens"
)

// Verifier is the subset of internal/tokens.Service the socket admission
// path needs.
type Verifier interface {
	Verify(ctx context.Context, token, expectedTyp, expectedDeviceID string) (*tokens.Claims, error)
}

// PaywallChecker is the subset of internal/paywall.Service the socket
// admission path needs.
type PaywallChecker interface {
	Compute(ctx context.Context, userID, deviceID string, now time.Time, att *paywall.Attestation) (paywall.State, error)
}

// AdmissionConfig configures socket-level admission.
type AdmissionConfig struct {
	AllowedOrigins  []string
	RateLimitWindow time.Duration
	RateLimitMax    int64
}

func (c AdmissionConfig) originAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Handler upgrades incoming requests to the kill-switch and priority push
// sockets, admitting them into hub.
type Handler struct {
	hub      *Hub
	verifier Verifier
	coord    *coord.Client
	paywall  PaywallChecker
	cfg      AdmissionConfig
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, v Verifier, c *coord.Client, pw PaywallChecker, cfg AdmissionConfig) *Handler {
	return &Handler{
		hub: hub, verifier: v, coord: c, paywall: pw, cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"bearer"},
			// Origin is enforced after upgrade so a rejected connection
			// can be closed with the documented 1008 policy-violation
			// code rather than a bare HTTP 403.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeKillSwitch handles GET /v1/security/kill-switch.
func (h *Handler) ServeKillSwitch(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// ServePriority handles GET /v1/security/priority: identical admission,
// plus it reacts to a client-pushed SYNTHETIC_TOUCH_ALARM message by
// publishing CRITICAL_LOCK onto the shared kill-switch channel.
func (h *Handler) ServePriority(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, priority bool) {
	token := extractBearer(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" && !h.cfg.originAllowed(origin) {
		closeWithCode(conn, websocket.ClosePolicyViolation, "origin not allowed")
		return
	}

	claims, err := h.verifier.Verify(r.Context(), token, tokens.TypAccess, "")
	if err != nil {
		closeWithCode(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = claims.DeviceID
	}
	if deviceID != claims.DeviceID {
		closeWithCode(conn, websocket.ClosePolicyViolation, "device mismatch")
		return
	}

	if blocked, _, err := h.coord.Get(r.Context(), "device:"+deviceID+":state"); err == nil && blocked == "blocked" {
		closeWithCode(conn, websocket.ClosePolicyViolation, "device blocked")
		return
	}

	ip := clientIP(r)
	rateKey := fmt.Sprintf("push_rate:%s:%s", ip, deviceID)
	if n, err := h.coord.Incr(r.Context(), rateKey, h.cfg.RateLimitWindow); err == nil && n > h.cfg.RateLimitMax {
		closeWithCode(conn, closeCodeRateLimited, "rate limited")
		return
	}

	state, err := h.paywall.Compute(r.Context(), claims.Sub, claims.DeviceID, time.Now(), nil)
	if err != nil {
		closeWithCode(conn, websocket.ClosePolicyViolation, "paywall check failed")
		return
	}
	if state.TrialExpired && !state.IsPremium {
		closeWithCode(conn, closeCodePaymentRequired, "payment required")
		return
	}

	h.hub.Register(conn, claims.DeviceID)
	defer h.hub.Unregister(conn)

	h.readLoop(conn, claims.DeviceID, priority)
}

// closeCodeRateLimited is the standard "try again later" close code
// (gorilla/websocket's CloseTryAgainLater); closeCodePaymentRequired is
// an application-range close code that gorilla/websocket does not
// predefine.
const (
	closeCodeRateLimited     = 1013
	closeCodePaymentRequired = 4003
)

func (h *Handler) readLoop(conn *websocket.Conn, deviceID string, priority bool) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if priority && string(msg) == "SYNTHETIC_TOUCH_ALARM" {
			_ = h.hub.PublishCriticalLock(context.Background(), deviceID)
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// extractBearer resolves the bearer token from the "bearer,<jwt>"
// subprotocol pair, falling back to a plain Authorization header.
func extractBearer(r *http.Request) string {
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		for i, p := range parts {
			if p == "bearer" && i+1 < len(parts) {
				return parts[i+1]
			}
		}
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
