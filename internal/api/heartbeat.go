package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/backend/internal/admission"
	"github.com/ocx/backend/internal/analyzer"
	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/trust"
)

// heartbeatPayload mirrors the sensor payload shape in spec.md §6.
type heartbeatPayload struct {
	Accelerometer        [3]float64 `json:"accelerometer"`
	Gyroscope            [3]float64 `json:"gyroscope"`
	Overlay              float64    `json:"overlay"`
	Proximity            float64    `json:"proximity"`
	TouchEvent           bool       `json:"touch_event"`
	MotionDelta          float64    `json:"motion_delta"`
	DeviceAdminEnabled   bool       `json:"device_admin_enabled"`
	AccessibilityEnabled bool       `json:"accessibility_enabled"`
}

type heartbeatRequest struct {
	DeviceID string           `json:"device_id"`
	Payload  heartbeatPayload `json:"payload"`
}

type heartbeatResponse struct {
	Status    string `json:"status"`
	TrustHint int    `json:"trust_hint"`
}

// handleHeartbeat implements POST /v1/signals/heartbeat: the synchronous
// admission path (device-state check -> paywall -> rate limit -> persist
// -> enqueue) from spec.md §2's data-flow description.
func (d *Deps) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.Auth("invalid request body"))
		return
	}

	if !req.Payload.DeviceAdminEnabled || !req.Payload.AccessibilityEnabled {
		apierr.Write(w, apierr.Access("device admin and accessibility protections must stay enabled"))
		return
	}

	decision, err := d.Admission.Admit(r.Context(), admission.Request{
		Bearer:         bearerFromHeader(r),
		HeaderDeviceID: req.DeviceID,
	})
	if err != nil {
		apierr.Write(w, err)
		return
	}
	admission.WritePlanTierHeader(w, decision.PlanTier)

	payload := trust.Payload{
		Accel:       req.Payload.Accelerometer,
		Gyro:        req.Payload.Gyroscope,
		Overlay:     req.Payload.Overlay,
		Proximity:   req.Payload.Proximity,
		TouchEvent:  req.Payload.TouchEvent,
		MotionDelta: req.Payload.MotionDelta,
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to encode payload"))
		return
	}

	if err := d.Store.InsertSignal(r.Context(), store.Signal{
		UserID: decision.UserID, DeviceID: decision.DeviceID,
		Payload: rawPayload, CreatedAt: time.Now(),
	}); err != nil {
		apierr.Write(w, apierr.Internal("failed to persist heartbeat"))
		return
	}

	if err := d.Analyzer.Enqueue(r.Context(), analyzer.Job{
		SignalID: uuid.NewString(), UserID: decision.UserID, DeviceID: decision.DeviceID,
		Payload: payload, EnqueuedAt: time.Now(),
	}); err != nil {
		apierr.Write(w, apierr.Internal("failed to enqueue analysis"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(heartbeatResponse{
		Status:    "queued",
		TrustHint: d.cheapTrustHint(r.Context(), decision.DeviceID),
	})
}

// cheapTrustHint returns the most recently published decision for the
// device without running the trust engine synchronously — the analyzer
// owns scoring; the heartbeat ack only surfaces whatever it last decided,
// defaulting to trusted when nothing has been scored yet.
func (d *Deps) cheapTrustHint(ctx context.Context, deviceID string) int {
	val, ok, err := d.Coord.Get(ctx, "decision:"+deviceID)
	if err != nil || !ok {
		return 100
	}
	hint, err := strconv.Atoi(val)
	if err != nil {
		return 100
	}
	return hint
}
