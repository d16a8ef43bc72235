package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ocx/backend/internal/admission"
	"github.com/ocx/backend/internal/apierr"
)

// trustScoreSafeThreshold is the fixed safe/block divide for the
// trust-score read endpoint, distinct from the analyzer's own adaptive
// per-device threshold (spec.md §6: "verdict... threshold 50").
const trustScoreSafeThreshold = 50

type trustScoreResponse struct {
	DeviceID string `json:"device_id"`
	Score    int    `json:"score"`
	Verdict  string `json:"verdict"`
}

// handleTrustScore implements GET /v1/security/trust-score.
func (d *Deps) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		apierr.Write(w, apierr.Auth("device_id is required"))
		return
	}

	decision, err := d.Admission.Admit(r.Context(), admission.Request{
		Bearer:         bearerFromHeader(r),
		HeaderDeviceID: deviceID,
	})
	if err != nil {
		apierr.Write(w, err)
		return
	}
	admission.WritePlanTierHeader(w, decision.PlanTier)

	score := 100
	if val, ok, err := d.Coord.Get(r.Context(), "decision:"+deviceID); err == nil && ok {
		if n, err := strconv.Atoi(val); err == nil {
			score = n
		}
	}

	verdict := "safe"
	if score < trustScoreSafeThreshold {
		verdict = "block"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trustScoreResponse{DeviceID: deviceID, Score: score, Verdict: verdict})
}
