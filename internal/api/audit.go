package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ocx/backend/internal/admission"
	"github.com/ocx/backend/internal/apierr"
)

type auditLogEntry struct {
	DeviceID    string `json:"device_id"`
	CreatedAt   string `json:"created_at"`
	ThreatLevel string `json:"threat_level"`
	Reason      string `json:"reason"`
}

// handleAuditLogs implements GET /v1/audit/logs: newest first, capped at
// 200 rows per spec.md §6.
func (d *Deps) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
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

	logs, err := d.Store.ListAuditLogs(r.Context(), decision.UserID, deviceID, 200)
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to read audit logs"))
		return
	}

	out := make([]auditLogEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, auditLogEntry{
			DeviceID:    l.DeviceID,
			CreatedAt:   l.CreatedAt.Format(time.RFC3339),
			ThreatLevel: l.ThreatLevel,
			Reason:      l.Reason,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
