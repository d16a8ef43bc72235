package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ocx/backend/internal/admission"
	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/edr"
	"github.com/ocx/backend/internal/store"
)

type edrAppReport struct {
	Hash       string `json:"hash"`
	Sideloaded bool   `json:"sideloaded"`
}

type edrDNSReport struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
}

type edrReportRequest struct {
	DeviceID             string         `json:"device_id"`
	SuspiciousApps       []edrAppReport `json:"suspicious_apps"`
	DangerousPermissions []string       `json:"dangerous_permissions"`
	DNSLogs              []edrDNSReport `json:"dns_logs"`
}

type edrReportResponse struct {
	Score   int      `json:"score"`
	Level   string   `json:"level"`
	Actions []string `json:"actions"`
}

// handleEDRReport implements POST /v1/edr/report: scores the device's
// endpoint-detection telemetry, audits on high/critical, and revokes the
// device (plus a kill-switch publish) on critical.
func (d *Deps) handleEDRReport(w http.ResponseWriter, r *http.Request) {
	var req edrReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.Auth("invalid request body"))
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

	report := edr.Report{DeviceID: decision.DeviceID, DangerousPermissions: req.DangerousPermissions}
	for _, a := range req.SuspiciousApps {
		report.SuspiciousApps = append(report.SuspiciousApps, edr.App{Hash: a.Hash, Sideloaded: a.Sideloaded})
	}
	for _, l := range req.DNSLogs {
		report.DNSLogs = append(report.DNSLogs, edr.DNSLog{Domain: l.Domain, IP: l.IP})
	}

	verdict := edr.Score(report)

	if verdict.ShouldAudit() {
		reason := "edr_score"
		if len(verdict.Actions) > 0 {
			reason = verdict.Actions[0]
		}
		if err := d.Store.InsertAudit(r.Context(), store.AuditLog{
			UserID: decision.UserID, DeviceID: decision.DeviceID,
			CreatedAt: time.Now(), ThreatLevel: string(verdict.Level), Reason: reason,
		}); err != nil {
			apierr.Write(w, apierr.Internal("failed to persist audit record"))
			return
		}
	}

	if verdict.ShouldRevoke() {
		if err := d.Tokens.RevokeAndBlock(r.Context(), decision.UserID, decision.DeviceID, true); err != nil {
			apierr.Write(w, apierr.Internal("failed to revoke device"))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(edrReportResponse{
		Score: verdict.Score, Level: string(verdict.Level), Actions: verdict.Actions,
	})
}
