// Package edr implements the pure endpoint-detection risk scorer: given a
// device's reported installed-app and DNS telemetry, it returns a score,
// a severity level, and a list of contributing actions. It performs no
// I/O and holds no state, grounded on the scoring table in
// app/services/threat.py.
package edr

import "strings"

// Permission name constants as reported by the mobile agent.
const (
	PermissionSMS          = "sms"
	PermissionAccessibility = "accessibility"
	PermissionDeviceAdmin  = "device_admin"
)

// Level is the EDR severity classification.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// App describes one installed application reported by the agent.
type App struct {
	Hash       string
	Sideloaded bool
}

// DNSLog is one resolved-domain/IP entry from the device's recent DNS
// activity.
type DNSLog struct {
	Domain string
	IP     string
}

// Report is the inbound EDR telemetry payload.
type Report struct {
	DeviceID              string
	SuspiciousApps        []App
	DangerousPermissions  []string
	DNSLogs               []DNSLog
}

// Verdict is the scored result of a Report.
type Verdict struct {
	Score       int
	Level       Level
	Actions     []string
	RATDetected bool
}

// malwareHashBlacklist, ratDomains and ratIPs are the known-bad indicator
// sets this scorer checks reports against.
var (
	malwareHashBlacklist = map[string]bool{
		"d41d8cd98f00b204e9800998ecf8427e": true,
		"e3b0c44298fc1c149afbf4c8996fb924": true,
	}
	ratDomains = map[string]bool{
		"c2.evilrat.net":     true,
		"command.badrat.io":  true,
	}
	ratIPs = map[string]bool{
		"185.220.101.1": true,
		"45.142.214.50": true,
	}
)

// Score evaluates a report and returns its verdict.
func Score(r Report) Verdict {
	score := 0
	var actions []string

	anySideloaded := false
	for _, app := range r.SuspiciousApps {
		if malwareHashBlacklist[app.Hash] {
			score += 50
			actions = append(actions, "blacklisted_hash:"+app.Hash)
		}
		if app.Sideloaded {
			score += 15
			anySideloaded = true
			actions = append(actions, "sideloaded_app:"+app.Hash)
		}
	}

	hasSMS := hasPermission(r.DangerousPermissions, PermissionSMS)
	hasAccessibility := hasPermission(r.DangerousPermissions, PermissionAccessibility)
	hasDeviceAdmin := hasPermission(r.DangerousPermissions, PermissionDeviceAdmin)

	if hasSMS {
		score += 10
		actions = append(actions, "permission:sms")
	}
	if hasAccessibility {
		score += 15
		actions = append(actions, "permission:accessibility")
	}
	if hasDeviceAdmin {
		score += 10
		actions = append(actions, "permission:device_admin")
	}

	if anySideloaded && hasSMS && hasAccessibility {
		score += 30
		actions = append(actions, "combo_sideloaded_sms_accessibility")
	}

	ratDetected := false
	for _, log := range r.DNSLogs {
		if ratDomains[log.Domain] {
			score += 40
			ratDetected = true
			actions = append(actions, "rat_contact:"+log.Domain)
		} else if log.IP != "" && ratIPs[log.IP] {
			score += 40
			ratDetected = true
			actions = append(actions, "rat_contact:"+log.IP)
		}
	}

	var level Level
	if ratDetected {
		level = LevelCritical
		if score < 80 {
			score = 80
		}
		if score > 100 {
			score = 100
		}
	} else {
		switch {
		case score >= 80:
			level = LevelCritical
		case score >= 50:
			level = LevelHigh
		case score >= 25:
			level = LevelMedium
		default:
			level = LevelLow
		}
		if score > 100 {
			score = 100
		}
	}

	return Verdict{Score: score, Level: level, Actions: actions, RATDetected: ratDetected}
}

// hasPermission matches case-insensitively, mirroring
// app/services/threat.py's `{p.lower() for p in report.dangerous_permissions}`
// normalization — mobile agents report permission names with whatever
// casing their platform API uses.
func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if strings.EqualFold(p, want) {
			return true
		}
	}
	return false
}

// ShouldAudit reports whether the verdict warrants an audit-log entry
// (caller policy: persist audit on high/critical).
func (v Verdict) ShouldAudit() bool {
	return v.Level == LevelHigh || v.Level == LevelCritical
}

// ShouldRevoke reports whether the verdict warrants revoke-and-block plus
// a kill-switch publish (caller policy: critical only).
func (v Verdict) ShouldRevoke() bool {
	return v.Level == LevelCritical
}
