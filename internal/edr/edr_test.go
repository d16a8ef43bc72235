package edr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore_RATDetectionCombo(t *testing.T) {
	report := Report{
		DeviceID:             "dev-1",
		SuspiciousApps:       []App{{Hash: "unknown-hash", Sideloaded: true}},
		DangerousPermissions: []string{PermissionSMS, PermissionAccessibility},
		DNSLogs:              []DNSLog{{Domain: "c2.evilrat.net"}},
	}

	v := Score(report)

	assert.Equal(t, LevelCritical, v.Level)
	assert.Equal(t, 100, v.Score)
	assert.Contains(t, v.Actions, "rat_contact:c2.evilrat.net")
	assert.Contains(t, v.Actions, "combo_sideloaded_sms_accessibility")
	assert.True(t, v.RATDetected)
	assert.True(t, v.ShouldRevoke())
}

func TestScore_RATDetectionCombo_MixedCasePermissions(t *testing.T) {
	// spec.md scenario 5, verbatim mixed-case permissions as a mobile
	// agent would actually report them.
	report := Report{
		DeviceID:             "dev-1",
		SuspiciousApps:       []App{{Hash: "unknown-hash", Sideloaded: true}},
		DangerousPermissions: []string{"SMS", "Accessibility"},
		DNSLogs:              []DNSLog{{Domain: "c2.evilrat.net"}},
	}

	v := Score(report)

	assert.Equal(t, LevelCritical, v.Level)
	assert.Equal(t, 100, v.Score)
	assert.Contains(t, v.Actions, "rat_contact:c2.evilrat.net")
	assert.Contains(t, v.Actions, "combo_sideloaded_sms_accessibility")
	assert.True(t, v.RATDetected)
}

func TestScore_CleanReportIsLow(t *testing.T) {
	v := Score(Report{DeviceID: "dev-2"})
	assert.Equal(t, LevelLow, v.Level)
	assert.Equal(t, 0, v.Score)
	assert.False(t, v.ShouldAudit())
	assert.False(t, v.ShouldRevoke())
}

func TestScore_BlacklistedHashAlone(t *testing.T) {
	v := Score(Report{SuspiciousApps: []App{{Hash: "d41d8cd98f00b204e9800998ecf8427e"}}})
	assert.Equal(t, 50, v.Score)
	assert.Equal(t, LevelHigh, v.Level)
	assert.True(t, v.ShouldAudit())
}

func TestScore_CriticalFloorWithoutRAT(t *testing.T) {
	v := Score(Report{
		SuspiciousApps:       []App{{Hash: "d41d8cd98f00b204e9800998ecf8427e", Sideloaded: true}},
		DangerousPermissions: []string{PermissionSMS, PermissionAccessibility, PermissionDeviceAdmin},
	})
	// 50 + 15 + 10 + 15 + 10 + 30 = 130, capped at 100, no RAT contact so
	// classified purely by the >=80 threshold.
	assert.Equal(t, 100, v.Score)
	assert.Equal(t, LevelCritical, v.Level)
	assert.False(t, v.RATDetected)
}
