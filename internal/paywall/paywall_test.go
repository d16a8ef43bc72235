package paywall

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAndroidAccessibilityTelemetry(t *testing.T) {
	cases := []struct {
		name                   string
		platform               string
		accessibilityTelemetry string
		want                   bool
	}{
		{"android with telemetry", "android", "true", true},
		{"android without telemetry", "android", "false", false},
		{"android missing header", "android", "", false},
		{"ios ignored", "ios", "true", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsAndroidAccessibilityTelemetry(tc.platform, tc.accessibilityTelemetry))
		})
	}
}
