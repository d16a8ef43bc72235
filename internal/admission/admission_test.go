package admission

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/apierr"
	"github.com/ocx/backend/internal/coord"
	"github.com/ocx/backend/internal/paywall"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/tokens"
)

func TestClassifyTokenError_UnwrapsWrappedUnavailable(t *testing.T) {
	// internal/tokens wraps ErrUnavailable (e.g. the JWKS-fetch-failure
	// path) via fmt.Errorf("%w: ..."), so classification must use
	// errors.Is rather than raw equality or it silently falls through to
	// 401 instead of the spec-mandated 503.
	wrapped := fmt.Errorf("%w: jwks fetch failed", tokens.ErrUnavailable)

	apiErr, ok := classifyTokenError(wrapped).(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

// testCoord connects to a local coordination store, skipping when none is
// reachable, matching internal/tokens' integration-test pattern.
func testCoord(t *testing.T) *coord.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := coord.New(ctx, coord.Options{URL: "redis://127.0.0.1:6379/15"})
	if err != nil {
		t.Skipf("coordination store unavailable, skipping integration test: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestFilter(t *testing.T, limits RateLimits) (*Filter, *tokens.Service, *coord.Client) {
	c := testCoord(t)
	tokenSvc, err := tokens.New(tokens.Config{
		Alg: "HS256", HMACSecret: "test-secret",
		Issuer: "ocx-trust-plane", Audience: "ocx-mobile",
		ClockSkew: 30 * time.Second, AccessTTL: 15 * time.Minute,
		FingerprintSecret: "fp-secret",
		RefreshBaseTTL:    7 * 24 * time.Hour, RefreshMaxTTL: 30 * 24 * time.Hour,
		RefreshExtend: 24 * time.Hour, RefreshRateWindow: time.Minute, RefreshRateMax: 10,
		BlockTTL: time.Hour,
	}, c)
	require.NoError(t, err)

	// No durable store is wired for these tests: the subscription cache
	// is pre-seeded directly, so paywall.Service's store-backed path is
	// never exercised here.
	pw := paywall.New((*store.Store)(nil))

	f := New(tokenSvc, c, pw, limits, time.Minute)
	return f, tokenSvc, c
}

func TestAdmit_RateLimitExceeded(t *testing.T) {
	limits := RateLimits{Window: time.Minute, TrialMax: 2, PaidBasicMax: 10, PaidMax: 20, AndroidAccessibility: 30}
	f, tokenSvc, c := newTestFilter(t, limits)
	ctx := context.Background()

	pair, err := tokenSvc.IssueTokens(ctx, "u1", "d1", "fp-1")
	require.NoError(t, err)

	require.NoError(t, c.HSet(ctx, "sub:u1:d1", map[string]string{
		"plan_tier": "trial", "status": "trial", "is_premium": "false", "trial_expired": "false",
	}, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := f.Admit(ctx, Request{Bearer: pair.AccessToken, HeaderDeviceID: "d1"})
		require.NoError(t, err)
	}

	_, err = f.Admit(ctx, Request{Bearer: pair.AccessToken, HeaderDeviceID: "d1"})
	require.Error(t, err)
}

func TestAdmit_BlockedDeviceRejected(t *testing.T) {
	limits := RateLimits{Window: time.Minute, TrialMax: 100, PaidBasicMax: 100, PaidMax: 100, AndroidAccessibility: 100}
	f, tokenSvc, c := newTestFilter(t, limits)
	ctx := context.Background()

	pair, err := tokenSvc.IssueTokens(ctx, "u2", "d2", "fp-2")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "device:d2:state", "blocked", time.Minute))

	_, err = f.Admit(ctx, Request{Bearer: pair.AccessToken, HeaderDeviceID: "d2"})
	require.Error(t, err)
}

func TestAdmit_TrialExpiredFromCacheRejected(t *testing.T) {
	limits := RateLimits{Window: time.Minute, TrialMax: 100, PaidBasicMax: 100, PaidMax: 100, AndroidAccessibility: 100}
	f, tokenSvc, c := newTestFilter(t, limits)
	ctx := context.Background()

	pair, err := tokenSvc.IssueTokens(ctx, "u3", "d3", "fp-3")
	require.NoError(t, err)
	require.NoError(t, c.HSet(ctx, "sub:u3:d3", map[string]string{
		"plan_tier": "trial", "status": "trial", "is_premium": "false", "trial_expired": "true",
	}, time.Minute))

	_, err = f.Admit(ctx, Request{Bearer: pair.AccessToken, HeaderDeviceID: "d3"})
	require.Error(t, err)
}

func TestAdmit_MissingBearerRejected(t *testing.T) {
	limits := RateLimits{Window: time.Minute, TrialMax: 100, PaidBasicMax: 100, PaidMax: 100, AndroidAccessibility: 100}
	f, _, _ := newTestFilter(t, limits)

	_, err := f.Admit(context.Background(), Request{HeaderDeviceID: "d4"})
	require.Error(t, err)
}
