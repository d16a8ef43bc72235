package killswitch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/coord"
)

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

// TestRegisterUnregister_RelayLifecycleNeverLeaksOrDoubleStarts pins the
// Register/Unregister race: hammering register/unregister of the same
// connection concurrently must never leave a relay running once the hub
// is empty, nor start a second relay while one is already live. The
// connection pointers are never written to (broadcast is not exercised
// here), so zero-value *websocket.Conn placeholders are safe as map keys.
func TestRegisterUnregister_RelayLifecycleNeverLeaksOrDoubleStarts(t *testing.T) {
	c := testCoord(t)
	h := NewHub(c, nil)

	conns := make([]*websocket.Conn, 8)
	for i := range conns {
		conns[i] = &websocket.Conn{}
	}

	var wg sync.WaitGroup
	for round := 0; round < 50; round++ {
		for _, conn := range conns {
			wg.Add(2)
			go func(conn *websocket.Conn) {
				defer wg.Done()
				h.Register(conn, "dev")
			}(conn)
			go func(conn *websocket.Conn) {
				defer wg.Done()
				h.Unregister(conn)
			}(conn)
		}
	}
	wg.Wait()

	for _, conn := range conns {
		h.Unregister(conn)
	}

	h.mu.Lock()
	empty := len(h.sockets) == 0
	relayRunning := h.relayCancel != nil
	h.mu.Unlock()

	require.True(t, empty, "all sockets must be unregistered")
	assert.False(t, relayRunning, "relay must not be left running once the hub is empty")
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		payload      string
		wantDevice   string
		wantKind     string
	}{
		{"block:d1:score:12", "d1", "block"},
		{"IMMEDIATE_QUARANTINE:d2", "d2", "IMMEDIATE_QUARANTINE"},
		{"CRITICAL_LOCK:d3", "d3", "CRITICAL_LOCK"},
		{"force_overlay:d4", "d4", "force_overlay"},
		{"some_broadcast_without_device", "", "untargeted"},
	}
	for _, c := range cases {
		device, kind := parseTarget(c.payload)
		assert.Equal(t, c.wantDevice, device, c.payload)
		assert.Equal(t, c.wantKind, kind, c.payload)
	}
}
