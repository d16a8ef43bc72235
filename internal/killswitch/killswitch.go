// Package killswitch implements the kill-switch delivery fabric: a hub
// of per-device push sockets fed by a single background relay that
// subscribes to the shared pub/sub channel and fans out messages to the
// matching sockets. Grounded on app/services/kill_switch.py and
// app/api/v1/security.py/security_priority.py for message-routing and
// admission semantics, and structurally on the teacher's
// internal/websocket/dag_streamer.go hub/broadcast shape.
//
// Unlike the Python original's package-level listener_task/stop_event
// globals, the relay's lifetime is owned entirely by the Hub: it starts
// on first socket registration and is cancelled and joined on last
// unregistration, per spec.md §9's explicit redesign instruction.
package killswitch

import (
	"context"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ocx/backend/internal/coord"
	"github.com/ocx/backend/internal/metrics"
)

const channel = "kill-switch"

// socket pairs a live connection with the device it was admitted for.
type socket struct {
	conn     *websocket.Conn
	deviceID string
}

// Hub owns the set of live push sockets and the relay goroutine that
// fans out kill-switch messages to them.
type Hub struct {
	mu      sync.Mutex
	sockets map[*websocket.Conn]*socket

	coord   *coord.Client
	metrics *metrics.Metrics

	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

func NewHub(c *coord.Client, m *metrics.Metrics) *Hub {
	return &Hub{
		sockets: make(map[*websocket.Conn]*socket),
		coord:   c,
		metrics: m,
	}
}

// Register adds conn to the hub for deviceID, starting the relay if this
// is the first socket. The first-socket check and the relay start happen
// under the same lock acquisition as the map insert, so a concurrent
// Unregister can never observe an empty hub between the two and race the
// relay's start/stop pairing.
func (h *Hub) Register(conn *websocket.Conn, deviceID string) {
	h.mu.Lock()
	h.sockets[conn] = &socket{conn: conn, deviceID: deviceID}
	if len(h.sockets) == 1 {
		h.startRelayLocked()
	}
	count := len(h.sockets)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.KillSwitchSockets.Set(float64(count))
	}
}

// Unregister removes conn from the hub, stopping the relay if the hub
// becomes empty. The emptiness check and the relay-stop bookkeeping
// happen under the same lock acquisition as the map delete, mirroring
// Register; only the actual cancel()/<-done wait runs outside the lock,
// since the relay's own broadcast needs h.mu to read the socket set.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.sockets, conn)
	var cancel context.CancelFunc
	var done chan struct{}
	if len(h.sockets) == 0 {
		cancel, done = h.relayCancel, h.relayDone
		h.relayCancel, h.relayDone = nil, nil
	}
	count := len(h.sockets)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.KillSwitchSockets.Set(float64(count))
	}

	if cancel != nil {
		cancel()
		<-done
	}
}

// startRelayLocked begins the background pub/sub relay, idempotently: a
// relay already running is left alone. Callers must hold h.mu.
func (h *Hub) startRelayLocked() {
	if h.relayCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.relayCancel = cancel
	h.relayDone = make(chan struct{})
	done := h.relayDone

	go h.relay(ctx, done)
}

func (h *Hub) relay(ctx context.Context, done chan struct{}) {
	defer close(done)

	pubsub := h.coord.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(msg.Payload)
		}
	}
}

// broadcast delivers payload to every socket whose device matches the
// message's target, or to every socket when the message is untargeted.
// Send failures unregister the offending socket without propagating.
func (h *Hub) broadcast(payload string) {
	target, kind := parseTarget(payload)

	h.mu.Lock()
	targets := make([]*socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		if target == "" || s.deviceID == target {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			h.Unregister(s.conn)
		}
	}

	if h.metrics != nil {
		h.metrics.KillSwitchFanout.WithLabelValues(kind).Add(float64(len(targets)))
	}
}

// parseTarget extracts the device id and message kind from a kill-switch
// payload of the form "<kind>:<device>[:...]" — e.g.
// "block:d1:score:12", "IMMEDIATE_QUARANTINE:d1",
// "CRITICAL_LOCK:d1", "force_overlay:d1". Untargeted messages return "".
func parseTarget(payload string) (device, kind string) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) < 2 {
		return "", "untargeted"
	}
	kind = parts[0]
	switch kind {
	case "block", "IMMEDIATE_QUARANTINE", "CRITICAL_LOCK", "force_overlay":
		return parts[1], kind
	default:
		return "", "untargeted"
	}
}

// PublishCriticalLock publishes a CRITICAL_LOCK message for deviceID,
// reusing the shared relay for fan-out — the priority socket's reaction
// to a client-pushed SYNTHETIC_TOUCH_ALARM.
func (h *Hub) PublishCriticalLock(ctx context.Context, deviceID string) error {
	return h.coord.Publish(ctx, channel, "CRITICAL_LOCK:"+deviceID)
}
