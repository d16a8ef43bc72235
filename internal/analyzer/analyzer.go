// Package analyzer implements the asynchronous analyzer worker: it
// consumes heartbeat jobs, runs the trust engine, updates the per-device
// Welford baseline, and emits decisions/audit entries, publishing a
// kill-switch block when a device falls below its adaptive threshold.
// Grounded on app/workers/celery_app.py, realized as a Go worker pool
// (the teacher's own worker-pool idiom, internal/webhooks.Dispatcher)
// pulling off a buffered channel instead of a Celery/Redis broker queue.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/ocx/backend/internal/circuitbreaker"
	"github.com/ocx/backend/internal/coord"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/trust"
)

const (
	killSwitchChannel  = "kill-switch"
	latencySampleKey   = "analyzer:latency_samples_ms"
	maxLatencySamples  = 200
	decisionTTL        = 300 * time.Second
	baselineIdleTTL    = 7 * 24 * time.Hour

	breakerInterval = 60 * time.Second
	breakerTimeout  = 30 * time.Second
	breakerTrials   = 3
)

// errOverloaded is the circuitbreaker.Execute failure signal for a single
// job: queue depth or tail latency is over budget for this job, as
// distinct from the breaker being open outright.
var errOverloaded = errors.New("analyzer: pool overloaded")

// Job is one heartbeat unit of work.
type Job struct {
	SignalID   string
	UserID     string
	DeviceID   string
	Payload    trust.Payload
	EnqueuedAt time.Time
}

// Revoker is the subset of internal/tokens.Service the analyzer needs —
// declared as a narrow interface so the analyzer does not depend on the
// token service's full surface.
type Revoker interface {
	RevokeAndBlock(ctx context.Context, userID, deviceID string, publishBlock bool) error
}

// Breaker holds the analyzer's circuit-breaker thresholds.
type Breaker struct {
	MaxQueueDepth  int
	P95LatencyMs   float64
	LatencySamples int
}

// Tuning holds the trust-engine-adjacent tunables the analyzer owns.
type Tuning struct {
	HistoryCap       int
	AdaptiveFloor    float64
	DefaultThreshold float64
	BaselineMinCount int64
}

// Pool is a fixed-size worker pool draining a buffered job channel.
type Pool struct {
	jobs    chan Job
	coord   *coord.Client
	store   *store.Store
	revoker Revoker
	metrics *metrics.Metrics
	breaker Breaker
	tuning  Tuning
	cb      *circuitbreaker.CircuitBreaker

	workers int
	stop    chan struct{}
}

// New constructs a Pool with the given parallelism (minimum 2, per
// spec.md §5's "parallelism >= CPU count"). The queue-depth and
// tail-latency thresholds in breaker feed a stateful Closed/Open/HalfOpen
// circuit breaker rather than two independent per-job checks: once the
// pool trips (breakerTrials consecutive overloaded jobs), workers drop
// every job they take for breakerTimeout instead of flapping drop/admit
// on every sample, then let a handful of trial jobs back through before
// resuming full throughput.
func New(workers int, c *coord.Client, s *store.Store, revoker Revoker, m *metrics.Metrics, breaker Breaker, tuning Tuning) *Pool {
	if workers < 2 {
		workers = 2
	}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "analyzer",
		MaxRequests: breakerTrials,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrials
		},
	})
	return &Pool{
		jobs:    make(chan Job, breaker.MaxQueueDepth*2),
		coord:   c,
		store:   s,
		revoker: revoker,
		metrics: m,
		breaker: breaker,
		tuning:  tuning,
		cb:      cb,
		workers: workers,
		stop:    make(chan struct{}),
	}
}

// Enqueue submits a job for analysis. It also appends the payload to the
// device's recent-payload buffer, matching spec.md's "the recent-payload
// list is updated before the job is enqueued" ordering requirement.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	if err := p.coord.LPushTrim(ctx, "sig:"+job.DeviceID, string(raw), 100); err != nil {
		return err
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		// Queue is saturated; the depth breaker in process will also see
		// this, but a full channel must not block ingestion.
		slog.Warn("analyzer: queue full, dropping job at enqueue", "device_id", job.DeviceID)
		return nil
	}
}

// Run starts the worker goroutines. It blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
	<-ctx.Done()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.process(ctx, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.AnalyzerQueueDepth.Set(float64(len(p.jobs)))
	}

	// Circuit breaker: each job is an "execution" whose success is
	// "not overloaded". Sustained overload trips the breaker open,
	// dropping every job without even checking thresholds until
	// breakerTimeout elapses; a burst of one-off overload samples does
	// not trip it, since ConsecutiveFailures resets on any clean job.
	overloadReason := ""
	err := p.cb.Execute(func() error {
		if len(p.jobs) > p.breaker.MaxQueueDepth {
			overloadReason = "queue_depth"
			return errOverloaded
		}
		if p95, ok := p.recentP95(ctx); ok && p95 > p.breaker.P95LatencyMs {
			if _, hadDecision, _ := p.coord.Get(ctx, "decision:"+job.DeviceID); hadDecision {
				overloadReason = "latency"
				return errOverloaded
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			p.drop(job, "circuit_open")
		} else {
			p.drop(job, overloadReason)
		}
		return
	}

	history, err := p.loadHistory(ctx, job.DeviceID)
	if err != nil {
		slog.Error("analyzer: failed to load history", "device_id", job.DeviceID, "error", err)
		return
	}

	result := trust.Score(history, job.Payload)
	if p.metrics != nil {
		p.metrics.TrustScoreHistogram.Observe(float64(result.Score))
	}

	mean, std, count, err := p.updateBaseline(ctx, job.DeviceID, float64(result.Score))
	if err != nil {
		slog.Error("analyzer: failed to update baseline", "device_id", job.DeviceID, "error", err)
	}

	threshold := p.tuning.DefaultThreshold
	if count >= p.tuning.BaselineMinCount {
		adaptive := mean - 2*std
		if adaptive < p.tuning.AdaptiveFloor {
			adaptive = p.tuning.AdaptiveFloor
		}
		threshold = adaptive
	}

	if err := p.coord.Set(ctx, "decision:"+job.DeviceID, strconv.Itoa(result.Score), decisionTTL); err != nil {
		slog.Error("analyzer: failed to publish decision", "device_id", job.DeviceID, "error", err)
	}
	if err := p.coord.LPushTrim(ctx, "trust_hist:"+job.DeviceID, strconv.Itoa(result.Score), int64(p.tuning.HistoryCap)); err != nil {
		slog.Error("analyzer: failed to append trust history", "device_id", job.DeviceID, "error", err)
	}

	outcome := "safe"
	if float64(result.Score) < threshold {
		outcome = "revoked"
		level := "medium"
		if result.Score < 20 {
			level = "high"
		}
		if err := p.store.InsertAudit(ctx, store.AuditLog{
			UserID: job.UserID, DeviceID: job.DeviceID, CreatedAt: time.Now(),
			ThreatLevel: level, Reason: "Trust score below adaptive threshold",
		}); err != nil {
			slog.Error("analyzer: failed to insert audit", "device_id", job.DeviceID, "error", err)
		}
		if err := p.revoker.RevokeAndBlock(ctx, job.UserID, job.DeviceID, true); err != nil {
			slog.Error("analyzer: revoke-and-block failed", "device_id", job.DeviceID, "error", err)
		}
		if err := p.coord.Publish(ctx, killSwitchChannel, fmt.Sprintf("block:%s:score:%d", job.DeviceID, result.Score)); err != nil {
			slog.Error("analyzer: kill-switch publish failed", "device_id", job.DeviceID, "error", err)
		}
	}

	if p.metrics != nil {
		p.metrics.DecisionsTotal.WithLabelValues(outcome).Inc()
	}

	p.recordLatency(ctx, time.Since(start))
}

func (p *Pool) drop(job Job, reason string) {
	slog.Warn("analyzer: dropping job", "device_id", job.DeviceID, "reason", reason)
	if p.metrics != nil {
		p.metrics.AnalyzerDropsTotal.WithLabelValues(reason).Inc()
	}
}

// loadHistory fetches the recent-payload buffer and reverses it to
// chronological order (oldest to newest), matching
// app/services/trust.py's `history + [current]` construction — the list
// itself is stored newest-first via LPUSH.
func (p *Pool) loadHistory(ctx context.Context, deviceID string) ([]trust.Payload, error) {
	raw, err := p.coord.LRange(ctx, "sig:"+deviceID, int64(p.tuning.HistoryCap))
	if err != nil {
		return nil, err
	}
	out := make([]trust.Payload, len(raw))
	for i, s := range raw {
		var payload trust.Payload
		if err := json.Unmarshal([]byte(s), &payload); err != nil {
			return nil, err
		}
		out[len(raw)-1-i] = payload
	}
	return out, nil
}

// updateBaseline applies one Welford update to the device's baseline
// hash and returns the refreshed (mean, std, count).
func (p *Pool) updateBaseline(ctx context.Context, deviceID string, value float64) (mean, std float64, count int64, err error) {
	key := "baseline:" + deviceID
	fields, err := p.coord.HGetAll(ctx, key)
	if err != nil {
		return 0, 0, 0, err
	}

	var meanOld, m2Old float64
	var countOld int64
	if len(fields) > 0 {
		meanOld, _ = strconv.ParseFloat(fields["mean"], 64)
		m2Old, _ = strconv.ParseFloat(fields["m2"], 64)
		countOld, _ = strconv.ParseInt(fields["count"], 10, 64)
	}

	count = countOld + 1
	delta := value - meanOld
	mean = meanOld + delta/float64(count)
	delta2 := value - mean
	m2 := m2Old + delta*delta2

	if count > 1 {
		std = math.Sqrt(m2 / float64(count))
	}

	err = p.coord.HSet(ctx, key, map[string]string{
		"mean":  strconv.FormatFloat(mean, 'f', -1, 64),
		"m2":    strconv.FormatFloat(m2, 'f', -1, 64),
		"count": strconv.FormatInt(count, 10),
		"std":   strconv.FormatFloat(std, 'f', -1, 64),
	}, baselineIdleTTL)
	return mean, std, count, err
}

func (p *Pool) recordLatency(ctx context.Context, d time.Duration) {
	ms := float64(d.Milliseconds())
	if p.metrics != nil {
		p.metrics.AnalyzerLatency.Observe(ms)
	}
	_ = p.coord.LPushTrim(ctx, latencySampleKey, strconv.FormatFloat(ms, 'f', -1, 64), maxLatencySamples)
}

func (p *Pool) recentP95(ctx context.Context) (float64, bool) {
	raw, err := p.coord.LRange(ctx, latencySampleKey, maxLatencySamples)
	if err != nil || len(raw) == 0 {
		return 0, false
	}
	samples := make([]float64, 0, len(raw))
	for _, s := range raw {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			samples = append(samples, v)
		}
	}
	if len(samples) == 0 {
		return 0, false
	}
	sort.Float64s(samples)
	idx := int(math.Ceil(0.95*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx], true
}
