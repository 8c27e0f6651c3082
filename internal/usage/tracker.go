package usage

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Record is one completed relay call.
type Record struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	Failed           bool
}

type modelTotals struct {
	calls            int64
	failures         int64
	promptTokens     int64
	completionTokens int64
	latency          time.Duration
}

// Tracker aggregates per-model call statistics in memory and mirrors them
// into prometheus collectors.
type Tracker struct {
	mu     sync.Mutex
	totals map[string]*modelTotals

	calls       *prometheus.CounterVec
	tokens      *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
}

// NewTracker builds a tracker and registers its collectors with reg. A nil
// registerer keeps the tracker purely in-memory, which the tests use.
func NewTracker(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		totals: make(map[string]*modelTotals),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitrelay_calls_total",
			Help: "Relay calls by model and outcome.",
		}, []string{"model", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitrelay_tokens_total",
			Help: "Estimated tokens by model and direction.",
		}, []string{"model", "direction"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bitrelay_call_duration_seconds",
			Help:    "End-to-end relay call latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model"}),
	}
	if reg != nil {
		reg.MustRegister(t.calls, t.tokens, t.callLatency)
	}
	return t
}

// Observe records a finished call.
func (t *Tracker) Observe(rec Record) {
	t.mu.Lock()
	m := t.totals[rec.Model]
	if m == nil {
		m = &modelTotals{}
		t.totals[rec.Model] = m
	}
	m.calls++
	if rec.Failed {
		m.failures++
	}
	m.promptTokens += int64(rec.PromptTokens)
	m.completionTokens += int64(rec.CompletionTokens)
	m.latency += rec.Latency
	t.mu.Unlock()

	outcome := "ok"
	if rec.Failed {
		outcome = "error"
	}
	t.calls.WithLabelValues(rec.Model, outcome).Inc()
	t.tokens.WithLabelValues(rec.Model, "prompt").Add(float64(rec.PromptTokens))
	t.tokens.WithLabelValues(rec.Model, "completion").Add(float64(rec.CompletionTokens))
	t.callLatency.WithLabelValues(rec.Model).Observe(rec.Latency.Seconds())
}

// Snapshot is the aggregated view of one model's traffic.
type Snapshot struct {
	Model            string
	Calls            int64
	Failures         int64
	PromptTokens     int64
	CompletionTokens int64
	AvgLatency       time.Duration
}

// Snapshots returns the per-model aggregates.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.totals))
	for model, m := range t.totals {
		s := Snapshot{
			Model:            model,
			Calls:            m.calls,
			Failures:         m.failures,
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
		}
		if m.calls > 0 {
			s.AvgLatency = m.latency / time.Duration(m.calls)
		}
		out = append(out, s)
	}
	return out
}

// StartSummaryLoop logs the aggregated statistics on an interval until ctx
// is cancelled. Models with no traffic since startup are not reported.
func (t *Tracker) StartSummaryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range t.Snapshots() {
					log.WithFields(log.Fields{
						"model":             s.Model,
						"calls":             s.Calls,
						"failures":          s.Failures,
						"prompt_tokens":     s.PromptTokens,
						"completion_tokens": s.CompletionTokens,
						"avg_latency":       s.AvgLatency.Truncate(time.Millisecond).String(),
					}).Info("usage summary")
				}
			}
		}
	}()
}
