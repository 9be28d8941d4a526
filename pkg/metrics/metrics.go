package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	outcome         map[string]int64
	reason          map[string]int64
	gauges          map[string]float64
	outcomeReason   map[string]int64
	scopeViolations int64
	indexRetries    int64
	verifyLatency   VerifyLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Outcomes          map[string]int64        `json:"outcomes"`
	Reasons           map[string]int64        `json:"reasons"`
	Gauges            map[string]float64      `json:"gauges"`
	OutcomeReason     map[string]int64        `json:"outcome_reason"`
	ScopeViolations   int64                   `json:"scope_violations_total"`
	IndexRetries      int64                   `json:"index_retries_total"`
	VerifyLatencyMS   VerifyLatencyStat       `json:"verify_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		outcome:       map[string]int64{},
		reason:        map[string]int64{},
		gauges:        map[string]float64{},
		outcomeReason: map[string]int64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncOutcome counts retrieval calls by terminal outcome (admitted, denied,
// unavailable).
func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

// IncReason counts rejections by taxonomy code.
func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncOutcomeReason(outcome, reason string) {
	outcome = strings.TrimSpace(outcome)
	reason = strings.TrimSpace(reason)
	if outcome == "" {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	key := outcome + "|" + reason
	r.mu.Lock()
	r.outcomeReason[key]++
	r.mu.Unlock()
}

// AddScopeViolations counts chunks the index returned that re-verification
// had to reject. Nonzero values point at stale tags or a misbehaving index.
func (r *Registry) AddScopeViolations(delta int64) {
	if delta <= 0 {
		return
	}
	r.mu.Lock()
	r.scopeViolations += delta
	r.mu.Unlock()
}

func (r *Registry) IncIndexRetry() {
	r.mu.Lock()
	r.indexRetries++
	r.mu.Unlock()
}

// ObserveVerifyLatency tracks how long the local re-verification pass takes.
func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:        make(map[string]int64, len(r.outcome)),
		Reasons:         make(map[string]int64, len(r.reason)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		OutcomeReason:   make(map[string]int64, len(r.outcomeReason)),
		ScopeViolations: r.scopeViolations,
		IndexRetries:    r.indexRetries,
		VerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.outcomeReason {
		out.OutcomeReason[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP scopegate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE scopegate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "scopegate_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP scopegate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE scopegate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "scopegate_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP scopegate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE scopegate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "scopegate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP scopegate_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE scopegate_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "scopegate_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP scopegate_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE scopegate_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "scopegate_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP scopegate_outcome_total retrieval calls by outcome\n")
		b.WriteString("# TYPE scopegate_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "scopegate_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP scopegate_reason_total rejections by reason code\n")
		b.WriteString("# TYPE scopegate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "scopegate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP scopegate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE scopegate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "scopegate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP scopegate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE scopegate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "scopegate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "scopegate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "scopegate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "scopegate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "scopegate_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "scopegate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "scopegate_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP scopegate_outcome_reason_total retrieval calls by outcome and reason\n")
		b.WriteString("# TYPE scopegate_outcome_reason_total counter\n")
		for _, key := range SortedKeys(snap.OutcomeReason) {
			parts := strings.SplitN(key, "|", 2)
			outcome := parts[0]
			reason := "unknown"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "scopegate_outcome_reason_total{outcome=%q,reason=%q} %d\n", outcome, reason, snap.OutcomeReason[key])
		}

		b.WriteString("# HELP scopegate_scope_violations_total chunks rejected by local re-verification\n")
		b.WriteString("# TYPE scopegate_scope_violations_total counter\n")
		fmt.Fprintf(b, "scopegate_scope_violations_total %d\n", snap.ScopeViolations)

		b.WriteString("# HELP scopegate_index_retries_total similarity index retries\n")
		b.WriteString("# TYPE scopegate_index_retries_total counter\n")
		fmt.Fprintf(b, "scopegate_index_retries_total %d\n", snap.IndexRetries)

		b.WriteString("# HELP scopegate_verify_latency_ms re-verification pass latency in ms\n")
		b.WriteString("# TYPE scopegate_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "scopegate_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "scopegate_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "scopegate_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
