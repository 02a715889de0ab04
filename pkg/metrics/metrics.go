// Package metrics is an in-process registry exposed as JSON and in Prometheus
// text format. It satisfies the orchestrator's Counters contract.
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
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	executionAttempt map[string]int64
	executionSuccess map[string]int64
	executionFailure map[string]int64
	policyDenied     map[string]int64
	throttled        map[string]int64
	approvalDecision map[string]int64
	replayConflicts  int64
	gauges           map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	ExecutionAttempts map[string]int64        `json:"execution_attempts"`
	ExecutionSuccess  map[string]int64        `json:"execution_success"`
	ExecutionFailure  map[string]int64        `json:"execution_failure"`
	PolicyDenied      map[string]int64        `json:"policy_denied"`
	Throttled         map[string]int64        `json:"throttled"`
	ApprovalDecisions map[string]int64        `json:"approval_decisions"`
	ReplayConflicts   int64                   `json:"replay_conflicts"`
	Gauges            map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		executionAttempt: map[string]int64{},
		executionSuccess: map[string]int64{},
		executionFailure: map[string]int64{},
		policyDenied:     map[string]int64{},
		throttled:        map[string]int64{},
		approvalDecision: map[string]int64{},
		gauges:           map[string]float64{},
	}
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

func (r *Registry) IncExecutionAttempt(phase string) {
	r.incKeyed(r.executionAttempt, phase)
}

func (r *Registry) IncExecutionSuccess(phase string) {
	r.incKeyed(r.executionSuccess, phase)
}

func (r *Registry) IncExecutionFailure(phase, reason string) {
	if reason == "" {
		reason = "UNKNOWN"
	}
	r.incKeyed(r.executionFailure, phase+"|"+reason)
}

func (r *Registry) IncPolicyDenied(reason string) {
	r.incKeyed(r.policyDenied, reason)
}

func (r *Registry) IncReplayConflict() {
	r.mu.Lock()
	r.replayConflicts++
	r.mu.Unlock()
}

func (r *Registry) IncThrottled(operationKind string) {
	r.incKeyed(r.throttled, operationKind)
}

func (r *Registry) IncApprovalDecision(phase, decision string) {
	r.incKeyed(r.approvalDecision, phase+"|"+decision)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) incKeyed(m map[string]int64, key string) {
	if key == "" || strings.HasPrefix(key, "|") {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		ExecutionAttempts: copyCounts(r.executionAttempt),
		ExecutionSuccess:  copyCounts(r.executionSuccess),
		ExecutionFailure:  copyCounts(r.executionFailure),
		PolicyDenied:      copyCounts(r.policyDenied),
		Throttled:         copyCounts(r.throttled),
		ApprovalDecisions: copyCounts(r.approvalDecision),
		ReplayConflicts:   r.replayConflicts,
		Gauges:            make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
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

		b.WriteString("# HELP opsguard_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE opsguard_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "opsguard_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP opsguard_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE opsguard_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "opsguard_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP opsguard_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE opsguard_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "opsguard_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}

		b.WriteString("# HELP opsguard_execution_attempts_total execution attempts by phase\n")
		b.WriteString("# TYPE opsguard_execution_attempts_total counter\n")
		for _, phase := range sortedKeys(snap.ExecutionAttempts) {
			fmt.Fprintf(b, "opsguard_execution_attempts_total{phase=%q} %d\n", phase, snap.ExecutionAttempts[phase])
		}
		b.WriteString("# HELP opsguard_execution_success_total successful executions by phase\n")
		b.WriteString("# TYPE opsguard_execution_success_total counter\n")
		for _, phase := range sortedKeys(snap.ExecutionSuccess) {
			fmt.Fprintf(b, "opsguard_execution_success_total{phase=%q} %d\n", phase, snap.ExecutionSuccess[phase])
		}
		b.WriteString("# HELP opsguard_execution_failure_total failed executions by phase and reason\n")
		b.WriteString("# TYPE opsguard_execution_failure_total counter\n")
		for _, key := range sortedKeys(snap.ExecutionFailure) {
			phase, reason := splitKey(key)
			fmt.Fprintf(b, "opsguard_execution_failure_total{phase=%q,reason=%q} %d\n", phase, reason, snap.ExecutionFailure[key])
		}

		b.WriteString("# HELP opsguard_policy_denied_total guard denials by reason code\n")
		b.WriteString("# TYPE opsguard_policy_denied_total counter\n")
		for _, reason := range sortedKeys(snap.PolicyDenied) {
			fmt.Fprintf(b, "opsguard_policy_denied_total{reason=%q} %d\n", reason, snap.PolicyDenied[reason])
		}
		b.WriteString("# HELP opsguard_throttled_total throttle denials by operation kind\n")
		b.WriteString("# TYPE opsguard_throttled_total counter\n")
		for _, op := range sortedKeys(snap.Throttled) {
			fmt.Fprintf(b, "opsguard_throttled_total{operation=%q} %d\n", op, snap.Throttled[op])
		}
		b.WriteString("# HELP opsguard_approval_decisions_total human decisions by phase and decision\n")
		b.WriteString("# TYPE opsguard_approval_decisions_total counter\n")
		for _, key := range sortedKeys(snap.ApprovalDecisions) {
			phase, decision := splitKey(key)
			fmt.Fprintf(b, "opsguard_approval_decisions_total{phase=%q,decision=%q} %d\n", phase, decision, snap.ApprovalDecisions[key])
		}
		b.WriteString("# HELP opsguard_replay_conflicts_total execute attempts rejected by the replay guard\n")
		b.WriteString("# TYPE opsguard_replay_conflicts_total counter\n")
		fmt.Fprintf(b, "opsguard_replay_conflicts_total %d\n", snap.ReplayConflicts)

		b.WriteString("# HELP opsguard_gauge operational gauge metrics\n")
		b.WriteString("# TYPE opsguard_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "opsguard_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func splitKey(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], "UNKNOWN"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
