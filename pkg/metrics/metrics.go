// Package metrics is an in-process registry of request and gate counters,
// exposed as a JSON snapshot and in Prometheus text format.
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

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Endpoints    map[string]EndpointStat `json:"endpoints"`
	GateAllowed  int64                   `json:"gate_allowed_total"`
	GateDenied   map[string]int64        `json:"gate_denied_by_rule"`
	GateFaults   map[string]int64        `json:"gate_faults_by_rule"`
	ShieldHits   map[string]int64        `json:"shield_hits_by_signature"`
	AuthzDenied  map[string]int64        `json:"authz_denied_by_reason"`
	AuthFailures int64                   `json:"auth_failures_total"`
}

type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	gateAllowed  int64
	gateDenied   map[string]int64
	gateFaults   map[string]int64
	shieldHits   map[string]int64
	authzDenied  map[string]int64
	authFailures int64
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		gateDenied:  map[string]int64{},
		gateFaults:  map[string]int64{},
		shieldHits:  map[string]int64{},
		authzDenied: map[string]int64{},
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

func (r *Registry) IncGateAllowed() {
	r.mu.Lock()
	r.gateAllowed++
	r.mu.Unlock()
}

func (r *Registry) IncGateDenied(rule string) {
	if rule == "" {
		return
	}
	r.mu.Lock()
	r.gateDenied[rule]++
	r.mu.Unlock()
}

func (r *Registry) IncGateFault(rule string) {
	if rule == "" {
		return
	}
	r.mu.Lock()
	r.gateFaults[rule]++
	r.mu.Unlock()
}

func (r *Registry) IncShieldHit(signature string) {
	if signature == "" {
		return
	}
	r.mu.Lock()
	r.shieldHits[signature]++
	r.mu.Unlock()
}

func (r *Registry) IncAuthzDenied(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.authzDenied[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncAuthFailure() {
	r.mu.Lock()
	r.authFailures++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		GateAllowed:  r.gateAllowed,
		GateDenied:   copyCounts(r.gateDenied),
		GateFaults:   copyCounts(r.gateFaults),
		ShieldHits:   copyCounts(r.shieldHits),
		AuthzDenied:  copyCounts(r.authzDenied),
		AuthFailures: r.authFailures,
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	return snap
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
		b.WriteString("# HELP acquisitions_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE acquisitions_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "acquisitions_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP acquisitions_gate_allowed_total requests admitted by the gate\n")
		b.WriteString("# TYPE acquisitions_gate_allowed_total counter\n")
		fmt.Fprintf(b, "acquisitions_gate_allowed_total %d\n", snap.GateAllowed)
		b.WriteString("# HELP acquisitions_gate_denied_total requests denied by the gate\n")
		b.WriteString("# TYPE acquisitions_gate_denied_total counter\n")
		for _, rule := range sortedKeys(snap.GateDenied) {
			fmt.Fprintf(b, "acquisitions_gate_denied_total{rule=%q} %d\n", rule, snap.GateDenied[rule])
		}
		b.WriteString("# HELP acquisitions_gate_faults_total rule evaluator faults\n")
		b.WriteString("# TYPE acquisitions_gate_faults_total counter\n")
		for _, rule := range sortedKeys(snap.GateFaults) {
			fmt.Fprintf(b, "acquisitions_gate_faults_total{rule=%q} %d\n", rule, snap.GateFaults[rule])
		}
		b.WriteString("# HELP acquisitions_shield_hits_total shield signature matches\n")
		b.WriteString("# TYPE acquisitions_shield_hits_total counter\n")
		for _, sig := range sortedKeys(snap.ShieldHits) {
			fmt.Fprintf(b, "acquisitions_shield_hits_total{signature=%q} %d\n", sig, snap.ShieldHits[sig])
		}
		b.WriteString("# HELP acquisitions_authz_denied_total mutation authorization denials\n")
		b.WriteString("# TYPE acquisitions_authz_denied_total counter\n")
		for _, reason := range sortedKeys(snap.AuthzDenied) {
			fmt.Fprintf(b, "acquisitions_authz_denied_total{reason=%q} %d\n", reason, snap.AuthzDenied[reason])
		}
		b.WriteString("# HELP acquisitions_auth_failures_total credential resolution failures\n")
		b.WriteString("# TYPE acquisitions_auth_failures_total counter\n")
		fmt.Fprintf(b, "acquisitions_auth_failures_total %d\n", snap.AuthFailures)
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
