package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics counts proxy activity for /healthz and /metrics.
type Metrics struct {
	PairsActive      atomic.Int64
	PairsTotal       atomic.Int64
	FramesUpstream   atomic.Int64
	FramesDownstream atomic.Int64
	AuthFailures     atomic.Int64
	DialFailures     atomic.Int64
}

// HealthResponse is the JSON body returned by GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	Pairs         int64  `json:"pairs"`
	PairsTotal    int64  `json:"pairs_total"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Breaker       string `json:"breaker"`
}

func healthHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := HealthResponse{
			Status:        "ok",
			Pairs:         s.metrics.PairsActive.Load(),
			PairsTotal:    s.metrics.PairsTotal.Load(),
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
			Breaker:       s.breaker.State().String(),
		}
		if resp.Breaker == "open" {
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// metricsHandler writes Prometheus text format without the client library.
func metricsHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m := s.metrics

		writeMetric(w, "opsdeck_proxy_pairs_active", "gauge", "Consumer/gateway pairs currently open.", m.PairsActive.Load())
		writeMetric(w, "opsdeck_proxy_pairs_total", "counter", "Consumer connections accepted.", m.PairsTotal.Load())
		writeMetric(w, "opsdeck_proxy_frames_upstream_total", "counter", "Frames forwarded to the gateway.", m.FramesUpstream.Load())
		writeMetric(w, "opsdeck_proxy_frames_downstream_total", "counter", "Frames forwarded to consumers.", m.FramesDownstream.Load())
		writeMetric(w, "opsdeck_proxy_auth_failures_total", "counter", "Handshakes rejected by the local secret.", m.AuthFailures.Load())
		writeMetric(w, "opsdeck_proxy_dial_failures_total", "counter", "Failed gateway dials.", m.DialFailures.Load())

		open := int64(0)
		if s.breaker.State().String() == "open" {
			open = 1
		}
		writeMetric(w, "opsdeck_proxy_breaker_open", "gauge", "Whether gateway dials are failing fast.", open)
		writeMetric(w, "opsdeck_proxy_uptime_seconds", "gauge", "Seconds since the proxy started.", int64(time.Since(s.started).Seconds()))

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", int64(runtime.NumGoroutine()))
		writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", int64(mem.Alloc))
	}
}

func writeMetric(w http.ResponseWriter, name, kind, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
