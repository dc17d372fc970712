// Package metrics keeps in-process counters and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type routeKey struct {
	route  string
	method string
}

type requestKey struct {
	routeKey
	code string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type httpMetrics struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[routeKey]uint64
	latency  map[routeKey]*histogram
}

func newHTTPMetrics() *httpMetrics {
	return &httpMetrics{
		requests: make(map[requestKey]uint64),
		errors:   make(map[routeKey]uint64),
		latency:  make(map[routeKey]*histogram),
	}
}

var httpCollector = newHTTPMetrics()

// ObserveHTTPRequest records one served request. Responses with a 5xx status
// also count as errors.
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	httpCollector.observe(route, method, status, duration)
}

func (c *httpMetrics) observe(route, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rk := routeKey{route: route, method: method}
	c.requests[requestKey{routeKey: rk, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[rk]++
	}
	hist := c.latency[rk]
	if hist == nil {
		hist = newHistogram()
		c.latency[rk] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe adds value to every bucket whose bound it fits under. Larger
// values only show up in the +Inf bucket, which is h.count.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

func (c *httpMetrics) render(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqs = append(reqs, key)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].routeKey != reqs[j].routeKey {
			return reqs[i].routeKey.less(reqs[j].routeKey)
		}
		return reqs[i].code < reqs[j].code
	})

	b.WriteString("# HELP pathproof_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE pathproof_http_requests_total counter\n")
	for _, key := range reqs {
		fmt.Fprintf(b, "pathproof_http_requests_total{route=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.route), escape(key.method), key.code, c.requests[key])
	}

	b.WriteString("# HELP pathproof_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE pathproof_http_request_errors_total counter\n")
	for _, key := range sortedRoutes(c.errors) {
		fmt.Fprintf(b, "pathproof_http_request_errors_total{route=\"%s\",method=\"%s\"} %d\n",
			escape(key.route), escape(key.method), c.errors[key])
	}

	b.WriteString("# HELP pathproof_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE pathproof_http_request_duration_seconds histogram\n")
	for _, key := range sortedRoutes(c.latency) {
		hist := c.latency[key]
		route, method := escape(key.route), escape(key.method)
		for idx, bound := range hist.buckets {
			fmt.Fprintf(b, "pathproof_http_request_duration_seconds_bucket{route=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				route, method, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(b, "pathproof_http_request_duration_seconds_bucket{route=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			route, method, hist.count)
		fmt.Fprintf(b, "pathproof_http_request_duration_seconds_sum{route=\"%s\",method=\"%s\"} %s\n",
			route, method, formatFloat(hist.sum))
		fmt.Fprintf(b, "pathproof_http_request_duration_seconds_count{route=\"%s\",method=\"%s\"} %d\n",
			route, method, hist.count)
	}
}

func (k routeKey) less(other routeKey) bool {
	if k.route != other.route {
		return k.route < other.route
	}
	return k.method < other.method
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// Handler exposes every collector in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, render())
	})
}

func render() string {
	var b strings.Builder
	b.Grow(2048)
	httpCollector.render(&b)
	validationCollector.render(&b)
	return b.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
