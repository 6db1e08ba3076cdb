package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/orderdesk/internal/orders"
	"github.com/agentworkforce/orderdesk/internal/ordersync"
)

// Source is the view of one coordinator the status endpoint reads.
type Source interface {
	Viewer() orders.Viewer
	Key(p orders.Partition) (string, bool)
	Orders(p orders.Partition) []orders.Order
	Counts() ordersync.Counts
	Refresh(ctx context.Context) error
}

type ServerConfig struct {
	// JWTSecret enables bearer authentication on /v1 routes when set.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	RefreshTimeout  time.Duration
	Gatherer        prometheus.Gatherer
}

type Server struct {
	source      Source
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(source Source) *Server {
	return NewServerWithConfig(source, ServerConfig{})
}

func NewServerWithConfig(source Source, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		source:      source,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/" || r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "counts" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "counts"
	case len(parts) == 3 && parts[1] == "partitions" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "partition"
	case len(parts) == 2 && parts[1] == "refresh" && r.Method == http.MethodPost:
		requiredScope = scopeRefresh
		route = "refresh"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	caller := remoteKey(r)
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		caller = claims.Subject
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(caller, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "counts":
		s.handleCounts(w, r, correlationID)
	case "partition":
		s.handlePartition(w, r, parts[2], correlationID)
	case "refresh":
		s.handleRefresh(w, r, correlationID)
	}
}

type countsResponse struct {
	Viewer string `json:"viewer"`
	Scope  string `json:"scope,omitempty"`
	Live   int    `json:"live"`
	Past   int    `json:"past"`
}

func (s *Server) handleCounts(w http.ResponseWriter, _ *http.Request, _ string) {
	viewer := s.source.Viewer()
	counts := s.source.Counts()
	scope, _ := viewer.Scope()
	writeJSON(w, http.StatusOK, countsResponse{
		Viewer: viewer.Name,
		Scope:  scope,
		Live:   counts.Live,
		Past:   counts.Past,
	})
}

type partitionResponse struct {
	Partition orders.Partition `json:"partition"`
	Key       string           `json:"key,omitempty"`
	Total     int              `json:"total"`
	Orders    []orders.Order   `json:"orders"`
}

func (s *Server) handlePartition(w http.ResponseWriter, r *http.Request, raw, correlationID string) {
	partition, ok := orders.ParsePartition(raw)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown partition: "+raw, correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 0, 0, 10000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	list := filterOrders(s.source.Orders(partition), r.URL.Query().Get("search"))
	total := len(list)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	key, _ := s.source.Key(partition)
	writeJSON(w, http.StatusOK, partitionResponse{
		Partition: partition,
		Key:       key,
		Total:     total,
		Orders:    list,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RefreshTimeout)
	defer cancel()
	if err := s.source.Refresh(ctx); err != nil {
		writeError(w, http.StatusBadGateway, "refresh_failed", err.Error(), correlationID)
		return
	}
	counts := s.source.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "refreshed",
		"live":   counts.Live,
		"past":   counts.Past,
	})
}

// filterOrders keeps orders whose number, customer or dispatcher contains
// search, ignoring case.
func filterOrders(list []orders.Order, search string) []orders.Order {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return list
	}
	out := make([]orders.Order, 0, len(list))
	for _, order := range list {
		for _, field := range []string{order.OrderNumber, order.CustomerName, order.DispatcherName} {
			if strings.Contains(strings.ToLower(field), search) {
				out = append(out, order)
				break
			}
		}
	}
	return out
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func remoteKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < min {
		return min, nil
	}
	if value > max {
		return max, nil
	}
	return value, nil
}
