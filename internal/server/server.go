// Package server exposes the query engine and item lookups over HTTP.
package server

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	vlog "vidsearch/internal/log"
	"vidsearch/internal/metrics"
	"vidsearch/internal/models"
	"vidsearch/internal/search"
	"vidsearch/internal/vectorstore"
)

// Searcher is the query side. *search.Engine satisfies it.
type Searcher interface {
	Search(ctx context.Context, rawQuery string, topK int, filter vectorstore.Filter) ([]models.Result, error)
	CheckCompatible() error
	DefaultTopK() int
}

// Items is the item lookup side. *vectorstore.Store satisfies it.
type Items interface {
	Get(id string) (vectorstore.Record, error)
	Delete(ctx context.Context, id string) error
	Count() int
	Model() string
	Dim() int
	Stale() []string
}

// Options configures the API.
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Recorder
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// RateLimitRPS caps requests per client IP. Zero disables limiting.
	RateLimitRPS float64
	// ReadOnly rejects DELETE.
	ReadOnly bool
}

type API struct {
	search  Searcher
	items   Items
	opts    Options
	logger  *slog.Logger
	metrics metrics.Recorder
}

func NewAPI(s Searcher, items Items, opts Options) *API {
	return &API{
		search:  s,
		items:   items,
		opts:    opts,
		logger:  vlog.OrDiscard(opts.Logger),
		metrics: metrics.OrNoop(opts.Metrics),
	}
}

// Handler returns the routed API wrapped in logging and rate limiting.
func (a *API) Handler() http.Handler {
	return a.logMiddleware(rateLimitMiddleware(a.opts.RateLimitRPS, a.mux()))
}

func (a *API) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /search", a.handleSearch)
	mux.HandleFunc("GET /items/{id}", a.handleGetItem)
	mux.HandleFunc("DELETE /items/{id}", a.handleDeleteItem)
	mux.HandleFunc("GET /stats", a.handleStats)
	if a.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run serves h on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	logger = vlog.OrDiscard(logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	logger.Info("listening", "addr", addr)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	nbytes int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.nbytes += n
	return n, err
}

// newRequestID returns a short, unique request identifier.
func newRequestID() string {
	var b [12]byte
	if _, err := crand.Read(b[:]); err != nil {
		// fallback: monotonic timestamp string
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(b[:])
}

// clientIP extracts the best-effort client IP from headers or RemoteAddr.
func clientIP(r *http.Request) string {
	// X-Forwarded-For may contain a comma-separated list; take the first
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		return host[:i]
	}
	return host
}

// maxTrackedClients caps how many per-IP buckets are kept. The least recently
// seen client is evicted first and starts over with a full bucket.
const maxTrackedClients = 10000

// ipLimiters hands out one token bucket per client IP.
type ipLimiters struct {
	mu    sync.Mutex
	rps   float64
	byKey *lru.Cache[string, *rate.Limiter]
}

func newIPLimiters(rps float64, size int) *ipLimiters {
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		// only a non-positive size fails
		panic(err)
	}
	return &ipLimiters{rps: rps, byKey: cache}
}

func (l *ipLimiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byKey.Get(key)
	if !ok {
		burst := max(1, int(math.Ceil(l.rps)))
		lim = rate.NewLimiter(rate.Limit(l.rps), burst)
		l.byKey.Add(key, lim)
	}
	return lim
}

// rateLimitMiddleware enforces a per-client RPS limit; rps <= 0 disables it.
func rateLimitMiddleware(rps float64, next http.Handler) http.Handler {
	if rps <= 0 {
		return next
	}
	return limitWith(newIPLimiters(rps, maxTrackedClients), next)
}

func limitWith(lims *ipLimiters, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lim := lims.get(clientIP(r))
		res := lim.Reserve()
		if d := res.Delay(); d > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(d.Seconds())))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// request-id propagation: accept client-provided or generate
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = newRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		dur := time.Since(start)
		a.logger.Info("http.req",
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"userAgent", r.UserAgent(),
			"remoteIP", clientIP(r),
			"status", rec.status,
			"duration_ms", int(dur/time.Millisecond),
			"bytes", rec.nbytes,
		)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		a.metrics.ObserveHTTP(r.Method, route, rec.status, dur)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeError(w http.ResponseWriter, status int, errStr, message string) {
	writeJSON(w, status, apiError{Error: errStr, Message: message, Code: status})
}

// writeFailure maps engine and store errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrInvalidQuery), errors.Is(err, vectorstore.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, vectorstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, vectorstore.ErrModelVersionMismatch):
		writeError(w, http.StatusConflict, "model_version_mismatch", err.Error())
	case errors.Is(err, search.ErrSearchUnavailable):
		writeError(w, http.StatusServiceUnavailable, "search_unavailable", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
