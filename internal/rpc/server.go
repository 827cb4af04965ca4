package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/errs"
	"github.com/priceverse/priceverse/internal/health"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/ratelimit"
)

// Server is the HTTP boundary: RPC envelope dispatch, the websocket
// price stream, health endpoints, and Prometheus metrics.
type Server struct {
	cfg      config.Config
	registry *registry
	probe    *health.Probe
	limiter  *ratelimit.Limiter
	stream   *streamHandler
	metrics  *metrics.Pipeline
	promReg  *prometheus.Registry

	httpServer *http.Server
}

// NewServer assembles the router from the wired services.
func NewServer(cfg config.Config, probe *health.Probe, limiter *ratelimit.Limiter,
	redisClient *redis.Client, pipeline *metrics.Pipeline, promReg *prometheus.Registry,
	services ...*Service) *Server {

	s := &Server{
		cfg:      cfg,
		registry: newRegistry(services...),
		probe:    probe,
		limiter:  limiter,
		stream:   newStreamHandler(redisClient, cfg.API.Streaming),
		metrics:  pipeline,
		promReg:  promReg,
	}

	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	rpcRouter := r.PathPrefix("/rpc").Subrouter()
	rpcRouter.Use(s.rateLimitMiddleware)
	rpcRouter.HandleFunc("", s.handleRPC).Methods(http.MethodPost)
	rpcRouter.Handle("/stream", s.stream).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	if cfg.Metrics.Enabled && promReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.App.Host, strconv.Itoa(cfg.App.Port)),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins serving. Non-blocking; listen errors after startup are
// logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("rpc server terminated")
		}
	}()
	log.Info().Str("addr", s.httpServer.Addr).Msg("rpc server listening")
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure("", errs.Wrap(errs.InvalidParams, "malformed envelope", err)))
		return
	}
	if req.Version != "" && req.Version != envelopeVersion {
		writeJSON(w, http.StatusBadRequest, failure(req.ID,
			errs.Newf(errs.InvalidParams, "unsupported envelope version %q", req.Version)))
		return
	}

	start := time.Now()
	handler, err := s.registry.lookup(req.Service, req.Method)
	if err != nil {
		writeJSON(w, http.StatusOK, failure(req.ID, err))
		return
	}

	data, err := handler(r.Context(), req.Input)
	outcome := "ok"
	if err != nil {
		outcome = string(errs.CodeOf(err))
	}
	s.metrics.RPCRequests.WithLabelValues(req.Service, req.Method, outcome).Inc()
	s.metrics.RPCDuration.WithLabelValues(req.Service, req.Method).Observe(time.Since(start).Seconds())

	if err != nil {
		writeJSON(w, http.StatusOK, failure(req.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, success(req.ID, data))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall, reports := s.probe.Sample(r.Context())
	status := http.StatusOK
	if overall == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().UTC(),
		"checks":    reports,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	overall, _ := s.probe.Sample(r.Context())
	if overall == health.Unhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "down", "message": "one or more components unhealthy",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).Dur("took", time.Since(start)).Msg("http request")
	})
}

// rateLimitMiddleware keys the sliding window by API key when present,
// else by remote IP.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get("X-API-Key")
		if clientID == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			clientID = host
		}

		decision := s.limiter.Allow(r.Context(), clientID, "")
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.API.RateLimit.Max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.ResetTime.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))
		}
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, failure("",
				errs.New(errs.ExchangeRateLimited, "rate limit exceeded")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}
