package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/mailflow/internal/auth"
	"github.com/busybox42/mailflow/internal/job"
	"github.com/busybox42/mailflow/internal/store"
)

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailflow_gateway_requests_total",
		Help: "Total gateway HTTP requests by handler and status code",
	},
	[]string{"handler", "code"},
)

// ServerConfig holds the HTTP ingress settings.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Server is the HTTP ingress in front of admission control.
type Server struct {
	gateway       *Gateway
	authenticator *auth.Authenticator
	store         store.Store
	httpServer    *http.Server
	logger        *slog.Logger
	version       string
}

// NewServer creates the ingress server.
func NewServer(config ServerConfig, g *Gateway, a *auth.Authenticator, s store.Store, version string) *Server {
	listenAddr := config.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	srv := &Server{
		gateway:       g,
		authenticator: a,
		store:         s,
		logger:        slog.Default().With("component", "gateway-http"),
		version:       version,
	}

	router := mux.NewRouter()
	router.HandleFunc("/", srv.handleIndex).Methods(http.MethodGet)
	router.HandleFunc("/health", srv.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/send", srv.handleSend).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Start begins serving; it blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, handler string, status int, body interface{}) {
	requestsTotal.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, "index", http.StatusOK, map[string]string{
		"status":  "Gateway API is running",
		"version": s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("store health check failed", "error", err)
		s.writeJSON(w, "health", http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, "health", http.StatusOK, map[string]string{
		"status": "healthy",
		"store":  "connected",
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	authenticated := true
	if err := s.authenticator.VerifyRequest(r); err != nil {
		s.logger.Warn("authentication failed", "error", err)
		authenticated = false
	}

	var j job.Job
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		s.writeJSON(w, "send", http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}

	receipt, err := s.gateway.Submit(r.Context(), &j, clientIP(r), authenticated)
	if err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			s.writeJSON(w, "send", rejectionStatus(rej.Reason), map[string]string{"error": rej.Error()})
			return
		}

		s.logger.Error("store error during admission", "error", err)
		s.writeJSON(w, "send", http.StatusServiceUnavailable, map[string]string{"error": "Queue unavailable"})
		return
	}

	s.writeJSON(w, "send", http.StatusAccepted, map[string]string{
		"status":       "queued",
		"job_id":       receipt.JobID,
		"submitted_at": receipt.SubmittedAt.UTC().Format("2006-01-02 15:04:05"),
	})
}

func rejectionStatus(reason Reason) int {
	switch reason {
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	case ReasonForbidden:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonTemplateNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// clientIP extracts the peer address, without trusting forwarding headers:
// the gateway is expected to terminate client connections directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
