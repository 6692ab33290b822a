package network

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler processes one verified envelope into a response.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) *Response
}

// Server exposes the envelope endpoint over HTTP. Transport is deliberately
// thin: one POST endpoint carrying signed frames, health and metrics on the
// side.
type Server struct {
	srv     *http.Server
	metrics *http.Server
	log     *slog.Logger
}

// NewServer builds the HTTP front for the hub. metricsAddr may be empty to
// disable the metrics listener.
func NewServer(addr, metricsAddr string, handler Handler, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeJSON(w, http.StatusBadRequest, &Response{OK: false, Code: "VALIDATION_ERROR", Message: "malformed envelope"})
			return
		}
		resp := handler.Handle(r.Context(), &env)
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
	if metricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s
}

// Start runs the listeners until Shutdown. Blocks on the main listener.
func (s *Server) Start() error {
	if s.metrics != nil {
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("metrics listener failed", "error", err)
			}
		}()
	}
	s.log.Info("listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
