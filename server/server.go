// Package server exposes the sequencer over plain JSON HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/streamingfast/shutter"
	"go.uber.org/zap"

	"github.com/cheddr/x402-sequencer/sequencer"
)

const shutdownGrace = 5 * time.Second

// Server is the HTTP front of the update engine
type Server struct {
	*shutter.Shutter

	listenAddr string
	engine     *sequencer.Engine
	logger     *zap.Logger
	httpServer *http.Server
}

// New creates an HTTP server around the engine
func New(listenAddr string, engine *sequencer.Engine, logger *zap.Logger) *Server {
	return &Server{
		Shutter:    shutter.New(),
		listenAddr: listenAddr,
		engine:     engine,
		logger:     logger,
	}
}

// Run serves until shutdown. It blocks and terminates the shutter when the
// listener stops.
func (s *Server) Run() {
	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.Handler(),
	}

	s.OnTerminating(func(_ error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	})

	s.logger.Info("starting http server", zap.String("listen_addr", s.listenAddr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		err = nil
	}
	s.Shutdown(err)
}

// Handler builds the full middleware and route stack
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.registerRoutes(router)

	return cors.AllowAll().Handler(s.withRequestID(router))
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", requestID)

		s.logger.Debug("handling request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
		)
		next.ServeHTTP(w, r)
	})
}
