package api

import (
	"net/http"
	"time"

	"github.com/oriys/banter/internal/dataaccess"
	"github.com/oriys/banter/internal/logging"
	"github.com/oriys/banter/internal/observability"
	"github.com/oriys/banter/internal/store"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Service       *dataaccess.Service
	Store         store.ChatStore
	SlowThreshold time.Duration
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	h := &Handler{
		Service:       cfg.Service,
		Store:         cfg.Store,
		Started:       time.Now(),
		SlowThreshold: cfg.SlowThreshold,
	}
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
