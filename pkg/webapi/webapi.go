// This file is to handle things such as metrics/health/routing, etc

package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/kvrouting/topology"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RouteConfigProvider exposes the config requests are currently routed
// with, typically an agent.Agent.
type RouteConfigProvider interface {
	RouteConfig() *topology.RouteConfig
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Routing       RouteConfigProvider
	UseTLS        bool
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	routing       RouteConfigProvider
	useTLS        bool
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		routing:       opts.Routing,
		useTLS:        opts.UseTLS,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the kvrouting internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) currentConfig() *topology.RouteConfig {
	if w.routing == nil {
		return nil
	}
	return w.routing.RouteConfig()
}

// handleHealthz reports healthy once a config from the cluster has been
// applied, the seed config does not count.
func (w *WebServer) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	cfg := w.currentConfig()
	if cfg == nil || cfg.RevID() < 0 {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("not ready"))
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write([]byte("ok"))
	if err != nil {
		w.logger.Debug("failed to write health response", zap.Error(err))
	}
}

func (w *WebServer) handleRouting(rw http.ResponseWriter, r *http.Request) {
	cfg := w.currentConfig()
	if cfg == nil {
		http.Error(rw, "no route config available", http.StatusServiceUnavailable)
		return
	}

	summary := cfg.Summary(w.useTLS)

	var body []byte
	var err error
	if r.URL.Query().Get("format") == "yaml" {
		rw.Header().Set("Content-Type", "application/yaml")
		body, err = yaml.Marshal(summary)
	} else {
		rw.Header().Set("Content-Type", "application/json")
		body, err = json.MarshalIndent(summary, "", "  ")
	}
	if err != nil {
		w.logger.Warn("failed to marshal route config", zap.Error(err))
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, err = rw.Write(body)
	if err != nil {
		w.logger.Debug("failed to write routing response", zap.Error(err))
	}
}

// Handler builds the router serving every endpoint.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", w.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/routing", w.handleRouting).Methods(http.MethodGet)
	if w.logLevel != nil {
		// GET reports the level, PUT {"level":"debug"} changes it
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	return r
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	if w.httpServer == nil {
		return nil
	}
	return w.httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	server := NewWebServer(opts)
	globalWebServer = server
	globalWebLock.Unlock()
	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			server.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
