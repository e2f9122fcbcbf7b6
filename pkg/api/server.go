package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/cuemby/dlmd/pkg/debugbuf"
	"github.com/cuemby/dlmd/pkg/lockspace"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/metrics"
	"github.com/cuemby/dlmd/pkg/transport"
	"github.com/rs/zerolog"
)

// Server is the node-local operational endpoint: liveness/readiness,
// Prometheus metrics, a JSON lockspace status dump, and a plain-text
// debug-log dump (spec §3). It is not the client lock API — clients
// reach a lockspace's dispatcher over pkg/transport, never through
// this server.
type Server struct {
	registry  *lockspace.Registry
	debug     *debugbuf.Buffer
	transport transport.Transport
	selfAddr  string
	mux       *http.ServeMux
	http      *http.Server
	logger    zerolog.Logger

	sinkMu sync.Mutex
	sinks  map[string]func()
}

// NewServer builds the endpoint's mux over registry's lockspaces and
// debug's retained log lines. A nil debug is replaced with a fresh,
// empty buffer so /debug/dump always has something to serve. tr and
// selfAddr back the /lockspaces join endpoint; tr may be nil if this
// node only ever joins lockspaces at startup and never via the
// endpoint, in which case /lockspaces rejects join requests.
func NewServer(registry *lockspace.Registry, debug *debugbuf.Buffer, tr transport.Transport, selfAddr string) *Server {
	if debug == nil {
		debug = debugbuf.New(debugbuf.DefaultCapacity)
	}

	s := &Server{
		registry:  registry,
		debug:     debug,
		transport: tr,
		selfAddr:  selfAddr,
		mux:       http.NewServeMux(),
		logger:    log.WithComponent("api"),
		sinks:     make(map[string]func()),
	}

	s.mux.HandleFunc("/health", metrics.HealthHandler())
	s.mux.HandleFunc("/ready", metrics.ReadyHandler())
	s.mux.HandleFunc("/live", metrics.LivenessHandler())
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/status", s.statusHandler)
	s.mux.HandleFunc("/debug/dump", s.debugDumpHandler)
	s.mux.HandleFunc("POST /lockspaces", s.joinHandler)
	s.mux.HandleFunc("DELETE /lockspaces/{name}", s.leaveHandler)

	return s
}

// Start listens on addr and serves until the process exits or Shutdown
// is called. It blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.mux}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, if it was started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// GetHandler returns the server's mux, for embedding in another
// listener or for tests.
func (s *Server) GetHandler() http.Handler { return s.mux }
