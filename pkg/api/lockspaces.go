package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/dlmd/pkg/debugbuf"
	"github.com/cuemby/dlmd/pkg/lockspace"
	"github.com/cuemby/dlmd/pkg/membership"
	"github.com/cuemby/dlmd/pkg/metrics"
)

// pollInterval is how often a lockspace joined via the HTTP endpoint
// polls its peers for liveness (spec §9 "static"/"poll" membership
// plugin, pkg/membership.Poll).
const pollInterval = 2 * time.Second

type joinRequest struct {
	Name  string   `json:"name"`
	Peers []string `json:"peers"`
}

type joinResponse struct {
	Name    string `json:"name"`
	LocalID uint32 `json:"local_id"`
}

// joinHandler lets an administrative client (cmd/dlmctl) join this
// node to a named lockspace without restarting the process, backed by
// a health-polled membership source over the supplied peer addresses
// (spec §4.7 "join(name)").
func (s *Server) joinHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.transport == nil {
		http.Error(w, "server has no transport configured", http.StatusServiceUnavailable)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	candidates := make([]membership.CSB, len(req.Peers))
	for i, addr := range req.Peers {
		candidates[i] = membership.CSB{NodeID: uint32(i + 1), Addr: addr}
	}
	self := membership.CSB{Addr: s.selfAddr}
	src := membership.NewPoll(self, candidates, pollInterval)

	ls, err := s.registry.Join(r.Context(), req.Name, s.selfAddr, s.transport, src, lockspace.JoinOptions{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	stopMetrics := metrics.SubscribeBroker(ls.Events)
	stopDebug := s.debug.SubscribeBroker(ls.Name, ls.Events)
	s.sinkMu.Lock()
	s.sinks[ls.Name] = func() { stopMetrics(); stopDebug() }
	s.sinkMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(joinResponse{Name: ls.Name, LocalID: ls.LocalID})
}

// leaveHandler removes a previously-joined lockspace (spec §4.7
// "leave(name) requires no local LKBs outstanding").
func (s *Server) leaveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "lockspace name is required", http.StatusBadRequest)
		return
	}

	if err := s.registry.Leave(name); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.sinkMu.Lock()
	stop, ok := s.sinks[name]
	delete(s.sinks, name)
	s.sinkMu.Unlock()
	if ok {
		stop()
	}

	w.WriteHeader(http.StatusNoContent)
}
