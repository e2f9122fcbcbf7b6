package api

import "net/http"

// debugDumpHandler renders the node's retained debug log as plain
// text, the HTTP analogue of reading /proc/cluster/dlm_debug
// (original_source/dlm-kernel/src/proc.c: dlm_debug_dump).
func (s *Server) debugDumpHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.debug.DumpText()))
}
