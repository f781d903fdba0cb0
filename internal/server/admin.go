package server

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/metrics"
)

// AdminHandler serves /metrics plus a few debug endpoints over HTTP.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/stats", s.handleStats)
	mux.HandleFunc("/debug/compact", s.handleCompact)
	mux.HandleFunc("/debug/checkpoint", s.handleCheckpoint)
	return mux
}

func (s *Server) serveAdmin() error {
	ln, err := net.Listen("tcp", s.opts.AdminAddr)
	if err != nil {
		return errors.Wrapf(err, "listen admin on %s", s.opts.AdminAddr)
	}
	srv := &http.Server{Handler: s.AdminHandler()}
	s.mu.Lock()
	s.admin = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server failed", zap.Error(err))
		}
	}()
	s.log.Info("admin endpoint listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.mgr.Stats()
	s.mu.Lock()
	conns := len(s.sessions)
	s.mu.Unlock()

	writeJSON(w, map[string]interface{}{
		"connections":        conns,
		"active_txns":        st.Active,
		"visible_seq":        st.Visible,
		"safe_point":         st.SafePoint,
		"tracked_commits":    st.Tracked,
		"isolation":          st.Isolation.String(),
		"wal_size":           st.WALSize,
		"versions":           st.Storage.Versions,
		"keys":               st.Storage.Keys,
		"tombstones":         st.Storage.Tombstones,
		"compactions":        st.Storage.Compactions,
		"reclaimed_versions": st.Storage.Reclaimed,
		"failed":             st.Failed,
	})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	n, err := s.mgr.Compact()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"reclaimed": n})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.mgr.Checkpoint(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]uint64{"seq": s.mgr.Stats().Visible})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
