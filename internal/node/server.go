package node

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"socialmesh/go-node/internal/identity"

	"github.com/google/uuid"
)

const HeaderRequestID = "X-Request-ID"

// Handler serves health, metrics and the authenticated identity endpoint.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.handleHealth)
	mux.Handle("GET /metrics", n.metrics.Handler())
	mux.Handle("GET /api/identity", n.auth.Middleware(http.HandlerFunc(n.handleIdentity)))
	return n.withRequestID(securityHeaders(mux))
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := n.network.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"transport":  status.State,
		"peer_count": status.PeerCount,
	})
}

func (n *Node) handleIdentity(w http.ResponseWriter, r *http.Request) {
	self, err := n.Self(r.Context())
	if err != nil {
		http.Error(w, "identity unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"did":      self.DID,
		"peer_id":  self.PeerID,
		"username": self.Username,
		"dag_root": self.DagRoot,
		"caller":   identity.CallerID(r.Context()),
	})
}

// withRequestID tags each request with a correlation id, reusing a
// well-formed one supplied by the client.
func (n *Node) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		n.logger.Debug("http request",
			"component", "http",
			"operation", r.Method+" "+r.URL.Path,
			"correlation_id", id,
		)
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("write response failed", "component", "http", "error", err.Error())
	}
}
