package mesh

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// controlAPI exposes the running Node over HTTP for operators and
// scripted test harnesses: status, known peers, trust scores, file
// history, and send-a-message. It is optional (Config.ControlAPIAddr)
// and separate from the mesh's own TCP/UDP wire protocol.
type controlAPI struct {
	node   *Node
	cfg    Config
	tokens map[string]struct{}
}

func newControlAPI(node *Node, cfg Config) *controlAPI {
	tokens := make(map[string]struct{}, len(cfg.ControlAPITokens))
	for _, t := range cfg.ControlAPITokens {
		tokens[t] = struct{}{}
	}
	return &controlAPI{node: node, cfg: cfg, tokens: tokens}
}

// authorized reports whether r carries a valid "Bearer <token>" header
// against the configured token set. An empty token set means open access
// (dev mode); /health is never gated, since handler registers it without
// requireAuth. Token comparison is constant-time to avoid a timing side channel
// on the bearer value.
func (a *controlAPI) authorized(r *http.Request) bool {
	if len(a.tokens) == 0 {
		return true
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return false
	}
	for known := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (a *controlAPI) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			status := http.StatusUnauthorized
			if r.Header.Get("Authorization") != "" {
				status = http.StatusForbidden
			}
			http.Error(w, `{"error":"unauthorized"}`, status)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *controlAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth) // unauthenticated, always reachable
	mux.HandleFunc("/status", a.requireAuth(a.handleStatus))
	mux.HandleFunc("/peers", a.requireAuth(a.handlePeers))
	mux.HandleFunc("/trust", a.requireAuth(a.handleTrust))
	mux.HandleFunc("/files", a.requireAuth(a.handleFiles))
	mux.HandleFunc("/send", a.requireAuth(a.handleSend))
	return mux
}

func (a *controlAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "meshnode"})
}

func (a *controlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": a.node.NodeID(),
		"stats":   a.node.Stats(),
	})
}

func (a *controlAPI) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"peers": a.node.KnownNodes()})
}

func (a *controlAPI) handleTrust(w http.ResponseWriter, r *http.Request) {
	info, ok := a.node.TrustInfo()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "count": info.Count, "scores": info.Scores})
}

func (a *controlAPI) handleFiles(w http.ResponseWriter, r *http.Request) {
	records, err := a.node.FileHistory(50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": records})
}

type sendRequest struct {
	DestID  string `json:"dest_id"`
	Payload string `json:"payload"`
}

// POST /send {"dest_id": "...", "payload": "..."}
func (a *controlAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.DestID == "" {
		req.DestID = BroadcastDest
	}
	ok, err := a.node.Send(req.DestID, req.Payload, KindText)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": ok})
}
