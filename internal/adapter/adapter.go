// Package adapter turns incoming HTTP POST bodies into router.Route calls
// and writes the chosen response back to the client. It is the "frontend
// adapter" the core specification treats as an external collaborator — this
// package is the concrete implementation that makes the module runnable.
package adapter

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"execproxy/internal/router"
)

// Handler is the single-route HTTP adapter: POST / is routed through r;
// GET /healthz reports local fleet-independent liveness.
type Handler struct {
	router    *router.Router
	startTime time.Time
}

// New creates a Handler that dispatches through r.
func New(r *router.Router) *Handler {
	return &Handler{router: r, startTime: time.Now()}
}

// ServeHTTP satisfies http.Handler. Only POST / is meaningfully handled;
// other methods/paths are not required to be supported by the core spec but
// are answered with 404 rather than left to panic.
//
// The request ID minted here is the single source of truth for the request:
// it is set on the response as X-Request-Id, and middleware.Logger reads it
// back off the response to log under the same ID rather than minting its own.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	reqID := uuid.NewString()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, reqID, http.StatusBadRequest, "reading request body")
		return
	}

	var parsed struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeJSONError(w, reqID, http.StatusBadRequest, "invalid JSON-RPC body")
		return
	}

	slog.Debug("received request", "request_id", reqID, "method", parsed.Method)

	resp := h.router.Route(r.Context(), parsed.Method, body, r.Header.Clone())

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Request-Id", reqID)

	status := resp.Status
	if status == 0 {
		// Transport error: no backend answered. Surface as 502 so the CL
		// sees a clear failure rather than a misleadingly blank 200.
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// HealthHandler answers GET /healthz with fleet-independent process
// liveness — supplemental to the core spec's external interfaces, not a
// dependency the router or prober need.
func (h *Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime":%q}`, time.Since(h.startTime).Round(time.Second).String())
}

func writeJSONError(w http.ResponseWriter, reqID string, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "request_id": reqID})
}
