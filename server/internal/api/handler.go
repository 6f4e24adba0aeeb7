package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/obsidianstack/emitter/server/internal/store"
)

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads installation state from the store and returns JSON responses.
type Handler struct {
	store *store.Store
	mux   *http.ServeMux
}

// New creates a Handler wired to the given store and registers all routes.
func New(st *store.Store) http.Handler {
	h := &Handler{store: st, mux: http.NewServeMux()}

	routes := map[string]http.HandlerFunc{
		"/api/v1/health":         h.health,
		"/api/v1/installations":  h.listInstallations,
		"/api/v1/installations/": h.getInstallation, // subtree, {fingerprint} follows
		"/api/v1/snapshot":       h.snapshot,
	}
	for pattern, fn := range routes {
		h.mux.Handle(pattern, getOnly(fn))
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// getOnly answers anything but GET and HEAD with a JSON 405.
func getOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	})
}

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	entries := h.store.List()
	resp := HealthResponse{State: "idle", InstallationCount: len(entries)}

	var last time.Time
	for _, e := range entries {
		resp.RecordCount += e.Received
		if e.UpdatedAt.After(last) {
			last = e.UpdatedAt
		}
	}
	if len(entries) > 0 {
		resp.State = "ok"
		resp.LastUpload = last.UTC().Format(time.RFC3339)
	}
	jsonResp(w, http.StatusOK, resp)
}

// listInstallations returns GET /api/v1/installations, ordered by fingerprint.
func (h *Handler) listInstallations(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, toInstallations(h.store.List()))
}

// getInstallation returns GET /api/v1/installations/{fingerprint}.
func (h *Handler) getInstallation(w http.ResponseWriter, r *http.Request) {
	fp := strings.TrimPrefix(r.URL.Path, "/api/v1/installations/")
	if fp == "" {
		h.listInstallations(w, r)
		return
	}

	e, ok := h.store.Get(fp)
	if !ok {
		jsonErr(w, http.StatusNotFound, "installation not found")
		return
	}
	jsonResp(w, http.StatusOK, InstallationDetail{
		InstallationResponse: toInstallation(e),
		Recent:               e.Recent,
	})
}

// snapshot returns GET /api/v1/snapshot.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, BuildSnapshot(h.store))
}

// BuildSnapshot collects all live installations. The WebSocket hub
// broadcasts the same document.
func BuildSnapshot(st *store.Store) SnapshotResponse {
	return SnapshotResponse{
		Installations: toInstallations(st.List()),
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func toInstallations(entries []store.Entry) []InstallationResponse {
	out := make([]InstallationResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toInstallation(e))
	}
	return out
}

func toInstallation(e store.Entry) InstallationResponse {
	return InstallationResponse{
		Fingerprint: e.Fingerprint,
		Machine:     e.Machine,
		HardwareID:  hardwareID(e.Machine),
		Received:    e.Received,
		FirstSeen:   e.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:    e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// hardwareID renders the low 48 bits of machine as aa:bb:cc:dd:ee:ff.
func hardwareID(machine int64) string {
	var b strings.Builder
	for shift := 40; shift >= 0; shift -= 8 {
		if shift != 40 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", byte(machine>>shift))
	}
	return b.String()
}
