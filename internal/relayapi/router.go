// Package relayapi wires the relay's chi HTTP router to the fabric.Hub: request
// decoding, response encoding and route registration, following the same
// chi middleware stack the admin/agent routers once used.
package relayapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yourconnector/yc/internal/apierr"
	"github.com/yourconnector/yc/internal/audit"
	"github.com/yourconnector/yc/internal/fabric"
)

// NewRouter builds the full relay HTTP + WS router. auditLog is optional
// (nil when the server was started without a master key) and backs the
// debug audit-trail endpoint only.
func NewRouter(hub *fabric.Hub, auditLog *audit.Log, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := &handler{hub: hub, auditLog: auditLog, logger: logger}

	r.Get("/healthz", h.healthz)
	r.Get("/v1/debug/systems", h.debugSystems)
	r.Get("/v1/debug/audit", h.debugAudit)
	r.Post("/v1/pair/preflight", h.pairPreflight)
	r.Post("/v1/pair/exchange", h.pairExchange)
	r.Post("/v1/pair/bootstrap", h.pairBootstrap)
	r.Post("/v1/auth/refresh", h.authRefresh)
	r.Post("/v1/auth/revoke-device", h.authRevokeDevice)
	r.Get("/v1/auth/devices", h.authDevices)
	r.Get("/v1/ws", hub.ServeWS)

	return r
}

type handler struct {
	hub      *fabric.Hub
	auditLog *audit.Log
	logger   *slog.Logger
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) debugSystems(w http.ResponseWriter, r *http.Request) {
	apierr.WriteOK(w, http.StatusOK, "ok", "", h.hub.Snapshot())
}

// debugAudit surfaces the most recent encrypted-at-rest audit entries,
// decrypted for inspection. Like debugSystems, this is an operator debug
// surface with no additional auth beyond the relay's own network exposure.
func (h *handler) debugAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditLog == nil {
		apierr.WriteError(w, apierr.Internal("audit log is not enabled on this relay"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.auditLog.Recent(limit, r.URL.Query().Get("systemId"))
	if err != nil {
		apierr.WriteError(w, apierr.Internal("read audit log: "+err.Error()))
		return
	}
	apierr.WriteOK(w, http.StatusOK, "ok", "", entries)
}

func decodeJSON(r *http.Request, v interface{}) *apierr.Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.New(http.StatusBadRequest, apierr.CodeMissingCredentials, "invalid request body", "请检查请求参数")
	}
	return nil
}
