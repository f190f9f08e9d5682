// Package adminapi serves the authenticated dashboard endpoints: client
// roster management, rate configuration, portal/network/bandwidth
// settings, TTL-sharing violations and the system log. Every route here
// is expected to sit behind auth.Middleware.RequireAuth in the caller's
// mux wiring; this package does not itself check authentication.
package adminapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/httpapi"
	"github.com/coinwifi/gateway/sessionengine"
	"github.com/coinwifi/gateway/shaper"
	"github.com/coinwifi/gateway/store"
	"github.com/coinwifi/gateway/ttldetector"
)

// Handlers serves the Admin API.
type Handlers struct {
	store    *store.Store
	engine   *sessionengine.Engine
	detector *ttldetector.Detector
	shaper   *shaper.Driver
}

// New builds the Admin API handler set. detector and shaper may be nil
// when TTL detection or bandwidth shaping is disabled for this
// deployment; the affected routes respond 501 in that case.
func New(s *store.Store, engine *sessionengine.Engine, detector *ttldetector.Detector, sh *shaper.Driver) *Handlers {
	return &Handlers{store: s, engine: engine, detector: detector, shaper: sh}
}

// Register wires every Admin API route onto mux, passing each handler
// through wrap (the caller's auth middleware) before registering it;
// this package does not check authentication itself.
func (h *Handlers) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	route := func(pattern string, handler http.HandlerFunc) {
		mux.HandleFunc(pattern, wrap(handler))
	}

	route("/admin/clients", h.handleClients)
	route("/admin/clients/disconnect", h.handleClientAction(h.doDisconnect))
	route("/admin/clients/pause", h.handleClientAction(h.doPause))
	route("/admin/clients/resume", h.handleClientAction(h.doResume))
	route("/admin/clients/whitelist", h.handleClientAction(h.doWhitelist))
	route("/admin/clients/block", h.handleClientAction(h.doBlock))

	route("/admin/rates", h.handleRates)
	route("/admin/rates/update", h.handleRateUpdate)
	route("/admin/rates/delete", h.handleRateDelete)

	route("/admin/settings", h.handleSettingsGet)
	route("/admin/settings/portal", h.handlePortalSettingsPut)
	route("/admin/settings/network", h.handleNetworkSettingsPut)
	route("/admin/settings/bandwidth", h.handleBandwidthSettingsPut)

	route("/admin/ttl/violations", h.handleTTLViolations)
	route("/admin/ttl/violations/resolve", h.handleTTLViolationResolve)

	route("/admin/logs", h.handleLogs)
}

// GET /admin/clients
func (h *Handlers) handleClients(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodGet) {
		return
	}
	clients, err := h.store.ListClients(r.Context())
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"clients": clients})
}

// handleClientAction builds a POST {client_id} handler that delegates
// to one of the session engine's state transitions.
func (h *Handlers) handleClientAction(action func(r *http.Request, clientID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !httpapi.RequireMethod(w, r, http.MethodPost) {
			return
		}
		var req struct {
			ClientID int64 `json:"client_id"`
		}
		if !httpapi.ReadJSON(w, r, &req) {
			return
		}
		if req.ClientID <= 0 {
			httpapi.WriteErr(w, errors.WithKind(errors.New("client_id is required"), errors.KindInvalidInput))
			return
		}
		if err := action(r, req.ClientID); err != nil {
			httpapi.WriteErr(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	}
}

func (h *Handlers) doDisconnect(r *http.Request, clientID int64) error {
	return h.engine.Disconnect(r.Context(), clientID, "admin_requested")
}

func (h *Handlers) doPause(r *http.Request, clientID int64) error {
	return h.engine.Pause(r.Context(), clientID, nil)
}

func (h *Handlers) doResume(r *http.Request, clientID int64) error {
	return h.engine.Resume(r.Context(), clientID)
}

func (h *Handlers) doWhitelist(r *http.Request, clientID int64) error {
	return h.engine.Whitelist(r.Context(), clientID)
}

func (h *Handlers) doBlock(r *http.Request, clientID int64) error {
	return h.engine.Block(r.Context(), clientID)
}

// GET /admin/rates, POST /admin/rates
func (h *Handlers) handleRates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rates, err := h.store.ListRates(r.Context())
		if err != nil {
			httpapi.WriteErr(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"rates": rates})
	case http.MethodPost:
		var rate store.Rate
		if !httpapi.ReadJSON(w, r, &rate) {
			return
		}
		if err := validateRate(&rate); err != nil {
			httpapi.WriteErr(w, err)
			return
		}
		created, err := h.store.CreateRate(r.Context(), &rate)
		if err != nil {
			httpapi.WriteErr(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, created)
	default:
		httpapi.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// PUT /admin/rates/update {id, ...}
func (h *Handlers) handleRateUpdate(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPut) {
		return
	}
	var rate store.Rate
	if !httpapi.ReadJSON(w, r, &rate) {
		return
	}
	if rate.ID <= 0 {
		httpapi.WriteErr(w, errors.WithKind(errors.New("id is required"), errors.KindInvalidInput))
		return
	}
	if err := validateRate(&rate); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	if err := h.store.UpdateRate(r.Context(), &rate); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// DELETE /admin/rates/delete {id}
func (h *Handlers) handleRateDelete(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodDelete) {
		return
	}
	var req struct {
		ID int64 `json:"id"`
	}
	if !httpapi.ReadJSON(w, r, &req) {
		return
	}
	if err := h.store.DeleteRate(r.Context(), req.ID); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func validateRate(r *store.Rate) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.WithKind(errors.New("rate name is required"), errors.KindInvalidInput)
	}
	if r.Price <= 0 {
		return errors.WithKind(errors.New("price must be positive"), errors.KindInvalidInput)
	}
	if r.Duration <= 0 {
		return errors.WithKind(errors.New("duration must be positive"), errors.KindInvalidInput)
	}
	if r.CoinsRequired <= 0 {
		return errors.WithKind(errors.New("coins_required must be positive"), errors.KindInvalidInput)
	}
	return nil
}

// GET /admin/settings
func (h *Handlers) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodGet) {
		return
	}
	portal, err := h.store.GetPortalSettings(r.Context())
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	network, err := h.store.GetNetworkConfig(r.Context())
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	ttl, err := h.store.GetTTLSettings(r.Context())
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"portal": portal, "network": network, "ttl": ttl,
	})
}

// PUT /admin/settings/portal
func (h *Handlers) handlePortalSettingsPut(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPut) {
		return
	}
	var settings store.PortalSettings
	if !httpapi.ReadJSON(w, r, &settings) {
		return
	}
	if err := h.store.UpdatePortalSettings(r.Context(), &settings); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// PUT /admin/settings/network
func (h *Handlers) handleNetworkSettingsPut(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPut) {
		return
	}
	var cfg store.NetworkConfig
	if !httpapi.ReadJSON(w, r, &cfg) {
		return
	}
	if err := h.store.UpdateNetworkConfig(r.Context(), &cfg); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	if err := h.store.RecordNetworkSettingsSnapshot(r.Context(), cfg.LANInterface, false); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// PUT /admin/settings/bandwidth
func (h *Handlers) handleBandwidthSettingsPut(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPut) {
		return
	}
	var cfg store.NetworkConfig
	if !httpapi.ReadJSON(w, r, &cfg) {
		return
	}
	if err := h.store.UpdateNetworkConfig(r.Context(), &cfg); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	if h.shaper == nil {
		httpapi.WriteError(w, http.StatusNotImplemented, "bandwidth shaping is not enabled on this gateway")
		return
	}
	if cfg.BandwidthEnabled {
		if err := h.shaper.SetGlobal(r.Context(), cfg.BandwidthDownloadLimit, cfg.BandwidthUploadLimit); err != nil {
			httpapi.WriteErr(w, err)
			return
		}
	} else {
		if err := h.shaper.ClearGlobal(r.Context()); err != nil {
			httpapi.WriteErr(w, err)
			return
		}
	}
	if h.engine != nil {
		h.engine.ConfigurePerClientBandwidth(cfg.PerClientBandwidthEnabled)
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// GET /admin/ttl/violations
func (h *Handlers) handleTTLViolations(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodGet) {
		return
	}
	violations, err := h.store.ListPendingViolations(r.Context())
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"violations": violations})
}

// POST /admin/ttl/violations/resolve {mac}
func (h *Handlers) handleTTLViolationResolve(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		MAC string `json:"mac"`
	}
	if !httpapi.ReadJSON(w, r, &req) {
		return
	}
	if req.MAC == "" {
		httpapi.WriteErr(w, errors.WithKind(errors.New("mac is required"), errors.KindInvalidInput))
		return
	}
	if h.detector == nil {
		httpapi.WriteError(w, http.StatusNotImplemented, "TTL sharing detection is not enabled on this gateway")
		return
	}
	if err := h.detector.Resolve(r.Context(), req.MAC); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// GET /admin/logs?limit=100
func (h *Handlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpapi.WriteErr(w, errors.WithKind(errors.New("limit must be a positive integer"), errors.KindInvalidInput))
			return
		}
		limit = n
	}
	logs, err := h.store.ListSystemLogs(r.Context(), limit)
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}
