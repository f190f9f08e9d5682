// Package portalapi serves the public, un-authenticated endpoints a
// captive-portal HTTP client calls from the browser (or, for add-coin,
// on a claimant's behalf from the coin ingress bridge). Every handler
// resolves identity first; the rest of the call threads the resolved
// (mac, ip, token) triple through the slot manager and session engine.
package portalapi

import (
	"net/http"
	"strconv"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/eventbus"
	"github.com/coinwifi/gateway/httpapi"
	"github.com/coinwifi/gateway/identity"
	"github.com/coinwifi/gateway/logger"
	"github.com/coinwifi/gateway/sessionengine"
	"github.com/coinwifi/gateway/slotmanager"
	"github.com/coinwifi/gateway/store"
)

const maxSlotNumber = 10

// Handlers serves the Portal API.
type Handlers struct {
	store     *store.Store
	slots     *slotmanager.Manager
	engine    *sessionengine.Engine
	bus       *eventbus.Hub
	neighbors identity.NeighborTable
}

// New builds the Portal API handler set.
func New(s *store.Store, slots *slotmanager.Manager, engine *sessionengine.Engine, bus *eventbus.Hub, neighbors identity.NeighborTable) *Handlers {
	return &Handlers{store: s, slots: slots, engine: engine, bus: bus, neighbors: neighbors}
}

// Register wires every Portal API route onto mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/portal/session-status", h.handleSessionStatus)
	mux.HandleFunc("/portal/rates", h.handleRates)
	mux.HandleFunc("/portal/claim", h.handleClaim)
	mux.HandleFunc("/portal/add-coin", h.handleAddCoin)
	mux.HandleFunc("/portal/my-slot", h.handleMySlot)
	mux.HandleFunc("/portal/release", h.handleRelease)
	mux.HandleFunc("/portal/purchase", h.handlePurchase)
}

func (h *Handlers) resolve(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	ident, err := identity.Resolve(r, w, h.neighbors)
	if err != nil {
		httpapi.WriteErr(w, err)
		return nil, false
	}
	return ident, true
}

func toSlotIdentity(ident *identity.Identity) slotmanager.Identity {
	return slotmanager.Identity{IP: ident.IP, MAC: ident.MAC, Token: ident.Token}
}

func (h *Handlers) publish(evType eventbus.EventType, payload interface{}) {
	if h.bus != nil {
		h.bus.Publish(evType, payload)
	}
}

// findOrCreateClient resolves a Client row for ident, creating one on
// first visit. MAC != "Unknown" is the primary key; "Unknown" clients
// are keyed by session-token alone.
func (h *Handlers) findOrCreateClient(r *http.Request, ident *identity.Identity) (*store.Client, error) {
	ctx := r.Context()
	if ident.MAC != store.UnknownMAC {
		c, err := h.store.GetClientByMAC(ctx, ident.MAC)
		if err != nil {
			return nil, err
		}
		if c != nil {
			if err := h.store.UpdateClientIdentity(ctx, c.ID, ident.IP, "", "", r.UserAgent()); err != nil {
				logger.Warnw("failed to refresh client identity", "client_id", c.ID, "error", err.Error())
			}
			return c, nil
		}
		return h.store.CreateClient(ctx, ident.MAC, ident.Token)
	}

	c, err := h.store.GetClientByToken(ctx, ident.Token)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	return h.store.CreateClient(ctx, store.UnknownMAC, ident.Token)
}

func parseSlotNumber(raw string) (int64, error) {
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 || n > maxSlotNumber {
		return 0, errors.WithKind(errors.Newf("slot_number must be an integer in [1, %d]", maxSlotNumber), errors.KindInvalidInput)
	}
	return n, nil
}

func validateSlotNumber(n int64) error {
	if n < 1 || n > maxSlotNumber {
		return errors.WithKind(errors.Newf("slot_number must be an integer in [1, %d]", maxSlotNumber), errors.KindInvalidInput)
	}
	return nil
}

// GET /portal/session-status
func (h *Handlers) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodGet) {
		return
	}
	ident, ok := h.resolve(w, r)
	if !ok {
		return
	}

	client, err := h.findOrCreateClient(r, ident)
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated":  client.Status == store.ClientConnected,
		"status":         client.Status,
		"time_remaining": client.TimeRemaining,
	})
}

// GET /portal/rates
func (h *Handlers) handleRates(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodGet) {
		return
	}
	rates, err := h.store.ListActiveRates(r.Context())
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"rates": rates})
}

// POST /portal/claim {slot_number}
func (h *Handlers) handleClaim(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPost) {
		return
	}
	ident, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req struct {
		SlotNumber int64 `json:"slot_number"`
	}
	if !httpapi.ReadJSON(w, r, &req) {
		return
	}
	if err := validateSlotNumber(req.SlotNumber); err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	view, err := h.slots.Claim(r.Context(), req.SlotNumber, toSlotIdentity(ident))
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, view)
}

// POST /portal/add-coin {slot_number, coin_value, coin_count}
func (h *Handlers) handleAddCoin(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPost) {
		return
	}
	ident, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req struct {
		SlotNumber int64   `json:"slot_number"`
		CoinValue  float64 `json:"coin_value"`
		CoinCount  int64   `json:"coin_count"`
	}
	if !httpapi.ReadJSON(w, r, &req) {
		return
	}
	if err := validateSlotNumber(req.SlotNumber); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	if req.CoinValue <= 0 || req.CoinValue > 1000 {
		httpapi.WriteErr(w, errors.WithKind(errors.Newf("coin_value %.2f out of range (0, 1000]", req.CoinValue), errors.KindInvalidInput))
		return
	}
	if err := identity.ValidateCoinPulseCount(int(req.CoinCount)); err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	if err := h.slots.AddCoin(r.Context(), req.SlotNumber, toSlotIdentity(ident), req.CoinValue, req.CoinCount); err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	h.publish(eventbus.EventCoinQueued, map[string]interface{}{
		"slot_number": req.SlotNumber, "mac_address": ident.MAC, "coin_value": req.CoinValue, "coin_count": req.CoinCount,
	})
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// GET /portal/my-slot?slot_number=1
func (h *Handlers) handleMySlot(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodGet) {
		return
	}
	ident, ok := h.resolve(w, r)
	if !ok {
		return
	}

	slotNumber, err := parseSlotNumber(r.URL.Query().Get("slot_number"))
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	view, err := h.slots.MySlot(r.Context(), slotNumber, toSlotIdentity(ident))
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, view)
}

// POST /portal/release {slot_number, preserve_queue}
func (h *Handlers) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPost) {
		return
	}
	ident, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req struct {
		SlotNumber    int64 `json:"slot_number"`
		PreserveQueue bool  `json:"preserve_queue"`
	}
	if !httpapi.ReadJSON(w, r, &req) {
		return
	}
	if err := validateSlotNumber(req.SlotNumber); err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	if err := h.slots.Release(r.Context(), req.SlotNumber, toSlotIdentity(ident), req.PreserveQueue); err != nil {
		httpapi.WriteErr(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// POST /portal/purchase {rate_id}
func (h *Handlers) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if !httpapi.RequireMethod(w, r, http.MethodPost) {
		return
	}
	ident, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req struct {
		RateID     int64 `json:"rate_id"`
		SlotNumber int64 `json:"slot_number"`
	}
	if !httpapi.ReadJSON(w, r, &req) {
		return
	}
	if req.SlotNumber == 0 {
		req.SlotNumber = 1
	}
	if err := validateSlotNumber(req.SlotNumber); err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	ctx := r.Context()
	rate, err := h.store.GetRate(ctx, req.RateID)
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	result, err := h.slots.Redeem(ctx, req.SlotNumber, toSlotIdentity(ident), rate)
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	client, err := h.findOrCreateClient(r, ident)
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	h.publish(eventbus.EventCoinRedeemed, map[string]interface{}{
		"client_id": client.ID, "rate_id": rate.ID, "spent": result.SpentValue, "change": result.ChangeValue,
	})

	updated, err := h.engine.Authenticate(ctx, client.ID, rate.Duration, result.SpentValue, rate.CoinsRequired, &rate.ID, store.PaymentCoin)
	if err != nil {
		httpapi.WriteErr(w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":          updated.Status,
		"time_remaining":  updated.TimeRemaining,
		"change":          result.ChangeValue,
		"granted_duration": rate.Duration,
	})
}
