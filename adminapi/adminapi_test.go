package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinwifi/gateway/db"
	"github.com/coinwifi/gateway/sessionengine"
	"github.com/coinwifi/gateway/store"
)

func newTestHandlers(t *testing.T) (*Handlers, *store.Store) {
	t.Helper()
	dbPath := t.TempDir() + "/gateway.db"
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s := store.New(conn, nil)
	require.NoError(t, s.SeedPortalSettings(context.Background(), &store.PortalSettings{CoinTimeout: 120}))
	require.NoError(t, s.SeedNetworkConfig(context.Background(), &store.NetworkConfig{LANInterface: "br-lan"}))

	engine := sessionengine.New(conn, s, nil, nil, nil, nil)
	return New(s, engine, nil, nil), s
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	var r *http.Request
	if body != nil {
		buf, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	return r
}

func TestHandleClientsListsSeededClients(t *testing.T) {
	h, s := newTestHandlers(t)
	_, err := s.CreateClient(context.Background(), "AA:BB:CC:11:22:33", "tok-a")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.handleClients(rec, jsonRequest(http.MethodGet, "/admin/clients", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Clients []*store.Client `json:"clients"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Clients, 1)
}

func TestHandleClientActionDisconnect(t *testing.T) {
	h, s := newTestHandlers(t)
	client, err := s.CreateClient(context.Background(), "AA:BB:CC:11:22:33", "tok-a")
	require.NoError(t, err)
	_, err = h.engine.Authenticate(context.Background(), client.ID, 300, 5, 1, nil, store.PaymentCoin)
	require.NoError(t, err)

	handler := h.handleClientAction(h.doDisconnect)
	rec := httptest.NewRecorder()
	handler(rec, jsonRequest(http.MethodPost, "/admin/clients/disconnect", map[string]interface{}{"client_id": client.ID}))
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := s.GetClientByID(context.Background(), client.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ClientDisconnected, updated.Status)
}

func TestHandleClientActionRejectsMissingID(t *testing.T) {
	h, _ := newTestHandlers(t)
	handler := h.handleClientAction(h.doDisconnect)
	rec := httptest.NewRecorder()
	handler(rec, jsonRequest(http.MethodPost, "/admin/clients/disconnect", map[string]interface{}{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRatesCreateAndList(t *testing.T) {
	h, _ := newTestHandlers(t)

	createRec := httptest.NewRecorder()
	h.handleRates(createRec, jsonRequest(http.MethodPost, "/admin/rates", &store.Rate{
		Name: "1 hour", Price: 10, Duration: 3600, CoinsRequired: 2, IsActive: true,
	}))
	require.Equal(t, http.StatusCreated, createRec.Code)

	listRec := httptest.NewRecorder()
	h.handleRates(listRec, jsonRequest(http.MethodGet, "/admin/rates", nil))
	require.Equal(t, http.StatusOK, listRec.Code)

	var body struct {
		Rates []*store.Rate `json:"rates"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &body))
	require.Len(t, body.Rates, 1)
	assert.Equal(t, "1 hour", body.Rates[0].Name)
}

func TestHandleRatesRejectsInvalidPrice(t *testing.T) {
	h, _ := newTestHandlers(t)
	rec := httptest.NewRecorder()
	h.handleRates(rec, jsonRequest(http.MethodPost, "/admin/rates", &store.Rate{
		Name: "bad", Price: 0, Duration: 3600, CoinsRequired: 1, IsActive: true,
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRateDelete(t *testing.T) {
	h, s := newTestHandlers(t)
	rate, err := s.CreateRate(context.Background(), &store.Rate{
		Name: "30 min", Price: 5, Duration: 1800, CoinsRequired: 1, IsActive: true,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.handleRateDelete(rec, jsonRequest(http.MethodDelete, "/admin/rates/delete", map[string]interface{}{"id": rate.ID}))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = s.GetRate(context.Background(), rate.ID)
	assert.Error(t, err)
}

func TestHandleSettingsGet(t *testing.T) {
	h, _ := newTestHandlers(t)
	rec := httptest.NewRecorder()
	h.handleSettingsGet(rec, jsonRequest(http.MethodGet, "/admin/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotNil(t, body["portal"])
	assert.NotNil(t, body["network"])
	assert.NotNil(t, body["ttl"])
}

func TestHandlePortalSettingsPut(t *testing.T) {
	h, s := newTestHandlers(t)
	rec := httptest.NewRecorder()
	h.handlePortalSettingsPut(rec, jsonRequest(http.MethodPut, "/admin/settings/portal", &store.PortalSettings{
		CoinTimeout: 240, AutoPauseOnDisconnect: true,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := s.GetPortalSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(240), updated.CoinTimeout)
	assert.True(t, updated.AutoPauseOnDisconnect)
}

func TestHandleBandwidthSettingsPutWithoutShaperIs501(t *testing.T) {
	h, _ := newTestHandlers(t)
	rec := httptest.NewRecorder()
	h.handleBandwidthSettingsPut(rec, jsonRequest(http.MethodPut, "/admin/settings/bandwidth", &store.NetworkConfig{
		BandwidthEnabled: true, BandwidthDownloadLimit: 1000, BandwidthUploadLimit: 500,
	}))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleTTLViolationResolveWithoutDetectorIs501(t *testing.T) {
	h, _ := newTestHandlers(t)
	rec := httptest.NewRecorder()
	h.handleTTLViolationResolve(rec, jsonRequest(http.MethodPost, "/admin/ttl/violations/resolve", map[string]interface{}{
		"mac": "AA:BB:CC:11:22:33",
	}))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleLogsDefaultsLimit(t *testing.T) {
	h, s := newTestHandlers(t)
	require.NoError(t, s.AppendSystemLog(context.Background(), "info", "admin", "boot", ""))

	rec := httptest.NewRecorder()
	h.handleLogs(rec, jsonRequest(http.MethodGet, "/admin/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Logs []*store.SystemLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Logs, 1)
}
