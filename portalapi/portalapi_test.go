package portalapi

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
	"github.com/coinwifi/gateway/slotmanager"
	"github.com/coinwifi/gateway/store"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	dbPath := t.TempDir() + "/gateway.db"
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s := store.New(conn, nil)
	require.NoError(t, s.SeedPortalSettings(context.Background(), &store.PortalSettings{
		CoinTimeout: 120,
	}))

	slots := slotmanager.New(s, slotmanager.DefaultClaimLease)
	engine := sessionengine.New(conn, s, nil, nil, nil, nil)
	return New(s, slots, engine, nil, nil)
}

func newPortalRequest(method, path string, body interface{}) *http.Request {
	var r *http.Request
	if body != nil {
		buf, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.RemoteAddr = "192.0.2.10:54321"
	return r
}

func TestHandleSessionStatusCreatesClientOnFirstVisit(t *testing.T) {
	h := newTestHandlers(t)
	req := newPortalRequest(http.MethodGet, "/portal/session-status", nil)
	rec := httptest.NewRecorder()

	h.handleSessionStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["authenticated"])
}

func TestHandleRatesListsActiveRates(t *testing.T) {
	h := newTestHandlers(t)
	_, err := h.store.CreateRate(context.Background(), &store.Rate{
		Name: "30 minutes", Price: 5, Duration: 1800, CoinsRequired: 1, IsActive: true,
	})
	require.NoError(t, err)

	req := newPortalRequest(http.MethodGet, "/portal/rates", nil)
	rec := httptest.NewRecorder()
	h.handleRates(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Rates []*store.Rate `json:"rates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Rates, 1)
	assert.Equal(t, "30 minutes", body.Rates[0].Name)
}

func TestHandleClaimThenMySlotThenRelease(t *testing.T) {
	h := newTestHandlers(t)

	claimReq := newPortalRequest(http.MethodPost, "/portal/claim", map[string]interface{}{"slot_number": 1})
	claimRec := httptest.NewRecorder()
	h.handleClaim(claimRec, claimReq)
	require.Equal(t, http.StatusOK, claimRec.Code)

	token := cookieToken(t, claimRec)

	mySlotReq := newPortalRequest(http.MethodGet, "/portal/my-slot?slot_number=1", nil)
	mySlotReq.AddCookie(&http.Cookie{Name: "pisowifi_session", Value: token})
	mySlotRec := httptest.NewRecorder()
	h.handleMySlot(mySlotRec, mySlotReq)
	require.Equal(t, http.StatusOK, mySlotRec.Code)

	releaseReq := newPortalRequest(http.MethodPost, "/portal/release", map[string]interface{}{"slot_number": 1})
	releaseReq.AddCookie(&http.Cookie{Name: "pisowifi_session", Value: token})
	releaseRec := httptest.NewRecorder()
	h.handleRelease(releaseRec, releaseReq)
	assert.Equal(t, http.StatusOK, releaseRec.Code)
}

func TestHandleClaimRejectsOutOfRangeSlot(t *testing.T) {
	h := newTestHandlers(t)
	req := newPortalRequest(http.MethodPost, "/portal/claim", map[string]interface{}{"slot_number": 99})
	rec := httptest.NewRecorder()
	h.handleClaim(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAddCoinRejectsBadPulseCount(t *testing.T) {
	h := newTestHandlers(t)
	claimReq := newPortalRequest(http.MethodPost, "/portal/claim", map[string]interface{}{"slot_number": 1})
	claimRec := httptest.NewRecorder()
	h.handleClaim(claimRec, claimReq)
	token := cookieToken(t, claimRec)

	addReq := newPortalRequest(http.MethodPost, "/portal/add-coin", map[string]interface{}{
		"slot_number": 1, "coin_value": 5.0, "coin_count": 0,
	})
	addReq.AddCookie(&http.Cookie{Name: "pisowifi_session", Value: token})
	addRec := httptest.NewRecorder()
	h.handleAddCoin(addRec, addReq)
	assert.Equal(t, http.StatusBadRequest, addRec.Code)
}

func TestHandlePurchaseGrantsSessionTime(t *testing.T) {
	h := newTestHandlers(t)
	rate, err := h.store.CreateRate(context.Background(), &store.Rate{
		Name: "30 minutes", Price: 5, Duration: 1800, CoinsRequired: 1, IsActive: true,
	})
	require.NoError(t, err)

	claimReq := newPortalRequest(http.MethodPost, "/portal/claim", map[string]interface{}{"slot_number": 1})
	claimRec := httptest.NewRecorder()
	h.handleClaim(claimRec, claimReq)
	token := cookieToken(t, claimRec)

	addReq := newPortalRequest(http.MethodPost, "/portal/add-coin", map[string]interface{}{
		"slot_number": 1, "coin_value": 5.0, "coin_count": 1,
	})
	addReq.AddCookie(&http.Cookie{Name: "pisowifi_session", Value: token})
	addRec := httptest.NewRecorder()
	h.handleAddCoin(addRec, addReq)
	require.Equal(t, http.StatusOK, addRec.Code)

	purchaseReq := newPortalRequest(http.MethodPost, "/portal/purchase", map[string]interface{}{
		"rate_id": rate.ID, "slot_number": 1,
	})
	purchaseReq.AddCookie(&http.Cookie{Name: "pisowifi_session", Value: token})
	purchaseRec := httptest.NewRecorder()
	h.handlePurchase(purchaseRec, purchaseReq)

	require.Equal(t, http.StatusOK, purchaseRec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(purchaseRec.Body.Bytes(), &body))
	assert.Equal(t, string(store.ClientConnected), body["status"])
	assert.EqualValues(t, rate.Duration, body["time_remaining"])
}

func TestHandleWrongMethodRejected(t *testing.T) {
	h := newTestHandlers(t)
	req := newPortalRequest(http.MethodPost, "/portal/session-status", nil)
	rec := httptest.NewRecorder()
	h.handleSessionStatus(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func cookieToken(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "pisowifi_session" {
			return c.Value
		}
	}
	t.Fatal("no session cookie set")
	return ""
}
