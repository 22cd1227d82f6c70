package monitor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/scalarorg/svm-aptos-relayer/pkg/monitor"
	"github.com/scalarorg/svm-aptos-relayer/pkg/store"
	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(t.TempDir() + "/monitor.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func healthy() (bool, time.Time)   { return true, time.Now() }
func unhealthy() (bool, time.Time) { return false, time.Now() }

func router(st store.Store, storeH, source, dest monitor.ComponentHealth) *mux.Router {
	handler := monitor.NewHandler(st, monitor.NewSnapshot(), storeH, source, dest)
	r := mux.NewRouter()
	handler.Register(r)
	return r
}

func TestHealthOKWhenEverythingHealthy(t *testing.T) {
	st := newTestStore(t)
	r := router(st, healthy, healthy, healthy)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthDegradedWhenSourceUnhealthy(t *testing.T) {
	st := newTestStore(t)
	r := router(st, healthy, unhealthy, healthy)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["status"])
}

func TestHealthDegradedWhenStoreUnhealthy(t *testing.T) {
	st := newTestStore(t)
	r := router(st, unhealthy, healthy, healthy)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthDegradedWhenProbeStale(t *testing.T) {
	st := newTestStore(t)
	stale := func() (bool, time.Time) { return true, time.Now().Add(-time.Hour) }
	r := router(st, healthy, stale, healthy)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetSettlementNotFound(t *testing.T) {
	st := newTestStore(t)
	r := router(st, nil, nil, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSettlementFound(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutIfAbsent(context.Background(), types.SettlementRequest{
		SourceTxHash: "tx1",
		SourceChain:  "solana",
		Amount:       10,
		ObservedAt:   time.Now().UTC(),
	}))
	r := router(st, nil, nil, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/tx1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "tx1", got.Request.SourceTxHash)
}

func TestListSettlementsHasNoStatusRequirement(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutIfAbsent(context.Background(), types.SettlementRequest{SourceTxHash: "a", ObservedAt: time.Now().UTC()}))
	r := router(st, nil, nil, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settlements", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []types.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
}

func TestListSettlementsReturnsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutIfAbsent(context.Background(), types.SettlementRequest{SourceTxHash: "older", ObservedAt: time.Now().UTC()}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, st.PutIfAbsent(context.Background(), types.SettlementRequest{SourceTxHash: "newer", ObservedAt: time.Now().UTC()}))
	r := router(st, nil, nil, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settlements", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []types.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, "newer", got[0].Request.SourceTxHash)
	require.Equal(t, "older", got[1].Request.SourceTxHash)
}

func TestListSettlementsHonorsLimit(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutIfAbsent(context.Background(), types.SettlementRequest{SourceTxHash: "a", ObservedAt: time.Now().UTC()}))
	require.NoError(t, st.PutIfAbsent(context.Background(), types.SettlementRequest{SourceTxHash: "b", ObservedAt: time.Now().UTC()}))
	r := router(st, nil, nil, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settlements?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []types.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
}

func TestListSettlementsRejectsInvalidLimit(t *testing.T) {
	st := newTestStore(t)
	r := router(st, nil, nil, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settlements?limit=notanumber", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusReportsUptimeInFlightAndCounts(t *testing.T) {
	st := newTestStore(t)
	handler := monitor.NewHandler(st, monitor.NewSnapshot(), nil, nil, nil)
	r := mux.NewRouter()
	handler.Register(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "counts")
	require.Contains(t, body, "in_flight")
	require.Contains(t, body, "uptime_seconds")
}
