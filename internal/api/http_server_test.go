package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parkwise/internal/billing"
	"parkwise/internal/config"
	"parkwise/internal/database"
	"parkwise/internal/domain"
	"parkwise/internal/events"
	"parkwise/internal/export"
	"parkwise/internal/models"
	"parkwise/internal/propagation"
	"parkwise/internal/repository"
	"parkwise/internal/service"
	"parkwise/internal/worker"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const (
	adminKey   = "admin-key"
	workerKey  = "worker-key"
	studentKey = "student-key"
	readerKey  = "reader-key"
)

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			APIKeys: []config.APIClientKey{
				{Key: adminKey, Name: "ops", Role: "admin"},
				{Key: workerKey, Name: "gate", Role: "worker"},
				{Key: studentKey, Name: "s1", UserID: "stu-1", Email: "stu@uni.edu", Role: "student"},
				{Key: readerKey, Name: "board", Role: "guest", Permissions: []string{permReadLots}},
			},
		},
	}
}

type testServer struct {
	url  string
	db   *database.DB
	http *http.Client
}

func newTestServer(t *testing.T, cfg config.APIConfig) *testServer {
	t.Helper()
	logger := zerolog.New(io.Discard)
	bus := events.NewEventBus()
	db, err := database.NewDB(":memory:", &logger, database.WithPublisher(bus))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := service.NewReconciler(db, time.Second, &logger)
	spaces := service.NewSpaceService(db, rec, repository.NewMemoryLotLocker(), nil,
		billing.Schedule{StudentDaily: 200, GuestHourly: 50}, service.SpaceOptions{}, &logger)
	lots := service.NewLotService(db, rec, time.Second, &logger)

	hub := propagation.NewHub(db, worker.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond}, &logger)
	t.Cleanup(hub.Close)
	detach := hub.Attach(bus)
	t.Cleanup(detach)

	srv, err := NewHTTPServer(cfg, Deps{
		Spaces: spaces,
		Lots:   lots,
		Feeds:  hub,
		Report: export.NewExporter(db, t.TempDir(), &logger),
		Health: db.PingContext,
	}, &logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{url: ts.URL, db: db, http: ts.Client()}
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.url+path, reader)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	resp, err := ts.http.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) createLot(t *testing.T, spaces int) *models.ParkingLot {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/v1/lots", adminKey, map[string]string{"name": "Main", "location": "East"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	lot := decodeBody[models.ParkingLot](t, resp)
	if spaces > 0 {
		resp = ts.do(t, http.MethodPost, "/api/v1/lots/"+lot.ID+"/spaces/bulk", adminKey,
			map[string]int{"start_number": 1, "count": spaces})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	return &lot
}

func (ts *testServer) spaces(t *testing.T, lotID string) []*models.ParkingSpace {
	t.Helper()
	resp := ts.do(t, http.MethodGet, "/api/v1/lots/"+lotID+"/spaces", readerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[struct {
		Spaces []*models.ParkingSpace `json:"spaces"`
	}](t, resp).Spaces
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testAPIConfig())
	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts.db.Close()
	resp = ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, testAPIConfig())

	cases := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"MissingKey", http.MethodGet, "/api/v1/lots", "", http.StatusUnauthorized},
		{"InvalidKey", http.MethodGet, "/api/v1/lots", "nope", http.StatusUnauthorized},
		{"ReaderCanRead", http.MethodGet, "/api/v1/lots", readerKey, http.StatusOK},
		{"ReaderCannotWrite", http.MethodPost, "/api/v1/lots", readerKey, http.StatusForbidden},
		{"ReaderCannotExport", http.MethodGet, "/api/v1/export/occupancy", readerKey, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do(t, tc.method, tc.path, tc.key, map[string]string{"name": "x"})
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	t.Run("RoleStillApplies", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/v1/lots", workerKey, map[string]string{"name": "x"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		body := decodeBody[map[string]string](t, resp)
		assert.Equal(t, "permission_denied", body["kind"])
	})
}

func TestAuthDisabledActsAsGuest(t *testing.T) {
	cfg := testAPIConfig()
	cfg.Auth.Enabled = false
	ts := newTestServer(t, cfg)

	resp := ts.do(t, http.MethodGet, "/api/v1/lots", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/v1/lots", "", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	ts := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/lots", readerKey, nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/api/v1/lots", readerKey, nil).StatusCode)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/lots", adminKey, nil).StatusCode)
}

func TestSpaceLifecycle(t *testing.T) {
	ts := newTestServer(t, testAPIConfig())
	lot := ts.createLot(t, 3)

	spaces := ts.spaces(t, lot.ID)
	require.Len(t, spaces, 3)
	target := spaces[0]

	resp := ts.do(t, http.MethodPost, "/api/v1/lots/"+lot.ID+"/spaces", adminKey, map[string]int{"number": 2})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/lots/"+lot.ID+"/spaces/bulk", adminKey, map[string]int{"start_number": 3, "count": 4})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, ts.spaces(t, lot.ID), 3)

	resp = ts.do(t, http.MethodPut, "/api/v1/spaces/"+target.ID+"/status", studentKey, map[string]any{"status": "booked"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	booked := decodeBody[models.ParkingSpace](t, resp)
	assert.Equal(t, models.StatusBooked, booked.Status)
	assert.Equal(t, "stu-1", booked.Occupant.UserID)

	resp = ts.do(t, http.MethodPut, "/api/v1/spaces/"+target.ID+"/status", studentKey, map[string]any{"status": "gone"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/lots/"+lot.ID, readerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[models.ParkingLot](t, resp)
	assert.Equal(t, models.LotAggregate{Total: 3, Available: 2, Booked: 1}, got.Aggregate())

	resp = ts.do(t, http.MethodGet, "/api/v1/spaces/"+target.ID+"/estimate?role=guest", workerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), decodeBody[models.Receipt](t, resp).Amount)

	resp = ts.do(t, http.MethodPost, "/api/v1/spaces/"+target.ID+"/checkout", studentKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := decodeBody[models.Receipt](t, resp)
	assert.Equal(t, float64(200), receipt.Amount)
	assert.Equal(t, models.BillingDaily, receipt.BillingType)

	resp = ts.do(t, http.MethodPut, "/api/v1/spaces/"+target.ID+"/number", adminKey, map[string]int{"number": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10, decodeBody[models.ParkingSpace](t, resp).Number)

	resp = ts.do(t, http.MethodDelete, "/api/v1/spaces/"+target.ID, adminKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/v1/spaces/"+target.ID, readerKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/lots/"+lot.ID+"/reconcile", workerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody[map[string]any](t, resp)["changed"])
}

func TestLotEndpoints(t *testing.T) {
	ts := newTestServer(t, testAPIConfig())
	lot := ts.createLot(t, 2)

	resp := ts.do(t, http.MethodPatch, "/api/v1/lots/"+lot.ID, adminKey, map[string]string{"name": "Renamed", "location": "West"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", decodeBody[models.ParkingLot](t, resp).Name)

	resp = ts.do(t, http.MethodPost, "/api/v1/lots", adminKey, map[string]any{"name": "x", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/reconcile", adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/v1/lots/"+lot.ID, adminKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/v1/lots/"+lot.ID+"/spaces", readerKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportOccupancy(t *testing.T) {
	ts := newTestServer(t, testAPIConfig())
	lot := ts.createLot(t, 2)

	resp := ts.do(t, http.MethodGet, "/api/v1/export/occupancy?lot="+lot.ID, adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")

	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer f.Close()
	assert.Len(t, f.GetSheetList(), 2)

	resp = ts.do(t, http.MethodGet, "/api/v1/export/occupancy?lot=ghost", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSpacesStream(t *testing.T) {
	ts := newTestServer(t, testAPIConfig())
	lot := ts.createLot(t, 2)

	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/api/v1/ws/lots/" + lot.ID + "/spaces"
	header := http.Header{}
	header.Set("x-api-key", readerKey)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	type message struct {
		Feed string                 `json:"feed"`
		Key  string                 `json:"key"`
		Data []*models.ParkingSpace `json:"data"`
	}

	var first message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "spaces", first.Feed)
	assert.Equal(t, lot.ID, first.Key)
	require.Len(t, first.Data, 2)

	r := ts.do(t, http.MethodPut, "/api/v1/spaces/"+first.Data[0].ID+"/status", workerKey, map[string]any{"status": "occupied"})
	require.Equal(t, http.StatusOK, r.StatusCode)

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var next message
		require.NoError(t, conn.ReadJSON(&next))
		if next.Data[0].Status == models.StatusOccupied {
			break
		}
	}
}

func TestStreamRequiresPermission(t *testing.T) {
	ts := newTestServer(t, testAPIConfig())

	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/api/v1/ws/lots"
	header := http.Header{}
	header.Set("x-api-key", readerKey)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.Errorf(domain.ErrNotFound, "x"), http.StatusNotFound},
		{domain.Errorf(domain.ErrConflict, "x"), http.StatusConflict},
		{domain.Errorf(domain.ErrInvalidArgument, "x"), http.StatusBadRequest},
		{domain.Errorf(domain.ErrPermissionDenied, "x"), http.StatusForbidden},
		{domain.Errorf(domain.ErrTransient, "x"), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", domain.ErrConcurrentModification), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestWriteResultMarksPendingReconcile(t *testing.T) {
	rec := httptest.NewRecorder()
	err := &domain.ReconcileError{LotID: "lot-1", Err: domain.ErrTransient}
	writeResult(rec, http.StatusOK, map[string]string{"id": "s1"}, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lot-1", rec.Header().Get(reconcileHeader))
	assert.JSONEq(t, `{"id":"s1"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	writeResult(rec, http.StatusNoContent, nil, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestActorFromContext(t *testing.T) {
	_, ok := ActorFrom(context.Background())
	assert.False(t, ok)

	ctx := withActor(context.Background(), models.Actor{UserID: "u", Role: models.RoleWorker})
	actor, ok := ActorFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, models.RoleWorker, actor.Role)
}
