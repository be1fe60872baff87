package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"csms/internal/config"
	"csms/internal/lock"
	"csms/internal/models"
	"csms/internal/ocpp"
	"csms/internal/security"
	"csms/internal/services"
	"csms/internal/smartcharging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStations struct {
	stations map[string]*models.ChargingStation
	touched  []string
}

func (f *fakeStations) Get(_ context.Context, id string) (*models.ChargingStation, error) {
	return f.stations[id], nil
}

func (f *fakeStations) GetSecretHash(_ context.Context, id string) (string, bool, error) {
	st := f.stations[id]
	if st == nil {
		return "", false, nil
	}
	return st.SecretHash, st.IsActive, nil
}

func (f *fakeStations) TouchLastSeen(_ context.Context, id string, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStations) ListConnectors(_ context.Context, id string) ([]*models.Connector, error) {
	if st := f.stations[id]; st != nil {
		return st.Connectors, nil
	}
	return []*models.Connector{}, nil
}

type fakeTransactions struct{ byID map[int]*models.Transaction }

func (f *fakeTransactions) Get(_ context.Context, id int) (*models.Transaction, error) {
	return f.byID[id], nil
}

func (f *fakeTransactions) ListByStation(_ context.Context, stationID string, _ int) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for _, tx := range f.byID {
		if tx.ChargingStationID == stationID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// fakeGateway records sent commands in the same audit store the server reads.
type fakeGateway struct {
	commands map[string]*models.Command
	sent     int
	err      error
}

func (f *fakeGateway) GetByIdempotency(_ context.Context, key string) (*models.Command, error) {
	return f.commands[key], nil
}

func (f *fakeGateway) Send(_ context.Context, stationID, commandType, key string, _ any) (json.RawMessage, error) {
	f.sent++
	cmd := &models.Command{
		CommandID:      fmt.Sprintf("cmd-%d", f.sent),
		ChargePointID:  stationID,
		Type:           commandType,
		IdempotencyKey: key,
		Status:         models.CommandStatusAcked,
	}
	f.commands[key] = cmd
	if f.err != nil {
		cmd.Status = models.CommandStatusFailed
		return nil, f.err
	}
	cmd.ResponseJSON = []byte(`{"status":"Accepted"}`)
	return cmd.ResponseJSON, nil
}

type fakeIngester struct {
	resp any
	err  error
	raw  []byte
}

func (f *fakeIngester) Ingest(_ context.Context, raw []byte) (any, error) {
	f.raw = raw
	return f.resp, f.err
}

type fakeStopper struct {
	err   error
	calls []string
}

func (f *fakeStopper) RemoteStop(_ context.Context, id int, tagID, _ string) error {
	f.calls = append(f.calls, fmt.Sprintf("%d:%s", id, tagID))
	return f.err
}

type fakeSmart struct {
	res smartcharging.Result
	err error
}

func (f *fakeSmart) ComputeAndApplyChargingProfiles(context.Context, string) (smartcharging.Result, error) {
	return f.res, f.err
}

type fakeSites struct {
	sites   map[string]*models.SiteArea
	tariffs []string
}

func (f *fakeSites) Create(_ context.Context, name string, maxAmps float64) (string, error) {
	id := fmt.Sprintf("sa-%d", len(f.sites)+1)
	f.sites[id] = &models.SiteArea{SiteAreaID: id, Name: name, MaxAmps: maxAmps}
	return id, nil
}

func (f *fakeSites) Get(_ context.Context, id string) (*models.SiteArea, error) {
	return f.sites[id], nil
}

func (f *fakeSites) UpsertActiveForSiteArea(_ context.Context, siteAreaID string, _ float64, _ string, _ []models.PriceWindow) (string, error) {
	f.tariffs = append(f.tariffs, siteAreaID)
	return "tariff-1", nil
}

type fakeSettlements struct{ failed map[string]string }

func (f *fakeSettlements) List(context.Context, string, int) ([]models.Settlement, error) {
	return []models.Settlement{{SettlementID: "st-1", TransactionID: 7, Status: "pending"}}, nil
}

func (f *fakeSettlements) MarkFailed(_ context.Context, id, msg string) error {
	f.failed[id] = msg
	return nil
}

type testServer struct {
	stations    *fakeStations
	txs         *fakeTransactions
	gateway     *fakeGateway
	ingester    *fakeIngester
	stopper     *fakeStopper
	smart       *fakeSmart
	sites       *fakeSites
	settlements *fakeSettlements
	handler     http.Handler
}

const gatewayKey = "gw-secret"

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.GatewayAPIKey = gatewayKey

	ts := &testServer{
		stations: &fakeStations{stations: map[string]*models.ChargingStation{
			"CS1": {
				ID:          "CS1",
				IsActive:    true,
				SecretHash:  security.HashSecretSHA256("s3cret"),
				OcppVersion: "1.6",
				Connectors:  []*models.Connector{{ChargingStationID: "CS1", ConnectorID: 1}},
			},
			"OFF": {ID: "OFF", SecretHash: security.HashSecretSHA256("s3cret")},
		}},
		txs: &fakeTransactions{byID: map[int]*models.Transaction{
			7: {ID: 7, ChargingStationID: "CS1", ConnectorID: 1, TagID: "TAG1"},
		}},
		gateway:     &fakeGateway{commands: make(map[string]*models.Command)},
		ingester:    &fakeIngester{},
		stopper:     &fakeStopper{},
		smart:       &fakeSmart{},
		sites:       &fakeSites{sites: map[string]*models.SiteArea{"sa-1": {SiteAreaID: "sa-1", Name: "Depot"}}},
		settlements: &fakeSettlements{failed: make(map[string]string)},
	}
	srv := NewServer(cfg, zap.NewNop())
	srv.Stations = ts.stations
	srv.Transactions = ts.txs
	srv.Commands = ts.gateway
	srv.Gateway = ts.gateway
	srv.Dispatcher = ts.ingester
	srv.RemoteStop = ts.stopper
	srv.Smart = ts.smart
	srv.SiteAreas = ts.sites
	srv.Tariffs = ts.sites
	srv.Settlements = ts.settlements
	ts.handler = srv.Routes()
	return ts
}

func (ts *testServer) do(method, path, body string, bearer bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer {
		req.Header.Set("Authorization", "Bearer "+gatewayKey)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", "", false).Code)
}

func TestGatewayRoutesRequireBearer(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/gateway/events", `{}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, ts.ingester.raw)
}

func TestAuthCharger(t *testing.T) {
	tests := []struct {
		name    string
		station string
		secret  string
		want    int
		allowed bool
	}{
		{"valid secret", "CS1", "s3cret", http.StatusOK, true},
		{"wrong secret", "CS1", "nope", http.StatusUnauthorized, false},
		{"inactive station", "OFF", "s3cret", http.StatusUnauthorized, false},
		{"unknown station", "CS9", "s3cret", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(http.MethodPost, "/v1/gateway/chargers/"+tt.station+"/auth", `{"presentedSecret":"`+tt.secret+`"}`, true)
			require.Equal(t, tt.want, rec.Code)

			var resp authResp
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.allowed, resp.Allowed)
			if tt.allowed {
				assert.Equal(t, "1.6", resp.OcppVersion)
				assert.Equal(t, []string{tt.station}, ts.stations.touched)
			}
		})
	}
}

func TestIngestEvent(t *testing.T) {
	ts := newTestServer(t)
	ts.ingester.resp = &ocpp.HeartbeatResponse{}
	body := `{"chargePointId":"CS1","action":"Heartbeat","payload":{}}`

	rec := ts.do(http.MethodPost, "/v1/gateway/events", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, body, string(ts.ingester.raw))
}

func TestIngestEventRejectsUnusableCall(t *testing.T) {
	ts := newTestServer(t)
	ts.ingester.err = services.ErrMissingAction

	rec := ts.do(http.MethodPost, "/v1/gateway/events", `{"chargePointId":"CS1"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing action")
}

func TestGetCharger(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/chargers/CS1", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.ChargingStation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "CS1", st.ID)
	assert.NotContains(t, rec.Body.String(), "secretHash")

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/chargers/CS9", "", false).Code)
}

func TestListConnectorsAndTransactions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/chargers/CS1/connectors", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var connectors []models.Connector
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&connectors))
	assert.Len(t, connectors, 1)

	rec = ts.do(http.MethodGet, "/v1/chargers/CS1/transactions?limit=10", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []models.Transaction
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&txs))
	require.Len(t, txs, 1)
	assert.Equal(t, 7, txs[0].ID)
}

func TestGetTransaction(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/transactions/7", "", false).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/transactions/8", "", false).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/v1/transactions/abc", "", false).Code)
}

func TestRemoteStopTransaction(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/v1/transactions/7/remote-stop", `{"tagId":"OPS","userId":"u-ops"}`, false)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"7:OPS"}, ts.stopper.calls)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/v1/transactions/7/remote-stop", `{}`, false).Code)

	ts.stopper.err = fmt.Errorf("%w: 7", services.ErrTransactionAlreadyStopped)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/v1/transactions/7/remote-stop", `{"tagId":"OPS"}`, false).Code)

	ts.stopper.err = fmt.Errorf("%w: 8", services.ErrTransactionNotFound)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/v1/transactions/8/remote-stop", `{"tagId":"OPS"}`, false).Code)
}

func TestApplySmartCharging(t *testing.T) {
	ts := newTestServer(t)
	ts.smart.res = smartcharging.Result{Applied: 2, Excluded: []string{"CS3"}}

	rec := ts.do(http.MethodPost, "/v1/site-areas/sa-1/smart-charging", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"applied":2,"failed":0,"excluded":["CS3"]}`, rec.Body.String())

	ts.smart.err = lock.ErrNotAcquired
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/v1/site-areas/sa-1/smart-charging", "", false).Code)
}

func TestCreateAndSendCommand(t *testing.T) {
	ts := newTestServer(t)
	body := `{"type":"Reset","chargePointId":"CS1","idempotencyKey":"k-1","payload":{"type":"Soft"}}`

	rec := ts.do(http.MethodPost, "/v1/commands", body, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"commandId":"cmd-1","status":"Acked","gatewayResponse":{"status":"Accepted"}}`, rec.Body.String())

	// Replayed key is answered from the audit trail.
	rec = ts.do(http.MethodPost, "/v1/commands", body, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.gateway.sent)
	assert.Contains(t, rec.Body.String(), `"commandId":"cmd-1"`)
}

func TestCreateAndSendCommandFailures(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/v1/commands", `{"type":"Reset"}`, false).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/v1/commands", `nope`, false).Code)

	ts.gateway.err = ocpp.ErrStationNotConnected
	rec := ts.do(http.MethodPost, "/v1/commands", `{"type":"Reset","chargePointId":"CS1","idempotencyKey":"k-2"}`, false)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"Failed"`)

	ts.gateway.err = errors.New("gateway returned 500")
	rec = ts.do(http.MethodPost, "/v1/commands", `{"type":"Reset","chargePointId":"CS1","idempotencyKey":"k-3"}`, false)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSiteAreasAndTariffs(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/v1/site-areas", `{"name":"Yard","maxAmps":64}`, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"siteAreaId":"sa-2"`)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/v1/site-areas", `{}`, false).Code)

	tariff := `{"pricePerKwh":0.3,"windows":[{"from":"2024-05-01T18:00:00Z","to":"2024-05-01T22:00:00Z","pricePerKwh":0.95}]}`
	rec = ts.do(http.MethodPut, "/v1/site-areas/sa-1/tariff", tariff, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"currency":"EUR"`)
	assert.Equal(t, []string{"sa-1"}, ts.sites.tariffs)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPut, "/v1/site-areas/sa-9/tariff", tariff, false).Code)

	inverted := `{"pricePerKwh":0.3,"windows":[{"from":"2024-05-01T22:00:00Z","to":"2024-05-01T18:00:00Z","pricePerKwh":0.95}]}`
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPut, "/v1/site-areas/sa-1/tariff", inverted, false).Code)
}

func TestSettlements(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/settlements?status=pending", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"settlementId":"st-1"`)

	rec = ts.do(http.MethodPost, "/v1/settlements/st-1/failed", `{"error":"card declined"}`, false)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "card declined", ts.settlements.failed["st-1"])
}
