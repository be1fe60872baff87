package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"csms/internal/certs"
	"csms/internal/deferred"
	"csms/internal/models"
	"csms/internal/notify"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"go.uber.org/zap"
)

type memStations struct {
	byID  map[string]*models.ChargingStation
	saves int
}

func newMemStations() *memStations {
	return &memStations{byID: make(map[string]*models.ChargingStation)}
}

func (m *memStations) Get(_ context.Context, id string) (*models.ChargingStation, error) {
	return m.byID[id], nil
}

func (m *memStations) Save(_ context.Context, st *models.ChargingStation) error {
	m.byID[st.ID] = st
	m.saves++
	return nil
}

func (m *memStations) SaveConnector(_ context.Context, c *models.Connector) error {
	st := m.byID[c.ChargingStationID]
	if st == nil {
		return ErrStationNotFound
	}
	for i, existing := range st.Connectors {
		if existing.ConnectorID == c.ConnectorID {
			st.Connectors[i] = c
			return nil
		}
	}
	st.Connectors = append(st.Connectors, c)
	return nil
}

func (m *memStations) TouchLastSeen(_ context.Context, id string, t time.Time) error {
	if st := m.byID[id]; st != nil {
		st.LastSeenAt = &t
	}
	return nil
}

func (m *memStations) UpdateOcppParameters(_ context.Context, id string, params map[string]string) error {
	if st := m.byID[id]; st != nil {
		st.OcppParameters = params
	}
	return nil
}

// memTransactions stores copies so the conditional writes behave like the
// database ones.
type memTransactions struct {
	next int
	byID map[int]*models.Transaction
}

func newMemTransactions() *memTransactions {
	return &memTransactions{byID: make(map[int]*models.Transaction)}
}

func copyTx(t *models.Transaction) *models.Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Stop != nil {
		stop := *t.Stop
		cp.Stop = &stop
	}
	return &cp
}

func (m *memTransactions) AllocateID(context.Context) (int, error) {
	m.next++
	return m.next, nil
}

func (m *memTransactions) Get(_ context.Context, id int) (*models.Transaction, error) {
	return copyTx(m.byID[id]), nil
}

func (m *memTransactions) Create(_ context.Context, t *models.Transaction) error {
	m.byID[t.ID] = copyTx(t)
	return nil
}

func (m *memTransactions) Update(_ context.Context, t *models.Transaction) (bool, error) {
	cur := m.byID[t.ID]
	if cur == nil || !cur.IsActive() {
		return false, nil
	}
	m.byID[t.ID] = copyTx(t)
	return true, nil
}

func (m *memTransactions) Stop(ctx context.Context, t *models.Transaction) (bool, error) {
	return m.Update(ctx, t)
}

func (m *memTransactions) SetExtraInactivity(_ context.Context, id int, secs int, status models.InactivityStatus) (bool, error) {
	cur := m.byID[id]
	if cur == nil || cur.Stop == nil || cur.Stop.ExtraInactivityComputed {
		return false, nil
	}
	cur.Stop.ExtraInactivitySecs = secs
	cur.Stop.ExtraInactivityComputed = true
	cur.Stop.InactivityStatus = status
	return true, nil
}

func (m *memTransactions) Delete(_ context.Context, id int) error {
	delete(m.byID, id)
	return nil
}

func (m *memTransactions) GetActive(_ context.Context, stationID string, connectorID int) (*models.Transaction, error) {
	for _, t := range m.sorted() {
		if t.ChargingStationID == stationID && t.ConnectorID == connectorID && t.IsActive() {
			return copyTx(t), nil
		}
	}
	return nil, nil
}

func (m *memTransactions) GetLastCompleted(_ context.Context, stationID string, connectorID int) (*models.Transaction, error) {
	var last *models.Transaction
	for _, t := range m.sorted() {
		if t.ChargingStationID != stationID || t.ConnectorID != connectorID || t.Stop == nil {
			continue
		}
		if last == nil || !t.Stop.Timestamp.Before(last.Stop.Timestamp) {
			last = t
		}
	}
	return copyTx(last), nil
}

func (m *memTransactions) sorted() []*models.Transaction {
	out := make([]*models.Transaction, 0, len(m.byID))
	for _, t := range m.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memConsumptions struct{ saved []*models.Consumption }

func (m *memConsumptions) Save(_ context.Context, c *models.Consumption) error {
	cp := *c
	m.saved = append(m.saved, &cp)
	return nil
}

func (m *memConsumptions) GetRecent(_ context.Context, transactionID int, n int) ([]*models.Consumption, error) {
	var out []*models.Consumption
	for i := len(m.saved) - 1; i >= 0 && len(out) < n; i-- {
		if m.saved[i].TransactionID == transactionID {
			out = append(out, m.saved[i])
		}
	}
	return out, nil
}

type memDirectory struct {
	tags   map[string]*models.Tag
	users  map[string]*models.User
	emaids map[string]*models.Emaid
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		tags:   make(map[string]*models.Tag),
		users:  make(map[string]*models.User),
		emaids: make(map[string]*models.Emaid),
	}
}

func (m *memDirectory) GetTag(_ context.Context, id string) (*models.Tag, error) {
	return m.tags[id], nil
}

func (m *memDirectory) GetUser(_ context.Context, id string) (*models.User, error) {
	return m.users[id], nil
}

type memEmaids struct{ *memDirectory }

func (m memEmaids) Get(_ context.Context, id string) (*models.Emaid, error) {
	return m.emaids[id], nil
}

type memProfiles struct {
	profiles []*models.ChargingProfile
}

func (m *memProfiles) DeleteByTransaction(_ context.Context, stationID string, transactionID int) ([]*models.ChargingProfile, error) {
	var kept, deleted []*models.ChargingProfile
	for _, p := range m.profiles {
		if p.ChargingStationID == stationID && p.TransactionID == transactionID {
			deleted = append(deleted, p)
			continue
		}
		kept = append(kept, p)
	}
	m.profiles = kept
	return deleted, nil
}

type remoteStart struct {
	stationID string
	req       ocpp.RemoteStartTransactionRequest
}

type remoteStop struct {
	stationID     string
	transactionID int
}

// recordingCommands records every command and answers with the configured
// errors.
type recordingCommands struct {
	mu             sync.Mutex
	starts         []remoteStart
	stops          []remoteStop
	clearedIDs     []int
	dataTransfers  []ocpp.DataTransferRequest
	startErr       error
	stopErr        error
	config         *ocpp.GetConfigurationResponse
	onDataTransfer func(req ocpp.DataTransferRequest) (*ocpp.DataTransferResponse, error)
}

func (r *recordingCommands) RemoteStart(_ context.Context, stationID string, req ocpp.RemoteStartTransactionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, remoteStart{stationID: stationID, req: req})
	return r.startErr
}

func (r *recordingCommands) RemoteStop(_ context.Context, stationID string, transactionID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, remoteStop{stationID: stationID, transactionID: transactionID})
	return r.stopErr
}

func (r *recordingCommands) ClearChargingProfile(_ context.Context, _ string, req ocpp.ClearChargingProfileRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.Id != nil {
		r.clearedIDs = append(r.clearedIDs, *req.Id)
	}
	return nil
}

func (r *recordingCommands) GetConfiguration(context.Context, string, ocpp.GetConfigurationRequest) (*ocpp.GetConfigurationResponse, error) {
	if r.config == nil {
		return &ocpp.GetConfigurationResponse{}, nil
	}
	return r.config, nil
}

func (r *recordingCommands) DataTransfer(_ context.Context, _ string, req ocpp.DataTransferRequest) (*ocpp.DataTransferResponse, error) {
	r.mu.Lock()
	r.dataTransfers = append(r.dataTransfers, req)
	fn := r.onDataTransfer
	r.mu.Unlock()
	if fn == nil {
		return nil, ocpp.ErrStationNotConnected
	}
	return fn(req)
}

type fakeAuthority struct {
	valid       bool
	verified    int
	signed      string
	signErr     error
	ocsp        certs.OCSPResult
	ca          *certs.CAConfig
	rootHash    *certs.HashData
	lastHashArg *ocpp.OCSPRequestData
}

func (f *fakeAuthority) VerifyCertificate(_ context.Context, _ string, hashData *ocpp.OCSPRequestData) bool {
	f.verified++
	f.lastHashArg = hashData
	return f.valid
}

func (f *fakeAuthority) SignCertificate(string, *certs.CAConfig) (string, error) {
	return f.signed, f.signErr
}

func (f *fakeAuthority) QueryOCSP(context.Context, ocpp.OCSPRequestData) certs.OCSPResult {
	return f.ocsp
}

func (f *fakeAuthority) ExtractCertificateHashData(string) (*certs.HashData, error) {
	return f.rootHash, nil
}

func (f *fakeAuthority) CA() (*certs.CAConfig, error) { return f.ca, nil }

type installCall struct {
	chain, certificateType, stationID string
}

type fakeRegistry struct {
	byChain  map[string]*models.Certificate
	lookups  int
	installs []installCall
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byChain: make(map[string]*models.Certificate)}
}

func (f *fakeRegistry) FindByNormalizedChain(_ context.Context, chain string) (*models.Certificate, error) {
	f.lookups++
	return f.byChain[chain], nil
}

func (f *fakeRegistry) Install(_ context.Context, chain, certificateType, stationID string) (*models.Certificate, error) {
	f.installs = append(f.installs, installCall{chain: chain, certificateType: certificateType, stationID: stationID})
	return &models.Certificate{ID: "cert-installed", CertificateChain: chain, CertificateType: certificateType}, nil
}

type recordingSink struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (r *recordingSink) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, n.Kind)
}

type countingTrigger struct{ calls []string }

func (c *countingTrigger) Trigger(stationID, _ string) { c.calls = append(c.calls, stationID) }

// syncTasks runs Go inline and keeps scheduled tasks for the test to fire.
type syncTasks struct {
	scheduled map[string]deferred.Task
	canceled  []string
}

func newSyncTasks() *syncTasks { return &syncTasks{scheduled: make(map[string]deferred.Task)} }

func (s *syncTasks) Schedule(_ string, name string, _ time.Duration, fn deferred.Task) {
	s.scheduled[name] = fn
}

func (s *syncTasks) Go(_ string, _ string, fn deferred.Task) { fn(context.Background()) }

func (s *syncTasks) Cancel(stationID string) int {
	s.canceled = append(s.canceled, stationID)
	n := len(s.scheduled)
	s.scheduled = make(map[string]deferred.Task)
	return n
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func dt(t time.Time) *types.DateTime { return types.NewDateTime(t) }

func intPtr(v int) *int { return &v }

func energy(wh string) types.SampledValue { return types.SampledValue{Value: wh} }

func meterValue(at time.Time, sv ...types.SampledValue) types.MeterValue {
	return types.MeterValue{Timestamp: dt(at), SampledValue: sv}
}

type harness struct {
	stations     *memStations
	transactions *memTransactions
	consumptions *memConsumptions
	directory    *memDirectory
	profiles     *memProfiles
	commands     *recordingCommands
	authority    *fakeAuthority
	registry     *fakeRegistry
	sink         *recordingSink
	trigger      *countingTrigger
	tasks        *syncTasks
	clock        *clock

	deps Deps
	opts Options

	stationSvc *Stations
	connectors *ConnectorTracker
	txs        *Transactions
	pnc        *PlugAndCharge
	dt         *DataTransfers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		stations:     newMemStations(),
		transactions: newMemTransactions(),
		consumptions: &memConsumptions{},
		directory:    newMemDirectory(),
		profiles:     &memProfiles{},
		commands:     &recordingCommands{},
		authority:    &fakeAuthority{valid: true},
		registry:     newFakeRegistry(),
		sink:         &recordingSink{},
		trigger:      &countingTrigger{},
		tasks:        newSyncTasks(),
		clock:        &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.deps = Deps{
		Stations:      h.stations,
		Transactions:  h.transactions,
		Consumptions:  h.consumptions,
		Users:         h.directory,
		Emaids:        memEmaids{h.directory},
		Profiles:      h.profiles,
		Commands:      h.commands,
		Authority:     h.authority,
		Registry:      h.registry,
		Notifier:      h.sink,
		SmartCharging: h.trigger,
		Tasks:         h.tasks,
	}
	h.opts = Options{
		HeartbeatInterval:               30 * time.Second,
		PostBootDelay:                   time.Second,
		EndOfChargeNotificationInterval: time.Hour,
		Now:                             h.clock.Now,
	}
	h.build()
	return h
}

// build wires the services again, for tests that swap a dependency.
func (h *harness) build() {
	logger := zap.NewNop()
	h.stationSvc = NewStations(h.deps, h.opts, logger)
	h.txs = NewTransactions(h.deps, h.opts, logger)
	h.connectors = NewConnectorTracker(h.deps, h.opts, h.txs, logger)
	h.pnc = NewPlugAndCharge(h.deps, logger)
	h.dt = NewDataTransfers(h.deps, h.opts, h.pnc, logger)
}

func (h *harness) addStation(id string, connectors ...*models.Connector) *models.ChargingStation {
	st := &models.ChargingStation{ID: id, SiteAreaID: "sa-1", IsActive: true}
	for _, c := range connectors {
		c.ChargingStationID = id
		st.Connectors = append(st.Connectors, c)
	}
	h.stations.byID[id] = st
	return st
}

func (h *harness) addTag(tagID, userID, role string) {
	h.directory.tags[tagID] = &models.Tag{ID: tagID, UserID: userID, Active: true}
	h.directory.users[userID] = &models.User{ID: userID, Role: role, Active: true}
}

func (h *harness) connector(stationID string, id int) *models.Connector {
	return h.stations.byID[stationID].Connector(id)
}
