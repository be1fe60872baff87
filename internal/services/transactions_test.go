package services

import (
	"context"
	"testing"
	"time"

	"csms/internal/models"
	"csms/internal/notify"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStation("CS1", &models.Connector{ConnectorID: 1, NumberOfPhases: 3, AmperageLimit: 32})
	h.addTag("TAG1", "U1", "B")

	boot, err := h.stationSvc.Boot(ctx, "CS1", ocpp.BootNotificationRequest{ChargePointVendor: "ACME", ChargePointModel: "X1"})
	require.NoError(t, err)
	assert.Equal(t, core.RegistrationStatusAccepted, boot.Status)
	assert.Equal(t, 30, boot.Interval)
	assert.Contains(t, h.tasks.scheduled, "install-certificates")
	assert.Contains(t, h.tasks.scheduled, "refresh-ocpp-parameters")
	st := h.stations.byID["CS1"]
	require.Len(t, st.Connectors, 1)
	require.Len(t, st.BackupConnectors, 1)
	assert.NotSame(t, st.Connectors[0], st.BackupConnectors[0])

	err = h.connectors.StatusNotification(ctx, "CS1", ocpp.StatusNotificationRequest{
		ConnectorId: 1,
		Status:      core.ChargePointStatusAvailable,
		ErrorCode:   core.NoError,
	})
	require.NoError(t, err)
	c := h.connector("CS1", 1)
	require.NotNil(t, c)
	assert.Equal(t, core.ChargePointStatusAvailable, c.Status)
	assert.Equal(t, 32.0, c.AmperageLimit)
	assert.Empty(t, st.BackupConnectors)

	start, err := h.txs.Start(ctx, "CS1", ocpp.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "TAG1",
		MeterStart:  1000,
		Timestamp:   dt(h.clock.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, start.IdTagInfo.Status)
	txID := start.TransactionId
	require.NotZero(t, txID)
	assert.Equal(t, txID, h.connector("CS1", 1).CurrentTransactionID)
	assert.Equal(t, "U1", h.connector("CS1", 1).CurrentUserID)

	h.clock.Advance(time.Minute)
	err = h.txs.MeterValues(ctx, "CS1", ocpp.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: intPtr(txID),
		MeterValue:    []types.MeterValue{meterValue(h.clock.Now(), energy("1500"))},
	})
	require.NoError(t, err)
	tx := h.transactions.byID[txID]
	assert.Equal(t, 500.0, tx.CurrentTotalConsumptionWh)
	assert.Equal(t, 1, tx.NumberOfMeterValues)
	assert.Equal(t, 30000.0, tx.CurrentInstantWatts)
	assert.Equal(t, 500.0, h.connector("CS1", 1).CurrentTotalWh)
	assert.Len(t, h.trigger.calls, 1)

	h.clock.Advance(time.Minute)
	stop, err := h.txs.Stop(ctx, "CS1", ocpp.StopTransactionRequest{
		TransactionId: txID,
		MeterStop:     2000,
		Timestamp:     dt(h.clock.Now()),
		IdTag:         "TAG1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, stop.IdTagInfo.Status)

	tx = h.transactions.byID[txID]
	require.NotNil(t, tx.Stop)
	assert.Equal(t, 1000.0, tx.Stop.TotalConsumptionWh)
	assert.Equal(t, 2000, tx.Stop.MeterStop)
	assert.Equal(t, 120, tx.Stop.TotalDurationSecs)
	assert.Equal(t, "TAG1", tx.Stop.TagID)
	assert.Equal(t, "U1", tx.Stop.UserID)
	assert.Equal(t, models.InactivityStatusInfo, tx.Stop.InactivityStatus)
	assert.Zero(t, h.connector("CS1", 1).CurrentTransactionID)
	assert.Len(t, h.consumptions.saved, 2)
	assert.Len(t, h.trigger.calls, 2)

	again, err := h.txs.Stop(ctx, "CS1", ocpp.StopTransactionRequest{
		TransactionId: txID,
		MeterStop:     2000,
		Timestamp:     dt(h.clock.Now()),
	})
	require.ErrorIs(t, err, ErrTransactionAlreadyStopped)
	assert.Equal(t, types.AuthorizationStatusInvalid, again.IdTagInfo.Status)
	assert.Equal(t, []notify.Kind{notify.KindSessionStarted, notify.KindEndOfSession}, h.sink.kinds)
}

func TestStartRejectsUnknownTag(t *testing.T) {
	h := newHarness(t)
	h.addStation("CS1", &models.Connector{ConnectorID: 1})

	resp, err := h.txs.Start(context.Background(), "CS1", ocpp.StartTransactionRequest{ConnectorId: 1, IdTag: "NOPE"})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusInvalid, resp.IdTagInfo.Status)
	assert.Empty(t, h.transactions.byID)
}

func TestStartUnknownConnector(t *testing.T) {
	h := newHarness(t)
	h.addStation("CS1", &models.Connector{ConnectorID: 1})
	h.addTag("TAG1", "U1", "B")

	resp, err := h.txs.Start(context.Background(), "CS1", ocpp.StartTransactionRequest{ConnectorId: 2, IdTag: "TAG1"})
	require.ErrorIs(t, err, ErrConnectorNotFound)
	assert.Equal(t, types.AuthorizationStatusInvalid, resp.IdTagInfo.Status)
}

func TestStartRightAfterBoot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStation("CS1", &models.Connector{ConnectorID: 1, AmperageLimit: 32})
	h.addTag("TAG1", "U1", "B")

	_, err := h.stationSvc.Boot(ctx, "CS1", ocpp.BootNotificationRequest{ChargePointVendor: "ACME", ChargePointModel: "X1"})
	require.NoError(t, err)

	resp, err := h.txs.Start(ctx, "CS1", ocpp.StartTransactionRequest{ConnectorId: 1, IdTag: "TAG1", Timestamp: dt(h.clock.Now())})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, resp.IdTagInfo.Status)
	c := h.connector("CS1", 1)
	require.NotNil(t, c)
	assert.Equal(t, resp.TransactionId, c.CurrentTransactionID)
	assert.Equal(t, 32.0, c.AmperageLimit)
}

func TestStartRestoresBackedUpConnector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.addStation("CS1")
	st.BackupConnectors = []*models.Connector{{ConnectorID: 2, AmperageLimit: 16}}
	h.addTag("TAG1", "U1", "B")

	resp, err := h.txs.Start(ctx, "CS1", ocpp.StartTransactionRequest{ConnectorId: 2, IdTag: "TAG1", Timestamp: dt(h.clock.Now())})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, resp.IdTagInfo.Status)
	assert.Empty(t, h.stations.byID["CS1"].BackupConnectors)
	c := h.connector("CS1", 2)
	require.NotNil(t, c)
	assert.Equal(t, "CS1", c.ChargingStationID)
	assert.Equal(t, resp.TransactionId, c.CurrentTransactionID)
}

func TestStartPrivateConnector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStation("CS1", &models.Connector{ConnectorID: 1, IsPrivate: true, OwnerIDs: []string{"OWNER"}})
	h.addTag("STRANGER", "U1", "B")
	h.addTag("OWNERTAG", "OWNER", "B")
	h.addTag("ADMINTAG", "ADMIN", adminRole)

	resp, err := h.txs.Start(ctx, "CS1", ocpp.StartTransactionRequest{ConnectorId: 1, IdTag: "STRANGER"})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusInvalid, resp.IdTagInfo.Status)
	assert.Empty(t, h.transactions.byID)

	resp, err = h.txs.Start(ctx, "CS1", ocpp.StartTransactionRequest{ConnectorId: 1, IdTag: "OWNERTAG"})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, resp.IdTagInfo.Status)

	resp, err = h.txs.Start(ctx, "CS1", ocpp.StartTransactionRequest{ConnectorId: 1, IdTag: "ADMINTAG"})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, resp.IdTagInfo.Status)
}

func TestStartCleansUpStaleTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStation("CS1", &models.Connector{ConnectorID: 1})
	h.addTag("TAG1", "U1", "B")
	earlier := h.clock.Now().Add(-2 * time.Hour)
	h.transactions.byID[50] = &models.Transaction{
		ID: 50, ChargingStationID: "CS1", ConnectorID: 1, TagID: "OLD", Timestamp: earlier, MeterStart: 100,
	}
	h.transactions.byID[51] = &models.Transaction{
		ID: 51, ChargingStationID: "CS1", ConnectorID: 1, TagID: "OLD", Timestamp: earlier, MeterStart: 1000,
		CurrentTotalConsumptionWh: 300,
		LastConsumption:           &models.LastConsumption{Value: 1300, Timestamp: earlier.Add(time.Hour)},
	}

	resp, err := h.txs.Start(ctx, "CS1", ocpp.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "TAG1",
		MeterStart:  1300,
		Timestamp:   dt(h.clock.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, resp.IdTagInfo.Status)

	assert.NotContains(t, h.transactions.byID, 50)
	stale := h.transactions.byID[51]
	require.NotNil(t, stale.Stop)
	assert.Equal(t, 1300, stale.Stop.MeterStop)
	assert.Equal(t, "Other", stale.Stop.Reason)
	assert.Equal(t, 300.0, stale.Stop.TotalConsumptionWh)
	assert.Empty(t, h.trigger.calls)

	active, err := h.transactions.GetActive(ctx, "CS1", 1)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, resp.TransactionId, active.ID)
}

// undeletable ignores deletes, so an empty stale transaction stays active.
type undeletable struct{ *memTransactions }

func (undeletable) Delete(context.Context, int) error { return nil }

func TestStartStaleTransactionThatCannotBeResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addStation("CS1", &models.Connector{ConnectorID: 1})
	h.addTag("TAG1", "U1", "B")
	h.transactions.byID[50] = &models.Transaction{
		ID: 50, ChargingStationID: "CS1", ConnectorID: 1, TagID: "OLD", Timestamp: h.clock.Now().Add(-time.Hour),
	}
	h.deps.Transactions = undeletable{h.transactions}
	h.build()

	resp, err := h.txs.Start(ctx, "CS1", ocpp.StartTransactionRequest{ConnectorId: 1, IdTag: "TAG1", Timestamp: dt(h.clock.Now())})
	require.ErrorIs(t, err, ErrStaleTransactionLoop)
	assert.Equal(t, types.AuthorizationStatusInvalid, resp.IdTagInfo.Status)
	assert.Len(t, h.transactions.byID, 1)
	assert.Zero(t, h.connector("CS1", 1).CurrentTransactionID)
}

func TestStopTransactionZeroIsBypassed(t *testing.T) {
	h := newHarness(t)
	resp, err := h.txs.Stop(context.Background(), "CS1", ocpp.StopTransactionRequest{TransactionId: 0, MeterStop: 10})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, resp.IdTagInfo.Status)
}

func TestStopUnknownTransaction(t *testing.T) {
	h := newHarness(t)
	h.addStation("CS1", &models.Connector{ConnectorID: 1})
	resp, err := h.txs.Stop(context.Background(), "CS1", ocpp.StopTransactionRequest{TransactionId: 42, MeterStop: 10})
	require.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, types.AuthorizationStatusInvalid, resp.IdTagInfo.Status)
}

// startSession runs Start on connector 1 of CS1 at the current clock.
func startSession(t *testing.T, h *harness, meterStart int) int {
	t.Helper()
	h.addStation("CS1", &models.Connector{ConnectorID: 1, NumberOfPhases: 3})
	h.addTag("TAG1", "U1", "B")
	resp, err := h.txs.Start(context.Background(), "CS1", ocpp.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "TAG1",
		MeterStart:  meterStart,
		Timestamp:   dt(h.clock.Now()),
	})
	require.NoError(t, err)
	require.Equal(t, types.AuthorizationStatusAccepted, resp.IdTagInfo.Status)
	return resp.TransactionId
}

func TestMeterValuesForUnknownTransactionStopsIt(t *testing.T) {
	h := newHarness(t)
	h.addStation("CS1", &models.Connector{ConnectorID: 1})

	err := h.txs.MeterValues(context.Background(), "CS1", ocpp.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: intPtr(99),
		MeterValue:    []types.MeterValue{meterValue(h.clock.Now(), energy("10"))},
	})
	require.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, []remoteStop{{stationID: "CS1", transactionID: 99}}, h.commands.stops)
}

func TestMeterValuesForStoppedTransactionStopsIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := startSession(t, h, 0)
	h.clock.Advance(time.Minute)
	_, err := h.txs.Stop(ctx, "CS1", ocpp.StopTransactionRequest{TransactionId: txID, MeterStop: 100, Timestamp: dt(h.clock.Now())})
	require.NoError(t, err)

	err = h.txs.MeterValues(ctx, "CS1", ocpp.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: intPtr(txID),
		MeterValue:    []types.MeterValue{meterValue(h.clock.Now(), energy("150"))},
	})
	require.ErrorIs(t, err, ErrTransactionAlreadyStopped)
	require.Len(t, h.commands.stops, 1)
	assert.Equal(t, txID, h.commands.stops[0].transactionID)
}

func TestMeterValuesWithoutTransactionIgnored(t *testing.T) {
	h := newHarness(t)
	err := h.txs.MeterValues(context.Background(), "CS1", ocpp.MeterValuesRequest{ConnectorId: 1})
	require.NoError(t, err)
	assert.Empty(t, h.commands.stops)
}

func TestMeterValuesIgnoresReplayedSamples(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := startSession(t, h, 0)

	at := h.clock.Now().Add(30 * time.Second)
	req := ocpp.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: intPtr(txID),
		MeterValue:    []types.MeterValue{meterValue(at, types.SampledValue{Value: "0.25", Unit: types.UnitOfMeasureKWh})},
	}
	require.NoError(t, h.txs.MeterValues(ctx, "CS1", req))
	require.NoError(t, h.txs.MeterValues(ctx, "CS1", req))

	tx := h.transactions.byID[txID]
	assert.Equal(t, 250.0, tx.CurrentTotalConsumptionWh)
	assert.Len(t, h.consumptions.saved, 1)
	assert.Len(t, h.trigger.calls, 1)
}

func TestMeterValuesInstantaneousReadings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := startSession(t, h, 0)

	at := h.clock.Now().Add(time.Minute)
	err := h.txs.MeterValues(ctx, "CS1", ocpp.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: intPtr(txID),
		MeterValue: []types.MeterValue{meterValue(at,
			types.SampledValue{Value: "10", Measurand: types.MeasurandCurrentImport, Phase: types.PhaseL1},
			types.SampledValue{Value: "12", Measurand: types.MeasurandCurrentImport, Phase: types.PhaseL2},
			types.SampledValue{Value: "230", Measurand: types.MeasurandVoltage, Phase: types.PhaseL1N},
			types.SampledValue{Value: "55", Measurand: ocpp.MeasurandSoC, Context: types.ReadingContextTransactionBegin},
			types.SampledValue{Value: "60", Measurand: ocpp.MeasurandSoC},
			types.SampledValue{Value: "7.2", Measurand: types.MeasurandPowerActiveImport, Unit: types.UnitOfMeasureKW},
			types.SampledValue{Value: "120"},
		)},
	})
	require.NoError(t, err)

	tx := h.transactions.byID[txID]
	assert.Equal(t, 22.0, tx.CurrentInstantAmps)
	assert.Equal(t, 10.0, tx.CurrentInstantAmpsL1)
	assert.Equal(t, 230.0, tx.CurrentInstantVoltsL1)
	assert.Equal(t, 55, tx.StateOfCharge)
	assert.Equal(t, 60, tx.CurrentStateOfCharge)
	assert.Equal(t, 7200.0, tx.CurrentInstantWatts)
	assert.Equal(t, 120.0, tx.CurrentTotalConsumptionWh)
	require.NotNil(t, tx.PhasesUsed)
	assert.Equal(t, models.PhasesUsed{CSPhase1: true, CSPhase2: true}, *tx.PhasesUsed)
}

func TestStopAfterTransactionEndCountsGapAsInactivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := startSession(t, h, 1000)

	err := h.txs.MeterValues(ctx, "CS1", ocpp.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: intPtr(txID),
		MeterValue: []types.MeterValue{meterValue(h.clock.Now().Add(time.Minute),
			types.SampledValue{Value: "1800", Context: types.ReadingContextTransactionEnd},
		)},
	})
	require.NoError(t, err)
	require.True(t, h.transactions.byID[txID].TransactionEndReceived)

	h.clock.Advance(2 * time.Minute)
	_, err = h.txs.Stop(ctx, "CS1", ocpp.StopTransactionRequest{
		TransactionId: txID,
		MeterStop:     1800,
		Timestamp:     dt(h.clock.Now()),
	})
	require.NoError(t, err)

	tx := h.transactions.byID[txID]
	assert.Equal(t, 800.0, tx.Stop.TotalConsumptionWh)
	assert.Equal(t, 60, tx.Stop.TotalInactivitySecs)
	assert.Len(t, h.consumptions.saved, 1)
}

func TestStopPrefersRecentRemoteStopIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := startSession(t, h, 0)

	require.NoError(t, h.txs.RemoteStop(ctx, txID, "OPERATOR", "U9"))
	require.Equal(t, []remoteStop{{stationID: "CS1", transactionID: txID}}, h.commands.stops)

	h.clock.Advance(10 * time.Second)
	_, err := h.txs.Stop(ctx, "CS1", ocpp.StopTransactionRequest{
		TransactionId: txID,
		MeterStop:     50,
		Timestamp:     dt(h.clock.Now()),
		IdTag:         "TAG1",
		Reason:        "Remote",
	})
	require.NoError(t, err)
	stop := h.transactions.byID[txID].Stop
	assert.Equal(t, "OPERATOR", stop.TagID)
	assert.Equal(t, "U9", stop.UserID)
}

func TestStopAfterRemoteStopWindowUsesRequestTag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := startSession(t, h, 0)
	h.addTag("OTHER", "U2", "B")

	require.NoError(t, h.txs.RemoteStop(ctx, txID, "OPERATOR", "U9"))
	h.clock.Advance(2 * time.Minute)
	_, err := h.txs.Stop(ctx, "CS1", ocpp.StopTransactionRequest{
		TransactionId: txID,
		MeterStop:     50,
		Timestamp:     dt(h.clock.Now()),
		IdTag:         "OTHER",
	})
	require.NoError(t, err)
	stop := h.transactions.byID[txID].Stop
	assert.Equal(t, "OTHER", stop.TagID)
	assert.Equal(t, "U2", stop.UserID)
}

func TestRemoteStopFailureNotifies(t *testing.T) {
	h := newHarness(t)
	txID := startSession(t, h, 0)
	h.commands.stopErr = ocpp.ErrStationNotConnected

	err := h.txs.RemoteStop(context.Background(), txID, "OPERATOR", "")
	require.ErrorIs(t, err, ocpp.ErrStationNotConnected)
	assert.Contains(t, h.sink.kinds, notify.KindRemoteStopFailed)
}

func TestStopClearsTransactionProfiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := startSession(t, h, 0)
	h.profiles.profiles = []*models.ChargingProfile{
		{ChargingStationID: "CS1", ConnectorID: 1, TransactionID: txID, Profile: &types.ChargingProfile{ChargingProfileId: 7}},
		{ChargingStationID: "CS1", ConnectorID: 1, TransactionID: txID + 100, Profile: &types.ChargingProfile{ChargingProfileId: 8}},
	}

	h.clock.Advance(time.Minute)
	_, err := h.txs.Stop(ctx, "CS1", ocpp.StopTransactionRequest{TransactionId: txID, MeterStop: 10, Timestamp: dt(h.clock.Now())})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, h.commands.clearedIDs)
	assert.Len(t, h.profiles.profiles, 1)
}

func TestAuthorize(t *testing.T) {
	h := newHarness(t)
	h.addTag("OK", "U1", "B")
	h.directory.tags["BLOCKED"] = &models.Tag{ID: "BLOCKED", UserID: "U1"}
	h.addTag("GONE", "U2", "B")
	h.directory.users["U2"].Active = false
	h.directory.emaids["FR-XYZ-C12345678"] = &models.Emaid{ID: "FR-XYZ-C12345678", Active: true}
	h.directory.emaids["FR-XYZ-COLD"] = &models.Emaid{ID: "FR-XYZ-COLD"}

	tests := []struct {
		idTag string
		want  types.AuthorizationStatus
	}{
		{"OK", types.AuthorizationStatusAccepted},
		{"BLOCKED", types.AuthorizationStatusBlocked},
		{"GONE", types.AuthorizationStatusBlocked},
		{"UNKNOWN", types.AuthorizationStatusInvalid},
		{"", types.AuthorizationStatusInvalid},
		{"FR-XYZ-C12345678", types.AuthorizationStatusAccepted},
		{"FR-XYZ-COLD", types.AuthorizationStatusInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.idTag, func(t *testing.T) {
			resp, err := h.txs.Authorize(context.Background(), "CS1", ocpp.AuthorizeRequest{IdTag: tt.idTag})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.IdTagInfo.Status)
		})
	}
}

func TestClassifyInactivity(t *testing.T) {
	tests := []struct {
		secs int
		want models.InactivityStatus
	}{
		{0, models.InactivityStatusInfo},
		{3599, models.InactivityStatusInfo},
		{3600, models.InactivityStatusWarning},
		{7199, models.InactivityStatusWarning},
		{7200, models.InactivityStatusError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyInactivity(tt.secs, time.Hour), "secs=%d", tt.secs)
	}
}
