package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/google/uuid"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"go.uber.org/zap"
)

// meterSample is one sampled value flattened out of its MeterValue.
type meterSample struct {
	Timestamp time.Time
	Measurand types.Measurand
	Phase     types.Phase
	Context   types.ReadingContext
	Format    types.ValueFormat
	Unit      types.UnitOfMeasure
	Value     float64
	Raw       string
}

// normalizeMeterValues flattens a batch and applies the OCPP defaults for
// missing measurand, context and unit. Energy and power are scaled to Wh and W.
func normalizeMeterValues(values []types.MeterValue, fallback time.Time) []meterSample {
	var out []meterSample
	for _, mv := range values {
		ts := stationTime(mv.Timestamp, fallback)
		for _, sv := range mv.SampledValue {
			s := meterSample{
				Timestamp: ts,
				Measurand: sv.Measurand,
				Phase:     sv.Phase,
				Context:   sv.Context,
				Format:    sv.Format,
				Unit:      sv.Unit,
				Raw:       sv.Value,
			}
			if s.Measurand == "" {
				s.Measurand = types.MeasurandEnergyActiveImportRegister
			}
			if s.Context == "" {
				s.Context = types.ReadingContextSamplePeriodic
			}
			if s.Format == types.ValueFormatSignedData {
				out = append(out, s)
				continue
			}
			v, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				continue
			}
			switch s.Unit {
			case types.UnitOfMeasureKWh, types.UnitOfMeasureKW:
				v *= 1000
			}
			s.Value = v
			out = append(out, s)
		}
	}
	return out
}

// MeterValues applies a batch to the active transaction it references. A
// batch for an unknown or stopped transaction triggers a remote stop so the
// station does not keep a session open that the central system has closed.
func (s *Transactions) MeterValues(ctx context.Context, stationID string, req ocpp.MeterValuesRequest) error {
	if req.TransactionId == nil || *req.TransactionId == 0 {
		s.logger.Debug("meter values without transaction ignored",
			zap.String("charge_point_id", stationID),
			zap.Int("connector_id", req.ConnectorId),
		)
		return nil
	}
	station, err := loadStation(ctx, s.d.Stations, stationID)
	if err != nil {
		return err
	}
	txID := *req.TransactionId
	log := s.logger.With(
		zap.String("charge_point_id", stationID),
		zap.Int("connector_id", req.ConnectorId),
		zap.Int("transaction_id", txID),
	)
	tx, err := s.d.Transactions.Get(ctx, txID)
	if err != nil {
		return fmt.Errorf("failed to load transaction: %w", err)
	}
	if tx == nil || tx.ChargingStationID != station.ID {
		s.stopOrphan(stationID, txID, log)
		return fmt.Errorf("%w: %d", ErrTransactionNotFound, txID)
	}
	if !tx.IsActive() {
		s.stopOrphan(stationID, txID, log)
		return fmt.Errorf("%w: %d", ErrTransactionAlreadyStopped, txID)
	}

	first := tx.NumberOfMeterValues == 0
	s.applyMeterValues(ctx, station, tx, req.MeterValue, log)
	ok, err := s.d.Transactions.Update(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrTransactionAlreadyStopped, txID)
	}

	if c := station.Connector(tx.ConnectorID); c != nil && c.CurrentTransactionID == tx.ID {
		c.CurrentInstantWatts = tx.CurrentInstantWatts
		c.CurrentTotalWh = tx.CurrentTotalConsumptionWh
		c.CurrentInactivitySec = tx.CurrentTotalInactivitySecs
		c.CurrentStateOfCharge = tx.CurrentStateOfCharge
		if err := s.d.Stations.SaveConnector(ctx, c); err != nil {
			log.Error("failed to update connector", zap.Error(err))
		}
	}
	if first && tx.NumberOfMeterValues > 0 {
		s.d.SmartCharging.Trigger(station.ID, station.SiteAreaID)
	}
	return nil
}

func (s *Transactions) stopOrphan(stationID string, transactionID int, log *zap.Logger) {
	s.d.Tasks.Go(stationID, "remote-stop-orphan", func(ctx context.Context) {
		if err := s.d.Commands.RemoteStop(ctx, stationID, transactionID); err != nil {
			log.Warn("failed to remote stop orphan transaction", zap.Error(err))
			return
		}
		log.Info("orphan transaction remote stopped")
	})
}

func (s *Transactions) applyMeterValues(ctx context.Context, station *models.ChargingStation, tx *models.Transaction, values []types.MeterValue, log *zap.Logger) {
	dc := false
	if c := station.Connector(tx.ConnectorID); c != nil {
		dc = c.NumberOfPhases == 0
	}
	samples := normalizeMeterValues(values, s.opts.Now())
	sawPower := false
	for _, sample := range samples {
		if sample.Format == types.ValueFormatSignedData {
			if sample.Context == types.ReadingContextTransactionBegin {
				tx.SignedData = sample.Raw
			} else {
				tx.CurrentSignedData = sample.Raw
			}
			continue
		}
		if sample.Context == types.ReadingContextTransactionEnd && !tx.TransactionEndReceived {
			resetInstant(tx)
			tx.TransactionEndReceived = true
		}
		switch sample.Measurand {
		case ocpp.MeasurandSoC:
			soc := int(sample.Value)
			if sample.Context == types.ReadingContextTransactionBegin {
				if tx.StateOfCharge == 0 {
					tx.StateOfCharge = soc
				}
				continue
			}
			tx.CurrentStateOfCharge = soc
		case types.MeasurandVoltage:
			setInstant(&tx.CurrentInstantVolts, &tx.CurrentInstantVoltsL1, &tx.CurrentInstantVoltsL2, &tx.CurrentInstantVoltsL3, &tx.CurrentInstantVoltsDC, sample, dc, false)
		case types.MeasurandPowerActiveImport:
			sawPower = true
			setInstant(&tx.CurrentInstantWatts, &tx.CurrentInstantWattsL1, &tx.CurrentInstantWattsL2, &tx.CurrentInstantWattsL3, &tx.CurrentInstantWattsDC, sample, dc, true)
		case types.MeasurandCurrentImport:
			setInstant(&tx.CurrentInstantAmps, &tx.CurrentInstantAmpsL1, &tx.CurrentInstantAmpsL2, &tx.CurrentInstantAmpsL3, &tx.CurrentInstantAmpsDC, sample, dc, true)
		case types.MeasurandEnergyActiveImportRegister:
			if phaseIndex(sample.Phase) != 0 {
				continue
			}
			tx.NumberOfMeterValues++
			watts := tx.CurrentInstantWatts
			c := s.consume(tx, sample.Timestamp, sample.Value, log)
			if c == nil {
				continue
			}
			if sawPower {
				tx.CurrentInstantWatts = watts
			}
			s.record(ctx, PricePhaseUpdate, tx, c, log)
		}
	}
	if tx.PhasesUsed == nil && tx.NumberOfMeterValues > 0 {
		tx.PhasesUsed = phasesUsed(tx, station.Connector(tx.ConnectorID))
	}
}

// consume turns a new energy register value into a Consumption and advances
// the running totals. Samples not newer than the last one are ignored.
func (s *Transactions) consume(tx *models.Transaction, at time.Time, registerWh float64, log *zap.Logger) *models.Consumption {
	last := tx.LastConsumption
	if last == nil {
		last = &models.LastConsumption{Value: float64(tx.MeterStart), Timestamp: tx.Timestamp}
	}
	if !at.After(last.Timestamp) {
		log.Debug("meter value not newer than last consumption ignored", zap.Time("timestamp", at))
		return nil
	}
	delta := registerWh - last.Value
	if delta < 0 {
		log.Warn("energy register went backwards", zap.Float64("last_wh", last.Value), zap.Float64("register_wh", registerWh))
		delta = 0
	}
	secs := at.Sub(last.Timestamp).Seconds()
	if delta == 0 {
		tx.CurrentTotalInactivitySecs += int(secs)
	}
	tx.CurrentTotalConsumptionWh += delta
	tx.CurrentInstantWatts = delta * 3600 / secs
	tx.CurrentInactivityStatus = ClassifyInactivity(tx.CurrentTotalInactivitySecs, s.opts.EndOfChargeNotificationInterval)
	tx.LastConsumption = &models.LastConsumption{Value: registerWh, Timestamp: at}

	return &models.Consumption{
		ID:                     uuid.New().String(),
		TransactionID:          tx.ID,
		ChargingStationID:      tx.ChargingStationID,
		ConnectorID:            tx.ConnectorID,
		SiteAreaID:             tx.SiteAreaID,
		UserID:                 tx.UserID,
		StartedAt:              last.Timestamp,
		EndedAt:                at,
		ConsumptionWh:          delta,
		CumulatedConsumptionWh: tx.CurrentTotalConsumptionWh,
		InstantWatts:           tx.CurrentInstantWatts,
		InstantAmps:            tx.CurrentInstantAmps,
		StateOfCharge:          tx.CurrentStateOfCharge,
		TotalInactivitySecs:    tx.CurrentTotalInactivitySecs,
		CumulatedAmount:        tx.CurrentCumulatedPrice,
		Currency:               tx.PriceUnit,
	}
}

// record prices, persists and bills a consumption. Failures are logged only.
func (s *Transactions) record(ctx context.Context, phase PricePhase, tx *models.Transaction, c *models.Consumption, log *zap.Logger) {
	if err := s.d.Pricing.Price(ctx, phase, tx, c); err != nil {
		log.Warn("failed to price consumption", zap.String("phase", string(phase)), zap.Error(err))
	}
	if err := s.d.Consumptions.Save(ctx, c); err != nil {
		log.Error("failed to save consumption", zap.Error(err))
	}
	if err := s.d.Billing.UpdateSession(ctx, tx, c); err != nil {
		log.Warn("failed to bill consumption", zap.Error(err))
	}
}

func resetInstant(tx *models.Transaction) {
	tx.CurrentInstantWatts, tx.CurrentInstantWattsL1, tx.CurrentInstantWattsL2, tx.CurrentInstantWattsL3, tx.CurrentInstantWattsDC = 0, 0, 0, 0, 0
	tx.CurrentInstantVolts, tx.CurrentInstantVoltsL1, tx.CurrentInstantVoltsL2, tx.CurrentInstantVoltsL3, tx.CurrentInstantVoltsDC = 0, 0, 0, 0, 0
	tx.CurrentInstantAmps, tx.CurrentInstantAmpsL1, tx.CurrentInstantAmpsL2, tx.CurrentInstantAmpsL3, tx.CurrentInstantAmpsDC = 0, 0, 0, 0, 0
}

// phaseIndex maps L1/L2/L3 (with or without neutral) to 1..3 and anything
// else to 0.
func phaseIndex(p types.Phase) int {
	switch p {
	case types.PhaseL1, types.PhaseL1N:
		return 1
	case types.PhaseL2, types.PhaseL2N:
		return 2
	case types.PhaseL3, types.PhaseL3N:
		return 3
	}
	return 0
}

// setInstant writes a phase value and, for additive quantities, keeps the
// aggregate equal to the sum of the phases.
func setInstant(total, l1, l2, l3, dcField *float64, s meterSample, dc, additive bool) {
	switch phaseIndex(s.Phase) {
	case 1:
		*l1 = s.Value
	case 2:
		*l2 = s.Value
	case 3:
		*l3 = s.Value
	default:
		*total = s.Value
		if dc {
			*dcField = s.Value
		}
		return
	}
	if additive {
		*total = *l1 + *l2 + *l3
	} else {
		*total = s.Value
	}
}

func phasesUsed(tx *models.Transaction, c *models.Connector) *models.PhasesUsed {
	p := &models.PhasesUsed{
		CSPhase1: tx.CurrentInstantAmpsL1 > 0,
		CSPhase2: tx.CurrentInstantAmpsL2 > 0,
		CSPhase3: tx.CurrentInstantAmpsL3 > 0,
	}
	if p.CSPhase1 || p.CSPhase2 || p.CSPhase3 {
		return p
	}
	if c != nil && c.NumberOfPhases == 1 {
		return &models.PhasesUsed{CSPhase1: true}
	}
	return &models.PhasesUsed{CSPhase1: true, CSPhase2: true, CSPhase3: true}
}
