package services

import (
	"context"
	"fmt"
	"time"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"go.uber.org/zap"
)

// ClassifyInactivity grades inactivity against the end of charge
// notification interval: Info below it, Warning below twice it, Error above.
func ClassifyInactivity(secs int, interval time.Duration) models.InactivityStatus {
	d := time.Duration(secs) * time.Second
	switch {
	case d < interval:
		return models.InactivityStatusInfo
	case d < 2*interval:
		return models.InactivityStatusWarning
	default:
		return models.InactivityStatusError
	}
}

// occupiedLike are the statuses in which a car is still plugged in after the
// transaction stopped.
func occupiedLike(status core.ChargePointStatus) bool {
	switch status {
	case ocpp.ChargePointStatusOccupied,
		core.ChargePointStatusFinishing,
		core.ChargePointStatusSuspendedEV,
		core.ChargePointStatusSuspendedEVSE,
		core.ChargePointStatusCharging:
		return true
	}
	return false
}

// ComputeExtraInactivity charges the time between the stop of the last
// transaction on the connector and the connector becoming free. It runs at
// most once per transaction.
func (s *Transactions) ComputeExtraInactivity(ctx context.Context, stationID string, connectorID int, previous core.ChargePointStatus, freedAt time.Time) error {
	tx, err := s.d.Transactions.GetLastCompleted(ctx, stationID, connectorID)
	if err != nil {
		return fmt.Errorf("failed to load last transaction: %w", err)
	}
	if tx == nil || tx.Stop == nil || tx.Stop.ExtraInactivityComputed {
		return nil
	}
	log := s.logger.With(
		zap.String("charge_point_id", stationID),
		zap.Int("connector_id", connectorID),
		zap.Int("transaction_id", tx.ID),
	)
	secs := 0
	if occupiedLike(previous) {
		gap := freedAt.Sub(tx.Stop.Timestamp)
		if gap < 0 {
			log.Warn("negative extra inactivity clamped to zero",
				zap.Time("stopped_at", tx.Stop.Timestamp),
				zap.Time("freed_at", freedAt),
			)
			gap = 0
		}
		secs = int(gap.Seconds())
	}
	status := ClassifyInactivity(tx.Stop.TotalInactivitySecs+secs, s.opts.EndOfChargeNotificationInterval)
	ok, err := s.d.Transactions.SetExtraInactivity(ctx, tx.ID, secs, status)
	if err != nil {
		return fmt.Errorf("failed to store extra inactivity: %w", err)
	}
	if !ok {
		return nil
	}
	tx.Stop.ExtraInactivitySecs = secs
	tx.Stop.ExtraInactivityComputed = true
	tx.Stop.InactivityStatus = status
	if err := s.d.Billing.EndSession(ctx, tx); err != nil {
		log.Warn("failed to end billing session", zap.Error(err))
	}
	log.Info("extra inactivity computed",
		zap.Int("extra_inactivity_secs", secs),
		zap.String("previous_status", string(previous)),
		zap.String("inactivity_status", string(status)),
	)
	return nil
}
