package services

import (
	"context"
	"fmt"

	"csms/internal/models"
	"csms/internal/notify"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"go.uber.org/zap"
)

// ConnectorTracker applies StatusNotification messages to connector state.
type ConnectorTracker struct {
	d            Deps
	opts         Options
	transactions *Transactions
	logger       *zap.Logger
}

func NewConnectorTracker(d Deps, opts Options, transactions *Transactions, logger *zap.Logger) *ConnectorTracker {
	return &ConnectorTracker{
		d:            d.withDefaults(),
		opts:         opts.withDefaults(),
		transactions: transactions,
		logger:       logger.Named("connectors"),
	}
}

func (t *ConnectorTracker) StatusNotification(ctx context.Context, stationID string, req ocpp.StatusNotificationRequest) error {
	log := t.logger.With(
		zap.String("charge_point_id", stationID),
		zap.Int("connector_id", req.ConnectorId),
		zap.String("status", string(req.Status)),
	)
	if req.ConnectorId == 0 {
		log.Info("status notification for connector 0 ignored", zap.String("error_code", string(req.ErrorCode)))
		return nil
	}
	station, err := loadStation(ctx, t.d.Stations, stationID)
	if err != nil {
		return err
	}
	at := stationTime(req.Timestamp, t.opts.Now())

	restored := false
	c := station.Connector(req.ConnectorId)
	if c == nil {
		restored = true
		if c = station.RestoreConnector(req.ConnectorId); c != nil {
			log.Info("connector restored from backup")
		} else {
			c = &models.Connector{
				ChargingStationID: station.ID,
				ConnectorID:       req.ConnectorId,
				Status:            core.ChargePointStatusUnavailable,
				ErrorCode:         core.NoError,
			}
			station.Connectors = append(station.Connectors, c)
			log.Info("connector created")
		}
	} else if station.DiscardBackupConnector(req.ConnectorId) {
		restored = true
	} else if c.Status == req.Status && c.Info == req.Info && c.ErrorCode == req.ErrorCode && c.VendorErrorCode == req.VendorErrorCode {
		log.Info("duplicate status notification ignored")
		return nil
	}

	previous := c.Status
	c.Status = req.Status
	c.ErrorCode = req.ErrorCode
	c.Info = req.Info
	c.VendorErrorCode = req.VendorErrorCode
	c.StatusLastChangedOn = &at
	if req.Status == core.ChargePointStatusAvailable && c.CurrentTransactionID != 0 {
		t.releaseStalePointer(ctx, c, log)
	}
	if restored {
		err = t.d.Stations.Save(ctx, station)
	} else {
		err = t.d.Stations.SaveConnector(ctx, c)
	}
	if err != nil {
		return fmt.Errorf("failed to save connector: %w", err)
	}
	log.Info("connector status updated",
		zap.String("previous_status", string(previous)),
		zap.String("error_code", string(req.ErrorCode)),
	)

	switch req.Status {
	case core.ChargePointStatusAvailable, core.ChargePointStatusPreparing:
		if err := t.transactions.ComputeExtraInactivity(ctx, station.ID, c.ConnectorID, previous, at); err != nil {
			log.Error("failed to compute extra inactivity", zap.Error(err))
		}
	case core.ChargePointStatusCharging:
		if previous != core.ChargePointStatusSuspendedEVSE {
			t.d.SmartCharging.Trigger(station.ID, station.SiteAreaID)
		}
	case core.ChargePointStatusSuspendedEV:
		t.d.SmartCharging.Trigger(station.ID, station.SiteAreaID)
	case core.ChargePointStatusFaulted:
		t.d.Notifier.Notify(ctx, notify.Notification{
			Kind:              notify.KindConnectorFaulted,
			Severity:          notify.SeverityWarning,
			ChargingStationID: station.ID,
			ConnectorID:       c.ConnectorID,
			SiteAreaID:        station.SiteAreaID,
			Message:           "connector faulted",
			Data: map[string]string{
				"error_code":        string(req.ErrorCode),
				"info":              req.Info,
				"vendor_error_code": req.VendorErrorCode,
			},
			Timestamp: at,
		})
	}
	return nil
}

// releaseStalePointer clears the transaction pointer of a connector that is
// available again when the transaction is gone or already stopped.
func (t *ConnectorTracker) releaseStalePointer(ctx context.Context, c *models.Connector, log *zap.Logger) {
	tx, err := t.d.Transactions.Get(ctx, c.CurrentTransactionID)
	if err != nil {
		log.Warn("failed to check connector transaction", zap.Error(err))
		return
	}
	if tx == nil || !tx.IsActive() {
		log.Info("connector transaction pointer released", zap.Int("transaction_id", c.CurrentTransactionID))
		c.ResetRuntime()
	}
}
