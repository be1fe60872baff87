package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"csms/internal/models"
	"csms/internal/notify"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"go.uber.org/zap"
)

// remoteStopWindow is how long a remote stop request keeps priority over the
// idTag sent with StopTransaction.
const remoteStopWindow = 60 * time.Second

// Transactions drives a transaction from StartTransaction through meter
// values to StopTransaction and the extra inactivity that follows.
type Transactions struct {
	d      Deps
	opts   Options
	logger *zap.Logger
}

func NewTransactions(d Deps, opts Options, logger *zap.Logger) *Transactions {
	return &Transactions{d: d.withDefaults(), opts: opts.withDefaults(), logger: logger.Named("transactions")}
}

func (s *Transactions) Authorize(ctx context.Context, stationID string, req ocpp.AuthorizeRequest) (*ocpp.AuthorizeResponse, error) {
	res, err := resolveIdTag(ctx, s.d.Users, s.d.Emaids, req.IdTag)
	if err != nil {
		return &ocpp.AuthorizeResponse{IdTagInfo: ocpp.NewIdTagInfo(types.AuthorizationStatusInvalid)}, err
	}
	if !res.accepted() {
		s.logger.Warn("authorization denied",
			zap.String("charge_point_id", stationID),
			zap.String("tag_id", req.IdTag),
			zap.String("reason", res.reason),
		)
	}
	return &ocpp.AuthorizeResponse{IdTagInfo: ocpp.NewIdTagInfo(res.status)}, nil
}

func (s *Transactions) Start(ctx context.Context, stationID string, req ocpp.StartTransactionRequest) (*ocpp.StartTransactionResponse, error) {
	invalid := &ocpp.StartTransactionResponse{IdTagInfo: ocpp.NewIdTagInfo(types.AuthorizationStatusInvalid)}
	station, err := loadStation(ctx, s.d.Stations, stationID)
	if err != nil {
		return invalid, err
	}
	id, err := s.d.Transactions.AllocateID(ctx)
	if err != nil {
		return invalid, fmt.Errorf("failed to allocate transaction id: %w", err)
	}
	log := s.logger.With(
		zap.String("charge_point_id", stationID),
		zap.Int("connector_id", req.ConnectorId),
		zap.String("tag_id", req.IdTag),
		zap.Int("transaction_id", id),
	)

	auth, err := resolveIdTag(ctx, s.d.Users, s.d.Emaids, req.IdTag)
	if err != nil {
		return invalid, err
	}
	if !auth.accepted() {
		log.Warn("start transaction denied", zap.String("reason", auth.reason))
		return invalid, nil
	}

	connector := station.Connector(req.ConnectorId)
	if connector == nil {
		// Offline transactions can arrive before the connector's first status.
		if connector = station.RestoreConnector(req.ConnectorId); connector == nil {
			return invalid, fmt.Errorf("%w: %d", ErrConnectorNotFound, req.ConnectorId)
		}
		connector.ChargingStationID = station.ID
		if err := s.d.Stations.Save(ctx, station); err != nil {
			return invalid, fmt.Errorf("failed to restore connector: %w", err)
		}
		log.Info("connector restored from backup")
	}
	if connector.IsPrivate && !s.opts.IsAdmin(auth.user) && !slices.Contains(connector.OwnerIDs, auth.userID) {
		log.Warn("start transaction denied", zap.String("reason", "private connector"), zap.String("user_id", auth.userID))
		return invalid, nil
	}

	if err := s.cleanupStale(ctx, station, connector.ConnectorID, log); err != nil {
		return invalid, err
	}

	now := s.opts.Now()
	startedAt := stationTime(req.Timestamp, now)
	tx := &models.Transaction{
		ID:                      id,
		ChargingStationID:       station.ID,
		ConnectorID:             connector.ConnectorID,
		SiteAreaID:              station.SiteAreaID,
		TagID:                   req.IdTag,
		UserID:                  auth.userID,
		Timestamp:               startedAt,
		MeterStart:              req.MeterStart,
		CurrentInactivityStatus: models.InactivityStatusInfo,
		LastConsumption:         &models.LastConsumption{Value: float64(req.MeterStart), Timestamp: startedAt},
	}
	if err := s.d.Pricing.Price(ctx, PricePhaseStart, tx, nil); err != nil {
		log.Warn("failed to price transaction start", zap.Error(err))
	}
	if err := s.d.Transactions.Create(ctx, tx); err != nil {
		return invalid, fmt.Errorf("failed to create transaction: %w", err)
	}
	if err := s.d.Billing.StartSession(ctx, tx); err != nil {
		log.Warn("failed to start billing session", zap.Error(err))
	}

	connector.ResetRuntime()
	connector.CurrentTransactionID = tx.ID
	connector.CurrentTransactionAt = &startedAt
	connector.CurrentTagID = tx.TagID
	connector.CurrentUserID = tx.UserID
	if err := s.d.Stations.SaveConnector(ctx, connector); err != nil {
		log.Error("failed to update connector", zap.Error(err))
	}

	s.d.Notifier.Notify(ctx, notify.Notification{
		Kind:              notify.KindSessionStarted,
		Severity:          notify.SeverityInfo,
		ChargingStationID: station.ID,
		ConnectorID:       connector.ConnectorID,
		TransactionID:     tx.ID,
		SiteAreaID:        station.SiteAreaID,
		Message:           "charging session started",
		Timestamp:         now,
	})
	log.Info("transaction started", zap.Int("meter_start", req.MeterStart))
	return &ocpp.StartTransactionResponse{
		IdTagInfo:     ocpp.NewIdTagInfo(types.AuthorizationStatusAccepted),
		TransactionId: tx.ID,
	}, nil
}

// cleanupStale resolves any transaction still active on the connector: empty
// ones are deleted, others are stopped at their last known meter value.
func (s *Transactions) cleanupStale(ctx context.Context, station *models.ChargingStation, connectorID int, log *zap.Logger) error {
	seen := make(map[int]bool)
	for {
		stale, err := s.d.Transactions.GetActive(ctx, station.ID, connectorID)
		if err != nil {
			return fmt.Errorf("failed to load active transaction: %w", err)
		}
		if stale == nil {
			return nil
		}
		if seen[stale.ID] {
			return fmt.Errorf("%w: %d", ErrStaleTransactionLoop, stale.ID)
		}
		seen[stale.ID] = true

		if stale.CurrentTotalConsumptionWh <= 0 {
			if err := s.d.Transactions.Delete(ctx, stale.ID); err != nil {
				return fmt.Errorf("failed to delete stale transaction %d: %w", stale.ID, err)
			}
			log.Warn("stale transaction without consumption deleted", zap.Int("stale_transaction_id", stale.ID))
			continue
		}

		meterStop, at := stale.MeterStart, stale.Timestamp
		if stale.LastConsumption != nil {
			meterStop, at = int(stale.LastConsumption.Value), stale.LastConsumption.Timestamp
		}
		_, err = s.stop(ctx, station, stale, ocpp.StopTransactionRequest{
			TransactionId: stale.ID,
			MeterStop:     meterStop,
			Timestamp:     types.NewDateTime(at),
			IdTag:         stale.TagID,
			Reason:        "Other",
		}, false)
		if err != nil && !errors.Is(err, ErrTransactionAlreadyStopped) {
			return fmt.Errorf("failed to stop stale transaction %d: %w", stale.ID, err)
		}
		log.Warn("stale transaction stopped", zap.Int("stale_transaction_id", stale.ID), zap.Int("meter_stop", meterStop))
	}
}

func (s *Transactions) Stop(ctx context.Context, stationID string, req ocpp.StopTransactionRequest) (*ocpp.StopTransactionResponse, error) {
	accepted := &ocpp.StopTransactionResponse{IdTagInfo: ocpp.NewIdTagInfo(types.AuthorizationStatusAccepted)}
	invalid := &ocpp.StopTransactionResponse{IdTagInfo: ocpp.NewIdTagInfo(types.AuthorizationStatusInvalid)}
	if req.TransactionId == 0 {
		s.logger.Warn("stop transaction with id 0 bypassed", zap.String("charge_point_id", stationID))
		return accepted, nil
	}
	station, err := loadStation(ctx, s.d.Stations, stationID)
	if err != nil {
		return invalid, err
	}
	tx, err := s.d.Transactions.Get(ctx, req.TransactionId)
	if err != nil {
		return invalid, fmt.Errorf("failed to load transaction: %w", err)
	}
	if tx == nil || tx.ChargingStationID != station.ID {
		return invalid, fmt.Errorf("%w: %d", ErrTransactionNotFound, req.TransactionId)
	}
	if !tx.IsActive() {
		return invalid, fmt.Errorf("%w: %d", ErrTransactionAlreadyStopped, tx.ID)
	}
	if _, err := s.stop(ctx, station, tx, req, true); err != nil {
		return invalid, err
	}
	return accepted, nil
}

func (s *Transactions) stop(ctx context.Context, station *models.ChargingStation, tx *models.Transaction, req ocpp.StopTransactionRequest, triggerSmartCharging bool) (*models.Transaction, error) {
	log := s.logger.With(
		zap.String("charge_point_id", station.ID),
		zap.Int("connector_id", tx.ConnectorID),
		zap.Int("transaction_id", tx.ID),
	)
	now := s.opts.Now()
	stoppedAt := stationTime(req.Timestamp, now)
	tagID, userID := s.stoppingIdentity(ctx, tx, req.IdTag, now)

	if len(req.TransactionData) > 0 {
		s.applyMeterValues(ctx, station, tx, req.TransactionData, log)
	}
	if !tx.TransactionEndReceived {
		if c := s.consume(tx, stoppedAt, float64(req.MeterStop), log); c != nil {
			s.record(ctx, PricePhaseStop, tx, c, log)
		} else if err := s.d.Pricing.Price(ctx, PricePhaseStop, tx, nil); err != nil {
			log.Warn("failed to price transaction stop", zap.Error(err))
		}
	} else {
		if last := tx.LastConsumption; last != nil {
			if int(last.Value) != req.MeterStop {
				log.Warn("meter stop differs from Transaction.End value",
					zap.Float64("transaction_end_wh", last.Value),
					zap.Int("meter_stop", req.MeterStop),
				)
			}
			if gap := stoppedAt.Sub(last.Timestamp); gap > 0 {
				tx.CurrentTotalInactivitySecs += int(gap.Seconds())
			}
		}
		if err := s.d.Pricing.Price(ctx, PricePhaseStop, tx, nil); err != nil {
			log.Warn("failed to price transaction stop", zap.Error(err))
		}
	}

	duration := int(stoppedAt.Sub(tx.Timestamp).Seconds())
	if duration < 0 {
		duration = 0
	}
	tx.CurrentInactivityStatus = ClassifyInactivity(tx.CurrentTotalInactivitySecs, s.opts.EndOfChargeNotificationInterval)
	tx.Stop = &models.TransactionStop{
		Timestamp:           stoppedAt,
		MeterStop:           req.MeterStop,
		TagID:               tagID,
		UserID:              userID,
		Reason:              req.Reason,
		StateOfCharge:       tx.CurrentStateOfCharge,
		SignedData:          tx.CurrentSignedData,
		TotalConsumptionWh:  tx.CurrentTotalConsumptionWh,
		TotalInactivitySecs: tx.CurrentTotalInactivitySecs,
		TotalDurationSecs:   duration,
		InactivityStatus:    tx.CurrentInactivityStatus,
		Price:               tx.CurrentCumulatedPrice,
		PriceUnit:           tx.PriceUnit,
	}
	ok, err := s.d.Transactions.Stop(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to stop transaction: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTransactionAlreadyStopped, tx.ID)
	}

	if c := station.Connector(tx.ConnectorID); c != nil && c.CurrentTransactionID == tx.ID {
		c.ResetRuntime()
		if err := s.d.Stations.SaveConnector(ctx, c); err != nil {
			log.Error("failed to reset connector", zap.Error(err))
		}
	}
	if err := s.d.Billing.StopSession(ctx, tx); err != nil {
		log.Warn("failed to stop billing session", zap.Error(err))
	}
	s.clearTxProfiles(ctx, station.ID, tx.ID, log)
	if triggerSmartCharging {
		s.d.SmartCharging.Trigger(station.ID, station.SiteAreaID)
	}
	s.d.Notifier.Notify(ctx, notify.Notification{
		Kind:              notify.KindEndOfSession,
		Severity:          notify.SeverityInfo,
		ChargingStationID: station.ID,
		ConnectorID:       tx.ConnectorID,
		TransactionID:     tx.ID,
		SiteAreaID:        station.SiteAreaID,
		Message:           "charging session stopped",
		Data: map[string]string{
			"total_consumption_wh": fmt.Sprintf("%.0f", tx.Stop.TotalConsumptionWh),
			"inactivity_status":    string(tx.Stop.InactivityStatus),
		},
		Timestamp: now,
	})
	log.Info("transaction stopped",
		zap.Int("meter_stop", req.MeterStop),
		zap.String("tag_id", tagID),
		zap.Float64("total_consumption_wh", tx.Stop.TotalConsumptionWh),
		zap.Int("total_inactivity_secs", tx.Stop.TotalInactivitySecs),
	)
	return tx, nil
}

// stoppingIdentity prefers a recent remote stop, then the idTag of the stop
// request, then the tag that started the transaction.
func (s *Transactions) stoppingIdentity(ctx context.Context, tx *models.Transaction, idTag string, now time.Time) (string, string) {
	if rs := tx.RemoteStop; rs != nil && now.Sub(rs.Timestamp) < remoteStopWindow {
		return rs.TagID, rs.UserID
	}
	if idTag == "" || idTag == tx.TagID {
		return tx.TagID, tx.UserID
	}
	tag, err := s.d.Users.GetTag(ctx, idTag)
	if err != nil {
		s.logger.Warn("failed to resolve stopping tag", zap.String("tag_id", idTag), zap.Error(err))
	}
	if tag != nil {
		return idTag, tag.UserID
	}
	return idTag, ""
}

func (s *Transactions) clearTxProfiles(ctx context.Context, stationID string, transactionID int, log *zap.Logger) {
	if s.d.Profiles == nil {
		return
	}
	profiles, err := s.d.Profiles.DeleteByTransaction(ctx, stationID, transactionID)
	if err != nil {
		log.Warn("failed to delete charging profiles", zap.Error(err))
		return
	}
	for _, p := range profiles {
		if p.Profile == nil {
			continue
		}
		id := p.Profile.ChargingProfileId
		err := s.d.Commands.ClearChargingProfile(ctx, stationID, ocpp.ClearChargingProfileRequest{Id: &id})
		if err != nil {
			log.Warn("failed to clear charging profile", zap.Int("charging_profile_id", id), zap.Error(err))
		}
	}
}

// RemoteStop records who asked for the stop on the transaction, then asks the
// station to stop it.
func (s *Transactions) RemoteStop(ctx context.Context, transactionID int, tagID, userID string) error {
	tx, err := s.d.Transactions.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("failed to load transaction: %w", err)
	}
	if tx == nil {
		return fmt.Errorf("%w: %d", ErrTransactionNotFound, transactionID)
	}
	if !tx.IsActive() {
		return fmt.Errorf("%w: %d", ErrTransactionAlreadyStopped, transactionID)
	}
	tx.RemoteStop = &models.RemoteStop{TagID: tagID, UserID: userID, Timestamp: s.opts.Now()}
	ok, err := s.d.Transactions.Update(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to record remote stop: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrTransactionAlreadyStopped, transactionID)
	}
	if err := s.d.Commands.RemoteStop(ctx, tx.ChargingStationID, tx.ID); err != nil {
		s.d.Notifier.Notify(ctx, notify.Notification{
			Kind:              notify.KindRemoteStopFailed,
			Severity:          notify.SeverityWarning,
			ChargingStationID: tx.ChargingStationID,
			ConnectorID:       tx.ConnectorID,
			TransactionID:     tx.ID,
			Message:           "remote stop failed",
			Data:              map[string]string{"error": err.Error()},
			Timestamp:         s.opts.Now(),
		})
		return err
	}
	s.logger.Info("remote stop requested",
		zap.String("charge_point_id", tx.ChargingStationID),
		zap.Int("transaction_id", tx.ID),
		zap.String("tag_id", tagID),
	)
	return nil
}
