package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"go.uber.org/zap"
)

var (
	ErrMissingAction    = errors.New("missing action")
	ErrMissingStationID = errors.New("missing chargePointId")
	ErrUnknownAction    = errors.New("unknown action")
)

type EventJournal interface {
	InsertRaw(ctx context.Context, e models.Event) (int64, error)
}

// Call is the envelope the gateway posts for every inbound OCPP call.
type Call struct {
	ChargePointID string          `json:"chargePointId"`
	Action        string          `json:"action"`
	MessageID     string          `json:"messageId,omitempty"`
	Ts            string          `json:"ts,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Dispatcher journals inbound calls and routes them to the services. It
// always produces a protocol valid response; errors are for the log.
type Dispatcher struct {
	Events       EventJournal
	Stations     *Stations
	Connectors   *ConnectorTracker
	Transactions *Transactions
	DataTransfer *DataTransfers
	MaxSkew      time.Duration

	logger *zap.Logger
	now    func() time.Time
}

func NewDispatcher(events EventJournal, st *Stations, c *ConnectorTracker, tx *Transactions, dt *DataTransfers, maxSkew time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Events:       events,
		Stations:     st,
		Connectors:   c,
		Transactions: tx,
		DataTransfer: dt,
		MaxSkew:      maxSkew,
		logger:       logger.Named("dispatcher"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Ingest decodes a raw gateway call and dispatches it. A nil response means
// the call itself was unusable.
func (p *Dispatcher) Ingest(ctx context.Context, raw []byte) (any, error) {
	var call Call
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, err
	}
	if call.Action == "" {
		return nil, ErrMissingAction
	}
	if call.ChargePointID == "" {
		return nil, ErrMissingStationID
	}

	ts := p.now()
	if call.Ts != "" {
		if t, err := time.Parse(time.RFC3339, call.Ts); err == nil {
			ts = t.UTC()
		}
	}
	if p.MaxSkew > 0 {
		now := p.now()
		if ts.Before(now.Add(-p.MaxSkew)) || ts.After(now.Add(p.MaxSkew)) {
			ts = now
		}
	}

	if p.Events != nil {
		_, err := p.Events.InsertRaw(ctx, models.Event{
			ChargePointID: call.ChargePointID,
			Action:        call.Action,
			MessageID:     call.MessageID,
			ReceivedAt:    ts,
			Payload:       raw,
		})
		if err != nil {
			p.logger.Warn("failed to journal event", zap.String("action", call.Action), zap.Error(err))
		}
	}

	resp, err := p.Dispatch(ctx, call.ChargePointID, call.Action, call.Payload)
	if err != nil {
		p.logger.Warn("call processing failed",
			zap.String("charge_point_id", call.ChargePointID),
			zap.String("action", call.Action),
			zap.String("message_id", call.MessageID),
			zap.Error(err),
		)
	}
	if action := call.Action; action != ocpp.ActionBootNotification && action != ocpp.ActionHeartbeat && !errors.Is(err, ErrStationNotFound) {
		if terr := p.Stations.d.Stations.TouchLastSeen(ctx, call.ChargePointID, ts); terr != nil {
			p.logger.Debug("failed to touch station", zap.Error(terr))
		}
	}
	return resp, err
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

// Dispatch routes one decoded call.
func (p *Dispatcher) Dispatch(ctx context.Context, stationID, action string, payload json.RawMessage) (any, error) {
	switch action {
	case ocpp.ActionBootNotification:
		req, err := decode[ocpp.BootNotificationRequest](payload)
		if err != nil {
			return &ocpp.BootNotificationResponse{
				CurrentTime: types.NewDateTime(p.now()),
				Status:      core.RegistrationStatusRejected,
				Interval:    int(p.Stations.opts.HeartbeatInterval.Seconds()),
			}, err
		}
		return p.Stations.Boot(ctx, stationID, req)

	case ocpp.ActionHeartbeat:
		return p.Stations.Heartbeat(ctx, stationID)

	case ocpp.ActionStatusNotification:
		req, err := decode[ocpp.StatusNotificationRequest](payload)
		if err == nil {
			err = p.Connectors.StatusNotification(ctx, stationID, req)
		}
		return &ocpp.StatusNotificationResponse{}, err

	case ocpp.ActionAuthorize:
		req, err := decode[ocpp.AuthorizeRequest](payload)
		if err != nil {
			return &ocpp.AuthorizeResponse{IdTagInfo: ocpp.NewIdTagInfo(types.AuthorizationStatusInvalid)}, err
		}
		return p.Transactions.Authorize(ctx, stationID, req)

	case ocpp.ActionStartTransaction:
		req, err := decode[ocpp.StartTransactionRequest](payload)
		if err != nil {
			return &ocpp.StartTransactionResponse{IdTagInfo: ocpp.NewIdTagInfo(types.AuthorizationStatusInvalid)}, err
		}
		return p.Transactions.Start(ctx, stationID, req)

	case ocpp.ActionStopTransaction:
		req, err := decode[ocpp.StopTransactionRequest](payload)
		if err != nil {
			return &ocpp.StopTransactionResponse{IdTagInfo: ocpp.NewIdTagInfo(types.AuthorizationStatusInvalid)}, err
		}
		return p.Transactions.Stop(ctx, stationID, req)

	case ocpp.ActionMeterValues:
		req, err := decode[ocpp.MeterValuesRequest](payload)
		if err == nil {
			err = p.Transactions.MeterValues(ctx, stationID, req)
		}
		return &ocpp.MeterValuesResponse{}, err

	case ocpp.ActionDataTransfer:
		req, err := decode[ocpp.DataTransferRequest](payload)
		if err != nil {
			return &ocpp.DataTransferResponse{Status: core.DataTransferStatusRejected}, err
		}
		return p.DataTransfer.Handle(ctx, stationID, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

// Disconnected is called by the gateway when a station's connection drops.
func (p *Dispatcher) Disconnected(stationID string) {
	p.Stations.Disconnect(stationID)
}
