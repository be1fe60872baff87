// Package gatewayclient sends OCPP commands to charging stations through the
// OCPP gateway that holds their websocket connections.
package gatewayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandAudit records every outbound command. Implemented by repo.CommandsRepo.
type CommandAudit interface {
	Create(ctx context.Context, c models.Command) (string, error)
	MarkSent(ctx context.Context, id string) error
	MarkAcked(ctx context.Context, id string, response []byte) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *resty.Client

	audit  CommandAudit
	logger *zap.Logger
}

func New(baseURL, apiKey string, timeout time.Duration, audit CommandAudit, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    resty.New().SetTimeout(timeout),
		audit:   audit,
		logger:  logger.Named("gateway"),
	}
}

type commandEnvelope struct {
	Type           string          `json:"type"`
	ChargePointID  string          `json:"chargePointId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

// SendCommand posts an already encoded envelope and returns the gateway status
// code and body as is.
func (c *Client) SendCommand(ctx context.Context, body []byte) (int, []byte, error) {
	req := c.HTTP.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if c.APIKey != "" {
		req.SetAuthToken(c.APIKey)
	}
	resp, err := req.Post(c.BaseURL + "/v1/gateway/commands")
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), resp.Body(), nil
}

// Send delivers one command and returns the station's response payload.
// Missing connections and gateway timeouts map to ocpp.ErrStationNotConnected
// and ocpp.ErrCommandTimeout.
func (c *Client) Send(ctx context.Context, stationID, commandType, idempotencyKey string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", commandType, err)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}
	body, err := json.Marshal(commandEnvelope{
		Type:           commandType,
		ChargePointID:  stationID,
		IdempotencyKey: idempotencyKey,
		Payload:        raw,
	})
	if err != nil {
		return nil, err
	}

	var cmdID string
	if c.audit != nil {
		cmdID, err = c.audit.Create(ctx, models.Command{
			ChargePointID:  stationID,
			Type:           commandType,
			IdempotencyKey: idempotencyKey,
			PayloadJSON:    body,
			Status:         models.CommandStatusQueued,
		})
		if err != nil {
			c.logger.Warn("failed to record command", zap.String("type", commandType), zap.Error(err))
		} else {
			_ = c.audit.MarkSent(ctx, cmdID)
		}
	}

	status, respBody, err := c.SendCommand(ctx, body)
	if err == nil {
		err = statusError(status, respBody)
	}
	if err != nil {
		c.fail(ctx, cmdID, err)
		c.logger.Warn("command failed",
			zap.String("charge_point_id", stationID),
			zap.String("type", commandType),
			zap.Error(err),
		)
		return nil, err
	}
	if cmdID != "" {
		_ = c.audit.MarkAcked(ctx, cmdID, respBody)
	}
	return respBody, nil
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusConflict:
		return ocpp.ErrStationNotConnected
	case status == http.StatusGatewayTimeout:
		return ocpp.ErrCommandTimeout
	default:
		return fmt.Errorf("gateway returned %d: %s", status, string(body))
	}
}

func (c *Client) fail(ctx context.Context, cmdID string, err error) {
	if cmdID == "" {
		return
	}
	_ = c.audit.MarkFailed(ctx, cmdID, err.Error())
}

func (c *Client) sendWithStatus(ctx context.Context, stationID, commandType string, payload any) error {
	raw, err := c.Send(ctx, stationID, commandType, "", payload)
	if err != nil {
		return err
	}
	var resp ocpp.CommandStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", commandType, err)
	}
	if resp.Status != ocpp.StatusAccepted {
		return fmt.Errorf("%w: %s %s", ocpp.ErrCommandRejected, commandType, resp.Status)
	}
	return nil
}

func (c *Client) RemoteStart(ctx context.Context, stationID string, req ocpp.RemoteStartTransactionRequest) error {
	return c.sendWithStatus(ctx, stationID, ocpp.CommandRemoteStartTransaction, req)
}

func (c *Client) RemoteStop(ctx context.Context, stationID string, transactionID int) error {
	return c.sendWithStatus(ctx, stationID, ocpp.CommandRemoteStopTransaction, ocpp.RemoteStopTransactionRequest{TransactionId: transactionID})
}

func (c *Client) SetChargingProfile(ctx context.Context, stationID string, req ocpp.SetChargingProfileRequest) error {
	return c.sendWithStatus(ctx, stationID, ocpp.CommandSetChargingProfile, req)
}

func (c *Client) ClearChargingProfile(ctx context.Context, stationID string, req ocpp.ClearChargingProfileRequest) error {
	return c.sendWithStatus(ctx, stationID, ocpp.CommandClearChargingProfile, req)
}

func (c *Client) GetConfiguration(ctx context.Context, stationID string, req ocpp.GetConfigurationRequest) (*ocpp.GetConfigurationResponse, error) {
	raw, err := c.Send(ctx, stationID, ocpp.CommandGetConfiguration, "", req)
	if err != nil {
		return nil, err
	}
	var resp ocpp.GetConfigurationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode GetConfiguration response: %w", err)
	}
	return &resp, nil
}

// DataTransfer returns the station answer even when it is not Accepted, along
// with ocpp.ErrCommandRejected.
func (c *Client) DataTransfer(ctx context.Context, stationID string, req ocpp.DataTransferRequest) (*ocpp.DataTransferResponse, error) {
	raw, err := c.Send(ctx, stationID, ocpp.CommandDataTransfer, "", req)
	if err != nil {
		return nil, err
	}
	var resp ocpp.DataTransferResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode DataTransfer response: %w", err)
	}
	if resp.Status != "Accepted" {
		return &resp, fmt.Errorf("%w: DataTransfer %s", ocpp.ErrCommandRejected, resp.Status)
	}
	return &resp, nil
}
