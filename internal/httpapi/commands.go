package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"csms/internal/ocpp"
)

type createCommandReq struct {
	Type           string          `json:"type"`
	ChargePointID  string          `json:"chargePointId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

// CreateAndSendCommand relays an operator command to a station. A command
// whose idempotency key was already used is answered from the audit trail.
func (s *Server) CreateAndSendCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" || req.ChargePointID == "" || req.IdempotencyKey == "" {
		http.Error(w, "missing type/chargePointId/idempotencyKey", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	existing, err := s.Commands.GetByIdempotency(r.Context(), req.IdempotencyKey)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"commandId": existing.CommandID,
			"status":    existing.Status,
			"response":  rawOrNull(existing.ResponseJSON),
			"error":     existing.Error,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout())
	defer cancel()
	resp, sendErr := s.Gateway.Send(ctx, req.ChargePointID, req.Type, req.IdempotencyKey, req.Payload)

	var commandID string
	if cmd, err := s.Commands.GetByIdempotency(r.Context(), req.IdempotencyKey); err == nil && cmd != nil {
		commandID = cmd.CommandID
	}
	if sendErr != nil {
		status := http.StatusBadGateway
		if errors.Is(sendErr, ocpp.ErrStationNotConnected) {
			status = http.StatusConflict
		} else if errors.Is(sendErr, ocpp.ErrCommandTimeout) || errors.Is(sendErr, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]any{
			"commandId": commandID,
			"status":    "Failed",
			"error":     sendErr.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commandId":       commandID,
		"status":          "Acked",
		"gatewayResponse": rawOrNull(resp),
	})
}

func (s *Server) commandTimeout() time.Duration {
	if s.Cfg.GatewayCommandTimeout <= 0 {
		return 15 * time.Second
	}
	return s.Cfg.GatewayCommandTimeout
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

type remoteStopReq struct {
	TagID  string `json:"tagId"`
	UserID string `json:"userId"`
}

func (s *Server) RemoteStopTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	var req remoteStopReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TagID == "" {
		http.Error(w, "invalid json/tagId", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout()+time.Second)
	defer cancel()
	if err := s.RemoteStop.RemoteStop(ctx, id, req.TagID, req.UserID); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"transactionId": id, "status": "Requested"})
}
