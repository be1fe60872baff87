// Package ocpp holds the OCPP message payloads exchanged with charging
// stations through the gateway. Enumerations come from ocpp-go so the
// protocol vocabulary is reproduced verbatim.
package ocpp

import (
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// ChargePointStatusOccupied is the OCPP 1.5 status still reported by older firmware.
const ChargePointStatusOccupied core.ChargePointStatus = "Occupied"

// MeasurandSoC is misspelt in ocpp-go.
const MeasurandSoC types.Measurand = "SoC"

// Actions dispatched by the central system.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionStatusNotification = "StatusNotification"
	ActionAuthorize          = "Authorize"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
	ActionDataTransfer       = "DataTransfer"
)

// Commands sent to stations.
const (
	CommandRemoteStartTransaction = "RemoteStartTransaction"
	CommandRemoteStopTransaction  = "RemoteStopTransaction"
	CommandSetChargingProfile     = "SetChargingProfile"
	CommandClearChargingProfile   = "ClearChargingProfile"
	CommandGetConfiguration       = "GetConfiguration"
	CommandDataTransfer           = "DataTransfer"
)

type BootNotificationRequest struct {
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargePointVendor       string `json:"chargePointVendor"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
}

type BootNotificationResponse struct {
	CurrentTime *types.DateTime         `json:"currentTime"`
	Interval    int                     `json:"interval"`
	Status      core.RegistrationStatus `json:"status"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime *types.DateTime `json:"currentTime"`
}

type StatusNotificationRequest struct {
	ConnectorId     int                       `json:"connectorId"`
	ErrorCode       core.ChargePointErrorCode `json:"errorCode"`
	Info            string                    `json:"info,omitempty"`
	Status          core.ChargePointStatus    `json:"status"`
	Timestamp       *types.DateTime           `json:"timestamp,omitempty"`
	VendorId        string                    `json:"vendorId,omitempty"`
	VendorErrorCode string                    `json:"vendorErrorCode,omitempty"`
}

type StatusNotificationResponse struct{}

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

type AuthorizeResponse struct {
	IdTagInfo *types.IdTagInfo `json:"idTagInfo"`
}

type StartTransactionRequest struct {
	ConnectorId   int             `json:"connectorId"`
	IdTag         string          `json:"idTag"`
	MeterStart    int             `json:"meterStart"`
	ReservationId *int            `json:"reservationId,omitempty"`
	Timestamp     *types.DateTime `json:"timestamp"`
}

type StartTransactionResponse struct {
	IdTagInfo     *types.IdTagInfo `json:"idTagInfo"`
	TransactionId int              `json:"transactionId"`
}

type StopTransactionRequest struct {
	IdTag           string             `json:"idTag,omitempty"`
	MeterStop       int                `json:"meterStop"`
	Timestamp       *types.DateTime    `json:"timestamp"`
	TransactionId   int                `json:"transactionId"`
	Reason          string             `json:"reason,omitempty"`
	TransactionData []types.MeterValue `json:"transactionData,omitempty"`
}

type StopTransactionResponse struct {
	IdTagInfo *types.IdTagInfo `json:"idTagInfo,omitempty"`
}

type MeterValuesRequest struct {
	ConnectorId   int                `json:"connectorId"`
	TransactionId *int               `json:"transactionId,omitempty"`
	MeterValue    []types.MeterValue `json:"meterValue"`
}

type MeterValuesResponse struct{}

type DataTransferRequest struct {
	VendorId  string `json:"vendorId"`
	MessageId string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`
}

type DataTransferResponse struct {
	Status core.DataTransferStatus `json:"status"`
	Data   string                  `json:"data,omitempty"`
}

type RemoteStartTransactionRequest struct {
	ConnectorId     *int                   `json:"connectorId,omitempty"`
	IdTag           string                 `json:"idTag"`
	ChargingProfile *types.ChargingProfile `json:"chargingProfile,omitempty"`
}

type RemoteStopTransactionRequest struct {
	TransactionId int `json:"transactionId"`
}

type SetChargingProfileRequest struct {
	ConnectorId        int                    `json:"connectorId"`
	CsChargingProfiles *types.ChargingProfile `json:"csChargingProfiles"`
}

type ClearChargingProfileRequest struct {
	Id                     *int                             `json:"id,omitempty"`
	ConnectorId            *int                             `json:"connectorId,omitempty"`
	ChargingProfilePurpose types.ChargingProfilePurposeType `json:"chargingProfilePurpose,omitempty"`
}

type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

type ConfigurationKey struct {
	Key      string  `json:"key"`
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

type GetConfigurationResponse struct {
	ConfigurationKey []ConfigurationKey `json:"configurationKey,omitempty"`
	UnknownKey       []string           `json:"unknownKey,omitempty"`
}

// CommandStatusResponse is the common `{status}` answer of station commands.
type CommandStatusResponse struct {
	Status string `json:"status"`
}

const (
	StatusAccepted = "Accepted"
	StatusRejected = "Rejected"
)

// NewIdTagInfo is a shorthand for an idTagInfo carrying only a status.
func NewIdTagInfo(status types.AuthorizationStatus) *types.IdTagInfo {
	return &types.IdTagInfo{Status: status}
}
