package models

import (
	"time"

	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

type ChargingStation struct {
	ID               string            `json:"id"`
	SecretHash       string            `json:"-"`
	IsActive         bool              `json:"isActive"`
	SiteAreaID       string            `json:"siteAreaId,omitempty"`
	Vendor           string            `json:"vendor"`
	Model            string            `json:"model"`
	SerialNumber     string            `json:"serialNumber,omitempty"`
	FirmwareVersion  string            `json:"firmwareVersion,omitempty"`
	OcppVersion      string            `json:"ocppVersion"`
	Connectors       []*Connector      `json:"connectors"`
	BackupConnectors []*Connector      `json:"backupConnectors,omitempty"`
	OcppParameters   map[string]string `json:"ocppParameters,omitempty"`
	RegisteredAt     *time.Time        `json:"registeredAt,omitempty"`
	LastSeenAt       *time.Time        `json:"lastSeenAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func (s *ChargingStation) Connector(id int) *Connector {
	for _, c := range s.Connectors {
		if c.ConnectorID == id {
			return c
		}
	}
	return nil
}

func (s *ChargingStation) BackupConnector(id int) *Connector {
	for _, c := range s.BackupConnectors {
		if c.ConnectorID == id {
			return c
		}
	}
	return nil
}

// RestoreConnector moves a backed up connector back into the live list.
func (s *ChargingStation) RestoreConnector(id int) *Connector {
	for i, c := range s.BackupConnectors {
		if c.ConnectorID == id {
			s.BackupConnectors = append(s.BackupConnectors[:i], s.BackupConnectors[i+1:]...)
			s.Connectors = append(s.Connectors, c)
			return c
		}
	}
	return nil
}

// DiscardBackupConnector drops the backup of a connector that is live again.
func (s *ChargingStation) DiscardBackupConnector(id int) bool {
	for i, c := range s.BackupConnectors {
		if c.ConnectorID == id {
			s.BackupConnectors = append(s.BackupConnectors[:i], s.BackupConnectors[i+1:]...)
			return true
		}
	}
	return false
}

type Connector struct {
	ChargingStationID    string                    `json:"chargingStationId"`
	ConnectorID          int                       `json:"connectorId"`
	Status               core.ChargePointStatus    `json:"status"`
	ErrorCode            core.ChargePointErrorCode `json:"errorCode"`
	Info                 string                    `json:"info,omitempty"`
	VendorErrorCode      string                    `json:"vendorErrorCode,omitempty"`
	StatusLastChangedOn  *time.Time                `json:"statusLastChangedOn,omitempty"`
	CurrentTransactionID int                       `json:"currentTransactionId"`
	CurrentTransactionAt *time.Time                `json:"currentTransactionDate,omitempty"`
	CurrentTagID         string                    `json:"currentTagId,omitempty"`
	CurrentUserID        string                    `json:"currentUserId,omitempty"`
	CurrentInstantWatts  float64                   `json:"currentInstantWatts"`
	CurrentStateOfCharge int                       `json:"currentStateOfCharge"`
	CurrentTotalWh       float64                   `json:"currentTotalConsumptionWh"`
	CurrentInactivitySec int                       `json:"currentTotalInactivitySecs"`
	AmperageLimit        float64                   `json:"amperageLimit"`
	Voltage              float64                   `json:"voltage"`
	NumberOfPhases       int                       `json:"numberOfConnectedPhase"`
	IsPrivate            bool                      `json:"isPrivate"`
	OwnerIDs             []string                  `json:"ownerIds,omitempty"`
	CertificateIDs       []string                  `json:"certificateIds,omitempty"`
}

// ResetRuntime clears the transaction pointer and the instantaneous values.
func (c *Connector) ResetRuntime() {
	c.CurrentTransactionID = 0
	c.CurrentTransactionAt = nil
	c.CurrentTagID = ""
	c.CurrentUserID = ""
	c.CurrentInstantWatts = 0
	c.CurrentStateOfCharge = 0
	c.CurrentTotalWh = 0
	c.CurrentInactivitySec = 0
}

type InactivityStatus string

const (
	InactivityStatusInfo    InactivityStatus = "I"
	InactivityStatusWarning InactivityStatus = "W"
	InactivityStatusError   InactivityStatus = "E"
)

type LastConsumption struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type RemoteStop struct {
	TagID     string    `json:"tagId"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PhasesUsed is learnt from the first per-phase current samples of a session.
type PhasesUsed struct {
	CSPhase1 bool `json:"csPhase1"`
	CSPhase2 bool `json:"csPhase2"`
	CSPhase3 bool `json:"csPhase3"`
}

type Transaction struct {
	ID                int       `json:"id"`
	ChargingStationID string    `json:"chargingStationId"`
	ConnectorID       int       `json:"connectorId"`
	SiteAreaID        string    `json:"siteAreaId,omitempty"`
	TagID             string    `json:"tagId"`
	UserID            string    `json:"userId,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	MeterStart        int       `json:"meterStart"`
	StateOfCharge     int       `json:"stateOfCharge"`
	SignedData        string    `json:"signedData,omitempty"`

	CurrentTotalConsumptionWh  float64          `json:"currentTotalConsumptionWh"`
	CurrentTotalInactivitySecs int              `json:"currentTotalInactivitySecs"`
	CurrentInactivityStatus    InactivityStatus `json:"currentInactivityStatus,omitempty"`
	CurrentStateOfCharge       int              `json:"currentStateOfCharge"`
	CurrentSignedData          string           `json:"currentSignedData,omitempty"`
	CurrentInstantWatts        float64          `json:"currentInstantWatts"`
	CurrentInstantWattsL1      float64          `json:"currentInstantWattsL1"`
	CurrentInstantWattsL2      float64          `json:"currentInstantWattsL2"`
	CurrentInstantWattsL3      float64          `json:"currentInstantWattsL3"`
	CurrentInstantWattsDC      float64          `json:"currentInstantWattsDC"`
	CurrentInstantVolts        float64          `json:"currentInstantVolts"`
	CurrentInstantVoltsL1      float64          `json:"currentInstantVoltsL1"`
	CurrentInstantVoltsL2      float64          `json:"currentInstantVoltsL2"`
	CurrentInstantVoltsL3      float64          `json:"currentInstantVoltsL3"`
	CurrentInstantVoltsDC      float64          `json:"currentInstantVoltsDC"`
	CurrentInstantAmps         float64          `json:"currentInstantAmps"`
	CurrentInstantAmpsL1       float64          `json:"currentInstantAmpsL1"`
	CurrentInstantAmpsL2       float64          `json:"currentInstantAmpsL2"`
	CurrentInstantAmpsL3       float64          `json:"currentInstantAmpsL3"`
	CurrentInstantAmpsDC       float64          `json:"currentInstantAmpsDC"`
	CurrentCumulatedPrice      float64          `json:"currentCumulatedPrice"`
	PriceUnit                  string           `json:"priceUnit,omitempty"`

	NumberOfMeterValues    int              `json:"numberOfMeterValues"`
	LastConsumption        *LastConsumption `json:"lastConsumption,omitempty"`
	TransactionEndReceived bool             `json:"transactionEndReceived"`
	PhasesUsed             *PhasesUsed      `json:"phasesUsed,omitempty"`
	RemoteStop             *RemoteStop      `json:"remoteStop,omitempty"`

	Stop *TransactionStop `json:"stop,omitempty"`
}

func (t *Transaction) IsActive() bool { return t.Stop == nil }

type TransactionStop struct {
	Timestamp               time.Time        `json:"timestamp"`
	MeterStop               int              `json:"meterStop"`
	TagID                   string           `json:"tagId"`
	UserID                  string           `json:"userId,omitempty"`
	Reason                  string           `json:"reason,omitempty"`
	StateOfCharge           int              `json:"stateOfCharge"`
	SignedData              string           `json:"signedData,omitempty"`
	TotalConsumptionWh      float64          `json:"totalConsumptionWh"`
	TotalInactivitySecs     int              `json:"totalInactivitySecs"`
	TotalDurationSecs       int              `json:"totalDurationSecs"`
	InactivityStatus        InactivityStatus `json:"inactivityStatus"`
	Price                   float64          `json:"price"`
	PriceUnit               string           `json:"priceUnit,omitempty"`
	ExtraInactivitySecs     int              `json:"extraInactivitySecs"`
	ExtraInactivityComputed bool             `json:"extraInactivityComputed"`
}

type Consumption struct {
	ID                     string    `json:"id"`
	TransactionID          int       `json:"transactionId"`
	ChargingStationID      string    `json:"chargingStationId"`
	ConnectorID            int       `json:"connectorId"`
	SiteAreaID             string    `json:"siteAreaId,omitempty"`
	UserID                 string    `json:"userId,omitempty"`
	StartedAt              time.Time `json:"startedAt"`
	EndedAt                time.Time `json:"endedAt"`
	ConsumptionWh          float64   `json:"consumptionWh"`
	CumulatedConsumptionWh float64   `json:"cumulatedConsumptionWh"`
	InstantWatts           float64   `json:"instantWatts"`
	InstantAmps            float64   `json:"instantAmps"`
	StateOfCharge          int       `json:"stateOfCharge"`
	TotalInactivitySecs    int       `json:"totalInactivitySecs"`
	Amount                 float64   `json:"amount"`
	CumulatedAmount        float64   `json:"cumulatedAmount"`
	Currency               string    `json:"currency,omitempty"`
}

type CertificateStatus string

const (
	CertificateStatusActive  CertificateStatus = "active"
	CertificateStatusRevoked CertificateStatus = "revoked"
	CertificateStatusExpired CertificateStatus = "expired"
)

type Certificate struct {
	ID                string                   `json:"id"`
	CertificateChain  string                   `json:"certificateChain"`
	HashData          ocpp.CertificateHashData `json:"hashData"`
	CertificateType   string                   `json:"certificateType"`
	Status            CertificateStatus        `json:"status"`
	ExpiresAt         time.Time                `json:"expiresAt"`
	ChargingStationID string                   `json:"chargingStationId,omitempty"`
	TenantID          string                   `json:"tenantId,omitempty"`
	CreatedAt         time.Time                `json:"createdAt"`
	UpdatedAt         time.Time                `json:"updatedAt"`
}

type Emaid struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is the authorizing party behind a tag.
type User struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

type Tag struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Active bool   `json:"active"`
}

type ChargingProfile struct {
	ChargingStationID string                 `json:"chargingStationId"`
	ConnectorID       int                    `json:"connectorId"`
	TransactionID     int                    `json:"transactionId,omitempty"`
	Profile           *types.ChargingProfile `json:"profile"`
	CreatedAt         time.Time              `json:"createdAt"`
}

// FirstLimit is the limit of the earliest schedule period.
func (p *ChargingProfile) FirstLimit() float64 {
	if p.Profile == nil || p.Profile.ChargingSchedule == nil || len(p.Profile.ChargingSchedule.ChargingSchedulePeriod) == 0 {
		return 0
	}
	return p.Profile.ChargingSchedule.ChargingSchedulePeriod[0].Limit
}

type SiteArea struct {
	SiteAreaID string    `json:"siteAreaId"`
	Name       string    `json:"name"`
	MaxAmps    float64   `json:"maxAmps"`
	CreatedAt  time.Time `json:"createdAt"`
}

type PriceWindow struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	PricePerKwh float64   `json:"pricePerKwh"`
}

type Tariff struct {
	TariffID    string        `json:"tariffId"`
	SiteAreaID  string        `json:"siteAreaId"`
	PricePerKwh float64       `json:"pricePerKwh"`
	Currency    string        `json:"currency"`
	Windows     []PriceWindow `json:"windows,omitempty"`
	IsActive    bool          `json:"isActive"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// PriceAt returns the window price covering t, or the flat price.
func (t *Tariff) PriceAt(at time.Time) float64 {
	for _, w := range t.Windows {
		if !at.Before(w.From) && at.Before(w.To) {
			return w.PricePerKwh
		}
	}
	return t.PricePerKwh
}

type Settlement struct {
	SettlementID  string    `json:"settlementId"`
	TransactionID int       `json:"transactionId"`
	SiteAreaID    string    `json:"siteAreaId"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Command struct {
	CommandID      string    `json:"commandId"`
	ChargePointID  string    `json:"chargePointId"`
	Type           string    `json:"type"`
	IdempotencyKey string    `json:"idempotencyKey"`
	PayloadJSON    []byte    `json:"-"`
	Status         string    `json:"status"`
	ResponseJSON   []byte    `json:"-"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

const (
	CommandStatusQueued = "Queued"
	CommandStatusSent   = "Sent"
	CommandStatusAcked  = "Acked"
	CommandStatusFailed = "Failed"
)

const (
	SettlementStatusPending   = "Pending"
	SettlementStatusFinalized = "Finalized"
	SettlementStatusFailed    = "Failed"
)

// Event is one inbound OCPP call as received from the gateway.
type Event struct {
	EventID       int64     `json:"eventId"`
	ChargePointID string    `json:"chargePointId"`
	Action        string    `json:"action"`
	MessageID     string    `json:"messageId,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
	Payload       []byte    `json:"-"`
}
