package services

import (
	"context"
	"time"

	"csms/internal/certs"
	"csms/internal/deferred"
	"csms/internal/models"
	"csms/internal/ocpp"
)

// Consumer-side views of the repositories. The pgx backed implementations
// live in internal/repo.

type StationRepository interface {
	Get(ctx context.Context, id string) (*models.ChargingStation, error)
	Save(ctx context.Context, st *models.ChargingStation) error
	SaveConnector(ctx context.Context, c *models.Connector) error
	TouchLastSeen(ctx context.Context, id string, t time.Time) error
	UpdateOcppParameters(ctx context.Context, id string, params map[string]string) error
}

// TransactionRepository reports false from the conditional writes when the
// transaction was no longer in the expected state.
type TransactionRepository interface {
	AllocateID(ctx context.Context) (int, error)
	Get(ctx context.Context, id int) (*models.Transaction, error)
	Create(ctx context.Context, t *models.Transaction) error
	Update(ctx context.Context, t *models.Transaction) (bool, error)
	Stop(ctx context.Context, t *models.Transaction) (bool, error)
	SetExtraInactivity(ctx context.Context, id int, secs int, status models.InactivityStatus) (bool, error)
	Delete(ctx context.Context, id int) error
	GetActive(ctx context.Context, stationID string, connectorID int) (*models.Transaction, error)
	GetLastCompleted(ctx context.Context, stationID string, connectorID int) (*models.Transaction, error)
}

type ConsumptionRepository interface {
	Save(ctx context.Context, c *models.Consumption) error
	GetRecent(ctx context.Context, transactionID int, n int) ([]*models.Consumption, error)
}

type UserDirectory interface {
	GetTag(ctx context.Context, id string) (*models.Tag, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type EmaidDirectory interface {
	Get(ctx context.Context, id string) (*models.Emaid, error)
}

type ChargingProfileRepository interface {
	DeleteByTransaction(ctx context.Context, stationID string, transactionID int) ([]*models.ChargingProfile, error)
}

// ChargePointCommandClient reaches stations through the gateway. A station
// without a live connection yields ocpp.ErrStationNotConnected, a negative
// answer ocpp.ErrCommandRejected.
type ChargePointCommandClient interface {
	RemoteStart(ctx context.Context, stationID string, req ocpp.RemoteStartTransactionRequest) error
	RemoteStop(ctx context.Context, stationID string, transactionID int) error
	ClearChargingProfile(ctx context.Context, stationID string, req ocpp.ClearChargingProfileRequest) error
	GetConfiguration(ctx context.Context, stationID string, req ocpp.GetConfigurationRequest) (*ocpp.GetConfigurationResponse, error)
	DataTransfer(ctx context.Context, stationID string, req ocpp.DataTransferRequest) (*ocpp.DataTransferResponse, error)
}

type CertificateAuthority interface {
	VerifyCertificate(ctx context.Context, chain string, hashData *ocpp.OCSPRequestData) bool
	SignCertificate(csrPEM string, ca *certs.CAConfig) (string, error)
	QueryOCSP(ctx context.Context, hashData ocpp.OCSPRequestData) certs.OCSPResult
	ExtractCertificateHashData(chain string) (*certs.HashData, error)
	CA() (*certs.CAConfig, error)
}

type CertificateRegistry interface {
	FindByNormalizedChain(ctx context.Context, chain string) (*models.Certificate, error)
	Install(ctx context.Context, chain, certificateType, chargingStationID string) (*models.Certificate, error)
}

// PricePhase tells the pricing engine where in the session it is called from.
type PricePhase string

const (
	PricePhaseStart  PricePhase = "start"
	PricePhaseUpdate PricePhase = "update"
	PricePhaseStop   PricePhase = "stop"
)

// PricingEngine prices one consumption and updates the transaction's running
// amount.
type PricingEngine interface {
	Price(ctx context.Context, phase PricePhase, tx *models.Transaction, c *models.Consumption) error
}

type BillingEngine interface {
	StartSession(ctx context.Context, tx *models.Transaction) error
	UpdateSession(ctx context.Context, tx *models.Transaction, c *models.Consumption) error
	StopSession(ctx context.Context, tx *models.Transaction) error
	EndSession(ctx context.Context, tx *models.Transaction) error
}

// SmartChargingTrigger recomputes the site area of a station in the background.
type SmartChargingTrigger interface {
	Trigger(stationID, siteAreaID string)
}

// TaskScheduler is satisfied by deferred.Scheduler.
type TaskScheduler interface {
	Schedule(stationID, name string, delay time.Duration, fn deferred.Task)
	Go(stationID, name string, fn deferred.Task)
	Cancel(stationID string) int
}
