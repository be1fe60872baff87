package services

import (
	"context"
	"time"

	"csms/internal/deferred"
	"csms/internal/models"
	"csms/internal/notify"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// Deps are the collaborators shared by the OCPP services. Pricing, Billing,
// Notifier, SmartCharging and Tasks are optional.
type Deps struct {
	Stations      StationRepository
	Transactions  TransactionRepository
	Consumptions  ConsumptionRepository
	Users         UserDirectory
	Emaids        EmaidDirectory
	Profiles      ChargingProfileRepository
	Commands      ChargePointCommandClient
	Authority     CertificateAuthority
	Registry      CertificateRegistry
	Pricing       PricingEngine
	Billing       BillingEngine
	Notifier      notify.Sink
	SmartCharging SmartChargingTrigger
	Tasks         TaskScheduler
}

type Options struct {
	HeartbeatInterval time.Duration
	PostBootDelay     time.Duration
	// EndOfChargeNotificationInterval is the inactivity classification unit.
	EndOfChargeNotificationInterval time.Duration
	// IsAdmin decides whether a user may start on any private connector.
	IsAdmin func(u *models.User) bool
	Now     func() time.Time
}

const adminRole = "A"

// AdminRole is the default IsAdmin policy.
func AdminRole(u *models.User) bool { return u != nil && u.Role == adminRole }

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 60 * time.Second
	}
	if o.EndOfChargeNotificationInterval <= 0 {
		o.EndOfChargeNotificationInterval = time.Hour
	}
	if o.IsAdmin == nil {
		o.IsAdmin = AdminRole
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func (d Deps) withDefaults() Deps {
	if d.Pricing == nil {
		d.Pricing = noopPricing{}
	}
	if d.Billing == nil {
		d.Billing = noopBilling{}
	}
	if d.Notifier == nil {
		d.Notifier = noopSink{}
	}
	if d.SmartCharging == nil {
		d.SmartCharging = noopTrigger{}
	}
	if d.Tasks == nil {
		d.Tasks = inlineTasks{}
	}
	return d
}

type noopPricing struct{}

func (noopPricing) Price(context.Context, PricePhase, *models.Transaction, *models.Consumption) error {
	return nil
}

type noopBilling struct{}

func (noopBilling) StartSession(context.Context, *models.Transaction) error { return nil }
func (noopBilling) UpdateSession(context.Context, *models.Transaction, *models.Consumption) error {
	return nil
}
func (noopBilling) StopSession(context.Context, *models.Transaction) error { return nil }
func (noopBilling) EndSession(context.Context, *models.Transaction) error  { return nil }

type noopSink struct{}

func (noopSink) Notify(context.Context, notify.Notification) {}

type noopTrigger struct{}

func (noopTrigger) Trigger(string, string) {}

// inlineTasks runs everything on the caller's goroutine and drops delayed work.
type inlineTasks struct{}

func (inlineTasks) Schedule(string, string, time.Duration, deferred.Task) {}
func (inlineTasks) Go(_ string, _ string, fn deferred.Task)            { fn(context.Background()) }
func (inlineTasks) Cancel(string) int                                   { return 0 }

// stationTime returns the station supplied timestamp or now.
func stationTime(dt *types.DateTime, now time.Time) time.Time {
	if dt == nil || dt.IsZero() {
		return now
	}
	return dt.UTC()
}

func loadStation(ctx context.Context, repo StationRepository, id string) (*models.ChargingStation, error) {
	st, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrStationNotFound
	}
	return st, nil
}
