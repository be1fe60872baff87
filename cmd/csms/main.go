package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"csms/internal/certs"
	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/deferred"
	"csms/internal/gatewayclient"
	"csms/internal/httpapi"
	"csms/internal/lock"
	"csms/internal/logging"
	"csms/internal/notify"
	"csms/internal/repo"
	"csms/internal/services"
	"csms/internal/smartcharging"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	housekeepingInterval = time.Hour
	eventRetentionDays   = 30
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "csms")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("csms stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	d, err := db.Connect(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer d.Close()
	if err := d.Migrate(connectCtx); err != nil {
		return err
	}

	stations := repo.NewStationsRepo(d.Pool)
	transactions := repo.NewTransactionsRepo(d.Pool)
	consumptions := repo.NewConsumptionsRepo(d.Pool)
	directory := repo.NewDirectoryRepo(d.Pool)
	emaids := repo.NewEmaidsRepo(d.Pool)
	profiles := repo.NewProfilesRepo(d.Pool)
	certificates := repo.NewCertificatesRepo(d.Pool)
	siteAreas := repo.NewSiteAreasRepo(d.Pool)
	tariffs := repo.NewTariffsRepo(d.Pool)
	settlements := repo.NewSettlementsRepo(d.Pool)
	commands := repo.NewCommandsRepo(d.Pool)
	events := repo.NewEventsRepo(d.Pool)

	locks, closeLocks, err := newLockManager(cfg, d.Pool)
	if err != nil {
		return err
	}
	defer closeLocks()

	sink, closeSink := newNotifier(cfg, logger)
	defer closeSink()

	authority, err := newAuthority(cfg, logger)
	if err != nil {
		return err
	}
	registry := certs.NewRegistry(certificates, authority, logger)

	gw := gatewayclient.New(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayCommandTimeout, commands, logger)

	tasks := deferred.New(logger)
	defer tasks.Close()

	smart := smartcharging.New(smartcharging.Deps{
		Strategy: smartcharging.NewTariffStrategy(stations, tariffs, profiles, cfg.SmartChargingHorizon, cfg.DefaultConnectorAmps),
		Sites:    siteAreas,
		Profiles: profiles,
		Client:   gw,
		Locks:    locks,
		Notifier: sink,
		Tasks:    tasks,
	}, logger)

	deps := services.Deps{
		Stations:      stations,
		Transactions:  transactions,
		Consumptions:  consumptions,
		Users:         directory,
		Emaids:        emaids,
		Profiles:      profiles,
		Commands:      gw,
		Authority:     authority,
		Registry:      registry,
		Pricing:       services.NewTariffPricing(tariffs),
		Billing:       services.NewSettlementBilling(settlements, logger),
		Notifier:      sink,
		SmartCharging: smart,
		Tasks:         tasks,
	}
	opts := services.Options{
		HeartbeatInterval:               cfg.HeartbeatInterval,
		PostBootDelay:                   cfg.PostBootDelay,
		EndOfChargeNotificationInterval: cfg.EndOfChargeNotificationInterval,
	}
	stationSvc := services.NewStations(deps, opts, logger)
	txSvc := services.NewTransactions(deps, opts, logger)
	connectorSvc := services.NewConnectorTracker(deps, opts, txSvc, logger)
	pnc := services.NewPlugAndCharge(deps, logger)
	dataTransfers := services.NewDataTransfers(deps, opts, pnc, logger)
	dispatcher := services.NewDispatcher(events, stationSvc, connectorSvc, txSvc, dataTransfers, cfg.MaxEventSkew, logger)

	srv := httpapi.NewServer(cfg, logger)
	srv.Stations = stations
	srv.Transactions = transactions
	srv.Commands = commands
	srv.SiteAreas = siteAreas
	srv.Tariffs = tariffs
	srv.Settlements = settlements
	srv.Gateway = gw
	srv.Dispatcher = dispatcher
	srv.RemoteStop = txSvc
	srv.Smart = smart

	go housekeeping(ctx, events, certificates, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("csms listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	logger.Info("csms shutdown complete")
	return nil
}

func newLockManager(cfg config.Config, pool *pgxpool.Pool) (lock.Manager, func(), error) {
	switch cfg.LockBackend {
	case "redis":
		client := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		return lock.NewRedis(client, cfg.LockTTL), func() { _ = client.Close() }, nil
	case "memory":
		return lock.NewMemory(), func() {}, nil
	default:
		return lock.NewPostgres(pool), func() {}, nil
	}
}

func newNotifier(cfg config.Config, logger *zap.Logger) (notify.Sink, func()) {
	if cfg.MQTTBroker == "" {
		return notify.NewLogSink(logger), func() {}
	}
	client, err := notify.NewMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID)
	if err != nil {
		logger.Warn("mqtt unavailable, notifications go to the log only", zap.Error(err))
		return notify.NewLogSink(logger), func() {}
	}
	return notify.NewMQTTSink(client, cfg.MQTTTopic, logger), func() { client.Disconnect(250) }
}

// newAuthority loads the CA from CADir. Without one a throwaway hierarchy is
// generated on first use.
func newAuthority(cfg config.Config, logger *zap.Logger) (*certs.Authority, error) {
	var ca *certs.CAConfig
	if cfg.CADir != "" {
		var err error
		ca, err = certs.LoadCAConfig(cfg.CADir)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA from %s: %w", cfg.CADir, err)
		}
	} else {
		logger.Warn("no CA directory configured, using a generated CA")
	}
	return certs.NewAuthority(logger, ca,
		certs.WithOCSPTimeout(cfg.OCSPTimeout),
		certs.WithOCSPCacheTTL(cfg.OCSPCacheTTL),
	), nil
}

type eventPruner interface {
	Prune(ctx context.Context, olderThanDays int) (int64, error)
}

type certificateExpirer interface {
	ExpireOutdated(ctx context.Context) (int64, error)
}

func housekeeping(ctx context.Context, events eventPruner, certificates certificateExpirer, logger *zap.Logger) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := events.Prune(ctx, eventRetentionDays); err != nil {
			logger.Warn("failed to prune events", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned events", zap.Int64("count", n))
		}
		if n, err := certificates.ExpireOutdated(ctx); err != nil {
			logger.Warn("failed to expire certificates", zap.Error(err))
		} else if n > 0 {
			logger.Info("expired certificates", zap.Int64("count", n))
		}
	}
}
