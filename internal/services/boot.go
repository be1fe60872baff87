package services

import (
	"context"
	"errors"
	"fmt"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"go.uber.org/zap"
)

// Stations handles the station level messages: boot, heartbeat and the
// background work that follows an accepted boot.
type Stations struct {
	d      Deps
	opts   Options
	logger *zap.Logger
}

func NewStations(d Deps, opts Options, logger *zap.Logger) *Stations {
	return &Stations{d: d.withDefaults(), opts: opts.withDefaults(), logger: logger.Named("stations")}
}

func (s *Stations) Boot(ctx context.Context, stationID string, req ocpp.BootNotificationRequest) (*ocpp.BootNotificationResponse, error) {
	now := s.opts.Now()
	resp := &ocpp.BootNotificationResponse{
		CurrentTime: types.NewDateTime(now),
		Interval:    int(s.opts.HeartbeatInterval.Seconds()),
		Status:      core.RegistrationStatusRejected,
	}
	log := s.logger.With(zap.String("charge_point_id", stationID))

	st, err := s.d.Stations.Get(ctx, stationID)
	if err != nil {
		return resp, fmt.Errorf("failed to load station: %w", err)
	}
	if st == nil {
		st = &models.ChargingStation{ID: stationID, OcppVersion: "1.6J", CreatedAt: now}
		log.Info("new charging station registered", zap.String("vendor", req.ChargePointVendor), zap.String("model", req.ChargePointModel))
	}
	st.Vendor = req.ChargePointVendor
	st.Model = req.ChargePointModel
	st.SerialNumber = req.ChargePointSerialNumber
	if st.SerialNumber == "" {
		st.SerialNumber = req.ChargeBoxSerialNumber
	}
	st.FirmwareVersion = req.FirmwareVersion
	st.RegisteredAt = &now
	st.LastSeenAt = &now
	backupConnectors(st)
	if err := s.d.Stations.Save(ctx, st); err != nil {
		return resp, fmt.Errorf("failed to save station: %w", err)
	}

	// The station's transport needs a moment before it takes secondary requests.
	s.d.Tasks.Schedule(stationID, "install-certificates", s.opts.PostBootDelay, func(ctx context.Context) {
		if err := s.InstallCertificates(ctx, stationID); err != nil {
			log.Warn("post-boot certificate installation failed", zap.Error(err))
		}
	})
	s.d.Tasks.Schedule(stationID, "refresh-ocpp-parameters", s.opts.PostBootDelay, func(ctx context.Context) {
		if err := s.RefreshParameters(ctx, stationID); err != nil {
			log.Warn("OCPP parameter refresh failed", zap.Error(err))
		}
	})

	resp.Status = core.RegistrationStatusAccepted
	log.Info("boot notification accepted",
		zap.String("vendor", st.Vendor),
		zap.String("model", st.Model),
		zap.String("firmware_version", st.FirmwareVersion),
	)
	return resp, nil
}

// backupConnectors refreshes the backup snapshot from the live connectors.
// Live connectors are never removed; a later StatusNotification updates them.
func backupConnectors(st *models.ChargingStation) {
	for _, c := range st.Connectors {
		cp := *c
		if b := st.BackupConnector(c.ConnectorID); b != nil {
			*b = cp
			continue
		}
		st.BackupConnectors = append(st.BackupConnectors, &cp)
	}
}

func (s *Stations) Heartbeat(ctx context.Context, stationID string) (*ocpp.HeartbeatResponse, error) {
	now := s.opts.Now()
	resp := &ocpp.HeartbeatResponse{CurrentTime: types.NewDateTime(now)}
	if err := s.d.Stations.TouchLastSeen(ctx, stationID, now); err != nil {
		return resp, fmt.Errorf("failed to touch station: %w", err)
	}
	return resp, nil
}

// Disconnect drops the pending background work of a station.
func (s *Stations) Disconnect(stationID string) {
	n := s.d.Tasks.Cancel(stationID)
	s.logger.Info("station disconnected", zap.String("charge_point_id", stationID), zap.Int("canceled_tasks", n))
}

// InstallCertificates pushes the central system root to the station unless
// the station already reports it.
func (s *Stations) InstallCertificates(ctx context.Context, stationID string) error {
	if s.d.Authority == nil {
		return nil
	}
	ca, err := s.d.Authority.CA()
	if err != nil {
		return fmt.Errorf("failed to load CA: %w", err)
	}
	root := ca.RootPEM()
	rootHash, err := s.d.Authority.ExtractCertificateHashData(root)
	if err != nil {
		return fmt.Errorf("failed to hash CA root: %w", err)
	}

	var installed ocpp.GetInstalledCertificateIdsResponse
	err = s.dataTransfer(ctx, stationID, &ocpp.GetInstalledCertificateIdsRequest{
		CertificateType: []string{ocpp.CertificateTypeCSMSRoot},
	}, &installed)
	if err != nil {
		return err
	}
	for _, chain := range installed.CertificateHashDataChain {
		h := chain.CertificateHashData
		if h.SerialNumber == rootHash.SerialNumber && h.IssuerNameHash == rootHash.IssuerNameHash {
			s.logger.Debug("CA root already installed", zap.String("charge_point_id", stationID))
			return nil
		}
	}

	var result ocpp.GenericStatusResponse
	err = s.dataTransfer(ctx, stationID, &ocpp.InstallCertificateRequest{
		CertificateType: ocpp.CertificateTypeCSMSRoot,
		Certificate:     root,
	}, &result)
	if err != nil {
		return err
	}
	if result.Status != ocpp.StatusAccepted {
		return fmt.Errorf("%w: InstallCertificate %s", ocpp.ErrCommandRejected, result.Status)
	}
	if _, err := s.d.Registry.Install(ctx, root, ocpp.CertificateTypeCSMSRoot, stationID); err != nil {
		return fmt.Errorf("failed to record installed certificate: %w", err)
	}
	s.logger.Info("CA root installed on station", zap.String("charge_point_id", stationID))
	return nil
}

func (s *Stations) dataTransfer(ctx context.Context, stationID string, p ocpp.Payload, out any) error {
	req, err := ocpp.EncodeDataTransfer(p)
	if err != nil {
		return err
	}
	resp, err := s.d.Commands.DataTransfer(ctx, stationID, req)
	if err != nil {
		if errors.Is(err, ocpp.ErrStationNotConnected) {
			return fmt.Errorf("cannot send %s: %w", p.MessageID(), err)
		}
		return fmt.Errorf("%s failed: %w", p.MessageID(), err)
	}
	return ocpp.DecodeDataTransferResponse(resp, out)
}

// RefreshParameters stores the station's current configuration keys.
func (s *Stations) RefreshParameters(ctx context.Context, stationID string) error {
	resp, err := s.d.Commands.GetConfiguration(ctx, stationID, ocpp.GetConfigurationRequest{})
	if err != nil {
		return fmt.Errorf("failed to get configuration: %w", err)
	}
	if _, err := loadStation(ctx, s.d.Stations, stationID); err != nil {
		return err
	}
	params := make(map[string]string, len(resp.ConfigurationKey))
	for _, k := range resp.ConfigurationKey {
		if k.Value != nil {
			params[k.Key] = *k.Value
		}
	}
	if err := s.d.Stations.UpdateOcppParameters(ctx, stationID, params); err != nil {
		return fmt.Errorf("failed to save OCPP parameters: %w", err)
	}
	s.logger.Info("OCPP parameters refreshed", zap.String("charge_point_id", stationID), zap.Int("keys", len(params)))
	return nil
}
