package certs

import (
	"context"
	"fmt"
	"time"

	"csms/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CertificateRepository persists installed certificates. Lookups return
// (nil, nil) or ("", nil) when nothing matches.
type CertificateRepository interface {
	Save(ctx context.Context, cert *models.Certificate) error
	Get(ctx context.Context, id string) (*models.Certificate, error)
	FindActiveByHash(ctx context.Context, issuerNameHash, issuerKeyHash string) (*models.Certificate, error)
	FindIDBySerialNumber(ctx context.Context, serialNumber string) (string, error)
	UpdateStatus(ctx context.Context, id string, status models.CertificateStatus) error
	Delete(ctx context.Context, id string) error
}

type hashExtractor interface {
	ExtractCertificateHashData(chain string) (*HashData, error)
}

type Registry struct {
	repo      CertificateRepository
	authority hashExtractor
	logger    *zap.Logger
}

func NewRegistry(repo CertificateRepository, authority hashExtractor, logger *zap.Logger) *Registry {
	return &Registry{repo: repo, authority: authority, logger: logger.Named("registry")}
}

// FindByNormalizedChain returns the active certificate whose leaf matches the
// chain, independent of PEM formatting.
func (r *Registry) FindByNormalizedChain(ctx context.Context, chain string) (*models.Certificate, error) {
	hashData, err := r.authority.ExtractCertificateHashData(chain)
	if err != nil {
		return nil, err
	}
	return r.repo.FindActiveByHash(ctx, hashData.IssuerNameHash, hashData.IssuerKeyHash)
}

func (r *Registry) FindBySerialNumber(ctx context.Context, serialNumber string) (string, error) {
	return r.repo.FindIDBySerialNumber(ctx, serialNumber)
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Certificate, error) {
	return r.repo.Get(ctx, id)
}

// Install records a chain installed on (or issued for) a station.
func (r *Registry) Install(ctx context.Context, chain, certificateType, chargingStationID string) (*models.Certificate, error) {
	hashData, err := r.authority.ExtractCertificateHashData(chain)
	if err != nil {
		return nil, err
	}
	certs, err := ParseChain(hashData.CertificateChain)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cert := &models.Certificate{
		ID:                uuid.New().String(),
		CertificateChain:  hashData.CertificateChain,
		HashData:          hashData.CertificateHashData,
		CertificateType:   certificateType,
		Status:            models.CertificateStatusActive,
		ExpiresAt:         certs[0].NotAfter,
		ChargingStationID: chargingStationID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.repo.Save(ctx, cert); err != nil {
		return nil, fmt.Errorf("failed to store certificate: %w", err)
	}
	r.logger.Info("certificate installed",
		zap.String("certificate_id", cert.ID),
		zap.String("charge_point_id", chargingStationID),
		zap.String("serial_number", cert.HashData.SerialNumber),
	)
	return cert, nil
}

// Save upserts by id; the last writer wins.
func (r *Registry) Save(ctx context.Context, cert *models.Certificate) error {
	if cert.ID == "" {
		cert.ID = uuid.New().String()
	}
	cert.UpdatedAt = time.Now().UTC()
	return r.repo.Save(ctx, cert)
}

func (r *Registry) Revoke(ctx context.Context, id string) error {
	if err := r.repo.UpdateStatus(ctx, id, models.CertificateStatusRevoked); err != nil {
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}
	r.logger.Info("certificate revoked", zap.String("certificate_id", id))
	return nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.repo.Delete(ctx, id)
}
