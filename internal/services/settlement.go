package services

import (
	"context"

	"csms/internal/models"

	"go.uber.org/zap"
)

type SettlementStore interface {
	CreateForTransaction(ctx context.Context, transactionID int, siteAreaID string, amount float64, currency string) (string, error)
	MarkFinalized(ctx context.Context, transactionID int) error
}

// SettlementBilling creates a Pending settlement when a priced transaction
// stops and finalizes it once the extra inactivity is known.
type SettlementBilling struct {
	Settlements SettlementStore
	logger      *zap.Logger
}

func NewSettlementBilling(settlements SettlementStore, logger *zap.Logger) *SettlementBilling {
	return &SettlementBilling{Settlements: settlements, logger: logger.Named("billing")}
}

func (b *SettlementBilling) StartSession(_ context.Context, tx *models.Transaction) error {
	b.logger.Debug("billing session started", zap.Int("transaction_id", tx.ID))
	return nil
}

func (b *SettlementBilling) UpdateSession(context.Context, *models.Transaction, *models.Consumption) error {
	return nil
}

// StopSession is idempotent: 1 settlement per transaction.
func (b *SettlementBilling) StopSession(ctx context.Context, tx *models.Transaction) error {
	if tx.Stop == nil || tx.Stop.PriceUnit == "" {
		return nil
	}
	id, err := b.Settlements.CreateForTransaction(ctx, tx.ID, tx.SiteAreaID, tx.Stop.Price, tx.Stop.PriceUnit)
	if err != nil {
		return err
	}
	b.logger.Info("settlement created",
		zap.String("settlement_id", id),
		zap.Int("transaction_id", tx.ID),
		zap.Float64("amount", tx.Stop.Price),
		zap.String("currency", tx.Stop.PriceUnit),
	)
	return nil
}

func (b *SettlementBilling) EndSession(ctx context.Context, tx *models.Transaction) error {
	if tx.Stop == nil || tx.Stop.PriceUnit == "" {
		return nil
	}
	return b.Settlements.MarkFinalized(ctx, tx.ID)
}
