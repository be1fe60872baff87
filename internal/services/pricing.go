package services

import (
	"context"
	"math"

	"csms/internal/models"
)

type TariffSource interface {
	GetActiveForSiteArea(ctx context.Context, siteAreaID string) (*models.Tariff, error)
}

// TariffPricing prices consumptions per kWh with the active tariff of the
// transaction's site area, honoring its time windows:
// amount = (consumption_wh/1000) * price_per_kwh at the end of the interval.
// Transactions outside a site area or without tariff stay unpriced.
type TariffPricing struct {
	Tariffs TariffSource
}

func NewTariffPricing(tariffs TariffSource) *TariffPricing {
	return &TariffPricing{Tariffs: tariffs}
}

func (p *TariffPricing) Price(ctx context.Context, phase PricePhase, tx *models.Transaction, c *models.Consumption) error {
	if tx.SiteAreaID == "" {
		return nil
	}
	tariff, err := p.Tariffs.GetActiveForSiteArea(ctx, tx.SiteAreaID)
	if err != nil || tariff == nil {
		return err
	}
	tx.PriceUnit = tariff.Currency
	if c == nil {
		return nil
	}
	kwh := c.ConsumptionWh / 1000.0
	c.Amount = round(kwh*tariff.PriceAt(c.EndedAt), 4)
	tx.CurrentCumulatedPrice = round(tx.CurrentCumulatedPrice+c.Amount, 4)
	c.CumulatedAmount = tx.CurrentCumulatedPrice
	c.Currency = tariff.Currency
	return nil
}

func round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
