package repo

import (
	"context"
	"encoding/json"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TariffsRepo struct{ db *pgxpool.Pool }

func NewTariffsRepo(db *pgxpool.Pool) *TariffsRepo { return &TariffsRepo{db: db} }

func (r *TariffsRepo) UpsertActiveForSiteArea(ctx context.Context, siteAreaID string, pricePerKwh float64, currency string, windows []models.PriceWindow) (string, error) {
	if windows == nil {
		windows = []models.PriceWindow{}
	}
	doc, err := json.Marshal(windows)
	if err != nil {
		return "", err
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	// Deactivate previous active tariffs for the site area, then insert a new active tariff
	if _, err := tx.Exec(ctx, `update tariffs set is_active=false, updated_at=now() where site_area_id=$1 and is_active=true`, siteAreaID); err != nil {
		return "", err
	}
	row := tx.QueryRow(ctx, `
		insert into tariffs (site_area_id, price_per_kwh, currency, windows, is_active)
		values ($1,$2,$3,$4,true)
		returning tariff_id
	`, siteAreaID, pricePerKwh, currency, doc)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, tx.Commit(ctx)
}

func (r *TariffsRepo) GetActiveForSiteArea(ctx context.Context, siteAreaID string) (*models.Tariff, error) {
	row := r.db.QueryRow(ctx, `
		select tariff_id, site_area_id, price_per_kwh::float8, currency, windows, is_active, created_at, updated_at
		from tariffs
		where site_area_id=$1 and is_active=true
		order by created_at desc
		limit 1
	`, siteAreaID)
	var t models.Tariff
	var windows []byte
	if err := row.Scan(&t.TariffID, &t.SiteAreaID, &t.PricePerKwh, &t.Currency, &windows, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(windows, &t.Windows); err != nil {
		return nil, err
	}
	return &t, nil
}
