package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SiteAreasRepo struct{ db *pgxpool.Pool }

func NewSiteAreasRepo(db *pgxpool.Pool) *SiteAreasRepo { return &SiteAreasRepo{db: db} }

func (r *SiteAreasRepo) Create(ctx context.Context, name string, maxAmps float64) (string, error) {
	row := r.db.QueryRow(ctx, `
		insert into site_areas (name, max_amps) values ($1,$2)
		on conflict (name) do update set max_amps=excluded.max_amps
		returning site_area_id
	`, name, maxAmps)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *SiteAreasRepo) Get(ctx context.Context, id string) (*models.SiteArea, error) {
	return r.one(ctx, `select site_area_id, name, max_amps, created_at from site_areas where site_area_id=$1`, id)
}

func (r *SiteAreasRepo) GetByName(ctx context.Context, name string) (*models.SiteArea, error) {
	return r.one(ctx, `select site_area_id, name, max_amps, created_at from site_areas where name=$1`, name)
}

func (r *SiteAreasRepo) one(ctx context.Context, sql string, arg string) (*models.SiteArea, error) {
	var s models.SiteArea
	if err := r.db.QueryRow(ctx, sql, arg).Scan(&s.SiteAreaID, &s.Name, &s.MaxAmps, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}
