package repo

import (
	"context"
	"encoding/json"

	"csms/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

type ProfilesRepo struct{ db *pgxpool.Pool }

func NewProfilesRepo(db *pgxpool.Pool) *ProfilesRepo { return &ProfilesRepo{db: db} }

func (r *ProfilesRepo) Save(ctx context.Context, p *models.ChargingProfile) error {
	doc, err := json.Marshal(p.Profile)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		insert into charging_profiles (charging_station_id, charging_profile_id, connector_id, transaction_id, profile)
		values ($1,$2,$3,$4,$5)
		on conflict (charging_station_id, charging_profile_id) do update set
		  connector_id=excluded.connector_id,
		  transaction_id=excluded.transaction_id,
		  profile=excluded.profile
	`, p.ChargingStationID, p.Profile.ChargingProfileId, p.ConnectorID, p.TransactionID, doc)
	return err
}

func (r *ProfilesRepo) ListByStation(ctx context.Context, stationID string) ([]*models.ChargingProfile, error) {
	return r.list(ctx, `
		select charging_station_id, connector_id, transaction_id, profile, created_at
		from charging_profiles where charging_station_id=$1
		order by charging_profile_id
	`, stationID)
}

// DeleteByTransaction removes the TX profiles of a transaction and returns them.
func (r *ProfilesRepo) DeleteByTransaction(ctx context.Context, stationID string, transactionID int) ([]*models.ChargingProfile, error) {
	return r.list(ctx, `
		delete from charging_profiles
		where charging_station_id=$1 and transaction_id=$2
		returning charging_station_id, connector_id, transaction_id, profile, created_at
	`, stationID, transactionID)
}

func (r *ProfilesRepo) list(ctx context.Context, sql string, args ...any) ([]*models.ChargingProfile, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ChargingProfile
	for rows.Next() {
		var p models.ChargingProfile
		var doc []byte
		if err := rows.Scan(&p.ChargingStationID, &p.ConnectorID, &p.TransactionID, &doc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Profile = &types.ChargingProfile{}
		if err := json.Unmarshal(doc, p.Profile); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
