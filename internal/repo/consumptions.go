package repo

import (
	"context"

	"csms/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ConsumptionsRepo struct{ db *pgxpool.Pool }

func NewConsumptionsRepo(db *pgxpool.Pool) *ConsumptionsRepo { return &ConsumptionsRepo{db: db} }

func (r *ConsumptionsRepo) Save(ctx context.Context, c *models.Consumption) error {
	_, err := r.db.Exec(ctx, `
		insert into consumptions (id, transaction_id, charging_station_id, connector_id, site_area_id, user_id, started_at, ended_at,
		                          consumption_wh, cumulated_consumption_wh, instant_watts, instant_amps, state_of_charge,
		                          total_inactivity_secs, amount, cumulated_amount, currency)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		on conflict (id) do nothing
	`, c.ID, c.TransactionID, c.ChargingStationID, c.ConnectorID, c.SiteAreaID, c.UserID, c.StartedAt, c.EndedAt,
		c.ConsumptionWh, c.CumulatedConsumptionWh, c.InstantWatts, c.InstantAmps, c.StateOfCharge,
		c.TotalInactivitySecs, c.Amount, c.CumulatedAmount, c.Currency)
	return err
}

// GetRecent returns the n latest consumptions of a transaction, newest first.
func (r *ConsumptionsRepo) GetRecent(ctx context.Context, transactionID int, n int) ([]*models.Consumption, error) {
	if n <= 0 {
		n = 1
	}
	rows, err := r.db.Query(ctx, `
		select id, transaction_id, charging_station_id, connector_id, site_area_id, user_id, started_at, ended_at,
		       consumption_wh, cumulated_consumption_wh, instant_watts, instant_amps, state_of_charge,
		       total_inactivity_secs, amount, cumulated_amount, currency
		from consumptions where transaction_id=$1
		order by ended_at desc
		limit $2
	`, transactionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Consumption
	for rows.Next() {
		var c models.Consumption
		if err := rows.Scan(&c.ID, &c.TransactionID, &c.ChargingStationID, &c.ConnectorID, &c.SiteAreaID, &c.UserID, &c.StartedAt, &c.EndedAt,
			&c.ConsumptionWh, &c.CumulatedConsumptionWh, &c.InstantWatts, &c.InstantAmps, &c.StateOfCharge,
			&c.TotalInactivitySecs, &c.Amount, &c.CumulatedAmount, &c.Currency); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
