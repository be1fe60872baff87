package repo

import (
	"context"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
)

const connectorColumns = `charging_station_id, connector_id, status, error_code, info, vendor_error_code, status_last_changed_on,
	current_transaction_id, current_transaction_at, current_tag_id, current_user_id, current_instant_watts,
	current_state_of_charge, current_total_wh, current_inactivity_secs, amperage_limit, voltage, number_of_phases,
	is_private, owner_ids, certificate_ids`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertConnector(ctx context.Context, db execer, c *models.Connector) error {
	owners := c.OwnerIDs
	if owners == nil {
		owners = []string{}
	}
	certs := c.CertificateIDs
	if certs == nil {
		certs = []string{}
	}
	_, err := db.Exec(ctx, `
		insert into connectors (`+connectorColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		on conflict (charging_station_id, connector_id) do update set
		  status=excluded.status,
		  error_code=excluded.error_code,
		  info=excluded.info,
		  vendor_error_code=excluded.vendor_error_code,
		  status_last_changed_on=excluded.status_last_changed_on,
		  current_transaction_id=excluded.current_transaction_id,
		  current_transaction_at=excluded.current_transaction_at,
		  current_tag_id=excluded.current_tag_id,
		  current_user_id=excluded.current_user_id,
		  current_instant_watts=excluded.current_instant_watts,
		  current_state_of_charge=excluded.current_state_of_charge,
		  current_total_wh=excluded.current_total_wh,
		  current_inactivity_secs=excluded.current_inactivity_secs,
		  amperage_limit=excluded.amperage_limit,
		  voltage=excluded.voltage,
		  number_of_phases=excluded.number_of_phases,
		  is_private=excluded.is_private,
		  owner_ids=excluded.owner_ids,
		  certificate_ids=excluded.certificate_ids
	`, c.ChargingStationID, c.ConnectorID, string(c.Status), string(c.ErrorCode), c.Info, c.VendorErrorCode, c.StatusLastChangedOn,
		c.CurrentTransactionID, c.CurrentTransactionAt, c.CurrentTagID, c.CurrentUserID, c.CurrentInstantWatts,
		c.CurrentStateOfCharge, c.CurrentTotalWh, c.CurrentInactivitySec, c.AmperageLimit, c.Voltage, c.NumberOfPhases,
		c.IsPrivate, owners, certs)
	return err
}

// SaveConnector persists a single connector without touching the station row.
func (r *StationsRepo) SaveConnector(ctx context.Context, c *models.Connector) error {
	return upsertConnector(ctx, r.db, c)
}

func (r *StationsRepo) ListConnectors(ctx context.Context, stationID string) ([]*models.Connector, error) {
	rows, err := r.db.Query(ctx, `
		select `+connectorColumns+`
		from connectors where charging_station_id=$1
		order by connector_id asc
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConnector(row pgx.Row) (*models.Connector, error) {
	var c models.Connector
	var status, errorCode string
	if err := row.Scan(&c.ChargingStationID, &c.ConnectorID, &status, &errorCode, &c.Info, &c.VendorErrorCode, &c.StatusLastChangedOn,
		&c.CurrentTransactionID, &c.CurrentTransactionAt, &c.CurrentTagID, &c.CurrentUserID, &c.CurrentInstantWatts,
		&c.CurrentStateOfCharge, &c.CurrentTotalWh, &c.CurrentInactivitySec, &c.AmperageLimit, &c.Voltage, &c.NumberOfPhases,
		&c.IsPrivate, &c.OwnerIDs, &c.CertificateIDs); err != nil {
		return nil, err
	}
	c.Status = core.ChargePointStatus(status)
	c.ErrorCode = core.ChargePointErrorCode(errorCode)
	return &c, nil
}
