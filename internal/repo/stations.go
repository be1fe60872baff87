package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type StationsRepo struct{ db *pgxpool.Pool }

func NewStationsRepo(db *pgxpool.Pool) *StationsRepo { return &StationsRepo{db: db} }

// Save upserts the station and replaces its live connectors. Connectors
// missing from st.Connectors are removed; they live on in the backup list.
func (r *StationsRepo) Save(ctx context.Context, st *models.ChargingStation) error {
	backup, err := json.Marshal(nonNil(st.BackupConnectors))
	if err != nil {
		return err
	}
	params := st.OcppParameters
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		insert into charging_stations (id, secret_hash, is_active, site_area_id, vendor, model, serial_number, firmware_version, ocpp_version,
		                               backup_connectors, ocpp_parameters, registered_at, last_seen_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13)
		on conflict (id) do update set
		  is_active=excluded.is_active,
		  site_area_id=coalesce(excluded.site_area_id, charging_stations.site_area_id),
		  vendor=excluded.vendor,
		  model=excluded.model,
		  serial_number=excluded.serial_number,
		  firmware_version=excluded.firmware_version,
		  ocpp_version=excluded.ocpp_version,
		  backup_connectors=excluded.backup_connectors,
		  ocpp_parameters=excluded.ocpp_parameters,
		  registered_at=coalesce(excluded.registered_at, charging_stations.registered_at),
		  last_seen_at=coalesce(excluded.last_seen_at, charging_stations.last_seen_at),
		  updated_at=now()
	`, st.ID, st.SecretHash, st.IsActive, st.SiteAreaID, st.Vendor, st.Model, st.SerialNumber, st.FirmwareVersion, st.OcppVersion,
		backup, paramsJSON, st.RegisteredAt, st.LastSeenAt)
	if err != nil {
		return err
	}

	ids := make([]int32, 0, len(st.Connectors))
	for _, c := range st.Connectors {
		ids = append(ids, int32(c.ConnectorID))
	}
	if _, err := tx.Exec(ctx, `delete from connectors where charging_station_id=$1 and not (connector_id = any($2))`, st.ID, ids); err != nil {
		return err
	}
	for _, c := range st.Connectors {
		c.ChargingStationID = st.ID
		if err := upsertConnector(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *StationsRepo) Get(ctx context.Context, id string) (*models.ChargingStation, error) {
	row := r.db.QueryRow(ctx, `
		select id, secret_hash, is_active, coalesce(site_area_id,''), vendor, model, serial_number, firmware_version, ocpp_version,
		       backup_connectors, ocpp_parameters, registered_at, last_seen_at, created_at, updated_at
		from charging_stations where id=$1
	`, id)

	var st models.ChargingStation
	var backup, params []byte
	if err := row.Scan(&st.ID, &st.SecretHash, &st.IsActive, &st.SiteAreaID, &st.Vendor, &st.Model, &st.SerialNumber, &st.FirmwareVersion, &st.OcppVersion,
		&backup, &params, &st.RegisteredAt, &st.LastSeenAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(backup, &st.BackupConnectors); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &st.OcppParameters); err != nil {
		return nil, err
	}
	connectors, err := r.ListConnectors(ctx, id)
	if err != nil {
		return nil, err
	}
	st.Connectors = connectors
	return &st, nil
}

func (r *StationsRepo) ListBySiteArea(ctx context.Context, siteAreaID string) ([]*models.ChargingStation, error) {
	rows, err := r.db.Query(ctx, `select id from charging_stations where site_area_id=$1 and is_active order by id`, siteAreaID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]*models.ChargingStation, 0, len(ids))
	for _, id := range ids {
		st, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if st != nil {
			out = append(out, st)
		}
	}
	return out, nil
}

func (r *StationsRepo) TouchLastSeen(ctx context.Context, id string, t time.Time) error {
	_, err := r.db.Exec(ctx, `update charging_stations set last_seen_at=$2, updated_at=now() where id=$1`, id, t)
	return err
}

// UpdateOcppParameters writes the configuration keys alone so concurrent
// connector updates are left untouched.
func (r *StationsRepo) UpdateOcppParameters(ctx context.Context, id string, params map[string]string) error {
	if params == nil {
		params = map[string]string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `update charging_stations set ocpp_parameters=$2, updated_at=now() where id=$1`, id, raw)
	return err
}

func (r *StationsRepo) GetSecretHash(ctx context.Context, id string) (string, bool, error) {
	var hash string
	var active bool
	err := r.db.QueryRow(ctx, `select secret_hash, is_active from charging_stations where id=$1`, id).Scan(&hash, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return hash, active, nil
}

// Provision creates or updates the operator owned fields of a station.
func (r *StationsRepo) Provision(ctx context.Context, id, secretHash, siteAreaID string, active bool) error {
	_, err := r.db.Exec(ctx, `
		insert into charging_stations (id, secret_hash, is_active, site_area_id)
		values ($1,$2,$3,nullif($4,''))
		on conflict (id) do update set
		  secret_hash=excluded.secret_hash,
		  is_active=excluded.is_active,
		  site_area_id=excluded.site_area_id,
		  updated_at=now()
	`, id, secretHash, active, siteAreaID)
	return err
}

func nonNil(c []*models.Connector) []*models.Connector {
	if c == nil {
		return []*models.Connector{}
	}
	return c
}
