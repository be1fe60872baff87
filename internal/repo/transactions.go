package repo

import (
	"context"
	"encoding/json"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionsRepo stores each transaction as a JSON document next to the
// columns used for lookups. stopped_at is null while the transaction is active;
// the conditional updates below rely on it.
type TransactionsRepo struct{ db *pgxpool.Pool }

func NewTransactionsRepo(db *pgxpool.Pool) *TransactionsRepo { return &TransactionsRepo{db: db} }

func (r *TransactionsRepo) AllocateID(ctx context.Context) (int, error) {
	var id int
	if err := r.db.QueryRow(ctx, `select nextval('transaction_id_seq')::integer`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *TransactionsRepo) Create(ctx context.Context, t *models.Transaction) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		insert into transactions (id, charging_station_id, connector_id, started_at, doc)
		values ($1,$2,$3,$4,$5)
	`, t.ID, t.ChargingStationID, t.ConnectorID, t.Timestamp, doc)
	return err
}

// Update rewrites an active transaction. It reports false when the
// transaction is missing or already stopped.
func (r *TransactionsRepo) Update(ctx context.Context, t *models.Transaction) (bool, error) {
	doc, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `
		update transactions set doc=$2, updated_at=now()
		where id=$1 and stopped_at is null
	`, t.ID, doc)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Stop stores t with its stop record. Only the first call for a transaction
// succeeds; later ones report false and leave the stored stop untouched.
func (r *TransactionsRepo) Stop(ctx context.Context, t *models.Transaction) (bool, error) {
	if t.Stop == nil {
		return false, errors.New("transaction has no stop record")
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `
		update transactions set doc=$2, stopped_at=$3, updated_at=now()
		where id=$1 and stopped_at is null
	`, t.ID, doc, t.Stop.Timestamp)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetExtraInactivity records the extra inactivity of a stopped transaction
// once. It reports false when it was already computed.
func (r *TransactionsRepo) SetExtraInactivity(ctx context.Context, id int, secs int, status models.InactivityStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		update transactions set
		  doc = jsonb_set(jsonb_set(jsonb_set(doc,
		          '{stop,extraInactivitySecs}', to_jsonb($2::integer)),
		          '{stop,extraInactivityComputed}', 'true'::jsonb),
		          '{stop,inactivityStatus}', to_jsonb($3::text)),
		  updated_at=now()
		where id=$1
		  and stopped_at is not null
		  and coalesce((doc->'stop'->>'extraInactivityComputed')::boolean, false) = false
	`, id, secs, string(status))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TransactionsRepo) Delete(ctx context.Context, id int) error {
	_, err := r.db.Exec(ctx, `delete from transactions where id=$1`, id)
	return err
}

func (r *TransactionsRepo) Get(ctx context.Context, id int) (*models.Transaction, error) {
	return r.one(ctx, `select doc from transactions where id=$1`, id)
}

func (r *TransactionsRepo) GetActive(ctx context.Context, stationID string, connectorID int) (*models.Transaction, error) {
	return r.one(ctx, `
		select doc from transactions
		where charging_station_id=$1 and connector_id=$2 and stopped_at is null
	`, stationID, connectorID)
}

func (r *TransactionsRepo) GetLastCompleted(ctx context.Context, stationID string, connectorID int) (*models.Transaction, error) {
	return r.one(ctx, `
		select doc from transactions
		where charging_station_id=$1 and connector_id=$2 and stopped_at is not null
		order by stopped_at desc
		limit 1
	`, stationID, connectorID)
}

func (r *TransactionsRepo) ListByStation(ctx context.Context, stationID string, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select doc from transactions where charging_station_id=$1
		order by started_at desc
		limit $2
	`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t models.Transaction
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *TransactionsRepo) one(ctx context.Context, sql string, args ...any) (*models.Transaction, error) {
	var doc []byte
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var t models.Transaction
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
