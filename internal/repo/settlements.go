package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SettlementsRepo struct{ db *pgxpool.Pool }

func NewSettlementsRepo(db *pgxpool.Pool) *SettlementsRepo { return &SettlementsRepo{db: db} }

// CreateForTransaction is idempotent: one settlement per transaction.
func (r *SettlementsRepo) CreateForTransaction(ctx context.Context, transactionID int, siteAreaID string, amount float64, currency string) (string, error) {
	row := r.db.QueryRow(ctx, `
		insert into settlements (transaction_id, site_area_id, amount, currency, status)
		values ($1,$2,$3,$4,'Pending')
		on conflict (transaction_id) do update set updated_at=now()
		returning settlement_id
	`, transactionID, siteAreaID, amount, currency)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

const settlementColumns = `settlement_id, transaction_id, site_area_id, amount::float8, currency, status, error, created_at, updated_at`

func (r *SettlementsRepo) Get(ctx context.Context, settlementID string) (*models.Settlement, error) {
	return scanSettlement(r.db.QueryRow(ctx, `select `+settlementColumns+` from settlements where settlement_id=$1`, settlementID))
}

func (r *SettlementsRepo) GetByTransaction(ctx context.Context, transactionID int) (*models.Settlement, error) {
	return scanSettlement(r.db.QueryRow(ctx, `select `+settlementColumns+` from settlements where transaction_id=$1`, transactionID))
}

func (r *SettlementsRepo) List(ctx context.Context, status string, limit int) ([]models.Settlement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = r.db.Query(ctx, `select `+settlementColumns+` from settlements order by created_at desc limit $1`, limit)
	} else {
		rows, err = r.db.Query(ctx, `select `+settlementColumns+` from settlements where status=$1 order by created_at asc limit $2`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Settlement, 0, limit)
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SettlementsRepo) MarkFinalized(ctx context.Context, transactionID int) error {
	_, err := r.db.Exec(ctx, `
		update settlements set status='Finalized', updated_at=now()
		where transaction_id=$1 and status='Pending'
	`, transactionID)
	return err
}

func (r *SettlementsRepo) MarkFailed(ctx context.Context, settlementID string, errMsg string) error {
	_, err := r.db.Exec(ctx, `
		update settlements set status='Failed', error=$2, updated_at=now()
		where settlement_id=$1
	`, settlementID, errMsg)
	return err
}

func scanSettlement(row pgx.Row) (*models.Settlement, error) {
	var s models.Settlement
	if err := row.Scan(&s.SettlementID, &s.TransactionID, &s.SiteAreaID, &s.Amount, &s.Currency, &s.Status, &s.Error, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}
