package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CommandsRepo is the audit trail of commands sent to stations.
type CommandsRepo struct{ db *pgxpool.Pool }

func NewCommandsRepo(db *pgxpool.Pool) *CommandsRepo { return &CommandsRepo{db: db} }

// Create inserts a queued command. A replayed idempotency key returns the
// existing command id.
func (r *CommandsRepo) Create(ctx context.Context, c models.Command) (string, error) {
	if c.Status == "" {
		c.Status = models.CommandStatusQueued
	}
	row := r.db.QueryRow(ctx, `
		insert into commands (charge_point_id, type, idempotency_key, payload, status)
		values ($1,$2,$3,$4,$5)
		on conflict (idempotency_key) do update set updated_at=now()
		returning command_id
	`, c.ChargePointID, c.Type, c.IdempotencyKey, c.PayloadJSON, c.Status)

	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

const commandColumns = `command_id, charge_point_id, type, idempotency_key, payload, status, response, error, created_at, updated_at`

func (r *CommandsRepo) GetByIdempotency(ctx context.Context, idem string) (*models.Command, error) {
	return scanCommand(r.db.QueryRow(ctx, `select `+commandColumns+` from commands where idempotency_key=$1`, idem))
}

func (r *CommandsRepo) ListByStation(ctx context.Context, stationID string, limit int) ([]models.Command, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select `+commandColumns+` from commands
		where charge_point_id=$1
		order by created_at desc
		limit $2
	`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Command, 0, limit)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CommandsRepo) MarkSent(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `update commands set status=$2, updated_at=now() where command_id=$1`, id, models.CommandStatusSent)
	return err
}

func (r *CommandsRepo) MarkAcked(ctx context.Context, id string, response []byte) error {
	_, err := r.db.Exec(ctx, `update commands set status=$2, response=$3, updated_at=now() where command_id=$1`, id, models.CommandStatusAcked, response)
	return err
}

func (r *CommandsRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := r.db.Exec(ctx, `update commands set status=$2, error=$3, updated_at=now() where command_id=$1`, id, models.CommandStatusFailed, errMsg)
	return err
}

func scanCommand(row pgx.Row) (*models.Command, error) {
	var c models.Command
	if err := row.Scan(&c.CommandID, &c.ChargePointID, &c.Type, &c.IdempotencyKey, &c.PayloadJSON, &c.Status, &c.ResponseJSON, &c.Error, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
