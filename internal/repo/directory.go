package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DirectoryRepo resolves the authorizing parties: RFID tags, their users and
// the eMAIDs used by Plug & Charge.
type DirectoryRepo struct{ db *pgxpool.Pool }

func NewDirectoryRepo(db *pgxpool.Pool) *DirectoryRepo { return &DirectoryRepo{db: db} }

func (r *DirectoryRepo) GetTag(ctx context.Context, id string) (*models.Tag, error) {
	var t models.Tag
	err := r.db.QueryRow(ctx, `select id, user_id, active from tags where id=$1`, id).Scan(&t.ID, &t.UserID, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *DirectoryRepo) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.db.QueryRow(ctx, `select id, role, active from users where id=$1`, id).Scan(&u.ID, &u.Role, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (r *DirectoryRepo) UpsertUser(ctx context.Context, u models.User) error {
	_, err := r.db.Exec(ctx, `
		insert into users (id, role, active) values ($1,$2,$3)
		on conflict (id) do update set role=excluded.role, active=excluded.active
	`, u.ID, u.Role, u.Active)
	return err
}

func (r *DirectoryRepo) UpsertTag(ctx context.Context, t models.Tag) error {
	_, err := r.db.Exec(ctx, `
		insert into tags (id, user_id, active) values ($1,$2,$3)
		on conflict (id) do update set user_id=excluded.user_id, active=excluded.active
	`, t.ID, t.UserID, t.Active)
	return err
}

type EmaidsRepo struct{ db *pgxpool.Pool }

func NewEmaidsRepo(db *pgxpool.Pool) *EmaidsRepo { return &EmaidsRepo{db: db} }

func (r *EmaidsRepo) Get(ctx context.Context, id string) (*models.Emaid, error) {
	var e models.Emaid
	err := r.db.QueryRow(ctx, `select id, user_id, active, created_at from emaids where id=$1`, id).Scan(&e.ID, &e.UserID, &e.Active, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (r *EmaidsRepo) Upsert(ctx context.Context, e models.Emaid) error {
	_, err := r.db.Exec(ctx, `
		insert into emaids (id, user_id, active) values ($1,$2,$3)
		on conflict (id) do update set user_id=excluded.user_id, active=excluded.active
	`, e.ID, e.UserID, e.Active)
	return err
}
