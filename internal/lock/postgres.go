package lock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres holds session level advisory locks. The pooled connection that
// took the lock stays checked out until Release.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Acquire(ctx context.Context, key string) (*Handle, error) {
	conn, err := p.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres lock %s: %w", key, err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, ErrNotAcquired
	}
	return &Handle{Key: key, release: func(ctx context.Context) error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, `select pg_advisory_unlock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("postgres unlock %s: %w", key, err)
		}
		return nil
	}}, nil
}

func (p *Postgres) Release(ctx context.Context, h *Handle) error {
	return release(ctx, h)
}
