package repo

import (
	"context"

	"csms/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventsRepo journals every inbound gateway call before it is processed.
type EventsRepo struct{ db *pgxpool.Pool }

func NewEventsRepo(db *pgxpool.Pool) *EventsRepo { return &EventsRepo{db: db} }

func (r *EventsRepo) InsertRaw(ctx context.Context, e models.Event) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		insert into gateway_events (charge_point_id, action, message_id, received_at, payload)
		values ($1,$2,$3,$4,$5)
		returning event_id
	`, e.ChargePointID, e.Action, e.MessageID, e.ReceivedAt, e.Payload).Scan(&id)
	return id, err
}

// Prune drops journal entries older than the retention window.
func (r *EventsRepo) Prune(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := r.db.Exec(ctx, `delete from gateway_events where received_at < now() - make_interval(days => $1)`, olderThanDays)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
