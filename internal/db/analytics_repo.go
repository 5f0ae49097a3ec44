package db

import (
	"context"
	"time"

	"bizjournal/internal/types"
)

// AnalyticsRepository appends to delivery_analytics. Rows are never updated.
type AnalyticsRepository struct {
	db DBTX
}

// NewAnalyticsRepository creates an AnalyticsRepository over db.
func NewAnalyticsRepository(db DBTX) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

func (r *AnalyticsRepository) Insert(ctx context.Context, e types.AnalyticsEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO delivery_analytics (user_id, job_id, job_type, outcome, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.UserID, e.JobID, e.JobType, e.Outcome, e.Detail, e.Timestamp,
	)
	if err != nil {
		return dbErr("failed to insert analytics event", err)
	}
	return nil
}

// ListBefore returns up to limit events older than cutoff in id order.
func (r *AnalyticsRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.StoredEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, job_id, job_type, outcome, detail, occurred_at
		 FROM delivery_analytics
		 WHERE occurred_at < $1
		 ORDER BY id
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, dbErr("failed to list analytics events", err)
	}
	defer rows.Close()

	var out []types.StoredEvent
	for rows.Next() {
		var (
			e                types.StoredEvent
			jobType, outcome string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.JobID, &jobType, &outcome, &e.Detail, &e.Timestamp); err != nil {
			return nil, dbErr("failed to scan analytics event", err)
		}
		e.JobType = types.JobType(jobType)
		e.Outcome = types.AnalyticsOutcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate analytics events", err)
	}
	return out, nil
}

// DeleteThrough removes events with id <= maxID that are older than cutoff.
func (r *AnalyticsRepository) DeleteThrough(ctx context.Context, maxID int64, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM delivery_analytics WHERE id <= $1 AND occurred_at < $2`,
		maxID, cutoff,
	)
	if err != nil {
		return 0, dbErr("failed to delete archived analytics events", err)
	}
	return int(tag.RowsAffected()), nil
}
