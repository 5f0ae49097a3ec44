package db

import (
	"context"
	"fmt"
	"time"

	"bizjournal/internal/types"
)

// LedgerRepository is the dedup ledger: one row per (user, job type, local
// day). The primary key is the only arbiter of who may send.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a LedgerRepository over db.
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// TryClaim inserts a claimed row for key. It returns false when another
// job already holds the key, whatever that job's outcome.
func (r *LedgerRepository) TryClaim(ctx context.Context, key types.DeliveryKey, jobID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO delivery_ledger (user_id, job_type, day, job_id, outcome, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'claimed', $5, $5)
		 ON CONFLICT (user_id, job_type, day) DO NOTHING`,
		key.UserID, key.JobType, key.Day, jobID, now,
	)
	if err != nil {
		return false, dbErr("failed to claim delivery key", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetOutcome records the final outcome for the job holding key. A row that
// is already sent is never downgraded.
func (r *LedgerRepository) SetOutcome(ctx context.Context, key types.DeliveryKey, jobID string, outcome types.DeliveryOutcome, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_ledger
		 SET outcome = $5, updated_at = $6
		 WHERE user_id = $1 AND job_type = $2 AND day = $3 AND job_id = $4 AND outcome <> 'sent'`,
		key.UserID, key.JobType, key.Day, jobID, outcome, now,
	)
	if err != nil {
		return dbErr("failed to record delivery outcome", err)
	}
	if tag.RowsAffected() == 0 && outcome != types.OutcomeSent {
		return types.NewAppError(types.ErrCodeConflictDuplicate,
			fmt.Sprintf("ledger key %s is not held by job %s", key, jobID), nil)
	}
	return nil
}

// Get returns the ledger row for key, or nil when the key is unclaimed.
func (r *LedgerRepository) Get(ctx context.Context, key types.DeliveryKey) (*types.DeliveryRecord, error) {
	var (
		rec     types.DeliveryRecord
		outcome string
	)
	err := r.db.QueryRow(ctx,
		`SELECT job_id, outcome, created_at, updated_at
		 FROM delivery_ledger
		 WHERE user_id = $1 AND job_type = $2 AND day = $3`,
		key.UserID, key.JobType, key.Day,
	).Scan(&rec.JobID, &outcome, &rec.CreatedAt, &rec.UpdatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("failed to read delivery ledger", err)
	}
	rec.Key = key
	rec.Outcome = types.DeliveryOutcome(outcome)
	return &rec, nil
}
