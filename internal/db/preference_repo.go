package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bizjournal/internal/types"
)

// PreferenceRepository reads the delivery_preferences table. Rows are
// maintained by the product surface; this engine only reads them.
type PreferenceRepository struct {
	db DBTX
}

// NewPreferenceRepository creates a PreferenceRepository over db.
func NewPreferenceRepository(db DBTX) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

const preferenceColumns = `user_id, email, send_hour, timezone, utc_offset_minutes, enabled, content_flags, updated_at`

// scanPreference reads one row. A content_flags value that does not decode
// is reported through LoadErr rather than failing the whole result set.
func scanPreference(row pgx.Row) (*types.DeliveryPreference, error) {
	var (
		p     types.DeliveryPreference
		flags []byte
	)
	if err := row.Scan(&p.UserID, &p.Email, &p.SendHour, &p.Timezone, &p.UTCOffsetMinutes, &p.Enabled, &flags, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &p.ContentFlags); err != nil {
			p.ContentFlags = nil
			p.LoadErr = fmt.Errorf("decoding content_flags for user %s: %w", p.UserID, err)
		}
	}
	return &p, nil
}

// ListEnabled returns up to limit enabled preferences with user_id greater
// than afterUserID, ordered by user_id. Pass "" to start from the beginning.
func (r *PreferenceRepository) ListEnabled(ctx context.Context, afterUserID string, limit int) ([]types.DeliveryPreference, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+preferenceColumns+`
		 FROM delivery_preferences
		 WHERE enabled AND user_id > $1
		 ORDER BY user_id
		 LIMIT $2`,
		afterUserID, limit,
	)
	if err != nil {
		return nil, dbErr("failed to list delivery preferences", err)
	}
	defer rows.Close()

	var prefs []types.DeliveryPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, dbErr("failed to scan delivery preference", err)
		}
		prefs = append(prefs, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate delivery preferences", err)
	}
	return prefs, nil
}

// Get returns one user's preference regardless of the enabled flag.
func (r *PreferenceRepository) Get(ctx context.Context, userID string) (*types.DeliveryPreference, error) {
	p, err := scanPreference(r.db.QueryRow(ctx,
		`SELECT `+preferenceColumns+` FROM delivery_preferences WHERE user_id = $1`, userID))
	if isNoRows(err) {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "delivery preference not found", nil)
	}
	if err != nil {
		return nil, dbErr("failed to load delivery preference", err)
	}
	return p, nil
}
