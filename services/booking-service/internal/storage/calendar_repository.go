package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/creatorhq/libs/db"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
)

// Sealer encrypts token material before it reaches the database.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type CalendarTokenRepository struct {
	pool   *db.Pool
	sealer Sealer
}

func NewCalendarTokenRepository(pool *db.Pool, sealer Sealer) *CalendarTokenRepository {
	return &CalendarTokenRepository{pool: pool, sealer: sealer}
}

// Upsert stores ts keyed by creator id, replacing any previous set. An empty
// refresh token keeps the stored one.
func (r *CalendarTokenRepository) Upsert(ctx context.Context, ts model.TokenSet) error {
	access, err := r.seal(ts.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.seal(ts.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	var expiry any
	if !ts.Expiry.IsZero() {
		expiry = ts.Expiry.UTC()
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO creator_calendar_tokens (creator_id, access_token, refresh_token, expiry, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (creator_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN creator_calendar_tokens.refresh_token
				ELSE EXCLUDED.refresh_token END,
			expiry = EXCLUDED.expiry,
			updated_at = now()
	`, ts.CreatorID, access, refresh, expiry)
	return err
}

func (r *CalendarTokenRepository) Get(ctx context.Context, creatorID string) (model.TokenSet, error) {
	var ts model.TokenSet
	var access, refresh string
	var expiry *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT creator_id, access_token, refresh_token, expiry, updated_at
		FROM creator_calendar_tokens
		WHERE creator_id = $1
	`, creatorID).Scan(&ts.CreatorID, &access, &refresh, &expiry, &ts.UpdatedAt)
	if err != nil {
		return model.TokenSet{}, notFound(err)
	}
	if ts.AccessToken, err = r.open(access); err != nil {
		return model.TokenSet{}, fmt.Errorf("open access token: %w", err)
	}
	if ts.RefreshToken, err = r.open(refresh); err != nil {
		return model.TokenSet{}, fmt.Errorf("open refresh token: %w", err)
	}
	if expiry != nil {
		ts.Expiry = expiry.UTC()
	}
	return ts, nil
}

func (r *CalendarTokenRepository) seal(v string) (string, error) {
	if v == "" || r.sealer == nil {
		return v, nil
	}
	return r.sealer.Seal(v)
}

func (r *CalendarTokenRepository) open(v string) (string, error) {
	if v == "" || r.sealer == nil {
		return v, nil
	}
	return r.sealer.Open(v)
}
