package repository

import (
	"context"
	"database/sql"
	"time"
)

// BlacklistRepo persists revoked access tokens (single raw 'token'
// column, unique). A token lands here exactly once, at logout.
type BlacklistRepo struct{ DB *sql.DB }

func NewBlacklistRepo(db *sql.DB) *BlacklistRepo { return &BlacklistRepo{DB: db} }

// Add inserts a revocation row. expiresAt must be the token's own
// expiry claim, not a server-chosen value, so PurgeExpired can drop
// the row once the token would be rejected as expired anyway.
// Re-blacklisting the same token is treated as success.
func (r *BlacklistRepo) Add(ctx context.Context, token string, userID uint64, expiresAt time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO blacklisted_tokens (token, user_id, blacklisted_at, expires_at)
		 VALUES (?,?,UTC_TIMESTAMP(),?)`,
		token, userID, expiresAt.UTC())
	if err != nil && isDuplicateKey(err) {
		return nil
	}
	return err
}

// Exists reports whether the exact raw token string has been revoked.
func (r *BlacklistRepo) Exists(ctx context.Context, token string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		"SELECT 1 FROM blacklisted_tokens WHERE token=? LIMIT 1", token).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpired deletes rows whose token has passed its own expiry and
// returns the number removed. Safe to run at any time: an expired
// token fails signature/expiry validation regardless of the blacklist.
func (r *BlacklistRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM blacklisted_tokens WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
