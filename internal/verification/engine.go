// Package verification issues and validates the short-lived numeric
// codes used for email verification and password reset. A user has at
// most one pending code; issuing a new one overwrites the previous.
package verification

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/digiswitch/authapi/internal/model"
	"github.com/digiswitch/authapi/internal/utils"
)

// DefaultTTL is how long a code stays valid after issuance.
const DefaultTTL = 600 * time.Second

// CodeStore is the persistence surface the engine needs from the
// credential store.
type CodeStore interface {
	SetVerificationCode(ctx context.Context, userID uint64, code string, issuedAt time.Time) error
	ClearVerificationCode(ctx context.Context, userID uint64) error
}

// Engine generates, validates and clears verification codes.
type Engine struct {
	store CodeStore
	ttl   time.Duration
	now   func() time.Time
}

// New returns an Engine with the default 10 minute validity window.
func New(store CodeStore) *Engine {
	return &Engine{store: store, ttl: DefaultTTL, now: time.Now}
}

// Issue generates a fresh 6-digit code, persists it together with the
// issue timestamp and mirrors both onto u. Any prior unconsumed code
// is overwritten; no code history is kept.
func (e *Engine) Issue(ctx context.Context, u *model.User) (string, error) {
	code, err := utils.NewOTP()
	if err != nil {
		return "", err
	}
	issuedAt := e.now().UTC()
	if err := e.store.SetVerificationCode(ctx, u.ID, code, issuedAt); err != nil {
		return "", err
	}
	u.VerificationCode = &code
	u.VerificationSentAt = &issuedAt
	return code, nil
}

// Validate reports whether candidate matches the user's pending code
// and the code is still inside its validity window. It never consumes
// the code: after a successful state transition the caller must clear
// it explicitly, or it remains replayable for the rest of the window.
func (e *Engine) Validate(u *model.User, candidate string) bool {
	if u.VerificationCode == nil || u.VerificationSentAt == nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(*u.VerificationCode), []byte(candidate)) != 1 {
		return false
	}
	return e.now().Sub(*u.VerificationSentAt) < e.ttl
}

// Clear nulls the pending code and its timestamp, both in the store
// and on u.
func (e *Engine) Clear(ctx context.Context, u *model.User) error {
	if err := e.store.ClearVerificationCode(ctx, u.ID); err != nil {
		return err
	}
	u.VerificationCode = nil
	u.VerificationSentAt = nil
	return nil
}
