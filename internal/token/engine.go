package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/digiswitch/authapi/internal/model"
	"github.com/digiswitch/authapi/internal/repository"
)

// Token type claim values.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// UserStore is the slice of the credential store the engine needs:
// loading token owners and stamping activity.
type UserStore interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
	TouchActivity(ctx context.Context, userID uint64, at time.Time) error
}

// BlacklistStore records and looks up revoked tokens by exact raw
// string.
type BlacklistStore interface {
	Add(ctx context.Context, token string, userID uint64, expiresAt time.Time) error
	Exists(ctx context.Context, token string) (bool, error)
}

// Config holds the signing secret and lifetime rules.
type Config struct {
	Secret          string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	RotateRefresh   bool
	InactivityLimit time.Duration
}

// Claims is the payload carried by both token types. TokenType
// distinguishes access from refresh so one cannot stand in for the
// other.
type Claims struct {
	UserID    uint64 `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Pair bundles the two tokens returned to a client.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Engine issues, validates, refreshes and revokes signed HS256 tokens.
type Engine struct {
	cfg       Config
	users     UserStore
	blacklist BlacklistStore
	now       func() time.Time
}

func NewEngine(cfg Config, users UserStore, blacklist BlacklistStore) *Engine {
	return &Engine{cfg: cfg, users: users, blacklist: blacklist, now: time.Now}
}

// Issue creates a fresh refresh/access pair for the user and stamps
// last_activity as part of issuance. Issuing tokens is never a pure
// read: the activity timestamp is what the inactivity rule on refresh
// later measures against.
func (e *Engine) Issue(ctx context.Context, u *model.User) (Pair, error) {
	refresh, err := e.sign(u.ID, TypeRefresh, e.cfg.RefreshTTL)
	if err != nil {
		return Pair{}, err
	}
	access, err := e.sign(u.ID, TypeAccess, e.cfg.AccessTTL)
	if err != nil {
		return Pair{}, err
	}
	now := e.now().UTC()
	if err := e.users.TouchActivity(ctx, u.ID, now); err != nil {
		return Pair{}, err
	}
	u.LastActivity = &now
	return Pair{Access: access, Refresh: refresh}, nil
}

// Refresh validates a refresh token and mints a new pair. A token that
// fails signature or expiry checks yields ErrInvalidToken. A valid
// token whose owner has been idle longer than the inactivity limit
// yields ErrInactivityExpired instead of a new pair. When rotation is
// disabled the original refresh token is returned alongside the new
// access token.
func (e *Engine) Refresh(ctx context.Context, raw string) (Pair, model.User, error) {
	claims, err := e.parse(raw)
	if err != nil || claims.TokenType != TypeRefresh {
		return Pair{}, model.User{}, ErrInvalidToken
	}
	u, err := e.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Pair{}, model.User{}, ErrInvalidToken
		}
		return Pair{}, model.User{}, err
	}
	if u.LastActivity != nil && e.now().Sub(*u.LastActivity) > e.cfg.InactivityLimit {
		return Pair{}, model.User{}, ErrInactivityExpired
	}

	access, err := e.sign(u.ID, TypeAccess, e.cfg.AccessTTL)
	if err != nil {
		return Pair{}, model.User{}, err
	}
	pair := Pair{Access: access, Refresh: raw}
	if e.cfg.RotateRefresh {
		if pair.Refresh, err = e.sign(u.ID, TypeRefresh, e.cfg.RefreshTTL); err != nil {
			return Pair{}, model.User{}, err
		}
	}
	now := e.now().UTC()
	if err := e.users.TouchActivity(ctx, u.ID, now); err != nil {
		return Pair{}, model.User{}, err
	}
	u.LastActivity = &now
	return pair, u, nil
}

// Revoke verifies the token's signature, extracts its expiry claim and
// records a blacklist row keyed on the raw string. The copied expiry
// lets the row be pruned once the token would be rejected as expired
// anyway.
func (e *Engine) Revoke(ctx context.Context, raw string, userID uint64) error {
	if raw == "" {
		return ErrMalformedAuthHeader
	}
	claims, err := e.parse(raw)
	if err != nil {
		return ErrInvalidToken
	}
	return e.blacklist.Add(ctx, raw, userID, claims.ExpiresAt.Time)
}

// Authenticate resolves a bearer token to its user for a request. The
// blacklist is consulted first, by exact raw-token match, so an
// explicitly revoked token is rejected before signature or expiry are
// even considered. Only access tokens authenticate requests.
func (e *Engine) Authenticate(ctx context.Context, raw string) (model.User, error) {
	revoked, err := e.blacklist.Exists(ctx, raw)
	if err != nil {
		return model.User{}, err
	}
	if revoked {
		return model.User{}, ErrBlacklisted
	}
	claims, err := e.parse(raw)
	if err != nil || claims.TokenType != TypeAccess {
		return model.User{}, ErrInvalidToken
	}
	u, err := e.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.User{}, ErrInvalidToken
		}
		return model.User{}, err
	}
	return u, nil
}

func (e *Engine) sign(userID uint64, tokenType string, ttl time.Duration) (string, error) {
	now := e.now().UTC()
	claims := Claims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e.cfg.Secret))
}

func (e *Engine) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(e.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(e.now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
