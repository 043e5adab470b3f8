package middleware // middleware provides shared request processing for handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/digiswitch/authapi/internal/api"
	"github.com/digiswitch/authapi/internal/model"
	"github.com/digiswitch/authapi/internal/token"
)

// Policy declares a route's authentication requirement. Routes that
// allow anonymous access use PolicyOptional so an absent token does
// not block the request; only PolicyRequired converts a missing token
// into a hard failure.
type Policy int

const (
	// PolicyOptional authenticates when a bearer token is present and
	// lets the request through anonymously otherwise.
	PolicyOptional Policy = iota
	// PolicyRequired rejects requests without a valid bearer token.
	PolicyRequired
)

// Context keys set by Auth for downstream handlers.
const (
	UserContextKey  = "user"
	TokenContextKey = "access_token"
)

// Auth returns middleware that resolves the Authorization bearer token
// through the token engine and injects the authenticated user into the
// request context. The engine checks the blacklist before signature
// and expiry, so a logged-out token is rejected while still
// cryptographically valid. A present-but-invalid token is rejected
// under either policy; only absence is policy-dependent.
func Auth(engine *token.Engine, policy Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c)
			if !ok {
				if policy == PolicyRequired {
					return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized,
						"Authentication credentials were not provided", nil)
				}
				return next(c) // anonymous
			}

			u, err := engine.Authenticate(c.Request().Context(), raw)
			if err != nil {
				switch {
				case errors.Is(err, token.ErrBlacklisted):
					return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized,
						"Token is blacklisted due to logout", nil)
				case errors.Is(err, token.ErrInvalidToken):
					return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized,
						"Invalid or expired token", nil)
				default:
					return api.Fail(c, http.StatusInternalServerError, api.TypeServerError,
						"Authentication failed", nil)
				}
			}

			c.Set(UserContextKey, u)
			c.Set(TokenContextKey, raw)
			return next(c)
		}
	}
}

// CurrentUser returns the authenticated user stored by Auth, if any.
func CurrentUser(c echo.Context) (model.User, bool) {
	u, ok := c.Get(UserContextKey).(model.User)
	return u, ok
}

// RawToken returns the bearer token string stored by Auth, if any.
func RawToken(c echo.Context) (string, bool) {
	s, ok := c.Get(TokenContextKey).(string)
	return s, ok
}

func bearerToken(c echo.Context) (string, bool) {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return raw, raw != ""
}
