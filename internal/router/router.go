package router // package router defines how HTTP routes are registered for the API

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/digiswitch/authapi/internal/api"
	"github.com/digiswitch/authapi/internal/config"
	"github.com/digiswitch/authapi/internal/handler"
	"github.com/digiswitch/authapi/internal/middleware"
	"github.com/digiswitch/authapi/internal/token"
)

// Deps bundles everything route registration needs.
type Deps struct {
	Cfg     config.Config
	Auth    *handler.AuthHandler
	Profile *handler.ProfileHandler
	Tokens  *token.Engine
	Limiter *middleware.Limiter
	Log     zerolog.Logger
}

// Setup configures the echo instance (validator, error handling, CORS,
// request logging) and registers all routes. Unauthenticated auth
// flows and the protected profile/logout endpoints all live under the
// API prefix.
func Setup(e *echo.Echo, d Deps) {
	e.HideBanner = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = errorHandler(d.Cfg.APIPrefix, d.Log)

	e.Use(echomw.Recover())
	e.Use(requestLogger(d.Log))
	e.Use(echomw.CORSWithConfig(corsConfig(d.Cfg)))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	e.GET("/healthz", handler.Health)

	rl := d.Limiter
	cfg := rl.Cfg
	g := e.Group(d.Cfg.APIPrefix)

	// Anonymous flows. Scoped throttles run after the optional auth so
	// the anon budget can step aside for authenticated callers.
	g.POST("/register", d.Auth.Register, rl.Scopes(cfg.Signup, cfg.Anon))
	g.POST("/login", d.Auth.Login, rl.Scopes(cfg.Login, cfg.Anon))
	g.POST("/verify-otp", d.Auth.VerifyOTP, rl.Scopes(cfg.OTP, cfg.Anon))
	g.POST("/resend-otp", d.Auth.ResendOTP, rl.Scopes(cfg.OTP, cfg.Anon))
	g.POST("/token/refresh", d.Auth.RefreshToken,
		middleware.Auth(d.Tokens, middleware.PolicyOptional), rl.Scopes(cfg.Anon, cfg.User))

	// Password reset: POST requests a code, PUT confirms it. The
	// /reset-password alias serves clients using the older path.
	g.POST("/password-reset", d.Auth.PasswordResetRequest, rl.Scopes(cfg.OTP))
	g.PUT("/password-reset", d.Auth.PasswordResetConfirm, rl.Scopes(cfg.OTP))
	g.POST("/reset-password", d.Auth.PasswordResetRequest, rl.Scopes(cfg.OTP))
	g.PUT("/reset-password", d.Auth.PasswordResetConfirm, rl.Scopes(cfg.OTP))

	// Authenticated endpoints.
	authed := middleware.Auth(d.Tokens, middleware.PolicyRequired)
	g.POST("/logout", d.Auth.Logout, authed, rl.Scopes(cfg.User))
	g.GET("/profile", d.Profile.Get, authed, rl.Scopes(cfg.User))
	g.PUT("/profile", d.Profile.Update, authed, rl.Scopes(cfg.User))
	g.PATCH("/profile", d.Profile.Update, authed, rl.Scopes(cfg.User))
}

// errorHandler turns every uncaught error into the uniform envelope
// for API-prefixed paths: unknown routes become JSON 404s instead of
// an HTML page, and anything unexpected becomes a 500 carrying only a
// type tag and message, never a stack trace.
func errorHandler(apiPrefix string, log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}

		if !strings.HasPrefix(c.Request().URL.Path, apiPrefix) {
			// Non-API paths keep echo's default rendering.
			c.Echo().DefaultHTTPErrorHandler(err, c)
			return
		}

		switch status {
		case http.StatusNotFound:
			_ = api.Fail(c, status, api.TypeNotFound, "Resource not found",
				"The requested URL "+c.Request().URL.Path+" was not found.")
		case http.StatusMethodNotAllowed:
			_ = api.Fail(c, status, api.TypeValidationError, "Method not allowed", nil)
		default:
			if status >= http.StatusInternalServerError {
				log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
				_ = api.Fail(c, status, api.TypeServerError, "Server error",
					"An unexpected server error occurred.")
				return
			}
			_ = api.Fail(c, status, api.TypeValidationError, http.StatusText(status), nil)
		}
	}
}

func corsConfig(cfg config.Config) echomw.CORSConfig {
	c := echomw.DefaultCORSConfig
	if len(cfg.AllowedOrigins) > 0 {
		c.AllowOrigins = cfg.AllowedOrigins
	}
	c.AllowHeaders = []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization}
	return c
}

// requestLogger emits one structured log line per request.
func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			evt := log.Info()
			if v.Status >= http.StatusInternalServerError {
				evt = log.Error().Err(v.Error)
			}
			evt.Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("request")
			return nil
		},
	})
}
