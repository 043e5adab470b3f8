package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/digiswitch/authapi/internal/api"
	"github.com/digiswitch/authapi/internal/middleware"
	"github.com/digiswitch/authapi/internal/model"
	"github.com/digiswitch/authapi/internal/queue"
	"github.com/digiswitch/authapi/internal/repository"
	"github.com/digiswitch/authapi/internal/token"
	"github.com/digiswitch/authapi/internal/verification"
)

// UserStore is the credential-store surface the auth handlers need.
// *repository.UserRepo satisfies it; tests substitute an in-memory
// fake.
type UserStore interface {
	Create(ctx context.Context, p repository.CreateParams) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	VerifyPassword(u *model.User, candidate string) bool
	ActivateWithCode(ctx context.Context, userID uint64, code string) (bool, error)
	SetPasswordWithCode(ctx context.Context, userID uint64, password, code string) (bool, error)
	TouchActivity(ctx context.Context, userID uint64, at time.Time) error
}

// EmailSender queues outbound mail. Delivery is best-effort: a
// publish failure is logged and the request still succeeds, since the
// user and code state are already persisted.
type EmailSender interface {
	Publish(ctx context.Context, msg queue.EmailMessage) error
}

// AuthHandler bundles dependencies for the auth endpoints.
type AuthHandler struct {
	Users  UserStore
	Codes  *verification.Engine
	Tokens *token.Engine
	Mail   EmailSender
	Log    zerolog.Logger
}

func NewAuthHandler(users UserStore, codes *verification.Engine, tokens *token.Engine, mail EmailSender, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{Users: users, Codes: codes, Tokens: tokens, Mail: mail, Log: log}
}

// ----- DTOs -----

type registerReq struct {
	FirstName string `json:"first_name" validate:"required,max=30"`
	LastName  string `json:"last_name" validate:"required,max=30"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8,max=128"`
}

type verifyOTPReq struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required,len=6"`
}

type emailReq struct {
	Email string `json:"email" validate:"required,email"`
}

type loginReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshReq struct {
	Refresh string `json:"refresh" validate:"required"`
}

type resetConfirmReq struct {
	Email           string `json:"email" validate:"required,email"`
	OTP             string `json:"otp" validate:"required,len=6"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// userPayload is the public projection of a user record. The password
// hash and verification state never leave the service.
func userPayload(u *model.User) map[string]any {
	return map[string]any{
		"account_id": u.AccountID,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"email":      u.Email,
	}
}

// Register creates an inactive user, issues a verification code and
// queues the verification email.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid request body", nil)
	}
	if err := c.Validate(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Registration failed", err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.Create(ctx, repository.CreateParams{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return api.Fail(c, http.StatusBadRequest, api.TypeConflict,
				"Registration failed", "A user with this email already exists")
		}
		h.Log.Error().Err(err).Msg("register: create user failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Registration failed", nil)
	}

	otp, err := h.Codes.Issue(ctx, &u)
	if err != nil {
		h.Log.Error().Err(err).Msg("register: issue verification code failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Registration failed", nil)
	}
	h.sendMail(ctx, u.Email, "Account Verification",
		fmt.Sprintf("Thank you for registering! Your verification code is: %s\n\nThis code will expire in 10 minutes.", otp))

	return api.OK(c, http.StatusCreated,
		"Registration successful. Please verify your email with the OTP sent to your inbox.",
		map[string]any{"user": map[string]any{
			"email":      u.Email,
			"first_name": u.FirstName,
			"last_name":  u.LastName,
		}})
}

// VerifyOTP activates an account when the submitted code matches the
// pending one inside its validity window, then issues tokens for
// auto-login. The activate-and-clear transition is a single
// conditional update, so two racing verifies cannot both succeed.
func (h *AuthHandler) VerifyOTP(c echo.Context) error {
	var req verifyOTPReq
	if err := c.Bind(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid request body", nil)
	}
	if err := c.Validate(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Validation failed", err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return api.Fail(c, http.StatusNotFound, api.TypeNotFound, "User not found with this email", nil)
		}
		h.Log.Error().Err(err).Msg("verify-otp: lookup failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Verification failed", nil)
	}
	if u.IsActive {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Account is already verified", nil)
	}
	if !h.Codes.Validate(&u, req.OTP) {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid or expired verification code", nil)
	}

	ok, err := h.Users.ActivateWithCode(ctx, u.ID, req.OTP)
	if err != nil {
		h.Log.Error().Err(err).Msg("verify-otp: activate failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Verification failed", nil)
	}
	if !ok {
		// A concurrent verify or a freshly issued code won the race.
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid or expired verification code", nil)
	}
	u.IsActive = true
	u.VerificationCode = nil
	u.VerificationSentAt = nil

	pair, err := h.Tokens.Issue(ctx, &u)
	if err != nil {
		h.Log.Error().Err(err).Msg("verify-otp: token issue failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Verification failed", nil)
	}

	return api.OK(c, http.StatusOK, "Account verified successfully", map[string]any{
		"tokens": pair,
		"user":   userPayload(&u),
	})
}

// ResendOTP re-issues the verification code for an unverified account,
// overwriting the previous code, and queues the email again.
func (h *AuthHandler) ResendOTP(c echo.Context) error {
	var req emailReq
	if err := c.Bind(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid request body", nil)
	}
	if err := c.Validate(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Email is required", err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return api.Fail(c, http.StatusNotFound, api.TypeNotFound, "User not found with this email", nil)
		}
		h.Log.Error().Err(err).Msg("resend-otp: lookup failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Resend failed", nil)
	}
	if u.IsActive {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Account is already verified", nil)
	}

	otp, err := h.Codes.Issue(ctx, &u)
	if err != nil {
		h.Log.Error().Err(err).Msg("resend-otp: issue failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Resend failed", nil)
	}
	h.sendMail(ctx, u.Email, "Account Verification",
		fmt.Sprintf("Your new verification code is: %s\n\nThis code will expire in 10 minutes.", otp))

	return api.OK(c, http.StatusOK, "Verification code has been resent to your email", nil)
}

// Login verifies credentials and returns a fresh token pair. An
// unverified account is rejected with 403, distinguishable from bad
// credentials (401) and an unknown email (404).
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid request body", nil)
	}
	if err := c.Validate(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Email and password are required", err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return api.Fail(c, http.StatusNotFound, api.TypeNotFound, "User not found", nil)
		}
		h.Log.Error().Err(err).Msg("login: lookup failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Login failed", nil)
	}
	if !h.Users.VerifyPassword(&u, req.Password) {
		return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized, "Invalid credentials", nil)
	}
	if !u.IsActive {
		return c.JSON(http.StatusForbidden, api.Envelope{
			Success: false,
			Message: "Account not verified",
			Error: &api.ErrorBody{
				Type:    api.TypeForbidden,
				Details: "Please verify your email before logging in",
			},
			Payload: map[string]any{"user_exists": true, "email": u.Email},
		})
	}

	pair, err := h.Tokens.Issue(ctx, &u)
	if err != nil {
		h.Log.Error().Err(err).Msg("login: token issue failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Login failed", nil)
	}

	return api.OK(c, http.StatusOK, "Login successful", map[string]any{
		"tokens": pair,
		"user":   userPayload(&u),
	})
}

// RefreshToken exchanges a valid refresh token for a new pair. A
// cryptographically valid token can still be rejected when the user
// has been idle past the inactivity limit.
func (h *AuthHandler) RefreshToken(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid request body", nil)
	}
	if err := c.Validate(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Refresh token is required", err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	pair, _, err := h.Tokens.Refresh(ctx, req.Refresh)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInactivityExpired):
			return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized, "Token has expired due to inactivity", nil)
		case errors.Is(err, token.ErrInvalidToken):
			return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized, "Invalid token", nil)
		default:
			h.Log.Error().Err(err).Msg("refresh: failed")
			return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Refresh failed", nil)
		}
	}

	return api.OK(c, http.StatusOK, "Token refreshed successfully", map[string]any{"tokens": pair})
}

// Logout blacklists the presented access token and stamps activity.
// Runs behind required auth, so the token has already passed the
// blacklist-first validation.
func (h *AuthHandler) Logout(c echo.Context) error {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized,
			"Authentication credentials were not provided", nil)
	}
	raw, ok := middleware.RawToken(c)
	if !ok {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError,
			"Invalid authorization header format", nil)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Tokens.Revoke(ctx, raw, u.ID); err != nil {
		switch {
		case errors.Is(err, token.ErrMalformedAuthHeader):
			return api.Fail(c, http.StatusBadRequest, api.TypeValidationError,
				"Invalid authorization header format", nil)
		case errors.Is(err, token.ErrInvalidToken):
			return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized, "Invalid token", nil)
		default:
			h.Log.Error().Err(err).Msg("logout: revoke failed")
			return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Error processing logout", nil)
		}
	}
	if err := h.Users.TouchActivity(ctx, u.ID, time.Now().UTC()); err != nil {
		h.Log.Error().Err(err).Msg("logout: touch activity failed")
	}

	return api.OK(c, http.StatusOK, "Logged out successfully", nil)
}

// PasswordResetRequest issues a reset code and queues the email. An
// unknown email returns 404, which discloses account existence; kept
// as the documented contract.
func (h *AuthHandler) PasswordResetRequest(c echo.Context) error {
	var req emailReq
	if err := c.Bind(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid request body", nil)
	}
	if err := c.Validate(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Validation failed", "Email is required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return api.Fail(c, http.StatusNotFound, api.TypeNotFound,
				"User not found", "No account exists with this email address")
		}
		h.Log.Error().Err(err).Msg("password-reset: lookup failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Password reset failed", nil)
	}

	otp, err := h.Codes.Issue(ctx, &u)
	if err != nil {
		h.Log.Error().Err(err).Msg("password-reset: issue failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Password reset failed", nil)
	}
	h.sendMail(ctx, u.Email, "Password Reset OTP",
		fmt.Sprintf("Your OTP for password reset is: %s. It will expire in 10 minutes.", otp))

	return api.OK(c, http.StatusOK, "Password reset OTP sent successfully", nil)
}

// PasswordResetConfirm validates the reset code and rewrites the
// password. The new/confirm mismatch check runs before any OTP
// handling. Password rewrite and code clearing are one conditional
// update, so the code cannot be consumed twice.
func (h *AuthHandler) PasswordResetConfirm(c echo.Context) error {
	var req resetConfirmReq
	if err := c.Bind(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid request body", nil)
	}
	if err := c.Validate(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Validation failed", err.Error())
	}
	if req.NewPassword != req.ConfirmPassword {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError,
			"Passwords do not match", "New password and confirm password must be the same")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return api.Fail(c, http.StatusNotFound, api.TypeNotFound,
				"User not found", "No account exists with this email address")
		}
		h.Log.Error().Err(err).Msg("password-reset-confirm: lookup failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Password reset failed", nil)
	}
	if !h.Codes.Validate(&u, req.OTP) {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError,
			"OTP validation failed", "Invalid or expired OTP")
	}

	ok, err := h.Users.SetPasswordWithCode(ctx, u.ID, req.NewPassword, req.OTP)
	if err != nil {
		h.Log.Error().Err(err).Msg("password-reset-confirm: update failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Password reset failed", nil)
	}
	if !ok {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError,
			"OTP validation failed", "Invalid or expired OTP")
	}

	return api.OK(c, http.StatusOK, "Password reset successfully", nil)
}

// sendMail queues an email and logs failures without surfacing them.
func (h *AuthHandler) sendMail(ctx context.Context, to, subject, body string) {
	if err := h.Mail.Publish(ctx, queue.EmailMessage{To: to, Subject: subject, Body: body}); err != nil {
		h.Log.Error().Err(err).Str("to", to).Msg("queue email failed")
	}
}
