package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/digiswitch/authapi/internal/api"
	"github.com/digiswitch/authapi/internal/middleware"
	"github.com/digiswitch/authapi/internal/model"
)

// ProfileStore is the slice of the credential store the profile
// endpoints need.
type ProfileStore interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
	UpdateProfile(ctx context.Context, userID uint64, firstName, lastName string) error
}

// ProfileHandler serves the authenticated user's profile.
type ProfileHandler struct {
	Users ProfileStore
	Log   zerolog.Logger
}

func NewProfileHandler(users ProfileStore, log zerolog.Logger) *ProfileHandler {
	return &ProfileHandler{Users: users, Log: log}
}

type profileUpdateReq struct {
	FirstName string `json:"first_name" validate:"omitempty,max=30"`
	LastName  string `json:"last_name" validate:"omitempty,max=30"`
}

// Get returns the authenticated user's profile.
func (h *ProfileHandler) Get(c echo.Context) error {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized,
			"Authentication credentials were not provided", nil)
	}
	return api.OK(c, http.StatusOK, "Profile retrieved successfully",
		map[string]any{"user": userPayload(&u)})
}

// Update changes first/last name. Partial bodies are allowed, so the
// same handler backs both PUT and PATCH.
func (h *ProfileHandler) Update(c echo.Context) error {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		return api.Fail(c, http.StatusUnauthorized, api.TypeUnauthorized,
			"Authentication credentials were not provided", nil)
	}

	var req profileUpdateReq
	if err := c.Bind(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Invalid request body", nil)
	}
	if err := c.Validate(&req); err != nil {
		return api.Fail(c, http.StatusBadRequest, api.TypeValidationError, "Profile update failed", err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Users.UpdateProfile(ctx, u.ID, req.FirstName, req.LastName); err != nil {
		h.Log.Error().Err(err).Msg("profile: update failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Profile update failed", nil)
	}
	fresh, err := h.Users.GetByID(ctx, u.ID)
	if err != nil {
		h.Log.Error().Err(err).Msg("profile: reload failed")
		return api.Fail(c, http.StatusInternalServerError, api.TypeServerError, "Profile update failed", nil)
	}

	return api.OK(c, http.StatusOK, "Profile updated successfully",
		map[string]any{"user": userPayload(&fresh)})
}
