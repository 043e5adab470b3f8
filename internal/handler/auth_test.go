package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digiswitch/authapi/internal/config"
	"github.com/digiswitch/authapi/internal/handler"
	"github.com/digiswitch/authapi/internal/middleware"
	"github.com/digiswitch/authapi/internal/model"
	"github.com/digiswitch/authapi/internal/queue"
	"github.com/digiswitch/authapi/internal/repository"
	"github.com/digiswitch/authapi/internal/router"
	"github.com/digiswitch/authapi/internal/token"
	"github.com/digiswitch/authapi/internal/utils"
	"github.com/digiswitch/authapi/internal/verification"
)

// fakeStore is an in-memory stand-in for the user and blacklist
// repositories, mirroring their conditional-update semantics.
type fakeStore struct {
	mu        sync.Mutex
	nextID    uint64
	users     map[uint64]*model.User
	byEmail   map[string]uint64
	blacklist map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[uint64]*model.User{},
		byEmail:   map[string]uint64{},
		blacklist: map[string]time.Time{},
	}
}

func (s *fakeStore) Create(_ context.Context, p repository.CreateParams) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if _, exists := s.byEmail[email]; exists {
		return model.User{}, repository.ErrEmailExists
	}
	hash, err := utils.HashPassword(p.Password)
	if err != nil {
		return model.User{}, err
	}
	s.nextID++
	u := &model.User{
		ID:           s.nextID,
		AccountID:    utils.NewAccountID(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		IsActive:     p.Active,
		IsStaff:      p.Staff,
		IsSuperuser:  p.Superuser,
		DateJoined:   time.Now().UTC(),
	}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return *u, nil
}

func (s *fakeStore) GetByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return *s.users[id], nil
}

func (s *fakeStore) GetByID(_ context.Context, id uint64) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return *u, nil
}

func (s *fakeStore) VerifyPassword(u *model.User, candidate string) bool {
	return utils.VerifyPassword(u.PasswordHash, candidate)
}

func (s *fakeStore) SetVerificationCode(_ context.Context, userID uint64, code string, issuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	at := issuedAt
	u.VerificationCode = &code
	u.VerificationSentAt = &at
	return nil
}

func (s *fakeStore) ClearVerificationCode(_ context.Context, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.VerificationCode = nil
		u.VerificationSentAt = nil
	}
	return nil
}

func (s *fakeStore) ActivateWithCode(_ context.Context, userID uint64, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.IsActive || u.VerificationCode == nil || *u.VerificationCode != code {
		return false, nil
	}
	u.IsActive = true
	u.VerificationCode = nil
	u.VerificationSentAt = nil
	return true, nil
}

func (s *fakeStore) SetPasswordWithCode(_ context.Context, userID uint64, password, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.VerificationCode == nil || *u.VerificationCode != code {
		return false, nil
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		return false, err
	}
	u.PasswordHash = hash
	u.VerificationCode = nil
	u.VerificationSentAt = nil
	return true, nil
}

func (s *fakeStore) TouchActivity(_ context.Context, userID uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	t := at
	u.LastActivity = &t
	return nil
}

func (s *fakeStore) UpdateProfile(_ context.Context, userID uint64, firstName, lastName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	if firstName != "" {
		u.FirstName = firstName
	}
	if lastName != "" {
		u.LastName = lastName
	}
	return nil
}

func (s *fakeStore) Add(_ context.Context, tok string, _ uint64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[tok] = expiresAt
	return nil
}

func (s *fakeStore) Exists(_ context.Context, tok string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blacklist[tok]
	return ok, nil
}

// setLastActivity rewinds a user's activity clock for inactivity tests.
func (s *fakeStore) setLastActivity(userID uint64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := at
	s.users[userID].LastActivity = &t
}

// fakeMail captures queued messages instead of publishing them.
type fakeMail struct {
	mu   sync.Mutex
	sent []queue.EmailMessage
}

func (m *fakeMail) Publish(_ context.Context, msg queue.EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

var otpPattern = regexp.MustCompile(`[0-9]{6}`)

// lastOTP extracts the code from the most recently captured email.
func (m *fakeMail) lastOTP(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no email was queued")
	code := otpPattern.FindString(m.sent[len(m.sent)-1].Body)
	require.Len(t, code, 6, "email body carries no code: %q", m.sent[len(m.sent)-1].Body)
	return code
}

func (m *fakeMail) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

const apiPrefix = "/api/v1"

func newTestApp(t *testing.T) (*echo.Echo, *fakeStore, *fakeMail) {
	t.Helper()
	store := newFakeStore()
	mail := &fakeMail{}
	log := zerolog.Nop()

	tokens := token.NewEngine(token.Config{
		Secret:          "test-secret",
		AccessTTL:       24 * time.Hour,
		RefreshTTL:      168 * time.Hour,
		RotateRefresh:   true,
		InactivityLimit: time.Hour,
	}, store, store)
	codes := verification.New(store)

	e := echo.New()
	router.Setup(e, router.Deps{
		Cfg:     config.Config{APIPrefix: apiPrefix},
		Auth:    handler.NewAuthHandler(store, codes, tokens, mail, log),
		Profile: handler.NewProfileHandler(store, log),
		Tokens:  tokens,
		Limiter: middleware.NewLimiter(nil, config.RateLimitConfig{}, log),
		Log:     log,
	})
	return e, store, mail
}

func do(t *testing.T, e *echo.Echo, method, path string, body map[string]any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

func errType(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error member in %v", body)
	s, _ := e["type"].(string)
	return s
}

// register drives the happy-path registration and returns the emailed
// code.
func register(t *testing.T, e *echo.Echo, mail *fakeMail, email string) string {
	t.Helper()
	rec := do(t, e, http.MethodPost, apiPrefix+"/register", map[string]any{
		"first_name": "Amy",
		"last_name":  "Pond",
		"email":      email,
		"password":   "s3cret-pass",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return mail.lastOTP(t)
}

// verify activates the account and returns the issued token pair.
func verify(t *testing.T, e *echo.Echo, email, otp string) (access, refresh string) {
	t.Helper()
	rec := do(t, e, http.MethodPost, apiPrefix+"/verify-otp", map[string]any{
		"email": email, "otp": otp,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := decode(t, rec)
	tokens, ok := body["tokens"].(map[string]any)
	require.True(t, ok, "no tokens in %v", body)
	return tokens["access"].(string), tokens["refresh"].(string)
}

func TestRegisterCreatesInactiveUser(t *testing.T) {
	e, store, mail := newTestApp(t)

	rec := do(t, e, http.MethodPost, apiPrefix+"/register", map[string]any{
		"first_name": "Amy",
		"last_name":  "Pond",
		"email":      "Amy@Example.com",
		"password":   "s3cret-pass",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "amy@example.com", user["email"])
	assert.Equal(t, "Amy", user["first_name"])

	u, err := store.GetByEmail(context.Background(), "amy@example.com")
	require.NoError(t, err)
	assert.False(t, u.IsActive, "freshly registered users must be inactive")
	assert.Len(t, u.AccountID, 10)
	require.NotNil(t, u.VerificationCode)
	assert.Equal(t, mail.lastOTP(t), *u.VerificationCode)
	assert.NotEqual(t, "s3cret-pass", u.PasswordHash)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	e, _, mail := newTestApp(t)
	register(t, e, mail, "amy@example.com")

	rec := do(t, e, http.MethodPost, apiPrefix+"/register", map[string]any{
		"first_name": "Other",
		"last_name":  "Amy",
		"email":      "amy@example.com",
		"password":   "another-pass",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Conflict", errType(t, decode(t, rec)))
}

func TestRegisterValidation(t *testing.T) {
	e, _, _ := newTestApp(t)

	cases := []map[string]any{
		{"first_name": "Amy", "last_name": "Pond", "email": "not-an-email", "password": "s3cret-pass"},
		{"first_name": "Amy", "last_name": "Pond", "email": "amy@example.com", "password": "short"},
		{"last_name": "Pond", "email": "amy@example.com", "password": "s3cret-pass"},
		{"first_name": strings.Repeat("A", 31), "last_name": "Pond", "email": "amy@example.com", "password": "s3cret-pass"},
	}
	for i, body := range cases {
		rec := do(t, e, http.MethodPost, apiPrefix+"/register", body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "case %d body: %s", i, rec.Body.String())
		assert.Equal(t, "ValidationError", errType(t, decode(t, rec)))
	}
}

func TestVerifyOTPFlow(t *testing.T) {
	e, store, mail := newTestApp(t)
	otp := register(t, e, mail, "amy@example.com")

	wrong := "000000"
	if wrong == otp {
		wrong = "000001"
	}
	rec := do(t, e, http.MethodPost, apiPrefix+"/verify-otp", map[string]any{
		"email": "amy@example.com", "otp": wrong,
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	access, refresh := verify(t, e, "amy@example.com", otp)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)

	u, err := store.GetByEmail(context.Background(), "amy@example.com")
	require.NoError(t, err)
	assert.True(t, u.IsActive)
	assert.Nil(t, u.VerificationCode, "verification clears the code")
	assert.NotNil(t, u.LastActivity, "auto-login stamps activity")

	// The issued access token works immediately.
	rec = do(t, e, http.MethodGet, apiPrefix+"/profile", nil, access)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A second verify hits the already-active guard.
	rec = do(t, e, http.MethodPost, apiPrefix+"/verify-otp", map[string]any{
		"email": "amy@example.com", "otp": otp,
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "already verified")
}

func TestVerifyOTPUnknownEmail(t *testing.T) {
	e, _, _ := newTestApp(t)
	rec := do(t, e, http.MethodPost, apiPrefix+"/verify-otp", map[string]any{
		"email": "ghost@example.com", "otp": "123456",
	}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", errType(t, decode(t, rec)))
}

func TestResendOTPReplacesCode(t *testing.T) {
	e, _, mail := newTestApp(t)
	first := register(t, e, mail, "amy@example.com")

	rec := do(t, e, http.MethodPost, apiPrefix+"/resend-otp", map[string]any{
		"email": "amy@example.com",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, mail.count())
	second := mail.lastOTP(t)

	if first != second {
		rec = do(t, e, http.MethodPost, apiPrefix+"/verify-otp", map[string]any{
			"email": "amy@example.com", "otp": first,
		}, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "replaced code must be rejected")
	}
	verify(t, e, "amy@example.com", second)
}

func TestLogin(t *testing.T) {
	e, _, mail := newTestApp(t)
	otp := register(t, e, mail, "amy@example.com")

	// Unverified account: 403 carrying the account-exists hint.
	rec := do(t, e, http.MethodPost, apiPrefix+"/login", map[string]any{
		"email": "amy@example.com", "password": "s3cret-pass",
	}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Forbidden", errType(t, body))
	assert.Equal(t, true, body["user_exists"])
	assert.Equal(t, "amy@example.com", body["email"])

	verify(t, e, "amy@example.com", otp)

	rec = do(t, e, http.MethodPost, apiPrefix+"/login", map[string]any{
		"email": "amy@example.com", "password": "wrong-pass",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, e, http.MethodPost, apiPrefix+"/login", map[string]any{
		"email": "ghost@example.com", "password": "s3cret-pass",
	}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodPost, apiPrefix+"/login", map[string]any{
		"email": "amy@example.com", "password": "s3cret-pass",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body = decode(t, rec)
	tokens := body["tokens"].(map[string]any)
	assert.NotEmpty(t, tokens["access"])
	assert.NotEmpty(t, tokens["refresh"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "amy@example.com", user["email"])
	assert.NotContains(t, user, "password_hash")
}

func TestLogoutBlacklistsToken(t *testing.T) {
	e, _, mail := newTestApp(t)
	otp := register(t, e, mail, "amy@example.com")
	access, _ := verify(t, e, "amy@example.com", otp)

	rec := do(t, e, http.MethodPost, apiPrefix+"/logout", nil, access)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Logged out successfully")

	// The token is still unexpired and correctly signed, yet rejected.
	rec = do(t, e, http.MethodGet, apiPrefix+"/profile", nil, access)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "blacklisted")

	// So is a second logout with it.
	rec = do(t, e, http.MethodPost, apiPrefix+"/logout", nil, access)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutRequiresAuth(t *testing.T) {
	e, _, _ := newTestApp(t)
	rec := do(t, e, http.MethodPost, apiPrefix+"/logout", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", errType(t, decode(t, rec)))
}

func TestRefreshToken(t *testing.T) {
	e, _, mail := newTestApp(t)
	otp := register(t, e, mail, "amy@example.com")
	_, refresh := verify(t, e, "amy@example.com", otp)

	rec := do(t, e, http.MethodPost, apiPrefix+"/token/refresh", map[string]any{
		"refresh": refresh,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	tokens := decode(t, rec)["tokens"].(map[string]any)
	newAccess := tokens["access"].(string)
	require.NotEmpty(t, newAccess)

	rec = do(t, e, http.MethodGet, apiPrefix+"/profile", nil, newAccess)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, e, http.MethodPost, apiPrefix+"/token/refresh", map[string]any{
		"refresh": "garbage.token.here",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid token")
}

func TestRefreshAfterInactivity(t *testing.T) {
	e, store, mail := newTestApp(t)
	otp := register(t, e, mail, "amy@example.com")
	_, refresh := verify(t, e, "amy@example.com", otp)

	u, err := store.GetByEmail(context.Background(), "amy@example.com")
	require.NoError(t, err)
	store.setLastActivity(u.ID, time.Now().UTC().Add(-2*time.Hour))

	rec := do(t, e, http.MethodPost, apiPrefix+"/token/refresh", map[string]any{
		"refresh": refresh,
	}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "inactivity")
}

func TestPasswordResetFlow(t *testing.T) {
	e, _, mail := newTestApp(t)
	otp := register(t, e, mail, "amy@example.com")
	verify(t, e, "amy@example.com", otp)

	// Unknown email discloses absence with a 404.
	rec := do(t, e, http.MethodPost, apiPrefix+"/password-reset", map[string]any{
		"email": "ghost@example.com",
	}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodPost, apiPrefix+"/password-reset", map[string]any{
		"email": "amy@example.com",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Password reset OTP sent successfully")
	resetOTP := mail.lastOTP(t)

	// Mismatched passwords are rejected before the OTP is even looked
	// at, so a bogus code still yields the mismatch message.
	rec = do(t, e, http.MethodPut, apiPrefix+"/password-reset", map[string]any{
		"email":            "amy@example.com",
		"otp":              "999999",
		"new_password":     "new-s3cret-pass",
		"confirm_password": "different-pass",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Passwords do not match")

	wrong := "000000"
	if wrong == resetOTP {
		wrong = "000001"
	}
	rec = do(t, e, http.MethodPut, apiPrefix+"/password-reset", map[string]any{
		"email":            "amy@example.com",
		"otp":              wrong,
		"new_password":     "new-s3cret-pass",
		"confirm_password": "new-s3cret-pass",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "OTP validation failed")

	rec = do(t, e, http.MethodPut, apiPrefix+"/password-reset", map[string]any{
		"email":            "amy@example.com",
		"otp":              resetOTP,
		"new_password":     "new-s3cret-pass",
		"confirm_password": "new-s3cret-pass",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	// The consumed code cannot be replayed.
	rec = do(t, e, http.MethodPut, apiPrefix+"/password-reset", map[string]any{
		"email":            "amy@example.com",
		"otp":              resetOTP,
		"new_password":     "third-pass-entirely",
		"confirm_password": "third-pass-entirely",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Old password out, new password in.
	rec = do(t, e, http.MethodPost, apiPrefix+"/login", map[string]any{
		"email": "amy@example.com", "password": "s3cret-pass",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, e, http.MethodPost, apiPrefix+"/login", map[string]any{
		"email": "amy@example.com", "password": "new-s3cret-pass",
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResetPasswordAlias(t *testing.T) {
	e, _, mail := newTestApp(t)
	otp := register(t, e, mail, "amy@example.com")
	verify(t, e, "amy@example.com", otp)

	rec := do(t, e, http.MethodPost, apiPrefix+"/reset-password", map[string]any{
		"email": "amy@example.com",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resetOTP := mail.lastOTP(t)

	rec = do(t, e, http.MethodPut, apiPrefix+"/reset-password", map[string]any{
		"email":            "amy@example.com",
		"otp":              resetOTP,
		"new_password":     "new-s3cret-pass",
		"confirm_password": "new-s3cret-pass",
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownAPIRouteIsJSON404(t *testing.T) {
	e, _, _ := newTestApp(t)
	rec := do(t, e, http.MethodGet, apiPrefix+"/no-such-route", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "NotFound", errType(t, body))
	assert.Contains(t, rec.Body.String(), "/no-such-route")
}
