package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/digiswitch/authapi/internal/model"
	"github.com/digiswitch/authapi/internal/utils"
)

// maxAccountIDAttempts bounds the insert-retry loop when a freshly
// generated account id loses a uniqueness race.
const maxAccountIDAttempts = 5

const userColumns = "id, account_id, email, password_hash, first_name, last_name, " +
	"is_active, is_staff, is_superuser, verification_code, verification_sent_at, " +
	"date_joined, last_activity"

// UserRepo persists user records in the 'users' table.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// CreateParams carries the inputs for UserRepo.Create. Active, Staff
// and Superuser default to false; the superuser bootstrap path sets
// all three.
type CreateParams struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
	Active    bool
	Staff     bool
	Superuser bool
}

// Create inserts a new user and returns the stored record. The email
// is normalized, the password hashed with argon2id, and a fresh opaque
// account id assigned. The insert retries with a new account id when
// the generated one collides; a duplicate email returns ErrEmailExists.
func (r *UserRepo) Create(ctx context.Context, p CreateParams) (model.User, error) {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	hash, err := utils.HashPassword(p.Password)
	if err != nil {
		return model.User{}, err
	}

	var id int64
	for attempt := 0; attempt < maxAccountIDAttempts; attempt++ {
		accountID := utils.NewAccountID()
		res, err := r.DB.ExecContext(ctx,
			`INSERT INTO users (account_id, email, password_hash, first_name, last_name,
			 is_active, is_staff, is_superuser, date_joined)
			 VALUES (?,?,?,?,?,?,?,?,UTC_TIMESTAMP())`,
			accountID, email, hash, p.FirstName, p.LastName, p.Active, p.Staff, p.Superuser)
		if err != nil {
			if isDuplicateKey(err) {
				if strings.Contains(err.Error(), "account_id") {
					continue // collision on the generated id, try another
				}
				return model.User{}, ErrEmailExists
			}
			return model.User{}, err
		}
		if id, err = res.LastInsertId(); err != nil {
			return model.User{}, err
		}
		return r.GetByID(ctx, uint64(id))
	}
	return model.User{}, errors.New("could not allocate unique account id")
}

// GetByEmail fetches a user by normalized email. Returns ErrNotFound
// when no such user exists.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
}

// GetByID fetches a user by primary key. Returns ErrNotFound when no
// such user exists.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

// VerifyPassword compares the candidate against the stored hash in
// constant time.
func (r *UserRepo) VerifyPassword(u *model.User, candidate string) bool {
	return utils.VerifyPassword(u.PasswordHash, candidate)
}

// SetVerificationCode stores a new verification code and its issue
// timestamp, overwriting any previous unconsumed code.
func (r *UserRepo) SetVerificationCode(ctx context.Context, userID uint64, code string, issuedAt time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET verification_code=?, verification_sent_at=? WHERE id=?",
		code, issuedAt.UTC(), userID)
	return err
}

// ClearVerificationCode nulls the pending code and its timestamp.
func (r *UserRepo) ClearVerificationCode(ctx context.Context, userID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET verification_code=NULL, verification_sent_at=NULL WHERE id=?", userID)
	return err
}

// ActivateWithCode atomically activates an inactive user and clears the
// pending code, conditional on the stored code still matching. Returns
// false when the row was not updated, which covers a concurrent verify
// winning the race or the code having been replaced in the meantime.
func (r *UserRepo) ActivateWithCode(ctx context.Context, userID uint64, code string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE users SET is_active=1, verification_code=NULL, verification_sent_at=NULL
		 WHERE id=? AND is_active=0 AND verification_code=?`, userID, code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetPasswordWithCode atomically rewrites the password hash and clears
// the pending code, conditional on the stored code still matching.
// Returns false when a concurrent reset already consumed the code.
func (r *UserRepo) SetPasswordWithCode(ctx context.Context, userID uint64, password, code string) (bool, error) {
	hash, err := utils.HashPassword(password)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE users SET password_hash=?, verification_code=NULL, verification_sent_at=NULL
		 WHERE id=? AND verification_code=?`, hash, userID, code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// TouchActivity stamps last_activity. Called on login, refresh and
// logout so the inactivity expiry rule has a reference point.
func (r *UserRepo) TouchActivity(ctx context.Context, userID uint64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET last_activity=? WHERE id=?", at.UTC(), userID)
	return err
}

// UpdateProfile updates the mutable profile fields. Empty values keep
// the current column so PATCH-style partial updates work.
func (r *UserRepo) UpdateProfile(ctx context.Context, userID uint64, firstName, lastName string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE users SET first_name=COALESCE(NULLIF(?,''), first_name),
		 last_name=COALESCE(NULLIF(?,''), last_name) WHERE id=?`,
		firstName, lastName, userID)
	return err
}

func (r *UserRepo) scanOne(row *sql.Row) (model.User, error) {
	var (
		u      model.User
		code   sql.NullString
		sentAt sql.NullTime
		lastAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.AccountID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.IsActive, &u.IsStaff, &u.IsSuperuser, &code, &sentAt, &u.DateJoined, &lastAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	if code.Valid {
		u.VerificationCode = &code.String
	}
	if sentAt.Valid {
		t := sentAt.Time
		u.VerificationSentAt = &t
	}
	if lastAt.Valid {
		t := lastAt.Time
		u.LastActivity = &t
	}
	return u, nil
}

// isDuplicateKey reports whether err is a MySQL duplicate-entry error
// (error 1062).
func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "1062")
}
