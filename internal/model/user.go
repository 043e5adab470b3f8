package model

import "time"

// User represents an account record as stored in the `users` table.
// Each field corresponds to a column in the database. The json tags
// are omitted here because these structs are used internally by the
// repository layer; handlers define separate response types with
// appropriate JSON tags.
//
// A user is created inactive and becomes active only after the email
// verification code has been confirmed, unless the record was created
// through the superuser bootstrap path.
//
// Fields:
//  ID                 – primary key identifier of the user.
//  AccountID          – short opaque public identifier, unique, assigned once at creation.
//  Email              – unique email address, stored lower-cased.
//  PasswordHash       – argon2id PHC-encoded password hash.
//  FirstName          – given name.
//  LastName           – family name.
//  IsActive           – whether the account has been verified.
//  IsStaff            – staff authorization flag.
//  IsSuperuser        – superuser authorization flag.
//  VerificationCode   – current 6-digit email verification code (nil when none pending).
//  VerificationSentAt – when the current code was issued (nil when none pending).
//  DateJoined         – immutable creation timestamp.
//  LastActivity       – last login/refresh/logout time (nil until first login).
type User struct {
	ID                 uint64     // users.id
	AccountID          string     // users.account_id
	Email              string     // users.email
	PasswordHash       string     // users.password_hash
	FirstName          string     // users.first_name
	LastName           string     // users.last_name
	IsActive           bool       // users.is_active
	IsStaff            bool       // users.is_staff
	IsSuperuser        bool       // users.is_superuser
	VerificationCode   *string    // users.verification_code (nullable)
	VerificationSentAt *time.Time // users.verification_sent_at (nullable)
	DateJoined         time.Time  // users.date_joined
	LastActivity       *time.Time // users.last_activity (nullable)
}

// FullName returns the user's display name.
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// BlacklistedToken models a row in the `blacklisted_tokens` table.
// A row is written once at logout and never updated. ExpiresAt copies
// the token's own expiry claim so rows can be pruned once the token
// would be rejected as expired anyway.
//
// Fields:
//  ID            – primary key identifier.
//  Token         – raw access token string, unique.
//  UserID        – owner of the revoked token.
//  BlacklistedAt – when the token was revoked.
//  ExpiresAt     – the token's embedded expiry claim.
type BlacklistedToken struct {
	ID            uint64    // blacklisted_tokens.id
	Token         string    // blacklisted_tokens.token
	UserID        uint64    // blacklisted_tokens.user_id
	BlacklistedAt time.Time // blacklisted_tokens.blacklisted_at
	ExpiresAt     time.Time // blacklisted_tokens.expires_at
}
