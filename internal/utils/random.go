package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// AccountIDLength is the width of the opaque public account identifier.
const AccountIDLength = 10

// OTPLength is the width of email verification codes.
const OTPLength = 6

// NewAccountID returns a short opaque account identifier: the first ten
// hex characters of a random UUID, upper-cased. Uniqueness is enforced
// by the database; callers must retry on collision rather than assume
// the id is free.
func NewAccountID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:AccountIDLength])
}

// NewOTP returns a uniformly random 6-digit verification code as a
// fixed-width string. Leading zeros are preserved, so "004217" is a
// valid code.
func NewOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
