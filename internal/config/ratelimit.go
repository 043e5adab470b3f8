package config

import "time"

// Identity strategies for rate-limit keys. Email-keyed scopes fall
// back to the client IP when the request body carries no email.
const (
	IdentIP    = "ip"
	IdentUser  = "user"
	IdentEmail = "email"
)

// RateScope is one named throttle bucket: a request budget over a
// fixed window, keyed by the given identity strategy.
type RateScope struct {
	Name     string
	Limit    int
	Window   time.Duration
	Identity string
}

// RateLimitConfig defines the throttle scopes applied per route group.
// Scopes mirror the product defaults: global anon/user budgets plus
// tighter per-hour budgets for signup, login and OTP traffic.
type RateLimitConfig struct {
	Enabled bool
	Prefix  string
	Anon    RateScope
	User    RateScope
	Signup  RateScope
	Login   RateScope
	OTP     RateScope
}

// LoadRateLimitConfig reads throttle budgets from the environment,
// with the documented defaults when unset.
func LoadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: envBool("RATE_LIMIT_ENABLED", true),
		Prefix:  getenv("RATE_LIMIT_PREFIX", "throttle"),
		Anon:    RateScope{Name: "anon", Limit: envInt("RATE_ANON_PER_MIN", 5), Window: time.Minute, Identity: IdentIP},
		User:    RateScope{Name: "user", Limit: envInt("RATE_USER_PER_MIN", 10), Window: time.Minute, Identity: IdentUser},
		Signup:  RateScope{Name: "signup", Limit: envInt("RATE_SIGNUP_PER_HOUR", 5), Window: time.Hour, Identity: IdentEmail},
		Login:   RateScope{Name: "login", Limit: envInt("RATE_LOGIN_PER_HOUR", 5), Window: time.Hour, Identity: IdentEmail},
		OTP:     RateScope{Name: "otp", Limit: envInt("RATE_OTP_PER_HOUR", 5), Window: time.Hour, Identity: IdentEmail},
	}
}
