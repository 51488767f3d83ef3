package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrDuplicateIdentity  = errors.New("auth: username or email already registered")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrForbiddenAccount   = errors.New("auth: account rejected")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenMalformed     = errors.New("auth: token malformed")
	ErrRevokedToken       = errors.New("auth: refresh token revoked or superseded")
	ErrInvalidInput       = errors.New("auth: invalid input")
)

// PolicyError carries the list of password policy rules a candidate password
// failed, one entry per missing character class.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	if len(e.Violations) == 0 {
		return "auth: password policy violation"
	}
	msg := "auth: password policy violation: " + e.Violations[0]
	for _, v := range e.Violations[1:] {
		msg += "; " + v
	}
	return msg
}
