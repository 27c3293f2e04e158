// internal/auth/password.go
//
// Credential verification for the single admin account.  Production
// deployments configure a bcrypt hash; the plaintext fallback exists for
// local development and is compared in constant time either way.

package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// Credentials is the configured admin identity.
type Credentials struct {
	Username     string
	Password     string // plaintext, dev only
	PasswordHash string // bcrypt, wins when both are set
}

// Check verifies a login attempt.  Username and password are both checked
// even on mismatch so timing does not reveal which one failed.
func (c Credentials) Check(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(c.Username), []byte(username)) == 1

	var passOK bool
	if c.PasswordHash != "" {
		passOK = bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(c.Password), []byte(password)) == 1
	}
	return userOK && passOK
}

// HashPassword produces a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
