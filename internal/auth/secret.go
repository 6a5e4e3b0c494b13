// ABOUTME: Enrollment secret hashing and verification for agent connections
// ABOUTME: Uses bcrypt so the shared secret never appears in config or the database

package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashEnrollmentSecret hashes a shared enrollment secret for storage in the
// gateway config. Run once at deployment time via the token subcommand.
func HashEnrollmentSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("enrollment secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing enrollment secret: %w", err)
	}
	return string(hash), nil
}

// VerifyEnrollmentSecret checks a presented secret against the configured
// bcrypt hash.
func VerifyEnrollmentSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
