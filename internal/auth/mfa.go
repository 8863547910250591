package auth

import (
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ValidateTOTP validates a TOTP code against a secret
func ValidateTOTP(secret, code string) bool {
	return totp.Validate(code, secret)
}

// GenerateMFASecret generates a TOTP secret for a user
func GenerateMFASecret(username string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      "Telemetry",
		AccountName: username,
		SecretSize:  32,
	})
}
