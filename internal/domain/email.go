package domain

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	emailValidate     *validator.Validate
	emailValidateOnce sync.Once
)

func emailValidator() *validator.Validate {
	emailValidateOnce.Do(func() {
		emailValidate = validator.New()
	})
	return emailValidate
}

// NormalizeEmail trims and lower-cases an address for comparison and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmails checks every address and reports all invalid ones together.
// Params: field path used in the error and candidate addresses.
// Returns: normalized, de-duplicated list or *ConfigurationError listing every invalid address.
func ValidateEmails(field string, emails []string) ([]string, error) {
	v := emailValidator()
	out := make([]string, 0, len(emails))
	seen := make(map[string]struct{}, len(emails))
	var invalid []string
	for _, raw := range emails {
		email := NormalizeEmail(raw)
		if err := v.Var(email, "required,email"); err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	if len(invalid) > 0 {
		return nil, &ConfigurationError{Field: field, Reason: "invalid email address", Invalid: invalid}
	}
	return out, nil
}
