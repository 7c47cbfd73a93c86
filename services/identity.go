package services

import "strings"

// Identity is the external identity a caller proves. It is one of
// PlatformIdentity or EmailIdentity; switches over it are expected to be exhaustive.
type Identity interface {
	identityKind() string
}

// PlatformIdentity is a host-platform account, keyed by its numeric id.
type PlatformIdentity struct {
	User TelegramUser
}

// EmailIdentity is an email account; Password is the plaintext supplied by the
// caller and is hashed before it reaches storage.
type EmailIdentity struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

func (PlatformIdentity) identityKind() string { return "platform" }
func (EmailIdentity) identityKind() string    { return "email" }

const minPasswordLength = 8

func (p PlatformIdentity) validate() error {
	if p.User.ID <= 0 {
		return validationError("telegram id is required")
	}
	if strings.TrimSpace(p.User.FirstName) == "" {
		return validationError("first name is required")
	}
	return nil
}

// normalized returns a copy with the email folded, or a validation error.
func (e EmailIdentity) normalized(requireName bool) (EmailIdentity, error) {
	email := NormalizeEmail(e.Email)
	if email == "" {
		return e, validationError("a valid email is required")
	}
	if len(e.Password) < minPasswordLength {
		return e, validationError("password must be at least 8 characters")
	}
	if requireName && strings.TrimSpace(e.FirstName) == "" {
		return e, validationError("first name is required")
	}
	e.Email = email
	e.FirstName = strings.TrimSpace(e.FirstName)
	e.LastName = strings.TrimSpace(e.LastName)
	return e, nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
