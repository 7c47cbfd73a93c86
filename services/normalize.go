package services

import (
	"net/mail"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeEmail trims and case-folds an address and checks it parses as a bare
// addr-spec. The empty string means the input was not a usable address.
func NormalizeEmail(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return ""
	}
	// Casers carry state, so one is built per call.
	return cases.Fold().String(s)
}

// NormalizeReferralCode upper-cases a code and strips the deep-link prefix.
func NormalizeReferralCode(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) > 4 && strings.EqualFold(s[:4], "ref_") {
		s = s[4:]
	}
	return cases.Upper(language.Und).String(s)
}
