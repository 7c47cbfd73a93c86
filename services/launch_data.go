package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultInitDataMaxAge bounds how long a captured launch payload can be replayed.
const DefaultInitDataMaxAge = 24 * time.Hour

// webAppDataKey is the fixed key used to derive the signing key from the bot secret.
var webAppDataKey = sha256.Sum256([]byte("WebAppData"))

// TelegramUser is the identity claim embedded in the launch payload's `user` field.
type TelegramUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
}

// VerifiedPayload is a launch payload whose signature and freshness were checked.
type VerifiedPayload struct {
	User       TelegramUser `json:"user"`
	AuthDate   time.Time    `json:"auth_date"`
	Hash       string       `json:"hash"`
	QueryID    string       `json:"query_id,omitempty"`
	StartParam string       `json:"start_param,omitempty"`
}

// LaunchData is the typed, not yet verified form of a raw launch payload.
type LaunchData struct {
	fields   map[string]string
	hash     string
	user     TelegramUser
	authDate int64
}

// ParseLaunchData turns the query-string shaped payload into LaunchData. Shape
// problems are validation errors and are reported before any signature work.
func ParseLaunchData(raw string) (*LaunchData, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, validationError("initData is required")
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, validationError("initData is malformed")
	}

	fields := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) != 1 {
			return nil, validationError("initData is malformed")
		}
		fields[k] = vs[0]
	}

	hash, ok := fields["hash"]
	if !ok || hash == "" {
		return nil, validationError("initData hash is missing")
	}
	delete(fields, "hash")

	rawUser, ok := fields["user"]
	if !ok || rawUser == "" {
		return nil, validationError("initData user is missing")
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil || user.ID == 0 {
		return nil, validationError("initData user is malformed")
	}

	ld := &LaunchData{fields: fields, hash: hash, user: user}
	if s, ok := fields["auth_date"]; ok {
		ld.authDate, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, validationError("initData auth_date is malformed")
		}
	}
	return ld, nil
}

// DataCheckString is the canonical form that is signed: every field except hash,
// sorted by key, rendered as key=value and joined with "\n".
func (ld *LaunchData) DataCheckString() string {
	return dataCheckString(ld.fields)
}

func dataCheckString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

func deriveSecretKey(secret string) []byte {
	mac := hmac.New(sha256.New, webAppDataKey[:])
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}

func signDataCheckString(secretKey []byte, dcs string) string {
	mac := hmac.New(sha256.New, secretKey)
	mac.Write([]byte(dcs))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignLaunchData produces a signed raw payload from the given fields, the way the
// host platform does. Any existing hash field is replaced.
func SignLaunchData(fields map[string]string, secret string) string {
	clean := make(map[string]string, len(fields))
	values := url.Values{}
	for k, v := range fields {
		if k == "hash" {
			continue
		}
		clean[k] = v
		values.Set(k, v)
	}
	values.Set("hash", signDataCheckString(deriveSecretKey(secret), dataCheckString(clean)))
	return values.Encode()
}

// PayloadVerifier checks launch payloads against the shared bot secret.
type PayloadVerifier struct {
	secretKey []byte
	maxAge    time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewPayloadVerifier fails with a configuration error when the secret is empty;
// that is a startup fault, never a per-request outcome.
func NewPayloadVerifier(secret string, maxAge time.Duration, logger *slog.Logger) (*PayloadVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, configurationError("launch data secret is not configured")
	}
	if maxAge <= 0 {
		maxAge = DefaultInitDataMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PayloadVerifier{
		secretKey: deriveSecretKey(secret),
		maxAge:    maxAge,
		now:       time.Now,
		log:       logger,
	}, nil
}

// WithClock swaps the time source. Used by tests and tooling.
func (v *PayloadVerifier) WithClock(now func() time.Time) *PayloadVerifier {
	cp := *v
	cp.now = now
	return &cp
}

func (v *PayloadVerifier) MaxAge() time.Duration { return v.maxAge }

// Verify returns the verified payload or nil. The reason for a rejection is only
// ever logged.
func (v *PayloadVerifier) Verify(raw string) *VerifiedPayload {
	vp, err := v.Authenticate(raw)
	if err != nil {
		return nil
	}
	return vp
}

// Authenticate is Verify with categorized failures: malformed input is a
// validation error, a bad signature or stale payload is ErrUnauthorized.
func (v *PayloadVerifier) Authenticate(raw string) (*VerifiedPayload, error) {
	ld, err := ParseLaunchData(raw)
	if err != nil {
		v.log.Debug("launch data rejected", "reason", "malformed", "err", err)
		return nil, err
	}

	calculated := signDataCheckString(v.secretKey, ld.DataCheckString())
	if !hmac.Equal([]byte(calculated), []byte(strings.ToLower(ld.hash))) {
		v.log.Debug("launch data rejected", "reason", "signature mismatch", "user_id", ld.user.ID)
		return nil, ErrUnauthorized
	}

	if ld.authDate == 0 {
		v.log.Debug("launch data rejected", "reason", "auth_date missing", "user_id", ld.user.ID)
		return nil, ErrUnauthorized
	}
	if v.now().Unix()-ld.authDate > int64(v.maxAge/time.Second) {
		v.log.Debug("launch data rejected", "reason", "expired", "user_id", ld.user.ID, "auth_date", ld.authDate)
		return nil, ErrUnauthorized
	}

	return &VerifiedPayload{
		User:       ld.user,
		AuthDate:   time.Unix(ld.authDate, 0).UTC(),
		Hash:       ld.hash,
		QueryID:    ld.fields["query_id"],
		StartParam: ld.fields["start_param"],
	}, nil
}
