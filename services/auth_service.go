package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"miniapp-auth/models"

	"gorm.io/gorm"
)

// AuthResult is the profile snapshot returned by every successful login.
type AuthResult struct {
	Profile       *models.Profile       `json:"profile"`
	Balance       *models.Balance       `json:"balance"`
	ReferralStats *models.ReferralStats `json:"referralStats"`
	Role          models.Role           `json:"role"`
	Created       bool                  `json:"created"`
	Referral      *ReferralOutcome      `json:"referral,omitempty"`
}

// RegistrationInput is the unsigned registration shape, accepted only from a
// trusted caller such as the platform bot.
type RegistrationInput struct {
	TelegramID   int64  `json:"telegram_id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Username     string `json:"username"`
	AvatarURL    string `json:"avatar_url"`
	ReferralCode string `json:"referral_code"`
	ReferrerID   string `json:"referrer_id"`
}

type EmailRegistrationInput struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	ReferralCode string `json:"referralCode"`
}

// OTPRequestResult acknowledges an OTP request. OTP is only filled when the
// echo switch is on, which configuration refuses in production.
type OTPRequestResult struct {
	Sent bool   `json:"sent"`
	OTP  string `json:"otp,omitempty"`
}

type AuthServiceConfig struct {
	ExposeOTP bool
}

// AuthService is the entry surface for every login path.
type AuthService struct {
	DB         *gorm.DB
	verifier   *PayloadVerifier
	identities *IdentityResolver
	referrals  *ReferralResolver
	ledger     *ReferralLedger
	otps       *OtpStore
	mailer     Mailer
	cfg        AuthServiceConfig
	log        *slog.Logger
}

func NewAuthService(
	db *gorm.DB,
	verifier *PayloadVerifier,
	identities *IdentityResolver,
	referrals *ReferralResolver,
	ledger *ReferralLedger,
	otps *OtpStore,
	mailer Mailer,
	cfg AuthServiceConfig,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = LogMailer{Log: logger}
	}
	if cfg.ExposeOTP {
		logger.Warn("OTP echo is enabled; passcodes will be returned in responses")
	}
	return &AuthService{
		DB:         db,
		verifier:   verifier,
		identities: identities,
		referrals:  referrals,
		ledger:     ledger,
		otps:       otps,
		mailer:     mailer,
		cfg:        cfg,
		log:        logger,
	}
}

func (s *AuthService) Verifier() *PayloadVerifier { return s.verifier }

// LaunchAuth authenticates a signed launch payload. The referral code comes from
// the request body, falling back to the payload's start_param.
func (s *AuthService) LaunchAuth(ctx context.Context, initData, referralCode string) (*AuthResult, error) {
	vp, err := s.verifier.Authenticate(initData)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(referralCode) == "" {
		referralCode = vp.StartParam
	}
	res, err := s.findOrCreate(ctx, PlatformIdentity{User: vp.User}, CreateOptions{ReferralCode: referralCode})
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, res)
}

// Register creates or refreshes a platform profile from caller-supplied fields.
func (s *AuthService) Register(ctx context.Context, in RegistrationInput) (*AuthResult, error) {
	if in.TelegramID <= 0 {
		return nil, validationError("telegram_id is required")
	}
	if strings.TrimSpace(in.FirstName) == "" {
		return nil, validationError("first_name is required")
	}
	id := PlatformIdentity{User: TelegramUser{
		ID:        in.TelegramID,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  in.LastName,
		Username:  in.Username,
		PhotoURL:  in.AvatarURL,
	}}
	res, err := s.findOrCreate(ctx, id, CreateOptions{ReferralCode: in.ReferralCode, ReferrerID: in.ReferrerID})
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, res)
}

// RegistrationRejectedMessage is the message for a sign-up that hit an existing
// account. It does not say whether the address is taken.
const RegistrationRejectedMessage = "registration could not be completed"

func (s *AuthService) RegisterEmail(ctx context.Context, in EmailRegistrationInput) (*AuthResult, error) {
	id := EmailIdentity{
		Email:     in.Email,
		Password:  in.Password,
		FirstName: in.FirstName,
		LastName:  in.LastName,
	}
	res, err := s.findOrCreate(ctx, id, CreateOptions{ReferralCode: in.ReferralCode})
	if err != nil {
		return nil, err
	}
	if !res.Created {
		s.log.Info("email registration hit existing account", "profile_id", res.Profile.ID)
		return nil, validationError(RegistrationRejectedMessage)
	}
	return s.snapshot(ctx, res)
}

func (s *AuthService) LoginEmail(ctx context.Context, email, password string) (*AuthResult, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, validationError("email and password are required")
	}
	p, err := s.identities.CheckPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := s.identities.TouchLogin(ctx, p); err != nil {
		return nil, err
	}
	return s.snapshot(ctx, &FindOrCreateResult{Profile: p})
}

// RequestOTP issues and mails a passcode. The answer is the same whether or not
// the email belongs to an account.
func (s *AuthService) RequestOTP(ctx context.Context, email string) (*OTPRequestResult, error) {
	p, err := s.identities.Lookup(ctx, EmailIdentity{Email: email})
	if err != nil {
		return nil, err
	}
	if p == nil {
		s.log.Debug("otp requested for unknown email")
		return &OTPRequestResult{Sent: true}, nil
	}

	code, err := s.otps.Issue(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("Your login code is %s. It expires in %d minutes.", code, int(s.otps.ttl.Minutes()))
	if err := s.mailer.SendEmail(ctx, *p.Email, "Your login code", body); err != nil {
		return nil, storageError("send otp email", err)
	}

	out := &OTPRequestResult{Sent: true}
	if s.cfg.ExposeOTP {
		out.OTP = code
	}
	return out, nil
}

// VerifyOTP logs in with a passcode. Checking and invalidating the code is a
// single conditional delete, so a code logs in at most once.
func (s *AuthService) VerifyOTP(ctx context.Context, email, otp string) (*AuthResult, error) {
	if !isOTPShaped(strings.TrimSpace(otp)) {
		return nil, validationError("otp must be 6 digits")
	}
	otp = strings.TrimSpace(otp)

	p, err := s.identities.Lookup(ctx, EmailIdentity{Email: email})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, unauthorizedError("invalid or expired code")
	}
	ok, err := s.otps.Consume(ctx, p.ID, otp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, unauthorizedError("invalid or expired code")
	}
	if err := s.identities.TouchLogin(ctx, p); err != nil {
		return nil, err
	}
	return s.snapshot(ctx, &FindOrCreateResult{Profile: p})
}

// ProfileForLaunch loads the profile of an already verified launch payload.
func (s *AuthService) ProfileForLaunch(ctx context.Context, vp *VerifiedPayload) (*models.Profile, error) {
	p, err := s.identities.Lookup(ctx, PlatformIdentity{User: vp.User})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFoundError("profile not found")
	}
	return p, nil
}

// LinkEmail attaches an email identity to the platform profile of vp.
func (s *AuthService) LinkEmail(ctx context.Context, vp *VerifiedPayload, email, password string) error {
	p, err := s.ProfileForLaunch(ctx, vp)
	if err != nil {
		return err
	}
	return s.identities.LinkIdentities(ctx, p.ID, EmailIdentity{Email: email, Password: password})
}

// LinkTelegram attaches the platform identity in initData to the email profile
// the credentials authenticate.
func (s *AuthService) LinkTelegram(ctx context.Context, email, password, initData string) error {
	p, err := s.identities.CheckPassword(ctx, email, password)
	if err != nil {
		return err
	}
	vp, err := s.verifier.Authenticate(initData)
	if err != nil {
		return err
	}
	return s.identities.LinkIdentities(ctx, p.ID, PlatformIdentity{User: vp.User})
}

// ValidateReferral answers whether code is usable. When initData verifies, the
// caller's own code is reported as unusable.
func (s *AuthService) ValidateReferral(ctx context.Context, code, initData string) (*ReferralValidation, error) {
	var requesterID string
	if strings.TrimSpace(initData) != "" {
		vp, err := s.verifier.Authenticate(initData)
		if err != nil {
			return nil, err
		}
		p, err := s.identities.Lookup(ctx, PlatformIdentity{User: vp.User})
		if err != nil {
			return nil, err
		}
		if p != nil {
			requesterID = p.ID
		}
	}
	return s.referrals.Validate(ctx, code, requesterID)
}

func (s *AuthService) ReferralSummary(ctx context.Context, vp *VerifiedPayload) (*ReferralSummary, error) {
	p, err := s.ProfileForLaunch(ctx, vp)
	if err != nil {
		return nil, err
	}
	return s.ledger.Summary(ctx, p.ID)
}

// findOrCreate retries a conflicting first login once; the second attempt finds
// the row the concurrent request created.
func (s *AuthService) findOrCreate(ctx context.Context, id Identity, opts CreateOptions) (*FindOrCreateResult, error) {
	res, err := s.identities.FindOrCreate(ctx, id, opts)
	if errors.Is(err, ErrConflict) {
		s.log.Info("retrying conflicting first login", "identity", id.identityKind())
		res, err = s.identities.FindOrCreate(ctx, id, opts)
	}
	return res, err
}

func (s *AuthService) snapshot(ctx context.Context, res *FindOrCreateResult) (*AuthResult, error) {
	db := s.DB.WithContext(ctx)
	p := res.Profile

	var balance models.Balance
	if err := db.Where("profile_id = ?", p.ID).Take(&balance).Error; err != nil {
		return nil, storageError("load balance", err)
	}
	var stats models.ReferralStats
	if err := db.Where("profile_id = ?", p.ID).Take(&stats).Error; err != nil {
		return nil, storageError("load referral stats", err)
	}
	role := models.RoleUser
	var ur models.UserRole
	err := db.Where("profile_id = ?", p.ID).Take(&ur).Error
	switch {
	case err == nil:
		role = ur.Role
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, storageError("load role", err)
	}

	return &AuthResult{
		Profile:       p,
		Balance:       &balance,
		ReferralStats: &stats,
		Role:          role,
		Created:       res.Created,
		Referral:      res.Referral,
	}, nil
}
