package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"miniapp-auth/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxCodeAttempts = 5

// AvatarMirror copies a platform-hosted avatar to storage we control.
type AvatarMirror interface {
	MirrorAvatar(ctx context.Context, telegramID int64, sourceURL string) (string, error)
}

// CreateOptions carries the optional referral inputs of a first login.
type CreateOptions struct {
	ReferralCode string
	ReferrerID   string
}

// ReferralOutcome tells the caller what happened to a supplied referral.
type ReferralOutcome struct {
	Applied    bool   `json:"applied"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type FindOrCreateResult struct {
	Profile  *models.Profile
	Created  bool
	Referral *ReferralOutcome
}

// IdentityResolver finds or creates profiles for external identities and links
// a second identity onto an existing profile.
type IdentityResolver struct {
	DB        *gorm.DB
	referrals *ReferralResolver
	ledger    *ReferralLedger
	avatars   AvatarMirror
	hashCost  int
	now       func() time.Time
	log       *slog.Logger
}

func NewIdentityResolver(db *gorm.DB, referrals *ReferralResolver, ledger *ReferralLedger, logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{
		DB:        db,
		referrals: referrals,
		ledger:    ledger,
		hashCost:  bcrypt.DefaultCost,
		now:       time.Now,
		log:       logger,
	}
}

// WithAvatarMirror enables avatar mirroring for newly created platform profiles.
func (r *IdentityResolver) WithAvatarMirror(m AvatarMirror) *IdentityResolver {
	r.avatars = m
	return r
}

// WithPasswordCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func (r *IdentityResolver) WithPasswordCost(cost int) *IdentityResolver {
	r.hashCost = cost
	return r
}

func identityQuery(tx *gorm.DB, id Identity) *gorm.DB {
	switch v := id.(type) {
	case PlatformIdentity:
		return tx.Where("telegram_id = ?", v.User.ID)
	case EmailIdentity:
		return tx.Where("email = ?", v.Email)
	default:
		panic(fmt.Sprintf("unhandled identity %T", id))
	}
}

func (r *IdentityResolver) lookup(tx *gorm.DB, id Identity) (*models.Profile, error) {
	var p models.Profile
	err := identityQuery(tx, id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Lookup returns the profile owning id, or nil.
func (r *IdentityResolver) Lookup(ctx context.Context, id Identity) (*models.Profile, error) {
	id, err := r.normalize(id, false)
	if err != nil {
		return nil, err
	}
	p, err := r.lookup(r.DB.WithContext(ctx), id)
	if err != nil {
		return nil, storageError("lookup profile", err)
	}
	return p, nil
}

func (r *IdentityResolver) normalize(id Identity, creating bool) (Identity, error) {
	switch v := id.(type) {
	case PlatformIdentity:
		if err := v.validate(); err != nil {
			return nil, err
		}
		return v, nil
	case EmailIdentity:
		if !creating {
			email := NormalizeEmail(v.Email)
			if email == "" {
				return nil, validationError("a valid email is required")
			}
			v.Email = email
			return v, nil
		}
		return v.normalized(true)
	case nil:
		return nil, validationError("identity is required")
	default:
		return nil, validationError("unsupported identity")
	}
}

// FindOrCreate returns the profile for id, creating it together with its
// Balance, ReferralStats and UserRole rows on first sight. A referral in opts
// is only ever applied at creation.
func (r *IdentityResolver) FindOrCreate(ctx context.Context, id Identity, opts CreateOptions) (*FindOrCreateResult, error) {
	id, err := r.normalize(id, true)
	if err != nil {
		return nil, err
	}
	db := r.DB.WithContext(ctx)

	existing, err := r.lookup(db, id)
	if err != nil {
		return nil, storageError("lookup profile", err)
	}
	if existing != nil {
		return r.returning(ctx, existing, id)
	}

	profile, err := r.newProfile(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		outcome    *ReferralOutcome
		raceWinner *models.Profile
		created    bool
	)
	err = db.Transaction(func(tx *gorm.DB) error {
		var rerr error
		outcome, rerr = r.resolveReferral(tx, id, opts)
		if rerr != nil {
			return rerr
		}
		if outcome != nil && outcome.Applied {
			profile.ReferredBy = &outcome.ReferrerID
		}

		for attempt := 0; attempt < maxCodeAttempts; attempt++ {
			seed, serr := referralSeed(telegramIDOf(id), attempt)
			if serr != nil {
				return serr
			}
			profile.ReferralCode = GenerateReferralCode(seed)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(profile)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				created = true
				break
			}
			// Either the identity was created concurrently or the code collided.
			winner, err := r.lookup(tx, id)
			if err != nil {
				return err
			}
			if winner != nil {
				raceWinner = winner
				return nil
			}
			r.log.Debug("referral code collision, regenerating", "code", profile.ReferralCode, "attempt", attempt)
		}
		if !created {
			return conflictError("could not allocate a referral code", nil)
		}

		if err := createCompanions(tx, profile.ID); err != nil {
			return err
		}

		if outcome != nil && outcome.Applied {
			code := NormalizeReferralCode(opts.ReferralCode)
			var codeUsed *string
			if code != "" {
				codeUsed = &code
			}
			if _, err := r.ledger.AttachTx(tx, outcome.ReferrerID, profile.ID, codeUsed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError("create profile", err)
	}

	if raceWinner != nil {
		r.log.Info("profile created concurrently, continuing as returning login", "profile_id", raceWinner.ID)
		return r.returning(ctx, raceWinner, id)
	}

	r.log.Info("profile created", "profile_id", profile.ID, "identity", id.identityKind(), "referred_by", profile.ReferredBy)
	return &FindOrCreateResult{Profile: profile, Created: true, Referral: outcome}, nil
}

func (r *IdentityResolver) returning(ctx context.Context, p *models.Profile, id Identity) (*FindOrCreateResult, error) {
	switch v := id.(type) {
	case PlatformIdentity:
		if err := r.UpdateOnReturningLogin(ctx, p, v.User); err != nil {
			return nil, err
		}
	case EmailIdentity:
		// Email registration never refreshes an existing account.
	}
	return &FindOrCreateResult{Profile: p, Created: false}, nil
}

func telegramIDOf(id Identity) int64 {
	if v, ok := id.(PlatformIdentity); ok {
		return v.User.ID
	}
	return 0
}

func (r *IdentityResolver) newProfile(ctx context.Context, id Identity) (*models.Profile, error) {
	now := r.now()
	p := &models.Profile{LoginCount: 1, LastLoginAt: &now}

	switch v := id.(type) {
	case PlatformIdentity:
		tgID := v.User.ID
		p.TelegramID = &tgID
		p.FirstName = v.User.FirstName
		p.LastName = optionalString(v.User.LastName)
		p.Username = optionalString(v.User.Username)
		p.LanguageCode = optionalString(v.User.LanguageCode)
		p.IsPremium = v.User.IsPremium
		p.AvatarURL = r.avatarFor(ctx, v.User)
	case EmailIdentity:
		hash, err := bcrypt.GenerateFromPassword([]byte(v.Password), r.hashCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		email, hashed := v.Email, string(hash)
		p.Email = &email
		p.PasswordHash = &hashed
		p.FirstName = v.FirstName
		p.LastName = optionalString(v.LastName)
	}
	return p, nil
}

func (r *IdentityResolver) avatarFor(ctx context.Context, u TelegramUser) *string {
	src := optionalString(u.PhotoURL)
	if src == nil || r.avatars == nil {
		return src
	}
	mirrored, err := r.avatars.MirrorAvatar(ctx, u.ID, *src)
	if err != nil {
		r.log.Warn("avatar mirror failed, keeping source url", "telegram_id", u.ID, "err", err)
		return src
	}
	return &mirrored
}

// resolveReferral decides which referrer, if any, a new account is attributed to.
// Unknown codes are ignored; they never block account creation.
func (r *IdentityResolver) resolveReferral(tx *gorm.DB, id Identity, opts CreateOptions) (*ReferralOutcome, error) {
	if opts.ReferrerID != "" {
		var referrer models.Profile
		err := tx.Select("id", "telegram_id", "email").Where("id = ?", opts.ReferrerID).Take(&referrer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ReferralOutcome{Reason: reasonCodeUnknown}, nil
		}
		if err != nil {
			return nil, err
		}
		if isSameIdentity(&referrer, id) {
			return &ReferralOutcome{Reason: reasonSelfReferral}, nil
		}
		return &ReferralOutcome{Applied: true, ReferrerID: referrer.ID}, nil
	}

	if NormalizeReferralCode(opts.ReferralCode) == "" {
		return nil, nil
	}
	referrerID, err := r.referrals.findReferrerID(tx, opts.ReferralCode)
	if err != nil {
		return nil, err
	}
	if referrerID == "" {
		return &ReferralOutcome{Reason: reasonCodeUnknown}, nil
	}
	return &ReferralOutcome{Applied: true, ReferrerID: referrerID}, nil
}

func isSameIdentity(p *models.Profile, id Identity) bool {
	switch v := id.(type) {
	case PlatformIdentity:
		return p.TelegramID != nil && *p.TelegramID == v.User.ID
	case EmailIdentity:
		return p.Email != nil && *p.Email == v.Email
	}
	return false
}

func createCompanions(tx *gorm.DB, profileID string) error {
	if err := tx.Create(&models.Balance{ProfileID: profileID}).Error; err != nil {
		return err
	}
	if err := tx.Create(&models.ReferralStats{ProfileID: profileID}).Error; err != nil {
		return err
	}
	return tx.Create(&models.UserRole{ProfileID: profileID, Role: models.RoleUser}).Error
}

// UpdateOnReturningLogin refreshes display fields from freshly verified data and
// bumps the login counters. An absent photo never clears a stored avatar.
func (r *IdentityResolver) UpdateOnReturningLogin(ctx context.Context, p *models.Profile, u TelegramUser) error {
	now := r.now()
	updates := map[string]interface{}{
		"first_name":    u.FirstName,
		"last_name":     optionalString(u.LastName),
		"username":      optionalString(u.Username),
		"language_code": optionalString(u.LanguageCode),
		"is_premium":    u.IsPremium,
		"login_count":   gorm.Expr("login_count + ?", 1),
		"last_login_at": now,
	}
	if photo := optionalString(u.PhotoURL); photo != nil {
		switch {
		case p.AvatarURL == nil:
			updates["avatar_url"] = r.avatarFor(ctx, u)
		case r.avatars == nil:
			updates["avatar_url"] = photo
		}
	}

	db := r.DB.WithContext(ctx)
	if err := db.Model(&models.Profile{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
		return storageError("update returning profile", err)
	}
	if err := db.Where("id = ?", p.ID).Take(p).Error; err != nil {
		return storageError("reload profile", err)
	}
	return nil
}

// TouchLogin bumps the login counters of a profile that authenticated without
// fresh platform data.
func (r *IdentityResolver) TouchLogin(ctx context.Context, p *models.Profile) error {
	now := r.now()
	db := r.DB.WithContext(ctx)
	err := db.Model(&models.Profile{}).Where("id = ?", p.ID).UpdateColumns(map[string]interface{}{
		"login_count":   gorm.Expr("login_count + ?", 1),
		"last_login_at": now,
	}).Error
	if err != nil {
		return storageError("touch login", err)
	}
	if err := db.Where("id = ?", p.ID).Take(p).Error; err != nil {
		return storageError("reload profile", err)
	}
	return nil
}

// LinkIdentities attaches secondary to the existing profile. It never replaces an
// existing link and refuses identities that already own another profile, since
// merging two histories needs manual resolution.
func (r *IdentityResolver) LinkIdentities(ctx context.Context, profileID string, secondary Identity) error {
	db := r.DB.WithContext(ctx)

	var p models.Profile
	err := db.Where("id = ?", profileID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundError("profile not found")
	}
	if err != nil {
		return storageError("load profile", err)
	}

	var (
		column string
		value  interface{}
		extra  = map[string]interface{}{}
	)
	switch v := secondary.(type) {
	case PlatformIdentity:
		if v.User.ID <= 0 {
			return validationError("telegram id is required")
		}
		if p.TelegramID != nil {
			if *p.TelegramID == v.User.ID {
				return nil
			}
			return conflictError("profile already has a linked telegram account", nil)
		}
		column, value = "telegram_id", v.User.ID
	case EmailIdentity:
		nv, err := v.normalized(false)
		if err != nil {
			return err
		}
		if p.Email != nil {
			if *p.Email == nv.Email {
				return nil
			}
			return conflictError("profile already has a linked email", nil)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(nv.Password), r.hashCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		column, value = "email", nv.Email
		extra["password_hash"] = string(hash)
		secondary = nv
	default:
		return validationError("unsupported identity")
	}

	owner, err := r.lookup(db, secondary)
	if err != nil {
		return storageError("lookup identity owner", err)
	}
	if owner != nil && owner.ID != p.ID {
		return conflictError("identity already belongs to another account", nil)
	}

	extra[column] = value
	res := db.Model(&models.Profile{}).Where("id = ? AND "+column+" IS NULL", p.ID).Updates(extra)
	if res.Error != nil {
		if owner, lerr := r.lookup(db, secondary); lerr == nil && owner != nil && owner.ID != p.ID {
			return conflictError("identity already belongs to another account", res.Error)
		}
		return storageError("link identity", res.Error)
	}
	if res.RowsAffected == 0 {
		return conflictError("profile was linked concurrently", nil)
	}

	r.log.Info("identity linked", "profile_id", p.ID, "identity", secondary.identityKind())
	return nil
}

var dummyPasswordHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

// CheckPassword authenticates an email identity. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (r *IdentityResolver) CheckPassword(ctx context.Context, email, password string) (*models.Profile, error) {
	p, err := r.Lookup(ctx, EmailIdentity{Email: email})
	if err != nil {
		if KindOf(err) == KindValidation {
			return nil, unauthorizedError("invalid credentials")
		}
		return nil, err
	}
	if p == nil || p.PasswordHash == nil {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
		return nil, unauthorizedError("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(*p.PasswordHash), []byte(password)) != nil {
		return nil, unauthorizedError("invalid credentials")
	}
	return p, nil
}
