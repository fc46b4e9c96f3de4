// Package referral creates accounts and pays signup and referrer bonuses through the ledger.
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	codeLength      = 6
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 16
	minPassword     = 6
)

var (
	ErrEmailTaken         = apperr.New(apperr.KindConflict, "an account with this email already exists")
	ErrInvalidEmail       = apperr.New(apperr.KindInvalidArgument, "a valid email is required")
	ErrWeakPassword       = apperr.Newf(apperr.KindInvalidArgument, "password must be at least %d characters", minPassword)
	ErrInvalidCredentials = apperr.New(apperr.KindUnauthorized, "invalid email or password")
)

// Policy holds the bonus amounts. Zero disables a bonus.
type Policy struct {
	SignupBonus   int64
	ReferrerBonus int64
	// AdminEmails are promoted to admin on signup.
	AdminEmails []string
}

// DefaultPolicy pays 3 coins to the new account and 5 to the referrer.
func DefaultPolicy() Policy {
	return Policy{SignupBonus: 3, ReferrerBonus: 5}
}

// Store is what the engine reads and writes outside the ledger.
type Store interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SetAdmin(ctx context.Context, id string, admin bool) error
}

// SignupRequest is the input to Signup.
type SignupRequest struct {
	Email        string
	Password     string
	FirstName    string
	LastName     string
	ReferralCode string
}

type Engine struct {
	ledger *ledger.Ledger
	store  Store
	policy Policy
	admins map[string]struct{}
	code   func() (string, error)
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCodeGenerator replaces the random referral code source.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(e *Engine) { e.code = fn }
}

func New(l *ledger.Ledger, store Store, policy Policy, logger *zap.Logger, opts ...Option) *Engine {
	admins := make(map[string]struct{}, len(policy.AdminEmails))
	for _, e := range policy.AdminEmails {
		admins[utils.NormalizeEmail(e)] = struct{}{}
	}
	e := &Engine{
		ledger: l,
		store:  store,
		policy: policy,
		admins: admins,
		code:   generateCode,
		logger: logger.With(zap.String("component", "referral")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Signup creates an account. A referral code that does not resolve is ignored.
func (e *Engine) Signup(ctx context.Context, req SignupRequest) (*models.Account, error) {
	email := utils.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < minPassword {
		return nil, ErrWeakPassword
	}
	if _, err := e.store.GetAccountByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var referrer *models.Account
	if code := normalizeCode(req.ReferralCode); code != "" {
		referrer, err = e.store.GetAccountByReferralCode(ctx, code)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				return nil, fmt.Errorf("lookup referral code: %w", err)
			}
			e.logger.Debug("referral code did not resolve", zap.String("code", code))
		}
	}

	now := e.ledger.Now().UTC()
	acct := &models.Account{
		ID:        uuid.NewString(),
		Email:     email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		CreatedAt: now,
		UpdatedAt: now,
	}
	acct.PasswordHash = hash
	if _, ok := e.admins[email]; ok {
		acct.IsAdmin = true
	}
	if referrer != nil {
		acct.ReferredBy = referrer.ID
	}

	if err := e.create(ctx, acct); err != nil {
		return nil, err
	}
	if referrer != nil {
		if err := e.payBonuses(ctx, acct, referrer); err != nil {
			// retried on the next login
			e.logger.Error("referral bonus failed",
				zap.String("account", acct.ID),
				zap.String("referrer", referrer.ID),
				zap.Error(err))
		}
	}

	out, err := e.store.GetAccount(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	e.logger.Info("account created",
		zap.String("account", out.ID),
		zap.Bool("referred", referrer != nil))
	return out, nil
}

// create inserts acct, drawing a fresh referral code on each collision.
func (e *Engine) create(ctx context.Context, acct *models.Account) error {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := e.code()
		if err != nil {
			return fmt.Errorf("generate referral code: %w", err)
		}
		acct.ReferralCode = code

		err = e.store.CreateAccount(ctx, acct)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrConflict) {
			return fmt.Errorf("create account: %w", err)
		}
		// a racing signup may have taken the email
		if _, lookupErr := e.store.GetAccountByEmail(ctx, acct.Email); lookupErr == nil {
			return ErrEmailTaken
		}
	}
	return apperr.New(apperr.KindInternal, "could not allocate a referral code")
}

// Reference tags the bonus transactions paid for the signup of accountID.
func Reference(accountID string) string {
	return "referral:" + accountID
}

var endOfTime = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// retryable reports whether a paid referral leaves a transaction behind that
// marks it as settled.
func (e *Engine) retryable() bool {
	return e.policy.SignupBonus > 0 || e.policy.ReferrerBonus > 0
}

// settled reports whether the bonuses of acct were already paid.
func (e *Engine) settled(ctx context.Context, tx *ledger.Tx, acct, referrer *models.Account) (bool, error) {
	holder := acct.ID
	switch {
	case e.policy.SignupBonus > 0:
	case e.policy.ReferrerBonus > 0:
		holder = referrer.ID
	default:
		return false, nil
	}
	n, err := tx.CountTransactions(ctx, holder, models.TxReferralBonus, Reference(acct.ID), time.Time{}, endOfTime)
	if err != nil {
		return false, fmt.Errorf("count referral bonuses: %w", err)
	}
	return n > 0, nil
}

// payBonuses credits both sides of a referral once. Calling it again after a
// successful payment changes nothing.
func (e *Engine) payBonuses(ctx context.Context, acct, referrer *models.Account) error {
	return e.ledger.Update(ctx, []string{acct.ID, referrer.ID}, func(ctx context.Context, tx *ledger.Tx) error {
		done, err := e.settled(ctx, tx, acct, referrer)
		if err != nil || done {
			return err
		}
		if e.policy.SignupBonus > 0 {
			if _, err := tx.Credit(ctx, acct.ID, e.policy.SignupBonus, ledger.Posting{
				Kind:         models.TxReferralBonus,
				Description:  "Signup bonus for using a referral code",
				RelatedEmail: referrer.Email,
				Reference:    Reference(acct.ID),
			}); err != nil {
				return err
			}
		}

		ref := tx.Account(referrer.ID)
		ref.ReferralCount++
		if e.policy.ReferrerBonus > 0 {
			if _, err := tx.Credit(ctx, referrer.ID, e.policy.ReferrerBonus, ledger.Posting{
				Kind:         models.TxReferralBonus,
				Description:  fmt.Sprintf("Referral bonus for inviting %s", acct.Email),
				RelatedEmail: acct.Email,
				Reference:    Reference(acct.ID),
			}); err != nil {
				return err
			}
			return nil
		}
		return tx.SaveAccount(ctx, ref)
	})
}

// Validate reports whether code belongs to an account.
func (e *Engine) Validate(ctx context.Context, code string) (bool, error) {
	code = normalizeCode(code)
	if code == "" {
		return false, nil
	}
	_, err := e.store.GetAccountByReferralCode(ctx, code)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("lookup referral code: %w", err)
}

// Authenticate checks credentials. Unknown emails and bad passwords fail the same way.
func (e *Engine) Authenticate(ctx context.Context, email, password string) (*models.Account, error) {
	acct, err := e.store.GetAccountByEmail(ctx, utils.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup email: %w", err)
	}
	if !utils.CheckPassword(acct.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if _, listed := e.admins[acct.Email]; listed && !acct.IsAdmin {
		// admin list may have grown since signup
		if err := e.store.SetAdmin(ctx, acct.ID, true); err != nil {
			e.logger.Warn("promote admin failed", zap.String("account_id", acct.ID), zap.Error(err))
		} else {
			acct.IsAdmin = true
		}
	}
	if acct.ReferredBy != "" && e.retryable() {
		acct = e.settleReferral(ctx, acct)
	}
	return acct, nil
}

// settleReferral pays referral bonuses a failed signup left unpaid and returns
// the reloaded account. Failures are logged and leave acct as it was.
func (e *Engine) settleReferral(ctx context.Context, acct *models.Account) *models.Account {
	log := e.logger.With(zap.String("account", acct.ID), zap.String("referrer", acct.ReferredBy))
	referrer, err := e.store.GetAccount(ctx, acct.ReferredBy)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Warn("load referrer failed", zap.Error(err))
		}
		return acct
	}
	if err := e.payBonuses(ctx, acct, referrer); err != nil {
		log.Warn("referral bonus retry failed", zap.Error(err))
		return acct
	}
	out, err := e.store.GetAccount(ctx, acct.ID)
	if err != nil {
		log.Warn("reload account failed", zap.Error(err))
		return acct
	}
	out.IsAdmin = out.IsAdmin || acct.IsAdmin
	return out
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateCode() (string, error) {
	var sb strings.Builder
	sb.Grow(codeLength)
	n := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}
