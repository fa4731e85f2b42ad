package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/auth"
	"github.com/sakif/vm-image-generator/internal/kvstore"
	"github.com/sakif/vm-image-generator/internal/metrics"
	"github.com/sakif/vm-image-generator/internal/model"
	"github.com/sakif/vm-image-generator/internal/repository"
)

// AuthService handles sign-in, registration and password reset.
//
//	AuthHandler → Session → AuthService → UserRepository (account table)
//	                                    ↘ kvstore.Store (session user, credits)
//
// The account table is global; "who is signed in" is per session and
// lives under KeyUser in the session store.
type AuthService struct {
	users     repository.UserRepository
	passwords *auth.PasswordService
	latency   Latency
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewAuthService(
	users repository.UserRepository,
	passwords *auth.PasswordService,
	latency Latency,
	m *metrics.Metrics,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		passwords: passwords,
		latency:   latency,
		metrics:   m,
		logger:    logger,
	}
}

// AuthResult is returned by every successful sign-in path.
type AuthResult struct {
	User    *model.User
	Credits int
	Message string
}

// SeedDefaults makes sure the demo account test@example.com /
// password123 exists. Safe to call on every start.
func (s *AuthService) SeedDefaults(ctx context.Context) error {
	hash, err := s.passwords.Hash("password123")
	if err != nil {
		return fmt.Errorf("service/auth: hashing seed password: %w", err)
	}
	err = s.users.Create(ctx, &model.Account{
		User:         model.User{ID: "user123", Email: "test@example.com"},
		PasswordHash: hash,
	})
	if err != nil && !errors.Is(err, apperror.ErrConflict) {
		return fmt.Errorf("service/auth: seeding demo account: %w", err)
	}
	return nil
}

// Login checks email and password against the account table. An unknown
// email and a wrong password fail with the same message.
func (s *AuthService) Login(ctx context.Context, store kvstore.Store, email, password string) (*AuthResult, error) {
	if err := wait(ctx, s.latency.Auth); err != nil {
		return nil, err
	}

	invalid := apperror.Unauthorized("Invalid email or password.")

	account, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.metrics.AuthEvent("login", false)
			return nil, invalid
		}
		return nil, fmt.Errorf("service/auth: looking up %s: %w", email, err)
	}

	if err := s.passwords.Verify(account.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.metrics.AuthEvent("login", false)
			return nil, invalid
		}
		return nil, fmt.Errorf("service/auth: verifying password: %w", err)
	}

	return s.signIn(ctx, store, "login", &account.User, "Login successful!")
}

// Signup registers a new account, signs the session in and resets the
// session's balance to model.DefaultCredits.
func (s *AuthService) Signup(ctx context.Context, store kvstore.Store, email, password string) (*AuthResult, error) {
	if err := wait(ctx, s.latency.Auth); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, apperror.ValidationFailed("password", "Password must be 72 characters or fewer.")
	}

	account := &model.Account{
		User:         model.User{Email: email},
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, account); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.metrics.AuthEvent("signup", false)
			return nil, apperror.New(apperror.ErrConflict, "User with this email already exists.")
		}
		return nil, fmt.Errorf("service/auth: creating account %s: %w", email, err)
	}

	if err := writeCredits(ctx, store, model.DefaultCredits); err != nil {
		return nil, err
	}
	if err := kvstore.SetJSON(ctx, store, KeyUser, account.User); err != nil {
		return nil, fmt.Errorf("service/auth: storing session user: %w", err)
	}

	s.metrics.AuthEvent("signup", true)
	s.logger.Info("account registered", slog.String("userID", account.ID))

	user := account.User
	return &AuthResult{
		User:    &user,
		Credits: model.DefaultCredits,
		Message: "Registration successful! You have 10 free credits.",
	}, nil
}

// ForgotPassword "sends" the reset OTP. Nothing is mailed; the code is
// written to the log so a developer can complete the flow.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) (string, error) {
	if err := wait(ctx, s.latency.Auth); err != nil {
		return "", err
	}

	if _, err := s.users.GetByEmail(ctx, email); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.metrics.AuthEvent("forgot_password", false)
			return "", apperror.New(apperror.ErrNotFound, "Email address not found.")
		}
		return "", fmt.Errorf("service/auth: looking up %s: %w", email, err)
	}

	s.metrics.AuthEvent("forgot_password", true)
	s.logger.Info("password reset OTP issued",
		slog.String("email", email),
		slog.String("otp", ResetOTP),
	)
	return "OTP sent to your email address.", nil
}

// VerifyOTP sets a new password when email is a known account and otp is
// the fixed reset code. Any other combination fails with one message.
func (s *AuthService) VerifyOTP(ctx context.Context, email, otp, newPassword string) (string, error) {
	if err := wait(ctx, s.latency.Auth); err != nil {
		return "", err
	}

	invalid := apperror.ValidationFailed("otp", "Invalid OTP or email.")

	if otp != ResetOTP {
		s.metrics.AuthEvent("verify_otp", false)
		return "", invalid
	}
	if _, err := s.users.GetByEmail(ctx, email); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.metrics.AuthEvent("verify_otp", false)
			return "", invalid
		}
		return "", fmt.Errorf("service/auth: looking up %s: %w", email, err)
	}

	if err := s.setPassword(ctx, email, newPassword); err != nil {
		return "", err
	}

	s.metrics.AuthEvent("verify_otp", true)
	return "Password reset successful!", nil
}

// GoogleSignIn signs the session in as a Google account. profile is the
// result of a real OAuth exchange; nil means the mocked button, which
// always uses GoogleEmail. Unknown emails get an account without a
// password.
func (s *AuthService) GoogleSignIn(ctx context.Context, store kvstore.Store, profile *auth.GoogleUser) (*AuthResult, error) {
	if profile == nil {
		if err := wait(ctx, s.latency.Google); err != nil {
			return nil, err
		}
	}

	email := GoogleEmail
	if profile != nil {
		email = profile.Email
	}

	account, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, apperror.ErrNotFound) {
		account = &model.Account{
			User: model.User{
				ID:       "user-" + xid.New().String() + "-google",
				Email:    email,
				JoinDate: time.Now().UTC(),
			},
		}
		err = s.users.Create(ctx, account)
		if errors.Is(err, apperror.ErrConflict) {
			// Lost a race with another session creating the same account.
			account, err = s.users.GetByEmail(ctx, email)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("service/auth: resolving Google account %s: %w", email, err)
	}

	return s.signIn(ctx, store, "google", &account.User, "Signed in with Google!")
}

// Logout clears the session user and balance. The gallery stays.
func (s *AuthService) Logout(ctx context.Context, store kvstore.Store) error {
	if err := store.Remove(ctx, KeyUser); err != nil {
		return fmt.Errorf("service/auth: removing session user: %w", err)
	}
	if err := store.Remove(ctx, KeyCredits); err != nil {
		return fmt.Errorf("service/auth: removing session credits: %w", err)
	}
	s.metrics.AuthEvent("logout", true)
	return nil
}

// CurrentUser returns the session's user, or nil when signed out. A record
// that no longer decodes is treated as signed out.
func (s *AuthService) CurrentUser(ctx context.Context, store kvstore.Store) (*model.User, error) {
	var user model.User
	err := kvstore.GetJSON(ctx, store, KeyUser, &user)
	switch {
	case err == nil:
		return &user, nil
	case errors.Is(err, kvstore.ErrNotFound):
		return nil, nil
	case errors.Is(err, kvstore.ErrMalformed):
		s.logger.Warn("discarding unreadable session user", slog.String("error", err.Error()))
		return nil, nil
	default:
		return nil, fmt.Errorf("service/auth: reading session user: %w", err)
	}
}

// GetCredits returns the session balance, defaulting to
// model.DefaultCredits.
func (s *AuthService) GetCredits(ctx context.Context, store kvstore.Store) (int, error) {
	return readCredits(ctx, store, s.logger)
}

// UpdateUserEmail re-keys the account from oldEmail to newEmail and, when
// this session is signed in as oldEmail, rewrites the session user too.
func (s *AuthService) UpdateUserEmail(ctx context.Context, store kvstore.Store, oldEmail, newEmail string) error {
	if err := s.users.UpdateEmail(ctx, oldEmail, newEmail); err != nil {
		if errors.Is(err, apperror.ErrNotFound) || errors.Is(err, apperror.ErrConflict) {
			return apperror.New(kindOf(err), "Failed to update email. Email might be in use or an error occurred.")
		}
		return fmt.Errorf("service/auth: updating email %s: %w", oldEmail, err)
	}

	current, err := s.CurrentUser(ctx, store)
	if err != nil {
		return err
	}
	if current != nil && current.Email == oldEmail {
		current.Email = newEmail
		if err := kvstore.SetJSON(ctx, store, KeyUser, current); err != nil {
			return fmt.Errorf("service/auth: storing session user: %w", err)
		}
	}

	s.logger.Info("account email changed", slog.String("from", oldEmail), slog.String("to", newEmail))
	return nil
}

// UpdateUserPassword replaces the password of the account at email.
func (s *AuthService) UpdateUserPassword(ctx context.Context, email, newPassword string) error {
	return s.setPassword(ctx, email, newPassword)
}

func (s *AuthService) setPassword(ctx context.Context, email, password string) error {
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return apperror.ValidationFailed("password", "Password must be 72 characters or fewer.")
	}
	if err := s.users.UpdatePassword(ctx, email, hash); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.New(apperror.ErrNotFound, "Failed to update password. Please try again.")
		}
		return fmt.Errorf("service/auth: updating password for %s: %w", email, err)
	}
	return nil
}

// signIn writes user into the session and reads the balance that was
// already there.
func (s *AuthService) signIn(ctx context.Context, store kvstore.Store, kind string, user *model.User, message string) (*AuthResult, error) {
	if err := kvstore.SetJSON(ctx, store, KeyUser, user); err != nil {
		return nil, fmt.Errorf("service/auth: storing session user: %w", err)
	}
	credits, err := readCredits(ctx, store, s.logger)
	if err != nil {
		return nil, err
	}

	s.metrics.AuthEvent(kind, true)
	s.logger.Info("user signed in", slog.String("method", kind), slog.String("userID", user.ID))

	return &AuthResult{User: user, Credits: credits, Message: message}, nil
}

func kindOf(err error) error {
	for _, kind := range []error{
		apperror.ErrNotFound,
		apperror.ErrConflict,
		apperror.ErrValidation,
		apperror.ErrUnauthorized,
		apperror.ErrForbidden,
		apperror.ErrPaymentRequired,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return err
}
