package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/auth"
	"github.com/sakif/vm-image-generator/internal/kvstore"
	"github.com/sakif/vm-image-generator/internal/model"
)

// State is the snapshot the SPA renders from.
type State struct {
	CurrentUser     *model.User `json:"currentUser"`
	IsAuthenticated bool        `json:"isAuthenticated"`
	Credits         int         `json:"credits"`
	Loading         bool        `json:"loading"`
}

// Session is one client's auth state plus the workflows the pages run.
//
// Operations are serialized by opMu, so a double-clicked "Generate" cannot
// spend the same credits twice. The cached state has its own lock so
// State() can answer while an operation is running, reporting Loading.
type Session struct {
	id      string
	store   kvstore.Store
	svc     *Services
	latency Latency
	logger  *slog.Logger

	opMu sync.Mutex
	busy atomic.Int32

	stateMu     sync.RWMutex
	initialized bool
	user        *model.User
	credits     int
	lastUsed    time.Time
}

// Services bundles the stateless services a Session delegates to.
type Services struct {
	Auth    *AuthService
	Credits *CreditsService
	Images  *ImageService
}

// GenerationOutcome is the result of the generate workflow.
type GenerationOutcome struct {
	Images  []model.GeneratedImage
	Credits int
	Message string
}

func newSession(id string, store kvstore.Store, svc *Services, latency Latency, logger *slog.Logger) *Session {
	return &Session{
		id:       id,
		store:    store,
		svc:      svc,
		latency:  latency,
		logger:   logger.With(slog.String("sessionID", id)),
		credits:  model.DefaultCredits,
		lastUsed: time.Now(),
	}
}

// ID returns the client session id.
func (s *Session) ID() string { return s.id }

// State returns the current snapshot, restoring it from the store on the
// first call.
func (s *Session) State(ctx context.Context) (State, error) {
	if err := s.Initialize(ctx); err != nil {
		return State{}, err
	}
	return s.snapshot(), nil
}

func (s *Session) snapshot() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := State{
		IsAuthenticated: s.user != nil,
		Credits:         s.credits,
		Loading:         !s.initialized || s.busy.Load() > 0,
	}
	if s.user != nil {
		u := *s.user
		st.CurrentUser = &u
	}
	return st
}

// Initialize restores user and balance from the store. When a user is
// signed in the demo gallery is seeded. It runs once per Session; later
// calls are no-ops.
func (s *Session) Initialize(ctx context.Context) error {
	return s.run(ctx, func() error { return nil })
}

// run serializes op against every other operation on this session,
// restoring the session first if needed.
func (s *Session) run(ctx context.Context, op func() error) error {
	s.busy.Add(1)
	defer s.busy.Add(-1)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.touch()
	if err := s.restore(ctx); err != nil {
		return err
	}
	return op()
}

func (s *Session) restore(ctx context.Context) error {
	s.stateMu.RLock()
	done := s.initialized
	s.stateMu.RUnlock()
	if done {
		return nil
	}

	if err := wait(ctx, s.latency.Restore); err != nil {
		return err
	}
	user, err := s.svc.Auth.CurrentUser(ctx, s.store)
	if err != nil {
		return err
	}
	credits, err := s.svc.Auth.GetCredits(ctx, s.store)
	if err != nil {
		return err
	}
	if user != nil {
		if err := s.svc.Images.InitializeDemoImages(ctx, s.store); err != nil {
			return err
		}
	}

	s.stateMu.Lock()
	s.initialized = true
	s.user = user
	if user != nil {
		s.credits = credits
	}
	s.stateMu.Unlock()
	return nil
}

func (s *Session) touch() {
	s.stateMu.Lock()
	s.lastUsed = time.Now()
	s.stateMu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastUsed
}

func (s *Session) setUser(user *model.User, credits int) {
	s.stateMu.Lock()
	s.user = user
	s.credits = credits
	s.stateMu.Unlock()
}

func (s *Session) setCredits(credits int) {
	s.stateMu.Lock()
	s.credits = credits
	s.stateMu.Unlock()
}

func (s *Session) currentUser() (*model.User, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.user == nil {
		return nil, apperror.Unauthorized("Please log in to continue.")
	}
	u := *s.user
	return &u, nil
}

// afterSignIn records a successful sign-in and seeds the demo gallery.
func (s *Session) afterSignIn(ctx context.Context, res *AuthResult) error {
	s.setUser(res.User, res.Credits)
	return s.svc.Images.InitializeDemoImages(ctx, s.store)
}

// Login validates the form and signs in.
func (s *Session) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	if err := firstError(ValidateEmail(email), ValidateLoginPassword(password)); err != nil {
		return nil, err
	}

	var res *AuthResult
	err := s.run(ctx, func() error {
		var err error
		if res, err = s.svc.Auth.Login(ctx, s.store, email, password); err != nil {
			return err
		}
		return s.afterSignIn(ctx, res)
	})
	return res, err
}

// Signup validates the registration form and creates the account.
func (s *Session) Signup(ctx context.Context, email, password, confirm string) (*AuthResult, error) {
	if err := firstError(
		ValidateEmail(email),
		ValidateNewPassword("password", "Password", password),
		ValidateConfirmPassword("confirmPassword", "Confirm password", confirm, password),
	); err != nil {
		return nil, err
	}

	var res *AuthResult
	err := s.run(ctx, func() error {
		var err error
		if res, err = s.svc.Auth.Signup(ctx, s.store, email, password); err != nil {
			return err
		}
		return s.afterSignIn(ctx, res)
	})
	return res, err
}

// GoogleSignIn signs in through Google. profile is nil for the mocked
// button.
func (s *Session) GoogleSignIn(ctx context.Context, profile *auth.GoogleUser) (*AuthResult, error) {
	var res *AuthResult
	err := s.run(ctx, func() error {
		var err error
		if res, err = s.svc.Auth.GoogleSignIn(ctx, s.store, profile); err != nil {
			return err
		}
		return s.afterSignIn(ctx, res)
	})
	return res, err
}

// ForgotPassword validates the email and requests a reset OTP.
func (s *Session) ForgotPassword(ctx context.Context, email string) (string, error) {
	if err := ValidateEmail(email); err != nil {
		return "", err
	}
	var msg string
	err := s.run(ctx, func() error {
		var err error
		msg, err = s.svc.Auth.ForgotPassword(ctx, email)
		return err
	})
	return msg, err
}

// VerifyOTP validates the reset form and sets the new password.
func (s *Session) VerifyOTP(ctx context.Context, email, otp, newPassword, confirm string) (string, error) {
	if err := firstError(
		ValidateEmail(email),
		ValidateOTP(otp),
		ValidateNewPassword("newPassword", "New password", newPassword),
		ValidateConfirmPassword("confirmNewPassword", "Confirm new password", confirm, newPassword),
	); err != nil {
		return "", err
	}
	var msg string
	err := s.run(ctx, func() error {
		var err error
		msg, err = s.svc.Auth.VerifyOTP(ctx, email, otp, newPassword)
		return err
	})
	return msg, err
}

// Logout signs out and resets the displayed balance to the default. The
// gallery is kept.
func (s *Session) Logout(ctx context.Context) error {
	return s.run(ctx, func() error {
		if err := s.svc.Auth.Logout(ctx, s.store); err != nil {
			return err
		}
		s.setUser(nil, model.DefaultCredits)
		return nil
	})
}

// UpdateCredits stores an explicit balance.
func (s *Session) UpdateCredits(ctx context.Context, credits int) error {
	return s.run(ctx, func() error {
		if err := s.svc.Credits.SetCredits(ctx, s.store, credits); err != nil {
			return err
		}
		s.setCredits(credits)
		return nil
	})
}

// UpdateUserEmail changes the email of the cached user. It does not touch
// the account table; ChangeEmail does both.
func (s *Session) UpdateUserEmail(newEmail string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.user != nil {
		u := *s.user
		u.Email = newEmail
		s.user = &u
	}
}

// Credits returns the stored balance and the credit plans on sale.
func (s *Session) Credits(ctx context.Context) (int, error) {
	var credits int
	err := s.run(ctx, func() error {
		if _, err := s.currentUser(); err != nil {
			return err
		}
		var err error
		credits, err = s.svc.Credits.GetCredits(ctx, s.store)
		if err == nil {
			s.setCredits(credits)
		}
		return err
	})
	return credits, err
}

// GenerateImages runs the generation form: prompt and balance checks,
// generation, then one credit deducted per image.
func (s *Session) GenerateImages(ctx context.Context, prompt string, cfg model.ImageConfig) (*GenerationOutcome, error) {
	if err := ValidatePrompt(prompt); err != nil {
		return nil, err
	}
	cfg, err := normalizeImageConfig(cfg)
	if err != nil {
		return nil, err
	}

	var out *GenerationOutcome
	err = s.run(ctx, func() error {
		if _, err := s.currentUser(); err != nil {
			return err
		}

		balance, err := s.svc.Credits.GetCredits(ctx, s.store)
		if err != nil {
			return err
		}
		n := cfg.NumberOfImages
		if balance == 0 {
			return apperror.InsufficientCredits("You have no credits left. Please purchase more to generate images.")
		}
		if balance < n {
			return apperror.InsufficientCredits(fmt.Sprintf(
				"You only have %d credit(s) but are trying to generate %d image(s). Please reduce the number of images or purchase more credits.",
				balance, n))
		}

		gen, err := s.svc.Images.GenerateImage(ctx, prompt, cfg)
		if err != nil {
			return err
		}

		res, err := s.svc.Credits.DeductCredits(ctx, s.store, n)
		if err != nil {
			s.resyncCredits(ctx)
			return fmt.Errorf("service/session: charging %d credit(s): %w", n, err)
		}
		remaining := res.Credits
		s.setCredits(remaining)

		s.logger.Info("generation charged", slog.Int("images", n), slog.Int("credits", remaining))

		out = &GenerationOutcome{
			Images:  gen.Images,
			Credits: remaining,
			Message: fmt.Sprintf("%d image(s) generated successfully. %d credit(s) deducted.", n, n),
		}
		return nil
	})
	return out, err
}

// resyncCredits reloads the cached balance from the store after a failed
// charge.
func (s *Session) resyncCredits(ctx context.Context) {
	credits, err := s.svc.Credits.GetCredits(context.WithoutCancel(ctx), s.store)
	if err != nil {
		s.logger.Warn("reloading credit balance", slog.String("error", err.Error()))
		return
	}
	s.setCredits(credits)
}

// PurchasePlan simulates a UPI payment for a credit plan and adds its
// credits.
func (s *Session) PurchasePlan(ctx context.Context, planID, upiID string) (*CreditResult, error) {
	if err := ValidateUPIID(upiID); err != nil {
		return nil, err
	}
	plan, ok := model.FindPlan(planID)
	if !ok {
		return nil, apperror.ValidationFailed("planId", "No credit plan selected. Please choose a plan first.")
	}

	var out *CreditResult
	err := s.run(ctx, func() error {
		if _, err := s.currentUser(); err != nil {
			return err
		}
		payment := model.UPIPayment{UPIID: upiID, Amount: plan.Price, PlanName: plan.ID}
		if err := wait(ctx, s.latency.Payment); err != nil {
			return err
		}
		res, err := s.svc.Credits.AddCredits(ctx, s.store, plan.Credits)
		if err != nil {
			return err
		}
		s.setCredits(res.Credits)

		s.logger.Info("plan purchased",
			slog.String("plan", payment.PlanName),
			slog.Int("amount", payment.Amount),
			slog.String("upiId", payment.UPIID),
			slog.Int("credits", plan.Credits),
		)

		out = &CreditResult{
			Credits: res.Credits,
			Message: fmt.Sprintf("%d credits have been added to your account. Your new balance is %d.", plan.Credits, res.Credits),
		}
		return nil
	})
	return out, err
}

// RedeemCoupon validates and redeems a coupon code.
func (s *Session) RedeemCoupon(ctx context.Context, code string) (*CreditResult, error) {
	if err := ValidateCouponCode(code); err != nil {
		return nil, err
	}
	var out *CreditResult
	err := s.run(ctx, func() error {
		if _, err := s.currentUser(); err != nil {
			return err
		}
		var err error
		if out, err = s.svc.Credits.RedeemCoupon(ctx, s.store, strings.TrimSpace(code)); err != nil {
			return err
		}
		s.setCredits(out.Credits)
		return nil
	})
	return out, err
}

// ChangeEmail moves the signed-in account to newEmail.
func (s *Session) ChangeEmail(ctx context.Context, newEmail string) (string, error) {
	if err := ValidateEmail(newEmail); err != nil {
		return "", err
	}
	err := s.run(ctx, func() error {
		user, err := s.currentUser()
		if err != nil {
			return err
		}
		if user.Email == newEmail {
			return apperror.ValidationFailed("email", "The new email address is the same as your current one.")
		}
		if err := s.svc.Auth.UpdateUserEmail(ctx, s.store, user.Email, newEmail); err != nil {
			return err
		}
		s.UpdateUserEmail(newEmail)
		return nil
	})
	if err != nil {
		return "", err
	}
	return "Your email address has been successfully updated.", nil
}

// ChangePassword sets a new password on the signed-in account.
func (s *Session) ChangePassword(ctx context.Context, password, confirm string) (string, error) {
	if err := firstError(
		ValidateNewPassword("password", "Password", password),
		ValidateConfirmPassword("confirmPassword", "Confirm password", confirm, password),
	); err != nil {
		return "", err
	}
	err := s.run(ctx, func() error {
		user, err := s.currentUser()
		if err != nil {
			return err
		}
		return s.svc.Auth.UpdateUserPassword(ctx, user.Email, password)
	})
	if err != nil {
		return "", err
	}
	return "Your password has been successfully updated. Please log in with your new password next time.", nil
}

// Gallery lists the signed-in user's saved images.
func (s *Session) Gallery(ctx context.Context) ([]model.GeneratedImage, error) {
	var images []model.GeneratedImage
	err := s.run(ctx, func() error {
		if _, err := s.currentUser(); err != nil {
			return err
		}
		var err error
		images, err = s.svc.Images.GetGalleryImages(ctx, s.store)
		return err
	})
	return images, err
}

// SaveImage adds a generated image to the gallery.
func (s *Session) SaveImage(ctx context.Context, image model.GeneratedImage) (string, error) {
	if strings.TrimSpace(image.ID) == "" {
		return "", apperror.ValidationFailed("id", "Image id is required.")
	}
	err := s.run(ctx, func() error {
		if _, err := s.currentUser(); err != nil {
			return err
		}
		return s.svc.Images.SaveImageToGallery(ctx, s.store, image)
	})
	if err != nil {
		return "", err
	}
	return "Image saved to My Gallery.", nil
}

// DeleteImage removes an image from the gallery.
func (s *Session) DeleteImage(ctx context.Context, id string) (string, error) {
	err := s.run(ctx, func() error {
		if _, err := s.currentUser(); err != nil {
			return err
		}
		return s.svc.Images.DeleteImageFromGallery(ctx, s.store, id)
	})
	if err != nil {
		return "", err
	}
	return "Image successfully deleted.", nil
}

// normalizeImageConfig fills form defaults and rejects values the form
// cannot produce.
func normalizeImageConfig(cfg model.ImageConfig) (model.ImageConfig, error) {
	if cfg.ImageSize == "" {
		cfg.ImageSize = model.ImageSizeDefault
	}
	if cfg.ImageStyle == "" {
		cfg.ImageStyle = model.StyleDefault
	}
	if cfg.Model == "" {
		cfg.Model = model.ModelGeminiFlash
	}
	if cfg.NumberOfImages == 0 {
		cfg.NumberOfImages = 1
	}

	if !model.ValidImageSize(cfg.ImageSize) {
		return cfg, apperror.ValidationFailed("imageSize", "Unsupported image size.")
	}
	if !model.ValidImageStyle(cfg.ImageStyle) {
		return cfg, apperror.ValidationFailed("imageStyle", "Unsupported image style.")
	}
	if !model.ValidModelType(cfg.Model) {
		return cfg, apperror.ValidationFailed("model", "Unsupported model.")
	}
	if cfg.NumberOfImages < 1 || cfg.NumberOfImages > MaxImagesPerBatch {
		return cfg, apperror.ValidationFailed("numberOfImages", fmt.Sprintf("Number of images must be between 1 and %d.", MaxImagesPerBatch))
	}
	return cfg, nil
}

// Manager hands out one Session per client session id. Sessions are cached
// in memory; their state lives in the store, so an evicted Session is
// rebuilt on the next request.
type Manager struct {
	base    kvstore.Store
	svc     *Services
	latency Latency
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(base kvstore.Store, svc *Services, latency Latency, logger *slog.Logger) *Manager {
	return &Manager{
		base:     base,
		svc:      svc,
		latency:  latency,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// StorePrefix is the key prefix of a session's namespace.
func StorePrefix(sessionID string) string {
	return "session/" + sessionID + "/"
}

// Get returns the Session for id, creating it on first use.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.touch()
		return s
	}
	s := newSession(id, kvstore.Scoped(m.base, StorePrefix(id)), m.svc, m.latency, m.logger)
	m.sessions[id] = s
	return s
}

// Len reports the number of cached sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep drops sessions idle for longer than maxIdle from the cache and
// returns how many were dropped.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, s := range m.sessions {
		if s.busy.Load() == 0 && s.idleSince().Before(cutoff) {
			delete(m.sessions, id)
			dropped++
		}
	}
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(maxIdle); n > 0 {
				m.logger.Debug("evicted idle sessions", slog.Int("count", n))
			}
		}
	}
}
