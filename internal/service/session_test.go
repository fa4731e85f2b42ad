package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/kvstore"
	"github.com/sakif/vm-image-generator/internal/model"
)

const goodPrompt = "A red fox in deep snow"

func TestSession_InitialState(t *testing.T) {
	env := newTestEnv(t)

	st, err := env.manager.Get("fresh").State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{Credits: 10}, st)
}

func TestSession_RestoresFromStore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Sign in with one Session value, then drop it from the cache.
	s := env.loggedIn(t, "restore")
	require.NoError(t, s.UpdateCredits(ctx, 4))
	assert.Equal(t, 1, env.manager.Sweep(-time.Second))

	st, err := env.manager.Get("restore").State(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "test@example.com", st.CurrentUser.Email)
	assert.Equal(t, 4, st.Credits)
	assert.False(t, st.Loading)
}

func TestSession_LoginSeedsDemoGallery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.loggedIn(t, "s")

	images, err := s.Gallery(ctx)
	require.NoError(t, err)
	assert.Len(t, images, 5)
}

func TestSession_LoginValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.manager.Get("s")

	_, err := s.Login(ctx, "not-an-email", "password123")
	require.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, "Email address is invalid.", apperror.MessageOf(err, ""))

	_, err = s.Login(ctx, "test@example.com", "wrong-password")
	require.ErrorIs(t, err, apperror.ErrUnauthorized)

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsAuthenticated)
}

func TestSession_Signup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.manager.Get("s")

	_, err := s.Signup(ctx, "new@example.com", "secret1", "secret2")
	require.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, "Passwords do not match.", apperror.MessageOf(err, ""))

	_, err = s.Signup(ctx, "new@example.com", "12345", "12345")
	assert.Equal(t, "Password must be at least 6 characters.", apperror.MessageOf(err, ""))

	res, err := s.Signup(ctx, "new@example.com", "secret1", "secret1")
	require.NoError(t, err)
	assert.Equal(t, 10, res.Credits)

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "new@example.com", st.CurrentUser.Email)
}

func TestSession_PasswordReset(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.manager.Get("s")

	msg, err := s.ForgotPassword(ctx, "test@example.com")
	require.NoError(t, err)
	assert.Equal(t, "OTP sent to your email address.", msg)

	_, err = s.VerifyOTP(ctx, "test@example.com", "12345", "newpass", "newpass")
	assert.Equal(t, "OTP must be 6 digits.", apperror.MessageOf(err, ""))

	_, err = s.VerifyOTP(ctx, "test@example.com", "111111", "newpass", "newpass")
	assert.Equal(t, "Invalid OTP or email.", apperror.MessageOf(err, ""))

	msg, err = s.VerifyOTP(ctx, "test@example.com", ResetOTP, "newpass", "newpass")
	require.NoError(t, err)
	assert.Equal(t, "Password reset successful!", msg)

	_, err = s.Login(ctx, "test@example.com", "newpass")
	assert.NoError(t, err)
}

func TestSession_GoogleSignIn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.manager.Get("s")

	res, err := s.GoogleSignIn(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, GoogleEmail, res.User.Email)

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsAuthenticated)
}

func TestSession_Logout(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.loggedIn(t, "s")
	require.NoError(t, s.UpdateCredits(ctx, 2))

	require.NoError(t, s.Logout(ctx))

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{Credits: 10}, st)

	_, err = s.Gallery(ctx)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	// Gallery survives and is visible after signing in again.
	_, err = s.Login(ctx, "test@example.com", "password123")
	require.NoError(t, err)
	images, err := s.Gallery(ctx)
	require.NoError(t, err)
	assert.Len(t, images, 5)
}

func TestSession_RequiresLogin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.manager.Get("anon")

	_, err := s.GenerateImages(ctx, goodPrompt, model.ImageConfig{})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = s.PurchasePlan(ctx, "plan-20", "me@upi")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = s.RedeemCoupon(ctx, "WELCOME10")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = s.ChangeEmail(ctx, "x@example.com")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = s.ChangePassword(ctx, "secret1", "secret1")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = s.SaveImage(ctx, model.GeneratedImage{ID: "x"})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = s.DeleteImage(ctx, "x")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = s.Credits(ctx)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestSession_GenerateImages(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		credits     int
		prompt      string
		count       int
		wantKind    error
		wantMsg     string
		wantCredits int
	}{
		{
			name: "deducts one credit per image", credits: 10, prompt: goodPrompt, count: 3,
			wantMsg: "3 image(s) generated successfully. 3 credit(s) deducted.", wantCredits: 7,
		},
		{
			name: "spends the last credits", credits: 2, prompt: goodPrompt, count: 2,
			wantMsg: "2 image(s) generated successfully. 2 credit(s) deducted.", wantCredits: 0,
		},
		{
			name: "empty prompt", credits: 10, prompt: "   ", count: 1,
			wantKind: apperror.ErrValidation, wantMsg: "Prompt cannot be empty.", wantCredits: 10,
		},
		{
			name: "short prompt", credits: 10, prompt: "tiny cat", count: 1,
			wantKind: apperror.ErrValidation, wantMsg: "Prompt must be at least 10 characters long for better results.", wantCredits: 10,
		},
		{
			name: "no credits", credits: 0, prompt: goodPrompt, count: 1,
			wantKind: apperror.ErrPaymentRequired, wantMsg: "You have no credits left. Please purchase more to generate images.", wantCredits: 0,
		},
		{
			name: "too few credits", credits: 2, prompt: goodPrompt, count: 4,
			wantKind:    apperror.ErrPaymentRequired,
			wantMsg:     "You only have 2 credit(s) but are trying to generate 4 image(s). Please reduce the number of images or purchase more credits.",
			wantCredits: 2,
		},
		{
			name: "too many images", credits: 10, prompt: goodPrompt, count: 5,
			wantKind: apperror.ErrValidation, wantMsg: "Number of images must be between 1 and 4.", wantCredits: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.loggedIn(t, "gen")
			require.NoError(t, s.UpdateCredits(ctx, tt.credits))

			out, err := s.GenerateImages(ctx, tt.prompt, model.ImageConfig{NumberOfImages: tt.count})
			if tt.wantKind != nil {
				require.ErrorIs(t, err, tt.wantKind)
				assert.Equal(t, tt.wantMsg, apperror.MessageOf(err, ""))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantMsg, out.Message)
				assert.Len(t, out.Images, tt.count)
				assert.Equal(t, tt.wantCredits, out.Credits)
				for _, img := range out.Images {
					assert.Equal(t, model.ImageSizeDefault, img.ImageSize)
					assert.Equal(t, model.StyleDefault, img.ImageStyle)
					assert.Equal(t, model.ModelGeminiFlash, img.Model)
				}
			}

			credits, err := env.svc.Credits.GetCredits(ctx, env.store("gen"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCredits, credits)

			st, err := s.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCredits, st.Credits)
		})
	}
}

func TestSession_GenerateImages_InvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	s := env.loggedIn(t, "s")

	tests := []struct {
		name  string
		cfg   model.ImageConfig
		field string
	}{
		{"size", model.ImageConfig{ImageSize: "8K"}, "imageSize"},
		{"style", model.ImageConfig{ImageStyle: "Pointillist"}, "imageStyle"},
		{"model", model.ImageConfig{Model: "gpt-image"}, "model"},
		{"negative count", model.ImageConfig{NumberOfImages: -1}, "numberOfImages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.GenerateImages(context.Background(), goodPrompt, tt.cfg)
			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestSession_ConcurrentGenerationNeverOverspends(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.loggedIn(t, "race")
	require.NoError(t, s.UpdateCredits(ctx, 3))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GenerateImages(ctx, goodPrompt, model.ImageConfig{NumberOfImages: 1}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	credits, err := s.Credits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, credits)
}

// lostAckStore commits balance writes but reports them as failed once
// armed, like a remote store timing out after the write landed.
type lostAckStore struct {
	kvstore.Store
	armed atomic.Bool
}

func (s *lostAckStore) Set(ctx context.Context, key, value string) error {
	if err := s.Store.Set(ctx, key, value); err != nil {
		return err
	}
	if s.armed.Load() && strings.HasSuffix(key, KeyCredits) {
		return errBackend
	}
	return nil
}

func TestSession_GenerateImages_FailedChargeKeepsBalanceInSync(t *testing.T) {
	ctx := context.Background()

	t.Run("deadline while charging", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.loggedIn(t, "slow")
		env.svc.Credits = NewCreditsService(Latency{Deduct: time.Second}, nil, discardLogger())

		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := s.GenerateImages(tctx, goodPrompt, model.ImageConfig{NumberOfImages: 4})
		require.ErrorIs(t, err, context.DeadlineExceeded)

		stored, err := env.svc.Credits.GetCredits(ctx, env.store("slow"))
		require.NoError(t, err)
		assert.Equal(t, 10, stored, "nothing is charged for a dropped generation")

		st, err := s.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, stored, st.Credits)
	})

	t.Run("charge lands but the write reports an error", func(t *testing.T) {
		env := newTestEnv(t)
		base := &lostAckStore{Store: kvstore.NewMemory()}
		manager := NewManager(base, env.svc, Latency{}, discardLogger())
		s := manager.Get("flaky")
		_, err := s.Login(ctx, "test@example.com", "password123")
		require.NoError(t, err)

		base.armed.Store(true)
		_, err = s.GenerateImages(ctx, goodPrompt, model.ImageConfig{NumberOfImages: 3})
		require.ErrorIs(t, err, errBackend)

		stored, err := env.svc.Credits.GetCredits(ctx, kvstore.Scoped(base, StorePrefix("flaky")))
		require.NoError(t, err)
		assert.Equal(t, 7, stored)

		st, err := s.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, stored, st.Credits)
	})
}

func TestSession_PurchasePlan(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.loggedIn(t, "s")

	_, err := s.PurchasePlan(ctx, "plan-50", "")
	assert.Equal(t, "UPI ID is required.", apperror.MessageOf(err, ""))
	_, err = s.PurchasePlan(ctx, "plan-50", "bad upi")
	assert.Equal(t, "Invalid UPI ID format.", apperror.MessageOf(err, ""))
	_, err = s.PurchasePlan(ctx, "plan-7", "me@okbank")
	assert.Equal(t, "No credit plan selected. Please choose a plan first.", apperror.MessageOf(err, ""))

	res, err := s.PurchasePlan(ctx, "plan-50", "me@okbank")
	require.NoError(t, err)
	assert.Equal(t, 60, res.Credits)
	assert.Equal(t, "50 credits have been added to your account. Your new balance is 60.", res.Message)
}

func TestSession_RedeemCoupon(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.loggedIn(t, "s")

	_, err := s.RedeemCoupon(ctx, "  ")
	assert.Equal(t, "Coupon code cannot be empty.", apperror.MessageOf(err, ""))

	_, err = s.RedeemCoupon(ctx, "NOPE")
	assert.Equal(t, "Invalid or expired coupon code.", apperror.MessageOf(err, ""))

	res, err := s.RedeemCoupon(ctx, "welcome10")
	require.NoError(t, err)
	assert.Equal(t, 20, res.Credits)

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, st.Credits)
}

func TestSession_ChangeEmail(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.loggedIn(t, "s")

	_, err := s.ChangeEmail(ctx, "test@example.com")
	assert.Equal(t, "The new email address is the same as your current one.", apperror.MessageOf(err, ""))

	_, err = s.ChangeEmail(ctx, "bad")
	assert.Equal(t, "Email address is invalid.", apperror.MessageOf(err, ""))

	msg, err := s.ChangeEmail(ctx, "me@example.org")
	require.NoError(t, err)
	assert.Equal(t, "Your email address has been successfully updated.", msg)

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me@example.org", st.CurrentUser.Email)

	_, err = env.svc.Auth.Login(ctx, env.store("x"), "me@example.org", "password123")
	assert.NoError(t, err)
}

func TestSession_ChangePassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.loggedIn(t, "s")

	_, err := s.ChangePassword(ctx, "abc", "abc")
	assert.Equal(t, "Password must be at least 6 characters.", apperror.MessageOf(err, ""))
	_, err = s.ChangePassword(ctx, "abcdef", "")
	assert.Equal(t, "Confirm password is required.", apperror.MessageOf(err, ""))

	_, err = s.ChangePassword(ctx, "abcdef", "abcdef")
	require.NoError(t, err)

	_, err = env.svc.Auth.Login(ctx, env.store("x"), "test@example.com", "abcdef")
	assert.NoError(t, err)
}

func TestSession_GalleryWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.loggedIn(t, "s")

	out, err := s.GenerateImages(ctx, goodPrompt, model.ImageConfig{NumberOfImages: 1})
	require.NoError(t, err)
	img := out.Images[0]

	msg, err := s.SaveImage(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, "Image saved to My Gallery.", msg)

	_, err = s.SaveImage(ctx, img)
	require.ErrorIs(t, err, apperror.ErrConflict)

	images, err := s.Gallery(ctx)
	require.NoError(t, err)
	assert.Len(t, images, 6)

	msg, err = s.DeleteImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, "Image successfully deleted.", msg)

	_, err = s.DeleteImage(ctx, img.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = s.SaveImage(ctx, model.GeneratedImage{})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestSession_UpdateUserEmail_SignedOut(t *testing.T) {
	env := newTestEnv(t)
	s := env.manager.Get("s")
	s.UpdateUserEmail("ghost@example.com")

	st, err := s.State(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.CurrentUser)
}

func TestManager(t *testing.T) {
	env := newTestEnv(t)

	a := env.manager.Get("a")
	assert.Equal(t, "a", a.ID())
	assert.Same(t, a, env.manager.Get("a"))
	assert.NotSame(t, a, env.manager.Get("b"))
	assert.Equal(t, 2, env.manager.Len())

	assert.Zero(t, env.manager.Sweep(time.Hour))
	assert.Equal(t, 2, env.manager.Sweep(-time.Second))
	assert.Zero(t, env.manager.Len())
}

func TestManager_SessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	alice := env.loggedIn(t, "alice")
	_, err := alice.RedeemCoupon(ctx, "MEGA25")
	require.NoError(t, err)

	bob := env.manager.Get("bob")
	st, err := bob.State(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsAuthenticated)
	assert.Equal(t, 10, st.Credits)
}

func TestManager_RunSweeperStops(t *testing.T) {
	env := newTestEnv(t)
	env.manager.Get("idle")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.manager.RunSweeper(ctx, time.Millisecond, -time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return env.manager.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
}
