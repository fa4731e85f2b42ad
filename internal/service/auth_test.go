package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/auth"
	"github.com/sakif/vm-image-generator/internal/kvstore"
	"github.com/sakif/vm-image-generator/internal/model"
)

func TestSeedDefaults_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.svc.Auth.SeedDefaults(context.Background()))

	a, err := env.repo.GetByEmail(context.Background(), "test@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user123", a.ID)
	assert.NoError(t, env.passwords.Verify(a.PasswordHash, "password123"))
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  bool
	}{
		{name: "correct credentials", email: "test@example.com", password: "password123"},
		{name: "wrong password", email: "test@example.com", password: "password124", wantErr: true},
		{name: "unknown email", email: "nobody@example.com", password: "password123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := env.store(tt.name)
			res, err := env.svc.Auth.Login(ctx, store, tt.email, tt.password)
			if tt.wantErr {
				require.ErrorIs(t, err, apperror.ErrUnauthorized)
				assert.Equal(t, "Invalid email or password.", apperror.MessageOf(err, ""))

				user, err := env.svc.Auth.CurrentUser(ctx, store)
				require.NoError(t, err)
				assert.Nil(t, user)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Login successful!", res.Message)
			assert.Equal(t, "test@example.com", res.User.Email)
			assert.Equal(t, 10, res.Credits)

			user, err := env.svc.Auth.CurrentUser(ctx, store)
			require.NoError(t, err)
			assert.Equal(t, res.User, user)
		})
	}
}

func TestLogin_KeepsStoredBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := env.store("s1")
	require.NoError(t, store.Set(ctx, KeyCredits, "3"))

	res, err := env.svc.Auth.Login(ctx, store, "test@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Credits)
}

func TestSignup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := env.store("s1")
	require.NoError(t, store.Set(ctx, KeyCredits, "0"))

	res, err := env.svc.Auth.Signup(ctx, store, "new@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "Registration successful! You have 10 free credits.", res.Message)
	assert.Equal(t, 10, res.Credits)
	assert.Equal(t, "new@example.com", res.User.Email)
	assert.NotEmpty(t, res.User.ID)
	assert.False(t, res.User.JoinDate.IsZero())

	credits, err := env.svc.Auth.GetCredits(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 10, credits, "signup resets the balance")

	// The new account can log in from another session.
	_, err = env.svc.Auth.Login(ctx, env.store("s2"), "new@example.com", "secret1")
	require.NoError(t, err)

	_, err = env.svc.Auth.Signup(ctx, env.store("s3"), "new@example.com", "whatever")
	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, "User with this email already exists.", apperror.MessageOf(err, ""))
}

func TestSignup_PasswordTooLong(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Auth.Signup(context.Background(), env.store("s"), "long@example.com", strings.Repeat("x", 73))
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestForgotPassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	msg, err := env.svc.Auth.ForgotPassword(ctx, "test@example.com")
	require.NoError(t, err)
	assert.Equal(t, "OTP sent to your email address.", msg)

	_, err = env.svc.Auth.ForgotPassword(ctx, "nobody@example.com")
	require.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Equal(t, "Email address not found.", apperror.MessageOf(err, ""))
}

func TestVerifyOTP(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		email   string
		otp     string
		wantErr bool
	}{
		{name: "fixed code for known email", email: "test@example.com", otp: "123456"},
		{name: "other code", email: "test@example.com", otp: "654321", wantErr: true},
		{name: "almost the code", email: "test@example.com", otp: "123457", wantErr: true},
		{name: "unknown email", email: "nobody@example.com", otp: "123456", wantErr: true},
		{name: "empty code", email: "test@example.com", otp: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			msg, err := env.svc.Auth.VerifyOTP(ctx, tt.email, tt.otp, "brand-new-pass")

			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, "Invalid OTP or email.", apperror.MessageOf(err, ""))
				// Old password still works.
				_, err = env.svc.Auth.Login(ctx, env.store("check"), "test@example.com", "password123")
				assert.NoError(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Password reset successful!", msg)

			_, err = env.svc.Auth.Login(ctx, env.store("check"), "test@example.com", "brand-new-pass")
			assert.NoError(t, err)
		})
	}
}

func TestGoogleSignIn_Mock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.svc.Auth.GoogleSignIn(ctx, env.store("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Signed in with Google!", first.Message)
	assert.Equal(t, GoogleEmail, first.User.Email)
	assert.True(t, strings.HasPrefix(first.User.ID, "user-"))
	assert.True(t, strings.HasSuffix(first.User.ID, "-google"))

	second, err := env.svc.Auth.GoogleSignIn(ctx, env.store("b"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, second.User.ID, "the account is reused")

	// Google accounts have no password.
	_, err = env.svc.Auth.Login(ctx, env.store("c"), GoogleEmail, "")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestGoogleSignIn_Profile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.svc.Auth.GoogleSignIn(ctx, env.store("a"), &auth.GoogleUser{Email: "real@gmail.com"})
	require.NoError(t, err)
	assert.Equal(t, "real@gmail.com", res.User.Email)

	// An existing password account signs in with its own id.
	res, err = env.svc.Auth.GoogleSignIn(ctx, env.store("b"), &auth.GoogleUser{Email: "test@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "user123", res.User.ID)
}

func TestLogout_KeepsGallery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := env.store("s")

	_, err := env.svc.Auth.Login(ctx, store, "test@example.com", "password123")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeyCredits, "7"))
	require.NoError(t, env.svc.Images.SaveImageToGallery(ctx, store, model.GeneratedImage{ID: "keep"}))

	require.NoError(t, env.svc.Auth.Logout(ctx, store))

	user, err := env.svc.Auth.CurrentUser(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, user)

	_, err = store.Get(ctx, KeyCredits)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	images, err := env.svc.Images.GetGalleryImages(ctx, store)
	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestCurrentUser_Malformed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := env.store("s")
	require.NoError(t, store.Set(ctx, KeyUser, "{oops"))

	user, err := env.svc.Auth.CurrentUser(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, user)

	_, err = env.svc.Auth.CurrentUser(ctx, failingStore{err: errBackend})
	assert.ErrorIs(t, err, errBackend)
}

func TestUpdateUserEmail(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := env.store("s")
	_, err := env.svc.Auth.Login(ctx, store, "test@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, env.svc.Auth.UpdateUserEmail(ctx, store, "test@example.com", "renamed@example.com"))

	user, err := env.svc.Auth.CurrentUser(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "renamed@example.com", user.Email)
	assert.Equal(t, "user123", user.ID)

	_, err = env.svc.Auth.Login(ctx, env.store("other"), "renamed@example.com", "password123")
	assert.NoError(t, err)

	t.Run("unknown old email", func(t *testing.T) {
		err := env.svc.Auth.UpdateUserEmail(ctx, store, "test@example.com", "x@example.com")
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("new email taken", func(t *testing.T) {
		_, err := env.svc.Auth.Signup(ctx, env.store("taker"), "taken@example.com", "secret1")
		require.NoError(t, err)
		err = env.svc.Auth.UpdateUserEmail(ctx, store, "renamed@example.com", "taken@example.com")
		assert.ErrorIs(t, err, apperror.ErrConflict)
	})

	t.Run("other session user untouched", func(t *testing.T) {
		other := env.store("observer")
		_, err := env.svc.Auth.Signup(ctx, other, "observer@example.com", "secret1")
		require.NoError(t, err)

		require.NoError(t, env.svc.Auth.UpdateUserEmail(ctx, other, "renamed@example.com", "final@example.com"))

		user, err := env.svc.Auth.CurrentUser(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, "observer@example.com", user.Email)
	})
}

func TestUpdateUserPassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.svc.Auth.UpdateUserPassword(ctx, "test@example.com", "changed-pass"))
	_, err := env.svc.Auth.Login(ctx, env.store("s"), "test@example.com", "changed-pass")
	assert.NoError(t, err)

	err = env.svc.Auth.UpdateUserPassword(ctx, "nobody@example.com", "changed-pass")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestAuth_RepositoryFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.repo.err = errBackend

	_, err := env.svc.Auth.Login(ctx, env.store("s"), "test@example.com", "password123")
	require.ErrorIs(t, err, errBackend)
	assert.NotErrorIs(t, err, apperror.ErrUnauthorized)
}
