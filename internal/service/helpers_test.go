package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/auth"
	"github.com/sakif/vm-image-generator/internal/kvstore"
	"github.com/sakif/vm-image-generator/internal/model"
)

// fakeUserRepo is an in-memory repository.UserRepository keyed by email.
type fakeUserRepo struct {
	mu       sync.Mutex
	accounts map[string]model.Account
	// set to simulate a database failure on every call
	err error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{accounts: make(map[string]model.Account)}
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.accounts[email]
	if !ok {
		return nil, apperror.NotFound("user", email)
	}
	return &a, nil
}

func (f *fakeUserRepo) Create(ctx context.Context, account *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.accounts[account.Email]; ok {
		return apperror.Conflict("user", account.Email)
	}
	if account.ID == "" {
		account.ID = "user-fake-" + account.Email
	}
	if account.JoinDate.IsZero() {
		account.JoinDate = time.Now().UTC()
	}
	f.accounts[account.Email] = *account
	return nil
}

func (f *fakeUserRepo) UpdateEmail(ctx context.Context, oldEmail, newEmail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	a, ok := f.accounts[oldEmail]
	if !ok {
		return apperror.NotFound("user", oldEmail)
	}
	if _, taken := f.accounts[newEmail]; taken {
		return apperror.Conflict("user", newEmail)
	}
	delete(f.accounts, oldEmail)
	a.Email = newEmail
	f.accounts[newEmail] = a
	return nil
}

func (f *fakeUserRepo) UpdatePassword(ctx context.Context, email, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	a, ok := f.accounts[email]
	if !ok {
		return apperror.NotFound("user", email)
	}
	a.PasswordHash = hash
	f.accounts[email] = a
	return nil
}

// failingStore fails every call with err.
type failingStore struct{ err error }

func (s failingStore) Get(context.Context, string) (string, error) { return "", s.err }
func (s failingStore) Set(context.Context, string, string) error   { return s.err }
func (s failingStore) Remove(context.Context, string) error        { return s.err }

var errBackend = errors.New("backend down")

// fixedGenerator returns canned images, or err.
type fixedGenerator struct {
	err   error
	calls int
}

func (g *fixedGenerator) Generate(ctx context.Context, prompt string, cfg model.ImageConfig) ([]model.GeneratedImage, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return NewPlaceholderGenerator().Generate(ctx, prompt, cfg)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	repo      *fakeUserRepo
	passwords *auth.PasswordService
	svc       *Services
	base      *kvstore.Memory
	manager   *Manager
}

// newTestEnv wires the services with zero latency, a fake account table
// holding the demo account, and an in-memory store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := newFakeUserRepo()
	passwords := auth.NewPasswordServiceForTest(bcrypt.MinCost)
	logger := discardLogger()

	svc := &Services{
		Auth:    NewAuthService(repo, passwords, Latency{}, nil, logger),
		Credits: NewCreditsService(Latency{}, nil, logger),
		Images:  NewImageService(NewPlaceholderGenerator(), Latency{}, nil, logger),
	}
	require.NoError(t, svc.Auth.SeedDefaults(context.Background()))

	base := kvstore.NewMemory()
	return &testEnv{
		repo:      repo,
		passwords: passwords,
		svc:       svc,
		base:      base,
		manager:   NewManager(base, svc, Latency{}, logger),
	}
}

// store returns a fresh session namespace.
func (e *testEnv) store(id string) kvstore.Store {
	return kvstore.Scoped(e.base, StorePrefix(id))
}

// loggedIn returns a session signed in as the demo account.
func (e *testEnv) loggedIn(t *testing.T, id string) *Session {
	t.Helper()
	s := e.manager.Get(id)
	_, err := s.Login(context.Background(), "test@example.com", "password123")
	require.NoError(t, err)
	return s
}
