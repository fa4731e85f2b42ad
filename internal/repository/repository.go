// Package repository declares the persistence interfaces the services depend
// on. Concrete implementations live in sub-packages (see repository/sqlite).
package repository

import (
	"context"

	"github.com/sakif/vm-image-generator/internal/model"
)

// UserRepository is the account table: the set of users that can log in.
//
// Lookups are by email because that is what every auth form submits.
// Implementations return apperror.ErrNotFound for unknown emails and
// apperror.ErrConflict when an email is already taken.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	Create(ctx context.Context, account *model.Account) error
	UpdateEmail(ctx context.Context, oldEmail, newEmail string) error
	UpdatePassword(ctx context.Context, email, passwordHash string) error
}
