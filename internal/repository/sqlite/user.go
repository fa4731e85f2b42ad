package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/model"
	"github.com/sakif/vm-image-generator/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

// GetByEmail retrieves an account by its login email.
// Returns apperror.ErrNotFound if no account uses that email.
func (db *DB) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	var a model.Account

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, email, password_hash, join_date, updated_at
		 FROM users WHERE email = ?`,
		email,
	).Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.JoinDate,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", email)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", email, err)
	}

	return &a, nil
}

// Create inserts a new account. An empty ID is filled with "user-<xid>";
// a zero JoinDate is set to now.
//
// Returns apperror.ErrConflict when the email is already registered.
func (db *DB) Create(ctx context.Context, account *model.Account) error {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = "user-" + xid.New().String()
	}
	if account.JoinDate.IsZero() {
		account.JoinDate = now
	}
	account.UpdatedAt = now

	// The UNIQUE(email) constraint decides concurrent signups for one email.
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, join_date, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		account.ID,
		account.Email,
		account.PasswordHash,
		account.JoinDate,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting user %s: %w", account.Email, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: inserting user %s: %w", account.Email, err)
	}
	if n == 0 {
		return apperror.Conflict("user", account.Email)
	}

	return nil
}

// UpdateEmail moves an account from oldEmail to newEmail.
//
// The existence checks and the UPDATE run in one transaction so a
// concurrent signup cannot slip in between the conflict check and the write.
func (db *DB) UpdateEmail(ctx context.Context, oldEmail, newEmail string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning email update: %w", err)
	}
	defer tx.Rollback()

	taken, err := db.emailExists(ctx, tx, newEmail)
	if err != nil {
		return err
	}
	if taken {
		return apperror.Conflict("user", newEmail)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET email = ?, updated_at = ? WHERE email = ?`,
		newEmail, time.Now().UTC(), oldEmail,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating email %s: %w", oldEmail, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("sqlite: email update rows affected: %w", err)
	} else if n == 0 {
		return apperror.NotFound("user", oldEmail)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing email update: %w", err)
	}
	return nil
}

// UpdatePassword replaces the stored password hash for email.
func (db *DB) UpdatePassword(ctx context.Context, email, passwordHash string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE email = ?`,
		passwordHash, time.Now().UTC(), email,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating password for %s: %w", email, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: password update rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("user", email)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) emailExists(ctx context.Context, q queryer, email string) (bool, error) {
	var count int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE email = ?`, email,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("sqlite: checking email %s: %w", email, err)
	}
	return count > 0, nil
}
