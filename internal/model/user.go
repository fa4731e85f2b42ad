// Package model defines the data structures used throughout the application.
package model

import "time"

// User is the public account record held in a client session.
//
// ID and JoinDate never change after signup; Email can be changed from the
// account settings. The JSON shape is the one persisted under the session's
// user key, so renaming a tag breaks sessions that are already stored.
type User struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	JoinDate time.Time `json:"joinDate"`
}

// Account is a row of the account table: the public user plus the
// credential used by Login and VerifyOTP. It never leaves the service layer.
type Account struct {
	User
	PasswordHash string    `json:"-" db:"password_hash"` // empty for Google-only accounts
	UpdatedAt    time.Time `json:"-" db:"updated_at"`
}
