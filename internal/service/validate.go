package service

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sakif/vm-image-generator/internal/apperror"
)

// Form rules shared by the auth pages, the account settings and the
// generation form. Each check returns a field-tagged validation error or
// nil.

const (
	MinPasswordLength = 6
	MinPromptLength   = 10
	MaxImagesPerBatch = 4
)

var (
	emailPattern = regexp.MustCompile(`\S+@\S+\.\S+`)
	otpPattern   = regexp.MustCompile(`^\d{6}$`)
	upiPattern   = regexp.MustCompile(`^[\w.-]+@[\w.-]+$`)
)

// ValidateEmail checks presence and a loose something@something.tld shape.
func ValidateEmail(email string) error {
	if email == "" {
		return apperror.ValidationFailed("email", "Email is required.")
	}
	if !emailPattern.MatchString(email) {
		return apperror.ValidationFailed("email", "Email address is invalid.")
	}
	return nil
}

// ValidateLoginPassword only requires a value; login never enforces length.
func ValidateLoginPassword(password string) error {
	if password == "" {
		return apperror.ValidationFailed("password", "Password is required.")
	}
	return nil
}

// ValidateNewPassword checks a password being set. label names the field
// in the "is required" message ("Password", "New password").
func ValidateNewPassword(field, label, password string) error {
	if password == "" {
		return apperror.ValidationFailed(field, label+" is required.")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return apperror.ValidationFailed(field, "Password must be at least 6 characters.")
	}
	return nil
}

// ValidateConfirmPassword checks the confirmation box against password.
func ValidateConfirmPassword(field, label, confirm, password string) error {
	if confirm == "" {
		return apperror.ValidationFailed(field, label+" is required.")
	}
	if confirm != password {
		return apperror.ValidationFailed(field, "Passwords do not match.")
	}
	return nil
}

func ValidateOTP(otp string) error {
	if otp == "" {
		return apperror.ValidationFailed("otp", "OTP is required.")
	}
	if !otpPattern.MatchString(otp) {
		return apperror.ValidationFailed("otp", "OTP must be 6 digits.")
	}
	return nil
}

func ValidateUPIID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperror.ValidationFailed("upiId", "UPI ID is required.")
	}
	if !upiPattern.MatchString(id) {
		return apperror.ValidationFailed("upiId", "Invalid UPI ID format.")
	}
	return nil
}

func ValidateCouponCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return apperror.ValidationFailed("couponCode", "Coupon code cannot be empty.")
	}
	return nil
}

// ValidatePrompt applies the generation form's rule: the trimmed prompt
// must be at least MinPromptLength characters.
func ValidatePrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return apperror.ValidationFailed("prompt", "Prompt cannot be empty.")
	}
	if utf8.RuneCountInString(trimmed) < MinPromptLength {
		return apperror.ValidationFailed("prompt", "Prompt must be at least 10 characters long for better results.")
	}
	return nil
}

// firstError returns the first non-nil error, so a form reports the
// topmost invalid field.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
