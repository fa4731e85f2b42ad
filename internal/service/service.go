// Package service contains the business logic of the image generator.
//
// THE LAYERS:
//
//	Handler (HTTP)  → parses requests, writes JSON
//	Session         → one client's auth state and page workflows
//	Auth/Credits/Image services → business rules
//	UserRepository + kvstore.Store → persistence
//
// The three services are stateless. Every call that touches client state
// takes the session's kvstore.Store explicitly, so the same service values
// serve every client. The account table is shared by all clients and comes
// in through repository.UserRepository.
//
// ERRORS:
// Failures are *apperror.AppError values whose Message is the text the user
// sees. Success messages travel in the result structs. Anything that is not
// an AppError is an infrastructure failure and maps to a 500.
package service

import (
	"context"
	"time"
)

// Session store keys. These names are the persisted format; changing one
// orphans existing sessions.
const (
	KeyUser     = "vm_image_generator_user"
	KeyCredits  = "vm_image_generator_credits"
	KeyGallery  = "vm_image_generator_gallery_images"
	ResetOTP    = "123456"
	GoogleEmail = "google_user@example.com"
)

// Latency is the artificial delay each mocked backend call waits before
// answering. The zero value disables all delays, which is what tests use.
type Latency struct {
	Auth     time.Duration // login, signup, forgot password, OTP
	Google   time.Duration // mocked Google sign-in
	Deduct   time.Duration // single credit deduction
	Credits  time.Duration // add credits, redeem coupon
	Payment  time.Duration // simulated UPI payment before credits are added
	Generate time.Duration // image generation
	Restore  time.Duration // session restore on first load
}

// DefaultLatency mirrors the delays the mocked frontend services used.
func DefaultLatency() Latency {
	return Latency{
		Auth:     time.Second,
		Google:   1500 * time.Millisecond,
		Deduct:   200 * time.Millisecond,
		Credits:  500 * time.Millisecond,
		Payment:  2 * time.Second,
		Generate: 2 * time.Second,
		Restore:  500 * time.Millisecond,
	}
}

// wait blocks for d or until ctx is done. A client that disconnects
// mid-request stops waiting and the operation is abandoned before any
// state is written.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
