package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/kvstore"
	"github.com/sakif/vm-image-generator/internal/metrics"
	"github.com/sakif/vm-image-generator/internal/model"
)

// CreditsService is the wallet. The balance lives in the session store as
// a decimal string under KeyCredits.
//
// Every operation is read-then-write without a lock of its own; Session
// serializes calls for one client.
type CreditsService struct {
	latency Latency
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewCreditsService(latency Latency, m *metrics.Metrics, logger *slog.Logger) *CreditsService {
	return &CreditsService{latency: latency, metrics: m, logger: logger}
}

// CreditResult is the outcome of a successful wallet change.
type CreditResult struct {
	Credits int
	Message string
}

// GetCredits returns the stored balance, or model.DefaultCredits when no
// balance is stored or it does not parse.
func (s *CreditsService) GetCredits(ctx context.Context, store kvstore.Store) (int, error) {
	return readCredits(ctx, store, s.logger)
}

// SetCredits writes an explicit balance.
func (s *CreditsService) SetCredits(ctx context.Context, store kvstore.Store, credits int) error {
	return writeCredits(ctx, store, credits)
}

// DeductCredit takes one credit. At zero it fails with
// apperror.ErrPaymentRequired and leaves the balance alone.
func (s *CreditsService) DeductCredit(ctx context.Context, store kvstore.Store) (*CreditResult, error) {
	res, err := s.DeductCredits(ctx, store, 1)
	if err != nil {
		return nil, err
	}
	res.Message = "Credit deducted successfully."
	return res, nil
}

// DeductCredits takes n credits in one write. When fewer than n are left it
// fails with apperror.ErrPaymentRequired and leaves the balance alone. The
// only cancellable wait comes before the balance is read.
func (s *CreditsService) DeductCredits(ctx context.Context, store kvstore.Store, n int) (*CreditResult, error) {
	if n < 1 {
		return nil, apperror.ValidationFailed("amount", "Amount to deduct must be positive.")
	}
	if err := wait(ctx, s.latency.Deduct); err != nil {
		return nil, err
	}

	current, err := readCredits(ctx, store, s.logger)
	if err != nil {
		return nil, err
	}
	if current < n {
		s.metrics.CreditOp("deduct", false, 0)
		return nil, apperror.InsufficientCredits("Not enough credits.")
	}

	current -= n
	if err := writeCredits(context.WithoutCancel(ctx), store, current); err != nil {
		return nil, err
	}
	s.metrics.CreditOp("deduct", true, 0)

	return &CreditResult{
		Credits: current,
		Message: fmt.Sprintf("%d credit(s) deducted.", n),
	}, nil
}

// AddCredits increases the balance by amount, which must be positive.
func (s *CreditsService) AddCredits(ctx context.Context, store kvstore.Store, amount int) (*CreditResult, error) {
	if err := wait(ctx, s.latency.Credits); err != nil {
		return nil, err
	}

	if amount <= 0 {
		s.metrics.CreditOp("add", false, 0)
		return nil, apperror.ValidationFailed("amount", "Amount to add must be positive.")
	}

	current, err := readCredits(ctx, store, s.logger)
	if err != nil {
		return nil, err
	}
	current += amount
	if err := writeCredits(ctx, store, current); err != nil {
		return nil, err
	}
	s.metrics.CreditOp("add", true, amount)

	return &CreditResult{
		Credits: current,
		Message: fmt.Sprintf("%d credits added successfully!", amount),
	}, nil
}

// RedeemCoupon adds a coupon's bonus. Codes are matched case-insensitively
// against the static coupon list; there is no single-use tracking, so the
// same code can be redeemed again.
func (s *CreditsService) RedeemCoupon(ctx context.Context, store kvstore.Store, code string) (*CreditResult, error) {
	if err := wait(ctx, s.latency.Credits); err != nil {
		return nil, err
	}

	coupon, ok := model.FindCoupon(strings.ToUpper(code))
	if !ok {
		s.metrics.CreditOp("redeem", false, 0)
		return nil, apperror.New(apperror.ErrNotFound, "Invalid or expired coupon code.")
	}

	current, err := readCredits(ctx, store, s.logger)
	if err != nil {
		return nil, err
	}
	current += coupon.BonusCredits
	if err := writeCredits(ctx, store, current); err != nil {
		return nil, err
	}
	s.metrics.CreditOp("redeem", true, coupon.BonusCredits)

	s.logger.Info("coupon redeemed",
		slog.String("code", coupon.Code),
		slog.Int("credits", current),
	)

	return &CreditResult{
		Credits: current,
		Message: fmt.Sprintf("Coupon redeemed! Added %d credits.", coupon.BonusCredits),
	}, nil
}

func readCredits(ctx context.Context, store kvstore.Store, logger *slog.Logger) (int, error) {
	raw, err := store.Get(ctx, KeyCredits)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return model.DefaultCredits, nil
		}
		return 0, fmt.Errorf("service/credits: reading balance: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		logger.Warn("resetting unreadable credit balance",
			slog.String("value", raw),
			slog.Int("credits", model.DefaultCredits),
		)
		return model.DefaultCredits, nil
	}
	return n, nil
}

func writeCredits(ctx context.Context, store kvstore.Store, credits int) error {
	if err := store.Set(ctx, KeyCredits, strconv.Itoa(credits)); err != nil {
		return fmt.Errorf("service/credits: writing balance: %w", err)
	}
	return nil
}
