// Package service is the goal lifecycle controller: intake validation,
// stake charging, activation on payment, progress updates, and goal
// listings. Period adjudication lives in verify, finalvote and
// settlement; this package owns everything around it.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/archive"
	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/notify"
	"github.com/stakeit/stakeit/internal/payments"
	"github.com/stakeit/stakeit/internal/store"
)

var (
	// ErrValidation wraps all goal intake rejections.
	ErrValidation = errors.New("invalid goal")

	// ErrNotOwner is returned when a caller acts on a goal they do not own.
	ErrNotOwner = errors.New("not the goal owner")

	// ErrNotActive is returned for progress updates on goals that are
	// not currently running.
	ErrNotActive = errors.New("goal is not active")

	// ErrSimulationDisabled is returned when simulated verification is
	// requested outside a development environment.
	ErrSimulationDisabled = errors.New("simulated verification disabled")
)

const (
	periodLength = 7 * 24 * time.Hour

	maxDurationDays   = 365
	maxDurationWeeks  = 52
	maxDurationMonths = 12

	minHoldMonths = 1
	maxHoldMonths = 12
)

type Config struct {
	ActiveGoalLimit   int
	SimulationEnabled bool
}

type Service struct {
	store    store.Store
	gateway  payments.Gateway
	photos   archive.PhotoStore
	notifier notify.Notifier
	cfg      Config
}

func New(st store.Store, gateway payments.Gateway, photos archive.PhotoStore, notifier notify.Notifier, cfg Config) *Service {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Service{store: st, gateway: gateway, photos: photos, notifier: notifier, cfg: cfg}
}

type CreateGoalRequest struct {
	OwnerID          string                  `json:"ownerId"`
	OwnerName        string                  `json:"ownerName"`
	Platform         models.Platform         `json:"platform"`
	GroupID          string                  `json:"groupId"`
	GroupName        string                  `json:"groupName"`
	Name             string                  `json:"name"`
	Description      string                  `json:"description"`
	StakeAmount      int64                   `json:"stakeAmount"`
	DurationValue    int                     `json:"durationValue"`
	DurationUnit     string                  `json:"durationUnit"`
	PenaltyType      models.PenaltyType      `json:"penaltyType"`
	CharityChoice    string                  `json:"charityChoice"`
	HoldMonths       int                     `json:"holdMonths"`
	VerificationMode models.VerificationMode `json:"verificationMode"`
	ThresholdValue   *int64                  `json:"thresholdValue"`
	Referees         []RefereeRequest        `json:"referees"`
}

type RefereeRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// CreateGoalResponse pairs the stored goal with the payment link the
// owner must follow before the goal activates.
type CreateGoalResponse struct {
	Goal       models.Goal `json:"goal"`
	ChargeID   string      `json:"chargeId"`
	PaymentURL string      `json:"paymentUrl"`
}

// CreateGoal validates the request, folds any unfrozen stake from past
// delayed-refund penalties into the charge, stores the goal as pending
// payment and creates the charge. The goal is removed again if the
// payment provider rejects the charge.
func (s *Service) CreateGoal(ctx context.Context, req CreateGoalRequest) (CreateGoalResponse, error) {
	totalPeriods, err := validateCreateGoal(req)
	if err != nil {
		return CreateGoalResponse{}, err
	}

	goalID := uuid.New()
	carryover, err := s.store.ClaimFrozenBalance(ctx, req.Platform, req.OwnerID, goalID, time.Now().UTC())
	if err != nil {
		return CreateGoalResponse{}, fmt.Errorf("claim frozen balance: %w", err)
	}

	in := store.GoalInput{
		ID:               goalID,
		OwnerID:          req.OwnerID,
		OwnerName:        req.OwnerName,
		Platform:         req.Platform,
		GroupID:          req.GroupID,
		GroupName:        req.GroupName,
		Name:             req.Name,
		Description:      req.Description,
		StakeAmount:      req.StakeAmount,
		TotalPeriods:     totalPeriods,
		PenaltyType:      req.PenaltyType,
		CharityChoice:    req.CharityChoice,
		HoldMonths:       req.HoldMonths,
		VerificationMode: req.VerificationMode,
		FrozenCarryover:  carryover,
		ActiveLimit:      s.cfg.ActiveGoalLimit,
	}
	if req.VerificationMode == models.VerificationZkTLS {
		in.ThresholdType = models.ThresholdMinimum
		in.ThresholdValue = req.ThresholdValue
	}
	for _, r := range req.Referees {
		in.Referees = append(in.Referees, store.RefereeSeed{
			UserID:   r.UserID,
			UserName: r.UserName,
			Platform: req.Platform,
		})
	}

	goal, err := s.store.CreateGoal(ctx, in)
	if err != nil {
		s.restoreClaim(ctx, goalID, carryover)
		return CreateGoalResponse{}, err
	}

	chargeAmount := goal.StakeAmount - carryover
	if chargeAmount < 0 {
		chargeAmount = 0
	}
	charge, err := s.gateway.CreateCharge(ctx, payments.ChargeRequest{
		GoalID:      goal.ID,
		UserID:      goal.OwnerID,
		Amount:      chargeAmount,
		Description: fmt.Sprintf("Stake for goal %q", goal.Name),
	})
	if err != nil {
		s.rollbackCreate(ctx, goal.ID, carryover, "charge failure")
		return CreateGoalResponse{}, fmt.Errorf("create charge: %w", err)
	}

	if _, err := s.store.CreatePayment(ctx, store.PaymentInput{
		GoalID:     goal.ID,
		ChargeID:   charge.ChargeID,
		Amount:     chargeAmount,
		PaymentURL: charge.PaymentURL,
	}); err != nil {
		s.rollbackCreate(ctx, goal.ID, carryover, "payment record failure")
		return CreateGoalResponse{}, fmt.Errorf("record payment: %w", err)
	}

	return CreateGoalResponse{Goal: goal, ChargeID: charge.ChargeID, PaymentURL: charge.PaymentURL}, nil
}

// rollbackCreate undoes a half-finished goal creation: the goal row is
// removed and any frozen balance the creation absorbed becomes
// claimable again.
func (s *Service) rollbackCreate(ctx context.Context, goalID uuid.UUID, carryover int64, reason string) {
	if err := s.store.DeleteGoal(ctx, goalID); err != nil {
		log.Printf("[service] rollback goal %s after %s: %v", goalID, reason, err)
	}
	s.restoreClaim(ctx, goalID, carryover)
}

func (s *Service) restoreClaim(ctx context.Context, goalID uuid.UUID, carryover int64) {
	if carryover == 0 {
		return
	}
	if err := s.store.RestoreFrozenBalance(ctx, goalID); err != nil {
		log.Printf("[service] restore frozen balance for goal %s: %v", goalID, err)
	}
}

func validateCreateGoal(req CreateGoalRequest) (totalPeriods int, err error) {
	if req.OwnerID == "" {
		return 0, fmt.Errorf("%w: ownerId required", ErrValidation)
	}
	switch req.Platform {
	case models.PlatformTelegram, models.PlatformWhatsApp, models.PlatformWeb:
	default:
		return 0, fmt.Errorf("%w: unknown platform %q", ErrValidation, req.Platform)
	}
	if req.Name == "" {
		return 0, fmt.Errorf("%w: name required", ErrValidation)
	}
	if req.StakeAmount <= 0 {
		return 0, fmt.Errorf("%w: stake must be positive", ErrValidation)
	}
	totalPeriods, err = parseDuration(req.DurationValue, req.DurationUnit)
	if err != nil {
		return 0, err
	}
	switch req.PenaltyType {
	case models.PenaltyForfeited, models.PenaltySplitToGroup:
	case models.PenaltyDelayedRefund:
		if req.HoldMonths < minHoldMonths || req.HoldMonths > maxHoldMonths {
			return 0, fmt.Errorf("%w: holdMonths must be between %d and %d", ErrValidation, minHoldMonths, maxHoldMonths)
		}
	case models.PenaltyCharityDonation:
		if req.CharityChoice == "" {
			return 0, fmt.Errorf("%w: charityChoice required for charity donation penalty", ErrValidation)
		}
	default:
		return 0, fmt.Errorf("%w: unknown penalty type %q", ErrValidation, req.PenaltyType)
	}
	if req.PenaltyType != models.PenaltyDelayedRefund && req.HoldMonths != 0 {
		return 0, fmt.Errorf("%w: holdMonths only applies to delayed refund", ErrValidation)
	}
	switch req.VerificationMode {
	case models.VerificationManual:
		if len(req.Referees) == 0 {
			return 0, fmt.Errorf("%w: manual verification needs at least one referee", ErrValidation)
		}
	case models.VerificationZkTLS:
		if req.ThresholdValue != nil && *req.ThresholdValue < 0 {
			return 0, fmt.Errorf("%w: threshold must not be negative", ErrValidation)
		}
	default:
		return 0, fmt.Errorf("%w: unknown verification mode %q", ErrValidation, req.VerificationMode)
	}
	for _, r := range req.Referees {
		if r.UserID == req.OwnerID {
			return 0, fmt.Errorf("%w: owner cannot referee their own goal", ErrValidation)
		}
	}
	return totalPeriods, nil
}

// parseDuration converts the requested duration into whole weekly
// periods. Days round up to the next week.
func parseDuration(value int, unit string) (int, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}
	switch unit {
	case "days":
		if value > maxDurationDays {
			return 0, fmt.Errorf("%w: duration exceeds %d days", ErrValidation, maxDurationDays)
		}
		return (value + 6) / 7, nil
	case "weeks":
		if value > maxDurationWeeks {
			return 0, fmt.Errorf("%w: duration exceeds %d weeks", ErrValidation, maxDurationWeeks)
		}
		return value, nil
	case "months":
		if value > maxDurationMonths {
			return 0, fmt.Errorf("%w: duration exceeds %d months", ErrValidation, maxDurationMonths)
		}
		return value * 4, nil
	default:
		return 0, fmt.Errorf("%w: unknown duration unit %q", ErrValidation, unit)
	}
}

// HandlePaymentEvent processes a provider webhook. Completing the same
// charge twice is harmless: the payment row flips to completed at most
// once and only that transition activates the goal.
func (s *Service) HandlePaymentEvent(ctx context.Context, event payments.ChargeEvent) error {
	if !event.Completed() {
		log.Printf("[service] ignoring payment event %q status %q", event.Key, event.Status)
		return nil
	}
	payment, err := s.store.CompletePayment(ctx, event.ChargeID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete payment %s: %w", event.ChargeID, err)
	}

	goal, err := s.store.GetGoal(ctx, payment.GoalID)
	if err != nil {
		return fmt.Errorf("load goal for payment %s: %w", event.ChargeID, err)
	}
	start := time.Now().UTC()
	end := start.Add(time.Duration(goal.TotalPeriods) * periodLength)
	goal, activated, err := s.store.ActivateGoal(ctx, goal.ID, start, end)
	if err != nil {
		return fmt.Errorf("activate goal %s: %w", goal.ID, err)
	}
	if activated {
		s.notifier.Publish(ctx, notify.NewEvent(notify.EventGoalActivated, goal.ID, map[string]interface{}{
			"name":         goal.Name,
			"ownerId":      goal.OwnerID,
			"totalPeriods": goal.TotalPeriods,
			"startDate":    start,
			"endDate":      end,
		}))
	}
	return nil
}

// GoalDetail is the full read model for one goal.
type GoalDetail struct {
	Goal            models.Goal             `json:"goal"`
	Referees        []models.Referee        `json:"referees"`
	PeriodResults   []models.PeriodResult   `json:"periodResults"`
	ZkVerifications []models.ZkVerification `json:"zkVerifications,omitempty"`
	ProgressUpdates []models.ProgressUpdate `json:"progressUpdates"`
}

func (s *Service) GetGoal(ctx context.Context, id uuid.UUID) (GoalDetail, error) {
	goal, err := s.store.GetGoal(ctx, id)
	if err != nil {
		return GoalDetail{}, err
	}
	referees, err := s.store.ListReferees(ctx, id)
	if err != nil {
		return GoalDetail{}, fmt.Errorf("list referees: %w", err)
	}
	results, err := s.store.ListPeriodResults(ctx, id)
	if err != nil {
		return GoalDetail{}, fmt.Errorf("list period results: %w", err)
	}
	updates, err := s.store.ListProgressUpdates(ctx, id)
	if err != nil {
		return GoalDetail{}, fmt.Errorf("list progress updates: %w", err)
	}
	detail := GoalDetail{Goal: goal, Referees: referees, PeriodResults: results, ProgressUpdates: updates}
	if goal.VerificationMode == models.VerificationZkTLS {
		zks, err := s.store.ListZkVerifications(ctx, id)
		if err != nil {
			return GoalDetail{}, fmt.Errorf("list zk verifications: %w", err)
		}
		detail.ZkVerifications = zks
	}
	return detail, nil
}

// ListProgress returns the goal's progress updates, oldest first.
func (s *Service) ListProgress(ctx context.Context, id uuid.UUID) ([]models.ProgressUpdate, error) {
	if _, err := s.store.GetGoal(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListProgressUpdates(ctx, id)
}

// ListGoals returns goals for an owner, or for a (platform, group) when
// groupID is set. Exactly one of the two filters applies.
func (s *Service) ListGoals(ctx context.Context, ownerID string, platform models.Platform, groupID string) ([]models.Goal, error) {
	if groupID != "" {
		return s.store.ListGoalsByGroup(ctx, platform, groupID)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: ownerId or groupId required", ErrValidation)
	}
	return s.store.ListGoalsByOwner(ctx, ownerID)
}

type ProgressRequest struct {
	GoalID      uuid.UUID `json:"goalId"`
	UserID      string    `json:"userId"`
	Period      int       `json:"period"`
	Notes       string    `json:"notes"`
	PhotoURLs   []string  `json:"photoUrls"`
	LocationLat *float64  `json:"locationLat"`
	LocationLng *float64  `json:"locationLng"`
}

// SubmitProgress records an owner's self-report for the current period.
// Progress is informational and never settles a period by itself.
func (s *Service) SubmitProgress(ctx context.Context, req ProgressRequest) (models.ProgressUpdate, error) {
	goal, err := s.store.GetGoal(ctx, req.GoalID)
	if err != nil {
		return models.ProgressUpdate{}, err
	}
	if goal.OwnerID != req.UserID {
		return models.ProgressUpdate{}, ErrNotOwner
	}
	if goal.Status != models.GoalStatusActive {
		return models.ProgressUpdate{}, ErrNotActive
	}
	period := req.Period
	if period == 0 {
		period = goal.CurrentPeriod
	}
	if period < 1 || period > goal.TotalPeriods {
		return models.ProgressUpdate{}, fmt.Errorf("%w: period %d out of range", ErrValidation, req.Period)
	}
	return s.store.CreateProgressUpdate(ctx, store.ProgressUpdateInput{
		GoalID:      goal.ID,
		Period:      period,
		Notes:       req.Notes,
		PhotoURLs:   req.PhotoURLs,
		LocationLat: req.LocationLat,
		LocationLng: req.LocationLng,
	})
}

// StoreProgressPhoto uploads a photo for the goal's current period and
// returns its URL. The caller attaches the URL to a progress update.
func (s *Service) StoreProgressPhoto(ctx context.Context, goalID uuid.UUID, userID, contentType string, body io.Reader) (string, error) {
	if s.photos == nil {
		return "", fmt.Errorf("photo storage not configured")
	}
	goal, err := s.store.GetGoal(ctx, goalID)
	if err != nil {
		return "", err
	}
	if goal.OwnerID != userID {
		return "", ErrNotOwner
	}
	if goal.Status != models.GoalStatusActive {
		return "", ErrNotActive
	}
	url, err := s.photos.StorePhoto(ctx, goal.ID, goal.CurrentPeriod, contentType, body)
	if err != nil {
		return "", fmt.Errorf("store photo: %w", err)
	}
	return url, nil
}
