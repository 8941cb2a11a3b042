package acceptance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/finalvote"
	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/notify"
	"github.com/stakeit/stakeit/internal/payments"
	"github.com/stakeit/stakeit/internal/service"
	"github.com/stakeit/stakeit/internal/settlement"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/verify"
)

type stubGateway struct{}

func (stubGateway) CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	return payments.Charge{
		ChargeID:   "charge-" + req.GoalID.String(),
		PaymentURL: "https://pay.example/" + req.GoalID.String(),
	}, nil
}

type stack struct {
	store      *store.MemoryStore
	service    *service.Service
	verifier   *verify.Adapter
	finalVotes *finalvote.Engine
}

func newStack(proofSecret []byte) stack {
	st := store.NewMemoryStore()
	settle := settlement.NewEngine(st, notify.NopNotifier{})
	var proofs verify.ProofVerifier
	if len(proofSecret) > 0 {
		proofs, _ = verify.NewJWTVerifier(proofSecret)
	}
	verifier := verify.NewAdapter(st, settle, proofs, notify.NopNotifier{})
	return stack{
		store:      st,
		service:    service.New(st, stubGateway{}, nil, notify.NopNotifier{}, service.Config{ActiveGoalLimit: 3}),
		verifier:   verifier,
		finalVotes: finalvote.NewEngine(st, settle),
	}
}

func (s stack) createAndActivate(t *testing.T, req service.CreateGoalRequest) models.Goal {
	t.Helper()
	ctx := context.Background()
	resp, err := s.service.CreateGoal(ctx, req)
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	err = s.service.HandlePaymentEvent(ctx, payments.ChargeEvent{
		Key: "charge.complete", ChargeID: resp.ChargeID, Status: "successful",
	})
	if err != nil {
		t.Fatalf("payment event: %v", err)
	}
	goal, err := s.store.GetGoal(ctx, resp.Goal.ID)
	if err != nil {
		t.Fatalf("reload goal: %v", err)
	}
	if goal.Status != models.GoalStatusActive {
		t.Fatalf("goal not active after payment: %s", goal.Status)
	}
	return goal
}

func (s stack) votePeriod(t *testing.T, goalID uuid.UUID, period int, approvals map[string]bool) {
	t.Helper()
	for userID, approve := range approvals {
		_, err := s.verifier.SubmitVote(context.Background(), verify.VoteSubmission{
			GoalID:   goalID,
			UserID:   userID,
			UserName: userID,
			Platform: models.PlatformTelegram,
			Period:   period,
			Approve:  approve,
		})
		if err != nil {
			t.Fatalf("vote %s period %d: %v", userID, period, err)
		}
	}
}

func manualGoalRequest(totalWeeks int) service.CreateGoalRequest {
	return service.CreateGoalRequest{
		OwnerID:          "owner-1",
		OwnerName:        "Owner",
		Platform:         models.PlatformTelegram,
		GroupID:          "group-1",
		GroupName:        "Accountability Club",
		Name:             "ship a blog post weekly",
		StakeAmount:      10000,
		DurationValue:    totalWeeks,
		DurationUnit:     "weeks",
		PenaltyType:      models.PenaltyForfeited,
		VerificationMode: models.VerificationManual,
		Referees: []service.RefereeRequest{
			{UserID: "ref-a", UserName: "A"},
			{UserID: "ref-b", UserName: "B"},
			{UserID: "ref-c", UserName: "C"},
		},
	}
}

// Full manual-verification lifecycle: create, pay, adjudicate every
// period by referee majority, then complete through the confirmation
// round.
func TestManualGoalFullLifecycle(t *testing.T) {
	s := newStack(nil)
	ctx := context.Background()
	goal := s.createAndActivate(t, manualGoalRequest(2))

	s.votePeriod(t, goal.ID, 1, map[string]bool{"ref-a": true, "ref-b": true})
	s.votePeriod(t, goal.ID, 2, map[string]bool{"ref-a": true, "ref-b": false, "ref-c": true})

	goal, _ = s.store.GetGoal(ctx, goal.ID)
	if goal.PeriodsPassed != 2 {
		t.Fatalf("periods passed = %d, want 2", goal.PeriodsPassed)
	}
	if goal.FinalVoteStatus != models.FinalVoteVoting {
		t.Fatalf("confirmation round not open: %s", goal.FinalVoteStatus)
	}

	for _, ref := range []string{"ref-a", "ref-b"} {
		result, err := s.finalVotes.SubmitBallot(ctx, finalvote.Ballot{
			GoalID: goal.ID, UserID: ref, UserName: ref, Platform: models.PlatformTelegram, Approve: true,
		})
		if err != nil {
			t.Fatalf("final ballot %s: %v", ref, err)
		}
		if ref == "ref-b" && !result.Finalized {
			t.Fatalf("majority ballot did not finalize")
		}
	}

	goal, _ = s.store.GetGoal(ctx, goal.ID)
	if goal.Status != models.GoalStatusCompleted {
		t.Fatalf("status = %s, want completed", goal.Status)
	}
}

// A failed goal with the delayed-refund penalty freezes the stake, and
// the hold is folded into the next goal's charge once it expires.
func TestFailedGoalFreezesAndCarriesOver(t *testing.T) {
	s := newStack(nil)
	ctx := context.Background()

	req := manualGoalRequest(2)
	req.PenaltyType = models.PenaltyDelayedRefund
	req.HoldMonths = 1
	goal := s.createAndActivate(t, req)

	s.votePeriod(t, goal.ID, 1, map[string]bool{"ref-a": false, "ref-b": false})
	s.votePeriod(t, goal.ID, 2, map[string]bool{"ref-a": false, "ref-b": false})

	for _, ref := range []string{"ref-a", "ref-b"} {
		if _, err := s.finalVotes.SubmitBallot(ctx, finalvote.Ballot{
			GoalID: goal.ID, UserID: ref, UserName: ref, Platform: models.PlatformTelegram, Approve: false,
		}); err != nil {
			t.Fatalf("final ballot %s: %v", ref, err)
		}
	}

	goal, _ = s.store.GetGoal(ctx, goal.ID)
	if goal.Status != models.GoalStatusFailed {
		t.Fatalf("status = %s, want failed", goal.Status)
	}

	// Before the hold expires the next goal pays full price; the
	// memory store honors frozen_until the same way the claim query
	// does.
	amount, err := s.store.ClaimFrozenBalance(ctx, goal.Platform, goal.OwnerID, uuid.New(), time.Now().UTC())
	if err != nil {
		t.Fatalf("early claim: %v", err)
	}
	if amount != 0 {
		t.Fatalf("claimed %d before hold expired", amount)
	}

	amount, err = s.store.ClaimFrozenBalance(ctx, goal.Platform, goal.OwnerID, uuid.New(), time.Now().UTC().AddDate(0, 2, 0))
	if err != nil {
		t.Fatalf("claim after hold: %v", err)
	}
	if amount != goal.StakeAmount {
		t.Fatalf("claimed %d, want %d", amount, goal.StakeAmount)
	}
}

// Full automatic-verification lifecycle: zkTLS proofs settle each
// period and the goal completes without any confirmation round.
func TestAutomaticGoalFullLifecycle(t *testing.T) {
	secret := []byte("attestor-secret")
	s := newStack(secret)
	ctx := context.Background()

	threshold := int64(10000)
	req := manualGoalRequest(3)
	req.GroupID = "group-zk"
	req.Name = "walk 10k steps"
	req.VerificationMode = models.VerificationZkTLS
	req.ThresholdValue = &threshold
	req.Referees = nil
	goal := s.createAndActivate(t, req)

	for period := 1; period <= 3; period++ {
		claims := jwt.MapClaims{
			"goalId":   goal.ID.String(),
			"period":   period,
			"provider": "fitbit",
			"value":    int64(10000 + period),
			"exp":      time.Now().Add(time.Hour).Unix(),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("sign proof: %v", err)
		}
		outcome, err := s.verifier.HandleProof(ctx, token)
		if err != nil {
			t.Fatalf("proof period %d: %v", period, err)
		}
		if !outcome.Verified {
			t.Fatalf("proof period %d not verified", period)
		}
	}

	goal, _ = s.store.GetGoal(ctx, goal.ID)
	if goal.Status != models.GoalStatusCompleted {
		t.Fatalf("status = %s, want completed", goal.Status)
	}
	if goal.FinalVoteStatus != models.FinalVoteFinalized {
		t.Fatalf("automatic goal entered a confirmation round")
	}

	results, _ := s.store.ListPeriodResults(ctx, goal.ID)
	if len(results) != 3 {
		t.Fatalf("period results = %d, want 3", len(results))
	}
	for _, res := range results {
		if res.Passed == nil || !*res.Passed || res.FinalizedAt == nil {
			t.Fatalf("period %d not finalized: %+v", res.Period, res)
		}
	}
}

// The per-group cap counts pending and active goals together.
func TestGoalLimitAcrossLifecycle(t *testing.T) {
	s := newStack(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := manualGoalRequest(2)
		req.Name = fmt.Sprintf("goal %d", i)
		if i == 0 {
			s.createAndActivate(t, req)
			continue
		}
		if _, err := s.service.CreateGoal(ctx, req); err != nil {
			t.Fatalf("goal %d: %v", i, err)
		}
	}
	if _, err := s.service.CreateGoal(ctx, manualGoalRequest(2)); err == nil {
		t.Fatalf("fourth open goal allowed past the cap")
	}
}
