// Package verify normalizes the two adjudication mechanisms, human
// referee voting and zkTLS proof verification, into one "did this
// period pass" decision handed to the settlement engine.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/notify"
	"github.com/stakeit/stakeit/internal/settlement"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/tally"
)

var (
	// ErrGoalNotActive rejects adjudication events for goals that are
	// not running.
	ErrGoalNotActive = errors.New("goal is not active")

	// ErrSelfVote rejects the goal owner adjudicating their own goal.
	ErrSelfVote = errors.New("cannot vote on your own goal")

	// ErrInvalidPeriod rejects periods outside 1..totalPeriods.
	ErrInvalidPeriod = errors.New("period out of range")

	// ErrPeriodResolved rejects adjudication of a period whose outcome
	// is already locked in.
	ErrPeriodResolved = errors.New("period already resolved")

	// ErrManualGoal rejects proof submissions against goals that use
	// referee voting.
	ErrManualGoal = errors.New("goal uses manual verification")

	// ErrAutomaticGoal rejects referee votes against goals adjudicated
	// by zkTLS proofs. A goal never mixes the two mechanisms.
	ErrAutomaticGoal = errors.New("goal uses automatic verification")
)

type Adapter struct {
	store    store.Store
	settle   *settlement.Engine
	proofs   ProofVerifier
	notifier notify.Notifier
}

func NewAdapter(st store.Store, settle *settlement.Engine, proofs ProofVerifier, notifier notify.Notifier) *Adapter {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Adapter{store: st, settle: settle, proofs: proofs, notifier: notifier}
}

type VoteSubmission struct {
	GoalID   uuid.UUID
	UserID   string
	UserName string
	Platform models.Platform
	Period   int
	Approve  bool
}

// PeriodStatus is the tally state reported back to the voter.
type PeriodStatus struct {
	YesVotes      int   `json:"yesVotes"`
	NoVotes       int   `json:"noVotes"`
	TotalReferees int   `json:"totalReferees"`
	Passed        *bool `json:"passed"`
}

// SubmitVote records one referee vote for one period of a
// manual-verification goal, re-tallies the period, and settles it the
// first time the tally resolves. The referee row is created lazily on
// first vote; the owner can never become one.
func (a *Adapter) SubmitVote(ctx context.Context, sub VoteSubmission) (PeriodStatus, error) {
	goal, err := a.store.GetGoal(ctx, sub.GoalID)
	if err != nil {
		return PeriodStatus{}, err
	}
	if goal.VerificationMode != models.VerificationManual {
		return PeriodStatus{}, ErrAutomaticGoal
	}
	if goal.Status != models.GoalStatusActive {
		return PeriodStatus{}, ErrGoalNotActive
	}
	if sub.UserID == goal.OwnerID {
		return PeriodStatus{}, ErrSelfVote
	}
	if sub.Period < 1 || sub.Period > goal.TotalPeriods {
		return PeriodStatus{}, ErrInvalidPeriod
	}

	referee, err := a.store.GetOrCreateReferee(ctx, goal.ID, sub.UserID, sub.UserName, sub.Platform)
	if err != nil {
		return PeriodStatus{}, err
	}
	if _, err := a.store.CreateVote(ctx, goal.ID, referee.ID, sub.Period, sub.Approve); err != nil {
		return PeriodStatus{}, err
	}

	status, resolved, err := a.retallyPeriod(ctx, goal.ID, sub.Period)
	if err != nil {
		return PeriodStatus{}, err
	}
	if resolved {
		if _, err := a.settle.SettlePeriod(ctx, goal.ID, sub.Period, *status.Passed); err != nil {
			return PeriodStatus{}, fmt.Errorf("settle period: %w", err)
		}
	}
	return status, nil
}

// retallyPeriod recomputes the period's tally from the persisted votes
// and rewrites the running counts. The upsert never touches the
// outcome, so a finalized period cannot flip even if late voters grow
// the referee pool enough to change the majority math. resolved is true
// only when this call claimed the finalization, which is the single
// point that hands off to settlement: two voters whose votes jointly
// form the majority race to FinalizePeriodResult and exactly one wins.
func (a *Adapter) retallyPeriod(ctx context.Context, goalID uuid.UUID, period int) (PeriodStatus, bool, error) {
	votes, err := a.store.ListVotesForPeriod(ctx, goalID, period)
	if err != nil {
		return PeriodStatus{}, false, err
	}
	referees, err := a.store.ListReferees(ctx, goalID)
	if err != nil {
		return PeriodStatus{}, false, err
	}

	bools := make([]bool, 0, len(votes))
	for _, v := range votes {
		bools = append(bools, v.Approve)
	}
	count := tally.Count(bools, len(referees))

	result, err := a.store.UpsertPeriodResult(ctx, store.PeriodResultInput{
		GoalID:        goalID,
		Period:        period,
		YesVotes:      count.Yes,
		NoVotes:       count.No,
		TotalReferees: count.TotalReferees,
	})
	if err != nil {
		return PeriodStatus{}, false, err
	}

	status := PeriodStatus{
		YesVotes:      result.YesVotes,
		NoVotes:       result.NoVotes,
		TotalReferees: result.TotalReferees,
		Passed:        result.Passed,
	}
	if !count.Resolved() || result.Passed != nil {
		return status, false, nil
	}

	claimed, err := a.store.FinalizePeriodResult(ctx, goalID, period, *count.Passed)
	if err != nil {
		return PeriodStatus{}, false, err
	}
	if claimed {
		status.Passed = count.Passed
	}
	return status, claimed, nil
}

// ProofOutcome reports how an automatic-verification proof was handled.
type ProofOutcome struct {
	GoalID         uuid.UUID `json:"goalId"`
	Period         int       `json:"period"`
	Verified       bool      `json:"verified"`
	ExtractedValue int64     `json:"extractedValue"`
}

// HandleProof applies one zkTLS attestation to an automatic goal. A
// valid proof that clears the goal's threshold settles the period as
// passed. A failed or expired proof only records the attempt: it never
// settles the period as failed, so an automatic goal can only fail by
// running out of periods without enough passes.
func (a *Adapter) HandleProof(ctx context.Context, token string) (ProofOutcome, error) {
	if a.proofs == nil {
		return ProofOutcome{}, fmt.Errorf("%w: no proof verifier configured", ErrProofInvalid)
	}
	claims, err := a.proofs.Verify(token)
	if err != nil {
		// Record the expired attempt, but only against a goal that
		// actually exists and takes proofs.
		if errors.Is(err, ErrProofExpired) && claims.GoalID != uuid.Nil {
			goal, getErr := a.store.GetGoal(ctx, claims.GoalID)
			if getErr == nil && goal.VerificationMode == models.VerificationZkTLS {
				if recErr := a.RecordProofFailure(ctx, claims.GoalID, claims.Period, claims.Provider, models.ZkExpired); recErr != nil {
					return ProofOutcome{}, recErr
				}
			}
		}
		return ProofOutcome{}, err
	}

	goal, err := a.store.GetGoal(ctx, claims.GoalID)
	if err != nil {
		return ProofOutcome{}, err
	}
	if goal.VerificationMode != models.VerificationZkTLS {
		return ProofOutcome{}, ErrManualGoal
	}
	if goal.Status != models.GoalStatusActive {
		return ProofOutcome{}, ErrGoalNotActive
	}
	if claims.Period > goal.TotalPeriods {
		return ProofOutcome{}, ErrInvalidPeriod
	}
	if result, err := a.store.GetPeriodResult(ctx, goal.ID, claims.Period); err == nil && result.Passed != nil {
		return ProofOutcome{}, ErrPeriodResolved
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return ProofOutcome{}, err
	}

	passed := meetsThreshold(claims.Value, goal.ThresholdValue)
	zkStatus := models.ZkVerified
	if !passed {
		zkStatus = models.ZkFailed
	}
	_, err = a.store.UpsertZkVerification(ctx, store.ZkVerificationInput{
		GoalID:         goal.ID,
		Period:         claims.Period,
		Provider:       claims.Provider,
		ExtractedValue: fmt.Sprintf("%d", claims.Value),
		ProofHash:      claims.Hash,
		Status:         zkStatus,
	})
	if err != nil {
		return ProofOutcome{}, err
	}

	outcome := ProofOutcome{
		GoalID:         goal.ID,
		Period:         claims.Period,
		Verified:       passed,
		ExtractedValue: claims.Value,
	}
	if !passed {
		return outcome, nil
	}

	if _, err := a.store.UpsertPeriodResult(ctx, store.PeriodResultInput{
		GoalID:        goal.ID,
		Period:        claims.Period,
		YesVotes:      1,
		TotalReferees: 0,
	}); err != nil {
		return ProofOutcome{}, err
	}
	claimed, err := a.store.FinalizePeriodResult(ctx, goal.ID, claims.Period, true)
	if err != nil {
		return ProofOutcome{}, err
	}
	if !claimed {
		return ProofOutcome{}, ErrPeriodResolved
	}
	if _, err := a.settle.SettlePeriod(ctx, goal.ID, claims.Period, true); err != nil {
		return ProofOutcome{}, fmt.Errorf("settle period: %w", err)
	}
	a.notifier.Publish(ctx, notify.NewEvent(notify.EventProofVerified, goal.ID, outcome))
	return outcome, nil
}

// RecordProofFailure persists a failed or expired verification attempt
// for a goal/period the caller already identified. Counters stay
// untouched.
func (a *Adapter) RecordProofFailure(ctx context.Context, goalID uuid.UUID, period int, provider string, status models.ZkStatus) error {
	_, err := a.store.UpsertZkVerification(ctx, store.ZkVerificationInput{
		GoalID:   goalID,
		Period:   period,
		Provider: provider,
		Status:   status,
	})
	return err
}

// ApplySimulatedOutcome drives one period through the same result and
// settlement path real adjudication uses, without requiring referee
// votes or proofs. It enforces the same invariants: active goal, period
// in range, period not already resolved.
func (a *Adapter) ApplySimulatedOutcome(ctx context.Context, goalID uuid.UUID, period int, passed bool) (models.Goal, error) {
	goal, err := a.store.GetGoal(ctx, goalID)
	if err != nil {
		return models.Goal{}, err
	}
	if goal.Status != models.GoalStatusActive {
		return models.Goal{}, ErrGoalNotActive
	}
	if period < 1 || period > goal.TotalPeriods {
		return models.Goal{}, ErrInvalidPeriod
	}
	if result, err := a.store.GetPeriodResult(ctx, goal.ID, period); err == nil && result.Passed != nil {
		return models.Goal{}, ErrPeriodResolved
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.Goal{}, err
	}

	yes, no := 0, 0
	if passed {
		yes = 1
	} else {
		no = 1
	}
	if _, err := a.store.UpsertPeriodResult(ctx, store.PeriodResultInput{
		GoalID:        goal.ID,
		Period:        period,
		YesVotes:      yes,
		NoVotes:       no,
		TotalReferees: 0,
	}); err != nil {
		return models.Goal{}, err
	}
	claimed, err := a.store.FinalizePeriodResult(ctx, goal.ID, period, passed)
	if err != nil {
		return models.Goal{}, err
	}
	if !claimed {
		return models.Goal{}, ErrPeriodResolved
	}
	return a.settle.SettlePeriod(ctx, goal.ID, period, passed)
}

// meetsThreshold implements the minimum comparison: pass iff the
// extracted value reaches the threshold. A goal without a threshold
// always passes on a valid proof.
func meetsThreshold(value int64, threshold *int64) bool {
	if threshold == nil {
		return true
	}
	return value >= *threshold
}
