// Package finalvote runs the confirmation round that decides a
// manual-verification goal once all of its periods have been
// adjudicated. Ballots are durable rows with a per-referee uniqueness
// constraint, so the round survives restarts and duplicate submissions
// are rejected at the storage layer.
package finalvote

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/penalty"
	"github.com/stakeit/stakeit/internal/settlement"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/tally"
)

var (
	// ErrNotVoting is returned when the goal is not in its final
	// confirmation round.
	ErrNotVoting = errors.New("final voting is not active for this goal")

	// ErrAutomaticGoal is returned for goals adjudicated by proof;
	// those settle directly and never hold a confirmation round.
	ErrAutomaticGoal = errors.New("goal uses automatic verification")

	// ErrSelfVote is returned when the goal owner tries to vote on
	// their own goal.
	ErrSelfVote = errors.New("cannot vote on your own goal")
)

const maxFinalizeRetries = 5

type Engine struct {
	store  store.Store
	settle *settlement.Engine
}

func NewEngine(st store.Store, settle *settlement.Engine) *Engine {
	return &Engine{store: st, settle: settle}
}

type Ballot struct {
	GoalID   uuid.UUID
	UserID   string
	UserName string
	Platform models.Platform
	Approve  bool
}

// Result reports the round's state after a ballot lands. Passed stays
// nil until a majority forms. Disposition is set only on the ballot
// that finalizes the round.
type Result struct {
	Finalized     bool                 `json:"finalized"`
	Passed        *bool                `json:"passed"`
	YesVotes      int                  `json:"yesVotes"`
	NoVotes       int                  `json:"noVotes"`
	TotalReferees int                  `json:"totalReferees"`
	Disposition   *penalty.Disposition `json:"disposition,omitempty"`
}

// SubmitBallot records one referee's final vote and, when a majority
// forms, locks in the goal's terminal status. The majority is measured
// against the referee count at tally time, not the count captured when
// the goal was created.
func (e *Engine) SubmitBallot(ctx context.Context, ballot Ballot) (Result, error) {
	goal, err := e.store.GetGoal(ctx, ballot.GoalID)
	if err != nil {
		return Result{}, err
	}
	if goal.VerificationMode == models.VerificationZkTLS {
		return Result{}, ErrAutomaticGoal
	}
	if goal.FinalVoteStatus != models.FinalVoteVoting {
		return Result{}, ErrNotVoting
	}
	if ballot.UserID == goal.OwnerID {
		return Result{}, ErrSelfVote
	}

	referee, err := e.store.GetOrCreateReferee(ctx, goal.ID, ballot.UserID, ballot.UserName, ballot.Platform)
	if err != nil {
		return Result{}, err
	}
	if _, err := e.store.CreateFinalVote(ctx, goal.ID, referee.ID, ballot.Approve); err != nil {
		return Result{}, err
	}

	ballots, err := e.store.ListFinalVotes(ctx, goal.ID)
	if err != nil {
		return Result{}, err
	}
	referees, err := e.store.ListReferees(ctx, goal.ID)
	if err != nil {
		return Result{}, err
	}

	votes := make([]bool, 0, len(ballots))
	for _, b := range ballots {
		votes = append(votes, b.Approve)
	}
	count := tally.Count(votes, len(referees))

	result := Result{
		Passed:        count.Passed,
		YesVotes:      count.Yes,
		NoVotes:       count.No,
		TotalReferees: count.TotalReferees,
	}
	if !count.Resolved() {
		return result, nil
	}

	finalized, applied, err := e.finalize(ctx, goal.ID, *count.Passed)
	if err != nil {
		return Result{}, err
	}
	result.Finalized = true
	if applied {
		disposition := e.settle.ApplyDisposition(ctx, finalized)
		result.Disposition = &disposition
	}

	if err := e.store.ClearFinalVotes(ctx, goal.ID); err != nil {
		log.Printf("[finalvote] clear ballots for goal %s: %v", goal.ID, err)
	}
	return result, nil
}

// finalize writes the terminal status and finalized marker in one CAS.
// If a concurrent ballot already finalized the goal, its outcome wins:
// the goal is returned unchanged and applied reports false so the
// disposition is not applied twice.
func (e *Engine) finalize(ctx context.Context, goalID uuid.UUID, passed bool) (goal models.Goal, applied bool, err error) {
	for attempt := 0; attempt < maxFinalizeRetries; attempt++ {
		goal, err = e.store.GetGoal(ctx, goalID)
		if err != nil {
			return models.Goal{}, false, err
		}
		if goal.FinalVoteStatus == models.FinalVoteFinalized {
			return goal, false, nil
		}

		status := models.GoalStatusFailed
		if passed {
			status = models.GoalStatusCompleted
		}
		updated, err := e.store.UpdateGoalRun(ctx, store.GoalRunUpdate{
			ID:              goal.ID,
			ExpectedVersion: goal.Version,
			PeriodsPassed:   goal.PeriodsPassed,
			PeriodsFailed:   goal.PeriodsFailed,
			CurrentPeriod:   goal.CurrentPeriod,
			Status:          status,
			FinalVoteStatus: models.FinalVoteFinalized,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return models.Goal{}, false, err
		}
		return updated, true, nil
	}
	return models.Goal{}, false, fmt.Errorf("finalize goal %s: %w", goalID, store.ErrVersionConflict)
}
