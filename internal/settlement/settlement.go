// Package settlement advances a goal's run as periods resolve and
// locks in the terminal outcome once every period is decided.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/notify"
	"github.com/stakeit/stakeit/internal/penalty"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/tally"
)

// ErrGoalNotActive is returned when a settlement is attempted against a
// goal that is not running.
var ErrGoalNotActive = errors.New("goal is not active")

// maxRetries bounds the compare-and-swap loop. Conflicts only happen
// when adjudications for the same goal race, so a handful of retries is
// plenty.
const maxRetries = 5

type Engine struct {
	store    store.Store
	notifier notify.Notifier
}

func NewEngine(st store.Store, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Engine{store: st, notifier: notifier}
}

// SettlePeriod records one resolved period and advances the goal's
// counters in a single read-modify-CAS cycle. Two settlements racing on
// the same goal serialize through the version check: the loser re-reads
// and retries, so both increments land.
//
// When the run completes, automatic goals settle terminally right here;
// manual goals instead enter the final confirmation round and stay
// active until it resolves.
func (e *Engine) SettlePeriod(ctx context.Context, goalID uuid.UUID, period int, passed bool) (models.Goal, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		goal, err := e.store.GetGoal(ctx, goalID)
		if err != nil {
			return models.Goal{}, err
		}
		if goal.Status != models.GoalStatusActive {
			return models.Goal{}, ErrGoalNotActive
		}

		update := store.GoalRunUpdate{
			ID:              goal.ID,
			ExpectedVersion: goal.Version,
			PeriodsPassed:   goal.PeriodsPassed,
			PeriodsFailed:   goal.PeriodsFailed,
			CurrentPeriod:   goal.CurrentPeriod,
			Status:          goal.Status,
			FinalVoteStatus: goal.FinalVoteStatus,
		}
		if passed {
			update.PeriodsPassed++
		} else {
			update.PeriodsFailed++
		}

		totalDone := update.PeriodsPassed + update.PeriodsFailed
		if totalDone < goal.TotalPeriods {
			next := period + 1
			if next > goal.TotalPeriods {
				next = goal.TotalPeriods
			}
			update.CurrentPeriod = next
		} else {
			switch goal.VerificationMode {
			case models.VerificationZkTLS:
				// Automatic goals need no confirmation round: a
				// majority of passed periods decides the outcome now.
				if update.PeriodsPassed >= tally.MajorityNeeded(goal.TotalPeriods) {
					update.Status = models.GoalStatusCompleted
				} else {
					update.Status = models.GoalStatusFailed
				}
				update.FinalVoteStatus = models.FinalVoteFinalized
			default:
				update.FinalVoteStatus = models.FinalVoteVoting
			}
		}

		updated, err := e.store.UpdateGoalRun(ctx, update)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return models.Goal{}, err
		}

		e.notifier.Publish(ctx, notify.NewEvent(notify.EventPeriodSettled, updated.ID, map[string]interface{}{
			"period":        period,
			"passed":        passed,
			"periodsPassed": updated.PeriodsPassed,
			"periodsFailed": updated.PeriodsFailed,
		}))
		if updated.FinalVoteStatus == models.FinalVoteVoting && goal.FinalVoteStatus != models.FinalVoteVoting {
			e.notifier.Publish(ctx, notify.NewEvent(notify.EventFinalVoteStarted, updated.ID, nil))
		}
		if updated.Status == models.GoalStatusCompleted || updated.Status == models.GoalStatusFailed {
			e.ApplyDisposition(ctx, updated)
		}
		return updated, nil
	}
	return models.Goal{}, fmt.Errorf("settle period %d for goal %s: %w", period, goalID, store.ErrVersionConflict)
}

// ApplyDisposition computes the stake disposition for a goal that just
// reached a terminal status, records the frozen balance for delayed
// refunds, and announces the outcome. Only the frozen-balance write can
// fail; the settlement itself is already durable by the time this runs.
func (e *Engine) ApplyDisposition(ctx context.Context, goal models.Goal) penalty.Disposition {
	if goal.Status == models.GoalStatusCompleted {
		d := penalty.ResolveSuccess(goal)
		e.notifier.Publish(ctx, notify.NewEvent(notify.EventGoalCompleted, goal.ID, d))
		return d
	}

	d := penalty.Resolve(goal, time.Now().UTC())
	if d.FrozenAmount > 0 && d.FrozenUntil != nil {
		_, err := e.store.CreateFrozenBalance(ctx, store.FrozenBalanceInput{
			UserID:       goal.OwnerID,
			Platform:     goal.Platform,
			Amount:       d.FrozenAmount,
			FrozenUntil:  *d.FrozenUntil,
			SourceGoalID: goal.ID,
		})
		if err != nil {
			log.Printf("[settlement] record frozen balance for goal %s: %v", goal.ID, err)
		}
	}
	e.notifier.Publish(ctx, notify.NewEvent(notify.EventGoalFailed, goal.ID, d))
	return d
}
