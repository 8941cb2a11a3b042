package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/tally"
	"github.com/stakeit/stakeit/internal/verify"
)

// OutcomeApplier settles one period with a forced result. Simulated
// outcomes run through the same settlement path as real votes, so
// terminal-state transitions and penalties behave identically.
type OutcomeApplier interface {
	ApplySimulatedOutcome(ctx context.Context, goalID uuid.UUID, period int, passed bool) (models.Goal, error)
}

// Simulator drives goals through scripted period outcomes. Development
// tooling only; disabled in production.
type Simulator struct {
	store   store.Store
	applier OutcomeApplier
	enabled bool
}

func NewSimulator(st store.Store, applier OutcomeApplier, enabled bool) *Simulator {
	return &Simulator{store: st, applier: applier, enabled: enabled}
}

// SimulationPlan accepts three shapes:
//
//	{ "pass": 2, "fail": 2 }            first 2 remaining periods pass, next 2 fail
//	{ "outcome": "pass" | "fail" }      auto-fill remaining periods toward that outcome
//	{ "weeks": [1, 2], "vote": true }   explicit period numbers, one shared vote
type SimulationPlan struct {
	Pass    *int   `json:"pass"`
	Fail    *int   `json:"fail"`
	Outcome string `json:"outcome"`
	Weeks   []int  `json:"weeks"`
	Vote    *bool  `json:"vote"`
}

type SimulationStep struct {
	Period int  `json:"period"`
	Passed bool `json:"passed"`
}

type SimulationResult struct {
	Steps []SimulationStep `json:"steps"`
	Goal  models.Goal      `json:"goal"`
}

func (s *Simulator) Run(ctx context.Context, goalID uuid.UUID, plan SimulationPlan) (SimulationResult, error) {
	if !s.enabled {
		return SimulationResult{}, ErrSimulationDisabled
	}
	goal, err := s.store.GetGoal(ctx, goalID)
	if err != nil {
		return SimulationResult{}, err
	}
	steps, err := buildSteps(goal, plan)
	if err != nil {
		return SimulationResult{}, err
	}

	// The simulator enforces the same invariants real adjudication
	// does, so a plan touching a resolved period fails rather than
	// silently skipping it.
	result := SimulationResult{Goal: goal}
	for _, step := range steps {
		updated, err := s.applier.ApplySimulatedOutcome(ctx, goalID, step.Period, step.Passed)
		if err != nil {
			return result, fmt.Errorf("simulate period %d: %w", step.Period, err)
		}
		result.Steps = append(result.Steps, step)
		result.Goal = updated
	}
	return result, nil
}

func buildSteps(goal models.Goal, plan SimulationPlan) ([]SimulationStep, error) {
	total := goal.TotalPeriods
	done := goal.PeriodsPassed + goal.PeriodsFailed
	remaining := total - done

	switch {
	case plan.Outcome != "":
		if plan.Outcome != "pass" && plan.Outcome != "fail" {
			return nil, fmt.Errorf("%w: outcome must be pass or fail", ErrValidation)
		}
		var steps []SimulationStep
		if plan.Outcome == "pass" {
			for i := 0; i < remaining; i++ {
				steps = append(steps, SimulationStep{Period: done + i + 1, Passed: true})
			}
			return steps, nil
		}
		// Pass just short of the majority, then fail the rest.
		passCount := tally.MajorityNeeded(total) - 1 - goal.PeriodsPassed
		if passCount < 0 {
			passCount = 0
		}
		for i := 0; i < remaining; i++ {
			steps = append(steps, SimulationStep{Period: done + i + 1, Passed: i < passCount})
		}
		return steps, nil

	case plan.Pass != nil && plan.Fail != nil:
		if *plan.Pass < 0 || *plan.Fail < 0 {
			return nil, fmt.Errorf("%w: pass and fail counts must not be negative", ErrValidation)
		}
		requested := *plan.Pass + *plan.Fail
		if requested == 0 {
			return nil, fmt.Errorf("%w: nothing to simulate", ErrValidation)
		}
		if requested > remaining {
			return nil, fmt.Errorf("%w: requested %d periods but only %d remaining", ErrValidation, requested, remaining)
		}
		var steps []SimulationStep
		for i := 0; i < requested; i++ {
			steps = append(steps, SimulationStep{Period: done + i + 1, Passed: i < *plan.Pass})
		}
		return steps, nil

	case len(plan.Weeks) > 0:
		vote := true
		if plan.Vote != nil {
			vote = *plan.Vote
		}
		var steps []SimulationStep
		for _, w := range plan.Weeks {
			if w < 1 || w > total {
				return nil, fmt.Errorf("%w: week %d outside 1..%d", verify.ErrInvalidPeriod, w, total)
			}
			steps = append(steps, SimulationStep{Period: w, Passed: vote})
		}
		return steps, nil
	}
	return nil, fmt.Errorf("%w: plan needs outcome, pass/fail counts, or explicit weeks", ErrValidation)
}
