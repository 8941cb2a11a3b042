package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/notify"
	"github.com/stakeit/stakeit/internal/service"
	"github.com/stakeit/stakeit/internal/settlement"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/verify"
)

func simGoal(t *testing.T, st *store.MemoryStore, totalPeriods int) models.Goal {
	t.Helper()
	goal, err := st.CreateGoal(context.Background(), store.GoalInput{
		OwnerID:          "owner-1",
		Platform:         models.PlatformTelegram,
		Name:             "meditate daily",
		StakeAmount:      1500,
		TotalPeriods:     totalPeriods,
		PenaltyType:      models.PenaltyForfeited,
		VerificationMode: models.VerificationZkTLS,
	})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	start := time.Now().UTC()
	goal, _, err = st.ActivateGoal(context.Background(), goal.ID, start, start.AddDate(0, 0, 7*totalPeriods))
	if err != nil {
		t.Fatalf("activate goal: %v", err)
	}
	return goal
}

func newSimulator(st *store.MemoryStore, enabled bool) *service.Simulator {
	settle := settlement.NewEngine(st, notify.NopNotifier{})
	adapter := verify.NewAdapter(st, settle, nil, notify.NopNotifier{})
	return service.NewSimulator(st, adapter, enabled)
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestSimulateOutcomePass(t *testing.T) {
	st := store.NewMemoryStore()
	sim := newSimulator(st, true)
	goal := simGoal(t, st, 4)

	result, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{Outcome: "pass"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(result.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(result.Steps))
	}
	if result.Goal.Status != models.GoalStatusCompleted {
		t.Fatalf("status = %s, want completed", result.Goal.Status)
	}
}

func TestSimulateOutcomeFail(t *testing.T) {
	st := store.NewMemoryStore()
	sim := newSimulator(st, true)
	goal := simGoal(t, st, 5)

	result, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{Outcome: "fail"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if result.Goal.Status != models.GoalStatusFailed {
		t.Fatalf("status = %s, want failed", result.Goal.Status)
	}
	// Just short of the majority passes, the rest fail.
	if result.Goal.PeriodsPassed != 2 || result.Goal.PeriodsFailed != 3 {
		t.Fatalf("counters: passed=%d failed=%d", result.Goal.PeriodsPassed, result.Goal.PeriodsFailed)
	}
}

func TestSimulatePassFailCounts(t *testing.T) {
	st := store.NewMemoryStore()
	sim := newSimulator(st, true)
	goal := simGoal(t, st, 4)

	result, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{Pass: intPtr(1), Fail: intPtr(1)})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if result.Goal.Status != models.GoalStatusActive {
		t.Fatalf("partial simulation ended the goal: %s", result.Goal.Status)
	}
	if result.Goal.PeriodsPassed != 1 || result.Goal.PeriodsFailed != 1 {
		t.Fatalf("counters: %+v", result.Goal)
	}

	// Asking for more periods than remain is rejected.
	_, err = sim.Run(context.Background(), goal.ID, service.SimulationPlan{Pass: intPtr(3), Fail: intPtr(1)})
	if !errors.Is(err, service.ErrValidation) {
		t.Fatalf("overrun error = %v, want ErrValidation", err)
	}
}

func TestSimulateExplicitWeeks(t *testing.T) {
	st := store.NewMemoryStore()
	sim := newSimulator(st, true)
	goal := simGoal(t, st, 4)

	result, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{Weeks: []int{1, 3}, Vote: boolPtr(true)})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(result.Steps))
	}
	if result.Goal.PeriodsPassed != 2 {
		t.Fatalf("periods passed = %d, want 2", result.Goal.PeriodsPassed)
	}

	// Out-of-range weeks fail the same way a real vote on them would.
	if _, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{Weeks: []int{0, 9}}); !errors.Is(err, verify.ErrInvalidPeriod) {
		t.Fatalf("invalid weeks error = %v, want ErrInvalidPeriod", err)
	}
}

func TestSimulateRejectsResolvedPeriods(t *testing.T) {
	st := store.NewMemoryStore()
	sim := newSimulator(st, true)
	goal := simGoal(t, st, 4)

	if _, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{Weeks: []int{1}}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{Weeks: []int{1, 2}}); !errors.Is(err, verify.ErrPeriodResolved) {
		t.Fatalf("resolved period error = %v, want ErrPeriodResolved", err)
	}
}

func TestSimulateDisabled(t *testing.T) {
	st := store.NewMemoryStore()
	sim := newSimulator(st, false)
	goal := simGoal(t, st, 4)

	if _, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{Outcome: "pass"}); !errors.Is(err, service.ErrSimulationDisabled) {
		t.Fatalf("disabled simulator error = %v, want ErrSimulationDisabled", err)
	}
}

func TestSimulateEmptyPlanRejected(t *testing.T) {
	st := store.NewMemoryStore()
	sim := newSimulator(st, true)
	goal := simGoal(t, st, 4)

	if _, err := sim.Run(context.Background(), goal.ID, service.SimulationPlan{}); !errors.Is(err, service.ErrValidation) {
		t.Fatalf("empty plan error = %v, want ErrValidation", err)
	}
}
