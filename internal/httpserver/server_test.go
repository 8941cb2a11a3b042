package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/finalvote"
	"github.com/stakeit/stakeit/internal/httpserver"
	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/notify"
	"github.com/stakeit/stakeit/internal/payments"
	"github.com/stakeit/stakeit/internal/service"
	"github.com/stakeit/stakeit/internal/settlement"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/verify"
)

type fakeGateway struct{}

func (fakeGateway) CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	return payments.Charge{
		ChargeID:   "charge-" + req.GoalID.String()[:8],
		PaymentURL: "https://pay.example/" + req.GoalID.String(),
	}, nil
}

func newTestServer(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	settle := settlement.NewEngine(st, notify.NopNotifier{})
	verifier := verify.NewAdapter(st, settle, nil, notify.NopNotifier{})
	finalVotes := finalvote.NewEngine(st, settle)
	svc := service.New(st, fakeGateway{}, nil, notify.NopNotifier{}, service.Config{ActiveGoalLimit: 3, SimulationEnabled: true})
	sim := service.NewSimulator(st, verifier, true)
	return httpserver.New(svc, sim, verifier, finalVotes, st).Router(), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createGoalViaAPI(t *testing.T, handler http.Handler) service.CreateGoalResponse {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/goals", map[string]interface{}{
		"ownerId":          "owner-1",
		"ownerName":        "Owner",
		"platform":         "telegram",
		"groupId":          "group-1",
		"name":             "swim twice a week",
		"stakeAmount":      8000,
		"durationValue":    4,
		"durationUnit":     "weeks",
		"penaltyType":      "forfeited",
		"verificationMode": "manual",
		"referees": []map[string]string{
			{"userId": "ref-a", "userName": "A"},
			{"userId": "ref-b", "userName": "B"},
			{"userId": "ref-c", "userName": "C"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create goal status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp service.CreateGoalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp
}

func activateViaWebhook(t *testing.T, handler http.Handler, chargeID string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/payments/webhook", map[string]interface{}{
		"key":      "charge.complete",
		"chargeId": chargeID,
		"status":   "successful",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestGoalLifecycleOverHTTP(t *testing.T) {
	handler, st := newTestServer(t)
	resp := createGoalViaAPI(t, handler)
	activateViaWebhook(t, handler, resp.ChargeID)

	goal, err := st.GetGoal(context.Background(), resp.Goal.ID)
	if err != nil {
		t.Fatalf("reload goal: %v", err)
	}
	if goal.Status != models.GoalStatusActive {
		t.Fatalf("status = %s, want active", goal.Status)
	}

	// Two of three referees approve period 1.
	votePath := fmt.Sprintf("/goals/%s/vote", goal.ID)
	rec := doJSON(t, handler, http.MethodPost, votePath, map[string]interface{}{
		"userId": "ref-a", "userName": "A", "platform": "telegram", "period": 1, "approve": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first vote status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, votePath, map[string]interface{}{
		"userId": "ref-b", "userName": "B", "platform": "telegram", "period": 1, "approve": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("second vote status = %d body=%s", rec.Code, rec.Body.String())
	}
	var status verify.PeriodStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode vote response: %v", err)
	}
	if status.Passed == nil || !*status.Passed {
		t.Fatalf("period not resolved after majority: %s", rec.Body.String())
	}

	detail := doJSON(t, handler, http.MethodGet, fmt.Sprintf("/goals/%s", goal.ID), nil)
	if detail.Code != http.StatusOK {
		t.Fatalf("goal detail status = %d", detail.Code)
	}
}

func TestVoteErrorMapping(t *testing.T) {
	handler, _ := newTestServer(t)
	resp := createGoalViaAPI(t, handler)
	activateViaWebhook(t, handler, resp.ChargeID)

	votePath := fmt.Sprintf("/goals/%s/vote", resp.Goal.ID)

	// Owner voting on their own goal.
	rec := doJSON(t, handler, http.MethodPost, votePath, map[string]interface{}{
		"userId": "owner-1", "platform": "telegram", "period": 1, "approve": true,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("self vote status = %d, want 403", rec.Code)
	}

	// Duplicate vote.
	body := map[string]interface{}{"userId": "ref-a", "platform": "telegram", "period": 1, "approve": true}
	doJSON(t, handler, http.MethodPost, votePath, body)
	rec = doJSON(t, handler, http.MethodPost, votePath, body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate vote status = %d, want 409", rec.Code)
	}

	// Period out of range.
	rec = doJSON(t, handler, http.MethodPost, votePath, map[string]interface{}{
		"userId": "ref-b", "platform": "telegram", "period": 99, "approve": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad period status = %d, want 400", rec.Code)
	}

	// Unknown goal.
	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/goals/%s/vote", uuid.New()), body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown goal status = %d, want 404", rec.Code)
	}

	// Malformed goal id.
	rec = doJSON(t, handler, http.MethodPost, "/goals/not-a-uuid/vote", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad goal id status = %d, want 400", rec.Code)
	}
}

func TestCreateGoalValidationOverHTTP(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/goals", map[string]interface{}{
		"ownerId":          "owner-1",
		"platform":         "telegram",
		"name":             "no stake",
		"stakeAmount":      0,
		"durationValue":    4,
		"durationUnit":     "weeks",
		"penaltyType":      "forfeited",
		"verificationMode": "manual",
		"referees":         []map[string]string{{"userId": "ref-a"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid goal status = %d, want 400", rec.Code)
	}
}

func TestSimulateOverHTTP(t *testing.T) {
	handler, st := newTestServer(t)

	// Automatic goal so the simulated outcome settles terminally.
	rec := doJSON(t, handler, http.MethodPost, "/goals", map[string]interface{}{
		"ownerId":          "owner-2",
		"platform":         "telegram",
		"groupId":          "group-2",
		"name":             "cycle to work",
		"stakeAmount":      4000,
		"durationValue":    3,
		"durationUnit":     "weeks",
		"penaltyType":      "forfeited",
		"verificationMode": "zktls",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create goal status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp service.CreateGoalResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	activateViaWebhook(t, handler, resp.ChargeID)

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/goals/%s/simulate-verify", resp.Goal.ID), map[string]interface{}{
		"outcome": "pass",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("simulate status = %d body=%s", rec.Code, rec.Body.String())
	}

	goal, _ := st.GetGoal(context.Background(), resp.Goal.ID)
	if goal.Status != models.GoalStatusCompleted {
		t.Fatalf("status after simulation = %s, want completed", goal.Status)
	}
}

func TestProofWithoutVerifierRejected(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/verify/proof", map[string]string{"token": "abc"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("proof status = %d, want 400", rec.Code)
	}
}

func TestWebhookRequiresChargeID(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/payments/webhook", map[string]string{"key": "charge.complete"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("webhook status = %d, want 400", rec.Code)
	}
}

func TestVoteOnAutomaticGoalConflicts(t *testing.T) {
	handler, st := newTestServer(t)

	threshold := int64(3)
	goal, err := st.CreateGoal(context.Background(), store.GoalInput{
		OwnerID:          "owner-1",
		Platform:         models.PlatformTelegram,
		Name:             "run three times a week",
		StakeAmount:      8000,
		TotalPeriods:     4,
		PenaltyType:      models.PenaltyForfeited,
		VerificationMode: models.VerificationZkTLS,
		ThresholdType:    models.ThresholdMinimum,
		ThresholdValue:   &threshold,
	})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	start := time.Now().UTC()
	if _, _, err := st.ActivateGoal(context.Background(), goal.ID, start, start.AddDate(0, 0, 28)); err != nil {
		t.Fatalf("activate goal: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/goals/%s/vote", goal.ID), map[string]interface{}{
		"userId": "ref-a", "userName": "A", "platform": "telegram", "period": 1, "approve": true,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("vote on automatic goal status = %d, want 409", rec.Code)
	}
}
