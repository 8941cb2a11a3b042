package payments_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/payments"
)

func TestCreateCharge(t *testing.T) {
	goalID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/charges" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header %q", got)
		}
		defer r.Body.Close()
		var req payments.ChargeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.GoalID != goalID || req.Amount != 5000 {
			t.Fatalf("unexpected charge request: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(payments.Charge{
			ChargeID:   "charge-123",
			PaymentURL: "https://pay.example/charge-123",
		})
	}))
	defer server.Close()

	gw, err := payments.NewHTTPGateway(payments.HTTPGatewayConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	charge, err := gw.CreateCharge(context.Background(), payments.ChargeRequest{
		GoalID: goalID,
		UserID: "owner-1",
		Amount: 5000,
	})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if charge.ChargeID != "charge-123" || charge.PaymentURL == "" {
		t.Fatalf("unexpected charge: %+v", charge)
	}
}

func TestCreateChargeRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(payments.Charge{ChargeID: "charge-9", PaymentURL: "https://pay.example/9"})
	}))
	defer server.Close()

	gw, err := payments.NewHTTPGateway(payments.HTTPGatewayConfig{
		BaseURL: server.URL,
		Retries: 2,
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	charge, err := gw.CreateCharge(context.Background(), payments.ChargeRequest{GoalID: uuid.New(), Amount: 100})
	if err != nil {
		t.Fatalf("create charge after retry: %v", err)
	}
	if charge.ChargeID != "charge-9" {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestCreateChargeUnavailableAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gw, err := payments.NewHTTPGateway(payments.HTTPGatewayConfig{BaseURL: server.URL, Retries: 1, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	_, err = gw.CreateCharge(context.Background(), payments.ChargeRequest{GoalID: uuid.New(), Amount: 100})
	if !errors.Is(err, payments.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCreateChargeRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	gw, err := payments.NewHTTPGateway(payments.HTTPGatewayConfig{BaseURL: server.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gw.CreateCharge(context.Background(), payments.ChargeRequest{GoalID: uuid.New(), Amount: 100}); err == nil {
		t.Fatalf("expected rejection error")
	}
}

func TestChargeEventCompleted(t *testing.T) {
	cases := []struct {
		event payments.ChargeEvent
		want  bool
	}{
		{payments.ChargeEvent{Key: "charge.complete", Status: "successful"}, true},
		{payments.ChargeEvent{Key: "charge.complete", Status: "pending"}, false},
		{payments.ChargeEvent{Key: "charge.failed", Status: "successful"}, false},
		{payments.ChargeEvent{}, false},
	}
	for _, tc := range cases {
		if got := tc.event.Completed(); got != tc.want {
			t.Fatalf("%+v Completed() = %v, want %v", tc.event, got, tc.want)
		}
	}
}
