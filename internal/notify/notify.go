// Package notify publishes goal lifecycle events to collaborators
// (chat bots, on-chain anchoring workers). Delivery is best-effort:
// publish failures are logged and never fail or roll back the
// settlement that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	EventGoalActivated    = "goal.activated"
	EventPeriodSettled    = "period.settled"
	EventFinalVoteStarted = "final_vote.started"
	EventGoalCompleted    = "goal.completed"
	EventGoalFailed       = "goal.failed"
	EventProofVerified    = "zk.verified"
)

type Event struct {
	Type    string          `json:"type"`
	GoalID  uuid.UUID       `json:"goalId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      time.Time       `json:"ts"`
}

// Notifier delivers events out of process. Implementations must not
// block the caller beyond their own internal timeouts and must not
// surface delivery errors.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// NewEvent builds an event with the payload marshalled to JSON. A
// payload that fails to marshal is dropped; the event still carries
// its type and goal id.
func NewEvent(eventType string, goalID uuid.UUID, payload interface{}) Event {
	ev := Event{Type: eventType, GoalID: goalID, Ts: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[notify] marshal %s payload: %v", eventType, err)
		} else {
			ev.Payload = b
		}
	}
	return ev
}

// LogNotifier writes events to the process log. Used when no broker is
// configured.
type LogNotifier struct{}

func (LogNotifier) Publish(ctx context.Context, event Event) {
	log.Printf("[notify] %s goal=%s", event.Type, event.GoalID)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Publish(ctx context.Context, event Event) {}
