// Package penalty maps a settled goal to the financial disposition of
// its stake. The actual money movement is the payment gateway's
// concern; this package only decides what should happen and describes
// it for notifications.
package penalty

import (
	"fmt"
	"time"

	"github.com/stakeit/stakeit/internal/models"
)

// Disposition describes what happens to the stake once a goal reaches a
// terminal status.
type Disposition struct {
	PenaltyType    models.PenaltyType `json:"penaltyType,omitempty"`
	Description    string             `json:"description"`
	RefundApproved bool               `json:"refundApproved"`

	// FrozenAmount and FrozenUntil are set only for delayed refunds:
	// the caller schedules a frozen-balance row that the owner's next
	// goal absorbs after the hold elapses.
	FrozenAmount int64      `json:"frozenAmount,omitempty"`
	FrozenUntil  *time.Time `json:"frozenUntil,omitempty"`

	// CharityChoice is set only for charity donations.
	CharityChoice string `json:"charityChoice,omitempty"`
}

// Resolve computes the disposition for a failed goal. now anchors the
// freeze schedule for delayed refunds.
func Resolve(goal models.Goal, now time.Time) Disposition {
	stake := goal.StakeAmount
	switch goal.PenaltyType {
	case models.PenaltyDelayedRefund:
		until := now.AddDate(0, goal.HoldMonths, 0)
		return Disposition{
			PenaltyType:  models.PenaltyDelayedRefund,
			Description:  fmt.Sprintf("Refund of %d is frozen for %d month(s) and will be staked into your next goal", stake, goal.HoldMonths),
			FrozenAmount: stake,
			FrozenUntil:  &until,
		}
	case models.PenaltySplitToGroup:
		return Disposition{
			PenaltyType: models.PenaltySplitToGroup,
			Description: fmt.Sprintf("%d will be split among the goal's referees", stake),
		}
	case models.PenaltyCharityDonation:
		return Disposition{
			PenaltyType:   models.PenaltyCharityDonation,
			Description:   fmt.Sprintf("%d will be donated to %s", stake, goal.CharityChoice),
			CharityChoice: goal.CharityChoice,
		}
	default:
		return Disposition{
			PenaltyType: models.PenaltyForfeited,
			Description: fmt.Sprintf("%d is forfeited", stake),
		}
	}
}

// ResolveSuccess approves refund of the full stake, which already
// includes any previously frozen balance merged in at creation.
func ResolveSuccess(goal models.Goal) Disposition {
	return Disposition{
		Description:    fmt.Sprintf("Full stake of %d approved for refund", goal.StakeAmount),
		RefundApproved: true,
	}
}
