package models

import (
	"time"

	"github.com/google/uuid"
)

type GoalStatus string

const (
	GoalStatusPendingPayment GoalStatus = "pending_payment"
	GoalStatusActive         GoalStatus = "active"
	GoalStatusCompleted      GoalStatus = "completed"
	GoalStatusFailed         GoalStatus = "failed"
	GoalStatusRefunded       GoalStatus = "refunded"
)

type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformWeb      Platform = "web"
)

type PenaltyType string

const (
	PenaltyForfeited       PenaltyType = "forfeited"
	PenaltyDelayedRefund   PenaltyType = "delayed_refund"
	PenaltySplitToGroup    PenaltyType = "split_to_group"
	PenaltyCharityDonation PenaltyType = "charity_donation"
)

type VerificationMode string

const (
	VerificationManual VerificationMode = "manual"
	VerificationZkTLS  VerificationMode = "zktls"
)

type FinalVoteStatus string

const (
	FinalVoteNotStarted FinalVoteStatus = "not_started"
	FinalVoteVoting     FinalVoteStatus = "voting"
	FinalVoteFinalized  FinalVoteStatus = "finalized"
)

type ThresholdType string

// Minimum is the only comparison currently supported: the extracted
// value must be >= the configured threshold.
const ThresholdMinimum ThresholdType = "minimum"

// Goal is the central aggregate. Counters are guarded by Version: every
// counter mutation goes through a compare-and-swap on the version column.
type Goal struct {
	ID               uuid.UUID        `json:"id"`
	OwnerID          string           `json:"ownerId"`
	OwnerName        string           `json:"ownerName"`
	Platform         Platform         `json:"platform"`
	GroupID          string           `json:"groupId,omitempty"`
	GroupName        string           `json:"groupName,omitempty"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	StakeAmount      int64            `json:"stakeAmount"`
	TotalPeriods     int              `json:"totalPeriods"`
	PenaltyType      PenaltyType      `json:"penaltyType"`
	CharityChoice    string           `json:"charityChoice,omitempty"`
	HoldMonths       int              `json:"holdMonths,omitempty"`
	VerificationMode VerificationMode `json:"verificationMode"`
	ThresholdType    ThresholdType    `json:"thresholdType,omitempty"`
	ThresholdValue   *int64           `json:"thresholdValue,omitempty"`
	Status           GoalStatus       `json:"status"`
	FinalVoteStatus  FinalVoteStatus  `json:"finalVoteStatus"`
	CurrentPeriod    int              `json:"currentPeriod"`
	PeriodsPassed    int              `json:"periodsPassed"`
	PeriodsFailed    int              `json:"periodsFailed"`
	FrozenCarryover  int64            `json:"frozenCarryover,omitempty"`
	StartDate        *time.Time       `json:"startDate,omitempty"`
	EndDate          *time.Time       `json:"endDate,omitempty"`
	Version          int64            `json:"-"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Referee is a voting participant scoped to one goal, identified by
// (goal, platform, external user id). Created lazily on first vote.
type Referee struct {
	ID       uuid.UUID `json:"id"`
	GoalID   uuid.UUID `json:"goalId"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	Platform Platform  `json:"platform"`
	AddedAt  time.Time `json:"addedAt"`
}

// Vote is one referee's decision for one period. At most one vote per
// (goal, referee, period); the store enforces uniqueness.
type Vote struct {
	ID        uuid.UUID `json:"id"`
	GoalID    uuid.UUID `json:"goalId"`
	RefereeID uuid.UUID `json:"refereeId"`
	Period    int       `json:"period"`
	Approve   bool      `json:"approve"`
	VotedAt   time.Time `json:"votedAt"`
}

// PeriodResult aggregates the vote tally for one (goal, period).
// Passed is tri-state: nil while voting continues. FinalizedAt is
// stamped exactly once, when Passed first resolves away from nil.
type PeriodResult struct {
	ID            uuid.UUID  `json:"id"`
	GoalID        uuid.UUID  `json:"goalId"`
	Period        int        `json:"period"`
	YesVotes      int        `json:"yesVotes"`
	NoVotes       int        `json:"noVotes"`
	TotalReferees int        `json:"totalReferees"`
	Passed        *bool      `json:"passed"`
	FinalizedAt   *time.Time `json:"finalizedAt,omitempty"`
}

// FinalVote is one referee's ballot in the confirmation round that runs
// after all periods are decided. Durable, unique per (goal, referee).
type FinalVote struct {
	ID        uuid.UUID `json:"id"`
	GoalID    uuid.UUID `json:"goalId"`
	RefereeID uuid.UUID `json:"refereeId"`
	Approve   bool      `json:"approve"`
	VotedAt   time.Time `json:"votedAt"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Payment struct {
	ID          uuid.UUID     `json:"id"`
	GoalID      uuid.UUID     `json:"goalId"`
	ChargeID    string        `json:"chargeId"`
	Amount      int64         `json:"amount"`
	Status      PaymentStatus `json:"status"`
	PaymentURL  string        `json:"paymentUrl,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

type ZkStatus string

const (
	ZkPending  ZkStatus = "pending"
	ZkVerified ZkStatus = "verified"
	ZkFailed   ZkStatus = "failed"
	ZkExpired  ZkStatus = "expired"
)

// ZkVerification records one automatic-verification attempt per
// (goal, period).
type ZkVerification struct {
	ID             uuid.UUID  `json:"id"`
	GoalID         uuid.UUID  `json:"goalId"`
	Period         int        `json:"period"`
	Provider       string     `json:"provider"`
	ExtractedValue string     `json:"extractedValue,omitempty"`
	ProofHash      string     `json:"proofHash,omitempty"`
	Status         ZkStatus   `json:"status"`
	VerifiedAt     *time.Time `json:"verifiedAt,omitempty"`
}

type ProgressUpdate struct {
	ID          uuid.UUID `json:"id"`
	GoalID      uuid.UUID `json:"goalId"`
	Period      int       `json:"period"`
	Notes       string    `json:"notes,omitempty"`
	PhotoURLs   []string  `json:"photoUrls,omitempty"`
	LocationLat *float64  `json:"locationLat,omitempty"`
	LocationLng *float64  `json:"locationLng,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FrozenBalance is stake retained under the delayed-refund penalty.
// Released rows are merged into the owner's next goal at creation time
// and marked consumed.
type FrozenBalance struct {
	ID           uuid.UUID  `json:"id"`
	UserID       string     `json:"userId"`
	Platform     Platform   `json:"platform"`
	Amount       int64      `json:"amount"`
	FrozenUntil  time.Time  `json:"frozenUntil"`
	SourceGoalID uuid.UUID  `json:"sourceGoalId"`
	Consumed     bool       `json:"consumed"`
	ConsumedAt   *time.Time `json:"consumedAt,omitempty"`
	ConsumedBy   *uuid.UUID `json:"consumedBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}
