package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/models"
)

type voteKey struct {
	goalID    uuid.UUID
	refereeID uuid.UUID
	period    int
}

type periodKey struct {
	goalID uuid.UUID
	period int
}

type finalVoteKey struct {
	goalID    uuid.UUID
	refereeID uuid.UUID
}

// MemoryStore mirrors PGStore semantics for tests: same uniqueness
// rules, same version-CAS behavior, same finalize-once stamping.
type MemoryStore struct {
	mu              sync.Mutex
	goals           map[uuid.UUID]models.Goal
	referees        map[uuid.UUID]models.Referee
	votes           map[voteKey]models.Vote
	periodResults   map[periodKey]models.PeriodResult
	finalVotes      map[finalVoteKey]models.FinalVote
	payments        map[uuid.UUID]models.Payment
	zkVerifications map[periodKey]models.ZkVerification
	progressUpdates map[uuid.UUID][]models.ProgressUpdate
	frozenBalances  map[uuid.UUID]models.FrozenBalance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		goals:           map[uuid.UUID]models.Goal{},
		referees:        map[uuid.UUID]models.Referee{},
		votes:           map[voteKey]models.Vote{},
		periodResults:   map[periodKey]models.PeriodResult{},
		finalVotes:      map[finalVoteKey]models.FinalVote{},
		payments:        map[uuid.UUID]models.Payment{},
		zkVerifications: map[periodKey]models.ZkVerification{},
		progressUpdates: map[uuid.UUID][]models.ProgressUpdate{},
		frozenBalances:  map[uuid.UUID]models.FrozenBalance{},
	}
}

func (m *MemoryStore) CreateGoal(ctx context.Context, in GoalInput) (models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.ActiveLimit > 0 && in.GroupID != "" {
		open := 0
		for _, g := range m.goals {
			if g.OwnerID == in.OwnerID && g.GroupID == in.GroupID &&
				(g.Status == models.GoalStatusActive || g.Status == models.GoalStatusPendingPayment) {
				open++
			}
		}
		if open >= in.ActiveLimit {
			return models.Goal{}, ErrGoalLimit
		}
	}

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	goal := models.Goal{
		ID:               in.ID,
		OwnerID:          in.OwnerID,
		OwnerName:        in.OwnerName,
		Platform:         in.Platform,
		GroupID:          in.GroupID,
		GroupName:        in.GroupName,
		Name:             in.Name,
		Description:      in.Description,
		StakeAmount:      in.StakeAmount,
		TotalPeriods:     in.TotalPeriods,
		PenaltyType:      in.PenaltyType,
		CharityChoice:    in.CharityChoice,
		HoldMonths:       in.HoldMonths,
		VerificationMode: in.VerificationMode,
		ThresholdType:    in.ThresholdType,
		ThresholdValue:   in.ThresholdValue,
		Status:           models.GoalStatusPendingPayment,
		FinalVoteStatus:  models.FinalVoteNotStarted,
		CurrentPeriod:    1,
		FrozenCarryover:  in.FrozenCarryover,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.goals[goal.ID] = goal

	for _, seed := range in.Referees {
		m.getOrCreateRefereeLocked(goal.ID, seed.UserID, seed.UserName, seed.Platform)
	}
	return goal, nil
}

func (m *MemoryStore) GetGoal(ctx context.Context, id uuid.UUID) (models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal, ok := m.goals[id]
	if !ok {
		return models.Goal{}, ErrNotFound
	}
	return goal, nil
}

func (m *MemoryStore) DeleteGoal(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[id]; !ok {
		return ErrNotFound
	}
	delete(m.goals, id)
	return nil
}

func (m *MemoryStore) ListGoalsByOwner(ctx context.Context, ownerID string) ([]models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var goals []models.Goal
	for _, g := range m.goals {
		if g.OwnerID == ownerID {
			goals = append(goals, g)
		}
	}
	sortGoals(goals)
	return goals, nil
}

func (m *MemoryStore) ListGoalsByGroup(ctx context.Context, platform models.Platform, groupID string) ([]models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var goals []models.Goal
	for _, g := range m.goals {
		if g.Platform == platform && g.GroupID == groupID {
			goals = append(goals, g)
		}
	}
	sortGoals(goals)
	return goals, nil
}

func sortGoals(goals []models.Goal) {
	sort.Slice(goals, func(i, j int) bool {
		return goals[i].CreatedAt.After(goals[j].CreatedAt)
	})
}

func (m *MemoryStore) ActivateGoal(ctx context.Context, id uuid.UUID, start, end time.Time) (models.Goal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal, ok := m.goals[id]
	if !ok {
		return models.Goal{}, false, ErrNotFound
	}
	if goal.Status != models.GoalStatusPendingPayment {
		return goal, false, nil
	}
	goal.Status = models.GoalStatusActive
	goal.StartDate = &start
	goal.EndDate = &end
	goal.CurrentPeriod = 1
	goal.Version++
	goal.UpdatedAt = time.Now().UTC()
	m.goals[id] = goal
	return goal, true, nil
}

func (m *MemoryStore) UpdateGoalRun(ctx context.Context, in GoalRunUpdate) (models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal, ok := m.goals[in.ID]
	if !ok {
		return models.Goal{}, ErrNotFound
	}
	if goal.Version != in.ExpectedVersion {
		return models.Goal{}, ErrVersionConflict
	}
	goal.PeriodsPassed = in.PeriodsPassed
	goal.PeriodsFailed = in.PeriodsFailed
	goal.CurrentPeriod = in.CurrentPeriod
	goal.Status = in.Status
	goal.FinalVoteStatus = in.FinalVoteStatus
	goal.Version++
	goal.UpdatedAt = time.Now().UTC()
	m.goals[in.ID] = goal
	return goal, nil
}

func (m *MemoryStore) getOrCreateRefereeLocked(goalID uuid.UUID, userID, userName string, platform models.Platform) models.Referee {
	for _, ref := range m.referees {
		if ref.GoalID == goalID && ref.UserID == userID && ref.Platform == platform {
			return ref
		}
	}
	ref := models.Referee{
		ID:       uuid.New(),
		GoalID:   goalID,
		UserID:   userID,
		UserName: userName,
		Platform: platform,
		AddedAt:  time.Now().UTC(),
	}
	m.referees[ref.ID] = ref
	return ref
}

func (m *MemoryStore) GetOrCreateReferee(ctx context.Context, goalID uuid.UUID, userID, userName string, platform models.Platform) (models.Referee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateRefereeLocked(goalID, userID, userName, platform), nil
}

func (m *MemoryStore) ListReferees(ctx context.Context, goalID uuid.UUID) ([]models.Referee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []models.Referee
	for _, ref := range m.referees {
		if ref.GoalID == goalID {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].AddedAt.Before(refs[j].AddedAt)
	})
	return refs, nil
}

func (m *MemoryStore) CreateVote(ctx context.Context, goalID, refereeID uuid.UUID, period int, approve bool) (models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey{goalID: goalID, refereeID: refereeID, period: period}
	if _, ok := m.votes[key]; ok {
		return models.Vote{}, ErrDuplicateVote
	}
	v := models.Vote{
		ID:        uuid.New(),
		GoalID:    goalID,
		RefereeID: refereeID,
		Period:    period,
		Approve:   approve,
		VotedAt:   time.Now().UTC(),
	}
	m.votes[key] = v
	return v, nil
}

func (m *MemoryStore) ListVotesForPeriod(ctx context.Context, goalID uuid.UUID, period int) ([]models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var votes []models.Vote
	for key, v := range m.votes {
		if key.goalID == goalID && key.period == period {
			votes = append(votes, v)
		}
	}
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].VotedAt.Before(votes[j].VotedAt)
	})
	return votes, nil
}

func (m *MemoryStore) UpsertPeriodResult(ctx context.Context, in PeriodResultInput) (models.PeriodResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := periodKey{goalID: in.GoalID, period: in.Period}
	res, ok := m.periodResults[key]
	if !ok {
		res = models.PeriodResult{ID: uuid.New(), GoalID: in.GoalID, Period: in.Period}
	}
	res.YesVotes = in.YesVotes
	res.NoVotes = in.NoVotes
	res.TotalReferees = in.TotalReferees
	m.periodResults[key] = res
	return res, nil
}

func (m *MemoryStore) FinalizePeriodResult(ctx context.Context, goalID uuid.UUID, period int, passed bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := periodKey{goalID: goalID, period: period}
	res, ok := m.periodResults[key]
	if !ok {
		return false, nil
	}
	if res.FinalizedAt != nil {
		return false, nil
	}
	v := passed
	now := time.Now().UTC()
	res.Passed = &v
	res.FinalizedAt = &now
	m.periodResults[key] = res
	return true, nil
}

func (m *MemoryStore) GetPeriodResult(ctx context.Context, goalID uuid.UUID, period int) (models.PeriodResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.periodResults[periodKey{goalID: goalID, period: period}]
	if !ok {
		return models.PeriodResult{}, ErrNotFound
	}
	return res, nil
}

func (m *MemoryStore) ListPeriodResults(ctx context.Context, goalID uuid.UUID) ([]models.PeriodResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []models.PeriodResult
	for key, res := range m.periodResults {
		if key.goalID == goalID {
			results = append(results, res)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period < results[j].Period
	})
	return results, nil
}

func (m *MemoryStore) CreateFinalVote(ctx context.Context, goalID, refereeID uuid.UUID, approve bool) (models.FinalVote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := finalVoteKey{goalID: goalID, refereeID: refereeID}
	if _, ok := m.finalVotes[key]; ok {
		return models.FinalVote{}, ErrDuplicateVote
	}
	fv := models.FinalVote{
		ID:        uuid.New(),
		GoalID:    goalID,
		RefereeID: refereeID,
		Approve:   approve,
		VotedAt:   time.Now().UTC(),
	}
	m.finalVotes[key] = fv
	return fv, nil
}

func (m *MemoryStore) ListFinalVotes(ctx context.Context, goalID uuid.UUID) ([]models.FinalVote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var votes []models.FinalVote
	for key, fv := range m.finalVotes {
		if key.goalID == goalID {
			votes = append(votes, fv)
		}
	}
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].VotedAt.Before(votes[j].VotedAt)
	})
	return votes, nil
}

func (m *MemoryStore) ClearFinalVotes(ctx context.Context, goalID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.finalVotes {
		if key.goalID == goalID {
			delete(m.finalVotes, key)
		}
	}
	return nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, in PaymentInput) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := models.Payment{
		ID:         uuid.New(),
		GoalID:     in.GoalID,
		ChargeID:   in.ChargeID,
		Amount:     in.Amount,
		Status:     models.PaymentPending,
		PaymentURL: in.PaymentURL,
		CreatedAt:  time.Now().UTC(),
	}
	m.payments[p.ID] = p
	return p, nil
}

func (m *MemoryStore) CompletePayment(ctx context.Context, chargeID string, at time.Time) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.payments {
		if p.ChargeID != chargeID {
			continue
		}
		if p.Status == models.PaymentPending {
			p.Status = models.PaymentCompleted
			p.CompletedAt = &at
			m.payments[id] = p
		}
		return p, nil
	}
	return models.Payment{}, ErrNotFound
}

func (m *MemoryStore) UpsertZkVerification(ctx context.Context, in ZkVerificationInput) (models.ZkVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := periodKey{goalID: in.GoalID, period: in.Period}
	zk, ok := m.zkVerifications[key]
	if !ok {
		zk = models.ZkVerification{ID: uuid.New(), GoalID: in.GoalID, Period: in.Period}
	}
	zk.Provider = in.Provider
	zk.ExtractedValue = in.ExtractedValue
	zk.ProofHash = in.ProofHash
	zk.Status = in.Status
	if in.Status == models.ZkVerified && zk.VerifiedAt == nil {
		now := time.Now().UTC()
		zk.VerifiedAt = &now
	}
	m.zkVerifications[key] = zk
	return zk, nil
}

func (m *MemoryStore) ListZkVerifications(ctx context.Context, goalID uuid.UUID) ([]models.ZkVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zks []models.ZkVerification
	for key, zk := range m.zkVerifications {
		if key.goalID == goalID {
			zks = append(zks, zk)
		}
	}
	sort.Slice(zks, func(i, j int) bool {
		return zks[i].Period < zks[j].Period
	})
	return zks, nil
}

func (m *MemoryStore) CreateProgressUpdate(ctx context.Context, in ProgressUpdateInput) (models.ProgressUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := models.ProgressUpdate{
		ID:          uuid.New(),
		GoalID:      in.GoalID,
		Period:      in.Period,
		Notes:       in.Notes,
		PhotoURLs:   append([]string(nil), in.PhotoURLs...),
		LocationLat: in.LocationLat,
		LocationLng: in.LocationLng,
		CreatedAt:   time.Now().UTC(),
	}
	m.progressUpdates[in.GoalID] = append(m.progressUpdates[in.GoalID], u)
	return u, nil
}

func (m *MemoryStore) ListProgressUpdates(ctx context.Context, goalID uuid.UUID) ([]models.ProgressUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updates := append([]models.ProgressUpdate(nil), m.progressUpdates[goalID]...)
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].CreatedAt.After(updates[j].CreatedAt)
	})
	return updates, nil
}

func (m *MemoryStore) CreateFrozenBalance(ctx context.Context, in FrozenBalanceInput) (models.FrozenBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fb := models.FrozenBalance{
		ID:           uuid.New(),
		UserID:       in.UserID,
		Platform:     in.Platform,
		Amount:       in.Amount,
		FrozenUntil:  in.FrozenUntil,
		SourceGoalID: in.SourceGoalID,
		CreatedAt:    time.Now().UTC(),
	}
	m.frozenBalances[fb.ID] = fb
	return fb, nil
}

func (m *MemoryStore) ClaimFrozenBalance(ctx context.Context, platform models.Platform, userID string, claimedBy uuid.UUID, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for id, fb := range m.frozenBalances {
		if fb.UserID != userID || fb.Platform != platform || fb.Consumed || fb.FrozenUntil.After(now) {
			continue
		}
		fb.Consumed = true
		at := time.Now().UTC()
		fb.ConsumedAt = &at
		by := claimedBy
		fb.ConsumedBy = &by
		m.frozenBalances[id] = fb
		total += fb.Amount
	}
	return total, nil
}

func (m *MemoryStore) RestoreFrozenBalance(ctx context.Context, claimedBy uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, fb := range m.frozenBalances {
		if fb.ConsumedBy == nil || *fb.ConsumedBy != claimedBy {
			continue
		}
		fb.Consumed = false
		fb.ConsumedAt = nil
		fb.ConsumedBy = nil
		m.frozenBalances[id] = fb
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
