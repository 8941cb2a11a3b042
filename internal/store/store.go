package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stakeit/stakeit/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateVote is returned when a (goal, referee, period) or
	// (goal, referee) final-vote row already exists. Backed by unique
	// constraints so the check is race-free.
	ErrDuplicateVote = errors.New("already voted")

	// ErrVersionConflict means the goal row changed between read and
	// write; callers re-read and retry.
	ErrVersionConflict = errors.New("goal version conflict")

	// ErrGoalLimit is returned by CreateGoal when the owner already has
	// the maximum number of open goals in the group.
	ErrGoalLimit = errors.New("active goal limit reached")
)

type Store interface {
	CreateGoal(ctx context.Context, in GoalInput) (models.Goal, error)
	GetGoal(ctx context.Context, id uuid.UUID) (models.Goal, error)
	DeleteGoal(ctx context.Context, id uuid.UUID) error
	ListGoalsByOwner(ctx context.Context, ownerID string) ([]models.Goal, error)
	ListGoalsByGroup(ctx context.Context, platform models.Platform, groupID string) ([]models.Goal, error)
	ActivateGoal(ctx context.Context, id uuid.UUID, start, end time.Time) (models.Goal, bool, error)
	UpdateGoalRun(ctx context.Context, in GoalRunUpdate) (models.Goal, error)

	GetOrCreateReferee(ctx context.Context, goalID uuid.UUID, userID, userName string, platform models.Platform) (models.Referee, error)
	ListReferees(ctx context.Context, goalID uuid.UUID) ([]models.Referee, error)

	CreateVote(ctx context.Context, goalID, refereeID uuid.UUID, period int, approve bool) (models.Vote, error)
	ListVotesForPeriod(ctx context.Context, goalID uuid.UUID, period int) ([]models.Vote, error)

	UpsertPeriodResult(ctx context.Context, in PeriodResultInput) (models.PeriodResult, error)
	FinalizePeriodResult(ctx context.Context, goalID uuid.UUID, period int, passed bool) (bool, error)
	GetPeriodResult(ctx context.Context, goalID uuid.UUID, period int) (models.PeriodResult, error)
	ListPeriodResults(ctx context.Context, goalID uuid.UUID) ([]models.PeriodResult, error)

	CreateFinalVote(ctx context.Context, goalID, refereeID uuid.UUID, approve bool) (models.FinalVote, error)
	ListFinalVotes(ctx context.Context, goalID uuid.UUID) ([]models.FinalVote, error)
	ClearFinalVotes(ctx context.Context, goalID uuid.UUID) error

	CreatePayment(ctx context.Context, in PaymentInput) (models.Payment, error)
	CompletePayment(ctx context.Context, chargeID string, at time.Time) (models.Payment, error)

	UpsertZkVerification(ctx context.Context, in ZkVerificationInput) (models.ZkVerification, error)
	ListZkVerifications(ctx context.Context, goalID uuid.UUID) ([]models.ZkVerification, error)

	CreateProgressUpdate(ctx context.Context, in ProgressUpdateInput) (models.ProgressUpdate, error)
	ListProgressUpdates(ctx context.Context, goalID uuid.UUID) ([]models.ProgressUpdate, error)

	CreateFrozenBalance(ctx context.Context, in FrozenBalanceInput) (models.FrozenBalance, error)
	ClaimFrozenBalance(ctx context.Context, platform models.Platform, userID string, claimedBy uuid.UUID, now time.Time) (int64, error)
	RestoreFrozenBalance(ctx context.Context, claimedBy uuid.UUID) error

	Ping(ctx context.Context) error
}

type RefereeSeed struct {
	UserID   string
	UserName string
	Platform models.Platform
}

type GoalInput struct {
	ID               uuid.UUID
	OwnerID          string
	OwnerName        string
	Platform         models.Platform
	GroupID          string
	GroupName        string
	Name             string
	Description      string
	StakeAmount      int64
	TotalPeriods     int
	PenaltyType      models.PenaltyType
	CharityChoice    string
	HoldMonths       int
	VerificationMode models.VerificationMode
	ThresholdType    models.ThresholdType
	ThresholdValue   *int64
	FrozenCarryover  int64
	Referees         []RefereeSeed

	// ActiveLimit caps open goals (active or pending payment) per
	// (owner, group); 0 disables the check. Enforced inside the create
	// transaction so concurrent creations cannot slip past it.
	ActiveLimit int
}

// GoalRunUpdate rewrites the goal's run state in one compare-and-swap
// keyed on ExpectedVersion.
type GoalRunUpdate struct {
	ID              uuid.UUID
	ExpectedVersion int64
	PeriodsPassed   int
	PeriodsFailed   int
	CurrentPeriod   int
	Status          models.GoalStatus
	FinalVoteStatus models.FinalVoteStatus
}

type PeriodResultInput struct {
	GoalID        uuid.UUID
	Period        int
	YesVotes      int
	NoVotes       int
	TotalReferees int
}

type PaymentInput struct {
	GoalID     uuid.UUID
	ChargeID   string
	Amount     int64
	PaymentURL string
}

type ZkVerificationInput struct {
	GoalID         uuid.UUID
	Period         int
	Provider       string
	ExtractedValue string
	ProofHash      string
	Status         models.ZkStatus
}

type ProgressUpdateInput struct {
	GoalID      uuid.UUID
	Period      int
	Notes       string
	PhotoURLs   []string
	LocationLat *float64
	LocationLng *float64
}

type FrozenBalanceInput struct {
	UserID       string
	Platform     models.Platform
	Amount       int64
	FrozenUntil  time.Time
	SourceGoalID uuid.UUID
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const goalColumns = `id, owner_id, owner_name, platform, group_id, group_name, name, description,
	stake_amount, total_periods, penalty_type, charity_choice, hold_months,
	verification_mode, threshold_type, threshold_value, status, final_vote_status,
	current_period, periods_passed, periods_failed, frozen_carryover,
	start_date, end_date, version, created_at, updated_at`

func scanGoal(row rowScanner) (models.Goal, error) {
	var (
		g              models.Goal
		groupID        sql.NullString
		groupName      sql.NullString
		description    sql.NullString
		charity        sql.NullString
		thresholdType  sql.NullString
		thresholdValue sql.NullInt64
		startDate      sql.NullTime
		endDate        sql.NullTime
	)
	if err := row.Scan(
		&g.ID,
		&g.OwnerID,
		&g.OwnerName,
		&g.Platform,
		&groupID,
		&groupName,
		&g.Name,
		&description,
		&g.StakeAmount,
		&g.TotalPeriods,
		&g.PenaltyType,
		&charity,
		&g.HoldMonths,
		&g.VerificationMode,
		&thresholdType,
		&thresholdValue,
		&g.Status,
		&g.FinalVoteStatus,
		&g.CurrentPeriod,
		&g.PeriodsPassed,
		&g.PeriodsFailed,
		&g.FrozenCarryover,
		&startDate,
		&endDate,
		&g.Version,
		&g.CreatedAt,
		&g.UpdatedAt,
	); err != nil {
		return models.Goal{}, err
	}
	g.GroupID = groupID.String
	g.GroupName = groupName.String
	g.Description = description.String
	g.CharityChoice = charity.String
	g.ThresholdType = models.ThresholdType(thresholdType.String)
	if thresholdValue.Valid {
		v := thresholdValue.Int64
		g.ThresholdValue = &v
	}
	if startDate.Valid {
		t := startDate.Time
		g.StartDate = &t
	}
	if endDate.Valid {
		t := endDate.Time
		g.EndDate = &t
	}
	return g, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PGStore) CreateGoal(ctx context.Context, in GoalInput) (models.Goal, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Goal{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if in.ActiveLimit > 0 && in.GroupID != "" {
		// Serialize concurrent creations for the same (owner, group) so
		// the count below cannot race past the limit.
		lockKey := in.OwnerID + "|" + in.GroupID
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return models.Goal{}, fmt.Errorf("acquire goal lock: %w", err)
		}
		var open int
		const countQuery = `
			SELECT COUNT(*) FROM goals
			WHERE owner_id=$1 AND group_id=$2 AND status IN ('active','pending_payment')
		`
		if err := tx.QueryRowContext(ctx, countQuery, in.OwnerID, in.GroupID).Scan(&open); err != nil {
			return models.Goal{}, fmt.Errorf("count open goals: %w", err)
		}
		if open >= in.ActiveLimit {
			return models.Goal{}, ErrGoalLimit
		}
	}

	query := `
		INSERT INTO goals (id, owner_id, owner_name, platform, group_id, group_name, name, description,
			stake_amount, total_periods, penalty_type, charity_choice, hold_months,
			verification_mode, threshold_type, threshold_value, status, final_vote_status,
			current_period, periods_passed, periods_failed, frozen_carryover)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,'pending_payment','not_started',1,0,0,$17)
		RETURNING ` + goalColumns
	row := tx.QueryRowContext(ctx, query,
		in.ID, in.OwnerID, in.OwnerName, in.Platform,
		nullString(in.GroupID), nullString(in.GroupName), in.Name, nullString(in.Description),
		in.StakeAmount, in.TotalPeriods, in.PenaltyType, nullString(in.CharityChoice), in.HoldMonths,
		in.VerificationMode, nullString(string(in.ThresholdType)), in.ThresholdValue, in.FrozenCarryover)
	goal, err := scanGoal(row)
	if err != nil {
		return models.Goal{}, fmt.Errorf("insert goal: %w", err)
	}

	for _, ref := range in.Referees {
		const refQuery = `
			INSERT INTO referees (id, goal_id, user_id, user_name, platform)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (goal_id, user_id, platform) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, refQuery, uuid.New(), goal.ID, ref.UserID, ref.UserName, ref.Platform); err != nil {
			return models.Goal{}, fmt.Errorf("seed referee: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Goal{}, fmt.Errorf("commit goal: %w", err)
	}
	return goal, nil
}

func (s *PGStore) GetGoal(ctx context.Context, id uuid.UUID) (models.Goal, error) {
	goal, err := scanGoal(s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Goal{}, ErrNotFound
		}
		return models.Goal{}, fmt.Errorf("get goal: %w", err)
	}
	return goal, nil
}

func (s *PGStore) DeleteGoal(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM goals WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete goal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListGoalsByOwner(ctx context.Context, ownerID string) ([]models.Goal, error) {
	const query = `SELECT ` + goalColumns + ` FROM goals WHERE owner_id=$1 ORDER BY created_at DESC`
	return s.listGoals(ctx, query, ownerID)
}

func (s *PGStore) ListGoalsByGroup(ctx context.Context, platform models.Platform, groupID string) ([]models.Goal, error) {
	const query = `SELECT ` + goalColumns + ` FROM goals WHERE platform=$1 AND group_id=$2 ORDER BY created_at DESC`
	return s.listGoals(ctx, query, platform, groupID)
}

func (s *PGStore) listGoals(ctx context.Context, query string, args ...interface{}) ([]models.Goal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	var goals []models.Goal
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		goals = append(goals, goal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate goals: %w", err)
	}
	return goals, nil
}

// ActivateGoal flips a pending goal to active. The WHERE clause makes
// duplicate payment notifications no-ops: the second call reports
// activated=false and returns the goal unchanged.
func (s *PGStore) ActivateGoal(ctx context.Context, id uuid.UUID, start, end time.Time) (models.Goal, bool, error) {
	query := `
		UPDATE goals
		SET status='active', start_date=$2, end_date=$3, current_period=1, version=version+1, updated_at=NOW()
		WHERE id=$1 AND status='pending_payment'
		RETURNING ` + goalColumns
	goal, err := scanGoal(s.db.QueryRowContext(ctx, query, id, start, end))
	if err == nil {
		return goal, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Goal{}, false, fmt.Errorf("activate goal: %w", err)
	}
	goal, err = s.GetGoal(ctx, id)
	if err != nil {
		return models.Goal{}, false, err
	}
	return goal, false, nil
}

func (s *PGStore) UpdateGoalRun(ctx context.Context, in GoalRunUpdate) (models.Goal, error) {
	query := `
		UPDATE goals
		SET periods_passed=$3, periods_failed=$4, current_period=$5, status=$6,
		    final_vote_status=$7, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING ` + goalColumns
	goal, err := scanGoal(s.db.QueryRowContext(ctx, query,
		in.ID, in.ExpectedVersion, in.PeriodsPassed, in.PeriodsFailed,
		in.CurrentPeriod, in.Status, in.FinalVoteStatus))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Row exists with a different version, or not at all.
			if _, getErr := s.GetGoal(ctx, in.ID); getErr != nil {
				return models.Goal{}, getErr
			}
			return models.Goal{}, ErrVersionConflict
		}
		return models.Goal{}, fmt.Errorf("update goal run: %w", err)
	}
	return goal, nil
}

func scanReferee(row rowScanner) (models.Referee, error) {
	var ref models.Referee
	if err := row.Scan(&ref.ID, &ref.GoalID, &ref.UserID, &ref.UserName, &ref.Platform, &ref.AddedAt); err != nil {
		return models.Referee{}, err
	}
	return ref, nil
}

func (s *PGStore) GetOrCreateReferee(ctx context.Context, goalID uuid.UUID, userID, userName string, platform models.Platform) (models.Referee, error) {
	const insert = `
		INSERT INTO referees (id, goal_id, user_id, user_name, platform)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (goal_id, user_id, platform) DO NOTHING
		RETURNING id, goal_id, user_id, user_name, platform, added_at
	`
	ref, err := scanReferee(s.db.QueryRowContext(ctx, insert, uuid.New(), goalID, userID, userName, platform))
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Referee{}, fmt.Errorf("create referee: %w", err)
	}
	const query = `
		SELECT id, goal_id, user_id, user_name, platform, added_at
		FROM referees WHERE goal_id=$1 AND user_id=$2 AND platform=$3
	`
	ref, err = scanReferee(s.db.QueryRowContext(ctx, query, goalID, userID, platform))
	if err != nil {
		return models.Referee{}, fmt.Errorf("get referee: %w", err)
	}
	return ref, nil
}

func (s *PGStore) ListReferees(ctx context.Context, goalID uuid.UUID) ([]models.Referee, error) {
	const query = `
		SELECT id, goal_id, user_id, user_name, platform, added_at
		FROM referees WHERE goal_id=$1 ORDER BY added_at
	`
	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("list referees: %w", err)
	}
	defer rows.Close()

	var refs []models.Referee
	for rows.Next() {
		ref, err := scanReferee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan referee: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate referees: %w", err)
	}
	return refs, nil
}

func (s *PGStore) CreateVote(ctx context.Context, goalID, refereeID uuid.UUID, period int, approve bool) (models.Vote, error) {
	const query = `
		INSERT INTO votes (id, goal_id, referee_id, period, approve)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, goal_id, referee_id, period, approve, voted_at
	`
	var v models.Vote
	err := s.db.QueryRowContext(ctx, query, uuid.New(), goalID, refereeID, period, approve).
		Scan(&v.ID, &v.GoalID, &v.RefereeID, &v.Period, &v.Approve, &v.VotedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Vote{}, ErrDuplicateVote
		}
		return models.Vote{}, fmt.Errorf("insert vote: %w", err)
	}
	return v, nil
}

func (s *PGStore) ListVotesForPeriod(ctx context.Context, goalID uuid.UUID, period int) ([]models.Vote, error) {
	const query = `
		SELECT id, goal_id, referee_id, period, approve, voted_at
		FROM votes WHERE goal_id=$1 AND period=$2 ORDER BY voted_at
	`
	rows, err := s.db.QueryContext(ctx, query, goalID, period)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ID, &v.GoalID, &v.RefereeID, &v.Period, &v.Approve, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return votes, nil
}

func scanPeriodResult(row rowScanner) (models.PeriodResult, error) {
	var (
		res         models.PeriodResult
		passed      sql.NullBool
		finalizedAt sql.NullTime
	)
	if err := row.Scan(&res.ID, &res.GoalID, &res.Period, &res.YesVotes, &res.NoVotes,
		&res.TotalReferees, &passed, &finalizedAt); err != nil {
		return models.PeriodResult{}, err
	}
	if passed.Valid {
		v := passed.Bool
		res.Passed = &v
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		res.FinalizedAt = &t
	}
	return res, nil
}

// UpsertPeriodResult rewrites the running tally for one (goal, period).
// It never touches passed or finalized_at; finalization goes through
// FinalizePeriodResult so the outcome is stamped exactly once.
func (s *PGStore) UpsertPeriodResult(ctx context.Context, in PeriodResultInput) (models.PeriodResult, error) {
	const query = `
		INSERT INTO period_results (id, goal_id, period, yes_votes, no_votes, total_referees)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (goal_id, period) DO UPDATE SET
			yes_votes=EXCLUDED.yes_votes,
			no_votes=EXCLUDED.no_votes,
			total_referees=EXCLUDED.total_referees
		RETURNING id, goal_id, period, yes_votes, no_votes, total_referees, passed, finalized_at
	`
	res, err := scanPeriodResult(s.db.QueryRowContext(ctx, query,
		uuid.New(), in.GoalID, in.Period, in.YesVotes, in.NoVotes, in.TotalReferees))
	if err != nil {
		return models.PeriodResult{}, fmt.Errorf("upsert period result: %w", err)
	}
	return res, nil
}

// FinalizePeriodResult stamps the period's outcome. The conditional
// UPDATE lets exactly one caller claim the finalization: claimed is
// false when another writer already stamped it, and that caller must
// not hand off to settlement.
func (s *PGStore) FinalizePeriodResult(ctx context.Context, goalID uuid.UUID, period int, passed bool) (bool, error) {
	const query = `
		UPDATE period_results
		SET passed=$3, finalized_at=NOW()
		WHERE goal_id=$1 AND period=$2 AND finalized_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, goalID, period, passed)
	if err != nil {
		return false, fmt.Errorf("finalize period result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize period result: %w", err)
	}
	return n == 1, nil
}

func (s *PGStore) GetPeriodResult(ctx context.Context, goalID uuid.UUID, period int) (models.PeriodResult, error) {
	const query = `
		SELECT id, goal_id, period, yes_votes, no_votes, total_referees, passed, finalized_at
		FROM period_results WHERE goal_id=$1 AND period=$2
	`
	res, err := scanPeriodResult(s.db.QueryRowContext(ctx, query, goalID, period))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PeriodResult{}, ErrNotFound
		}
		return models.PeriodResult{}, fmt.Errorf("get period result: %w", err)
	}
	return res, nil
}

func (s *PGStore) ListPeriodResults(ctx context.Context, goalID uuid.UUID) ([]models.PeriodResult, error) {
	const query = `
		SELECT id, goal_id, period, yes_votes, no_votes, total_referees, passed, finalized_at
		FROM period_results WHERE goal_id=$1 ORDER BY period
	`
	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("list period results: %w", err)
	}
	defer rows.Close()

	var results []models.PeriodResult
	for rows.Next() {
		res, err := scanPeriodResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan period result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate period results: %w", err)
	}
	return results, nil
}

func (s *PGStore) CreateFinalVote(ctx context.Context, goalID, refereeID uuid.UUID, approve bool) (models.FinalVote, error) {
	const query = `
		INSERT INTO final_votes (id, goal_id, referee_id, approve)
		VALUES ($1,$2,$3,$4)
		RETURNING id, goal_id, referee_id, approve, voted_at
	`
	var fv models.FinalVote
	err := s.db.QueryRowContext(ctx, query, uuid.New(), goalID, refereeID, approve).
		Scan(&fv.ID, &fv.GoalID, &fv.RefereeID, &fv.Approve, &fv.VotedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.FinalVote{}, ErrDuplicateVote
		}
		return models.FinalVote{}, fmt.Errorf("insert final vote: %w", err)
	}
	return fv, nil
}

func (s *PGStore) ListFinalVotes(ctx context.Context, goalID uuid.UUID) ([]models.FinalVote, error) {
	const query = `
		SELECT id, goal_id, referee_id, approve, voted_at
		FROM final_votes WHERE goal_id=$1 ORDER BY voted_at
	`
	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("list final votes: %w", err)
	}
	defer rows.Close()

	var votes []models.FinalVote
	for rows.Next() {
		var fv models.FinalVote
		if err := rows.Scan(&fv.ID, &fv.GoalID, &fv.RefereeID, &fv.Approve, &fv.VotedAt); err != nil {
			return nil, fmt.Errorf("scan final vote: %w", err)
		}
		votes = append(votes, fv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate final votes: %w", err)
	}
	return votes, nil
}

func (s *PGStore) ClearFinalVotes(ctx context.Context, goalID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM final_votes WHERE goal_id=$1`, goalID); err != nil {
		return fmt.Errorf("clear final votes: %w", err)
	}
	return nil
}

func scanPayment(row rowScanner) (models.Payment, error) {
	var (
		p           models.Payment
		paymentURL  sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.GoalID, &p.ChargeID, &p.Amount, &p.Status, &paymentURL, &p.CreatedAt, &completedAt); err != nil {
		return models.Payment{}, err
	}
	p.PaymentURL = paymentURL.String
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return p, nil
}

func (s *PGStore) CreatePayment(ctx context.Context, in PaymentInput) (models.Payment, error) {
	const query = `
		INSERT INTO payments (id, goal_id, charge_id, amount, status, payment_url)
		VALUES ($1,$2,$3,$4,'pending',$5)
		RETURNING id, goal_id, charge_id, amount, status, payment_url, created_at, completed_at
	`
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, uuid.New(), in.GoalID, in.ChargeID, in.Amount, nullString(in.PaymentURL)))
	if err != nil {
		return models.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

// CompletePayment marks the payment for chargeID completed. Idempotent:
// a second notification finds the row already completed and returns it
// unchanged.
func (s *PGStore) CompletePayment(ctx context.Context, chargeID string, at time.Time) (models.Payment, error) {
	const update = `
		UPDATE payments
		SET status='completed', completed_at=$2
		WHERE charge_id=$1 AND status='pending'
		RETURNING id, goal_id, charge_id, amount, status, payment_url, created_at, completed_at
	`
	p, err := scanPayment(s.db.QueryRowContext(ctx, update, chargeID, at))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, fmt.Errorf("complete payment: %w", err)
	}
	const query = `
		SELECT id, goal_id, charge_id, amount, status, payment_url, created_at, completed_at
		FROM payments WHERE charge_id=$1
	`
	p, err = scanPayment(s.db.QueryRowContext(ctx, query, chargeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Payment{}, ErrNotFound
		}
		return models.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PGStore) UpsertZkVerification(ctx context.Context, in ZkVerificationInput) (models.ZkVerification, error) {
	const query = `
		INSERT INTO zk_verifications (id, goal_id, period, provider, extracted_value, proof_hash, status, verified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, CASE WHEN $7='verified' THEN NOW() END)
		ON CONFLICT (goal_id, period) DO UPDATE SET
			provider=EXCLUDED.provider,
			extracted_value=EXCLUDED.extracted_value,
			proof_hash=EXCLUDED.proof_hash,
			status=EXCLUDED.status,
			verified_at=COALESCE(zk_verifications.verified_at, EXCLUDED.verified_at)
		RETURNING id, goal_id, period, provider, extracted_value, proof_hash, status, verified_at
	`
	var (
		zk         models.ZkVerification
		value      sql.NullString
		hash       sql.NullString
		verifiedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, uuid.New(), in.GoalID, in.Period, in.Provider,
		nullString(in.ExtractedValue), nullString(in.ProofHash), in.Status).
		Scan(&zk.ID, &zk.GoalID, &zk.Period, &zk.Provider, &value, &hash, &zk.Status, &verifiedAt)
	if err != nil {
		return models.ZkVerification{}, fmt.Errorf("upsert zk verification: %w", err)
	}
	zk.ExtractedValue = value.String
	zk.ProofHash = hash.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		zk.VerifiedAt = &t
	}
	return zk, nil
}

func (s *PGStore) ListZkVerifications(ctx context.Context, goalID uuid.UUID) ([]models.ZkVerification, error) {
	const query = `
		SELECT id, goal_id, period, provider, extracted_value, proof_hash, status, verified_at
		FROM zk_verifications WHERE goal_id=$1 ORDER BY period
	`
	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("list zk verifications: %w", err)
	}
	defer rows.Close()

	var zks []models.ZkVerification
	for rows.Next() {
		var (
			zk         models.ZkVerification
			value      sql.NullString
			hash       sql.NullString
			verifiedAt sql.NullTime
		)
		if err := rows.Scan(&zk.ID, &zk.GoalID, &zk.Period, &zk.Provider, &value, &hash, &zk.Status, &verifiedAt); err != nil {
			return nil, fmt.Errorf("scan zk verification: %w", err)
		}
		zk.ExtractedValue = value.String
		zk.ProofHash = hash.String
		if verifiedAt.Valid {
			t := verifiedAt.Time
			zk.VerifiedAt = &t
		}
		zks = append(zks, zk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate zk verifications: %w", err)
	}
	return zks, nil
}

func (s *PGStore) CreateProgressUpdate(ctx context.Context, in ProgressUpdateInput) (models.ProgressUpdate, error) {
	const query = `
		INSERT INTO progress_updates (id, goal_id, period, notes, photo_urls, location_lat, location_lng)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, goal_id, period, notes, photo_urls, location_lat, location_lng, created_at
	`
	row := s.db.QueryRowContext(ctx, query, uuid.New(), in.GoalID, in.Period,
		nullString(in.Notes), pq.Array(in.PhotoURLs), in.LocationLat, in.LocationLng)
	update, err := scanProgressUpdate(row)
	if err != nil {
		return models.ProgressUpdate{}, fmt.Errorf("insert progress update: %w", err)
	}
	return update, nil
}

func scanProgressUpdate(row rowScanner) (models.ProgressUpdate, error) {
	var (
		u     models.ProgressUpdate
		notes sql.NullString
		urls  pq.StringArray
		lat   sql.NullFloat64
		lng   sql.NullFloat64
	)
	if err := row.Scan(&u.ID, &u.GoalID, &u.Period, &notes, &urls, &lat, &lng, &u.CreatedAt); err != nil {
		return models.ProgressUpdate{}, err
	}
	u.Notes = notes.String
	u.PhotoURLs = []string(urls)
	if lat.Valid {
		v := lat.Float64
		u.LocationLat = &v
	}
	if lng.Valid {
		v := lng.Float64
		u.LocationLng = &v
	}
	return u, nil
}

func (s *PGStore) ListProgressUpdates(ctx context.Context, goalID uuid.UUID) ([]models.ProgressUpdate, error) {
	const query = `
		SELECT id, goal_id, period, notes, photo_urls, location_lat, location_lng, created_at
		FROM progress_updates WHERE goal_id=$1 ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, goalID)
	if err != nil {
		return nil, fmt.Errorf("list progress updates: %w", err)
	}
	defer rows.Close()

	var updates []models.ProgressUpdate
	for rows.Next() {
		u, err := scanProgressUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress updates: %w", err)
	}
	return updates, nil
}

func (s *PGStore) CreateFrozenBalance(ctx context.Context, in FrozenBalanceInput) (models.FrozenBalance, error) {
	const query = `
		INSERT INTO frozen_balances (id, user_id, platform, amount, frozen_until, source_goal_id, consumed)
		VALUES ($1,$2,$3,$4,$5,$6,false)
		RETURNING id, user_id, platform, amount, frozen_until, source_goal_id, consumed, consumed_at, created_at
	`
	var (
		fb         models.FrozenBalance
		consumedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, uuid.New(), in.UserID, in.Platform, in.Amount, in.FrozenUntil, in.SourceGoalID).
		Scan(&fb.ID, &fb.UserID, &fb.Platform, &fb.Amount, &fb.FrozenUntil, &fb.SourceGoalID, &fb.Consumed, &consumedAt, &fb.CreatedAt)
	if err != nil {
		return models.FrozenBalance{}, fmt.Errorf("insert frozen balance: %w", err)
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		fb.ConsumedAt = &t
	}
	return fb, nil
}

// ClaimFrozenBalance consumes every released, unconsumed frozen balance
// for the user and returns the total. The single UPDATE makes the claim
// atomic: two concurrent goal creations cannot both absorb the same
// balance. claimedBy tags the consumed rows so RestoreFrozenBalance can
// give them back if the claiming goal's creation is rolled back.
func (s *PGStore) ClaimFrozenBalance(ctx context.Context, platform models.Platform, userID string, claimedBy uuid.UUID, now time.Time) (int64, error) {
	const query = `
		UPDATE frozen_balances
		SET consumed=true, consumed_at=NOW(), consumed_by=$4
		WHERE user_id=$1 AND platform=$2 AND consumed=false AND frozen_until<=$3
		RETURNING amount
	`
	rows, err := s.db.QueryContext(ctx, query, userID, platform, now, claimedBy)
	if err != nil {
		return 0, fmt.Errorf("claim frozen balance: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var amount int64
		if err := rows.Scan(&amount); err != nil {
			return 0, fmt.Errorf("scan frozen balance: %w", err)
		}
		total += amount
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate frozen balances: %w", err)
	}
	return total, nil
}

// RestoreFrozenBalance un-consumes the balances a rolled-back goal
// creation claimed, making them claimable again.
func (s *PGStore) RestoreFrozenBalance(ctx context.Context, claimedBy uuid.UUID) error {
	const query = `
		UPDATE frozen_balances
		SET consumed=false, consumed_at=NULL, consumed_by=NULL
		WHERE consumed_by=$1
	`
	if _, err := s.db.ExecContext(ctx, query, claimedBy); err != nil {
		return fmt.Errorf("restore frozen balance: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
