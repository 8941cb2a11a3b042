package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stakeit/stakeit/internal/finalvote"
	"github.com/stakeit/stakeit/internal/models"
	"github.com/stakeit/stakeit/internal/payments"
	"github.com/stakeit/stakeit/internal/service"
	"github.com/stakeit/stakeit/internal/settlement"
	"github.com/stakeit/stakeit/internal/store"
	"github.com/stakeit/stakeit/internal/verify"
)

const maxPhotoBytes = 10 << 20

type Server struct {
	service    *service.Service
	simulator  *service.Simulator
	verifier   *verify.Adapter
	finalVotes *finalvote.Engine
	store      store.Store
}

func New(svc *service.Service, sim *service.Simulator, verifier *verify.Adapter, finalVotes *finalvote.Engine, st store.Store) *Server {
	return &Server{service: svc, simulator: sim, verifier: verifier, finalVotes: finalVotes, store: st}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/goals", func(r chi.Router) {
		r.Post("/", s.handleCreateGoal)
		r.Get("/", s.handleListGoals)
		r.Route("/{goalID}", func(r chi.Router) {
			r.Get("/", s.handleGetGoal)
			r.Post("/vote", s.handleVote)
			r.Post("/final-vote", s.handleFinalVote)
			r.Post("/progress", s.handleProgress)
			r.Get("/progress", s.handleListProgress)
			r.Post("/progress/photo", s.handleProgressPhoto)
			r.Post("/simulate-verify", s.handleSimulate)
		})
	})

	r.Post("/verify/proof", s.handleProof)
	r.Post("/payments/webhook", s.handlePaymentWebhook)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var req service.CreateGoalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.service.CreateGoal(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	goals, err := s.service.ListGoals(r.Context(), q.Get("ownerId"), models.Platform(q.Get("platform")), q.Get("groupId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"goals": goals})
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	goalID, ok := parseGoalID(w, r)
	if !ok {
		return
	}
	detail, err := s.service.GetGoal(r.Context(), goalID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

type voteRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Platform string `json:"platform"`
	Period   int    `json:"period"`
	Approve  *bool  `json:"approve"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	goalID, ok := parseGoalID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Approve == nil {
		respondError(w, http.StatusBadRequest, "userId and approve required")
		return
	}
	status, err := s.verifier.SubmitVote(r.Context(), verify.VoteSubmission{
		GoalID:   goalID,
		UserID:   req.UserID,
		UserName: req.UserName,
		Platform: models.Platform(req.Platform),
		Period:   req.Period,
		Approve:  *req.Approve,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleFinalVote(w http.ResponseWriter, r *http.Request) {
	goalID, ok := parseGoalID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Approve == nil {
		respondError(w, http.StatusBadRequest, "userId and approve required")
		return
	}
	result, err := s.finalVotes.SubmitBallot(r.Context(), finalvote.Ballot{
		GoalID:   goalID,
		UserID:   req.UserID,
		UserName: req.UserName,
		Platform: models.Platform(req.Platform),
		Approve:  *req.Approve,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type progressRequest struct {
	UserID      string   `json:"userId"`
	Period      int      `json:"period"`
	Notes       string   `json:"notes"`
	PhotoURLs   []string `json:"photoUrls"`
	LocationLat *float64 `json:"locationLat"`
	LocationLng *float64 `json:"locationLng"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	goalID, ok := parseGoalID(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	update, err := s.service.SubmitProgress(r.Context(), service.ProgressRequest{
		GoalID:      goalID,
		UserID:      req.UserID,
		Period:      req.Period,
		Notes:       req.Notes,
		PhotoURLs:   req.PhotoURLs,
		LocationLat: req.LocationLat,
		LocationLng: req.LocationLng,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, update)
}

func (s *Server) handleListProgress(w http.ResponseWriter, r *http.Request) {
	goalID, ok := parseGoalID(w, r)
	if !ok {
		return
	}
	updates, err := s.service.ListProgress(r.Context(), goalID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"progressUpdates": updates})
}

func (s *Server) handleProgressPhoto(w http.ResponseWriter, r *http.Request) {
	goalID, ok := parseGoalID(w, r)
	if !ok {
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "userId required")
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxPhotoBytes)
	defer body.Close()
	url, err := s.service.StoreProgressPhoto(r.Context(), goalID, userID, r.Header.Get("Content-Type"), body)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"photoUrl": url})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	goalID, ok := parseGoalID(w, r)
	if !ok {
		return
	}
	var plan service.SimulationPlan
	if err := decodeJSON(w, r, &plan); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.simulator.Run(r.Context(), goalID, plan)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type proofRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "token required")
		return
	}
	outcome, err := s.verifier.HandleProof(r.Context(), req.Token)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var event payments.ChargeEvent
	if err := decodeJSON(w, r, &event); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if event.ChargeID == "" {
		respondError(w, http.StatusBadRequest, "chargeId required")
		return
	}
	if err := s.service.HandlePaymentEvent(r.Context(), event); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func parseGoalID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "goalID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid goal id")
		return uuid.Nil, false
	}
	return id, true
}

// respondDomainError maps engine rejections to HTTP statuses. Unknown
// errors fall through to 500 without leaking internals.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicateVote):
		respondError(w, http.StatusConflict, "already voted")
	case errors.Is(err, store.ErrGoalLimit):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, verify.ErrInvalidPeriod),
		errors.Is(err, verify.ErrProofInvalid),
		errors.Is(err, verify.ErrProofExpired):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotOwner),
		errors.Is(err, verify.ErrSelfVote),
		errors.Is(err, finalvote.ErrSelfVote),
		errors.Is(err, service.ErrSimulationDisabled):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrNotActive),
		errors.Is(err, verify.ErrGoalNotActive),
		errors.Is(err, settlement.ErrGoalNotActive),
		errors.Is(err, verify.ErrManualGoal),
		errors.Is(err, verify.ErrAutomaticGoal),
		errors.Is(err, verify.ErrPeriodResolved),
		errors.Is(err, finalvote.ErrNotVoting),
		errors.Is(err, finalvote.ErrAutomaticGoal):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payments.ErrUnavailable):
		respondError(w, http.StatusBadGateway, "payment provider unavailable")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
