package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bizjournal/internal/types"
)

type statusResponse struct {
	GeneratedAt   time.Time               `json:"generated_at"`
	Queue         map[types.JobStatus]int `json:"queue"`
	ActiveWorkers int                     `json:"active_workers"`
	LastSweep     *types.TaskRun          `json:"last_grace_sweep"`
	LastBatchRun  *types.BatchRun         `json:"last_batch_run"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.deps.Clock.Now()

	counts, err := s.deps.Jobs.CountByStatus(ctx)
	if err != nil {
		s.fail(w, r, "counting jobs", err)
		return
	}
	for _, st := range types.AllJobStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	active, err := s.deps.Workers.CountActive(ctx, now.Add(-s.heartbeatTimeout))
	if err != nil {
		s.fail(w, r, "counting workers", err)
		return
	}
	sweep, err := s.deps.History.Latest(ctx, types.TaskGraceSweep)
	if err != nil {
		s.fail(w, r, "loading grace sweep history", err)
		return
	}
	run, err := s.deps.Batches.Latest(ctx)
	if err != nil {
		s.fail(w, r, "loading batch run", err)
		return
	}

	if s.deps.Gauges != nil {
		s.deps.Gauges.ObserveQueue(counts)
		s.deps.Gauges.ObserveWorkers(active)
	}

	Data(w, r, http.StatusOK, statusResponse{
		GeneratedAt:   now,
		Queue:         counts,
		ActiveWorkers: active,
		LastSweep:     sweep,
		LastBatchRun:  run,
	})
}

type testDigestRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type testDigestResponse struct {
	JobID        string    `json:"job_id"`
	UserID       string    `json:"user_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (s *Server) handleTestDigest(w http.ResponseWriter, r *http.Request) {
	var req testDigestRequest
	if err := DecodeJSON(w, r, &req, false); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.validator.Struct(req); err != nil {
		Error(w, r, err)
		return
	}

	job, err := s.deps.Tester.SendTest(r.Context(), req.UserID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeCooldownActive {
			if secs, ok := appErr.Details["retry_after_seconds"].(int); ok {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
		s.fail(w, r, "sending test digest", err)
		return
	}

	s.logger.InfoContext(r.Context(), "test digest enqueued", "user_id", job.UserID, "job_id", job.ID)
	Data(w, r, http.StatusAccepted, testDigestResponse{
		JobID:        job.ID,
		UserID:       job.UserID,
		ScheduledFor: job.ScheduledFor,
	})
}

type sweepResponse struct {
	Suspended        int      `json:"suspended"`
	AlreadySuspended int      `json:"already_suspended"`
	Errors           []string `json:"errors"`
}

func (s *Server) handleGraceSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sweeper.Sweep(r.Context(), s.deps.Clock.Now())
	if err != nil {
		s.fail(w, r, "running grace sweep", err)
		return
	}
	Data(w, r, http.StatusOK, sweepResponse{
		Suspended:        res.Suspended,
		AlreadySuspended: res.AlreadySuspended,
		Errors:           res.ErrorMessages(),
	})
}

type tickRequest struct {
	At *time.Time `json:"at"`
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := DecodeJSON(w, r, &req, true); err != nil {
		Error(w, r, err)
		return
	}
	at := s.deps.Clock.Now()
	if req.At != nil {
		at = req.At.UTC()
	}

	res, err := s.deps.Trigger.Tick(r.Context(), at)
	if err != nil {
		s.fail(w, r, "running digest tick", err)
		return
	}
	Data(w, r, http.StatusOK, res)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.Cancel(r.Context(), id, s.deps.Clock.Now())
	if err != nil {
		s.fail(w, r, "cancelling job", err)
		return
	}
	s.logger.InfoContext(r.Context(), "job cancelled", "job_id", id)
	Data(w, r, http.StatusOK, job)
}

type reactivateResponse struct {
	UserID      string                   `json:"user_id"`
	Reactivated bool                     `json:"reactivated"`
	Status      types.SubscriptionStatus `json:"status"`
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "user_id")

	if _, err := s.deps.Subscriptions.Get(ctx, userID); err != nil {
		s.fail(w, r, "loading subscription", err)
		return
	}
	changed, err := s.deps.Subscriptions.Reactivate(ctx, userID, s.deps.Clock.Now())
	if err != nil {
		s.fail(w, r, "reactivating subscription", err)
		return
	}
	sub, err := s.deps.Subscriptions.Get(ctx, userID)
	if err != nil {
		s.fail(w, r, "loading subscription", err)
		return
	}
	if changed {
		s.logger.InfoContext(ctx, "subscription reactivated", "user_id", userID)
	}
	Data(w, r, http.StatusOK, reactivateResponse{UserID: userID, Reactivated: changed, Status: sub.Status})
}

// fail logs unexpected errors before writing them. Client errors are only
// written.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.HTTPStatus() >= 500 {
		s.logger.ErrorContext(r.Context(), op+" failed", "error", err)
	}
	Error(w, r, err)
}
