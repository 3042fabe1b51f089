package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lumapix/restoration-service/internal/domain"
)

// RequireOpsToken guards the operator surface with a static token. An
// unconfigured token disables the surface entirely.
func (s *Server) RequireOpsToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := bearerToken(r)
		configured := s.Cfg.OpsToken
		if configured == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(configured)) != 1 {
			writeProblem(w, r, fmt.Errorf("%w: operator token required", domain.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GrantHandler credits a user's paid balance out of band, e.g. after a
// payment webhook lands elsewhere.
func (s *Server) GrantHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			UserID string `json:"user_id" validate:"required"`
			Amount int64  `json:"amount" validate:"required,gt=0"`
			Reason string `json:"reason" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			fields := map[string]string{}
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					fields[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeProblemFields(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), fields)
			return
		}

		balance, err := s.Credits.Grant(r.Context(), req.UserID, req.Amount, req.Reason)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": req.UserID,
			"balance": balance,
		})
	}
}

type queueStatsResponse struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Scheduled int `json:"scheduled"`
	Retry     int `json:"retry"`
	Archived  int `json:"archived"`
	Completed int `json:"completed"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// QueueStatsHandler reports engine queue depths.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Queue.Stats(r.Context())
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, queueStatsResponse(stats))
	}
}

type deadLetterSummary struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	UserID   string    `json:"user_id"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLettersHandler pages the archive, optionally per user.
func (s *Server) DeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		if limit > 200 {
			limit = 200
		}
		offset := queryInt(r, "offset", 0)

		entries, err := s.Replay.List(r.Context(), r.URL.Query().Get("user"), limit, offset)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		out := make([]deadLetterSummary, 0, len(entries))
		for _, dl := range entries {
			out = append(out, deadLetterSummary{
				ID:       dl.ID,
				JobID:    dl.JobID,
				UserID:   dl.UserID,
				Kind:     dl.Failure.Kind,
				Message:  dl.Failure.Message,
				Attempts: dl.Attempts,
				FailedAt: dl.FailedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
	}
}

// ReplayDeadLetterHandler re-enqueues one archived task.
func (s *Server) ReplayDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeProblem(w, r, fmt.Errorf("%w: dead letter id missing", domain.ErrInvalidArgument))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Reason string `json:"reason"`
		}
		// an empty body is a bare replay
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeProblem(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
			return
		}

		operator := r.Header.Get("X-Operator")
		if operator == "" {
			operator = "ops-api"
		}

		outcome, err := s.Replay.Replay(r.Context(), id, req.Reason, operator)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, outcome)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
