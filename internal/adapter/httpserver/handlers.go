package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lumapix/restoration-service/internal/adapter/events"
	"github.com/lumapix/restoration-service/internal/config"
	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/internal/service/credits"
	"github.com/lumapix/restoration-service/internal/service/ratelimiter"
	"github.com/lumapix/restoration-service/internal/service/replay"
	"github.com/lumapix/restoration-service/internal/usecase"
)

// maxPromptRunes caps the user prompt before admission sees it.
const maxPromptRunes = 2000

// Server aggregates the handler dependencies.
type Server struct {
	Cfg       config.Config
	Admission *usecase.AdmissionService
	Status    *usecase.StatusService
	Uploads   *usecase.UploadService
	Credits   *credits.Service
	Replay    *replay.Service
	Queue     domain.Queue
	Verifier  domain.TokenVerifier
	Limiter   *ratelimiter.Limiter
	Stream    *events.Bus
}

// NewServer wires the HTTP edge.
func NewServer(
	cfg config.Config,
	admission *usecase.AdmissionService,
	status *usecase.StatusService,
	uploads *usecase.UploadService,
	creditSvc *credits.Service,
	replaySvc *replay.Service,
	queue domain.Queue,
	verifier domain.TokenVerifier,
	limiter *ratelimiter.Limiter,
	stream *events.Bus,
) *Server {
	return &Server{
		Cfg:       cfg,
		Admission: admission,
		Status:    status,
		Uploads:   uploads,
		Credits:   creditSvc,
		Replay:    replaySvc,
		Queue:     queue,
		Verifier:  verifier,
		Limiter:   limiter,
		Stream:    stream,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// SignedURLHandler issues a presigned PUT target for a client-side upload.
func (s *Server) SignedURLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFrom(r.Context())
		contentType := r.URL.Query().Get("contentType")
		if contentType == "" {
			writeProblem(w, r, fmt.Errorf("%w: contentType query parameter required", domain.ErrInvalidArgument))
			return
		}
		target, err := s.Uploads.IssueTarget(r.Context(), identity.UserID, contentType)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, target)
	}
}

// SubmitHandler admits one restoration job. The body is either multipart
// with an image part, or JSON referencing a previously uploaded blob. The
// admission usecase owns the canonical response; this handler writes it
// verbatim, replayed or fresh.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFrom(r.Context())

		in := usecase.SubmitInput{
			Key:    strings.TrimSpace(r.Header.Get("Idempotency-Key")),
			Method: r.Method,
			Path:   "/v1/jobs",
		}

		contentType := r.Header.Get("Content-Type")
		switch {
		case strings.Contains(contentType, "multipart/form-data"):
			if !s.readMultipart(w, r, &in) {
				return
			}
		case strings.Contains(contentType, "application/json"):
			if !s.readJSONSource(w, r, &in) {
				return
			}
		default:
			writeProblem(w, r, fmt.Errorf("%w: body must be multipart/form-data or application/json", domain.ErrInvalidArgument))
			return
		}

		if utf8.RuneCountInString(in.Prompt) > maxPromptRunes {
			writeProblem(w, r, fmt.Errorf("%w: prompt exceeds %d characters", domain.ErrInvalidArgument, maxPromptRunes))
			return
		}

		out, err := s.Admission.Submit(r.Context(), identity.UserID, in)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		for k, v := range out.Header {
			w.Header().Set(k, v)
		}
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(out.Status)
		_, _ = w.Write(out.Body)
	}
}

// readMultipart pulls the image part and optional prompt field. Returns
// false after writing the error response.
func (s *Server) readMultipart(w http.ResponseWriter, r *http.Request, in *usecase.SubmitInput) bool {
	maxBytes := s.Cfg.MaxUploadBytes()
	// headroom for the prompt field and part boundaries
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
	if err := r.ParseMultipartForm(maxBytes + (1 << 20)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, r, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrPayloadTooLarge, tooLarge.Limit))
			return false
		}
		writeProblem(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return false
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeProblem(w, r, fmt.Errorf("%w: image part required", domain.ErrInvalidArgument))
		return false
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeProblem(w, r, fmt.Errorf("%w: image read: %v", domain.ErrInvalidArgument, err))
		return false
	}
	in.Inline = data
	in.Prompt = r.FormValue("prompt")
	return true
}

// readJSONSource decodes the blob-reference body. Returns false after
// writing the error response.
func (s *Server) readJSONSource(w http.ResponseWriter, r *http.Request, in *usecase.SubmitInput) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req struct {
		Source struct {
			Type       string `json:"type" validate:"required,oneof=blob"`
			ObjectName string `json:"object_name" validate:"required"`
		} `json:"source"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
		return false
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
		return false
	}
	in.BlobObject = req.Source.ObjectName
	in.Prompt = req.Prompt
	return true
}

// JobHandler answers the owner's point lookup.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFrom(r.Context())
		jobID := chi.URLParam(r, "id")
		if jobID == "" {
			writeProblem(w, r, fmt.Errorf("%w: job id missing", domain.ErrInvalidArgument))
			return
		}
		proj, err := s.Status.Get(r.Context(), identity.UserID, jobID)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	}
}
