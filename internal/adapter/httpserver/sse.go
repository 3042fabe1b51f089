package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
)

// StreamHandler pushes status transitions for one job as server-sent
// events: a comment on connect, one status event with the current
// projection, one status event per observed change, a comment heartbeat,
// and close on terminal status or peer close. The route must be mounted
// outside the timeout middleware.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFrom(r.Context())
		jobID := chi.URLParam(r, "id")

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeProblem(w, r, fmt.Errorf("%w: connection does not support streaming", domain.ErrInternal))
			return
		}

		proj, err := s.Status.Get(r.Context(), identity.UserID, jobID)
		if err != nil {
			writeProblem(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		observability.SSEStreamsActive.Inc()
		defer observability.SSEStreamsActive.Dec()

		_, _ = io.WriteString(w, ": stream opened\n\n")
		if writeSSE(w, "status", proj) != nil {
			return
		}
		flusher.Flush()
		if proj.Status.Terminal() {
			return
		}

		// the bus delivers transitions fast; the poll ticker is the
		// consistency net when an event is dropped or the bus is down
		var sub <-chan domain.JobEvent
		cancel := func() {}
		if s.Stream != nil {
			sub, cancel = s.Stream.Subscribe(jobID)
		}
		defer cancel()

		heartbeat := time.NewTicker(s.Cfg.SSEHeartbeat())
		defer heartbeat.Stop()
		poll := time.NewTicker(s.Cfg.JobsSSEPollInterval)
		defer poll.Stop()

		last := proj
		// refresh re-reads the projection, emits it when it moved, and
		// reports whether the stream is done.
		refresh := func() bool {
			next, err := s.Status.Get(r.Context(), identity.UserID, jobID)
			if err != nil {
				p := classify(err)
				p.Instance = "urn:request:" + r.Header.Get("X-Request-Id")
				_ = writeSSE(w, "error", p)
				flusher.Flush()
				return true
			}
			if next.Status == last.Status && next.UpdatedAt.Equal(last.UpdatedAt) {
				return false
			}
			last = next
			if writeSSE(w, "status", next) != nil {
				return true
			}
			flusher.Flush()
			return next.Status.Terminal()
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case _, open := <-sub:
				if !open {
					// bus shut down; a nil channel blocks and the poll
					// ticker keeps driving
					sub = nil
					continue
				}
				if refresh() {
					return
				}
			case <-poll.C:
				if refresh() {
					return
				}
			}
		}
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
