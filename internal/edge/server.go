package edge

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/pkg/models"
)

// Server exposes the streaming API over HTTP.
type Server struct {
	config Config
	deps   Deps
	logger *observability.Logger
	router chi.Router
}

// NewServer wires the routes. The session config applies to every request.
func NewServer(config Config, deps Deps) *Server {
	s := &Server{config: config, deps: deps, logger: deps.Logger}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/stream", s.handleStream)
	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStream decodes a StreamRequest, opens an SSE response and blocks
// until the session drains. A dropped connection cancels the domain stream
// via the request context; persistence still runs to the terminal chunk.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req models.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sink, err := NewSSESink(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx := observability.WithThreadID(r.Context(), req.ThreadID)
	session, err := StartSession(ctx, s.config, s.deps, &req, sink)
	if err != nil {
		// Headers are already streaming; deliver the failure as an event.
		_ = sink.Send(&Event{Type: EventError, Data: &ErrorEvent{
			Code:    "bad_request",
			Message: err.Error(),
		}})
		return
	}
	<-session.Done()
}
