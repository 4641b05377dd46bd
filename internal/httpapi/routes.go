package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"triaged/internal/grouper"
	"triaged/internal/pipeline"
	"triaged/internal/triage"
	logx "triaged/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Backend is the triage surface the API exposes.
type Backend interface {
	Process(ctx context.Context, in triage.Input) pipeline.Outcome
	Feedback(category string, engaged bool) triage.EngagementState
	Acknowledge(id string) bool
	Engagement() []triage.EngagementState
	Groups() []grouper.Group
	Stats() pipeline.Stats
	FlushDigest(ctx context.Context) (pipeline.FlushResult, error)
}

// Handler returns the API routes for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.routes(cur)
}

func (s *Service) routes(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics)
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/notifications", s.postNotification)
			r.Post("/feedback", s.postFeedback)
			r.Post("/digest", s.postDigest)
			r.Get("/engagement", s.getEngagement)
			r.Get("/groups", s.getGroups)
			r.Get("/stats", s.getStats)
		})
	})
	return r
}

func (s *Service) postNotification(w http.ResponseWriter, r *http.Request) {
	var in triage.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Process(r.Context(), in))
}

type feedbackRequest struct {
	Category string `json:"category"`
	Engaged  bool   `json:"engaged"`
	ID       string `json:"id,omitempty"`
}

type feedbackResponse struct {
	Engagement   triage.EngagementState `json:"engagement"`
	Acknowledged bool                   `json:"acknowledged"`
}

func (s *Service) postFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Category) == "" {
		writeError(w, http.StatusBadRequest, "category required")
		return
	}
	resp := feedbackResponse{Engagement: s.backend.Feedback(req.Category, req.Engaged)}
	if req.ID != "" {
		resp.Acknowledged = s.backend.Acknowledge(req.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) postDigest(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.FlushDigest(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrNoSink):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Service) getEngagement(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Engagement())
}

func (s *Service) getGroups(w http.ResponseWriter, _ *http.Request) {
	gs := s.backend.Groups()
	if gs == nil {
		gs = []grouper.Group{}
	}
	writeJSON(w, http.StatusOK, gs)
}

func (s *Service) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Stats())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					got = strings.TrimSpace(ah)
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("rid", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= 500 {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request ok", fields...)
	})
}
