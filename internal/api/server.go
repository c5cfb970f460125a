package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/predicate"
)

const defaultTimeout = 30 * time.Second

// QueueReader is the read side of one ledger queue.
type QueueReader interface {
	coordinator.Counter
	Stats(ctx context.Context) (harvest.Stats, error)
	QueueExists(ctx context.Context) (bool, error)
}

// Pinger reports whether the ledger database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the sources the server reads from. Queues holds secondary queues
// keyed by name.
type Deps struct {
	Primary    QueueReader
	Queues     map[string]QueueReader
	Predicates *predicate.Registry
	DB         Pinger
}

// Config tunes the server.
type Config struct {
	APIKey  string
	Timeout time.Duration
}

// Server exposes queue progress over HTTP.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/stats", s.primaryStats)
		r.Get("/check", s.primaryCheck)
		r.Get("/predicates", s.listPredicates)
		r.Route("/queues/{name}", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Get("/check", s.queueCheck)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			s.logger.Warn("ledger ping failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type progressResponse struct {
	Queue     string  `json:"queue"`
	Predicate string  `json:"predicate"`
	Total     int     `json:"total"`
	Visited   int     `json:"visited"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"percent"`
	Summary   string  `json:"summary"`
}

func (s *Server) primaryStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Primary == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	s.writeStats(w, r, s.deps.Primary)
}

// primaryCheck handles GET /v1/check?pattern=&exclude=&predicate=. A named
// predicate wins over pattern/exclude; with neither the whole queue is
// measured.
func (s *Server) primaryCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Primary == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	pred, err := s.predicateFor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeProgress(w, r, "primary", s.deps.Primary, pred)
}

func (s *Server) listPredicates(w http.ResponseWriter, _ *http.Request) {
	var names []string
	if s.deps.Predicates != nil {
		names = s.deps.Predicates.Names()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"predicates": names})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	s.writeStats(w, r, q)
}

func (s *Server) queueCheck(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	s.writeProgress(w, r, chi.URLParam(r, "name"), q, predicate.All())
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) (QueueReader, bool) {
	name := chi.URLParam(r, "name")
	q, ok := s.deps.Queues[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue "+name)
		return nil, false
	}
	exists, err := q.QueueExists(r.Context())
	if err != nil {
		s.logger.Error("queue lookup failed", zap.String("queue", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue lookup failed")
		return nil, false
	}
	if !exists {
		writeError(w, http.StatusNotFound, "queue "+name+" has not been seeded")
		return nil, false
	}
	return q, true
}

func (s *Server) predicateFor(r *http.Request) (predicate.Predicate, error) {
	q := r.URL.Query()
	if name := q.Get("predicate"); name != "" {
		if s.deps.Predicates == nil {
			return predicate.Predicate{}, errors.New("no predicates configured")
		}
		return s.deps.Predicates.Get(name)
	}
	if pattern := q.Get("pattern"); pattern != "" {
		return predicate.Substring(pattern, q.Get("exclude")), nil
	}
	return predicate.All(), nil
}

func (s *Server) writeStats(w http.ResponseWriter, r *http.Request, q QueueReader) {
	stats, err := q.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	sort.Slice(stats.BySource, func(i, j int) bool {
		return stats.BySource[i].SourceTag < stats.BySource[j].SourceTag
	})
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeProgress(w http.ResponseWriter, r *http.Request, queue string, q QueueReader, pred predicate.Predicate) {
	progress, err := coordinator.Measure(r.Context(), q, pred)
	if err != nil {
		if errors.Is(err, harvest.ErrInvalidPredicate) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("progress check failed", zap.String("queue", queue), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "progress check failed")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Queue:     queue,
		Predicate: pred.String(),
		Total:     progress.Total,
		Visited:   progress.Visited,
		Remaining: progress.Remaining,
		Percent:   progress.Percent(),
		Summary:   progress.String(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
