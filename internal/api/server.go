package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"lechat/internal/assistant"
	"lechat/internal/blob"
	"lechat/internal/chat"
	"lechat/internal/limits"
	"lechat/internal/media"
	"lechat/internal/metrics"
	"lechat/internal/notify"
	"lechat/internal/relay"
	"lechat/internal/session"
	"lechat/internal/storage"
)

type Config struct {
	Store       *storage.Store
	Relay       *relay.Slot
	Streamer    assistant.Streamer
	Verifier    *session.Verifier
	Blobs       *blob.DiskStore
	Limiter     *limits.RateLimiter
	Dedupe      *limits.SubmissionDeduplicator
	Media       *media.Normalizer
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Timeout     time.Duration
	HealthPath  string
	MetricsPath string
}

type Server struct {
	store    *storage.Store
	relay    *relay.Slot
	verifier *session.Verifier
	blobs    *blob.DiskStore
	limiter  *limits.RateLimiter
	dedupe   *limits.SubmissionDeduplicator
	media    *media.Normalizer
	manager  *Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	healthPath  string
	metricsPath string
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	s := &Server{
		store:       cfg.Store,
		relay:       cfg.Relay,
		verifier:    cfg.Verifier,
		blobs:       cfg.Blobs,
		limiter:     cfg.Limiter,
		dedupe:      cfg.Dedupe,
		media:       cfg.Media,
		metrics:     m,
		logger:      cfg.Logger,
		healthPath:  cfg.HealthPath,
		metricsPath: cfg.MetricsPath,
	}
	s.manager = NewManager(func(chatID string, hub *noticeHub) *chat.Controller {
		return chat.New(chat.Config{
			ChatID:   chatID,
			Store:    cfg.Store,
			Streamer: cfg.Streamer,
			Relay:    cfg.Relay,
			Notifier: hub,
			Metrics:  m,
			Logger:   cfg.Logger,
			Timeout:  cfg.Timeout,
		})
	}, func() notify.Notifier {
		return notify.Logger{Log: cfg.Logger}
	})
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get(s.healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, s.metricsPath, promhttp.Handler())
	r.Get("/blobs", s.handleBlob)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/chats", s.handleCompose)
		r.Get("/chats", s.handleListChats)
		r.Patch("/chats/{chatID}", s.handleRenameChat)
		r.Get("/chats/{chatID}/messages", s.handleListMessages)
		r.Post("/chats/{chatID}/messages", s.handleSubmit)
		r.Get("/chats/{chatID}/stream", s.handleStream)
	})
	return r
}

// authenticate verifies the bearer token and injects the user into the
// request context, where session.ContextProvider picks it up.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ""
		if h := r.Header.Get("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				raw = parts[1]
			}
		}
		if raw == "" {
			// EventSource cannot set headers.
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		user, err := s.verifier.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithUser(r.Context(), user)))
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
