// Package api serves the caregiver and operator HTTP API.
package api

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"carecue/internal/engine"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type Deps struct {
	Engine  *engine.Service
	Store   storage.Store
	Log     logx.Logger
	Version string
}

// Server is the HTTP API. It is an http.Handler.
type Server struct {
	engine   *engine.Service
	store    storage.Store
	log      logx.Logger
	validate *validator.Validate
	router   chi.Router
	version  string
	started  time.Time
}

func New(d Deps) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names in validation details.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	s := &Server{
		engine:   d.Engine,
		store:    d.Store,
		log:      log,
		validate: v,
		version:  d.Version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/plans", s.handlePlans)

		r.Get("/engine/status", s.handleEngineStatus)
		r.Post("/engine/run", s.handleEngineRun)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Get("/{scheduleID}", s.handleGetSchedule)
			r.Put("/{scheduleID}", s.handleUpdateSchedule)
			r.Delete("/{scheduleID}", s.handleDeleteSchedule)
			r.Get("/{scheduleID}/occurrences", s.handleScheduleOccurrences)
		})

		r.Get("/occurrences", s.handleListOccurrences)
		r.Get("/occurrences/{occurrenceID}", s.handleGetOccurrence)
		r.Post("/occurrences/{occurrenceID}/ack", s.handleAcknowledge)
		r.Post("/occurrences/{occurrenceID}/skip", s.handleSkip)

		r.Route("/subjects/{subjectID}", func(r chi.Router) {
			r.Get("/contact", s.handleGetContact)
			r.Put("/contact", s.handlePutContact)
			r.Get("/recipients", s.handleListRecipients)
			r.Put("/recipients/{recipientID}", s.handlePutRecipient)
			r.Delete("/recipients/{recipientID}", s.handleDeleteRecipient)
		})

		r.Get("/events", s.handleListEvents)
	})

	s.router = r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
