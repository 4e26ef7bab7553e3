// Package httpapi exposes the daemon's operational surface: health, status
// and the dose-log API used by clients.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dosewatch/internal/dose"
	"dosewatch/internal/notify"
	"dosewatch/internal/scanner"
	"dosewatch/internal/store"
	logx "dosewatch/pkg/logx"
)

// Config controls the HTTP listener.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DefaultTimezone resolves schedule pointers for users without a
	// timezone preference.
	DefaultTimezone string
}

// Server hosts the API. Start is non-blocking; Stop drains with the
// caller's deadline.
type Server struct {
	cfg Config
	srv *http.Server
	log logx.Logger

	store    store.Store
	advancer *dose.Advancer
	scanner  *scanner.Service
	notify   *notify.Service
}

func New(cfg Config, st store.Store, adv *dose.Advancer, sc *scanner.Service, ns *notify.Service, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8686"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, log: log, store: st, advancer: adv, scanner: sc, notify: ns}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/api/users/{userID}", func(r chi.Router) {
		r.Get("/medications", s.handleListMedications)
		r.Route("/medications/{medID}", func(r chi.Router) {
			r.Put("/", s.handlePutMedication)
			r.Get("/", s.handleGetMedication)
			r.Delete("/", s.handleDeleteMedication)

			r.Post("/doses", s.handleLogDose)
			r.Delete("/doses", s.handleUndoDose)
			r.Get("/doses", s.handleListDoses)
		})
	})

	return r
}

// Start begins serving in the background. Listener errors other than a
// clean shutdown are reported through errCh.
func (s *Server) Start(errCh chan<- error) {
	s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) && errCh != nil {
			errCh <- err
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }
