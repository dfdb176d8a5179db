package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"mdmview/internal/config"
	"mdmview/internal/dashboard"
	"mdmview/internal/machine"
	"mdmview/internal/metrics"
	"mdmview/internal/querycache"
	"mdmview/internal/source"
	"mdmview/internal/table"
	"mdmview/internal/viewmodels"
)

//go:embed templates/*
var templates embed.FS

const (
	maxFormBytes      = 64 * 1024
	slowRequestWarnAt = 1 * time.Second
)

// Server hosts the machines page for many browser sessions.
type Server struct {
	cfg          *config.Config
	log          *zap.SugaredLogger
	tmpl         *template.Template
	sessions     *sessionStore
	metrics      *metrics.Metrics
	machineCache *querycache.Cache[[]machine.Machine]
	reportCache  *querycache.Cache[[]machine.Report]
}

type serverDeps struct {
	Source       source.Source
	MachineCache *querycache.Cache[[]machine.Machine]
	ReportCache  *querycache.Cache[[]machine.Report]
	Metrics      *metrics.Metrics
	Log          *zap.SugaredLogger
}

func newServer(ctx context.Context, cfg *config.Config, deps serverDeps) (*Server, error) {
	funcMap := template.FuncMap{
		"formatTime": viewmodels.FormatTime,
		"formatAgo":  viewmodels.FormatAgo,
		"selectPath": selectPath,
	}
	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		cfg:          cfg,
		log:          deps.Log,
		tmpl:         tmpl,
		metrics:      deps.Metrics,
		machineCache: deps.MachineCache,
		reportCache:  deps.ReportCache,
	}

	factory := func() *dashboard.Controller {
		return dashboard.New(ctx, dashboard.Deps{
			Machines:     deps.Source,
			Reports:      deps.Source,
			MachineCache: deps.MachineCache,
			ReportCache:  deps.ReportCache,
			Metrics:      deps.Metrics,
			Log:          deps.Log,
		})
	}
	s.sessions, err = newSessionStore(cfg.SessionCapacity, factory, deps.Metrics)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; style-src 'self' 'unsafe-inline'",
	})

	// state-changing actions are limited per client
	limiter := httprate.Limit(s.cfg.ActionsPerMin, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "slow down")
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)
	r.Use(s.logRequests)
	r.Use(secureMiddleware.Handler)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/filters", s.handleFilters)
		gr.Post("/refresh", s.handleRefresh)
		gr.Post("/page", s.handlePage)
		gr.Post("/machines/{key}/select", s.handleSelect)
		gr.Post("/panel/close", s.handleClosePanel)
	})
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	c := s.sessions.controller(w, r)
	c.Mount()

	// give fast sources a chance to answer before the first paint
	if s.cfg.RenderWait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RenderWait)
		if err := c.Await(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Debugf("Render wait ended early: %v", err)
		}
		cancel()
	}

	view := viewmodels.BuildPage(c.Snapshot(), s.cfg.OSOptions)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.tmpl.ExecuteTemplate(w, "index.html", view); err != nil {
		s.log.Errorf("Template error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	f, err := machine.ParseFilter(r.PostFormValue("os"), r.PostFormValue("issues"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.sessions.controller(w, r).SetFilter(f)
	redirectHome(w, r)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.sessions.controller(w, r).Refresh()
	redirectHome(w, r)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	c := s.sessions.controller(w, r)

	if raw := r.PostFormValue("size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, fmt.Errorf("%w: %q", table.ErrInvalidPageSize, raw))
			return
		}
		if err := c.SetPageSize(size); err != nil {
			s.respondError(w, err)
			return
		}
	}

	switch action := r.PostFormValue("action"); action {
	case "":
	case "next":
		c.NextPage()
	case "prev":
		c.PreviousPage()
	default:
		writeProblem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("unknown page action %q", action))
		return
	}
	redirectHome(w, r)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	key, err := pathParam(r, "key")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "invalid machine key")
		return
	}
	if err := s.sessions.controller(w, r).SelectKey(key); err != nil {
		s.respondError(w, err)
		return
	}
	redirectHome(w, r)
}

func (s *Server) handleClosePanel(w http.ResponseWriter, r *http.Request) {
	s.sessions.controller(w, r).ClosePanel()
	redirectHome(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := fmt.Sprintf(`{"status":"healthy","sessions":%d,"cached_machine_queries":%d,"cached_report_queries":%d}`,
		s.sessions.len(), s.machineCache.Len(), s.reportCache.Len())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(response)); err != nil {
		s.log.Warnf("Error writing health response: %v", err)
	}
}

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "invalid form body")
		return false
	}
	return true
}

// respondError maps domain errors to RFC7807 responses.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, machine.ErrInvalidFilter), errors.Is(err, table.ErrInvalidPageSize):
		writeProblem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, dashboard.ErrUnknownMachine):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		s.log.Errorf("Request failed: %v", err)
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		if duration > slowRequestWarnAt {
			s.log.Warnf("Slow request: %s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, duration)
		} else {
			s.log.Debugf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, duration)
		}
	})
}

func selectPath(key string) string {
	return "/machines/" + url.PathEscape(key) + "/select"
}

// pathParam returns a decoded URL parameter. chi matches on RawPath when the request
// carries one, leaving escapes such as %2F in the parameter.
func pathParam(r *http.Request, name string) (string, error) {
	value := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return value, nil
	}
	return url.PathUnescape(value)
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
