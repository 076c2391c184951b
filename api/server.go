package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"civic311/api/handlers"
	"civic311/config"
	"civic311/core/auth"
	"civic311/core/console"
	"civic311/core/rbac"
	"civic311/core/store"
	"civic311/core/utils"
)

// BackgroundWorker is anything with a start/stop lifecycle tied to the
// server process.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

type Server struct {
	cfg            *config.AppConfig
	requests       store.RequestsStore
	reference      store.ReferenceStore
	sessionManager *auth.SessionManager
	policy         *rbac.Policy
	engine         *console.Engine
	logger         *utils.Logger
	serviceToken   string
	submitLimiter  *requestLimiter
	activity       *sessionActivity
}

type ServerDeps struct {
	Cfg            *config.AppConfig
	Requests       store.RequestsStore
	Reference      store.ReferenceStore
	SessionManager *auth.SessionManager
	Policy         *rbac.Policy
	Engine         *console.Engine
	Logger         *utils.Logger
	// ServiceToken authorizes the in-process console client against the
	// records routes without a database-backed session.
	ServiceToken string
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		cfg:            deps.Cfg,
		requests:       deps.Requests,
		reference:      deps.Reference,
		sessionManager: deps.SessionManager,
		policy:         deps.Policy,
		engine:         deps.Engine,
		logger:         deps.Logger,
		serviceToken:   deps.ServiceToken,
		submitLimiter:  newLimiter(deps.Cfg.Requests.SubmitBurst, time.Duration(deps.Cfg.Requests.SubmitRefillSec)*time.Second),
		activity:       newSessionActivity(),
	}
}

// Handler builds the full route tree: the public resident surface, the
// authoritative records API, and the console engine surface.
func (s *Server) Handler() http.Handler {
	requestsH := handlers.NewRequestsHandler(s.cfg, s.requests, s.logger)
	referenceH := handlers.NewReferenceHandler(s.reference, s.logger)
	authH := handlers.NewAuthHandler(s.cfg, s.reference, s.sessionManager, s.logger)
	consoleH := handlers.NewConsoleHandler(s.engine, s.logger)

	withSession := s.withSession
	require := s.requirePermission

	r := chi.NewRouter()
	r.Use(s.recoverMiddleware, s.loggingMiddleware, s.jsonMiddleware)

	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.MethodFunc(http.MethodPost, "/auth/login", authH.Login)
		apiRouter.MethodFunc(http.MethodPost, "/auth/logout", withSession(authH.Logout))
		apiRouter.MethodFunc(http.MethodGet, "/auth/me", withSession(authH.Me))

		apiRouter.Route("/public", func(publicRouter chi.Router) {
			publicRouter.MethodFunc(http.MethodPost, "/requests", s.submitLimitMiddleware(requestsH.Submit))
			publicRouter.MethodFunc(http.MethodGet, "/requests/{reg_no}", requestsH.Track)
		})

		apiRouter.Route("/requests", func(requestsRouter chi.Router) {
			requestsRouter.MethodFunc(http.MethodGet, "/", withSession(require("requests.view")(requestsH.List)))
			requestsRouter.MethodFunc(http.MethodGet, "/{reg_no}", withSession(require("requests.view")(requestsH.Get)))
			requestsRouter.MethodFunc(http.MethodPatch, "/{reg_no}", withSession(require("requests.triage")(requestsH.Patch)))
			requestsRouter.MethodFunc(http.MethodGet, "/{reg_no}/audit", withSession(require("requests.view")(requestsH.ListAudit)))
			requestsRouter.MethodFunc(http.MethodGet, "/id/{id:[0-9]+}/comments", withSession(require("requests.view")(requestsH.ListComments)))
			requestsRouter.MethodFunc(http.MethodPost, "/id/{id:[0-9]+}/comments", withSession(require("requests.triage")(requestsH.AddComment)))
		})

		apiRouter.Route("/reference", func(referenceRouter chi.Router) {
			referenceRouter.MethodFunc(http.MethodGet, "/services", withSession(require("reference.view")(referenceH.ListServices)))
			referenceRouter.MethodFunc(http.MethodPost, "/services", withSession(require("requests.manage")(referenceH.SaveService)))
			referenceRouter.MethodFunc(http.MethodGet, "/departments", withSession(require("reference.view")(referenceH.ListDepartments)))
			referenceRouter.MethodFunc(http.MethodPost, "/departments", withSession(require("requests.manage")(referenceH.CreateDepartment)))
			referenceRouter.MethodFunc(http.MethodGet, "/staff", withSession(require("reference.view")(referenceH.ListStaff)))
			referenceRouter.MethodFunc(http.MethodPost, "/staff", withSession(require("requests.manage")(referenceH.CreateStaff)))
			referenceRouter.MethodFunc(http.MethodGet, "/map/layers", withSession(require("reference.view")(referenceH.ListMapLayers)))
			referenceRouter.MethodFunc(http.MethodPost, "/map/layers", withSession(require("requests.manage")(referenceH.AddMapLayer)))
			referenceRouter.MethodFunc(http.MethodGet, "/map/config", withSession(require("reference.view")(referenceH.GetMapConfig)))
			referenceRouter.MethodFunc(http.MethodPut, "/map/config", withSession(require("requests.manage")(referenceH.SaveMapConfig)))
		})

		apiRouter.Route("/console", func(consoleRouter chi.Router) {
			consoleRouter.MethodFunc(http.MethodGet, "/status", withSession(require("requests.view")(consoleH.Status)))
			consoleRouter.MethodFunc(http.MethodPost, "/load", withSession(require("requests.view")(consoleH.Load)))
			consoleRouter.MethodFunc(http.MethodPost, "/refresh", withSession(require("requests.view")(consoleH.Refresh)))
			consoleRouter.MethodFunc(http.MethodGet, "/queue", withSession(require("requests.view")(consoleH.Queue)))
			consoleRouter.MethodFunc(http.MethodGet, "/dashboard", withSession(require("requests.view")(consoleH.Dashboard)))
			consoleRouter.MethodFunc(http.MethodGet, "/map", withSession(require("requests.view")(consoleH.MapFeed)))
			consoleRouter.MethodFunc(http.MethodGet, "/restore", withSession(require("requests.view")(consoleH.Restore)))
			consoleRouter.MethodFunc(http.MethodGet, "/requests/{reg_no}/detail", withSession(require("requests.view")(consoleH.OpenDetail)))
			consoleRouter.MethodFunc(http.MethodDelete, "/detail", withSession(require("requests.view")(consoleH.CloseDetail)))
			consoleRouter.MethodFunc(http.MethodPut, "/detail/draft", withSession(require("requests.triage")(consoleH.SetDraft)))
			consoleRouter.MethodFunc(http.MethodPost, "/detail/comments", withSession(require("requests.triage")(consoleH.AddComment)))
			consoleRouter.MethodFunc(http.MethodPatch, "/requests/{reg_no}", withSession(require("requests.triage")(consoleH.Patch)))
			consoleRouter.MethodFunc(http.MethodPost, "/requests/{reg_no}/accept-priority", withSession(require("requests.triage")(consoleH.AcceptPriority)))
		})
	})

	return r
}
