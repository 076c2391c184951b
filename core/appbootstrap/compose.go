package appbootstrap

import (
	"database/sql"
	"strings"

	"civic311/api"
	"civic311/config"
	"civic311/core/auth"
	"civic311/core/console"
	"civic311/core/rbac"
	"civic311/core/retention"
	"civic311/core/store"
	"civic311/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	sessions   store.SessionStore
	engine     *console.Engine
	workers    []api.BackgroundWorker
}

func composeRuntime(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*runtimeComposition, error) {
	requests := store.NewRequestsStore(db)
	reference := store.NewReferenceStore(db)
	sessions := store.NewSessionsStore(db)
	sessionManager := auth.NewSessionManager(sessions, cfg, logger)

	policy, err := rbac.NewPolicy()
	if err != nil {
		return nil, err
	}

	serviceToken, err := utils.RandString(48)
	if err != nil {
		return nil, err
	}
	recordsClient, err := console.NewHTTPRecordsClient(recordsBaseURL(cfg), serviceToken, cfg.Console.RequestTimeout)
	if err != nil {
		return nil, err
	}
	refCache := console.NewReferenceCache(cfg.Console.ReferenceSize, cfg.Console.ReferenceTTL)
	engine := console.NewEngine(recordsClient, refCache, cfg.Console.RefreshInterval, logger)

	workers := []api.BackgroundWorker{engine, newSessionSweeper(sessionManager)}
	if cfg.Retention.Enabled {
		workers = append(workers, retention.NewSweeper(cfg.Retention, requests, logger))
	}

	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			Cfg:            cfg,
			Requests:       requests,
			Reference:      reference,
			SessionManager: sessionManager,
			Policy:         policy,
			Engine:         engine,
			Logger:         logger,
			ServiceToken:   serviceToken,
		},
		sessions: sessions,
		engine:   engine,
		workers:  workers,
	}, nil
}

// recordsBaseURL resolves where the console client should reach the records
// API. Empty config means this process.
func recordsBaseURL(cfg *config.AppConfig) string {
	if base := strings.TrimSpace(cfg.Console.RecordsBaseURL); base != "" {
		return base
	}
	addr := cfg.ListenAddr
	if strings.HasPrefix(addr, "0.0.0.0") || strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr[strings.Index(addr, ":"):]
	}
	return "http://" + addr
}
