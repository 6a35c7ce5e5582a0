package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig carries the optional parts of the router.
type RouterConfig struct {
	// JWT enables bearer-token authentication on /api routes. nil disables
	// it (useful in tests that cover only request handling).
	JWT *JWTConfig

	// Locator enriches tracked access IPs with a location.
	Locator Locator

	// Metrics, when set, is served at /metrics without authentication.
	Metrics http.Handler

	Logger *slog.Logger
}

// NewRouter returns a configured chi.Router for the nasmon API.
//
// Route layout:
//
//	GET    /healthz                          – liveness probe (no auth)
//	GET    /metrics                          – Prometheus metrics (no auth)
//	GET    /api/v1/alarm/configs             – list configs
//	POST   /api/v1/alarm/configs             – create config
//	GET    /api/v1/alarm/configs/{id}        – get config
//	PUT    /api/v1/alarm/configs/{id}        – partial update
//	DELETE /api/v1/alarm/configs/{id}        – delete config
//	GET    /api/v1/alarm/records             – paginated records
//	GET    /api/v1/alarm/records/{id}        – get record
//	PUT    /api/v1/alarm/records/{id}        – change record status
//	GET    /api/v1/alarm/access-ips          – list access IPs
//	GET    /api/v1/alarm/access-ips/{ip}     – get access IP
//	PUT    /api/v1/alarm/access-ips/{ip}     – set blacklist flag
//	GET    /api/v1/alarm/statistics          – aggregate counts
//	POST   /api/v1/alarm/detect?client_ip=   – run a detection pass
func NewRouter(srv *Server, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = srv.logger
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1/alarm", func(r chi.Router) {
		if cfg.JWT != nil {
			jwtCfg := *cfg.JWT
			if jwtCfg.Logger == nil {
				jwtCfg.Logger = logger
			}
			r.Use(JWTMiddleware(jwtCfg))
		}
		r.Use(AccessMiddleware(srv.store, cfg.Locator, logger))

		r.Get("/configs", srv.handleListConfigs)
		r.Post("/configs", srv.handleCreateConfig)
		r.Get("/configs/{id}", srv.handleGetConfig)
		r.Put("/configs/{id}", srv.handleUpdateConfig)
		r.Delete("/configs/{id}", srv.handleDeleteConfig)

		r.Get("/records", srv.handleListRecords)
		r.Get("/records/{id}", srv.handleGetRecord)
		r.Put("/records/{id}", srv.handleUpdateRecord)

		r.Get("/access-ips", srv.handleListAccessIPs)
		r.Get("/access-ips/{ip}", srv.handleGetAccessIP)
		r.Put("/access-ips/{ip}", srv.handleUpdateAccessIP)

		r.Get("/statistics", srv.handleStatistics)
		r.Post("/detect", srv.handleDetect)
	})

	return r
}
