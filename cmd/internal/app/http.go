package app

import (
	"context"
	"net/http"
	"time"

	"herald/cmd/internal/api"
	"herald/cmd/internal/realtime"

	"github.com/gorilla/mux"
)

// routes builds the full HTTP surface: ops endpoints, the REST API and /ws.
func (a *App) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := a.backends.store.Ping(ctx); err != nil {
			a.log.Info("readyz.store.not_ready", "err", err)
			http.Error(w, "presence store not ready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)

	gw := realtime.NewGateway(a.log, a.svc, a.backends.authn, a.metrics, a.gatewayConfig())
	r.Handle("/ws", gw).Methods(http.MethodGet)

	api.NewHandler(a.log, a.svc, a.backends.authn).Register(r)

	return WithRequestLogging(WithSecurityHeaders(WithCORS(r, a.cfg, a.log)), a.log)
}

func (a *App) gatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		AllowedOrigins:     a.cfg.WSAllowedOrigins,
		OriginRequired:     a.cfg.WSOriginRequired,
		InsecureSkipVerify: a.cfg.WSInsecureOrigins,
		WriteTimeout:       a.cfg.WSWriteTimeout,
		ReadIdleTimeout:    a.cfg.WSReadIdleTimeout,
		SendQueueSize:      a.cfg.WSSendQueueSize,
		PingInterval:       a.cfg.WSPingInterval,
		RateEvents:         a.cfg.WSRateEvents,
		RateWindow:         a.cfg.WSRateWindow,
		HeartbeatInterval:  a.cfg.HeartbeatInterval,
	}
}
