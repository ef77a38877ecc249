package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"market-feeder/config"
)

const (
	APIPathPrefix = "/api/v1"
)

// Router defines a router wrapper used for registering v1 API routes.
type Router struct {
	logger zerolog.Logger
	cfg    config.Config
	feed   Feed
}

func New(logger zerolog.Logger, cfg config.Config, feed Feed) *Router {
	return &Router{
		logger: logger.With().Str("module", "router").Logger(),
		cfg:    cfg,
		feed:   feed,
	}
}

// RegisterRoutes register v1 API routes on the provided sub-router.
func (r *Router) RegisterRoutes(rtr *mux.Router, prefix string) {
	v1Router := rtr.PathPrefix(prefix).Subrouter()

	mChain := alice.New()
	if len(r.cfg.Server.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: r.cfg.Server.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead},
		})
		mChain = mChain.Append(c.Handler)
	}

	v1Router.Handle(
		"/snapshot",
		mChain.Then(r.getSnapshot()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/expiries/{tab}",
		mChain.Then(r.getExpiries()),
	).Methods(http.MethodGet)

	rtr.Handle("/healthz", mChain.Then(r.healthz())).Methods(http.MethodGet)
	rtr.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (r *Router) getSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r.writeJSON(w, http.StatusOK, r.feed.GetSnapshot())
	}
}

func (r *Router) getExpiries() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tab := mux.Vars(req)["tab"]
		r.writeJSON(w, http.StatusOK, r.feed.GetExpiriesFor(tab))
	}
}

func (r *Router) healthz() http.HandlerFunc {
	type healthzResponse struct {
		Status  string `json:"status"`
		IsReady bool   `json:"is_ready"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		r.writeJSON(w, http.StatusOK, healthzResponse{
			Status:  "available",
			IsReady: r.feed.GetSnapshot().IsReady,
		})
	}
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Err(err).Msg("failed to encode response")
	}
}
