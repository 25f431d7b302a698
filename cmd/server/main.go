// Package main implements the verifyq intake API server. It exposes the
// engine's operations over HTTP: task creation, status reads, verification
// submissions, cancellation, assignment accept/reject, and worker directory
// upserts.
//
// The server only writes intake state and arms timers; the workflow steps
// themselves run in the engine process (cmd/engine).
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/guido-cesarano/verifyq/pkg/config"
	"github.com/guido-cesarano/verifyq/pkg/distribute"
	"github.com/guido-cesarano/verifyq/pkg/events"
	"github.com/guido-cesarano/verifyq/pkg/logger"
	"github.com/guido-cesarano/verifyq/pkg/match"
	"github.com/guido-cesarano/verifyq/pkg/notify"
	"github.com/guido-cesarano/verifyq/pkg/payment"
	"github.com/guido-cesarano/verifyq/pkg/store"
	"github.com/guido-cesarano/verifyq/pkg/workflow"
)

// api bundles the handler dependencies so tests can assemble one with
// in-memory collaborators.
type api struct {
	engine *workflow.Engine
	store  *store.Store
}

// newRouter builds the chi router with auth and CORS applied to every route.
func newRouter(a *api, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(authMiddleware(apiKey))

	r.Get("/healthz", a.healthHandler)
	r.Get("/stats", a.statsHandler)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", a.createTaskHandler)
		r.Get("/{taskID}", a.getTaskHandler)
		r.Get("/{taskID}/workers", a.eligibleWorkersHandler)
		r.Post("/{taskID}/distribute", a.distributeHandler)
		r.Post("/{taskID}/submissions", a.submitHandler)
		r.Post("/{taskID}/cancel", a.cancelHandler)
		r.Post("/{taskID}/accept", a.acceptHandler)
		r.Post("/{taskID}/reject", a.rejectHandler)
	})

	r.Route("/workers", func(r chi.Router) {
		r.Put("/{workerID}", a.upsertWorkerHandler)
		r.Get("/{workerID}", a.getWorkerHandler)
	})
	return r
}

// authMiddleware enforces API-key authentication on every request. When no
// key is configured, all requests pass (dev mode).
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey != "" && r.Header.Get("X-API-Key") != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers and answers preflight requests before
// auth runs, so OPTIONS probes never fail authentication.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Bad configuration")
	}

	st := store.New(cfg.RedisAddr)
	defer st.Close()

	gateway := notify.NewKafkaGateway(cfg.KafkaBrokers, cfg.NotifyTopic)
	defer gateway.Close()
	bus := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
	defer bus.Close()
	payments := payment.NewKafkaSink(cfg.KafkaBrokers, cfg.PaymentTopic)
	defer payments.Close()

	matcher := match.New(st, cfg.Weights, cfg.MaxConcurrentPerWorker)
	dist := distribute.New(gateway, bus, cfg.NotifyBatchSize,
		distribute.WithRateLimit(st, cfg.NotifyRateLimit, cfg.NotifyRateBurst))
	engine := workflow.New(st, matcher, dist, bus, payments, cfg)

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	}

	router := newRouter(&api{engine: engine, store: st}, cfg.APIKey)
	logger.Log.Info().Str("addr", cfg.ServerAddr).Msg("API server listening")
	if err := http.ListenAndServe(cfg.ServerAddr, router); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
