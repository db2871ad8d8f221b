package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision-gating HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newRouter(env *engineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Store.Ping(req.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/triggers/evaluate", handleEvaluate(env))
	r.Get("/decisions/{id}", handleGetDecision(env))
	r.Post("/decisions/{id}/execute", handleExecute(env))
	r.Post("/decisions/{id}/review", handleReview(env))

	r.Post("/entities", handleUpsertEntity(env))
	r.Get("/entities/{id}/grade", handleGrade(env))
	r.Get("/entities/{id}/attempts", handleAttempts(env))

	r.Get("/budget/status", handleBudgetStatus(env))
	r.Post("/budget/transactions", handleRecordTransaction(env))
	r.Post("/budget/allocations", handleUpsertAllocation(env))

	r.Post("/enrich", handleEnrich(env))
	r.Get("/cache/stats", handleCacheStats(env))

	return r
}

func handleEvaluate(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var trigger model.DecisionTrigger
		if err := json.NewDecoder(req.Body).Decode(&trigger); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if trigger.ReceivedAt.IsZero() {
			trigger.ReceivedAt = time.Now().UTC()
		}

		decision, err := env.Brain.Evaluate(req.Context(), trigger)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

func handleGetDecision(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		decision, err := env.Store.GetDecision(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if decision == nil {
			writeError(w, http.StatusNotFound, "decision not found")
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

func handleExecute(env *engineEnv) http.HandlerFunc {
	type executeRequest struct {
		ActualCost decimal.Decimal `json:"actual_cost"`
		Success    bool            `json:"success"`
		Reference  string          `json:"reference,omitempty"`
		Override   bool            `json:"override,omitempty"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body executeRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		id := chi.URLParam(req, "id")
		err := env.Brain.RecordExecution(req.Context(), id, store.ExecuteParams{
			ActualCost: body.ActualCost,
			Success:    body.Success,
			Reference:  body.Reference,
			Override:   body.Override,
		})
		if errors.Is(err, store.ErrBudgetExceeded) {
			writeError(w, http.StatusConflict, "budget exceeded; pass override to force")
			return
		}
		if errors.Is(err, store.ErrDecisionNotGo) {
			writeError(w, http.StatusConflict, "only GO decisions can be executed")
			return
		}
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "executed", "decision": id})
	}
}

func handleReview(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if err := env.Brain.FlagForReview(req.Context(), id); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "flagged", "decision": id})
	}
}

func handleUpsertEntity(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var entity model.Entity
		if err := json.NewDecoder(req.Body).Decode(&entity); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if entity.ID == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}

		if err := env.Store.UpsertEntity(req.Context(), entity); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored", "id": entity.ID})
	}
}

func handleUpsertAllocation(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var alloc model.BudgetAllocation
		if err := json.NewDecoder(req.Body).Decode(&alloc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if alloc.Category == "" {
			writeError(w, http.StatusBadRequest, "category is required")
			return
		}
		if alloc.Period == "" {
			alloc.Period = env.Ledger.CurrentPeriod(time.Now())
		}

		if err := env.Store.UpsertAllocation(req.Context(), alloc); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, alloc)
	}
}

func handleGrade(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		actionContext := req.URL.Query().Get("context")
		if actionContext == "" {
			writeError(w, http.StatusBadRequest, "context query parameter is required")
			return
		}

		grade, err := env.Grading.ContextualGrade(req.Context(), chi.URLParam(req, "id"), actionContext)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, grade)
	}
}

func handleAttempts(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		attempts, err := env.Store.ListAttempts(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, attempts)
	}
}

func handleBudgetStatus(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		category := req.URL.Query().Get("category")
		if category == "" {
			writeError(w, http.StatusBadRequest, "category query parameter is required")
			return
		}
		period := req.URL.Query().Get("period")
		if period == "" {
			period = env.Ledger.CurrentPeriod(time.Now())
		}

		status, err := env.Ledger.Status(req.Context(), category, period)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleRecordTransaction(env *engineEnv) http.HandlerFunc {
	type txnRequest struct {
		Category  string          `json:"category"`
		Period    string          `json:"period,omitempty"`
		Quantity  decimal.Decimal `json:"quantity"`
		UnitCost  decimal.Decimal `json:"unit_cost"`
		Reference string          `json:"reference,omitempty"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body txnRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Period == "" {
			body.Period = env.Ledger.CurrentPeriod(time.Now())
		}

		txn, err := env.Ledger.RecordTransaction(req.Context(),
			body.Category, body.Period, body.Quantity, body.UnitCost, body.Reference)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, txn)
	}
}

func handleEnrich(env *engineEnv) http.HandlerFunc {
	type enrichRequest struct {
		EntityID string `json:"entity_id"`
		Goal     string `json:"goal"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body enrichRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.EntityID == "" || body.Goal == "" {
			writeError(w, http.StatusBadRequest, "entity_id and goal are required")
			return
		}

		entity, err := env.Store.GetEntity(req.Context(), body.EntityID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entity == nil {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}

		outcome, err := env.Runner.Enrich(req.Context(), *entity, body.Goal)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

func handleCacheStats(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		stats, err := env.Cache.Stats(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
