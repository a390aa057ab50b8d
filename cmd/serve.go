package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dredd-labs/modelmarket/internal/market"
	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/internal/monitoring"
	"github.com/dredd-labs/modelmarket/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for health, replay, and ask requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initMarket(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.store, env.recorder, env.market)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)
		go checker.Run(ctx)

		r := chi.NewRouter()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			snap, err := collector.Collect(r.Context(), cfg.Monitoring.LookbackWindowHours)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "metrics collection failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status":  "ok",
				"metrics": snap,
			})
		})

		r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			filter := store.RunFilter{
				ThreadID: q.Get("thread_id"),
				Status:   model.RunStatus(q.Get("status")),
			}
			runs, err := env.store.ListRuns(r.Context(), filter)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "list runs failed")
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			run, err := env.store.GetRun(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				if eris.Is(err, store.ErrNotFound) {
					writeJSONError(w, http.StatusNotFound, "run not found")
					return
				}
				writeJSONError(w, http.StatusInternalServerError, "load run failed")
				return
			}
			writeJSON(w, http.StatusOK, run)
		})

		r.Post("/ask", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ChatID   int64  `json:"chat_id"`
				Question string `json:"question"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.Question == "" {
				writeJSONError(w, http.StatusBadRequest, "question is required")
				return
			}

			// The market can run for minutes, so answer asynchronously
			// and let callers replay via /runs.
			go func() {
				run, err := env.market.Run(ctx, req.ChatID, req.Question, market.RunOptions{})
				if err != nil {
					zap.L().Error("webhook run failed",
						zap.Int64("chat_id", req.ChatID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("webhook run complete",
					zap.String("run_id", run.ID),
					zap.Int("rounds", run.RoundsCompleted),
					zap.Bool("converged", run.ConvergenceAchieved),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
