package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avgjoe1017/findable/internal/calibration"
	"github.com/avgjoe1017/findable/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the calibration admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newAPIRouter(store),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting admin server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type apiServer struct {
	store       calibration.Store
	collector   *calibration.Collector
	resolver    *calibration.Resolver
	experiments *calibration.ExperimentManager
	drift       *calibration.DriftDetector
}

func newAPIRouter(store calibration.Store) http.Handler {
	resolver := calibration.NewResolver(store, time.Duration(cfg.Weights.CacheTTLSecs)*time.Second)
	s := &apiServer{
		store:     store,
		collector: calibration.NewCollector(store),
		resolver:  resolver,
		experiments: calibration.NewExperimentManager(store,
			cfg.Experiment.MinAnalyzeSamples, cfg.Experiment.SignificanceLevel, resolver.Invalidate),
		drift: calibration.NewDriftDetector(store, calibration.NewNotifier(cfg.Drift.WebhookURL)),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/samples", s.listSamples)
		r.Post("/collect", s.collect)
		r.Get("/stats/window", s.windowStats)

		r.Get("/configs", s.listConfigs)
		r.Post("/configs/{id}/activate", s.activateConfig)
		r.Get("/weights/{siteID}", s.weightsForSite)

		r.Get("/experiments", s.listExperiments)
		r.Get("/experiments/{id}", s.experimentAnalysis)
		r.Post("/experiments/{id}/start", s.startExperiment)
		r.Post("/experiments/{id}/conclude", s.concludeExperiment)

		r.Get("/alerts", s.listAlerts)
		r.Post("/alerts/{id}/status", s.updateAlertStatus)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *apiServer) listSamples(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	samples, err := s.store.ListSamples(r.Context(), calibration.SampleFilter{
		SiteID:         q.Get("site_id"),
		RunID:          q.Get("run_id"),
		ExperimentID:   q.Get("experiment_id"),
		ExcludeUnknown: q.Get("exclude_unknown") == "true",
		Limit:          limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *apiServer) collect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Simulation  *model.SimulationResult  `json:"simulation"`
		Observation *model.ObservationResult `json:"observation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.collector.Collect(r.Context(), req.Simulation, req.Observation)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) windowStats(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	end := time.Now().UTC()
	stats, err := s.store.WindowStats(r.Context(), end.AddDate(0, 0, -days), end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *apiServer) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListConfigs(r.Context(), model.ConfigStatus(r.URL.Query().Get("status")), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *apiServer) activateConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ActivateConfig(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.resolver.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (s *apiServer) weightsForSite(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.resolver.WeightsForSite(r.Context(), chi.URLParam(r, "siteID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *apiServer) listExperiments(w http.ResponseWriter, r *http.Request) {
	experiments, err := s.store.ListExperiments(r.Context(), model.ExperimentStatus(r.URL.Query().Get("status")), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, experiments)
}

func (s *apiServer) experimentAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.experiments.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *apiServer) startExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.experiments.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.resolver.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *apiServer) concludeExperiment(w http.ResponseWriter, r *http.Request) {
	promote := r.URL.Query().Get("promote") == "true"
	analysis, err := s.experiments.Conclude(r.Context(), chi.URLParam(r, "id"), promote)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *apiServer) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(r.Context(), model.AlertStatus(r.URL.Query().Get("status")), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *apiServer) updateAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.store.UpdateAlertStatus(r.Context(), chi.URLParam(r, "id"),
		model.AlertStatus(req.Status), req.Actor, req.Note)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
