package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/monitoring"
	"github.com/sells-group/clearwater/internal/resilience"
	"github.com/sells-group/clearwater/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run history, tile results and metrics over HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(st),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// buildRouter wires the read API over st.
func buildRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filter := store.RunFilter{
			Status: model.RunStatus(q.Get("status")),
			AOI:    q.Get("aoi"),
			Limit:  queryInt(q.Get("limit"), 50),
			Offset: queryInt(q.Get("offset"), 0),
		}
		runs, err := st.ListRuns(req.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := st.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Get("/runs/{id}/tiles", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if _, err := st.GetRun(req.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		results, err := st.ListTileResults(req.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.URL.Query().Get("format") == "json" {
			writeJSON(w, http.StatusOK, results)
			return
		}
		data, err := tileResultsGeoJSON(results).MarshalJSON()
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})

	r.Get("/dlq", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		entries, err := st.ListDLQ(req.Context(), resilience.DLQFilter{
			RunID:     q.Get("run_id"),
			ErrorType: q.Get("error_type"),
			Limit:     queryInt(q.Get("limit"), 100),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	return r
}

// tileResultsGeoJSON renders each tile's outcome as a feature so results can
// be mapped directly.
func tileResultsGeoJSON(results []store.TileResult) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, tr := range results {
		f := geojson.NewFeature(tr.Tile.Geometry)
		f.ID = tr.Tile.ID
		f.Properties["tile_id"] = tr.Tile.ID
		f.Properties["status"] = string(tr.Summary.Status)
		f.Properties["mode"] = string(tr.Summary.Mode)
		f.Properties["n_scenes"] = tr.Summary.NScenes
		if tr.Summary.JobID != "" {
			f.Properties["job_id"] = tr.Summary.JobID
		}
		if tr.Summary.Error != "" {
			f.Properties["failed_phase"] = tr.Summary.FailedPhase
			f.Properties["error"] = tr.Summary.Error
		}
		fc.Append(f)
	}
	return fc
}

func queryInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	} else {
		zap.L().Error("api request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
