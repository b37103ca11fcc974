package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/demandsync/internal/model"
	"github.com/sells-group/demandsync/internal/schedule"
)

const shutdownTimeout = 10 * time.Minute

var schedulePort int

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run ingestion cycles on a cron schedule",
	Long:  "Starts the daemon: cycles fire on schedule.cron (default 00:00 on the 25th of each month) and /health, /metrics and /status are served on server.port. SIGINT, SIGTERM, SIGQUIT and SIGUSR2 stop it after the in-flight cycle.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
		defer stop()

		if schedulePort != 0 {
			cfg.Server.Port = schedulePort
		}
		if err := cfg.Validate("schedule"); err != nil {
			return err
		}
		principals, err := cfg.LoadPrincipals()
		if err != nil {
			return err
		}
		loc, err := cfg.Schedule.Location()
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := st.Close(); cerr != nil {
				zap.L().Error("close store", zap.Error(cerr))
			}
		}()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		ctrl := newController(newSource(), st, reg)
		sched, err := schedule.New(cfg.Schedule.Cron, loc, func(jobCtx context.Context) {
			runCycle(jobCtx, ctrl, principals)
		})
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildMux(sched, reg, principals),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return err
			}
			zap.L().Info("daemon ready",
				zap.Int("principals", len(principals)),
				zap.Bool("run_on_start", cfg.Schedule.RunOnStart),
			)
			if cfg.Schedule.RunOnStart {
				go sched.Trigger()
			}

			<-gctx.Done()
			zap.L().Info("shutting down scheduler, waiting for in-flight cycle")
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return sched.Stop(stopCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		zap.L().Info("daemon stopped")
		return err
	},
}

// buildMux wires the daemon's operational endpoints.
func buildMux(sched *schedule.Scheduler, gatherer prometheus.Gatherer, principals []model.Principal) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		names := make([]string, 0, len(principals))
		for _, p := range principals {
			names = append(names, p.Name)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"schedule":   sched.Status(),
			"principals": names,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, _ *http.Request) {
		if sched.Status().Running {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "cycle already running"})
			return
		}
		go sched.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	scheduleCmd.Flags().IntVar(&schedulePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(scheduleCmd)
}
