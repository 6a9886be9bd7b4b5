package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/corvid-net/sentinel/internal/backfill"
	"github.com/corvid-net/sentinel/internal/config"
	"github.com/corvid-net/sentinel/internal/enrich"
	"github.com/corvid-net/sentinel/internal/orchestrator"
)

var (
	Version = "dev"
	envFile string
)

var rootCmd = &cobra.Command{
	Use:     "sentinel",
	Short:   "Real-time tactical intelligence pipeline",
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the pipeline until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health/status surface of a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var reloadProfilesCmd = &cobra.Command{
	Use:   "reload-profiles",
	Short: "Request a running instance to reload watchlist profiles from disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl("reload-profiles")
	},
}

var backfillNowCmd = &cobra.Command{
	Use:   "backfill-now",
	Short: "Request a running instance to run an out-of-band backfill pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl("backfill-now")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to a .env file to load")
	rootCmd.AddCommand(startCmd, statusCmd, reloadProfilesCmd, backfillNowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if l, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(l)
	}
}

func runStart() error {
	process, err := config.LoadProcess(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(process.LogLevel)

	regionOf, err := config.LoadRegionMap(process.RegionMapPath())
	if err != nil {
		return fmt.Errorf("load region map: %w", err)
	}

	enrichAPI := &enrich.HTTPAPI{Client: &http.Client{Timeout: 30 * time.Second}, BaseURL: os.Getenv("SENTINEL_ENRICH_BASE_URL")}
	secondaryAPI := &backfill.HTTPSecondaryAPI{Client: &http.Client{Timeout: 30 * time.Second}, BaseURL: os.Getenv("SENTINEL_SECONDARY_BASE_URL")}

	o, err := orchestrator.New(process, regionOf, enrichAPI, secondaryAPI)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)

	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	log.Info().Str("version", Version).Str("listen_addr", process.ListenAddr).Msg("sentinel pipeline started")

	srv := &http.Server{
		Addr:         process.ListenAddr,
		Handler:      controlHandler(o),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("control/metrics server stopped unexpectedly")
		}
	}()

	for {
		select {
		case <-reloadCh:
			log.Info().Msg("received SIGHUP, reloading profiles")
			if err := o.ReloadProfiles(); err != nil {
				log.Error().Err(err).Msg("profile reload failed")
			}
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("control server shutdown error")
			}
			shutdownCancel()
			if err := o.Stop(context.Background()); err != nil {
				log.Error().Err(err).Msg("orchestrator stop error")
			}
			log.Info().Msg("sentinel stopped")
			return nil
		}
	}
}

// controlHandler exposes /metrics (Prometheus), /status, and the
// idempotent /control/* commands from spec §6.7 on the same listen
// address, following the teacher's single-port health+metrics convention.
func controlHandler(o *orchestrator.Orchestrator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", o.MetricsHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := o.StatusNow(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !status.Health.Healthy(time.Now()) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/control/reload-profiles", func(w http.ResponseWriter, r *http.Request) {
		err := o.ReloadProfiles()
		writeControlResult(w, err)
	})
	mux.HandleFunc("/control/backfill-now", func(w http.ResponseWriter, r *http.Request) {
		result, err := o.BackfillNow(r.Context())
		if err != nil {
			writeControlResult(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
	return mux
}

func writeControlResult(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
}

// runStatus, and the reload-profiles/backfill-now commands below, talk to
// a running instance's control surface over HTTP rather than reaching
// into process state directly, so the CLI works the same whether it
// shares a host with the running pipeline or not.
func runStatus() error {
	process, err := config.LoadProcess(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return printControlJSON(fmt.Sprintf("http://%s/status", process.ListenAddr), false)
}

func runControl(action string) error {
	process, err := config.LoadProcess(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	url := fmt.Sprintf("http://%s/control/%s", process.ListenAddr, action)
	return printControlJSON(url, true)
}

func printControlJSON(url string, post bool) error {
	var resp *http.Response
	var err error
	if post {
		resp, err = http.Post(url, "application/json", nil)
	} else {
		resp, err = http.Get(url)
	}
	if err != nil {
		return fmt.Errorf("contact running instance at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
