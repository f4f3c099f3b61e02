package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/forgeflow/internal/config"
	"git.home.luguber.info/inful/forgeflow/internal/controller"
	"git.home.luguber.info/inful/forgeflow/internal/eventstore"
	"git.home.luguber.info/inful/forgeflow/internal/handoff"
	"git.home.luguber.info/inful/forgeflow/internal/ledger"
	"git.home.luguber.info/inful/forgeflow/internal/metrics"
	"git.home.luguber.info/inful/forgeflow/internal/quota"
	"git.home.luguber.info/inful/forgeflow/internal/server"
	"git.home.luguber.info/inful/forgeflow/internal/signalrouter"
	"git.home.luguber.info/inful/forgeflow/internal/supervisor"
	"git.home.luguber.info/inful/forgeflow/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"forgeflow.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct {
	} `cmd:"" help:"Run the pipeline controller service"`

	Submit struct {
		Server string `short:"s" help:"Controller API base URL" default:"http://127.0.0.1:8080"`
		Org    string `required:"" help:"Organization id"`
		User   string `help:"Submitting user id"`
		Spec   string `arg:"" help:"Path to the build spec file"`
	} `cmd:"" help:"Submit a build spec to a running controller"`

	Status struct {
		Server string `short:"s" help:"Controller API base URL" default:"http://127.0.0.1:8080"`
		ID     string `arg:"" help:"Execution id"`
	} `cmd:"" help:"Show the status of an execution"`

	Cancel struct {
		Server string `short:"s" help:"Controller API base URL" default:"http://127.0.0.1:8080"`
		ID     string `arg:"" help:"Execution id"`
	} `cmd:"" help:"Request cancellation of an execution"`
}

func main() {
	ctx := kong.Parse(&CLI)

	var err error
	switch ctx.Command() {
	case "serve":
		err = runServe()
	case "submit <spec>":
		err = runSubmit()
	case "status <id>":
		err = runStatus()
	case "cancel <id>":
		err = runCancel()
	}
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(CLI.Config); os.IsNotExist(err) {
		slog.Warn("Configuration file not found, using defaults", "path", CLI.Config)
		return config.Default(), nil
	}
	return config.Load(CLI.Config)
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if CLI.Verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ldg, err := ledger.NewSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ldg.Close()

	events, err := eventstore.NewSQLiteStore(cfg.Ledger.EventsPath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer events.Close()

	store, err := buildHandoffStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open handoff store: %w", err)
	}
	defer store.Close()

	bus, err := signalrouter.NewNATSBus(ctx, signalrouter.NATSBusConfig{
		URL:     cfg.Signals.NATSURL,
		Subject: cfg.Signals.Subject,
		Stream:  cfg.Signals.Stream,
		Durable: cfg.Signals.Durable,
	})
	if err != nil {
		return fmt.Errorf("connect signal bus: %w", err)
	}
	defer bus.Close()

	executor, err := supervisor.NewProcessExecutor(cfg.Worker.Command, cfg.Worker.WorkDir, bus)
	if err != nil {
		return fmt.Errorf("create worker executor: %w", err)
	}

	quotas := quota.NewManager(planQuota(cfg.Quota.DefaultPlan))
	for orgID, plan := range cfg.Quota.OrgPlans {
		quotas.SetQuota(orgID, planQuota(plan))
	}

	registry := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(registry)
	sup := supervisor.New(ldg, store, executor, quotas, cfg.TimeoutFor, rec)
	ctrl := controller.New(ldg, store, sup, controller.NewBus(events),
		cfg.Pipeline.MaxIterations, cfg.Pipeline.MaxCycles, rec)

	router := signalrouter.NewRouter(ldg, store, ctrl.OnPhaseResolved, cfg.GracePeriod(), rec)
	if err := bus.Subscribe(ctx, router.HandleTermination); err != nil {
		return fmt.Errorf("subscribe termination signals: %w", err)
	}

	sweeper, err := signalrouter.NewSweeper(ldg, ctrl.OnPhaseResolved, cfg.SweepInterval(), rec)
	if err != nil {
		return fmt.Errorf("create timeout sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start timeout sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			slog.Warn("Failed to stop sweeper", "error", err)
		}
	}()

	// Hot-reload only the retry bounds; everything else needs a restart.
	if _, err := os.Stat(CLI.Config); err == nil {
		watcher, werr := config.NewWatcher(CLI.Config, func(_ context.Context, next *config.Config) error {
			ctrl.UpdateBounds(next.Pipeline.MaxIterations, next.Pipeline.MaxCycles)
			return nil
		})
		if werr != nil {
			return fmt.Errorf("create config watcher: %w", werr)
		}
		if werr := watcher.Start(ctx); werr != nil {
			return fmt.Errorf("start config watcher: %w", werr)
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				slog.Warn("Failed to stop config watcher", "error", err)
			}
		}()
	}

	srv := server.New(ctrl, cfg.Server.Listen,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	slog.Info("Controller listening", "addr", cfg.Server.Listen, "version", version.Version)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received, stopping...")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	slog.Info("Controller stopped")
	return nil
}

func buildHandoffStore(ctx context.Context, cfg *config.Config) (handoff.Store, error) {
	switch cfg.Handoff.Backend {
	case "minio":
		return handoff.NewMinIOStore(ctx, cfg.Handoff.MinIO)
	default:
		return handoff.NewFSStore(cfg.Handoff.FSPath)
	}
}

func planQuota(plan string) quota.ResourceQuotas {
	if q, ok := quota.PlanQuotas[plan]; ok {
		return q
	}
	slog.Warn("Unknown quota plan, falling back to pro", "plan", plan)
	return quota.PlanQuotas["pro"]
}

func runSubmit() error {
	setupLogging(config.Default())

	specContent, err := os.ReadFile(CLI.Submit.Spec)
	if err != nil {
		return fmt.Errorf("read spec file: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"org_id":  CLI.Submit.Org,
		"user_id": CLI.Submit.User,
		"spec":    string(specContent),
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(CLI.Submit.Server+"/api/executions", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("submit rejected (%d): %s", resp.StatusCode, body)
	}
	fmt.Println(string(body))
	return nil
}

func runStatus() error {
	setupLogging(config.Default())

	resp, err := http.Get(CLI.Status.Server + "/api/executions/" + CLI.Status.ID)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed (%d): %s", resp.StatusCode, body)
	}
	fmt.Println(string(body))
	return nil
}

func runCancel() error {
	setupLogging(config.Default())

	resp, err := http.Post(CLI.Cancel.Server+"/api/executions/"+CLI.Cancel.ID+"/cancel", "application/json", nil)
	if err != nil {
		return fmt.Errorf("request cancellation: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("cancel request failed (%d): %s", resp.StatusCode, body)
	}
	fmt.Println(string(body))
	return nil
}
