package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"

	"changedesk/internal/approval"
	"changedesk/internal/authgate"
	"changedesk/internal/command"
	"changedesk/internal/config"
	"changedesk/internal/db"
	"changedesk/internal/eventbus"
	"changedesk/internal/generation"
	"changedesk/internal/global"
	"changedesk/internal/lifecycle"
	"changedesk/internal/localapi"
	"changedesk/internal/logging"
	"changedesk/internal/taskstate"
	"changedesk/internal/testbridge"
)

var version = "dev"
var buildTime = "unknown"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: config.LoadConfig,
		RunServe: func(ctx context.Context, cfg config.Config) error {
			return runServe(ctx, os.Stdout, cfg)
		},
		RunMigrateUp: runMigrateUp,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "changedesk"}).Error("changedesk failed", "err", err)
		os.Exit(1)
	}
}

func newRuntimeLogger(writer io.Writer, cfg config.Config) *slog.Logger {
	return logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Writer:    writer,
		Component: "changedesk",
	})
}

func openDB(cfg config.Config, configDir string) (*gorm.DB, error) {
	dsn := cfg.DBDSN
	if cfg.DBDriver != db.DriverPostgres && dsn == "" {
		dsn = global.DefaultDBPath(configDir)
	}
	return db.OpenWithMigrations(cfg.DBDriver, dsn)
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	configDir, err := global.DefaultConfigDir()
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg, configDir)
	if err != nil {
		return err
	}
	return db.Close(gdb)
}

// settings is the effective configuration: environment first, then config.toml.
type settings struct {
	token          string
	generationMode string
	model          string
	testCommand    string
	testTimeout    time.Duration
}

func resolveSettings(cfg config.Config, file global.GlobalConfig) settings {
	s := settings{
		token:          firstNonEmpty(cfg.AuthToken, file.Auth.Token),
		generationMode: "manual",
		model:          firstNonEmpty(cfg.OpenAIModel, file.Generation.Model),
		testCommand:    firstNonEmpty(cfg.TestCommand, file.TestRunner.Command),
		testTimeout:    time.Duration(file.TestRunner.TimeoutSeconds) * time.Second,
	}
	if cfg.GenerationMode == "openai" || strings.EqualFold(file.Generation.Mode, "openai") {
		s.generationMode = "openai"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type stack struct {
	handler  http.Handler
	bus      *eventbus.Bus
	gdb      *gorm.DB
	waitJobs []func()
}

func (r *stack) close() error {
	for _, wait := range r.waitJobs {
		wait()
	}
	r.bus.Close()
	return db.Close(r.gdb)
}

func buildRuntime(cfg config.Config, configDir string, logger *slog.Logger) (*stack, error) {
	cfgStore := global.NewConfigStore(configDir)
	fileCfg, err := cfgStore.LoadOrInit()
	if err != nil {
		return nil, err
	}
	eff := resolveSettings(cfg, fileCfg)

	gdb, err := openDB(cfg, configDir)
	if err != nil {
		return nil, err
	}
	rt := &stack{gdb: gdb, bus: eventbus.New(logger)}

	var gen approval.GenerationBackend = generation.Manual{}
	var openai *generation.OpenAIBackend
	if eff.generationMode == "openai" {
		if cfg.OpenAIAPIKey == "" || eff.model == "" {
			_ = db.Close(gdb)
			return nil, errors.New("openai generation needs OPENAI_API_KEY and a model")
		}
		openai = generation.NewOpenAIBackend(generation.OpenAIConfig{
			BaseURL: cfg.OpenAIEndpoint,
			Model:   eff.model,
			APIKey:  cfg.OpenAIAPIKey,
		}, nil, logger)
		gen = openai
		rt.waitJobs = append(rt.waitJobs, openai.Wait)
	}

	var tester approval.TestRunner
	var runner *testbridge.CommandRunner
	if eff.testCommand != "" {
		runner = testbridge.NewCommandRunner(eff.testCommand, "", eff.testTimeout, logger)
		tester = runner
		rt.waitJobs = append(rt.waitJobs, runner.Wait)
	}

	coord := approval.New(approval.Options{
		Records:          taskstate.NewStore(gdb),
		Publisher:        rt.bus,
		Generator:        gen,
		Tester:           tester,
		Logger:           logger,
		MutationAttempts: cfg.MutationAttempts,
		MutationDelay:    cfg.MutationDelay,
		DenyIntentTTL:    cfg.DenyIntentTTL,
	})
	if openai != nil {
		openai.Attach(coord)
	}
	if runner != nil {
		runner.Attach(coord)
	}

	server := localapi.NewServer(localapi.Deps{
		Coordinator: coord,
		Events:      eventbus.NewWSHub(rt.bus, logger),
		Gate:        authgate.Static{Token: eff.token},
		ConfigStore: cfgStore,
		Logger:      logger,
	})
	rt.handler = server.Handler()
	if eff.token == "" {
		logger.Warn("auth token not configured, API is open")
	}
	return rt, nil
}

func runServe(ctx context.Context, out io.Writer, cfg config.Config) error {
	logger := newRuntimeLogger(os.Stderr, cfg)
	configDir, err := global.DefaultConfigDir()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg, configDir, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.LocalHost, cfg.LocalPort)
	_, _ = fmt.Fprintf(out, "changedesk listening at http://%s (version=%s built=%s, data=%s)\n", addr, version, buildTime, filepath.Clean(configDir))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           rt.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgr := lifecycle.NewManager(logger)
	mgr.AddRun("http-server", func(runCtx context.Context) error {
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	mgr.AddShutdown("close-runtime", func(context.Context) error {
		return rt.close()
	})
	mgr.AddShutdown("http-server-shutdown", func(ctx context.Context) error {
		err := httpServer.Shutdown(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return mgr.StartAndWait(ctx)
}
