package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"gm-toolbox/internal/driver"
	"gm-toolbox/internal/flagstore"
	"gm-toolbox/internal/kernel"
	"gm-toolbox/internal/metrics"
	"gm-toolbox/modules/selectionmemory"
	"gm-toolbox/pkg/toolbox"
)

const (
	envConfigFile             = "GM_TOOLBOX_CONFIG_FILE"
	defaultEnvFilePath        = ".env"
	defaultConfigFilePath     = "config/toolbox.json"
	alternateConfigFilePath   = "bin/config/toolbox.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionLanes  = 4
	metricsReadHeaderTimeout  = 5 * time.Second
)

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	subscriptionLanes  int

	drivers   []driver.Definition
	flagStore flagstore.Config

	metricsAddr string

	selectionMemoryEnabled bool
}

type fileConfig struct {
	LogLevel  string              `json:"log_level"`
	Kernel    fileKernelConfig    `json:"kernel"`
	Drivers   []fileDriverEntry   `json:"drivers"`
	FlagStore fileFlagStoreConfig `json:"flag_store"`
	Metrics   fileMetricsConfig   `json:"metrics"`
	Modules   fileModulesConfig   `json:"modules"`
}

type fileKernelConfig struct {
	ModuleHookTimeout  string `json:"module_hook_timeout"`
	ShutdownTimeout    string `json:"shutdown_timeout"`
	SubscriptionBuffer *int   `json:"subscription_buffer"`
	SubscriptionLanes  *int   `json:"subscription_lanes"`
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type fileFlagStoreConfig struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	RedisURL  string `json:"redis_url"`
	KeyPrefix string `json:"key_prefix"`
}

type fileMetricsConfig struct {
	Addr string `json:"addr"`
}

type fileModulesConfig struct {
	SelectionMemory fileSelectionMemoryConfig `json:"selection_memory"`
}

type fileSelectionMemoryConfig struct {
	Enabled *bool `json:"enabled"`
}

func run() error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	cfg, err := loadConfig(registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, logger, cfg, registry)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.flags.Close(); closeErr != nil {
			logger.Error("close flag store", "error", closeErr)
		}
	}()

	return app.run(ctx)
}

// application holds the wired runtime of one process.
type application struct {
	logger      *slog.Logger
	kernel      *kernel.Kernel
	flags       flagstore.Store
	metrics     *prometheus.Registry
	metricsAddr string
}

func buildApp(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	registry *driver.Registry,
) (*application, error) {
	kernelRuntime := buildKernelRuntime(logger, cfg)

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return nil, fmt.Errorf("build drivers: %w", err)
	}
	host, err := driver.NewCompositeHost(runtimes)
	if err != nil {
		return nil, fmt.Errorf("build composite host: %w", err)
	}

	storeConfig := cfg.flagStore
	storeConfig.Logger = logger
	flags, err := flagstore.Open(ctx, storeConfig)
	if err != nil {
		return nil, fmt.Errorf("open flag store: %w", err)
	}

	metricsRegistry := metrics.NewRegistry()
	if err := wireRuntime(ctx, kernelRuntime, logger, cfg, runtimes, host, flags, metricsRegistry); err != nil {
		if closeErr := flags.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close flag store: %w", closeErr))
		}
		return nil, err
	}

	return &application{
		logger:      logger,
		kernel:      kernelRuntime,
		flags:       flags,
		metrics:     metricsRegistry,
		metricsAddr: cfg.metricsAddr,
	}, nil
}

func wireRuntime(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	cfg appConfig,
	runtimes []driver.Runtime,
	host *driver.CompositeHost,
	flags flagstore.Store,
	metricsRegistry *prometheus.Registry,
) error {
	if err := registerRuntimeServices(kernelRuntime, logger, host, flags); err != nil {
		return err
	}
	if err := registerRuntimeModules(ctx, kernelRuntime, cfg, metricsRegistry); err != nil {
		return err
	}
	for _, runtime := range runtimes {
		if err := kernelRuntime.RegisterDriver(runtime.Driver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtime.Driver.Name(), err)
		}
	}

	return nil
}

func (a *application) run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.kernel.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})

	if a.metricsAddr != "" {
		server := &http.Server{
			Addr:              a.metricsAddr,
			Handler:           metricsMux(a.metrics),
			ReadHeaderTimeout: metricsReadHeaderTimeout,
		}
		group.Go(func() error {
			a.logger.Info("metrics server listening", "addr", a.metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsReadHeaderTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown metrics server: %w", err)
			}
			return nil
		})
	}

	return group.Wait()
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}

func loadConfig(registry *driver.Registry) (appConfig, error) {
	if err := loadEnvFile(defaultEnvFilePath); err != nil {
		return appConfig{}, err
	}

	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

// loadEnvFile loads path into the process environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}

	return nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:  defaultModuleHookTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionLanes:  defaultSubscriptionLanes,

		drivers:   make([]driver.Definition, 0),
		flagStore: flagstore.Config{Type: flagstore.TypeMemory},

		selectionMemoryEnabled: true,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if err := applyKernelConfig(cfg, parsed.Kernel); err != nil {
		return err
	}

	cfg.drivers = make([]driver.Definition, 0, len(parsed.Drivers))
	for index, entry := range parsed.Drivers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
	}

	if storeType := strings.TrimSpace(parsed.FlagStore.Type); storeType != "" {
		cfg.flagStore.Type = storeType
	}
	cfg.flagStore.Path = strings.TrimSpace(parsed.FlagStore.Path)
	cfg.flagStore.RedisURL = strings.TrimSpace(parsed.FlagStore.RedisURL)
	cfg.flagStore.KeyPrefix = strings.TrimSpace(parsed.FlagStore.KeyPrefix)

	cfg.metricsAddr = strings.TrimSpace(parsed.Metrics.Addr)

	if parsed.Modules.SelectionMemory.Enabled != nil {
		cfg.selectionMemoryEnabled = *parsed.Modules.SelectionMemory.Enabled
	}

	return nil
}

func applyKernelConfig(cfg *appConfig, parsed fileKernelConfig) error {
	if rawTimeout := strings.TrimSpace(parsed.ModuleHookTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.module_hook_timeout: %w", err)
		}
		cfg.moduleHookTimeout = timeout
	}
	if rawTimeout := strings.TrimSpace(parsed.ShutdownTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.shutdown_timeout: %w", err)
		}
		cfg.shutdownTimeout = timeout
	}
	if parsed.SubscriptionBuffer != nil {
		if *parsed.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.SubscriptionBuffer
	}
	if parsed.SubscriptionLanes != nil {
		if *parsed.SubscriptionLanes <= 0 {
			return fmt.Errorf("parse kernel.subscription_lanes: must be > 0")
		}
		cfg.subscriptionLanes = *parsed.SubscriptionLanes
	}

	return nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}

	return value, nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	seen := make(map[string]struct{}, len(cfg.drivers))
	enabledDrivers := 0
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if _, err := registry.HostForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabledDrivers++
	}
	if enabledDrivers == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}

	if err := cfg.flagStore.Validate(); err != nil {
		return fmt.Errorf("flag_store: %w", err)
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionLanes(cfg.subscriptionLanes),
	)
}

func registerRuntimeServices(
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	host *driver.CompositeHost,
	flags toolbox.FlagStore,
) error {
	if err := kernelRuntime.RegisterService(toolbox.ServiceLogger, logger); err != nil {
		return fmt.Errorf("register logger service: %w", err)
	}
	if flags == nil {
		return fmt.Errorf("register flag store service: nil store")
	}
	if err := kernelRuntime.RegisterService(toolbox.ServiceFlagStore, flags); err != nil {
		return fmt.Errorf("register flag store service: %w", err)
	}
	if host == nil {
		return fmt.Errorf("register host services: nil host")
	}
	if err := kernelRuntime.RegisterService(toolbox.ServiceTargetRegistry, host); err != nil {
		return fmt.Errorf("register target registry service: %w", err)
	}
	if err := kernelRuntime.RegisterService(toolbox.ServiceAuthority, host); err != nil {
		return fmt.Errorf("register authority service: %w", err)
	}

	return nil
}

func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	cfg appConfig,
	reg prometheus.Registerer,
) error {
	selectionModule := selectionmemory.New(
		selectionmemory.WithEnabled(cfg.selectionMemoryEnabled),
		selectionmemory.WithMetrics(metrics.NewSelectionMetrics(reg)),
	)
	if err := kernelRuntime.RegisterModule(ctx, selectionModule); err != nil {
		return fmt.Errorf("register selection memory module: %w", err)
	}
	if err := kernelRuntime.RegisterService(toolbox.ServiceSelectionMemory, selectionModule); err != nil {
		return fmt.Errorf("register selection memory service: %w", err)
	}

	return nil
}
