package kernel

import (
	"context"
	"log/slog"
	"time"

	"gm-toolbox/pkg/toolbox"
)

const (
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionLanes  = 4
	defaultHandlerTimeout     = 3 * time.Second
)

// config is the resolved kernel configuration.
type config struct {
	hookTimeout     time.Duration
	shutdownTimeout time.Duration
	// subscriptions fills zero fields of every SubscriptionSpec.
	subscriptions toolbox.SubscriptionSpec
	logger        *slog.Logger
	reportAsync   func(context.Context, string, error)
}

// Option mutates kernel construction configuration.
type Option func(*config)

func defaultConfig() config {
	cfg := config{
		hookTimeout:     defaultModuleHookTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		subscriptions: toolbox.SubscriptionSpec{
			Buffer:         defaultSubscriptionBuffer,
			Lanes:          defaultSubscriptionLanes,
			HandlerTimeout: defaultHandlerTimeout,
		},
	}
	WithLogger(slog.Default())(&cfg)

	return cfg
}

// WithModuleHookTimeout bounds each OnRegister, OnStart, and OnShutdown call.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return positiveDuration(timeout, func(cfg *config) { cfg.hookTimeout = timeout })
}

// WithShutdownTimeout bounds the whole shutdown sequence, including waiting for
// selection handlers that are still saving.
func WithShutdownTimeout(timeout time.Duration) Option {
	return positiveDuration(timeout, func(cfg *config) { cfg.shutdownTimeout = timeout })
}

// WithDefaultHandlerTimeout bounds handler calls of subscriptions that do not
// run to completion.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return positiveDuration(timeout, func(cfg *config) { cfg.subscriptions.HandlerTimeout = timeout })
}

// WithDefaultSubscriptionBuffer sets the queue depth of each lane.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptions.Buffer = size
		}
	}
}

// WithDefaultSubscriptionLanes sets how many users a subscription serves in parallel.
func WithDefaultSubscriptionLanes(lanes int) Option {
	return func(cfg *config) {
		if lanes > 0 {
			cfg.subscriptions.Lanes = lanes
		}
	}
}

// WithLogger sets the kernel logger. Unless WithAsyncErrorHandler is also
// given, handler failures are logged through it.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}
		cfg.logger = logger
		cfg.reportAsync = func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "toolbox handler failed", "scope", scope, "error", err)
		}
	}
}

// WithAsyncErrorHandler receives handler failures and closed-subscription races.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.reportAsync = handler
		}
	}
}

func positiveDuration(value time.Duration, apply func(*config)) Option {
	return func(cfg *config) {
		if value > 0 {
			apply(cfg)
		}
	}
}
