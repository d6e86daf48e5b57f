package flagstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	breakerName             = "flagstore-redis"
	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
)

// BreakerHook fails Redis commands fast while the backend keeps failing.
// A missing key is a successful read.
type BreakerHook struct {
	cb *gobreaker.CircuitBreaker
}

var _ redis.Hook = (*BreakerHook)(nil)

// NewBreakerHook trips after failureThreshold consecutive failures and probes
// again after openTimeout.
func NewBreakerHook(logger *slog.Logger, failureThreshold uint32, openTimeout time.Duration) *BreakerHook {
	if logger == nil {
		logger = slog.Default()
	}
	if failureThreshold == 0 {
		failureThreshold = breakerFailureThreshold
	}
	if openTimeout <= 0 {
		openTimeout = breakerOpenTimeout
	}

	return &BreakerHook{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("flag store circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// State returns the current breaker state.
func (h *BreakerHook) State() gobreaker.State {
	return h.cb.State()
}

// DialHook leaves connection establishment to the command that triggered it.
func (h *BreakerHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

// ProcessHook runs one command through the breaker.
func (h *BreakerHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		var cmdErr error
		_, err := h.cb.Execute(func() (interface{}, error) {
			cmdErr = next(ctx, cmd)
			if cmdErr == nil || errors.Is(cmdErr, redis.Nil) {
				return nil, nil
			}
			return nil, cmdErr
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("redis %s: %w", cmd.Name(), err)
		}

		return cmdErr
	}
}

// ProcessPipelineHook runs one pipeline through the breaker.
func (h *BreakerHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		_, err := h.cb.Execute(func() (interface{}, error) {
			return nil, next(ctx, cmds)
		})
		if err != nil {
			return fmt.Errorf("redis pipeline: %w", err)
		}

		return nil
	}
}
