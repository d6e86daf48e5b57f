package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"gm-toolbox/pkg/toolbox"
)

// Run starts modules and drivers and blocks until ctx ends or a driver fails.
// Shutdown then stops drivers first, so no new selections arrive, closes module
// subscriptions while letting in-flight saves finish, and closes the bus.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.TryLock() {
		return fmt.Errorf("kernel run: already running")
	}
	defer k.running.Unlock()

	k.mu.RLock()
	modules := slices.Clone(k.modules)
	drivers := slices.Clone(k.drivers)
	k.mu.RUnlock()

	k.cfg.logger.InfoContext(ctx, "toolbox kernel starting",
		"modules", len(modules),
		"drivers", len(drivers),
		"services", k.services.Names(),
	)
	if err := k.startModules(ctx, modules); err != nil {
		return err
	}

	driverCtx, stopDrivers := context.WithCancel(ctx)
	failed := make(chan error, len(drivers))
	var running sync.WaitGroup
	for _, driver := range drivers {
		running.Add(1)
		go func() {
			defer running.Done()
			err := runSafely("driver "+driver.Name(), func() error {
				return driver.Start(driverCtx, k.bus)
			})
			if err != nil && !isContextCancellation(err) {
				failed <- err
			}
		}()
	}
	allStopped := make(chan struct{})
	go func() {
		running.Wait()
		close(allStopped)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-failed:
	case <-allStopped:
	}
	stopDrivers()
	if !waitTimeout(allStopped, k.cfg.shutdownTimeout) {
		k.cfg.logger.WarnContext(ctx, "drivers still running after shutdown timeout")
	}
	if runErr == nil {
		select {
		case runErr = <-failed:
		default:
		}
	}

	return errors.Join(runErr, k.shutdown(ctx, modules, drivers))
}

func (k *Kernel) startModules(ctx context.Context, modules []*moduleRecord) error {
	for _, record := range modules {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.hookTimeout)
		err := runSafely("OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// shutdown runs on a context detached from ctx, bounded by the shutdown timeout.
func (k *Kernel) shutdown(ctx context.Context, modules []*moduleRecord, drivers []toolbox.Driver) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, driver := range slices.Backward(drivers) {
		if err := runSafely("Shutdown", func() error {
			return driver.Shutdown(shutdownCtx)
		}); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown driver %s: %w", driver.Name(), err))
		}
	}

	for _, record := range slices.Backward(modules) {
		if err := record.closeSubscriptions(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
		hookCtx, hookCancel := context.WithTimeout(shutdownCtx, k.cfg.hookTimeout)
		err := runSafely("OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		hookCancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}

	if err := k.bus.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}
	k.cfg.logger.InfoContext(shutdownCtx, "toolbox kernel stopped")

	return nil
}

func waitTimeout(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
