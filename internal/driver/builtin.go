package driver

import (
	"context"
	"fmt"
	"log/slog"

	"gm-toolbox/internal/driver/foundry"
)

// NewBuiltinRegistry constructs the runtime registry with all built-in drivers.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type: foundry.DriverType,
			Host: foundry.DriverHost,
			Builder: func(
				_ context.Context,
				definition Definition,
				builderLogger *slog.Logger,
			) (Runtime, error) {
				source, runtimeDriver, session, err := foundry.BuildRuntimeFromConfig(
					definition.Name,
					builderLogger,
					definition.Config,
				)
				if err != nil {
					return Runtime{}, fmt.Errorf("build foundry runtime from config: %w", err)
				}

				return Runtime{
					Source:  source,
					Driver:  runtimeDriver,
					Session: session,
				}, nil
			},
		},
	})
}
