// Package di wires configuration, logging, the session registry, the echo
// server and the admin endpoint together with go.uber.org/dig.
package di

import (
	"fmt"

	"github.com/Tyrowin/tcpecho/internal/logger"
	"github.com/Tyrowin/tcpecho/internal/server"
	"github.com/rs/zerolog"
	"go.uber.org/dig"
)

// Container is the dependency injection container
type Container struct {
	container *dig.Container
}

// NewContainer creates a new dependency injection container
func NewContainer() *Container {
	return &Container{
		container: dig.New(),
	}
}

// Configure registers every provider. Overrides are applied to the loaded
// configuration in order, after file and environment values.
func (c *Container) Configure(configPath string, overrides ...func(*server.Config)) error {
	if err := c.container.Provide(func() (*server.Config, error) {
		cfg, err := server.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		for _, override := range overrides {
			override(cfg)
		}
		return cfg, nil
	}); err != nil {
		return fmt.Errorf("failed to provide config: %w", err)
	}

	if err := c.container.Provide(func(cfg *server.Config) zerolog.Logger {
		return logger.Init(cfg.Logs.Level, cfg.Logs.Format)
	}); err != nil {
		return fmt.Errorf("failed to provide logger: %w", err)
	}

	if err := c.container.Provide(server.NewRegistry); err != nil {
		return fmt.Errorf("failed to provide registry: %w", err)
	}

	if err := c.container.Provide(func(cfg *server.Config, registry *server.Registry, log zerolog.Logger) *server.Server {
		return server.New(*cfg, registry, log)
	}); err != nil {
		return fmt.Errorf("failed to provide server: %w", err)
	}

	if err := c.container.Provide(func(cfg *server.Config, srv *server.Server, log zerolog.Logger) *server.AdminServer {
		return server.NewAdminServer(cfg.Admin, srv, log)
	}); err != nil {
		return fmt.Errorf("failed to provide admin server: %w", err)
	}

	return nil
}

// Invoke runs fn with its parameters resolved from the container.
func (c *Container) Invoke(fn interface{}) error {
	return c.container.Invoke(fn)
}
