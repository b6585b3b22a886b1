// Package internal contains core application functionality
package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/karloscodes/cartridge"

	"visitrack/internal/config"
	"visitrack/internal/database"
	"visitrack/internal/jobs"
)

// Application wraps cartridge.Application with the tracking services
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager // DB manager with migration methods
	Services  *Services
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	svc := NewServices(cfg, dbManager, logger)
	scheduler := jobs.NewScheduler(cfg, logger, svc.Tracker, svc.Resolver)

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		RouteMountFunc: func(srv *cartridge.Server) {
			MountRoutes(srv, svc)
		},
		BackgroundWorkers: []cartridge.BackgroundWorker{scheduler},
	})
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Services:    svc,
	}, nil
}

// Shutdown stops the server and background jobs, then closes the GeoIP database.
func (a *Application) Shutdown(ctx context.Context) error {
	err := a.Application.Shutdown(ctx)
	if closeErr := a.Services.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close services: %w", closeErr))
	}
	return err
}
