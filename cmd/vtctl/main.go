// main.go - Admin control tool for visitrack
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"visitrack/internal"
	"visitrack/internal/config"
	"visitrack/internal/seeder"
	"visitrack/internal/timeframe"
	"visitrack/internal/visitors"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&MigrateCommand{},
	&SeedCommand{},
	&SweepCommand{},
	&AnalyticsCommand{},
	&HelpCommand{},
}

var errNoApp = errors.New("app initialization failed")

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env file: %v", err)
	}

	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	// Let the command decide what to do without an app.
	app, err := internal.NewApp()
	if err != nil {
		log.Printf("Warning: Failed to initialize app: %v", err)
	}

	defer func() {
		if app != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.Printf("Warning: Cleanup error: %v", err)
			}
		}
	}()

	if err := cmd.Execute(ctx, app, args); err != nil {
		log.Fatalf("Command failed: %v", err)
	}

	log.Printf("Command %s completed successfully", cmd.Name())
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("%w, cannot run migrations", errNoApp)
	}

	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Println("Migrations completed successfully")
	return nil
}

// SeedCommand populates the DB with demo traffic
type SeedCommand struct{}

func (c *SeedCommand) Name() string        { return "seed" }
func (c *SeedCommand) Description() string { return "Seeds the database with sample page views" }

func (c *SeedCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	events := fs.Int("events", 10000, "approximate number of page views to generate")
	days := fs.Int("days", 30, "spread the traffic over this many days")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if app == nil {
		return fmt.Errorf("%w, cannot seed", errNoApp)
	}
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	cfg := config.GetConfig()
	se := seeder.NewSeeder(app.DBManager, slog.Default(), *events, *seed)
	se.Days = *days
	se.Fingerprinter = visitors.NewFingerprinter(cfg.PrivateKey, cfg.FingerprintRotation == config.RotationDaily)

	summary, err := se.Run(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Generated %d page views: %d tracked, %d skipped, %d failed\n",
		summary.Generated, summary.Tracked, summary.Skipped, summary.Failed)
	return nil
}

// SweepCommand closes idle sessions once
type SweepCommand struct{}

func (c *SweepCommand) Name() string        { return "sweep" }
func (c *SweepCommand) Description() string { return "Closes sessions idle past the session timeout" }

func (c *SweepCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("%w, cannot sweep sessions", errNoApp)
	}

	result, err := app.Services.Tracker.SweepExpired(ctx, 0)
	if err != nil {
		return err
	}
	fmt.Printf("Closed %d of %d expired sessions\n", result.Closed, result.Examined)
	return nil
}

// AnalyticsCommand prints the dashboard payload as JSON
type AnalyticsCommand struct{}

func (c *AnalyticsCommand) Name() string { return "analytics" }
func (c *AnalyticsCommand) Description() string {
	return "Prints web analytics for a time range (24h, 7d, 30d, 90d)"
}

func (c *AnalyticsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("analytics", flag.ContinueOnError)
	rangeFlag := fs.String("range", string(timeframe.DefaultRange), "time range")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := timeframe.ParseTimeRange(*rangeFlag)
	if err != nil {
		return err
	}
	if app == nil {
		return fmt.Errorf("%w, cannot load analytics", errNoApp)
	}

	data, err := app.Services.Aggregator.GetWebAnalytics(ctx, r)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// HelpCommand lists the available commands
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows this help" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fmt.Println("Usage: vtctl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}

	return nil
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := flag.Args()
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	fmt.Println("Usage: vtctl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}

	os.Exit(1)
}
