// main.go - Admin control tool for funnelsync
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"funnelsync/internal"
	"funnelsync/internal/config"
	"funnelsync/internal/database"
	"funnelsync/internal/pipeline"
	"funnelsync/internal/seeder"
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
	&SyncCommand{},
	&StatusCommand{},
	&SeedCommand{},
	&HelpCommand{},
}

func main() {
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

	app, err := internal.NewApp()
	if err != nil {
		log.Printf("Warning: Failed to initialize app: %v", err)
		log.Println("Proceeding with limited functionality...")
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
		return fmt.Errorf("app initialization failed, cannot run migrations")
	}

	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Println("Migrations completed successfully")
	return nil
}

// SyncCommand runs one batch sync and prints its summary
type SyncCommand struct{}

func (c *SyncCommand) Name() string { return "sync" }
func (c *SyncCommand) Description() string {
	return "Fetches every entry from the Embeddables API and rebuilds the rollups"
}

func (c *SyncCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot sync")
	}

	summary, err := app.Scheduler.SyncNow(ctx)
	if errors.Is(err, config.ErrNotConfigured) {
		return fmt.Errorf("set EMBEDDABLES_API_KEY and EMBEDDABLES_PROJECT_ID first: %w", err)
	}
	if err != nil {
		if summary != nil {
			return fmt.Errorf("sync %s failed: %w", summary.RunID, err)
		}
		return err
	}
	return printJSON(summary)
}

// StatusCommand implements a command to check the system status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows table counts and the most recent sync runs" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("cannot check status: app initialization failed")
	}

	db := app.DBManager.GetConnection()

	stats, err := database.CollectStats(db)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	log.Println("System Status:")
	log.Println("- Database: Connected")
	log.Printf("- Funnels: %d", stats.Funnels)
	log.Printf("- Steps: %d", stats.Steps)
	log.Printf("- Entries: %d", stats.Entries)
	log.Printf("- Page views: %d", stats.PageViews)
	log.Printf("- Step rollups: %d", stats.StepAnalytics)
	log.Printf("- Funnel rollups: %d", stats.FunnelAnalytics)
	log.Printf("- Sync runs: %d", stats.SyncLogs)

	logs, err := pipeline.RecentSyncLogs(db, 5)
	if err != nil {
		return err
	}
	log.Println("Recent syncs:")
	for _, l := range logs {
		line := fmt.Sprintf("  %s %-7s records=%d", l.StartedAt.Format(time.RFC3339), l.Status, l.RecordsProcessed)
		if l.ErrorMessage != "" {
			line += " error=" + l.ErrorMessage
		}
		log.Println(line)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	log.Printf("- Open Connections: %d", sqlDB.Stats().OpenConnections)
	log.Printf("- In Use: %d", sqlDB.Stats().InUse)
	log.Printf("- Idle: %d", sqlDB.Stats().Idle)

	return nil
}

// SeedCommand populates the DB with synthetic entries
type SeedCommand struct{}

func (c *SeedCommand) Name() string        { return "seed" }
func (c *SeedCommand) Description() string { return "Seeds the database with synthetic funnel entries" }

func (c *SeedCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	entries := fs.Int("entries", 500, "number of entries to generate")
	days := fs.Int("days", 14, "number of days to spread the entries over")
	project := fs.String("project", "", "project id to file the entries under (defaults to EMBEDDABLES_PROJECT_ID)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if app == nil {
		return fmt.Errorf("unable to initialise app")
	}

	cfg := config.GetConfig()
	projectID := *project
	if projectID == "" {
		projectID = cfg.WebhookProjectID()
	}

	se := seeder.NewSeeder(app.DBManager, slog.Default(), *entries, *days, projectID, cfg.FunnelName)
	summary, err := se.Run(ctx)
	if err != nil {
		return err
	}
	if err := app.Cache.Clear(ctx, "analytics:*"); err != nil {
		log.Printf("Warning: failed to clear analytics cache: %v", err)
	}
	return printJSON(summary)
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage()
	return nil
}

// Helper functions

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := os.Args[1:]
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

func printUsage() {
	fmt.Println("Usage: funnelctl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage()
	os.Exit(1)
}
