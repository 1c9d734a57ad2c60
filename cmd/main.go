package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"calmirror/internal/caldav"
	"calmirror/internal/config"
	"calmirror/internal/feed"
	"calmirror/internal/ics"
	"calmirror/internal/models"
	"calmirror/internal/scheduler"
	"calmirror/internal/syncer"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calmirror",
		Usage: "Mirror future events of ICS feeds into CalDAV calendars.",
		Commands: []*cli.Command{
			syncCommand(),
			calendarsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.yaml",
		EnvVars: []string{"CALMIRROR_CONFIG"},
		Usage:   "Path to the YAML (or JSON) config file.",
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendars of the configured CalDAV account.",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			logger := setupLogger(os.Getenv("LOG_LEVEL"))

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			client, err := caldav.NewClient(logger, cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password)
			if err != nil {
				return fmt.Errorf("failed to create caldav client: %w", err)
			}

			calendars, err := client.ListCalendars(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list calendars: %w", err)
			}

			for _, cal := range calendars {
				fmt.Fprintf(c.App.Writer, "%s\t%s\n", cal.Name, cal.Path)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.StringFlag{Name: "calendar", Usage: "Sync only the configured calendar with this name."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds."},
			&cli.StringFlag{Name: "schedule", Usage: "Run sync on a cron schedule (e.g. \"*/30 * * * *\"). Overrides --watch and the config file."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(os.Getenv("LOG_LEVEL"))

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			mappings := cfg.Calendars
			if name := c.String("calendar"); name != "" {
				m, ok := cfg.Mapping(name)
				if !ok {
					return fmt.Errorf("calendar '%s' not found in config. Available calendars: %s", name, strings.Join(mappingNames(cfg.Calendars), ", "))
				}
				mappings = []models.Mapping{m}
			}

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			client, err := caldav.NewClient(logger, cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password)
			if err != nil {
				return fmt.Errorf("failed to create caldav client: %w", err)
			}

			builder := &ics.Builder{
				ProductID:        cfg.ProductID,
				AlarmOffsets:     cfg.AlarmOffsets,
				AlarmDescription: cfg.AlarmDescription,
			}
			s := syncer.NewSyncer(logger, feed.NewFetcher(logger, cfg.FetchTimeout), client, builder, syncer.Options{
				Location:        cfg.Location(),
				DryRun:          c.Bool("dry-run"),
				FailClosedIndex: cfg.FailClosedIndex,
				RecurrenceAware: cfg.RecurrenceAware,
			})

			spec := cfg.Schedule
			if c.IsSet("watch") {
				if spec, err = scheduler.WatchSpec(c.Int("watch")); err != nil {
					return err
				}
			}
			if c.IsSet("schedule") {
				spec = c.String("schedule")
			}

			if spec == "" {
				logger.Info("Running a single sync cycle.")
				logSummary(logger, s.SyncAll(c.Context, mappings))
				return nil
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return scheduler.New(logger, cfg.Location()).Run(ctx, spec, func(ctx context.Context) {
				logSummary(logger, s.SyncAll(ctx, mappings))
			})
		},
	}
}

func logSummary(logger *slog.Logger, results []syncer.Result) {
	var added, updated, past, failedEvents, failedCalendars int
	for _, r := range results {
		added += r.Added
		updated += r.Updated
		past += r.Past
		failedEvents += r.Failed
		if r.Err != nil {
			failedCalendars++
		}
	}
	logger.Info("Sync summary",
		"calendars", len(results),
		"failedCalendars", failedCalendars,
		"added", added,
		"updated", updated,
		"pastSkipped", past,
		"failedEvents", failedEvents,
	)
}

func mappingNames(mappings []models.Mapping) []string {
	names := make([]string, len(mappings))
	for i, m := range mappings {
		names[i] = m.Name
	}
	return names
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
