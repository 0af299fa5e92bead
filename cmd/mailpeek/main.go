package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"aaronromeo.com/mailpeek/internal/config"
	"aaronromeo.com/mailpeek/pkg/base"
	"aaronromeo.com/mailpeek/pkg/protocols/graphapi"
	"aaronromeo.com/mailpeek/pkg/protocols/mailstore"
	"aaronromeo.com/mailpeek/pkg/services"
	"aaronromeo.com/mailpeek/pkg/storage"
	"aaronromeo.com/mailpeek/pkg/utils"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultConfigFile = "mailserver.properties"

	exitFetchError  = 1
	exitConfigError = 2
	exitStoreError  = 3
)

var tracer = otel.Tracer("aaronromeo.com/mailpeek/cmd/mailpeek")

type dependencies struct {
	stdout     io.Writer
	stderr     io.Writer
	newFetcher func(settings *config.Settings, logger *slog.Logger) (services.FetcherService, error)
	newStore   func(settings *config.Settings, output string, logger *slog.Logger) (storage.Store, error)
}

func main() {
	app := newApp(dependencies{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		newFetcher: newFetcher,
		newStore:   newStore,
	})
	if err := app.Run(os.Args); err != nil {
		os.Exit(exitFetchError)
	}
}

func newApp(deps dependencies) *cli.App {
	fetch := fetchAction(deps)

	return &cli.App{
		Name:      base.ServiceName,
		Usage:     "print the oldest unread email of a mailbox",
		Version:   base.ServiceVersion,
		Writer:    deps.stdout,
		ErrWriter: deps.stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigFile,
				EnvVars: []string{"MAILPEEK_CONFIG"},
				Usage:   "properties file with the mail server settings",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log at debug level",
			},
		},
		Action: fetch,
		Commands: []*cli.Command{
			{
				Name:  "fetch",
				Usage: "fetch the oldest unread email, trying the mail store before Microsoft Graph",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "append the summary to this file (overrides storage.file.path)",
					},
				},
				Action: fetch,
			},
			{
				Name:   "check-config",
				Usage:  "validate the properties file and print a redacted summary",
				Action: checkConfigAction(deps),
			},
		},
	}
}

func loadSettings(path string) (*config.Settings, error) {
	settings, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func fetchAction(deps dependencies) cli.ActionFunc {
	return func(c *cli.Context) error {
		logger := utils.NewLogger(deps.stderr, c.Bool("verbose"), false)

		settings, err := loadSettings(c.String("config"))
		if err != nil {
			logger.Error("Unable to load the properties file", slog.String("path", c.String("config")), slog.Any("error", err))
			return cli.Exit(err.Error(), exitConfigError)
		}

		ctx := c.Context
		shutdown, err := utils.SetupOTelSDK(ctx, settings.Telemetry)
		if err != nil {
			logger.Error("Failed to set up telemetry", slog.Any("error", utils.WrapError(err)))
			return cli.Exit(err.Error(), exitConfigError)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("Failed to shut down telemetry", slog.Any("error", err))
			}
		}()

		logger = utils.NewLogger(deps.stderr, c.Bool("verbose"), settings.Telemetry.Enabled)

		ctx, span := tracer.Start(ctx, "fetch")
		defer span.End()

		fetcher, err := deps.newFetcher(settings, logger)
		if err != nil {
			logger.ErrorContext(ctx, "Invalid mail backend settings", slog.Any("error", err))
			return cli.Exit(err.Error(), exitConfigError)
		}

		store, err := deps.newStore(settings, c.String("output"), logger)
		if err != nil {
			logger.ErrorContext(ctx, "Invalid storage settings", slog.Any("error", err))
			return cli.Exit(err.Error(), exitConfigError)
		}

		content, err := fetcher.FetchOldestUnreadEmailContent(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Error fetching the oldest unread email", slog.Any("error", err))
			return cli.Exit(err.Error(), exitFetchError)
		}

		span.SetAttributes(attribute.Bool("email.found", content != ""))
		if content == "" {
			logger.InfoContext(ctx, "No unread email")
			return nil
		}

		fmt.Fprintln(deps.stdout, content)

		if store != nil {
			if err := store.Store(ctx, content); err != nil {
				logger.ErrorContext(ctx, "Failed to store email", slog.Any("error", utils.WrapError(err)))
				return cli.Exit(err.Error(), exitStoreError)
			}
		}

		return nil
	}
}

func checkConfigAction(deps dependencies) cli.ActionFunc {
	return func(c *cli.Context) error {
		settings, err := loadSettings(c.String("config"))
		if err != nil {
			return cli.Exit(err.Error(), exitConfigError)
		}
		fmt.Fprintln(deps.stdout, config.Summary(settings))
		return nil
	}
}

func newFetcher(settings *config.Settings, logger *slog.Logger) (services.FetcherService, error) {
	primary, err := mailstore.New(
		mailstore.WithSettings(settings.Mailbox),
		mailstore.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	fallback, err := graphapi.New(
		graphapi.WithSettings(settings.Graph),
		graphapi.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return services.NewFetcherService(logger, primary, fallback), nil
}

// newStore returns nil when no storage is configured.
func newStore(settings *config.Settings, output string, logger *slog.Logger) (storage.Store, error) {
	var stores storage.Multi

	path := output
	if path == "" {
		path = settings.Storage.FilePath
	}
	if path != "" {
		stores = append(stores, storage.NewFileStore(path, utils.NewOSFileManager(), logger))
	}

	if s3 := settings.Storage.S3; s3.Enabled() {
		uploader, err := storage.NewUploader(s3)
		if err != nil {
			return nil, err
		}
		stores = append(stores, storage.NewS3Store(uploader, s3.Bucket, s3.Prefix, logger))
	}

	if len(stores) == 0 {
		return nil, nil
	}
	return stores, nil
}
