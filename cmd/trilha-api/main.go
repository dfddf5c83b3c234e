package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/trilhacare/trilha/pkg/cmd"
	"github.com/trilhacare/trilha/pkg/log"
	"github.com/trilhacare/trilha/pkg/notification"
	"github.com/trilhacare/trilha/pkg/otelhelper"
	"github.com/trilhacare/trilha/pkg/registry"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "trilha-api",
		Usage:                 "Serve patient journey flows and executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Storage URL: redis://host:6379 or a directory path",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "whatsapp-url",
				Usage:   "WhatsApp gateway URL; empty logs notifications instead",
				Sources: cli.EnvVars("WHATSAPP_GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "whatsapp-api-key",
				Usage:   "WhatsApp gateway API key",
				Sources: cli.EnvVars("WHATSAPP_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing Trilha API")

			if _, err := otelhelper.NewTracer(ctx, "trilha-api"); err != nil {
				logger.WarnContext(ctx, "Tracing disabled", "error", err)
			}

			persistence := cmd.NewPersistence(logger, command.String("database-url"))

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			var notifier notification.Notifier
			if gatewayURL := command.String("whatsapp-url"); gatewayURL != "" {
				notifier = notification.NewWhatsAppNotifier(gatewayURL, command.String("whatsapp-api-key"), logger)
			} else {
				notifier = notification.NewLogNotifier(logger)
			}

			api := NewAPI(
				logger,
				persistence,
				registry.NewRegistry(logger),
				eventBus,
				notifier,
			)

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
