package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/trilhacare/trilha/pkg/cmd"
	"github.com/trilhacare/trilha/pkg/execution"
	"github.com/trilhacare/trilha/pkg/log"
	"github.com/trilhacare/trilha/pkg/notification"
	"github.com/trilhacare/trilha/pkg/otelhelper"
	"github.com/trilhacare/trilha/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "trilha-scheduler",
		Usage:                 "Resume delayed flow executions when their wait elapses",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "scheduler-id",
				Aliases: []string{"id"},
				Usage:   "Custom scheduler ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("SCHEDULER_ID"),
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
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often to poll for due delay tasks",
				Value:   scheduler.DefaultPollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
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

			schedulerID := command.String("scheduler-id")
			if schedulerID == "" {
				schedulerID = fmt.Sprintf("scheduler-%s", uuid.New().String()[:8])
			}

			logger := log.WithModule("scheduler").With("scheduler_id", schedulerID)
			logger.InfoContext(ctx, "Initializing Trilha scheduler")

			if _, err := otelhelper.NewTracer(ctx, "trilha-scheduler"); err != nil {
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

			engine := execution.NewEngine(persistence, notifier, eventBus, logger)

			interval := command.Duration("poll-interval")
			if interval <= 0 {
				interval = scheduler.DefaultPollInterval
			}

			service := NewService(schedulerID, persistence, engine, interval, logger)

			return service.Run(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
