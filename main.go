package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mailnexy/config"
	"mailnexy/inbound"
	"mailnexy/mailer"
	"mailnexy/middleware"
	"mailnexy/repository"
	"mailnexy/routes"
	"mailnexy/utils"
	"mailnexy/worker"
)

// seenTTL bounds how long POP3 fetch-once markers live in Redis.
const seenTTL = 30 * 24 * time.Hour

type runtime struct {
	repo  repository.Repository
	redis *redis.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mailnexy",
		Short:        "Sequence delivery scheduler and reply detection",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newDeliverCmd(), newPollRepliesCmd(), newMigrateCmd())
	return root
}

// bootstrap loads configuration, logging, the database and (optionally) Redis.
func bootstrap() (*runtime, error) {
	if err := config.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.AppConfig
	if err := utils.InitLogger(cfg.LogLevel, cfg.LogFormat, cfg.SentryDSN, cfg.Environment); err != nil {
		logrus.WithError(err).Warn("Sentry initialization failed")
	}
	if err := config.ConnectDB(); err != nil {
		return nil, err
	}

	rt := &runtime{repo: repository.NewGormRepository(config.DB)}
	if cfg.Redis.Enabled {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logrus.WithField("address", cfg.Redis.Address).Info("Connected to Redis")
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if sqlDB, err := config.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	sentry.Flush(2 * time.Second)
}

func (rt *runtime) deliveryWorker() *worker.DeliveryWorker {
	cfg := config.AppConfig.Delivery
	transport := mailer.NewSMTPTransport(mailer.WithTimeout(cfg.SMTPTimeout))
	opts := []worker.DeliveryOption{
		worker.WithMinSendInterval(cfg.MinSendIntervalMinutes),
		worker.WithTrackingBaseURL(cfg.TrackingBaseURL),
	}
	if rt.redis != nil {
		opts = append(opts, worker.WithLocker(worker.NewRedisLocker(rt.redis)))
	}
	return worker.NewDeliveryWorker(rt.repo, transport, opts...)
}

func (rt *runtime) inboundFactory() inbound.Factory {
	opts := inbound.Options{Timeout: config.AppConfig.Reply.InboundTimeout}
	if rt.redis != nil {
		opts.Seen = inbound.NewRedisSeenStore(rt.redis, seenTTL)
	}
	return inbound.NewFactory(opts)
}

func (rt *runtime) replyWorker() *worker.ReplyWorker {
	cfg := config.AppConfig.Reply
	return worker.NewReplyWorker(rt.repo, rt.inboundFactory(), worker.ReplyConfig{
		MessageLimit:    cfg.MessageLimit,
		Parallelism:     cfg.Parallelism,
		AddressFallback: cfg.AddressFallback,
	})
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with the delivery and reply workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()
			cfg := config.AppConfig

			if err := config.MigrateDB(config.DB); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()

			var wg sync.WaitGroup
			tickers := []*worker.Ticker{
				worker.NewDeliveryTicker(rt.deliveryWorker(), cfg.Delivery.Interval, worker.RunOptions{Limit: cfg.Delivery.BatchLimit}),
				worker.NewReplyTicker(rt.replyWorker(), cfg.Reply.Interval, worker.ReplyRunOptions{}),
			}
			for _, t := range tickers {
				wg.Add(1)
				go func(t *worker.Ticker) {
					defer wg.Done()
					t.Start(ctx)
				}(t)
			}

			app := fiber.New(fiber.Config{DisableStartupMessage: true})
			app.Use(middleware.CORS(corsConfig(cfg.CORSOrigins)))

			var storage fiber.Storage
			if rt.redis != nil {
				storage = middleware.NewRedisStorage(rt.redis)
			}
			routes.SetupRoutes(app, routes.Options{
				Repo:             rt.repo,
				WebhookSecret:    cfg.WebhookSecret,
				EventsRateLimit:  cfg.EventsRateLimit,
				RateLimitStorage: storage,
				InboundFactory:   rt.inboundFactory(),
			})

			errCh := make(chan error, 1)
			go func() {
				logrus.Infof("Server starting on port %s", cfg.ServerPort)
				errCh <- app.Listen(":" + cfg.ServerPort)
			}()

			select {
			case err = <-errCh:
				stop()
			case <-ctx.Done():
				logrus.Info("Shutting down...")
				err = app.ShutdownWithTimeout(10 * time.Second)
			}
			wg.Wait()
			return err
		},
	}
}

func corsConfig(origins []string) middleware.CORSConfig {
	c := middleware.DefaultCORSConfig()
	c.AllowedOrigins = origins
	return c
}

func newDeliverCmd() *cobra.Command {
	var (
		teamID      uint
		limit       int
		minInterval int
	)
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Run the delivery scheduler once",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			opts := worker.RunOptions{Limit: config.AppConfig.Delivery.BatchLimit}
			if cmd.Flags().Changed("team") {
				opts.TeamID = &teamID
			}
			if limit > 0 {
				opts.Limit = limit
			}
			if cmd.Flags().Changed("min-interval") {
				opts.MinSendIntervalMinutes = &minInterval
			}

			res, err := rt.deliveryWorker().Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().UintVar(&teamID, "team", 0, "only deliver for this team")
	cmd.Flags().IntVar(&limit, "limit", 0, "max candidates for this run")
	cmd.Flags().IntVar(&minInterval, "min-interval", 0, "global minimum minutes between sends per sequence")
	return cmd
}

func newPollRepliesCmd() *cobra.Command {
	var (
		limit    int
		fallback bool
	)
	cmd := &cobra.Command{
		Use:   "poll-replies",
		Short: "Poll sender mailboxes once for replies and bounces",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			opts := worker.ReplyRunOptions{MessageLimit: limit}
			if cmd.Flags().Changed("address-fallback") {
				opts.AddressFallback = &fallback
			}
			res, err := rt.replyWorker().Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages per mailbox")
	cmd.Flags().BoolVar(&fallback, "address-fallback", false, "match by From address when no identity headers are present")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()
			if err := config.MigrateDB(config.DB); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logrus.Info("Database migrated")
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
