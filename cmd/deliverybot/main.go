package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"deliverybot/internal/app"
	"deliverybot/internal/config"
	"deliverybot/internal/httpserver"
	"deliverybot/internal/repository"
	"deliverybot/internal/scheduler"
	"deliverybot/internal/secrets"
	pkgconfig "deliverybot/pkg/config"
	"deliverybot/pkg/db"
	"deliverybot/pkg/logger"
	"deliverybot/pkg/util"
)

func main() {
	cliApp := &cli.App{
		Name:  "deliverybot",
		Usage: "Forward delivery emails to Telegram",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config-dir", Value: pkgconfig.GetEnv("CONFIG_DIR", "config"), Usage: "directory with base.yaml and secrets.env"},
			&cli.StringFlag{Name: "env", Value: pkgconfig.GetConfigEnv(), Usage: "config overlay name (CONFIG_ENV)"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server, the chat command loop and the daily scheduler",
				Action: serve,
			},
			{
				Name:  "check",
				Usage: "run one reconciliation and print the processed count",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "hours", Usage: "lookback window; defaults to check.lookback_hours"},
				},
				Action: check,
			},
			{
				Name:   "stats",
				Usage:  "print delivery statistics as JSON",
				Action: stats,
			},
			{
				Name:   "migrate",
				Usage:  "create the deliveries table",
				Action: migrate,
			},
			{
				Name:  "token",
				Usage: "issue a bearer token for the mutating HTTP routes",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Value: "ops"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: token,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// load reads config, builds the logger and resolves secrets.
func load(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("env"), c.String("config-dir"))
	if err != nil {
		return nil, nil, err
	}

	log := logger.NewLogger(cfg.LogLevel)

	provider, closeProvider := secrets.NewProvider(c.Context, cfg.GCP.ProjectID, log)
	defer closeProvider()
	cfg.ResolveSecrets(c.Context, provider)

	return cfg, log, nil
}

func serve(c *cli.Context) error {
	cfg, log, err := load(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting deliverybot...",
		zap.String("env", c.String("env")),
		zap.String("port", cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(ctx, cfg, log)
	defer a.Close()

	var wg sync.WaitGroup

	// Telegram command loop
	if a.Bot != nil {
		if err := a.Bot.RegisterCommands(); err != nil {
			log.Warn("Failed to register bot commands", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Telegram command loop stopped", zap.Error(err))
			}
		}()
	}

	// Daily scheduler
	var sched *scheduler.Scheduler
	if cfg.Check.Enabled && a.Reconciler != nil {
		sched, err = scheduler.NewScheduler(a.Reconciler, cfg.Check.DailyTime, cfg.Check.LookbackHours, log)
		if err != nil {
			log.Warn("Scheduler disabled", zap.Error(err))
		} else {
			sched.Start()
		}
	}

	// HTTP Server
	var pinger httpserver.Pinger
	if p := a.Pinger(); p != nil {
		pinger = p
	}
	router := httpserver.NewRouter(a.Handler(), pinger, cfg.JWT.Secret, log)
	srv := router.Server(cfg.Server.Port)

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	log.Info("deliverybot is fully initialized and running")
	<-ctx.Done()

	log.Info("Shutting down deliverybot gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	wg.Wait()

	log.Info("deliverybot shutdown complete")
	return nil
}

func check(c *cli.Context) error {
	cfg, log, err := load(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	a := app.New(c.Context, cfg, log)
	defer a.Close()

	svc, err := a.RequireReconciler()
	if err != nil {
		return err
	}

	hours := c.Int("hours")
	if hours <= 0 {
		hours = cfg.Check.LookbackHours
	}
	n, err := svc.Reconcile(c.Context, "cli", hours)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "processed %d deliveries\n", n)
	return nil
}

func stats(c *cli.Context) error {
	store, closeFn, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := store.Statistics(c.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func migrate(c *cli.Context) error {
	store, closeFn, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := store.EnsureSchema(c.Context); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "schema ready")
	return nil
}

// openStore connects only the database.
func openStore(c *cli.Context) (*repository.DeliveryRepository, func(), error) {
	cfg, log, err := load(c)
	if err != nil {
		return nil, nil, err
	}

	pool, err := db.NewConnection(c.Context, cfg.DB, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return repository.NewDeliveryRepository(pool, log), func() {
		pool.Close()
		_ = log.Sync()
	}, nil
}

func token(c *cli.Context) error {
	cfg, err := config.Load(c.String("env"), c.String("config-dir"))
	if err != nil {
		return err
	}
	secret := cfg.JWT.Secret
	if secret == "" {
		return errors.New("jwt secret not configured")
	}

	tok, err := util.GenerateJWT(c.String("subject"), secret, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tok)
	return nil
}
