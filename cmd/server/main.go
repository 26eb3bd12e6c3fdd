/*
main.go - Application entry point

PURPOSE:
  Runs the recognition engine HTTP server and its operator commands.
  Handles configuration, dependency wiring, and graceful shutdown.

COMMANDS:
  serve             Start the HTTP API (default)
  seed              Load the demo organization and print an admin token
  token             Issue a bearer token for an existing user
  reconcile         Compare cached balances with ledger sums for an org
  reset-allowances  Zero monthly spend for every user now

GLOBAL FLAGS:
  --config   YAML config file (default: config.yaml, optional)

STARTUP SEQUENCE (serve):
  1. Load config (file, then RE_* environment)
  2. Build logger and SQLite store
  3. Wire services, notifier and allowance scheduler
  4. Configure router and start server
  5. On SIGINT/SIGTERM drain requests (30s), stop the scheduler and
     wait for pending notifications

EXAMPLES:
  RE_JWT_SECRET=dev ./server seed
  RE_JWT_SECRET=dev ./server --config ./config.yaml serve
  RE_JWT_SECRET=dev ./server token --org demo --user <id>

SEE ALSO:
  - config/config.go: Settings and environment overrides
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/recognition-engine/api"
	"github.com/warp/recognition-engine/config"
	"github.com/warp/recognition-engine/ledger"
	"github.com/warp/recognition-engine/logging"
	"github.com/warp/recognition-engine/notify"
	"github.com/warp/recognition-engine/recognition"
	"github.com/warp/recognition-engine/rewards"
	"github.com/warp/recognition-engine/seed"
	"github.com/warp/recognition-engine/store/sqlite"
	"github.com/warp/recognition-engine/users"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "recognition-engine",
		Usage: "peer recognition and rewards API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "YAML config file"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{Name: "serve", Usage: "start http server", Action: serve},
			{Name: "seed", Usage: "load the demo organization", Action: seedDemo},
			{
				Name:  "token",
				Usage: "issue a bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "org", Required: true},
					&cli.StringFlag{Name: "user", Required: true},
				},
				Action: issueToken,
			},
			{
				Name:  "reconcile",
				Usage: "report users whose cached balance drifted from the ledger",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "org", Required: true},
				},
				Action: reconcile,
			},
			{Name: "reset-allowances", Usage: "reset monthly spend for every user", Action: resetAllowances},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type deps struct {
	cfg    config.Config
	logger *zap.Logger
	store  *sqlite.Store
}

func setup(c *cli.Context) (*deps, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &deps{cfg: cfg, logger: logger, store: store}, nil
}

func (a *deps) close() {
	_ = a.store.Close()
	_ = a.logger.Sync()
}

func (a *deps) authenticator() *api.Authenticator {
	return api.NewAuthenticator(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL, a.store)
}

// =============================================================================
// COMMANDS
// =============================================================================

func serve(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	userSvc := users.NewService(a.store, a.logger)
	recognitions := recognition.NewService(a.store,
		a.cfg.Recognition.PointsConfig,
		a.cfg.Recognition.Approval,
		notify.NewWebhook(a.cfg.Webhook.Timeout, a.logger),
		a.logger)
	defer recognitions.WaitNotifications()
	handler := &api.Handler{
		Recognitions: recognitions,
		Rewards: rewards.NewService(a.store, a.logger),
		Users:   userSvc,
		Ledger:  ledger.New(a.store, a.logger),
		Audit:   a.store,
	}
	router := api.NewRouter(handler, a.authenticator(), api.Options{
		AllowedOrigins: a.cfg.CORS.AllowedOrigins,
		Logger:         a.logger,
	})

	scheduler := users.NewAllowanceScheduler(userSvc, a.logger)
	scheduler.Enabled = a.cfg.Scheduler.Enabled
	scheduler.CheckInterval = a.cfg.Scheduler.CheckInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		a.logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		a.logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	a.logger.Info("server stopped")
	return nil
}

func seedDemo(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := seed.Demo(c.Context, a.store, a.logger)
	if err != nil {
		return err
	}
	token, err := a.authenticator().IssueToken(res.OrgID, res.AdminID)
	if err != nil {
		return err
	}
	fmt.Printf("org:      %s\nadmin:    %s (%s)\nusers:    %d\nrewards:  %d\ntoken:    %s\n",
		res.OrgID, seed.AdminEmail, res.AdminID, len(res.Users), res.Rewards, token)
	return nil
}

func issueToken(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	u, err := a.store.GetUser(c.Context, c.String("org"), c.String("user"))
	if err != nil {
		return err
	}
	if !u.Active {
		return fmt.Errorf("user %s is deactivated", u.ID)
	}
	token, err := a.authenticator().IssueToken(u.OrgID, u.ID)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func reconcile(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	drifted, err := ledger.New(a.store, a.logger).ReconcileOrg(c.Context, c.String("org"))
	if err != nil {
		return err
	}
	if len(drifted) == 0 {
		fmt.Println("all balances match the ledger")
		return nil
	}
	for _, r := range drifted {
		fmt.Printf("%s\tcached=%d\tledger=%d\tdrift=%d\n", r.UserID, r.CachedBalance, r.LedgerSum, r.Drift())
	}
	return cli.Exit(fmt.Sprintf("%d balances drifted", len(drifted)), 2)
}

func resetAllowances(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := users.NewService(a.store, a.logger).ResetMonthlyAllowances(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("reset %d users\n", n)
	return nil
}
