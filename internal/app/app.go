// Package app assembles the control plane from configuration. The server
// and the admin CLI share it so that both act on the same collaborators.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/nats-io/nats.go"

	"github.com/bcnelson/instance-rental/internal/api"
	"github.com/bcnelson/instance-rental/internal/api/handler"
	"github.com/bcnelson/instance-rental/internal/api/middleware"
	"github.com/bcnelson/instance-rental/internal/auth"
	"github.com/bcnelson/instance-rental/internal/cache"
	"github.com/bcnelson/instance-rental/internal/clock"
	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/cloud/awscloud"
	"github.com/bcnelson/instance-rental/internal/cloud/shim"
	"github.com/bcnelson/instance-rental/internal/config"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
	"github.com/bcnelson/instance-rental/internal/metrics"
	"github.com/bcnelson/instance-rental/internal/notify"
	"github.com/bcnelson/instance-rental/internal/permissions"
	"github.com/bcnelson/instance-rental/internal/region"
	"github.com/bcnelson/instance-rental/internal/seed"
	"github.com/bcnelson/instance-rental/internal/service"
	"github.com/bcnelson/instance-rental/internal/storage"
	"github.com/bcnelson/instance-rental/internal/storage/badger"
	"github.com/bcnelson/instance-rental/internal/storage/dynamo"
	"github.com/bcnelson/instance-rental/internal/storage/memory"
	"github.com/bcnelson/instance-rental/internal/storage/sql"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

// App holds the assembled collaborators.
type App struct {
	Config  *config.Config
	Store   storage.Storage
	Rentals *service.Rentals
	Sweeper *service.Sweeper
	Runner  *workflow.Runner
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	awsCfg     *aws.Config
	local      *workflow.LocalTrigger
	subscriber *workflow.Subscriber
	nc         *nats.Conn
}

// Options adjust assembly.
type Options struct {
	// Subscribe joins the NATS worker queue when the nats trigger is used.
	Subscribe bool
}

// New builds the application. Workflows started by the local trigger and
// the NATS subscriber are bound to ctx.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New(), Logger: logger}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	if cfg.Database.SeedFile != "" {
		if err := a.Seed(ctx, cfg.Database.SeedFile); err != nil {
			a.Close()
			return nil, err
		}
	}

	provider, err := a.cloudProvider(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	notifier, alerter, err := a.notifiers(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	clk := clock.Real()
	permOpts := []permissions.Option{permissions.WithLogger(logger)}
	regionOpts := []region.Option{region.WithLogger(logger)}
	if cfg.Cache.TTL > 0 {
		permOpts = append(permOpts, permissions.WithCache(
			cache.New[string, *domain.PermissionRecord](clk, cfg.Cache.MaxEntries), cfg.Cache.TTL))
		regionOpts = append(regionOpts, region.WithCache(
			cache.New[string, *domain.RegionCapacity](clk, cfg.Cache.MaxEntries), cfg.Cache.TTL))
	}
	if cfg.Cloud.LiveCapacity {
		regionOpts = append(regionOpts, region.WithLiveCapacity(provider))
	}

	a.Rentals = service.NewRentals(service.Deps{
		Store:       store,
		Permissions: permissions.New(store, cfg.Cloud.Scope(), permOpts...),
		Regions:     region.New(store, regionOpts...),
		Cloud:       provider,
		Notifier:    notifier,
		Alerter:     alerter,
		Clock:       clk,
		Metrics:     a.Metrics,
		Logger:      logger,
	}, service.Settings{
		ProjectName:    cfg.Cloud.ProjectName,
		TemplateBucket: cfg.Cloud.TemplateBucket,
		Tags:           cfg.Cloud.Tags,
		Addresses: notify.Addresses{
			Project:      cfg.Cloud.ProjectName,
			Notification: cfg.Notify.NotificationEmail,
			Admin:        cfg.Notify.AdminEmail,
		},
	})
	a.Sweeper = service.NewSweeper(a.Rentals, cfg.Sweep.NoticeHours)
	a.Runner = workflow.NewRunner(a.Rentals,
		workflow.WithPolling(cfg.Workflow.PollInterval, cfg.Workflow.MaxPollInterval),
		workflow.WithTimeout(cfg.Workflow.Timeout),
		workflow.WithMetrics(a.Metrics),
		workflow.WithLogger(logger),
	)

	trigger, err := a.trigger(ctx, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Rentals.SetTrigger(trigger)

	return a, nil
}

func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awscloud.LoadConfig(ctx, a.Config.Cloud.Region)
	if err != nil {
		return aws.Config{}, err
	}
	a.awsCfg = &cfg
	return cfg, nil
}

func (a *App) openStore(ctx context.Context) (storage.Storage, error) {
	db := a.Config.Database
	switch db.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite, config.DriverPostgres:
		if db.Driver == config.DriverSQLite {
			if dir := filepath.Dir(db.DSN); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("failed to create data directory: %w", err)
				}
			}
		}
		return sql.New(db.Driver, db.DSN)
	case config.DriverBadger:
		return badger.New(db.BadgerPath)
	case config.DriverDynamo:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return dynamo.New(dynamodb.NewFromConfig(awsCfg), dynamo.Tables{
			Permissions: db.PermissionsTable,
			Regional:    db.RegionalTable,
			State:       db.StateTable,
		}), nil
	}
	return nil, fmt.Errorf("unsupported database driver %s", db.Driver)
}

func (a *App) cloudProvider(ctx context.Context) (cloud.Provider, error) {
	c := a.Config.Cloud
	if c.Provider != config.CloudAWS {
		a.Logger.Warn("using the in-memory cloud shim; no infrastructure will be created")
		return shim.New(shim.AutoSettle(), shim.WithLogger(a.Logger)), nil
	}
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return awscloud.New(awsCfg, awscloud.Config{
		AdminRoleARN:         c.AdminRoleARN,
		ExecutionRoleName:    c.ExecutionRoleName,
		CrossAccountRoleName: c.CrossAccountRoleName,
	}, a.Logger), nil
}

func (a *App) notifiers(ctx context.Context) (notify.Notifier, notify.Alerter, error) {
	n := a.Config.Notify
	var notifier notify.Notifier = notify.NewLogNotifier(a.Logger)
	var alerter notify.Alerter = notify.NewLogAlerter(a.Logger)
	if n.Mode != config.NotifySES && n.ErrorTopicARN == "" {
		return notifier, alerter, nil
	}

	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	if n.Mode == config.NotifySES {
		notifier = notify.NewSESFromConfig(awsCfg, a.Logger)
	}
	if n.ErrorTopicARN != "" {
		alerter = notify.NewSNSAlerterFromConfig(awsCfg, n.ErrorTopicARN)
	}
	return notifier, alerter, nil
}

func (a *App) trigger(ctx context.Context, opts Options) (workflow.Trigger, error) {
	w := a.Config.Workflow
	switch w.Trigger {
	case config.TriggerSFN:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return workflow.NewSFNTriggerFromConfig(awsCfg, w.StateMachines()), nil
	case config.TriggerNATS:
		nc, err := workflow.Connect(w.NATSURL, a.Config.Cloud.ProjectName, a.Logger)
		if err != nil {
			return nil, err
		}
		a.nc = nc
		if opts.Subscribe && w.Subscribe {
			a.subscriber = workflow.NewSubscriber(ctx, a.Runner, a.Logger)
			if _, err := a.subscriber.Subscribe(nc, w.NATSSubject); err != nil {
				return nil, err
			}
		}
		return workflow.NewNATSTrigger(nc, w.NATSSubject), nil
	}
	a.local = workflow.NewLocalTrigger(ctx, a.Runner, a.Logger)
	return a.local, nil
}

// Seed loads a seed file into the store.
func (a *App) Seed(ctx context.Context, path string) error {
	data, err := seed.Load(path, a.Config.Cloud.Scope())
	if err != nil {
		return err
	}
	return seed.Apply(ctx, a.Store, data, a.Logger)
}

// Router builds the HTTP handler.
func (a *App) Router(ctx context.Context) (http.Handler, error) {
	c := a.Config
	claims := auth.ClaimNames{
		Email:    c.Auth.EmailClaim,
		Username: c.Auth.UsernameClaim,
		Groups:   c.Auth.GroupsClaim,
	}

	var (
		provider *auth.OIDCProvider
		sessions *auth.SessionManager
		login    *handler.LoginHandler
	)
	if c.Auth.Mode == config.AuthOIDC || c.OIDC.Enabled {
		var err error
		provider, err = auth.NewOIDCProvider(ctx, c.OIDC.IssuerURL, c.OIDC.ClientID, c.OIDC.ClientSecret,
			c.OIDC.RedirectURL, c.OIDC.GetScopes(), c.OIDC.GetAllowedDomains())
		if err != nil {
			return nil, err
		}
	}
	if c.OIDC.Enabled {
		key, err := c.OIDC.GetSessionSecretBytes()
		if err != nil {
			return nil, err
		}
		sessions, err = auth.NewSessionManager(key, c.OIDC.SessionDuration, c.OIDC.SecureCookies)
		if err != nil {
			return nil, err
		}
		states, err := auth.NewStateStore(key, c.OIDC.SecureCookies)
		if err != nil {
			return nil, err
		}
		login = handler.NewLoginHandler(provider, states, sessions, claims, c.Auth.AdminGroupName,
			c.OIDC.LandingURL, a.Logger.With("component", "login"))
	}

	var extractor auth.Extractor = auth.NewHeaderExtractor(claims, c.Auth.AdminGroupName)
	if c.Auth.Mode == config.AuthOIDC {
		extractor = auth.NewOIDCExtractor(provider, sessions, claims, c.Auth.AdminGroupName)
	}

	var tasks middleware.TaskReporter
	if c.Workflow.AnswerTaskTokens {
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		tasks = workflow.NewTaskReporterFromConfig(awsCfg)
	}

	return api.NewRouter(api.Options{
		Rentals:        a.Rentals,
		Sweeper:        a.Sweeper,
		Extractor:      extractor,
		InternalKey:    c.Auth.InternalAPIKey,
		Tasks:          tasks,
		Login:          login,
		Metrics:        a.Metrics,
		Logger:         a.Logger,
		RequestTimeout: c.Server.RequestTimeout,
	}), nil
}

// Close drains the NATS connection, waits for in-process workflows and
// closes the store.
func (a *App) Close() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain nats: %w", err))
		}
	}
	if a.subscriber != nil {
		a.subscriber.Wait()
	}
	if a.local != nil {
		a.local.Wait()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Format(cfg.Format), os.Stderr, level), nil
}
