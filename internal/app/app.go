// Package app wires the configured backends into a ready ChatService. It is
// the only place that knows which concrete store, settings backend and
// gateways are in use.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"relaychat/internal/config"
	"relaychat/internal/domain"
	"relaychat/internal/integrations/openai"
	"relaychat/internal/integrations/paramstore"
	"relaychat/internal/integrations/searxng"
	"relaychat/internal/kvstore"
	"relaychat/internal/repository"
	"relaychat/internal/settings"
	"relaychat/internal/usecase"
)

type App struct {
	Chat     *usecase.ChatService
	Settings *settings.Service
	Logger   *slog.Logger

	closers []func() error
}

type options struct {
	logger    *slog.Logger
	awsConfig *aws.Config
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAWSConfig skips loading the default AWS configuration.
func WithAWSConfig(cfg aws.Config) Option {
	return func(o *options) {
		o.awsConfig = &cfg
	}
}

// New builds the application graph for cfg. The caller owns the returned
// App and must Close it.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = cfg.Log.NewLogger(os.Stdout)
	}

	a := &App{Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	var awsCfg aws.Config
	if cfg.Store.Driver == repository.DriverDynamoDB || cfg.Settings.Backend == config.SettingsSSM {
		if o.awsConfig != nil {
			awsCfg = *o.awsConfig
		} else {
			loaded, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("app: load AWS config: %w", err)
			}
			awsCfg = loaded
		}
	}

	repoCfg := repository.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Table:  cfg.Store.Table,
	}
	if cfg.Store.Driver == repository.DriverDynamoDB {
		repoCfg.DynamoDB = awsdynamodb.NewFromConfig(awsCfg)
	}
	repo, err := repository.Open(ctx, repoCfg)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	a.closers = append(a.closers, repo.Close)

	kv, err := a.openSettingsBackend(cfg.Settings, awsCfg)
	if err != nil {
		return nil, err
	}
	a.Settings = settings.NewService(kv, logger)

	gw := cfg.Gateway
	a.Chat, err = usecase.NewChatService(repo, a.Settings,
		usecase.WithLogger(logger),
		usecase.WithGatewayFactory(func(pc domain.ProviderConfig) (usecase.ModelGateway, error) {
			return openai.NewClient(pc,
				openai.WithLogger(logger),
				openai.WithTimeout(gw.Timeout.Duration),
				openai.WithDegradedStreaming(gw.DegradedStreaming),
				openai.WithChunkInterval(gw.ChunkInterval.Duration),
			)
		}),
		usecase.WithSearchFactory(func(sc domain.SearchConfig) (usecase.SearchGateway, error) {
			return searxng.NewClient(sc.BaseURL,
				searxng.WithLogger(logger),
				searxng.WithHTTPClient(&http.Client{Timeout: gw.SearchTimeout.Duration}),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	if err := a.Chat.RestoreProvider(ctx); err != nil {
		logger.Warn("stored provider settings unusable, provider not configured", "err", err)
	}

	logger.Info("app ready",
		"store", cfg.Store.Driver,
		"settings", cfg.Settings.Backend,
		"degraded_streaming", gw.DegradedStreaming,
	)
	ok = true
	return a, nil
}

func (a *App) openSettingsBackend(cfg config.SettingsConfig, awsCfg aws.Config) (settings.KeyValue, error) {
	switch cfg.Backend {
	case config.SettingsBolt:
		b, err := kvstore.OpenBolt(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("app: open settings: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	case config.SettingsSSM:
		c, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			return nil, fmt.Errorf("app: open settings: %w", err)
		}
		return c, nil
	case config.SettingsMemory:
		return kvstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("app: unknown settings backend %q", cfg.Backend)
	}
}

// Close releases stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
