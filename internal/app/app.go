package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payrelay/internal/accumulation"
	"payrelay/internal/alerting"
	"payrelay/internal/classifier"
	"payrelay/internal/config"
	"payrelay/internal/executor"
	"payrelay/internal/metrics"
	"payrelay/internal/pricing"
	"payrelay/internal/queue"
	"payrelay/internal/saga"
	"payrelay/internal/server"
	"payrelay/internal/service"
	"payrelay/internal/storage"
	"payrelay/internal/swap"
	"payrelay/internal/token"
	"payrelay/internal/version"
)

var gwei = decimal.NewFromInt(1_000_000_000)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens the database or explains why a command cannot run without it.
func (a *App) requireStore(ctx context.Context, purpose string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", purpose)
	}
	return store, closeStore, nil
}

func (a *App) loadClassifier() (*classifier.Classifier, error) {
	return classifier.LoadFile(a.Config.Saga.ClassifierRules)
}

func (a *App) newCodec() (*token.Codec, error) {
	primary, previous, err := a.Config.SigningKeys()
	if err != nil {
		return nil, err
	}
	return token.NewCodec(token.Options{
		SigningKey:   primary,
		PreviousKeys: previous,
		MaxAge:       a.Config.Token.MaxAge,
		ClockSkew:    a.Config.Token.ClockSkew,
	})
}

// newBroker opens the configured queue backend. health receives a pinger
// for backends with a remote dependency.
func (a *App) newBroker(ctx context.Context, store *storage.Store, health map[string]server.Pinger) (queue.Broker, func(), error) {
	cfg := a.Config.Queue
	switch cfg.Backend {
	case "postgres":
		if store == nil {
			return nil, nil, errors.New("queue.backend postgres requires database.dsn")
		}
		return queue.NewPostgresBroker(store.Pool(), nil), func() {}, nil
	case "redis":
		broker, err := queue.NewRedisBroker(ctx, queue.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		if health != nil {
			health["redis"] = broker
		}
		return broker, func() { _ = broker.Close() }, nil
	case "memory":
		a.Logger.Warn().Msg("queue.backend memory loses queued work on restart")
		return queue.NewMemoryBroker(nil), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}

	notifiers := make([]alerting.Notifier, 0, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "telegram":
			if cfg.Telegram.Enabled {
				notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger))
			}
		case "slack":
			if cfg.Slack.Enabled {
				notifiers = append(notifiers, alerting.NewSlackNotifier(cfg.Slack.WebhookURL, 10*time.Second, a.Logger))
			}
		case "datadog":
			if cfg.Datadog.Enabled {
				notifiers = append(notifiers, alerting.NewDatadogNotifier(alerting.DatadogOptions{
					APIKey:  cfg.Datadog.APIKey,
					Site:    cfg.Datadog.Site,
					Service: cfg.Datadog.Service,
					Tags:    append([]string{"env:" + a.Config.App.Environment}, cfg.Datadog.Tags...),
					Timeout: 10 * time.Second,
				}, a.Logger))
			}
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alerting channel ignored")
		}
	}

	multi := alerting.NewMulti(a.Logger, notifiers...)
	if multi == nil {
		return nil
	}
	return multi
}

func (a *App) newExecutor(cls *classifier.Classifier, m *metrics.Metrics) (*executor.Executor, error) {
	cfg := a.Config.Executor
	if cfg.RPCURL == "" {
		return nil, errors.New("executor.rpc_url must be set")
	}

	tokens := make(map[string]executor.TokenContract, len(cfg.Tokens))
	for symbol, t := range cfg.Tokens {
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("executor.tokens.%s.address is not a hex address", symbol)
		}
		tokens[symbol] = executor.TokenContract{Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
	}

	return executor.New(executor.Options{
		RPCURL:              cfg.RPCURL,
		PrivateKeyHex:       cfg.PrivateKey,
		ChainID:             cfg.ChainID,
		NativeSymbol:        cfg.NativeSymbol,
		Tokens:              tokens,
		GasLimit:            cfg.GasLimit,
		TokenGasLimit:       cfg.TokenGasLimit,
		BaseFeeMultiplier:   decimal.NewFromFloat(cfg.BaseFeeMultiplier),
		DefaultPriorityFee:  gweiToWei(cfg.DefaultPriorityFeeGwei),
		FallbackGasPrice:    gweiToWei(cfg.FallbackGasPriceGwei),
		MaxFeePerGas:        gweiToWei(cfg.MaxFeePerGasGwei),
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		PollInterval:        cfg.PollInterval,
		RetryDelay:          cfg.RetryDelay,
		MaxAttempts:         cfg.MaxAttempts,
	}, cls, m, a.Logger)
}

// sendMargin is kept back from a payment delivery for recording its outcome.
const sendMargin = 2 * time.Minute

// sendBudget is the part of a payment delivery's timeout Send may use.
func sendBudget(delivery time.Duration) time.Duration {
	if delivery <= 2*sendMargin {
		return delivery / 2
	}
	return delivery - sendMargin
}

// gweiToWei returns nil for non-positive values so the executor applies its defaults.
func gweiToWei(v float64) *big.Int {
	if v <= 0 {
		return nil
	}
	return decimal.NewFromFloat(v).Mul(gwei).BigInt()
}

func (a *App) newQuoter() *pricing.Cow {
	cfg := a.Config.Cow
	assets := make(map[string]pricing.Asset, len(cfg.Assets))
	for symbol, address := range cfg.Assets {
		asset := pricing.Asset{Address: address}
		if t, ok := a.Config.Executor.Tokens[symbol]; ok {
			asset.Decimals = t.Decimals
		}
		assets[symbol] = asset
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return pricing.NewCow(pricing.CowOptions{
		BaseURL:       cfg.BaseURL,
		PriceQuality:  cfg.PriceQuality,
		Timeout:       cfg.RequestTimeout,
		UserAgent:     userAgent,
		QuoteToken:    cfg.QuoteToken,
		QuoteDecimals: cfg.QuoteDecimals,
		Assets:        assets,
	}, a.Logger)
}

func (a *App) newSwap() *swap.Client {
	cfg := a.Config.Swap
	return swap.NewClient(swap.Options{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.RequestTimeout,
	}, a.Logger)
}

// runtime is the wired saga: persistence, queue, codec, service and stages.
type runtime struct {
	store   *storage.Store
	broker  queue.Broker
	codec   *token.Codec
	metrics *metrics.Metrics
	engine  *accumulation.Engine
	service *service.Service
	stages  *service.Stages
	health  map[string]server.Pinger
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildRuntime wires every saga dependency from configuration. withExecutor
// is false for processes that never send payments.
func (a *App) buildRuntime(ctx context.Context, withExecutor bool) (rt *runtime, err error) {
	rt = &runtime{health: make(map[string]server.Pinger)}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	store, closeStore, err := a.requireStore(ctx, "run the saga")
	if err != nil {
		return rt, err
	}
	rt.store = store
	rt.closers = append(rt.closers, closeStore)
	rt.health["postgres"] = store.Pool()

	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, store.Pool())
		if err != nil {
			return rt, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("migrations", applied).Msg("schema migrated")
		}
	}

	broker, closeBroker, err := a.newBroker(ctx, store, rt.health)
	if err != nil {
		return rt, err
	}
	rt.broker = broker
	rt.closers = append(rt.closers, closeBroker)

	if rt.codec, err = a.newCodec(); err != nil {
		return rt, err
	}
	rt.metrics = metrics.New(a.Config.App.Name, nil)
	cls, err := a.loadClassifier()
	if err != nil {
		return rt, err
	}

	rt.engine = accumulation.NewEngine(store, store, service.NewBatchPublisher(rt.codec, broker), rt.metrics,
		accumulation.Options{LockKey: a.Config.Scheduler.AdvisoryLockKey}, a.Logger)

	deps := service.Deps{
		Store:     store,
		Engine:    rt.engine,
		Quoter:    a.newQuoter(),
		Exchanger: a.newSwap(),
		Codec:     rt.codec,
		Queue:     broker,
	}
	if withExecutor {
		exec, err := a.newExecutor(cls, rt.metrics)
		if err != nil {
			return rt, err
		}
		deps.Sender = exec
		a.Logger.Info().Str("wallet", exec.From().Hex()).Msg("payment executor ready")
	}
	if pub := alerting.NewWebhookPublisher(a.Config.Frontend.WebhookURL, a.Config.Frontend.Secret, a.Config.Frontend.RequestTimeout, a.Logger); pub != nil {
		deps.Completions = pub
	}

	rt.service, err = service.New(service.Options{
		PlatformFeePct: decimal.NewFromFloat(a.Config.Fees.PlatformPct),
		SourceCurrency: a.Config.Swap.FromCurrency,
		SourceNetwork:  a.Config.Swap.FromNetwork,
		PaymentLease:   a.Config.Saga.PaymentLease,
		SendTimeout:    sendBudget(a.Config.Queue.DeliveryTimeout(queue.QueuePayment)),
	}, deps, a.Logger)
	if err != nil {
		return rt, err
	}

	rt.stages, err = rt.service.Stages(saga.Deps{
		Codec:      rt.codec,
		Queue:      broker,
		Classifier: cls,
		Failures:   store,
		Alerter:    a.newNotifier(),
		Metrics:    rt.metrics,
		Logger:     a.Logger,
	}, service.Policy{
		MaxAttempts: uint16(a.Config.Saga.MaxAttempts),
		RetryDelay:  a.Config.Saga.RetryDelay,
	})
	if err != nil {
		return rt, err
	}
	return rt, nil
}

// ExportOptions hold parameters for exporting payout batches.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// Status and RecipientID narrow the export when set.
	Status      storage.BatchStatus
	RecipientID int64
}

// ShowOptions configure the show commands.
type ShowOptions struct {
	Limit int
}

// ServeOptions select which loops a serve process runs besides the HTTP surface.
type ServeOptions struct {
	Dispatcher bool
	Scheduler  bool
}
