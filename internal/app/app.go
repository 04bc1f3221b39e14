package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/internal/api"
	"github.com/signals-back/internal/cache"
	"github.com/signals-back/internal/chart"
	"github.com/signals-back/internal/database"
	"github.com/signals-back/internal/external"
	"github.com/signals-back/internal/market"
	"github.com/signals-back/internal/messaging"
	"github.com/signals-back/internal/notify"
	"github.com/signals-back/internal/provider"
	"github.com/signals-back/internal/signal"
	"github.com/signals-back/internal/tickers"
	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

const alertCooldownWindow = time.Hour

// App represents the main application
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Storage and messaging
	mysqlDB    *database.MySQLClient
	influxDB   *database.InfluxClient
	redisCache *cache.RedisClient
	natsClient *messaging.NATSClient
	mirror     *notify.WebsiteMirror

	// Market data
	gateway       *market.Gateway
	yahoo         *external.YahooClient
	coingecko     *external.CoinGeckoClient
	tradingview   *external.TradingViewClient
	priceProvider *provider.PriceProvider
	taProvider    *provider.TAProvider
	tickers       *tickers.Provider

	// Signal pipeline
	chartRenderer *chart.Renderer
	discord       *notify.DiscordNotifier
	dispatcher    *signal.Dispatcher
	evaluator     *signal.Evaluator

	apiServer *api.Server
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize initializes all application components
func (a *App) Initialize() error {
	if err := a.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := a.initializeMessaging(); err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}

	a.initializeMarketData()
	a.initializeSignalPipeline()
	a.initializeAPIServer()

	return nil
}

// Start starts the scheduler loops and the API server
func (a *App) Start() error {
	a.startLoop("scan", a.scanLoop)
	a.startLoop("evaluate", a.evaluateLoop)
	a.startLoop("alerts", a.alertLoop)
	a.startLoop("maintenance", a.maintenanceLoop)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.apiServer.Start(); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Error("API server error")
		}
	}()

	a.logger.Info("Application started")
	return nil
}

// Stop gracefully stops the application
func (a *App) Stop() error {
	a.logger.Info("Stopping application...")

	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.logger.Warn("Timeout waiting for loops to finish")
	}

	if a.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.apiServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("Error stopping API server")
		}
		cancel()
	}

	a.closeConnections()

	a.logger.Info("Application stopped")
	return nil
}

// RunScanOnce runs a single dispatch cycle outside the scheduler
func (a *App) RunScanOnce(ctx context.Context) error {
	return a.runScan(ctx)
}

// RunEvaluateOnce runs a single evaluation batch outside the scheduler
func (a *App) RunEvaluateOnce(ctx context.Context) (int, error) {
	resolved, err := a.evaluator.EvaluateBatch(ctx)
	if err != nil {
		return resolved, err
	}
	a.drainAdminNotify(ctx)
	return resolved, nil
}

// GetContext returns the application context
func (a *App) GetContext() context.Context {
	return a.ctx
}

// Private initialization methods

func (a *App) initializeStorage() error {
	mysqlClient, err := database.NewMySQLClient(&a.cfg.MySQL, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	a.mysqlDB = mysqlClient

	if err := a.mysqlDB.InitSchema(a.ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	a.mirror = notify.NewWebsiteMirror(&a.cfg.Mirror, a.logger)
	if a.mirror != nil {
		a.mysqlDB.SetMirror(a.mirror)
	}

	redisClient, err := cache.NewRedisClient(&a.cfg.Redis, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redisCache = redisClient

	if a.cfg.InfluxDB.Enabled {
		a.influxDB = database.NewInfluxClient(&a.cfg.InfluxDB, a.logger)
		if err := a.influxDB.Health(a.ctx); err != nil {
			return fmt.Errorf("failed to connect to InfluxDB: %w", err)
		}
	}

	return nil
}

func (a *App) initializeMessaging() error {
	if !a.cfg.NATS.Enabled {
		a.logger.Info("NATS disabled, signal events will not be published")
		return nil
	}

	natsClient, err := messaging.NewNATSClient(&a.cfg.NATS, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.natsClient = natsClient

	return nil
}

func (a *App) initializeMarketData() {
	a.gateway = market.NewGateway(&a.cfg.Market, a.logger)

	a.yahoo = external.NewYahooClient(a.logger)
	a.coingecko = external.NewCoinGeckoClient("", a.logger)
	a.tradingview = external.NewTradingViewClient(a.logger)

	priceCache := market.NewPriceCache(a.cfg.Market.PriceCacheTTL, a.cfg.Market.PriceCacheMaxEntries, a.logger)
	taCache := market.NewTACache(a.cfg.Market.TACacheTTL, a.cfg.Market.TACacheMaxEntries)

	a.priceProvider = provider.NewPriceProvider(a.yahoo, a.coingecko, a.gateway, priceCache, &a.cfg.Market, a.logger)
	a.taProvider = provider.NewTAProvider(a.tradingview, a.yahoo, a.gateway, taCache, &a.cfg.Market, a.logger)

	a.tickers = tickers.NewProvider(&a.cfg.Tickers, a.logger)
}

func (a *App) initializeSignalPipeline() {
	a.chartRenderer = chart.NewRenderer(a.yahoo, &a.cfg.Chart, a.logger)
	a.discord = notify.NewDiscordNotifier(&a.cfg.Discord, a.logger)

	// Typed nils must not leak into the interface fields, the pipeline
	// treats a nil interface as a disabled integration.
	var notifier signal.Notifier
	if a.discord != nil {
		notifier = a.discord
	}
	var publisher signal.Publisher
	var resolutions signal.ResolutionPublisher
	if a.natsClient != nil {
		publisher = a.natsClient
		resolutions = a.natsClient
	}
	var archive signal.BarArchive
	if a.influxDB != nil {
		archive = a.influxDB
	}
	var messages signal.MessageIndex
	if a.redisCache != nil {
		messages = a.redisCache
	}

	a.dispatcher = signal.NewDispatcher(
		a.mysqlDB,
		a.priceProvider,
		a.taProvider,
		a.chartRenderer,
		notifier,
		publisher,
		messages,
		&a.cfg.Signals,
		&a.cfg.Chart,
		a.logger,
	)

	a.evaluator = signal.NewEvaluator(
		a.mysqlDB,
		a.yahoo,
		a.priceProvider,
		archive,
		resolutions,
		&a.cfg.Signals,
		a.logger,
	)
}

func (a *App) initializeAPIServer() {
	a.apiServer = api.NewServer(
		a.cfg,
		a.logger,
		a.mysqlDB,
		a.influxDB,
		a.redisCache,
		a.natsClient,
		a.tickers,
		a.priceProvider,
	)
}

// Scheduler loops

func (a *App) startLoop(name string, loop func(context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.WithField("loop", name).Debug("Scheduler loop started")
		loop(a.ctx)
	}()
}

// scanLoop fires a dispatch cycle at each configured run time, in
// Eastern market time
func (a *App) scanLoop(ctx context.Context) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		a.logger.WithError(err).Error("Failed to load market timezone, scan loop disabled")
		return
	}

	for {
		next := nextRunTime(time.Now().In(loc), a.cfg.Signals.RunTimes, loc)
		wait := time.Until(next)
		a.logger.WithFields(logrus.Fields{
			"next": next.Format(time.RFC3339),
			"wait": wait.Round(time.Second).String(),
		}).Info("Next signal scan scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := a.runScan(ctx); err != nil {
			a.logger.WithError(err).Error("Signal scan failed")
		}
	}
}

func (a *App) runScan(ctx context.Context) error {
	candidates := a.tickers.Candidates(ctx, a.cfg.Signals.MaxStockCandidates, a.cfg.Signals.MaxCryptoCandidates)
	if len(candidates) == 0 {
		return fmt.Errorf("no candidates to scan")
	}

	signals, err := a.dispatcher.Dispatch(ctx, candidates)
	if err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"signals":    len(signals),
	}).Info("Signal scan finished")
	return nil
}

// evaluateLoop periodically re-checks open signals and drains the
// admin-notify queue for any that resolved
func (a *App) evaluateLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Signals.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolved, err := a.evaluator.EvaluateBatch(ctx)
			if err != nil {
				a.logger.WithError(err).Error("Evaluation batch failed")
				continue
			}
			if resolved > 0 {
				a.logger.WithField("resolved", resolved).Info("Signals resolved")
			}
			a.drainAdminNotify(ctx)
		}
	}
}

func (a *App) drainAdminNotify(ctx context.Context) {
	if a.discord == nil {
		return
	}

	pending, err := a.mysqlDB.GetSignalsPendingAdminNotify(ctx, a.cfg.Signals.PerformanceBatchLimit)
	if err != nil {
		a.logger.WithError(err).Error("Failed to load pending admin notifications")
		return
	}

	for _, sig := range pending {
		if err := a.discord.PostResolution(ctx, sig); err != nil {
			// Leave it pending, the next drain retries
			a.logger.WithError(err).WithField("signal_id", sig.ID).Warn("Failed to post resolution")
			continue
		}
		if err := a.mysqlDB.MarkAdminNotified(ctx, sig.ID); err != nil {
			a.logger.WithError(err).WithField("signal_id", sig.ID).Error("Failed to mark admin notified")
		}
	}
}

// alertLoop checks active price alerts against live prices
func (a *App) alertLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Signals.AlertCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkAlerts(ctx)
		}
	}
}

func (a *App) checkAlerts(ctx context.Context) {
	alerts, err := a.mysqlDB.GetActiveAlerts(ctx)
	if err != nil {
		a.logger.WithError(err).Error("Failed to load active alerts")
		return
	}

	for _, alert := range alerts {
		candidate, err := a.tickers.ResolveSymbol(alert.Symbol)
		if err != nil {
			a.logger.WithField("symbol", alert.Symbol).Debug("Skipping alert with unresolvable symbol")
			continue
		}

		price, err := a.priceProvider.GetPriceContext(ctx, candidate.PriceSymbol, candidate.AssetClass)
		if err != nil {
			continue
		}

		fired := (alert.AlertType == models.AlertAbove && price.CurrentPrice >= alert.Threshold) ||
			(alert.AlertType == models.AlertBelow && price.CurrentPrice <= alert.Threshold)
		if !fired {
			continue
		}

		acquired, err := a.redisCache.StartCooldown(ctx, "alert", strconv.FormatInt(alert.ID, 10), alertCooldownWindow)
		if err != nil || !acquired {
			continue
		}

		a.logger.WithFields(logrus.Fields{
			"alert_id": alert.ID,
			"symbol":   alert.Symbol,
			"price":    price.CurrentPrice,
		}).Info("Price alert triggered")

		if a.discord != nil {
			if err := a.discord.PostAlert(ctx, alert, price.CurrentPrice); err != nil {
				a.logger.WithError(err).Warn("Failed to post alert notification")
			}
		}
		if a.natsClient != nil {
			if err := a.natsClient.PublishAlertTriggered(ctx, alert, price.CurrentPrice); err != nil {
				a.logger.WithError(err).Debug("Failed to publish alert event")
			}
		}

		if err := a.mysqlDB.MarkAlertTriggered(ctx, alert.ID); err != nil {
			a.logger.WithError(err).Error("Failed to mark alert triggered")
		}
	}
}

// maintenanceLoop prunes stale signals and reports component health
func (a *App) maintenanceLoop(ctx context.Context) {
	prune := time.NewTicker(24 * time.Hour)
	health := time.NewTicker(time.Minute)
	defer prune.Stop()
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			pruned, err := a.mysqlDB.PruneOldSignals(ctx, a.cfg.Signals.PruneAfterDays)
			if err != nil {
				a.logger.WithError(err).Error("Failed to prune old signals")
				continue
			}
			if pruned > 0 {
				a.logger.WithField("pruned", pruned).Info("Old signals pruned")
			}
		case <-health.C:
			a.publishHealth(ctx)
		}
	}
}

func (a *App) publishHealth(ctx context.Context) {
	if a.natsClient == nil {
		return
	}

	status := map[string]string{"mysql": "healthy", "redis": "healthy"}
	if err := a.mysqlDB.Health(ctx); err != nil {
		status["mysql"] = "unhealthy"
	}
	if err := a.redisCache.Health(ctx); err != nil {
		status["redis"] = "unhealthy"
	}
	if a.influxDB != nil {
		status["influx"] = "healthy"
		if err := a.influxDB.Health(ctx); err != nil {
			status["influx"] = "unhealthy"
		}
	}

	if err := a.natsClient.PublishHealthStatus(status); err != nil {
		a.logger.WithError(err).Debug("Failed to publish health status")
	}
}

// nextRunTime picks the earliest configured run time after now. Falls
// back to noon when no run time parses.
func nextRunTime(now time.Time, runTimes []string, loc *time.Location) time.Time {
	var best time.Time
	for _, rt := range runTimes {
		parsed, err := time.ParseInLocation("15:04", rt, loc)
		if err != nil {
			continue
		}
		candidate := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if best.IsZero() {
		best = time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, loc)
		if !best.After(now) {
			best = best.AddDate(0, 0, 1)
		}
	}
	return best
}

func (a *App) closeConnections() {
	if a.mysqlDB != nil {
		if err := a.mysqlDB.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close MySQL")
		}
	}
	if a.influxDB != nil {
		a.influxDB.Close()
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close Redis")
		}
	}
	if a.natsClient != nil {
		if err := a.natsClient.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close NATS")
		}
	}
	if a.coingecko != nil {
		a.coingecko.Close()
	}
}
