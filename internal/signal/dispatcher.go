package signal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// messageCorrelationTTL bounds how long a posted message maps back to
// its signal in the cache. Week-old messages fall through to the
// database lookup.
const messageCorrelationTTL = 7 * 24 * time.Hour

// SignalStore is the slice of the signal store the dispatcher writes to
type SignalStore interface {
	HasRecentSignal(ctx context.Context, symbol string, window time.Duration) (bool, error)
	CreateSignal(ctx context.Context, signal *models.Signal, duplicateWindow time.Duration) (int64, error)
	SetSignalMessage(ctx context.Context, signalID int64, messageID, channelID string) error
	GetSymbolSubscribers(ctx context.Context, symbol string) ([]string, error)
}

// PriceSource provides enriched price context for a symbol
type PriceSource interface {
	GetPriceContext(ctx context.Context, symbol string, hint models.AssetClass) (*models.PriceContext, error)
}

// TASource provides per-timeframe recommendations for a candidate
type TASource interface {
	GetRecommendations(ctx context.Context, c models.Candidate) (models.RecommendationMap, error)
}

// Publisher announces signal lifecycle events to the message bus
type Publisher interface {
	PublishSignalCreated(ctx context.Context, signal *models.Signal) error
}

// Notifier delivers a signal to the outbound channel and returns the
// posted message coordinates for later correlation
type Notifier interface {
	PostSignal(ctx context.Context, signal *models.Signal, chartPNG []byte) (messageID, channelID string, err error)
	NotifySubscribers(ctx context.Context, userIDs []string, signal *models.Signal) error
}

// ChartSource renders a candlestick chart image for a candidate
type ChartSource interface {
	Render(ctx context.Context, c models.Candidate, price *models.PriceContext) ([]byte, error)
}

// MessageIndex caches which signal a posted message belongs to, feeding
// the read API's message lookup
type MessageIndex interface {
	SetMessageSignal(ctx context.Context, messageID string, signalID int64, ttl time.Duration) error
}

// Dispatcher runs one scan cycle: analyze candidates concurrently, pick
// the strongest setup per asset class, and emit it as a stored signal
type Dispatcher struct {
	store     SignalStore
	prices    PriceSource
	ta        TASource
	chart     ChartSource
	notifier  Notifier
	publisher Publisher
	messages  MessageIndex
	cfg       *config.SignalsConfig
	chartCfg  *config.ChartConfig
	logger    *logrus.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a signal dispatcher
func NewDispatcher(store SignalStore, prices PriceSource, ta TASource, chart ChartSource, notifier Notifier, publisher Publisher, messages MessageIndex, cfg *config.SignalsConfig, chartCfg *config.ChartConfig, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		prices:    prices,
		ta:        ta,
		chart:     chart,
		notifier:  notifier,
		publisher: publisher,
		messages:  messages,
		cfg:       cfg,
		chartCfg:  chartCfg,
		logger:    logger.WithField("component", "dispatcher"),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// analysis is one candidate's scored read, held until selection. The
// analysis-time price qualifies the candidate only; emission fetches a
// fresh quote.
type analysis struct {
	candidate models.Candidate
	recs      models.RecommendationMap
	score     int
}

// Dispatch analyzes the candidates and emits at most one signal per
// asset class. Returns the signals that were stored.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []models.Candidate) ([]*models.Signal, error) {
	candidates = dedupeCandidates(candidates)
	if len(candidates) == 0 {
		return nil, nil
	}

	d.logger.WithField("candidates", len(candidates)).Info("Starting scan cycle")

	analyses := d.analyzeAll(ctx, candidates)
	if len(analyses) == 0 {
		d.logger.Warn("No candidate produced a usable analysis")
		return nil, nil
	}

	picks := d.selectBest(analyses)

	signals := make([]*models.Signal, 0, len(picks))
	for _, a := range picks {
		if err := ctx.Err(); err != nil {
			return signals, err
		}
		sig, err := d.emit(ctx, a)
		if err != nil {
			d.logger.WithError(err).WithField("symbol", a.candidate.Symbol).Error("Failed to emit signal")
			continue
		}
		if sig != nil {
			signals = append(signals, sig)
		}
	}

	return signals, nil
}

// dedupeCandidates drops repeated (symbol, asset class) pairs, keeping
// the first occurrence
func dedupeCandidates(candidates []models.Candidate) []models.Candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := strings.ToUpper(c.Symbol) + "|" + string(c.AssetClass.Normalize())
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// analyzeAll fans candidates out over a bounded worker pool. Price is
// fetched before TA so a dead symbol never burns a scanner slot.
func (d *Dispatcher) analyzeAll(ctx context.Context, candidates []models.Candidate) []analysis {
	limit := d.cfg.MaxConcurrentAnalyses
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make([]analysis, 0, len(candidates))

	for _, c := range candidates {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return results
		}

		wg.Add(1)
		go func(c models.Candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			a, err := d.analyze(ctx, c)
			if err != nil {
				d.logger.WithError(err).WithField("symbol", c.Symbol).Debug("Candidate analysis failed")
				return
			}

			mu.Lock()
			results = append(results, a)
			mu.Unlock()
		}(c)
	}

	wg.Wait()
	return results
}

func (d *Dispatcher) analyze(ctx context.Context, c models.Candidate) (analysis, error) {
	price, err := d.prices.GetPriceContext(ctx, c.PriceSymbol, c.AssetClass)
	if err != nil {
		return analysis{}, fmt.Errorf("price: %w", err)
	}

	recs, err := d.ta.GetRecommendations(ctx, c)
	if err != nil {
		return analysis{}, fmt.Errorf("recommendations: %w", err)
	}

	score := Score(recs)
	d.logger.WithFields(logrus.Fields{
		"symbol": c.Symbol,
		"score":  score,
		"price":  price.CurrentPrice,
	}).Debug("Candidate analyzed")

	return analysis{candidate: c, recs: recs, score: score}, nil
}

// selectBest picks the highest-scoring analysis per asset class that
// clears the minimum score. When nothing clears the bar, the single
// best analysis overall is kept so a cycle never comes up empty-handed.
func (d *Dispatcher) selectBest(analyses []analysis) []analysis {
	sort.SliceStable(analyses, func(i, j int) bool {
		return analyses[i].score > analyses[j].score
	})

	picks := make([]analysis, 0, 2)
	byClass := make(map[models.AssetClass]bool, 2)
	for _, a := range analyses {
		class := a.candidate.AssetClass.Normalize()
		if byClass[class] || a.score < d.cfg.MinScoreThreshold {
			continue
		}
		byClass[class] = true
		picks = append(picks, a)
	}

	if len(picks) == 0 {
		best := analyses[0]
		d.logger.WithFields(logrus.Fields{
			"symbol": best.candidate.Symbol,
			"score":  best.score,
		}).Info("No candidate cleared the score threshold, keeping best overall")
		picks = append(picks, best)
	}

	return picks
}

// emit persists one analysis as a signal and pushes it out. Returns
// (nil, nil) when the signal was suppressed as a duplicate.
func (d *Dispatcher) emit(ctx context.Context, a analysis) (*models.Signal, error) {
	c := a.candidate
	window := time.Duration(d.cfg.DuplicateWindowMinutes) * time.Minute

	// Fail closed: if the duplicate check cannot run, skip rather than
	// risk double-posting the same setup.
	recent, err := d.store.HasRecentSignal(ctx, c.Symbol, window)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if recent {
		d.logger.WithField("symbol", c.Symbol).Info("Skipping duplicate signal")
		return nil, nil
	}

	// The analysis price is minutes old by selection time. Re-fetch so
	// the stored entry reflects the price at emission; a dead quote
	// drops this candidate only.
	price, err := d.prices.GetPriceContext(ctx, c.PriceSymbol, c.AssetClass)
	if err != nil {
		return nil, fmt.Errorf("final price: %w", err)
	}

	now := time.Now().UTC()
	details := BuildDetails(c, price, a.recs, a.score, now)

	sig := &models.Signal{
		Symbol:        c.Symbol,
		DisplaySymbol: c.Display,
		Direction:     DirectionFromScore(a.score),
		Price:         price.CurrentPrice,
		Strength:      Strength(a.score),
		AssetClass:    c.AssetClass.Normalize(),
		Details:       details,
		Status:        models.SignalStatusActive,
		CreatedAt:     now,
	}

	id, err := d.store.CreateSignal(ctx, sig, window)
	if err != nil {
		return nil, fmt.Errorf("create signal: %w", err)
	}
	if id == 0 {
		// Store-level duplicate suppression caught a race the
		// pre-check missed.
		return nil, nil
	}
	sig.ID = id

	chartPNG := d.renderChart(ctx, c, price)

	if d.notifier != nil {
		messageID, channelID, err := d.notifier.PostSignal(ctx, sig, chartPNG)
		if err != nil {
			d.logger.WithError(err).WithField("symbol", c.Symbol).Error("Failed to post signal")
		} else if messageID != "" {
			sig.MessageID = messageID
			sig.ChannelID = channelID
			if err := d.store.SetSignalMessage(ctx, id, messageID, channelID); err != nil {
				d.logger.WithError(err).WithField("signal_id", id).Error("Failed to record message correlation")
			}
			if d.messages != nil {
				if err := d.messages.SetMessageSignal(ctx, messageID, id, messageCorrelationTTL); err != nil {
					d.logger.WithError(err).WithField("signal_id", id).Debug("Failed to cache message correlation")
				}
			}
		}

		d.notifySubscribers(ctx, sig)
	}

	if d.publisher != nil {
		if err := d.publisher.PublishSignalCreated(ctx, sig); err != nil {
			d.logger.WithError(err).WithField("signal_id", id).Error("Failed to publish signal event")
		}
	}

	d.logger.WithFields(logrus.Fields{
		"signal_id": id,
		"symbol":    c.Symbol,
		"score":     a.score,
		"direction": sig.Direction,
	}).Info("Signal emitted")

	return sig, nil
}

// renderChart tries a few times before giving up. A missing chart is
// never a reason to drop the signal itself.
func (d *Dispatcher) renderChart(ctx context.Context, c models.Candidate, price *models.PriceContext) []byte {
	if d.chart == nil {
		return nil
	}

	attempts := 3
	gap := 1500 * time.Millisecond
	if d.chartCfg != nil {
		if d.chartCfg.MaxAttempts > 0 {
			attempts = d.chartCfg.MaxAttempts
		}
		if d.chartCfg.RetryDelay > 0 {
			gap = d.chartCfg.RetryDelay
		}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, gap); err != nil {
				return nil
			}
		}
		png, err := d.chart.Render(ctx, c, price)
		if err == nil {
			return png
		}
		lastErr = err
	}

	d.logger.WithError(lastErr).WithField("symbol", c.Symbol).Warn("Chart rendering failed, posting without chart")
	return nil
}

func (d *Dispatcher) notifySubscribers(ctx context.Context, sig *models.Signal) {
	userIDs, err := d.store.GetSymbolSubscribers(ctx, sig.Symbol)
	if err != nil {
		d.logger.WithError(err).WithField("symbol", sig.Symbol).Error("Failed to load subscribers")
		return
	}
	if len(userIDs) == 0 {
		return
	}

	if err := d.notifier.NotifySubscribers(ctx, userIDs, sig); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"symbol":      sig.Symbol,
			"subscribers": len(userIDs),
		}).Error("Failed to notify subscribers")
	}
}
