package signal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// EvaluationStore is the slice of the signal store the evaluator reads
// and writes
type EvaluationStore interface {
	GetSignalsForEvaluation(ctx context.Context, recheck time.Duration, limit int) ([]*models.Signal, error)
	UpdateSignalPerformance(ctx context.Context, signalID int64, details models.SignalDetails, newStatus models.SignalStatus) error
}

// BarSource provides historical bars at an arbitrary interval and range
type BarSource interface {
	GetBars(ctx context.Context, symbol, interval, dataRange string) ([]models.Bar, error)
}

// ResolutionPublisher announces terminal evaluation outcomes
type ResolutionPublisher interface {
	PublishSignalResolved(ctx context.Context, signal *models.Signal) error
}

// BarArchive persists the bars an evaluation pass walked. Best-effort:
// archive failures never block an evaluation.
type BarArchive interface {
	WriteEvaluationBars(ctx context.Context, signalID int64, interval string, bars []models.Bar) error
	WriteResolution(ctx context.Context, signal *models.Signal, perf *models.Performance) error
}

// Evaluator re-checks open signals against fresh bars and resolves them
// when a target or stop level is crossed
type Evaluator struct {
	store     EvaluationStore
	bars      BarSource
	prices    PriceSource
	archive   BarArchive
	publisher ResolutionPublisher
	cfg       *config.SignalsConfig
	logger    *logrus.Entry

	now func() time.Time
}

// NewEvaluator creates a signal evaluator
func NewEvaluator(store EvaluationStore, bars BarSource, prices PriceSource, archive BarArchive, publisher ResolutionPublisher, cfg *config.SignalsConfig, logger *logrus.Logger) *Evaluator {
	return &Evaluator{
		store:     store,
		bars:      bars,
		prices:    prices,
		archive:   archive,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.WithField("component", "evaluator"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateBatch pulls the next batch of due signals and evaluates each.
// Returns the number of signals that reached a terminal state.
func (e *Evaluator) EvaluateBatch(ctx context.Context) (int, error) {
	recheck := time.Duration(e.cfg.PerformanceRecheckMinutes) * time.Minute
	signals, err := e.store.GetSignalsForEvaluation(ctx, recheck, e.cfg.PerformanceBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to load signals for evaluation: %w", err)
	}
	if len(signals) == 0 {
		return 0, nil
	}

	resolved := 0
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		done, err := e.Evaluate(ctx, sig)
		if err != nil {
			e.logger.WithError(err).WithField("signal_id", sig.ID).Error("Evaluation failed")
			continue
		}
		if done {
			resolved++
		}
	}

	return resolved, nil
}

// Evaluate runs one evaluation pass over a signal. Returns true when the
// signal reached a terminal state in this pass.
func (e *Evaluator) Evaluate(ctx context.Context, sig *models.Signal) (bool, error) {
	perf := sig.Details.Performance
	if perf == nil {
		perf = e.seedPerformance(sig)
		sig.Details.Performance = perf
	}

	// Resolved signals should never be handed to us; the query filters
	// them out, but a stale row is cheap to skip.
	if perf.Status.Resolved() {
		e.logger.WithField("signal_id", sig.ID).Warn("Skipping already resolved signal")
		return false, nil
	}

	now := e.now()
	interval, dataRange := evaluationWindow(now.Sub(sig.CreatedAt))

	symbol := sig.Details.PriceSymbol
	if symbol == "" {
		symbol = sig.Symbol
	}

	bars, err := e.bars.GetBars(ctx, symbol, interval, dataRange)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"signal_id": sig.ID,
			"interval":  interval,
		}).Debug("Bar fetch failed, falling back to live price")
		bars = nil
	}
	bars = barsAfter(bars, sig.CreatedAt)

	if len(bars) == 0 {
		if err := e.checkLivePrice(ctx, sig, perf); err != nil {
			return false, err
		}
	} else {
		e.walkBars(sig, perf, bars)
	}

	perf.EvaluatedAt = now
	newStatus := sig.Status
	if perf.Status.Resolved() {
		perf.ResolvedAt = &now
		perf.TimeToResolutionMinutes = now.Sub(sig.CreatedAt).Minutes()
		if perf.Status == models.PerformanceTargetHit {
			newStatus = models.SignalStatusCompleted
		} else {
			newStatus = models.SignalStatusClosed
		}
		sig.Details.AdminNotify = &models.AdminNotify{
			Pending:        true,
			SignalID:       sig.ID,
			LastResolvedAt: &now,
		}
	}

	if err := e.store.UpdateSignalPerformance(ctx, sig.ID, sig.Details, newStatus); err != nil {
		return false, fmt.Errorf("failed to store evaluation: %w", err)
	}
	sig.Status = newStatus

	if e.archive != nil && len(bars) > 0 {
		if err := e.archive.WriteEvaluationBars(ctx, sig.ID, interval, bars); err != nil {
			e.logger.WithError(err).WithField("signal_id", sig.ID).Debug("Failed to archive evaluation bars")
		}
	}

	if !perf.Status.Resolved() {
		return false, nil
	}

	e.logger.WithFields(logrus.Fields{
		"signal_id":    sig.ID,
		"symbol":       sig.Symbol,
		"status":       perf.Status,
		"targets_hit":  perf.TargetsHit,
		"minutes_open": int(perf.TimeToResolutionMinutes),
	}).Info("Signal resolved")

	if e.archive != nil {
		if err := e.archive.WriteResolution(ctx, sig, perf); err != nil {
			e.logger.WithError(err).WithField("signal_id", sig.ID).Debug("Failed to archive resolution")
		}
	}
	if e.publisher != nil {
		if err := e.publisher.PublishSignalResolved(ctx, sig); err != nil {
			e.logger.WithError(err).WithField("signal_id", sig.ID).Error("Failed to publish resolution event")
		}
	}

	return true, nil
}

// seedPerformance builds an open snapshot for signals persisted before
// performance tracking existed
func (e *Evaluator) seedPerformance(sig *models.Signal) *models.Performance {
	perf := &models.Performance{
		Status:     models.PerformanceOpen,
		Direction:  sig.Direction,
		EntryPrice: sig.Price,
		LastPrice:  sig.Price,
		CreatedAt:  sig.CreatedAt,
	}
	if len(sig.Details.Targets) > 0 {
		perf.TargetsTotal = len(sig.Details.Targets)
		perf.NextTargetLabel = sig.Details.Targets[0].Label
		perf.NextTargetPrice = sig.Details.Targets[0].Price
	}
	if sig.Details.Stop != nil {
		perf.StopPrice = sig.Details.Stop.Price
	}
	return perf
}

// evaluationWindow picks bar resolution by signal age: fine bars while
// the signal is young, coarser ones as the lookback grows past what the
// upstream serves at high resolution
func evaluationWindow(age time.Duration) (interval, dataRange string) {
	switch {
	case age <= 48*time.Hour:
		return "5m", "1d"
	case age <= 7*24*time.Hour:
		return "15m", "5d"
	default:
		return "1h", "1mo"
	}
}

func barsAfter(bars []models.Bar, cutoff time.Time) []models.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if b.Timestamp.After(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

// walkBars replays the bar series in order, updating excursion stats
// and checking targets before the stop within each bar. The first bar
// to cross a target resolves the signal as a hit; the first to cross
// the stop without a target resolves it as stopped. When a single bar
// spans both levels the target reading wins, matching how partial fills
// are reported upstream.
func (e *Evaluator) walkBars(sig *models.Signal, perf *models.Performance, bars []models.Bar) {
	entry := perf.EntryPrice
	if entry == 0 {
		entry = sig.Price
	}
	targets := sortedTargets(perf.Direction, sig.Details.Targets)

	for _, bar := range bars {
		perf.BarsChecked++
		perf.LastPrice = bar.Close

		if perf.HighPrice == 0 || bar.High > perf.HighPrice {
			perf.HighPrice = bar.High
		}
		if perf.LowPrice == 0 || bar.Low < perf.LowPrice {
			perf.LowPrice = bar.Low
		}

		if entry > 0 {
			gain := favorableMovePct(perf.Direction, entry, bar)
			if gain > perf.MaxGainPct {
				perf.MaxGainPct = gain
			}
			adverse := adverseMovePct(perf.Direction, entry, bar)
			if adverse < perf.MaxDrawdownPct {
				perf.MaxDrawdownPct = adverse
			}
			perf.CurrentMovePct = movePct(perf.Direction, entry, bar.Close)
		}

		crossed := false
		for perf.TargetsHit < len(targets) && crossedTarget(perf.Direction, bar, targets[perf.TargetsHit].Price) {
			hit := targets[perf.TargetsHit]
			perf.TargetsHit++
			perf.TargetLabel = hit.Label
			perf.TargetPrice = hit.Price
			crossed = true
		}
		if crossed {
			perf.Status = models.PerformanceTargetHit
			perf.NextTargetLabel = ""
			perf.NextTargetPrice = 0
			perf.NextTargetPct = 0
			return
		}

		if perf.StopPrice > 0 && crossedStop(perf.Direction, bar, perf.StopPrice) {
			perf.Status = models.PerformanceStopHit
			return
		}
	}

	if perf.TargetsHit < len(targets) {
		next := targets[perf.TargetsHit]
		perf.NextTargetLabel = next.Label
		perf.NextTargetPrice = next.Price
		if entry > 0 {
			perf.NextTargetPct = models.PercentChange(next.Price, entry)
		}
	}
}

// sortedTargets orders targets toward the favorable direction: rising
// prices for a buy, falling for a sell. Stored order is not trusted.
func sortedTargets(dir models.Direction, targets []models.Target) []models.Target {
	out := make([]models.Target, len(targets))
	copy(out, targets)
	sort.SliceStable(out, func(i, j int) bool {
		if dir == models.DirectionSell {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// checkLivePrice falls back to a single spot check when no bars landed
// after the signal was posted. It only keeps the last price and the
// excursion stats fresh; a spot quote carries no bar range, so it never
// resolves the signal.
func (e *Evaluator) checkLivePrice(ctx context.Context, sig *models.Signal, perf *models.Performance) error {
	symbol := sig.Details.PriceSymbol
	if symbol == "" {
		symbol = sig.Symbol
	}

	price, err := e.prices.GetPriceContext(ctx, symbol, sig.AssetClass)
	if err != nil {
		return fmt.Errorf("live price check: %w", err)
	}

	spot := price.CurrentPrice
	perf.LastPrice = spot
	if perf.HighPrice == 0 || spot > perf.HighPrice {
		perf.HighPrice = spot
	}
	if perf.LowPrice == 0 || spot < perf.LowPrice {
		perf.LowPrice = spot
	}

	entry := perf.EntryPrice
	if entry == 0 {
		entry = sig.Price
	}
	if entry > 0 {
		move := movePct(perf.Direction, entry, spot)
		perf.CurrentMovePct = move
		if move > perf.MaxGainPct {
			perf.MaxGainPct = move
		}
		if move < perf.MaxDrawdownPct {
			perf.MaxDrawdownPct = move
		}
	}

	return nil
}

func crossedTarget(dir models.Direction, bar models.Bar, target float64) bool {
	if dir == models.DirectionSell {
		return bar.Low <= target
	}
	return bar.High >= target
}

func crossedStop(dir models.Direction, bar models.Bar, stop float64) bool {
	if dir == models.DirectionSell {
		return bar.High >= stop
	}
	return bar.Low <= stop
}

func movePct(dir models.Direction, entry, price float64) float64 {
	pct := models.PercentChange(price, entry)
	if dir == models.DirectionSell {
		return -pct
	}
	return pct
}

func favorableMovePct(dir models.Direction, entry float64, bar models.Bar) float64 {
	if dir == models.DirectionSell {
		return movePct(dir, entry, bar.Low)
	}
	return movePct(dir, entry, bar.High)
}

func adverseMovePct(dir models.Direction, entry float64, bar models.Bar) float64 {
	if dir == models.DirectionSell {
		return movePct(dir, entry, bar.High)
	}
	return movePct(dir, entry, bar.Low)
}
