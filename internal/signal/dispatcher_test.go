package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

type stubSignalStore struct {
	mu        sync.Mutex
	recent    bool
	recentErr error
	nextID    int64
	createErr error

	created     []*models.Signal
	messages    map[int64]string
	subscribers []string
}

func (s *stubSignalStore) HasRecentSignal(ctx context.Context, symbol string, window time.Duration) (bool, error) {
	return s.recent, s.recentErr
}

func (s *stubSignalStore) CreateSignal(ctx context.Context, sig *models.Signal, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.nextID++
	s.created = append(s.created, sig)
	return s.nextID, nil
}

func (s *stubSignalStore) SetSignalMessage(ctx context.Context, signalID int64, messageID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = make(map[int64]string)
	}
	s.messages[signalID] = messageID
	return nil
}

func (s *stubSignalStore) GetSymbolSubscribers(ctx context.Context, symbol string) ([]string, error) {
	return s.subscribers, nil
}

type stubTASource struct {
	mu    sync.Mutex
	recs  map[string]models.RecommendationMap
	err   error
	calls int
}

func (s *stubTASource) GetRecommendations(ctx context.Context, c models.Candidate) (models.RecommendationMap, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	recs, ok := s.recs[c.Symbol]
	if !ok {
		return nil, errors.New("no recommendations")
	}
	return recs.Clone(), nil
}

type countingPriceSource struct {
	mu    sync.Mutex
	price *models.PriceContext
	err   error
	calls int
}

func (s *countingPriceSource) GetPriceContext(ctx context.Context, symbol string, hint models.AssetClass) (*models.PriceContext, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.price.Clone(), nil
}

type stubNotifier struct {
	messageID string
	channelID string
	postErr   error

	posted   []*models.Signal
	notified [][]string
}

func (s *stubNotifier) PostSignal(ctx context.Context, sig *models.Signal, chartPNG []byte) (string, string, error) {
	if s.postErr != nil {
		return "", "", s.postErr
	}
	s.posted = append(s.posted, sig)
	return s.messageID, s.channelID, nil
}

func (s *stubNotifier) NotifySubscribers(ctx context.Context, userIDs []string, sig *models.Signal) error {
	s.notified = append(s.notified, userIDs)
	return nil
}

type stubEventPublisher struct {
	created []int64
}

func (s *stubEventPublisher) PublishSignalCreated(ctx context.Context, sig *models.Signal) error {
	s.created = append(s.created, sig.ID)
	return nil
}

type stubChart struct {
	png   []byte
	err   error
	calls int
}

func (s *stubChart) Render(ctx context.Context, c models.Candidate, price *models.PriceContext) ([]byte, error) {
	s.calls++
	return s.png, s.err
}

type stubMessageIndex struct {
	mu      sync.Mutex
	entries map[string]int64
	lastTTL time.Duration
}

func (s *stubMessageIndex) SetMessageSignal(ctx context.Context, messageID string, signalID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]int64)
	}
	s.entries[messageID] = signalID
	s.lastTTL = ttl
	return nil
}

// shiftingPriceSource hands out one quote per call, repeating the last.
// A nil entry fails that call.
type shiftingPriceSource struct {
	mu     sync.Mutex
	prices []*models.PriceContext
	calls  int
}

func (s *shiftingPriceSource) GetPriceContext(ctx context.Context, symbol string, hint models.AssetClass) (*models.PriceContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.prices) {
		i = len(s.prices) - 1
	}
	if s.prices[i] == nil {
		return nil, errors.New("quote unavailable")
	}
	return s.prices[i].Clone(), nil
}

func candidateFor(symbol string, class models.AssetClass) models.Candidate {
	c := models.Candidate{
		Symbol:      symbol,
		Display:     symbol,
		PriceSymbol: symbol,
		TASymbol:    symbol,
		Exchange:    "NASDAQ",
		Screener:    "america",
		AssetClass:  class,
	}
	if class == models.AssetClassCrypto {
		c.Exchange = "BINANCE"
		c.Screener = "crypto"
	}
	return c
}

func strongRecs() models.RecommendationMap {
	return models.RecommendationMap{"5m": models.Buy, "15m": models.Buy, "1h": models.Buy, "1d": models.StrongBuy} // score 14
}

func mildRecs() models.RecommendationMap {
	return models.RecommendationMap{"1d": models.Buy} // score 4
}

func weakRecs() models.RecommendationMap {
	return models.RecommendationMap{"5m": models.Buy} // score 1
}

func newTestDispatcher(store *stubSignalStore, prices PriceSource, ta *stubTASource, chart *stubChart, notifier *stubNotifier, pub *stubEventPublisher) *Dispatcher {
	var chartSrc ChartSource
	if chart != nil {
		chartSrc = chart
	}
	var notif Notifier
	if notifier != nil {
		notif = notifier
	}
	var publisher Publisher
	if pub != nil {
		publisher = pub
	}
	d := NewDispatcher(store, prices, ta, chartSrc, notif, publisher, nil, testSignalsConfig(), nil, testLogger())
	d.sleep = func(ctx context.Context, dur time.Duration) error { return nil }
	return d
}

func TestDispatchPicksBestPerAssetClass(t *testing.T) {
	store := &stubSignalStore{}
	prices := &countingPriceSource{price: testPriceContext()}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{
		"AAPL":    strongRecs(),
		"MSFT":    mildRecs(),
		"BTC-USD": mildRecs(),
	}}
	pub := &stubEventPublisher{}
	d := newTestDispatcher(store, prices, ta, nil, nil, pub)

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
		candidateFor("MSFT", models.AssetClassEquity),
		candidateFor("BTC-USD", models.AssetClassCrypto),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(signals) != 2 {
		t.Fatalf("got %d signals, want 2 (one per asset class)", len(signals))
	}
	bySymbol := map[string]*models.Signal{}
	for _, sig := range signals {
		bySymbol[sig.Symbol] = sig
	}
	if bySymbol["AAPL"] == nil {
		t.Error("expected AAPL to beat MSFT for the equity slot")
	}
	if bySymbol["BTC-USD"] == nil {
		t.Error("expected the crypto candidate to be kept")
	}
	if len(pub.created) != 2 {
		t.Errorf("published events = %v, want 2", pub.created)
	}
}

func TestDispatchDeduplicatesCandidates(t *testing.T) {
	store := &stubSignalStore{}
	prices := &countingPriceSource{price: testPriceContext()}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{"AAPL": strongRecs()}}
	d := newTestDispatcher(store, prices, ta, nil, nil, nil)

	_, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
		candidateFor("AAPL", models.AssetClassEquity),
		candidateFor("aapl", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if ta.calls != 1 {
		t.Errorf("analyses = %d, want 1 after dedupe", ta.calls)
	}
}

func TestDispatchFallsBackToBestOverall(t *testing.T) {
	store := &stubSignalStore{}
	prices := &countingPriceSource{price: testPriceContext()}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{
		"AAPL": weakRecs(), // score 1, below threshold 3
	}}
	d := newTestDispatcher(store, prices, ta, nil, nil, nil)

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(signals) != 1 || signals[0].Symbol != "AAPL" {
		t.Fatalf("signals = %+v, want the best-overall fallback", signals)
	}
}

func TestDispatchDuplicateCheckFailsClosed(t *testing.T) {
	store := &stubSignalStore{recentErr: errors.New("db down")}
	prices := &countingPriceSource{price: testPriceContext()}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{"AAPL": strongRecs()}}
	d := newTestDispatcher(store, prices, ta, nil, nil, nil)

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("signals = %+v, want none when the duplicate check errors", signals)
	}
	if len(store.created) != 0 {
		t.Errorf("created = %d, want 0", len(store.created))
	}
}

func TestDispatchSkipsRecentDuplicate(t *testing.T) {
	store := &stubSignalStore{recent: true}
	prices := &countingPriceSource{price: testPriceContext()}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{"AAPL": strongRecs()}}
	d := newTestDispatcher(store, prices, ta, nil, nil, nil)

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(signals) != 0 || len(store.created) != 0 {
		t.Errorf("signals = %d created = %d, want 0/0 for a duplicate", len(signals), len(store.created))
	}
}

func TestDispatchRecordsMessageCorrelation(t *testing.T) {
	store := &stubSignalStore{subscribers: []string{"u1", "u2"}}
	prices := &countingPriceSource{price: testPriceContext()}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{"AAPL": strongRecs()}}
	notifier := &stubNotifier{messageID: "msg-1", channelID: "chan-1"}
	index := &stubMessageIndex{}
	d := newTestDispatcher(store, prices, ta, nil, notifier, nil)
	d.messages = index

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}

	sig := signals[0]
	if sig.MessageID != "msg-1" || sig.ChannelID != "chan-1" {
		t.Errorf("correlation = %q/%q, want msg-1/chan-1", sig.MessageID, sig.ChannelID)
	}
	if store.messages[sig.ID] != "msg-1" {
		t.Errorf("stored message = %q, want msg-1", store.messages[sig.ID])
	}
	if index.entries["msg-1"] != sig.ID {
		t.Errorf("cached correlation = %d, want %d", index.entries["msg-1"], sig.ID)
	}
	if index.lastTTL != messageCorrelationTTL {
		t.Errorf("correlation ttl = %v, want %v", index.lastTTL, messageCorrelationTTL)
	}
	if len(notifier.notified) != 1 || len(notifier.notified[0]) != 2 {
		t.Errorf("subscriber notifications = %+v, want one batch of 2", notifier.notified)
	}
}

func TestDispatchChartFailureIsNonFatal(t *testing.T) {
	store := &stubSignalStore{}
	prices := &countingPriceSource{price: testPriceContext()}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{"AAPL": strongRecs()}}
	chart := &stubChart{err: errors.New("render failed")}
	notifier := &stubNotifier{messageID: "msg-1"}
	d := newTestDispatcher(store, prices, ta, chart, notifier, nil)
	d.chartCfg = &config.ChartConfig{MaxAttempts: 2, RetryDelay: time.Millisecond}

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1 despite chart failure", len(signals))
	}
	if chart.calls != 2 {
		t.Errorf("chart attempts = %d, want the configured 2", chart.calls)
	}
	if len(notifier.posted) != 1 {
		t.Errorf("posted = %d, want 1", len(notifier.posted))
	}
}

func TestDispatchUsesEmissionPrice(t *testing.T) {
	store := &stubSignalStore{}
	analyzed := testPriceContext()
	final := testPriceContext()
	final.CurrentPrice = analyzed.CurrentPrice + 2.5
	prices := &shiftingPriceSource{prices: []*models.PriceContext{analyzed, final}}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{"AAPL": strongRecs()}}
	d := newTestDispatcher(store, prices, ta, nil, nil, nil)

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
	if signals[0].Price != final.CurrentPrice {
		t.Errorf("signal price = %v, want the emission-time quote %v", signals[0].Price, final.CurrentPrice)
	}
	if prices.calls != 2 {
		t.Errorf("price calls = %d, want analysis plus emission", prices.calls)
	}
}

func TestDispatchAbortsCandidateWhenEmissionQuoteFails(t *testing.T) {
	store := &stubSignalStore{}
	prices := &shiftingPriceSource{prices: []*models.PriceContext{testPriceContext(), nil}}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{"AAPL": strongRecs()}}
	d := newTestDispatcher(store, prices, ta, nil, nil, nil)

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("signals = %+v, want none when the emission quote fails", signals)
	}
	if len(store.created) != 0 {
		t.Errorf("created = %d, want 0", len(store.created))
	}
}

func TestDispatchSkipsFailedCandidates(t *testing.T) {
	store := &stubSignalStore{}
	prices := &countingPriceSource{err: errors.New("all providers down")}
	ta := &stubTASource{recs: map[string]models.RecommendationMap{"AAPL": strongRecs()}}
	d := newTestDispatcher(store, prices, ta, nil, nil, nil)

	signals, err := d.Dispatch(context.Background(), []models.Candidate{
		candidateFor("AAPL", models.AssetClassEquity),
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("signals = %+v, want none", signals)
	}
	if ta.calls != 0 {
		t.Errorf("ta calls = %d, want 0 when price fails first", ta.calls)
	}
}
