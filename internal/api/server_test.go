package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	"github.com/signals-back/internal/cache"
	"github.com/signals-back/internal/tickers"
	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

type stubPriceSource struct {
	price *models.PriceContext
	err   error
	calls int
}

func (s *stubPriceSource) GetPriceContext(ctx context.Context, symbol string, hint models.AssetClass) (*models.PriceContext, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.price.Clone(), nil
}

func newTestServer(t *testing.T, prices PriceSource) (*Server, *cache.RedisClient) {
	t.Helper()

	mr := miniredis.RunT(t)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	rc, err := cache.NewRedisClientFromAddr(mr.Addr(), logger)
	if err != nil {
		t.Fatalf("failed to connect to test redis: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	cfg := &config.Config{}
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Tickers.Timeout = time.Second

	provider := tickers.NewProvider(&cfg.Tickers, logger)
	srv := NewServer(cfg, logger, nil, nil, rc, nil, provider, prices)
	return srv, rc
}

func TestGetPriceCachesSnapshot(t *testing.T) {
	prices := &stubPriceSource{price: &models.PriceContext{
		AssetClass:   models.AssetClassEquity,
		CurrentPrice: 189.5,
		CompanyName:  "Apple Inc.",
	}}
	srv, rc := newTestServer(t, prices)

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/symbols/AAPL/price", nil)
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, req)
		return rr
	}

	rr := get()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got models.PriceContext
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.CurrentPrice != 189.5 {
		t.Errorf("current price = %v, want 189.5", got.CurrentPrice)
	}

	// The snapshot is cached under the resolved price symbol even when
	// the upstream quote omits it.
	snapshot, err := rc.GetPriceSnapshot(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("GetPriceSnapshot returned error: %v", err)
	}
	if snapshot == nil {
		t.Fatal("expected the handler to cache the snapshot")
	}
	if snapshot.Symbol != "AAPL" {
		t.Errorf("cached symbol = %q, want AAPL", snapshot.Symbol)
	}

	if rr := get(); rr.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", rr.Code)
	}
	if prices.calls != 1 {
		t.Errorf("price source calls = %d, want 1 (second hit served from cache)", prices.calls)
	}
}

func TestGetPriceUpstreamFailure(t *testing.T) {
	prices := &stubPriceSource{err: errors.New("quote feed down")}
	srv, _ := newTestServer(t, prices)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/symbols/TSLA/price", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestAddAlertRejectsBadThreshold(t *testing.T) {
	srv, _ := newTestServer(t, &stubPriceSource{})

	body := strings.NewReader(`{"symbol":"AAPL","threshold":0,"alert_type":"above"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/u1/alerts", body)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a non-positive threshold", rr.Code)
	}
}

func TestResolveSymbolCryptoAlias(t *testing.T) {
	srv, _ := newTestServer(t, &stubPriceSource{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/symbols/btc/resolve", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got models.Candidate
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Symbol != "BTC-USD" || got.AssetClass != models.AssetClassCrypto {
		t.Errorf("candidate = %+v, want BTC-USD crypto", got)
	}
}
