package external

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestCoinGeckoCloseStopsRateLimiter(t *testing.T) {
	c := NewCoinGeckoClient("", testLogger())

	c.Close()
	c.Close() // idempotent

	select {
	case <-c.done:
	default:
		t.Fatal("done channel should be closed after Close")
	}
}

func TestResolveCoinIDStripsPairSuffixes(t *testing.T) {
	c := NewCoinGeckoClient("", testLogger())
	defer c.Close()

	cases := map[string]string{
		"BTC-USD":  "bitcoin",
		"ETHUSDT":  "ethereum",
		"DOGEUSD":  "dogecoin",
		"sol":      "solana",
		"NEWCOIN":  "newcoin", // unmapped symbols pass through lowercased
	}
	for symbol, want := range cases {
		if got := c.ResolveCoinID(symbol); got != want {
			t.Errorf("ResolveCoinID(%q) = %q, want %q", symbol, got, want)
		}
	}
}
