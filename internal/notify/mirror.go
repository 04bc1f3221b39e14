package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// WebsiteMirror forwards signal mutations to the companion website. All
// calls are best effort: failures are logged at debug level and never
// surfaced to the caller, mirroring the write-through-and-forget contract
// the site expects.
type WebsiteMirror struct {
	httpClient *http.Client
	baseURL    string
	botToken   string
	logger     *logrus.Entry
}

// NewWebsiteMirror creates a mirror. Returns nil when no site URL is
// configured; the store treats a nil mirror as disabled.
func NewWebsiteMirror(cfg *config.MirrorConfig, logger *logrus.Logger) *WebsiteMirror {
	if cfg.SignalURL == "" {
		return nil
	}
	return &WebsiteMirror{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.SignalURL, "/"),
		botToken:   cfg.BotToken,
		logger:     logger.WithField("component", "mirror"),
	}
}

func (m *WebsiteMirror) send(ctx context.Context, method, url string, payload interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal mirror payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create mirror request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.botToken != "" {
		req.Header.Set("x-bot-key", m.botToken)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mirror request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("mirror returned status %d: %s", resp.StatusCode, snippet)
	}

	return nil
}

// SignalCreated mirrors a freshly created signal to the site
func (m *WebsiteMirror) SignalCreated(ctx context.Context, signal *models.Signal) {
	direction := "BUY"
	if signal.Direction == models.DirectionSell {
		direction = "SELL"
	}

	payload := map[string]interface{}{
		"symbol":         strings.ToUpper(signal.Symbol),
		"displaySymbol":  strings.ToUpper(signal.DisplaySymbol),
		"type":           direction,
		"price":          signal.Price,
		"signalStrength": signal.Strength,
		"assetType":      string(signal.AssetClass),
		"details":        signal.Details,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if err := m.send(ctx, http.MethodPost, m.baseURL, payload); err != nil {
		m.logger.WithError(err).WithField("symbol", signal.Symbol).Debug("Mirror create failed")
	}
}

// SignalUpdated mirrors a status or performance change
func (m *WebsiteMirror) SignalUpdated(ctx context.Context, signalID int64, status models.SignalStatus, details *models.SignalDetails) {
	payload := map[string]interface{}{
		"status": string(status),
	}
	if details != nil {
		payload["details"] = details
		if details.Performance != nil {
			payload["performance"] = string(details.Performance.Status)
		}
	}

	url := fmt.Sprintf("%s/%d", m.baseURL, signalID)
	if err := m.send(ctx, http.MethodPatch, url, payload); err != nil {
		m.logger.WithError(err).WithField("signal_id", signalID).Debug("Mirror update failed")
	}
}

// SignalDeleted mirrors a deletion
func (m *WebsiteMirror) SignalDeleted(ctx context.Context, signalID int64) {
	url := fmt.Sprintf("%s/%d", m.baseURL, signalID)
	if err := m.send(ctx, http.MethodDelete, url, nil); err != nil {
		m.logger.WithError(err).WithField("signal_id", signalID).Debug("Mirror delete failed")
	}
}
