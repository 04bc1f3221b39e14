package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

const (
	colorBuy      = 0x2ECC71
	colorSell     = 0xE74C3C
	colorResolved = 0x3498DB
)

// embed mirrors the subset of the Discord embed object the bot uses
type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Thumbnail   *embedImage  `json:"thumbnail,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

// webhookMessage is the response Discord returns when ?wait=true
type webhookMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// DiscordNotifier delivers signals and follow-ups through Discord
// webhooks
type DiscordNotifier struct {
	httpClient *http.Client
	cfg        *config.DiscordConfig
	logger     *logrus.Entry
}

// NewDiscordNotifier creates a Discord notifier. Returns nil when no
// signal webhook is configured.
func NewDiscordNotifier(cfg *config.DiscordConfig, logger *logrus.Logger) *DiscordNotifier {
	if cfg.SignalWebhookURL == "" {
		return nil
	}
	return &DiscordNotifier{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cfg:        cfg,
		logger:     logger.WithField("component", "discord"),
	}
}

// PostSignal posts a new signal embed, attaching the chart when one was
// rendered. Returns the posted message coordinates for correlation.
func (dn *DiscordNotifier) PostSignal(ctx context.Context, signal *models.Signal, chartPNG []byte) (string, string, error) {
	payload := webhookPayload{Embeds: []embed{signalEmbed(signal, len(chartPNG) > 0)}}

	msg, err := dn.execute(ctx, dn.cfg.SignalWebhookURL, payload, chartPNG)
	if err != nil {
		return "", "", err
	}

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = dn.cfg.SignalChannelID
	}
	return msg.ID, channelID, nil
}

// NotifySubscribers pings subscribed users under the signal post
func (dn *DiscordNotifier) NotifySubscribers(ctx context.Context, userIDs []string, signal *models.Signal) error {
	if len(userIDs) == 0 {
		return nil
	}

	mentions := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		mentions = append(mentions, fmt.Sprintf("<@%s>", id))
	}

	payload := webhookPayload{
		Content: fmt.Sprintf("%s — new %s signal for **%s**",
			strings.Join(mentions, " "), strings.ToUpper(string(signal.Direction)), signal.DisplaySymbol),
	}
	_, err := dn.execute(ctx, dn.cfg.SignalWebhookURL, payload, nil)
	return err
}

// PostResolution reports a resolved signal to the admin feedback channel
func (dn *DiscordNotifier) PostResolution(ctx context.Context, signal *models.Signal) error {
	url := dn.cfg.FeedbackWebhookURL
	if url == "" {
		url = dn.cfg.SignalWebhookURL
	}

	payload := webhookPayload{Embeds: []embed{resolutionEmbed(signal)}}
	_, err := dn.execute(ctx, url, payload, nil)
	return err
}

// PostAlert reports a fired price alert
func (dn *DiscordNotifier) PostAlert(ctx context.Context, alert *models.PriceAlert, price float64) error {
	direction := models.AlertAbove
	if alert.AlertType == models.AlertBelow {
		direction = models.AlertBelow
	}

	payload := webhookPayload{
		Content: fmt.Sprintf("<@%s> 🔔 **%s** is %s your alert level %.4f (now %.4f)",
			alert.UserID, alert.Symbol, direction, alert.Threshold, price),
	}
	_, err := dn.execute(ctx, dn.cfg.SignalWebhookURL, payload, nil)
	return err
}

// execute posts the payload with ?wait=true so Discord returns the
// created message. Chart bytes switch the request to multipart.
func (dn *DiscordNotifier) execute(ctx context.Context, webhookURL string, payload webhookPayload, chartPNG []byte) (*webhookMessage, error) {
	url := webhookURL
	if !strings.Contains(url, "wait=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "wait=true"
	}

	var req *http.Request
	var err error
	if len(chartPNG) > 0 {
		req, err = dn.multipartRequest(ctx, url, payload, chartPNG)
	} else {
		req, err = dn.jsonRequest(ctx, url, payload)
	}
	if err != nil {
		return nil, err
	}

	resp, err := dn.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, snippet)
	}

	var msg webhookMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		// Some webhook configurations return an empty body; the post
		// still succeeded, only correlation is lost.
		dn.logger.WithError(err).Debug("Could not decode webhook response")
		return &webhookMessage{}, nil
	}

	return &msg, nil
}

func (dn *DiscordNotifier) jsonRequest(ctx context.Context, url string, payload webhookPayload) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (dn *DiscordNotifier) multipartRequest(ctx context.Context, url string, payload webhookPayload, chartPNG []byte) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("payload_json", string(data)); err != nil {
		return nil, fmt.Errorf("failed to write payload field: %w", err)
	}
	part, err := writer.CreateFormFile("files[0]", "chart.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create chart part: %w", err)
	}
	if _, err := part.Write(chartPNG); err != nil {
		return nil, fmt.Errorf("failed to write chart bytes: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

func signalEmbed(signal *models.Signal, hasChart bool) embed {
	d := signal.Details

	color := colorBuy
	if signal.Direction == models.DirectionSell {
		color = colorSell
	}

	e := embed{
		Title:     fmt.Sprintf("%s %s Signal — %s", strings.ToUpper(string(signal.Direction)), d.Strength, signal.DisplaySymbol),
		URL:       d.ChartURL,
		Color:     color,
		Timestamp: d.PostedAt.Format(time.RFC3339),
		Footer:    &embedFooter{Text: fmt.Sprintf("Score %d · Confidence %s", d.Score, d.Confidence)},
	}

	if d.LogoURL != "" {
		e.Thumbnail = &embedImage{URL: d.LogoURL}
	}
	if hasChart {
		e.Image = &embedImage{URL: "attachment://chart.png"}
	}

	e.Fields = append(e.Fields, embedField{
		Name:   "Price",
		Value:  fmt.Sprintf("%.4f", d.CurrentPrice),
		Inline: true,
	})
	if d.HighOfDay > 0 {
		e.Fields = append(e.Fields, embedField{
			Name:   "High of Day",
			Value:  fmt.Sprintf("%.4f", d.HighOfDay),
			Inline: true,
		})
	}
	if d.Entry != nil {
		e.Fields = append(e.Fields, embedField{
			Name:   "Entry Zone",
			Value:  fmt.Sprintf("%.4f – %.4f", d.Entry.Low, d.Entry.High),
			Inline: true,
		})
	}
	for _, target := range d.Targets {
		e.Fields = append(e.Fields, embedField{
			Name:   target.Label,
			Value:  fmt.Sprintf("%.4f (%+.2f%%)", target.Price, target.Pct),
			Inline: true,
		})
	}
	if d.Stop != nil {
		e.Fields = append(e.Fields, embedField{
			Name:   "Stop",
			Value:  fmt.Sprintf("%.4f (%+.2f%%)", d.Stop.Price, d.Stop.Pct),
			Inline: true,
		})
	}
	if len(d.Timeframes) > 0 {
		var sb strings.Builder
		for _, tf := range models.Timeframes {
			if rec, ok := d.Timeframes[tf]; ok {
				fmt.Fprintf(&sb, "`%s` %s\n", tf, rec)
			}
		}
		e.Fields = append(e.Fields, embedField{
			Name:  "Timeframes",
			Value: strings.TrimRight(sb.String(), "\n"),
		})
	}

	return e
}

func resolutionEmbed(signal *models.Signal) embed {
	perf := signal.Details.Performance

	title := fmt.Sprintf("Signal resolved — %s", signal.DisplaySymbol)
	description := ""
	if perf != nil {
		switch perf.Status {
		case models.PerformanceTargetHit:
			description = fmt.Sprintf("🎯 Target hit (%s) · max gain %+.2f%%", perf.TargetLabel, perf.MaxGainPct)
		case models.PerformanceStopHit:
			description = fmt.Sprintf("🛑 Stop hit · max drawdown %+.2f%%", perf.MaxDrawdownPct)
		}
	}

	e := embed{
		Title:       title,
		Description: description,
		Color:       colorResolved,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if perf != nil {
		e.Fields = append(e.Fields,
			embedField{Name: "Entry", Value: fmt.Sprintf("%.4f", perf.EntryPrice), Inline: true},
			embedField{Name: "Last", Value: fmt.Sprintf("%.4f", perf.LastPrice), Inline: true},
			embedField{Name: "Open for", Value: fmt.Sprintf("%.0f min", perf.TimeToResolutionMinutes), Inline: true},
		)
	}
	return e
}
