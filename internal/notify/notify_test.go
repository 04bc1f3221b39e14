package notify

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSignal() *models.Signal {
	return &models.Signal{
		ID:            7,
		Symbol:        "AAPL",
		DisplaySymbol: "AAPL",
		Direction:     models.DirectionBuy,
		Price:         100,
		Strength:      "STRONG BUY",
		AssetClass:    models.AssetClassEquity,
		Status:        models.SignalStatusActive,
		Details: models.SignalDetails{
			Score:        11,
			Strength:     "STRONG BUY",
			Confidence:   "Medium",
			CurrentPrice: 100,
			Entry:        &models.EntryZone{Low: 96, High: 98},
			Targets: []models.Target{
				{Label: "Target 1", Price: 103, Pct: 3},
				{Label: "Target 2", Price: 105, Pct: 5},
			},
			Stop:      &models.Stop{Price: 96, Pct: -4},
			Direction: models.DirectionBuy,
			PostedAt:  time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		},
	}
}

type capturedRequest struct {
	method      string
	path        string
	query       string
	contentType string
	body        []byte
	header      http.Header
}

func captureServer(t *testing.T, status int, response string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()

	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = append(captured, capturedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			query:       r.URL.RawQuery,
			contentType: r.Header.Get("Content-Type"),
			body:        body,
			header:      r.Header.Clone(),
		})
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)

	return srv, &captured
}

func TestDiscordPostSignalReturnsMessageCoordinates(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, `{"id":"msg-123","channel_id":"chan-456"}`)

	dn := NewDiscordNotifier(&config.DiscordConfig{SignalWebhookURL: srv.URL}, testLogger())

	messageID, channelID, err := dn.PostSignal(context.Background(), testSignal(), nil)
	if err != nil {
		t.Fatalf("PostSignal() error = %v", err)
	}
	if messageID != "msg-123" || channelID != "chan-456" {
		t.Errorf("PostSignal() = (%q, %q), want (msg-123, chan-456)", messageID, channelID)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*captured))
	}
	req := (*captured)[0]
	if !strings.Contains(req.query, "wait=true") {
		t.Errorf("expected wait=true query, got %q", req.query)
	}

	var payload struct {
		Embeds []struct {
			Title  string `json:"title"`
			Fields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	if err := json.Unmarshal(req.body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(payload.Embeds))
	}
	if !strings.Contains(payload.Embeds[0].Title, "AAPL") {
		t.Errorf("embed title %q missing symbol", payload.Embeds[0].Title)
	}

	names := map[string]bool{}
	for _, f := range payload.Embeds[0].Fields {
		names[f.Name] = true
	}
	for _, want := range []string{"Price", "Entry Zone", "Target 1", "Target 2", "Stop"} {
		if !names[want] {
			t.Errorf("embed missing field %q", want)
		}
	}
}

func TestDiscordPostSignalWithChartUsesMultipart(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, `{"id":"msg-1","channel_id":"chan-1"}`)

	dn := NewDiscordNotifier(&config.DiscordConfig{SignalWebhookURL: srv.URL}, testLogger())

	chartPNG := []byte{0x89, 'P', 'N', 'G'}
	if _, _, err := dn.PostSignal(context.Background(), testSignal(), chartPNG); err != nil {
		t.Fatalf("PostSignal() error = %v", err)
	}

	req := (*captured)[0]
	mediaType, params, err := mime.ParseMediaType(req.contentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("expected multipart content type, got %q", req.contentType)
	}

	reader := multipart.NewReader(strings.NewReader(string(req.body)), params["boundary"])
	parts := map[string][]byte{}
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		data, _ := io.ReadAll(part)
		parts[part.FormName()] = data
	}

	if _, ok := parts["payload_json"]; !ok {
		t.Error("multipart body missing payload_json part")
	}
	if data, ok := parts["files[0]"]; !ok || string(data) != string(chartPNG) {
		t.Error("multipart body missing chart attachment")
	}
}

func TestDiscordChannelFallsBackToConfig(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, `{"id":"msg-9"}`)

	dn := NewDiscordNotifier(&config.DiscordConfig{
		SignalWebhookURL: srv.URL,
		SignalChannelID:  "configured-channel",
	}, testLogger())

	_, channelID, err := dn.PostSignal(context.Background(), testSignal(), nil)
	if err != nil {
		t.Fatalf("PostSignal() error = %v", err)
	}
	if channelID != "configured-channel" {
		t.Errorf("channelID = %q, want configured-channel", channelID)
	}
}

func TestDiscordPostSignalErrorStatus(t *testing.T) {
	srv, _ := captureServer(t, http.StatusTooManyRequests, `{"message":"rate limited"}`)

	dn := NewDiscordNotifier(&config.DiscordConfig{SignalWebhookURL: srv.URL}, testLogger())

	if _, _, err := dn.PostSignal(context.Background(), testSignal(), nil); err == nil {
		t.Fatal("expected error on 429 response")
	}
}

func TestDiscordNotifySubscribersMentionsEveryUser(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, `{}`)

	dn := NewDiscordNotifier(&config.DiscordConfig{SignalWebhookURL: srv.URL}, testLogger())

	if err := dn.NotifySubscribers(context.Background(), []string{"111", "222"}, testSignal()); err != nil {
		t.Fatalf("NotifySubscribers() error = %v", err)
	}

	var payload struct {
		Content string `json:"content"`
	}
	json.Unmarshal((*captured)[0].body, &payload)
	for _, mention := range []string{"<@111>", "<@222>"} {
		if !strings.Contains(payload.Content, mention) {
			t.Errorf("content %q missing mention %s", payload.Content, mention)
		}
	}
}

func TestDiscordNotifySubscribersNoUsersNoRequest(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, `{}`)

	dn := NewDiscordNotifier(&config.DiscordConfig{SignalWebhookURL: srv.URL}, testLogger())

	if err := dn.NotifySubscribers(context.Background(), nil, testSignal()); err != nil {
		t.Fatalf("NotifySubscribers() error = %v", err)
	}
	if len(*captured) != 0 {
		t.Errorf("expected no requests, got %d", len(*captured))
	}
}

func TestDiscordDisabledWithoutWebhook(t *testing.T) {
	if dn := NewDiscordNotifier(&config.DiscordConfig{}, testLogger()); dn != nil {
		t.Error("expected nil notifier without webhook URL")
	}
}

func TestMirrorSignalCreatedPayload(t *testing.T) {
	srv, captured := captureServer(t, http.StatusCreated, `{}`)

	m := NewWebsiteMirror(&config.MirrorConfig{
		SignalURL: srv.URL,
		BotToken:  "secret-key",
		Timeout:   2 * time.Second,
	}, testLogger())

	m.SignalCreated(context.Background(), testSignal())

	if len(*captured) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*captured))
	}
	req := (*captured)[0]
	if req.method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.method)
	}
	if got := req.header.Get("x-bot-key"); got != "secret-key" {
		t.Errorf("x-bot-key = %q, want secret-key", got)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(req.body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["symbol"] != "AAPL" || payload["type"] != "BUY" {
		t.Errorf("payload = %v, want symbol AAPL type BUY", payload)
	}
	if payload["assetType"] != string(models.AssetClassEquity) {
		t.Errorf("assetType = %v", payload["assetType"])
	}
	for _, key := range []string{"displaySymbol", "price", "signalStrength", "details", "timestamp"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing key %q", key)
		}
	}
}

func TestMirrorSignalUpdatedPatchesByID(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, `{}`)

	m := NewWebsiteMirror(&config.MirrorConfig{SignalURL: srv.URL, Timeout: 2 * time.Second}, testLogger())

	details := &testSignal().Details
	details.Performance = &models.Performance{Status: models.PerformanceTargetHit}
	m.SignalUpdated(context.Background(), 7, models.SignalStatusCompleted, details)

	req := (*captured)[0]
	if req.method != http.MethodPatch {
		t.Errorf("method = %s, want PATCH", req.method)
	}
	if !strings.HasSuffix(req.path, "/7") {
		t.Errorf("path = %q, want suffix /7", req.path)
	}

	var payload map[string]interface{}
	json.Unmarshal(req.body, &payload)
	if payload["status"] != string(models.SignalStatusCompleted) {
		t.Errorf("status = %v", payload["status"])
	}
	if payload["performance"] != string(models.PerformanceTargetHit) {
		t.Errorf("performance = %v", payload["performance"])
	}
}

func TestMirrorSignalDeleted(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, `{}`)

	m := NewWebsiteMirror(&config.MirrorConfig{SignalURL: srv.URL, Timeout: 2 * time.Second}, testLogger())

	m.SignalDeleted(context.Background(), 42)

	req := (*captured)[0]
	if req.method != http.MethodDelete || !strings.HasSuffix(req.path, "/42") {
		t.Errorf("got %s %s, want DELETE .../42", req.method, req.path)
	}
}

func TestMirrorFailuresDoNotPanic(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError, `boom`)

	m := NewWebsiteMirror(&config.MirrorConfig{SignalURL: srv.URL, Timeout: 2 * time.Second}, testLogger())

	// Mirror calls are fire and forget; a failing site must not surface
	m.SignalCreated(context.Background(), testSignal())
	m.SignalUpdated(context.Background(), 1, models.SignalStatusClosed, nil)
	m.SignalDeleted(context.Background(), 1)
}

func TestMirrorDisabledWithoutURL(t *testing.T) {
	if m := NewWebsiteMirror(&config.MirrorConfig{}, testLogger()); m != nil {
		t.Error("expected nil mirror without site URL")
	}
}
