package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/signals-back/internal/cache"
	"github.com/signals-back/internal/database"
	"github.com/signals-back/internal/messaging"
	"github.com/signals-back/internal/tickers"
	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

// PriceSource resolves a live price snapshot for a symbol
type PriceSource interface {
	GetPriceContext(ctx context.Context, symbol string, hint models.AssetClass) (*models.PriceContext, error)
}

// Server is the read-side HTTP API over signals and their outcomes
type Server struct {
	cfg        *config.Config
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server

	mysqlDB    *database.MySQLClient
	influxDB   *database.InfluxClient
	redisCache *cache.RedisClient
	natsClient *messaging.NATSClient
	tickers    *tickers.Provider
	prices     PriceSource
}

// NewServer creates a new API server
func NewServer(
	cfg *config.Config,
	logger *logrus.Logger,
	mysqlDB *database.MySQLClient,
	influxDB *database.InfluxClient,
	redisCache *cache.RedisClient,
	natsClient *messaging.NATSClient,
	tickerProvider *tickers.Provider,
	prices PriceSource,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mysqlDB:    mysqlDB,
		influxDB:   influxDB,
		redisCache: redisCache,
		natsClient: natsClient,
		tickers:    tickerProvider,
		prices:     prices,
	}

	s.setupRoutes()

	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.corsMiddleware)

	apiV1 := s.router.PathPrefix("/api/v1").Subrouter()

	apiV1.HandleFunc("/health", s.handleHealth).Methods("GET")

	apiV1.HandleFunc("/signals", s.handleGetSignals).Methods("GET")
	apiV1.HandleFunc("/signals/stats", s.handleGetStats).Methods("GET")
	apiV1.HandleFunc("/signals/{id:[0-9]+}", s.handleGetSignal).Methods("GET")
	apiV1.HandleFunc("/signals/{id:[0-9]+}/bars", s.handleGetSignalBars).Methods("GET")
	apiV1.HandleFunc("/messages/{messageID}/signal", s.handleGetSignalByMessage).Methods("GET")

	apiV1.HandleFunc("/symbols/{symbol}/price", s.handleGetPrice).Methods("GET")
	apiV1.HandleFunc("/symbols/{symbol}/resolve", s.handleResolveSymbol).Methods("GET")

	apiV1.HandleFunc("/users/{userID}/watchlist", s.handleGetWatchlist).Methods("GET")
	apiV1.HandleFunc("/users/{userID}/watchlist/{symbol}", s.handleAddToWatchlist).Methods("POST")
	apiV1.HandleFunc("/users/{userID}/watchlist/{symbol}", s.handleRemoveFromWatchlist).Methods("DELETE")
	apiV1.HandleFunc("/users/{userID}/subscriptions", s.handleGetSubscriptions).Methods("GET")
	apiV1.HandleFunc("/users/{userID}/subscriptions/{symbol}", s.handleToggleSubscription).Methods("POST")
	apiV1.HandleFunc("/users/{userID}/alerts", s.handleAddAlert).Methods("POST")
	apiV1.HandleFunc("/users/{userID}/alerts/{id:[0-9]+}", s.handleDeleteAlert).Methods("DELETE")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.logger.WithField("address", addr).Info("Starting HTTP server")

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		if strings.Contains(err.Error(), "address already in use") {
			return fmt.Errorf("port %d is already in use", s.cfg.Server.Port)
		}
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.statusCode,
			"duration": time.Since(start),
			"remote":   r.RemoteAddr,
		}).Debug("HTTP request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error": err,
					"path":  r.URL.Path,
				}).Error("Panic recovered")

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.Server.CORSOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(next)
}

// Handler functions

// handleHealth reports the health of every backing service
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]string{}
	healthy := true

	check := func(name string, fn func(context.Context) error) {
		if fn == nil {
			services[name] = "disabled"
			return
		}
		if err := fn(ctx); err != nil {
			services[name] = "unhealthy: " + err.Error()
			healthy = false
			return
		}
		services[name] = "healthy"
	}

	check("mysql", s.mysqlDB.Health)
	check("redis", s.redisCache.Health)
	if s.influxDB != nil {
		check("influx", s.influxDB.Health)
	} else {
		services["influx"] = "disabled"
	}
	if s.natsClient != nil {
		if s.natsClient.IsConnected() {
			services["nats"] = "healthy"
		} else {
			services["nats"] = "unhealthy: disconnected"
			healthy = false
		}
	} else {
		services["nats"] = "disabled"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"services":  services,
		"timestamp": time.Now().Unix(),
	})
}

// handleGetSignals returns the most recent signals
func (s *Server) handleGetSignals(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	signals, err := s.mysqlDB.GetRecentSignals(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get recent signals")
		http.Error(w, "Failed to retrieve signals", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"signals": signals,
		"count":   len(signals),
	})
}

// handleGetStats returns outcome statistics over a trailing window
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days < 1 || days > 365 {
		days = 30
	}

	stats, err := s.mysqlDB.GetSignalStats(r.Context(), days)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get signal stats")
		http.Error(w, "Failed to retrieve stats", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// handleGetSignal returns one signal by id
func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid signal id", http.StatusBadRequest)
		return
	}

	signal, err := s.mysqlDB.GetSignalByID(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get signal")
		http.Error(w, "Failed to retrieve signal", http.StatusInternalServerError)
		return
	}
	if signal == nil {
		http.Error(w, "Signal not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, signal)
}

// handleGetSignalBars returns the archived evaluation bars for a signal
func (s *Server) handleGetSignalBars(w http.ResponseWriter, r *http.Request) {
	if s.influxDB == nil {
		http.Error(w, "Bar archive disabled", http.StatusNotFound)
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid signal id", http.StatusBadRequest)
		return
	}

	days := queryInt(r, "days", 30)
	to := time.Now()
	from := to.AddDate(0, 0, -days)

	bars, err := s.influxDB.GetEvaluationBars(r.Context(), id, from, to)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get evaluation bars")
		http.Error(w, "Failed to retrieve bars", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"signal_id": id,
		"bars":      bars,
		"count":     len(bars),
	})
}

// handleGetSignalByMessage resolves a chat message back to its signal.
// The redis correlation is consulted first; MySQL is the fallback for
// entries that have aged out of the cache.
func (s *Server) handleGetSignalByMessage(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["messageID"]
	ctx := r.Context()

	if signalID, err := s.redisCache.GetMessageSignal(ctx, messageID); err == nil && signalID > 0 {
		signal, err := s.mysqlDB.GetSignalByID(ctx, signalID)
		if err == nil && signal != nil {
			s.writeJSON(w, http.StatusOK, signal)
			return
		}
	}

	signal, err := s.mysqlDB.GetSignalByMessage(ctx, messageID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get signal by message")
		http.Error(w, "Failed to retrieve signal", http.StatusInternalServerError)
		return
	}
	if signal == nil {
		http.Error(w, "Signal not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, signal)
}

// handleGetPrice returns the current price snapshot for a symbol
func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	ctx := r.Context()

	candidate, err := s.tickers.ResolveSymbol(symbol)
	if err != nil {
		http.Error(w, "Unknown symbol", http.StatusBadRequest)
		return
	}

	if snapshot, err := s.redisCache.GetPriceSnapshot(ctx, candidate.PriceSymbol); err == nil && snapshot != nil {
		s.writeJSON(w, http.StatusOK, snapshot)
		return
	}

	price, err := s.prices.GetPriceContext(ctx, candidate.PriceSymbol, candidate.AssetClass)
	if err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Debug("Price lookup failed")
		http.Error(w, "Price not found", http.StatusNotFound)
		return
	}

	if price.Symbol == "" {
		price.Symbol = candidate.PriceSymbol
	}
	if err := s.redisCache.SetPriceSnapshot(ctx, price); err != nil {
		s.logger.WithError(err).Debug("Failed to cache price snapshot")
	}

	s.writeJSON(w, http.StatusOK, price)
}

// handleResolveSymbol shows how free-form user input maps to a candidate
func (s *Server) handleResolveSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	candidate, err := s.tickers.ResolveSymbol(symbol)
	if err != nil {
		http.Error(w, "Unknown symbol", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, http.StatusOK, candidate)
}

// User surface: watchlists, signal subscriptions and price alerts

func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	symbols, err := s.mysqlDB.GetUserWatchlist(r.Context(), userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get watchlist")
		http.Error(w, "Failed to retrieve watchlist", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"symbols": symbols,
	})
}

func (s *Server) handleAddToWatchlist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	candidate, err := s.tickers.ResolveSymbol(vars["symbol"])
	if err != nil {
		http.Error(w, "Unknown symbol", http.StatusBadRequest)
		return
	}

	if err := s.mysqlDB.AddToWatchlist(r.Context(), vars["userID"], candidate.Symbol, candidate.AssetClass); err != nil {
		s.logger.WithError(err).Error("Failed to add to watchlist")
		http.Error(w, "Failed to update watchlist", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user_id": vars["userID"],
		"symbol":  candidate.Symbol,
	})
}

func (s *Server) handleRemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.mysqlDB.RemoveFromWatchlist(r.Context(), vars["userID"], vars["symbol"]); err != nil {
		s.logger.WithError(err).Error("Failed to remove from watchlist")
		http.Error(w, "Failed to update watchlist", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	symbols, err := s.mysqlDB.GetUserSubscriptions(r.Context(), userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get subscriptions")
		http.Error(w, "Failed to retrieve subscriptions", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"symbols": symbols,
	})
}

func (s *Server) handleToggleSubscription(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	candidate, err := s.tickers.ResolveSymbol(vars["symbol"])
	if err != nil {
		http.Error(w, "Unknown symbol", http.StatusBadRequest)
		return
	}

	subscribed, err := s.mysqlDB.ToggleSubscription(r.Context(), vars["userID"], candidate.Symbol)
	if err != nil {
		s.logger.WithError(err).Error("Failed to toggle subscription")
		http.Error(w, "Failed to update subscription", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    vars["userID"],
		"symbol":     candidate.Symbol,
		"subscribed": subscribed,
	})
}

func (s *Server) handleAddAlert(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Symbol    string  `json:"symbol"`
		Threshold float64 `json:"threshold"`
		AlertType string  `json:"alert_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	alert := &models.PriceAlert{
		UserID:    mux.Vars(r)["userID"],
		Symbol:    payload.Symbol,
		Threshold: payload.Threshold,
		AlertType: payload.AlertType,
	}

	if err := s.mysqlDB.AddAlert(r.Context(), alert); err != nil {
		if errors.Is(err, models.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.WithError(err).Error("Failed to add alert")
		http.Error(w, "Failed to create alert", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid alert id", http.StatusBadRequest)
		return
	}

	if err := s.mysqlDB.DeleteAlert(r.Context(), id, vars["userID"]); err != nil {
		s.logger.WithError(err).Error("Failed to delete alert")
		http.Error(w, "Failed to delete alert", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
