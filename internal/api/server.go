// Package api exposes the monitor's latest results over HTTP.
//
// Routes:
//
//	GET /health                          component health
//	GET /api/v1/quotes                   quotes of the last cycle
//	GET /api/v1/opportunities            opportunities, ?profitable=true to filter
//	GET /api/v1/opportunities/stream     server-sent events, one per cycle
//	GET /api/v1/history                  stored quotes, needs ?symbol=
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/service"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/storage"
)

const (
	requestTimeout    = 10 * time.Second
	heartbeatInterval = 15 * time.Second
)

// SnapshotSource provides the monitor's results.
type SnapshotSource interface {
	Latest() (service.Snapshot, bool)
	Subscribe(symbols []string) (*service.Subscriber, error)
	Unsubscribe(sub *service.Subscriber) error
}

// HealthChecker is a component reported by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HistoryReader queries stored price history.
type HistoryReader interface {
	History(ctx context.Context, q storage.HistoryQuery) ([]model.Quote, error)
}

// Server serves the HTTP API.
type Server struct {
	addr      string
	source    SnapshotSource
	checks    map[string]HealthChecker
	history   HistoryReader
	heartbeat time.Duration
	server    *http.Server
}

// New creates a server. history may be nil, in which case /api/v1/history
// answers 404.
func New(addr string, source SnapshotSource, checks map[string]HealthChecker, history HistoryReader) *Server {
	return &Server{
		addr:      addr,
		source:    source,
		checks:    checks,
		history:   history,
		heartbeat: heartbeatInterval,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/quotes", s.handleQuotes)
	mux.HandleFunc("GET /api/v1/opportunities", s.handleOpportunities)
	mux.HandleFunc("GET /api/v1/opportunities/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)

	return withCORS(mux)
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", s.addr).Msg("HTTP API listening")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK

	for name, c := range s.checks {
		if err := c.HealthCheck(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.source.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no cycle completed yet")
		return
	}

	symbols := parseSymbols(r.URL.Query().Get("symbol"))
	snap = snap.ForSymbols(symbols)

	quotes := append([]model.Quote{}, snap.Quotes...)
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Key() < quotes[j].Key() })

	writeJSON(w, http.StatusOK, QuotesResponse{Count: len(quotes), Quotes: quotes, ComputedAt: snap.ComputedAt})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	profitable, err := parseBool(r.URL.Query().Get("profitable"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "profitable must be a boolean")
		return
	}

	snap, ok := s.source.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no cycle completed yet")
		return
	}

	snap = snap.ForSymbols(parseSymbols(r.URL.Query().Get("symbol")))
	writeJSON(w, http.StatusOK, opportunitiesResponse(snap, profitable))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	profitable, err := parseBool(r.URL.Query().Get("profitable"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "profitable must be a boolean")
		return
	}

	var symbols []string
	if raw := strings.TrimSpace(r.URL.Query().Get("symbols")); raw != "" {
		symbols = strings.Split(raw, ",")
	}

	sub, err := s.source.Subscribe(symbols)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer func() {
		if err := s.source.Unsubscribe(sub); err != nil {
			log.Error().Err(err).Strs("symbols", symbols).Msg("failed to unsubscribe stream client")
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Info().Strs("symbols", symbols).Msg("stream client connected")

	if snap, ok := s.source.Latest(); ok {
		view := snap.ForSymbols(parseSymbols(strings.Join(symbols, ",")))
		if err := writeEvent(w, opportunitiesResponse(view, profitable)); err != nil {
			return
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info().Strs("symbols", symbols).Msg("stream client disconnected")
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := writeEvent(w, opportunitiesResponse(snap, profitable)); err != nil {
				log.Warn().Err(err).Msg("failed to write stream event")
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history storage not configured")
		return
	}

	q := r.URL.Query()
	query := storage.HistoryQuery{
		Symbol:   q.Get("symbol"),
		Exchange: q.Get("exchange"),
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}
	for name, dst := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be an RFC3339 timestamp")
			return
		}
		*dst = t
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	quotes, err := s.history.History(ctx, query)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("symbol", query.Symbol).Msg("history query failed")
		writeError(w, http.StatusBadGateway, "history query failed")
		return
	}
	if quotes == nil {
		quotes = []model.Quote{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{Symbol: model.NormalizeSymbol(query.Symbol), Count: len(quotes), Quotes: quotes})
}

func opportunitiesResponse(snap service.Snapshot, profitable bool) OpportunitiesResponse {
	opps := snap.Opportunities
	if profitable {
		opps = snap.Profitable
	}
	if opps == nil {
		opps = []model.Opportunity{}
	}
	return OpportunitiesResponse{
		Count:         len(opps),
		Profitable:    profitable,
		Opportunities: opps,
		ComputedAt:    snap.ComputedAt,
	}
}

func parseSymbols(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, s := range strings.Split(raw, ",") {
		if s = model.NormalizeSymbol(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func writeEvent(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte("event: opportunities\ndata: " + string(data) + "\n\n"))
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
