// Package web exposes the core's public surface to UI consumers over
// HTTP: connection status, price book snapshots, analytics, session
// control and a live tick stream.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketpulse/pulse/book"
	"github.com/marketpulse/pulse/feed"
	"github.com/marketpulse/pulse/momentum"
	"github.com/marketpulse/pulse/session"
)

// Server wires the core components behind the HTTP API.
type Server struct {
	logger  *slog.Logger
	feed    *feed.Client
	book    *book.Book
	tracker *session.Tracker
	limiter *RateLimiter
}

// NewServer creates the HTTP surface over the given components.
func NewServer(logger *slog.Logger, fc *feed.Client, b *book.Book, tracker *session.Tracker) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:  logger,
		feed:    fc,
		book:    b,
		tracker: tracker,
		limiter: NewRateLimiter(),
	}
}

// Handler returns the routed, rate-limited API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/book", s.handleBook)
	mux.HandleFunc("GET /api/momentum", s.handleMomentum)
	mux.HandleFunc("PUT /api/products", s.handleProducts)
	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/reset", s.handleSessionReset)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	return s.limiter.Middleware(mux)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.feed.Status())
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.book.Snapshot())
}

// momentumResponse bundles the derived metrics for one product.
type momentumResponse struct {
	ProductID     string  `json:"product_id"`
	Timeframe     string  `json:"timeframe"`
	Momentum      float64 `json:"momentum"`
	Smoothed      float64 `json:"smoothed"`
	SessionReturn float64 `json:"session_return"`
	Sufficient    bool    `json:"sufficient"`
	Points        int     `json:"points"`
}

func (s *Server) handleMomentum(w http.ResponseWriter, r *http.Request) {
	productID := feed.CanonicalSymbol(r.URL.Query().Get("product_id"))
	if productID == "" {
		http.Error(w, "product_id is required", http.StatusBadRequest)
		return
	}

	tf := momentum.Timeframe(r.URL.Query().Get("timeframe"))
	if tf == "" {
		tf = momentum.Timeframe1m
	}
	tfMs, ok := tf.Millis()
	if !ok {
		http.Error(w, fmt.Sprintf("unknown timeframe %q", tf), http.StatusBadRequest)
		return
	}

	series, ok := s.book.SeriesFor(productID)
	if !ok {
		http.Error(w, fmt.Sprintf("no data for %q", productID), http.StatusNotFound)
		return
	}

	resp := momentumResponse{
		ProductID:  productID,
		Timeframe:  string(tf),
		Momentum:   momentum.Momentum(series, tfMs, time.Now().UnixMilli()),
		Smoothed:   momentum.Smoothed(series, tfMs, momentum.DefaultWindow),
		Sufficient: momentum.HasSufficientData(series, tfMs),
		Points:     len(series),
	}
	if latest, ok := series.Latest(); ok {
		resp.SessionReturn = s.tracker.Return(productID, latest.Price)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProductIDs []string `json:"product_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.feed.SetProducts(body.ProductIDs)
	writeJSON(w, http.StatusOK, s.feed.Status())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.tracker.Start(s.book.Snapshot(), now)
	writeJSON(w, http.StatusOK, map[string]any{
		"started_at": now,
		"baselines":  s.tracker.Baselines(),
	})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	s.tracker.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// handleStream sends live ticks as Server-Sent Events. A slow client's
// full buffer drops ticks rather than backpressuring the feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush() // headers out immediately so EventSource fires onopen

	tickCh := make(chan feed.Tick, 100)
	listenerID := s.feed.AddListener(func(t feed.Tick) {
		select {
		case tickCh <- t:
		default:
		}
	})
	defer s.feed.RemoveListener(listenerID)

	s.logger.Info("Tick stream started", "listener_id", listenerID, "remote", r.RemoteAddr)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			s.logger.Info("Tick stream closed", "listener_id", listenerID)
			return

		case tick := <-tickCh:
			data, err := json.Marshal(tick)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
