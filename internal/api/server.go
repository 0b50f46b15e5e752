// Package api serves the HTTP interface for scan control and inventory
// history.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/rfidgeek/internal/db"
	"github.com/banshee-data/rfidgeek/internal/httputil"
	"github.com/banshee-data/rfidgeek/internal/inventory"
	"github.com/banshee-data/rfidgeek/internal/monitoring"
	"github.com/banshee-data/rfidgeek/internal/rfid"
)

// Scanner is the reader surface the API drives. *rfid.Reader implements it.
type Scanner interface {
	StartScan() (bool, error)
	StopScan() (bool, error)
	State() inventory.ScanState
	TagType() inventory.TagType
	LastInventory() (inventory.Event, bool)
	Subscribe(kinds ...inventory.EventKind) (string, <-chan inventory.Event)
	Unsubscribe(id string)
}

// HistoryStore is the persisted inventory history. *db.DB implements it.
type HistoryStore interface {
	RecentInventories(ctx context.Context, limit int) ([]db.Inventory, error)
	TagHistory(ctx context.Context, tagID string, limit int) ([]db.Sighting, error)
}

type Server struct {
	reader    Scanner
	store     HistoryStore
	websocket bool
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithWebSocket enables the /api/events/ws event stream.
func WithWebSocket(enabled bool) Option {
	return func(s *Server) { s.websocket = enabled }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a Server driving reader. store may be nil, in which case
// the history routes answer 503.
func NewServer(reader Scanner, store HistoryStore, opts ...Option) *Server {
	s := &Server{
		reader: reader,
		store:  store,
		logger: monitoring.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/scan/start", s.startScan)
	mux.HandleFunc("POST /api/scan/stop", s.stopScan)
	mux.HandleFunc("GET /api/scan/state", s.showState)
	mux.HandleFunc("GET /api/inventory/latest", s.showLatestInventory)
	mux.HandleFunc("GET /api/inventory", s.listInventories)
	mux.HandleFunc("GET /api/tags/{id}", s.showTagHistory)
	if s.websocket {
		mux.HandleFunc("GET /api/events/ws", s.streamEvents)
	}
	return mux
}

type scanResponse struct {
	Changed bool   `json:"changed"`
	State   string `json:"state"`
}

type stateResponse struct {
	State   string `json:"state"`
	TagType string `json:"tag_type"`
}

func (s *Server) writeReaderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rfid.ErrNotInitialized), errors.Is(err, rfid.ErrClosed):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		s.logger.Error("scan control failed", "error", err)
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	changed, err := s.reader.StartScan()
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	httputil.WriteJSONOK(w, scanResponse{Changed: changed, State: s.reader.State().String()})
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	changed, err := s.reader.StopScan()
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	httputil.WriteJSONOK(w, scanResponse{Changed: changed, State: s.reader.State().String()})
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, stateResponse{
		State:   s.reader.State().String(),
		TagType: s.reader.TagType().String(),
	})
}

func (s *Server) showLatestInventory(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.reader.LastInventory()
	if !ok {
		httputil.NotFound(w, "no inventory completed yet")
		return
	}
	if inv.Tags == nil {
		inv.Tags = []inventory.TagEntry{}
	}
	httputil.WriteJSONOK(w, inv)
}

func parseLimit(r *http.Request) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return db.DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 || n > db.MaxHistoryLimit {
		return 0, fmt.Errorf("invalid 'limit' parameter: must be between 1 and %d", db.MaxHistoryLimit)
	}
	return n, nil
}

func (s *Server) listInventories(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "inventory history is not recorded")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	inventories, err := s.store.RecentInventories(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve inventories: %v", err))
		return
	}
	httputil.WriteJSONOK(w, inventories)
}

func (s *Server) showTagHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "inventory history is not recorded")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		httputil.BadRequest(w, "missing tag id")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sightings, err := s.store.TagHistory(r.Context(), id, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve tag history: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sightings)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrade through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Info("http request",
			"method", r.Method,
			"uri", r.RequestURI,
			"status", lrw.statusCode,
			"duration_ms", float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
