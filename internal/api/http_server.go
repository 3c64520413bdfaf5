package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"parkwise/internal/config"
	"parkwise/internal/domain"
	"parkwise/internal/metrics"
	"parkwise/internal/models"

	"github.com/rs/zerolog"
)

// Feeds is the subscription side of the engine.
type Feeds interface {
	SubscribeToLot(lotID string, observer func(*models.ParkingLot)) func()
	SubscribeToAllLots(observer func([]*models.ParkingLot)) func()
	SubscribeToSpaces(lotID string, observer func([]*models.ParkingSpace)) func()
}

// ReportWriter renders the occupancy workbook.
type ReportWriter interface {
	Write(ctx context.Context, w io.Writer, lotIDs ...string) error
}

// Deps are the engine components the HTTP API exposes.
type Deps struct {
	Spaces domain.SpaceService
	Lots   domain.LotService
	Feeds  Feeds
	Report ReportWriter
	Health func(ctx context.Context) error
}

// HTTPServer exposes the engine over JSON and websocket endpoints.
type HTTPServer struct {
	cfg     config.APIConfig
	deps    Deps
	keys    *keyring
	limiter *rateLimiter
	server  *http.Server
	log     zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) (*HTTPServer, error) {
	keys, err := newKeyring(cfg.Auth)
	if err != nil {
		return nil, err
	}
	srv := &HTTPServer{
		cfg:     cfg,
		deps:    deps,
		keys:    keys,
		limiter: newRateLimiter(cfg.RateLimit),
		log:     logger.With().Str("component", "http").Logger(),
	}

	mux := http.NewServeMux()
	srv.routes(mux)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.logging(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv, nil
}

func (s *HTTPServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.handle(mux, "GET /api/v1/lots", permReadLots, s.handleListLots)
	s.handle(mux, "POST /api/v1/lots", permWriteLots, s.handleCreateLot)
	s.handle(mux, "GET /api/v1/lots/{lotID}", permReadLots, s.handleGetLot)
	s.handle(mux, "PATCH /api/v1/lots/{lotID}", permWriteLots, s.handleUpdateLot)
	s.handle(mux, "DELETE /api/v1/lots/{lotID}", permWriteLots, s.handleDeleteLot)
	s.handle(mux, "POST /api/v1/lots/{lotID}/reconcile", permReconcile, s.handleReconcile)
	s.handle(mux, "POST /api/v1/reconcile", permReconcile, s.handleReconcileAll)

	s.handle(mux, "GET /api/v1/lots/{lotID}/spaces", permReadLots, s.handleListSpaces)
	s.handle(mux, "POST /api/v1/lots/{lotID}/spaces", permWriteLots, s.handleCreateSpace)
	s.handle(mux, "POST /api/v1/lots/{lotID}/spaces/bulk", permWriteLots, s.handleCreateSpaces)
	s.handle(mux, "GET /api/v1/spaces/{spaceID}", permReadLots, s.handleGetSpace)
	s.handle(mux, "DELETE /api/v1/spaces/{spaceID}", permWriteLots, s.handleDeleteSpace)
	s.handle(mux, "PUT /api/v1/spaces/{spaceID}/number", permWriteLots, s.handleRenumber)
	s.handle(mux, "PUT /api/v1/spaces/{spaceID}/status", permWriteSpaces, s.handleSetStatus)
	s.handle(mux, "POST /api/v1/spaces/{spaceID}/checkout", permBilling, s.handleCheckout)
	s.handle(mux, "GET /api/v1/spaces/{spaceID}/estimate", permBilling, s.handleEstimate)

	s.handle(mux, "GET /api/v1/export/occupancy", permExport, s.handleExport)

	s.handle(mux, "GET /api/v1/ws/lots", permStream, s.handleStreamAllLots)
	s.handle(mux, "GET /api/v1/ws/lots/{lotID}", permStream, s.handleStreamLot)
	s.handle(mux, "GET /api/v1/ws/lots/{lotID}/spaces", permStream, s.handleStreamSpaces)
}

// handle registers h behind API-key auth for perm and the rate limiter.
func (s *HTTPServer) handle(mux *http.ServeMux, pattern, perm string, h http.HandlerFunc) {
	mux.Handle(pattern, s.authorize(perm, h))
}

func (s *HTTPServer) authorize(perm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get(s.keys.header)
		actor, err := s.keys.authenticate(apiKey, perm)
		switch {
		case errors.Is(err, errPermissionDenied):
			writeError(w, http.StatusForbidden, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if !s.limiter.allow(s.clientKey(r, apiKey)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (s *HTTPServer) clientKey(r *http.Request, apiKey string) string {
	if apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint, strconv.Itoa(recorder.status))
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
