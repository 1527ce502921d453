package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	otelchimetric "github.com/riandyrn/otelchi/metric"

	"github.com/kalbasit/hazlock/pkg/coordinator"
	"github.com/kalbasit/hazlock/pkg/identity"
	"github.com/kalbasit/hazlock/pkg/locktable"
	"github.com/kalbasit/hazlock/pkg/registry"
)

const (
	routeLocks       = "/api/v1/locks"
	routeConnections = "/api/v1/connections"
	routeConnection  = "/api/v1/connections/{identity}"
	routeMetrics     = "/metrics"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"

	// maxRequestBytes bounds a lock request body.
	maxRequestBytes = 1 << 20

	tracerName = "github.com/kalbasit/hazlock/pkg/server"
)

// RequestHandler executes lock requests. *coordinator.Coordinator implements it.
type RequestHandler interface {
	Handle(ctx context.Context, req coordinator.Request) (coordinator.Response, error)
}

// Server represents the main HTTP server.
type Server struct {
	handler  RequestHandler
	presence registry.Presence
	router   *chi.Mux

	tracer trace.Tracer

	metricsHandler http.Handler
}

// New returns a new server.
func New(handler RequestHandler, presence registry.Presence) *Server {
	s := &Server{
		handler:  handler,
		presence: presence,
		tracer:   otel.Tracer(tracerName),
	}

	s.createRouter()

	return s
}

// SetMetricsHandler serves h on /metrics. Without one /metrics is a 404.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metricsHandler = h }

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	mp := otel.GetMeterProvider()
	baseCfg := otelchimetric.NewBaseConfig(tracerName, otelchimetric.WithMeterProvider(mp))

	s.router.Use(middleware.Heartbeat("/healthz"))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)
	s.router.Use(requestLogger)

	s.router.Get(routeMetrics, s.getMetrics)

	s.router.Post(routeLocks, s.postLocks)

	s.router.Get(routeConnections, s.getConnections)
	s.router.Put(routeConnection, s.putConnection)
	s.router.Delete(routeConnection, s.deleteConnection)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.RequestURI).
			Str("from", r.RemoteAddr).
			Logger()

		if span.SpanContext().HasTraceID() {
			log = log.
				With().
				Str("trace-id", span.SpanContext().TraceID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log = log.With().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Logger()

			if r.Method == http.MethodPost {
				log = log.With().Int64("bytes", r.ContentLength).Logger()
			}

			// heartbeats arrive from every workstation every few seconds
			if r.Method == http.MethodPut && ww.Status() < http.StatusBadRequest {
				log.Debug().Msg("handled request")

				return
			}

			log.Info().Msg("handled request")
		}()

		// embed the modified logger in the request.
		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsHandler == nil {
		http.NotFound(w, r)

		return
	}

	s.metricsHandler.ServeHTTP(w, r)
}

func (s *Server) postLocks(w http.ResponseWriter, r *http.Request) {
	var req coordinator.Request

	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed lock request: "+err.Error())

		return
	}

	ctx, span := s.tracer.Start(
		r.Context(),
		"postLocks",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("request_type", string(req.Type)),
			attribute.String("identity", req.Identity),
			attribute.Bool("practice", req.Practice),
			attribute.Int("event_count", len(req.EventIDs)),
		),
	)
	defer span.End()

	resp, err := s.handler.Handle(ctx, req)
	if err != nil {
		status := statusFor(err)

		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Int("status", status).
			Msg("error handling the lock request")

		if status == http.StatusBadRequest || status == http.StatusInternalServerError {
			writeJSONError(w, status, err.Error())

			return
		}

		// the operation ran, the caller still gets its outcome
		if resp.Message == "" {
			resp.Message = err.Error()
		}

		writeJSON(ctx, w, status, resp)

		return
	}

	span.SetAttributes(attribute.Bool("success", resp.Success))

	writeJSON(ctx, w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest), errors.Is(err, coordinator.ErrUnknownRequestType):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrCommunication):
		return http.StatusBadGateway
	case errors.Is(err, locktable.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getConnections(w http.ResponseWriter, r *http.Request) {
	connections, err := s.presence.Connections(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error listing the connections")

		writeJSONError(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, registry.Sorted(connections))
}

func (s *Server) putConnection(w http.ResponseWriter, r *http.Request) {
	s.withIdentity(w, r, "putConnection", s.presence.Heartbeat)
}

func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request) {
	s.withIdentity(w, r, "deleteConnection", s.presence.Deregister)
}

func (s *Server) withIdentity(
	w http.ResponseWriter,
	r *http.Request,
	spanName string,
	fn func(context.Context, string) error,
) {
	id, err := url.PathUnescape(chi.URLParam(r, "identity"))
	if err == nil {
		_, err = identity.Parse(id)
	}

	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())

		return
	}

	ctx, span := s.tracer.Start(
		r.Context(),
		spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("identity", id),
		),
	)
	defer span.End()

	ctx = zerolog.Ctx(ctx).
		With().
		Str("identity", id).
		Logger().
		WithContext(ctx)

	if err := fn(ctx, id); err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error updating the connection registry")

		writeJSONError(w, http.StatusBadGateway, err.Error())

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}
