// Package ingress routes HTTP requests to greeter instances. The request
// path is the routing key: the same path always reaches the same instance.
package ingress

import (
	"context"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/internal/errors"
	"github.com/sjwiesman/settimeout-go/pkg/greeter"
	"github.com/sjwiesman/settimeout-go/pkg/statefun"
	"github.com/valyala/bytebufferpool"
)

const (
	DefaultMaxBodyBytes = 64 * 1024
	DefaultWho          = "world"

	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Invoker is satisfied by *statefun.Runtime.
type Invoker interface {
	Invoke(ctx context.Context, message statefun.MessageBuilder) (*statefun.Message, error)
}

type Options struct {
	Bind    string
	Invoker Invoker
	Logger  zerolog.Logger

	// Gatherer is served on /metrics. Defaults to the prometheus default gatherer.
	Gatherer prometheus.Gatherer

	MaxBodyBytes int64
}

// Server is the inbound HTTP surface of the greeter.
type Server struct {
	invoker      Invoker
	logger       zerolog.Logger
	gatherer     prometheus.Gatherer
	maxBodyBytes int64
	httpServer   *http.Server
	router       chi.Router
}

func New(options Options) *Server {
	if options.Gatherer == nil {
		options.Gatherer = prometheus.DefaultGatherer
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = DefaultMaxBodyBytes
	}

	srv := &Server{
		invoker:      options.Invoker,
		logger:       options.Logger.With().Str("component", "ingress").Logger(),
		gatherer:     options.Gatherer,
		maxBodyBytes: options.MaxBodyBytes,
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              options.Bind,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.structuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/*", s.handleSayHello)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleSayHello(w http.ResponseWriter, r *http.Request) {
	request, err := s.decode(r)
	if err != nil {
		http.Error(w, err.Error(), errors.ToCode(err))
		return
	}

	reply, err := s.invoker.Invoke(r.Context(), statefun.MessageBuilder{
		Target: statefun.Address{
			TypeName: greeter.FunctionType,
			Id:       r.URL.Path,
		},
		Value:     request,
		ValueType: greeter.SayHelloType,
	})
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("greeting failed")
		http.Error(w, err.Error(), errors.ToCode(err))
		return
	}

	if reply == nil {
		http.Error(w, "greeter did not reply", http.StatusInternalServerError)
		return
	}

	greeting, err := reply.AsString()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeText(w, http.StatusOK, greeting)
}

// decode reads the greeting arguments from the body, then from the query
// string. Query values win.
func (s *Server) decode(r *http.Request) (greeter.SayHello, error) {
	var request greeter.SayHello

	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	if r.Body != nil {
		if _, err := buffer.ReadFrom(io.LimitReader(r.Body, s.maxBodyBytes+1)); err != nil {
			return request, errors.BadRequest("failed to read request body: %w", err)
		}
	}

	if int64(buffer.Len()) > s.maxBodyBytes {
		return request, errors.BadRequest("request body exceeds %d bytes", s.maxBodyBytes)
	}

	if buffer.Len() > 0 {
		mediaType := contentTypeJSON
		if header := r.Header.Get("Content-Type"); header != "" {
			parsed, _, err := mime.ParseMediaType(header)
			if err != nil {
				return request, errors.BadRequest("invalid content type %q: %w", header, err)
			}
			mediaType = parsed
		}

		switch mediaType {
		case contentTypeJSON:
			if err := json.Unmarshal(buffer.B, &request); err != nil {
				return request, errors.BadRequest("failed to unmarshal payload %w", err)
			}
		case contentTypeProtobuf:
			decoded, err := greeter.DecodeStruct(buffer.B)
			if err != nil {
				return request, errors.BadRequest("failed to unmarshal payload %w", err)
			}
			request = decoded
		default:
			return request, errors.BadRequest("unsupported content type %s", mediaType)
		}
	}

	query := r.URL.Query()
	if name := query.Get("name"); name != "" {
		request.Name = name
	}
	if who := query.Get("who"); who != "" {
		request.Who = who
	}

	if request.Name == "" {
		request.Name = r.URL.Path
	}
	if request.Who == "" {
		request.Who = DefaultWho
	}

	return request, nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// Middleware

func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
