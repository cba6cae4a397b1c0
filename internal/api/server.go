package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelshift/internal/domain"
	"github.com/dunamismax/pixelshift/internal/pipeline"
)

const (
	defaultMaxUploadBytes = 32 << 20
	multipartMemory       = 8 << 20
)

// Processor runs one transformation job.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Options struct {
	// MaxUploadBytes caps the request body of the transformation endpoint.
	MaxUploadBytes int64
	// Files serves published artifacts under FilesPrefix. Both are optional.
	Files       http.Handler
	FilesPrefix string
	// Registry collects the API metrics and is exposed on /metrics. A fresh
	// registry is used when nil.
	Registry *prometheus.Registry
}

type Server struct {
	logger         zerolog.Logger
	processor      Processor
	maxUploadBytes int64
	filesPrefix    string
	mux            *http.ServeMux
	metrics        *metrics
	tracer         trace.Tracer
}

func NewServer(logger zerolog.Logger, processor Processor, opts Options) *Server {
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	s := &Server{
		logger:         logger.With().Str("component", "api").Logger(),
		processor:      processor,
		maxUploadBytes: maxUpload,
		mux:            http.NewServeMux(),
		metrics:        newMetrics(opts.Registry),
		tracer:         otel.Tracer("pixelshift/api"),
	}
	s.routes(opts.Files, opts.FilesPrefix)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRecovery(s.withTracing(s.metrics.withHTTPMetrics(s.mux, s.routeLabel)))
}

func (s *Server) routes(files http.Handler, filesPrefix string) {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /api/process-image", s.handleProcessImage)

	if files != nil {
		s.filesPrefix = "/" + strings.Trim(filesPrefix, "/")
		s.mux.Handle("GET "+s.filesPrefix+"/", http.StripPrefix(s.filesPrefix, files))
	}
}

// routeLabel keeps metric and span names bounded: artifact paths collapse to
// one label.
func (s *Server) routeLabel(path string) string {
	switch {
	case path == "/api/process-image":
		return path
	case path == "/healthz":
		return path
	case path == "/metrics":
		return path
	case s.filesPrefix != "" && strings.HasPrefix(path, s.filesPrefix+"/"):
		return s.filesPrefix + "/{name}"
	default:
		return "other"
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "image is too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request must be a multipart form"})
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warn().Err(err).Msg("remove multipart temp files")
		}
	}()

	headers := r.MultipartForm.File[domain.FieldImage]
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no image uploaded"})
		return
	}
	header := headers[0]

	file, err := header.Open()
	if err != nil {
		s.logger.Error().Err(err).Msg("open uploaded image")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no image uploaded"})
		return
	}
	defer file.Close()

	spec := domain.ParseTransformSpec(url.Values(r.MultipartForm.Value))
	if !spec.Flip.Known() {
		s.logger.Debug().Str("flip", string(spec.Flip)).Msg("forwarding unrecognized flip value")
	}

	result, err := s.processor.Process(r.Context(), pipeline.Request{
		Spec:     spec,
		Filename: header.Filename,
		Body:     file,
	})
	if err != nil {
		status, body := failureResponse(err)
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{
		Success:        true,
		Message:        "image processed successfully",
		Result:         result.Output,
		OriginalImage:  result.OriginalURL,
		ProcessedImage: result.ProcessedURL,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
