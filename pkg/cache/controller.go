package cache

import (
	"fmt"
	"net/http"

	"github.com/Sternrassler/media-cache/pkg/classify"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Sternrassler/media-cache/pkg/cache"

// Controller classifies each intercepted request and dispatches it to the
// matching tier strategy. It implements http.RoundTripper so it can sit
// behind an httputil.ReverseProxy.
type Controller struct {
	classifier *classify.Classifier
	handler    Handler
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// NewController creates a controller.
// Panics if classifier or handler is nil.
func NewController(classifier *classify.Classifier, handler Handler, logger zerolog.Logger) *Controller {
	if classifier == nil {
		panic("classifier cannot be nil")
	}
	if handler == nil {
		panic("handler cannot be nil")
	}

	return &Controller{
		classifier: classifier,
		handler:    handler,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
	}
}

// RoundTrip implements http.RoundTripper.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	kind := c.classifier.Classify(req)
	tier := kind.String()
	CacheRequests.WithLabelValues(tier).Inc()

	ctx, span := c.tracer.Start(req.Context(), "cache."+tier,
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("url.path", req.URL.Path),
			attribute.String("cache.tier", tier),
		),
	)
	defer span.End()

	var (
		resp *http.Response
		err  error
	)
	switch kind {
	case classify.Static:
		resp, err = c.handler.HandleStatic(ctx, req)
	case classify.Image:
		resp, err = c.handler.HandleImage(ctx, req)
	case classify.Video:
		resp, err = c.handler.HandleVideo(ctx, req)
	case classify.API:
		resp, err = c.handler.HandleAPI(ctx, req)
	default:
		resp, err = c.handler.HandlePassthrough(ctx, req)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug().Err(err).Str("tier", tier).Str("url", req.URL.String()).Msg("Request failed")
		return nil, fmt.Errorf("%s %s: %w", tier, req.URL.Path, err)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("cache.status", resp.Header.Get(CacheStatusHeader)),
	)
	return resp, nil
}
