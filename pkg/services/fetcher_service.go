// Package services composes the mail backends behind a single fetch
// operation for the command line.
package services

import (
	"context"
	"log/slog"

	"aaronromeo.com/mailpeek/pkg/models/summary"
	"aaronromeo.com/mailpeek/pkg/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomesMetric = "mailpeek.fetch.outcomes"

	resultFound    = "found"
	resultNotFound = "not_found"
	resultError    = "error"
)

// Backend retrieves the oldest unread message from one kind of mail source.
type Backend interface {
	Name() string
	FetchOldestUnread(ctx context.Context) (summary.Outcome, error)
}

// FetcherService defines the fetch operations exposed to callers.
type FetcherService interface {
	FetchOldestUnread(ctx context.Context) (summary.Outcome, error)
	FetchOldestUnreadEmailContent(ctx context.Context) (string, error)
}

// FetcherServiceImpl asks the primary backend first and only consults the
// fallback when the primary found nothing. A primary error ends the fetch.
type FetcherServiceImpl struct {
	logger   *slog.Logger
	primary  Backend
	fallback Backend
	outcomes metric.Int64Counter
}

type FetcherOption func(*FetcherServiceImpl)

// WithMeterProvider replaces the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) FetcherOption {
	return func(s *FetcherServiceImpl) {
		s.outcomes = newOutcomeCounter(provider)
	}
}

func NewFetcherService(logger *slog.Logger, primary, fallback Backend, opts ...FetcherOption) FetcherService {
	s := &FetcherServiceImpl{
		logger:   logger,
		primary:  primary,
		fallback: fallback,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.outcomes == nil {
		s.outcomes = newOutcomeCounter(otel.GetMeterProvider())
	}
	return s
}

func newOutcomeCounter(provider metric.MeterProvider) metric.Int64Counter {
	counter, err := provider.Meter("aaronromeo.com/mailpeek/pkg/services").Int64Counter(
		outcomesMetric,
		metric.WithDescription("Fetch attempts by backend and result"),
	)
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("").Int64Counter(outcomesMetric)
	}
	return counter
}

func (s *FetcherServiceImpl) FetchOldestUnread(ctx context.Context) (summary.Outcome, error) {
	outcome, err := s.try(ctx, s.primary)
	if err != nil || outcome.IsFound() {
		return outcome, err
	}

	s.logger.InfoContext(ctx, "No unread email from primary backend, trying fallback",
		slog.String("primary", s.primary.Name()),
		slog.String("fallback", s.fallback.Name()),
	)
	return s.try(ctx, s.fallback)
}

// FetchOldestUnreadEmailContent returns the rendered summary, or "" when
// neither backend holds an unread message.
func (s *FetcherServiceImpl) FetchOldestUnreadEmailContent(ctx context.Context) (string, error) {
	outcome, err := s.FetchOldestUnread(ctx)
	if err != nil {
		return "", err
	}
	return outcome.String(), nil
}

func (s *FetcherServiceImpl) try(ctx context.Context, backend Backend) (summary.Outcome, error) {
	outcome, err := backend.FetchOldestUnread(ctx)

	result := resultNotFound
	switch {
	case err != nil:
		result = resultError
		s.logger.ErrorContext(ctx, "Fetch failed",
			slog.String("backend", backend.Name()),
			slog.Any("error", utils.WrapError(err)),
		)
	case outcome.IsFound():
		result = resultFound
		s.logger.InfoContext(ctx, "Fetched oldest unread email", slog.String("backend", backend.Name()))
	default:
		s.logger.InfoContext(ctx, "No unread email", slog.String("backend", backend.Name()))
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend.Name()),
		attribute.String("result", result),
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
	trace.SpanFromContext(ctx).AddEvent("fetch.outcome", trace.WithAttributes(attrs...))

	if err != nil {
		return summary.NotFound(), err
	}
	return outcome, nil
}
