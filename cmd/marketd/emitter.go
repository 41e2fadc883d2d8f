package main

import (
	"log/slog"

	"nftmarket/config"
	"nftmarket/core/events"
	"nftmarket/core/types"
	"nftmarket/observability"
)

type typedEvent interface {
	Event() *types.Event
}

// eventLogger writes every market event as a structured log line and feeds
// settled sales into the volume metric.
type eventLogger struct {
	logger  *slog.Logger
	token   config.PaymentToken
	metrics *observability.MarketMetrics
}

func newEventLogger(logger *slog.Logger, token config.PaymentToken, metrics *observability.MarketMetrics) *eventLogger {
	return &eventLogger{logger: logger.With("component", "events"), token: token, metrics: metrics}
}

func (l *eventLogger) Emit(evt events.Event) {
	if sold, ok := evt.(events.MarketSold); ok {
		l.metrics.RecordSale(l.token.Symbol, sold.Price, l.token.Decimals)
	}
	typed, ok := evt.(typedEvent)
	if !ok {
		l.logger.Info("market event", "type", evt.EventType())
		return
	}
	payload := typed.Event()
	args := make([]any, 0, 2+2*len(payload.Attributes))
	args = append(args, "type", payload.Type)
	for k, v := range payload.Attributes {
		args = append(args, k, v)
	}
	l.logger.Info("market event", args...)
}
