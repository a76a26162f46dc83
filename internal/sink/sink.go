// Package sink delivers flushed analytics batches to external systems.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
)

// Sink receives sub-batches from the batcher.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, b batcher.Batch) error
}

// Fanout returns a batch callback that hands every sub-batch to each sink in
// order. A failing sink does not stop the others; the first error is
// returned so the batcher counts the callback as failed.
func Fanout(logger *slog.Logger, sinks ...Sink) batcher.Callback {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, b batcher.Batch) error {
		var first error
		for _, s := range sinks {
			if err := s.Deliver(ctx, b); err != nil {
				metrics.SinkDeliveries.WithLabelValues(s.Name(), "error").Inc()
				logger.Warn("sink: delivery failed", "sink", s.Name(), "batch_id", b.ID, "part", b.Part, "err", err)
				if first == nil {
					first = fmt.Errorf("%s: %w", s.Name(), err)
				}
				continue
			}
			metrics.SinkDeliveries.WithLabelValues(s.Name(), "ok").Inc()
		}
		return first
	}
}

// contentType maps a batch encoding to a MIME type for object stores and
// message headers.
func contentType(encoding string) string {
	switch encoding {
	case batcher.EncodingGzip:
		return "application/gzip"
	case batcher.EncodingZstd:
		return "application/zstd"
	default:
		return "application/json"
	}
}
