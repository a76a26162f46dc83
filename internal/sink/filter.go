package sink

import (
	"context"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/route"
)

// Filtered wraps s so it only receives events matching rule. Sub-batches
// with no matching events are skipped.
func Filtered(s Sink, rule *route.Rule) Sink {
	if rule == nil || rule.String() == "" {
		return s
	}
	return &filtered{next: s, rule: rule}
}

type filtered struct {
	next Sink
	rule *route.Rule
}

func (f *filtered) Name() string { return f.next.Name() }

func (f *filtered) Deliver(ctx context.Context, b batcher.Batch) error {
	matched := f.rule.Filter(b.Events)
	switch {
	case len(matched) == 0:
		return nil
	case len(matched) == len(b.Events):
		return f.next.Deliver(ctx, b)
	}
	sub, err := batcher.Subset(b, matched)
	if err != nil {
		return err
	}
	return f.next.Deliver(ctx, sub)
}
