package feeder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/metricbus/internal/logging"
	"github.com/torosent/metricbus/internal/metric"
)

// ReplayOptions controls pacing.
type ReplayOptions struct {
	// Rate is metrics per second; 0 replays as fast as the source reads.
	Rate float64
	// Restamp replaces recorded timestamps with the publish time. Metrics
	// without a timestamp are always stamped.
	Restamp bool
	Logger  *slog.Logger
}

// Result summarizes a replay.
type Result struct {
	Published int
	Skipped   int
}

// Replay reads src to the end and hands every metric to publish.
// Malformed records are logged and skipped. It returns ctx.Err() when
// cancelled.
func Replay(ctx context.Context, src Source, publish func(metric.Metric), opts ReplayOptions) (Result, error) {
	logger := logging.OrDiscard(opts.Logger).With("component", "feeder")
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}

	var res Result
	for {
		m, err := src.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			logger.Info("input replay finished", "published", res.Published, "skipped", res.Skipped)
			return res, nil
		}
		var recErr *RecordError
		if errors.As(err, &recErr) {
			res.Skipped++
			logger.Warn("skipping malformed input record", "line", recErr.Line, "error", recErr.Err)
			continue
		}
		if err != nil {
			return res, err
		}

		if limiter != nil {
			if err := wait(ctx, limiter); err != nil {
				return res, err
			}
		}
		if opts.Restamp || m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		publish(m)
		res.Published++
	}
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	r := limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
