package synthesis

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-voicebot/synthesis"

type metrics struct {
	enqueuedTotal metric.Int64Counter
	finishedTotal metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

func newMetrics(queue *Queue, logger *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error

	if m.enqueuedTotal, err = meter.Int64Counter("voicebot.jobs.enqueued",
		metric.WithDescription("Jobs accepted into a guild queue")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "voicebot.jobs.enqueued"), slogError(err))
	}
	if m.finishedTotal, err = meter.Int64Counter("voicebot.jobs.finished",
		metric.WithDescription("Jobs that left the pipeline, by outcome")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "voicebot.jobs.finished"), slogError(err))
	}
	if m.jobDuration, err = meter.Float64Histogram("voicebot.job.duration",
		metric.WithDescription("Time from dequeue to hand-off or failure"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "voicebot.job.duration"), slogError(err))
	}

	depth, err := meter.Int64ObservableGauge("voicebot.queue.depth",
		metric.WithDescription("Jobs waiting across all guilds"))
	if err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "voicebot.queue.depth"), slogError(err))
		return m
	}
	workers, err := meter.Int64ObservableGauge("voicebot.workers.running",
		metric.WithDescription("Guilds with a draining worker"))
	if err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "voicebot.workers.running"), slogError(err))
		return m
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var pending, running int64
		for _, st := range queue.Snapshot() {
			pending += int64(st.Pending)
			if st.Running {
				running++
			}
		}
		obs.ObserveInt64(depth, pending)
		obs.ObserveInt64(workers, running)
		return nil
	}, depth, workers)
	if err != nil {
		logger.Warn("failed to register queue metrics", slogError(err))
	}
	return m
}

func (m *metrics) enqueued(job Job) {
	if m == nil || m.enqueuedTotal == nil {
		return
	}
	m.enqueuedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", job.Source)))
}

func (m *metrics) finished(job Job, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	if m.finishedTotal != nil {
		m.finishedTotal.Add(context.Background(), 1, attrs)
	}
	if m.jobDuration != nil && outcome != OutcomeDropped {
		m.jobDuration.Record(context.Background(), elapsed.Seconds(), attrs)
	}
}

func newRetryCounter(logger *slog.Logger) metric.Int64Counter {
	counter, err := otel.Meter(instrumentationName).Int64Counter("voicebot.synthesis.retries",
		metric.WithDescription("Failed engine calls that were retried, by stage"))
	if err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "voicebot.synthesis.retries"), slogError(err))
		return nil
	}
	return counter
}
