package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Transport is the two-stage speech engine: text becomes a query plan, the plan
// becomes WAV audio.
type Transport interface {
	AudioQuery(ctx context.Context, text, styleID string) (json.RawMessage, error)
	Synthesize(ctx context.Context, plan json.RawMessage, styleID string, cancellable bool) ([]byte, error)
}

// Sink receives finished audio for a guild's voice call. It returns an error wrapping
// ErrSinkUnavailable when the guild has no call to play into.
type Sink interface {
	Enqueue(ctx context.Context, guildID string, audio []byte) error
}

// Cache stores synthesized audio by style and text. Misses and errors are treated alike.
type Cache interface {
	Get(ctx context.Context, styleID, text string) ([]byte, bool)
	Put(ctx context.Context, styleID, text string, audio []byte)
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Policy      RetryPolicy
	Cancellable bool
	Cache       Cache
	Logger      *slog.Logger
}

// Pipeline is the SynthesizeFunc used by workers: query plan, audio, hand-off.
type Pipeline struct {
	transport   Transport
	sink        Sink
	cache       Cache
	policy      RetryPolicy
	cancellable bool
	logger      *slog.Logger
	tracer      trace.Tracer
	retries     metric.Int64Counter
}

// NewPipeline wires transport and sink together.
func NewPipeline(transport Transport, sink Sink, opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	logger = logger.With(slog.String("component", "synthesis-pipeline"))
	return &Pipeline{
		transport:   transport,
		sink:        sink,
		cache:       opts.Cache,
		policy:      opts.Policy,
		cancellable: opts.Cancellable,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		retries:     newRetryCounter(logger),
	}
}

// SynthesizeAndPlay produces audio for job and hands it to the sink.
func (p *Pipeline) SynthesizeAndPlay(ctx context.Context, job Job) error {
	ctx, span := p.tracer.Start(ctx, "synthesis.job", trace.WithAttributes(
		attribute.String("guild.id", job.GuildID),
		attribute.String("job.id", job.ID),
		attribute.String("style.id", job.StyleID),
		attribute.Int("text.runes", len([]rune(job.Text))),
	))
	defer span.End()

	audio, err := p.Synthesize(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return err
	}
	if err := p.sink.Enqueue(ctx, job.GuildID, audio); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "playback hand-off failed")
		return fmt.Errorf("enqueue audio: %w", err)
	}
	return nil
}

// Synthesize runs both engine stages, each under its own retry budget. A plan that
// was obtained once is reused for every synthesis attempt.
func (p *Pipeline) Synthesize(ctx context.Context, job Job) ([]byte, error) {
	if p.cache != nil {
		if audio, ok := p.cache.Get(ctx, job.StyleID, job.Text); ok {
			p.logger.Debug("audio cache hit", slog.String("job_id", job.ID))
			return audio, nil
		}
	}

	plan, err := Retry(ctx, p.policy, func(ctx context.Context) (json.RawMessage, error) {
		ctx, span := p.tracer.Start(ctx, "synthesis.audio_query")
		defer span.End()
		return p.transport.AudioQuery(ctx, job.Text, job.StyleID)
	}, p.notify(job, "audio_query"))
	if err != nil {
		return nil, fmt.Errorf("audio query: %w", err)
	}

	audio, err := Retry(ctx, p.policy, func(ctx context.Context) ([]byte, error) {
		ctx, span := p.tracer.Start(ctx, "synthesis.synthesize")
		defer span.End()
		return p.transport.Synthesize(ctx, plan, job.StyleID, p.cancellable)
	}, p.notify(job, "synthesis"))
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}

	if p.cache != nil {
		p.cache.Put(ctx, job.StyleID, job.Text, audio)
	}
	return audio, nil
}

func (p *Pipeline) notify(job Job, stage string) RetryNotify {
	return func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("engine call failed, retrying",
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slogError(err))
		if p.retries != nil {
			p.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
		}
	}
}
