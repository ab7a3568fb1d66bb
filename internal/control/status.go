package control

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voicebot/internal/bus"
	"github.com/loqalabs/loqa-voicebot/internal/protocol"
	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
)

// StatusPublisher broadcasts job transitions on voicebot.job.status.<guild>.
// Publishing only buffers in the NATS client, so it is safe on worker goroutines.
type StatusPublisher struct {
	bus    *bus.Client
	logger *slog.Logger
	clock  func() time.Time
}

func NewStatusPublisher(busClient *bus.Client, logger *slog.Logger) *StatusPublisher {
	return &StatusPublisher{
		bus:    busClient,
		logger: logger.With(slog.String("component", "status-publisher")),
		clock:  time.Now,
	}
}

func (p *StatusPublisher) JobQueued(job synthesis.Job) { p.publish(job, "queued", nil) }

func (p *StatusPublisher) JobStarted(job synthesis.Job) { p.publish(job, "started", nil) }

func (p *StatusPublisher) JobFinished(job synthesis.Job, outcome synthesis.Outcome, err error) {
	p.publish(job, string(outcome), err)
}

func (p *StatusPublisher) publish(job synthesis.Job, status string, err error) {
	msg := protocol.JobStatus{
		JobID:     job.ID,
		GuildID:   job.GuildID,
		Status:    status,
		Source:    job.Source,
		Timestamp: p.clock().UTC(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	if perr := p.bus.PublishJSON(protocol.JobStatusSubject(job.GuildID), msg); perr != nil {
		p.logger.Warn("failed to publish job status", slog.String("guild_id", job.GuildID), slogError(perr))
	}
}
