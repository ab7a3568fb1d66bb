package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
)

const recorderBuffer = 256

// Recorder writes job transitions to the store off the worker goroutines.
type Recorder struct {
	store  *Store
	events chan Event
	log    *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		events: make(chan Event, recorderBuffer),
		log:    log.With(slog.String("component", "event-recorder")),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) JobQueued(job synthesis.Job) { r.record(job, "queued", "") }

func (r *Recorder) JobStarted(job synthesis.Job) { r.record(job, "started", "") }

func (r *Recorder) JobFinished(job synthesis.Job, outcome synthesis.Outcome, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	r.record(job, string(outcome), detail)
}

func (r *Recorder) record(job synthesis.Job, kind, detail string) {
	evt := Event{
		GuildID:   job.GuildID,
		JobID:     job.ID,
		Type:      kind,
		Source:    job.Source,
		StyleID:   job.StyleID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- evt:
	default:
		r.log.Warn("event buffer full, dropping", slog.String("guild_id", job.GuildID), slog.String("type", kind))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for evt := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.AppendEvent(ctx, evt); err != nil {
			r.log.Warn("append event failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Close flushes buffered events.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
		r.wg.Wait()
	})
}
