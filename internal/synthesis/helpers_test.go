package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errEngineDown = errors.New("engine unavailable")

// fakeTransport returns "plan:<text>" as the query plan and "wav:<text>" as audio.
type fakeTransport struct {
	mu             sync.Mutex
	queryCalls     int
	synthCalls     int
	plans          []string
	queryFailures  int
	synthFailures  int
	failText       map[string]bool
	blockText      map[string]bool
	synthStarted   chan string
	lastCancelable bool
}

func (f *fakeTransport) AudioQuery(ctx context.Context, text, styleID string) (json.RawMessage, error) {
	f.mu.Lock()
	f.queryCalls++
	fail := f.queryFailures > 0 || f.failText[text]
	if f.queryFailures > 0 {
		f.queryFailures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errEngineDown
	}
	plan, _ := json.Marshal("plan:" + text)
	return plan, nil
}

func (f *fakeTransport) Synthesize(ctx context.Context, plan json.RawMessage, styleID string, cancellable bool) ([]byte, error) {
	var text string
	if err := json.Unmarshal(plan, &text); err != nil {
		return nil, err
	}
	text = text[len("plan:"):]

	f.mu.Lock()
	f.synthCalls++
	f.plans = append(f.plans, string(plan))
	f.lastCancelable = cancellable
	fail := f.synthFailures > 0
	if fail {
		f.synthFailures--
	}
	block := f.blockText[text]
	started := f.synthStarted
	f.mu.Unlock()

	if started != nil {
		started <- text
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errEngineDown
	}
	return []byte("wav:" + text), nil
}

func (f *fakeTransport) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls, f.synthCalls
}

// fakeSink records audio per guild.
type fakeSink struct {
	mu          sync.Mutex
	audio       map[string][]string
	unavailable map[string]bool
	delivered   chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{audio: make(map[string][]string), unavailable: make(map[string]bool), delivered: make(chan string, 64)}
}

func (s *fakeSink) Enqueue(_ context.Context, guildID string, audio []byte) error {
	s.mu.Lock()
	if s.unavailable[guildID] {
		s.mu.Unlock()
		return ErrSinkUnavailable
	}
	s.audio[guildID] = append(s.audio[guildID], string(audio))
	s.mu.Unlock()
	s.delivered <- string(audio)
	return nil
}

func (s *fakeSink) received(guildID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.audio[guildID]...)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func newTestSupervisor(t *testing.T, transport *fakeTransport, sink *fakeSink, opts SupervisorOptions) *Supervisor {
	t.Helper()
	pipeline := NewPipeline(transport, sink, PipelineOptions{Policy: fastPolicy(), Cancellable: true, Logger: newLogger()})
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	sup := NewSupervisor(context.Background(), NewQueue(0), pipeline.SynthesizeAndPlay, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func expectDelivered(t *testing.T, sink *fakeSink, want string) {
	t.Helper()
	select {
	case got := <-sink.delivered:
		if got != want {
			t.Fatalf("expected %q delivered, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

// recordingObserver keeps every lifecycle event.
type recordingObserver struct {
	mu       sync.Mutex
	queued   []string
	started  []string
	outcomes map[string]Outcome
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{outcomes: make(map[string]Outcome)}
}

func (r *recordingObserver) JobQueued(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, job.Text)
}

func (r *recordingObserver) JobStarted(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, job.Text)
}

func (r *recordingObserver) JobFinished(job Job, outcome Outcome, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[job.Text] = outcome
}

func (r *recordingObserver) outcome(text string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[text]
	return o, ok
}
