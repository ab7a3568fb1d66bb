package synthesis

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestPipelineReusesPlanAcrossSynthesisRetries(t *testing.T) {
	transport := &fakeTransport{synthFailures: 2}
	sink := newFakeSink()
	p := NewPipeline(transport, sink, PipelineOptions{Policy: fastPolicy(), Cancellable: true, Logger: newLogger()})

	if err := p.SynthesizeAndPlay(context.Background(), NewJob("G1", "hi", "3", "test")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	queries, synths := transport.calls()
	if queries != 1 {
		t.Fatalf("expected a single audio query, got %d", queries)
	}
	if synths != 3 {
		t.Fatalf("expected 3 synthesis attempts, got %d", synths)
	}
	for _, plan := range transport.plans {
		if plan != `"plan:hi"` {
			t.Fatalf("expected the first plan reused, got %s", plan)
		}
	}
	if !transport.lastCancelable {
		t.Fatal("expected cancellable synthesis endpoint")
	}
	if got := sink.received("G1"); len(got) != 1 || got[0] != "wav:hi" {
		t.Fatalf("unexpected audio %v", got)
	}
}

func TestPipelineRetriesQueryBeforeSynthesis(t *testing.T) {
	transport := &fakeTransport{queryFailures: 2}
	p := NewPipeline(transport, newFakeSink(), PipelineOptions{Policy: fastPolicy(), Logger: newLogger()})

	if _, err := p.Synthesize(context.Background(), NewJob("G1", "hi", "3", "test")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	queries, synths := transport.calls()
	if queries != 3 || synths != 1 {
		t.Fatalf("expected 3 queries then 1 synthesis, got %d and %d", queries, synths)
	}
}

func TestPipelineQueryExhaustedSkipsSynthesis(t *testing.T) {
	transport := &fakeTransport{queryFailures: 10}
	p := NewPipeline(transport, newFakeSink(), PipelineOptions{Policy: fastPolicy(), Logger: newLogger()})

	_, err := p.Synthesize(context.Background(), NewJob("G1", "hi", "3", "test"))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if _, synths := transport.calls(); synths != 0 {
		t.Fatalf("expected no synthesis attempts, got %d", synths)
	}
}

func TestPipelineSinkUnavailable(t *testing.T) {
	sink := newFakeSink()
	sink.unavailable["G1"] = true
	p := NewPipeline(&fakeTransport{}, sink, PipelineOptions{Policy: fastPolicy(), Logger: newLogger()})

	err := p.SynthesizeAndPlay(context.Background(), NewJob("G1", "hi", "3", "test"))
	if !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable, got %v", err)
	}
}

type mapCache struct {
	mu    sync.Mutex
	items map[string][]byte
	puts  int
}

func (c *mapCache) Get(_ context.Context, styleID, text string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	audio, ok := c.items[styleID+"/"+text]
	return audio, ok
}

func (c *mapCache) Put(_ context.Context, styleID, text string, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[styleID+"/"+text] = audio
	c.puts++
}

func TestPipelineUsesCache(t *testing.T) {
	transport := &fakeTransport{}
	cache := &mapCache{items: map[string][]byte{}}
	p := NewPipeline(transport, newFakeSink(), PipelineOptions{Policy: fastPolicy(), Cache: cache, Logger: newLogger()})

	for i := 0; i < 2; i++ {
		audio, err := p.Synthesize(context.Background(), NewJob("G1", "hi", "3", "test"))
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
		if string(audio) != "wav:hi" {
			t.Fatalf("unexpected audio %q", audio)
		}
	}
	if queries, synths := transport.calls(); queries != 1 || synths != 1 {
		t.Fatalf("expected engine hit once, got %d queries %d synths", queries, synths)
	}
	if cache.puts != 1 {
		t.Fatalf("expected one cache write, got %d", cache.puts)
	}
}
