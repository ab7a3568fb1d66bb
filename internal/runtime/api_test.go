package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicebot/internal/config"
	"github.com/loqalabs/loqa-voicebot/internal/control"
	"github.com/loqalabs/loqa-voicebot/internal/eventstore"
	"github.com/loqalabs/loqa-voicebot/internal/protocol"
	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
	"github.com/loqalabs/loqa-voicebot/internal/voicevox"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticCatalog []voicevox.StyleInfo

func (c staticCatalog) Lookup(_ context.Context, styleID string) (voicevox.StyleInfo, bool, error) {
	for _, st := range c {
		if strconv.Itoa(st.ID) == styleID {
			return st, true, nil
		}
	}
	return voicevox.StyleInfo{}, false, nil
}

func (c staticCatalog) Styles(context.Context) ([]voicevox.StyleInfo, error) { return c, nil }

type fakeEvents struct {
	mu    sync.Mutex
	limit int
}

func (f *fakeEvents) lastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func (f *fakeEvents) ListGuildEvents(_ context.Context, guildID string, limit int) ([]eventstore.Event, error) {
	f.mu.Lock()
	f.limit = limit
	f.mu.Unlock()
	return []eventstore.Event{{ID: 1, GuildID: guildID, JobID: "j1", Type: "queued"}}, nil
}

type apiHarness struct {
	server  *httptest.Server
	started chan synthesis.Job
	events  *fakeEvents

	mu    sync.Mutex
	ready map[string]bool
}

func (h *apiHarness) setReady(checks map[string]bool) {
	h.mu.Lock()
	h.ready = checks
	h.mu.Unlock()
}

func (h *apiHarness) readiness() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		started: make(chan synthesis.Job, 8),
		events:  &fakeEvents{},
		ready:   map[string]bool{"runtime": true},
	}
	run := func(ctx context.Context, job synthesis.Job) error {
		h.started <- job
		<-ctx.Done()
		return context.Cause(ctx)
	}
	sup := synthesis.NewSupervisor(context.Background(), synthesis.NewQueue(0), run, synthesis.SupervisorOptions{Logger: newLogger()})
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dispatcher := control.NewDispatcher(sup, control.DispatcherOptions{
		Catalog:      staticCatalog{{Speaker: "ずんだもん", Credit: "ずんだもん", Style: "ノーマル", ID: 3}},
		Preferences:  store,
		DefaultStyle: "3",
		MaxTextRunes: 200,
		Logger:       newLogger(),
	})
	a := &api{
		dispatcher: dispatcher,
		events:     h.events,
		metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
		ready:  h.readiness,
		logger: newLogger(),
	}
	h.server = httptest.NewServer(a.routes())
	t.Cleanup(h.server.Close)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (h *apiHarness) waitStarted(t *testing.T) synthesis.Job {
	t.Helper()
	select {
	case job := <-h.started:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
		return synthesis.Job{}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	h := newAPIHarness(t)
	if status, body := h.do(t, http.MethodGet, "/healthz", ""); status != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %q", status, body)
	}
	if status, _ := h.do(t, http.MethodGet, "/readyz", ""); status != http.StatusOK {
		t.Fatalf("readyz: %d", status)
	}
	h.setReady(map[string]bool{"runtime": true, "bus": false})
	status, body := h.do(t, http.MethodGet, "/readyz", "")
	if status != http.StatusServiceUnavailable || !strings.Contains(string(body), `"bus":false`) {
		t.Fatalf("readyz with failing check: %d %s", status, body)
	}
	if status, body := h.do(t, http.MethodGet, "/metrics", ""); status != http.StatusOK || string(body) != "# metrics" {
		t.Fatalf("metrics: %d %q", status, body)
	}
}

func TestSpeakQueuesJob(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodPost, "/v1/guilds/G1/speak", `{"text":"  こんにちは  "}`)
	if status != http.StatusAccepted {
		t.Fatalf("speak: %d %s", status, body)
	}
	var resp speakResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "こんにちは" || resp.StyleID != "3" || resp.JobID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if job := h.waitStarted(t); job.ID != resp.JobID || job.Source != "http" {
		t.Fatalf("unexpected job %+v", job)
	}

	h.do(t, http.MethodPost, "/v1/guilds/G1/speak", `{"text":"つぎ"}`)
	status, body = h.do(t, http.MethodGet, "/v1/guilds/G1/queue", "")
	if status != http.StatusOK {
		t.Fatalf("queue: %d", status)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if !reply.Running || reply.Active != resp.JobID || len(reply.Pending) != 1 || reply.Pending[0].Text != "つぎ" {
		t.Fatalf("unexpected queue %+v", reply)
	}
}

func TestSpeakRejectsBadInput(t *testing.T) {
	h := newAPIHarness(t)
	cases := []struct {
		body string
		want int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"text":"   "}`, http.StatusBadRequest},
		{`{"text":"hi","style_id":"abc"}`, http.StatusBadRequest},
		{`{"text":"hi","style_id":"99"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if status, body := h.do(t, http.MethodPost, "/v1/guilds/G1/speak", tc.body); status != tc.want {
			t.Errorf("body %s: status %d (%s), want %d", tc.body, status, body, tc.want)
		}
	}
}

func TestSkipAndClear(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/v1/guilds/G1/speak", `{"text":"いち"}`)
	h.waitStarted(t)
	h.do(t, http.MethodPost, "/v1/guilds/G1/speak", `{"text":"に"}`)
	h.do(t, http.MethodPost, "/v1/guilds/G1/speak", `{"text":"さん"}`)

	status, body := h.do(t, http.MethodPost, "/v1/guilds/G1/skip", "")
	var reply protocol.ControlReply
	if err := json.Unmarshal(body, &reply); err != nil || status != http.StatusOK {
		t.Fatalf("skip: %d %s", status, body)
	}
	if reply.Skipped != synthesis.SkipSynthesis.String() {
		t.Fatalf("unexpected skip result %q", reply.Skipped)
	}
	if job := h.waitStarted(t); job.Text != "に" {
		t.Fatalf("next job %q", job.Text)
	}

	_, body = h.do(t, http.MethodPost, "/v1/guilds/G1/clear", "")
	reply = protocol.ControlReply{}
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("decode clear: %v", err)
	}
	if reply.Dropped != 1 {
		t.Fatalf("dropped %d, want 1", reply.Dropped)
	}
}

func TestEventsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodGet, "/v1/guilds/G1/events", "")
	if status != http.StatusOK || !strings.Contains(string(body), `"count":1`) {
		t.Fatalf("events: %d %s", status, body)
	}
	if h.events.lastLimit() != defaultEventLimit {
		t.Fatalf("default limit %d", h.events.lastLimit())
	}
	h.do(t, http.MethodGet, "/v1/guilds/G1/events?limit=5", "")
	if h.events.lastLimit() != 5 {
		t.Fatalf("limit %d, want 5", h.events.lastLimit())
	}
	if status, _ := h.do(t, http.MethodGet, "/v1/guilds/G1/events?limit=-1", ""); status != http.StatusBadRequest {
		t.Fatalf("negative limit accepted: %d", status)
	}
}

func TestStylesAndPreferences(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodGet, "/v1/styles", "")
	if status != http.StatusOK || !strings.Contains(string(body), "ずんだもん") {
		t.Fatalf("styles: %d %s", status, body)
	}
	if status, body := h.do(t, http.MethodPut, "/v1/guilds/G1/style", `{"style_id":"3"}`); status != http.StatusOK {
		t.Fatalf("guild style: %d %s", status, body)
	}
	if status, _ := h.do(t, http.MethodPut, "/v1/users/U1/style", `{"style_id":"42"}`); status != http.StatusBadRequest {
		t.Fatalf("unknown style accepted: %d", status)
	}
}
