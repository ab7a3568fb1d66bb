package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicebot/internal/audiocache"
	"github.com/loqalabs/loqa-voicebot/internal/bus"
	"github.com/loqalabs/loqa-voicebot/internal/config"
	"github.com/loqalabs/loqa-voicebot/internal/control"
	"github.com/loqalabs/loqa-voicebot/internal/discord"
	"github.com/loqalabs/loqa-voicebot/internal/eventstore"
	"github.com/loqalabs/loqa-voicebot/internal/natsserver"
	"github.com/loqalabs/loqa-voicebot/internal/playback"
	"github.com/loqalabs/loqa-voicebot/internal/protocol"
	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
	"github.com/loqalabs/loqa-voicebot/internal/voicevox"
)

const (
	pruneInterval   = time.Hour
	statusRetention = 24 * time.Hour
)

type closer struct {
	name string
	fn   func(context.Context) error
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup

	closers []closer

	store      *eventstore.Store
	busClient  *bus.Client
	control    *control.Service
	bot        *discord.Bot
	dispatcher *control.Dispatcher
	httpServer *http.Server
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves until ctx is done, then shuts down in reverse.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.build(ctx); err != nil {
		cancel()
		if cerr := r.shutdown(); cerr != nil {
			r.logger.Error("cleanup after failed start", slogError(cerr))
		}
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started")

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return r.shutdown()
}

func (r *Runtime) onClose(name string, fn func(context.Context) error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

func (r *Runtime) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(ctx); err != nil {
			r.logger.Error("shutdown error", slog.String("component", c.name), slogError(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	r.closers = nil
	r.wg.Wait()
	return errors.Join(errs...)
}

func (r *Runtime) build(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose("telemetry", shutdownTelemetry)

	if err := r.startEventStore(ctx); err != nil {
		return err
	}
	if err := r.startBus(ctx); err != nil {
		return err
	}

	engine := voicevox.NewClient(r.cfg.Engine)
	catalog := voicevox.NewCatalog(engine, time.Duration(r.cfg.Engine.SpeakersTTLSecs)*time.Second)
	probeCtx, cancelProbe := context.WithTimeout(ctx, 3*time.Second)
	version, err := engine.Version(probeCtx)
	cancelProbe()
	if err != nil {
		r.logger.Warn("synthesis engine not reachable yet", slog.String("endpoint", engine.Endpoint()), slogError(err))
	} else {
		r.logger.Info("synthesis engine reachable", slog.String("endpoint", engine.Endpoint()), slog.String("version", version))
	}

	player := playback.NewPlayer(ctx, r.cfg.Playback.MaxTracks, r.logger)
	r.onClose("player", func(context.Context) error {
		player.Close()
		return nil
	})
	shared, err := r.sharedOutput()
	if err != nil {
		return err
	}
	var sink synthesis.Sink = player
	if shared != nil {
		sink = &sharedOutputSink{player: player, output: shared}
	}

	pipelineOpts := synthesis.PipelineOptions{
		Policy: synthesis.RetryPolicy{
			MaxAttempts: r.cfg.Synthesis.MaxAttempts,
			BaseDelay:   time.Duration(r.cfg.Synthesis.BaseDelayMS) * time.Millisecond,
		},
		Cancellable: r.cfg.Engine.Cancellable,
		Logger:      r.logger,
	}
	if r.cfg.Cache.Enabled {
		cache := audiocache.New(r.cfg.Cache, r.logger)
		if err := cache.Ping(ctx); err != nil {
			r.logger.Warn("audio cache unreachable, continuing without hits", slogError(err))
		}
		pipelineOpts.Cache = cache
		r.onClose("audio-cache", func(context.Context) error { return cache.Close() })
	}
	pipeline := synthesis.NewPipeline(engine, sink, pipelineOpts)

	recorder := eventstore.NewRecorder(r.store, r.logger)
	r.onClose("event-recorder", func(context.Context) error {
		recorder.Close()
		return nil
	})
	observers := synthesis.Observers{recorder}
	if r.busClient != nil {
		observers = append(observers, control.NewStatusPublisher(r.busClient, r.logger))
	}

	sup := synthesis.NewSupervisor(ctx, synthesis.NewQueue(r.cfg.Synthesis.MaxPending), pipeline.SynthesizeAndPlay, synthesis.SupervisorOptions{
		Tracks:   player,
		Observer: observers,
		Logger:   r.logger,
	})
	r.onClose("synthesis-supervisor", sup.Shutdown)

	r.dispatcher = control.NewDispatcher(sup, control.DispatcherOptions{
		Catalog:      catalog,
		Preferences:  r.store,
		DefaultStyle: r.cfg.Synthesis.DefaultStyleID,
		MaxTextRunes: r.cfg.Synthesis.MaxTextRunes,
		Logger:       r.logger,
	})

	if r.busClient != nil {
		r.control = control.NewService(ctx, r.busClient, r.dispatcher, r.logger)
		if err := r.control.Start(); err != nil {
			return fmt.Errorf("failed to start control service: %w", err)
		}
		r.onClose("control-service", func(context.Context) error {
			r.control.Close()
			return nil
		})
	}

	if r.cfg.Discord.Enabled {
		if err := r.startDiscord(ctx, player, shared); err != nil {
			return err
		}
	}

	if r.cfg.HTTP.Enabled {
		r.startHTTP(metricsHandler)
	}
	return nil
}

func (r *Runtime) startEventStore(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.onClose("eventstore", func(context.Context) error { return store.Close() })

	if !store.Persistent() {
		return nil
	}
	pruneCtx, stopPrune := context.WithCancel(ctx)
	r.onClose("eventstore-prune", func(context.Context) error {
		stopPrune()
		return nil
	})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				if err := store.Prune(pruneCtx); err != nil && pruneCtx.Err() == nil {
					r.logger.Warn("event store prune failed", slogError(err))
				}
			}
		}
	}()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if embedded != nil {
		r.onClose("nats-server", func(context.Context) error {
			embedded.Shutdown()
			return nil
		})
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.busClient = client
	r.onClose("bus", func(context.Context) error {
		client.Close()
		return nil
	})

	subjects := []string{protocol.SubjectJobStatusPrefix + ".>"}
	if err := client.EnsureStream(protocol.JobStream, subjects, statusRetention); err != nil {
		r.logger.Warn("job status stream unavailable, publishing without retention", slogError(err))
	}
	return nil
}

// sharedOutput is the single output every guild plays into when audio is not sent to
// Discord voice. It is nil in discord mode.
func (r *Runtime) sharedOutput() (playback.Output, error) {
	switch r.cfg.Playback.Mode {
	case "speaker":
		out, err := playback.NewSpeakerOutput(r.cfg.Playback.SampleRate, r.cfg.Playback.Channels, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open speaker: %w", err)
		}
		return out, nil
	case "discard":
		return &playback.DiscardOutput{}, nil
	default:
		return nil, nil
	}
}

func (r *Runtime) startDiscord(ctx context.Context, player *playback.Player, shared playback.Output) error {
	bot, err := discord.New(ctx, r.cfg.Discord, r.dispatcher, player, r.logger)
	if err != nil {
		return err
	}
	if shared != nil {
		bot.SetOutputFactory(func(string, string) (playback.Output, error) { return shared, nil })
	} else {
		bot.SetOutputFactory(bot.VoiceOutputFactory(r.cfg.Playback.EncoderCommand))
	}
	if err := bot.Start(); err != nil {
		return err
	}
	r.bot = bot
	r.onClose("discord", func(context.Context) error { return bot.Close() })
	return nil
}

func (r *Runtime) startHTTP(metrics http.Handler) {
	handler := (&api{
		dispatcher: r.dispatcher,
		events:     r.store,
		metrics:    metrics,
		ready:      r.readiness,
		logger:     r.logger.With(slog.String("component", "http")),
	}).routes()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.onClose("http", r.httpServer.Shutdown)
	r.logger.Info("http server listening", slog.String("addr", addr))
}

func (r *Runtime) readiness() map[string]bool {
	checks := map[string]bool{"runtime": r.ready.Load()}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		checks["eventstore"] = r.store.Ping(ctx) == nil
		cancel()
	}
	if r.busClient != nil {
		checks["bus"] = r.busClient.Healthy()
	}
	if r.control != nil {
		checks["control"] = r.control.Healthy()
	}
	if r.bot != nil {
		checks["discord"] = r.bot.Healthy()
	}
	return checks
}

// sharedOutputSink attaches the shared output to a guild on its first clip.
type sharedOutputSink struct {
	player *playback.Player
	output playback.Output
	mu     sync.Mutex
}

func (s *sharedOutputSink) Enqueue(ctx context.Context, guildID string, audio []byte) error {
	s.mu.Lock()
	if !s.player.Attached(guildID) {
		s.player.Attach(guildID, s.output)
	}
	s.mu.Unlock()
	return s.player.Enqueue(ctx, guildID, audio)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
