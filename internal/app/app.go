// Package app wires all Galatea subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds every component from
// the config, Run connects, restores conversations and serves until the
// context ends or the console quits, and Shutdown tears everything down in
// order.
//
// For testing, inject fakes via functional options (WithDirectory,
// WithAvatarAPI, WithPlayer, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lichenr3/Galatea/internal/avatar"
	"github.com/lichenr3/Galatea/internal/backend"
	"github.com/lichenr3/Galatea/internal/config"
	"github.com/lichenr3/Galatea/internal/console"
	"github.com/lichenr3/Galatea/internal/conversation"
	"github.com/lichenr3/Galatea/internal/health"
	"github.com/lichenr3/Galatea/internal/journal"
	"github.com/lichenr3/Galatea/internal/observe"
	"github.com/lichenr3/Galatea/internal/transport"
	"github.com/lichenr3/Galatea/pkg/audio"
	"github.com/lichenr3/Galatea/pkg/audio/player"
	"github.com/lichenr3/Galatea/pkg/audio/sequencer"
	"github.com/lichenr3/Galatea/pkg/protocol"
)

// startupTimeout bounds each start-up request (connect, refresh, avatar
// status).
const startupTimeout = 15 * time.Second

// serverShutdownTimeout bounds the diagnostics server drain.
const serverShutdownTimeout = 5 * time.Second

// App owns all component lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	level      *slog.LevelVar
	metrics    *observe.Metrics

	// Collaborators, injectable for tests.
	directory backend.Directory
	avatarAPI backend.Avatar
	player    audio.Player
	in        io.Reader
	out       io.Writer

	// Components, initialised in New, torn down in Shutdown.
	avatar   *avatar.Controller
	link     *Link
	store    *conversation.Store
	reducer  *conversation.Reducer
	seq      *sequencer.Sequencer
	journal  *journal.Journal
	console  *console.Console
	watcher  *config.Watcher
	health   *health.Handler
	router   chi.Router

	audioOn atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDirectory injects a session directory instead of the HTTP client.
func WithDirectory(d backend.Directory) Option {
	return func(a *App) { a.directory = d }
}

// WithAvatarAPI injects the avatar endpoints instead of the HTTP client.
func WithAvatarAPI(av backend.Avatar) Option {
	return func(a *App) { a.avatarAPI = av }
}

// WithPlayer injects the audio player instead of the one named by
// audio.player.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithMetrics sets the instruments every component records to.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config hot reload change the level of the installed
// logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithConsole attaches the line console to in and out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all components together. No network traffic
// happens before [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Client.LogLevel.Slog())
	}
	a.audioOn.Store(cfg.Client.EnableAudio)

	// ── 1. Backend clients ───────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}
	a.avatar = avatar.New(a.avatarAPI,
		avatar.WithMaxFailures(cfg.Avatar.MaxFailures),
		avatar.WithResetTimeout(cfg.Avatar.ResetTimeout),
	)

	// ── 2. Journal ───────────────────────────────────────────────────────
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("app: open journal: %w", err)
		}
		a.journal = j
	}

	// ── 3. Audio ─────────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.closeJournal()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 4. Store, reducer, link ──────────────────────────────────────────
	a.initConversations()

	// ── 5. Hot reload ────────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			a.closeJournal()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	// ── 6. Diagnostics ───────────────────────────────────────────────────
	a.initDiagnostics()

	// ── 7. Console ───────────────────────────────────────────────────────
	if a.in != nil && a.out != nil {
		copts := []console.Option{
			console.WithAvatar(a.avatar),
			console.WithLink(a.link),
			console.WithAudioToggle(a),
		}
		if a.journal != nil {
			copts = append(copts, console.WithTranscripts(a.journal))
		}
		a.console = console.New(a.in, a.out, a.store, copts...)
	}

	// Closer order: stop inbound traffic, then drain background work and
	// playback, then release storage.
	a.closers = append(a.closers, func() error { a.link.Stop(); return nil })
	a.closers = append(a.closers, a.store.Close)
	if a.seq != nil {
		a.closers = append(a.closers, a.seq.Close)
	}
	if a.journal != nil {
		a.closers = append(a.closers, a.journal.Close)
	}

	slog.Info("app initialised",
		"ws_url", cfg.Server.WSURL,
		"api_url", cfg.Server.APIURL,
		"player", cfg.Audio.Player,
		"journal", cfg.Journal.Path != "",
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBackend builds the HTTP client for whichever collaborator was not
// injected.
func (a *App) initBackend() error {
	if a.directory != nil && a.avatarAPI != nil {
		return nil
	}
	c, err := backend.New(a.cfg.Server.APIURL,
		backend.WithTimeout(a.cfg.Client.RequestTimeout),
		backend.WithAssetURL(a.cfg.Server.AssetURL),
		backend.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	if a.directory == nil {
		a.directory = c
	}
	if a.avatarAPI == nil {
		a.avatarAPI = c
	}
	return nil
}

// initAudio selects the player and starts the sequencer. With player "none"
// and no injected player, audio chunks are discarded by the reducer.
func (a *App) initAudio() error {
	if a.player == nil {
		switch a.cfg.Audio.Player {
		case config.PlayerCommand:
			p, err := player.NewCommand(a.cfg.Audio.Command...)
			if err != nil {
				return err
			}
			a.player = p
		case config.PlayerTimed:
			a.player = &player.Timed{}
		case config.PlayerNone:
			return nil
		}
	}
	a.seq = sequencer.New(a.player, sequencer.WithReport(a.reportSegment))
	return nil
}

func (a *App) initConversations() {
	channel := transport.New(a.cfg.Server.WSURL,
		transport.WithHeartbeatInterval(a.cfg.Client.HeartbeatInterval),
		transport.WithReadLimit(a.cfg.Client.ReadLimit),
		transport.WithMetrics(a.metrics),
	)

	// The reducer is assigned before the link can deliver anything.
	a.link = NewLink(channel, func(m protocol.Message) { a.reducer.Handle(m) })

	sopts := []conversation.Option{
		conversation.WithSender(a.link),
		conversation.WithAvatar(a.avatar),
		conversation.WithLanguage(string(a.cfg.Client.Language)),
		conversation.WithObserver(a.observe),
	}
	if a.journal != nil {
		sopts = append(sopts, conversation.WithRecorder(a.journal))
	}
	a.store = conversation.NewStore(a.directory, sopts...)

	ropts := []conversation.ReducerOption{conversation.WithMetrics(a.metrics)}
	if a.seq != nil {
		ropts = append(ropts, conversation.WithAudio(a.seq))
	}
	a.reducer = conversation.NewReducer(a.store, ropts...)
}

func (a *App) initDiagnostics() {
	a.health = health.New(
		health.Checker{Name: "transport", Check: func(context.Context) error {
			if !a.link.Connected() {
				return errors.New("not connected")
			}
			return nil
		}},
		health.Checker{Name: "directory", Check: func(ctx context.Context) error {
			_, err := a.directory.Characters(ctx)
			return err
		}},
	)

	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))
	a.health.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	a.router = r
}

// Handler returns the diagnostics router (/healthz, /readyz, /metrics).
func (a *App) Handler() http.Handler {
	return a.router
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Store returns the conversation store.
func (a *App) Store() *conversation.Store { return a.store }

// Link returns the WebSocket link.
func (a *App) Link() *Link { return a.link }

// Avatar returns the avatar controller.
func (a *App) Avatar() *avatar.Controller { return a.avatar }

// AudioEnabled reports whether new messages ask the server for speech.
func (a *App) AudioEnabled() bool { return a.audioOn.Load() }

// SetAudio turns speech for new messages on or off.
func (a *App) SetAudio(on bool) {
	if a.audioOn.Swap(on) != on {
		slog.Info("audio toggled", "enabled", on)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects, restores conversations and serves until ctx is cancelled or
// the console quits. Start-up failures of the side channels are logged, not
// returned: the client stays usable and /connect retries the link.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)

	if addr := a.cfg.Diagnostics.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: a.router, ReadHeaderTimeout: 5 * time.Second}
		slog.Info("diagnostics listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	if a.console != nil {
		g.Go(func() error {
			defer cancel()
			return a.console.Run(gctx)
		})
	}

	slog.Info("app running")
	<-gctx.Done()
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// start performs the start-up sequence: connect, list conversations, pick
// the first one, and check the avatar process.
func (a *App) start(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := a.link.Start(sctx); err != nil {
		slog.Error("failed to connect", "url", a.cfg.Server.WSURL, "err", err)
	}

	if err := a.store.Refresh(sctx); err != nil {
		slog.Warn("failed to load conversations", "err", err)
	} else if a.store.ActiveID() == "" {
		if convs := a.store.Conversations(); len(convs) > 0 {
			if err := a.store.Select(sctx, convs[0].ID); err != nil {
				slog.Warn("failed to select conversation", "conversation_id", convs[0].ID, "err", err)
			}
		}
	}

	st, err := a.avatar.Status(sctx)
	if err != nil {
		slog.Warn("avatar status unavailable", "err", err)
		return
	}
	if st.Running || !a.cfg.Avatar.AutoLaunch {
		return
	}
	active, _ := a.store.Active()
	res, err := a.avatar.Launch(sctx, active.CharacterID)
	if err != nil {
		slog.Warn("avatar launch failed", "err", err)
		return
	}
	slog.Info("avatar launched", "success", res.Success, "message", res.Message)
}

// ─── Callbacks ───────────────────────────────────────────────────────────────

// observe forwards store events to the console. The console is set in New,
// before any event can fire.
func (a *App) observe(ev conversation.Event) {
	if a.console != nil {
		a.console.Observe(ev)
	}
}

// reportSegment records the outcome of one played segment.
func (a *App) reportSegment(r sequencer.Result) {
	status := "played"
	switch {
	case r.Err == nil:
	case errors.Is(r.Err, context.Canceled):
		status = "cancelled"
	default:
		status = "failed"
	}
	a.metrics.RecordAudioSegment(context.Background(), status, r.Elapsed)
}

// applyConfig applies the hot-reloadable part of a changed config file.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EnableAudioChanged {
		a.SetAudio(d.NewEnableAudio)
	}
	if d.LanguageChanged {
		a.store.SetLanguage(string(d.NewLanguage))
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Client.RequestTimeout)
		defer cancel()
		if err := a.store.Refresh(ctx); err != nil {
			slog.Warn("failed to reload conversations", "language", d.NewLanguage, "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects, waits for background requests and playback, and
// closes the journal. Safe to call more than once; only the first call has
// an effect. Closers not reached before ctx expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeJournal() {
	if a.journal != nil {
		_ = a.journal.Close()
	}
}
