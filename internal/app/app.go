package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/jgivc/bookfetch/internal/adapter/mdadapter"
	"github.com/jgivc/bookfetch/internal/config"
	"github.com/jgivc/bookfetch/internal/downloader"
	"github.com/jgivc/bookfetch/internal/entity"
	"github.com/jgivc/bookfetch/internal/fsworker"
	"github.com/jgivc/bookfetch/internal/presenter"
	"github.com/jgivc/bookfetch/internal/scheduler"
	"github.com/jgivc/bookfetch/internal/service/catalog"
)

const shutdownWait = 2 * time.Second

type App struct {
	cfgPath string
	cfg     *config.Config
	log     *slog.Logger
}

func New(cfgPath string) *App {
	return &App{
		cfgPath: cfgPath,
	}
}

// Run wires the whole pipeline and blocks until the user quits or the
// context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.cfg = config.MustLoad(a.cfgPath)
	a.log = buildLogger(a.cfg.LogLevel)

	fs := afero.NewOsFs()

	parser := mdadapter.NewParser(&mdadapter.Config{
		HeadingLevel: a.cfg.Catalog.HeadingLevel,
		Extension:    a.cfg.Catalog.Extension,
	}, a.log)

	categories, err := catalog.NewCatalogService(fs, parser, a.log).Load(a.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("cannot load catalog: %w", err)
	}

	var items []*entity.Item
	for _, category := range categories {
		items = append(items, category.Items...)
	}
	a.log.Info("Catalog loaded",
		slog.Int("categories", len(categories)), slog.Int("items", len(items)))

	fsw := fsworker.New(fs, a.log)
	fsw.Start()

	client := newHTTPClient(a.cfg.Download.ConnectTimeout(), a.cfg.Download.ReadTimeout())
	newEngine := func(job entity.Job, cmd <-chan entity.Command,
		progress chan<- entity.ProgressMsg) scheduler.Engine {
		return downloader.New(job, cmd, progress, fs, client)
	}

	sched := scheduler.New(&scheduler.Config{
		Workers:     a.cfg.Scheduler.Workers,
		Tick:        a.cfg.Scheduler.Tick(),
		SpeedWindow: a.cfg.Scheduler.SpeedWindow(),
	}, items, fsw, newEngine, a.log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(runCtx)
	}()

	if a.cfg.Headless {
		return a.runHeadless(ctx, sched, items, schedErr)
	}

	return a.runUI(ctx, sched, categories, schedErr)
}

func (a *App) runUI(ctx context.Context, sched *scheduler.Scheduler,
	categories []*entity.Category, schedErr <-chan error) error {
	ui := presenter.New(categories, sched.Commands(), sched.Updates(),
		a.cfg.Download.Dir, a.cfg.Scheduler.SpeedWindow(), a.log)

	go func() {
		<-ctx.Done()
		ui.Quit()
	}()

	if err := ui.Run(); err != nil {
		return err
	}

	// The model sent StopCmd on quit; give the scheduler and workers a
	// bounded moment to wind down.
	select {
	case err := <-schedErr:
		return err
	case <-time.After(shutdownWait):
		return nil
	}
}

// runHeadless enables the entire catalog and logs progress instead of
// drawing a UI. Useful over ssh and in scripts.
func (a *App) runHeadless(ctx context.Context, sched *scheduler.Scheduler,
	items []*entity.Item, schedErr <-chan error) error {
	log := a.log.With(slog.String("item", "Headless"))

	for _, item := range items {
		sched.Commands() <- entity.AddCmd{ID: item.ID, OutDir: a.cfg.Download.Dir}
	}

	tracker := newHeadlessTracker(len(items), log)

	for !tracker.complete() {
		select {
		case <-ctx.Done():
			sched.Commands() <- entity.StopCmd{}

			return <-schedErr
		case err := <-schedErr:
			return err
		case batch := <-sched.Updates():
			tracker.fold(batch)
		}
	}

	sched.Commands() <- entity.StopCmd{}

	return <-schedErr
}

// headlessTracker counts catalog completion from snapshot batches. An item
// is settled by its FinishedAt record or by the first FatalError carrying
// its id; repeated errors for one item and non-item-scoped errors never
// inflate the count.
type headlessTracker struct {
	total  int
	done   int
	failed map[uint64]bool
	log    *slog.Logger
}

func newHeadlessTracker(total int, log *slog.Logger) *headlessTracker {
	return &headlessTracker{
		total:  total,
		failed: make(map[uint64]bool),
		log:    log,
	}
}

func (t *headlessTracker) fold(batch []entity.ChangeRecord) {
	for _, record := range batch {
		switch r := record.(type) {
		case entity.FinishedAt:
			t.done++
			t.log.Info("Download finished",
				slog.Int("done", t.done), slog.Int("total", t.total))
		case entity.FatalError:
			if r.ID != 0 && !t.failed[r.ID] {
				t.failed[r.ID] = true
				t.done++
			}
			t.log.Error("Download failed", slog.String("reason", r.Msg))
		}
	}
}

func (t *headlessTracker) complete() bool { return t.done >= t.total }

func buildLogger(level string) *slog.Logger {
	lo := &slog.HandlerOptions{}
	switch level {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		panic("unknown log level")
	}

	return slog.New(slog.NewTextHandler(os.Stderr, lo))
}

// newHTTPClient builds the streaming GET transport. The connect timeout
// covers dialing and response headers; a whole-request deadline would kill
// long downloads, so the read timeout is enforced per read at the connection
// level instead. A stalled body read then returns a net.Error timeout, which
// the engines treat as would-block.
func newHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}

				return &deadlineConn{Conn: conn, readTimeout: readTimeout}, nil
			},
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
		},
	}
}

// deadlineConn arms a fresh read deadline before every read.
type deadlineConn struct {
	net.Conn
	readTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, err
	}

	return c.Conn.Read(b)
}
