package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jgivc/bookfetch/internal/common"
	"github.com/jgivc/bookfetch/internal/downloader"
	"github.com/jgivc/bookfetch/internal/entity"
	"github.com/jgivc/bookfetch/internal/util"
)

const (
	defaultTick        = 50 * time.Millisecond
	defaultSpeedWindow = time.Second
	maxDefaultWorkers  = 4

	loopYield = time.Millisecond

	cmdQueueSize       = 64
	workerCmdQueueSize = 16
	progressQueueSize  = 1024
	updateQueueSize    = 8
)

// errStop terminates the run loop after a StopCmd. Not a failure.
var errStop = errors.New("scheduler stopped")

// Engine is one item's transfer state machine as the scheduler drives it.
// *downloader.Downloader is the production implementation.
type Engine interface {
	Begin(ctx context.Context) error
	Update() error
	SendPanicked(msg string)
}

// EngineFactory builds the engine a freshly dispatched worker will own.
type EngineFactory func(job entity.Job, cmd <-chan entity.Command,
	progress chan<- entity.ProgressMsg) Engine

// FsWorker is the filesystem side-channel: slow copy/remove operations run
// off the scheduler's critical path, failures come back asynchronously.
type FsWorker interface {
	Copy(src, dst string)
	Remove(path string)
	Stop()
	Failures() <-chan string
}

type Config struct {
	// Workers bounds concurrent downloads. 0 derives min(NumCPU, 4):
	// the network dominates, extra concurrency only hurts fairness.
	Workers int
	// Tick is the snapshot period: how often byte deltas fold into the
	// table and buffered change records flush to the adapter.
	Tick time.Duration
	// SpeedWindow is the sliding window instantaneous speed is measured
	// over.
	SpeedWindow time.Duration
}

func (c *Config) SetDefaults() {
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
		if c.Workers > maxDefaultWorkers {
			c.Workers = maxDefaultWorkers
		}
	}
	if c.Tick == 0 {
		c.Tick = defaultTick
	}
	if c.SpeedWindow == 0 {
		c.SpeedWindow = defaultSpeedWindow
	}
}

// Scheduler is the sole owner of the item table and the only component that
// mutates it. It routes presentation commands to queue mutations and running
// engines, aggregates engine progress, and emits batched change-record
// snapshots on a fixed cadence. All model state is confined to the Run
// goroutine; the single piece of cross-goroutine mutable state is the
// running-worker counter.
type Scheduler struct {
	cfg *Config

	items   map[uint64]*entity.Item
	visible []uint64
	queue   []entity.Job

	deltas    map[uint64]int64
	pending   []entity.ChangeRecord
	nextFlush time.Time

	running   atomic.Int32
	workerCmd map[uint64]chan entity.Command
	wg        sync.WaitGroup

	cmdCh      chan entity.Command
	updateCh   chan []entity.ChangeRecord
	progressCh chan entity.ProgressMsg

	newEngine EngineFactory
	fsw       FsWorker
	log       *slog.Logger
}

func New(cfg *Config, items []*entity.Item, fsw FsWorker, newEngine EngineFactory,
	log *slog.Logger) *Scheduler {
	cfg.SetDefaults()

	table := make(map[uint64]*entity.Item, len(items))
	for _, item := range items {
		table[item.ID] = item
	}

	return &Scheduler{
		cfg:        cfg,
		items:      table,
		deltas:     make(map[uint64]int64),
		workerCmd:  make(map[uint64]chan entity.Command),
		cmdCh:      make(chan entity.Command, cmdQueueSize),
		updateCh:   make(chan []entity.ChangeRecord, updateQueueSize),
		progressCh: make(chan entity.ProgressMsg, progressQueueSize),
		newEngine:  newEngine,
		fsw:        fsw,
		log:        log.With(slog.String("item", "Scheduler")),
	}
}

// Commands is the inbound channel the presentation adapter writes.
func (s *Scheduler) Commands() chan<- entity.Command { return s.cmdCh }

// Updates is the outbound channel of batched change records, one batch per
// tick that had at least one change.
func (s *Scheduler) Updates() <-chan []entity.ChangeRecord { return s.updateCh }

// Run drives the scheduler until a StopCmd arrives or the context is
// cancelled. A non-nil return means the scheduler itself became unusable;
// item-level failures never surface here.
func (s *Scheduler) Run(ctx context.Context) error {
	s.nextFlush = time.Now().Add(s.cfg.Tick)
	s.log.Info("Started", slog.Int("workers", s.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			s.shutdown()

			return nil
		default:
		}

		if err := s.step(ctx); err != nil {
			if errors.Is(err, errStop) {
				s.log.Info("Stopped")

				return nil
			}

			s.log.Error("Scheduler failure", slog.Any("error", err))

			return err
		}

		time.Sleep(loopYield)
	}
}

// Wait blocks until every worker goroutine has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

// step is one scheduler tick: at most one command, progress drained up to
// the snapshot deadline, dispatch, then the snapshot if it is due.
func (s *Scheduler) step(ctx context.Context) error {
	select {
	case cmd := <-s.cmdCh:
		if err := s.handleCommand(cmd); err != nil {
			return err
		}
	default:
	}

	s.drainProgress()
	s.dispatch(ctx)
	s.snapshot(time.Now())

	return nil
}

func (s *Scheduler) handleCommand(cmd entity.Command) error {
	switch c := cmd.(type) {
	case entity.AddCmd:
		return s.handleAdd(c)
	case entity.RemoveCmd:
		return s.handleRemove(c)
	case entity.ChangeDirCmd:
		return s.handleChangeDir(c)
	case entity.StopCmd:
		s.shutdown()

		return errStop
	}

	return fmt.Errorf("unknown command %T: %w", cmd, common.ErrSchedulerUnusable)
}

func (s *Scheduler) handleAdd(cmd entity.AddCmd) error {
	item, exists := s.items[cmd.ID]
	if !exists {
		// Items are pre-seeded from the catalog; an unknown id is a
		// logic error, not a user condition.
		return fmt.Errorf("add for id %d: %w", cmd.ID, common.ErrItemNotFound)
	}

	if item.Enabled {
		return nil
	}

	job := entity.Job{
		ID:           item.ID,
		Name:         item.Name,
		URL:          item.URL,
		CategoryName: item.CategoryName,
		FileName:     fileNameFor(item),
	}.Retarget(cmd.OutDir)

	item.Enabled = true
	item.Transfer = entity.NewTransferState(job.FinalPath(), time.Now())

	s.queue = append(s.queue, job)
	s.visible = append(s.visible, item.ID)
	s.pending = append(s.pending, entity.Added{Item: item.Clone()})

	return nil
}

func (s *Scheduler) handleRemove(cmd entity.RemoveCmd) error {
	item, exists := s.items[cmd.ID]
	if !exists {
		return fmt.Errorf("remove for id %d: %w", cmd.ID, common.ErrItemNotFound)
	}

	if queued := s.unqueue(cmd.ID); !queued {
		// Already dispatched: every engine checks the id itself.
		if err := s.broadcast(cmd); err != nil {
			return err
		}
	}

	item.Enabled = false
	item.Transfer = nil
	delete(s.deltas, cmd.ID)

	if idx := s.visibleIndex(cmd.ID); idx >= 0 {
		s.visible = append(s.visible[:idx], s.visible[idx+1:]...)
		s.pending = append(s.pending, entity.Removed{Index: idx})
	}

	return nil
}

func (s *Scheduler) handleChangeDir(cmd entity.ChangeDirCmd) error {
	// Completed files move through the side-channel; this never blocks on
	// the filesystem. Queued and running items only get their recorded path
	// rewritten: queued jobs are rewritten below, running engines redirect
	// their own temp files on the broadcast.
	for _, id := range s.visible {
		item := s.items[id]
		if item.Transfer == nil {
			continue
		}

		newPath := entity.Job{
			ID:           item.ID,
			Name:         item.Name,
			CategoryName: item.CategoryName,
			FileName:     fileNameFor(item),
		}.Retarget(cmd.Dir).FinalPath()

		if newPath == item.Transfer.OutputPath {
			continue
		}

		if item.Transfer.Finished {
			s.fsw.Copy(item.Transfer.OutputPath, newPath)
			s.fsw.Remove(item.Transfer.OutputPath)
		}
		item.Transfer.OutputPath = newPath
	}

	for i := range s.queue {
		s.queue[i] = s.queue[i].Retarget(cmd.Dir)
	}

	return s.broadcast(cmd)
}

// dispatch starts queued jobs while worker slots are free, oldest first.
func (s *Scheduler) dispatch(ctx context.Context) {
	for len(s.queue) > 0 && int(s.running.Load()) < s.cfg.Workers {
		job := s.queue[0]
		s.queue = s.queue[1:]

		cmdCh := make(chan entity.Command, workerCmdQueueSize)
		s.workerCmd[job.ID] = cmdCh
		s.running.Add(1)

		s.wg.Add(1)
		go s.runWorker(ctx, job, cmdCh)
	}
}

// runWorker owns one engine for the whole transfer. Real failures are
// forwarded as messages; a worker goroutine never takes the pool down.
func (s *Scheduler) runWorker(ctx context.Context, job entity.Job, cmd <-chan entity.Command) {
	defer s.wg.Done()
	defer s.running.Add(-1)

	engine := s.newEngine(job, cmd, s.progressCh)

	err := engine.Begin(ctx)
	for err == nil {
		err = engine.Update()
	}

	switch {
	case errors.Is(err, downloader.ErrFinished), errors.Is(err, downloader.ErrStopped):
	default:
		engine.SendPanicked(err.Error())
	}

	select {
	case s.progressCh <- entity.ProgressMsg{ID: job.ID, Update: entity.WorkerDone{}}:
	case <-ctx.Done():
	}
}

// drainProgress applies inbound progress messages, bounded by the snapshot
// deadline so a fast stream cannot starve emission.
func (s *Scheduler) drainProgress() {
	for time.Now().Before(s.nextFlush) {
		select {
		case msg := <-s.progressCh:
			s.handleProgressMsg(msg)
		default:
			return
		}
	}
}

func (s *Scheduler) handleProgressMsg(msg entity.ProgressMsg) {
	if _, exists := msg.Update.(entity.WorkerDone); exists {
		delete(s.workerCmd, msg.ID)

		return
	}

	item, exists := s.items[msg.ID]
	if !exists || item.Transfer == nil {
		// Late message from a worker whose item was already removed.
		return
	}

	switch update := msg.Update.(type) {
	case entity.SetSize:
		item.Transfer.BytesTotal = update.N
		if idx := s.visibleIndex(msg.ID); idx >= 0 {
			s.pending = append(s.pending, entity.Updated{Index: idx, Item: item.Clone()})
		}
	case entity.Amount:
		// Batched: the table is only touched at snapshot time so the
		// bookkeeping cost scales with ticks, not with bytes.
		s.deltas[msg.ID] += int64(update.N)
	case entity.TransferFinished:
		item.Transfer.MarkFinished()
		delete(s.deltas, msg.ID)

		if idx := s.visibleIndex(msg.ID); idx >= 0 {
			s.dropUpdatedRecords(idx)
			s.pending = append(s.pending,
				entity.Updated{Index: idx, Item: item.Clone()},
				entity.FinishedAt{Index: idx})
		}
	case entity.Panicked:
		s.pending = append(s.pending, entity.FatalError{
			ID:  msg.ID,
			Msg: fmt.Sprintf("%s: %s", item.Name, update.Msg),
		})
	}
}

// dropUpdatedRecords clears queued Updated records for a visible index. A
// finished state supersedes in-flight progress so the adapter never renders
// a stale percentage after completion.
func (s *Scheduler) dropUpdatedRecords(idx int) {
	kept := s.pending[:0]
	for _, record := range s.pending {
		if updated, ok := record.(entity.Updated); ok && updated.Index == idx {
			continue
		}
		kept = append(kept, record)
	}
	s.pending = kept
}

// snapshot folds accumulated byte deltas into the table and flushes the
// change-record buffer as one batch.
func (s *Scheduler) snapshot(now time.Time) {
	if now.Before(s.nextFlush) {
		return
	}

	for idx, id := range s.visible {
		item := s.items[id]
		if item.Transfer == nil || item.Transfer.Finished {
			continue
		}

		item.Transfer.RollWindow(now, s.cfg.SpeedWindow)

		if delta := s.deltas[id]; delta > 0 {
			item.Transfer.AddBytes(delta)
			s.pending = append(s.pending, entity.Updated{Index: idx, Item: item.Clone()})
		}
	}
	clear(s.deltas)

	s.drainFsFailures()

	if len(s.pending) > 0 {
		// A stalled adapter is an expected shutdown race, not an error.
		// The buffer is kept for the next tick: losing an Added or Removed
		// record would shift every later index the adapter applies.
		select {
		case s.updateCh <- s.pending:
			s.pending = nil
		default:
		}
	}

	s.nextFlush = s.nextFlush.Add(s.cfg.Tick)
	if s.nextFlush.Before(now) {
		s.nextFlush = now.Add(s.cfg.Tick)
	}
}

func (s *Scheduler) drainFsFailures() {
	for {
		select {
		case msg := <-s.fsw.Failures():
			s.pending = append(s.pending, entity.FatalError{Msg: msg})
		default:
			return
		}
	}
}

// broadcast delivers a command to every running worker. A stalled worker
// channel means the scheduler's own plumbing is broken, which is fatal,
// unlike any network condition.
func (s *Scheduler) broadcast(cmd entity.Command) error {
	for id, ch := range s.workerCmd {
		select {
		case ch <- cmd:
		default:
			return fmt.Errorf("worker %d command channel stalled: %w",
				id, common.ErrSchedulerUnusable)
		}
	}

	return nil
}

func (s *Scheduler) shutdown() {
	if err := s.broadcast(entity.StopCmd{}); err != nil {
		s.log.Error("Cannot stop workers", slog.Any("error", err))
	}
	s.fsw.Stop()
}

func (s *Scheduler) unqueue(id uint64) bool {
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)

			return true
		}
	}

	return false
}

func (s *Scheduler) visibleIndex(id uint64) int {
	for i, visibleID := range s.visible {
		if visibleID == id {
			return i
		}
	}

	return -1
}

const defaultExt = ".pdf"

func fileNameFor(item *entity.Item) string {
	ext := util.URLExt(item.URL)
	if ext == "" {
		ext = defaultExt
	}

	return util.NameToFileName(item.Name, ext)
}
