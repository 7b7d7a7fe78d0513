package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgivc/bookfetch/internal/common"
	"github.com/jgivc/bookfetch/internal/downloader"
	"github.com/jgivc/bookfetch/internal/entity"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

type fakeFsw struct {
	mu       sync.Mutex
	copies   [][2]string
	removes  []string
	stopped  bool
	failures chan string
}

func newFakeFsw() *fakeFsw {
	return &fakeFsw{failures: make(chan string, 8)}
}

func (f *fakeFsw) Copy(src, dst string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, [2]string{src, dst})
}

func (f *fakeFsw) Remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, path)
}

func (f *fakeFsw) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeFsw) Failures() <-chan string { return f.failures }

// fakeEngine ignores its command channel entirely and terminates only when
// the test releases it, so tests can count broadcast sends precisely.
type fakeEngine struct {
	job  entity.Job
	ctrl chan error
}

func (e *fakeEngine) Begin(context.Context) error { return nil }
func (e *fakeEngine) Update() error               { return <-e.ctrl }
func (e *fakeEngine) SendPanicked(string)         {}

type engineLog struct {
	mu      sync.Mutex
	started []*fakeEngine
}

func (l *engineLog) factory(job entity.Job, _ <-chan entity.Command,
	_ chan<- entity.ProgressMsg) Engine {
	l.mu.Lock()
	defer l.mu.Unlock()

	engine := &fakeEngine{job: job, ctrl: make(chan error)}
	l.started = append(l.started, engine)

	return engine
}

func (l *engineLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var names []string
	for _, engine := range l.started {
		names = append(names, engine.job.Name)
	}

	return names
}

func testItems(names ...string) []*entity.Item {
	items := make([]*entity.Item, 0, len(names))
	for i, name := range names {
		items = append(items, &entity.Item{
			ID:   uint64(i + 1),
			Name: name,
			URL:  "http://x/" + name + ".pdf",
		})
	}

	return items
}

func newTestScheduler(workers int, items []*entity.Item) (*Scheduler, *engineLog, *fakeFsw) {
	engines := &engineLog{}
	fsw := newFakeFsw()
	s := New(&Config{Workers: workers, Tick: 50 * time.Millisecond}, items, fsw,
		engines.factory, testLog)

	return s, engines, fsw
}

func TestAddUnknownItemIsFatal(t *testing.T) {
	s, _, _ := newTestScheduler(1, testItems("Alpha"))

	err := s.handleCommand(entity.AddCmd{ID: 999, OutDir: "/dl"})
	assert.ErrorIs(t, err, common.ErrItemNotFound)
}

func TestAddEnablesAndQueues(t *testing.T) {
	s, _, _ := newTestScheduler(1, testItems("Alpha"))

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))

	item := s.items[1]
	assert.True(t, item.Enabled)
	require.NotNil(t, item.Transfer)
	assert.Equal(t, "/dl/Alpha.pdf", item.Transfer.OutputPath)

	require.Len(t, s.queue, 1)
	assert.Equal(t, []uint64{1}, s.visible)
	require.Len(t, s.pending, 1)
	added, ok := s.pending[0].(entity.Added)
	require.True(t, ok)
	assert.Equal(t, "Alpha", added.Item.Name)

	// Re-enabling an enabled item is a no-op.
	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))
	assert.Len(t, s.queue, 1)
}

func TestDispatchFIFO(t *testing.T) {
	s, engines, _ := newTestScheduler(1, testItems("Alpha", "Beta", "Gamma"))
	ctx := context.Background()

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, s.handleCommand(entity.AddCmd{ID: id, OutDir: "/dl"}))
	}

	for want := 1; want <= 3; want++ {
		s.dispatch(ctx)
		require.Eventually(t, func() bool {
			return len(engines.names()) == want
		}, time.Second, time.Millisecond)

		// Concurrency 1: nothing else may start while one runs.
		s.dispatch(ctx)
		assert.Len(t, engines.names(), want)

		engines.started[want-1].ctrl <- downloader.ErrFinished
		require.Eventually(t, func() bool {
			return s.running.Load() == 0
		}, time.Second, time.Millisecond)
	}

	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, engines.names())
	s.Wait()
}

func TestRemoveQueuedNeedsNoBroadcast(t *testing.T) {
	s, engines, _ := newTestScheduler(1, testItems("Alpha", "Beta"))
	ctx := context.Background()

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))
	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 2, OutDir: "/dl"}))

	s.dispatch(ctx)
	require.Eventually(t, func() bool {
		return len(engines.names()) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{"Alpha"}, engines.names())

	pendingBefore := len(s.pending)
	require.NoError(t, s.handleCommand(entity.RemoveCmd{ID: 2}))

	// Beta was still queued: removed directly, nothing broadcast to the
	// worker running Alpha.
	assert.Empty(t, s.queue)
	assert.Len(t, s.workerCmd[1], 0)
	assert.Equal(t, []uint64{1}, s.visible)

	records := s.pending[pendingBefore:]
	require.Len(t, records, 1)
	assert.Equal(t, entity.Removed{Index: 1}, records[0])

	assert.False(t, s.items[2].Enabled)
	assert.Nil(t, s.items[2].Transfer)

	engines.started[0].ctrl <- downloader.ErrStopped
	s.Wait()
}

func TestRemoveRunningBroadcasts(t *testing.T) {
	s, engines, _ := newTestScheduler(1, testItems("Alpha"))
	ctx := context.Background()

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))
	s.dispatch(ctx)
	require.Eventually(t, func() bool {
		return len(engines.names()) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, s.handleCommand(entity.RemoveCmd{ID: 1}))

	require.Len(t, s.workerCmd[1], 1)
	assert.Equal(t, entity.RemoveCmd{ID: 1}, <-s.workerCmd[1])

	engines.started[0].ctrl <- downloader.ErrStopped
	s.Wait()
}

func TestProgressBatching(t *testing.T) {
	s, _, _ := newTestScheduler(1, testItems("Alpha"))

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))
	s.pending = nil // only interested in progress-driven records

	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.SetSize{N: 1000}})
	require.Len(t, s.pending, 1)
	assert.Equal(t, int64(1000), s.items[1].Transfer.BytesTotal)

	// Amounts accumulate in the delta cache, the table stays untouched.
	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.Amount{N: 100}})
	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.Amount{N: 150}})
	assert.Equal(t, int64(0), s.items[1].Transfer.BytesDone)
	assert.Equal(t, int64(250), s.deltas[1])
	assert.Len(t, s.pending, 1)

	s.snapshot(time.Now())
	assert.Equal(t, int64(250), s.items[1].Transfer.BytesDone)
	assert.Empty(t, s.deltas)

	// The snapshot flushed one batch over the update channel.
	select {
	case batch := <-s.updateCh:
		require.Len(t, batch, 2)
		updated, ok := batch[1].(entity.Updated)
		require.True(t, ok)
		assert.Equal(t, int64(250), updated.Item.Transfer.BytesDone)
	default:
		t.Fatal("expected a snapshot batch")
	}
}

func TestFinishedSupersedesPendingUpdates(t *testing.T) {
	s, _, _ := newTestScheduler(1, testItems("Alpha"))

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))
	s.pending = nil

	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.SetSize{N: 1000}})
	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.Amount{N: 500}})
	require.Len(t, s.pending, 1)

	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.TransferFinished{}})

	// The stale Updated for index 0 is gone; what remains is the finished
	// snapshot and the completion marker.
	require.Len(t, s.pending, 2)
	updated, ok := s.pending[0].(entity.Updated)
	require.True(t, ok)
	assert.True(t, updated.Item.Transfer.Finished)
	assert.Equal(t, entity.FinishedAt{Index: 0}, s.pending[1])

	// The superseded byte delta is dropped too.
	assert.Empty(t, s.deltas)
	assert.Equal(t, int64(1000), s.items[1].Transfer.BytesDone)
}

func TestPanickedBecomesNamedFatalError(t *testing.T) {
	s, _, _ := newTestScheduler(1, testItems("Alpha"))

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))
	s.pending = nil

	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.Panicked{Msg: "boom"}})

	require.Len(t, s.pending, 1)
	assert.Equal(t, entity.FatalError{ID: 1, Msg: "Alpha: boom"}, s.pending[0])
}

func TestSnapshotKeepsPendingWhenChannelFull(t *testing.T) {
	s, _, _ := newTestScheduler(1, testItems("Alpha"))

	for i := 0; i < updateQueueSize; i++ {
		s.updateCh <- []entity.ChangeRecord{entity.FatalError{Msg: "filler"}}
	}

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))
	require.Len(t, s.pending, 1)

	// Receiver lagging: the batch must survive, losing the Added record
	// would desync every later index the adapter applies.
	s.snapshot(time.Now())
	require.Len(t, s.pending, 1)
	_, ok := s.pending[0].(entity.Added)
	require.True(t, ok)

	<-s.updateCh
	s.snapshot(time.Now().Add(time.Second))
	assert.Empty(t, s.pending)

	var delivered bool
	for len(s.updateCh) > 0 {
		for _, record := range <-s.updateCh {
			if _, ok := record.(entity.Added); ok {
				delivered = true
			}
		}
	}
	assert.True(t, delivered)
}

func TestChangeDirRetargetsRunningItems(t *testing.T) {
	s, engines, fsw := newTestScheduler(1, testItems("Alpha"))
	ctx := context.Background()

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/old"}))
	s.dispatch(ctx)
	require.Eventually(t, func() bool {
		return len(engines.names()) == 1
	}, time.Second, time.Millisecond)

	// Mid-transfer: the recorded path follows the engine's redirect even
	// though nothing is copied yet.
	require.NoError(t, s.handleCommand(entity.ChangeDirCmd{Dir: "/new"}))
	assert.Equal(t, "/new/Alpha.pdf", s.items[1].Transfer.OutputPath)
	assert.Empty(t, fsw.copies)
	require.Len(t, s.workerCmd[1], 1)

	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.TransferFinished{}})

	// A later change must move the file from where it actually is.
	require.NoError(t, s.handleCommand(entity.ChangeDirCmd{Dir: "/third"}))
	require.Len(t, fsw.copies, 1)
	assert.Equal(t, [2]string{"/new/Alpha.pdf", "/third/Alpha.pdf"}, fsw.copies[0])

	engines.started[0].ctrl <- downloader.ErrStopped
	s.Wait()
}

func TestChangeDirMovesFinishedAndRetargetsQueued(t *testing.T) {
	items := testItems("Alpha", "Beta")
	items[0].CategoryName = "Go"
	s, _, fsw := newTestScheduler(1, items)

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/old"}))
	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 2, OutDir: "/old"}))
	s.handleProgressMsg(entity.ProgressMsg{ID: 1, Update: entity.TransferFinished{}})

	require.NoError(t, s.handleCommand(entity.ChangeDirCmd{Dir: "/new"}))

	// The finished file moves through the side-channel, category subdir
	// preserved.
	require.Len(t, fsw.copies, 1)
	assert.Equal(t, [2]string{"/old/Go/Alpha.pdf", "/new/Go/Alpha.pdf"}, fsw.copies[0])
	assert.Equal(t, []string{"/old/Go/Alpha.pdf"}, fsw.removes)
	assert.Equal(t, "/new/Go/Alpha.pdf", s.items[1].Transfer.OutputPath)

	// The still-queued job is rewritten in place.
	require.Len(t, s.queue, 2)
	for _, job := range s.queue {
		assert.Contains(t, job.Dir, "/new")
	}
}

func TestFsFailuresFoldIntoSnapshot(t *testing.T) {
	s, _, fsw := newTestScheduler(1, testItems("Alpha"))

	fsw.failures <- "cannot copy /a to /b: permission denied"
	s.snapshot(time.Now())

	select {
	case batch := <-s.updateCh:
		require.Len(t, batch, 1)
		fatal, ok := batch[0].(entity.FatalError)
		require.True(t, ok)
		assert.Contains(t, fatal.Msg, "permission denied")
	default:
		t.Fatal("expected a snapshot batch")
	}
}

func TestStopBroadcastsAndStopsFsWorker(t *testing.T) {
	s, engines, fsw := newTestScheduler(1, testItems("Alpha"))
	ctx := context.Background()

	require.NoError(t, s.handleCommand(entity.AddCmd{ID: 1, OutDir: "/dl"}))
	s.dispatch(ctx)
	require.Eventually(t, func() bool {
		return len(engines.names()) == 1
	}, time.Second, time.Millisecond)

	err := s.handleCommand(entity.StopCmd{})
	assert.ErrorIs(t, err, errStop)
	assert.True(t, fsw.stopped)
	require.Len(t, s.workerCmd[1], 1)
	assert.Equal(t, entity.StopCmd{}, <-s.workerCmd[1])

	engines.started[0].ctrl <- downloader.ErrStopped
	s.Wait()
}
