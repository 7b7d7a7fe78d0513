package fsworker

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/jgivc/bookfetch/internal/common"
	"github.com/spf13/afero"
)

const (
	cmdQueueSize     = 128
	failureQueueSize = 32
)

type command interface {
	isCommand()
}

type copyCmd struct{ src, dst string }
type removeCmd struct{ path string }
type stopCmd struct{}

func (copyCmd) isCommand()   {}
func (removeCmd) isCommand() {}
func (stopCmd) isCommand()   {}

// Worker executes potentially slow filesystem operations on its own
// goroutine so a directory change never stalls the scheduler tick. Failures
// are fire-and-forget: they come back over a separate queue and the caller
// folds them into its next snapshot.
type Worker struct {
	fs       afero.Fs
	cmdCh    chan command
	failures chan string
	log      *slog.Logger
}

func New(fs afero.Fs, log *slog.Logger) *Worker {
	return &Worker{
		fs:       fs,
		cmdCh:    make(chan command, cmdQueueSize),
		failures: make(chan string, failureQueueSize),
		log:      log.With(slog.String("item", "FsWorker")),
	}
}

// Start spawns the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Copy enqueues a copy of src to dst, creating parent directories.
func (w *Worker) Copy(src, dst string) {
	w.enqueue(copyCmd{src: src, dst: dst})
}

// Remove enqueues removal of a file. A directory is only removed if empty.
func (w *Worker) Remove(path string) {
	w.enqueue(removeCmd{path: path})
}

// Stop terminates the worker after the queued operations are done.
func (w *Worker) Stop() {
	w.enqueue(stopCmd{})
}

// Failures is the outbound queue of operation error messages.
func (w *Worker) Failures() <-chan string {
	return w.failures
}

func (w *Worker) enqueue(cmd command) {
	select {
	case w.cmdCh <- cmd:
	default:
		w.fail(fmt.Sprintf("filesystem queue overflow, dropped %T", cmd))
	}
}

func (w *Worker) run() {
	w.log.Info("Started")

	for cmd := range w.cmdCh {
		switch c := cmd.(type) {
		case copyCmd:
			if err := w.copy(c.src, c.dst); err != nil {
				w.fail(fmt.Sprintf("cannot copy %s to %s: %v", c.src, c.dst, err))
			}
		case removeCmd:
			if err := w.remove(c.path); err != nil {
				w.fail(fmt.Sprintf("cannot remove %s: %v", c.path, err))
			}
		case stopCmd:
			w.log.Info("Stopped")

			return
		}
	}
}

func (w *Worker) copy(src, dst string) error {
	in, err := w.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := w.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := w.fs.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

func (w *Worker) remove(path string) error {
	stat, err := w.fs.Stat(path)
	if err != nil {
		return err
	}

	if stat.IsDir() {
		entries, err := afero.ReadDir(w.fs, path)
		if err != nil {
			return err
		}

		// Never silently delete a non-empty user directory.
		if len(entries) > 0 {
			return common.ErrRemoveNonEmptyDir
		}
	}

	return w.fs.Remove(path)
}

func (w *Worker) fail(msg string) {
	w.log.Error("Operation failed", slog.String("reason", msg))

	select {
	case w.failures <- msg:
	default:
	}
}
