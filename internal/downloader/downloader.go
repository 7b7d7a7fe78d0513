package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jgivc/bookfetch/internal/entity"
	"github.com/spf13/afero"
)

const (
	// TmpSuffix names the staging sibling of the final file. A leftover
	// .tmp from a crashed run is discarded, never appended to.
	TmpSuffix = ".tmp"

	readBufferSize  = 4096
	maxConnectTries = 5

	// Yields between reads: short while streaming so one worker cannot
	// monopolize the scheduler's progress channel, longer while no stream
	// is open yet.
	streamYield = 100 * time.Microsecond
	setupYield  = time.Millisecond
)

// Downloader drives exactly one item's transfer end-to-end: open the HTTP
// stream, write through a temp file, rename into place on completion, and
// report every step over the progress channel. It never touches the
// scheduler's item table.
type Downloader struct {
	job      entity.Job
	cmd      <-chan entity.Command
	progress chan<- entity.ProgressMsg

	fs     afero.Fs
	client *http.Client

	finalPath string
	tmpPath   string
	stream    io.ReadCloser
	outfile   afero.File
	buf       [readBufferSize]byte
}

func New(job entity.Job, cmd <-chan entity.Command, progress chan<- entity.ProgressMsg,
	fs afero.Fs, client *http.Client) *Downloader {
	finalPath := job.FinalPath()

	return &Downloader{
		job:       job,
		cmd:       cmd,
		progress:  progress,
		fs:        fs,
		client:    client,
		finalPath: finalPath,
		tmpPath:   finalPath + TmpSuffix,
	}
}

// Begin opens the transfer. If the destination already exists the item is
// treated as complete: the engine reports the existing size and Finished
// without opening a network stream, so re-enabling a finished item is a
// no-op. Returns ErrFinished in that case.
func (d *Downloader) Begin(ctx context.Context) error {
	if stat, err := d.fs.Stat(d.finalPath); err == nil {
		d.send(entity.SetSize{N: stat.Size()})
		d.send(entity.TransferFinished{})

		return ErrFinished
	}

	if exists, _ := afero.Exists(d.fs, d.tmpPath); exists {
		if err := d.fs.Remove(d.tmpPath); err != nil {
			return fmt.Errorf("cannot remove stale temp file %s: %w", d.tmpPath, err)
		}
	}

	size, err := d.connect(ctx)
	if err != nil {
		return err
	}

	if size > 0 {
		d.send(entity.SetSize{N: size})
	}

	if err := d.fs.MkdirAll(filepath.Dir(d.tmpPath), 0o755); err != nil {
		d.closeStream()

		return fmt.Errorf("cannot create output directory: %w", err)
	}

	outfile, err := d.fs.Create(d.tmpPath)
	if err != nil {
		d.closeStream()

		return fmt.Errorf("cannot create temp file %s: %w", d.tmpPath, err)
	}
	d.outfile = outfile

	return nil
}

// connect performs the GET with a bounded retry budget. A timeout is treated
// as transient and retried without consuming an attempt; any other failure
// consumes one. Returns the content length, 0 if the server did not report
// one.
func (d *Downloader) connect(ctx context.Context) (int64, error) {
	var lastErr error
	for tries := 0; tries < maxConnectTries; {
		if err := ctx.Err(); err != nil {
			return 0, ErrStopped
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.job.URL, nil)
		if err != nil {
			return 0, fmt.Errorf("cannot build request for %s: %w", d.job.URL, err)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			if isTimeout(err) {
				continue
			}

			tries++
			lastErr = err

			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			tries++
			lastErr = fmt.Errorf("unexpected status %s", resp.Status)

			continue
		}

		d.stream = resp.Body
		if resp.ContentLength > 0 {
			return resp.ContentLength, nil
		}

		return 0, nil
	}

	return 0, &ConnectError{Tries: maxConnectTries, Err: lastErr}
}

// Update performs one step of the streaming state machine: drain at most one
// pending command, then one bounded read. Terminal outcomes are value
// returns, never panics: ErrFinished, ErrStopped, or an item-fatal error.
func (d *Downloader) Update() error {
	select {
	case cmd := <-d.cmd:
		switch c := cmd.(type) {
		case entity.RemoveCmd:
			if c.ID == d.job.ID {
				d.cleanup()

				return ErrStopped
			}
		case entity.ChangeDirCmd:
			if err := d.changeDir(c.Dir); err != nil {
				// Past the flush the old temp file is already closed, so
				// there is no location left to keep writing to. Item-fatal.
				d.cleanup()

				return err
			}
		case entity.StopCmd:
			d.cleanup()

			return ErrStopped
		}
	default:
	}

	if d.stream == nil || d.outfile == nil {
		time.Sleep(setupYield)

		return nil
	}

	n, err := d.stream.Read(d.buf[:])
	if n > 0 {
		if _, werr := d.outfile.Write(d.buf[:n]); werr != nil {
			d.cleanup()

			return &StreamError{Err: werr}
		}
		d.send(entity.Amount{N: n})
	}

	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return d.finish()
		case isTimeout(err):
			// Would-block: not an error, not progress.
		case errors.Is(err, io.ErrUnexpectedEOF):
			d.cleanup()

			return &StreamError{Resumable: true, Err: err}
		default:
			d.cleanup()

			return &StreamError{Err: err}
		}
	}

	time.Sleep(streamYield)

	return nil
}

// finish closes the temp file and renames it into place atomically.
func (d *Downloader) finish() error {
	d.closeStream()

	if err := d.outfile.Sync(); err != nil {
		return &StreamError{Err: err}
	}
	if err := d.outfile.Close(); err != nil {
		return &StreamError{Err: err}
	}
	d.outfile = nil

	if err := d.fs.Rename(d.tmpPath, d.finalPath); err != nil {
		return &StreamError{Err: fmt.Errorf("cannot rename temp file: %w", err)}
	}

	d.send(entity.TransferFinished{})

	return ErrFinished
}

// changeDir re-targets the temp file under a new output root. Bytes already
// downloaded are copied before any future write is redirected, so a failure
// never loses the partial download.
func (d *Downloader) changeDir(root string) error {
	d.job = d.job.Retarget(root)
	newFinal := d.job.FinalPath()
	newTmp := newFinal + TmpSuffix
	if newTmp == d.tmpPath {
		return nil
	}

	if d.outfile == nil {
		d.finalPath = newFinal
		d.tmpPath = newTmp

		return nil
	}

	if err := d.outfile.Sync(); err != nil {
		return &DirChangeError{Phase: "flush", Err: err}
	}
	d.outfile.Close()
	d.outfile = nil

	if err := d.copyFile(d.tmpPath, newTmp); err != nil {
		return &DirChangeError{Phase: "copy", Err: err}
	}
	d.fs.Remove(d.tmpPath)

	outfile, err := d.fs.OpenFile(newTmp, os.O_WRONLY, 0o644)
	if err != nil {
		return &DirChangeError{Phase: "reopen", Err: err}
	}
	if _, err := outfile.Seek(0, io.SeekEnd); err != nil {
		outfile.Close()

		return &DirChangeError{Phase: "reopen", Err: err}
	}

	d.outfile = outfile
	d.finalPath = newFinal
	d.tmpPath = newTmp

	return nil
}

func (d *Downloader) copyFile(src, dst string) error {
	in, err := d.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := d.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := d.fs.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

// SendPanicked is the best-effort notification path for conditions the
// scheduler must know about without crashing the worker.
func (d *Downloader) SendPanicked(msg string) {
	select {
	case d.progress <- entity.ProgressMsg{ID: d.job.ID, Update: entity.Panicked{Msg: msg}}:
	default:
	}
}

func (d *Downloader) send(update entity.ProgressUpdate) {
	d.progress <- entity.ProgressMsg{ID: d.job.ID, Update: update}
}

func (d *Downloader) cleanup() {
	d.closeStream()
	if d.outfile != nil {
		d.outfile.Close()
		d.outfile = nil
	}
}

func (d *Downloader) closeStream() {
	if d.stream != nil {
		d.stream.Close()
		d.stream = nil
	}
}

func isTimeout(err error) bool {
	var nerr net.Error

	return errors.As(err, &nerr) && nerr.Timeout()
}
