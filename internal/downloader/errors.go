package downloader

import (
	"errors"
	"fmt"
)

// Terminal sentinels returned by Begin/Update. Neither is a failure: callers
// must distinguish these from real errors before reporting anything.
var (
	// ErrFinished signals successful completion of the transfer.
	ErrFinished = errors.New("finished")
	// ErrStopped signals cooperative cancellation.
	ErrStopped = errors.New("stopped")
)

// ConnectError reports that the initial connect exhausted its retry budget.
type ConnectError struct {
	Tries int
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("over connection try limit of %d: %v", e.Tries, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StreamError reports an I/O failure while streaming. Resumable marks a
// dropped connection: the partial download is discarded but re-enabling the
// item retries from scratch.
type StreamError struct {
	Resumable bool
	Err       error
}

func (e *StreamError) Error() string {
	if e.Resumable {
		return fmt.Sprintf("connection dropped (%v) - re-enable the item to redownload", e.Err)
	}

	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// DirChangeError reports a failure while re-targeting the temp file during a
// directory change. Phase is one of "flush", "copy" or "reopen".
type DirChangeError struct {
	Phase string
	Err   error
}

func (e *DirChangeError) Error() string {
	return fmt.Sprintf("cannot change directory: %s error: %v", e.Phase, e.Err)
}

func (e *DirChangeError) Unwrap() error { return e.Err }
