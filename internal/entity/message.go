package entity

// Command is the closed set of instructions flowing from the presentation
// layer to the scheduler, and from the scheduler to running transfer
// engines. Consumers match exhaustively with a type switch.
type Command interface {
	isCommand()
}

// AddCmd enables an item for download into the given output directory.
type AddCmd struct {
	ID     uint64
	OutDir string
}

// RemoveCmd cancels an item, whether queued or running.
type RemoveCmd struct {
	ID uint64
}

// ChangeDirCmd redirects all output, in-flight transfers included, to a new
// directory.
type ChangeDirCmd struct {
	Dir string
}

// StopCmd shuts the whole pipeline down.
type StopCmd struct{}

func (AddCmd) isCommand()       {}
func (RemoveCmd) isCommand()    {}
func (ChangeDirCmd) isCommand() {}
func (StopCmd) isCommand()      {}

// ProgressUpdate is one message from a transfer engine (or its worker) back
// to the scheduler.
type ProgressUpdate interface {
	isProgressUpdate()
}

// SetSize reports the total transfer size, sent once at connect time before
// any Amount messages.
type SetSize struct {
	N int64
}

// Amount reports bytes received since the previous Amount.
type Amount struct {
	N int
}

// TransferFinished reports successful completion.
type TransferFinished struct{}

// Panicked reports an item-fatal condition the scheduler must surface
// without crashing the worker.
type Panicked struct {
	Msg string
}

// WorkerDone signals that the worker goroutine exited, for any terminal
// reason. It frees the worker's command-channel registration.
type WorkerDone struct{}

func (SetSize) isProgressUpdate()          {}
func (Amount) isProgressUpdate()           {}
func (TransferFinished) isProgressUpdate() {}
func (Panicked) isProgressUpdate()         {}
func (WorkerDone) isProgressUpdate()       {}

// ProgressMsg envelopes a progress update with the item it belongs to.
type ProgressMsg struct {
	ID     uint64
	Update ProgressUpdate
}

// ChangeRecord is one discrete presentation-facing delta. Records are
// produced exclusively by the scheduler, consumed exclusively by the
// presentation adapter and never mutated after emission. Indexes address the
// scheduler's visible-id list positionally.
type ChangeRecord interface {
	isChangeRecord()
}

// Added appends an item to the visible list.
type Added struct {
	Item Item
}

// Removed deletes the visible entry at Index, shifting later entries down.
type Removed struct {
	Index int
}

// Updated replaces the visible entry at Index with a fresh snapshot.
type Updated struct {
	Index int
	Item  Item
}

// FinishedAt marks the visible entry at Index as completed.
type FinishedAt struct {
	Index int
}

// FatalError carries a failure message for display. ID names the failed
// item; it is zero when the failure is not item-scoped (e.g. a filesystem
// side-channel error).
type FatalError struct {
	ID  uint64
	Msg string
}

func (Added) isChangeRecord()      {}
func (Removed) isChangeRecord()    {}
func (Updated) isChangeRecord()    {}
func (FinishedAt) isChangeRecord() {}
func (FatalError) isChangeRecord() {}
