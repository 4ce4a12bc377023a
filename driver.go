package evpg

// ── Driver collaborator ─────────────────────────────────────────────────
//
// The client layer never touches the wire protocol. It sequences calls
// against a Driver exposing libpq-style non-blocking primitives: a
// poll-step handshake, a send that flushes command bytes, and an
// is-busy / consume-input / next-result trio driven by socket readiness.
// evpg/pgxdriver provides the production binding.

// PollStatus is the outcome of one handshake poll step.
type PollStatus int

const (
	PollReading PollStatus = iota // subscribe for readability, poll again
	PollWriting                   // subscribe for writability, poll again
	PollOK                        // handshake complete
	PollFailed                    // handshake failed; see Driver.ErrorMessage
)

// ConnStatus mirrors the underlying driver's connection status.
type ConnStatus int

const (
	StatusOK ConnStatus = iota
	StatusBad
)

// TxStatus mirrors the server-reported transaction status.
type TxStatus int

const (
	TxIdle TxStatus = iota
	TxInTransaction
	TxInError
)

func (s TxStatus) Open() bool { return s != TxIdle }

// CommandKind selects which protocol operation a Command performs. The
// near-identical execute/prepare/describe variants all dispatch through
// one shared send/pump/retry routine parameterized by kind.
type CommandKind int

const (
	KindExec         CommandKind = iota // simple query, no parameters
	KindExecParams                      // extended query with bind parameters
	KindPrepare                         // prepare a named statement
	KindExecPrepared                    // execute a named prepared statement
	KindDescribe                        // describe a named prepared statement
)

func (k CommandKind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindExecParams:
		return "exec_params"
	case KindPrepare:
		return "prepare"
	case KindExecPrepared:
		return "exec_prepared"
	case KindDescribe:
		return "describe"
	}
	return "unknown"
}

// Command is one protocol operation to be sent on a connection.
type Command struct {
	Kind CommandKind
	SQL  string // statement text (Exec, ExecParams, Prepare)
	Name string // statement name (Prepare, ExecPrepared, Describe)
	Args []any  // bind parameters (ExecParams, ExecPrepared)

	// SingleRow requests row-at-a-time result delivery.
	SingleRow bool
}

// ResultKind discriminates what a Result carries.
type ResultKind int

const (
	ResultCommand ResultKind = iota // command completed, no row data (tag only)
	ResultRows                      // a full row set (aggregate mode)
	ResultRow                       // exactly one row (single-row mode)
)

// Result is one buffered result pulled from the driver. In aggregate mode
// the pump retains only the last one; in single-row mode each ResultRow is
// delivered to the caller immediately and the trailing ResultRows status
// is swallowed.
type Result struct {
	Kind    ResultKind
	Columns []string
	Values  [][]any
	Tag     string // command tag, e.g. "SELECT 3"

	// Err is the server error attached to this result, if any.
	// Aggregate mode checks the retained result for it at the sentinel.
	Err error
}

// Row returns the values of a single-row result.
func (r *Result) Row() []any {
	if len(r.Values) == 0 {
		return nil
	}
	return r.Values[0]
}

// Notification is an asynchronous server notification (LISTEN/NOTIFY).
type Notification struct {
	Channel string
	Payload string
	PID     int
}

// Driver exposes the non-blocking primitives of one physical connection.
//
// All methods are non-blocking: they either complete immediately or
// report, via PollStatus or IsBusy, that the caller must wait for socket
// readiness before making further progress. Implementations need not be
// safe for concurrent use; the client layer serializes access.
type Driver interface {
	// StartConnect begins a non-blocking connection attempt.
	StartConnect() error
	// PollConnect advances the connection attempt by one step.
	PollConnect() PollStatus

	// StartReset begins a non-blocking reset of an established
	// connection, reusing the underlying connection object.
	StartReset() error
	// PollReset advances the reset by one step.
	PollReset() PollStatus

	// Send flushes a command to the server. After Send returns, results
	// are extracted with ConsumeInput / IsBusy / NextResult.
	Send(cmd Command) error

	// ConsumeInput reads whatever bytes have arrived on the socket.
	ConsumeInput() error
	// IsBusy reports whether NextResult would need to wait for more input.
	IsBusy() bool
	// NextResult returns the next buffered result, or nil when the
	// current command's results are exhausted (the null sentinel).
	NextResult() (*Result, error)

	// NextNotification pops a pending async notification, or nil.
	NextNotification() *Notification

	// Status reports whether the connection is usable.
	Status() ConnStatus
	// TransactionStatus reports the server-side transaction state.
	TransactionStatus() TxStatus
	// ErrorMessage returns the driver's last diagnostic message.
	ErrorMessage() string

	// Socket returns the pollable descriptor for readiness watches.
	// It may change between handshake poll steps.
	Socket() (int, error)

	// SetClientEncoding applies the session default encoding after a
	// successful handshake.
	SetClientEncoding(enc string) error

	// Finish closes the underlying connection and releases its descriptor.
	Finish()
}
