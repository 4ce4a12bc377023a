// Package pgxdriver binds jackc/pgx's pgconn to the evpg Driver
// contract.
//
// pgconn exposes a synchronous API, so the adapter runs each operation
// on a per-connection worker goroutine and bridges completion into the
// readiness model with a self-pipe: extracted results are queued and a
// byte is written to the pipe, whose read end is the pollable
// descriptor handed to the reactor. ConsumeInput drains the pipe,
// IsBusy reflects the queue, and NextResult pops from it.
package pgxdriver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sys/unix"

	"github.com/evpg/evpg"
)

// item is one entry of the extracted-result queue. end marks the null
// sentinel terminating a command, optionally carrying a driver-level
// error.
type item struct {
	res *evpg.Result
	end bool
	err error
}

// Driver adapts one pgconn connection. Its identity is stable across
// resets: StartReset replaces the inner pgconn while the adapter (and
// its evpg.Conn) stay the same.
type Driver struct {
	dsn      string
	encoding string

	mu         sync.Mutex
	conn       *pgconn.PgConn
	pipeR      int
	pipeW      int
	havePipe   bool
	connecting bool
	connDone   bool
	connErr    error
	pending    bool
	items      []item
	notices    []*evpg.Notification
	lastErr    string
	finished   bool

	notifyCancel context.CancelFunc
	notifyWG     sync.WaitGroup
}

var _ evpg.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithEncoding sets the client encoding applied as a startup parameter,
// avoiding a post-connect round trip in SetClientEncoding.
func WithEncoding(enc string) Option {
	return func(d *Driver) { d.encoding = enc }
}

// New creates an unconnected adapter for the given connection string.
func New(dsn string, opts ...Option) *Driver {
	d := &Driver{dsn: dsn}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Factory returns an evpg pool factory producing connected sessions on
// the given reactor.
func Factory(r evpg.Reactor, cfg *evpg.Config) evpg.Factory {
	return func(ctx context.Context) (*evpg.Conn, error) {
		return evpg.Connect(ctx, r, New(cfg.DSN, WithEncoding(cfg.ClientEncoding)), cfg)
	}
}

// ── Pipe plumbing ───────────────────────────────────────────────────────

func (d *Driver) ensurePipeLocked() error {
	if d.havePipe {
		return nil
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	d.pipeR, d.pipeW = fds[0], fds[1]
	d.havePipe = true
	return nil
}

// signal marks the descriptor readable so the reactor wakes the pump.
func (d *Driver) signal() {
	d.mu.Lock()
	w := d.pipeW
	ok := d.havePipe
	d.mu.Unlock()
	if ok {
		unix.Write(w, []byte{1})
	}
}

func (d *Driver) drainPipeLocked() {
	if !d.havePipe {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(d.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Socket returns the self-pipe read end.
func (d *Driver) Socket() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensurePipeLocked(); err != nil {
		return 0, err
	}
	return d.pipeR, nil
}

// ── Handshake ───────────────────────────────────────────────────────────

// StartConnect begins an asynchronous connection attempt.
func (d *Driver) StartConnect() error {
	return d.startHandshake(false)
}

// StartReset closes the inner pgconn and dials a fresh one, reusing
// the adapter object and its descriptor.
func (d *Driver) StartReset() error {
	return d.startHandshake(true)
}

func (d *Driver) startHandshake(reset bool) error {
	d.stopNotifyWorker()

	d.mu.Lock()
	if d.connecting {
		d.mu.Unlock()
		return errors.New("pgxdriver: handshake already in progress")
	}
	if err := d.ensurePipeLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	old := d.conn
	d.conn = nil
	d.connecting = true
	d.connDone = false
	d.connErr = nil
	d.pending = false
	d.items = nil
	d.finished = false
	d.mu.Unlock()

	go func() {
		if reset && old != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			old.Close(ctx)
			cancel()
		}
		conn, err := d.dial()

		d.mu.Lock()
		d.conn = conn
		d.connErr = err
		d.connDone = true
		d.connecting = false
		if err != nil {
			d.lastErr = err.Error()
		}
		d.mu.Unlock()
		d.signal()
	}()
	return nil
}

func (d *Driver) dial() (*pgconn.PgConn, error) {
	cfg, err := pgconn.ParseConfig(d.dsn)
	if err != nil {
		return nil, err
	}
	cfg.OnNotification = func(_ *pgconn.PgConn, n *pgconn.Notification) {
		d.mu.Lock()
		d.notices = append(d.notices, &evpg.Notification{
			Channel: n.Channel,
			Payload: n.Payload,
			PID:     int(n.PID),
		})
		d.mu.Unlock()
		d.signal()
	}
	if d.encoding != "" {
		if cfg.RuntimeParams == nil {
			cfg.RuntimeParams = map[string]string{}
		}
		cfg.RuntimeParams["client_encoding"] = d.encoding
	}
	return pgconn.ConnectConfig(context.Background(), cfg)
}

// PollConnect reports the handshake state. Readiness arrives on the
// self-pipe when the dial goroutine finishes.
func (d *Driver) PollConnect() evpg.PollStatus {
	return d.pollHandshake()
}

// PollReset reports the reset state.
func (d *Driver) PollReset() evpg.PollStatus {
	return d.pollHandshake()
}

func (d *Driver) pollHandshake() evpg.PollStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connDone {
		return evpg.PollReading
	}
	d.drainPipeLocked()
	if d.connErr != nil {
		return evpg.PollFailed
	}
	return evpg.PollOK
}

// ── Commands ────────────────────────────────────────────────────────────

// Send dispatches the command to the worker goroutine. The bytes are
// flushed (and results extracted) asynchronously; progress is reported
// through the readiness pipe.
func (d *Driver) Send(cmd evpg.Command) error {
	d.stopNotifyWorker()

	d.mu.Lock()
	if d.finished || d.conn == nil {
		d.mu.Unlock()
		return errors.New("pgxdriver: connection is not established")
	}
	if d.pending {
		d.mu.Unlock()
		return errors.New("pgxdriver: command already in flight")
	}
	d.pending = true
	d.items = nil
	conn := d.conn
	d.mu.Unlock()

	go d.runCommand(conn, cmd)
	return nil
}

func (d *Driver) push(it item) {
	d.mu.Lock()
	d.items = append(d.items, it)
	d.mu.Unlock()
	d.signal()
}

func (d *Driver) runCommand(conn *pgconn.PgConn, cmd evpg.Command) {
	ctx := context.Background()
	var endErr error

	switch cmd.Kind {
	case evpg.KindExec, evpg.KindExecParams, evpg.KindExecPrepared:
		endErr = d.runQuery(ctx, conn, cmd)
	case evpg.KindPrepare:
		if _, err := conn.Prepare(ctx, cmd.Name, cmd.SQL, nil); err != nil {
			endErr = convertError(err)
		} else {
			d.push(item{res: &evpg.Result{Kind: evpg.ResultCommand, Tag: "PREPARE"}})
		}
	case evpg.KindDescribe:
		rr := conn.ExecParams(ctx,
			"SELECT name, statement, parameter_types, result_types FROM pg_prepared_statements WHERE name = $1",
			[][]byte{[]byte(cmd.Name)}, nil, nil, nil)
		res := rr.Read()
		d.push(item{res: convertResult(res)})
	default:
		endErr = &evpg.ProtocolError{Msg: fmt.Sprintf("unknown command kind %d", cmd.Kind)}
	}

	if endErr != nil {
		d.mu.Lock()
		d.lastErr = endErr.Error()
		d.mu.Unlock()
	}
	d.push(item{end: true, err: endErr})
	d.startNotifyWorker()
}

func (d *Driver) runQuery(ctx context.Context, conn *pgconn.PgConn, cmd evpg.Command) error {
	var mrr *pgconn.MultiResultReader
	switch cmd.Kind {
	case evpg.KindExec:
		mrr = conn.Exec(ctx, cmd.SQL)
	case evpg.KindExecParams:
		rr := conn.ExecParams(ctx, cmd.SQL, textArgs(cmd.Args), nil, nil, nil)
		return d.readSingle(rr, cmd.SingleRow)
	default: // KindExecPrepared
		rr := conn.ExecPrepared(ctx, cmd.Name, textArgs(cmd.Args), nil, nil)
		return d.readSingle(rr, cmd.SingleRow)
	}

	if !cmd.SingleRow {
		results, err := mrr.ReadAll()
		for i := range results {
			d.push(item{res: convertResult(results[i])})
		}
		if err != nil {
			return convertError(err)
		}
		return nil
	}

	for mrr.NextResult() {
		if err := d.streamRows(mrr.ResultReader()); err != nil {
			mrr.Close()
			return err
		}
	}
	if err := mrr.Close(); err != nil {
		return convertError(err)
	}
	return nil
}

// readSingle reads the one result of an extended-protocol execution.
func (d *Driver) readSingle(rr *pgconn.ResultReader, singleRow bool) error {
	if singleRow {
		return d.streamRows(rr)
	}
	res := rr.Read()
	d.push(item{res: convertResult(res)})
	return nil
}

// streamRows pushes each row as its own single-row result, then the
// trailing command status.
func (d *Driver) streamRows(rr *pgconn.ResultReader) error {
	cols := fieldNames(rr.FieldDescriptions())
	for rr.NextRow() {
		raw := rr.Values()
		row := make([]any, len(raw))
		for i, v := range raw {
			if v == nil {
				row[i] = nil
			} else {
				row[i] = string(v)
			}
		}
		d.push(item{res: &evpg.Result{
			Kind:    evpg.ResultRow,
			Columns: cols,
			Values:  [][]any{row},
		}})
	}
	tag, err := rr.Close()
	res := &evpg.Result{Kind: evpg.ResultRows, Columns: cols, Tag: tag.String()}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			res.Err = convertError(err)
		} else {
			return convertError(err)
		}
	}
	d.push(item{res: res})
	return nil
}

// ConsumeInput drains the readiness pipe.
func (d *Driver) ConsumeInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drainPipeLocked()
	return nil
}

// IsBusy reports whether NextResult would need to wait.
func (d *Driver) IsBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending && len(d.items) == 0
}

// NextResult pops the next extracted result, or nil when the command's
// results are exhausted.
func (d *Driver) NextResult() (*evpg.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, nil
	}
	it := d.items[0]
	d.items = d.items[1:]
	if it.end {
		d.pending = false
		return nil, it.err
	}
	return it.res, nil
}

// NextNotification pops a buffered async notification, or nil.
func (d *Driver) NextNotification() *evpg.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.notices) == 0 {
		return nil
	}
	n := d.notices[0]
	d.notices = d.notices[1:]
	return n
}

// ── Status surface ──────────────────────────────────────────────────────

func (d *Driver) Status() evpg.ConnStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished || d.conn == nil || d.conn.IsClosed() {
		return evpg.StatusBad
	}
	return evpg.StatusOK
}

func (d *Driver) TransactionStatus() evpg.TxStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return evpg.TxIdle
	}
	switch d.conn.TxStatus() {
	case 'T':
		return evpg.TxInTransaction
	case 'E':
		return evpg.TxInError
	default:
		return evpg.TxIdle
	}
}

func (d *Driver) ErrorMessage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// SetClientEncoding applies the session encoding. When it matches the
// startup parameter already in effect this is a no-op; otherwise it
// costs one round trip.
func (d *Driver) SetClientEncoding(enc string) error {
	d.mu.Lock()
	conn := d.conn
	same := enc == d.encoding
	d.encoding = enc
	d.mu.Unlock()
	if same || conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Exec(ctx, "SET client_encoding TO '"+sanitizeEncoding(enc)+"'").Close()
}

// Finish closes the inner connection and the readiness pipe. The
// adapter can be reconnected afterwards; descriptors are recreated on
// demand.
func (d *Driver) Finish() {
	d.stopNotifyWorker()

	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.finished = true
	d.pending = false
	d.items = nil
	if d.havePipe {
		unix.Close(d.pipeR)
		unix.Close(d.pipeW)
		d.havePipe = false
	}
	d.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn.Close(ctx)
		cancel()
	}
}

// ── Notification listening ──────────────────────────────────────────────
//
// While the connection is idle a worker blocks in WaitForNotification
// so LISTEN traffic surfaces without an active command; it is stopped
// before any other pgconn use.

func (d *Driver) startNotifyWorker() {
	d.mu.Lock()
	if d.finished || d.conn == nil || d.pending || d.connecting || d.notifyCancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.notifyCancel = cancel
	conn := d.conn
	d.notifyWG.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.notifyWG.Done()
		for {
			if err := conn.WaitForNotification(ctx); err != nil {
				return
			}
		}
	}()
}

func (d *Driver) stopNotifyWorker() {
	d.mu.Lock()
	cancel := d.notifyCancel
	d.notifyCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		d.notifyWG.Wait()
	}
}

// ── Conversions ─────────────────────────────────────────────────────────

func fieldNames(fds []pgconn.FieldDescription) []string {
	if len(fds) == 0 {
		return nil
	}
	names := make([]string, len(fds))
	for i := range fds {
		names[i] = fds[i].Name
	}
	return names
}

func convertResult(r *pgconn.Result) *evpg.Result {
	res := &evpg.Result{
		Kind:    evpg.ResultCommand,
		Columns: fieldNames(r.FieldDescriptions),
		Tag:     r.CommandTag.String(),
	}
	if len(r.FieldDescriptions) > 0 {
		res.Kind = evpg.ResultRows
	}
	if len(r.Rows) > 0 {
		res.Values = make([][]any, len(r.Rows))
		for i, raw := range r.Rows {
			row := make([]any, len(raw))
			for j, v := range raw {
				if v == nil {
					row[j] = nil
				} else {
					row[j] = string(v)
				}
			}
			res.Values[i] = row
		}
	}
	if r.Err != nil {
		res.Err = convertError(r.Err)
	}
	return res
}

// convertError maps pgconn errors onto the evpg taxonomy: server
// errors become QueryError, everything else is a dead connection.
func convertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &evpg.QueryError{
			Severity: pgErr.Severity,
			Code:     pgErr.Code,
			Message:  pgErr.Message,
			Detail:   pgErr.Detail,
			Hint:     pgErr.Hint,
			Position: int(pgErr.Position),
		}
	}
	return &evpg.ConnectionError{Op: "command", Msg: err.Error(), Cause: err}
}

func textArgs(args []any) [][]byte {
	if len(args) == 0 {
		return nil
	}
	out := make([][]byte, len(args))
	for i, a := range args {
		if a == nil {
			continue
		}
		out[i] = fmt.Appendf(nil, "%v", a)
	}
	return out
}

// sanitizeEncoding keeps the encoding name safe for inline SQL.
func sanitizeEncoding(enc string) string {
	out := make([]byte, 0, len(enc))
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		}
	}
	return string(out)
}
