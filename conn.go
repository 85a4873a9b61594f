package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transmitter hands an encoded frame to the underlying datagram channel. The
// channel may drop, duplicate or reorder frames. Transmit must not block for
// long; it is called from the connection's executor.
type Transmitter interface {
	Transmit(frame []byte) error
}

// TransmitterFunc adapts a function to the Transmitter interface.
type TransmitterFunc func(frame []byte) error

// Transmit calls f(frame).
func (f TransmitterFunc) Transmit(frame []byte) error {
	return f(frame)
}

// maxQueuedSegments bounds inbound segments waiting for the executor. Excess
// segments are dropped like on a congested link.
const maxQueuedSegments = 1024

// connOptions carries the hooks an Endpoint installs on the connections it
// manages.
type connOptions struct {
	remote        string
	rttSeed       *rttSample
	onEstablished func(*Conn)
	onClosed      func(*Conn)
}

// Conn is one reliable, ordered, bidirectional byte stream over a lossy
// datagram channel. All protocol state is owned by a single executor
// goroutine; user calls, inbound segments and timer expiries are posted to
// it as tasks and never run concurrently with each other.
//
// User calls (Open, Send, Close, Abort) return a Future the executor resolves
// exactly once. Lifecycle events are delivered on Events.
type Conn struct {
	id     string
	cfg    Config
	opts   connOptions
	tx     Transmitter
	logger zerolog.Logger

	mbox   *mailbox
	done   chan struct{}
	events chan Event

	// readMu serializes direct buffer reads after the executor exited.
	readMu sync.Mutex

	// Everything below is owned by the executor.
	state      State
	terminated bool
	reason     Reason
	finalErr   error

	eventsClosed bool

	iss, irs       uint32
	sndUna, sndNxt uint32
	sndWnd         uint32
	maxSndWnd      uint32
	sndWl1, sndWl2 uint32
	rcvNxt         uint32
	lastAdvertised uint32

	sendBuf  *sendBuffer
	recvBuf  *receiveBuffer
	rtxQueue *retransmissionQueue
	rto      *rtoEstimator

	handshakeDone  bool
	closeRequested bool
	finSent        bool
	finSeq         uint32
	finReceived    bool

	dupAcks       int
	inRecovery    bool
	recoveryPoint uint32
	probes        int // unanswered zero window probes
	probeBackoff  int // probes sent since the window closed

	openFuture  *Future
	closeFuture *Future
	sendWaiters []sendWaiter
	readers     []*readRequest

	rtxTimer       *connTimer
	handshakeTimer *connTimer
	userTimer      *connTimer
	closeTimer     *connTimer
	timeWaitTimer  *connTimer
	persistTimer   *connTimer
	overrideTimer  *connTimer

	// nagleOverride lets output send a segment Nagle would hold back.
	nagleOverride bool

	stats counters
}

type sendWaiter struct {
	end    uint64
	future *Future
}

type readRequest struct {
	max   int
	reply chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// errReadCanceled answers a read request withdrawn by its caller.
var errReadCanceled = errors.New("read canceled")

// NewConn creates a connection that writes its frames to tx. With
// cfg.ActiveOpen the connection starts CLOSED and Open sends the SYN;
// otherwise it starts in LISTEN and accepts the first SYN handed to it.
func NewConn(cfg Config, tx Transmitter) (*Conn, error) {
	return newConn(cfg, tx, connOptions{})
}

func newConn(cfg Config, tx Transmitter, opts connOptions) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if tx == nil {
		return nil, fmt.Errorf("transmitter must not be nil")
	}
	recvBuf, err := newReceiveBuffer(cfg.ReceiveWindowSize)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logCtx := log.With().Str("conn", id)
	if opts.remote != "" {
		logCtx = logCtx.Str("remote", opts.remote)
	}

	c := &Conn{
		id:       id,
		cfg:      cfg,
		opts:     opts,
		tx:       tx,
		logger:   logCtx.Logger(),
		mbox:     newMailbox(),
		done:     make(chan struct{}),
		events:   make(chan Event, eventQueueSize),
		state:    StateClosed,
		sendBuf:  &sendBuffer{},
		recvBuf:  recvBuf,
		rtxQueue: &retransmissionQueue{},
		rto:      newRTOEstimator(cfg),
	}
	if !cfg.ActiveOpen {
		c.state = StateListen
	}
	if opts.rttSeed != nil {
		c.rto.seed(opts.rttSeed.srtt, opts.rttSeed.rttVariance)
	}
	c.lastAdvertised = c.recvBuf.window()

	c.rtxTimer = c.newTimer("retransmission", c.onRetransmissionTimeout)
	c.handshakeTimer = c.newTimer("handshake", c.onHandshakeTimeout)
	c.userTimer = c.newTimer("user", c.onUserTimeout)
	c.closeTimer = c.newTimer("close", c.onCloseTimeout)
	c.timeWaitTimer = c.newTimer("time-wait", c.onTimeWaitTimeout)
	c.persistTimer = c.newTimer("persist", c.onPersistTimeout)
	c.overrideTimer = c.newTimer("override", c.onOverrideTimeout)

	c.logger.Debug().
		Bool("active", cfg.ActiveOpen).
		Int("mss", cfg.MaximumSegmentSize).
		Int("window", cfg.ReceiveWindowSize).
		Bool("noDelay", cfg.NoDelay).
		Dur("rto", c.rto.current()).
		Msg("connection created")

	go c.run()
	return c, nil
}

// ID returns the identifier used in log output.
func (c *Conn) ID() string {
	return c.id
}

// Events returns the lifecycle event channel. EventClosed is always the last
// event; the channel is closed after it.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed once the connection has released all its state.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// run is the executor loop.
func (c *Conn) run() {
	for !c.terminated {
		<-c.mbox.signal
		for _, task := range c.mbox.take() {
			task()
		}
	}
	// Tasks accepted before the mailbox closed still run, against the
	// terminated connection.
	for _, task := range c.mbox.close(c.snapshotFinal()) {
		task()
	}
	close(c.done)
}

// post runs task on the executor. It returns the connection's final state
// instead when the executor has exited.
func (c *Conn) post(task func()) (bool, *finalState) {
	return c.mbox.post(task, 0)
}

// Open starts the connection. An active connection sends a SYN; a passive one
// waits for the peer's SYN. The future resolves once ESTABLISHED is reached.
func (c *Conn) Open() *Future {
	f := newFuture()
	if ok, final := c.post(func() { c.handleOpen(f) }); !ok {
		f.resolve(final.err)
	}
	return f
}

// Send queues p for transmission. The connection keeps its own copy of p. The
// future resolves once every byte of p has been transmitted at least once;
// acknowledgment is tracked by the connection itself.
func (c *Conn) Send(p []byte) *Future {
	f := newFuture()
	data := append([]byte(nil), p...)
	if ok, final := c.post(func() { c.handleSend(data, f) }); !ok {
		f.resolve(final.err)
	}
	return f
}

// Close announces that no more data will be sent. Queued data is still
// delivered before the FIN. The future resolves when the connection reaches
// CLOSED.
func (c *Conn) Close() *Future {
	f := newFuture()
	if ok, _ := c.post(func() { c.handleClose(f) }); !ok {
		f.resolve(ErrConnectionClosed)
	}
	return f
}

// Abort resets the connection immediately. Pending calls fail with
// ErrConnectionAborted.
func (c *Conn) Abort() *Future {
	f := newFuture()
	if ok, _ := c.post(func() { c.handleAbort(f) }); !ok {
		f.resolve(ErrConnectionClosed)
	}
	return f
}

// Receive reads delivered bytes into p, blocking until data is available, the
// peer's FIN was consumed (io.EOF), the connection failed, or ctx ends.
func (c *Conn) Receive(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	req := &readRequest{max: len(p), reply: make(chan readResult, 1)}
	if ok, final := c.post(func() { c.handleRead(req) }); !ok {
		return c.readAfterExit(p, final)
	}

	select {
	case res := <-req.reply:
		return copy(p, res.data), res.err
	case <-ctx.Done():
	}

	// Withdraw the request. Whether the withdrawal or an answer wins, exactly
	// one reply is sent; if the executor is gone it answered every reader.
	c.post(func() { c.cancelRead(req) })
	res := <-req.reply
	if len(res.data) > 0 {
		return copy(p, res.data), nil
	}
	if res.err != nil && !errors.Is(res.err, errReadCanceled) {
		return 0, res.err
	}
	return 0, ctx.Err()
}

// readAfterExit serves reads once the executor has exited. Data left after a
// graceful close stays readable.
func (c *Conn) readAfterExit(p []byte, final *finalState) (int, error) {
	<-c.done
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.recvBuf.unread() > 0 {
		return copy(p, c.recvBuf.read(len(p))), nil
	}
	return 0, final.readErr
}

// State returns the current connection state.
func (c *Conn) State() State {
	return c.Stats().State
}

// Stats returns a snapshot of the connection's variables and counters.
func (c *Conn) Stats() Stats {
	reply := make(chan Stats, 1)
	if ok, final := c.post(func() { reply <- c.snapshot() }); !ok {
		return final.stats
	}
	return <-reply
}

func (c *Conn) handleOpen(f *Future) {
	switch {
	case c.terminated:
		f.resolve(ErrConnectionClosed)
	case c.openFuture != nil:
		f.resolve(ErrConnectionExists)
	case c.state == StateClosed && c.cfg.ActiveOpen:
		c.openFuture = f
		c.iss = c.cfg.ISNSupplier()
		c.sndUna = c.iss
		c.sndNxt = c.iss
		c.setState(StateSynSent)
		c.handshakeTimer.arm(c.cfg.HandshakeTimeout)
		c.sendSYN()
	case c.state == StateListen || c.state == StateSynReceived:
		c.openFuture = f
	default:
		f.resolve(ErrConnectionExists)
	}
}

func (c *Conn) handleSend(data []byte, f *Future) {
	if c.terminated {
		f.resolve(c.finalErr)
		return
	}
	if c.closeRequested {
		f.resolve(ErrConnectionClosing)
		return
	}
	switch c.state {
	case StateClosed:
		f.resolve(ErrConnectionClosed)
		return
	case StateListen, StateSynSent, StateSynReceived, StateEstablished, StateCloseWait:
	default:
		f.resolve(ErrConnectionClosing)
		return
	}
	if len(data) == 0 {
		f.resolve(nil)
		return
	}

	end := c.sendBuf.write(data)
	c.sendWaiters = append(c.sendWaiters, sendWaiter{end: end, future: f})
	c.logger.Trace().Int("bytes", len(data)).Int("unsent", c.sendBuf.unsent()).Msg("data queued")
	c.output()
}

func (c *Conn) handleClose(f *Future) {
	if c.terminated {
		f.resolve(ErrConnectionClosed)
		return
	}
	if c.closeRequested {
		// A second CLOSE completes together with the first.
		first := c.closeFuture
		go func() {
			<-first.Done()
			f.resolve(first.Err())
		}()
		return
	}

	switch c.state {
	case StateClosed:
		f.resolve(ErrConnectionClosed)
	case StateListen, StateSynSent:
		c.closeFuture = f
		c.closeRequested = true
		c.terminate(ReasonNone)
	case StateSynReceived:
		// The FIN goes out once the handshake completes.
		c.closeFuture = f
		c.closeRequested = true
		c.closeTimer.arm(c.cfg.UserTimeout)
	case StateEstablished:
		c.closeFuture = f
		c.closeRequested = true
		c.setState(StateFinWait1)
		c.closeTimer.arm(c.cfg.UserTimeout)
		c.output()
	case StateCloseWait:
		c.closeFuture = f
		c.closeRequested = true
		c.setState(StateLastAck)
		c.closeTimer.arm(c.cfg.UserTimeout)
		c.output()
	default:
		f.resolve(ErrConnectionClosing)
	}
}

func (c *Conn) handleAbort(f *Future) {
	if c.terminated {
		f.resolve(ErrConnectionClosed)
		return
	}
	switch c.state {
	case StateSynReceived, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.sendReset(c.sndNxt)
	}
	c.terminate(ReasonAborted)
	f.resolve(nil)
}

func (c *Conn) handleRead(req *readRequest) {
	if len(c.readers) == 0 && c.recvBuf.unread() > 0 {
		c.answerRead(req)
		return
	}
	if c.finReceived || c.terminated {
		req.reply <- readResult{err: c.readErr()}
		return
	}
	c.readers = append(c.readers, req)
}

func (c *Conn) cancelRead(req *readRequest) {
	for i, r := range c.readers {
		if r == req {
			c.readers = append(c.readers[:i], c.readers[i+1:]...)
			req.reply <- readResult{err: errReadCanceled}
			return
		}
	}
}

func (c *Conn) answerRead(req *readRequest) {
	data := c.recvBuf.read(req.max)
	req.reply <- readResult{data: data}
	c.maybeSendWindowUpdate()
}

// serveReaders answers queued readers after data arrived or the stream ended.
func (c *Conn) serveReaders() {
	for len(c.readers) > 0 && c.recvBuf.unread() > 0 {
		req := c.readers[0]
		c.readers = c.readers[1:]
		c.answerRead(req)
	}
	if len(c.readers) > 0 && (c.finReceived || c.terminated) {
		err := c.readErr()
		for _, req := range c.readers {
			req.reply <- readResult{err: err}
		}
		c.readers = nil
	}
}

// readErr is the error readers see once no more data will arrive.
func (c *Conn) readErr() error {
	if c.terminated && c.reason != ReasonNone {
		return c.finalErr
	}
	if c.finReceived || c.terminated {
		return io.EOF
	}
	return nil
}

// resolveSendWaiters completes SEND calls whose bytes were all transmitted.
func (c *Conn) resolveSendWaiters() {
	i := 0
	for ; i < len(c.sendWaiters); i++ {
		w := c.sendWaiters[i]
		if w.end > c.sendBuf.sent {
			break
		}
		w.future.resolve(nil)
	}
	c.sendWaiters = c.sendWaiters[i:]
}

func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug().Stringer("from", c.state).Stringer("to", s).Msg("state transition")
	c.state = s
}

func (c *Conn) emit(e Event) {
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.logger.Warn().Stringer("event", e).Msg("event queue full, dropping event")
	}
}

// establish enters ESTABLISHED after the handshake.
func (c *Conn) establish() {
	c.setState(StateEstablished)
	c.handshakeDone = true
	c.handshakeTimer.stop()
	c.emit(Event{Type: EventHandshakeCompleted})
	if c.openFuture != nil {
		c.openFuture.resolve(nil)
	}
	if c.opts.onEstablished != nil {
		c.opts.onEstablished(c)
	}
	if c.closeRequested {
		c.setState(StateFinWait1)
	}
	c.logger.Info().Uint32("iss", c.iss).Uint32("irs", c.irs).Msg("connection established")
}

// terminate moves the connection to CLOSED for good and resolves everything
// still pending. ReasonNone means a graceful close.
func (c *Conn) terminate(reason Reason) {
	if c.terminated {
		return
	}
	c.setState(StateClosed)
	c.terminated = true
	c.reason = reason

	graceful := reason == ReasonNone
	err := reasonError(reason)
	if graceful {
		c.finalErr = ErrConnectionClosed
	} else {
		c.finalErr = err
	}

	for _, t := range []*connTimer{c.rtxTimer, c.handshakeTimer, c.userTimer, c.closeTimer, c.timeWaitTimer, c.persistTimer, c.overrideTimer} {
		t.stop()
	}

	pendingErr := err
	if graceful {
		pendingErr = ErrConnectionClosing
	}
	if c.openFuture != nil {
		c.openFuture.resolve(pendingErr)
	}
	for _, w := range c.sendWaiters {
		w.future.resolve(pendingErr)
	}
	c.sendWaiters = nil
	if c.closeFuture != nil {
		if graceful {
			c.closeFuture.resolve(nil)
		} else {
			c.closeFuture.resolve(err)
		}
	}

	c.rtxQueue.clear()
	c.sendBuf.release()
	if !graceful {
		c.recvBuf.reset()
	}
	c.serveReaders()

	switch {
	case graceful || reason == ReasonAborted:
	case !c.handshakeDone:
		c.emit(Event{Type: EventHandshakeFailed, Reason: reason, Err: err})
	case reason == ReasonConnectionReset:
		c.emit(Event{Type: EventReset, Reason: reason, Err: err})
	default:
		c.emit(Event{Type: EventTimeout, Reason: reason, Err: err})
	}
	closed := Event{Type: EventClosed, Reason: reason}
	if !graceful {
		closed.Err = err
	}
	c.emit(closed)
	close(c.events)
	c.eventsClosed = true

	logEvent := c.logger.Info()
	if !graceful {
		logEvent = c.logger.Warn().Err(err)
	}
	logEvent.Stringer("reason", reason).
		Uint64("bytesSent", c.stats.bytesSent).
		Uint64("bytesReceived", c.stats.bytesReceived).
		Uint64("retransmissions", c.stats.retransmissions).
		Msg("connection closed")

	if c.opts.onClosed != nil {
		c.opts.onClosed(c)
	}
}

// abortWithReset fails the connection after a timeout, telling the peer.
func (c *Conn) abortWithReset(reason Reason) {
	switch c.state {
	case StateSynReceived, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		c.sendReset(c.sndNxt)
	}
	c.terminate(reason)
}

// finalState is what callers see once the executor has exited.
type finalState struct {
	err     error
	readErr error
	stats   Stats
}

func (c *Conn) snapshotFinal() *finalState {
	return &finalState{
		err:     c.finalErr,
		readErr: c.readErr(),
		stats:   c.snapshot(),
	}
}

// mailbox is the executor's unbounded task queue. Once closed it rejects new
// tasks, and every task it accepted is returned by take or close.
type mailbox struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	final  *finalState
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// post enqueues task. With limit > 0 the task is rejected while limit tasks
// are already waiting.
func (m *mailbox) post(task func(), limit int) (bool, *finalState) {
	m.mu.Lock()
	if m.closed {
		final := m.final
		m.mu.Unlock()
		return false, final
	}
	if limit > 0 && len(m.tasks) >= limit {
		m.mu.Unlock()
		return false, nil
	}
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true, nil
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.tasks
	m.tasks = nil
	return tasks
}

func (m *mailbox) close(final *finalState) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.final = final
	tasks := m.tasks
	m.tasks = nil
	return tasks
}

// connTimer is a restartable one-shot timer whose expiry runs on the
// executor. Stale expiries are recognized by their generation and ignored.
type connTimer struct {
	c     *Conn
	name  string
	fire  func()
	timer *time.Timer
	gen   uint64
}

func (c *Conn) newTimer(name string, fire func()) *connTimer {
	return &connTimer{c: c, name: name, fire: fire}
}

// arm (re)starts the timer.
func (t *connTimer) arm(d time.Duration) {
	t.stop()
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.c.post(func() {
			if t.gen != gen || t.timer == nil {
				return
			}
			t.timer = nil
			t.c.logger.Trace().Str("timer", t.name).Msg("timer expired")
			t.fire()
		})
	})
}

func (t *connTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *connTimer) running() bool {
	return t.timer != nil
}
