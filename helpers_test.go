package streaming

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func init() {
	// Keep test output readable; set STREAMING_TEST_LOG=debug to see the engine.
	level := zerolog.WarnLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("STREAMING_TEST_LOG")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano})
}

const testISN uint32 = 1000

// unitConfig returns a config for driving a single connection by hand. The
// RTO is long enough that no retransmission interferes with a test.
func unitConfig(active bool) Config {
	cfg := DefaultConfig()
	cfg.ActiveOpen = active
	cfg.ISNSupplier = func() uint32 { return testISN }
	cfg.MaximumSegmentSize = 1000
	cfg.ReceiveWindowSize = 4000
	cfg.InitialRTO = time.Second
	cfg.MinRTO = time.Second
	cfg.MaxRTO = 2 * time.Second
	cfg.MSL = 20 * time.Millisecond
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.UserTimeout = 10 * time.Second
	return cfg
}

// pairConfig returns a config for two connections talking over a link.
func pairConfig(active bool) Config {
	cfg := DefaultConfig()
	cfg.ActiveOpen = active
	cfg.InitialRTO = 50 * time.Millisecond
	cfg.MinRTO = 20 * time.Millisecond
	cfg.MaxRTO = 500 * time.Millisecond
	cfg.MaxRetries = 20
	cfg.MSL = 500 * time.Millisecond
	cfg.HandshakeTimeout = 10 * time.Second
	cfg.UserTimeout = 20 * time.Second
	return cfg
}

// recorder is a Transmitter that decodes and keeps every frame sent.
type recorder struct {
	ch chan Segment
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Segment, 4096)}
}

func (r *recorder) Transmit(frame []byte) error {
	seg, err := Unmarshal(frame)
	if err != nil {
		return err
	}
	r.ch <- seg
	return nil
}

// next returns the next segment sent, failing the test after a timeout.
func (r *recorder) next(t *testing.T) Segment {
	t.Helper()
	select {
	case seg := <-r.ch:
		return seg
	case <-time.After(3 * time.Second):
		t.Fatal("no segment sent")
		return Segment{}
	}
}

// nextMatching skips segments until match accepts one.
func (r *recorder) nextMatching(t *testing.T, match func(Segment) bool) Segment {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case seg := <-r.ch:
			if match(seg) {
				return seg
			}
		case <-deadline:
			t.Fatal("no matching segment sent")
			return Segment{}
		}
	}
}

// expectNone asserts that nothing is sent within d.
func (r *recorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case seg := <-r.ch:
		t.Fatalf("unexpected segment %s", seg)
	case <-time.After(d):
	}
}

func newUnitConn(t *testing.T, cfg Config) (*Conn, *recorder) {
	t.Helper()
	rec := newRecorder()
	c, err := NewConn(cfg, rec)
	require.NoError(t, err)
	t.Cleanup(func() { c.Abort() })
	return c, rec
}

// inject hands seg to c and waits until it has been processed.
func inject(t *testing.T, c *Conn, seg Segment) {
	t.Helper()
	require.True(t, c.HandleSegment(seg))
	c.Stats()
}

// establishActive drives an active connection through the handshake with a
// peer whose ISN is 5000.
func establishActive(t *testing.T, c *Conn, rec *recorder, peerWindow uint16) {
	t.Helper()
	open := c.Open()
	syn := rec.next(t)
	require.Equal(t, FlagSYN, syn.Flags)
	require.Equal(t, testISN, syn.Seq)

	inject(t, c, Segment{Seq: 5000, Ack: testISN + 1, Flags: FlagSYN | FlagACK, Window: peerWindow})
	ack := rec.nextMatching(t, func(s Segment) bool { return s.Flags == FlagACK })
	require.Equal(t, uint32(5001), ack.Ack)
	require.NoError(t, waitFuture(t, open))
	require.Equal(t, StateEstablished, c.State())
}

// onExecutor runs fn on c's executor and waits for it, for tests that read
// or rewind executor-owned state.
func onExecutor(t *testing.T, c *Conn, fn func()) {
	t.Helper()
	done := make(chan struct{})
	ok, _ := c.post(func() {
		fn()
		close(done)
	})
	require.True(t, ok, "executor exited")
	<-done
}

func waitFuture(t *testing.T, f *Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future not resolved")
	return err
}

// collectEvents drains the event channel until it is closed.
func collectEvents(t *testing.T, c *Conn) []EventType {
	t.Helper()
	var types []EventType
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-c.Events():
			if !ok {
				return types
			}
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("event channel not closed, got %v", types)
			return nil
		}
	}
}

// waitEvent waits for the next event of type want, skipping others.
func waitEvent(t *testing.T, c *Conn, want EventType) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-c.Events():
			require.True(t, ok, "event channel closed before %s", want)
			if e.Type == want {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
			return Event{}
		}
	}
}

// linkOptions impair one direction of a link.
type linkOptions struct {
	// dropFirst drops the first n frames.
	dropFirst int
	// dropEvery drops every n-th frame; 0 drops nothing.
	dropEvery int
	// duplicate delivers every frame twice.
	duplicate bool
	// reorderEvery delays every n-th frame so that later frames overtake it.
	reorderEvery int
}

// link delivers frames to target in memory, impaired as configured. While
// held, frames are queued until release.
type link struct {
	opts linkOptions

	mu      sync.Mutex
	target  *Conn
	count   int
	dropped int
	held    bool
	queue   [][]byte
}

func (l *link) Transmit(frame []byte) error {
	l.mu.Lock()
	target := l.target
	if target == nil || l.held {
		l.queue = append(l.queue, frame)
		l.mu.Unlock()
		return nil
	}
	l.count++
	n := l.count
	if n <= l.opts.dropFirst || (l.opts.dropEvery > 0 && n%l.opts.dropEvery == 0) {
		l.dropped++
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if l.opts.reorderEvery > 0 && n%l.opts.reorderEvery == 0 {
		time.AfterFunc(5*time.Millisecond, func() { target.HandleFrame(frame) })
		return nil
	}
	target.HandleFrame(frame)
	if l.opts.duplicate {
		target.HandleFrame(frame)
	}
	return nil
}

// hold queues frames until release.
func (l *link) hold() {
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
}

// release delivers queued frames and stops holding.
func (l *link) release() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.held = false
	l.mu.Unlock()
	for _, frame := range queue {
		l.Transmit(frame)
	}
}

func (l *link) droppedFrames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// newPair connects two connections through links. ab carries a's frames to b.
// Both links hold their frames until the caller releases them.
func newPair(t *testing.T, cfgA, cfgB Config, optsAB, optsBA linkOptions) (a, b *Conn, ab, ba *link) {
	t.Helper()
	ab = &link{opts: optsAB, held: true}
	ba = &link{opts: optsBA, held: true}

	a, err := NewConn(cfgA, ab)
	require.NoError(t, err)
	b, err = NewConn(cfgB, ba)
	require.NoError(t, err)

	ab.mu.Lock()
	ab.target = b
	ab.mu.Unlock()
	ba.mu.Lock()
	ba.target = a
	ba.mu.Unlock()

	t.Cleanup(func() {
		a.Abort()
		b.Abort()
	})
	return a, b, ab, ba
}

// openPair runs the handshake between an active a and a passive b.
func openPair(t *testing.T, cfgA, cfgB Config, optsAB, optsBA linkOptions) (a, b *Conn, ab, ba *link) {
	t.Helper()
	a, b, ab, ba = newPair(t, cfgA, cfgB, optsAB, optsBA)
	ab.release()
	ba.release()

	openA := a.Open()
	openB := b.Open()
	require.NoError(t, waitFuture(t, openA))
	require.NoError(t, waitFuture(t, openB))
	return a, b, ab, ba
}

// receiveAll reads until n bytes arrived or the stream ended. It is safe to
// call from goroutines other than the test's.
func receiveAll(c *Conn, n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := make([]byte, 0, n)
	buf := make([]byte, 4096)
	for len(out) < n {
		m, err := c.Receive(ctx, buf)
		out = append(out, buf[:m]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// readN reads exactly n bytes from c.
func readN(t *testing.T, c *Conn, n int) []byte {
	t.Helper()
	out, err := receiveAll(c, n)
	require.NoError(t, err)
	return out
}

// testPayload returns n bytes of a recognizable pattern.
func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}
