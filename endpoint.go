package streaming

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxFrameSize is the largest datagram read from the packet connection.
const maxFrameSize = 64 * 1024

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Conn is the template for every connection. ActiveOpen is set per
	// connection: true for Dial, false for accepted ones.
	Conn Config

	Limits     *ConnectionLimitsConfig
	AccessList *AccessListConfig
	RTTCache   RTTCacheConfig

	// AcceptBacklog bounds established connections waiting for Accept.
	// Further connections are aborted.
	AcceptBacklog int

	// CleanupInterval is how often expired RTT cache entries and stale
	// rate limiting history are removed.
	CleanupInterval time.Duration
}

// DefaultEndpointConfig returns the default endpoint configuration.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Conn:            DefaultConfig(),
		Limits:          DefaultConnectionLimitsConfig(),
		AccessList:      DefaultAccessListConfig(),
		RTTCache:        DefaultRTTCacheConfig(),
		AcceptBacklog:   16,
		CleanupInterval: time.Minute,
	}
}

// Endpoint multiplexes connections over one net.PacketConn, one connection
// per remote address. It routes incoming frames to their connection, accepts
// connections from SYNs and answers stray segments with RST.
//
// Architecture:
//   - readLoop reads datagrams and queues them
//   - processFrames decodes and dispatches them in arrival order
//   - each Conn runs its own executor; the endpoint never blocks on one
//
// Endpoint implements net.Listener.
type Endpoint struct {
	pc  net.PacketConn
	cfg EndpointConfig

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool

	acceptCh chan *Stream

	limiter      *connectionLimiter
	accessFilter *accessFilter
	rttCache     *rttCache

	incoming chan datagram
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ net.Listener = (*Endpoint)(nil)

type datagram struct {
	frame []byte
	addr  net.Addr
}

// Listen opens a packet connection (e.g. "udp", "127.0.0.1:0") and serves an
// Endpoint on it.
func Listen(network, address string, cfg EndpointConfig) (*Endpoint, error) {
	pc, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	e, err := NewEndpoint(pc, cfg)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return e, nil
}

// NewEndpoint serves an Endpoint on pc. The endpoint owns pc from now on.
func NewEndpoint(pc net.PacketConn, cfg EndpointConfig) (*Endpoint, error) {
	if pc == nil {
		return nil, fmt.Errorf("packet connection cannot be nil")
	}
	if err := cfg.Conn.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	filter, err := newAccessFilter(cfg.AccessList)
	if err != nil {
		return nil, fmt.Errorf("invalid access list: %w", err)
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = DefaultEndpointConfig().AcceptBacklog
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultEndpointConfig().CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		pc:           pc,
		cfg:          cfg,
		conns:        make(map[string]*Conn),
		acceptCh:     make(chan *Stream, cfg.AcceptBacklog),
		limiter:      newConnectionLimiter(cfg.Limits),
		accessFilter: filter,
		rttCache:     newRTTCache(cfg.RTTCache),
		incoming:     make(chan datagram, 256),
		ctx:          ctx,
		cancel:       cancel,
	}

	e.wg.Add(3)
	go e.readLoop()
	go e.processFrames()
	go e.maintenance()

	log.Info().Stringer("addr", pc.LocalAddr()).Msg("endpoint started")
	return e, nil
}

// Addr returns the local address of the packet connection.
func (e *Endpoint) Addr() net.Addr {
	return e.pc.LocalAddr()
}

// readLoop moves datagrams from the packet connection onto the incoming queue.
func (e *Endpoint) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxFrameSize)
	for {
		n, addr, err := e.pc.ReadFrom(buf)
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, ErrFrameTooLarge) {
				log.Debug().Err(err).Stringer("remote", addr).Msg("dropping oversized frame")
				continue
			}
			log.Warn().Err(err).Msg("read from packet connection failed, stopping endpoint input")
			return
		}

		d := datagram{frame: append([]byte(nil), buf[:n]...), addr: addr}
		select {
		case e.incoming <- d:
		case <-e.ctx.Done():
			return
		default:
			log.Debug().Stringer("remote", addr).Msg("incoming queue full, dropping frame")
		}
	}
}

func (e *Endpoint) processFrames() {
	defer e.wg.Done()

	log.Debug().Msg("frame processor started")
	defer log.Debug().Msg("frame processor stopped")

	for {
		select {
		case <-e.ctx.Done():
			return
		case d := <-e.incoming:
			e.dispatch(d)
		}
	}
}

// dispatch routes a frame to its connection, accepts a new connection for a
// SYN, or answers with RST.
func (e *Endpoint) dispatch(d datagram) {
	seg, err := Unmarshal(d.frame)
	if err != nil {
		log.Debug().Err(err).Stringer("remote", d.addr).Msg("dropping malformed frame")
		return
	}

	key := d.addr.String()
	e.mu.Lock()
	c := e.conns[key]
	closed := e.closed
	e.mu.Unlock()

	switch {
	case c != nil:
		c.HandleSegment(seg)
	case closed:
	case seg.IsSYN() && !seg.IsACK() && !seg.IsRST():
		e.acceptSYN(seg, d.addr)
	default:
		log.Debug().Stringer("remote", d.addr).Stringer("segment", seg).Msg("segment for unknown connection")
		e.sendReset(seg, d.addr)
	}
}

// acceptSYN creates a passive connection for a SYN from addr.
func (e *Endpoint) acceptSYN(seg Segment, addr net.Addr) {
	key := addr.String()

	if err := e.accessFilter.CheckAndLog(addr); err != nil {
		e.reject(seg, addr)
		return
	}
	if err := e.limiter.CheckAndRecordConnection(key); err != nil {
		e.limiter.logLimitExceeded(key, err)
		e.reject(seg, addr)
		return
	}

	cfg := e.cfg.Conn
	cfg.ActiveOpen = false
	opts := connOptions{
		remote: key,
		onEstablished: func(c *Conn) {
			e.enqueueAccepted(c, addr)
		},
		onClosed: func(c *Conn) {
			e.connClosed(key, c)
		},
	}
	if seed, ok := e.rttCache.Get(key); ok {
		opts.rttSeed = seed
	}

	c, err := newConn(cfg, e.transmitterFor(addr), opts)
	if err != nil {
		e.limiter.ConnectionClosed()
		log.Error().Err(err).Str("remote", key).Msg("failed to create connection")
		return
	}

	e.mu.Lock()
	e.conns[key] = c
	e.mu.Unlock()

	log.Debug().Str("remote", key).Str("conn", c.ID()).Msg("incoming connection")
	c.HandleSegment(seg)
}

func (e *Endpoint) reject(seg Segment, addr net.Addr) {
	if e.limiter.GetConfig().LimitAction == LimitActionDrop {
		return
	}
	e.sendReset(seg, addr)
}

// enqueueAccepted runs on the connection's executor and must not block.
func (e *Endpoint) enqueueAccepted(c *Conn, addr net.Addr) {
	stream := NewStream(c, e.pc.LocalAddr(), addr)
	select {
	case e.acceptCh <- stream:
	default:
		log.Warn().Stringer("remote", addr).Msg("accept backlog full, aborting connection")
		c.Abort()
	}
}

// connClosed runs on the connection's executor once it reached CLOSED.
func (e *Endpoint) connClosed(key string, c *Conn) {
	e.mu.Lock()
	if e.conns[key] == c {
		delete(e.conns, key)
	}
	e.mu.Unlock()

	e.limiter.ConnectionClosed()
	if c.rto.hasSample {
		e.rttCache.Put(key, c.rto.srtt, c.rto.rttVariance)
	}
}

func (e *Endpoint) transmitterFor(addr net.Addr) Transmitter {
	return TransmitterFunc(func(frame []byte) error {
		_, err := e.pc.WriteTo(frame, addr)
		return err
	})
}

// sendReset answers a segment that belongs to no connection.
func (e *Endpoint) sendReset(seg Segment, addr net.Addr) {
	rst, ok := resetFor(seg)
	if !ok {
		return
	}
	if _, err := e.pc.WriteTo(rst.Marshal(), addr); err != nil {
		log.Debug().Err(err).Stringer("remote", addr).Msg("failed to send RST")
	}
}

// Dial opens a connection to addr and waits for the handshake. If ctx ends
// first the connection is aborted.
func (e *Endpoint) Dial(ctx context.Context, addr net.Addr) (*Stream, error) {
	key := addr.String()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEndpointClosed
	}
	if _, exists := e.conns[key]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", key, ErrConnectionExists)
	}
	if err := e.limiter.CheckOutgoing(); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}

	cfg := e.cfg.Conn
	cfg.ActiveOpen = true
	opts := connOptions{
		remote: key,
		onClosed: func(c *Conn) {
			e.connClosed(key, c)
		},
	}
	if seed, ok := e.rttCache.Get(key); ok {
		opts.rttSeed = seed
	}
	c, err := newConn(cfg, e.transmitterFor(addr), opts)
	if err != nil {
		e.mu.Unlock()
		e.limiter.ConnectionClosed()
		return nil, err
	}
	e.conns[key] = c
	e.mu.Unlock()

	if err := c.Open().Wait(ctx); err != nil {
		c.Abort()
		// Once done, the connection is unregistered and the address can be
		// dialed again.
		<-c.Done()
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}
	log.Debug().Str("remote", key).Str("conn", c.ID()).Msg("outgoing connection established")
	return NewStream(c, e.pc.LocalAddr(), addr), nil
}

// DialAddress resolves a UDP address such as "127.0.0.1:9000" and dials it.
func (e *Endpoint) DialAddress(ctx context.Context, address string) (*Stream, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	return e.Dial(ctx, addr)
}

// Accept implements net.Listener.
func (e *Endpoint) Accept() (net.Conn, error) {
	return e.AcceptStream(context.Background())
}

// AcceptStream waits for the next established incoming connection.
func (e *Endpoint) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-e.acceptCh:
		return s, nil
	case <-e.ctx.Done():
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConnCount returns the number of connections not yet closed.
func (e *Endpoint) ConnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// SetConnectionLimits replaces the admission limits.
func (e *Endpoint) SetConnectionLimits(cfg *ConnectionLimitsConfig) {
	e.limiter.SetConfig(cfg)
}

// SetAccessList replaces the access list.
func (e *Endpoint) SetAccessList(cfg *AccessListConfig) error {
	return e.accessFilter.SetConfig(cfg)
}

// SetRTTCacheConfig replaces the RTT cache configuration.
func (e *Endpoint) SetRTTCacheConfig(cfg RTTCacheConfig) {
	e.rttCache.SetConfig(cfg)
}

func (e *Endpoint) maintenance() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.rttCache.CleanupExpired()
			e.limiter.CleanupStaleHistory()
		}
	}
}

// Close aborts every connection, then closes the packet connection.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	log.Info().Int("conns", len(conns)).Msg("closing endpoint")

	// Aborting sends RSTs, so the packet connection stays open until every
	// connection is gone.
	for _, c := range conns {
		c.Abort()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
	}

	e.cancel()
	err := e.pc.Close()
	e.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close packet connection: %w", err)
	}
	return nil
}
