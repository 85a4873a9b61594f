package streaming

import "time"

// sendThresholdFraction is Fs of RFC 9293 3.8.6.2.1: with nothing in flight, a
// segment of at least this fraction of the largest window seen may be sent
// even when it is smaller than the MSS.
const sendThresholdFraction = 0.5

// ackFlag returns FlagACK once the peer's ISN is known.
func (c *Conn) ackFlag() Flags {
	switch c.state {
	case StateClosed, StateListen, StateSynSent:
		return 0
	default:
		return FlagACK
	}
}

// transmitRaw encodes and sends seg as is.
func (c *Conn) transmitRaw(seg Segment) {
	c.stats.segmentsSent++
	c.logger.Trace().Stringer("state", c.state).Stringer("segment", seg).Msg("sending segment")
	if err := c.tx.Transmit(seg.Marshal()); err != nil {
		// The channel is lossy anyway; retransmission covers failed writes.
		c.logger.Debug().Err(err).Stringer("segment", seg).Msg("transmit failed")
	}
}

// transmit fills in the acknowledgment and window for segments carrying ACK.
func (c *Conn) transmit(seg Segment) {
	if seg.Flags&FlagACK != 0 {
		wnd := c.recvBuf.window()
		if wnd > MaxWindowSize {
			wnd = MaxWindowSize
		}
		seg.Ack = c.rcvNxt
		seg.Window = uint16(wnd)
		c.lastAdvertised = wnd
	}
	c.transmitRaw(seg)
}

func (c *Conn) sendAck() {
	c.transmit(Segment{Seq: c.sndNxt, Flags: FlagACK})
}

func (c *Conn) sendReset(seq uint32) {
	c.transmit(Segment{Seq: seq, Flags: FlagRST})
}

// sendSYN sends SYN (active open) or SYN|ACK (passive open) at ISS.
func (c *Conn) sendSYN() {
	c.sendTracked(FlagSYN, 0, nil)
}

// sendTracked sends a segment occupying sequence space and queues it for
// retransmission.
func (c *Conn) sendTracked(flags Flags, offset uint64, payload []byte) {
	e := &rtxEntry{
		seq:    c.sndNxt,
		flags:  flags & (FlagSYN | FlagFIN),
		offset: offset,
		length: len(payload),
		sentAt: c.cfg.Clock(),
	}
	c.rtxQueue.push(e)
	c.sndNxt = e.end()
	c.stats.bytesSent += uint64(len(payload))

	c.transmit(Segment{Seq: e.seq, Flags: e.flags | c.ackFlag(), Payload: payload})

	if !c.rtxTimer.running() {
		c.rtxTimer.arm(c.rto.current())
	}
	if !c.userTimer.running() && c.handshakeDone {
		c.userTimer.arm(c.cfg.UserTimeout)
	}
}

// retransmit resends e. Its payload is taken from the send buffer unchanged;
// acknowledgment and window are current.
func (c *Conn) retransmit(e *rtxEntry, timeout bool) {
	seg := Segment{Seq: e.seq, Flags: e.flags | c.ackFlag()}
	if e.length > 0 {
		seg.Payload = c.sendBuf.slice(e.offset, e.length)
	}
	if timeout {
		e.retries++
	}
	e.retransmitted = true
	e.sentAt = c.cfg.Clock()
	c.stats.retransmissions++
	c.transmit(seg)
}

// usableWindow returns how many new sequence numbers the peer's window allows.
func (c *Conn) usableWindow() int {
	inFlight := seqDiff(c.sndUna, c.sndNxt)
	if inFlight >= c.sndWnd {
		return 0
	}
	return int(c.sndWnd - inFlight)
}

// output sends as much queued data as the peer's window allows, then the FIN
// once CLOSE was called and no data is left.
func (c *Conn) output() {
	if c.terminated || !c.state.canSendData() {
		return
	}
	for !c.finSent {
		unsent := c.sendBuf.unsent()
		if unsent == 0 {
			if c.closeRequested {
				c.finSeq = c.sndNxt
				c.finSent = true
				c.sendTracked(FlagFIN, c.sendBuf.sent, nil)
				c.logger.Debug().Uint32("seq", c.finSeq).Msg("FIN sent")
			}
			break
		}
		usable := c.usableWindow()
		if usable == 0 {
			c.armPersist()
			break
		}
		n := c.cfg.MaximumSegmentSize
		if n > unsent {
			n = unsent
		}
		if n > usable {
			n = usable
		}
		if !c.sendNow(n, unsent, usable) {
			if !c.overrideTimer.running() {
				c.overrideTimer.arm(c.cfg.OverrideTimeout)
			}
			break
		}
		c.nagleOverride = false
		c.overrideTimer.stop()
		offset, payload := c.sendBuf.next(n)
		c.sendTracked(FlagACK, offset, payload)
	}
	c.resolveSendWaiters()
}

// sendNow decides whether a segment of n bytes goes out now, given unsent
// queued bytes and usable window. It is the sender side silly window
// syndrome avoidance of RFC 9293 3.8.6.2.1, with the Nagle algorithm unless
// NoDelay is set.
func (c *Conn) sendNow(n, unsent, usable int) bool {
	if n >= c.cfg.MaximumSegmentSize || c.nagleOverride || c.closeRequested {
		return true
	}
	idle := c.rtxQueue.empty()
	if (idle || c.cfg.NoDelay) && unsent <= usable {
		return true
	}
	return idle && float64(n) >= sendThresholdFraction*float64(c.maxSndWnd)
}

// armPersist starts zero window probing when nothing is in flight to elicit
// a window update.
func (c *Conn) armPersist() {
	if c.sndWnd != 0 || !c.rtxQueue.empty() || c.persistTimer.running() {
		return
	}
	c.persistTimer.arm(c.persistInterval())
}

func (c *Conn) persistInterval() time.Duration {
	d := c.rto.current()
	for i := 0; i < c.probeBackoff && d < c.cfg.MaxRTO; i++ {
		d *= 2
	}
	return clampDuration(d, c.cfg.MinRTO, c.cfg.MaxRTO)
}

// maybeSendWindowUpdate announces a window that grew by at least
// min(MSS, capacity/2) since it was last advertised.
func (c *Conn) maybeSendWindowUpdate() {
	if c.terminated || !c.state.canReceiveData() {
		return
	}
	threshold := uint32(c.cfg.MaximumSegmentSize)
	if half := uint32(c.cfg.ReceiveWindowSize / 2); half < threshold {
		threshold = half
	}
	if wnd := c.recvBuf.window(); wnd > c.lastAdvertised && wnd-c.lastAdvertised >= threshold {
		c.logger.Trace().Uint32("window", wnd).Msg("window update")
		c.sendAck()
	}
}

func (c *Conn) onRetransmissionTimeout() {
	e := c.rtxQueue.oldest()
	if e == nil {
		return
	}
	if e.retries >= c.cfg.MaxRetries {
		c.logger.Warn().
			Uint32("seq", e.seq).
			Int("retries", e.retries).
			Array("queue", c.rtxQueue).
			Msg("retransmission limit reached")
		c.abortWithReset(ReasonRetransmissionLimit)
		return
	}
	c.rto.backoff()
	c.logger.Debug().Uint32("seq", e.seq).Int("retry", e.retries+1).Dur("rto", c.rto.current()).Msg("retransmission timeout")
	c.retransmit(e, true)
	c.inRecovery = true
	c.recoveryPoint = c.sndNxt
	c.dupAcks = 0
	c.rtxTimer.arm(c.rto.current())
}

func (c *Conn) onPersistTimeout() {
	if c.sndWnd != 0 || c.sendBuf.unsent() == 0 || !c.rtxQueue.empty() {
		return
	}
	if c.probes >= c.cfg.MaxRetries {
		c.logger.Warn().Int("probes", c.probes).Msg("zero window probes unanswered")
		c.abortWithReset(ReasonRetransmissionLimit)
		return
	}
	c.probes++
	c.probeBackoff++
	c.stats.windowProbes++
	// An already acknowledged sequence number makes the peer answer with its
	// current window.
	c.transmit(Segment{Seq: c.sndNxt - 1, Flags: FlagACK})
	c.persistTimer.arm(c.persistInterval())
}

// onOverrideTimeout sends data the Nagle algorithm held back for too long.
func (c *Conn) onOverrideTimeout() {
	if c.sendBuf.unsent() == 0 {
		return
	}
	c.logger.Trace().Int("unsent", c.sendBuf.unsent()).Msg("override timeout")
	c.nagleOverride = true
	c.output()
	c.nagleOverride = false
}

func (c *Conn) onHandshakeTimeout() {
	switch c.state {
	case StateSynSent, StateSynReceived:
		c.logger.Warn().Stringer("state", c.state).Dur("timeout", c.cfg.HandshakeTimeout).Msg("handshake timed out")
		c.abortWithReset(ReasonHandshakeTimeout)
	}
}

func (c *Conn) onUserTimeout() {
	if c.rtxQueue.empty() {
		return
	}
	c.logger.Warn().Dur("timeout", c.cfg.UserTimeout).Msg("data unacknowledged for user timeout")
	c.abortWithReset(ReasonUserTimeout)
}

func (c *Conn) onCloseTimeout() {
	if c.state == StateTimeWait {
		return
	}
	c.logger.Warn().Stringer("state", c.state).Msg("close timed out")
	c.abortWithReset(ReasonCloseTimeout)
}

func (c *Conn) onTimeWaitTimeout() {
	c.terminate(ReasonNone)
}
