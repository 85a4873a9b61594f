package streaming

// HandleFrame decodes a frame received from the datagram channel and hands
// the segment to the connection. Malformed frames are dropped and reported.
func (c *Conn) HandleFrame(frame []byte) error {
	seg, err := Unmarshal(frame)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed frame")
		return err
	}
	c.HandleSegment(seg)
	return nil
}

// HandleSegment queues seg for processing. It reports false if the segment
// was dropped because the connection is gone or overloaded.
func (c *Conn) HandleSegment(seg Segment) bool {
	ok, _ := c.mbox.post(func() { c.segmentArrives(seg) }, maxQueuedSegments)
	if !ok {
		c.logger.Debug().Stringer("segment", seg).Msg("dropping segment, connection not accepting input")
	}
	return ok
}

// segmentArrives is the RFC 9293 3.10.7 event processing.
func (c *Conn) segmentArrives(seg Segment) {
	c.stats.segmentsReceived++
	c.logger.Trace().Stringer("state", c.state).Stringer("segment", seg).Msg("segment arrived")

	if c.terminated {
		c.replyToClosed(seg)
		return
	}
	switch c.state {
	case StateClosed:
		c.replyToClosed(seg)
	case StateListen:
		c.handleListen(seg)
	case StateSynSent:
		c.handleSynSent(seg)
	default:
		c.handleSynchronized(seg)
	}
}

// resetFor builds the RST answering a segment that belongs to no connection.
// A RST is never answered.
func resetFor(seg Segment) (Segment, bool) {
	if seg.IsRST() {
		return Segment{}, false
	}
	if seg.IsACK() {
		return Segment{Seq: seg.Ack, Flags: FlagRST}, true
	}
	return Segment{Seq: 0, Ack: seg.Seq + seg.Len(), Flags: FlagRST | FlagACK}, true
}

func (c *Conn) replyToClosed(seg Segment) {
	if rst, ok := resetFor(seg); ok {
		c.transmitRaw(rst)
	}
}

func (c *Conn) handleListen(seg Segment) {
	switch {
	case seg.IsRST():
		return
	case seg.IsACK():
		c.sendReset(seg.Ack)
		return
	case !seg.IsSYN():
		return
	}

	c.irs = seg.Seq
	c.rcvNxt = seg.Seq + 1
	c.iss = c.cfg.ISNSupplier()
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.setSendWindow(seg.Window)
	c.sndWl1 = seg.Seq
	c.setState(StateSynReceived)
	c.handshakeTimer.arm(c.cfg.HandshakeTimeout)
	c.sendSYN()
}

func (c *Conn) handleSynSent(seg Segment) {
	if seg.IsACK() && (seqLessThanOrEqual(seg.Ack, c.iss) || seqGreaterThan(seg.Ack, c.sndNxt)) {
		c.logger.Debug().Err(&ProtocolError{State: c.state, Segment: seg, Reason: "unacceptable ACK"}).Msg("dropping segment")
		if !seg.IsRST() {
			c.sendReset(seg.Ack)
		}
		return
	}
	if seg.IsRST() {
		if seg.IsACK() {
			c.terminate(ReasonConnectionRefused)
		}
		return
	}
	if !seg.IsSYN() {
		return
	}

	c.irs = seg.Seq
	c.rcvNxt = seg.Seq + 1
	c.setSendWindow(seg.Window)
	c.sndWl1 = seg.Seq
	if seg.IsACK() {
		c.sndWl2 = seg.Ack
		c.acknowledge(seg.Ack)
	}

	if seqGreaterThan(c.sndUna, c.iss) {
		c.establish()
		c.sendAck()
		c.output()
		return
	}

	// Simultaneous open: answer with SYN|ACK, reusing our SYN's sequence number.
	c.setState(StateSynReceived)
	if e := c.rtxQueue.oldest(); e != nil {
		c.retransmit(e, false)
	}
}

// acceptable applies the RFC 9293 segment acceptability test. A segment at
// RCV.NXT is let through with a zero window so its ACK is still processed;
// strip reports that its text must then be ignored.
func (c *Conn) acceptable(seg Segment) (ok, strip bool) {
	segLen := seg.Len()
	wnd := c.recvBuf.window()
	switch {
	case segLen == 0 && wnd == 0:
		return seg.Seq == c.rcvNxt, false
	case segLen == 0:
		return seqInWindow(seg.Seq, c.rcvNxt, wnd), false
	case wnd == 0:
		return seg.Seq == c.rcvNxt, true
	default:
		return seqInWindow(seg.Seq, c.rcvNxt, wnd) || seqInWindow(seg.Seq+segLen-1, c.rcvNxt, wnd), false
	}
}

func (c *Conn) handleSynchronized(seg Segment) {
	// Our SYN|ACK was lost and the peer retransmitted its SYN.
	if c.state == StateSynReceived && seg.IsSYN() && !seg.IsACK() && !seg.IsRST() && seg.Seq == c.irs {
		if e := c.rtxQueue.oldest(); e != nil {
			c.retransmit(e, false)
		}
		return
	}
	// Simultaneous open: the peer's SYN|ACK acknowledges our SYN. Its SYN is
	// known already, so only the acknowledgment is processed.
	if c.state == StateSynReceived && seg.IsSYN() && seg.IsACK() && !seg.IsRST() && seg.Seq == c.irs {
		seg = Segment{Seq: c.irs + 1, Ack: seg.Ack, Flags: FlagACK, Window: seg.Window}
	}

	ok, strip := c.acceptable(seg)
	if !ok {
		if seg.IsRST() {
			return
		}
		c.stats.duplicateSegments++
		if c.state == StateTimeWait && seg.IsFIN() {
			// Our last ACK was lost; the peer retransmitted its FIN.
			c.timeWaitTimer.arm(2 * c.cfg.MSL)
		}
		c.sendAck()
		return
	}

	if seg.IsRST() {
		c.handleReset(seg)
		return
	}

	if seg.IsSYN() {
		// RFC 5961 challenge ACK.
		c.logger.Debug().Stringer("segment", seg).Msg("SYN in synchronized state, sending challenge ACK")
		c.sendAck()
		return
	}

	if !seg.IsACK() {
		return
	}

	if c.state == StateSynReceived {
		if !(seqLessThan(c.sndUna, seg.Ack) && seqLessThanOrEqual(seg.Ack, c.sndNxt)) {
			c.logger.Debug().Err(&ProtocolError{State: c.state, Segment: seg, Reason: "unacceptable ACK"}).Msg("resetting")
			c.sendReset(seg.Ack)
			return
		}
		c.setSendWindow(seg.Window)
		c.sndWl1 = seg.Seq
		c.sndWl2 = seg.Ack
		c.establish()
	}

	if !c.processAck(seg) {
		return
	}

	finAcked := c.finSent && c.sndUna == c.finSeq+1
	switch c.state {
	case StateFinWait1:
		if finAcked {
			c.setState(StateFinWait2)
		}
	case StateClosing:
		if finAcked {
			c.enterTimeWait()
		}
		return
	case StateLastAck:
		if finAcked {
			c.terminate(ReasonNone)
			return
		}
		c.output()
		return
	case StateTimeWait:
		return
	}

	switch {
	case strip:
		// Text against a closed window is dropped but acknowledged, so the
		// peer keeps seeing the zero window.
		c.sendAck()
	case c.state.canReceiveData() && (len(seg.Payload) > 0 || seg.IsFIN()):
		c.processText(seg)
	}
	c.output()
}

func (c *Conn) handleReset(seg Segment) {
	switch c.state {
	case StateTimeWait:
		// RFC 1337: a RST must not cut TIME-WAIT short.
		return
	case StateSynReceived:
		if c.cfg.ActiveOpen {
			c.terminate(ReasonConnectionRefused)
		} else {
			c.terminate(ReasonConnectionReset)
		}
	default:
		c.logger.Debug().Stringer("segment", seg).Msg("connection reset by peer")
		c.terminate(ReasonConnectionReset)
	}
}

// processAck handles the acknowledgment field. It returns false when the
// segment must not be processed further.
func (c *Conn) processAck(seg Segment) bool {
	switch {
	case seqGreaterThan(seg.Ack, c.sndNxt):
		c.logger.Debug().Uint32("ack", seg.Ack).Uint32("sndNxt", c.sndNxt).Msg("ACK for unsent data")
		c.sendAck()
		return false
	case seqGreaterThan(seg.Ack, c.sndUna):
		c.acknowledge(seg.Ack)
	case seg.Ack == c.sndUna:
		if len(seg.Payload) == 0 && !seg.IsFIN() && uint32(seg.Window) == c.sndWnd && !c.rtxQueue.empty() {
			c.duplicateAck()
		}
	default:
		// Old duplicate.
		return true
	}

	// The peer is alive; the persist interval keeps backing off until the
	// window actually opens.
	c.probes = 0
	if seqLessThan(c.sndWl1, seg.Seq) || (c.sndWl1 == seg.Seq && seqLessThanOrEqual(c.sndWl2, seg.Ack)) {
		opened := c.sndWnd == 0 && seg.Window > 0
		c.setSendWindow(seg.Window)
		c.sndWl1 = seg.Seq
		c.sndWl2 = seg.Ack
		if opened {
			c.logger.Debug().Uint16("window", seg.Window).Msg("peer window opened")
			c.persistTimer.stop()
		}
	}
	return true
}

// setSendWindow records the peer's window and the largest one seen.
func (c *Conn) setSendWindow(w uint16) {
	c.sndWnd = uint32(w)
	if c.sndWnd > c.maxSndWnd {
		c.maxSndWnd = c.sndWnd
	}
	if c.sndWnd > 0 {
		c.probeBackoff = 0
	}
}

// acknowledge advances SND.UNA to ack.
func (c *Conn) acknowledge(ack uint32) {
	res := c.rtxQueue.acknowledge(ack, c.cfg.Clock())
	if res.sampled {
		c.rto.sample(res.rtt)
		c.logger.Trace().Dur("rtt", res.rtt).Dur("srtt", c.rto.srtt).Dur("rto", c.rto.current()).Msg("RTT sample")
	}

	// Everything between SND.UNA and ack is send buffer bytes, except the SYN
	// at ISS and our FIN after the last byte.
	n := int(seqDiff(c.sndUna, ack))
	if c.sndUna == c.iss {
		n--
	}
	if o := c.sendBuf.outstanding(); n > o {
		n = o
	}
	if n > 0 {
		c.sendBuf.acknowledge(n)
		c.stats.bytesAcked += uint64(n)
	}
	c.sndUna = ack
	c.dupAcks = 0

	if c.inRecovery {
		if seqLessThan(ack, c.recoveryPoint) {
			// Partial ACK: the next hole is retransmitted right away.
			if e := c.rtxQueue.oldest(); e != nil {
				c.retransmit(e, false)
			}
		} else {
			c.inRecovery = false
		}
	}

	if c.rtxQueue.empty() {
		c.rtxTimer.stop()
		c.userTimer.stop()
	} else {
		c.rtxTimer.arm(c.rto.current())
		c.userTimer.arm(c.cfg.UserTimeout)
	}
}

func (c *Conn) duplicateAck() {
	c.dupAcks++
	c.stats.duplicateAcks++
	if c.cfg.DuplicateAckThreshold == 0 || c.dupAcks != c.cfg.DuplicateAckThreshold {
		return
	}
	e := c.rtxQueue.oldest()
	if e == nil {
		return
	}
	c.logger.Debug().Uint32("seq", e.seq).Int("dupAcks", c.dupAcks).Msg("fast retransmit")
	c.stats.fastRetransmissions++
	c.retransmit(e, false)
	c.inRecovery = true
	c.recoveryPoint = c.sndNxt
}

// processText delivers the segment's text and handles an in-order FIN.
func (c *Conn) processText(seg Segment) {
	prevNxt := c.rcvNxt
	rcvNxt, delivered, fin := c.recvBuf.receive(c.rcvNxt, seg.Seq, seg.Payload, seg.IsFIN())
	c.rcvNxt = rcvNxt
	c.stats.bytesReceived += uint64(delivered)
	if rcvNxt == prevNxt && len(seg.Payload) > 0 && seqGreaterThan(seg.Seq, prevNxt) {
		c.stats.outOfOrderSegments++
	}

	// Every segment carrying text is acknowledged at once, so the peer sees
	// duplicate ACKs for holes.
	c.sendAck()

	if delivered > 0 {
		c.serveReaders()
	}
	if !fin {
		return
	}

	c.finReceived = true
	c.logger.Debug().Stringer("state", c.state).Msg("peer closed its side")
	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
		c.emit(Event{Type: EventConnectionClosing})
	case StateFinWait1:
		if c.finSent && c.sndUna == c.finSeq+1 {
			c.enterTimeWait()
		} else {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.enterTimeWait()
	}
	c.serveReaders()
}

func (c *Conn) enterTimeWait() {
	c.setState(StateTimeWait)
	c.rtxTimer.stop()
	c.userTimer.stop()
	c.closeTimer.stop()
	c.persistTimer.stop()
	c.timeWaitTimer.arm(2 * c.cfg.MSL)
}
