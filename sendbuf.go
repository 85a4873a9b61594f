package streaming

// sendBuffer holds application bytes from SND.UNA onward: first the bytes in
// flight, then the bytes not yet transmitted. Positions are absolute byte
// offsets into the stream, so they never wrap.
type sendBuffer struct {
	data []byte
	head uint64 // offset of data[0], i.e. bytes acknowledged so far
	sent uint64 // offset up to which bytes were transmitted at least once
}

// write appends a copy of p and returns the offset following it.
func (b *sendBuffer) write(p []byte) uint64 {
	b.data = append(b.data, p...)
	return b.queued()
}

// queued returns the offset following the last byte ever written.
func (b *sendBuffer) queued() uint64 {
	return b.head + uint64(len(b.data))
}

// unsent returns how many written bytes were never transmitted.
func (b *sendBuffer) unsent() int {
	return int(b.queued() - b.sent)
}

// outstanding returns how many bytes are in flight.
func (b *sendBuffer) outstanding() int {
	return int(b.sent - b.head)
}

// next hands out up to n untransmitted bytes and marks them sent. The returned
// slice aliases the buffer and must not be retained past the next write.
func (b *sendBuffer) next(n int) (uint64, []byte) {
	if u := b.unsent(); n > u {
		n = u
	}
	off := b.sent
	start := int(off - b.head)
	b.sent += uint64(n)
	return off, b.data[start : start+n]
}

// slice returns n bytes at offset off for a retransmission. Bytes below head
// were acknowledged and are no longer available.
func (b *sendBuffer) slice(off uint64, n int) []byte {
	if off < b.head {
		return nil
	}
	start := int(off - b.head)
	end := start + n
	if end > len(b.data) {
		end = len(b.data)
	}
	return b.data[start:end]
}

// acknowledge releases the first n in-flight bytes.
func (b *sendBuffer) acknowledge(n int) {
	if o := b.outstanding(); n > o {
		n = o
	}
	if n <= 0 {
		return
	}
	b.head += uint64(n)
	b.data = b.data[n:]
	// Compact once the dead prefix dominates the allocation.
	if len(b.data) == 0 {
		b.data = b.data[:0:0]
	} else if cap(b.data) > 4096 && len(b.data) < cap(b.data)/4 {
		b.data = append([]byte(nil), b.data...)
	}
}

func (b *sendBuffer) release() {
	b.data = nil
	b.sent = b.head
}
