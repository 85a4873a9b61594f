package streaming

import (
	"fmt"
	"sort"

	"github.com/armon/circbuf"
)

// pendingSegment is text received ahead of RCV.NXT.
type pendingSegment struct {
	seq  uint32
	data []byte
	fin  bool
}

// receiveBuffer reassembles incoming text. In-order bytes wait in a circular
// buffer until the application reads them; out-of-order text waits in a list
// sorted by sequence number until the gap before it is filled. The circular
// buffer's capacity is the receive window: the window advertised is always
// the free space left in it.
type receiveBuffer struct {
	ordered  *circbuf.Buffer
	capacity int
	pending  []pendingSegment
}

func newReceiveBuffer(capacity int) (*receiveBuffer, error) {
	buf, err := circbuf.NewBuffer(int64(capacity))
	if err != nil {
		return nil, fmt.Errorf("allocate receive buffer: %w", err)
	}
	return &receiveBuffer{ordered: buf, capacity: capacity}, nil
}

// unread returns the number of in-order bytes the application has not read.
func (b *receiveBuffer) unread() int {
	return int(b.ordered.TotalWritten())
}

// window returns the receive window to advertise.
func (b *receiveBuffer) window() uint32 {
	w := b.capacity - b.unread()
	if w < 0 {
		return 0
	}
	return uint32(w)
}

// pendingCount returns the number of out-of-order segments held.
func (b *receiveBuffer) pendingCount() int {
	return len(b.pending)
}

// receive accepts the text of a segment whose data starts at seq. Bytes
// before rcvNxt were delivered already and bytes beyond the window are cut
// off. It returns the new RCV.NXT, the number of bytes made readable and
// whether the peer's FIN was reached.
func (b *receiveBuffer) receive(rcvNxt, seq uint32, data []byte, fin bool) (uint32, int, bool) {
	if seqLessThan(seq, rcvNxt) {
		k := seqDiff(seq, rcvNxt)
		if k > uint32(len(data)) {
			// Duplicate, including its FIN.
			return rcvNxt, 0, false
		}
		data = data[k:]
		seq = rcvNxt
	}

	wnd := b.window()
	offset := seqDiff(rcvNxt, seq)
	if offset+uint32(len(data)) > wnd {
		if offset >= wnd {
			data = nil
		} else {
			data = data[:wnd-offset]
		}
		// The FIN lies beyond the window; the peer retransmits it.
		fin = false
	}
	if len(data) == 0 && !fin {
		return rcvNxt, 0, false
	}

	if seq != rcvNxt {
		b.hold(seq, data, fin)
		return rcvNxt, 0, false
	}

	delivered := b.deliver(data)
	rcvNxt += uint32(delivered)
	if fin {
		b.pending = nil
		return rcvNxt + 1, delivered, true
	}

	rcvNxt, n, finReached := b.drain(rcvNxt)
	return rcvNxt, delivered + n, finReached
}

// hold stores out-of-order text. Of two segments starting at the same sequence
// number the longer one is kept.
func (b *receiveBuffer) hold(seq uint32, data []byte, fin bool) {
	i := sort.Search(len(b.pending), func(i int) bool {
		return seqGreaterThanOrEqual(b.pending[i].seq, seq)
	})
	if i < len(b.pending) && b.pending[i].seq == seq {
		p := &b.pending[i]
		if len(data) > len(p.data) || (len(data) == len(p.data) && fin) {
			p.data = append([]byte(nil), data...)
			p.fin = fin
		}
		return
	}
	b.pending = append(b.pending, pendingSegment{})
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = pendingSegment{seq: seq, data: append([]byte(nil), data...), fin: fin}
}

// drain moves pending text that became contiguous into the ordered buffer.
func (b *receiveBuffer) drain(rcvNxt uint32) (uint32, int, bool) {
	delivered := 0
	for len(b.pending) > 0 {
		p := b.pending[0]
		if seqGreaterThan(p.seq, rcvNxt) {
			break
		}
		b.pending = b.pending[1:]

		k := seqDiff(p.seq, rcvNxt)
		if k > uint32(len(p.data)) {
			continue
		}
		n := b.deliver(p.data[k:])
		rcvNxt += uint32(n)
		delivered += n
		if p.fin {
			b.pending = nil
			return rcvNxt + 1, delivered, true
		}
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return rcvNxt, delivered, false
}

// deliver appends in-order bytes. Text was trimmed to the window when it
// arrived and the right window edge never moves left, so it always fits.
func (b *receiveBuffer) deliver(data []byte) int {
	if free := b.capacity - b.unread(); len(data) > free {
		data = data[:free]
	}
	if len(data) == 0 {
		return 0
	}
	n, _ := b.ordered.Write(data)
	return n
}

// read removes up to max bytes for the application and returns them in a
// freshly allocated slice.
func (b *receiveBuffer) read(max int) []byte {
	if b.unread() == 0 || max <= 0 {
		return nil
	}
	data := b.ordered.Bytes()
	n := len(data)
	if n > max {
		n = max
	}
	out := make([]byte, n)
	copy(out, data)

	remaining := data[n:]
	b.ordered.Reset()
	if len(remaining) > 0 {
		// Cannot fail: remaining is shorter than the buffer.
		_, _ = b.ordered.Write(remaining)
	}
	return out
}

// reset discards everything, used when the connection is aborted.
func (b *receiveBuffer) reset() {
	b.ordered.Reset()
	b.pending = nil
}
