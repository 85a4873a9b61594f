package streaming

import (
	"time"

	"github.com/rs/zerolog"
)

// rtoEstimator computes the retransmission timeout per RFC 6298.
type rtoEstimator struct {
	srtt        time.Duration
	rttVariance time.Duration
	rto         time.Duration
	hasSample   bool

	minRTO time.Duration
	maxRTO time.Duration
}

func newRTOEstimator(cfg Config) *rtoEstimator {
	return &rtoEstimator{
		rto:    clampDuration(cfg.InitialRTO, cfg.MinRTO, cfg.MaxRTO),
		minRTO: cfg.MinRTO,
		maxRTO: cfg.MaxRTO,
	}
}

// seed starts the estimator from values cached for the same peer.
func (e *rtoEstimator) seed(srtt, rttVariance time.Duration) {
	if srtt <= 0 {
		return
	}
	e.srtt = srtt
	e.rttVariance = rttVariance
	e.hasSample = true
	e.calculate()
}

// sample feeds one RTT measurement. Callers must honor Karn's rule and never
// sample a retransmitted segment.
func (e *rtoEstimator) sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !e.hasSample {
		e.srtt = rtt
		e.rttVariance = rtt / 2
		e.hasSample = true
		e.calculate()
		return
	}

	const alpha = 0.125 // 1/8
	const beta = 0.25   // 1/4

	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttVariance = time.Duration(float64(e.rttVariance)*(1-beta) + beta*float64(diff))
	e.srtt = time.Duration(float64(e.srtt)*(1-alpha) + alpha*float64(rtt))
	e.calculate()
}

// calculate sets RTO = SRTT + max(G, 4*RTTVAR) within the configured bounds.
func (e *rtoEstimator) calculate() {
	const granularity = time.Millisecond

	k := 4 * e.rttVariance
	if k < granularity {
		k = granularity
	}
	e.rto = clampDuration(e.srtt+k, e.minRTO, e.maxRTO)
}

// backoff doubles the RTO after a retransmission timeout (RFC 6298 5.5).
func (e *rtoEstimator) backoff() {
	e.rto = clampDuration(2*e.rto, e.minRTO, e.maxRTO)
}

func (e *rtoEstimator) current() time.Duration {
	return e.rto
}

func clampDuration(d, lower, upper time.Duration) time.Duration {
	if d < lower {
		return lower
	}
	if d > upper {
		return upper
	}
	return d
}

// rtxEntry tracks one transmitted segment until it is fully acknowledged.
// Payload bytes are not copied: offset and length address the send buffer,
// which retains every byte until it is acknowledged.
type rtxEntry struct {
	seq           uint32
	flags         Flags // FlagSYN and/or FlagFIN; ACK is added at transmit time
	offset        uint64
	length        int
	sentAt        time.Time
	retries       int
	retransmitted bool
}

// end returns the sequence number following the entry.
func (e *rtxEntry) end() uint32 {
	n := uint32(e.length)
	if e.flags&FlagSYN != 0 {
		n++
	}
	if e.flags&FlagFIN != 0 {
		n++
	}
	return e.seq + n
}

// trimFront drops the first n sequence numbers of the entry after a partial
// acknowledgment.
func (e *rtxEntry) trimFront(n uint32) {
	if n == 0 {
		return
	}
	if e.flags&FlagSYN != 0 {
		e.flags &^= FlagSYN
		e.seq++
		n--
	}
	data := n
	if data > uint32(e.length) {
		data = uint32(e.length)
	}
	e.seq += data
	e.offset += uint64(data)
	e.length -= int(data)
}

// ackResult describes what one cumulative acknowledgment covered.
type ackResult struct {
	removed int
	rtt     time.Duration
	sampled bool
}

// retransmissionQueue holds unacknowledged segments in sequence order.
type retransmissionQueue struct {
	entries []*rtxEntry
}

func (q *retransmissionQueue) push(e *rtxEntry) {
	q.entries = append(q.entries, e)
}

func (q *retransmissionQueue) oldest() *rtxEntry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

func (q *retransmissionQueue) empty() bool {
	return len(q.entries) == 0
}

func (q *retransmissionQueue) len() int {
	return len(q.entries)
}

// acknowledge removes every entry that ends at or before una and trims an
// entry that una splits. An RTT sample is taken from the newest fully
// acknowledged entry, unless that entry was ever retransmitted (Karn).
func (q *retransmissionQueue) acknowledge(una uint32, now time.Time) ackResult {
	var res ackResult
	i := 0
	for ; i < len(q.entries); i++ {
		e := q.entries[i]
		if !seqLessThanOrEqual(e.end(), una) {
			break
		}
		res.removed++
		if e.retransmitted {
			res.sampled = false
			continue
		}
		res.rtt = now.Sub(e.sentAt)
		res.sampled = true
	}
	q.entries = q.entries[i:]
	if e := q.oldest(); e != nil && seqGreaterThan(una, e.seq) {
		e.trimFront(seqDiff(e.seq, una))
	}
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return res
}

func (q *retransmissionQueue) clear() {
	q.entries = nil
}

// MarshalZerologArray lets the queue be logged as {seq,len,retries} tuples.
func (q *retransmissionQueue) MarshalZerologArray(a *zerolog.Array) {
	for _, e := range q.entries {
		a.Dict(zerolog.Dict().
			Uint32("seq", e.seq).
			Int("len", e.length).
			Str("flags", e.flags.String()).
			Int("retries", e.retries))
	}
}
