package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func estimatorConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialRTO = time.Second
	cfg.MinRTO = 10 * time.Millisecond
	cfg.MaxRTO = 4 * time.Second
	return cfg
}

func TestRTOEstimatorFirstSample(t *testing.T) {
	e := newRTOEstimator(estimatorConfig())
	require.Equal(t, time.Second, e.current())

	e.sample(100 * time.Millisecond)
	require.Equal(t, 100*time.Millisecond, e.srtt)
	require.Equal(t, 50*time.Millisecond, e.rttVariance)
	// SRTT + 4*RTTVAR
	require.Equal(t, 300*time.Millisecond, e.current())
}

func TestRTOEstimatorSmoothing(t *testing.T) {
	e := newRTOEstimator(estimatorConfig())
	e.sample(100 * time.Millisecond)
	e.sample(200 * time.Millisecond)

	// RTTVAR = 3/4*50ms + 1/4*|100ms-200ms| = 62.5ms
	// SRTT   = 7/8*100ms + 1/8*200ms      = 112.5ms
	require.Equal(t, 62500*time.Microsecond, e.rttVariance)
	require.Equal(t, 112500*time.Microsecond, e.srtt)
	require.Equal(t, 362500*time.Microsecond, e.current())
}

func TestRTOEstimatorBounds(t *testing.T) {
	cfg := estimatorConfig()
	cfg.MinRTO = 200 * time.Millisecond

	e := newRTOEstimator(cfg)
	e.sample(time.Millisecond)
	require.Equal(t, 200*time.Millisecond, e.current(), "clamped to the minimum")

	for i := 0; i < 10; i++ {
		e.backoff()
	}
	require.Equal(t, cfg.MaxRTO, e.current(), "backoff stops at the maximum")

	e = newRTOEstimator(cfg)
	e.sample(0)
	require.Equal(t, 200*time.Millisecond, e.current(), "granularity keeps RTO above SRTT")
}

func TestRTOEstimatorSeed(t *testing.T) {
	e := newRTOEstimator(estimatorConfig())
	e.seed(80*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 120*time.Millisecond, e.current())

	e = newRTOEstimator(estimatorConfig())
	e.seed(0, 0)
	require.Equal(t, time.Second, e.current(), "empty seed is ignored")
}

func TestRetransmissionQueueAcknowledge(t *testing.T) {
	start := time.Unix(1000, 0)
	q := &retransmissionQueue{}
	q.push(&rtxEntry{seq: 100, flags: FlagSYN, sentAt: start})
	q.push(&rtxEntry{seq: 101, offset: 0, length: 10, sentAt: start.Add(10 * time.Millisecond)})
	q.push(&rtxEntry{seq: 111, offset: 10, length: 10, sentAt: start.Add(20 * time.Millisecond)})

	res := q.acknowledge(100, start.Add(time.Second))
	require.Equal(t, 0, res.removed)
	require.False(t, res.sampled)

	res = q.acknowledge(111, start.Add(50*time.Millisecond))
	require.Equal(t, 2, res.removed)
	require.True(t, res.sampled)
	require.Equal(t, 40*time.Millisecond, res.rtt, "sampled from the newest entry covered")
	require.Equal(t, 1, q.len())

	// A partial acknowledgment trims the entry instead of removing it.
	res = q.acknowledge(115, start.Add(60*time.Millisecond))
	require.Equal(t, 0, res.removed)
	e := q.oldest()
	require.Equal(t, uint32(115), e.seq)
	require.Equal(t, uint64(14), e.offset)
	require.Equal(t, 6, e.length)
	require.Equal(t, uint32(121), e.end())

	q.acknowledge(121, start.Add(70*time.Millisecond))
	require.True(t, q.empty())
	require.Nil(t, q.oldest())
}

func TestRetransmissionQueueKarn(t *testing.T) {
	start := time.Unix(1000, 0)
	q := &retransmissionQueue{}
	q.push(&rtxEntry{seq: 1, length: 5, sentAt: start, retransmitted: true, retries: 1})

	res := q.acknowledge(6, start.Add(time.Second))
	require.Equal(t, 1, res.removed)
	require.False(t, res.sampled, "retransmitted segments are never sampled")
}

func TestRtxEntryTrimSYN(t *testing.T) {
	e := &rtxEntry{seq: 0xFFFFFFFF, flags: FlagSYN | FlagFIN, length: 3}
	require.Equal(t, uint32(4), e.end())

	e.trimFront(2)
	require.Equal(t, FlagFIN, e.flags)
	require.Equal(t, uint32(1), e.seq)
	require.Equal(t, 2, e.length)
	require.Equal(t, uint64(1), e.offset)
	require.Equal(t, uint32(4), e.end())
}

func TestRetransmissionQueueAcrossWrap(t *testing.T) {
	now := time.Now()
	q := &retransmissionQueue{}
	q.push(&rtxEntry{seq: 0xFFFFFFF0, length: 16, sentAt: now})
	q.push(&rtxEntry{seq: 0, offset: 16, length: 16, sentAt: now})

	res := q.acknowledge(0, now)
	require.Equal(t, 1, res.removed)
	require.Equal(t, uint32(0), q.oldest().seq)
}
