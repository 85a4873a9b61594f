package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(cfg *ConnectionLimitsConfig) (*connectionLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cl := newConnectionLimiter(cfg)
	cl.now = clock.Now
	return cl, clock
}

func TestConnectionLimiterDefaultsAreUnlimited(t *testing.T) {
	cl, _ := newTestLimiter(nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, cl.CheckAndRecordConnection("peer"))
	}
	require.NoError(t, cl.CheckOutgoing())
	require.Equal(t, 101, cl.ActiveConns())
}

func TestConnectionLimiterConcurrent(t *testing.T) {
	cl, _ := newTestLimiter(&ConnectionLimitsConfig{MaxConcurrentConns: 2})

	require.NoError(t, cl.CheckAndRecordConnection("a"))
	require.NoError(t, cl.CheckOutgoing())
	require.ErrorContains(t, cl.CheckAndRecordConnection("b"), "concurrent")
	require.Error(t, cl.CheckOutgoing())

	cl.ConnectionClosed()
	require.NoError(t, cl.CheckAndRecordConnection("b"))

	cl.ConnectionClosed()
	cl.ConnectionClosed()
	cl.ConnectionClosed()
	require.Equal(t, 0, cl.ActiveConns(), "never negative")
}

func TestConnectionLimiterRates(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ConnectionLimitsConfig
		remotes []string
		advance time.Duration
		wantErr string
	}{
		{
			name:    "per peer per minute",
			cfg:     ConnectionLimitsConfig{MaxConnsPerMinute: 2},
			remotes: []string{"a", "a", "a"},
			wantErr: "peer connections per minute",
		},
		{
			name:    "other peers are independent",
			cfg:     ConnectionLimitsConfig{MaxConnsPerMinute: 1},
			remotes: []string{"a", "b", "c"},
		},
		{
			name:    "per peer per hour",
			cfg:     ConnectionLimitsConfig{MaxConnsPerHour: 2},
			remotes: []string{"a", "a", "a"},
			advance: 10 * time.Minute,
			wantErr: "peer connections per hour",
		},
		{
			name:    "total per minute",
			cfg:     ConnectionLimitsConfig{MaxTotalConnsPerMinute: 2},
			remotes: []string{"a", "b", "c"},
			wantErr: "total connections per minute",
		},
		{
			name:    "minute window slides",
			cfg:     ConnectionLimitsConfig{MaxConnsPerMinute: 1},
			remotes: []string{"a", "a"},
			advance: 61 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cl, clock := newTestLimiter(&cfg)

			var err error
			for _, remote := range tt.remotes {
				err = cl.CheckAndRecordConnection(remote)
				if err != nil {
					break
				}
				clock.Advance(tt.advance)
			}
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestConnectionLimiterCleanup(t *testing.T) {
	cl, clock := newTestLimiter(&ConnectionLimitsConfig{MaxConnsPerHour: 5})
	require.NoError(t, cl.CheckAndRecordConnection("a"))
	clock.Advance(30 * time.Minute)
	require.NoError(t, cl.CheckAndRecordConnection("b"))

	require.Equal(t, 0, cl.CleanupStaleHistory())
	clock.Advance(31 * time.Minute)
	require.Equal(t, 1, cl.CleanupStaleHistory())
	clock.Advance(time.Hour)
	require.Equal(t, 1, cl.CleanupStaleHistory())
}

func TestConnectionLimiterSetConfig(t *testing.T) {
	cl, _ := newTestLimiter(&ConnectionLimitsConfig{MaxConcurrentConns: 1})
	require.NoError(t, cl.CheckAndRecordConnection("a"))
	require.Error(t, cl.CheckAndRecordConnection("b"))

	cl.SetConfig(nil)
	require.Equal(t, LimitActionReset, cl.GetConfig().LimitAction)
	require.NoError(t, cl.CheckAndRecordConnection("b"))
}
