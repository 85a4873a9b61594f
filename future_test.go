package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture()
	require.Nil(t, f.Err())

	first := errors.New("first")
	f.resolve(first)
	f.resolve(errors.New("second"))
	f.resolve(nil)

	<-f.Done()
	require.Equal(t, first, f.Err())
	require.Equal(t, first, f.Wait(context.Background()))
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)

	// The call itself is not canceled.
	f.resolve(nil)
	require.NoError(t, f.Wait(context.Background()))
}

func TestErrorsClassification(t *testing.T) {
	tests := []struct {
		reason  Reason
		want    error
		timeout bool
	}{
		{ReasonHandshakeTimeout, ErrTimeout, true},
		{ReasonCloseTimeout, ErrTimeout, true},
		{ReasonRetransmissionLimit, ErrTimeout, true},
		{ReasonUserTimeout, ErrTimeout, true},
		{ReasonConnectionReset, ErrConnectionReset, false},
		{ReasonConnectionRefused, ErrConnectionRefused, false},
		{ReasonAborted, ErrConnectionAborted, false},
		{ReasonNone, ErrConnectionClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			err := reasonError(tt.reason)
			require.ErrorIs(t, err, tt.want)

			var timeoutErr *TimeoutError
			require.Equal(t, tt.timeout, errors.As(err, &timeoutErr))
			if tt.timeout {
				require.True(t, timeoutErr.Timeout())
				require.Equal(t, tt.reason, timeoutErr.Reason)
			}
		})
	}
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "SYN-RECEIVED", StateSynReceived.String())
	require.Equal(t, "TIME-WAIT", StateTimeWait.String())
	require.True(t, StateCloseWait.canSendData())
	require.False(t, StateCloseWait.canReceiveData())
	require.True(t, StateFinWait2.canReceiveData())
	require.False(t, StateFinWait2.canSendData())
}
