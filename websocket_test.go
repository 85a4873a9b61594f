package streaming

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEndpointOverWebSocket(t *testing.T) {
	served := make(chan error, 1)
	handler := &WebSocketHandler{
		Serve: func(pc *WebSocketPacketConn) {
			server, err := NewEndpoint(pc, testEndpointConfig())
			if err != nil {
				served <- err
				return
			}
			go func() {
				defer server.Close()
				s, err := server.Accept()
				if err != nil {
					served <- err
					return
				}
				if _, err := io.Copy(s, s); err != nil {
					served <- err
					return
				}
				served <- s.Close()
			}()
		},
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	pc, err := DialWebSocket("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	client, err := NewEndpoint(pc, testEndpointConfig())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := client.Dial(ctx, pc.RemoteAddr())
	require.NoError(t, err)

	data := testPayload(20000)
	go s.Write(data)
	got := make([]byte, len(data))
	_, err = io.ReadFull(s, got)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, s.Close())
	require.NoError(t, <-served)
}

func TestWebSocketOversizedFrame(t *testing.T) {
	handler := &WebSocketHandler{
		Serve: func(pc *WebSocketPacketConn) {
			_, _ = pc.WriteTo(make([]byte, 64), nil)
			_, _ = pc.WriteTo([]byte("hello"), nil)
		},
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	pc, err := DialWebSocket("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer pc.Close()
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, 16)
	n, _, err := pc.ReadFrom(buf)
	require.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
	require.Zero(t, n)

	// The stream of frames continues after the oversized one.
	n, _, err = pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestEndpointSkipsOversizedFrames(t *testing.T) {
	accepted := make(chan error, 1)
	handler := &WebSocketHandler{
		Serve: func(pc *WebSocketPacketConn) {
			// Sent before the endpoint below starts; the client drops it.
			_, _ = pc.WriteTo(make([]byte, maxFrameSize+1), nil)

			server, err := NewEndpoint(pc, testEndpointConfig())
			if err != nil {
				accepted <- err
				return
			}
			go func() {
				defer server.Close()
				s, err := server.Accept()
				if err != nil {
					accepted <- err
					return
				}
				accepted <- s.Close()
			}()
		},
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	pc, err := DialWebSocket("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	client, err := NewEndpoint(pc, testEndpointConfig())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := client.Dial(ctx, pc.RemoteAddr())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, <-accepted)
}

func TestDialWebSocketFailure(t *testing.T) {
	_, err := DialWebSocket("ws://127.0.0.1:1/none")
	require.Error(t, err)
}
