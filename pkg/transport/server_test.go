package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "localhost:4855", WithDefaultPort(""))
	assert.Equal(t, "localhost:4855", WithDefaultPort("localhost"))
	assert.Equal(t, "10.0.0.1:1234", WithDefaultPort("10.0.0.1:1234"))
	assert.Equal(t, "[::1]:4855", WithDefaultPort("::1"))
}

func TestClientServerEcho(t *testing.T) {
	connected := make(chan *ServerConn, 1)
	disconnected := make(chan struct{}, 1)
	logger := &captureLogger{}

	srv := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		Logger:  logger,
		OnConnect: func(c *ServerConn) {
			connected <- c
		},
		OnDisconnect: func(*ServerConn) {
			disconnected <- struct{}{}
		},
		OnMessage: func(c *ServerConn, msg []byte) {
			_ = c.Send(append([]byte("echo:"), msg...))
		},
	})
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	client := NewClient(ClientConfig{})
	conn, err := client.Connect(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ConnID())

	var sconn *ServerConn
	select {
	case sconn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the connection")
	}
	assert.NotEmpty(t, sconn.ConnID())

	require.NoError(t, conn.Send([]byte("ping")))
	reply, err := conn.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(reply))
	assert.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send([]byte("late")), ErrConnectionClosed)
	_, err = conn.Receive(0)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the disconnect")
	}
	assert.Equal(t, 0, srv.ConnectionCount())
	assert.GreaterOrEqual(t, logger.count(), 4)
}

func TestClientConnectRefused(t *testing.T) {
	srv := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	require.NoError(t, srv.Start(context.Background()))
	addr := srv.Addr().String()
	require.NoError(t, srv.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewClient(ClientConfig{}).Connect(ctx, addr)
	assert.Error(t, err)
}

func TestReceiveTimeout(t *testing.T) {
	srv := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	conn, err := NewClient(ClientConfig{}).Connect(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Receive(50 * time.Millisecond)
	assert.Error(t, err)
}
