package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/memory"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/tcp"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

func TestRegistryDialExcluded(t *testing.T) {
	excluded, err := multiaddr.NewPatternList([]string{"/ip4/10.*.*.*/tcp/*"})
	require.NoError(t, err)

	reg := transport.NewRegistry(excluded, tcp.New(tcp.DefaultConfig()))
	defer reg.Close()

	addr, err := multiaddr.New("/ip4/10.1.2.3/tcp/18189")
	require.NoError(t, err)

	_, err = reg.Dial(context.Background(), addr)
	assert.ErrorIs(t, err, transport.ErrAddressNotSupported)
	assert.False(t, reg.CanDial(addr))
}

func TestRegistryNoTransportForAddress(t *testing.T) {
	reg := transport.NewRegistry(nil, tcp.New(tcp.DefaultConfig()))
	defer reg.Close()

	addr, err := multiaddr.New("/memory/1")
	require.NoError(t, err)

	_, err = reg.Dial(context.Background(), addr)
	assert.ErrorIs(t, err, transport.ErrAddressNotSupported)
}

func TestTCPRoundTrip(t *testing.T) {
	tr := tcp.New(tcp.DefaultConfig())
	defer tr.Close()

	listenAddr, err := multiaddr.New("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)

	l, err := tr.Listen(listenAddr)
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			accepted <- err
			return
		}
		_, err = conn.Write(buf)
		accepted <- err
	}()

	conn, err := tr.Dial(context.Background(), l.Multiaddr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	require.NoError(t, <-accepted)
}

func TestTCPDialCancelled(t *testing.T) {
	tr := tcp.New(tcp.DefaultConfig())
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 不可达网段，取消信号必须在拨号中途生效
	addr, err := multiaddr.New("/ip4/10.255.255.1/tcp/4")
	require.NoError(t, err)

	_, err = tr.Dial(ctx, addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrCancelled)
}

func TestMemoryRoundTrip(t *testing.T) {
	tr := memory.New()
	defer tr.Close()

	addr := memory.NextAddr()
	l, err := tr.Listen(addr)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		conn.Read(buf)
		conn.Write(buf)
	}()

	conn, err := tr.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte("ping"))
	buf := make([]byte, 4)
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestMemoryDialNoListener(t *testing.T) {
	tr := memory.New()
	defer tr.Close()

	addr := memory.NextAddr()
	_, err := tr.Dial(context.Background(), addr)
	require.Error(t, err)

	var dialErr *transport.DialError
	require.ErrorAs(t, err, &dialErr)
	assert.True(t, dialErr.Retryable)
}

func TestMemoryListenDuplicate(t *testing.T) {
	tr := memory.New()
	defer tr.Close()

	addr := memory.NextAddr()
	l, err := tr.Listen(addr)
	require.NoError(t, err)
	defer l.Close()

	_, err = tr.Listen(addr)
	assert.Error(t, err)
}
