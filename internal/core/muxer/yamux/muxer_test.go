package yamux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// createConnPair 创建一对 TCP 连接
func createConnPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var serverConn net.Conn
	var serverErr error
	done := make(chan struct{})
	go func() {
		serverConn, serverErr = listener.Accept()
		close(done)
	}()

	clientConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	<-done
	require.NoError(t, serverErr)
	listener.Close()
	return serverConn, clientConn
}

// createMuxerPair 创建一对 Muxer
func createMuxerPair(t *testing.T) (*Muxer, *Muxer) {
	t.Helper()
	serverConn, clientConn := createConnPair(t)

	server, err := New(serverConn, true, DefaultConfig())
	require.NoError(t, err)
	client, err := New(clientConn, false, DefaultConfig())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
		serverConn.Close()
		clientConn.Close()
	})
	return server, client
}

func TestOpenAcceptStream(t *testing.T) {
	server, client := createMuxerPair(t)

	acceptCh := make(chan interfaces.MuxStream, 1)
	go func() {
		s, err := server.AcceptStream()
		if err == nil {
			acceptCh <- s
		}
	}()

	out, err := client.OpenStream(context.Background(), types.ProtocolMessaging)
	require.NoError(t, err)
	defer out.Close()

	var in interfaces.MuxStream
	select {
	case in = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
	defer in.Close()

	// 协议标识在打开时完成绑定
	assert.Equal(t, types.ProtocolMessaging, in.Protocol())
	assert.Equal(t, types.ProtocolMessaging, out.Protocol())

	_, err = out.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = in.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestStreamIsolation(t *testing.T) {
	server, client := createMuxerPair(t)

	go func() {
		for {
			s, err := server.AcceptStream()
			if err != nil {
				return
			}
			go func(s interfaces.MuxStream) {
				buf := make([]byte, 64)
				for {
					n, err := s.Read(buf)
					if err != nil {
						return
					}
					s.Write(buf[:n])
				}
			}(s)
		}
	}()

	// 多个子流各自往返，无交叉干扰
	const streams = 4
	results := make(chan string, streams)
	for i := 0; i < streams; i++ {
		go func(i int) {
			s, err := client.OpenStream(context.Background(), types.ProtocolRPC)
			if err != nil {
				results <- ""
				return
			}
			defer s.Close()
			msg := []byte{byte('a' + i)}
			s.Write(msg)
			buf := make([]byte, 1)
			s.Read(buf)
			results <- string(buf)
		}(i)
	}

	seen := map[string]bool{}
	for i := 0; i < streams; i++ {
		select {
		case r := <-results:
			seen[r] = true
		case <-time.After(3 * time.Second):
			t.Fatal("stream echo timed out")
		}
	}
	assert.Len(t, seen, streams)
}

func TestCloseAbortsStreams(t *testing.T) {
	server, client := createMuxerPair(t)

	go func() {
		for {
			if _, err := server.AcceptStream(); err != nil {
				return
			}
		}
	}()

	s, err := client.OpenStream(context.Background(), types.ProtocolMessaging)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.True(t, client.IsClosed())

	// 会话关闭后子流读写失败
	_, err = s.Write([]byte("x"))
	assert.Error(t, err)

	// 再开子流返回会话关闭
	_, err = client.OpenStream(context.Background(), types.ProtocolMessaging)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestNumStreams(t *testing.T) {
	server, client := createMuxerPair(t)

	go func() {
		for {
			if _, err := server.AcceptStream(); err != nil {
				return
			}
		}
	}()

	assert.Equal(t, 0, client.NumStreams())
	s, err := client.OpenStream(context.Background(), types.ProtocolMessaging)
	require.NoError(t, err)
	assert.Equal(t, 1, client.NumStreams())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, client.NumStreams())
}
