package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Laevateinn17/viscord-sub001/internal/presence"
)

func testConn() *wsConn {
	return &wsConn{send: make(chan []byte, sendBuffer)}
}

func TestConnBackpressure(t *testing.T) {
	c := &wsConn{send: make(chan []byte, 2)}

	require.NoError(t, c.TrySend([]byte("a")))
	require.NoError(t, c.TrySend([]byte("b")))
	require.ErrorIs(t, c.TrySend([]byte("c")), ErrBackpressure)

	// Draining frees the buffer again.
	<-c.send
	require.NoError(t, c.TrySend([]byte("d")))
}

func TestConnSendAfterClose(t *testing.T) {
	c := testConn()
	c.Close()
	require.ErrorIs(t, c.TrySend([]byte("a")), ErrConnClosed)

	// Double close is a no-op.
	c.Close()
	require.ErrorIs(t, c.TrySend([]byte("a")), ErrConnClosed)
}

func TestConnCloseDuringSends(t *testing.T) {
	c := testConn()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = c.TrySend([]byte("x"))
			}
		}()
	}
	c.Close()
	wg.Wait()

	require.ErrorIs(t, c.TrySend([]byte("x")), ErrConnClosed)
}

func TestHubSend(t *testing.T) {
	h := NewHub()
	c := testConn()
	h.Add("sock-1", "user-1", c)

	require.True(t, h.Send("sock-1", []byte("hello")))
	require.Equal(t, []byte("hello"), <-c.send)
	require.False(t, h.Send("sock-unknown", []byte("hello")))

	h.Remove("sock-1")
	require.False(t, h.Send("sock-1", []byte("hello")))
}

func TestHubLocalConnections(t *testing.T) {
	h := NewHub()
	require.Empty(t, h.LocalConnections())

	h.Add("sock-1", "user-1", testConn())
	h.Add("sock-2", "user-1", testConn())
	h.Add("sock-3", "user-2", testConn())

	conns := h.LocalConnections()
	require.ElementsMatch(t, []presence.LocalConn{
		{User: "user-1", Socket: "sock-1"},
		{User: "user-1", Socket: "sock-2"},
		{User: "user-2", Socket: "sock-3"},
	}, conns)
}
