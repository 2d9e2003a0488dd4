package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUDPSendRecvRoundTrip(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))

	select {
	case dg := <-b.Recv():
		require.Equal(t, "hello", string(dg.Payload))
		require.Equal(t, a.LocalAddr().String(), dg.Addr.String())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestUDPCloseStopsReadLoop(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Close())
}
