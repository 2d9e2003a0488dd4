package conn

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jetstreamproto/jetstreamproto/internal/config"
	"github.com/jetstreamproto/jetstreamproto/session"
	"github.com/jetstreamproto/jetstreamproto/transport"
	"github.com/jetstreamproto/jetstreamproto/wire"
)

// lossyConn wraps a transport.Conn and lets a test intercept every
// outbound send, either dropping it (returning true) or letting it
// through unmodified, to simulate loss/replay on an otherwise-real UDP
// loopback socket.
type lossyConn struct {
	transport.Conn
	shouldDrop func(payload []byte) bool
}

func (l *lossyConn) Send(addr net.Addr, payload []byte) error {
	if l.shouldDrop != nil && l.shouldDrop(payload) {
		return nil
	}
	return l.Conn.Send(addr, payload)
}

// newLossyPair is like newTestPair but dials the client over a lossyConn,
// so tests can drop or capture packets the client sends toward the server.
func newLossyPair(t *testing.T, cfg *config.Config, shouldDrop func(payload []byte) bool) (client, server *Connection, acceptor *Acceptor) {
	if cfg == nil {
		cfg = config.Default()
	}
	global, err := NewGlobal(1000, 10<<20)
	require.NoError(t, err)

	a, err := Listen("127.0.0.1:0", cfg, global)
	require.NoError(t, err)
	accepted := acceptAsync(t, a)

	rawT, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	lt := &lossyConn{Conn: rawT, shouldDrop: shouldDrop}

	peer, err := net.ResolveUDPAddr("udp", a.LocalAddr().String())
	require.NoError(t, err)

	c := newConnection(lt, true, peer, cfg, global, true)
	require.NoError(t, c.clientHandshake())
	c.start()

	select {
	case s := <-accepted:
		return c, s, a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
		return nil, nil, nil
	}
}

func acceptAsync(t *testing.T, a *Acceptor) <-chan *Connection {
	out := make(chan *Connection, 1)
	go func() {
		c, err := a.Accept()
		require.NoError(t, err)
		out <- c
	}()
	return out
}

func recvWithTimeout(t *testing.T, c *Connection, d time.Duration) Delivery {
	type result struct {
		d   Delivery
		err error
	}
	out := make(chan result, 1)
	go func() {
		dv, err := c.Recv()
		out <- result{dv, err}
	}()
	select {
	case r := <-out:
		require.NoError(t, r.err)
		return r.d
	case <-time.After(d):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func newTestPair(t *testing.T) (client, server *Connection, acceptor *Acceptor) {
	cfg := config.Default()
	global, err := NewGlobal(1000, 10<<20)
	require.NoError(t, err)

	a, err := Listen("127.0.0.1:0", cfg, global)
	require.NoError(t, err)

	accepted := acceptAsync(t, a)

	c, err := Connect(a.LocalAddr().String(), cfg, global)
	require.NoError(t, err)

	select {
	case s := <-accepted:
		return c, s, a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
		return nil, nil, nil
	}
}

func TestConnectAndEchoOverReliableStream(t *testing.T) {
	client, server, acceptor := newTestPair(t)
	defer acceptor.Close()
	defer client.Close(session.CloseNormal, "test done")
	defer server.Close(session.CloseNormal, "test done")

	s, err := client.OpenStream(wire.Reliable, 0, 0)
	require.NoError(t, err)

	require.NoError(t, client.SendOnStream(s.ID(), []byte("hello")))

	d := recvWithTimeout(t, server, 2*time.Second)
	require.Equal(t, s.ID(), d.StreamID)
	require.Equal(t, "hello", string(d.Data))

	require.NoError(t, server.SendOnStream(d.StreamID, d.Data))

	echoed := recvWithTimeout(t, client, 2*time.Second)
	require.Equal(t, "hello", string(echoed.Data))
}

func TestCloseSurfacesOnPeer(t *testing.T) {
	client, server, acceptor := newTestPair(t)
	defer acceptor.Close()

	require.NoError(t, client.Close(session.CloseNormal, "bye"))

	require.Eventually(t, func() bool {
		_, err := server.Recv()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenStreamRejectsOverMaxStreams(t *testing.T) {
	cfg := config.New(config.WithMaxStreams(1))
	global, err := NewGlobal(1000, 10<<20)
	require.NoError(t, err)

	a, err := Listen("127.0.0.1:0", cfg, global)
	require.NoError(t, err)
	defer a.Close()

	accepted := acceptAsync(t, a)
	c, err := Connect(a.LocalAddr().String(), cfg, global)
	require.NoError(t, err)
	defer c.Close(session.CloseNormal, "test done")

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}

	_, err = c.OpenStream(wire.Reliable, 0, 0)
	require.NoError(t, err)

	_, err = c.OpenStream(wire.Reliable, 0, 0)
	require.Error(t, err)
}

// TestReliableStreamSurvivesLossViaRetransmission exercises spec.md §8
// scenario 2: a run of dropped established-path packets still delivers,
// via at least 25 retransmits (the scheduler's own accounting, not just
// the attempt count the test drops).
func TestReliableStreamSurvivesLossViaRetransmission(t *testing.T) {
	cfg := config.New(config.WithMaxRetransmits(60))

	var attempts int32
	const dropCount = 25
	drop := func(payload []byte) bool {
		outer, _, err := wire.DecodeOuter(payload)
		if err != nil || outer.LongHeader() {
			return false // never drop handshake traffic
		}
		return atomic.AddInt32(&attempts, 1) <= dropCount
	}

	client, server, acceptor := newLossyPair(t, cfg, drop)
	defer acceptor.Close()
	defer client.Close(session.CloseNormal, "test done")
	defer server.Close(session.CloseNormal, "test done")

	s, err := client.OpenStream(wire.Reliable, 0, 0)
	require.NoError(t, err)
	require.NoError(t, client.SendOnStream(s.ID(), []byte("persisted")))

	d := recvWithTimeout(t, server, 45*time.Second)
	require.Equal(t, "persisted", string(d.Data))
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), dropCount)
	require.GreaterOrEqual(t, testutil.ToFloat64(client.metrics.Retransmits), float64(dropCount))
}

// TestPartiallyReliableStreamDroppedAfterTTLUnderTotalLoss exercises
// spec.md §8 scenario 3: under 100% loss a PartiallyReliable frame is
// silently retired once its TTL elapses, and the connection itself stays
// healthy (no fatal teardown, no panic) rather than hanging or closing.
func TestPartiallyReliableStreamDroppedAfterTTLUnderTotalLoss(t *testing.T) {
	totalLoss := func(payload []byte) bool {
		outer, _, err := wire.DecodeOuter(payload)
		if err != nil || outer.LongHeader() {
			return false
		}
		return true
	}
	client, server, acceptor := newLossyPair(t, nil, totalLoss)
	defer acceptor.Close()
	defer client.Close(session.CloseNormal, "test done")
	defer server.Close(session.CloseNormal, "test done")

	s, err := client.OpenStream(wire.PartiallyReliable, 0, 150)
	require.NoError(t, err)
	require.NoError(t, client.SendOnStream(s.ID(), []byte("ephemeral")))

	deliveries := make(chan Delivery, 1)
	go func() {
		d, err := server.Recv()
		if err == nil {
			deliveries <- d
		}
	}()

	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery after total loss + TTL expiry: %+v", d)
	case <-time.After(500 * time.Millisecond):
	}

	require.Equal(t, session.Established, client.State())
	require.Equal(t, session.Established, server.State())
}

// TestReplayedEstablishedPacketIsRejected exercises spec.md §8 scenario
// 4: resending an already-accepted datagram verbatim is rejected by the
// replay window and increments invalid_packets rather than being
// delivered twice.
func TestReplayedEstablishedPacketIsRejected(t *testing.T) {
	var mu sync.Mutex
	var captured [][]byte
	capture := func(payload []byte) bool {
		outer, _, err := wire.DecodeOuter(payload)
		if err == nil && !outer.LongHeader() {
			mu.Lock()
			captured = append(captured, append([]byte(nil), payload...))
			mu.Unlock()
		}
		return false // observe only, never actually drop
	}

	client, server, acceptor := newLossyPair(t, nil, capture)
	defer acceptor.Close()
	defer client.Close(session.CloseNormal, "test done")
	defer server.Close(session.CloseNormal, "test done")

	s, err := client.OpenStream(wire.Reliable, 0, 0)
	require.NoError(t, err)
	require.NoError(t, client.SendOnStream(s.ID(), []byte("once")))

	d := recvWithTimeout(t, server, 2*time.Second)
	require.Equal(t, "once", string(d.Data))

	mu.Lock()
	require.NotEmpty(t, captured)
	replayed := captured[len(captured)-1]
	mu.Unlock()

	before := testutil.ToFloat64(server.metrics.InvalidPackets)
	require.NoError(t, client.t.Send(acceptor.LocalAddr(), replayed))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(server.metrics.InvalidPackets) > before
	}, time.Second, 10*time.Millisecond)
}

// TestMigrateToRebindsPathAndDeliversAfterValidation exercises spec.md §8
// scenario 5: the client rebinds to a new local socket mid-connection,
// the server challenges the new source address, and once the
// PathChallenge/PathResponse round trip validates it, traffic keeps
// flowing and the new address becomes primary.
func TestMigrateToRebindsPathAndDeliversAfterValidation(t *testing.T) {
	client, server, acceptor := newTestPair(t)
	defer acceptor.Close()
	defer client.Close(session.CloseNormal, "test done")
	defer server.Close(session.CloseNormal, "test done")

	s, err := client.OpenStream(wire.Reliable, 0, 0)
	require.NoError(t, err)
	require.NoError(t, client.SendOnStream(s.ID(), []byte("before")))
	before := recvWithTimeout(t, server, 2*time.Second)
	require.Equal(t, "before", string(before.Data))

	require.NoError(t, client.MigrateTo("127.0.0.1:0"))

	require.NoError(t, client.SendOnStream(s.ID(), []byte("after")))
	after := recvWithTimeout(t, server, 2*time.Second)
	require.Equal(t, "after", string(after.Data))

	require.Eventually(t, func() bool {
		return server.RemoteAddr().String() == client.LocalAddr().String()
	}, 2*time.Second, 10*time.Millisecond)
}
