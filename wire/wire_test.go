package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, 1<<56 - 1}
	for _, v := range values {
		buf := AppendVarint(nil, v)
		got, n, err := ReadVarint(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestReadVarintTruncated(t *testing.T) {
	_, _, err := ReadVarint([]byte{0x80, 0x80})
	require.Error(t, err)
}

func TestOuterHeaderRoundTrip(t *testing.T) {
	h := &OuterHeader{Flags: FlagHasConnID, PacketNumber: 42}
	h.ConnectionID = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	body := []byte("ciphertext-and-tag-placeholder-16")
	encoded := EncodeOuter(h, body)

	gotH, gotBody, err := DecodeOuter(encoded)
	require.NoError(t, err)
	require.Equal(t, h.Flags, gotH.Flags)
	require.Equal(t, h.ConnectionID, gotH.ConnectionID)
	require.Equal(t, h.PacketNumber, gotH.PacketNumber)
	require.Equal(t, body, gotBody)
}

func TestOuterHeaderTruncated(t *testing.T) {
	_, _, err := DecodeOuter([]byte{FlagHasConnID})
	require.Error(t, err)
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := &FrameHeader{
		StreamID: 7, MsgType: MsgData, Flags: FrameFlagContinuation,
		FrameSequence: 99, TimestampMs: 123456789, Nonce: 555, DeliveryMode: PartiallyReliable,
	}
	buf := EncodeFrameHeader(h)
	require.Len(t, buf, FrameHeaderSize)
	got, err := DecodeFrameHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestFrameHeaderRejectsUnknownMsgType(t *testing.T) {
	h := &FrameHeader{MsgType: MsgData, DeliveryMode: Reliable}
	buf := EncodeFrameHeader(h)
	buf[4] = 250 // well above the reserved range
	_, err := DecodeFrameHeader(buf)
	require.Error(t, err)
}

func TestFrameHeaderRejectsBadDeliveryMode(t *testing.T) {
	h := &FrameHeader{MsgType: MsgData, DeliveryMode: Reliable}
	buf := EncodeFrameHeader(h)
	buf[30] = 3
	_, err := DecodeFrameHeader(buf)
	require.Error(t, err)
}

func TestCoalescedFramesRoundTrip(t *testing.T) {
	f1 := &CodedFrame{
		Header: &FrameHeader{StreamID: 1, MsgType: MsgData, DeliveryMode: Reliable, FrameSequence: 1},
		Body:   []byte("hello, world!"),
	}
	f2 := &CodedFrame{
		Header: &FrameHeader{StreamID: 0, MsgType: MsgHeartbeat, DeliveryMode: BestEffort, FrameSequence: 2},
		Body:   []byte{},
	}
	encoded := EncodeCoalesced([]*CodedFrame{f1, f2})
	frames, err := DecodeCoalesced(encoded)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, f1.Header, frames[0].Header)
	require.Equal(t, f1.Body, frames[0].Body)
	require.Equal(t, f2.Header, frames[1].Header)
	require.Equal(t, f2.Body, frames[1].Body)
}

func TestClientHelloRoundTrip(t *testing.T) {
	ch := &ClientHello{
		ClassicalPublic: []byte{1, 2, 3},
		KemPublic:       []byte{4, 5, 6},
		OfferedSuites:   []CipherSuite{SuiteChaCha20Poly1305, SuiteAES256GCM},
	}
	ch.ClientRandom[0] = 0xAB
	encoded, err := EncodeClientHello(ch)
	require.NoError(t, err)
	require.Equal(t, ProtocolVersion, encoded[0])

	got, err := DecodeClientHello(encoded)
	require.NoError(t, err)
	require.Equal(t, ch.ClassicalPublic, got.ClassicalPublic)
	require.Equal(t, ch.KemPublic, got.KemPublic)
	require.Equal(t, ch.OfferedSuites, got.OfferedSuites)
	require.Equal(t, ch.ClientRandom, got.ClientRandom)
}

func TestClientHelloVersionMismatch(t *testing.T) {
	encoded, err := EncodeClientHello(&ClientHello{})
	require.NoError(t, err)
	encoded[0] = ProtocolVersion + 1
	_, err = DecodeClientHello(encoded)
	require.Error(t, err)
}
