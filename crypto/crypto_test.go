package crypto

import (
	"testing"
	"time"

	"github.com/jetstreamproto/jetstreamproto/wire"
	"github.com/stretchr/testify/require"
)

func TestHandshakeDerivesMatchingSecret(t *testing.T) {
	st, ch, err := BuildClientHello([]wire.CipherSuite{wire.SuiteChaCha20Poly1305, wire.SuiteAES256GCM}, nil)
	require.NoError(t, err)

	sh, serverResult, err := RespondToClientHello(ch, 0xC0FFEE)
	require.NoError(t, err)

	clientResult, err := FinishHandshake(st, sh)
	require.NoError(t, err)

	require.Equal(t, serverResult.TrafficSecret, clientResult.TrafficSecret)
	require.Equal(t, serverResult.Suite, clientResult.Suite)
	require.Equal(t, uint64(0xC0FFEE), clientResult.SessionID)
	require.Equal(t, serverResult.TrafficKeys.ClientSend, clientResult.TrafficKeys.ClientSend)
	require.Equal(t, serverResult.TrafficKeys.ServerSend, clientResult.TrafficKeys.ServerSend)
}

func TestHandshakeFailsWithNoCommonSuite(t *testing.T) {
	_, ch, err := BuildClientHello([]wire.CipherSuite{100}, nil)
	require.NoError(t, err)
	_, _, err = RespondToClientHello(ch, 1)
	require.Error(t, err)
}

func TestAEADRoundTripAndTamperDetection(t *testing.T) {
	var key [AEADKeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := NewAEAD(wire.SuiteChaCha20Poly1305, key)
	require.NoError(t, err)

	ad := []byte("associated-data")
	plaintext := []byte("hello, world!")
	sealed := aead.Seal(7, ad, plaintext)

	opened, err := aead.Open(7, ad, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	tampered := append([]byte{}, sealed...)
	tampered[0] ^= 0xFF
	_, err = aead.Open(7, ad, tampered)
	require.Error(t, err)
}

func TestReplayWindowRejectsDuplicatesAndOldSequences(t *testing.T) {
	w := NewReplayWindow(64)
	require.NoError(t, w.Accept(100))
	require.Error(t, w.Accept(100)) // duplicate

	require.NoError(t, w.Accept(101))
	require.Error(t, w.Accept(100)) // still a duplicate, older than highest

	require.Error(t, w.Accept(101-64)) // W below highest: outside the window
	require.NoError(t, w.Accept(101-63))
}

func TestReplayWindowRetainsExactlyWEntries(t *testing.T) {
	w := NewReplayWindow(64)
	for i := uint64(0); i < 200; i++ {
		if i == 199-63 {
			continue // left unseen so it can be accepted below
		}
		require.NoError(t, w.Accept(i))
	}
	// a sequence W below highest_seen (199) must be rejected.
	require.Error(t, w.Accept(199 - 64))
	// but one within the window is still accepted.
	require.NoError(t, w.Accept(199 - 63))
}

func TestTicketAcceptedWithinLifetimeRejectedAfter(t *testing.T) {
	var secret [AEADKeySize]byte
	tk, err := NewTicketKey(secret)
	require.NoError(t, err)

	var traffic [TrafficSecretSize]byte
	traffic[0] = 1
	issued, err := tk.IssueTicket(traffic, []byte("peer"), 10*time.Second)
	require.NoError(t, err)

	now := time.Unix(issued.IssuedAtUnix, 0)
	_, _, err = tk.OpenTicket(issued, now)
	require.NoError(t, err)
	_, _, err = tk.OpenTicket(issued, now.Add(10*time.Second))
	require.NoError(t, err)
	_, _, err = tk.OpenTicket(issued, now.Add(10*time.Second+time.Millisecond))
	require.Error(t, err)
}

func TestEpochKeysStayInStepAcrossUpdateOnBothSides(t *testing.T) {
	st, ch, err := BuildClientHello([]wire.CipherSuite{wire.SuiteChaCha20Poly1305}, nil)
	require.NoError(t, err)
	sh, serverResult, err := RespondToClientHello(ch, 1)
	require.NoError(t, err)
	clientResult, err := FinishHandshake(st, sh)
	require.NoError(t, err)

	clientEpoch, err := NewEpochKeys(clientResult, true, 256)
	require.NoError(t, err)
	serverEpoch, err := NewEpochKeys(serverResult, false, 256)
	require.NoError(t, err)

	ad := []byte("hdr")
	sealed := clientEpoch.SealOutbound(1, ad, []byte("pre-update"))
	_, err = serverEpoch.OpenInbound(1, clientEpoch.EpochFlag(), ad, sealed)
	require.NoError(t, err)

	require.NoError(t, clientEpoch.Update(50*time.Millisecond))
	postUpdateSealed := clientEpoch.SealOutbound(2, ad, []byte("post-update"))

	require.NoError(t, serverEpoch.Update(50*time.Millisecond))
	_, err = serverEpoch.OpenInbound(2, clientEpoch.EpochFlag(), ad, postUpdateSealed)
	require.NoError(t, err)
}
