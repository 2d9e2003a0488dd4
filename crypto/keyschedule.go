package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// TrafficSecretSize is the width of the derived traffic secret
	// (spec.md §8: "both derive the same 32-byte traffic secret").
	TrafficSecretSize = 32
	// AEADKeySize fits both ChaCha20-Poly1305 and AES-256-GCM.
	AEADKeySize = 32
)

// TrafficKeys holds the independent per-direction AEAD keys derived from
// one traffic secret, following the same HKDF-per-label pattern the
// teacher's stream.Stream.exchange uses to derive distinct writer/reader
// keys from two shared secrets via hkdf.New(sha256.New, secret, salt, nil).
type TrafficKeys struct {
	ClientSend [AEADKeySize]byte // == ServerRecv on the peer
	ServerSend [AEADKeySize]byte // == ClientRecv on the peer
}

// DeriveTrafficSecret implements spec.md §4.2 step 3:
//
//	traffic_secret = HKDF-Extract-Expand(S, info = "jsp-v1" || client_random || server_random)
func DeriveTrafficSecret(sharedSecret, clientRandom, serverRandom []byte) ([TrafficSecretSize]byte, error) {
	info := append(append([]byte("jsp-v1"), clientRandom...), serverRandom...)
	r := hkdf.New(sha256.New, sharedSecret, nil, info)
	var out [TrafficSecretSize]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// DeriveTrafficKeys expands the traffic secret into independent
// client->server and server->client AEAD keys.
func DeriveTrafficKeys(trafficSecret [TrafficSecretSize]byte) (*TrafficKeys, error) {
	r := hkdf.New(sha256.New, trafficSecret[:], nil, []byte("jsp-v1 traffic keys"))
	tk := &TrafficKeys{}
	if _, err := io.ReadFull(r, tk.ClientSend[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, tk.ServerSend[:]); err != nil {
		return nil, err
	}
	return tk, nil
}

// UpdateTrafficSecret advances the key schedule on key update (spec.md
// §4.2): "installs new keys via HKDF-expand on the current traffic
// secret."
func UpdateTrafficSecret(current [TrafficSecretSize]byte) ([TrafficSecretSize]byte, error) {
	r := hkdf.New(sha256.New, current[:], nil, []byte("jsp-v1 key update"))
	var next [TrafficSecretSize]byte
	if _, err := io.ReadFull(r, next[:]); err != nil {
		return next, err
	}
	return next, nil
}

// Derive0RTTKey derives the early-data key from a ticket's resumption
// secret (spec.md §4.2 "0-RTT resumption").
func Derive0RTTKey(resumptionSecret []byte) ([AEADKeySize]byte, error) {
	r := hkdf.New(sha256.New, resumptionSecret, nil, []byte("jsp-v1 0rtt"))
	var out [AEADKeySize]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
