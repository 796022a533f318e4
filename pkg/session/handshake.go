package session

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"

	"github.com/dchat-net/dchat/pkg/identity"
)

// HandshakeTimeout bounds the full Noise-XX exchange (spec §5).
const HandshakeTimeout = 10 * time.Second

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// identityPayload is exchanged inside the Noise-XX handshake's second and
// third messages, binding each side's long-term Ed25519 identity to the
// ephemeral Noise static key (spec §4.1: "Both sides additionally exchange
// their long-term Ed25519 identities inside the handshake").
type identityPayload struct {
	pubKey []byte // 32-byte Ed25519 public key
	sig    []byte // 64-byte signature over the Noise static public key
}

func encodeIdentityPayload(p identityPayload) []byte {
	out := make([]byte, 0, len(p.pubKey)+len(p.sig))
	out = append(out, p.pubKey...)
	out = append(out, p.sig...)
	return out
}

func decodeIdentityPayload(b []byte) (identityPayload, error) {
	const pubLen, sigLen = 32, 64
	if len(b) != pubLen+sigLen {
		return identityPayload{}, fmt.Errorf("session: malformed identity payload (%d bytes)", len(b))
	}
	return identityPayload{pubKey: b[:pubLen], sig: b[pubLen:]}, nil
}

// Handshake runs the Noise-XX handshake over rw and returns an established
// Session. expectedRemote is the PeerId the caller believes it dialed; on
// the dialing side a mismatch between the declared identity and
// expectedRemote fails with ErrIdentityMismatch. The listening side passes
// the zero PeerId (it only learns the remote identity from the handshake).
func Handshake(ctx context.Context, rw io.ReadWriter, local *identity.KeyPair, expectedRemote identity.PeerId, initiator bool) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	static, err := cipherSuite.GenerateKeypair(nil)
	if err != nil {
		return nil, fmt.Errorf("session: generate noise static keypair: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("session: init handshake state: %w", err)
	}

	myIdentity := identityPayload{
		pubKey: []byte(local.Public),
		sig:    local.Sign(static.Public),
	}

	done := make(chan error, 1)
	var remotePeer identity.PeerId
	var remotePub ed25519.PublicKey
	var sendKey, recvKey []byte

	go func() {
		var err error
		if initiator {
			remotePeer, remotePub, sendKey, recvKey, err = runInitiator(hs, rw, myIdentity, expectedRemote)
		} else {
			remotePeer, remotePub, sendKey, recvKey, err = runResponder(hs, rw, myIdentity)
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, ErrHandshakeTimeout
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}

	return newSession(local.PeerID(), remotePeer, remotePub, rw, sendKey, recvKey)
}

// runInitiator drives the three XX messages as the dialing side:
//
//	-> e
//	<- e, ee, s, es   (carries responder's identityPayload)
//	-> s, se          (carries initiator's identityPayload)
func runInitiator(hs *noise.HandshakeState, rw io.ReadWriter, mine identityPayload, expectedRemote identity.PeerId) (identity.PeerId, ed25519.PublicKey, []byte, []byte, error) {
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, fmt.Errorf("session: write msg1: %w", err)
	}
	if err := writeRaw(rw, msg1); err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}

	msg2, err := readRaw(rw)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}
	payload2, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, fmt.Errorf("session: read msg2: %w", err)
	}
	remoteIdentity, err := decodeIdentityPayload(payload2)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}
	remotePeer, remotePub, err := verifyIdentity(remoteIdentity, hs.PeerStatic())
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}
	if !expectedRemote.IsZero() && remotePeer != expectedRemote {
		return identity.PeerId{}, nil, nil, nil, ErrIdentityMismatch
	}

	msg3, cs1, cs2, err := hs.WriteMessage(nil, encodeIdentityPayload(mine))
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, fmt.Errorf("session: write msg3: %w", err)
	}
	if err := writeRaw(rw, msg3); err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}

	sendKey, recvKey, err := deriveSessionKeys(hs, cs1, cs2)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}
	return remotePeer, remotePub, sendKey, recvKey, nil
}

// runResponder drives the three XX messages as the listening side.
func runResponder(hs *noise.HandshakeState, rw io.ReadWriter, mine identityPayload) (identity.PeerId, ed25519.PublicKey, []byte, []byte, error) {
	msg1, err := readRaw(rw)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return identity.PeerId{}, nil, nil, nil, fmt.Errorf("session: read msg1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, encodeIdentityPayload(mine))
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, fmt.Errorf("session: write msg2: %w", err)
	}
	if err := writeRaw(rw, msg2); err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}

	msg3, err := readRaw(rw)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}
	payload3, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, fmt.Errorf("session: read msg3: %w", err)
	}
	remoteIdentity, err := decodeIdentityPayload(payload3)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}
	remotePeer, remotePub, err := verifyIdentity(remoteIdentity, hs.PeerStatic())
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}

	// Responder's cipherstate order is swapped relative to the initiator's:
	// cs1 encrypts responder->initiator, cs2 encrypts initiator->responder.
	sendKey, recvKey, err := deriveSessionKeys(hs, cs2, cs1)
	if err != nil {
		return identity.PeerId{}, nil, nil, nil, err
	}
	return remotePeer, remotePub, sendKey, recvKey, nil
}

func verifyIdentity(p identityPayload, noiseStaticPub []byte) (identity.PeerId, ed25519.PublicKey, error) {
	if !identity.Verify(p.pubKey, noiseStaticPub, p.sig) {
		return identity.PeerId{}, nil, ErrIdentityMismatch
	}
	return identity.PeerIdFromPublicKey(p.pubKey), ed25519.PublicKey(p.pubKey), nil
}

// deriveSessionKeys turns the completed handshake's channel-binding hash
// plus the two directional Noise cipher states into the two raw
// ChaCha20-Poly1305 keys that back this package's explicit-nonce framing
// (spec §3 EncryptedSession.send_key/recv_key). Folding the Noise
// handshake hash into the derivation binds the derived keys to the full
// transcript, not just the final DH output.
func deriveSessionKeys(hs *noise.HandshakeState, sendCS, recvCS *noise.CipherState) (sendKey, recvKey []byte, err error) {
	binding := hs.ChannelBinding()

	// Both directions share one label; the per-direction cipher state's
	// output tells them apart, so the initiator's send key equals the
	// responder's recv key.
	sendKey, err = hkdfExpand(binding, sendCS.Encrypt(nil, nil, nil), "dchat-session-key")
	if err != nil {
		return nil, nil, err
	}
	recvKey, err = hkdfExpand(binding, recvCS.Encrypt(nil, nil, nil), "dchat-session-key")
	if err != nil {
		return nil, nil, err
	}
	return sendKey, recvKey, nil
}

func hkdfExpand(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("session: hkdf expand %q: %w", info, err)
	}
	return out, nil
}

func writeRaw(w io.Writer, msg []byte) error {
	if err := writeFrame(w, TypeData, 0, msg); err != nil {
		return fmt.Errorf("session: write handshake message: %w", err)
	}
	return nil
}

func readRaw(r io.Reader) ([]byte, error) {
	f, err := readFrame(r)
	if err != nil {
		return nil, fmt.Errorf("session: read handshake message: %w", err)
	}
	return f.Ciphertext, nil
}
