package session

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
)

// rekeyState carries the ephemeral Curve25519 material for a rekey
// exchange initiated by this side (spec §4.1 Rekey).
type rekeyState struct {
	localPriv [32]byte
	localPub  [32]byte
	ackCh     chan []byte // delivers the peer's ephemeral pubkey from RekeyAck
}

func newEphemeralX25519() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("session: generate ephemeral key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("session: derive ephemeral public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// Rekey performs the sender-initiated rekey described in spec §4.1: a fresh
// Diffie-Hellman exchange whose output is mixed into the key schedule,
// atomically resetting both counters to zero on success. A rekey in
// progress blocks new data frames (enforced via s.mu); a failure aborts
// the session (ErrRekeyFailed).
//
// The caller's read loop must forward any TypeRekeyAck frame observed via
// Recv to HandleRekeyAck for this to complete.
func (s *Session) Rekey() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.rekeying {
		s.mu.Unlock()
		return ErrRekeyInProgress
	}
	priv, pub, err := newEphemeralX25519()
	if err != nil {
		s.closed = true
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}
	ackCh := make(chan []byte, 1)
	s.rekeying = true
	s.rekeyState = &rekeyState{localPriv: priv, localPub: pub, ackCh: ackCh}
	err = s.sendLocked(TypeRekey, pub[:])
	s.mu.Unlock()
	if err != nil {
		s.mu.Lock()
		s.rekeying = false
		s.rekeyState = nil
		s.closed = true
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}

	select {
	case remotePub := <-ackCh:
		if err := s.finishRekey(priv, remotePub, true); err != nil {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return err
		}
		return nil
	case <-time.After(RekeyTimeout):
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return ErrRekeyFailed
	}
}

// HandleRekey responds to a peer-initiated TypeRekey frame observed by the
// caller's read loop. It generates this side's own ephemeral keypair,
// completes the DH, and replies with a RekeyAck frame.
func (s *Session) HandleRekey(remoteEphemeralPub []byte) error {
	if len(remoteEphemeralPub) != 32 {
		return fmt.Errorf("%w: bad rekey payload length %d", ErrRekeyFailed, len(remoteEphemeralPub))
	}
	priv, pub, err := newEphemeralX25519()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	err = s.sendLocked(TypeRekeyAck, pub[:])
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}

	return s.finishRekey(priv, remoteEphemeralPub, false)
}

// HandleRekeyAck delivers an observed TypeRekeyAck frame to an in-progress
// local Rekey() call.
func (s *Session) HandleRekeyAck(remoteEphemeralPub []byte) {
	s.mu.Lock()
	st := s.rekeyState
	s.mu.Unlock()
	if st == nil {
		return // not rekeying locally; stray/duplicate ack, ignore
	}
	select {
	case st.ackCh <- remoteEphemeralPub:
	default:
	}
}

// finishRekey computes the shared secret, derives fresh directional keys,
// and atomically swaps key material and resets both counters to zero.
func (s *Session) finishRekey(localPriv [32]byte, remotePub []byte, initiatedLocally bool) error {
	if len(remotePub) != 32 {
		return fmt.Errorf("%w: bad peer ephemeral key length %d", ErrRekeyFailed, len(remotePub))
	}
	shared, err := curve25519.X25519(localPriv[:], remotePub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Put the lo->hi direction's salt first so both sides build the same salt.
	loSalt, hiSalt := s.sendSaltLocked(), s.recvSaltLocked()
	if !s.LocalPeer.Less(s.RemotePeer) {
		loSalt, hiSalt = hiSalt, loSalt
	}
	salt := append(append([]byte{}, loSalt...), hiSalt...)
	loToHi, err := hkdfExpand(shared, salt, "dchat-rekey-lo2hi")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}
	hiToLo, err := hkdfExpand(shared, salt, "dchat-rekey-hi2lo")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}

	var newSendKey, newRecvKey []byte
	if s.LocalPeer.Less(s.RemotePeer) {
		newSendKey, newRecvKey = loToHi, hiToLo
	} else {
		newSendKey, newRecvKey = hiToLo, loToHi
	}

	sendAEAD, err := newAEAD(newSendKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}
	recvAEAD, err := newAEAD(newRecvKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}

	s.sendAEAD = sendAEAD
	s.recvAEAD = recvAEAD
	s.sendNonce = 0
	s.expectedRecvNonce = 0
	s.messagesSinceKey = 0
	s.rekeying = false
	s.rekeyState = nil
	return nil
}

// sendSaltLocked/recvSaltLocked derive a short deterministic tag from the
// current AEAD keys so the rekey derivation binds to the outgoing key
// schedule without ever exposing raw key bytes outside this package.
func (s *Session) sendSaltLocked() []byte {
	return deriveSalt(s.sendAEAD)
}

func (s *Session) recvSaltLocked() []byte {
	return deriveSalt(s.recvAEAD)
}

func deriveSalt(c aeadCipher) []byte {
	tag := c.Seal(nil, nonceBytes(^uint64(0)), nil, []byte("dchat-rekey-salt"))
	h := sha256.Sum256(tag)
	return h[:]
}
