package session

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dchat-net/dchat/pkg/identity"
)

// RekeyInterval is the default number of successfully sent data messages
// after which a rekey is triggered (spec §3 REKEY_INTERVAL).
const RekeyInterval = 100

// RekeyTimeout bounds how long a rekey exchange may take before the
// session is aborted (spec §5).
const RekeyTimeout = 5 * time.Second

// aeadKeySize is the ChaCha20-Poly1305 key size.
const aeadKeySize = chacha20poly1305.KeySize

// Session is the EncryptedSession of spec §3: a bidirectional
// ChaCha20-Poly1305 channel over an already-open transport stream,
// established by the Noise-XX handshake in handshake.go. It owns its key
// material exclusively; no other component may read send/recv keys.
//
// Ordering guarantee (spec §5): strict FIFO send and receive, enforced by
// the monotonic nonce counters below.
type Session struct {
	LocalPeer  identity.PeerId
	RemotePeer identity.PeerId
	// RemotePub is the remote's Ed25519 public key, already verified
	// against RemotePeer during the handshake (verifyIdentity). Callers
	// that only have a PeerId must resolve the key via a peerstore (see
	// pkg/identity.Registry); this is the one place the raw key is
	// available without one.
	RemotePub ed25519.PublicKey

	rw io.ReadWriter

	mu                sync.Mutex // serializes rekey against the send path (spec §5)
	sendAEAD          aeadCipher
	recvAEAD          aeadCipher
	sendNonce         uint64
	expectedRecvNonce uint64
	messagesSinceKey  uint64
	rekeying          bool
	closed            bool

	// rekeyState carries curve25519 material while a rekey is in flight.
	rekeyState *rekeyState
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

func newAEAD(key []byte) (aeadCipher, error) {
	if len(key) != aeadKeySize {
		return nil, fmt.Errorf("session: key must be %d bytes, got %d", aeadKeySize, len(key))
	}
	return chacha20poly1305.New(key)
}

// nonceBytes renders a u64 counter as the 12-byte ChaCha20-Poly1305 nonce
// (big-endian counter in the low 8 bytes, top 4 bytes zero).
func nonceBytes(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// newSession wraps already-derived send/recv keys (produced by the
// handshake) into a Session bound to remote and the underlying stream.
func newSession(local, remote identity.PeerId, remotePub ed25519.PublicKey, rw io.ReadWriter, sendKey, recvKey []byte) (*Session, error) {
	send, err := newAEAD(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := newAEAD(recvKey)
	if err != nil {
		return nil, err
	}
	return &Session{
		LocalPeer:  local,
		RemotePeer: remote,
		RemotePub:  remotePub,
		rw:         rw,
		sendAEAD:   send,
		recvAEAD:   recv,
	}, nil
}

// SendData encrypts and writes one application payload as a Data frame.
// Triggers a rekey after RekeyInterval successful sends (spec §4.1).
func (s *Session) SendData(plaintext []byte) error {
	if len(plaintext) > MaxFrame-16 {
		return ErrFrameTooLarge
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err := s.sendLocked(TypeData, plaintext); err != nil {
		s.mu.Unlock()
		return err
	}
	s.messagesSinceKey++
	needsRekey := s.messagesSinceKey >= RekeyInterval && !s.rekeying
	s.mu.Unlock()

	if needsRekey {
		return s.Rekey()
	}
	return nil
}

// sendLocked seals and writes a frame. Caller must hold s.mu.
func (s *Session) sendLocked(typ MessageType, plaintext []byte) error {
	nonce := s.sendNonce
	sealed := s.sendAEAD.Seal(nil, nonceBytes(nonce), plaintext, nil)
	if err := writeFrame(s.rw, typ, nonce, sealed); err != nil {
		return err
	}
	s.sendNonce++
	return nil
}

// Recv reads and decrypts the next frame. On any nonce gap or reuse the
// session is poisoned (closed) and ErrReplayOrReorder is returned, per
// spec §4.1 "the session is poisoned and torn down with ReplayOrReorder".
func (s *Session) Recv() (MessageType, []byte, error) {
	frame, err := readFrame(s.rw)
	if err != nil {
		return 0, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, ErrSessionClosed
	}

	if frame.Nonce != s.expectedRecvNonce {
		s.closed = true
		return 0, nil, ErrReplayOrReorder
	}

	plaintext, err := s.recvAEAD.Open(nil, nonceBytes(frame.Nonce), frame.Ciphertext, nil)
	if err != nil {
		s.closed = true
		return 0, nil, ErrAeadAuthFailed
	}
	s.expectedRecvNonce++
	return frame.Type, plaintext, nil
}

// Ping sends a session-encrypted PING control frame (spec §4.5 health check).
func (s *Session) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.sendLocked(TypePing, nil)
}

// Pong replies to a received PING.
func (s *Session) Pong() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.sendLocked(TypePong, nil)
}

// TearDown sends a TearDown control frame and marks the session closed.
func (s *Session) TearDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.sendLocked(TypeTearDown, nil)
	s.closed = true
	return err
}

// Closed reports whether the session has been poisoned or torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MessagesSinceRekey exposes the counter for tests and telemetry.
func (s *Session) MessagesSinceRekey() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesSinceKey
}
