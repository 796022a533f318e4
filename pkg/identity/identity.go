package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"runtime"
)

// KeyPair is a node's long-lived Ed25519 identity. It is loaded once at
// startup and treated as read-only process-wide state thereafter (spec §9
// "Global/process-wide state").
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	id      PeerId
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, private: priv, id: PeerIdFromPublicKey(pub)}, nil
}

// FromPrivateKey wraps an existing Ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: invalid private key length %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{Public: pub, private: priv, id: PeerIdFromPublicKey(pub)}, nil
}

// PeerID returns this identity's PeerId (local_peer_id() in spec §4.1).
func (k *KeyPair) PeerID() PeerId {
	return k.id
}

// Sign produces a 64-byte Ed25519 signature over msg.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// Verify checks a signature produced by the holder of peerID's declared
// public key. Callers that only have a PeerId (not the raw public key, e.g.
// from a DHT response) must resolve the public key via a peerstore before
// calling Verify; this function is for verifying one's own or a
// directly-exchanged key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyPeerID checks that pub actually hashes to the claimed PeerId, the
// check the Noise-XX handshake performs to reject IdentityMismatch (§4.1).
func VerifyPeerID(id PeerId, pub ed25519.PublicKey) bool {
	return PeerIdFromPublicKey(pub) == id
}

// checkKeyFilePermissions verifies a key file is not readable by group/other.
// The key-file *format* is explicitly a non-goal (spec §1); this check is
// retained only as the minimal safety rail a runtime identity loader needs.
func checkKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("identity: stat key file %s: %w", path, err)
	}
	if info.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("identity: key file %s has insecure permissions %04o (want 0600)", path, info.Mode().Perm())
	}
	return nil
}

// LoadOrCreate loads a raw 64-byte Ed25519 private key from path, or
// generates and persists a new one if the file does not exist. This is a
// minimal runtime identity loader, not a wallet/keystore format.
func LoadOrCreate(path string) (*KeyPair, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := checkKeyFilePermissions(path); err != nil {
			return nil, err
		}
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: key file %s has wrong length %d", path, len(data))
		}
		return FromPrivateKey(ed25519.PrivateKey(data))
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, kp.private, 0600); err != nil {
		return nil, fmt.Errorf("identity: save key to %s: %w", path, err)
	}
	return kp, nil
}
