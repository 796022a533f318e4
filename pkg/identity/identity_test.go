package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateAndSignVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	msg := []byte("hello dchat")
	sig := kp.Sign(msg)
	if !Verify(kp.Public, msg, sig) {
		t.Fatal("signature did not verify")
	}
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Fatal("signature verified over the wrong message")
	}
}

func TestPeerIDFromPublicKeyMatchesKeyPair(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if got := PeerIdFromPublicKey(kp.Public); got != kp.PeerID() {
		t.Fatalf("PeerIdFromPublicKey = %s, want %s", got, kp.PeerID())
	}
	if !VerifyPeerID(kp.PeerID(), kp.Public) {
		t.Fatal("VerifyPeerID rejected the matching key")
	}
}

func TestVerifyPeerIDRejectsMismatch(t *testing.T) {
	a, _ := Generate()
	b, _ := Generate()
	if VerifyPeerID(a.PeerID(), b.Public) {
		t.Fatal("VerifyPeerID accepted a mismatched key")
	}
}

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	kp1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (create) error: %v", err)
	}

	kp2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (load) error: %v", err)
	}

	if kp1.PeerID() != kp2.PeerID() {
		t.Fatalf("identity changed across reload: %s != %s", kp1.PeerID(), kp2.PeerID())
	}
}

func TestPeerIdOrderingAndDistance(t *testing.T) {
	var a, b PeerId
	a[0] = 0x01
	b[0] = 0x03 // differs in bit 6 (0-indexed from MSB) of byte 0

	if !a.Less(b) {
		t.Fatal("expected a < b under byte ordering")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected a == a")
	}

	dist := a.Distance(b)
	if dist.Sign() == 0 {
		t.Fatal("distance between distinct ids must be nonzero")
	}

	// a.Distance(a) must be zero.
	if a.Distance(a).Sign() != 0 {
		t.Fatal("distance to self must be zero")
	}
}

func TestSharedPrefixLen(t *testing.T) {
	var a, b PeerId
	if got := a.SharedPrefixLen(b); got != Size*8 {
		t.Fatalf("identical ids: SharedPrefixLen = %d, want %d", got, Size*8)
	}

	b[0] = 0x80 // flips the top bit of the first byte
	if got := a.SharedPrefixLen(b); got != 0 {
		t.Fatalf("SharedPrefixLen = %d, want 0", got)
	}

	var c, d PeerId
	c[0] = 0b00000000
	d[0] = 0b00000001 // differ only in the last bit of byte 0
	if got := c.SharedPrefixLen(d); got != 7 {
		t.Fatalf("SharedPrefixLen = %d, want 7", got)
	}
}
