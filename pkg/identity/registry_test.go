package identity

import (
	"crypto/ed25519"
	"testing"
)

func TestRegistryPutGet(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	r.Put(kp.Public)

	pub, ok := r.Get(kp.PeerID())
	if !ok {
		t.Fatal("expected Get to find the registered key")
	}
	if !pub.Equal(kp.Public) {
		t.Error("returned key does not match registered key")
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	unknown, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(unknown.PeerID()); ok {
		t.Error("expected Get to report unknown peer as missing")
	}
}

func TestRegistryResolvePublicKeyMatchesKeyResolver(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	r.Put(kp.Public)

	var resolve func(PeerId) (ed25519.PublicKey, bool) = r.ResolvePublicKey
	pub, ok := resolve(kp.PeerID())
	if !ok || !pub.Equal(kp.Public) {
		t.Error("ResolvePublicKey did not behave like Get")
	}
}
