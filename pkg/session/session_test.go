package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

func handshakePair(t *testing.T) (client, server *Session) {
	t.Helper()
	a, b := net.Pipe()

	clientKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}
	serverKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}

	var wg sync.WaitGroup
	var clientSess, serverSess *Session
	var clientErr, serverErr error
	wg.Add(2)

	go func() {
		defer wg.Done()
		clientSess, clientErr = Handshake(context.Background(), a, clientKP, serverKP.PeerID(), true)
	}()
	go func() {
		defer wg.Done()
		serverSess, serverErr = Handshake(context.Background(), b, serverKP, identity.PeerId{}, false)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("client handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
	return clientSess, serverSess
}

func TestHandshakeEstablishesMatchingPeerIdentities(t *testing.T) {
	client, server := handshakePair(t)
	if client.RemotePeer != server.LocalPeer {
		t.Fatalf("client's view of remote %s does not match server's local %s", client.RemotePeer, server.LocalPeer)
	}
	if server.RemotePeer != client.LocalPeer {
		t.Fatalf("server's view of remote %s does not match client's local %s", server.RemotePeer, client.LocalPeer)
	}
}

func TestHandshakeExposesVerifiedRemotePublicKey(t *testing.T) {
	client, server := handshakePair(t)
	if !identity.VerifyPeerID(client.RemotePeer, client.RemotePub) {
		t.Fatal("client's RemotePub does not hash to its RemotePeer")
	}
	if !identity.VerifyPeerID(server.RemotePeer, server.RemotePub) {
		t.Fatal("server's RemotePub does not hash to its RemotePeer")
	}
}

func TestHandshakeRejectsIdentityMismatch(t *testing.T) {
	a, b := net.Pipe()
	clientKP, _ := identity.Generate()
	serverKP, _ := identity.Generate()
	wrongExpected, _ := identity.Generate()

	// The server's handshake goroutine would otherwise block forever reading
	// msg3, since the client aborts before sending it; bound it with a short
	// deadline rather than relying on the 10s default HandshakeTimeout.
	serverCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var clientErr, serverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, clientErr = Handshake(context.Background(), a, clientKP, wrongExpected.PeerID(), true)
	}()
	go func() {
		defer wg.Done()
		_, serverErr = Handshake(serverCtx, b, serverKP, identity.PeerId{}, false)
	}()
	wg.Wait()

	if !errors.Is(clientErr, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", clientErr)
	}
	_ = serverErr // server observes an I/O error once the client aborts; not asserted here
}

func TestSendDataRoundTrip(t *testing.T) {
	client, server := handshakePair(t)

	msg := []byte("hello dchat")
	if err := client.SendData(msg); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	typ, got, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if typ != TypeData {
		t.Fatalf("expected TypeData, got %s", typ)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("plaintext mismatch: got %q want %q", got, msg)
	}
}

func TestRecvRejectsNonceReuse(t *testing.T) {
	client, server := handshakePair(t)

	if err := client.SendData([]byte("one")); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if _, _, err := server.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}

	// Replay the exact same nonce/ciphertext by resetting the client's
	// send counter, simulating an attacker (or bug) resending a frame.
	client.mu.Lock()
	client.sendNonce = 0
	client.mu.Unlock()
	if err := client.SendData([]byte("two")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	_, _, err := server.Recv()
	if !errors.Is(err, ErrReplayOrReorder) {
		t.Fatalf("expected ErrReplayOrReorder, got %v", err)
	}
	if !server.Closed() {
		t.Fatal("session should be poisoned after a nonce violation")
	}
}

// TestRekeyResetsCountersAndContinuesTraffic drives enough SendData calls to
// cross RekeyInterval and confirms the session keeps working afterward. Both
// sides run a small dispatch loop mirroring what a real read-loop caller
// must do: route TypeRekey to HandleRekey and TypeRekeyAck to HandleRekeyAck.
func TestRekeyResetsCountersAndContinuesTraffic(t *testing.T) {
	client, server := handshakePair(t)

	serverDone := make(chan error, 1)
	go func() {
		for {
			typ, payload, err := server.Recv()
			if err != nil {
				serverDone <- err
				return
			}
			switch typ {
			case TypeRekey:
				if err := server.HandleRekey(payload); err != nil {
					serverDone <- err
					return
				}
			case TypeData:
				if string(payload) == "after-rekey" {
					serverDone <- nil
					return
				}
			}
		}
	}()

	clientLoopErr := make(chan error, 1)
	go func() {
		for {
			typ, payload, err := client.Recv()
			if err != nil {
				clientLoopErr <- err
				return
			}
			if typ == TypeRekeyAck {
				client.HandleRekeyAck(payload)
			}
		}
	}()

	// Drive messagesSinceKey to the rekey threshold. The call that crosses
	// the threshold blocks inside Rekey() until the client-side loop above
	// observes the server's RekeyAck, so it must run off the test goroutine.
	sendErrs := make(chan error, RekeyInterval+1)
	go func() {
		for i := uint64(0); i < RekeyInterval; i++ {
			sendErrs <- client.SendData([]byte("filler"))
		}
		sendErrs <- client.SendData([]byte("after-rekey"))
	}()

	for i := 0; i < int(RekeyInterval)+1; i++ {
		select {
		case err := <-sendErrs:
			if err != nil {
				t.Fatalf("SendData %d: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for SendData %d", i)
		}
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server loop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-rekey message")
	}

	if client.MessagesSinceRekey() != 1 {
		t.Fatalf("expected counter at 1 after rekey + one more send, got %d", client.MessagesSinceRekey())
	}
}

func TestDeliveryReceiptSignAndVerify(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var msgID [32]byte
	copy(msgID[:], []byte("0123456789abcdef0123456789abcde"))

	receipt := SignDeliveryReceipt(kp, msgID, 1735689600000)
	if err := VerifyDeliveryReceipt(receipt, kp.Public); err != nil {
		t.Fatalf("VerifyDeliveryReceipt: %v", err)
	}

	tampered := receipt
	tampered.ReceivedAt++
	if err := VerifyDeliveryReceipt(tampered, kp.Public); err == nil {
		t.Fatal("expected verification failure after tampering with timestamp")
	}
}
