package noise

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/betanet/crypto"
)

func randomKey(t *testing.T) [32]byte {
	t.Helper()
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return k
}

func runHandshake(t *testing.T, authorize PeerAuthorizer) (*Transport, *Transport, [32]byte, [32]byte) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientPriv := randomKey(t)
	serverPriv := randomKey(t)
	serverPub := derivePub(t, serverPriv)

	type initResult struct {
		tr  *Transport
		err error
	}
	clientDone := make(chan initResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tr, err := Initiate(ctx, clientConn, clientPriv, serverPub)
		clientDone <- initResult{tr, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	serverTr, err := Respond(ctx, serverConn, serverPriv, authorize)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	res := <-clientDone
	if res.err != nil {
		t.Fatalf("Initiate: %v", res.err)
	}

	return res.tr, serverTr, clientPriv, serverPriv
}

func derivePub(t *testing.T, priv [32]byte) [32]byte {
	t.Helper()
	kp, err := crypto.FromSecretKey(priv)
	if err != nil {
		t.Fatalf("FromSecretKey: %v", err)
	}
	return kp.Public
}

func TestHandshakeRoundTrip(t *testing.T) {
	clientTr, serverTr, _, _ := runHandshake(t, AnyPeer())

	plaintext := []byte("hello across the wire")
	ct, err := clientTr.Encrypt(nil, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := serverTr.Decrypt(nil, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestHandshakeBidirectional(t *testing.T) {
	clientTr, serverTr, _, _ := runHandshake(t, AnyPeer())

	fromClient := []byte("client says hi")
	ct1, err := clientTr.Encrypt(nil, fromClient)
	if err != nil {
		t.Fatalf("client Encrypt: %v", err)
	}
	pt1, err := serverTr.Decrypt(nil, ct1)
	if err != nil {
		t.Fatalf("server Decrypt: %v", err)
	}
	if string(pt1) != string(fromClient) {
		t.Fatalf("client->server mismatch: got %q", pt1)
	}

	fromServer := []byte("server says hi back")
	ct2, err := serverTr.Encrypt(nil, fromServer)
	if err != nil {
		t.Fatalf("server Encrypt: %v", err)
	}
	pt2, err := clientTr.Decrypt(nil, ct2)
	if err != nil {
		t.Fatalf("client Decrypt: %v", err)
	}
	if string(pt2) != string(fromServer) {
		t.Fatalf("server->client mismatch: got %q", pt2)
	}
}

func TestRespondLearnsInitiatorStaticKey(t *testing.T) {
	_, serverTr, clientPriv, _ := runHandshake(t, AnyPeer())

	clientPub := derivePub(t, clientPriv)
	if serverTr.RemoteStatic != clientPub {
		t.Fatalf("responder learned wrong initiator static key: got %x want %x", serverTr.RemoteStatic, clientPub)
	}
}

func TestExpectedPeerRejectsUnknownInitiator(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientPriv := randomKey(t)
	serverPriv := randomKey(t)
	serverPub := derivePub(t, serverPriv)
	wrongExpected := randomKey(t) // does not match clientPriv's public key

	clientDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := Initiate(ctx, clientConn, clientPriv, serverPub)
		clientDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Respond(ctx, serverConn, serverPriv, ExpectedPeer(wrongExpected))
	<-clientDone

	if err == nil {
		t.Fatal("expected Respond to reject unauthorized peer")
	}
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("expected *HandshakeError, got %T", err)
	}
	if hsErr.Reason != ReasonPeerNotAuthorized {
		t.Fatalf("expected ReasonPeerNotAuthorized, got %v", hsErr.Reason)
	}
}

func TestInitiateFailsOnWrongResponderKey(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientPriv := randomKey(t)
	serverPriv := randomKey(t)
	wrongServerPub := randomKey(t) // client believes the wrong responder key

	serverDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := Respond(ctx, serverConn, serverPriv, AnyPeer())
		serverDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Initiate(ctx, clientConn, clientPriv, wrongServerPub)
	<-serverDone

	if err == nil {
		t.Fatal("expected Initiate to fail against a mismatched responder key")
	}
}

func TestRespondTimesOutWithoutPeer(t *testing.T) {
	_, serverConn := net.Pipe()
	defer serverConn.Close()

	serverPriv := randomKey(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Respond(ctx, serverConn, serverPriv, AnyPeer())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.Reason != ReasonTimeout {
		t.Fatalf("expected ReasonTimeout, got %v", err)
	}
}

func TestWriteFramedRejectsOversizeMessage(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx := context.Background()
	err := writeFramed(ctx, clientConn, make([]byte, MaxHandshakeMessage+1))
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.Reason != ReasonOversize {
		t.Fatalf("expected ReasonOversize, got %v", err)
	}
}

func TestHandshakeFailReasonString(t *testing.T) {
	cases := map[HandshakeFailReason]string{
		ReasonTruncated:         "truncated",
		ReasonOversize:          "oversize",
		ReasonBadMAC:            "bad_mac",
		ReasonPeerNotAuthorized: "peer_not_authorized",
		ReasonTimeout:           "timeout",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("HandshakeFailReason(%d).String() = %q, want %q", reason, got, want)
		}
	}
}
