package rtmp

import (
	"bytes"
	"crypto/rc4"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"
)

// seqReader is a deterministic, effectively infinite byte source so
// handshake key material differs between client and server without
// depending on crypto/rand in tests.
type seqReader struct{ seed byte }

func (r *seqReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.seed
		r.seed++
	}
	return len(p), nil
}

func runPipedHandshake(t *testing.T, clientOpts, serverOpts *HandshakeOptions) (*HandshakeSession, *HandshakeSession) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var clientSession, serverSession *HandshakeSession
	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)

	go func() {
		s, err := ClientHandshake(clientConn, clientOpts)
		clientSession = s
		clientErr <- err
	}()
	go func() {
		s, err := ServerHandshake(serverConn, serverOpts)
		serverSession = s
		serverErr <- err
	}()

	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case err := <-clientErr:
			if err != nil {
				t.Fatalf("client handshake failed: %v", err)
			}
		case err := <-serverErr:
			if err != nil {
				t.Fatalf("server handshake failed: %v", err)
			}
		case <-timeout:
			t.Fatal("handshake timed out")
		}
	}
	return clientSession, serverSession
}

// S1: validation type 0 (legacy, unknown version) plain round trip.
func TestHandshakeScenarioType0Plain(t *testing.T) {
	legacy := [4]byte{0, 0, 0, 0}
	client, server := runPipedHandshake(t,
		&HandshakeOptions{ClientVersion: &legacy, Rand: &seqReader{seed: 0x11}},
		&HandshakeOptions{Rand: &seqReader{seed: 0x55}},
	)
	if client.ValidationType() != validationType0 {
		t.Fatalf("client validation type = %d, want 0", client.ValidationType())
	}
	if server.ValidationType() != validationType0 {
		t.Fatalf("server validation type = %d, want 0", server.ValidationType())
	}
	if client.RTMPE() || server.RTMPE() {
		t.Fatal("plain handshake must not negotiate RTMPE")
	}
}

// S2: validation type 1, plain round trip.
func TestHandshakeScenarioType1Plain(t *testing.T) {
	client, server := runPipedHandshake(t,
		&HandshakeOptions{Rand: &seqReader{seed: 0x11}},
		&HandshakeOptions{Rand: &seqReader{seed: 0x55}},
	)
	if client.ValidationType() != validationType1 {
		t.Fatalf("client validation type = %d, want 1", client.ValidationType())
	}
	if server.ValidationType() != validationType1 {
		t.Fatalf("server validation type = %d, want 1", server.ValidationType())
	}
	if client.C2ValidationFailed() {
		t.Fatal("well-formed C2 must validate")
	}
}

// S3: validation type 2, RTMPE round trip with application data
// encrypted by the client and decrypted by the server (and back).
func TestHandshakeScenarioType2RTMPE(t *testing.T) {
	rtmpeVersion := [4]byte{0x80, 0x00, 0x03, 0x02}
	client, server := runPipedHandshake(t,
		&HandshakeOptions{RTMPE: true, ClientVersion: &rtmpeVersion, Rand: &seqReader{seed: 0x11}},
		&HandshakeOptions{Rand: &seqReader{seed: 0x55}},
	)
	if !client.RTMPE() || !server.RTMPE() {
		t.Fatal("expected RTMPE to be negotiated on both sides")
	}
	if client.ValidationType() != validationType2 {
		t.Fatalf("client validation type = %d, want 2", client.ValidationType())
	}

	plaintext := []byte("hello world")
	buf := append([]byte{}, plaintext...)
	client.CipherUpdateOut(buf)
	if bytes.Equal(buf, plaintext) {
		t.Fatal("ciphertext must differ from plaintext")
	}
	server.CipherUpdateIn(buf)
	if !bytes.Equal(buf, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", buf, plaintext)
	}

	// and the reverse direction
	reply := []byte("ack")
	rbuf := append([]byte{}, reply...)
	server.CipherUpdateOut(rbuf)
	client.CipherUpdateIn(rbuf)
	if !bytes.Equal(rbuf, reply) {
		t.Fatalf("reverse round trip mismatch: got %q, want %q", rbuf, reply)
	}
}

// firstWriteRewriter rewrites the very first Write call made through
// it (expected to be the single S0 byte) and passes every later Write
// through unchanged.
type firstWriteRewriter struct {
	net.Conn
	from, to byte
	done     bool
}

func (w *firstWriteRewriter) Write(p []byte) (int, error) {
	if !w.done && len(p) == 1 && p[0] == w.from {
		w.done = true
		return w.Conn.Write([]byte{w.to})
	}
	return w.Conn.Write(p)
}

// S4: client requests RTMPE but the peer's S0 marker says plain;
// the client must downgrade rather than fail.
func TestHandshakeScenarioRTMPEDowngrade(t *testing.T) {
	rtmpeVersion := [4]byte{0x80, 0x00, 0x03, 0x02}
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	rewritten := &firstWriteRewriter{Conn: serverConn, from: versionByteE, to: versionByte}

	var client *HandshakeSession
	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)

	go func() {
		s, err := ClientHandshake(clientConn, &HandshakeOptions{
			RTMPE: true, ClientVersion: &rtmpeVersion, Rand: &seqReader{seed: 0x11},
		})
		client = s
		clientErr <- err
	}()
	go func() {
		_, err := ServerHandshake(rewritten, &HandshakeOptions{Rand: &seqReader{seed: 0x55}})
		serverErr <- err
	}()

	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case err := <-clientErr:
			if err != nil {
				t.Fatalf("client handshake failed: %v", err)
			}
		case err := <-serverErr:
			if err != nil {
				t.Fatalf("server handshake failed: %v", err)
			}
		case <-timeout:
			t.Fatal("handshake timed out")
		}
	}

	if client.RTMPE() {
		t.Fatal("client must downgrade when peer's S0 marker is plain")
	}
	buf := []byte("unchanged")
	want := append([]byte{}, buf...)
	client.CipherUpdateOut(buf)
	if !bytes.Equal(buf, want) {
		t.Fatal("a downgraded session must not apply any cipher")
	}
}

// S5: the client initially assumes the wrong validation type (as can
// happen when a version number is ambiguous) and must fall back to
// the other nonzero type rather than rejecting a genuine peer.
func TestHandshakeScenarioValidationTypeFallback(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	cs := NewClientHandshakeSession(&HandshakeOptions{Rand: &seqReader{seed: 0x11}})

	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)

	go func() {
		c0, err := cs.EncodeC0()
		if err != nil {
			clientErr <- err
			return
		}
		if err := writeAll(clientConn, c0); err != nil {
			clientErr <- err
			return
		}
		c1, err := cs.EncodeC1()
		if err != nil {
			clientErr <- err
			return
		}
		if err := writeAll(clientConn, c1); err != nil {
			clientErr <- err
			return
		}

		// The real type was resolved from cs's own version (type 1).
		// Perturb it to simulate an ambiguous initial guess; decoding
		// the genuine peer data must recover by falling back.
		cs.validationType = validationType2

		if err := cs.DecodeServerAll(clientConn); err != nil {
			clientErr <- err
			return
		}
		if cs.ValidationType() != validationType1 {
			clientErr <- errBadFallback
			return
		}
		c2, err := cs.EncodeC2()
		if err != nil {
			clientErr <- err
			return
		}
		clientErr <- writeAll(clientConn, c2)
	}()

	go func() {
		_, err := ServerHandshake(serverConn, &HandshakeOptions{Rand: &seqReader{seed: 0x55}})
		serverErr <- err
	}()

	timeout := time.After(2 * time.Second)
	gotClient, gotServer := false, false
	for !gotClient || !gotServer {
		select {
		case err := <-clientErr:
			if err != nil {
				t.Fatalf("client fallback path failed: %v", err)
			}
			gotClient = true
		case err, ok := <-serverErr:
			if ok {
				if err != nil {
					t.Fatalf("server handshake failed: %v", err)
				}
				gotServer = true
			}
		case <-timeout:
			t.Fatal("handshake timed out")
		}
	}
}

var errBadFallback = errors.New("fallback did not converge on validation type 1")

// S6: SWF verification payload shape.
func TestHandshakeScenarioSWFVerification(t *testing.T) {
	swfHash := [32]byte{1, 2, 3, 4}
	client, _ := runPipedHandshake(t,
		&HandshakeOptions{SWFHash: &swfHash, SWFSize: 4096, Rand: &seqReader{seed: 0x11}},
		&HandshakeOptions{Rand: &seqReader{seed: 0x55}},
	)
	payload, ok := client.SWFVerification()
	if !ok {
		t.Fatal("expected a computed SWF verification payload")
	}
	if payload[0] != 0x01 || payload[1] != 0x01 {
		t.Fatalf("unexpected header bytes: %x %x", payload[0], payload[1])
	}
	if len(payload) != swfVerificationSize {
		t.Fatalf("payload length = %d, want %d", len(payload), swfVerificationSize)
	}
}

func TestFingerprintOffsetFormula(t *testing.T) {
	packet := make([]byte, handshakeSize)
	packet[8], packet[9], packet[10], packet[11] = 1, 2, 3, 4
	got := fingerprintOffset(packet, digestOffsetType1)
	want := ((1 + 2 + 3 + 4) % digestOffsetType1.m) + digestOffsetType1.c
	if got != want {
		t.Fatalf("fingerprintOffset = %d, want %d", got, want)
	}
}

func TestValidationTypeForVersion(t *testing.T) {
	cases := []struct {
		version [4]byte
		want    int
	}{
		{[4]byte{0x09, 0x00, 0x7C, 0x02}, validationType1},
		{[4]byte{0x80, 0x00, 0x03, 0x02}, validationType2},
		{[4]byte{0, 0, 0, 0}, validationType0},
	}
	for _, c := range cases {
		if got := validationTypeForVersion(c.version); got != c.want {
			t.Errorf("validationTypeForVersion(% x) = %d, want %d", c.version, got, c.want)
		}
	}
}

func TestDHSharedSecretAgreement(t *testing.T) {
	client, err := generateDHKeyPair(&seqReader{seed: 0x11})
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}
	server, err := generateDHKeyPair(&seqReader{seed: 0x55})
	if err != nil {
		t.Fatalf("server keypair: %v", err)
	}
	if len(client.public) != dhPublicKeySize || len(server.public) != dhPublicKeySize {
		t.Fatal("public keys must be normalized to the fixed size")
	}

	cs := client.sharedSecret(server.public[:])
	ss := server.sharedSecret(client.public[:])
	if !bytes.Equal(cs, ss) {
		t.Fatal("shared secrets disagree")
	}
}

func TestNormalizeDHPublicKeyPadding(t *testing.T) {
	var out [dhPublicKeySize]byte
	normalizeDHPublicKey(big.NewInt(5), out[:])
	for i := 0; i < dhPublicKeySize-1; i++ {
		if out[i] != 0 {
			t.Fatalf("expected left-padding with zeros, got %x at %d", out[i], i)
		}
	}
	if out[dhPublicKeySize-1] != 5 {
		t.Fatalf("low byte = %x, want 5", out[dhPublicKeySize-1])
	}
}

func TestRC4WarmUpAdvancesState(t *testing.T) {
	secret := []byte{0xAA, 0xBB, 0xCC}
	own := bytes.Repeat([]byte{0x01}, dhPublicKeySize)
	peer := bytes.Repeat([]byte{0x02}, dhPublicKeySize)

	warmed, _, err := deriveCipherPair(own, peer, secret)
	if err != nil {
		t.Fatalf("deriveCipherPair: %v", err)
	}

	outKey := hmacSHA256(secret, peer)[:rc4KeySize]
	fresh, err := rc4.NewCipher(outKey)
	if err != nil {
		t.Fatalf("rc4.NewCipher: %v", err)
	}

	msg := []byte("after warmup the stream stays in sync")
	warmedBuf := append([]byte{}, msg...)
	warmed.XORKeyStream(warmedBuf, warmedBuf)
	freshBuf := append([]byte{}, msg...)
	fresh.XORKeyStream(freshBuf, freshBuf)

	if bytes.Equal(warmedBuf, freshBuf) {
		t.Fatal("warmed-up cipher must not produce the same keystream prefix as an unwarmed one")
	}

	// but discarding exactly handshakeSize bytes of keystream from a
	// fresh cipher must land it in the same state as the warmed one.
	fresh2, _ := rc4.NewCipher(outKey)
	scratch := make([]byte, handshakeSize)
	fresh2.XORKeyStream(scratch, scratch)
	freshBuf2 := append([]byte{}, msg...)
	fresh2.XORKeyStream(freshBuf2, freshBuf2)
	if !bytes.Equal(warmedBuf, freshBuf2) {
		t.Fatal("warm-up must discard exactly handshakeSize bytes of keystream")
	}
}

func TestHandshakeMisuseOrdering(t *testing.T) {
	cs := NewClientHandshakeSession(nil)
	if _, err := cs.EncodeC1(); err != ErrMisuse {
		t.Fatalf("EncodeC1 before EncodeC0: err = %v, want ErrMisuse", err)
	}

	ss := NewServerHandshakeSession(nil)
	if _, err := ss.EncodeS0(); err != ErrMisuse {
		t.Fatalf("EncodeS0 before decoding C0/C1: err = %v, want ErrMisuse", err)
	}
}
