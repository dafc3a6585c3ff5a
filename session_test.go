package supersocket

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestPlaintextEcho(t *testing.T) {
	sc, cc := tcpPair(t)
	srvWire := &recordingConn{Conn: sc}
	cliWire := &recordingConn{Conn: cc}
	srv, cli := sessionPair(t, srvWire, cliWire, &Config{}, fastClient())

	if len(srvWire.Bytes()) != 0 || len(cliWire.Bytes()) != 0 {
		t.Fatal("handshake bytes on the wire with encryption disabled")
	}
	if srv.State() != Unencrypted || cli.State() != Unencrypted {
		t.Fatalf("states = %v/%v, want unencrypted", srv.State(), cli.State())
	}

	mustSend(t, srv, "Can you hear me?")
	mustRecv(t, cli, "Can you hear me?")
	mustSend(t, cli, "Loud and clear!")
	mustRecv(t, srv, "Loud and clear!")

	if !bytes.Equal(srvWire.Bytes(), EncodeFrame([]byte("Can you hear me?"))) {
		t.Fatalf("server wire = %q", srvWire.Bytes())
	}
}

func TestEncryptedEcho(t *testing.T) {
	sc, cc := tcpPair(t)
	srvWire := &recordingConn{Conn: sc}
	srv, cli := sessionPair(t, srvWire, cc, &Config{Encrypt: true}, &Config{})

	if srv.State() != Symmetric || cli.State() != Symmetric {
		t.Fatalf("states = %v/%v, want symmetric", srv.State(), cli.State())
	}
	if !bytes.Equal(srv.key, cli.key) {
		t.Fatal("peers hold different session keys")
	}
	if srv.KeyFingerprint() == "" || srv.KeyFingerprint() != cli.KeyFingerprint() {
		t.Fatalf("fingerprints %q/%q", srv.KeyFingerprint(), cli.KeyFingerprint())
	}

	handshakeLen := len(srvWire.Bytes())
	mustSend(t, srv, "Can you hear me?")
	mustRecv(t, cli, "Can you hear me?")
	mustSend(t, cli, "Loud and clear!")
	mustRecv(t, srv, "Loud and clear!")

	frame := srvWire.Bytes()[handshakeLen:]
	if binary.BigEndian.Uint32(frame)&controlBit != 0 {
		t.Fatal("payload frame carries the control bit")
	}
	if bytes.Contains(frame, []byte("Can you hear me?")) {
		t.Fatal("plaintext visible on the wire")
	}
}

func TestEncryptedSuites(t *testing.T) {
	for _, kx := range []string{KeyExchangeX25519, KeyExchangeP256} {
		for _, cipher := range []string{CipherXChaCha20Poly1305, CipherSecretbox} {
			t.Run(kx+"/"+cipher, func(t *testing.T) {
				sc, cc := tcpPair(t)
				cfg := &Config{Encrypt: true, KeyExchange: kx, Cipher: cipher}
				srv, cli := sessionPair(t, sc, cc, cfg, &Config{KeyExchange: kx, Cipher: cipher})

				mustSend(t, cli, "ping")
				mustRecv(t, srv, "ping")
				mustSend(t, srv, "pong")
				mustRecv(t, cli, "pong")
			})
		}
	}
}

func TestStaticServerKey(t *testing.T) {
	kx, _ := KeyExchangeByName(KeyExchangeP256)
	kp, err := kx.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	text, err := kx.MarshalPrivateKey(kp)
	if err != nil {
		t.Fatal(err)
	}

	sc, cc := tcpPair(t)
	srv, cli := sessionPair(t, sc, cc,
		&Config{Encrypt: true, KeyExchange: KeyExchangeP256, PrivateKey: text},
		&Config{KeyExchange: KeyExchangeP256})

	if got, want := cli.KeyFingerprint(), Fingerprint(kp.Public); got != want {
		t.Fatalf("client fingerprint = %s, want %s", got, want)
	}
	mustSend(t, srv, "static")
	mustRecv(t, cli, "static")
}

func TestPreSharedKey(t *testing.T) {
	sc, cc := tcpPair(t)
	srvWire := &recordingConn{Conn: sc}
	cfg := &Config{PreSharedKey: "correct horse battery staple"}
	srv, cli := sessionPair(t, srvWire, cc, cfg, &Config{PreSharedKey: cfg.PreSharedKey})

	if len(srvWire.Bytes()) != 0 {
		t.Fatal("pre-shared key session exchanged handshake bytes")
	}
	if srv.State() != Symmetric || cli.State() != Symmetric {
		t.Fatal("pre-shared key session is not encrypted")
	}
	mustSend(t, cli, "hello")
	mustRecv(t, srv, "hello")
	if bytes.Contains(srvWire.Bytes(), []byte("hello")) {
		t.Fatal("plaintext visible on the wire")
	}
}

func TestChunkedDelivery(t *testing.T) {
	sc, cc := tcpPair(t)
	srv, cli := sessionPair(t, trickleConn{sc}, trickleConn{cc}, &Config{Encrypt: true}, &Config{})

	payload := bytes.Repeat([]byte("0123456789"), 300)
	if err := srv.Send(payload); err != nil {
		t.Fatal(err)
	}
	got, err := cli.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload delivered a byte at a time differs")
	}
}

func TestRecvTimeoutKeepsSession(t *testing.T) {
	sc, cc := tcpPair(t)
	cfg := fastClient()
	cfg.Timeout = 100 * time.Millisecond
	srv, cli := sessionPair(t, sc, cc, &Config{}, cfg)

	_, err := cli.Recv()
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if IsClosed(err) {
		t.Fatalf("timeout reported as closed: %v", err)
	}

	mustSend(t, srv, "late")
	mustRecv(t, cli, "late")
}

func TestRecvPeerClosedMidMessage(t *testing.T) {
	sc, cc := tcpPair(t)
	cli, err := NewClientSession(cc, fastClient())
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	sc.Write(prefix[:])
	sc.Write(make([]byte, 10))
	sc.Close()

	got, err := cli.Recv()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
	if got != nil {
		t.Fatalf("truncated payload returned: %d bytes", len(got))
	}
}

func TestRecvMessageTooLargeClosesSession(t *testing.T) {
	sc, cc := tcpPair(t)
	cfg := fastClient()
	cfg.MaxMessageSize = 1024
	cli, err := NewClientSession(cc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 1<<20)
	sc.Write(prefix[:])

	if _, err := cli.Recv(); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if err := cli.Send([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after fatal error = %v, want ErrSessionClosed", err)
	}
}

func TestSendMessageTooLarge(t *testing.T) {
	sc, cc := tcpPair(t)
	srv, _ := sessionPair(t, sc, cc, &Config{MaxMessageSize: 64}, fastClient())

	err := srv.Send(make([]byte, 65))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if err := srv.Send(make([]byte, 64)); err != nil {
		t.Fatalf("send at the limit: %v", err)
	}
}

func TestDecryptionFailureKeepsSession(t *testing.T) {
	sc, cc := tcpPair(t)
	srv, cli := sessionPair(t, sc, cc, &Config{Encrypt: true}, &Config{})

	if _, err := srv.t.WriteAll(EncodeFrame(bytes.Repeat([]byte{0xAA}, 64))); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.Recv(); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}

	mustSend(t, srv, "still here")
	mustRecv(t, cli, "still here")
}

func TestWrongPreSharedKey(t *testing.T) {
	sc, cc := tcpPair(t)
	srv, cli := sessionPair(t, sc, cc, &Config{PreSharedKey: "one"}, &Config{PreSharedKey: "two"})

	mustSend(t, srv, "secret")
	got, err := cli.Recv()
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
	if got != nil {
		t.Fatal("wrong key returned data")
	}
}

func TestSendResumesAfterWriteTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	srv, err := NewServerSession(a, &Config{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	first := bytes.Repeat([]byte{'x'}, 100)
	go b.Read(make([]byte, 10))

	if err := srv.Send(first); !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(EncodeFrame(first))-10+len(EncodeFrame([]byte("next"))))
		n, _ := io.ReadFull(b, buf)
		received <- buf[:n]
	}()

	if err := srv.Send([]byte("next")); err != nil {
		t.Fatalf("send after timeout: %v", err)
	}
	want := append(EncodeFrame(first)[10:], EncodeFrame([]byte("next"))...)
	if got := <-received; !bytes.Equal(got, want) {
		t.Fatalf("stream after timeout = %q, want %q", got, want)
	}
}

func TestSendValueRecvValue(t *testing.T) {
	sc, cc := tcpPair(t)
	srv, cli := sessionPair(t, sc, cc, &Config{Encrypt: true}, &Config{})

	type reading struct {
		Sensor string  `json:"sensor"`
		Value  float64 `json:"value"`
	}
	if err := srv.SendValue(reading{"temp", 21.5}); err != nil {
		t.Fatal(err)
	}
	var got reading
	if err := cli.RecvValue(&got); err != nil {
		t.Fatal(err)
	}
	if got != (reading{"temp", 21.5}) {
		t.Fatalf("got %+v", got)
	}
}

func TestValueErrorsAreOpErrors(t *testing.T) {
	sc, cc := tcpPair(t)
	srv, cli := sessionPair(t, sc, cc, &Config{Encrypt: true}, &Config{})

	var opErr *OpError
	if err := srv.SendValue(make(chan int)); !errors.As(err, &opErr) || opErr.Op != "send" {
		t.Fatalf("SendValue err = %v, want a send OpError", err)
	}

	mustSend(t, srv, "not json")
	var v struct{}
	err := cli.RecvValue(&v)
	if !errors.As(err, &opErr) || opErr.Op != "recv" {
		t.Fatalf("RecvValue err = %v, want a recv OpError", err)
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("RecvValue err = %v, want it to wrap the JSON error", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sc, cc := tcpPair(t)
	srv, _ := sessionPair(t, sc, cc, &Config{}, fastClient())

	first := srv.Close()
	for i := 0; i < 3; i++ {
		if err := srv.Close(); err != first {
			t.Fatalf("close #%d = %v, want %v", i+2, err, first)
		}
	}
	if _, err := srv.Recv(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("recv after close = %v", err)
	}
}

func TestEarlyDataWithoutHandshake(t *testing.T) {
	sc, cc := tcpPair(t)
	sc.Write(EncodeFrame([]byte("first")))
	sc.Write(EncodeFrame([]byte("second")))

	cli, err := NewClientSession(cc, &Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	if cli.State() != Unencrypted {
		t.Fatal("data frame started a key exchange")
	}
	mustRecv(t, cli, "first")
	mustRecv(t, cli, "second")
}

func TestClientRejectsMalformedPublicKey(t *testing.T) {
	sc, cc := tcpPair(t)
	sc.Write(appendFrame(nil, []byte("short"), true))

	_, err := NewClientSession(cc, &Config{})
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
	if _, werr := cc.Write([]byte("x")); werr == nil {
		t.Fatal("connection left open after handshake failure")
	}
}

func TestClientRejectsOversizedPublicKey(t *testing.T) {
	sc, cc := tcpPair(t)
	go sc.Write(appendFrame(nil, make([]byte, maxHandshakeFrame+1), true))

	_, err := NewClientSession(cc, &Config{})
	if !errors.Is(err, ErrHandshakeFailed) || !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrHandshakeFailed wrapping ErrMessageTooLarge", err)
	}
}

func TestSmallMessageLimitStillNegotiates(t *testing.T) {
	for _, kx := range []string{KeyExchangeX25519, KeyExchangeP256} {
		t.Run(kx, func(t *testing.T) {
			sc, cc := tcpPair(t)
			srv, cli := sessionPair(t, sc, cc,
				&Config{Encrypt: true, KeyExchange: kx},
				&Config{KeyExchange: kx, MaxMessageSize: 16})

			if srv.State() != Symmetric || cli.State() != Symmetric {
				t.Fatalf("states = %s/%s", srv.State(), cli.State())
			}
			if cli.KeyFingerprint() != srv.KeyFingerprint() {
				t.Fatal("fingerprints differ")
			}
			// The data limit still applies once the session is up.
			if err := cli.Send([]byte("hi")); !errors.Is(err, ErrMessageTooLarge) {
				t.Fatalf("send err = %v, want ErrMessageTooLarge", err)
			}
		})
	}
}

func TestClientRejectsOversizedFirstDataFrame(t *testing.T) {
	for _, size := range []int{100, maxHandshakeFrame + 100} {
		sc, cc := tcpPair(t)
		go sc.Write(EncodeFrame(make([]byte, size)))

		_, err := NewClientSession(cc, &Config{MaxMessageSize: 16})
		if !errors.Is(err, ErrMessageTooLarge) {
			t.Fatalf("size %d: err = %v, want ErrMessageTooLarge", size, err)
		}
	}
}

func TestServerRejectsMalformedSecretBlob(t *testing.T) {
	sc, cc := tcpPair(t)
	go func() {
		r := newFrameReader(newTransport(cc, time.Second))
		if _, _, err := r.next(maxHandshakeFrame); err != nil {
			return
		}
		cc.Write(appendFrame(nil, bytes.Repeat([]byte{1}, 80), true))
	}()

	_, err := NewServerSession(sc, &Config{Encrypt: true})
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
}

func TestServerRejectsDataDuringHandshake(t *testing.T) {
	sc, cc := tcpPair(t)
	go cc.Write(EncodeFrame([]byte("too eager")))

	_, err := NewServerSession(sc, &Config{Encrypt: true})
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
	if !strings.Contains(err.Error(), errUnexpectedDataFrame.Error()) {
		t.Fatalf("err = %v", err)
	}
}

func TestControlFrameAfterHandshake(t *testing.T) {
	sc, cc := tcpPair(t)
	srv, cli := sessionPair(t, sc, cc, &Config{}, fastClient())

	if _, err := srv.t.WriteAll(appendFrame(nil, []byte("late key"), true)); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.Recv(); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
}
