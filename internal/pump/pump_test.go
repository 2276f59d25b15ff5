package pump

import (
	"bytes"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/resinat/tunnelcore/internal/wireerr"
)

func TestPullReturnsBufferedBytes(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		_, _ = remote.Write([]byte("GET / HTTP/1.1\r\n"))
	}()

	got := Pull(local, 200*time.Millisecond)
	if got.Err != nil {
		t.Fatalf("unexpected err: %v", got.Err)
	}
	if string(got.Data) != "GET / HTTP/1.1\r\n" {
		t.Fatalf("got %q", got.Data)
	}
}

func TestPullTimesOutToEmpty(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	got := Pull(local, 10*time.Millisecond)
	if got.Err != nil {
		t.Fatalf("unexpected err: %v", got.Err)
	}
	if len(got.Data) != 0 {
		t.Fatalf("expected no early data, got %d bytes", len(got.Data))
	}
}

func TestRunRoundTripBothDirections(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	serverLocal, serverRemote := net.Pipe()

	fc := New("conn-1", clientLocal)

	done := make(chan Result, 1)
	go func() {
		done <- fc.Run(serverLocal, EarlyPull{})
	}()

	var fromServer, fromClient []byte
	readDone := make(chan struct{}, 2)

	go func() {
		fromServer, _ = io.ReadAll(clientRemote)
		readDone <- struct{}{}
	}()
	go func() {
		fromClient, _ = io.ReadAll(serverRemote)
		readDone <- struct{}{}
	}()

	if _, err := clientRemote.Write([]byte("hello-upstream")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := serverRemote.Write([]byte("hello-client")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Half-close both peer ends so the pump's reads observe a clean EOF
	// and the full-duplex loop terminates.
	clientRemote.Close()
	serverRemote.Close()

	<-readDone
	<-readDone

	res := <-done
	if res.Terminal != nil {
		t.Fatalf("expected ok terminal, got %v", res.Terminal)
	}
	if string(fromClient) != "hello-upstream" {
		t.Fatalf("server side got %q", fromClient)
	}
	if string(fromServer) != "hello-client" {
		t.Fatalf("client side got %q", fromServer)
	}
}

func TestRunDeliversEarlyPullBeforeLaterReads(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	serverLocal, serverRemote := net.Pipe()

	fc := New("conn-2", clientLocal)
	early := EarlyPull{Data: []byte("EARLY:")}

	done := make(chan Result, 1)
	go func() {
		done <- fc.Run(serverLocal, early)
	}()

	received := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(serverRemote)
		received <- b
	}()

	if _, err := clientRemote.Write([]byte("LATER")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Close only the client end: the pump's EOF on the client side closes
	// the upstream, which ends ReadAll after every forwarded byte.
	clientRemote.Close()

	got := <-received
	serverRemote.Close()
	<-done

	if string(got) != "EARLY:LATER" {
		t.Fatalf("expected early bytes first, got %q", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	serverLocal, serverRemote := net.Pipe()
	defer clientRemote.Close()
	defer serverRemote.Close()

	fc := New("conn-3", clientLocal)
	fc.server = serverLocal

	fc.Cancel()
	fc.Cancel()

	if !fc.Canceled() {
		t.Fatalf("expected Canceled() true after Cancel")
	}

	// Closing an already-closed net.Pipe conn again must not panic; the
	// per-side sync.Once already guarantees this, exercised here directly.
	fc.disconnect(DirClient)
	fc.disconnect(DirServer)
}

type partialWriter struct {
	chunks [][]byte
	max    int
}

func (w *partialWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.max > 0 && n > w.max {
		n = w.max
	}
	cp := make([]byte, n)
	copy(cp, p[:n])
	w.chunks = append(w.chunks, cp)
	return n, nil
}

func TestWriteAllReissuesPartialWrites(t *testing.T) {
	w := &partialWriter{max: 4}
	data := []byte("0123456789")

	total, err := writeAll(w, data)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if total != int64(len(data)) {
		t.Fatalf("expected %d total bytes written, got %d", len(data), total)
	}

	var reassembled []byte
	for _, c := range w.chunks {
		reassembled = append(reassembled, c...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatalf("reassembled %q != original %q", reassembled, data)
	}
	if len(w.chunks) < 2 {
		t.Fatalf("expected write to be reissued across multiple chunks, got %d", len(w.chunks))
	}
}

type erroringWriter struct {
	err error
}

func (w *erroringWriter) Write(p []byte) (int, error) {
	return 0, w.err
}

func TestWriteAllPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := writeAll(&erroringWriter{err: wantErr}, []byte("x"))
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}
}

func TestReconcileTerminalPrefersClientError(t *testing.T) {
	clientErr := errors.New("connection reset by peer")
	serverErr := io.EOF

	got := reconcileTerminal(clientErr, serverErr)
	if got == nil {
		t.Fatalf("expected non-nil terminal for a non-benign client error")
	}
	if got.Code == wireerr.ConnectionClosed {
		t.Fatalf("client error should take precedence over a benign server EOF")
	}
}

func TestReconcileTerminalOkOnCleanClose(t *testing.T) {
	if got := reconcileTerminal(io.EOF, io.EOF); got != nil {
		t.Fatalf("expected ok terminal on clean double-EOF, got %v", got)
	}
	if got := reconcileTerminal(net.ErrClosed, nil); got != nil {
		t.Fatalf("expected ok terminal on net.ErrClosed, got %v", got)
	}
}

func TestRetryNoBufferSpaceSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	n, err := retryNoBufferSpace(func() (int, error) {
		calls++
		if calls < 3 {
			return 0, syscall.ENOBUFS
		}
		return 5, nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected n=5, got %d", n)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryNoBufferSpaceExhaustsToQUICProtocolError(t *testing.T) {
	calls := 0
	_, err := retryNoBufferSpace(func() (int, error) {
		calls++
		return 0, syscall.ENOBUFS
	})
	if calls != noBufferSpaceMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", noBufferSpaceMaxAttempts, calls)
	}
	var we *wireerr.WireError
	if !errors.As(err, &we) {
		t.Fatalf("expected a *wireerr.WireError, got %v", err)
	}
	if we.Code != wireerr.QUICProtocolError {
		t.Fatalf("expected quic_protocol_error, got %s", we.Code)
	}
}

func TestRetryNoBufferSpacePassesThroughOtherErrors(t *testing.T) {
	wantErr := errors.New("boom")
	calls := 0
	_, err := retryNoBufferSpace(func() (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr passthrough, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single attempt for a non-retryable error, got %d", calls)
	}
}
