package connection

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/amberkv/amberkv/pkg/resp"
	"github.com/amberkv/amberkv/pkg/storage"
	"github.com/amberkv/amberkv/pkg/sync"
)

// loopbackRaft echoes proposed payloads back as committed, in order,
// standing in for a real Raft cluster in connection-level tests.
type loopbackRaft struct {
	propose   chan []byte
	committed chan []byte
	failed    chan []byte
}

func newLoopbackRaft() *loopbackRaft {
	l := &loopbackRaft{
		propose:   make(chan []byte, 100),
		committed: make(chan []byte, 100),
		failed:    make(chan []byte, 100),
	}
	go func() {
		for p := range l.propose {
			l.committed <- p
		}
	}()
	return l
}

func (l *loopbackRaft) ProposeIn() chan<- []byte      { return l.propose }
func (l *loopbackRaft) CommittedOut() <-chan []byte   { return l.committed }
func (l *loopbackRaft) ProposalFailed() <-chan []byte { return l.failed }

func newTestPair(t *testing.T) (client *bufio.ReadWriter, closeFn func()) {
	t.Helper()
	store, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	syncLayer := sync.New(newLoopbackRaft(), store)

	serverConn, clientConn := net.Pipe()
	conn := New(serverConn, store, syncLayer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go conn.Serve(ctx)

	rw := bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	return rw, func() {
		cancel()
		syncLayer.Close()
		_ = store.Close()
		_ = clientConn.Close()
	}
}

func send(t *testing.T, rw *bufio.ReadWriter, parts ...string) {
	t.Helper()
	vs := make([]resp.Value, len(parts))
	for i, p := range parts {
		vs[i] = resp.BulkString([]byte(p))
	}
	if err := resp.Encode(rw, resp.Array(vs)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func expect(t *testing.T, rw *bufio.ReadWriter) resp.Value {
	t.Helper()
	done := make(chan struct{})
	var v resp.Value
	var err error
	go func() {
		v, err = resp.Decode(rw.Reader)
		close(done)
	}()
	select {
	case <-done:
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reply")
		return resp.Value{}
	}
}

func TestPingPong(t *testing.T) {
	rw, closeFn := newTestPair(t)
	defer closeFn()

	send(t, rw, "PING")
	got := expect(t, rw)
	if got.Kind != resp.KindSimpleString || got.Str != "PONG" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestSetThenGetRoundTrip(t *testing.T) {
	rw, closeFn := newTestPair(t)
	defer closeFn()

	send(t, rw, "SET", "foo", "bar")
	got := expect(t, rw)
	if got.Kind != resp.KindSimpleString || got.Str != "OK" {
		t.Fatalf("unexpected SET reply: %+v", got)
	}

	send(t, rw, "GET", "foo")
	got = expect(t, rw)
	if got.Kind != resp.KindBulkString || string(got.Bulk) != "bar" {
		t.Fatalf("unexpected GET reply: %+v", got)
	}
}

func TestGetMissingReturnsNullBulk(t *testing.T) {
	rw, closeFn := newTestPair(t)
	defer closeFn()

	send(t, rw, "GET", "nokey")
	got := expect(t, rw)
	if got.Kind != resp.KindBulkString || got.Bulk != nil {
		t.Fatalf("expected null bulk string, got %+v", got)
	}
}

func TestSetNXOnExistingReturnsNullBulk(t *testing.T) {
	rw, closeFn := newTestPair(t)
	defer closeFn()

	send(t, rw, "SET", "foo", "bar")
	expect(t, rw)

	send(t, rw, "SET", "foo", "baz", "NX")
	got := expect(t, rw)
	if got.Kind != resp.KindBulkString || got.Bulk != nil {
		t.Fatalf("expected null bulk string for failed NX, got %+v", got)
	}

	send(t, rw, "GET", "foo")
	got = expect(t, rw)
	if string(got.Bulk) != "bar" {
		t.Fatalf("expected unchanged value, got %+v", got)
	}
}

func TestDeleteIsIdempotentOverTheWire(t *testing.T) {
	rw, closeFn := newTestPair(t)
	defer closeFn()

	send(t, rw, "DEL", "foo")
	got := expect(t, rw)
	if got.Kind != resp.KindSimpleString || got.Str != "OK" {
		t.Fatalf("expected OK on first delete, got %+v", got)
	}

	send(t, rw, "DEL", "foo")
	got = expect(t, rw)
	if got.Kind != resp.KindSimpleString || got.Str != "OK" {
		t.Fatalf("expected OK on repeat delete, got %+v", got)
	}
}

func TestUnknownVerbKeepsConnectionOpen(t *testing.T) {
	rw, closeFn := newTestPair(t)
	defer closeFn()

	send(t, rw, "NOPE")
	got := expect(t, rw)
	if got.Kind != resp.KindError {
		t.Fatalf("expected error reply, got %+v", got)
	}

	send(t, rw, "PING")
	got = expect(t, rw)
	if got.Kind != resp.KindSimpleString || got.Str != "PONG" {
		t.Fatalf("connection should remain usable after unknown verb, got %+v", got)
	}
}
