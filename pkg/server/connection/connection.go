// Package connection implements the per-socket state machine: decode a
// frame, classify the parsed command, either serve a read locally or
// submit a write to the sync layer and await its outcome, reply, loop.
package connection

import (
	"bufio"
	"context"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/amberkv/amberkv/internal/logger"
	"github.com/amberkv/amberkv/pkg/command"
	"github.com/amberkv/amberkv/pkg/metrics"
	"github.com/amberkv/amberkv/pkg/resp"
	"github.com/amberkv/amberkv/pkg/storage"
	"github.com/amberkv/amberkv/pkg/sync"
)

// writeCommitTimeout bounds how long a connection waits for a write's
// apply outcome before reporting a timeout to the client.
const writeCommitTimeout = 10 * time.Second

// Connection owns one TCP session exclusively: its reader, writer, and
// codec for the session's lifetime.
type Connection struct {
	conn    net.Conn
	store   *storage.Store
	sync    *sync.Layer
	metrics *metrics.Registry

	r *bufio.Reader
	w *bufio.Writer
}

// New constructs a Connection over conn, sharing store and sync with
// every other connection on this node. reg may be nil, in which case no
// metrics are recorded.
func New(conn net.Conn, store *storage.Store, syncLayer *sync.Layer, reg *metrics.Registry) *Connection {
	return &Connection{
		conn:    conn,
		store:   store,
		sync:    syncLayer,
		metrics: reg,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
	}
}

// Serve runs the connection's main loop until the client disconnects,
// a transport error occurs, or ctx is cancelled. It never blocks the
// accept loop; only this connection's own I/O suspends.
func (c *Connection) Serve(ctx context.Context) {
	peer := c.conn.RemoteAddr().String()
	defer c.handlePanic(peer)
	defer c.conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetDeadline(time.Now().Add(-time.Second))
		case <-done:
		}
	}()

	for {
		frame, err := resp.Decode(c.r)
		if err != nil {
			if err == io.EOF {
				logger.Debug("connection closed by client", "peer", peer)
				return
			}
			if resp.IsIOError(err) {
				logger.Debug("transport error, closing connection", "peer", peer, "error", err)
				return
			}
			// Protocol error: report and keep the connection open.
			if werr := c.reply(resp.Errorf("Err %v", err)); werr != nil {
				logger.Debug("failed to write protocol error reply", "peer", peer, "error", werr)
				return
			}
			continue
		}

		if err := c.handleFrame(ctx, frame); err != nil {
			logger.Debug("error handling frame, closing connection", "peer", peer, "error", err)
			return
		}
	}
}

func (c *Connection) handleFrame(ctx context.Context, frame resp.Value) error {
	cmd := command.FromValue(frame)

	if cmd.Verb == command.VerbUnknown {
		reason := cmd.UnknownBy
		if reason == "" {
			reason = "malformed request"
		}
		return c.reply(resp.Errorf("Err unknown command: %s", reason))
	}

	logger.Debug("handling command", "verb", cmd.Verb, "key", string(cmd.Key))
	if c.metrics != nil {
		c.metrics.CommandsTotal.WithLabelValues(verbName(cmd.Verb)).Inc()
	}

	switch cmd.Verb {
	case command.VerbPing:
		return c.reply(resp.SimpleString("PONG"))
	case command.VerbGet:
		value, err := c.store.Get(cmd.Key)
		if err != nil {
			logger.Warn("storage read failed", "key", string(cmd.Key), "error", err)
			return c.reply(resp.Errorf("Err %v", err))
		}
		if value == nil {
			return c.reply(resp.NullBulkString())
		}
		return c.reply(resp.BulkString(value))
	case command.VerbSet, command.VerbDel:
		return c.handleWrite(ctx, cmd)
	default:
		return c.reply(resp.Errorf("Err unknown command"))
	}
}

func (c *Connection) handleWrite(ctx context.Context, cmd command.ClientCmd) error {
	inner, err := command.New(cmd)
	if err != nil {
		return c.reply(resp.Errorf("Err %v", err))
	}

	// Buffered so the apply task's send never blocks on a reader that
	// has already timed out and stopped waiting.
	answer := make(chan error, 1)
	submittedAt := time.Now()
	c.sync.Submit(sync.Request{Message: inner, Answer: answer})

	timer := time.NewTimer(writeCommitTimeout)
	defer timer.Stop()

	select {
	case err, ok := <-answer:
		if c.metrics != nil {
			c.metrics.WriteLatency.Observe(time.Since(submittedAt).Seconds())
		}
		if !ok {
			return c.reply(resp.ErrorReply("Err Request timeout"))
		}
		if err != nil {
			// NX/XX precondition failures and genuine storage faults
			// are indistinguishable to the client at this protocol
			// layer; the distinction is visible in server logs only.
			logger.Debug("write had no effect", "request_id", inner.RequestId.String(), "error", err)
			return c.reply(resp.NullBulkString())
		}
		return c.reply(resp.SimpleString("OK"))
	case <-timer.C:
		return c.reply(resp.ErrorReply("Err Internal error"))
	case <-ctx.Done():
		return c.reply(resp.ErrorReply("Err Internal error"))
	}
}

func (c *Connection) reply(v resp.Value) error {
	if err := resp.Encode(c.w, v); err != nil {
		return err
	}
	return c.w.Flush()
}

func verbName(v command.Verb) string {
	switch v {
	case command.VerbGet:
		return "GET"
	case command.VerbSet:
		return "SET"
	case command.VerbDel:
		return "DEL"
	case command.VerbPing:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

func (c *Connection) handlePanic(peer string) {
	if r := recover(); r != nil {
		logger.Error("panic in connection handler", "peer", peer, "error", r, "stack", string(debug.Stack()))
	}
}
