// Package sync bridges client-facing connection handlers and the Raft
// broadcast primitive: it serialises admitted writes, proposes them,
// matches committed entries back to the waiting client by request id,
// and applies them to local storage.
package sync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/amberkv/amberkv/internal/logger"
	"github.com/amberkv/amberkv/pkg/command"
	"github.com/amberkv/amberkv/pkg/metrics"
	"github.com/amberkv/amberkv/pkg/storage"
)

// errProposalFailed is returned to a waiting client when its write was
// rejected by raft.Apply itself and never reached consensus.
var errProposalFailed = errors.New("raft proposal not committed")

// Request is the message a connection handler hands to the sync layer
// for every admitted write. Answer is consumed at most once, either by
// the apply task or by the caller giving up on timeout.
type Request struct {
	Message command.InnerCmd
	Answer  chan error
}

// requestMap maps a RequestId to the reply channel of the connection
// awaiting its outcome. Guarded by a mutex covering only insert/remove.
type requestMap struct {
	mu      sync.Mutex
	entries map[command.RequestId]chan error
}

func newRequestMap() *requestMap {
	return &requestMap{entries: make(map[command.RequestId]chan error)}
}

func (m *requestMap) insert(id command.RequestId, ch chan error) {
	m.mu.Lock()
	m.entries[id] = ch
	m.mu.Unlock()
}

func (m *requestMap) takeAndRemove(id command.RequestId) (chan error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	return ch, ok
}

// Len reports the number of in-flight requests awaiting application on
// this node, exposed for the admin stats endpoint.
func (m *requestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// raftFacing is the subset of *raftnode.Node the Layer drives. A narrow
// interface so the sync layer can be exercised against a fake in tests
// without starting a real Raft cluster.
type raftFacing interface {
	ProposeIn() chan<- []byte
	CommittedOut() <-chan []byte
	ProposalFailed() <-chan []byte
}

// Layer owns the submit and apply tasks and the RequestMap bridging
// them.
type Layer struct {
	raft    raftFacing
	store   *storage.Store
	metrics *metrics.Registry
	intake  chan Request
	reqMap  *requestMap
	done    chan struct{}
}

// intakeCapacity bounds how many SyncRequests may queue before a
// connection handler's submit blocks, providing backpressure.
const intakeCapacity = 100

// Option configures optional Layer behaviour.
type Option func(*Layer)

// WithMetrics records apply counts and errors on reg. Omit to disable.
func WithMetrics(reg *metrics.Registry) Option {
	return func(l *Layer) { l.metrics = reg }
}

// New constructs a Layer over the given Raft node and storage engine,
// and starts its submit and apply goroutines.
func New(raft raftFacing, store *storage.Store, opts ...Option) *Layer {
	l := &Layer{
		raft:   raft,
		store:  store,
		intake: make(chan Request, intakeCapacity),
		reqMap: newRequestMap(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.submitTask()
	go l.applyTask()
	go l.failureTask()
	return l
}

// Submit enqueues req for proposal. It blocks if the intake channel is
// full, naturally applying backpressure to the calling connection.
func (l *Layer) Submit(req Request) {
	l.intake <- req
}

// PendingCount returns the number of writes currently awaiting
// application on this node.
func (l *Layer) PendingCount() int { return l.reqMap.Len() }

// Close stops the submit and apply tasks. In-flight RequestMap entries
// are abandoned; their owners will observe a timeout.
func (l *Layer) Close() { close(l.done) }

func (l *Layer) submitTask() {
	for {
		select {
		case req := <-l.intake:
			l.reqMap.insert(req.Message.RequestId, req.Answer)
			payload := req.Message.Encode()
			l.raft.ProposeIn() <- payload // panics if Raft's input is closed; unrecoverable by design
		case <-l.done:
			return
		}
	}
}

func (l *Layer) applyTask() {
	for {
		select {
		case payload, ok := <-l.raft.CommittedOut():
			if !ok {
				return
			}
			l.applyOne(payload)
		case <-l.done:
			return
		}
	}
}

func (l *Layer) failureTask() {
	for {
		select {
		case payload, ok := <-l.raft.ProposalFailed():
			if !ok {
				return
			}
			l.failOne(payload)
		case <-l.done:
			return
		}
	}
}

// failOne handles a payload raft.Apply itself rejected (e.g. lost
// leadership before the entry committed). It never reaches applyOne,
// so without this path its RequestMap entry, and the connection
// waiting on it, would block until the client's own timeout.
func (l *Layer) failOne(payload []byte) {
	cmd, err := command.Decode(payload)
	if err != nil {
		logger.Error("sync: failed to decode failed proposal, cannot clean up", "error", err)
		return
	}

	if l.metrics != nil {
		l.metrics.RaftProposalFailures.Inc()
	}

	ch, found := l.reqMap.takeAndRemove(cmd.RequestId)
	if !found {
		return
	}

	select {
	case ch <- fmt.Errorf("sync: proposal failed: %w", errProposalFailed):
	default:
		logger.Warn("sync: proposal failure result dropped, client already timed out", "request_id", cmd.RequestId.String())
	}
}

func (l *Layer) applyOne(payload []byte) {
	cmd, err := command.Decode(payload)
	if err != nil {
		logger.Error("sync: failed to decode committed entry, skipping", "error", err)
		return
	}

	var applyErr error
	switch cmd.Kind {
	case command.InnerSet:
		applyErr = l.store.PutWithOption(cmd.Key, cmd.Value, cmd.Option)
	case command.InnerDel:
		applyErr = l.store.Delete(cmd.Key)
	case command.InnerGet:
		panic(fmt.Sprintf("sync: Get reached the apply path for request %s: invariant violation", cmd.RequestId))
	default:
		panic(fmt.Sprintf("sync: unrecognised inner command kind %d for request %s", cmd.Kind, cmd.RequestId))
	}

	if l.metrics != nil {
		l.metrics.RaftApplies.Inc()
		if applyErr != nil {
			l.metrics.RaftApplyErrors.Inc()
		}
	}

	ch, found := l.reqMap.takeAndRemove(cmd.RequestId)
	if !found {
		// Belongs to another replica's client, or this node restarted
		// after proposing. Applied silently, as required.
		return
	}

	select {
	case ch <- applyErr:
	default:
		// Only reached if ch's buffer is already full. The connection
		// handler's capacity-1 Answer channel still has room when its
		// reader has timed out, so a late result lands in that buffer
		// instead. The RequestMap entry is removed above either way,
		// so nothing leaks.
		logger.Warn("sync: late apply result dropped, client already timed out", "request_id", cmd.RequestId.String())
	}
}
