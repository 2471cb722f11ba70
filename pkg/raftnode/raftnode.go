// Package raftnode wraps hashicorp/raft behind the two-channel shape the
// sync layer expects: a propose_in channel of serialised payloads and a
// committed_out channel of the same payloads, delivered in identical
// order on every replica. Raft's own internals (election, log
// replication, persistence) are treated as opaque by every caller of
// this package.
package raftnode

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/amberkv/amberkv/internal/logger"
)

const (
	proposeChanCapacity   = 100
	committedChanCapacity = 100
	transportMaxPool      = 5
	transportTimeout      = 10 * time.Second
	maxSnapshots          = 2
)

// Peer identifies one member of the cluster.
type Peer struct {
	ID   string
	Addr string
}

// Config controls how a Node's underlying raft.Raft is constructed.
type Config struct {
	// LocalID is this node's unique Raft server ID.
	LocalID string
	// BindAddr is the address this node's Raft transport listens on.
	BindAddr string
	// DataDir holds the Raft log store, stable store, and snapshots.
	DataDir string
	// Peers is the full voting set, including this node, used to
	// bootstrap a fresh cluster. Ignored if the on-disk state already
	// reflects a configuration.
	Peers []Peer
	// Bootstrap requests cluster bootstrap when no prior state exists.
	Bootstrap bool
}

// Node is a running Raft participant exposing the propose/committed
// channel pair the sync layer drives.
type Node struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	logStore  *raftboltdb.BoltStore

	proposeIn      chan []byte
	committedOut   chan []byte
	proposalFailed chan []byte
	stopPropose    chan struct{}
}

// New constructs and starts a Raft node rooted at cfg.DataDir.
func New(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raftnode: create data dir: %w", err)
	}

	boltPath := filepath.Join(cfg.DataDir, "raft-log.bolt")
	boltStore, err := raftboltdb.New(raftboltdb.Options{Path: boltPath})
	if err != nil {
		return nil, fmt.Errorf("raftnode: open bolt store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, maxSnapshots, logWriter{})
	if err != nil {
		return nil, fmt.Errorf("raftnode: open snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("raftnode: resolve bind addr %q: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, transportMaxPool, transportTimeout, logWriter{})
	if err != nil {
		return nil, fmt.Errorf("raftnode: create transport: %w", err)
	}

	n := &Node{
		transport:      transport,
		logStore:       boltStore,
		proposeIn:      make(chan []byte, proposeChanCapacity),
		committedOut:   make(chan []byte, committedChanCapacity),
		proposalFailed: make(chan []byte, proposeChanCapacity),
		stopPropose:    make(chan struct{}),
	}

	machine := &fsm{committedOut: n.committedOut}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.LocalID)

	r, err := raft.NewRaft(raftConfig, machine, boltStore, boltStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("raftnode: start raft: %w", err)
	}
	n.raft = r

	hasState, err := raft.HasExistingState(boltStore, boltStore, snapshotStore)
	if err != nil {
		return nil, fmt.Errorf("raftnode: check existing state: %w", err)
	}
	if cfg.Bootstrap && !hasState {
		servers := make([]raft.Server, 0, len(cfg.Peers))
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Addr)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("raftnode: bootstrap cluster: %w", err)
		}
	}

	go n.proposeLoop()
	return n, nil
}

// ProposeIn returns the channel submit tasks send serialised payloads
// on. Sending on a closed channel panics, matching the "Raft input
// channel closed is unrecoverable" invariant directly via Go's channel
// semantics.
func (n *Node) ProposeIn() chan<- []byte { return n.proposeIn }

// CommittedOut returns the channel committed payloads are delivered on,
// in consensus order, identical across replicas.
func (n *Node) CommittedOut() <-chan []byte { return n.committedOut }

// ProposalFailed returns the channel payloads are delivered on when
// raft.Apply itself fails (e.g. this node lost leadership before the
// entry committed). Such a payload never reaches CommittedOut, so
// callers tracking it by its own identity must watch this channel too
// or leak whatever state they kept waiting for commit.
func (n *Node) ProposalFailed() <-chan []byte { return n.proposalFailed }

func (n *Node) proposeLoop() {
	for {
		select {
		case payload, ok := <-n.proposeIn:
			if !ok {
				return
			}
			future := n.raft.Apply(payload, transportTimeout)
			if err := future.Error(); err != nil {
				logger.Warn("raft apply failed", "error", err)
				select {
				case n.proposalFailed <- payload:
				default:
					logger.Warn("raft proposal failure queue full, dropping notification")
				}
			}
		case <-n.stopPropose:
			return
		}
	}
}

// IsLeader reports whether this node currently believes it is leader.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// LeaderAddr returns the address of the node this node believes is
// leader, or "" if unknown.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Stats exposes raft.Raft's diagnostic key/value snapshot, used by the
// admin stats endpoint.
func (n *Node) Stats() map[string]string { return n.raft.Stats() }

// Shutdown stops the propose loop and the underlying raft.Raft instance.
// It also closes proposeIn, so the "sending on a closed Raft input
// channel panics" invariant documented on ProposeIn actually holds for
// any send still in flight or attempted after shutdown, instead of
// blocking forever once proposeLoop has already exited.
func (n *Node) Shutdown() error {
	close(n.stopPropose)
	close(n.proposeIn)
	if err := n.raft.Shutdown().Error(); err != nil {
		return err
	}
	if err := n.transport.Close(); err != nil {
		return err
	}
	return n.logStore.Close()
}

// fsm is the state machine raft.Raft drives directly. It owns no
// application state itself: the key-value state lives in the storage
// engine, applied by the sync layer's apply task after an entry is
// delivered on committedOut. fsm's only job is to hand committed
// payloads to that channel in order, and to satisfy raft.FSM's
// snapshot/restore contract well enough for log truncation, since the
// durable application state it would otherwise snapshot already lives
// outside Raft's purview.
type fsm struct {
	committedOut chan []byte
}

var _ raft.FSM = (*fsm)(nil)

func (f *fsm) Apply(log *raft.Log) interface{} {
	f.committedOut <- append([]byte(nil), log.Data...)
	return nil
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) { return emptySnapshot{}, nil }

func (f *fsm) Restore(rc io.ReadCloser) error { return rc.Close() }

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}

// logWriter adapts raft's io.Writer-based logging to the process-wide
// structured logger.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logger.Debug(string(p))
	return len(p), nil
}
