package raftnode

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestSingleNodeProposeIsDeliveredInOrder(t *testing.T) {
	addr := freeAddr(t)
	dir := t.TempDir()

	n, err := New(Config{
		LocalID:   "node1",
		BindAddr:  addr,
		DataDir:   dir,
		Bootstrap: true,
		Peers:     []Peer{{ID: "node1", Addr: addr}},
	})
	require.NoError(t, err)
	defer n.Shutdown()

	require.Eventually(t, n.IsLeader, 5*time.Second, 20*time.Millisecond, "single node should elect itself leader")

	payloads := [][]byte{[]byte("p1"), []byte("p2"), []byte("p3")}
	for _, p := range payloads {
		n.ProposeIn() <- p
	}

	for i, want := range payloads {
		select {
		case got := <-n.CommittedOut():
			require.Equalf(t, want, got, "entry %d out of order", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for commit %d", i)
		}
	}
}
