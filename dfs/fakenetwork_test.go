package dfs

// fakenetwork_test.go provides an in-memory modules.PeerNetwork that
// dispatches directly into another Controller's handlers, synchronously,
// without any real socket. It exists purely so the package's end-to-end
// tests can wire two Controllers together; transport itself is out of this
// package's scope (spec.md section 1).

import (
	"bytes"
	"sync"

	"github.com/luxfs/storaged/modules"
)

type fakeNetwork struct {
	addr modules.NetAddress

	mu     sync.Mutex
	peers  map[modules.NetAddress]*Controller
	closed map[modules.NetAddress]bool
}

func newFakeNetwork(addr modules.NetAddress) *fakeNetwork {
	return &fakeNetwork{
		addr:   addr,
		peers:  make(map[modules.NetAddress]*Controller),
		closed: make(map[modules.NetAddress]bool),
	}
}

func (fn *fakeNetwork) connect(addr modules.NetAddress, c *Controller) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.peers[addr] = c
	delete(fn.closed, addr)
}

func (fn *fakeNetwork) dispatch(target *Controller, kind string, msg interface{}) error {
	switch kind {
	case "announce":
		target.HandleAnnounce(msg.(modules.StorageOrder), fn.addr)
	case "proposal":
		target.HandleProposal(msg.(modules.StorageProposal), fn.addr)
	case "handshake":
		target.HandleHandshake(msg.(modules.StorageHandshake))
	case "request-replica":
		target.HandleRequestReplica(msg.(modules.StorageHandshake))
	case "send-file":
		rs := msg.(*ReplicaStream)
		var buf bytes.Buffer
		if err := rs.MarshalSia(&buf); err != nil {
			return err
		}
		target.HandleSendFile(&buf)
	case "ping":
		target.HandlePing(fn.addr)
	case "pong":
		target.HandlePong(msg.(modules.NetAddress))
	}
	return nil
}

func (fn *fakeNetwork) Broadcast(kind string, orderHash modules.OrderHash, msg interface{}) error {
	fn.mu.Lock()
	targets := make([]*Controller, 0, len(fn.peers))
	for addr, c := range fn.peers {
		if !fn.closed[addr] {
			targets = append(targets, c)
		}
	}
	fn.mu.Unlock()
	for _, c := range targets {
		if err := fn.dispatch(c, kind, msg); err != nil {
			return err
		}
	}
	return nil
}

func (fn *fakeNetwork) Send(addr modules.NetAddress, kind string, msg interface{}) error {
	fn.mu.Lock()
	c, ok := fn.peers[addr]
	closed := fn.closed[addr]
	fn.mu.Unlock()
	if !ok || closed {
		return modules.ErrPeerUnreachable
	}
	return fn.dispatch(c, kind, msg)
}

func (fn *fakeNetwork) Reply(kind string, msg interface{}, fallback modules.NetAddress) error {
	return fn.Send(fallback, kind, msg)
}

func (fn *fakeNetwork) ClosePeer(addr modules.NetAddress) error {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.closed[addr] = true
	return nil
}

func (fn *fakeNetwork) PeerCount() int {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	n := 0
	for addr := range fn.peers {
		if !fn.closed[addr] {
			n++
		}
	}
	return n
}

func (fn *fakeNetwork) ExternalAddress() modules.NetAddress {
	return fn.addr
}
