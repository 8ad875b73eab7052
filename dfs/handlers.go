package dfs

// handlers.go implements the inbound side of spec.md section 4.6's message
// table. Every handler here is infallible from the transport's point of
// view: malformed or out-of-sequence input is logged and dropped, never
// returned as an error (spec.md section 7's propagation policy). Ordering
// is enforced purely by existence checks against this controller's own
// tables -- a receiver that hasn't seen the prior step in the sequence
// silently ignores the message, exactly the reference implementation's
// behavior (no NACK is ever sent).

import (
	"io"
	"os"
	"time"

	"github.com/luxfs/storaged/crypto"
	"github.com/luxfs/storaged/merkle"
	"github.com/luxfs/storaged/modules"
	"github.com/luxfs/storaged/storage"
)

// pendingReceive tracks an in-flight "send-file" body being streamed into a
// temp file, keyed by OrderHash so checkReceivedReplica can find it again
// once UnmarshalSia has finished reading the wire.
type pendingReceive struct {
	af   *storage.AllocatedFile
	file *os.File
}

// HandleAnnounce processes an inbound "announce" (order gossiped via INV).
// fromPeer is the connection the gossip arrived on, used as the fallback
// channel for our own proposal if we can't dial the client directly.
func (c *Controller) HandleAnnounce(order modules.StorageOrder, fromPeer modules.NetAddress) {
	orderHash := order.Hash()

	c.mu.Lock()
	_, known := c.announcements[orderHash]
	if known {
		c.mu.Unlock()
		return
	}
	c.announcements[orderHash] = order
	c.mu.Unlock()

	if err := c.net.Broadcast("announce", orderHash, order); err != nil {
		c.log.Println("WARN: could not re-gossip announcement:", err)
	}

	if c.heap.MaxAllocateSize() < crypto.CiphertextSize(order.FileSize) {
		return
	}
	if c.tempHeap.MaxAllocateSize() < crypto.CiphertextSize(order.FileSize) {
		return
	}
	if order.MaxRate < c.cfg.MyRate || order.MaxGap < c.cfg.MyMaxBlocksGap {
		return
	}

	addr := c.ExternalAddress()
	if addr == "" {
		addr = c.net.ExternalAddress()
	}
	proposal := modules.StorageProposal{
		Time:      time.Now().Unix(),
		OrderHash: orderHash,
		Rate:      c.cfg.MyRate,
		Address:   addr,
	}
	if err := c.net.Send(order.Address, "proposal", proposal); err != nil {
		if err := c.net.Reply("proposal", proposal, fromPeer); err != nil {
			c.log.Println("WARN: could not deliver proposal for order", orderHash, ":", err)
		}
	}
}

// HandleProposal processes an inbound "proposal" from a keeper.
func (c *Controller) HandleProposal(p modules.StorageProposal, fromPeer modules.NetAddress) {
	c.mu.Lock()
	order, ok := c.announcements[p.OrderHash]
	if ok && c.proposals.IsListening(p.OrderHash) && order.MaxRate > p.Rate {
		c.proposals.AddProposal(p)
	}
	c.mu.Unlock()

	// SUPPLEMENTED FEATURE 1: shed surplus proposing peers regardless of
	// whether the proposal itself was accepted.
	if c.net.PeerCount() > c.cfg.MaxPeers {
		if err := c.net.ClosePeer(fromPeer); err != nil {
			c.log.Println("WARN: could not close surplus peer:", err)
		}
	}
}

// HandleHandshake processes an inbound "handshake" carrying fresh key
// material from a client (keeper-side receipt).
func (c *Controller) HandleHandshake(hs modules.StorageHandshake) {
	c.mu.Lock()
	order, ok := c.announcements[hs.OrderHash]
	if !ok {
		c.mu.Unlock()
		c.log.Println("DROP: handshake for unknown order", hs.OrderHash)
		return
	}
	if c.heap.MaxAllocateSize() < crypto.CiphertextSize(order.FileSize) {
		c.mu.Unlock()
		c.log.Println("DROP: handshake for order with no room", hs.OrderHash)
		return
	}
	if c.tempHeap.MaxAllocateSize() < crypto.CiphertextSize(order.FileSize) {
		c.mu.Unlock()
		c.log.Println("DROP: handshake for order with no temp room", hs.OrderHash)
		return
	}
	c.handshakes[hs.OrderHash] = hs
	c.mu.Unlock()

	echo := modules.StorageHandshake{
		Time:         time.Now().Unix(),
		OrderHash:    hs.OrderHash,
		ProposalHash: hs.ProposalHash,
		Port:         c.cfg.ListenPort,
	}
	if err := c.net.Send(order.Address, "request-replica", echo); err != nil {
		c.log.Println("WARN: could not echo request-replica:", err)
	}
}

// HandleRequestReplica processes an inbound "request-replica" (tag dfsrr)
// echo from a keeper (client-side receipt): it confirms the plaintext is
// still on hand and unblocks AcceptProposal's poll loop by recording the
// echo.
func (c *Controller) HandleRequestReplica(hs modules.StorageHandshake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.localFiles[hs.OrderHash]; !ok {
		c.log.Println("DROP: request-replica for an order we don't hold locally", hs.OrderHash)
		return
	}
	c.handshakes[hs.OrderHash] = hs
}

// HandleSendFile processes an inbound "send-file": it allocates a temp
// file, streams the ReplicaStream body into it, validates size and Merkle
// root, and on success promotes the temp file into the permanent heap.
func (c *Controller) HandleSendFile(r io.Reader) {
	rs := &ReplicaStream{
		LookupLength: c.lookupCiphertextLength,
		Open: func(orderHash modules.OrderHash, length uint64) (io.Writer, error) {
			af, err := c.tempHeap.AllocateFile(modules.ZeroURI, length)
			if err != nil {
				return nil, err
			}
			f, err := os.OpenFile(af.FullPath, os.O_WRONLY, 0600)
			if err != nil {
				c.tempHeap.FreeFile(af)
				return nil, err
			}
			c.pendingReceives.Store(orderHash, pendingReceive{af: af, file: f})
			return f, nil
		},
	}

	if err := rs.UnmarshalSia(r); err != nil {
		c.log.Println("DROP: send-file failed:", err)
		if v, ok := c.pendingReceives.LoadAndDelete(rs.OrderHash); ok {
			pr := v.(pendingReceive)
			pr.file.Close()
			c.tempHeap.FreeFile(pr.af)
		}
		return
	}
	c.checkReceivedReplica(rs.OrderHash, rs.MerkleRoot)
}

// checkReceivedReplica implements spec.md section 4.6's "Validating
// received replica (keeper side)": recompute the Merkle root over the temp
// file and compare to the one carried on the wire. On success the temp file
// is promoted into the permanent heap under order.FileURI with the keys
// learned from the stored handshake; on failure it is deleted.
func (c *Controller) checkReceivedReplica(orderHash modules.OrderHash, wireRoot crypto.Hash) bool {
	v, ok := c.pendingReceives.LoadAndDelete(orderHash)
	if !ok {
		return false
	}
	pr := v.(pendingReceive)
	pr.file.Close()

	fail := func() bool {
		c.tempHeap.FreeFile(pr.af)
		return false
	}

	order, ok := c.GetAnnounce(orderHash)
	if !ok {
		return fail()
	}
	if pr.af.Size != crypto.CiphertextSize(order.FileSize) {
		c.log.Println("DROP: replica size mismatch for order", orderHash)
		return fail()
	}

	sidecarPath := pr.af.FullPath + ".sidecar"
	root, err := merkle.ConstructMerkleTree(pr.af.FullPath, sidecarPath)
	os.Remove(sidecarPath)
	if err != nil {
		c.log.Println("WARN: could not recompute merkle root:", err)
		return fail()
	}
	if root != wireRoot {
		c.log.Println("DROP: merkle root mismatch for order", orderHash)
		return fail()
	}

	c.mu.Lock()
	hs, haveKeys := c.handshakes[orderHash]
	c.mu.Unlock()

	permanent, err := c.heap.AllocateFile(order.FileURI, pr.af.Size)
	if err != nil {
		c.log.Println("WARN: could not allocate permanent storage:", err)
		return fail()
	}
	if err := os.Rename(pr.af.FullPath, permanent.FullPath); err != nil {
		c.log.Println("WARN: could not promote received replica:", err)
		c.heap.FreeFile(permanent)
		return fail()
	}
	// The temp heap's bookkeeping still thinks this space is occupied;
	// release it now that the file itself has moved out from under it.
	c.tempHeap.FreeFile(pr.af)

	if haveKeys && hs.Keys != nil {
		c.heap.SetDecryptionKeys(order.FileURI, *hs.Keys)
	}
	return true
}

// HandlePing replies to a ping with a pong echoing the sender's observed
// address.
func (c *Controller) HandlePing(observedAddr modules.NetAddress) {
	if err := c.net.Send(observedAddr, "pong", observedAddr); err != nil {
		c.log.Println("WARN: could not reply to ping:", err)
	}
}

// HandlePong processes an inbound "pong": it updates our own external
// address, rewriting its port to our own listen port (SUPPLEMENTED FEATURE
// 2) since the payload tells us our external IP, not the pong sender's
// advertised port.
func (c *Controller) HandlePong(addr modules.NetAddress) {
	c.mu.Lock()
	c.externalAddr = addr.WithPort(c.cfg.ListenPort)
	c.externalAddrTime = time.Now()
	c.mu.Unlock()
}

// ExternalAddress returns the node's own best-known externally reachable
// address, or "" if none is known yet.
func (c *Controller) ExternalAddress() modules.NetAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.externalAddr
}
