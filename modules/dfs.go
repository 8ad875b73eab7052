package modules

// dfs.go declares the wire-level entity types of the storage overlay
// (StorageOrder, StorageProposal, StorageHandshake) and the PeerNetwork
// capability the dfs package dials and gossips through. These are the types
// every message handler in dfs.Controller reads and writes.

import (
	"github.com/luxfs/storaged/crypto"
)

type (
	// OrderHash identifies a StorageOrder by the hash of its canonical
	// encoding. Two orders with the same hash are identical.
	OrderHash = crypto.Hash
	// ProposalHash identifies a StorageProposal the same way OrderHash
	// identifies a StorageOrder.
	ProposalHash = crypto.Hash
	// FileURI names a replica inside a StorageHeap. The all-zero FileURI
	// is reserved as the sentinel used for temporary Merkle-scratch
	// allocations.
	FileURI = crypto.Hash
)

// ZeroURI is the sentinel FileURI under which a StorageHeap allocates
// temporary files -- Merkle-tree scratch space and in-flight received
// replicas awaiting validation. Multiple concurrent allocations are
// permitted under it; storage.Heap disambiguates them internally.
var ZeroURI FileURI

// StorageOrder describes a file a client wants replicated: what it is, how
// big it is, and the terms a keeper must meet to be considered. It is
// immutable after construction; OrderHash is always Hash(order).
type StorageOrder struct {
	Time     int64      `json:"time"`
	FileURI  FileURI    `json:"fileuri"`
	Filename string     `json:"filename"`
	FileSize uint64     `json:"filesize"`
	MaxRate  uint64     `json:"maxrate"`
	MaxGap   uint64     `json:"maxgap"`
	Address  NetAddress `json:"address"`
}

// Hash returns the OrderHash that identifies so on the wire and in every
// table keyed by order.
func (so StorageOrder) Hash() OrderHash {
	return crypto.HashObject(so)
}

// StorageProposal is a keeper's bid to host a replica of the file named by
// OrderHash, at the given per-byte Rate. Immutable after construction.
type StorageProposal struct {
	Time      int64      `json:"time"`
	OrderHash OrderHash  `json:"orderhash"`
	Rate      uint64     `json:"rate"`
	Address   NetAddress `json:"address"`
}

// Hash returns the ProposalHash that identifies sp within the order's
// ProposalsAgent set.
func (sp StorageProposal) Hash() ProposalHash {
	return crypto.HashObject(sp)
}

// StorageHandshake carries fresh per-replica key material from a client to
// the keeper it selected (Keys set), or echoes back a request for the
// replica once the keeper is ready to receive it (Keys nil, the
// "request-replica" wire tag).
type StorageHandshake struct {
	Time         int64                  `json:"time"`
	OrderHash    OrderHash              `json:"orderhash"`
	ProposalHash ProposalHash           `json:"proposalhash"`
	Port         uint16                 `json:"port"`
	Keys         *crypto.DecryptionKeys `json:"keys,omitempty"`
}

// IsRequestReplica reports whether hs is a keeper's echo requesting the
// actual replica bytes, rather than a client's initial key-bearing
// handshake.
func (hs StorageHandshake) IsRequestReplica() bool {
	return hs.Keys == nil
}

// PeerNetwork is the gossip/transport capability the dfs package consumes
// and never implements: dialing peers, broadcasting inventory, and sending
// typed messages to a specific address or over an already-open connection.
// Everything node-table, framing, and connection-lifecycle related lives on
// the other side of this interface.
type PeerNetwork interface {
	// Broadcast gossips msg (an INV referencing orderHash for "announce",
	// or a direct send for other kinds) to the overlay.
	Broadcast(kind string, orderHash OrderHash, msg interface{}) error
	// Send dials addr (reusing an existing connection if one is already
	// open) and delivers msg tagged kind. It retries internally per
	// spec.md's dial-retry budget and returns ErrPeerUnreachable on
	// exhaustion.
	Send(addr NetAddress, kind string, msg interface{}) error
	// Reply sends msg tagged kind back over the connection msg arrived
	// on, if that connection is still open, falling back to dialing
	// fallback if it is not.
	Reply(kind string, msg interface{}, fallback NetAddress) error
	// ClosePeer closes the connection to addr, used to shed surplus
	// proposing peers.
	ClosePeer(addr NetAddress) error
	// PeerCount returns the number of currently connected peers.
	PeerCount() int
	// ExternalAddress returns the node's own best-known externally
	// reachable address, or "" if none is known yet.
	ExternalAddress() NetAddress
}
