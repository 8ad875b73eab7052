// Package dfs implements the StorageController of spec.md section 4.6: the
// protocol state machine driving announce -> proposal -> handshake -> send
// -> verify across a decentralized storage overlay, plus the background job
// that triggers keeper selection on timeout and keeps the node's own
// external address fresh.
package dfs

import (
	"sync"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/threadgroup"

	"github.com/luxfs/storaged/crypto"
	"github.com/luxfs/storaged/modules"
	"github.com/luxfs/storaged/persist"
	"github.com/luxfs/storaged/storage"
)

const (
	// DefaultStorageSize is the capacity given to the first chunk added to
	// a freshly initialized permanent heap, mirroring the reference
	// implementation's DEFAULT_STORAGE_SIZE constant.
	DefaultStorageSize = 10 << 30 // 10 GiB
	// DefaultTempStorageSize is the capacity given to the first chunk
	// added to a freshly initialized temporary heap.
	DefaultTempStorageSize = 1 << 30 // 1 GiB
	// DefaultDFSPort is the reference implementation's DEFAULT_DFS_PORT.
	DefaultDFSPort = 5482
	// defaultMaxPeers is the proposal-surplus bound of SUPPLEMENTED
	// FEATURE 1: once connected peers exceed this, a proposing peer's
	// connection is closed to conserve sockets.
	defaultMaxPeers = 5
	// defaultKeepers is the number of keepers FindReplicaKeepers selects
	// for an order by default.
	defaultKeepers = 1

	announcementTTL      = 60 * time.Second
	handshakeEchoWait    = 30 * time.Second
	handshakeEchoPoll    = 100 * time.Millisecond
	dialRetryAttempts    = 100
	dialRetryInterval    = 500 * time.Millisecond
	externalAddrMaxAge   = time.Hour
	backgroundTickPeriod = time.Second
)

// Config holds construction-time tunables. There is no flag or environment
// parsing in this package; an embedder builds a Config directly.
type Config struct {
	ListenPort      uint16
	MyRate          uint64
	MyMaxBlocksGap  uint64
	MaxPeers        int
	StorageCapacity uint64
	TempCapacity    uint64
	Keepers         int
}

// DefaultConfig returns a Config with the reference implementation's
// constants.
func DefaultConfig() Config {
	return Config{
		ListenPort:      DefaultDFSPort,
		MyRate:          1,
		MyMaxBlocksGap:  1,
		MaxPeers:        defaultMaxPeers,
		StorageCapacity: DefaultStorageSize,
		TempCapacity:    DefaultTempStorageSize,
		Keepers:         defaultKeepers,
	}
}

// Controller is the storage overlay's control plane: one instance per node.
type Controller struct {
	cfg Config
	net modules.PeerNetwork
	log *persist.Logger

	heap     *storage.Heap // permanent replicas
	tempHeap *storage.Heap // Merkle scratch, in-flight receives

	mu            sync.Mutex
	announcements map[modules.OrderHash]modules.StorageOrder
	localFiles    map[modules.OrderHash]string
	handshakes    map[modules.OrderHash]modules.StorageHandshake
	proposals     *ProposalsAgent

	// replicaMirrors holds, for each order this controller has sent a
	// replica for as a client, the last ciphertext it produced plus the
	// key material (including the RSA private half) needed to decrypt it
	// again. The private key never leaves this map -- it is never
	// serialized into a StorageHandshake or a StorageHeap's persisted
	// Keys field -- so a keeper that merely stores a replica never
	// acquires the means to decrypt it; see accept.go's DecryptReplica.
	replicaMirrors map[modules.OrderHash]replicaMirror

	externalAddr     modules.NetAddress
	externalAddrTime time.Time

	// pendingReceives tracks in-flight "send-file" bodies being streamed
	// into temp files, keyed by OrderHash; see handlers.go.
	pendingReceives sync.Map

	tg threadgroup.ThreadGroup
}

// New creates a Controller rooted at dataDir (permanent replicas) and
// tempDir (Merkle scratch and in-flight receives), creating both
// directories and adding one chunk to each heap (cfg.StorageCapacity for the
// permanent heap, cfg.TempCapacity for the temporary one) -- the
// InitStorages step of spec.md section 6.
func New(dataDir, tempDir string, cfg Config, net modules.PeerNetwork, log *persist.Logger) (*Controller, error) {
	heap := storage.New()
	if err := heap.AddChunk(dataDir, cfg.StorageCapacity); err != nil {
		return nil, errors.Extend(err, errors.New("dfs: could not initialize permanent storage"))
	}
	tempHeap := storage.New()
	if err := tempHeap.AddChunk(tempDir, cfg.TempCapacity); err != nil {
		return nil, errors.Extend(err, errors.New("dfs: could not initialize temporary storage"))
	}

	return &Controller{
		cfg:           cfg,
		net:           net,
		log:           log,
		heap:          heap,
		tempHeap:      tempHeap,
		announcements:  make(map[modules.OrderHash]modules.StorageOrder),
		localFiles:     make(map[modules.OrderHash]string),
		handshakes:     make(map[modules.OrderHash]modules.StorageHandshake),
		proposals:      newProposalsAgent(),
		replicaMirrors: make(map[modules.OrderHash]replicaMirror),
	}, nil
}

// Close signals the background job to stop and waits for it to exit.
func (c *Controller) Close() error {
	return c.tg.Stop()
}

// Heap returns the controller's permanent StorageHeap.
func (c *Controller) Heap() *storage.Heap { return c.heap }

// TempHeap returns the controller's temporary StorageHeap, used for Merkle
// scratch space and in-flight receives.
func (c *Controller) TempHeap() *storage.Heap { return c.tempHeap }

// AnnounceOrder records order in the Announcements table (and, if localPath
// is non-empty, binds it in LocalFiles as the client-side source file) and
// gossips it to the overlay. Calling it a second time for the same order
// hash overwrites the stored announcement, refreshes LocalFiles and turns
// proposal listening back on, but does not gossip the order again.
func (c *Controller) AnnounceOrder(order modules.StorageOrder, localPath string) error {
	orderHash := order.Hash()

	c.mu.Lock()
	_, known := c.announcements[orderHash]
	c.announcements[orderHash] = order
	if localPath != "" {
		c.localFiles[orderHash] = localPath
	}
	c.proposals.ListenProposal(orderHash)
	c.mu.Unlock()

	if known {
		return nil
	}
	return c.net.Broadcast("announce", orderHash, order)
}

// CancelOrder removes orderHash's announcement, stops listening for its
// proposals, and erases its proposal set and local-file binding. It returns
// false if the order was unknown.
func (c *Controller) CancelOrder(orderHash modules.OrderHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.announcements[orderHash]; !ok {
		return false
	}
	delete(c.announcements, orderHash)
	delete(c.localFiles, orderHash)
	c.proposals.EraseOrdersProposals(orderHash)
	return true
}

// ClearOldAnnouncments removes every announcement whose Time is before
// threshold, along with its listening flag, proposals, and local-file
// binding.
func (c *Controller) ClearOldAnnouncments(threshold int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for orderHash, order := range c.announcements {
		if order.Time < threshold {
			delete(c.announcements, orderHash)
			delete(c.localFiles, orderHash)
			c.proposals.EraseOrdersProposals(orderHash)
		}
	}
}

// GetAnnouncements returns every currently known StorageOrder.
func (c *Controller) GetAnnouncements() []modules.StorageOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]modules.StorageOrder, 0, len(c.announcements))
	for _, order := range c.announcements {
		out = append(out, order)
	}
	return out
}

// GetAnnounce looks up a single StorageOrder by hash.
func (c *Controller) GetAnnounce(orderHash modules.OrderHash) (modules.StorageOrder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.announcements[orderHash]
	return order, ok
}

// GetProposals returns every proposal recorded for orderHash.
func (c *Controller) GetProposals(orderHash modules.OrderHash) []modules.StorageProposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proposals.GetProposals(orderHash)
}

// GetProposal looks up a single proposal by order and proposal hash.
func (c *Controller) GetProposal(orderHash modules.OrderHash, proposalHash modules.ProposalHash) (modules.StorageProposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proposals.GetProposal(orderHash, proposalHash)
}

// lookupCiphertextLength resolves an OrderHash to the ciphertext length its
// Announcement implies, for use as a ReplicaStream.LookupLength callback.
func (c *Controller) lookupCiphertextLength(orderHash modules.OrderHash) (uint64, bool) {
	order, ok := c.GetAnnounce(orderHash)
	if !ok {
		return 0, false
	}
	return crypto.CiphertextSize(order.FileSize), true
}
