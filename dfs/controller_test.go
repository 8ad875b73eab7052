package dfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luxfs/storaged/build"
	"github.com/luxfs/storaged/crypto"
	"github.com/luxfs/storaged/modules"
	"github.com/luxfs/storaged/persist"
)

// newTestController builds a Controller rooted under build.TempDir,
// wired to addr on a fresh fakeNetwork.
func newTestController(t *testing.T, addr modules.NetAddress) (*Controller, *fakeNetwork) {
	t.Helper()
	dir := build.TempDir("dfs", t.Name(), string(addr))

	log, err := persist.NewLogger(filepath.Join(dir, "dfs.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	net := newFakeNetwork(addr)
	cfg := DefaultConfig()
	cfg.StorageCapacity = 1 << 20
	cfg.TempCapacity = 1 << 20

	c, err := New(filepath.Join(dir, "data"), filepath.Join(dir, "temp"), cfg, net, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, net
}

// wire connects two controllers' fake networks to each other under their
// given addresses.
func wire(aAddr modules.NetAddress, a *fakeNetwork, bAddr modules.NetAddress, b *fakeNetwork, aCtl, bCtl *Controller) {
	a.connect(bAddr, bCtl)
	b.connect(aAddr, aCtl)
}

// hasHandshake reports whether c has recorded a handshake entry for
// orderHash, locking c.mu as any other accessor would.
func hasHandshake(c *Controller, orderHash modules.OrderHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handshakes[orderHash]
	return ok
}

func writePlaintext(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "plaintext")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestOrderHashDeterministic is testable property 1.
func TestOrderHashDeterministic(t *testing.T) {
	order := modules.StorageOrder{
		Time: 1, Filename: "f", FileSize: 1024, MaxRate: 10, MaxGap: 1,
		Address: modules.NetAddress("127.0.0.1:1234"),
	}
	clone := order
	if order.Hash() != clone.Hash() {
		t.Fatal("identical orders hashed differently")
	}
	clone.FileSize = 2048
	if order.Hash() == clone.Hash() {
		t.Fatal("differing orders hashed identically")
	}
}

// TestProposalRateGate is testable property 5: a proposal whose Rate is not
// strictly less than the order's MaxRate is never added.
func TestProposalRateGate(t *testing.T) {
	c, _ := newTestController(t, "a:1")
	order := modules.StorageOrder{Time: time.Now().Unix(), FileSize: 100, MaxRate: 10, MaxGap: 1}
	if err := c.AnnounceOrder(order, ""); err != nil {
		t.Fatal(err)
	}
	orderHash := order.Hash()

	c.HandleProposal(modules.StorageProposal{OrderHash: orderHash, Rate: 10}, "peer:1")
	if got := c.GetProposals(orderHash); len(got) != 0 {
		t.Fatalf("a proposal at exactly MaxRate was accepted: %v", got)
	}

	c.HandleProposal(modules.StorageProposal{OrderHash: orderHash, Rate: 9}, "peer:1")
	if got := c.GetProposals(orderHash); len(got) != 1 {
		t.Fatalf("a proposal below MaxRate was rejected")
	}
}

// TestCancelOrderClearsState is testable property 6.
func TestCancelOrderClearsState(t *testing.T) {
	c, _ := newTestController(t, "a:1")
	order := modules.StorageOrder{Time: time.Now().Unix(), FileSize: 100, MaxRate: 10, MaxGap: 1}
	if err := c.AnnounceOrder(order, "/tmp/whatever"); err != nil {
		t.Fatal(err)
	}
	orderHash := order.Hash()
	c.HandleProposal(modules.StorageProposal{OrderHash: orderHash, Rate: 1}, "peer:1")

	if !c.CancelOrder(orderHash) {
		t.Fatal("CancelOrder reported failure for a known order")
	}
	if _, ok := c.GetAnnounce(orderHash); ok {
		t.Fatal("announcement survived CancelOrder")
	}
	if got := c.GetProposals(orderHash); len(got) != 0 {
		t.Fatal("proposals survived CancelOrder")
	}
	if c.CancelOrder(orderHash) {
		t.Fatal("CancelOrder succeeded a second time on an already-canceled order")
	}
}

// TestClearOldAnnouncments is testable property 7 and scenario S7.
func TestClearOldAnnouncments(t *testing.T) {
	c, _ := newTestController(t, "a:1")
	t0 := time.Now().Unix()
	order := modules.StorageOrder{Time: t0, FileSize: 100, MaxRate: 10, MaxGap: 1}
	if err := c.AnnounceOrder(order, "/tmp/whatever"); err != nil {
		t.Fatal(err)
	}
	orderHash := order.Hash()

	c.ClearOldAnnouncments(t0)
	if _, ok := c.GetAnnounce(orderHash); !ok {
		t.Fatal("ClearOldAnnouncments removed an announcement at exactly the threshold")
	}

	c.ClearOldAnnouncments(t0 + 1)
	if _, ok := c.GetAnnounce(orderHash); ok {
		t.Fatal("ClearOldAnnouncments left a stale announcement in place")
	}
	if c.proposals.IsListening(orderHash) {
		t.Fatal("ClearOldAnnouncments left the listening flag set")
	}
}

// TestFindReplicaKeepersNeverExceedsK is testable property 8.
func TestFindReplicaKeepersNeverExceedsK(t *testing.T) {
	a, aNet := newTestController(t, "a:1")
	order := modules.StorageOrder{Time: time.Now().Unix(), FileSize: 64, MaxRate: 100, MaxGap: 1, Address: "a:1"}
	dataDir := build.TempDir("dfs", t.Name(), "plaintext")
	path := writePlaintext(t, dataDir, bytes.Repeat([]byte{0x42}, 64))
	if err := a.AnnounceOrder(order, path); err != nil {
		t.Fatal(err)
	}
	orderHash := order.Hash()

	const numKeepers = 4
	for i := 0; i < numKeepers; i++ {
		addr := modules.NetAddress(fmt.Sprintf("k%d:1001", i))
		keeper, kNet := newTestController(t, addr)
		wire("a:1", aNet, addr, kNet, a, keeper)
		keeper.HandleAnnounce(order, "a:1")
	}

	accepted := a.FindReplicaKeepers(order, 2)
	if accepted > 2 {
		t.Fatalf("FindReplicaKeepers accepted %d proposals, more than the requested 2", accepted)
	}
	if accepted != 2 {
		t.Fatalf("expected 2 successful accepts out of %d available keepers, got %d", numKeepers, accepted)
	}
}

// TestProtocolHappyPath is scenario S4: two controllers, A (client) and B
// (keeper); A announces, B proposes, A accepts, B validates and stores, and
// A's own mirror decrypts back to the original plaintext.
func TestProtocolHappyPath(t *testing.T) {
	a, aNet := newTestController(t, "a:1")
	b, bNet := newTestController(t, "b:1")
	wire("a:1", aNet, "b:1", bNet, a, b)

	plaintext := bytes.Repeat([]byte{0xAB}, 1024)
	dataDir := build.TempDir("dfs", t.Name(), "plaintext")
	path := writePlaintext(t, dataDir, plaintext)

	var fileURI modules.FileURI
	fileURI[0] = 0xFE
	order := modules.StorageOrder{
		Time: time.Now().Unix(), FileURI: fileURI, Filename: "f",
		FileSize: uint64(len(plaintext)), MaxRate: 10, MaxGap: 1,
		Address: "a:1",
	}
	if err := a.AnnounceOrder(order, path); err != nil {
		t.Fatal(err)
	}
	orderHash := order.Hash()

	b.HandleAnnounce(order, "a:1")
	proposals := a.GetProposals(orderHash)
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal from B, got %d", len(proposals))
	}

	if !a.AcceptProposal(order, proposals[0]) {
		t.Fatal("AcceptProposal failed on the happy path")
	}

	af, err := b.Heap().GetFile(order.FileURI)
	if err != nil {
		t.Fatalf("B's heap has no file under order.FileURI: %v", err)
	}
	if af.Size != crypto.CiphertextSize(order.FileSize) {
		t.Fatalf("stored replica size %d != expected %d", af.Size, crypto.CiphertextSize(order.FileSize))
	}
	if af.Keys == nil {
		t.Fatal("stored replica has no attached keys")
	}

	outPath := filepath.Join(build.TempDir("dfs", t.Name(), "out"), "decrypted")
	os.MkdirAll(filepath.Dir(outPath), 0700)
	if err := a.DecryptReplica(orderHash, outPath); err != nil {
		t.Fatalf("A could not decrypt its own mirror: %v", err)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted mirror does not match original plaintext")
	}

	// A keeper never learns the private key, so it cannot decrypt its own
	// received copy.
	if err := b.DecryptReplica(orderHash, filepath.Join(outPath, "should-not-exist")); err == nil {
		t.Fatal("keeper unexpectedly succeeded at decrypting a replica it never generated keys for")
	}
}

// TestBadReplicaSizeRejected is scenario S5: a truncated ReplicaStream is
// rejected and leaves no trace in the keeper's permanent heap or temp heap.
func TestBadReplicaSizeRejected(t *testing.T) {
	a, aNet := newTestController(t, "a:1")
	b, bNet := newTestController(t, "b:1")
	wire("a:1", aNet, "b:1", bNet, a, b)

	plaintext := bytes.Repeat([]byte{0x11}, 256)
	dataDir := build.TempDir("dfs", t.Name(), "plaintext")
	path := writePlaintext(t, dataDir, plaintext)

	var fileURI modules.FileURI
	fileURI[0] = 0xAA
	order := modules.StorageOrder{
		Time: time.Now().Unix(), FileURI: fileURI, FileSize: uint64(len(plaintext)),
		MaxRate: 10, MaxGap: 1, Address: "a:1",
	}
	if err := a.AnnounceOrder(order, path); err != nil {
		t.Fatal(err)
	}
	orderHash := order.Hash()
	b.HandleAnnounce(order, "a:1")
	proposal := a.GetProposals(orderHash)[0]

	keys, _, err := crypto.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.StartHandshake(order, proposal, keys); err != nil {
		t.Fatal(err)
	}
	// Wait for the keeper's request-replica echo to land in A's table.
	for i := 0; i < 50; i++ {
		if hasHandshake(a, orderHash) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	tempRoomBefore := b.TempHeap().MaxAllocateSize()

	root := crypto.HashBytes([]byte("whatever"))
	rs := &ReplicaStream{
		OrderHash: orderHash, MerkleRoot: root,
		File:   bytes.NewReader(make([]byte, crypto.CiphertextSize(order.FileSize)-crypto.BlockSizeRSA)),
		Length: crypto.CiphertextSize(order.FileSize) - crypto.BlockSizeRSA,
	}
	var buf bytes.Buffer
	rs.MarshalSia(&buf)
	b.HandleSendFile(&buf)

	if _, err := b.Heap().GetFile(order.FileURI); err == nil {
		t.Fatal("a truncated replica was promoted into the permanent heap")
	}
	if _, ok := b.pendingReceives.Load(orderHash); ok {
		t.Fatal("a rejected send-file left a pendingReceives entry behind")
	}
	if got := b.TempHeap().MaxAllocateSize(); got != tempRoomBefore {
		t.Fatalf("a rejected send-file leaked temp heap space: before %d, after %d", tempRoomBefore, got)
	}
}

// TestMerkleMismatchRejected is scenario S6: a correctly sized replica whose
// carried root doesn't match its content is rejected the same way.
func TestMerkleMismatchRejected(t *testing.T) {
	a, aNet := newTestController(t, "a:1")
	b, bNet := newTestController(t, "b:1")
	wire("a:1", aNet, "b:1", bNet, a, b)

	plaintext := bytes.Repeat([]byte{0x22}, 256)
	dataDir := build.TempDir("dfs", t.Name(), "plaintext")
	path := writePlaintext(t, dataDir, plaintext)

	var fileURI modules.FileURI
	fileURI[0] = 0xBB
	order := modules.StorageOrder{
		Time: time.Now().Unix(), FileURI: fileURI, FileSize: uint64(len(plaintext)),
		MaxRate: 10, MaxGap: 1, Address: "a:1",
	}
	if err := a.AnnounceOrder(order, path); err != nil {
		t.Fatal(err)
	}
	orderHash := order.Hash()
	b.HandleAnnounce(order, "a:1")
	proposal := a.GetProposals(orderHash)[0]

	keys, _, err := crypto.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.StartHandshake(order, proposal, keys); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if hasHandshake(a, orderHash) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	tempRoomBefore := b.TempHeap().MaxAllocateSize()

	size := crypto.CiphertextSize(order.FileSize)
	wrongRoot := crypto.HashBytes([]byte("not the real root"))
	rs := &ReplicaStream{
		OrderHash: orderHash, MerkleRoot: wrongRoot,
		File: bytes.NewReader(bytes.Repeat([]byte{0x01}, int(size))), Length: size,
	}
	var buf bytes.Buffer
	rs.MarshalSia(&buf)
	b.HandleSendFile(&buf)

	if _, err := b.Heap().GetFile(order.FileURI); err == nil {
		t.Fatal("a replica with a mismatched merkle root was promoted into the permanent heap")
	}
	if _, ok := b.pendingReceives.Load(orderHash); ok {
		t.Fatal("a rejected send-file left a pendingReceives entry behind")
	}
	if got := b.TempHeap().MaxAllocateSize(); got != tempRoomBefore {
		t.Fatalf("a rejected send-file leaked temp heap space: before %d, after %d", tempRoomBefore, got)
	}
}
