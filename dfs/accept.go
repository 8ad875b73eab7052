package dfs

// accept.go implements spec.md section 4.6's client-side accept pipeline:
// FindReplicaKeepers picks the cheapest proposals received for an order and
// drives AcceptProposal against each until enough have succeeded;
// AcceptProposal runs the handshake, encrypt, and send-file steps for a
// single proposal. Dial-retry budgets (the "up to ~100 attempts over ~50s"
// of spec.md section 4.6 step 2) live behind PeerNetwork.Send's own
// implementation, not here -- dialing and connection lifecycle are out of
// this package's scope (spec.md section 1).
//
// Grounded directly on original_source/src/lux/storagecontroller.cpp's
// AcceptProposal/CreateReplica/SendReplica: generate keys, handshake, poll
// ReceivedHandshakes for up to 30s, then encrypt into a scratch file in the
// temporary heap, build its Merkle root, and push it. Unlike the reference
// (which frees its RSA key pair and deletes the scratch ciphertext the
// instant the send completes, so DecryptReplica can never actually work
// afterward), this implementation keeps the last ciphertext plus its full
// key pair per order in replicaMirrors -- see DecryptReplica below.

import (
	"bytes"
	"crypto/rsa"
	"os"
	"sort"
	"time"

	"github.com/luxfs/storaged/crypto"
	"github.com/luxfs/storaged/merkle"
	"github.com/luxfs/storaged/modules"
	"github.com/luxfs/storaged/storage"
)

// replicaMirror is the last ciphertext this controller produced for an
// order as a client, plus the full key pair (including the RSA private
// half, which never leaves this struct) needed to decrypt it again.
type replicaMirror struct {
	ciphertext *storage.AllocatedFile
	keys       crypto.DecryptionKeys
	priv       *rsa.PrivateKey
}

// FindReplicaKeepers selects up to k proposals for orderHash, cheapest Rate
// first (ties broken by earliest Time, then by ProposalHash for a fully
// deterministic order), and calls AcceptProposal against each in turn until
// k have succeeded or the candidates are exhausted. It returns the number
// that succeeded, which is never more than k even when many candidates
// would succeed.
func (c *Controller) FindReplicaKeepers(order modules.StorageOrder, k int) int {
	orderHash := order.Hash()
	proposals := c.GetProposals(orderHash)
	sort.Slice(proposals, func(i, j int) bool {
		pi, pj := proposals[i], proposals[j]
		if pi.Rate != pj.Rate {
			return pi.Rate < pj.Rate
		}
		if pi.Time != pj.Time {
			return pi.Time < pj.Time
		}
		hi, hj := pi.Hash(), pj.Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	accepted := 0
	for _, p := range proposals {
		if accepted >= k {
			break
		}
		if c.AcceptProposal(order, p) {
			accepted++
		}
	}
	return accepted
}

// AcceptProposal runs the full client-side accept pipeline against a single
// proposal: generate a fresh key pair, handshake, wait for the keeper's
// request-replica echo, then encrypt and send the replica. It returns false
// -- leaving no residue -- on a handshake timeout, an unreachable peer, or
// any downstream I/O failure.
func (c *Controller) AcceptProposal(order modules.StorageOrder, proposal modules.StorageProposal) bool {
	orderHash := order.Hash()
	proposalHash := proposal.Hash()

	keys, priv, err := crypto.GenerateKeys()
	if err != nil {
		c.log.Println("WARN: could not generate replica keys:", err)
		return false
	}

	if err := c.StartHandshake(order, proposal, keys); err != nil {
		c.log.Println("WARN: could not start handshake:", err)
		return false
	}

	if !c.waitForRequestReplica(orderHash, proposalHash) {
		if err := c.net.ClosePeer(proposal.Address); err != nil {
			c.log.Println("WARN: could not close peer after handshake timeout:", err)
		}
		return false
	}

	return c.sendReplica(order, proposal, keys, priv)
}

// StartHandshake sends order's client-generated keys to proposal's address,
// the first message of spec.md section 4.6's handshake exchange.
func (c *Controller) StartHandshake(order modules.StorageOrder, proposal modules.StorageProposal, keys crypto.DecryptionKeys) error {
	hs := modules.StorageHandshake{
		Time:         time.Now().Unix(),
		OrderHash:    order.Hash(),
		ProposalHash: proposal.Hash(),
		Port:         c.cfg.ListenPort,
		Keys:         &keys,
	}
	return c.net.Send(proposal.Address, "handshake", hs)
}

// waitForRequestReplica polls ReceivedHandshakes for up to handshakeEchoWait
// for a request-replica echo matching orderHash and proposalHash, at
// handshakeEchoPoll intervals. It returns early with false if the
// controller is closed while waiting.
func (c *Controller) waitForRequestReplica(orderHash modules.OrderHash, proposalHash modules.ProposalHash) bool {
	deadline := time.Now().Add(handshakeEchoWait)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		hs, ok := c.handshakes[orderHash]
		c.mu.Unlock()
		if ok && hs.ProposalHash == proposalHash && hs.IsRequestReplica() {
			return true
		}
		select {
		case <-c.tg.StopChan():
			return false
		case <-time.After(handshakeEchoPoll):
		}
	}
	return false
}

// sendReplica encrypts the order's locally announced plaintext under keys
// into a scratch file in the temporary heap, builds its Merkle root, pushes
// it to proposal's address as a send-file message, and -- on success --
// replaces this order's replicaMirror with the new ciphertext and keys. It
// returns false, freeing every temporary it created, on any failure.
func (c *Controller) sendReplica(order modules.StorageOrder, proposal modules.StorageProposal, keys crypto.DecryptionKeys, priv *rsa.PrivateKey) bool {
	orderHash := order.Hash()

	c.mu.Lock()
	localPath, ok := c.localFiles[orderHash]
	c.mu.Unlock()
	if !ok {
		c.log.Println("WARN: no local file bound to order", orderHash)
		return false
	}

	pub, err := crypto.ParsePublicKey(keys.RSAPublicKey)
	if err != nil {
		c.log.Println("WARN: could not parse freshly generated public key:", err)
		return false
	}

	ciphertextSize := crypto.CiphertextSize(order.FileSize)
	cipherFile, err := c.tempHeap.AllocateFile(modules.ZeroURI, ciphertextSize)
	if err != nil {
		c.log.Println("WARN: could not allocate replica scratch space:", err)
		return false
	}
	ok = false
	defer func() {
		if !ok {
			c.tempHeap.FreeFile(cipherFile)
		}
	}()

	if err := c.encryptToFile(localPath, cipherFile.FullPath, order.FileSize, pub, keys.AESKey); err != nil {
		c.log.Println("WARN: could not encrypt replica:", err)
		return false
	}

	merkleScratch, err := c.tempHeap.AllocateFile(modules.ZeroURI, ciphertextSize)
	if err != nil {
		c.log.Println("WARN: could not allocate merkle scratch:", err)
		return false
	}
	defer c.tempHeap.FreeFile(merkleScratch)

	root, err := merkle.ConstructMerkleTree(cipherFile.FullPath, merkleScratch.FullPath)
	if err != nil {
		c.log.Println("WARN: could not build merkle tree:", err)
		return false
	}

	f, err := os.Open(cipherFile.FullPath)
	if err != nil {
		c.log.Println("WARN: could not reopen replica ciphertext:", err)
		return false
	}
	defer f.Close()

	rs := &ReplicaStream{OrderHash: orderHash, MerkleRoot: root, File: f, Length: ciphertextSize}
	if err := c.net.Send(proposal.Address, "send-file", rs); err != nil {
		c.log.Println("WARN: could not send replica:", err)
		return false
	}

	c.mu.Lock()
	if old, had := c.replicaMirrors[orderHash]; had {
		c.tempHeap.FreeFile(old.ciphertext)
	}
	c.replicaMirrors[orderHash] = replicaMirror{ciphertext: cipherFile, keys: keys, priv: priv}
	c.mu.Unlock()

	ok = true
	return true
}

// encryptToFile streams srcPath's plaintext through crypto.EncryptStream
// into the already-allocated regular file at dstPath.
func (c *Controller) encryptToFile(srcPath, dstPath string, fileSize uint64, pub *rsa.PublicKey, aesKey [crypto.AESKeySize]byte) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer dst.Close()

	return crypto.EncryptStream(dst, src, fileSize, pub, aesKey)
}

// DecryptReplica reads back this controller's own replicaMirror for
// orderHash -- the last ciphertext it encrypted as a client, together with
// the RSA private key it generated for it -- and writes its plaintext to
// outputPath. A keeper that merely stores a replica it received never
// generated that key and has no mirror, so calling DecryptReplica there
// logs and returns ErrCryptoFailure without writing a partial file, exactly
// section 7's failure mode.
func (c *Controller) DecryptReplica(orderHash modules.OrderHash, outputPath string) error {
	order, ok := c.GetAnnounce(orderHash)
	if !ok {
		c.log.Println("WARN: DecryptReplica called for unknown order", orderHash)
		return modules.ErrUnknownOrder
	}

	c.mu.Lock()
	mirror, ok := c.replicaMirrors[orderHash]
	c.mu.Unlock()
	if !ok {
		c.log.Println("WARN: DecryptReplica has no local mirror for order", orderHash)
		return modules.ErrCryptoFailure
	}

	in, err := os.Open(mirror.ciphertext.FullPath)
	if err != nil {
		c.log.Println("WARN: could not open mirrored ciphertext:", err)
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		c.log.Println("WARN: could not create decrypt output:", err)
		return err
	}
	if err := crypto.DecryptStream(out, in, order.FileSize, mirror.priv, mirror.keys.AESKey); err != nil {
		out.Close()
		os.Remove(outputPath)
		c.log.Println("WARN: could not decrypt replica:", err)
		return err
	}
	return out.Close()
}
