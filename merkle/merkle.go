// Package merkle builds and verifies the Merkle root used to confirm that a
// replica arrived intact. It plays the same role here that
// github.com/NebulousLabs/merkletree plays for Sia's renter/host contract
// revisions: a stack-based tree builder pushed one leaf at a time. That
// library doesn't expose its intermediate layers, though, and the storage
// protocol's Merkler needs to spill them to a side file to bound memory on
// large replicas, so the layer bookkeeping here is hand-rolled. Leaves are
// hashed as H(block) and nodes as H(left||right) with the module's own
// blake2b hash; unlike NebulousLabs/merkletree, no 0x00 leaf or 0x01 node
// prefix is added, so the two give different roots for the same data.
package merkle

import (
	"io"
	"os"

	"github.com/NebulousLabs/errors"

	"github.com/luxfs/storaged/crypto"
)

var (
	// ErrIoFailure covers read/write failures against the ciphertext or
	// sidecar files.
	ErrIoFailure = errors.New("merkle: io failure")
)

// leafSize is the size, in bytes, of the blocks the ciphertext file is
// partitioned into before hashing. It is pinned to the ReplicaCodec's block
// size: a Merkle leaf is one wire block.
const leafSize = crypto.BlockSizeRSA

// hashLeaf hashes a single on-disk ciphertext block.
func hashLeaf(block []byte) crypto.Hash {
	return crypto.HashBytes(block)
}

// hashNode hashes the concatenation of two child nodes, in left-to-right
// order.
func hashNode(left, right crypto.Hash) crypto.Hash {
	return crypto.HashBytes(append(append([]byte{}, left[:]...), right[:]...))
}

// ConstructMerkleTree partitions ciphertextPath into leafSize blocks, hashes
// each to form layer 0, then repeatedly pairs adjacent nodes of each layer
// until a single root remains, writing every intermediate layer to
// sidecarPath in order. An odd trailing node in a layer is promoted
// unchanged to the next layer rather than duplicated and re-hashed — this is
// the same policy github.com/NebulousLabs/merkletree's stack-based Tree
// implements (an unpaired subtree is simply combined with the final
// accumulated root once no smaller subtree remains to pair it with), and
// it's pinned here so that the same ciphertext always produces the same
// root.
//
// The caller owns sidecarPath and MUST delete it once root comparison is
// complete; ConstructMerkleTree only appends to it.
func ConstructMerkleTree(ciphertextPath, sidecarPath string) (crypto.Hash, error) {
	in, err := os.Open(ciphertextPath)
	if err != nil {
		return crypto.Hash{}, errors.Extend(err, ErrIoFailure)
	}
	defer in.Close()

	sidecar, err := os.Create(sidecarPath)
	if err != nil {
		return crypto.Hash{}, errors.Extend(err, ErrIoFailure)
	}
	defer sidecar.Close()

	layer, err := readLeaves(in)
	if err != nil {
		return crypto.Hash{}, err
	}
	if len(layer) == 0 {
		return crypto.Hash{}, errors.New("merkle: ciphertext file is empty")
	}

	for {
		if err := writeLayer(sidecar, layer); err != nil {
			return crypto.Hash{}, err
		}
		if len(layer) == 1 {
			return layer[0], nil
		}
		layer = nextLayer(layer)
	}
}

// readLeaves reads r in leafSize chunks (the final chunk may be short) and
// hashes each into layer 0.
func readLeaves(r io.Reader) ([]crypto.Hash, error) {
	var leaves []crypto.Hash
	buf := make([]byte, leafSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			leaves = append(leaves, hashLeaf(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errors.Extend(err, ErrIoFailure)
		}
	}
	return leaves, nil
}

// nextLayer pairs adjacent nodes of layer, hashing each pair together. An
// odd trailing node is promoted to the next layer unchanged.
func nextLayer(layer []crypto.Hash) []crypto.Hash {
	next := make([]crypto.Hash, 0, (len(layer)+1)/2)
	i := 0
	for ; i+1 < len(layer); i += 2 {
		next = append(next, hashNode(layer[i], layer[i+1]))
	}
	if i < len(layer) {
		next = append(next, layer[i])
	}
	return next
}

// writeLayer appends the concatenated node hashes of layer to w.
func writeLayer(w io.Writer, layer []crypto.Hash) error {
	for _, h := range layer {
		if _, err := w.Write(h[:]); err != nil {
			return errors.Extend(err, ErrIoFailure)
		}
	}
	return nil
}
