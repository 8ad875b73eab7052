package modules

import "github.com/NebulousLabs/errors"

// ErrHostFault is an error that is usually extended to indicate that an error
// is the host's fault.
var ErrHostFault = errors.New("")

// IsHostsFault indicates if a returned error is the host's fault.
func IsHostsFault(err error) bool {
	return errors.Contains(err, ErrHostFault)
}

// Error kinds surfaced by the storage controller (dfs package) and the types
// it hands out. Handlers never let these escape to the transport -- they are
// logged and swallowed, per the controller's silent-drop policy.
// AcceptProposal and checkReceivedReplica report failure as a bool;
// DecryptReplica returns ErrUnknownOrder or ErrCryptoFailure.
var (
	// ErrUnknownOrder is returned when an operation references an
	// OrderHash with no entry in the Announcements table.
	ErrUnknownOrder = errors.New("dfs: no announcement for this order hash")
	// ErrNoSpace is returned by a StorageHeap that cannot satisfy an
	// allocation from any of its chunks.
	ErrNoSpace = errors.New("dfs: no chunk has enough free space")
	// ErrUnknownURI is returned when a StorageHeap is asked to look up,
	// free, or attach keys to a URI it never allocated.
	ErrUnknownURI = errors.New("dfs: no allocation for this uri")
	// ErrPeerUnreachable is returned when dialing a peer's advertised
	// address fails after exhausting the retry budget.
	ErrPeerUnreachable = errors.New("dfs: peer could not be reached")
	// ErrHandshakeTimeout names a request-replica echo that never arrives
	// within the handshake's polling window. No function in this module
	// returns it; AcceptProposal reports that case as false.
	ErrHandshakeTimeout = errors.New("dfs: timed out waiting for handshake echo")
	// ErrBadReplicaSize names a received replica whose on-disk size does
	// not match ciphertextSize(order.fileSize). No function in this module
	// returns it; checkReceivedReplica reports that case as false.
	ErrBadReplicaSize = errors.New("dfs: replica size does not match the announced file size")
	// ErrMerkleMismatch names a received replica whose recomputed Merkle
	// root does not match the root carried on the wire. No function in this
	// module returns it; checkReceivedReplica reports that case as false.
	ErrMerkleMismatch = errors.New("dfs: merkle root mismatch")
	// ErrCryptoFailure covers RSA/AES failures surfaced above crypto.
	ErrCryptoFailure = errors.New("dfs: cryptographic operation failed")
	// ErrIoFailure covers filesystem and stream failures surfaced above
	// the storage heap, codec, and merkle packages.
	ErrIoFailure = errors.New("dfs: i/o operation failed")
	// ErrCanceled names a blocking wait or background tick that observed
	// the controller's shutdown signal. No function in this module returns
	// it; waitForRequestReplica reports that case as false.
	ErrCanceled = errors.New("dfs: operation canceled")
)
