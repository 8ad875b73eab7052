package crypto

// SecureWipe zeroes every byte of b in place, for scrubbing AES keys and
// decrypted plaintext buffers from memory. The ReplicaCodec does not call it
// on its own buffers; a slice is wiped only when it is passed here.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
