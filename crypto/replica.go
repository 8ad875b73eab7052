package crypto

// replica.go implements the replica cryptographic pipeline: a block-wise
// hybrid cipher that wraps an AES-CTR keystream under raw RSA so that every
// output block is exactly BlockSizeRSA bytes, independent of how much
// plaintext that block actually carries. This is the "ReplicaCodec" of the
// storage overlay: dfs's AcceptProposal calls GenerateKeys for a key pair per
// replica per keeper, and EncryptStream/DecryptStream stream a file through
// it one block at a time.
//
// The wire format intentionally does not use RSA-OAEP or PKCS#1v1.5 padding.
// Both schemes eat into the per-block budget (OAEP costs 2*hLen+2 bytes,
// PKCS#1v1.5 costs 11) and neither leaves room for the required ceil(n/(B-2))
// block count. Instead each block is prefixed with two zero bytes before the
// raw modular exponentiation, which guarantees the resulting integer is
// smaller than the modulus (see minModulus below) without spending any of
// the B-2 payload bytes on padding. This is "textbook RSA": deterministic,
// unpadded, and only as strong as the key-wrapping scheme around it. It
// matches the wire format pinned by the storage protocol, not general-purpose
// RSA usage.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"io"
	"math/big"

	"github.com/NebulousLabs/errors"
)

const (
	// BlockSizeRSA is B: the RSA modulus size in bytes. Every ciphertext
	// block emitted by EncryptStream is exactly this many bytes, regardless
	// of how much plaintext it carries.
	BlockSizeRSA = 128

	// rsaKeyBits is the RSA key size implied by BlockSizeRSA.
	rsaKeyBits = BlockSizeRSA * 8

	// AESKeySize is the length in bytes of the symmetric key generated for
	// each replica.
	AESKeySize = 32

	// plainBlockSize is B-2: the maximum plaintext bytes carried by a single
	// output block, after the two zero header bytes that guarantee the
	// padded integer is smaller than the modulus.
	plainBlockSize = BlockSizeRSA - 2
)

var (
	// ErrRsaFailure covers RSA key generation and (de/en)cryption failures.
	ErrRsaFailure = errors.New("rsa operation failed")
	// ErrShortRead is returned when a ciphertext stream ends before the
	// expected number of blocks have been read.
	ErrShortRead = errors.New("ciphertext ended before the expected length was reached")
	// ErrBadCiphertextSize is returned when a ciphertext's length is not a
	// multiple of BlockSizeRSA.
	ErrBadCiphertextSize = errors.New("ciphertext size is not a multiple of the RSA block size")
)

// minModulus is the smallest modulus under which every padded block (two
// zero bytes followed by up to B-2 payload bytes, interpreted as a big-endian
// integer) is guaranteed to be smaller than the modulus. Any RSA key whose
// modulus exceeds this is safe to use; in practice every key produced by
// crypto/rsa.GenerateKey(rand, rsaKeyBits) qualifies; the check exists to
// make that guarantee explicit rather than assumed.
var minModulus = new(big.Int).Lsh(big.NewInt(1), uint(8*plainBlockSize))

// DecryptionKeys is the key material generated for one replica, handed from
// client to keeper over a handshake and stored by the keeper alongside the
// replica it decrypts.
type DecryptionKeys struct {
	RSAPublicKey []byte // PEM-encoded PKCS#1 public key
	AESKey       [AESKeySize]byte
}

// CiphertextSize returns the on-disk size of an encrypted replica for a
// plaintext of n bytes: ceil(n/(B-2)) * B. A zero-byte plaintext still
// occupies one block.
func CiphertextSize(n uint64) uint64 {
	blocks := n / plainBlockSize
	if n%plainBlockSize != 0 || n == 0 {
		blocks++
	}
	return blocks * BlockSizeRSA
}

// GenerateKeys creates a fresh RSA key pair whose modulus exceeds minModulus,
// and a fresh random AES key, for use by exactly one replica. The caller owns
// the returned private key; SecureWipe the AES key once it is no longer
// needed to decrypt the replica it was generated for.
func GenerateKeys() (DecryptionKeys, *rsa.PrivateKey, error) {
	var priv *rsa.PrivateKey
	for {
		var err error
		priv, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return DecryptionKeys{}, nil, errors.Extend(err, ErrRsaFailure)
		}
		if priv.N.Cmp(minModulus) > 0 {
			break
		}
	}

	var aesKey [AESKeySize]byte
	copy(aesKey[:], RandBytes(AESKeySize))

	pubDER := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: pubDER})

	return DecryptionKeys{RSAPublicKey: pubPEM, AESKey: aesKey}, priv, nil
}

// ParsePublicKey decodes a PEM-encoded PKCS#1 RSA public key, as produced by
// GenerateKeys and carried on the wire inside a StorageHandshake.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.Extend(errors.New("no PEM block found"), ErrRsaFailure)
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Extend(err, ErrRsaFailure)
	}
	return pub, nil
}

// blockIV derives the AES-CTR initialization vector for the block at the
// given index. Every block of a replica is encrypted under the same AES key,
// so the counter half of the IV must be unique per block; the key itself is
// unique per replica, so reusing this deterministic IV scheme across
// different replicas is safe.
func blockIV(index uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], index)
	return iv
}

func aesStream(aesKey [AESKeySize]byte, index uint64, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return nil, errors.Extend(err, ErrRsaFailure)
	}
	stream := cipher.NewCTR(block, blockIV(index))
	out := make([]byte, len(in))
	stream.XORKeyStream(out, in)
	return out, nil
}

// rsaEncryptBlock performs the raw (unpadded) RSA encryption of a single
// plainBlockSize-or-shorter AES-CTR output, returning exactly BlockSizeRSA
// bytes.
func rsaEncryptBlock(pub *rsa.PublicKey, data []byte) []byte {
	padded := make([]byte, plainBlockSize)
	copy(padded, data)
	m := new(big.Int).SetBytes(padded)
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	out := make([]byte, BlockSizeRSA)
	c.FillBytes(out)
	return out
}

// rsaDecryptBlock inverts rsaEncryptBlock, returning the plainBlockSize bytes
// of AES-CTR output that were wrapped (the two zero header bytes are
// discarded).
func rsaDecryptBlock(priv *rsa.PrivateKey, block []byte) []byte {
	c := new(big.Int).SetBytes(block)
	m := new(big.Int).Exp(c, priv.D, priv.N)
	padded := make([]byte, BlockSizeRSA)
	m.FillBytes(padded)
	return padded[BlockSizeRSA-plainBlockSize:]
}

// EncryptStream reads plaintext from r and writes CiphertextSize(fileSize)
// bytes of ciphertext to w, one BlockSizeRSA-byte block at a time. fileSize
// bounds the number of blocks produced; a short read from r (EOF before
// fileSize bytes have been consumed) is treated as the end of the plaintext,
// matching the final short block described in spec.md section 4.2.
func EncryptStream(w io.Writer, r io.Reader, fileSize uint64, pub *rsa.PublicKey, aesKey [AESKeySize]byte) error {
	total := CiphertextSize(fileSize)
	buf := make([]byte, plainBlockSize)
	for written, index := uint64(0), uint64(0); written < total; written, index = written+BlockSizeRSA, index+1 {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return errors.Extend(err, ErrShortRead)
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		enc, err := aesStream(aesKey, index, buf)
		if err != nil {
			return err
		}
		block := rsaEncryptBlock(pub, enc)
		if _, err := w.Write(block); err != nil {
			return errors.Extend(err, ErrRsaFailure)
		}
	}
	return nil
}

// DecryptStream reads ciphertext from r, block by block, writing at most
// plainBlockSize bytes of plaintext per block to w, tracking remaining
// plaintext bytes against fileSize so that the final short block is not
// padded with keystream garbage.
func DecryptStream(w io.Writer, r io.Reader, fileSize uint64, priv *rsa.PrivateKey, aesKey [AESKeySize]byte) error {
	block := make([]byte, BlockSizeRSA)
	remaining := fileSize
	for index := uint64(0); remaining > 0; index++ {
		if _, err := io.ReadFull(r, block); err != nil {
			return errors.Extend(err, ErrShortRead)
		}
		padded := rsaDecryptBlock(priv, block)
		plain, err := aesStream(aesKey, index, padded)
		if err != nil {
			return err
		}
		toWrite := uint64(len(plain))
		if toWrite > remaining {
			toWrite = remaining
		}
		if _, err := w.Write(plain[:toWrite]); err != nil {
			return errors.Extend(err, ErrRsaFailure)
		}
		remaining -= toWrite
	}
	return nil
}
