// Package xferkey implements the authenticated-encryption primitives the
// transfer engine relies on: AES-128 CTR for file bodies, a CBC-MAC
// accumulator per chunk, and the mac-of-macs fold that produces a whole-file
// integrity tag. AES itself is a primitive and is not reimplemented here;
// this package only composes stdlib crypto/aes and crypto/cipher.
package xferkey

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"

	"github.com/pkg/errors"
)

const (
	// KeySize is the size, in bytes, of a transfer's symmetric key.
	KeySize = 16

	// BlockSize is the AES block size and therefore the MAC size.
	BlockSize = aes.BlockSize

	// FileKeySize is the size of the finalized, server-facing file key:
	// transferkey (16) || ctriv (8) || mac-of-macs (8).
	FileKeySize = 32

	// newTokenLen is the length, in bytes, of a current-format upload token.
	newTokenLen = 36

	// legacyTokenLen is the decoded length of a legacy base64 upload token.
	legacyTokenLen = 27
)

// TransferKey is the 16-byte symmetric key shared between client and storage
// server for one transfer.
type TransferKey [KeySize]byte

// Block is a single AES-128 block (16 bytes).
type Block [BlockSize]byte

// Cipher wraps the AES block cipher for one transfer: it derives CTR
// keystreams for bulk en/decryption and performs the single-block
// encryptions the CBC-MAC fold needs.
type Cipher struct {
	block cipher.Block
}

// NewCipher constructs a Cipher from a transfer key.
func NewCipher(key TransferKey) (*Cipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Errorf("failed to construct AES cipher: %+v", err)
	}
	return &Cipher{block: block}, nil
}

// EncryptBlock encrypts one 16-byte block in place. Used both by the CBC-MAC
// accumulator (per chunk) and by the mac-of-macs fold (per chunk-MAC entry).
func (c *Cipher) EncryptBlock(b *Block) {
	c.block.Encrypt(b[:], b[:])
}

// ctrIV builds the 16-byte CTR counter-block for a byte offset within the
// file: the high 8 bytes are the transfer's ctriv, the low 8 bytes are the
// big-endian block index (offset / 16). CTR mode then increments this
// counter once per subsequent block, so any aligned sub-range can be
// decrypted independently by seeking the counter.
func ctrIV(ctriv uint64, blockOffset int64) [BlockSize]byte {
	var iv [BlockSize]byte
	putUint64BE(iv[0:8], ctriv)
	putUint64BE(iv[8:16], uint64(blockOffset))
	return iv
}

func putUint64BE(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// CTRStream returns a cipher.Stream positioned to en/decrypt the byte range
// starting at "start" (which must be block-aligned) of a file using ctriv as
// the transfer's counter IV.
func (c *Cipher) CTRStream(ctriv uint64, start int64) cipher.Stream {
	iv := ctrIV(ctriv, start/BlockSize)
	return cipher.NewCTR(c.block, iv[:])
}

// XORCrypt runs CTR en/decryption (they are the same operation) over buf in
// place, for the byte range [start, start+len(buf)). start must be a
// multiple of BlockSize; CTR mode is self-inverse so this serves both
// encryption and decryption.
func (c *Cipher) XORCrypt(ctriv uint64, start int64, buf []byte) {
	c.CTRStream(ctriv, start).XORKeyStream(buf, buf)
}

// ChunkMAC computes the CBC-MAC of one chunk's plaintext. The final block is
// zero-padded if the chunk is not a multiple of BlockSize (true only for the
// last chunk of the file).
func (c *Cipher) ChunkMAC(ctriv uint64, chunkStart int64, plaintext []byte) Block {
	var mac Block
	// The MAC accumulator is itself CTR-masked per 16-byte block using the
	// same counter the body encryption uses for that block, then chained
	// CBC-style into a single accumulator.
	stream := c.CTRStream(ctriv, chunkStart)
	var masked [BlockSize]byte

	for off := 0; off < len(plaintext); off += BlockSize {
		end := off + BlockSize
		var block [BlockSize]byte
		if end > len(plaintext) {
			copy(block[:], plaintext[off:])
		} else {
			copy(block[:], plaintext[off:end])
		}

		stream.XORKeyStream(masked[:], block[:])
		for i := range mac {
			mac[i] ^= masked[i]
		}
		c.EncryptBlock(&mac)
	}

	return mac
}

// MacOfMacs folds a sequence of per-chunk MACs (in ascending offset order)
// into a single file-wide integrity tag: initial zero block, XOR each MAC
// in, encrypt the accumulator after each XOR.
func (c *Cipher) MacOfMacs(macs []Block) Block {
	var acc Block
	for _, m := range macs {
		for i := range acc {
			acc[i] ^= m[i]
		}
		c.EncryptBlock(&acc)
	}
	return acc
}

// FileKey is the 32-byte server-facing key: transferkey || ctriv || mac, with
// the second half obfuscated by XOR against the first.
type FileKey [FileKeySize]byte

// FinalizeFileKey derives the server-facing file key from the transfer key,
// counter IV, and computed mac-of-macs, applying the k2 ^= k1 obfuscation.
func FinalizeFileKey(key TransferKey, ctriv uint64, mac Block) FileKey {
	var fk FileKey
	copy(fk[0:16], key[:])
	putUint64BE(fk[16:24], ctriv)
	copy(fk[24:32], mac[:8])

	for i := 0; i < 16; i++ {
		fk[16+i] ^= fk[i]
	}
	return fk
}

// ParseUploadToken interprets a PUT response body as an upload token: either
// a current-format token of length newTokenLen, or a legacy token that
// base64-decodes to legacyTokenLen bytes. Any other length is a numeric
// server error code, not a token, and ok is false.
func ParseUploadToken(body []byte) (token []byte, ok bool) {
	if len(body) == newTokenLen {
		return body, true
	}

	decoded, err := base64.StdEncoding.DecodeString(string(body))
	if err == nil && len(decoded) == legacyTokenLen {
		return decoded, true
	}

	return nil, false
}
