// Package bm6crypto implements the fixed-key block cipher used by the
// BM6-class encrypted battery monitor family. The key is a protocol
// constant, not a credential: cryptographic key discovery is out of scope
// (see battery-hawk's core Non-goals).
package bm6crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/batteryhawk/core/pkg/battery"
)

const blockSize = 16

// key is the fixed 16-byte AES key the encrypted-monitor family uses for
// every device of this family: a well-known constant string concatenated
// with four sentinel bytes.
var key = []byte{
	0x6c, 0x65, 0x61, 0x67, 0x65, 0x6e, 0x64, 0x2d,
	0x62, 0x6d, 0x32, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// zeroIV is used for every CBC operation; see the Open Question in the
// design notes resolving CBC-with-zero-IV against observed device
// behavior.
var zeroIV = make([]byte, blockSize)

func newCBCBlocks() (cipher.Block, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bm6crypto: %w", err)
	}
	return block, nil
}

// Encrypt encrypts one or more 16-byte blocks with the fixed key and zero
// IV in CBC mode. Input not a multiple of 16 bytes fails with
// ProtocolFramingError.
func Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 || len(plaintext)%blockSize != 0 {
		return nil, fmt.Errorf("%w: plaintext length %d not a multiple of %d", battery.ProtocolFramingError, len(plaintext), blockSize)
	}

	block, err := newCBCBlocks()
	if err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(plaintext))
	mode := cipher.NewCBCEncrypter(block, zeroIV)
	mode.CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

// Decrypt decrypts one or more 16-byte blocks with the fixed key and zero
// IV in CBC mode. Input not a multiple of 16 bytes fails with
// ProtocolFramingError.
func Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a multiple of %d", battery.ProtocolFramingError, len(ciphertext), blockSize)
	}

	block, err := newCBCBlocks()
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, zeroIV)
	mode.CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// PadCommand right-pads a short ASCII-hex command payload with zero bytes
// to one full 16-byte block, ready for Encrypt.
func PadCommand(payload []byte) ([]byte, error) {
	if len(payload) > blockSize {
		return nil, fmt.Errorf("%w: command payload length %d exceeds block size", battery.ProtocolFramingError, len(payload))
	}
	block := make([]byte, blockSize)
	copy(block, payload)
	return block, nil
}
