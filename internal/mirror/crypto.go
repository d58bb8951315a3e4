package mirror

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 4096
	derivedKeyLen    = 32
)

// keySalt is fixed so a fresh host can derive the same key from the
// passphrase alone when restoring.
var keySalt = []byte("geminipanel.mirror.v1")

func deriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), keySalt, pbkdf2Iterations, derivedKeyLen, sha256.New)
}

// encrypt seals plain with AES-256-CBC under a key derived from the
// passphrase. The random IV is prepended to the ciphertext.
func encrypt(plain []byte, passphrase string) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// decrypt reverses encrypt. It fails on truncated input or bad padding.
func decrypt(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < 2*aes.BlockSize || (len(sealed)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is truncated")
	}
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return nil, err
	}
	iv := sealed[:aes.BlockSize]
	data := make([]byte, len(sealed)-aes.BlockSize)
	copy(data, sealed[aes.BlockSize:])
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)
	return pkcs7Unpad(data, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("padded data has invalid length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
