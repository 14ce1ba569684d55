package mesh

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

var (
	errBadCiphertextLen = errors.New("ciphertext length invalid")
	errBadPadding       = errors.New("pkcs7 padding invalid")
)

const (
	pbkdfSalt  = "mesh-network-salt"
	pbkdfIters = 1000 // PyCryptodome's PBKDF2 default; the spec is silent, see DESIGN.md
	aesKeyLen  = 32
)

// cryptoService derives one process-wide AES-256 key from the shared
// passphrase and exposes authenticated-free CBC encrypt/decrypt plus a
// digest helper used for file ids. Deliberately not an AEAD: see
// DESIGN.md's note on the crypto posture this preserves.
type cryptoService struct {
	key []byte
}

func newCryptoService(passphrase string) *cryptoService {
	key := pbkdf2.Key([]byte(passphrase), []byte(pbkdfSalt), pbkdfIters, aesKeyLen, sha256.New)
	return &cryptoService{key: key}
}

// encrypt returns base64(iv || ciphertext) for the PKCS#7-padded plaintext.
func (c *cryptoService) encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", newErr(KindCrypto, "encrypt", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", newErr(KindCrypto, "encrypt", err)
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(append(iv, ct...)), nil
}

// decrypt reverses encrypt. Any base64, length, or padding fault yields a
// CryptoError; callers drop the envelope silently on error.
func (c *cryptoService) decrypt(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, newErr(KindCrypto, "decrypt", err)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, newErr(KindCrypto, "decrypt", err)
	}
	if len(raw) < aes.BlockSize || (len(raw)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, newErr(KindCrypto, "decrypt", errBadCiphertextLen)
	}
	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(ct) == 0 {
		return nil, newErr(KindCrypto, "decrypt", errBadCiphertextLen)
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, newErr(KindCrypto, "unpad", errBadPadding)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, newErr(KindCrypto, "unpad", errBadPadding)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, newErr(KindCrypto, "unpad", errBadPadding)
		}
	}
	return data[:len(data)-padLen], nil
}

// sha256Hex hashes msg and returns its lowercase hex digest, used by C8 for
// file id derivation.
func sha256Hex(msg []byte) string {
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:])
}
