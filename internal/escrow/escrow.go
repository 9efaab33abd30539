package escrow

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"

	"spinbridge/internal/domain"
)

// Bundle is the full output of Seal. Only PublicID and CiphertextHex are
// persisted; PrivateID is handed to the creating caller and forgotten, so
// holding it is the capability to decrypt.
type Bundle struct {
	PublicID      string
	PrivateID     string
	CiphertextHex string
}

const (
	saltLen  = 16
	keyLen   = 32
	scryptN  = 1 << 15
	scryptR  = 8
	scryptP  = 1
)

// Seal generates a fresh identifier pair, derives a key from their
// concatenation and encrypts plaintext. The hex ciphertext is safe to store
// as an opaque ledger transaction payload.
func Seal(plaintext []byte) (*Bundle, error) {
	publicID := uuid.NewString()
	privateID := uuid.NewString()

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	gcm, err := newCipher(publicID, privateID, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	blob := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, nil)

	return &Bundle{
		PublicID:      publicID,
		PrivateID:     privateID,
		CiphertextHex: hex.EncodeToString(blob),
	}, nil
}

// Unseal reverses Seal. Any failure (bad hex, truncated blob, wrong
// identifiers, corrupted ciphertext) comes back as the same decryption
// error so the cause does not leak.
func Unseal(ciphertextHex, publicID, privateID string) ([]byte, error) {
	blob, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, errDecrypt()
	}
	if len(blob) < saltLen {
		return nil, errDecrypt()
	}
	salt, rest := blob[:saltLen], blob[saltLen:]

	gcm, err := newCipher(publicID, privateID, salt)
	if err != nil {
		return nil, errDecrypt()
	}
	if len(rest) < gcm.NonceSize() {
		return nil, errDecrypt()
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errDecrypt()
	}
	return plaintext, nil
}

func newCipher(publicID, privateID string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(publicID+privateID), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func errDecrypt() error {
	return domain.E(domain.KindDecryption, "unable to decrypt payload")
}
