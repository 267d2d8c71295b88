package history

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	jmoerrors "github.com/jmo-sec/jmo/internal/errors"
)

// EncryptionKeyEnv names the environment variable holding the raw-finding
// encryption passphrase. The AES key is derived from it by SHA-256.
const EncryptionKeyEnv = "JMO_ENCRYPTION_KEY"

// encPrefix marks an encrypted raw payload in the findings table.
const encPrefix = "enc:v1:"

func encryptionKey() ([]byte, bool) {
	passphrase := os.Getenv(EncryptionKeyEnv)
	if passphrase == "" {
		return nil, false
	}
	key := sha256.Sum256([]byte(passphrase))
	return key[:], true
}

// encryptRaw seals plaintext with AES-GCM when a key is configured,
// returning the storable string. Without a key the plaintext passes
// through unchanged.
func encryptRaw(plaintext string) (string, error) {
	key, ok := encryptionKey()
	if !ok {
		return plaintext, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decryptRaw reverses encryptRaw. Reading an encrypted payload without the
// key returns ErrKeyMissing rather than the ciphertext.
func decryptRaw(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}

	key, ok := encryptionKey()
	if !ok {
		return "", jmoerrors.ErrKeyMissing
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode encrypted payload: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("encrypted payload truncated")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt payload: %w", err)
	}
	return string(plaintext), nil
}
