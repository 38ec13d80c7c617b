package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"opsdeck/internal/domain"
)

// EncryptedPrefix marks a config value sealed with EncryptValue.
const EncryptedPrefix = "enc:"

const saltSize = 16

// secretFields lists every config value that may carry an enc: prefix.
func secretFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"gateway.token":      &cfg.Gateway.Token,
		"gateway.password":   &cfg.Gateway.Password,
		"proxy.local_secret": &cfg.Proxy.LocalSecret,
	}
}

// decryptSecrets opens every enc: value in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for name, field := range secretFields(cfg) {
		if !strings.HasPrefix(*field, EncryptedPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*field, EncryptedPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

// sealedSecrets returns the names of enc: values, for a useful error when
// the passphrase is missing.
func sealedSecrets(cfg *Config) []string {
	var names []string
	for name, field := range secretFields(cfg) {
		if strings.HasPrefix(*field, EncryptedPrefix) {
			names = append(names, name)
		}
	}
	return names
}

// EncryptValue seals plaintext with AES-256-GCM under a key derived from
// passphrase. The result is hex(salt) ":" hex(nonce||ciphertext), without the
// enc: prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plain), nil
}

// newGCM derives an Argon2id key from passphrase and salt and wraps it in GCM.
func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
