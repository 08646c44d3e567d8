package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrUnknownKey = errors.New("unknown key id")
	ErrKeySize    = errors.New("key must be 32 bytes")
)

// Envelope is an AES-256-GCM sealed payload with the id of the key used.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Keyring seals with the active key and opens with any key it has held, so
// exports written before a rotation stay readable.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	active string
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// ParseKeyring builds a keyring with one active key given as 64 hex chars.
func ParseKeyring(keyID, hexKey string) (*Keyring, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", keyID, err)
	}
	k := NewKeyring()
	if err := k.Add(keyID, key); err != nil {
		return nil, err
	}
	return k, nil
}

// Add installs key and makes it the active sealing key.
func (k *Keyring) Add(keyID string, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("%s: %w", keyID, ErrKeySize)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = append([]byte(nil), key...)
	k.active = keyID
	return nil
}

func (k *Keyring) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

func (k *Keyring) gcm(keyID string) (cipher.AEAD, error) {
	k.mu.RLock()
	key, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext; aad is authenticated but not stored.
func (k *Keyring) Seal(plaintext, aad []byte) (*Envelope, error) {
	keyID := k.ActiveKeyID()
	gcm, err := k.gcm(keyID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &Envelope{
		KeyID:      keyID,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Open decrypts env; aad must match what was passed to Seal.
func (k *Keyring) Open(env *Envelope, aad []byte) ([]byte, error) {
	gcm, err := k.gcm(env.KeyID)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
