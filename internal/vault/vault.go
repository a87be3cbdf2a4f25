// Package vault stores provider credentials encrypted at rest. Values are
// sealed with AES-256-GCM under a key derived from the master password via
// argon2id; the salt and sealed values persist through the store so the vault
// survives restarts locked.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Store persists the vault's salt and sealed values.
type Store interface {
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error)
}

const (
	saltSize = 16
	keySize  = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	// canaryKey holds a known plaintext so Unlock can reject a wrong
	// password instead of handing out garbage decrypts.
	canaryKey   = "__vault_check"
	canaryValue = "ok"
)

var (
	ErrLocked        = errors.New("vault locked")
	ErrWrongPassword = errors.New("wrong vault password")
)

// Vault provides encrypted credential storage with a lock/unlock lifecycle.
// When disabled it passes values through unencrypted so local development
// does not need a master password.
type Vault struct {
	enabled bool
	store   Store

	mu     sync.RWMutex
	locked bool
	salt   []byte
	key    []byte
	values map[string][]byte
}

// New creates a vault. An enabled vault starts locked; when a store is given,
// previously persisted salt and values are loaded.
func New(ctx context.Context, enabled bool, st Store) (*Vault, error) {
	v := &Vault{
		enabled: enabled,
		store:   st,
		locked:  enabled,
		values:  make(map[string][]byte),
	}
	if st != nil {
		salt, data, err := st.LoadVaultBlob(ctx)
		if err != nil {
			return nil, fmt.Errorf("load vault: %w", err)
		}
		v.salt = salt
		if err := v.importLocked(data); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// Unlock derives the key from the master password. The first unlock of a
// fresh vault mints the salt and seals the canary; later unlocks verify the
// password against it.
func (v *Vault) Unlock(ctx context.Context, master []byte) error {
	if !v.enabled {
		return nil
	}
	if len(master) < 8 {
		return errors.New("password too short")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh := len(v.salt) == 0
	if fresh {
		v.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, v.salt); err != nil {
			return err
		}
	}
	key := argon2.IDKey(master, v.salt, argonTime, argonMemory, argonThreads, keySize)

	if sealed, ok := v.values[canaryKey]; ok {
		plain, err := openWith(key, sealed)
		if err != nil || string(plain) != canaryValue {
			return ErrWrongPassword
		}
	}

	v.key = key
	v.locked = false

	if _, ok := v.values[canaryKey]; !ok {
		sealed, err := sealWith(v.key, []byte(canaryValue))
		if err != nil {
			return err
		}
		v.values[canaryKey] = sealed
		return v.saveLocked(ctx)
	}
	return nil
}

// Lock clears the derived key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// Set encrypts and stores a value, persisting the sealed vault.
func (v *Vault) Set(ctx context.Context, key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	sealed, err := v.sealLocked([]byte(value))
	if err != nil {
		return err
	}
	v.values[key] = sealed
	return v.saveLocked(ctx)
}

// Get decrypts and retrieves a value.
func (v *Vault) Get(key string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	sealed, exists := v.values[key]
	if !exists {
		return "", fmt.Errorf("key not found: %s", key)
	}
	plain, err := v.openLocked(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// Delete removes a value and persists the sealed vault.
func (v *Vault) Delete(ctx context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
	return v.saveLocked(ctx)
}

// Keys lists the stored credential names.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.values))
	for k := range v.values {
		if k == canaryKey {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Rotate re-derives the key from a new master password under a fresh salt and
// re-seals every value.
func (v *Vault) Rotate(ctx context.Context, newMaster []byte) error {
	if !v.enabled {
		return nil
	}
	if len(newMaster) < 8 {
		return errors.New("password too short")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.locked {
		return ErrLocked
	}

	plains := make(map[string][]byte, len(v.values))
	for k, sealed := range v.values {
		plain, err := openWith(v.key, sealed)
		if err != nil {
			return fmt.Errorf("unseal %s: %w", k, err)
		}
		plains[k] = plain
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := argon2.IDKey(newMaster, salt, argonTime, argonMemory, argonThreads, keySize)

	values := make(map[string][]byte, len(plains))
	for k, plain := range plains {
		sealed, err := sealWith(key, plain)
		if err != nil {
			return err
		}
		values[k] = sealed
	}

	for i := range v.key {
		v.key[i] = 0
	}
	v.salt, v.key, v.values = salt, key, values
	return v.saveLocked(ctx)
}

// Export returns the sealed values, base64-encoded, for backup.
func (v *Vault) Export() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.values))
	for k, sealed := range v.values {
		out[k] = base64.StdEncoding.EncodeToString(sealed)
	}
	return out
}

// Import replaces the sealed values from a backup.
func (v *Vault) Import(ctx context.Context, data map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.importLocked(data); err != nil {
		return err
	}
	return v.saveLocked(ctx)
}

func (v *Vault) importLocked(data map[string]string) error {
	for k, enc := range data {
		decoded, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("failed to decode key %s: %w", k, err)
		}
		v.values[k] = decoded
	}
	return nil
}

func (v *Vault) saveLocked(ctx context.Context) error {
	if v.store == nil {
		return nil
	}
	data := make(map[string]string, len(v.values))
	for k, sealed := range v.values {
		data[k] = base64.StdEncoding.EncodeToString(sealed)
	}
	return v.store.SaveVaultBlob(ctx, v.salt, data)
}

// sealLocked encrypts under the current key. A disabled vault stores the
// plaintext as-is.
func (v *Vault) sealLocked(plain []byte) ([]byte, error) {
	if !v.enabled {
		return plain, nil
	}
	if v.locked {
		return nil, ErrLocked
	}
	return sealWith(v.key, plain)
}

func (v *Vault) openLocked(sealed []byte) ([]byte, error) {
	if !v.enabled {
		return sealed, nil
	}
	if v.locked {
		return nil, ErrLocked
	}
	return openWith(v.key, sealed)
}

func sealWith(key, plaintext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, errors.New("no key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openWith(key, ciphertext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, errors.New("no key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}
