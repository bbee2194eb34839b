// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// FileBackendPriority is the priority for the encrypted file backend.
	FileBackendPriority = 25

	// Argon2id parameters for master key derivation.
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // AES-256

	gcmNonceSize = 12
	saltSize     = 16

	// masterKeyEnv supplies the master key without a key file.
	masterKeyEnv = "FORGE_MASTER_KEY"
)

// FileBackend stores credentials in a single AES-256-GCM encrypted JSON file.
// The encryption key is derived with Argon2id from a master key taken from
// FORGE_MASTER_KEY or ~/.config/forge/master.key.
type FileBackend struct {
	path      string
	masterKey []byte
	mu        sync.RWMutex
	available bool
}

// encryptedFile is the on-disk layout of the secrets file.
type encryptedFile struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// NewFileBackend creates an encrypted file backend at path. An empty path
// defaults to ~/.config/forge/secrets.enc. A backend with no resolvable
// master key is returned unavailable rather than failing, so the resolver
// chain keeps working off the other backends.
func NewFileBackend(path, masterKey string) (*FileBackend, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		path = filepath.Join(configDir, "forge", "secrets.enc")
	}

	key, err := resolveMasterKey(masterKey)
	if err != nil {
		return &FileBackend{path: path, available: false}, nil
	}

	backend := &FileBackend{
		path:      path,
		masterKey: key,
		available: true,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	return backend, nil
}

// resolveMasterKey picks the master key from the explicit argument, the
// environment, or the key file next to the secrets file.
func resolveMasterKey(explicit string) ([]byte, error) {
	if explicit != "" {
		return []byte(explicit), nil
	}
	if env := os.Getenv(masterKeyEnv); env != "" {
		return []byte(env), nil
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		keyPath := filepath.Join(configDir, "forge", "master.key")
		if data, err := os.ReadFile(keyPath); err == nil && len(data) > 0 {
			return data, nil
		}
	}

	return nil, fmt.Errorf("no master key: set %s or create a master.key file", masterKeyEnv)
}

// Name returns the backend identifier.
func (f *FileBackend) Name() string {
	return "file"
}

// Get retrieves a secret from the encrypted file.
func (f *FileBackend) Get(ctx context.Context, name string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	store, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := store[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// Set stores a secret in the encrypted file.
func (f *FileBackend) Set(ctx context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := f.load()
	if err != nil {
		return err
	}
	store[name] = value
	return f.save(store)
}

// Delete removes a secret from the encrypted file.
func (f *FileBackend) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := store[name]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	delete(store, name)
	return f.save(store)
}

// List returns the reference names stored in the encrypted file.
func (f *FileBackend) List(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	store, err := f.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(store))
	for name := range store {
		names = append(names, name)
	}
	return names, nil
}

// Available reports whether a master key was resolved.
func (f *FileBackend) Available() bool {
	return f.available
}

// Priority returns the backend priority (lowest).
func (f *FileBackend) Priority() int {
	return FileBackendPriority
}

// load decrypts the secrets file. A missing file is an empty store.
func (f *FileBackend) load() (map[string]string, error) {
	if !f.available {
		return nil, fmt.Errorf("%w: no master key", ErrBackendUnavailable)
	}

	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	var file encryptedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("corrupt secrets file: %w", err)
	}

	gcm, err := f.cipher(file.Salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, file.Nonce, file.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets file (wrong master key?): %w", err)
	}

	store := make(map[string]string)
	if err := json.Unmarshal(plaintext, &store); err != nil {
		return nil, fmt.Errorf("corrupt secrets payload: %w", err)
	}
	return store, nil
}

// save encrypts and writes the store with a fresh salt and nonce.
func (f *FileBackend) save(store map[string]string) error {
	plaintext, err := json.Marshal(store)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := f.cipher(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	file := encryptedFile{
		Salt:  salt,
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	}

	raw, err := json.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode secrets file: %w", err)
	}

	return os.WriteFile(f.path, raw, 0o600)
}

// cipher derives the AES-GCM cipher for a given salt.
func (f *FileBackend) cipher(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
