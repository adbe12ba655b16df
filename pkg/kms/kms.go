// Package kms wraps and unwraps per-user data encryption keys.
//
// The gateway never encrypts credentials with a master key directly: each
// user has a DEK, and the KMS is the only component that touches master key
// material. LocalKMS is the file-backed implementation for single-node
// deployments; versioned keys keep old DEK wrappings decryptable after a
// rotation.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/agenr/agenr/pkg/faults"
)

// Manager is the key-wrapping interface the vault depends on.
type Manager interface {
	// WrapKey encrypts a DEK under the active master key and returns the
	// wrapped bytes plus the key id needed to unwrap them later.
	WrapKey(ctx context.Context, dek []byte) (wrapped []byte, keyID string, err error)

	// UnwrapKey decrypts wrapped DEK bytes produced by WrapKey.
	UnwrapKey(ctx context.Context, wrapped []byte, keyID string) ([]byte, error)
}

// wrapInfo is the HKDF domain-separation label. Master keys are never used
// as AES keys directly.
const wrapInfo = "agenr/kms/dek-wrap/v1"

// Keystore is the on-disk format: versioned 32-byte master keys, base64.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"`
}

// LocalKMS is a file-backed Manager.
type LocalKMS struct {
	path  string
	mu    sync.RWMutex
	store Keystore
	keys  map[int][]byte // decoded master keys by version
}

// NewLocalKMS loads or creates a keystore at the given path. A missing file
// produces a fresh version-1 key.
func NewLocalKMS(keystorePath string) (*LocalKMS, error) {
	k := &LocalKMS{
		path: keystorePath,
		keys: make(map[int][]byte),
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}

		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("kms: generate key: %w", err)
		}

		k.store = Keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
		}
		k.keys[1] = key

		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &k.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}

	for vStr, encoded := range k.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("kms: key v%d invalid length %d (need 32)", v, len(key))
		}
		k.keys[v] = key
	}

	if _, ok := k.keys[k.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", k.store.ActiveVersion)
	}

	return k, nil
}

// WrapKey encrypts dek under the active version's derived wrapping key.
// Key ids look like "local:v3".
func (k *LocalKMS) WrapKey(_ context.Context, dek []byte) ([]byte, string, error) {
	if len(dek) != 32 {
		return nil, "", faults.Invalid("dek must be 32 bytes, got %d", len(dek))
	}

	k.mu.RLock()
	version := k.store.ActiveVersion
	master := k.keys[version]
	k.mu.RUnlock()

	wrapKey, err := deriveWrapKey(master)
	if err != nil {
		return nil, "", err
	}

	wrapped, err := aesGCMEncrypt(wrapKey, dek)
	if err != nil {
		return nil, "", err
	}

	return wrapped, fmt.Sprintf("local:v%d", version), nil
}

// UnwrapKey decrypts wrapped DEK bytes. Any unknown key id or auth-tag
// failure is an integrity fault; callers must not retry.
func (k *LocalKMS) UnwrapKey(_ context.Context, wrapped []byte, keyID string) ([]byte, error) {
	version, err := parseKeyID(keyID)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	master, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, faults.Integrity("unknown kms key version %d", version)
	}

	wrapKey, err := deriveWrapKey(master)
	if err != nil {
		return nil, err
	}

	dek, err := aesGCMDecrypt(wrapKey, wrapped)
	if err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, err, "unwrap dek")
	}
	return dek, nil
}

// Rotate generates a new master key version. Previously wrapped DEKs remain
// decryptable under their recorded key id.
func (k *LocalKMS) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	newVersion := k.store.ActiveVersion + 1

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("kms: generate key: %w", err)
	}

	k.store.Keys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(key)
	k.store.ActiveVersion = newVersion
	k.keys[newVersion] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the current active key version.
func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

func (k *LocalKMS) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}

func parseKeyID(keyID string) (int, error) {
	rest, ok := strings.CutPrefix(keyID, "local:v")
	if !ok {
		return 0, faults.Integrity("malformed kms key id %q", keyID)
	}
	version, err := strconv.Atoi(rest)
	if err != nil {
		return 0, faults.Integrity("malformed kms key id %q", keyID)
	}
	return version, nil
}

func deriveWrapKey(master []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(wrapInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("kms: derive wrap key: %w", err)
	}
	return key, nil
}

// --- AES-256-GCM helpers ---

func aesGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}

	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
