package keystore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileStore is a PSK KeyStore backed by a JSON document of the form
// {"identity": "hex-encoded-secret", ...}, loaded once at construction.
// It fails fast if the file is missing, unreadable, or malformed.
type FileStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewFileStore loads and validates path, returning an error immediately
// if the backing file is malformed so startup can fail fast rather than
// deferring the problem to the first handshake.
func NewFileStore(path string) (*FileStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", path, err)
	}

	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("keystore: parsing %s: %w", path, err)
	}

	secrets := make(map[string][]byte, len(encoded))
	for identity, hexSecret := range encoded {
		if len(identity) == 0 || len(identity) > 128 {
			return nil, fmt.Errorf("keystore: identity %q must be 1 to 128 bytes", identity)
		}
		secret, err := hex.DecodeString(hexSecret)
		if err != nil {
			return nil, fmt.Errorf("keystore: identity %q has non-hex secret: %w", identity, err)
		}
		secrets[identity] = secret
	}

	return &FileStore{secrets: secrets}, nil
}

// Lookup implements KeyStore.
func (f *FileStore) Lookup(_ context.Context, identity []byte) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	secret, ok := f.secrets[string(identity)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return out, true, nil
}

// Exists implements KeyStore.
func (f *FileStore) Exists(_ context.Context, identity []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.secrets[string(identity)]
	return ok
}
