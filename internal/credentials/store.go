package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when no credential exists under the key.
// Storage failures are reported as other errors.
var ErrNotFound = errors.New("credential not found")

// Store holds opaque secret strings keyed by string. Implementations must be
// safe for concurrent use. Operations on distinct keys must not block each
// other, while writes to the same key are serialized.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// keyHash returns a filesystem and log safe identifier for a key.
// Keys can embed connection ids, which are fine to log, but hashing keeps
// file names uniform.
func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// keyLocker hands out one mutex per key. Entries are reference counted and
// dropped when the last holder unlocks, so the map does not grow with every
// key ever written.
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (k *keyLocker) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
