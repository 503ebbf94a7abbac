// Package hashutil computes the content digests used as image ETags.
package hashutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sync"
)

// Default is the algorithm used for payload digests.
const Default = "sha256"

// ErrUnsupportedAlgorithm is returned for algorithms that were never
// registered.
var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

var (
	mu         sync.RWMutex
	algorithms = map[string]func() hash.Hash{
		"sha256": sha256.New,
		"sha512": sha512.New,
	}
)

// Register adds or replaces an algorithm.
func Register(name string, factory func() hash.Hash) {
	mu.Lock()
	defer mu.Unlock()
	algorithms[name] = factory
}

func IsSupported(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := algorithms[name]
	return ok
}

// Sum returns the hex digest of data.
func Sum(name string, data []byte) (string, error) {
	mu.RLock()
	factory, ok := algorithms[name]
	mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
	}
	h := factory()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
