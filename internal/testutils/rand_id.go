// Package testutils provides fakes and helpers shared by the worker's unit tests: an in-memory
// integration store, a stub provider token endpoint, and random owner ids.
package testutils

import (
	"crypto/rand"
	"math"
	"math/big"
	mathrand "math/rand"
	"sync"
	"time"
)

var (
	rndMu sync.Mutex
	rnd   = mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
)

// RandomOwnerID returns a positive owner id, so tests sharing a store do not collide.
// It uses crypto/rand and falls back to math/rand if that fails.
func RandomOwnerID() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt32))
	if err != nil {
		rndMu.Lock()
		defer rndMu.Unlock()

		return rnd.Int63n(math.MaxInt32) + 1
	}

	return n.Int64() + 1
}
