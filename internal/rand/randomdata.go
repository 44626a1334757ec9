// Package rand produces random payloads for tests.
package rand

import (
	"math/rand"
	"sync"
	"time"
)

var (
	onceSource sync.Once
	rgen       *rand.Rand
	randMutex  sync.Mutex
)

func seed() {
	src := rand.NewSource(time.Now().UnixNano())
	rgen = rand.New(src) // #nosec
}

// Bytes returns a random slice of bytes
func Bytes(n int) []byte {
	onceSource.Do(seed)
	buf := make([]byte, n)
	randMutex.Lock()
	_, _ = rgen.Read(buf)
	randMutex.Unlock()
	return buf
}

// String returns a random string
func String(n int) string {
	return string(Bytes(n))
}
