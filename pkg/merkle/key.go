// Package merkle derives and verifies the content addresses of blobs.
//
// A blob is hashed as a two-level blake2b tree: every leaf-sized chunk of
// data yields a leaf key, and the root key is the hash of the ordered leaf
// keys. The root key is the blob's identity.
package merkle

import (
	"encoding/hex"
	"fmt"
)

const (
	// KeySize for the blake2b algo
	KeySize = 64

	// KeySizeHex for the hex representation of a key
	KeySizeHex = 2 * KeySize
)

// Key is the content address of a blob or of one of its leaves
type Key [KeySize]byte

// NewKey creates a new key from data
func NewKey(data []byte) (Key, error) {
	var k Key
	n := copy(k[:], data)
	if n != KeySize {
		return Key{}, &BadKeySize{Key: data}
	}
	return k, nil
}

// MustNewKey creates a new key from data but panics if there is an error
func MustNewKey(data []byte) Key {
	k, e := NewKey(data)
	if e != nil {
		panic(e.Error())
	}
	return k
}

// KeyFromString parses a key from its hex representation
func KeyFromString(s string) (Key, error) {
	if len(s) != KeySizeHex {
		return Key{}, &BadKeySize{Key: []byte(s)}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, err
	}
	return NewKey(b)
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is all zeroes, i.e. unset
func (k Key) IsZero() bool {
	for _, b := range k {
		if b != 0 {
			return false
		}
	}
	return true
}

// BadKeySize is an error that's returned when the key to create has an invalid size.
type BadKeySize struct {
	Key []byte
}

func (b *BadKeySize) Error() string {
	return fmt.Sprintf("%x has invalid size of %d, expected %d", b.Key, len(b.Key), KeySize)
}
