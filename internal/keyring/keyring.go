// Package keyring holds the pool of upstream API keys and the shared cursor
// that selects which key the next outbound request uses.
package keyring

import (
	"errors"
	"sync"
)

// ErrEmptyPool is returned when a Rotator is built without any keys.
var ErrEmptyPool = errors.New("keyring: upstream key pool is empty")

// Rotator hands out upstream keys in strict round-robin order. The cursor only
// moves on Advance; successful requests never move it.
type Rotator struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

// New creates a Rotator over keys. Insertion order defines rotation order.
func New(keys []string) (*Rotator, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyPool
	}
	pool := make([]string, len(keys))
	copy(pool, keys)
	return &Rotator{keys: pool}, nil
}

// Current returns the key under the cursor, wrapping the cursor into range first.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[r.normalize()]
}

// Selected returns the current key together with its pool index, read under
// a single lock so the pair is consistent.
func (r *Rotator) Selected() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.normalize()
	return r.keys[i], i
}

// Index returns the normalized cursor position. Useful for logging which key
// is active without exposing the key itself.
func (r *Rotator) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.normalize()
}

// Advance moves the cursor forward by one. The cursor may transiently exceed
// the pool length; the next read wraps it.
func (r *Rotator) Advance() {
	r.mu.Lock()
	r.cursor++
	r.mu.Unlock()
}

// Len returns the number of keys in the pool.
func (r *Rotator) Len() int {
	return len(r.keys)
}

// normalize must be called with mu held.
func (r *Rotator) normalize() int {
	r.cursor %= len(r.keys)
	return r.cursor
}
