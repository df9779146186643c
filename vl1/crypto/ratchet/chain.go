package ratchet

import (
	"errors"
	"sync"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
)

var (
	ErrRatchetExhausted  = errors.New("ratchet: maximum generation reached")
	ErrInvalidGeneration = errors.New("ratchet: invalid generation number")
)

const (
	// MaxGeneration is the maximum number of ratchet steps before a new handshake is required.
	MaxGeneration = 1 << 32
)

// Chain holds the current master secret of a ratchet and its generation.
type Chain struct {
	mu         sync.Mutex
	current    *crypto.SymmetricSecret
	generation uint64
	limit      uint64
}

// NewChain starts a chain at generation 0 from an initial master secret.
func NewChain(initial [crypto.MasterKeySize]byte) (*Chain, error) {
	return NewChainWithLimit(initial, MaxGeneration)
}

// NewChainWithLimit is NewChain with fewer than MaxGeneration generations.
// A limit of 0 or above MaxGeneration means MaxGeneration.
func NewChainWithLimit(initial [crypto.MasterKeySize]byte, limit uint64) (*Chain, error) {
	if limit == 0 || limit > MaxGeneration {
		limit = MaxGeneration
	}
	s, err := crypto.NewSymmetricSecret(initial)
	if err != nil {
		return nil, err
	}
	return &Chain{current: s, limit: limit}, nil
}

// Current returns the secret for the current generation.
func (c *Chain) Current() (*crypto.SymmetricSecret, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.generation
}

// Generation returns the current generation number.
func (c *Chain) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Step advances the chain and returns the new secret together with the secret it
// replaced. The caller owns the previous secret and must destroy it when no
// in-flight traffic can still reference it.
func (c *Chain) Step() (next, previous *crypto.SymmetricSecret, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation+1 >= c.limit {
		return nil, nil, ErrRatchetExhausted
	}
	master, err := c.current.DeriveNext()
	if err != nil {
		return nil, nil, err
	}
	s, err := crypto.NewSymmetricSecret(master)
	crypto.Wipe(master[:])
	if err != nil {
		return nil, nil, err
	}
	previous = c.current
	c.current = s
	c.generation++
	return s, previous, nil
}

// Peek derives the secret for generation+1 without advancing. The returned secret
// is owned by the caller.
func (c *Chain) Peek() (*crypto.SymmetricSecret, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation+1 >= c.limit {
		return nil, 0, ErrRatchetExhausted
	}
	master, err := c.current.DeriveNext()
	if err != nil {
		return nil, 0, err
	}
	s, err := crypto.NewSymmetricSecret(master)
	crypto.Wipe(master[:])
	if err != nil {
		return nil, 0, err
	}
	return s, c.generation + 1, nil
}

// Adopt installs a secret previously obtained from Peek, returning the replaced one.
func (c *Chain) Adopt(s *crypto.SymmetricSecret, generation uint64) (*crypto.SymmetricSecret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation+1 {
		return nil, ErrInvalidGeneration
	}
	previous := c.current
	c.current = s
	c.generation = generation
	return previous, nil
}

// Destroy wipes the current secret.
func (c *Chain) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Destroy()
	}
}
