package crypto

import "sync/atomic"

// AEADPoolCapacity is the number of keyed instances kept ready per secret.
const AEADPoolCapacity = 2

// AEADPool keeps a fixed number of pre-keyed AES-GMAC-SIV instances so the hot path
// never expands key schedules. Borrowers beyond capacity get a freshly keyed instance
// that is discarded on return. Checkout order is unspecified.
type AEADPool struct {
	ch        chan *AESGMACSIV
	k0, k1    *[AESGMACSIVKeySize]byte
	created   atomic.Int32
	destroyed atomic.Bool
}

func newAEADPool(k0, k1 *[AESGMACSIVKeySize]byte, capacity int) (*AEADPool, error) {
	if capacity <= 0 {
		capacity = AEADPoolCapacity
	}
	p := &AEADPool{
		ch: make(chan *AESGMACSIV, capacity),
		k0: k0,
		k1: k1,
	}
	for i := 0; i < capacity; i++ {
		c, err := NewAESGMACSIV(k0[:], k1[:])
		if err != nil {
			return nil, err
		}
		p.created.Add(1)
		p.ch <- c
	}
	return p, nil
}

// Get borrows an instance. It returns nil once the owning secret is destroyed.
func (p *AEADPool) Get() *AESGMACSIV {
	if p.destroyed.Load() {
		return nil
	}
	select {
	case c := <-p.ch:
		return c
	default:
	}
	c, err := NewAESGMACSIV(p.k0[:], p.k1[:])
	if err != nil {
		// Key sizes are fixed by construction.
		panic(err)
	}
	p.created.Add(1)
	return c
}

// Put resets c and returns it to the pool if there is room.
func (p *AEADPool) Put(c *AESGMACSIV) {
	if c == nil {
		return
	}
	if p.destroyed.Load() {
		c.destroy()
		return
	}
	c.Reset()
	select {
	case p.ch <- c:
	default:
		c.destroy()
	}
}

// Idle returns the number of instances waiting in the pool.
func (p *AEADPool) Idle() int { return len(p.ch) }

// Created returns how many instances have been keyed over the pool's lifetime.
func (p *AEADPool) Created() int { return int(p.created.Load()) }

func (p *AEADPool) destroy() {
	if p.destroyed.Swap(true) {
		return
	}
	for {
		select {
		case c := <-p.ch:
			c.destroy()
		default:
			return
		}
	}
}
