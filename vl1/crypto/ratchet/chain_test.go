package ratchet

import (
	"testing"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
)

func initialKey() [crypto.MasterKeySize]byte {
	var k [crypto.MasterKeySize]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestChainLockstep(t *testing.T) {
	sender, err := NewChain(initialKey())
	if err != nil {
		t.Fatalf("NewChain sender: %v", err)
	}
	defer sender.Destroy()
	receiver, _ := NewChain(initialKey())
	defer receiver.Destroy()

	for i := 0; i < 3; i++ {
		next, prev, err := sender.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		prev.Destroy()

		peeked, gen, err := receiver.Peek()
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if gen != sender.Generation() {
			t.Fatalf("generation mismatch: %d vs %d", gen, sender.Generation())
		}
		if peeked.Fingerprint() != next.Fingerprint() {
			t.Fatalf("peeked secret differs from sender's step %d", i)
		}
		old, err := receiver.Adopt(peeked, gen)
		if err != nil {
			t.Fatalf("Adopt: %v", err)
		}
		old.Destroy()
	}
}

func TestChainStepChangesKey(t *testing.T) {
	c, _ := NewChain(initialKey())
	defer c.Destroy()
	before, gen := c.Current()
	fp := before.Fingerprint()
	if gen != 0 {
		t.Fatalf("expected generation 0")
	}
	_, prev, err := c.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	after, _ := c.Current()
	if after.Fingerprint() == fp {
		t.Fatalf("step must change the key")
	}
	if prev.Fingerprint() != fp {
		t.Fatalf("previous secret must be returned")
	}
	prev.Destroy()
}

func TestAdoptRejectsWrongGeneration(t *testing.T) {
	c, _ := NewChain(initialKey())
	defer c.Destroy()
	s, _, _ := c.Peek()
	defer s.Destroy()
	if _, err := c.Adopt(s, 5); err != ErrInvalidGeneration {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
}

func BenchmarkChainStep(b *testing.B) {
	c, _ := NewChain(initialKey())
	defer c.Destroy()
	for i := 0; i < b.N; i++ {
		_, prev, _ := c.Step()
		prev.Destroy()
	}
}

func TestChainLimit(t *testing.T) {
	c, err := NewChainWithLimit(initialKey(), 2)
	if err != nil {
		t.Fatalf("NewChainWithLimit: %v", err)
	}
	defer c.Destroy()

	_, prev, err := c.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	prev.Destroy()
	if _, _, err := c.Step(); err != ErrRatchetExhausted {
		t.Fatalf("expected exhausted chain, got %v", err)
	}
	if _, _, err := c.Peek(); err != ErrRatchetExhausted {
		t.Fatalf("expected exhausted peek, got %v", err)
	}
	if c.Generation() != 1 {
		t.Fatalf("generation = %d", c.Generation())
	}
}
