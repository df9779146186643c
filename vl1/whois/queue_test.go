package whois

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) TimeTicks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t int64) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingSender struct {
	mu      sync.Mutex
	batches [][]identity.Address
}

func (s *recordingSender) SendWhois(addrs []identity.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]identity.Address(nil), addrs...))
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func newTestQueue(cfg Config) (*Queue, *fakeClock, *recordingSender) {
	clock := &fakeClock{}
	sender := &recordingSender{}
	return New(clock, sender, cfg, nil), clock, sender
}

const target = identity.Address(0x000000000a)

func TestQueryDeduplicates(t *testing.T) {
	q, clock, sender := newTestQueue(Config{})
	clock.set(5)

	q.Query(target, nil)
	q.Query(target, nil)
	assert.Equal(t, 1, sender.count(), "two queries in one interval send once")
	assert.Equal(t, 1, q.Retries(target))

	clock.set(5 + RetryInterval)
	q.Query(target, nil)
	assert.Equal(t, 2, sender.count())
}

func TestConcurrentQueriesSendOnce(t *testing.T) {
	q, _, sender := newTestQueue(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Query(target, []byte{1})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 1, q.Len())
}

func TestResponseDeliversFIFO(t *testing.T) {
	q, _, _ := newTestQueue(Config{})
	q.Query(target, []byte("p1"))
	q.Query(target, []byte("p2"))
	q.Query(target, []byte("p3"))

	var got []string
	q.ResponseReceivedGetPackets(target, func(p []byte) { got = append(got, string(p)) })
	assert.Equal(t, []string{"p1", "p2", "p3"}, got)
	assert.False(t, q.Pending(target))

	called := false
	q.ResponseReceivedGetPackets(target, func([]byte) { called = true })
	assert.False(t, called, "second response is a no-op")
}

func TestWaitingPacketsBounded(t *testing.T) {
	q, _, _ := newTestQueue(Config{MaxWaitingPackets: 2})
	dropped := 0
	q.SetObserver(Observer{Dropped: func(identity.Address) { dropped++ }})
	q.Query(target, []byte("p1"))
	q.Query(target, []byte("p2"))
	q.Query(target, []byte("p3"))

	var got []string
	q.ResponseReceivedGetPackets(target, func(p []byte) { got = append(got, string(p)) })
	assert.Equal(t, []string{"p2", "p3"}, got)
	assert.Equal(t, 1, dropped)
}

func TestOnIntervalExpires(t *testing.T) {
	q, _, sender := newTestQueue(Config{})
	var expired []identity.Address
	q.SetObserver(Observer{Expired: func(a identity.Address, _ int) { expired = append(expired, a) }})

	q.Query(target, nil)
	require.True(t, q.Pending(target))

	now := int64(0)
	for i := 0; i < RetryMax+1 && q.Pending(target); i++ {
		now += RetryInterval
		q.OnInterval(now)
	}
	assert.False(t, q.Pending(target))
	assert.Equal(t, RetryMax, sender.count())
	assert.Equal(t, []identity.Address{target}, expired)
}

func TestOnIntervalDropsQueuedPackets(t *testing.T) {
	q, _, _ := newTestQueue(Config{RetryMax: 1})
	q.Query(target, []byte("p1"))
	q.OnInterval(RetryInterval)
	assert.False(t, q.Pending(target))

	called := false
	q.ResponseReceivedGetPackets(target, func([]byte) { called = true })
	assert.False(t, called)
}

func TestOnIntervalBatches(t *testing.T) {
	q, _, sender := newTestQueue(Config{})
	a := identity.Address(0x0102030405)
	b := identity.Address(0x0102030406)
	q.Query(a, nil)
	q.Query(b, nil)
	require.Equal(t, 2, sender.count())

	q.OnInterval(RetryInterval / 2)
	assert.Equal(t, 2, sender.count(), "gate holds within the interval")

	q.OnInterval(RetryInterval)
	require.Equal(t, 3, sender.count())
	assert.ElementsMatch(t, []identity.Address{a, b}, sender.batches[2])
}

func TestIntervalGate(t *testing.T) {
	g := NewIntervalGate(10)
	assert.True(t, g.Gate(-100), "first call passes")
	assert.False(t, g.Gate(-95))
	assert.True(t, g.Gate(-90))
}
