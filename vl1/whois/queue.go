// Package whois resolves addresses to identities. A Queue deduplicates
// concurrent lookups, retries them under loss, and buffers the packets that are
// waiting on each answer.
package whois

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

const (
	// RetryInterval is the minimum number of ticks between requests for one address.
	RetryInterval = 1000
	// RetryMax is how many requests are sent for an address before giving up.
	RetryMax = 3
	// MaxWaitingPackets bounds the packets buffered per address.
	MaxWaitingPackets = 32
)

// Clock returns monotonic time in ticks.
type Clock interface {
	TimeTicks() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) TimeTicks() int64 { return f() }

// Sender transmits one resolution request for a batch of addresses.
type Sender interface {
	SendWhois(addrs []identity.Address)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(addrs []identity.Address)

func (f SenderFunc) SendWhois(addrs []identity.Address) { f(addrs) }

// Config overrides the queue's limits. Zero fields keep the defaults.
type Config struct {
	RetryInterval     int64
	RetryMax          int
	MaxWaitingPackets int
}

// Observer receives queue events. Any field may be nil.
type Observer struct {
	Requested func(n int)
	Expired   func(addr identity.Address, dropped int)
	Dropped   func(addr identity.Address)
}

type item struct {
	gate    IntervalGate
	retries int
	packets [][]byte
}

// Queue tracks outstanding WHOIS lookups. All methods are safe for concurrent
// use; the Sender is never called with the lock held.
type Queue struct {
	clock  Clock
	sender Sender
	cfg    Config
	log    logrus.FieldLogger
	obs    Observer

	mu    sync.Mutex
	items map[identity.Address]*item
}

// New returns an empty queue.
func New(clock Clock, sender Sender, cfg Config, log logrus.FieldLogger) *Queue {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = RetryInterval
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = RetryMax
	}
	if cfg.MaxWaitingPackets <= 0 {
		cfg.MaxWaitingPackets = MaxWaitingPackets
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{
		clock:  clock,
		sender: sender,
		cfg:    cfg,
		log:    log.WithField("component", "whois"),
		items:  make(map[identity.Address]*item),
	}
}

// SetObserver installs event callbacks. It must be called before the queue is used.
func (q *Queue) SetObserver(o Observer) { q.obs = o }

// Query asks for target to be resolved and, if packet is non-nil, holds packet
// until it is. At most one request per retry interval is sent regardless of how
// many callers ask for the same address.
func (q *Queue) Query(target identity.Address, packet []byte) {
	now := q.clock.TimeTicks()
	send := false
	var dropped bool

	q.mu.Lock()
	it, ok := q.items[target]
	if !ok {
		it = &item{gate: NewIntervalGate(q.cfg.RetryInterval)}
		q.items[target] = it
	}
	if it.retries < q.cfg.RetryMax && it.gate.Gate(now) {
		it.retries++
		send = true
	}
	if packet != nil {
		if len(it.packets) >= q.cfg.MaxWaitingPackets {
			it.packets[0] = nil
			it.packets = it.packets[1:]
			dropped = true
		}
		it.packets = append(it.packets, packet)
	}
	q.mu.Unlock()

	if dropped && q.obs.Dropped != nil {
		q.obs.Dropped(target)
	}
	if send {
		q.request([]identity.Address{target})
	}
}

// ResponseReceivedGetPackets removes the entry for addr and calls handler for
// each packet that was waiting on it, oldest first. Unknown addresses are
// ignored: late and duplicate replies are normal.
func (q *Queue) ResponseReceivedGetPackets(addr identity.Address, handler func(packet []byte)) {
	q.mu.Lock()
	it, ok := q.items[addr]
	if ok {
		delete(q.items, addr)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	for _, p := range it.packets {
		handler(p)
	}
}

// OnInterval retries due lookups in a single batched request and drops those
// that have used up their retries along with their packets.
func (q *Queue) OnInterval(now int64) {
	var batch []identity.Address
	type expiry struct {
		addr    identity.Address
		dropped int
	}
	var expired []expiry

	q.mu.Lock()
	for addr, it := range q.items {
		if it.retries < q.cfg.RetryMax {
			if it.gate.Gate(now) {
				it.retries++
				batch = append(batch, addr)
			}
		} else {
			expired = append(expired, expiry{addr, len(it.packets)})
			delete(q.items, addr)
		}
	}
	q.mu.Unlock()

	for _, e := range expired {
		q.log.WithFields(logrus.Fields{"address": e.addr, "dropped": e.dropped}).Debug("whois expired")
		if q.obs.Expired != nil {
			q.obs.Expired(e.addr, e.dropped)
		}
	}
	if len(batch) > 0 {
		q.request(batch)
	}
}

func (q *Queue) request(addrs []identity.Address) {
	if q.obs.Requested != nil {
		q.obs.Requested(len(addrs))
	}
	q.sender.SendWhois(addrs)
}

// Pending reports whether addr has an outstanding lookup.
func (q *Queue) Pending(addr identity.Address) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[addr]
	return ok
}

// Len returns the number of outstanding lookups.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Retries returns how many requests have been sent for addr.
func (q *Queue) Retries(addr identity.Address) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[addr]; ok {
		return it.retries
	}
	return 0
}
